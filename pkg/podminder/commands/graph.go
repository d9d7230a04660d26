package commands

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/cloudnap/pod-minder/pkg/podminder/config"
	"github.com/cloudnap/pod-minder/pkg/podminder/server"
)

var (
	graphWindow time.Duration
	graphOut    string
)

// NewGraphCmd creates the graph subcommand.
func NewGraphCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "graph <instance-id>",
		Short: "Render a utilization chart to an HTML file",
		Long: `Render an instance's cpu/mem/gpu history as a self-contained HTML
chart, the same page the daemon serves under /graph/{id}.`,
		Args: cobra.ExactArgs(1),
		RunE: runGraph,
	}
	cmd.Flags().DurationVarP(&graphWindow, "window", "w", time.Hour, "Lookback window")
	cmd.Flags().StringVarP(&graphOut, "out", "o", "", "Output file (auto-generated if empty)")
	return cmd
}

func runGraph(cmd *cobra.Command, args []string) error {
	instanceID := args[0]
	if graphWindow <= 0 {
		return errors.New("--window must be positive")
	}

	storage := config.LoadForStorage(resolveConfigPath())
	st, err := openStoreRead(storage.Path)
	if err != nil {
		return err
	}
	defer st.Close()

	to := time.Now().UTC()
	cur, err := st.Query(instanceID, to.Add(-graphWindow), to)
	if err != nil {
		return fmt.Errorf("failed to query series: %v", err)
	}
	defer cur.Close()

	out := graphOut
	if out == "" {
		out = fmt.Sprintf("podminder-%s-%s.html", instanceID, time.Now().Format("20060102-150405"))
	}
	f, err := os.Create(out)
	if err != nil {
		return fmt.Errorf("failed to create output file: %v", err)
	}
	if err := server.RenderUtilizationPage(f, instanceID, graphWindow, cur); err != nil {
		f.Close()
		os.Remove(out)
		return fmt.Errorf("failed to render chart: %v", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to write output file: %v", err)
	}

	fmt.Println(goodStyle.Render(fmt.Sprintf("Wrote chart to %s", out)))
	return nil
}
