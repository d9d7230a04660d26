package commands

import (
	"fmt"
	"sort"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/cloudnap/pod-minder/pkg/podminder/config"
	"github.com/cloudnap/pod-minder/pkg/podminder/provider"
)

// NewListCmd creates the list subcommand.
func NewListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List fleet instances",
		RunE:  runList,
	}
}

func runList(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadOrDefault(resolveConfigPath())
	if err != nil {
		return err
	}

	client := provider.NewClient(cfg.Provider)
	startSpinner("fetching fleet...")
	fleet, err := client.FetchFleet(cmd.Context())
	stopSpinner()
	if err != nil {
		return fmt.Errorf("failed to fetch fleet: %v", err)
	}
	sort.Slice(fleet, func(i, j int) bool { return fleet[i].ID < fleet[j].ID })

	tw := table.Table{}
	tw.AppendHeader(table.Row{"ID", "NAME", "STATUS"})
	for _, inst := range fleet {
		tw.AppendRow(table.Row{inst.ID, inst.Name, colorStatus(inst.Status)})
	}
	tw.SetStyle(table.StyleRounded)
	fmt.Println(tw.Render())
	return nil
}
