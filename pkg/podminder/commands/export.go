package commands

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/cloudnap/pod-minder/pkg/podminder/config"
	"github.com/cloudnap/pod-minder/pkg/podminder/export"
)

var (
	exportFormat string
	exportOut    string
	exportFrom   string
	exportTo     string
	exportAll    bool
)

// NewExportCmd creates the export subcommand.
func NewExportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export [instance-id]",
		Short: "Write stored utilization series to a file",
		Long: `Write raw samples from the daemon's store to a portable file for
offline analysis.

Example:
  podminder export pod-abc123 --format parquet
  podminder export --all --format csv --from 2026-08-20T00:00:00Z`,
		Args: cobra.MaximumNArgs(1),
		RunE: runExport,
	}
	cmd.Flags().StringVarP(&exportFormat, "format", "f", "jsonl", "Output format: jsonl, csv, parquet")
	cmd.Flags().StringVarP(&exportOut, "out", "o", "", "Output file (auto-generated if empty)")
	cmd.Flags().StringVar(&exportFrom, "from", "", "Range start, RFC3339 (default 24h before --to)")
	cmd.Flags().StringVar(&exportTo, "to", "", "Range end, RFC3339 (default now)")
	cmd.Flags().BoolVar(&exportAll, "all", false, "Export every tracked instance")
	return cmd
}

func runExport(cmd *cobra.Command, args []string) error {
	if exportAll == (len(args) == 1) {
		return errors.New("provide exactly one of <instance-id> or --all")
	}
	ext := export.Extension(exportFormat)
	if ext == "" {
		return fmt.Errorf("unknown format %q (supported: jsonl, csv, parquet)", exportFormat)
	}

	to := time.Now().UTC()
	var err error
	if exportTo != "" {
		if to, err = time.Parse(time.RFC3339, exportTo); err != nil {
			return fmt.Errorf("invalid --to: %v", err)
		}
	}
	from := to.Add(-24 * time.Hour)
	if exportFrom != "" {
		if from, err = time.Parse(time.RFC3339, exportFrom); err != nil {
			return fmt.Errorf("invalid --from: %v", err)
		}
	}
	if !from.Before(to) {
		return errors.New("--from must precede --to")
	}

	storage := config.LoadForStorage(resolveConfigPath())
	st, err := openStoreRead(storage.Path)
	if err != nil {
		return err
	}
	defer st.Close()

	out := exportOut
	if out == "" {
		target := "fleet"
		if len(args) == 1 {
			target = args[0]
		}
		out = fmt.Sprintf("podminder-%s-%s%s", target, time.Now().Format("20060102-150405"), ext)
	}
	f, err := os.Create(out)
	if err != nil {
		return fmt.Errorf("failed to create output file: %v", err)
	}

	w, err := export.NewWriter(exportFormat, f)
	if err != nil {
		f.Close()
		os.Remove(out)
		return err
	}

	var n int
	if exportAll {
		n, err = export.Fleet(st, from, to, w)
	} else {
		n, err = export.Series(st, args[0], from, to, w)
	}
	if cerr := w.Close(); err == nil {
		err = cerr
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(out)
		return fmt.Errorf("export failed: %v", err)
	}

	fmt.Println(goodStyle.Render(fmt.Sprintf("Exported %d samples to %s", n, out)))
	return nil
}
