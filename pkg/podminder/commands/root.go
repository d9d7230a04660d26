// Package commands implements the podminder CLI: the serve daemon plus
// one-shot fleet, control, exclusion, and export commands. Every command
// shares one config file, resolved from --config, PODMINDER_CONFIG, or
// ./podminder.yaml in that order.
package commands

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/cloudnap/pod-minder/pkg/podminder/clock"
	"github.com/cloudnap/pod-minder/pkg/podminder/store"
)

const version = "0.3.1"

// readRetention keeps reader handles from trimming history the daemon's
// policy still retains: Query trims with the handle's own retention window.
const readRetention = 365 * 24 * time.Hour

// configPath is the shared --config flag value.
var configPath string

// NewRootCmd creates the root command with all subcommands.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "podminder",
		Short: "Idle detection and auto-stop for cloud pod fleets",
		Long: `podminder watches per-instance cpu/mem/gpu utilization across a pod
fleet, detects instances that stay idle past a configurable duration, and
stops them through the provider API (or only reports them in monitor-only
mode).

The daemon ('podminder serve') samples the fleet on a fixed cadence and
keeps a local SQLite history; the other commands are one-shot views and
controls sharing its configuration.`,
		Version:      version,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"Config file (default podminder.yaml, or $PODMINDER_CONFIG)")

	root.AddCommand(
		NewServeCmd(),
		NewStatusCmd(),
		NewListCmd(),
		NewStopCmd(),
		NewResumeCmd(),
		NewExcludeCmd(),
		NewIncludeCmd(),
		NewExportCmd(),
		NewGraphCmd(),
		NewVersionCmd(),
	)
	return root
}

// Execute runs the root command.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		klog.Flush()
		os.Exit(1)
	}
}

func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	if env := os.Getenv("PODMINDER_CONFIG"); env != "" {
		return env
	}
	return "podminder.yaml"
}

// openStoreRead opens the daemon's database for a reader command. Errors
// out rather than creating an empty database, and widens the handle's
// retention so the read can never trim live history.
func openStoreRead(path string) (*store.Store, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("no database at %s (has the daemon run?)", path)
	}
	st, err := store.Open(path, clock.RealClock{})
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %v", err)
	}
	st.SetRetention(readRetention)
	return st, nil
}
