package commands

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/cloudnap/pod-minder/pkg/podminder/clock"
	"github.com/cloudnap/pod-minder/pkg/podminder/config"
	"github.com/cloudnap/pod-minder/pkg/podminder/provider"
	"github.com/cloudnap/pod-minder/pkg/podminder/store"
	"github.com/cloudnap/pod-minder/pkg/podminder/types"
)

// NewStatusCmd creates the status subcommand.
func NewStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show fleet utilization and idle state",
		Long: `Fetch the current fleet from the provider and merge in the idle state
tracked by the daemon's local store, when one exists.`,
		RunE: runStatus,
	}
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadOrDefault(resolveConfigPath())
	if err != nil {
		return err
	}

	printBanner()

	client := provider.NewClient(cfg.Provider)
	startSpinner("fetching fleet...")
	fleet, err := client.FetchFleet(cmd.Context())
	stopSpinner()
	if err != nil {
		return fmt.Errorf("failed to fetch fleet: %v", err)
	}
	sort.Slice(fleet, func(i, j int) bool { return fleet[i].ID < fleet[j].ID })

	idle, excluded := localState(cfg.Storage.Path)

	tw := table.Table{}
	tw.AppendHeader(table.Row{"ID", "NAME", "STATUS", "CPU %", "MEM %", "GPU %", "IDLE", "$/HR", "UPTIME"})
	var runningCount int
	var runningCost float64
	for _, inst := range fleet {
		if inst.Running() {
			runningCount++
			runningCost += inst.CostPerHr
		}
		state := string(types.StateActive)
		if rec, ok := idle[inst.ID]; ok {
			state = string(rec.State)
		}
		if excluded[inst.ID] {
			state = excludedLabel
		}
		tw.AppendRow(table.Row{
			inst.ID,
			inst.Name,
			colorStatus(inst.Status),
			fmt.Sprintf("%.1f", types.ClampPct(inst.CPUPct)),
			fmt.Sprintf("%.1f", types.ClampPct(inst.MemPct)),
			fmt.Sprintf("%.1f", types.ClampPct(inst.GPUPct)),
			colorIdleState(state),
			fmt.Sprintf("%.2f", inst.CostPerHr),
			(time.Duration(inst.UptimeS) * time.Second).String(),
		})
	}
	tw.SetStyle(table.StyleRounded)
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 4, Align: text.AlignRight},
		{Number: 5, Align: text.AlignRight},
		{Number: 6, Align: text.AlignRight},
		{Number: 8, Align: text.AlignRight},
		{Number: 9, Align: text.AlignRight},
	})
	fmt.Println(tw.Render())

	policy := cfg.Policy()
	mode := "auto-stop"
	if !cfg.AutoStop.Enabled {
		mode = "disabled"
	} else if policy.MonitorOnly {
		mode = "monitor-only"
	}
	summary := fmt.Sprintf("%d instances, %d running at $%.2f/hr  |  mode: %s  |  idle after %s under cpu %.0f%% mem %.0f%% gpu %.0f%%",
		len(fleet), runningCount, runningCost, mode, policy.Duration,
		policy.CPUThreshold, policy.MemThreshold, policy.GPUThreshold)
	fmt.Println(summaryStyle.Render(summary))
	return nil
}

// localState reads idle records and exclusions from the daemon's store. A
// missing or unreadable store is fine: the fleet view just loses the idle
// column detail.
func localState(dbPath string) (map[string]types.IdleRecord, map[string]bool) {
	idle := map[string]types.IdleRecord{}
	excluded := map[string]bool{}
	if _, err := os.Stat(dbPath); err != nil {
		return idle, excluded
	}

	st, err := store.Open(dbPath, clock.RealClock{})
	if err != nil {
		klog.V(2).InfoS("Local store unavailable", "path", dbPath, "err", err)
		return idle, excluded
	}
	defer st.Close()

	if records, err := st.LoadIdleRecords(); err == nil {
		for _, rec := range records {
			idle[rec.InstanceID] = rec
		}
	}
	if entries, err := st.LoadExclusions(); err == nil {
		for id, is := range entries {
			if is {
				excluded[id] = true
			}
		}
	}
	return idle, excluded
}
