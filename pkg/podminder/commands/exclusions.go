package commands

import (
	"fmt"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/cloudnap/pod-minder/pkg/podminder/actionlog"
	"github.com/cloudnap/pod-minder/pkg/podminder/clock"
	"github.com/cloudnap/pod-minder/pkg/podminder/config"
	"github.com/cloudnap/pod-minder/pkg/podminder/store"
)

// NewExcludeCmd creates the exclude subcommand.
func NewExcludeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "exclude <instance-id>",
		Short: "Exempt an instance from idle detection",
		Long: `Mark an instance excluded in the store and the config file. The daemon
picks the change up at its next cycle: the idle streak resets and stored
history is purged.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return setExclusion(args[0], true)
		},
	}
}

// NewIncludeCmd creates the include subcommand.
func NewIncludeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "include <instance-id>",
		Short: "Re-enroll an instance in idle detection",
		Long:  "Clear an instance's exclusion. The idle streak restarts from zero.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return setExclusion(args[0], false)
		},
	}
}

// setExclusion writes the flag to the store (the durable exclusion set the
// daemon re-reads every cycle) and mirrors it into the config file's seed
// list when one exists.
func setExclusion(instanceID string, excluded bool) error {
	path := resolveConfigPath()
	storage := config.LoadForStorage(path)

	st, err := store.Open(storage.Path, clock.RealClock{})
	if err != nil {
		return fmt.Errorf("failed to open store: %v", err)
	}
	defer st.Close()

	if err := st.SetExcluded(instanceID, excluded); err != nil {
		return fmt.Errorf("failed to persist exclusion: %v", err)
	}

	action := actionlog.ActionInclude
	if excluded {
		action = actionlog.ActionExclude
	}
	if alog, err := actionlog.New(st.DB(), clock.RealClock{}); err == nil {
		if _, err := alog.Record(instanceID, action, actionlog.OutcomeOK, "requested via cli"); err != nil {
			klog.ErrorS(err, "Failed to record action", "instance", instanceID, "action", action)
		}
		alog.Close()
	}

	changed, err := config.EditExclusion(path, instanceID, excluded)
	if err != nil {
		return fmt.Errorf("failed to update config file: %v", err)
	}

	verb := "Included"
	if excluded {
		verb = "Excluded"
	}
	msg := fmt.Sprintf("%s %s", verb, instanceID)
	if changed {
		msg += fmt.Sprintf(" (config %s updated)", path)
	}
	fmt.Println(goodStyle.Render(msg))
	return nil
}
