package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/cloudnap/pod-minder/pkg/podminder/actionlog"
	"github.com/cloudnap/pod-minder/pkg/podminder/clock"
	"github.com/cloudnap/pod-minder/pkg/podminder/config"
	"github.com/cloudnap/pod-minder/pkg/podminder/provider"
	"github.com/cloudnap/pod-minder/pkg/podminder/store"
)

// NewStopCmd creates the stop subcommand.
func NewStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop <instance-id>",
		Short: "Stop an instance through the provider",
		Long: `Stop an instance immediately. The action is audited in the local store
but starts no cooldown: the next daemon cycle sees the provider-reported
state and tracks the instance as dormant.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runControl(cmd.Context(), args[0], actionlog.ActionStop)
		},
	}
}

// NewResumeCmd creates the resume subcommand.
func NewResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <instance-id>",
		Short: "Resume a stopped instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runControl(cmd.Context(), args[0], actionlog.ActionResume)
		},
	}
}

func runControl(ctx context.Context, instanceID, action string) error {
	cfg, err := config.LoadOrDefault(resolveConfigPath())
	if err != nil {
		return err
	}
	client := provider.NewClient(cfg.Provider)

	verb := "stopping"
	if action == actionlog.ActionResume {
		verb = "resuming"
	}
	startSpinner(fmt.Sprintf("%s %s...", verb, instanceID))
	callCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	if action == actionlog.ActionStop {
		err = client.Stop(callCtx, instanceID)
	} else {
		err = client.Resume(callCtx, instanceID)
	}
	stopSpinner()

	outcome := actionlog.OutcomeOK
	if err != nil {
		outcome = actionlog.OutcomeFailed
	}
	audit(cfg.Storage.Path, instanceID, action, outcome)

	if err != nil {
		fmt.Println(badStyle.Render(fmt.Sprintf("%s failed for %s", action, instanceID)))
		return fmt.Errorf("failed to %s %s: %v", action, instanceID, err)
	}

	past := "Stopped"
	if action == actionlog.ActionResume {
		past = "Resumed"
	}
	fmt.Println(goodStyle.Render(fmt.Sprintf("%s %s", past, instanceID)))
	return nil
}

// audit best-effort-records a manual action in the daemon's store; a manual
// stop from a host that never ran the daemon still leaves a trace there.
func audit(dbPath, instanceID, action, outcome string) {
	st, err := store.Open(dbPath, clock.RealClock{})
	if err != nil {
		klog.V(2).InfoS("Skipping audit, store unavailable", "path", dbPath, "err", err)
		return
	}
	defer st.Close()

	alog, err := actionlog.New(st.DB(), clock.RealClock{})
	if err != nil {
		klog.V(2).InfoS("Skipping audit, action log unavailable", "err", err)
		return
	}
	defer alog.Close()

	if _, err := alog.Record(instanceID, action, outcome, "manual "+action+" via cli"); err != nil {
		klog.ErrorS(err, "Failed to record action", "instance", instanceID, "action", action)
	}
}
