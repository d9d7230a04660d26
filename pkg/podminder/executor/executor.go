// Package executor turns confirmed-idle verdicts into provider stop commands,
// with a cooldown window per instance so action latency never causes duplicate
// stops.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"k8s.io/klog/v2"

	"github.com/cloudnap/pod-minder/pkg/podminder/actionlog"
	"github.com/cloudnap/pod-minder/pkg/podminder/clock"
)

// ErrStopCommandFailed marks a stop call the provider rejected or that timed
// out. The caller retries on the next confirmed-idle evaluation, at most once
// per collection cycle.
var ErrStopCommandFailed = errors.New("stop command failed")

// StopClient is the control half of the provider API.
type StopClient interface {
	Stop(ctx context.Context, instanceID string) error
}

// CooldownKeeper is the slice of the detector the executor drives. A begun
// cooldown suppresses further stops until it expires or the provider confirms
// the instance stopped.
type CooldownKeeper interface {
	InCooldown(instanceID string) bool
	BeginCooldown(instanceID string, until time.Time)
}

// Recorder appends to the action log.
type Recorder interface {
	Record(instanceID, action, outcome, detail string) (string, error)
}

// Executor issues stop commands for idle-confirmed instances.
type Executor struct {
	client StopClient
	keeper CooldownKeeper
	log    Recorder
	clk    clock.Clock
}

func New(client StopClient, keeper CooldownKeeper, log Recorder, clk clock.Clock) *Executor {
	return &Executor{
		client: client,
		keeper: keeper,
		log:    log,
		clk:    clk,
	}
}

// OnIdleConfirmed issues a stop for the instance unless it is already cooling
// down. On success the instance enters COOLDOWN until now + cooldown. On
// failure no cooldown starts, so the next confirmed-idle evaluation retries.
// The returned bool reports whether a stop command actually went out.
func (e *Executor) OnIdleConfirmed(ctx context.Context, instanceID string, cooldown time.Duration) (bool, error) {
	if e.keeper.InCooldown(instanceID) {
		klog.V(3).InfoS("Stop suppressed, instance cooling down", "instance", instanceID)
		e.record(instanceID, actionlog.OutcomeSuppressed, "already in cooldown")
		return false, nil
	}

	if err := e.client.Stop(ctx, instanceID); err != nil {
		klog.ErrorS(err, "Stop command failed", "instance", instanceID)
		e.record(instanceID, actionlog.OutcomeFailed, err.Error())
		return false, fmt.Errorf("%w: %v", ErrStopCommandFailed, err)
	}

	until := e.clk.Now().Add(cooldown)
	e.keeper.BeginCooldown(instanceID, until)
	e.record(instanceID, actionlog.OutcomeOK, fmt.Sprintf("cooldown until %s", until.UTC().Format(time.RFC3339)))
	klog.InfoS("Stop command issued", "instance", instanceID, "cooldownUntil", until)
	return true, nil
}

// record keeps audit failures out of the control path: a full disk should not
// stop the loop from stopping instances.
func (e *Executor) record(instanceID, outcome, detail string) {
	if _, err := e.log.Record(instanceID, actionlog.ActionStop, outcome, detail); err != nil {
		klog.ErrorS(err, "Failed to record stop action", "instance", instanceID)
	}
}
