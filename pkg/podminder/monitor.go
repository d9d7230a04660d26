// Package podminder wires the collection loop: fetch the fleet snapshot,
// garbage-collect departed instances, append samples, evaluate idleness and
// forward confirmations to the executor, then persist detector state. One
// cycle runs at a time on a fixed cadence.
package podminder

import (
	"context"
	"errors"
	"sync"
	"time"

	"k8s.io/klog/v2"

	"github.com/cloudnap/pod-minder/pkg/podminder/clock"
	"github.com/cloudnap/pod-minder/pkg/podminder/config"
	"github.com/cloudnap/pod-minder/pkg/podminder/detector"
	"github.com/cloudnap/pod-minder/pkg/podminder/exclusion"
	"github.com/cloudnap/pod-minder/pkg/podminder/executor"
	"github.com/cloudnap/pod-minder/pkg/podminder/store"
	"github.com/cloudnap/pod-minder/pkg/podminder/types"
)

// FleetFetcher is the read half of the provider API.
type FleetFetcher interface {
	FetchFleet(ctx context.Context) ([]types.FleetInstance, error)
}

// Options bundles the monitor's collaborators.
type Options struct {
	// ConfigPath, when set, is re-read at the start of every cycle so policy
	// edits apply without a restart. A failed reload keeps the previous
	// valid configuration.
	ConfigPath string
	Config     *config.Config
	Store      *store.Store
	Registry   *exclusion.Registry
	Detector   *detector.Detector
	Executor   *executor.Executor
	Provider   FleetFetcher
	Clock      clock.Clock
}

// Monitor drives the whole pipeline.
type Monitor struct {
	configPath string
	store      *store.Store
	registry   *exclusion.Registry
	det        *detector.Detector
	exec       *executor.Executor
	prov       FleetFetcher
	clk        clock.Clock

	// mu serializes cycles; statusMu guards the published view so HTTP
	// reads never wait on an in-flight cycle.
	mu        sync.Mutex
	statusMu  sync.RWMutex
	cfg       *config.Config
	lastFleet []types.FleetInstance
	lastPoll  time.Time
	nextPoll  time.Time
}

// NewMonitor builds the monitor and rehydrates detector state from the last
// persisted cycle.
func NewMonitor(opts Options) *Monitor {
	m := &Monitor{
		configPath: opts.ConfigPath,
		cfg:        opts.Config,
		store:      opts.Store,
		registry:   opts.Registry,
		det:        opts.Detector,
		exec:       opts.Executor,
		prov:       opts.Provider,
		clk:        opts.Clock,
	}

	records, err := m.store.LoadIdleRecords()
	if err != nil {
		klog.ErrorS(err, "Failed to load persisted idle state, starting fresh")
	} else {
		m.det.Restore(records)
	}
	return m
}

// Run drives cycles at the configured cadence until the context is
// cancelled. The in-flight cycle always completes; shutdown never tears a
// half-written state.
func (m *Monitor) Run(ctx context.Context) {
	interval := m.Interval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	klog.InfoS("Collection loop started", "interval", interval)
	m.RunCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			klog.InfoS("Collection loop stopped")
			return
		case <-ticker.C:
			m.RunCycle(ctx)
			if next := m.Interval(); next != interval {
				klog.InfoS("Collection cadence changed", "old", interval, "new", next)
				interval = next
				ticker.Reset(interval)
			}
		}
	}
}

// RunCycle executes one collection cycle. A fetch failure skips the entire
// cycle: no samples recorded, no idle state mutated, wait for the next tick.
func (m *Monitor) RunCycle(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	start := m.clk.Now()
	cfg := m.reloadConfig()
	policy := cfg.Policy()
	m.store.SetRetention(policy.RetentionWindow())
	if err := m.registry.Refresh(); err != nil {
		klog.ErrorS(err, "Exclusion refresh failed, keeping previous view")
	}

	fetchCtx, cancel := context.WithTimeout(ctx, cfg.Interval())
	fleet, err := m.prov.FetchFleet(fetchCtx)
	cancel()
	if err != nil {
		klog.ErrorS(err, "Fleet fetch failed, skipping cycle")
		cyclesTotal.WithLabelValues("skipped").Inc()
		return
	}
	fleetSize.Set(float64(len(fleet)))

	m.cleanupDeparted(fleet)
	m.processFleet(ctx, fleet, cfg, policy)
	m.persistState()

	m.statusMu.Lock()
	m.lastFleet = fleet
	m.lastPoll = start
	m.nextPoll = start.Add(cfg.Interval())
	m.statusMu.Unlock()

	cyclesTotal.WithLabelValues("ok").Inc()
	cycleDuration.Observe(m.clk.Since(start).Seconds())
	klog.V(2).InfoS("Cycle complete", "instances", len(fleet), "took", m.clk.Since(start))
}

// reloadConfig picks up asynchronous policy edits at cycle boundaries. An
// invalid edit is rejected and the previous valid policy stays active.
func (m *Monitor) reloadConfig() *config.Config {
	m.statusMu.RLock()
	current := m.cfg
	m.statusMu.RUnlock()

	if m.configPath == "" {
		return current
	}
	fresh, err := config.Load(m.configPath)
	if err != nil {
		klog.ErrorS(err, "Config reload failed, keeping previous policy", "path", m.configPath)
		return current
	}

	m.statusMu.Lock()
	m.cfg = fresh
	m.statusMu.Unlock()
	return fresh
}

// cleanupDeparted purges every trace of instances the provider no longer
// reports: series, idle record, exclusion entry, metric labels. This is the
// only place instances are garbage collected.
func (m *Monitor) cleanupDeparted(fleet []types.FleetInstance) {
	present := make(map[string]bool, len(fleet))
	for _, inst := range fleet {
		present[inst.ID] = true
	}

	departed := make(map[string]bool)
	tracked, err := m.store.TrackedInstances()
	if err != nil {
		klog.ErrorS(err, "Failed to list tracked instances, skipping cleanup")
		return
	}
	for _, id := range tracked {
		if !present[id] {
			departed[id] = true
		}
	}
	for _, id := range m.registry.Known() {
		if !present[id] {
			departed[id] = true
		}
	}

	for id := range departed {
		klog.InfoS("Instance departed, purging history", "instance", id)
		if err := m.store.Purge(id); err != nil {
			klog.ErrorS(err, "Failed to purge series", "instance", id)
		}
		if err := m.store.DeleteIdleRecord(id); err != nil {
			klog.ErrorS(err, "Failed to delete idle record", "instance", id)
		}
		if err := m.registry.Forget(id); err != nil {
			klog.ErrorS(err, "Failed to forget exclusion entry", "instance", id)
		}
		m.det.Remove(id)
		forgetInstanceMetrics(id)
	}
}

// processFleet appends one sample per present instance and advances the
// detector. Excluded instances are reset, never evaluated, and their stored
// history is purged rather than hidden.
func (m *Monitor) processFleet(ctx context.Context, fleet []types.FleetInstance, cfg *config.Config, policy config.Policy) {
	now := m.clk.Now()
	forward := cfg.AutoStop.Enabled && !policy.MonitorOnly
	stateCounts := make(map[types.IdleState]int)

	for _, inst := range fleet {
		if err := m.registry.Observe(inst.ID); err != nil {
			klog.ErrorS(err, "Failed to track instance", "instance", inst.ID)
		}
		if m.registry.IsExcluded(inst.ID) {
			m.det.Reset(inst.ID)
			if err := m.store.Purge(inst.ID); err != nil {
				klog.ErrorS(err, "Failed to purge excluded instance", "instance", inst.ID)
			}
			forgetInstanceMetrics(inst.ID)
			continue
		}

		sample := inst.Sample(now)
		if err := m.store.Append(sample); err != nil {
			if errors.Is(err, store.ErrOutOfOrderSample) {
				klog.ErrorS(err, "Dropping out-of-order sample", "instance", inst.ID)
				samplesDropped.Inc()
			} else {
				klog.ErrorS(err, "Failed to append sample", "instance", inst.ID)
			}
			continue
		}
		samplesAppended.Inc()
		utilizationPct.WithLabelValues(inst.ID, "cpu").Set(types.ClampPct(sample.CPUPct))
		utilizationPct.WithLabelValues(inst.ID, "mem").Set(types.ClampPct(sample.MemPct))
		utilizationPct.WithLabelValues(inst.ID, "gpu").Set(types.ClampPct(sample.GPUPct))

		v := m.det.Evaluate(sample, policy)
		stateCounts[v.State]++

		if v.State != types.StateConfirmed {
			continue
		}
		if !forward {
			if v.JustConfirmed {
				klog.InfoS("Idle confirmed in monitor-only mode, not stopping",
					"instance", inst.ID, "belowCount", v.BelowCount, "idleFor", v.IdleFor)
			}
			continue
		}
		issued, err := m.exec.OnIdleConfirmed(ctx, inst.ID, cfg.Cooldown())
		switch {
		case err != nil:
			if errors.Is(err, executor.ErrStopCommandFailed) {
				klog.ErrorS(err, "Stop failed, retrying next cycle", "instance", inst.ID)
			} else {
				klog.ErrorS(err, "Unexpected executor failure", "instance", inst.ID)
			}
			stopsTotal.WithLabelValues("failed").Inc()
		case issued:
			stopsTotal.WithLabelValues("ok").Inc()
		default:
			stopsTotal.WithLabelValues("suppressed").Inc()
		}
	}

	for _, st := range []types.IdleState{types.StateActive, types.StateAccumulating, types.StateConfirmed, types.StateCooldown} {
		instancesByState.WithLabelValues(string(st)).Set(float64(stateCounts[st]))
	}
	willStopIn.Reset()
	for _, p := range m.det.Predictions(policy) {
		willStopIn.WithLabelValues(p.InstanceID).Set(p.WillStopIn.Seconds())
	}
	excludedInstances.Set(float64(len(m.registry.ExcludedIDs())))
}

// persistState writes the detector's records so streaks and cooldowns survive
// a restart. At most the current in-flight cycle can be lost.
func (m *Monitor) persistState() {
	for _, rec := range m.det.Export() {
		if err := m.store.SaveIdleRecord(rec); err != nil {
			klog.ErrorS(err, "Failed to persist idle state", "instance", rec.InstanceID)
		}
	}
}

// Fleet returns a copy of the last successful snapshot for display surfaces.
func (m *Monitor) Fleet() []types.FleetInstance {
	m.statusMu.RLock()
	defer m.statusMu.RUnlock()

	out := make([]types.FleetInstance, len(m.lastFleet))
	copy(out, m.lastFleet)
	return out
}

// PollTimes reports when the last cycle ran and when the next is due.
func (m *Monitor) PollTimes() (last, next time.Time) {
	m.statusMu.RLock()
	defer m.statusMu.RUnlock()
	return m.lastPoll, m.nextPoll
}

// PolicySnapshot returns the policy currently driving evaluation.
func (m *Monitor) PolicySnapshot() config.Policy {
	m.statusMu.RLock()
	defer m.statusMu.RUnlock()
	return m.cfg.Policy()
}

// Interval returns the current collection cadence.
func (m *Monitor) Interval() time.Duration {
	m.statusMu.RLock()
	defer m.statusMu.RUnlock()
	return m.cfg.Interval()
}
