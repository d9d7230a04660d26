// Package detector implements the per-instance idle state machine. Each
// evaluation tick consumes one sample plus the current policy snapshot and
// moves the instance through ACTIVE, IDLE_ACCUMULATING, IDLE_CONFIRMED and
// COOLDOWN. The detector owns all idle bookkeeping; the executor asks it to
// begin cooldowns, and the collection loop persists its records after every
// cycle.
package detector

import (
	"sort"
	"sync"
	"time"

	"k8s.io/klog/v2"

	"github.com/cloudnap/pod-minder/pkg/podminder/config"
	"github.com/cloudnap/pod-minder/pkg/podminder/types"
)

// RecentSampler supplies the trailing sample window for no-change detection.
// Satisfied by the store.
type RecentSampler interface {
	Recent(instanceID string, n int) ([]types.Sample, error)
}

// Verdict is the outcome of one evaluation tick for one instance.
type Verdict struct {
	InstanceID string
	State      types.IdleState
	BelowCount int
	IdleFor    time.Duration
	// JustConfirmed marks the transition into IDLE_CONFIRMED. It fires once
	// per streak; the level-held state drives stop retries after failures.
	JustConfirmed bool
}

// Prediction describes how far an instance is from being stopped under the
// current policy.
type Prediction struct {
	InstanceID        string          `json:"instanceId"`
	State             types.IdleState `json:"state"`
	BelowCount        int             `json:"belowCount"`
	DurationThreshold time.Duration   `json:"durationThreshold"`
	WillStopIn        time.Duration   `json:"willStopIn"`
}

type instanceState struct {
	state           types.IdleState
	belowCount      int
	firstBelowAt    time.Time
	lastEvaluatedAt time.Time
	cooldownUntil   time.Time
	lastSample      types.Sample
}

// Detector tracks idle state per instance. Evaluations happen on the
// collection loop; snapshots and predictions are read concurrently by the
// HTTP and CLI surfaces.
type Detector struct {
	mu      sync.RWMutex
	states  map[string]*instanceState
	recents RecentSampler
}

func New(recents RecentSampler) *Detector {
	return &Detector{
		states:  make(map[string]*instanceState),
		recents: recents,
	}
}

// Evaluate advances one instance's state machine by one sample. The sample's
// timestamp is the evaluation's notion of "now": idle duration is wall-clock
// time between samples, so a slow cadence still confirms after the configured
// duration rather than after a fixed sample count.
func (d *Detector) Evaluate(sample types.Sample, policy config.Policy) Verdict {
	d.mu.Lock()
	defer d.mu.Unlock()

	st := d.states[sample.InstanceID]
	if st == nil {
		st = &instanceState{state: types.StateActive}
		d.states[sample.InstanceID] = st
	}
	st.lastSample = sample
	st.lastEvaluatedAt = sample.Timestamp

	if sample.Status != types.StatusRunning {
		return d.evaluateStopped(sample, st)
	}
	if st.state == types.StateCooldown && sample.Timestamp.Before(st.cooldownUntil) {
		return d.evaluateCooling(sample, policy, st)
	}
	if st.state == types.StateCooldown {
		// Cooldown expired with the instance still running. The prior streak
		// belonged to the stopped session; a fresh one starts from zero.
		klog.V(2).InfoS("Cooldown expired", "instance", sample.InstanceID, "until", st.cooldownUntil)
		st.cooldownUntil = time.Time{}
		d.resetStreak(st)
	}

	qualifies := d.qualifies(sample, policy)
	if !qualifies {
		if st.belowCount > 0 {
			klog.V(3).InfoS("Idle streak reset", "instance", sample.InstanceID,
				"priorCount", st.belowCount, "cpu", sample.CPUPct, "mem", sample.MemPct, "gpu", sample.GPUPct)
		}
		d.resetStreak(st)
		return d.verdict(sample.InstanceID, st, false)
	}

	st.belowCount++
	if st.firstBelowAt.IsZero() {
		st.firstBelowAt = sample.Timestamp
	}

	idleFor := sample.Timestamp.Sub(st.firstBelowAt)
	justConfirmed := false
	if idleFor >= policy.Duration {
		if st.state != types.StateConfirmed {
			justConfirmed = true
			klog.InfoS("Instance idle confirmed", "instance", sample.InstanceID,
				"idleFor", idleFor, "threshold", policy.Duration, "samples", st.belowCount)
		}
		st.state = types.StateConfirmed
	} else {
		st.state = types.StateAccumulating
		klog.V(4).InfoS("Idle accumulating", "instance", sample.InstanceID,
			"idleFor", idleFor, "threshold", policy.Duration)
	}
	return d.verdict(sample.InstanceID, st, justConfirmed)
}

// evaluateStopped handles samples whose provider status is not running. A
// stopped instance never accumulates idle time, and a provider-confirmed stop
// ends any cooldown immediately.
func (d *Detector) evaluateStopped(sample types.Sample, st *instanceState) Verdict {
	if st.state == types.StateCooldown {
		klog.V(2).InfoS("Provider reports instance stopped, ending cooldown",
			"instance", sample.InstanceID, "status", sample.Status)
		st.cooldownUntil = time.Time{}
	}
	d.resetStreak(st)
	return d.verdict(sample.InstanceID, st, false)
}

// evaluateCooling keeps the below counter advancing for display while a
// cooldown is pending, but never confirms.
func (d *Detector) evaluateCooling(sample types.Sample, policy config.Policy, st *instanceState) Verdict {
	if d.qualifies(sample, policy) {
		st.belowCount++
		if st.firstBelowAt.IsZero() {
			st.firstBelowAt = sample.Timestamp
		}
	} else {
		st.belowCount = 0
		st.firstBelowAt = time.Time{}
	}
	return d.verdict(sample.InstanceID, st, false)
}

// qualifies applies the idle test: every resource below its threshold, or the
// no-change condition when enabled. No-change alone qualifies a session whose
// utilization is flat at any level.
func (d *Detector) qualifies(sample types.Sample, policy config.Policy) bool {
	below := sample.CPUPct < policy.CPUThreshold &&
		sample.MemPct < policy.MemThreshold &&
		sample.GPUPct < policy.GPUThreshold
	if below {
		return true
	}
	if !policy.NoChangeEnabled {
		return false
	}
	return d.noChange(sample.InstanceID, policy)
}

// noChange reports whether the last N samples are flat: max-min spread below
// epsilon for every resource. Needs a full window; fewer samples never
// qualify. A store error degrades to false rather than stalling the cycle.
func (d *Detector) noChange(instanceID string, policy config.Policy) bool {
	samples, err := d.recents.Recent(instanceID, policy.NoChangeWindow)
	if err != nil {
		klog.ErrorS(err, "Failed to read no-change window", "instance", instanceID)
		return false
	}
	if len(samples) < policy.NoChangeWindow {
		return false
	}

	var cpuMin, cpuMax = samples[0].CPUPct, samples[0].CPUPct
	var memMin, memMax = samples[0].MemPct, samples[0].MemPct
	var gpuMin, gpuMax = samples[0].GPUPct, samples[0].GPUPct
	for _, s := range samples[1:] {
		cpuMin, cpuMax = minMax(cpuMin, cpuMax, s.CPUPct)
		memMin, memMax = minMax(memMin, memMax, s.MemPct)
		gpuMin, gpuMax = minMax(gpuMin, gpuMax, s.GPUPct)
	}
	eps := policy.NoChangeEpsilon
	return cpuMax-cpuMin < eps && memMax-memMin < eps && gpuMax-gpuMin < eps
}

func minMax(lo, hi, v float64) (float64, float64) {
	if v < lo {
		lo = v
	}
	if v > hi {
		hi = v
	}
	return lo, hi
}

func (d *Detector) resetStreak(st *instanceState) {
	st.state = types.StateActive
	st.belowCount = 0
	st.firstBelowAt = time.Time{}
}

func (d *Detector) verdict(instanceID string, st *instanceState, justConfirmed bool) Verdict {
	var idleFor time.Duration
	if !st.firstBelowAt.IsZero() {
		idleFor = st.lastEvaluatedAt.Sub(st.firstBelowAt)
	}
	return Verdict{
		InstanceID:    instanceID,
		State:         st.state,
		BelowCount:    st.belowCount,
		IdleFor:       idleFor,
		JustConfirmed: justConfirmed,
	}
}

// BeginCooldown moves an instance into COOLDOWN until the given time. Called
// by the executor after a stop command is acknowledged; until must be in the
// future relative to the cycle that issued the stop.
func (d *Detector) BeginCooldown(instanceID string, until time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	st := d.states[instanceID]
	if st == nil {
		st = &instanceState{}
		d.states[instanceID] = st
	}
	st.state = types.StateCooldown
	st.cooldownUntil = until
	klog.V(2).InfoS("Cooldown started", "instance", instanceID, "until", until)
}

// InCooldown reports whether the executor should suppress stop commands for
// an instance.
func (d *Detector) InCooldown(instanceID string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	st := d.states[instanceID]
	return st != nil && st.state == types.StateCooldown
}

// Reset clears an instance back to ACTIVE with no streak and no cooldown.
// Exclusion calls this; evaluation is then suppressed until re-inclusion, so
// a re-included instance starts from zero.
func (d *Detector) Reset(instanceID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	st := d.states[instanceID]
	if st == nil {
		return
	}
	d.resetStreak(st)
	st.cooldownUntil = time.Time{}
}

// Remove drops an instance entirely. Fleet cleanup only.
func (d *Detector) Remove(instanceID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.states, instanceID)
}

// Snapshot returns one instance's current record.
func (d *Detector) Snapshot(instanceID string) (types.IdleRecord, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	st := d.states[instanceID]
	if st == nil {
		return types.IdleRecord{}, false
	}
	return d.record(instanceID, st), true
}

// Snapshots returns every tracked record, ordered by instance id.
func (d *Detector) Snapshots() []types.IdleRecord {
	d.mu.RLock()
	defer d.mu.RUnlock()

	records := make([]types.IdleRecord, 0, len(d.states))
	for id, st := range d.states {
		records = append(records, d.record(id, st))
	}
	sort.Slice(records, func(i, j int) bool { return records[i].InstanceID < records[j].InstanceID })
	return records
}

// Predictions lists instances with a live idle streak and how long until each
// would be stopped. In monitor-only mode this is the entire output of the
// pipeline.
func (d *Detector) Predictions(policy config.Policy) []Prediction {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var preds []Prediction
	for id, st := range d.states {
		if st.state != types.StateAccumulating && st.state != types.StateConfirmed {
			continue
		}
		remaining := policy.Duration - st.lastEvaluatedAt.Sub(st.firstBelowAt)
		if remaining < 0 {
			remaining = 0
		}
		preds = append(preds, Prediction{
			InstanceID:        id,
			State:             st.state,
			BelowCount:        st.belowCount,
			DurationThreshold: policy.Duration,
			WillStopIn:        remaining,
		})
	}
	sort.Slice(preds, func(i, j int) bool { return preds[i].WillStopIn < preds[j].WillStopIn })
	return preds
}

// Export serializes all state for persistence at the end of a cycle.
func (d *Detector) Export() []types.IdleRecord {
	return d.Snapshots()
}

// Restore rehydrates state after a restart. Streak continuity survives a
// process restart; only samples newer than the last evaluation will advance
// it further.
func (d *Detector) Restore(records []types.IdleRecord) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, rec := range records {
		d.states[rec.InstanceID] = &instanceState{
			state:           rec.State,
			belowCount:      rec.BelowCount,
			firstBelowAt:    rec.FirstBelowAt,
			lastEvaluatedAt: rec.LastEvaluatedAt,
			cooldownUntil:   rec.CooldownUntil,
		}
	}
	if len(records) > 0 {
		klog.V(2).InfoS("Restored idle state", "instances", len(records))
	}
}

func (d *Detector) record(instanceID string, st *instanceState) types.IdleRecord {
	return types.IdleRecord{
		InstanceID:      instanceID,
		State:           st.state,
		BelowCount:      st.belowCount,
		FirstBelowAt:    st.firstBelowAt,
		LastEvaluatedAt: st.lastEvaluatedAt,
		CooldownUntil:   st.cooldownUntil,
	}
}
