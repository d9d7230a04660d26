package types

import (
	"time"
)

// Instance lifecycle states as reported by the provider API.
const (
	StatusRunning    = "RUNNING"
	StatusExited     = "EXITED"
	StatusPaused     = "PAUSED"
	StatusTerminated = "TERMINATED"
)

// IdleState names a position in the per-instance idle lifecycle.
type IdleState string

const (
	StateActive       IdleState = "ACTIVE"
	StateAccumulating IdleState = "IDLE_ACCUMULATING"
	StateConfirmed    IdleState = "IDLE_CONFIRMED"
	StateCooldown     IdleState = "COOLDOWN"
)

// IdleRecord is the durable form of one instance's idle bookkeeping. Zero
// times mean "unset"; CooldownUntil in particular is either unset or strictly
// in the future at the evaluation that wrote it.
type IdleRecord struct {
	InstanceID      string
	State           IdleState
	BelowCount      int
	FirstBelowAt    time.Time
	LastEvaluatedAt time.Time
	CooldownUntil   time.Time
}

// Sample represents one utilization reading for one instance at one point in time.
// Immutable once written. Percent fields are clamped to [0,100] before storage;
// metrics the provider does not report are recorded as 0, not omitted.
type Sample struct {
	InstanceID string
	Timestamp  time.Time
	CPUPct     float64
	MemPct     float64
	GPUPct     float64
	Status     string
}

// Bucket is a pre-aggregated view of a series over one compaction interval,
// holding min/max/avg per resource for the bucket's span.
type Bucket struct {
	Start  time.Time
	Width  time.Duration
	Count  int
	CPUMin float64
	CPUMax float64
	CPUAvg float64
	MemMin float64
	MemMax float64
	MemAvg float64
	GPUMin float64
	GPUMax float64
	GPUAvg float64
}

// FleetInstance is one entry of a fleet snapshot: the Sample fields plus
// provider metadata that is displayed but never stored in the series.
type FleetInstance struct {
	ID        string
	Name      string
	Status    string
	CPUPct    float64
	MemPct    float64
	GPUPct    float64
	CostPerHr float64
	UptimeS   int64
}

// Sample converts a fleet entry to the storable sample at the given time.
// Clamping happens in the store, not here.
func (f FleetInstance) Sample(at time.Time) Sample {
	return Sample{
		InstanceID: f.ID,
		Timestamp:  at,
		CPUPct:     f.CPUPct,
		MemPct:     f.MemPct,
		GPUPct:     f.GPUPct,
		Status:     f.Status,
	}
}

// Running reports whether the provider considers the instance live.
func (f FleetInstance) Running() bool {
	return f.Status == StatusRunning
}

// ClampPct bounds a resource percentage to [0,100]. Applied once, on the
// append path; thresholds compare floats against the clamped value.
func ClampPct(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
