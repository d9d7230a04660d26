package podminder

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/common/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudnap/pod-minder/pkg/podminder/actionlog"
	"github.com/cloudnap/pod-minder/pkg/podminder/clock"
	"github.com/cloudnap/pod-minder/pkg/podminder/config"
	"github.com/cloudnap/pod-minder/pkg/podminder/detector"
	"github.com/cloudnap/pod-minder/pkg/podminder/exclusion"
	"github.com/cloudnap/pod-minder/pkg/podminder/executor"
	"github.com/cloudnap/pod-minder/pkg/podminder/store"
	"github.com/cloudnap/pod-minder/pkg/podminder/types"
)

type fakeProvider struct {
	fleet []types.FleetInstance
	err   error
	calls int
}

func (f *fakeProvider) FetchFleet(ctx context.Context) ([]types.FleetInstance, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make([]types.FleetInstance, len(f.fleet))
	copy(out, f.fleet)
	return out, nil
}

type fakeStopClient struct {
	calls []string
	err   error
}

func (f *fakeStopClient) Stop(ctx context.Context, instanceID string) error {
	f.calls = append(f.calls, instanceID)
	return f.err
}

type fixture struct {
	m     *Monitor
	st    *store.Store
	reg   *exclusion.Registry
	det   *detector.Detector
	prov  *fakeProvider
	stops *fakeStopClient
	clk   *clock.MockClock
	cfg   *config.Config
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Provider.APIKey = "test-key"
	cfg.AutoStop.Enabled = true
	cfg.AutoStop.MonitorOnly = false
	cfg.AutoStop.Interval = model.Duration(60 * time.Second)
	cfg.AutoStop.CooldownCycles = 3
	cfg.AutoStop.Thresholds = config.ThresholdConfig{
		CPUPercent:    20,
		MemoryPercent: 30,
		GPUPercent:    15,
		Duration:      model.Duration(180 * time.Second),
	}
	return cfg
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir, err := os.MkdirTemp("", "podminder-monitor-test")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	clk := clock.NewMockClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	st, err := store.Open(filepath.Join(dir, "test.db"), clk)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	reg, err := exclusion.New(st, nil)
	require.NoError(t, err)

	alog, err := actionlog.New(st.DB(), clk)
	require.NoError(t, err)
	t.Cleanup(func() { alog.Close() })

	det := detector.New(st)
	stops := &fakeStopClient{}
	exec := executor.New(stops, det, alog, clk)
	prov := &fakeProvider{}
	cfg := testConfig()

	m := NewMonitor(Options{
		Config:   cfg,
		Store:    st,
		Registry: reg,
		Detector: det,
		Executor: exec,
		Provider: prov,
		Clock:    clk,
	})
	return &fixture{m: m, st: st, reg: reg, det: det, prov: prov, stops: stops, clk: clk, cfg: cfg}
}

func (f *fixture) runningInstance(id string, cpu, mem, gpu float64) types.FleetInstance {
	return types.FleetInstance{
		ID:     id,
		Name:   id + "-name",
		Status: types.StatusRunning,
		CPUPct: cpu,
		MemPct: mem,
		GPUPct: gpu,
	}
}

// cycle advances the mock clock by one cadence and runs a collection cycle.
func (f *fixture) cycle(t *testing.T) {
	t.Helper()
	f.clk.Advance(60 * time.Second)
	f.m.RunCycle(context.Background())
}

func TestIdleConfirmationStopsInstance(t *testing.T) {
	f := newFixture(t)
	f.prov.fleet = []types.FleetInstance{f.runningInstance("pod-a", 10, 10, 5)}

	// First cycle at t=0, then t=60, 120: accumulating.
	f.m.RunCycle(context.Background())
	f.cycle(t)
	f.cycle(t)
	assert.Empty(t, f.stops.calls)

	// t=180: elapsed idle reaches the 180s duration.
	f.cycle(t)
	require.Equal(t, []string{"pod-a"}, f.stops.calls)

	rec, ok := f.det.Snapshot("pod-a")
	require.True(t, ok)
	assert.Equal(t, types.StateCooldown, rec.State)
	assert.True(t, rec.CooldownUntil.After(f.clk.Now()), "cooldown must end in the future")

	// Cooldown cycles: still idle, no duplicate stop.
	f.cycle(t)
	f.cycle(t)
	assert.Len(t, f.stops.calls, 1)
}

// After a cooldown expires with the instance still running and idle, the
// streak restarts from zero and a second stop eventually goes out.
func TestReentrantStreakAfterCooldown(t *testing.T) {
	f := newFixture(t)
	f.prov.fleet = []types.FleetInstance{f.runningInstance("pod-a", 10, 10, 5)}

	f.m.RunCycle(context.Background())
	for i := 0; i < 3; i++ {
		f.cycle(t)
	}
	require.Len(t, f.stops.calls, 1, "first stop at t=180")

	// Cooldown is 3 cycles. Walk to expiry: the expiring cycle starts a
	// fresh streak rather than inheriting the old one.
	f.cycle(t) // t=240, cooling
	f.cycle(t) // t=300, cooling
	f.cycle(t) // t=360, expiry + streak restart
	rec, ok := f.det.Snapshot("pod-a")
	require.True(t, ok)
	assert.Equal(t, types.StateAccumulating, rec.State)
	assert.Equal(t, 1, rec.BelowCount, "no inherited streak")
	assert.Len(t, f.stops.calls, 1)

	// Fresh streak confirms 180s later.
	f.cycle(t) // t=420
	f.cycle(t) // t=480
	f.cycle(t) // t=540, confirm again
	assert.Len(t, f.stops.calls, 2)
}

func TestFetchFailureSkipsCycle(t *testing.T) {
	f := newFixture(t)
	f.prov.fleet = []types.FleetInstance{f.runningInstance("pod-a", 10, 10, 5)}

	f.m.RunCycle(context.Background())
	rec, ok := f.det.Snapshot("pod-a")
	require.True(t, ok)
	require.Equal(t, 1, rec.BelowCount)

	// Provider goes dark: the cycle is skipped wholesale.
	f.prov.err = errors.New("api unreachable")
	f.cycle(t)

	rec, _ = f.det.Snapshot("pod-a")
	assert.Equal(t, 1, rec.BelowCount, "no evaluation on a skipped cycle")

	samples, err := f.st.Recent("pod-a", 10)
	require.NoError(t, err)
	assert.Len(t, samples, 1, "no sample recorded on a skipped cycle")

	// Recovery resumes the streak where it left off.
	f.prov.err = nil
	f.cycle(t)
	rec, _ = f.det.Snapshot("pod-a")
	assert.Equal(t, 2, rec.BelowCount)
}

func TestDepartedInstanceIsPurged(t *testing.T) {
	f := newFixture(t)
	f.prov.fleet = []types.FleetInstance{
		f.runningInstance("pod-a", 10, 10, 5),
		f.runningInstance("pod-b", 90, 90, 90),
	}

	f.m.RunCycle(context.Background())
	f.cycle(t)

	samples, err := f.st.Recent("pod-b", 10)
	require.NoError(t, err)
	require.Len(t, samples, 2)

	// pod-b vanishes from the snapshot.
	f.prov.fleet = f.prov.fleet[:1]
	f.cycle(t)

	samples, err = f.st.Recent("pod-b", 10)
	require.NoError(t, err)
	assert.Empty(t, samples, "series purged")

	_, ok := f.det.Snapshot("pod-b")
	assert.False(t, ok, "idle state removed")

	assert.Equal(t, []string{"pod-a"}, f.reg.Known(), "exclusion entry removed")

	records, err := f.st.LoadIdleRecords()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "pod-a", records[0].InstanceID)
}

func TestExclusionPurgesHistoryAndResets(t *testing.T) {
	f := newFixture(t)
	f.prov.fleet = []types.FleetInstance{f.runningInstance("pod-a", 10, 10, 5)}

	f.m.RunCycle(context.Background())
	f.cycle(t)
	rec, _ := f.det.Snapshot("pod-a")
	require.Equal(t, 2, rec.BelowCount)

	require.NoError(t, f.reg.SetExcluded("pod-a", true))
	f.cycle(t)

	samples, err := f.st.Recent("pod-a", 10)
	require.NoError(t, err)
	assert.Empty(t, samples, "exclusion purges history, not merely hides it")

	rec, ok := f.det.Snapshot("pod-a")
	require.True(t, ok)
	assert.Equal(t, types.StateActive, rec.State)
	assert.Equal(t, 0, rec.BelowCount)

	// Re-inclusion starts from a clean slate.
	require.NoError(t, f.reg.SetExcluded("pod-a", false))
	f.cycle(t)
	rec, _ = f.det.Snapshot("pod-a")
	assert.Equal(t, 1, rec.BelowCount, "post-inclusion streak starts at zero")
}

func TestMonitorOnlySurfacesPredictionWithoutStopping(t *testing.T) {
	f := newFixture(t)
	f.cfg.AutoStop.MonitorOnly = true
	f.prov.fleet = []types.FleetInstance{f.runningInstance("pod-a", 10, 10, 5)}

	f.m.RunCycle(context.Background())
	for i := 0; i < 5; i++ {
		f.cycle(t)
	}

	assert.Empty(t, f.stops.calls, "monitor-only must not stop")

	preds := f.det.Predictions(f.cfg.Policy())
	require.Len(t, preds, 1)
	assert.Equal(t, "pod-a", preds[0].InstanceID)
	assert.Equal(t, time.Duration(0), preds[0].WillStopIn, "overdue instance reports zero")
	assert.Equal(t, types.StateConfirmed, preds[0].State)
}

func TestStopFailureRetriedOncePerCycle(t *testing.T) {
	f := newFixture(t)
	f.prov.fleet = []types.FleetInstance{f.runningInstance("pod-a", 10, 10, 5)}
	f.stops.err = errors.New("api timeout")

	f.m.RunCycle(context.Background())
	for i := 0; i < 3; i++ {
		f.cycle(t)
	}
	require.Len(t, f.stops.calls, 1, "first attempt at confirmation")

	// Still failing: exactly one more attempt per cycle, no tight loop.
	f.cycle(t)
	require.Len(t, f.stops.calls, 2)

	rec, _ := f.det.Snapshot("pod-a")
	assert.NotEqual(t, types.StateCooldown, rec.State, "failed stop must not start cooldown")

	// Recovery: the next cycle's attempt succeeds and cooldown begins.
	f.stops.err = nil
	f.cycle(t)
	require.Len(t, f.stops.calls, 3)
	rec, _ = f.det.Snapshot("pod-a")
	assert.Equal(t, types.StateCooldown, rec.State)
}

func TestProviderReportedStopEndsCooldown(t *testing.T) {
	f := newFixture(t)
	f.prov.fleet = []types.FleetInstance{f.runningInstance("pod-a", 10, 10, 5)}

	f.m.RunCycle(context.Background())
	for i := 0; i < 3; i++ {
		f.cycle(t)
	}
	require.Len(t, f.stops.calls, 1)

	// Provider reflects the stop on the next snapshot.
	f.prov.fleet[0].Status = types.StatusExited
	f.prov.fleet[0].CPUPct = 0
	f.prov.fleet[0].MemPct = 0
	f.prov.fleet[0].GPUPct = 0
	f.cycle(t)

	rec, ok := f.det.Snapshot("pod-a")
	require.True(t, ok)
	assert.Equal(t, types.StateActive, rec.State, "dormant, not cooling")
	assert.True(t, rec.CooldownUntil.IsZero(), "cooldown cleared once provider confirms")

	// Stays dormant while stopped; no stop commands for a stopped instance.
	f.cycle(t)
	f.cycle(t)
	assert.Len(t, f.stops.calls, 1)
}

func TestIdleStateSurvivesRestart(t *testing.T) {
	f := newFixture(t)
	f.prov.fleet = []types.FleetInstance{f.runningInstance("pod-a", 10, 10, 5)}

	f.m.RunCycle(context.Background())
	f.cycle(t)

	// A second monitor over the same store picks up the streak.
	reg2, err := exclusion.New(f.st, nil)
	require.NoError(t, err)
	det2 := detector.New(f.st)
	alog2, err := actionlog.New(f.st.DB(), f.clk)
	require.NoError(t, err)
	defer alog2.Close()
	exec2 := executor.New(f.stops, det2, alog2, f.clk)

	m2 := NewMonitor(Options{
		Config:   f.cfg,
		Store:    f.st,
		Registry: reg2,
		Detector: det2,
		Executor: exec2,
		Provider: f.prov,
		Clock:    f.clk,
	})

	rec, ok := det2.Snapshot("pod-a")
	require.True(t, ok, "restored from persisted records")
	assert.Equal(t, 2, rec.BelowCount)

	// Two more cycles reach 180s of continuous idleness and stop the pod.
	f.clk.Advance(60 * time.Second)
	m2.RunCycle(context.Background())
	f.clk.Advance(60 * time.Second)
	m2.RunCycle(context.Background())
	assert.Equal(t, []string{"pod-a"}, f.stops.calls)
}

func TestPollTimes(t *testing.T) {
	f := newFixture(t)
	f.prov.fleet = []types.FleetInstance{f.runningInstance("pod-a", 50, 50, 50)}

	start := f.clk.Now()
	f.m.RunCycle(context.Background())

	last, next := f.m.PollTimes()
	assert.Equal(t, start, last)
	assert.Equal(t, start.Add(60*time.Second), next)

	fleet := f.m.Fleet()
	require.Len(t, fleet, 1)
	assert.Equal(t, "pod-a", fleet[0].ID)
}
