package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/common/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudnap/pod-minder/pkg/podminder"
	"github.com/cloudnap/pod-minder/pkg/podminder/actionlog"
	"github.com/cloudnap/pod-minder/pkg/podminder/clock"
	"github.com/cloudnap/pod-minder/pkg/podminder/config"
	"github.com/cloudnap/pod-minder/pkg/podminder/detector"
	"github.com/cloudnap/pod-minder/pkg/podminder/exclusion"
	"github.com/cloudnap/pod-minder/pkg/podminder/executor"
	"github.com/cloudnap/pod-minder/pkg/podminder/store"
	"github.com/cloudnap/pod-minder/pkg/podminder/types"
)

var serverEpoch = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type fakeFleet struct {
	mu    sync.Mutex
	fleet []types.FleetInstance
}

func (f *fakeFleet) FetchFleet(ctx context.Context) ([]types.FleetInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]types.FleetInstance, len(f.fleet))
	copy(out, f.fleet)
	return out, nil
}

func (f *fakeFleet) set(fleet ...types.FleetInstance) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fleet = fleet
}

type fakeControl struct {
	mu        sync.Mutex
	stopped   []string
	resumed   []string
	stopErr   error
	resumeErr error
}

func (f *fakeControl) Stop(ctx context.Context, instanceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopErr != nil {
		return f.stopErr
	}
	f.stopped = append(f.stopped, instanceID)
	return nil
}

func (f *fakeControl) Resume(ctx context.Context, instanceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.resumeErr != nil {
		return f.resumeErr
	}
	f.resumed = append(f.resumed, instanceID)
	return nil
}

type fixture struct {
	srv  *Server
	mon  *podminder.Monitor
	st   *store.Store
	reg  *exclusion.Registry
	det  *detector.Detector
	alog *actionlog.Log
	prov *fakeFleet
	ctl  *fakeControl
	clk  *clock.MockClock
}

func serverConfig() *config.Config {
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
	dir, err := os.MkdirTemp("", "podminder-server-test")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	clk := clock.NewMockClock(serverEpoch)
	st, err := store.Open(filepath.Join(dir, "test.db"), clk)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	reg, err := exclusion.New(st, nil)
	require.NoError(t, err)
	alog, err := actionlog.New(st.DB(), clk)
	require.NoError(t, err)
	det := detector.New(st)
	ctl := &fakeControl{}
	exec := executor.New(ctl, det, alog, clk)
	prov := &fakeFleet{}

	mon := podminder.NewMonitor(podminder.Options{
		Config:   serverConfig(),
		Store:    st,
		Registry: reg,
		Detector: det,
		Executor: exec,
		Provider: prov,
		Clock:    clk,
	})
	srv := New(Options{
		Monitor:  mon,
		Store:    st,
		Detector: det,
		Registry: reg,
		Actions:  alog,
		Control:  ctl,
		Clock:    clk,
	})
	return &fixture{srv: srv, mon: mon, st: st, reg: reg, det: det, alog: alog, prov: prov, ctl: ctl, clk: clk}
}

func (f *fixture) cycle() {
	f.clk.Advance(60 * time.Second)
	f.mon.RunCycle(context.Background())
}

func (f *fixture) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	return f.do(t, http.MethodGet, path, "")
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func running(id string, cpu, mem, gpu float64) types.FleetInstance {
	return types.FleetInstance{
		ID:        id,
		Name:      id,
		Status:    types.StatusRunning,
		CPUPct:    cpu,
		MemPct:    mem,
		GPUPct:    gpu,
		CostPerHr: 0.54,
		UptimeS:   3600,
	}
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)

	rec := f.get(t, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestStatusEndpoint(t *testing.T) {
	f := newFixture(t)
	f.prov.set(running("pod-a", 5, 10, 2), running("pod-b", 80, 60, 40))
	f.cycle()

	rec := f.get(t, "/api/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp statusResponse
	decode(t, rec, &resp)
	assert.Equal(t, "1m0s", resp.Interval)
	assert.Equal(t, "3m0s", resp.Policy.Duration)
	assert.Equal(t, 20.0, resp.Policy.CPUThresholdPct)
	require.Len(t, resp.Instances, 2)

	a := resp.Instances[0]
	assert.Equal(t, "pod-a", a.ID)
	assert.Equal(t, string(types.StateAccumulating), a.IdleState)
	assert.Equal(t, 1, a.BelowCount)
	assert.Equal(t, "1h0m0s", a.Uptime)

	b := resp.Instances[1]
	assert.Equal(t, "pod-b", b.ID)
	assert.Equal(t, string(types.StateActive), b.IdleState)
	assert.False(t, b.Excluded)
	assert.Nil(t, b.CooldownUntil)
}

func TestStatusShowsCooldown(t *testing.T) {
	f := newFixture(t)
	f.prov.set(running("pod-a", 5, 10, 2))
	for i := 0; i < 3; i++ {
		f.cycle()
	}
	// Fourth cycle crosses the 180s duration and triggers the stop.
	f.cycle()
	require.Equal(t, []string{"pod-a"}, f.ctl.stopped)

	rec := f.get(t, "/api/status")
	var resp statusResponse
	decode(t, rec, &resp)
	require.Len(t, resp.Instances, 1)
	assert.Equal(t, string(types.StateCooldown), resp.Instances[0].IdleState)
	require.NotNil(t, resp.Instances[0].CooldownUntil)
	assert.True(t, resp.Instances[0].CooldownUntil.After(f.clk.Now()))
}

func TestNextPollEndpoint(t *testing.T) {
	f := newFixture(t)
	f.prov.set(running("pod-a", 5, 10, 2))
	f.cycle()
	f.clk.Advance(15 * time.Second)

	rec := f.get(t, "/api/next-poll")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp nextPollResponse
	decode(t, rec, &resp)
	assert.Equal(t, serverEpoch.Add(2*time.Minute), resp.NextPoll)
	assert.InDelta(t, 45.0, resp.Seconds, 0.001)

	// A poll already due clamps to zero rather than going negative.
	f.clk.Advance(2 * time.Minute)
	rec = f.get(t, "/api/next-poll")
	decode(t, rec, &resp)
	assert.Equal(t, 0.0, resp.Seconds)
}

func TestPredictionsEndpoint(t *testing.T) {
	f := newFixture(t)
	f.prov.set(running("pod-a", 5, 10, 2))
	f.cycle()
	f.cycle()

	rec := f.get(t, "/api/predictions")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp predictionsResponse
	decode(t, rec, &resp)
	require.Len(t, resp.Predictions, 1)
	p := resp.Predictions[0]
	assert.Equal(t, "pod-a", p.InstanceID)
	assert.Equal(t, string(types.StateAccumulating), p.State)
	assert.Equal(t, "3m0s", p.DurationThreshold)
	assert.Equal(t, "2m0s", p.WillStopIn)
}

func TestSeriesRawWindow(t *testing.T) {
	f := newFixture(t)
	f.prov.set(running("pod-a", 5, 10, 2))
	for i := 0; i < 3; i++ {
		f.cycle()
	}

	rec := f.get(t, "/api/instances/pod-a/series?window=30m")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp seriesResponse
	decode(t, rec, &resp)
	assert.Equal(t, "raw", resp.Resolution)
	assert.Empty(t, resp.Buckets)
	require.Len(t, resp.Points, 3)
	assert.Equal(t, 5.0, resp.Points[0].CPUPct)
	assert.Equal(t, types.StatusRunning, resp.Points[0].Status)
}

func TestSeriesBucketedWindow(t *testing.T) {
	f := newFixture(t)
	f.st.SetRetention(30 * 24 * time.Hour)

	// Eight hours of 10-minute samples crosses the raw tier boundary.
	for i := 0; i < 48; i++ {
		f.clk.Advance(10 * time.Minute)
		require.NoError(t, f.st.Append(types.Sample{
			InstanceID: "pod-a",
			Timestamp:  f.clk.Now(),
			CPUPct:     50,
			MemPct:     40,
			GPUPct:     30,
			Status:     types.StatusRunning,
		}))
	}

	rec := f.get(t, "/api/instances/pod-a/series?window=8h")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp seriesResponse
	decode(t, rec, &resp)
	assert.Equal(t, "1h0m0s", resp.Resolution)
	assert.Empty(t, resp.Points)
	require.NotEmpty(t, resp.Buckets)

	total := 0
	for _, b := range resp.Buckets {
		total += b.Count
		assert.Equal(t, 50.0, b.CPU.Avg)
		assert.Equal(t, 40.0, b.Mem.Max)
		assert.Equal(t, 30.0, b.GPU.Min)
	}
	assert.Equal(t, 48, total)
}

func TestSeriesUnknownInstanceIsEmpty(t *testing.T) {
	f := newFixture(t)

	rec := f.get(t, "/api/instances/nope/series")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp seriesResponse
	decode(t, rec, &resp)
	assert.Empty(t, resp.Points)
	assert.Empty(t, resp.Buckets)
}

func TestSeriesInvalidWindow(t *testing.T) {
	f := newFixture(t)

	rec := f.get(t, "/api/instances/pod-a/series?window=banana")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.get(t, "/api/instances/pod-a/series?window=-5m")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTimelineFoldsStatusSegments(t *testing.T) {
	f := newFixture(t)
	f.st.SetRetention(24 * time.Hour)

	statuses := []string{
		types.StatusRunning, types.StatusRunning, types.StatusExited,
		types.StatusExited, types.StatusRunning,
	}
	for _, status := range statuses {
		f.clk.Advance(time.Minute)
		require.NoError(t, f.st.Append(types.Sample{
			InstanceID: "pod-a",
			Timestamp:  f.clk.Now(),
			CPUPct:     10,
			Status:     status,
		}))
	}

	rec := f.get(t, "/api/instances/pod-a/timeline?window=1h")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp timelineResponse
	decode(t, rec, &resp)
	require.Len(t, resp.Segments, 3)
	assert.Equal(t, types.StatusRunning, resp.Segments[0].Status)
	assert.Equal(t, 2, resp.Segments[0].Samples)
	assert.Equal(t, types.StatusExited, resp.Segments[1].Status)
	assert.Equal(t, 2, resp.Segments[1].Samples)
	assert.Equal(t, types.StatusRunning, resp.Segments[2].Status)
	assert.Equal(t, 1, resp.Segments[2].Samples)
	assert.True(t, resp.Segments[0].End.After(resp.Segments[0].Start))
}

func TestExclusionLifecycle(t *testing.T) {
	f := newFixture(t)
	f.prov.set(running("pod-a", 5, 10, 2))
	f.cycle()

	rec := f.do(t, http.MethodPost, "/api/exclusions", `{"instanceId":"pod-a","excluded":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, f.reg.IsExcluded("pod-a"))

	// History is purged at exclusion time, not on the next cycle.
	samples, err := f.st.Recent("pod-a", 10)
	require.NoError(t, err)
	assert.Empty(t, samples)

	rec = f.get(t, "/api/exclusions")
	var listed exclusionsResponse
	decode(t, rec, &listed)
	assert.Equal(t, []string{"pod-a"}, listed.Excluded)

	f.clk.Advance(30 * time.Second)
	rec = f.do(t, http.MethodDelete, "/api/exclusions/pod-a", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, f.reg.IsExcluded("pod-a"))

	entries, err := f.alog.Recent(10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, actionlog.ActionInclude, entries[0].Action)
	assert.Equal(t, actionlog.ActionExclude, entries[1].Action)
}

func TestExclusionRequiresInstanceID(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/exclusions", `{"excluded":true}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/exclusions", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestManualStopAndResume(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/instances/pod-a/stop", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"pod-a"}, f.ctl.stopped)

	var resp actionResponse
	decode(t, rec, &resp)
	assert.Equal(t, actionlog.ActionStop, resp.Action)
	assert.Equal(t, actionlog.OutcomeOK, resp.Outcome)

	f.clk.Advance(time.Minute)
	rec = f.do(t, http.MethodPost, "/api/instances/pod-a/resume", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"pod-a"}, f.ctl.resumed)

	entries, err := f.alog.ForInstance("pod-a", 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, actionlog.ActionResume, entries[0].Action)
	assert.Equal(t, actionlog.ActionStop, entries[1].Action)
}

func TestManualStopFailure(t *testing.T) {
	f := newFixture(t)
	f.ctl.stopErr = errors.New("api down")

	rec := f.do(t, http.MethodPost, "/api/instances/pod-a/stop", "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	entries, err := f.alog.ForInstance("pod-a", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, actionlog.OutcomeFailed, entries[0].Outcome)
}

func TestActionsEndpoint(t *testing.T) {
	f := newFixture(t)
	for _, id := range []string{"pod-a", "pod-b", "pod-a"} {
		f.clk.Advance(time.Second)
		_, err := f.alog.Record(id, actionlog.ActionStop, actionlog.OutcomeOK, "")
		require.NoError(t, err)
	}

	rec := f.get(t, "/api/actions?limit=2")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp actionsResponse
	decode(t, rec, &resp)
	assert.Len(t, resp.Actions, 2)

	rec = f.get(t, "/api/actions?instance=pod-b")
	decode(t, rec, &resp)
	require.Len(t, resp.Actions, 1)
	assert.Equal(t, "pod-b", resp.Actions[0].InstanceID)

	rec = f.get(t, "/api/actions?limit=zero")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGraphRendersHTML(t *testing.T) {
	f := newFixture(t)
	f.prov.set(running("pod-a", 5, 10, 2))
	f.cycle()
	f.cycle()

	rec := f.get(t, "/graph/pod-a?window=30m")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	body := rec.Body.String()
	assert.Contains(t, body, "pod-a")
	assert.Contains(t, body, "echarts")
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	f.prov.set(running("pod-a", 5, 10, 2))
	f.cycle()

	rec := f.get(t, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "podminder_")
}

func TestMethodNotAllowed(t *testing.T) {
	f := newFixture(t)

	rec := f.get(t, "/api/instances/pod-a/stop")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
