package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"k8s.io/klog/v2"

	"github.com/cloudnap/pod-minder/pkg/podminder/actionlog"
	"github.com/cloudnap/pod-minder/pkg/podminder/types"
)

type statusResponse struct {
	LastPoll  time.Time      `json:"lastPoll"`
	NextPoll  time.Time      `json:"nextPoll"`
	Interval  string         `json:"interval"`
	Policy    policyView     `json:"policy"`
	Instances []instanceView `json:"instances"`
}

type policyView struct {
	CPUThresholdPct float64 `json:"cpuThresholdPct"`
	MemThresholdPct float64 `json:"memThresholdPct"`
	GPUThresholdPct float64 `json:"gpuThresholdPct"`
	Duration        string  `json:"duration"`
	MonitorOnly     bool    `json:"monitorOnly"`
	NoChangeEnabled bool    `json:"noChangeEnabled"`
}

type instanceView struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Status        string     `json:"status"`
	CPUPct        float64    `json:"cpuPct"`
	MemPct        float64    `json:"memPct"`
	GPUPct        float64    `json:"gpuPct"`
	CostPerHr     float64    `json:"costPerHr"`
	Uptime        string     `json:"uptime"`
	IdleState     string     `json:"idleState"`
	BelowCount    int        `json:"belowCount"`
	CooldownUntil *time.Time `json:"cooldownUntil,omitempty"`
	Excluded      bool       `json:"excluded"`
}

type predictionView struct {
	InstanceID        string `json:"instanceId"`
	State             string `json:"state"`
	BelowCount        int    `json:"belowCount"`
	DurationThreshold string `json:"durationThreshold"`
	WillStopIn        string `json:"willStopIn"`
}

type predictionsResponse struct {
	Predictions []predictionView `json:"predictions"`
}

type nextPollResponse struct {
	NextPoll time.Time `json:"nextPoll"`
	Seconds  float64   `json:"seconds"`
}

type seriesResponse struct {
	InstanceID string        `json:"instanceId"`
	From       time.Time     `json:"from"`
	To         time.Time     `json:"to"`
	Resolution string        `json:"resolution"`
	Points     []samplePoint `json:"points,omitempty"`
	Buckets    []bucketPoint `json:"buckets,omitempty"`
}

type samplePoint struct {
	Timestamp time.Time `json:"timestamp"`
	CPUPct    float64   `json:"cpuPct"`
	MemPct    float64   `json:"memPct"`
	GPUPct    float64   `json:"gpuPct"`
	Status    string    `json:"status"`
}

type bucketPoint struct {
	Start time.Time     `json:"start"`
	Width string        `json:"width"`
	Count int           `json:"count"`
	CPU   aggregateView `json:"cpu"`
	Mem   aggregateView `json:"mem"`
	GPU   aggregateView `json:"gpu"`
}

type aggregateView struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
	Avg float64 `json:"avg"`
}

type timelineResponse struct {
	InstanceID string            `json:"instanceId"`
	From       time.Time         `json:"from"`
	To         time.Time         `json:"to"`
	Segments   []timelineSegment `json:"segments"`
}

type timelineSegment struct {
	Status  string    `json:"status"`
	Start   time.Time `json:"start"`
	End     time.Time `json:"end"`
	Samples int       `json:"samples"`
}

type exclusionRequest struct {
	InstanceID string `json:"instanceId"`
	Excluded   bool   `json:"excluded"`
}

type exclusionsResponse struct {
	Excluded []string `json:"excluded"`
}

type actionsResponse struct {
	Actions []actionlog.Entry `json:"actions"`
}

type actionResponse struct {
	InstanceID string `json:"instanceId"`
	Action     string `json:"action"`
	Outcome    string `json:"outcome"`
}

// handleStatus serves the dashboard's one-call overview: the last fleet
// snapshot joined with each instance's idle state and exclusion flag.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	fleet := s.mon.Fleet()
	last, next := s.mon.PollTimes()
	policy := s.mon.PolicySnapshot()

	instances := make([]instanceView, 0, len(fleet))
	for _, inst := range fleet {
		view := instanceView{
			ID:        inst.ID,
			Name:      inst.Name,
			Status:    inst.Status,
			CPUPct:    types.ClampPct(inst.CPUPct),
			MemPct:    types.ClampPct(inst.MemPct),
			GPUPct:    types.ClampPct(inst.GPUPct),
			CostPerHr: inst.CostPerHr,
			Uptime:    (time.Duration(inst.UptimeS) * time.Second).String(),
			IdleState: string(types.StateActive),
			Excluded:  s.reg.IsExcluded(inst.ID),
		}
		if rec, ok := s.det.Snapshot(inst.ID); ok {
			view.IdleState = string(rec.State)
			view.BelowCount = rec.BelowCount
			if !rec.CooldownUntil.IsZero() {
				until := rec.CooldownUntil
				view.CooldownUntil = &until
			}
		}
		instances = append(instances, view)
	}
	sort.Slice(instances, func(i, j int) bool { return instances[i].ID < instances[j].ID })

	s.writeJSON(w, http.StatusOK, statusResponse{
		LastPoll: last,
		NextPoll: next,
		Interval: s.mon.Interval().String(),
		Policy: policyView{
			CPUThresholdPct: policy.CPUThreshold,
			MemThresholdPct: policy.MemThreshold,
			GPUThresholdPct: policy.GPUThreshold,
			Duration:        policy.Duration.String(),
			MonitorOnly:     policy.MonitorOnly,
			NoChangeEnabled: policy.NoChangeEnabled,
		},
		Instances: instances,
	})
}

// handleNextPoll reports when the next collection cycle fires. Seconds are
// clamped at zero: a cycle already due reads as 0, never negative.
func (s *Server) handleNextPoll(w http.ResponseWriter, r *http.Request) {
	_, next := s.mon.PollTimes()
	seconds := next.Sub(s.clk.Now()).Seconds()
	if seconds < 0 {
		seconds = 0
	}
	s.writeJSON(w, http.StatusOK, nextPollResponse{
		NextPoll: next,
		Seconds:  seconds,
	})
}

// handlePredictions lists instances on the way to an automatic stop, soonest
// first.
func (s *Server) handlePredictions(w http.ResponseWriter, r *http.Request) {
	policy := s.mon.PolicySnapshot()

	preds := s.det.Predictions(policy)
	views := make([]predictionView, 0, len(preds))
	for _, p := range preds {
		views = append(views, predictionView{
			InstanceID:        p.InstanceID,
			State:             string(p.State),
			BelowCount:        p.BelowCount,
			DurationThreshold: p.DurationThreshold.String(),
			WillStopIn:        p.WillStopIn.String(),
		})
	}
	s.writeJSON(w, http.StatusOK, predictionsResponse{Predictions: views})
}

// handleSeries returns an instance's utilization history over the requested
// window. Resolution is picked from the window span: raw samples for short
// windows, min/max/avg buckets beyond that. An untracked instance yields an
// empty series, not an error.
func (s *Server) handleSeries(w http.ResponseWriter, r *http.Request) {
	instanceID := r.PathValue("id")
	window, err := parseWindow(r, time.Hour)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	to := s.clk.Now()
	from := to.Add(-window)
	cur, err := s.st.Query(instanceID, from, to)
	if err != nil {
		klog.ErrorS(err, "Series query failed", "instance", instanceID)
		s.writeError(w, http.StatusInternalServerError, "series query failed")
		return
	}
	defer cur.Close()

	resp := seriesResponse{
		InstanceID: instanceID,
		From:       from,
		To:         to,
		Resolution: "raw",
	}
	if cur.Bucketed() {
		resp.Resolution = cur.Resolution().String()
		for cur.Next() {
			b := cur.Bucket()
			resp.Buckets = append(resp.Buckets, bucketPoint{
				Start: b.Start,
				Width: b.Width.String(),
				Count: b.Count,
				CPU:   aggregateView{Min: b.CPUMin, Max: b.CPUMax, Avg: b.CPUAvg},
				Mem:   aggregateView{Min: b.MemMin, Max: b.MemMax, Avg: b.MemAvg},
				GPU:   aggregateView{Min: b.GPUMin, Max: b.GPUMax, Avg: b.GPUAvg},
			})
		}
	} else {
		for cur.Next() {
			sm := cur.Sample()
			resp.Points = append(resp.Points, samplePoint{
				Timestamp: sm.Timestamp,
				CPUPct:    sm.CPUPct,
				MemPct:    sm.MemPct,
				GPUPct:    sm.GPUPct,
				Status:    sm.Status,
			})
		}
	}
	if err := cur.Err(); err != nil {
		klog.ErrorS(err, "Series scan failed", "instance", instanceID)
		s.writeError(w, http.StatusInternalServerError, "series scan failed")
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleTimeline folds an instance's raw samples into consecutive
// same-status segments, the shape display surfaces want for lifecycle bars.
func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	instanceID := r.PathValue("id")
	window, err := parseWindow(r, time.Hour)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	to := s.clk.Now()
	from := to.Add(-window)
	cur, err := s.st.Range(instanceID, from, to)
	if err != nil {
		klog.ErrorS(err, "Timeline query failed", "instance", instanceID)
		s.writeError(w, http.StatusInternalServerError, "timeline query failed")
		return
	}
	defer cur.Close()

	var segments []timelineSegment
	for cur.Next() {
		sm := cur.Sample()
		if n := len(segments); n > 0 && segments[n-1].Status == sm.Status {
			segments[n-1].End = sm.Timestamp
			segments[n-1].Samples++
			continue
		}
		segments = append(segments, timelineSegment{
			Status:  sm.Status,
			Start:   sm.Timestamp,
			End:     sm.Timestamp,
			Samples: 1,
		})
	}
	if err := cur.Err(); err != nil {
		klog.ErrorS(err, "Timeline scan failed", "instance", instanceID)
		s.writeError(w, http.StatusInternalServerError, "timeline scan failed")
		return
	}
	s.writeJSON(w, http.StatusOK, timelineResponse{
		InstanceID: instanceID,
		From:       from,
		To:         to,
		Segments:   segments,
	})
}

// handleStop issues a manual stop. No cooldown starts here: the provider
// reports the instance stopped on the next cycle and the detector goes
// dormant on its own.
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	instanceID := r.PathValue("id")
	if err := s.control.Stop(r.Context(), instanceID); err != nil {
		s.record(instanceID, actionlog.ActionStop, actionlog.OutcomeFailed, err.Error())
		klog.ErrorS(err, "Manual stop failed", "instance", instanceID)
		s.writeError(w, http.StatusBadGateway, fmt.Sprintf("stop failed: %v", err))
		return
	}
	s.record(instanceID, actionlog.ActionStop, actionlog.OutcomeOK, "manual stop via api")
	klog.InfoS("Manual stop issued", "instance", instanceID)
	s.writeJSON(w, http.StatusOK, actionResponse{
		InstanceID: instanceID,
		Action:     actionlog.ActionStop,
		Outcome:    actionlog.OutcomeOK,
	})
}

// handleResume issues a manual resume, ending any cooldown implicitly once
// the provider reports the instance running again.
func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	instanceID := r.PathValue("id")
	if err := s.control.Resume(r.Context(), instanceID); err != nil {
		s.record(instanceID, actionlog.ActionResume, actionlog.OutcomeFailed, err.Error())
		klog.ErrorS(err, "Manual resume failed", "instance", instanceID)
		s.writeError(w, http.StatusBadGateway, fmt.Sprintf("resume failed: %v", err))
		return
	}
	s.record(instanceID, actionlog.ActionResume, actionlog.OutcomeOK, "manual resume via api")
	klog.InfoS("Manual resume issued", "instance", instanceID)
	s.writeJSON(w, http.StatusOK, actionResponse{
		InstanceID: instanceID,
		Action:     actionlog.ActionResume,
		Outcome:    actionlog.OutcomeOK,
	})
}

func (s *Server) handleListExclusions(w http.ResponseWriter, r *http.Request) {
	ids := s.reg.ExcludedIDs()
	sort.Strings(ids)
	if ids == nil {
		ids = []string{}
	}
	s.writeJSON(w, http.StatusOK, exclusionsResponse{Excluded: ids})
}

func (s *Server) handleSetExclusion(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("failed to read request: %v", err))
		return
	}
	var req exclusionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("failed to parse request: %v", err))
		return
	}
	if req.InstanceID == "" {
		s.writeError(w, http.StatusBadRequest, "instanceId is required")
		return
	}
	if err := s.setExcluded(req.InstanceID, req.Excluded); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleDeleteExclusion(w http.ResponseWriter, r *http.Request) {
	instanceID := r.PathValue("id")
	if err := s.setExcluded(instanceID, false); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, exclusionRequest{InstanceID: instanceID, Excluded: false})
}

// setExcluded flips the registry flag. Excluding applies the immediate side
// effects here rather than waiting for the next cycle: the streak resets and
// the stored history is purged, not hidden.
func (s *Server) setExcluded(instanceID string, excluded bool) error {
	if err := s.reg.SetExcluded(instanceID, excluded); err != nil {
		klog.ErrorS(err, "Failed to persist exclusion", "instance", instanceID)
		return fmt.Errorf("failed to persist exclusion: %v", err)
	}
	action := actionlog.ActionInclude
	if excluded {
		action = actionlog.ActionExclude
		s.det.Reset(instanceID)
		if err := s.st.Purge(instanceID); err != nil {
			klog.ErrorS(err, "Failed to purge excluded instance", "instance", instanceID)
		}
	}
	s.record(instanceID, action, actionlog.OutcomeOK, "requested via api")
	klog.InfoS("Exclusion updated", "instance", instanceID, "excluded", excluded)
	return nil
}

// handleActions pages through the audit trail, newest first, optionally
// filtered to one instance.
func (s *Server) handleActions(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, 50)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var entries []actionlog.Entry
	if instanceID := r.URL.Query().Get("instance"); instanceID != "" {
		entries, err = s.actions.ForInstance(instanceID, limit)
	} else {
		entries, err = s.actions.Recent(limit)
	}
	if err != nil {
		klog.ErrorS(err, "Failed to read action log")
		s.writeError(w, http.StatusInternalServerError, "failed to read action log")
		return
	}
	if entries == nil {
		entries = []actionlog.Entry{}
	}
	s.writeJSON(w, http.StatusOK, actionsResponse{Actions: entries})
}

// record writes an audit entry, logging rather than failing the request when
// the audit write itself errors.
func (s *Server) record(instanceID, action, outcome, detail string) {
	if _, err := s.actions.Record(instanceID, action, outcome, detail); err != nil {
		klog.ErrorS(err, "Failed to record action", "instance", instanceID, "action", action)
	}
}
