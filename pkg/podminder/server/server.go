// Package server exposes pod-minder's HTTP surface: a JSON API for fleet
// status, idle predictions, series queries and control actions, Prometheus
// metrics, and rendered utilization charts. Handlers read the monitor's
// published view and the store directly; they never wait on an in-flight
// collection cycle.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cloudnap/pod-minder/pkg/podminder"
	"github.com/cloudnap/pod-minder/pkg/podminder/actionlog"
	"github.com/cloudnap/pod-minder/pkg/podminder/clock"
	"github.com/cloudnap/pod-minder/pkg/podminder/detector"
	"github.com/cloudnap/pod-minder/pkg/podminder/exclusion"
	"github.com/cloudnap/pod-minder/pkg/podminder/store"
)

// maxActionLimit caps how many audit entries one request can page through.
const maxActionLimit = 500

// ControlClient is the write half of the provider API.
type ControlClient interface {
	Stop(ctx context.Context, instanceID string) error
	Resume(ctx context.Context, instanceID string) error
}

// Options bundles the server's collaborators.
type Options struct {
	Monitor  *podminder.Monitor
	Store    *store.Store
	Detector *detector.Detector
	Registry *exclusion.Registry
	Actions  *actionlog.Log
	Control  ControlClient
	Clock    clock.Clock
}

// Server routes dashboard and control requests.
type Server struct {
	mon     *podminder.Monitor
	st      *store.Store
	det     *detector.Detector
	reg     *exclusion.Registry
	actions *actionlog.Log
	control ControlClient
	clk     clock.Clock
	mux     *http.ServeMux
}

// New builds the server and registers its routes.
func New(opts Options) *Server {
	s := &Server{
		mon:     opts.Monitor,
		st:      opts.Store,
		det:     opts.Detector,
		reg:     opts.Registry,
		actions: opts.Actions,
		control: opts.Control,
		clk:     opts.Clock,
		mux:     http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.Handle("GET /metrics", promhttp.Handler())

	s.mux.HandleFunc("GET /api/status", s.handleStatus)
	s.mux.HandleFunc("GET /api/next-poll", s.handleNextPoll)
	s.mux.HandleFunc("GET /api/predictions", s.handlePredictions)
	s.mux.HandleFunc("GET /api/instances/{id}/series", s.handleSeries)
	s.mux.HandleFunc("GET /api/instances/{id}/timeline", s.handleTimeline)
	s.mux.HandleFunc("POST /api/instances/{id}/stop", s.handleStop)
	s.mux.HandleFunc("POST /api/instances/{id}/resume", s.handleResume)
	s.mux.HandleFunc("GET /api/exclusions", s.handleListExclusions)
	s.mux.HandleFunc("POST /api/exclusions", s.handleSetExclusion)
	s.mux.HandleFunc("DELETE /api/exclusions/{id}", s.handleDeleteExclusion)
	s.mux.HandleFunc("GET /api/actions", s.handleActions)

	s.mux.HandleFunc("GET /graph/{id}", s.handleGraph)
}

// Handler returns the HTTP handler for the whole surface. The caller owns
// the http.Server wrapping it.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to marshal response: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func parseWindow(r *http.Request, def time.Duration) (time.Duration, error) {
	raw := r.URL.Query().Get("window")
	if raw == "" {
		return def, nil
	}
	window, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid window %q: %v", raw, err)
	}
	if window <= 0 {
		return 0, fmt.Errorf("window must be positive, got %s", window)
	}
	return window, nil
}

func parseLimit(r *http.Request, def int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 {
		return 0, fmt.Errorf("invalid limit %q", raw)
	}
	if limit > maxActionLimit {
		limit = maxActionLimit
	}
	return limit, nil
}
