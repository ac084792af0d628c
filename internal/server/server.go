// Package server implements the health and control HTTP surface: status
// and state introspection, manual feedback and trigger endpoints, the
// mutable config endpoint, audit history, and Prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/normanking/pulse/internal/audit"
	"github.com/normanking/pulse/internal/bus"
	"github.com/normanking/pulse/internal/config"
	"github.com/normanking/pulse/internal/drive"
	"github.com/normanking/pulse/internal/logging"
	"github.com/normanking/pulse/internal/metrics"
	"github.com/normanking/pulse/internal/mutate"
)

// ErrRateLimited is returned by Deps.ForceTrigger when a manual trigger is
// refused because cooldown or the hourly turn limit is still active.
// handleTrigger maps it to 429; any other error is treated as a webhook
// dispatch failure and maps to 503.
var ErrRateLimited = errors.New("rate limited")

const (
	defaultMutationsLimit = 20
	minMutationsLimit     = 1
	maxMutationsLimit     = 1000
)

// Deps are the collaborators the server delegates to. It owns no
// business logic itself, only request decoding/encoding and routing.
type Deps struct {
	Engine             *drive.Engine
	Mutator            *mutate.Mutator
	AuditLog           *audit.Log
	Config             *config.Config
	Bus                *bus.Bus
	StartTime          time.Time
	Version            string
	SuggestedTask      func() string
	RecentMutations    func() []time.Time
	SetRecentMutations func([]time.Time)
	ForceTrigger       func(reason string) error
	// Degraded reports whether /health should report a degraded state
	// (evaluator fallback or a failed state save).
	Degraded func() bool
	// SensorSummary returns the most recent reading per sensor, for
	// /state.
	SensorSummary func() map[string]any
	// RateLimitStatus returns the fixed hourly trigger window, for
	// /state.
	RateLimitStatus func() map[string]any
	// LastTrigger returns the timestamp and reason of the most recent
	// dispatched trigger, for /state.
	LastTrigger func() map[string]any
}

// Server is the HTTP surface described by SPEC_FULL's external interfaces
// section: /health, /state, /config, /feedback, /trigger, /metrics, and
// /mutations.
type Server struct {
	deps       Deps
	httpServer *http.Server
}

// New builds a Server bound to deps, listening on addr (host:port).
func New(addr string, deps Deps) *Server {
	mux := http.NewServeMux()
	s := &Server{deps: deps}

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/state", s.handleState)
	mux.HandleFunc("/config", s.handleConfig)
	mux.HandleFunc("/feedback", s.handleFeedback)
	mux.HandleFunc("/trigger", s.handleTrigger)
	mux.HandleFunc("/mutations", s.handleMutations)
	mux.Handle("/metrics", promhttp.Handler())

	s.httpServer = &http.Server{Addr: addr, Handler: mux}
	return s
}

// Start begins serving in the background. It returns immediately; use
// Shutdown for graceful termination.
func (s *Server) Start() error {
	ln := s.httpServer
	go func() {
		log := logging.WithComponent("server")
		if err := ln.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("health server exited", "error", err)
		}
	}()
	return nil
}

// Shutdown gracefully stops the server, waiting for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return
	}
	status := "ok"
	degraded := s.deps.Degraded != nil && s.deps.Degraded()
	if degraded {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   status,
		"uptime_s": time.Since(s.deps.StartTime).Seconds(),
		"version":  s.deps.Version,
		"degraded": degraded,
	})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return
	}
	snap := s.deps.Engine.Snapshot()
	top, topPressure := s.deps.Engine.TopDrive()

	resp := map[string]any{
		"drives":             snap.Drives,
		"total_pressure":     s.deps.Engine.TotalWeightedPressure(),
		"top_drive":          top,
		"top_drive_pressure": topPressure,
		"config":             mutableConfig(s.deps.Config),
	}
	if s.deps.SuggestedTask != nil {
		if task := s.deps.SuggestedTask(); task != "" {
			resp["suggested_task"] = task
		}
	}
	if s.deps.SensorSummary != nil {
		resp["sensors"] = s.deps.SensorSummary()
	}
	if s.deps.RateLimitStatus != nil {
		resp["rate_limit"] = s.deps.RateLimitStatus()
	}
	if s.deps.LastTrigger != nil {
		resp["last_trigger"] = s.deps.LastTrigger()
	}
	writeJSON(w, http.StatusOK, resp)
}

// mutableConfig returns the mutable config subset §3 names: everything
// the mutator can change at runtime. Paths, ports, and tokens are never
// exposed here.
func mutableConfig(cfg *config.Config) map[string]any {
	if cfg == nil {
		return nil
	}
	drives := make(map[string]any, len(cfg.Drives.Categories))
	for name, d := range cfg.Drives.Categories {
		drives[name] = map[string]any{"weight": d.Weight, "sources": d.Sources}
	}
	return map[string]any{
		"trigger_threshold":    cfg.Drives.TriggerThreshold,
		"pressure_rate":        cfg.Drives.PressureRate,
		"max_pressure":         cfg.Drives.MaxPressure,
		"success_decay":        cfg.Drives.SuccessDecay,
		"min_trigger_interval": cfg.Drives.MinTriggerInterval.String(),
		"max_turns_per_hour":   cfg.Drives.MaxTurnsPerHour,
		"drives":               drives,
	}
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, mutableConfig(s.deps.Config))
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return
	}
	if s.deps.Config != nil && !s.deps.Config.Daemon.MutatorEnabled {
		writeError(w, http.StatusForbidden, fmt.Errorf("mutator disabled"))
		return
	}

	var mut mutate.Mutation
	if err := json.NewDecoder(r.Body).Decode(&mut); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := mut.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	recent := s.deps.RecentMutations()
	rec, updated, err := s.deps.Mutator.ApplyNow(mut, recent)
	if s.deps.SetRecentMutations != nil {
		s.deps.SetRecentMutations(updated)
	}
	if err != nil && rec.Outcome != audit.OutcomeBlocked && rec.Outcome != audit.OutcomeError {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// feedbackRequest reports the outcome of a dispatched trigger: which
// drives it addressed, and whether the resulting turn succeeded,
// partially succeeded, or failed. Decay follows §4.1: success decays the
// addressed drives fully and the rest proportionally, partial decays at
// half strength, failure decays nothing.
type feedbackRequest struct {
	DrivesAddressed []string `json:"drives_addressed"`
	Outcome         string   `json:"outcome"`
	Summary         string   `json:"summary,omitempty"`
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return
	}
	var req feedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	outcome := drive.FeedbackOutcome(req.Outcome)
	switch outcome {
	case drive.FeedbackSuccess, drive.FeedbackPartial, drive.FeedbackFailure:
	default:
		writeError(w, http.StatusBadRequest, fmt.Errorf("outcome must be 'success', 'partial', or 'failure', got %q", req.Outcome))
		return
	}

	metrics.FeedbackTotal.WithLabelValues(req.Outcome).Inc()

	deltas := s.deps.Engine.OnTriggerSuccess(req.DrivesAddressed, outcome)

	if s.deps.Bus != nil {
		switch outcome {
		case drive.FeedbackSuccess, drive.FeedbackPartial:
			s.deps.Bus.Publish(bus.Event{Type: bus.EventTriggerSuccess, Timestamp: time.Now(), Payload: req.Summary})
		case drive.FeedbackFailure:
			s.deps.Bus.Publish(bus.Event{Type: bus.EventTriggerFailure, Timestamp: time.Now(), Payload: req.Summary})
		}
	}

	before := make(map[string]float64, len(deltas))
	after := make(map[string]float64, len(deltas))
	for name, d := range deltas {
		before[name] = d.Before
		after[name] = d.After
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "recorded",
		"before": before,
		"after":  after,
	})
}

type triggerRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return
	}
	if s.deps.ForceTrigger == nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Errorf("manual trigger not available"))
		return
	}
	var req triggerRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.Reason == "" {
		req.Reason = "manual_operator_trigger"
	}

	if err := s.deps.ForceTrigger(req.Reason); err != nil {
		if errors.Is(err, ErrRateLimited) {
			writeError(w, http.StatusTooManyRequests, err)
			return
		}
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "dispatched", "reason": req.Reason})
}

func (s *Server) handleMutations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return
	}
	n := defaultMutationsLimit
	if raw := r.URL.Query().Get("n"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			n = parsed
		}
	}
	if n < minMutationsLimit {
		n = minMutationsLimit
	}
	if n > maxMutationsLimit {
		n = maxMutationsLimit
	}

	recs, err := s.deps.AuditLog.Tail(n)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"mutations": recs})
}
