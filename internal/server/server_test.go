package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/normanking/pulse/internal/audit"
	"github.com/normanking/pulse/internal/clock"
	"github.com/normanking/pulse/internal/config"
	"github.com/normanking/pulse/internal/drive"
	"github.com/normanking/pulse/internal/guardrail"
	"github.com/normanking/pulse/internal/mutate"
)

type fakeCfgSetters struct {
	threshold, rate float64
	cooldown, turns int
}

func (f *fakeCfgSetters) TriggerThreshold() float64     { return f.threshold }
func (f *fakeCfgSetters) SetTriggerThreshold(v float64) { f.threshold = v }
func (f *fakeCfgSetters) PressureRate() float64         { return f.rate }
func (f *fakeCfgSetters) SetPressureRate(v float64)     { f.rate = v }
func (f *fakeCfgSetters) CooldownSeconds() int          { return f.cooldown }
func (f *fakeCfgSetters) SetCooldownSeconds(v int)      { f.cooldown = v }
func (f *fakeCfgSetters) TurnsPerHour() int              { return f.turns }
func (f *fakeCfgSetters) SetTurnsPerHour(v int)          { f.turns = v }

func newTestServerHandler(t *testing.T) http.Handler {
	cfg := &config.DrivesConfig{
		MaxPressure:  10.0,
		SuccessDecay: 0.7,
		Categories: map[string]config.DriveDefault{
			"goals":  {Weight: 1.0},
			"growth": {Weight: 1.0},
		},
	}
	engine := drive.New(cfg, clock.NewReal(), nil)
	g := guardrail.New(&config.GuardrailsConfig{
		WeightMax: 3.0, WeightMin: 0.05, MaxWeightDelta: 1.0,
		MaxManualDelta: 6.0, MaxMutationsPerHour: 100,
	})
	auditLog := audit.New(filepath.Join(t.TempDir(), "audit.jsonl"), 1<<20)
	queuePath := filepath.Join(t.TempDir(), "mutations.json")
	m := mutate.New(engine, &fakeCfgSetters{}, g, auditLog, clock.NewReal(), queuePath)

	srv := New("127.0.0.1:0", Deps{
		Engine:          engine,
		Mutator:         m,
		AuditLog:        auditLog,
		StartTime:       time.Now(),
		RecentMutations: func() []time.Time { return nil },
	})
	return srv.httpServer.Handler
}

func newTestServerHandlerWithDeps(t *testing.T, configure func(*Deps)) http.Handler {
	cfg := &config.DrivesConfig{
		MaxPressure: 10.0,
		Categories: map[string]config.DriveDefault{
			"goals":  {Weight: 1.0},
			"growth": {Weight: 1.0},
		},
	}
	engine := drive.New(cfg, clock.NewReal(), nil)
	g := guardrail.New(&config.GuardrailsConfig{
		WeightMax: 3.0, WeightMin: 0.05, MaxWeightDelta: 1.0,
		MaxManualDelta: 2.0, MaxMutationsPerHour: 100,
	})
	auditLog := audit.New(filepath.Join(t.TempDir(), "audit.jsonl"), 1<<20)
	queuePath := filepath.Join(t.TempDir(), "mutations.json")
	m := mutate.New(engine, &fakeCfgSetters{}, g, auditLog, clock.NewReal(), queuePath)

	deps := Deps{
		Engine:          engine,
		Mutator:         m,
		AuditLog:        auditLog,
		StartTime:       time.Now(),
		RecentMutations: func() []time.Time { return nil },
	}
	configure(&deps)

	srv := New("127.0.0.1:0", deps)
	return srv.httpServer.Handler
}

func TestHandleHealth(t *testing.T) {
	h := newTestServerHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, "ok", body["status"])
}

func TestHandleStateReportsDrives(t *testing.T) {
	h := newTestServerHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/state", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Contains(t, body, "drives")
	require.Contains(t, body, "top_drive")
}

func TestHandleFeedbackRequiresValidOutcome(t *testing.T) {
	h := newTestServerHandler(t)
	body, _ := json.Marshal(map[string]string{"outcome": "bogus"})
	req := httptest.NewRequest(http.MethodPost, "/feedback", bytes.NewReader(body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleFeedbackSuccess(t *testing.T) {
	h := newTestServerHandler(t)
	body, _ := json.Marshal(map[string]string{"outcome": "success"})
	req := httptest.NewRequest(http.MethodPost, "/feedback", bytes.NewReader(body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
}

func TestHandleFeedbackReportsBeforeAfterPressures(t *testing.T) {
	h := newTestServerHandler(t)

	spikeBody, _ := json.Marshal(map[string]any{"type": "spike_drive", "target": "goals", "value": 6.0})
	req := httptest.NewRequest(http.MethodPost, "/config", bytes.NewReader(spikeBody))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	body, _ := json.Marshal(map[string]any{
		"drives_addressed": []string{"goals"},
		"outcome":          "success",
	})
	req = httptest.NewRequest(http.MethodPost, "/feedback", bytes.NewReader(body))
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	before := resp["before"].(map[string]any)
	after := resp["after"].(map[string]any)
	require.Equal(t, 6.0, before["goals"])
	require.Less(t, after["goals"].(float64), before["goals"].(float64))
}

func TestHandleFeedbackFailureDoesNotDecay(t *testing.T) {
	h := newTestServerHandler(t)

	spikeBody, _ := json.Marshal(map[string]any{"type": "spike_drive", "target": "goals", "value": 4.0})
	req := httptest.NewRequest(http.MethodPost, "/config", bytes.NewReader(spikeBody))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	body, _ := json.Marshal(map[string]any{
		"drives_addressed": []string{"goals"},
		"outcome":          "failure",
	})
	req = httptest.NewRequest(http.MethodPost, "/feedback", bytes.NewReader(body))
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	before := resp["before"].(map[string]any)
	after := resp["after"].(map[string]any)
	require.Equal(t, before["goals"], after["goals"])
}

func TestHandleConfigAppliesMutation(t *testing.T) {
	h := newTestServerHandler(t)
	body, _ := json.Marshal(map[string]any{"type": "spike_drive", "target": "goals", "value": 1.0})
	req := httptest.NewRequest(http.MethodPost, "/config", bytes.NewReader(body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
}

func TestHandleMutationsReturnsEmptyInitially(t *testing.T) {
	h := newTestServerHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/mutations", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
}

func TestHandleTriggerUnavailableWithoutForceTrigger(t *testing.T) {
	h := newTestServerHandler(t)
	req := httptest.NewRequest(http.MethodPost, "/trigger", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	require.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestMethodNotAllowed(t *testing.T) {
	h := newTestServerHandler(t)
	req := httptest.NewRequest(http.MethodPost, "/health", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	require.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestHandleConfigGetReturnsMutableSubset(t *testing.T) {
	h := newTestServerHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/config", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
}

func TestHandleConfigRejectsMalformedMutation(t *testing.T) {
	h := newTestServerHandler(t)
	body, _ := json.Marshal(map[string]any{"type": "not_a_real_type", "target": "goals", "value": 1.0})
	req := httptest.NewRequest(http.MethodPost, "/config", bytes.NewReader(body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleConfigRejectsUnparseableBody(t *testing.T) {
	h := newTestServerHandler(t)
	req := httptest.NewRequest(http.MethodPost, "/config", bytes.NewReader([]byte("{not json")))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleConfigForbiddenWhenMutatorDisabled(t *testing.T) {
	cfg := &config.DrivesConfig{
		MaxPressure: 10.0,
		Categories: map[string]config.DriveDefault{
			"goals": {Weight: 1.0},
		},
	}
	engine := drive.New(cfg, clock.NewReal(), nil)
	g := guardrail.New(&config.GuardrailsConfig{
		WeightMax: 3.0, WeightMin: 0.05, MaxWeightDelta: 1.0,
		MaxManualDelta: 2.0, MaxMutationsPerHour: 100,
	})
	auditLog := audit.New(filepath.Join(t.TempDir(), "audit.jsonl"), 1<<20)
	queuePath := filepath.Join(t.TempDir(), "mutations.json")
	m := mutate.New(engine, &fakeCfgSetters{}, g, auditLog, clock.NewReal(), queuePath)

	srv := New("127.0.0.1:0", Deps{
		Engine:          engine,
		Mutator:         m,
		AuditLog:        auditLog,
		StartTime:       time.Now(),
		RecentMutations: func() []time.Time { return nil },
		Config:          &config.Config{Daemon: config.DaemonConfig{MutatorEnabled: false}},
	})
	h := srv.httpServer.Handler

	body, _ := json.Marshal(map[string]any{"type": "spike_drive", "target": "goals", "value": 1.0})
	req := httptest.NewRequest(http.MethodPost, "/config", bytes.NewReader(body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	require.Equal(t, http.StatusForbidden, w.Code)
}

func TestHandleTriggerTooManyRequestsWhenRateLimited(t *testing.T) {
	h := newTestServerHandlerWithDeps(t, func(deps *Deps) {
		deps.ForceTrigger = func(reason string) error {
			return fmt.Errorf("wrap: %w", ErrRateLimited)
		}
	})
	req := httptest.NewRequest(http.MethodPost, "/trigger", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	require.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestHandleTriggerServiceUnavailableOnDispatchFailure(t *testing.T) {
	h := newTestServerHandlerWithDeps(t, func(deps *Deps) {
		deps.ForceTrigger = func(reason string) error {
			return fmt.Errorf("webhook exploded")
		}
	})
	req := httptest.NewRequest(http.MethodPost, "/trigger", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	require.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHandleTriggerSuccess(t *testing.T) {
	h := newTestServerHandlerWithDeps(t, func(deps *Deps) {
		deps.ForceTrigger = func(reason string) error { return nil }
	})
	req := httptest.NewRequest(http.MethodPost, "/trigger", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
}

func TestHandleMutationsClampsNToRange(t *testing.T) {
	h := newTestServerHandler(t)

	cases := []struct {
		query string
	}{
		{"?n=0"},
		{"?n=-5"},
		{"?n=5000"},
		{"?n=notanumber"},
		{""},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/mutations"+tc.query, nil)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		require.Equal(t, http.StatusOK, w.Code, "query %q", tc.query)
	}
}

func TestHandleMutationsRespectsValidN(t *testing.T) {
	h := newTestServerHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/mutations?n=3", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Contains(t, body, "mutations")
}
