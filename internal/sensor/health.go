package sensor

import (
	"context"
	"os/exec"
	"sync"
	"time"
)

// HealthSensor runs a short diagnostic command (e.g. checking disk space
// or a dependent service) and caches the result for cacheTTL so a slow or
// frequently-polled command doesn't run on every loop tick.
type HealthSensor struct {
	command []string
	timeout time.Duration
	cacheTTL time.Duration

	mu        sync.Mutex
	cached    Reading
	cachedAt  time.Time
}

// NewHealthSensor runs command (argv form) with the given per-run timeout,
// caching results for cacheTTL.
func NewHealthSensor(command []string, timeout, cacheTTL time.Duration) *HealthSensor {
	return &HealthSensor{command: command, timeout: timeout, cacheTTL: cacheTTL}
}

// Name implements Sensor.
func (h *HealthSensor) Name() string { return "system_health" }

// Initialize is a no-op.
func (h *HealthSensor) Initialize() error { return nil }

// Stop is a no-op.
func (h *HealthSensor) Stop() error { return nil }

// Read runs the configured command, or returns the cached result if it is
// still fresh.
func (h *HealthSensor) Read(ctx context.Context) Reading {
	h.mu.Lock()
	if time.Since(h.cachedAt) < h.cacheTTL && !h.cachedAt.IsZero() {
		cached := h.cached
		h.mu.Unlock()
		return cached
	}
	h.mu.Unlock()

	if len(h.command) == 0 {
		return Reading{Name: h.Name(), Value: "ok", Timestamp: time.Now()}
	}

	runCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, h.command[0], h.command[1:]...)
	err := cmd.Run()

	r := Reading{Name: h.Name(), Timestamp: time.Now()}
	if err != nil {
		r.Value = "degraded"
		r.Err = err
	} else {
		r.Value = "ok"
	}

	h.mu.Lock()
	h.cached = r
	h.cachedAt = time.Now()
	h.mu.Unlock()

	return r
}
