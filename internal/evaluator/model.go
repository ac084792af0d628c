package evaluator

import (
	"context"
	"sync"
	"time"

	"github.com/normanking/pulse/internal/clock"
	"github.com/normanking/pulse/internal/config"
	"github.com/normanking/pulse/internal/drive"
)

// ModelClient is the narrow interface a model-backed decision source must
// implement. Implementations typically call out to an HTTP inference
// endpoint; none is bundled here since the transport is deployment
// specific.
type ModelClient interface {
	Evaluate(ctx context.Context, drives *drive.Engine, sensorContext map[string]any, conversationActive bool, now time.Time) (Decision, error)
}

// ModelEvaluator delegates to a ModelClient and falls back to a
// RuleEvaluator once FailThreshold consecutive model calls have failed.
// While degraded, it retries the model no more often than
// RecoveryInterval, so a flapping endpoint doesn't add latency to every
// loop tick.
type ModelEvaluator struct {
	cfg      config.ModelEvaluatorConfig
	client   ModelClient
	fallback *RuleEvaluator
	clk      clock.Clock

	mu                  sync.Mutex
	consecutiveFailures int
	degraded            bool
	lastProbeTime       time.Time
	suppressedUntil     time.Time
}

// NewModel returns a ModelEvaluator. fallback handles every decision made
// while the model is considered degraded.
func NewModel(cfg config.ModelEvaluatorConfig, client ModelClient, fallback *RuleEvaluator, clk clock.Clock) *ModelEvaluator {
	return &ModelEvaluator{cfg: cfg, client: client, fallback: fallback, clk: clk}
}

// Decide implements Evaluator. The high-pressure override is checked
// first and wins regardless of everything else — degraded mode,
// suppression, or what the model itself says — per §4.2's "high-pressure
// override always wins, even in model mode."
func (m *ModelEvaluator) Decide(drives *drive.Engine, sensorContext map[string]any, conversationActive bool, now time.Time) Decision {
	if dec, ok := m.fallback.CheckHighPressureOverride(drives, sensorContext, now); ok {
		return dec
	}

	if m.isSuppressed(now) {
		dec := m.fallback.Decide(drives, sensorContext, conversationActive, now)
		dec.ShouldTrigger = false
		dec.Reason = "suppressed_by_evaluator"
		return dec
	}

	if m.shouldSkipModel(now) {
		dec := m.fallback.Decide(drives, sensorContext, conversationActive, now)
		dec.Degraded = true
		return dec
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.Timeout)
	defer cancel()

	dec, err := m.client.Evaluate(ctx, drives, sensorContext, conversationActive, now)
	if err == nil {
		m.recordSuccess()
		if dec.SuppressFor > 0 {
			m.setSuppressedUntil(now.Add(dec.SuppressFor))
		}
		return dec
	}

	m.recordFailure(now)
	fallbackDec := m.fallback.Decide(drives, sensorContext, conversationActive, now)
	fallbackDec.Degraded = true
	return fallbackDec
}

func (m *ModelEvaluator) isSuppressed(now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return now.Before(m.suppressedUntil)
}

func (m *ModelEvaluator) setSuppressedUntil(until time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.suppressedUntil = until
}

func (m *ModelEvaluator) shouldSkipModel(now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.degraded {
		return false
	}
	if now.Sub(m.lastProbeTime) < m.cfg.RecoveryInterval {
		return true
	}
	// Probe window reached: let Decide attempt the model call again.
	m.lastProbeTime = now
	return false
}

func (m *ModelEvaluator) recordSuccess() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consecutiveFailures = 0
	m.degraded = false
}

func (m *ModelEvaluator) recordFailure(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consecutiveFailures++
	if m.consecutiveFailures >= m.cfg.FailThreshold {
		m.degraded = true
		m.lastProbeTime = now
	}
}

// IsDegraded reports whether the evaluator is currently operating in
// fallback mode.
func (m *ModelEvaluator) IsDegraded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.degraded
}
