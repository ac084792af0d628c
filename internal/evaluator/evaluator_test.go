package evaluator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/normanking/pulse/internal/clock"
	"github.com/normanking/pulse/internal/config"
	"github.com/normanking/pulse/internal/drive"
)

func testDrivesConfig() *config.DrivesConfig {
	return &config.DrivesConfig{
		MaxPressure:           10.0,
		TriggerThreshold:      5.0,
		ExceptionFloor:        1.5,
		HighPressureThreshold: 9.0,
		IdleWindow:            30 * time.Minute,
		Categories: map[string]config.DriveDefault{
			"goals":  {Weight: 1.0},
			"growth": {Weight: 1.0},
			"system": {Weight: 1.0},
		},
	}
}

func TestRuleEvaluatorSuppressesDuringConversation(t *testing.T) {
	cfg := testDrivesConfig()
	e := drive.New(cfg, clock.NewReal(), nil)
	r := NewRule(cfg)

	dec := r.Decide(e, nil, true, time.Now())
	require.False(t, dec.ShouldTrigger)
	require.Equal(t, "conversation_active", dec.Reason)
}

func TestRuleEvaluatorFloorGuardBlocksManySmallDrives(t *testing.T) {
	// Six drives each at weighted pressure 0.85 sum to 5.1 (over the 5.0
	// threshold) but none individually clears the 1.5 floor, so this must
	// not trigger.
	cfg := testDrivesConfig()
	cfg.Categories = map[string]config.DriveDefault{
		"a": {Weight: 1.0}, "b": {Weight: 1.0}, "c": {Weight: 1.0},
		"d": {Weight: 1.0}, "e": {Weight: 1.0}, "f": {Weight: 1.0},
	}
	e := drive.New(cfg, clock.NewReal(), nil)
	for _, name := range []string{"a", "b", "c", "d", "e", "f"} {
		require.NoError(t, e.Spike(name, 0.85))
	}

	r := NewRule(cfg)
	dec := r.Decide(e, nil, false, time.Now())
	require.False(t, dec.ShouldTrigger)
	require.True(t, dec.RecommendGenerate)
}

func TestRuleEvaluatorFloorGuardAllowsOneBigDrive(t *testing.T) {
	// One drive at 5.1 clears both the threshold and the floor.
	cfg := testDrivesConfig()
	e := drive.New(cfg, clock.NewReal(), nil)
	require.NoError(t, e.Spike("goals", 5.1))

	r := NewRule(cfg)
	dec := r.Decide(e, nil, false, time.Now())
	require.True(t, dec.ShouldTrigger)
	require.Equal(t, "threshold_exceeded", dec.Reason)
}

func TestRuleEvaluatorHighPressureOverrideRequiresIdle(t *testing.T) {
	cfg := testDrivesConfig()
	e := drive.New(cfg, clock.NewReal(), nil)
	require.NoError(t, e.Spike("goals", 9.5))
	now := time.Now()

	r := NewRule(cfg)

	// Conversation active 5 minutes ago: well within idle_window, so the
	// override must not fire even though total pressure clears it. The
	// ordinary threshold check (9.5 >= 5.0, goals above the floor) still
	// triggers instead.
	recent := map[string]any{"conversation": now.Add(-5 * time.Minute)}
	dec := r.Decide(e, recent, false, now)
	require.Equal(t, "threshold_exceeded", dec.Reason)

	// Idle for longer than idle_window: override fires.
	stale := map[string]any{"conversation": now.Add(-31 * time.Minute)}
	dec = r.Decide(e, stale, false, now)
	require.True(t, dec.ShouldTrigger)
	require.Equal(t, "high_pressure_override", dec.Reason)
}

func TestRuleEvaluatorThresholdExceeded(t *testing.T) {
	cfg := testDrivesConfig()
	e := drive.New(cfg, clock.NewReal(), nil)
	require.NoError(t, e.Spike("goals", 6.0))

	r := NewRule(cfg)
	dec := r.Decide(e, nil, false, time.Now())
	require.True(t, dec.ShouldTrigger)
	require.Equal(t, "threshold_exceeded", dec.Reason)
}

func TestRuleEvaluatorRecommendsGenerateNearThreshold(t *testing.T) {
	cfg := testDrivesConfig()
	e := drive.New(cfg, clock.NewReal(), nil)
	require.NoError(t, e.Spike("goals", 4.5)) // 0.8*5.0 == 4.0, so 4.5 qualifies

	r := NewRule(cfg)
	dec := r.Decide(e, nil, false, time.Now())
	require.False(t, dec.ShouldTrigger)
	require.True(t, dec.RecommendGenerate)
}

func TestRuleEvaluatorBelowThreshold(t *testing.T) {
	cfg := testDrivesConfig()
	e := drive.New(cfg, clock.NewReal(), nil)

	r := NewRule(cfg)
	dec := r.Decide(e, nil, false, time.Now())
	require.False(t, dec.ShouldTrigger)
	require.False(t, dec.RecommendGenerate)
	require.Equal(t, "below_threshold", dec.Reason)
}

type fakeModelClient struct {
	err  error
	dec  Decision
}

func (f *fakeModelClient) Evaluate(ctx context.Context, drives *drive.Engine, sensorContext map[string]any, conversationActive bool, now time.Time) (Decision, error) {
	if f.err != nil {
		return Decision{}, f.err
	}
	return f.dec, nil
}

func TestModelEvaluatorUsesModelWhenHealthy(t *testing.T) {
	cfg := testDrivesConfig()
	e := drive.New(cfg, clock.NewReal(), nil)
	client := &fakeModelClient{dec: Decision{ShouldTrigger: true, Reason: "model_says_so"}}

	m := NewModel(config.ModelEvaluatorConfig{Timeout: time.Second, FailThreshold: 2, RecoveryInterval: time.Minute}, client, NewRule(cfg), clock.NewReal())

	dec := m.Decide(e, nil, false, time.Now())
	require.True(t, dec.ShouldTrigger)
	require.Equal(t, "model_says_so", dec.Reason)
	require.False(t, dec.Degraded)
}

func TestModelEvaluatorDegradesAfterConsecutiveFailures(t *testing.T) {
	cfg := testDrivesConfig()
	e := drive.New(cfg, clock.NewReal(), nil)
	client := &fakeModelClient{err: errors.New("connection refused")}

	m := NewModel(config.ModelEvaluatorConfig{Timeout: time.Second, FailThreshold: 2, RecoveryInterval: time.Hour}, client, NewRule(cfg), clock.NewReal())

	now := time.Now()
	dec1 := m.Decide(e, nil, false, now)
	require.True(t, dec1.Degraded)
	require.False(t, m.IsDegraded()) // first failure alone shouldn't degrade

	dec2 := m.Decide(e, nil, false, now)
	require.True(t, dec2.Degraded)
	require.True(t, m.IsDegraded()) // second consecutive failure crosses FailThreshold
}

func TestModelEvaluatorRecoversAfterProbeInterval(t *testing.T) {
	cfg := testDrivesConfig()
	e := drive.New(cfg, clock.NewReal(), nil)
	client := &fakeModelClient{err: errors.New("down")}

	m := NewModel(config.ModelEvaluatorConfig{Timeout: time.Second, FailThreshold: 1, RecoveryInterval: time.Minute}, client, NewRule(cfg), clock.NewReal())

	now := time.Now()
	m.Decide(e, nil, false, now)
	require.True(t, m.IsDegraded())

	// Still within the recovery interval: skip the model, stay degraded.
	m.Decide(e, nil, false, now.Add(30*time.Second))
	require.True(t, m.IsDegraded())

	// Model recovers on the next probe attempt.
	client.err = nil
	client.dec = Decision{ShouldTrigger: false, Reason: "model_recovered"}
	dec := m.Decide(e, nil, false, now.Add(2*time.Minute))
	require.False(t, dec.Degraded)
	require.False(t, m.IsDegraded())
}
