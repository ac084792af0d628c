package mutate

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/normanking/pulse/internal/audit"
	"github.com/normanking/pulse/internal/clock"
	"github.com/normanking/pulse/internal/config"
	"github.com/normanking/pulse/internal/drive"
	"github.com/normanking/pulse/internal/guardrail"
)

func testGuardrails() *guardrail.Guardrails {
	return guardrail.New(&config.GuardrailsConfig{
		WeightMin:           0.05,
		WeightMax:           3.0,
		WeightProtectedMin:  0.3,
		MaxWeightDelta:      0.5,
		ThresholdMin:        0.2,
		ThresholdMax:        0.95,
		RateMin:             0.001,
		RateMax:             0.1,
		CooldownMinSeconds:  60,
		CooldownMaxSeconds:  3600,
		TurnsPerHourMin:     1,
		TurnsPerHourMax:     30,
		MaxManualDelta:      1.0,
		MaxDrives:           15,
		MaxMutationsPerHour: 10,
		MaxEvolutionDelta:   0.1,
	})
}

func testEngine() *drive.Engine {
	return drive.New(&config.DrivesConfig{
		MaxPressure: 10.0,
		Categories: map[string]config.DriveDefault{
			"goals":     {Weight: 1.0},
			"growth":    {Weight: 1.0},
			"curiosity": {Weight: 0.8},
		},
	}, clock.NewReal(), nil)
}

type fakeCfgSetters struct {
	threshold float64
	rate      float64
	cooldown  int
	turns     int
}

func (f *fakeCfgSetters) TriggerThreshold() float64     { return f.threshold }
func (f *fakeCfgSetters) SetTriggerThreshold(v float64) { f.threshold = v }
func (f *fakeCfgSetters) PressureRate() float64         { return f.rate }
func (f *fakeCfgSetters) SetPressureRate(v float64)     { f.rate = v }
func (f *fakeCfgSetters) CooldownSeconds() int          { return f.cooldown }
func (f *fakeCfgSetters) SetCooldownSeconds(v int)      { f.cooldown = v }
func (f *fakeCfgSetters) TurnsPerHour() int              { return f.turns }
func (f *fakeCfgSetters) SetTurnsPerHour(v int)          { f.turns = v }

func newTestMutator(t *testing.T) (*Mutator, *drive.Engine, *fakeCfgSetters) {
	engine := testEngine()
	cfgSetters := &fakeCfgSetters{threshold: 0.5, rate: 0.05, cooldown: 300, turns: 10}
	auditPath := filepath.Join(t.TempDir(), "audit.jsonl")
	queuePath := filepath.Join(t.TempDir(), "mutations.json")
	m := New(engine, cfgSetters, testGuardrails(), audit.New(auditPath, 1<<20), clock.NewReal(), queuePath)
	return m, engine, cfgSetters
}

func TestApplyNowAdjustWeight(t *testing.T) {
	m, engine, _ := newTestMutator(t)

	rec, _, err := m.ApplyNow(Mutation{Type: TypeAdjustWeight, Target: "curiosity", Value: 1.0}, nil)
	require.NoError(t, err)
	require.Equal(t, audit.OutcomeApplied, rec.Outcome)

	d, _ := engine.Get("curiosity")
	require.Equal(t, 1.0, d.Weight)
}

func TestApplyNowBlocksExcessiveWeightDelta(t *testing.T) {
	m, engine, _ := newTestMutator(t)

	rec, _, err := m.ApplyNow(Mutation{Type: TypeAdjustWeight, Target: "curiosity", Value: 3.2}, nil)
	require.Error(t, err) // delta from 0.8 to 3.2 exceeds max_weight_delta 0.5, so this is blocked
	require.Equal(t, audit.OutcomeBlocked, rec.Outcome)

	d, _ := engine.Get("curiosity")
	require.Equal(t, 0.8, d.Weight)
}

func TestApplyNowRejectsProtectedDriveRemoval(t *testing.T) {
	m, _, _ := newTestMutator(t)

	_, _, err := m.ApplyNow(Mutation{Type: TypeRemoveDrive, Target: "growth"}, nil)
	require.Error(t, err)
}

func TestApplyNowRemovesUnprotectedDrive(t *testing.T) {
	m, engine, _ := newTestMutator(t)

	_, _, err := m.ApplyNow(Mutation{Type: TypeRemoveDrive, Target: "curiosity"}, nil)
	require.NoError(t, err)

	_, ok := engine.Get("curiosity")
	require.False(t, ok)
}

func TestApplyNowAddDriveRejectsDuplicate(t *testing.T) {
	m, _, _ := newTestMutator(t)

	_, _, err := m.ApplyNow(Mutation{Type: TypeAddDrive, Target: "goals", Weight: 1.0}, nil)
	require.Error(t, err)
}

func TestApplyNowSpikeDrive(t *testing.T) {
	m, engine, _ := newTestMutator(t)

	_, _, err := m.ApplyNow(Mutation{Type: TypeSpikeDrive, Target: "goals", Value: 0.5}, nil)
	require.NoError(t, err)

	d, _ := engine.Get("goals")
	require.Equal(t, 0.5, d.Pressure)
}

func TestApplyNowRateLimited(t *testing.T) {
	m, _, _ := newTestMutator(t)

	now := time.Now()
	recent := make([]time.Time, 10)
	for i := range recent {
		recent[i] = now.Add(-time.Duration(i) * time.Minute)
	}

	_, _, err := m.ApplyNow(Mutation{Type: TypeSpikeDrive, Target: "goals", Value: 0.1}, recent)
	require.Error(t, err)
}

func TestEnqueueAndProcessQueue(t *testing.T) {
	m, engine, _ := newTestMutator(t)

	require.NoError(t, m.Enqueue(Mutation{Type: TypeSpikeDrive, Target: "goals", Value: 0.5}))
	require.NoError(t, m.Enqueue(Mutation{Type: TypeSpikeDrive, Target: "growth", Value: 0.5}))

	records, recent, err := m.ProcessQueue(nil)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Len(t, recent, 2)

	d, _ := engine.Get("goals")
	require.Equal(t, 0.5, d.Pressure)
}

func TestProcessQueueClearsAfterDraining(t *testing.T) {
	m, _, _ := newTestMutator(t)

	require.NoError(t, m.Enqueue(Mutation{Type: TypeSpikeDrive, Target: "goals", Value: 0.1}))
	_, _, err := m.ProcessQueue(nil)
	require.NoError(t, err)

	records, _, err := m.ProcessQueue(nil)
	require.NoError(t, err)
	require.Empty(t, records)
}

func TestMutationValidateRequiresFields(t *testing.T) {
	require.Error(t, Mutation{Type: TypeAdjustWeight}.Validate())
	require.NoError(t, Mutation{Type: TypeAdjustWeight, Target: "goals", Value: 1.0}.Validate())
	require.Error(t, Mutation{Type: "bogus"}.Validate())
}
