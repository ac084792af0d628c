// Package evaluator decides, on each loop tick, whether accumulated drive
// pressure is enough to fire a trigger. Two implementations share the
// same Decide contract: a deterministic rule evaluator, and a
// model-backed evaluator that falls back to the rule evaluator when the
// model becomes unreliable.
package evaluator

import (
	"time"

	"github.com/normanking/pulse/internal/drive"
)

// Decision is the full record of one evaluation pass, independent of
// which evaluator produced it.
type Decision struct {
	ShouldTrigger           bool
	Reason                  string
	TotalPressure           float64
	TopDrive                string
	TopDrivePressure        float64
	SensorContext           map[string]any
	Timestamp               time.Time
	RecommendGenerate       bool
	TopDrivePressureSnapshot map[string]float64
	Degraded                bool
	// SuppressFor is set by the model evaluator when the model returns a
	// positive suppress_minutes: the next decisions within this window
	// short-circuit to should_trigger=false without consulting the model.
	SuppressFor time.Duration
}

// Evaluator renders a trigger Decision from the current drive state.
// conversationActive signals that the agent is mid-conversation, which
// unconditionally suppresses triggering regardless of pressure.
type Evaluator interface {
	Decide(drives *drive.Engine, sensorContext map[string]any, conversationActive bool, now time.Time) Decision
}

func pressureSnapshot(drives *drive.Engine) map[string]float64 {
	snap := make(map[string]float64)
	for _, name := range drives.DriveNames() {
		if d, ok := drives.Get(name); ok {
			snap[name] = d.WeightedPressure()
		}
	}
	return snap
}
