package evaluator

import (
	"math"
	"time"

	"github.com/normanking/pulse/internal/config"
	"github.com/normanking/pulse/internal/drive"
)

// RuleEvaluator is the deterministic evaluator: conversation suppression,
// then a high-pressure override gated on idle time, then the ordinary
// threshold check (total pressure past threshold, guarded by a minimum
// per-drive floor so a crowd of tiny drives can't sum to a false
// trigger).
type RuleEvaluator struct {
	cfg *config.DrivesConfig
}

// NewRule returns a RuleEvaluator bound to cfg.
func NewRule(cfg *config.DrivesConfig) *RuleEvaluator {
	return &RuleEvaluator{cfg: cfg}
}

// Decide implements Evaluator.
func (r *RuleEvaluator) Decide(drives *drive.Engine, sensorContext map[string]any, conversationActive bool, now time.Time) Decision {
	total := drives.TotalWeightedPressure()
	topName, topPressure := drives.TopDrive()

	dec := Decision{
		TotalPressure:            total,
		TopDrive:                 topName,
		TopDrivePressure:         topPressure,
		SensorContext:            sensorContext,
		Timestamp:                now,
		TopDrivePressureSnapshot: pressureSnapshot(drives),
	}

	if conversationActive {
		dec.Reason = "conversation_active"
		return dec
	}

	if r.cfg.HighPressureThreshold > 0 && total > r.cfg.HighPressureThreshold && idleSince(sensorContext, now) > r.cfg.IdleWindow {
		dec.ShouldTrigger = true
		dec.Reason = "high_pressure_override"
		return dec
	}

	if total >= r.cfg.TriggerThreshold && anyDriveExceedsFloor(dec.TopDrivePressureSnapshot, r.cfg.ExceptionFloor) {
		dec.ShouldTrigger = true
		dec.Reason = "threshold_exceeded"
		return dec
	}

	if total >= 0.8*r.cfg.TriggerThreshold {
		dec.RecommendGenerate = true
		dec.Reason = "approaching_threshold"
		return dec
	}

	dec.Reason = "below_threshold"
	return dec
}

// CheckHighPressureOverride evaluates only the high-pressure override,
// independent of conversation suppression or the ordinary threshold
// check. The model evaluator calls this on every decision because the
// override always wins, even in model mode.
func (r *RuleEvaluator) CheckHighPressureOverride(drives *drive.Engine, sensorContext map[string]any, now time.Time) (Decision, bool) {
	total := drives.TotalWeightedPressure()
	if r.cfg.HighPressureThreshold <= 0 || total <= r.cfg.HighPressureThreshold {
		return Decision{}, false
	}
	if idleSince(sensorContext, now) <= r.cfg.IdleWindow {
		return Decision{}, false
	}
	topName, topPressure := drives.TopDrive()
	return Decision{
		ShouldTrigger:            true,
		Reason:                   "high_pressure_override",
		TotalPressure:            total,
		TopDrive:                 topName,
		TopDrivePressure:         topPressure,
		SensorContext:            sensorContext,
		Timestamp:                now,
		TopDrivePressureSnapshot: pressureSnapshot(drives),
	}, true
}

// idleSince returns how long it has been since the last conversation
// activity signal, derived from sensorContext["conversation"] (a
// time.Time of the last observed message). No signal at all is treated
// as infinitely idle, so the override isn't blocked by a sensor that
// never reported.
func idleSince(sensorContext map[string]any, now time.Time) time.Duration {
	v, ok := sensorContext["conversation"]
	if !ok {
		return time.Duration(math.MaxInt64)
	}
	t, ok := v.(time.Time)
	if !ok || t.IsZero() {
		return time.Duration(math.MaxInt64)
	}
	return now.Sub(t)
}

// anyDriveExceedsFloor reports whether any drive's weighted pressure
// clears the EXCEPTION-rule floor — the guard that keeps many tiny
// drives from summing past trigger_threshold on their own.
func anyDriveExceedsFloor(weighted map[string]float64, floor float64) bool {
	for _, wp := range weighted {
		if wp > floor {
			return true
		}
	}
	return false
}
