// Package guardrail is the pure predicate layer that decides whether a
// proposed mutation is allowed to reach the drive engine at all. It holds
// no state of its own beyond the configured limits; the mutation-rate
// window fed into CheckMutationRate is returned by the mutator to the
// daemon, which persists it.
package guardrail

import (
	"fmt"
	"time"

	"github.com/normanking/pulse/internal/config"
)

// Violation is returned whenever a proposed change falls outside the
// configured limits. Callers can type-assert *Violation to distinguish a
// guardrail rejection from an unrelated error.
type Violation struct {
	Field  string
	Reason string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("guardrail violation on %s: %s", v.Field, v.Reason)
}

// Guardrails evaluates proposed mutations against a fixed set of limits.
type Guardrails struct {
	cfg *config.GuardrailsConfig
}

// New returns a Guardrails backed by cfg.
func New(cfg *config.GuardrailsConfig) *Guardrails {
	return &Guardrails{cfg: cfg}
}

// ValidateWeightChange checks a proposed absolute weight for name. It
// returns the value to apply (possibly clamped to the global bounds) and
// whether clamping occurred. It returns an error, rather than clamping,
// when the drive is protected and the proposed weight would fall below
// WeightProtectedMin, and when the single-step delta exceeds
// MaxWeightDelta.
func (g *Guardrails) ValidateWeightChange(name string, current, proposed float64) (float64, bool, error) {
	if delta := proposed - current; absf(delta) > g.cfg.MaxWeightDelta {
		return 0, false, &Violation{
			Field:  "weight",
			Reason: fmt.Sprintf("delta %.4f exceeds max_weight_delta %.4f", absf(delta), g.cfg.MaxWeightDelta),
		}
	}

	floor := g.cfg.WeightMin
	if config.ProtectedDrives[name] {
		floor = g.cfg.WeightProtectedMin
	}

	if proposed < floor {
		if config.ProtectedDrives[name] {
			return 0, false, &Violation{
				Field:  "weight",
				Reason: fmt.Sprintf("protected drive %q weight cannot fall below %.4f", name, floor),
			}
		}
		return floor, true, nil
	}
	if proposed > g.cfg.WeightMax {
		return g.cfg.WeightMax, true, nil
	}
	return proposed, false, nil
}

// ValidateThresholdChange clamps a proposed trigger_threshold into
// [ThresholdMin, ThresholdMax].
func (g *Guardrails) ValidateThresholdChange(proposed float64) (float64, bool) {
	return clampReport(proposed, g.cfg.ThresholdMin, g.cfg.ThresholdMax)
}

// ValidateRateChange clamps a proposed pressure_rate into [RateMin, RateMax].
func (g *Guardrails) ValidateRateChange(proposed float64) (float64, bool) {
	return clampReport(proposed, g.cfg.RateMin, g.cfg.RateMax)
}

// ValidateCooldownChange clamps a proposed min_trigger_interval, expressed
// in seconds, into [CooldownMinSeconds, CooldownMaxSeconds].
func (g *Guardrails) ValidateCooldownChange(proposedSeconds int) (int, bool) {
	v, clamped := clampReport(float64(proposedSeconds), float64(g.cfg.CooldownMinSeconds), float64(g.cfg.CooldownMaxSeconds))
	return int(v), clamped
}

// ValidateTurnsPerHourChange clamps a proposed max_turns_per_hour into
// [TurnsPerHourMin, TurnsPerHourMax].
func (g *Guardrails) ValidateTurnsPerHourChange(proposed int) (int, bool) {
	v, clamped := clampReport(float64(proposed), float64(g.cfg.TurnsPerHourMin), float64(g.cfg.TurnsPerHourMax))
	return int(v), clamped
}

// ValidateDriveRemoval rejects removal of a protected drive.
func (g *Guardrails) ValidateDriveRemoval(name string) error {
	if config.ProtectedDrives[name] {
		return &Violation{Field: "drive", Reason: fmt.Sprintf("%q is a protected drive and cannot be removed", name)}
	}
	return nil
}

// ValidateDriveCount rejects adding a drive that would push the total
// count beyond MaxDrives.
func (g *Guardrails) ValidateDriveCount(currentCount int) error {
	if currentCount+1 > g.cfg.MaxDrives {
		return &Violation{Field: "drive", Reason: fmt.Sprintf("adding a drive would exceed max_drives %d", g.cfg.MaxDrives)}
	}
	return nil
}

// ValidateManualDelta rejects a manual spike/decay whose magnitude exceeds
// MaxManualDelta.
func (g *Guardrails) ValidateManualDelta(amount float64) error {
	if absf(amount) > g.cfg.MaxManualDelta {
		return &Violation{Field: "amount", Reason: fmt.Sprintf("magnitude %.4f exceeds max_manual_delta %.4f", absf(amount), g.cfg.MaxManualDelta)}
	}
	return nil
}

// ValidateEvolutionDelta rejects a scheduled weight-evolution step whose
// magnitude exceeds MaxEvolutionDelta, the bound applied to automatic
// (not operator-directed) weight changes.
func (g *Guardrails) ValidateEvolutionDelta(delta float64) error {
	if absf(delta) > g.cfg.MaxEvolutionDelta {
		return &Violation{Field: "weight", Reason: fmt.Sprintf("evolution delta %.4f exceeds max_evolution_delta %.4f", absf(delta), g.cfg.MaxEvolutionDelta)}
	}
	return nil
}

// CheckMutationRate rejects a new mutation when the number of mutations
// already recorded within the last hour (relative to now) has reached
// MaxMutationsPerHour. recent is the full history of past mutation
// timestamps; callers typically pass only the tail already known to be
// within the last hour, but CheckMutationRate filters regardless.
func (g *Guardrails) CheckMutationRate(recent []time.Time, now time.Time) error {
	cutoff := now.Add(-time.Hour)
	count := 0
	for _, t := range recent {
		if t.After(cutoff) {
			count++
		}
	}
	if count >= g.cfg.MaxMutationsPerHour {
		return &Violation{
			Field:  "rate",
			Reason: fmt.Sprintf("%d mutations in the last hour reached max_mutations_per_hour %d", count, g.cfg.MaxMutationsPerHour),
		}
	}
	return nil
}

func clampReport(v, min, max float64) (float64, bool) {
	if v < min {
		return min, true
	}
	if v > max {
		return max, true
	}
	return v, false
}

func absf(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
