// Package drive implements the pressure model at the center of Pulse: a
// set of named drives that accumulate pressure over time, decay when a
// trigger succeeds, and spike in response to sensor signals.
package drive

import (
	"fmt"
	"math"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/normanking/pulse/internal/bus"
	"github.com/normanking/pulse/internal/clock"
	"github.com/normanking/pulse/internal/config"
)

// ProportionalDecayScale is the fixed multiplier applied to a drive's share
// of decay on trigger success. The original implementation computes
// decay_total * proportion * 2; the factor of 2 is not configurable there,
// so it is the default here, used whenever
// Config.Drives.ProportionalDecayScale is zero; a non-zero config value
// overrides it.
const ProportionalDecayScale = 2.0

// AdaptiveDecayCap bounds the adaptive decay multiplier applied when total
// pressure is high. The resulting per-drive decay factor is separately
// capped at 1.0, which still brings a drive to zero pressure.
const AdaptiveDecayCap = 3.0

// AdaptiveDecayThreshold is the total-pressure level above which adaptive
// decay scaling kicks in.
const AdaptiveDecayThreshold = 5.0

// Drive is one motivational axis. Pressure accumulates over time and is
// reduced by decay; Weight scales pressure into the engine's priority
// ordering without changing the pressure value itself.
type Drive struct {
	Name     string
	Pressure float64
	Weight   float64
	Sources  []string

	// LastAddressed is the monotonic timestamp of the most recent
	// feedback (success or partial) that named this drive. Zero if the
	// drive has never been addressed.
	LastAddressed time.Time
	// Protected drives cannot be removed and clamp to a higher weight
	// floor; see config.ProtectedDrives.
	Protected bool
	// CreatedAt is set at engine construction for config-seeded drives
	// and at mutation time for drives added at runtime.
	CreatedAt time.Time
}

// WeightedPressure is the value the evaluator and the top-drive selection
// actually compare against thresholds.
func (d *Drive) WeightedPressure() float64 {
	return d.Pressure * d.Weight
}

// Engine owns the full set of drives and the pressure/decay/spike rules
// that govern them. All public methods are safe for concurrent use; the
// daemon loop, sensors, and the mutator all call into the same Engine.
type Engine struct {
	mu     sync.Mutex
	drives map[string]*Drive
	cfg    *config.DrivesConfig
	clk    clock.Clock
	bus    *bus.Bus

	lastSpike     map[string]time.Time
	lastSourceMod map[string]time.Time
}

// New builds an Engine seeded from cfg.Categories. clk and b may be the
// real clock/bus or test doubles.
func New(cfg *config.DrivesConfig, clk clock.Clock, b *bus.Bus) *Engine {
	e := &Engine{
		drives:        make(map[string]*Drive),
		cfg:           cfg,
		clk:           clk,
		bus:           b,
		lastSpike:     make(map[string]time.Time),
		lastSourceMod: make(map[string]time.Time),
	}
	now := clk.Now()
	for name, d := range cfg.Categories {
		e.drives[name] = &Drive{
			Name:      name,
			Pressure:  0,
			Weight:    d.Weight,
			Sources:   d.Sources,
			Protected: config.ProtectedDrives[name],
			CreatedAt: now,
		}
	}
	return e
}

// SpikeDirective is an explicit (drive, delta) instruction carried by a
// sensor reading — e.g. a hypotheses/emotions extraction — applied by
// Tick after time-based accumulation and the source-change scan.
type SpikeDirective struct {
	Drive string
	Delta float64
}

// SourceChangeSpike is the bounded spike applied to a drive when any file
// named in its Sources list has changed since the previous tick.
const SourceChangeSpike = 1.5

// Tick advances every drive's pressure by pressure_rate * (dt/60) * weight,
// clamped to [0, max_pressure]; then, for each drive whose Sources report a
// file-modification change since the previous tick, applies a bounded
// spike (Config.Drives.SpikeAmount, defaulting to SourceChangeSpike); then
// applies any explicit (drive, delta) directives carried by sensor
// readings. Publishes a pressure_tick event with the resulting snapshot. A
// missing source file is treated as no change, not an error.
func (e *Engine) Tick(dt time.Duration, directives []SpikeDirective) {
	e.mu.Lock()
	minutes := dt.Seconds() / 60.0
	for _, d := range e.drives {
		d.Pressure += e.cfg.PressureRate * minutes * d.Weight
		d.Pressure = clamp(d.Pressure, 0, e.cfg.MaxPressure)
	}

	sourceSpike := e.cfg.SpikeAmount
	if sourceSpike == 0 {
		sourceSpike = SourceChangeSpike
	}
	for _, d := range e.drives {
		if e.sourcesChangedLocked(d.Sources) {
			d.Pressure = clamp(d.Pressure+sourceSpike, 0, e.cfg.MaxPressure)
		}
	}

	for _, dir := range directives {
		if d, ok := e.drives[dir.Drive]; ok {
			d.Pressure = clamp(d.Pressure+dir.Delta, 0, e.cfg.MaxPressure)
		}
	}

	snap := e.snapshotLocked()
	e.mu.Unlock()

	if e.bus != nil {
		e.bus.Publish(bus.Event{
			Type:      bus.EventPressureTick,
			Timestamp: e.clk.Now(),
			Payload:   snap,
		})
	}
}

// sourcesChangedLocked reports whether any path in sources has a
// modification time newer than the one recorded at the previous tick,
// updating the recorded time for every path it observes. Must be called
// with e.mu held.
func (e *Engine) sourcesChangedLocked(sources []string) bool {
	changed := false
	for _, path := range sources {
		info, err := os.Stat(path)
		if err != nil {
			continue // missing source file: no change this tick, not an error
		}
		mod := info.ModTime()
		if last, ok := e.lastSourceMod[path]; !ok || mod.After(last) {
			changed = true
		}
		e.lastSourceMod[path] = mod
	}
	return changed
}

// Spike adds amount directly to the named drive's pressure, clamped to
// max_pressure. Used by sensors reacting to a discrete signal (a file
// change, a period of silence) rather than continuous accumulation.
func (e *Engine) Spike(name string, amount float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, ok := e.drives[name]
	if !ok {
		return fmt.Errorf("unknown drive %q", name)
	}
	d.Pressure = clamp(d.Pressure+amount, 0, e.cfg.MaxPressure)
	e.lastSpike[name] = e.clk.Now()
	return nil
}

// SpikeCooldownElapsed reports whether at least d has passed since the
// last spike applied to name (or true if name has never spiked).
func (e *Engine) SpikeCooldownElapsed(name string, d time.Duration) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	last, ok := e.lastSpike[name]
	if !ok {
		return true
	}
	return e.clk.Now().Sub(last) >= d
}

// TotalWeightedPressure sums WeightedPressure across every drive.
func (e *Engine) TotalWeightedPressure() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.totalWeightedLocked()
}

func (e *Engine) totalWeightedLocked() float64 {
	total := 0.0
	for _, d := range e.drives {
		total += d.WeightedPressure()
	}
	return total
}

// TopDrive returns the name and weighted pressure of the highest-pressure
// drive. Ties break on name for determinism.
func (e *Engine) TopDrive() (string, float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.topDriveLocked()
}

func (e *Engine) topDriveLocked() (string, float64) {
	names := make([]string, 0, len(e.drives))
	for name := range e.drives {
		names = append(names, name)
	}
	sort.Strings(names)

	bestName := ""
	bestPressure := math.Inf(-1)
	for _, name := range names {
		wp := e.drives[name].WeightedPressure()
		if wp > bestPressure {
			bestPressure = wp
			bestName = name
		}
	}
	return bestName, bestPressure
}

// FeedbackOutcome classifies a /feedback submission. Only Success and
// Partial cause any decay; Failure is recorded but leaves pressure alone.
type FeedbackOutcome string

const (
	FeedbackSuccess FeedbackOutcome = "success"
	FeedbackPartial FeedbackOutcome = "partial"
	FeedbackFailure FeedbackOutcome = "failure"
)

// decayFraction maps an outcome to the fraction of success_decay applied:
// full decay on success, half on partial, none on failure.
func decayFraction(outcome FeedbackOutcome) float64 {
	switch outcome {
	case FeedbackSuccess:
		return 1.0
	case FeedbackPartial:
		return 0.5
	default:
		return 0.0
	}
}

// PressureDelta is one drive's pressure before and after a feedback
// application, returned to the caller so /feedback can report it.
type PressureDelta struct {
	Before float64
	After  float64
}

// OnTriggerSuccess applies §4.1's decay_top_drive/decay_all split: every
// drive named in addressed gets a full decay (pressure *= (1 -
// success_decay*fraction)); every other drive gets a decay scaled by its
// share of total weighted pressure (the share computed before any decay is
// applied), times ProportionalDecayScale (or the config override), so
// secondary contributors drain proportionally instead of retriggering
// immediately. When AdaptiveDecay is enabled and total weighted pressure
// exceeds AdaptiveDecayThreshold, the non-addressed decay is further
// multiplied, capped at AdaptiveDecayCap. outcome determines the decay
// fraction: success decays fully, partial decays at half strength,
// failure is a no-op that only updates nothing.
func (e *Engine) OnTriggerSuccess(addressed []string, outcome FeedbackOutcome) map[string]PressureDelta {
	e.mu.Lock()
	defer e.mu.Unlock()

	result := make(map[string]PressureDelta, len(addressed))
	for _, name := range addressed {
		if d, ok := e.drives[name]; ok {
			result[name] = PressureDelta{Before: d.Pressure}
		}
	}

	fraction := decayFraction(outcome)
	if fraction <= 0 {
		for name, delta := range result {
			delta.After = delta.Before
			result[name] = delta
		}
		return result
	}

	total := e.totalWeightedLocked()
	effectiveDecay := e.cfg.SuccessDecay * fraction

	addressedSet := make(map[string]bool, len(addressed))
	for _, name := range addressed {
		addressedSet[name] = true
	}

	scale := e.cfg.ProportionalDecayScale
	if scale == 0 {
		scale = ProportionalDecayScale
	}

	adaptive := 1.0
	if e.cfg.AdaptiveDecay && total > AdaptiveDecayThreshold {
		adaptive = math.Min(total/AdaptiveDecayThreshold, AdaptiveDecayCap)
	}

	now := e.clk.Now()
	for name, d := range e.drives {
		switch {
		case addressedSet[name]:
			d.Pressure = clamp(d.Pressure*(1-effectiveDecay), 0, e.cfg.MaxPressure)
			d.LastAddressed = now
		case total > 0:
			share := d.WeightedPressure() / total
			factor := math.Min(effectiveDecay*share*scale*adaptive, 1.0)
			d.Pressure = clamp(d.Pressure*(1-factor), 0, e.cfg.MaxPressure)
		}
	}

	for name, delta := range result {
		delta.After = e.drives[name].Pressure
		result[name] = delta
	}
	return result
}

// OnTriggerFailure boosts the named frustration drive (if present in the
// configured categories) by failure_boost. Callers pass the drive that
// should absorb the frustration signal — typically "system" or a
// dedicated "frustration" category — since which drive represents
// frustration is a deployment choice, not a fixed name.
func (e *Engine) OnTriggerFailure(frustrationDrive string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, ok := e.drives[frustrationDrive]
	if !ok {
		return nil
	}
	d.Pressure = clamp(d.Pressure+e.cfg.FailureBoost, 0, e.cfg.MaxPressure)
	return nil
}

// AddDrive registers a new drive at zero pressure. Guardrail checks (max
// drive count) happen in the mutator before this is called. Drives added
// at runtime are never protected — the protected set is fixed at startup.
func (e *Engine) AddDrive(name string, weight float64, sources []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.drives[name] = &Drive{
		Name:      name,
		Weight:    weight,
		Sources:   sources,
		CreatedAt: e.clk.Now(),
	}
}

// RemoveDrive deletes a drive entirely. Guardrail checks (protected
// drives) happen in the mutator before this is called.
func (e *Engine) RemoveDrive(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.drives, name)
}

// SetWeight overwrites a drive's weight, used by both manual mutation and
// scheduled weight evolution.
func (e *Engine) SetWeight(name string, weight float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, ok := e.drives[name]
	if !ok {
		return fmt.Errorf("unknown drive %q", name)
	}
	d.Weight = weight
	return nil
}

// Decay reduces a single drive's pressure by amount, used by the
// decay_drive mutation.
func (e *Engine) Decay(name string, amount float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, ok := e.drives[name]
	if !ok {
		return fmt.Errorf("unknown drive %q", name)
	}
	d.Pressure = clamp(d.Pressure-amount, 0, e.cfg.MaxPressure)
	return nil
}

// Snapshot is a point-in-time, serialization-friendly copy of every
// drive's state, used by the state store and by /state.
type Snapshot struct {
	Drives map[string]DriveSnapshot `json:"drives"`
}

// DriveSnapshot is one drive's persisted fields.
type DriveSnapshot struct {
	Pressure      float64         `json:"pressure"`
	Weight        float64         `json:"weight"`
	Sources       []string        `json:"sources,omitempty"`
	LastAddressed clock.EpochTime `json:"last_addressed,omitempty"`
	Protected     bool            `json:"protected"`
	CreatedAt     clock.EpochTime `json:"created_at,omitempty"`
}

// Snapshot returns a deep copy of the current drive set.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

func (e *Engine) snapshotLocked() Snapshot {
	out := Snapshot{Drives: make(map[string]DriveSnapshot, len(e.drives))}
	for name, d := range e.drives {
		out.Drives[name] = DriveSnapshot{
			Pressure:      d.Pressure,
			Weight:        d.Weight,
			Sources:       append([]string(nil), d.Sources...),
			LastAddressed: clock.NewEpochTime(d.LastAddressed),
			Protected:     d.Protected,
			CreatedAt:     clock.NewEpochTime(d.CreatedAt),
		}
	}
	return out
}

// Restore replaces the engine's drive set with the contents of snap. Used
// at startup to resume state saved before a restart.
func (e *Engine) Restore(snap Snapshot) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.drives = make(map[string]*Drive, len(snap.Drives))
	for name, d := range snap.Drives {
		e.drives[name] = &Drive{
			Name:          name,
			Pressure:      d.Pressure,
			Weight:        d.Weight,
			Sources:       d.Sources,
			LastAddressed: d.LastAddressed.Time(),
			Protected:     config.ProtectedDrives[name],
			CreatedAt:     d.CreatedAt.Time(),
		}
	}
}

// DriveNames returns the sorted names of every registered drive.
func (e *Engine) DriveNames() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	names := make([]string, 0, len(e.drives))
	for name := range e.drives {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Get returns a copy of the named drive's current state.
func (e *Engine) Get(name string) (Drive, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, ok := e.drives[name]
	if !ok {
		return Drive{}, false
	}
	return *d, true
}

func clamp(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
