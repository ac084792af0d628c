// Package mutate implements the guardrail-checked mutation pipeline: a
// durable queue of pending changes, a single in-process applier, and the
// per-mutation-type handlers that translate a mutation request into calls
// on the drive engine.
package mutate

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/normanking/pulse/internal/audit"
	"github.com/normanking/pulse/internal/clock"
	"github.com/normanking/pulse/internal/drive"
	"github.com/normanking/pulse/internal/guardrail"
	"github.com/normanking/pulse/internal/lockfile"
	"github.com/normanking/pulse/internal/metrics"
)

// Type names one kind of mutation.
type Type string

const (
	TypeAdjustWeight       Type = "adjust_weight"
	TypeAdjustThreshold    Type = "adjust_threshold"
	TypeAdjustRate         Type = "adjust_rate"
	TypeAdjustCooldown     Type = "adjust_cooldown"
	TypeAdjustTurnsPerHour Type = "adjust_turns_per_hour"
	TypeAddDrive           Type = "add_drive"
	TypeRemoveDrive        Type = "remove_drive"
	TypeSpikeDrive         Type = "spike_drive"
	TypeDecayDrive         Type = "decay_drive"
)

// requiredFields lists, per mutation type, which Mutation fields must be
// set for the mutation to be well-formed at all (before any guardrail is
// consulted).
var requiredFields = map[Type][]string{
	TypeAdjustWeight:       {"target", "value"},
	TypeAdjustThreshold:    {"value"},
	TypeAdjustRate:         {"value"},
	TypeAdjustCooldown:     {"value"},
	TypeAdjustTurnsPerHour: {"value"},
	TypeAddDrive:           {"target", "weight"},
	TypeRemoveDrive:        {"target"},
	TypeSpikeDrive:         {"target", "value"},
	TypeDecayDrive:         {"target", "value"},
}

// Mutation is one requested change, arriving either from the mutation
// queue file or directly from the /config HTTP endpoint.
type Mutation struct {
	Type    Type     `json:"type"`
	Target  string   `json:"target,omitempty"`
	Value   float64  `json:"value,omitempty"`
	Weight  float64  `json:"weight,omitempty"`
	Sources []string `json:"sources,omitempty"`
	Reason  string    `json:"reason,omitempty"`
}

// Validate checks that every field requiredFields names for m.Type is
// present (non-zero). It does not consult guardrails.
func (m Mutation) Validate() error {
	fields, ok := requiredFields[m.Type]
	if !ok {
		return fmt.Errorf("unknown mutation type %q", m.Type)
	}
	for _, f := range fields {
		switch f {
		case "target":
			if m.Target == "" {
				return fmt.Errorf("mutation type %q requires target", m.Type)
			}
		case "value":
			if m.Value == 0 {
				return fmt.Errorf("mutation type %q requires a non-zero value", m.Type)
			}
		case "weight":
			if m.Weight == 0 {
				return fmt.Errorf("mutation type %q requires a non-zero weight", m.Type)
			}
		}
	}
	return nil
}

// Setters is the narrow interface the mutator needs from the drive engine
// and the evaluator/daemon's mutable config, kept separate from the
// concrete types so tests can substitute fakes.
type Setters interface {
	SetWeight(name string, weight float64) error
	AddDrive(name string, weight float64, sources []string)
	RemoveDrive(name string)
	Spike(name string, amount float64) error
	Decay(name string, amount float64) error
	Get(name string) (drive.Drive, bool)
	DriveNames() []string
}

// ConfigSetters lets the mutator adjust the scalar config fields that are
// not per-drive (threshold, rate, cooldown, turns-per-hour). The daemon
// implements this directly over its live *config.Config.
type ConfigSetters interface {
	TriggerThreshold() float64
	SetTriggerThreshold(float64)
	PressureRate() float64
	SetPressureRate(float64)
	CooldownSeconds() int
	SetCooldownSeconds(int)
	TurnsPerHour() int
	SetTurnsPerHour(int)
}

// Mutator applies mutations to a drive engine and scalar config, checking
// every change against guardrails and recording it to the audit log
// regardless of outcome. A mutation that fails Validate in ApplyNow is
// returned as an error and is not recorded to the audit log.
type Mutator struct {
	engine     Setters
	cfgSetters ConfigSetters
	guardrails *guardrail.Guardrails
	auditLog   *audit.Log
	clk        clock.Clock

	queuePath string
	lock      *lockfile.QueueLock
	mu        sync.Mutex
}

// New returns a Mutator. queuePath is the JSON file used to durably queue
// mutations between an external writer (`pulse mutate` when the daemon
// is unreachable) and the daemon loop that calls ProcessQueue.
func New(engine Setters, cfgSetters ConfigSetters, g *guardrail.Guardrails, auditLog *audit.Log, clk clock.Clock, queuePath string) *Mutator {
	return &Mutator{
		engine:     engine,
		cfgSetters: cfgSetters,
		guardrails: g,
		auditLog:   auditLog,
		clk:        clk,
		queuePath:  queuePath,
		lock:       lockfile.NewQueueLock(queuePath),
	}
}

// Enqueue appends m to the durable queue file under the queue lock. The
// daemon's own periodic ProcessQueue call drains it; `pulse mutate` calls
// Enqueue when the daemon is unreachable.
func (m *Mutator) Enqueue(mut Mutation) error {
	if err := mut.Validate(); err != nil {
		return err
	}

	if err := m.lock.Lock(); err != nil {
		return fmt.Errorf("locking mutation queue: %w", err)
	}
	defer m.lock.Unlock()

	queue, err := m.readQueueLocked()
	if err != nil {
		return err
	}
	queue = append(queue, mut)
	return m.writeQueueLocked(queue)
}

func (m *Mutator) readQueueLocked() ([]Mutation, error) {
	data, err := os.ReadFile(m.queuePath)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading mutation queue %s: %w", m.queuePath, err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	var queue []Mutation
	if err := json.Unmarshal(data, &queue); err != nil {
		return nil, fmt.Errorf("parsing mutation queue %s: %w", m.queuePath, err)
	}
	return queue, nil
}

func (m *Mutator) writeQueueLocked(queue []Mutation) error {
	data, err := json.Marshal(queue)
	if err != nil {
		return fmt.Errorf("marshaling mutation queue: %w", err)
	}
	return os.WriteFile(m.queuePath, data, 0o644)
}

// ProcessQueue drains the durable queue file and applies every mutation
// in order. The queue is cleared while the file lock is held, then
// mutations are applied outside the lock so a slow apply cannot stall
// other writers of the queue file.
//
// recentMutations is the caller's rolling-hour mutation timestamp history,
// used for rate limiting; ProcessQueue returns the updated history
// (including any mutations applied in this call) for the caller to
// persist.
func (m *Mutator) ProcessQueue(recentMutations []time.Time) ([]audit.Record, []time.Time, error) {
	if err := m.lock.Lock(); err != nil {
		return nil, recentMutations, fmt.Errorf("locking mutation queue: %w", err)
	}
	queue, err := m.readQueueLocked()
	if err != nil {
		m.lock.Unlock()
		return nil, recentMutations, err
	}
	if len(queue) > 0 {
		if err := m.writeQueueLocked(nil); err != nil {
			m.lock.Unlock()
			return nil, recentMutations, fmt.Errorf("clearing mutation queue: %w", err)
		}
	}
	m.lock.Unlock()

	var records []audit.Record
	for _, mut := range queue {
		rec, updated := m.applyOne(mut, recentMutations)
		recentMutations = updated
		records = append(records, rec)
		if err := m.auditLog.Append(rec); err != nil {
			return records, recentMutations, fmt.Errorf("writing audit record: %w", err)
		}
	}
	return records, recentMutations, nil
}

// ApplyNow validates, rate-limits, and applies a single mutation
// immediately, bypassing the durable queue. Used by the /config HTTP
// endpoint, which `pulse mutate` posts to.
func (m *Mutator) ApplyNow(mut Mutation, recentMutations []time.Time) (audit.Record, []time.Time, error) {
	if err := mut.Validate(); err != nil {
		return audit.Record{}, recentMutations, err
	}
	rec, updated := m.applyOne(mut, recentMutations)
	if err := m.auditLog.Append(rec); err != nil {
		return rec, updated, fmt.Errorf("writing audit record: %w", err)
	}
	if rec.Outcome == audit.OutcomeError || rec.Outcome == audit.OutcomeBlocked {
		return rec, updated, fmt.Errorf("%s", rec.Reason)
	}
	return rec, updated, nil
}

func (m *Mutator) applyOne(mut Mutation, recentMutations []time.Time) (audit.Record, []time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clk.Now()
	rec := audit.Record{
		Timestamp:    clock.NewEpochTime(now),
		MutationType: string(mut.Type),
		Target:       mut.Target,
		Reason:       mut.Reason,
	}

	if err := m.guardrails.CheckMutationRate(recentMutations, now); err != nil {
		rec.Outcome = audit.OutcomeBlocked
		rec.Reason = err.Error()
		metrics.MutationsTotal.WithLabelValues(string(audit.OutcomeBlocked)).Inc()
		return rec, recentMutations
	}

	outcome, before, after, clampedFrom, applyErr := m.dispatch(mut)
	rec.Outcome = outcome
	rec.Before = before
	rec.After = after
	rec.ClampedFrom = clampedFrom
	if applyErr != nil {
		rec.Reason = applyErr.Error()
	}
	metrics.MutationsTotal.WithLabelValues(string(outcome)).Inc()

	if outcome == audit.OutcomeApplied || outcome == audit.OutcomeClamped {
		recentMutations = append(recentMutations, now)
	}
	return rec, recentMutations
}

func (m *Mutator) dispatch(mut Mutation) (outcome audit.Outcome, before, after, clampedFrom any, err error) {
	switch mut.Type {
	case TypeAdjustWeight:
		return m.adjustWeight(mut)
	case TypeAdjustThreshold:
		return m.adjustThreshold(mut)
	case TypeAdjustRate:
		return m.adjustRate(mut)
	case TypeAdjustCooldown:
		return m.adjustCooldown(mut)
	case TypeAdjustTurnsPerHour:
		return m.adjustTurnsPerHour(mut)
	case TypeAddDrive:
		return m.addDrive(mut)
	case TypeRemoveDrive:
		return m.removeDrive(mut)
	case TypeSpikeDrive:
		return m.spikeDrive(mut)
	case TypeDecayDrive:
		return m.decayDrive(mut)
	default:
		return audit.OutcomeError, nil, nil, nil, fmt.Errorf("unknown mutation type %q", mut.Type)
	}
}

func (m *Mutator) adjustWeight(mut Mutation) (audit.Outcome, any, any, any, error) {
	d, ok := m.engine.Get(mut.Target)
	if !ok {
		return audit.OutcomeError, nil, nil, nil, fmt.Errorf("unknown drive %q", mut.Target)
	}
	proposed, clamped, err := m.guardrails.ValidateWeightChange(mut.Target, d.Weight, mut.Value)
	if err != nil {
		return audit.OutcomeBlocked, d.Weight, nil, nil, err
	}
	if err := m.engine.SetWeight(mut.Target, proposed); err != nil {
		return audit.OutcomeError, d.Weight, nil, nil, err
	}
	if clamped {
		return audit.OutcomeClamped, d.Weight, proposed, mut.Value, nil
	}
	return audit.OutcomeApplied, d.Weight, proposed, nil, nil
}

func (m *Mutator) adjustThreshold(mut Mutation) (audit.Outcome, any, any, any, error) {
	before := m.cfgSetters.TriggerThreshold()
	proposed, clamped := m.guardrails.ValidateThresholdChange(mut.Value)
	m.cfgSetters.SetTriggerThreshold(proposed)
	if clamped {
		return audit.OutcomeClamped, before, proposed, mut.Value, nil
	}
	return audit.OutcomeApplied, before, proposed, nil, nil
}

func (m *Mutator) adjustRate(mut Mutation) (audit.Outcome, any, any, any, error) {
	before := m.cfgSetters.PressureRate()
	proposed, clamped := m.guardrails.ValidateRateChange(mut.Value)
	m.cfgSetters.SetPressureRate(proposed)
	if clamped {
		return audit.OutcomeClamped, before, proposed, mut.Value, nil
	}
	return audit.OutcomeApplied, before, proposed, nil, nil
}

func (m *Mutator) adjustCooldown(mut Mutation) (audit.Outcome, any, any, any, error) {
	before := m.cfgSetters.CooldownSeconds()
	proposed, clamped := m.guardrails.ValidateCooldownChange(int(mut.Value))
	m.cfgSetters.SetCooldownSeconds(proposed)
	if clamped {
		return audit.OutcomeClamped, before, proposed, mut.Value, nil
	}
	return audit.OutcomeApplied, before, proposed, nil, nil
}

func (m *Mutator) adjustTurnsPerHour(mut Mutation) (audit.Outcome, any, any, any, error) {
	before := m.cfgSetters.TurnsPerHour()
	proposed, clamped := m.guardrails.ValidateTurnsPerHourChange(int(mut.Value))
	m.cfgSetters.SetTurnsPerHour(proposed)
	if clamped {
		return audit.OutcomeClamped, before, proposed, mut.Value, nil
	}
	return audit.OutcomeApplied, before, proposed, nil, nil
}

func (m *Mutator) addDrive(mut Mutation) (audit.Outcome, any, any, any, error) {
	if err := m.guardrails.ValidateDriveCount(len(m.engine.DriveNames())); err != nil {
		return audit.OutcomeBlocked, nil, nil, nil, err
	}
	if _, exists := m.engine.Get(mut.Target); exists {
		return audit.OutcomeError, nil, nil, nil, fmt.Errorf("drive %q already exists", mut.Target)
	}
	m.engine.AddDrive(mut.Target, mut.Weight, mut.Sources)
	return audit.OutcomeApplied, nil, mut.Weight, nil, nil
}

func (m *Mutator) removeDrive(mut Mutation) (audit.Outcome, any, any, any, error) {
	if err := m.guardrails.ValidateDriveRemoval(mut.Target); err != nil {
		return audit.OutcomeBlocked, nil, nil, nil, err
	}
	if _, ok := m.engine.Get(mut.Target); !ok {
		return audit.OutcomeError, nil, nil, nil, fmt.Errorf("unknown drive %q", mut.Target)
	}
	m.engine.RemoveDrive(mut.Target)
	return audit.OutcomeApplied, mut.Target, nil, nil, nil
}

func (m *Mutator) spikeDrive(mut Mutation) (audit.Outcome, any, any, any, error) {
	if err := m.guardrails.ValidateManualDelta(mut.Value); err != nil {
		return audit.OutcomeBlocked, nil, nil, nil, err
	}
	d, ok := m.engine.Get(mut.Target)
	if !ok {
		return audit.OutcomeError, nil, nil, nil, fmt.Errorf("unknown drive %q", mut.Target)
	}
	if err := m.engine.Spike(mut.Target, mut.Value); err != nil {
		return audit.OutcomeError, d.Pressure, nil, nil, err
	}
	after, _ := m.engine.Get(mut.Target)
	return audit.OutcomeApplied, d.Pressure, after.Pressure, nil, nil
}

func (m *Mutator) decayDrive(mut Mutation) (audit.Outcome, any, any, any, error) {
	if err := m.guardrails.ValidateManualDelta(mut.Value); err != nil {
		return audit.OutcomeBlocked, nil, nil, nil, err
	}
	d, ok := m.engine.Get(mut.Target)
	if !ok {
		return audit.OutcomeError, nil, nil, nil, fmt.Errorf("unknown drive %q", mut.Target)
	}
	if err := m.engine.Decay(mut.Target, mut.Value); err != nil {
		return audit.OutcomeError, d.Pressure, nil, nil, err
	}
	after, _ := m.engine.Get(mut.Target)
	return audit.OutcomeApplied, d.Pressure, after.Pressure, nil, nil
}
