// Package state persists the daemon's full runtime state to disk so a
// restart resumes where it left off: drive pressures, the rolling
// mutation-rate window, and turn/cooldown counters. The evaluator fields
// (EvaluatorDegraded, ConsecutiveFailures, LastProbeTime) are part of the
// file format, but the daemon neither fills them in nor restores them.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/normanking/pulse/internal/clock"
	"github.com/normanking/pulse/internal/drive"
)

// TriggerHistoryEntry records one dispatched (or attempted) trigger:
// what fired it, how much pressure was behind it, and what the webhook
// call did. The list is append-only and capped by AppendTriggerHistory.
type TriggerHistoryEntry struct {
	Timestamp        clock.EpochTime `json:"timestamp"`
	Reason           string          `json:"reason"`
	TopDrive         string          `json:"top_drive"`
	TotalPressure    float64         `json:"total_pressure"`
	WebhookStatus    string          `json:"webhook_status"`
	DispatchedTurnID string          `json:"dispatched_turn_id"`
}

// AppendTriggerHistory appends entry to history, keeping at most max
// entries (oldest dropped first). max <= 0 means unbounded.
func AppendTriggerHistory(history []TriggerHistoryEntry, entry TriggerHistoryEntry, max int) []TriggerHistoryEntry {
	history = append(history, entry)
	if max > 0 && len(history) > max {
		history = history[len(history)-max:]
	}
	return history
}

// File is the full on-disk representation, written atomically by Save and
// read back by Load.
type File struct {
	Drives drive.Snapshot `json:"drives"`

	LastTriggerTime   clock.EpochTime `json:"last_trigger_time"`
	LastTriggerReason string          `json:"last_trigger_reason,omitempty"`

	TriggerHistory []TriggerHistoryEntry `json:"trigger_history,omitempty"`

	TurnsThisHour    int             `json:"turns_this_hour"`
	TurnsWindowStart clock.EpochTime `json:"turns_window_start"`

	RecentMutations []clock.EpochTime `json:"recent_mutations"`

	EvaluatorDegraded   bool            `json:"evaluator_degraded"`
	ConsecutiveFailures int             `json:"consecutive_failures"`
	LastProbeTime       clock.EpochTime `json:"last_probe_time"`

	PersistenceDegraded bool `json:"persistence_degraded"`

	SuggestedTask string `json:"suggested_task,omitempty"`

	SavedAt clock.EpochTime `json:"saved_at"`
}

// Store wraps a single state file on disk with atomic save semantics.
type Store struct {
	path string
}

// New returns a Store rooted at path (typically <state-dir>/state.json).
func New(path string) *Store {
	return &Store{path: path}
}

// Load reads the state file. A missing file returns a zero-value File and
// no error, so a fresh state directory starts from a clean slate.
func (s *Store) Load() (File, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return File{}, nil
	}
	if err != nil {
		return File{}, fmt.Errorf("reading state file %s: %w", s.path, err)
	}
	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return File{}, fmt.Errorf("parsing state file %s: %w", s.path, err)
	}
	return f, nil
}

// Save writes f to disk atomically: it writes to a temp file in the same
// directory, fsyncs it, then renames it over the target path. A crash
// mid-write can never leave a truncated or partially-written state file.
func (s *Store) Save(f File) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating state directory %s: %w", dir, err)
	}

	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling state: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".state-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp state file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp state file: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("renaming temp state file into place: %w", err)
	}
	return nil
}
