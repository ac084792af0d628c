// Package audit implements the append-only mutation log: every attempted
// mutation is recorded here regardless of whether it was applied,
// clamped, or rejected by a guardrail.
package audit

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"

	"github.com/normanking/pulse/internal/clock"
)

// tailChunkSize is the block size used to read an audit log backward from
// its end. Tail stops reading once it has seen enough newlines to satisfy
// the requested count, so it never loads the whole file.
const tailChunkSize = 64 * 1024

// Outcome classifies what happened to a mutation attempt.
type Outcome string

const (
	OutcomeApplied Outcome = "applied"
	OutcomeClamped Outcome = "clamped"
	OutcomeBlocked Outcome = "blocked"
	OutcomeError   Outcome = "error"
)

// Record is one line of the audit log. Append assigns an ID when the
// caller leaves it empty, so every record it writes has a stable identity
// for external correlation (e.g. `pulse mutate` output referenced later in
// a support ticket). Lines written before this field existed have no ID.
type Record struct {
	ID           string          `json:"id,omitempty"`
	Timestamp    clock.EpochTime `json:"timestamp"`
	MutationType string          `json:"mutation_type"`
	Target       string          `json:"target"`
	Before       any             `json:"before,omitempty"`
	After        any             `json:"after,omitempty"`
	Reason       string          `json:"reason,omitempty"`
	Outcome      Outcome         `json:"outcome"`
	ClampedFrom  any             `json:"clamped_from,omitempty"`
}

// Log is an append-only JSONL file with size-capped rotation: once the
// file exceeds maxBytes, it is renamed to a .old sibling (overwriting any
// previous .old) and a fresh file is started.
type Log struct {
	path     string
	maxBytes int64
}

// New returns a Log rooted at path, rotating to path+".old" once the file
// grows past maxBytes.
func New(path string, maxBytes int64) *Log {
	return &Log{path: path, maxBytes: maxBytes}
}

// Append writes r as a single JSON line, rotating first if necessary. If r
// has no ID, one is generated.
func (l *Log) Append(r Record) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if err := l.rotateIfNeeded(); err != nil {
		return fmt.Errorf("rotating audit log: %w", err)
	}

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening audit log %s: %w", l.path, err)
	}
	defer f.Close()

	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshaling audit record: %w", err)
	}
	data = append(data, '\n')

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("appending to audit log %s: %w", l.path, err)
	}
	return nil
}

func (l *Log) rotateIfNeeded() error {
	if l.maxBytes <= 0 {
		return nil
	}
	info, err := os.Stat(l.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.Size() < l.maxBytes {
		return nil
	}
	return os.Rename(l.path, l.path+".old")
}

// Tail returns up to n most recent records, reading only the current log
// file (not the rotated .old file) and only as many trailing bytes as are
// needed to find n lines, never the whole file.
func (l *Log) Tail(n int) ([]Record, error) {
	f, err := os.Open(l.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening audit log %s: %w", l.path, err)
	}
	defer f.Close()

	lines, err := tailLines(f, n)
	if err != nil {
		return nil, fmt.Errorf("reading audit log %s: %w", l.path, err)
	}

	records := make([]Record, 0, len(lines))
	for _, line := range lines {
		var r Record
		if err := json.Unmarshal(line, &r); err != nil {
			continue
		}
		records = append(records, r)
	}
	return records, nil
}

// tailLines returns up to the last n non-empty lines of f, reading
// backward in fixed-size chunks and stopping as soon as n lines have been
// seen (or the start of the file is reached).
func tailLines(f *os.File, n int) ([][]byte, error) {
	if n <= 0 {
		return nil, nil
	}

	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, err
	}

	var buf []byte
	pos := size
	newlines := 0
	for pos > 0 && newlines <= n {
		chunkSize := int64(tailChunkSize)
		if chunkSize > pos {
			chunkSize = pos
		}
		pos -= chunkSize

		chunk := make([]byte, chunkSize)
		if _, err := f.ReadAt(chunk, pos); err != nil && err != io.EOF {
			return nil, err
		}
		newlines += bytes.Count(chunk, []byte("\n"))
		buf = append(chunk, buf...)
	}

	trimmed := bytes.Trim(buf, "\n")
	if len(trimmed) == 0 {
		return nil, nil
	}
	lines := bytes.Split(trimmed, []byte("\n"))
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}
