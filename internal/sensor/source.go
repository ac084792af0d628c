package sensor

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"time"
)

// SourceFinding is one entry extracted from a scraped source file, enough
// for the daemon to decide whether to spike a drive.
type SourceFinding struct {
	Drive  string
	Amount float64
}

// SourceExtractor pulls drive-relevant findings out of a decoded JSON
// document. Each source file type (hypotheses, emotions) has its own
// extractor since their shapes differ.
type SourceExtractor func(doc any) []SourceFinding

// SourceSensor reads a JSON file and, only when its mtime has changed
// since the last read, re-parses it and runs extract over the contents.
// Unchanged files return the cached findings without re-reading the file.
type SourceSensor struct {
	name    string
	path    string
	extract SourceExtractor

	mu       sync.Mutex
	lastMod  time.Time
	cached   []SourceFinding
}

// NewSourceSensor reads path, calling extract on the decoded JSON body
// whenever the file's mtime advances.
func NewSourceSensor(name, path string, extract SourceExtractor) *SourceSensor {
	return &SourceSensor{name: name, path: path, extract: extract}
}

// Name implements Sensor.
func (s *SourceSensor) Name() string { return s.name }

// Initialize is a no-op.
func (s *SourceSensor) Initialize() error { return nil }

// Stop is a no-op.
func (s *SourceSensor) Stop() error { return nil }

// Read returns the cached findings unless the underlying file's mtime has
// advanced, in which case it re-reads and re-extracts first.
func (s *SourceSensor) Read(ctx context.Context) Reading {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, err := os.Stat(s.path)
	if os.IsNotExist(err) {
		return Reading{Name: s.name, Value: []SourceFinding(nil), Timestamp: time.Now()}
	}
	if err != nil {
		return Reading{Name: s.name, Err: err, Timestamp: time.Now()}
	}

	if !info.ModTime().After(s.lastMod) {
		return Reading{Name: s.name, Value: s.cached, Timestamp: time.Now()}
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		return Reading{Name: s.name, Err: err, Timestamp: time.Now()}
	}

	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return Reading{Name: s.name, Err: err, Timestamp: time.Now()}
	}

	s.cached = s.extract(doc)
	s.lastMod = info.ModTime()
	return Reading{Name: s.name, Value: s.cached, Timestamp: time.Now()}
}

// HypothesesExtractor reads a list of hypothesis objects and, for each one
// whose "status" field is "unfinished", contributes a capped boost to the
// "unfinished" drive.
func HypothesesExtractor(cap float64, perItem float64) SourceExtractor {
	return func(doc any) []SourceFinding {
		items, ok := doc.([]any)
		if !ok {
			return nil
		}
		total := 0.0
		for _, item := range items {
			obj, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if status, _ := obj["status"].(string); status == "unfinished" {
				total += perItem
			}
		}
		if total > cap {
			total = cap
		}
		if total == 0 {
			return nil
		}
		return []SourceFinding{{Drive: "unfinished", Amount: total}}
	}
}

// EmotionsExtractor reads an object with an "intensity" field and, when it
// exceeds threshold, contributes boost to the named drive.
func EmotionsExtractor(drive string, threshold, boost float64) SourceExtractor {
	return func(doc any) []SourceFinding {
		obj, ok := doc.(map[string]any)
		if !ok {
			return nil
		}
		intensity, ok := obj["intensity"].(float64)
		if !ok || intensity <= threshold {
			return nil
		}
		return []SourceFinding{{Drive: drive, Amount: boost}}
	}
}
