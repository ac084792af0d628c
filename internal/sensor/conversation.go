package sensor

import (
	"context"
	"os"
	"time"
)

// ConversationSensor reports the modification time of the largest
// conversation log file at least minBytes in size. The daemon treats a small enough gap as "conversation active" and
// suppresses triggering.
type ConversationSensor struct {
	dir      string
	minBytes int64
}

// NewConversationSensor watches dir for log files at least minBytes large.
func NewConversationSensor(dir string, minBytes int64) *ConversationSensor {
	return &ConversationSensor{dir: dir, minBytes: minBytes}
}

// Name implements Sensor.
func (c *ConversationSensor) Name() string { return "conversation" }

// Initialize is a no-op; there is no persistent resource to set up.
func (c *ConversationSensor) Initialize() error { return nil }

// Stop is a no-op.
func (c *ConversationSensor) Stop() error { return nil }

// Read returns the mtime of the largest qualifying file as time.Time, or
// the zero time if none exist.
func (c *ConversationSensor) Read(ctx context.Context) Reading {
	var latest time.Time
	largest := int64(-1)

	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return Reading{Name: c.Name(), Err: err, Timestamp: time.Now()}
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.Size() < c.minBytes {
			continue
		}
		if info.Size() > largest {
			largest = info.Size()
			latest = info.ModTime()
		}
	}

	return Reading{Name: c.Name(), Value: latest, Timestamp: time.Now()}
}
