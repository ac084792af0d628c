package sensor

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/normanking/pulse/internal/logging"
)

// FilesystemSensor watches a directory (not its subdirectories) and reports
// whether any change has occurred since the last Read, excluding writes
// to its own ignore path (typically the daemon's own state directory, so
// the daemon never spikes on its own saves).
type FilesystemSensor struct {
	dir        string
	ignoreDir  string
	watcher    *fsnotify.Watcher
	mu         sync.Mutex
	changed    bool
	lastChange time.Time
}

// NewFilesystemSensor watches dir, ignoring events whose path falls under
// ignoreDir.
func NewFilesystemSensor(dir, ignoreDir string) *FilesystemSensor {
	return &FilesystemSensor{dir: dir, ignoreDir: ignoreDir}
}

// Name implements Sensor.
func (f *FilesystemSensor) Name() string { return "filesystem" }

// Initialize starts the underlying fsnotify watcher and a goroutine that
// drains its event channel into the sensor's changed flag.
func (f *FilesystemSensor) Initialize() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(f.dir); err != nil {
		w.Close()
		return err
	}
	f.watcher = w

	log := logging.WithComponent("sensor.filesystem")
	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if f.ignoreDir != "" && strings.HasPrefix(ev.Name, f.ignoreDir) {
					continue
				}
				f.mu.Lock()
				f.changed = true
				f.lastChange = time.Now()
				f.mu.Unlock()
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warn("fsnotify error", "error", err)
			}
		}
	}()
	return nil
}

// Read reports whether a change occurred since the last Read and clears
// the flag.
func (f *FilesystemSensor) Read(ctx context.Context) Reading {
	f.mu.Lock()
	defer f.mu.Unlock()
	changed := f.changed
	f.changed = false
	return Reading{
		Name:      f.Name(),
		Value:     changed,
		Timestamp: time.Now(),
	}
}

// Stop closes the underlying watcher.
func (f *FilesystemSensor) Stop() error {
	if f.watcher == nil {
		return nil
	}
	return f.watcher.Close()
}
