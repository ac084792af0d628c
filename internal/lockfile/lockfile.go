// Package lockfile provides the two file-locking primitives Pulse needs:
// a process-exclusive lock (one daemon per state directory) and a
// short-held lock around the mutation queue file.
package lockfile

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/gofrs/flock"
)

// ProcessLock guarantees only one daemon runs against a given state
// directory at a time. It combines a PID file (for stale-lock diagnosis)
// with an advisory flock on the same path.
type ProcessLock struct {
	path string
	fl   *flock.Flock
}

// AcquireProcessLock tries to take the process lock at path. If the lock
// is held by a PID that no longer exists, the stale PID file is removed
// and acquisition is retried once before giving up.
func AcquireProcessLock(path string) (*ProcessLock, error) {
	fl := flock.New(path)

	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquiring process lock %s: %w", path, err)
	}
	if !locked {
		if stale, pid := isStale(path); stale {
			_ = os.Remove(path)
			locked, err = fl.TryLock()
			if err != nil {
				return nil, fmt.Errorf("acquiring process lock %s after stale cleanup: %w", path, err)
			}
			if !locked {
				return nil, fmt.Errorf("process lock %s held by another running process", path)
			}
		} else {
			return nil, fmt.Errorf("process lock %s already held by pid %d", path, pid)
		}
	}

	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		_ = fl.Unlock()
		return nil, fmt.Errorf("writing pid file %s: %w", path, err)
	}

	return &ProcessLock{path: path, fl: fl}, nil
}

// Release unlocks and removes the PID file.
func (p *ProcessLock) Release() error {
	if err := p.fl.Unlock(); err != nil {
		return fmt.Errorf("releasing process lock %s: %w", p.path, err)
	}
	return os.Remove(p.path)
}

// isStale reads the PID recorded at path and reports whether that process
// is no longer alive. A malformed or unreadable file is treated as stale.
func isStale(path string) (bool, int) {
	data, err := os.ReadFile(path)
	if err != nil {
		return true, 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return true, 0
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return true, pid
	}
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		return true, pid
	}
	return false, pid
}

// QueueLock guards a short critical section against concurrent writers,
// used around the mutation queue file.
type QueueLock struct {
	fl *flock.Flock
}

// NewQueueLock returns a lock rooted at path, which need not exist yet.
func NewQueueLock(path string) *QueueLock {
	return &QueueLock{fl: flock.New(path)}
}

// Lock blocks until the exclusive lock is acquired.
func (q *QueueLock) Lock() error {
	return q.fl.Lock()
}

// Unlock releases the lock.
func (q *QueueLock) Unlock() error {
	return q.fl.Unlock()
}
