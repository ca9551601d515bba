// Package lock provides the session exclusivity guard.
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// DefaultPath is the well-known lock file guarding backup sessions.
const DefaultPath = "/var/run/hubbak-backup.lock"

// ErrHeld is returned when another session already holds the lock.
var ErrHeld = errors.New("a previous backup is still in progress")

// Lock is a process-exclusivity token bound to a filesystem path. It is
// held for the lifetime of the session.
type Lock struct {
	fl *flock.Flock
}

// Acquire attempts a non-blocking acquisition of the lock at path. A second
// concurrent session fails fast with ErrHeld rather than queuing.
func Acquire(path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating lock directory: %w", err)
	}

	fl := flock.New(path)
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquiring lock %s: %w", path, err)
	}
	if !locked {
		return nil, ErrHeld
	}

	return &Lock{fl: fl}, nil
}

// Release drops the lock. Safe to call exactly once on every exit path.
func (l *Lock) Release() error {
	return l.fl.Unlock()
}
