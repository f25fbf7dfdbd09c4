package state

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// LockName is the lock file created inside the state directory.
const LockName = "dsdown.lock"

// ErrLocked is returned when another process holds the state lock.
var ErrLocked = errors.New("another dsdown process is running")

// Lock is an advisory file lock held by the single writer.
type Lock struct {
	path  string
	flock *flock.Flock
}

// NewLock prepares a lock at dir/dsdown.lock without acquiring it.
func NewLock(dir string) *Lock {
	path := filepath.Join(dir, LockName)
	return &Lock{path: path, flock: flock.New(path)}
}

// Path returns the lock file location.
func (l *Lock) Path() string { return l.path }

// Acquire takes the lock without waiting. It returns ErrLocked when another
// process already holds it.
func (l *Lock) Acquire() error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o750); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	ok, err := l.flock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("%s: %w", l.path, ErrLocked)
	}
	return nil
}

// Release drops the lock if held.
func (l *Lock) Release() error {
	if !l.flock.Locked() {
		return nil
	}
	if err := l.flock.Unlock(); err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}
