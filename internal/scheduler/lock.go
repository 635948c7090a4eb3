package scheduler

import (
	"os"

	"github.com/gofrs/flock"
)

// FileLock is a non-blocking cross-process lock on a file.
type FileLock struct {
	fl *flock.Flock
}

// NewFileLock creates a FileLock for the given path.
func NewFileLock(path string) *FileLock {
	return &FileLock{fl: flock.New(path)}
}

// TryLock attempts to acquire the lock without blocking.
// Returns true if the lock was acquired, false if another process holds it.
func (l *FileLock) TryLock() (bool, error) {
	return l.fl.TryLock()
}

// Unlock releases the lock and removes the lock file.
func (l *FileLock) Unlock() error {
	if !l.fl.Locked() {
		return nil
	}
	if err := l.fl.Unlock(); err != nil {
		return err
	}
	_ = os.Remove(l.fl.Path())
	return nil
}
