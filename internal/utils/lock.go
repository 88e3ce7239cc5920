package utils

import (
	"errors"
	"fmt"

	"github.com/gofrs/flock"
)

var ErrLocked = errors.New("another process holds the lock")

// DirLock is an advisory lock on a data directory. Only one process may
// write the ledger at a time.
type DirLock struct {
	lock *flock.Flock
}

// TryLockDir takes the lock file at path without blocking.
func TryLockDir(path string) (*DirLock, error) {
	if err := EnsureParent(path); err != nil {
		return nil, err
	}

	fl := flock.New(path)
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", path, ErrLocked)
	}
	return &DirLock{lock: fl}, nil
}

func (l *DirLock) Unlock() error {
	return l.lock.Unlock()
}
