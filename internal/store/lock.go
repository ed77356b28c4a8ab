package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// StaleLockTimeout bounds how long a caller waits for an exclusive lock
// before giving up with an error; the lock is never taken over from its
// current holder.
const StaleLockTimeout = 10 * time.Second

const lockRetryInterval = 50 * time.Millisecond

// FileLock wraps a gofrs/flock advisory lock over the account store's
// companion ".lock" file, bounding how long a caller will retry before
// giving up rather than blocking forever behind a dead holder.
type FileLock struct {
	fl *flock.Flock
}

// NewFileLock returns a lock object for the store at path. The lock file
// itself is created next to the store file (storePath + ".lock") if
// absent, mirroring the teacher's create-before-lock discipline.
func NewFileLock(storePath string) (*FileLock, error) {
	if err := os.MkdirAll(filepath.Dir(storePath), 0o700); err != nil {
		return nil, fmt.Errorf("store: create config dir: %w", err)
	}
	lockPath := storePath + ".lock"
	if _, err := os.OpenFile(lockPath, os.O_CREATE, 0o600); err != nil {
		return nil, fmt.Errorf("store: create lock file: %w", err)
	}
	return &FileLock{fl: flock.New(lockPath)}, nil
}

// WithLock acquires the exclusive lock, runs fn, and releases it. It
// retries on a short interval until StaleLockTimeout elapses or ctx is
// canceled, so a crashed holder of the lock can never wedge the proxy
// permanently.
func (l *FileLock) WithLock(ctx context.Context, fn func() error) error {
	ctx, cancel := context.WithTimeout(ctx, StaleLockTimeout)
	defer cancel()

	locked, err := l.fl.TryLockContext(ctx, lockRetryInterval)
	if err != nil {
		return fmt.Errorf("store: acquire lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("store: timed out waiting for lock after %s", StaleLockTimeout)
	}
	defer l.fl.Unlock()

	return fn()
}
