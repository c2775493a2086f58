// Package packaging turns package tarballs into files on disk: safe
// extraction, tree linking with a copy fallback, bin links, and the
// cross-process lock that serializes installs into one project.
package packaging

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	// DefaultLockTimeout is the maximum time to wait for a project lock.
	DefaultLockTimeout = 2 * time.Minute

	// LockRetryDelay is the delay between lock attempts.
	LockRetryDelay = 100 * time.Millisecond
)

// errLockHeld means another process holds the lock.
var errLockHeld = errors.New("lock held by another process")

// FileLock is an exclusive advisory lock on a file.
type FileLock struct {
	path string
	file *os.File
}

// Unlock releases the lock.
func (l *FileLock) Unlock() {
	releaseLock(l)
}

// AcquireLock takes an exclusive lock on path, creating it if needed, and
// retries until the lock is free, ctx is done or DefaultLockTimeout passes.
func AcquireLock(ctx context.Context, path string) (*FileLock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	deadline := time.Now().Add(DefaultLockTimeout)
	for {
		lock, err := tryAcquireLock(path)
		if err == nil {
			return lock, nil
		}
		if !errors.Is(err, errLockHeld) {
			return nil, err
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("timeout acquiring lock %s", path)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("lock acquisition cancelled: %w", ctx.Err())
		case <-time.After(LockRetryDelay):
		}
	}
}

// WithFileLock runs fn while holding the lock on path.
func WithFileLock(ctx context.Context, path string, fn func() error) error {
	lock, err := AcquireLock(ctx, path)
	if err != nil {
		return fmt.Errorf("acquire file lock: %w", err)
	}
	defer lock.Unlock()

	return fn()
}
