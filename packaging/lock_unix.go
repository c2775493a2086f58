//go:build unix

package packaging

import (
	"errors"
	"fmt"
	"os"
	"syscall"
)

// tryAcquireLock takes a non-blocking flock on path.
func tryAcquireLock(path string) (*FileLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) || errors.Is(err, syscall.EAGAIN) {
			return nil, errLockHeld
		}
		return nil, fmt.Errorf("flock: %w", err)
	}

	return &FileLock{path: path, file: f}, nil
}

// releaseLock closes the file. The lock file is left in place; removing it
// would let a waiter lock an unlinked inode.
func releaseLock(lock *FileLock) {
	_ = lock.file.Close()
}
