//go:build windows

package packaging

import (
	"fmt"
	"os"
	"syscall"
	"unsafe"
)

var (
	kernel32       = syscall.NewLazyDLL("kernel32.dll")
	procLockFileEx = kernel32.NewProc("LockFileEx")
)

const (
	lockfileExclusiveLock   = 0x00000002
	lockfileFailImmediately = 0x00000001
	errorLockViolation      = 33
)

// tryAcquireLock takes a non-blocking LockFileEx lock on path.
func tryAcquireLock(path string) (*FileLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	var overlapped syscall.Overlapped
	r1, _, err := procLockFileEx.Call(
		uintptr(syscall.Handle(f.Fd())),
		uintptr(lockfileExclusiveLock|lockfileFailImmediately),
		0,
		0xFFFFFFFF,
		0xFFFFFFFF,
		uintptr(unsafe.Pointer(&overlapped)),
	)
	if r1 == 0 {
		_ = f.Close()
		if errno, ok := err.(syscall.Errno); ok && errno == errorLockViolation {
			return nil, errLockHeld
		}
		return nil, fmt.Errorf("lock file: %w", err)
	}

	return &FileLock{path: path, file: f}, nil
}

// releaseLock closes and removes the lock file.
func releaseLock(lock *FileLock) {
	_ = lock.file.Close()
	_ = os.Remove(lock.path)
}
