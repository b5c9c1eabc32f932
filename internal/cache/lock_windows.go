//go:build windows

package cache

import (
	"errors"
	"fmt"

	"golang.org/x/sys/windows"
)

// acquireLock opens (creating if needed) cache_lock under root and takes a
// non-blocking advisory lock via LockFileEx in the requested mode.
func acquireLock(root string, mode lockMode) (*fileLock, error) {
	f, err := openLockFile(root)
	if err != nil {
		return nil, fmt.Errorf("cache: open lock file: %w", err)
	}

	handle := windows.Handle(f.Fd())
	var overlapped windows.Overlapped
	flags := uint32(windows.LOCKFILE_FAIL_IMMEDIATELY)
	if mode == lockExclusive {
		flags |= windows.LOCKFILE_EXCLUSIVE_LOCK
	}

	if err := windows.LockFileEx(handle, flags, 0, 1, 0, &overlapped); err != nil {
		f.Close()
		if errors.Is(err, windows.ERROR_LOCK_VIOLATION) {
			return nil, ErrWouldBlock
		}
		return nil, fmt.Errorf("cache: LockFileEx: %w", err)
	}

	return &fileLock{f: f}, nil
}

func (l *fileLock) release() error {
	if l == nil || l.f == nil {
		return nil
	}
	handle := windows.Handle(l.f.Fd())
	var overlapped windows.Overlapped
	_ = windows.UnlockFileEx(handle, 0, 1, 0, &overlapped)
	return l.f.Close()
}
