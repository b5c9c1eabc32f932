//go:build !windows

package cache

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// acquireLock opens (creating if needed) cache_lock under root and takes a
// non-blocking advisory flock in the requested mode. Shared locks let
// multiple readers proceed concurrently; an exclusive lock excludes both
// other writers and readers.
func acquireLock(root string, mode lockMode) (*fileLock, error) {
	f, err := openLockFile(root)
	if err != nil {
		return nil, fmt.Errorf("cache: open lock file: %w", err)
	}

	how := unix.LOCK_SH | unix.LOCK_NB
	if mode == lockExclusive {
		how = unix.LOCK_EX | unix.LOCK_NB
	}

	if err := unix.Flock(int(f.Fd()), how); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, ErrWouldBlock
		}
		return nil, fmt.Errorf("cache: flock: %w", err)
	}

	return &fileLock{f: f}, nil
}

func (l *fileLock) release() error {
	if l == nil || l.f == nil {
		return nil
	}
	_ = unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	return l.f.Close()
}
