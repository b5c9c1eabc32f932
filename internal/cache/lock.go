package cache

import (
	"errors"
	"os"
)

// ErrWouldBlock is returned by acquireLock when another process already
// holds the exclusive lock.
var ErrWouldBlock = errors.New("cache: locked by another process")

// lockMode selects shared (reader) or exclusive (writer) advisory locking on
// cache_lock, per invariant I6: at-most-one writer, readers never block.
type lockMode int

const (
	lockShared lockMode = iota
	lockExclusive
)

// fileLock holds an open handle to cache_lock while a lock is outstanding.
// Unlike a transient lock file, cache_lock is a permanent part of the cache
// layout (§4.3), so release never removes the file — only its lock state.
type fileLock struct {
	f *os.File
}

func lockPath(root string) string {
	return root + string(os.PathSeparator) + "cache_lock"
}

func openLockFile(root string) (*os.File, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(lockPath(root), os.O_CREATE|os.O_RDWR, 0o644)
}
