// Package cache implements the Meta Cache Manager: the on-disk cache
// layout, atomic reads/writes, cross-process advisory locking, smart
// synchronization against a remote manifest, corruption recovery, orphan
// handling, and atomic publish of new sessions.
package cache

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/JimEverest/fastshot/internal/codec"
	"github.com/JimEverest/fastshot/internal/errs"
)

// Manager owns one cache root directory. It is safe for concurrent use by
// multiple goroutines within one process; cross-process exclusivity for
// writers is provided by cache_lock (see lock.go).
type Manager struct {
	root         string
	orphanPolicy OrphanPolicy
	bodyCache    *BodyCache

	mu       sync.RWMutex
	snapshot map[string]codec.MetaIndex // filename -> index, refreshed on write
	loaded   bool
}

// Option configures a Manager at construction time.
type Option func(*Manager)

// WithOrphanPolicy overrides the default OrphanPrompt policy.
func WithOrphanPolicy(p OrphanPolicy) Option {
	return func(m *Manager) { m.orphanPolicy = p }
}

// WithBodyCache attaches an on-demand body cache bounded by maxBytes.
func WithBodyCache(maxBytes int64) Option {
	return func(m *Manager) { m.bodyCache = NewBodyCache(m.root, maxBytes) }
}

// NewManager returns a Manager rooted at root. The directory tree is created
// lazily on first write, not here.
func NewManager(root string, opts ...Option) *Manager {
	m := &Manager{root: root, orphanPolicy: OrphanPrompt}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Root returns the cache root directory.
func (m *Manager) Root() string { return m.root }

// ensureLoaded populates the in-memory snapshot from disk on first access.
// Callers must not hold m.mu: it takes the read lock itself and, if the
// snapshot needs loading, the write lock.
func (m *Manager) ensureLoaded() error {
	m.mu.RLock()
	loaded := m.loaded
	m.mu.RUnlock()
	if loaded {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loaded {
		return nil
	}

	snapshot, err := m.loadSnapshotLocked()
	if err != nil {
		return err
	}
	m.snapshot = snapshot
	m.loaded = true
	return nil
}

func (m *Manager) loadSnapshotLocked() (map[string]codec.MetaIndex, error) {
	dir := filepath.Join(m.root, "meta_cache", "meta_indexes")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]codec.MetaIndex{}, nil
		}
		return nil, errs.New(errs.Fatal, "cache.loadSnapshot", err)
	}

	out := make(map[string]codec.MetaIndex, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		idx, legacy, err := readMetaIndex(filepath.Join(dir, e.Name()))
		if err != nil {
			continue // surfaced by ValidateIntegrity, not fatal to listing
		}
		if legacy {
			upgraded := idx
			upgraded.Version = "1.0"
			_ = writeMetaIndexAtomic(m.root, upgraded) // transparent upgrade to 1.0 on next touch
		}
		out[idx.Filename] = idx
	}
	return out, nil
}

// invalidateLocked forces the next read to reload the snapshot from disk.
// Called with m.mu held by callers that just wrote to disk.
func (m *Manager) invalidateLocked() {
	m.loaded = false
	m.snapshot = nil
}

// ListMetadata returns all cached Metadata Indexes, newest first (filenames
// encode a timestamp prefix, so a descending sort is also reverse-chronological).
// This matches the original tool's own UI sort and the publish contract that a
// freshly published session leads the list. Pure read, no network.
func (m *Manager) ListMetadata() ([]codec.MetaIndex, error) {
	if err := m.ensureLoaded(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]codec.MetaIndex, 0, len(m.snapshot))
	for _, idx := range m.snapshot {
		out = append(out, idx)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Filename > out[j].Filename })
	return out, nil
}

// GetMetadata returns one index by filename, or errs.NotFound.
func (m *Manager) GetMetadata(filename string) (codec.MetaIndex, error) {
	if err := m.ensureLoaded(); err != nil {
		return codec.MetaIndex{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	idx, ok := m.snapshot[filename]
	if !ok {
		return codec.MetaIndex{}, errs.ErrNotFound
	}
	return idx, nil
}

// PutMetadata atomically writes idx's index file and refreshes the
// in-memory snapshot. It does not itself touch the remote manifest — see
// PublishSession for the full atomic-publish sequence that does.
func (m *Manager) PutMetadata(idx codec.MetaIndex) error {
	lock, err := acquireLock(m.root, lockExclusive)
	if err != nil {
		return err
	}
	defer lock.release()

	if err := writeMetaIndexAtomic(m.root, idx); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.invalidateLocked()
	return nil
}

// RemoveMetadata deletes an index file (and its cached body, if any).
func (m *Manager) RemoveMetadata(filename string) error {
	lock, err := acquireLock(m.root, lockExclusive)
	if err != nil {
		return err
	}
	defer lock.release()

	if err := os.Remove(metaIndexPath(m.root, filename)); err != nil && !os.IsNotExist(err) {
		return errs.New(errs.Fatal, "cache.RemoveMetadata", err)
	}
	if m.bodyCache != nil {
		m.bodyCache.Evict(filename)
	} else {
		os.Remove(sessionBodyPath(m.root, filename))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.invalidateLocked()
	return nil
}

// Clear removes all cache content under root. Requires the writer lock.
func (m *Manager) Clear() error {
	lock, err := acquireLock(m.root, lockExclusive)
	if err != nil {
		return err
	}
	defer lock.release()

	for _, sub := range []string{"meta_cache", "sessions"} {
		if err := os.RemoveAll(filepath.Join(m.root, sub)); err != nil {
			return errs.New(errs.Fatal, "cache.Clear", err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.invalidateLocked()
	if m.bodyCache != nil {
		m.bodyCache.Reset()
	}
	return nil
}

// Stats reports byte size, entry count, last-sync timestamp, and integrity
// status, reading cache_info.json and re-deriving size on demand.
func (m *Manager) Stats() (Info, error) {
	info, err := readInfo(cacheInfoPath(m.root))
	if err != nil {
		if errs.ClassOf(err) != errs.NotFound {
			return Info{}, err
		}
		info = Info{Version: "1.0", IntegrityCheck: IntegrityCheck{Status: "unknown"}}
	}

	size, err := m.calculateCacheSize()
	if err == nil {
		info.CacheSizeBytes = size
	}
	if err := m.ensureLoaded(); err == nil {
		m.mu.RLock()
		info.TotalMetaFiles = len(m.snapshot)
		m.mu.RUnlock()
	}
	return info, nil
}

// calculateCacheSize sums the byte size of the meta_cache and sessions
// subtrees, mirroring the original tool's directory-walk cache size metric.
func (m *Manager) calculateCacheSize() (int64, error) {
	var total int64
	for _, sub := range []string{"meta_cache", "sessions"} {
		root := filepath.Join(m.root, sub)
		_ = filepath.Walk(root, func(_ string, info os.FileInfo, err error) error {
			if err != nil || info == nil || info.IsDir() {
				return nil
			}
			total += info.Size()
			return nil
		})
	}
	return total, nil
}

// touchLastSync rewrites cache_info.json's last_sync timestamp and
// integrity status and refreshes its cache size and entry count, keeping
// its version, used after every SyncWithRemote pass (§4.3 step 5).
func (m *Manager) touchLastSync(status string, corrupted []string) error {
	info, err := readInfo(cacheInfoPath(m.root))
	if err != nil && errs.ClassOf(err) != errs.NotFound {
		return err
	}
	if info.Version == "" {
		info.Version = "1.0"
	}
	info.LastSync = time.Now().UTC().Format(time.RFC3339)
	info.IntegrityCheck = IntegrityCheck{
		LastValidated:  info.LastSync,
		Status:         status,
		CorruptedFiles: corrupted,
	}
	if size, err := m.calculateCacheSize(); err == nil {
		info.CacheSizeBytes = size
	}
	_ = m.ensureLoaded()
	m.mu.RLock()
	info.TotalMetaFiles = len(m.snapshot)
	m.mu.RUnlock()
	return writeInfoAtomic(cacheInfoPath(m.root), info)
}

// checkCancel is the cooperative-cancellation check used at every documented
// suspension point (before network calls, between per-entry steps).
func checkCancel(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return errs.New(errs.Cancelled, "cache", ctx.Err())
	default:
		return nil
	}
}
