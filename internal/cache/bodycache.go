package cache

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

// bodyEntry tracks what BodyCache needs to know about one cached body
// beyond what golang-lru's Cache already keeps (the key and LRU position).
type bodyEntry struct {
	size    int64
	addedAt time.Time
}

// BodyCache is the on-demand local cache of session bodies under
// <cache-root>/sessions/, bounded by cache.max_body_bytes. Bodies are
// immutable once written, so there is no invalidation path — only
// size-based LRU eviction and age-based pruning, mirroring the original
// tool's optimize_session_cache (oldest-first by age, then by size).
type BodyCache struct {
	root     string
	maxBytes int64

	mu      sync.Mutex
	lru     *lru.Cache // filename -> bodyEntry, in recency order
	current int64
}

// NewBodyCache returns a BodyCache rooted at <cache-root>/sessions, bounded
// by maxBytes. A capacity of 1<<20 entries is used for the underlying LRU
// since eviction here is driven by cumulative byte size, not entry count.
func NewBodyCache(root string, maxBytes int64) *BodyCache {
	c, _ := lru.New(1 << 20)
	return &BodyCache{root: root, maxBytes: maxBytes, lru: c}
}

func (b *BodyCache) path(filename string) string {
	return filepath.Join(b.root, "sessions", filename)
}

// Get returns a cached body's bytes, or (nil, false) on a cache miss.
func (b *BodyCache) Get(filename string) ([]byte, bool) {
	b.mu.Lock()
	_, ok := b.lru.Get(filename)
	b.mu.Unlock()
	if !ok {
		return nil, false
	}
	data, err := os.ReadFile(b.path(filename))
	if err != nil {
		b.mu.Lock()
		b.lru.Remove(filename)
		b.mu.Unlock()
		return nil, false
	}
	return data, true
}

// Put writes body to the on-demand cache and evicts the least-recently-used
// entries until the cache's running size is within maxBytes.
func (b *BodyCache) Put(filename string, body []byte) error {
	if err := os.MkdirAll(filepath.Dir(b.path(filename)), 0o755); err != nil {
		return err
	}
	if err := writeAtomic(b.path(filename), body); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.lru.Add(filename, bodyEntry{size: int64(len(body)), addedAt: time.Now()})
	b.current += int64(len(body))
	b.evictLocked()
	return nil
}

// evictLocked removes oldest entries (per golang-lru's recency order) until
// current size is within budget. Caller must hold b.mu.
func (b *BodyCache) evictLocked() {
	if b.maxBytes <= 0 {
		return
	}
	for b.current > b.maxBytes {
		key, value, ok := b.lru.RemoveOldest()
		if !ok {
			break
		}
		filename := key.(string)
		entry := value.(bodyEntry)
		b.current -= entry.size
		os.Remove(b.path(filename))
	}
}

// Prune removes cached bodies older than maxAge, regardless of size budget
// — the original tool's dual age/size eviction policy for session caches.
func (b *BodyCache) Prune(maxAge time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	for _, key := range b.lru.Keys() {
		value, ok := b.lru.Peek(key)
		if !ok {
			continue
		}
		entry := value.(bodyEntry)
		if entry.addedAt.Before(cutoff) {
			filename := key.(string)
			b.lru.Remove(key)
			b.current -= entry.size
			os.Remove(b.path(filename))
		}
	}
}

// Evict drops filename from the cache immediately, if present.
func (b *BodyCache) Evict(filename string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if value, ok := b.lru.Peek(filename); ok {
		entry := value.(bodyEntry)
		b.current -= entry.size
		b.lru.Remove(filename)
	}
	os.Remove(b.path(filename))
}

// Reset drops every cached body and its accounting.
func (b *BodyCache) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lru.Purge()
	b.current = 0
}
