package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBodyCachePutGetRoundTrip(t *testing.T) {
	c := NewBodyCache(t.TempDir(), 1<<20)
	require.NoError(t, c.Put("a.fastshot", []byte("hello")))

	data, ok := c.Get("a.fastshot")
	require.True(t, ok)
	require.Equal(t, []byte("hello"), data)
}

func TestBodyCacheMissReturnsFalse(t *testing.T) {
	c := NewBodyCache(t.TempDir(), 1<<20)
	_, ok := c.Get("missing.fastshot")
	require.False(t, ok)
}

func TestBodyCacheEvictsOldestWhenOverBudget(t *testing.T) {
	c := NewBodyCache(t.TempDir(), 10)
	require.NoError(t, c.Put("first.fastshot", []byte("0123456789"))) // exactly at budget
	require.NoError(t, c.Put("second.fastshot", []byte("abcdefghij")))

	_, ok := c.Get("first.fastshot")
	require.False(t, ok, "first entry should have been evicted to stay within budget")
	_, ok = c.Get("second.fastshot")
	require.True(t, ok)
}

func TestBodyCachePruneRemovesOldEntries(t *testing.T) {
	c := NewBodyCache(t.TempDir(), 1<<20)
	require.NoError(t, c.Put("old.fastshot", []byte("data")))

	c.Prune(-1 * time.Second) // everything added before "now + 1s" counts as old

	_, ok := c.Get("old.fastshot")
	require.False(t, ok)
}

func TestBodyCacheResetClearsAll(t *testing.T) {
	c := NewBodyCache(t.TempDir(), 1<<20)
	require.NoError(t, c.Put("a.fastshot", []byte("data")))
	c.Reset()

	_, ok := c.Get("a.fastshot")
	require.False(t, ok)
}
