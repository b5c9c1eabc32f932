package cache

import (
	"testing"
	"time"

	"github.com/JimEverest/fastshot/internal/codec"
	"github.com/JimEverest/fastshot/internal/errs"
	"github.com/stretchr/testify/require"
)

func sampleIndex(filename string) codec.MetaIndex {
	now := time.Now().UTC().Format(time.RFC3339)
	return codec.MetaIndex{
		Version:  "1.0",
		Filename: filename,
		Metadata: codec.Metadata{
			Name: "demo", Desc: "a demo session", Tags: []string{"work"},
			ImageCount: 2, CreatedAt: now, FileSize: 1024,
		},
		Checksum:    "sha256:deadbeef",
		CreatedAt:   now,
		LastUpdated: now,
	}
}

func TestManagerPutGetRoundTrip(t *testing.T) {
	m := NewManager(t.TempDir())
	idx := sampleIndex("2024-01-01-1200.fastshot")

	require.NoError(t, m.PutMetadata(idx))

	got, err := m.GetMetadata(idx.Filename)
	require.NoError(t, err)
	require.Equal(t, idx.Metadata.Name, got.Metadata.Name)
	require.Equal(t, idx.Checksum, got.Checksum)
}

func TestManagerGetMissingIsNotFound(t *testing.T) {
	m := NewManager(t.TempDir())
	_, err := m.GetMetadata("nope.fastshot")
	require.Equal(t, errs.NotFound, errs.ClassOf(err))
}

func TestManagerListMetadataSorted(t *testing.T) {
	m := NewManager(t.TempDir())
	require.NoError(t, m.PutMetadata(sampleIndex("a.fastshot")))
	require.NoError(t, m.PutMetadata(sampleIndex("b.fastshot")))

	list, err := m.ListMetadata()
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, "b.fastshot", list[0].Filename, "newest (highest-sorting) filename leads the list")
	require.Equal(t, "a.fastshot", list[1].Filename)
}

func TestManagerRemoveMetadata(t *testing.T) {
	m := NewManager(t.TempDir())
	idx := sampleIndex("a.fastshot")
	require.NoError(t, m.PutMetadata(idx))
	require.NoError(t, m.RemoveMetadata(idx.Filename))

	_, err := m.GetMetadata(idx.Filename)
	require.Equal(t, errs.NotFound, errs.ClassOf(err))
}

func TestManagerClearRemovesEverything(t *testing.T) {
	m := NewManager(t.TempDir())
	require.NoError(t, m.PutMetadata(sampleIndex("a.fastshot")))
	require.NoError(t, m.Clear())

	list, err := m.ListMetadata()
	require.NoError(t, err)
	require.Empty(t, list)
}

func TestManagerLoadsLegacyIndexAndUpgrades(t *testing.T) {
	root := t.TempDir()
	m := NewManager(root)

	legacy := `{"filename":"old.fastshot","checksum":"sha256:abc"}`
	require.NoError(t, writeAtomic(metaIndexPath(root, "old.fastshot"), []byte(legacy)))

	list, err := m.ListMetadata()
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, "0.9", list[0].Version)

	idx, _, err := readMetaIndex(metaIndexPath(root, "old.fastshot"))
	require.NoError(t, err)
	require.Equal(t, "1.0", idx.Version, "on-disk copy should have been upgraded")
}

func TestManagerStatsReportsCountAndUnknownWhenNoInfo(t *testing.T) {
	m := NewManager(t.TempDir())
	require.NoError(t, m.PutMetadata(sampleIndex("a.fastshot")))

	stats, err := m.Stats()
	require.NoError(t, err)
	require.Equal(t, 1, stats.TotalMetaFiles)
	require.Equal(t, "unknown", stats.IntegrityCheck.Status)
}
