package cache

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/JimEverest/fastshot/internal/codec"
	"github.com/JimEverest/fastshot/internal/objectstore"
	"github.com/stretchr/testify/require"
)

func putRemoteIndex(t *testing.T, store *objectstore.FolderStore, idx codec.MetaIndex) {
	t.Helper()
	data, err := json.Marshal(idx)
	require.NoError(t, err)
	_, err = store.Put(context.Background(), remoteIndexKeyFor(idx.Filename), data, "")
	require.NoError(t, err)
}

func putRemoteManifest(t *testing.T, store *objectstore.FolderStore, entries ...ManifestEntry) {
	t.Helper()
	manifest := Manifest{Version: "1.0", Sessions: entries, TotalSessions: len(entries)}
	sum, err := canonicalChecksum(manifest)
	require.NoError(t, err)
	manifest.Checksum = sum
	data, err := json.Marshal(manifest)
	require.NoError(t, err)
	_, err = store.Put(context.Background(), "overall_meta.json", data, "")
	require.NoError(t, err)
}

func TestSyncRebuildsWhenManifestMissing(t *testing.T) {
	remote := objectstore.NewFolderStore(t.TempDir())
	idx := sampleIndex("a.fastshot")
	putRemoteIndex(t, remote, idx)

	m := NewManager(t.TempDir())
	report, err := m.SyncWithRemote(context.Background(), remote, nil)
	require.NoError(t, err)
	require.True(t, report.Rebuilt)
	require.Contains(t, report.Fetched, "a.fastshot")

	got, err := m.GetMetadata("a.fastshot")
	require.NoError(t, err)
	require.Equal(t, idx.Metadata.Name, got.Metadata.Name)
}

func TestSyncFetchesMissingAndRevalidatesChanged(t *testing.T) {
	remote := objectstore.NewFolderStore(t.TempDir())
	local := sampleIndex("stale.fastshot")
	newVersion := local
	newVersion.Checksum = "sha256:newchecksum"

	putRemoteManifest(t, remote,
		ManifestEntry{Filename: "new.fastshot", Checksum: "sha256:whatever"},
		ManifestEntry{Filename: "stale.fastshot", Checksum: newVersion.Checksum},
	)
	putRemoteIndex(t, remote, sampleIndex("new.fastshot"))
	putRemoteIndex(t, remote, newVersion)

	root := t.TempDir()
	m := NewManager(root)
	require.NoError(t, m.PutMetadata(local))

	report, err := m.SyncWithRemote(context.Background(), remote, nil)
	require.NoError(t, err)
	require.False(t, report.Rebuilt)
	require.Contains(t, report.Fetched, "new.fastshot")
	require.Contains(t, report.Revalidated, "stale.fastshot")

	got, err := m.GetMetadata("stale.fastshot")
	require.NoError(t, err)
	require.Equal(t, newVersion.Checksum, got.Checksum)
}

func TestSyncOrphanDefaultsToKeep(t *testing.T) {
	remote := objectstore.NewFolderStore(t.TempDir())
	putRemoteManifest(t, remote)

	root := t.TempDir()
	m := NewManager(root)
	require.NoError(t, m.PutMetadata(sampleIndex("local-only.fastshot")))

	report, err := m.SyncWithRemote(context.Background(), remote, nil)
	require.NoError(t, err)
	require.Contains(t, report.OrphansKept, "local-only.fastshot")

	_, err = m.GetMetadata("local-only.fastshot")
	require.NoError(t, err, "kept orphan must still be readable")
}

func TestSyncOrphanDeletePolicyRemovesEntry(t *testing.T) {
	remote := objectstore.NewFolderStore(t.TempDir())
	putRemoteManifest(t, remote)

	root := t.TempDir()
	m := NewManager(root, WithOrphanPolicy(OrphanDelete))
	require.NoError(t, m.PutMetadata(sampleIndex("local-only.fastshot")))

	report, err := m.SyncWithRemote(context.Background(), remote, nil)
	require.NoError(t, err)
	require.Contains(t, report.OrphansDeleted, "local-only.fastshot")

	_, err = m.GetMetadata("local-only.fastshot")
	require.Error(t, err)
}

func TestValidateIntegrityDetectsChecksumMismatch(t *testing.T) {
	root := t.TempDir()
	m := NewManager(root)
	idx := sampleIndex("a.fastshot")
	require.NoError(t, m.PutMetadata(idx))
	require.NoError(t, writeAtomic(sessionBodyPath(root, idx.Filename), []byte("not the real body")))

	report, err := m.ValidateIntegrity()
	require.NoError(t, err)
	require.Equal(t, "corrupted", report.Status)
	require.Contains(t, report.CorruptedFiles, idx.Filename)
}

func TestValidateIntegrityDetectsCorruptIndexFile(t *testing.T) {
	root := t.TempDir()
	m := NewManager(root)
	idx := sampleIndex("a.fastshot")
	require.NoError(t, m.PutMetadata(idx))

	// Flip the index file's bytes into invalid JSON, simulating on-disk
	// corruption rather than a body/checksum mismatch.
	require.NoError(t, writeAtomic(metaIndexPath(root, idx.Filename), []byte("not valid json{{{")))

	report, err := m.ValidateIntegrity()
	require.NoError(t, err)
	require.Equal(t, "corrupted", report.Status)
	require.Contains(t, report.CorruptedFiles, idx.Filename)
}

func TestRecoverFromCorruptionRefetchesFromRemote(t *testing.T) {
	remote := objectstore.NewFolderStore(t.TempDir())
	idx := sampleIndex("a.fastshot")
	putRemoteIndex(t, remote, idx)

	root := t.TempDir()
	m := NewManager(root)
	require.NoError(t, m.PutMetadata(idx))
	require.NoError(t, writeAtomic(sessionBodyPath(root, idx.Filename), []byte("corrupt body")))

	require.NoError(t, m.RecoverFromCorruption(context.Background(), remote))

	got, err := m.GetMetadata(idx.Filename)
	require.NoError(t, err)
	require.Equal(t, idx.Checksum, got.Checksum)
}
