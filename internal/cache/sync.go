package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/JimEverest/fastshot/internal/codec"
	"github.com/JimEverest/fastshot/internal/errs"
	"github.com/JimEverest/fastshot/internal/objectstore"
)

const remoteIndexPrefix = "meta_indexes/"

// SyncWithRemote runs the smart three-set-diff synchronization protocol:
// download the remote manifest, diff its filenames against the local
// snapshot into to_fetch/to_revalidate/orphans, and converge the local cache
// to match. A missing or unreadable remote manifest triggers the rebuild
// path instead: every remote index is listed and fetched directly, and the
// manifest is republished from what was found.
func (m *Manager) SyncWithRemote(ctx context.Context, store objectstore.Store, progress ProgressFunc) (SyncReport, error) {
	if progress == nil {
		progress = noopProgress
	}
	var report SyncReport

	if err := checkCancel(ctx); err != nil {
		return report, err
	}
	progress(0.0, "fetching remote manifest")

	remote, _, err := store.Get(ctx, "overall_meta.json")
	if err != nil && errs.ClassOf(err) != errs.NotFound {
		return report, errs.Wrap("cache.SyncWithRemote", err)
	}

	var manifest Manifest
	needRebuild := err != nil
	if !needRebuild {
		if unmarshalErr := json.Unmarshal(remote, &manifest); unmarshalErr != nil {
			needRebuild = true
		} else if stored := manifest.Checksum; stored != "" {
			manifest.Checksum = ""
			want, sumErr := canonicalChecksum(manifest)
			manifest.Checksum = stored
			if sumErr != nil || stored != want {
				needRebuild = true
			}
		}
	}

	if needRebuild {
		return m.rebuildFromRemote(ctx, store, progress)
	}

	if err := m.ensureLoaded(); err != nil {
		return report, err
	}
	m.mu.RLock()
	local := make(map[string]codec.MetaIndex, len(m.snapshot))
	for k, v := range m.snapshot {
		local[k] = v
	}
	m.mu.RUnlock()

	remoteFiles := manifest.filenames()
	var toFetch, toRevalidate, orphans []string
	for filename, entry := range remoteFiles {
		if localIdx, ok := local[filename]; !ok {
			toFetch = append(toFetch, filename)
		} else if localIdx.Checksum != entry.Checksum {
			toRevalidate = append(toRevalidate, filename)
		}
	}
	for filename := range local {
		if _, ok := remoteFiles[filename]; !ok {
			orphans = append(orphans, filename)
		}
	}

	total := len(toFetch) + len(toRevalidate) + len(orphans)
	done := 0
	step := func(msg string) {
		done++
		if total > 0 {
			progress(float64(done)/float64(total), msg)
		}
	}

	for _, filename := range toFetch {
		if err := checkCancel(ctx); err != nil {
			return report, err
		}
		idx, fetchErr := fetchRemoteIndex(ctx, store, filename)
		if fetchErr != nil {
			step(fmt.Sprintf("fetch failed: %s", filename))
			continue
		}
		if err := writeMetaIndexAtomic(m.root, idx); err != nil {
			return report, err
		}
		report.Fetched = append(report.Fetched, filename)
		step("fetched " + filename)
	}

	for _, filename := range toRevalidate {
		if err := checkCancel(ctx); err != nil {
			return report, err
		}
		idx, fetchErr := fetchRemoteIndex(ctx, store, filename)
		if fetchErr != nil {
			step(fmt.Sprintf("revalidate failed: %s", filename))
			continue
		}
		if err := writeMetaIndexAtomic(m.root, idx); err != nil {
			return report, err
		}
		if m.bodyCache != nil {
			m.bodyCache.Evict(filename) // stale body must be re-fetched on next read
		}
		report.Revalidated = append(report.Revalidated, filename)
		step("revalidated " + filename)
	}

	for _, filename := range orphans {
		if err := checkCancel(ctx); err != nil {
			return report, err
		}
		del := m.orphanPolicy == OrphanDelete
		if m.orphanPolicy == OrphanPrompt {
			del = false // no interactive decider wired here; caller uses SyncWithRemoteDecide for prompts
		}
		if del {
			_ = os.Remove(metaIndexPath(m.root, filename))
			if m.bodyCache != nil {
				m.bodyCache.Evict(filename)
			}
			report.OrphansDeleted = append(report.OrphansDeleted, filename)
			step("deleted orphan " + filename)
		} else {
			report.OrphansKept = append(report.OrphansKept, filename)
			step("kept orphan " + filename)
		}
	}

	m.mu.Lock()
	m.invalidateLocked()
	m.mu.Unlock()

	status := "valid"
	_ = m.touchLastSync(status, nil)
	progress(1.0, "sync completed")
	return report, nil
}

// SyncWithRemoteDecide is SyncWithRemote with an OrphanDecider consulted for
// every orphan when the Manager's policy is OrphanPrompt, matching an
// interactive CLI's confirm-per-file behavior.
func (m *Manager) SyncWithRemoteDecide(ctx context.Context, store objectstore.Store, decide OrphanDecider, progress ProgressFunc) (SyncReport, error) {
	if decide == nil || m.orphanPolicy != OrphanPrompt {
		return m.SyncWithRemote(ctx, store, progress)
	}

	report, err := m.SyncWithRemote(ctx, store, progress)
	if err != nil {
		return report, err
	}
	// SyncWithRemote already resolved OrphanPrompt as "keep"; apply the
	// decider retroactively to the entries it kept.
	var stillKept []string
	for _, filename := range report.OrphansKept {
		if decide(filename) {
			_ = os.Remove(metaIndexPath(m.root, filename))
			if m.bodyCache != nil {
				m.bodyCache.Evict(filename)
			}
			report.OrphansDeleted = append(report.OrphansDeleted, filename)
		} else {
			stillKept = append(stillKept, filename)
		}
	}
	report.OrphansKept = stillKept
	if len(report.OrphansDeleted) > 0 {
		m.mu.Lock()
		m.invalidateLocked()
		m.mu.Unlock()
	}
	return report, nil
}

func fetchRemoteIndex(ctx context.Context, store objectstore.Store, filename string) (codec.MetaIndex, error) {
	key := remoteIndexKeyFor(filename)
	data, _, err := store.Get(ctx, key)
	if err != nil {
		return codec.MetaIndex{}, errs.Wrap("cache.fetchRemoteIndex", err)
	}
	var idx codec.MetaIndex
	if err := json.Unmarshal(data, &idx); err != nil {
		return codec.MetaIndex{}, errs.New(errs.SchemaMismatch, "cache.fetchRemoteIndex", err)
	}
	return idx, nil
}

func remoteIndexKeyFor(filename string) string {
	base := strings.TrimSuffix(filename, ".fastshot")
	return remoteIndexPrefix + base + ".meta.json"
}

// rebuildFromRemote is the fallback path when the remote manifest is
// missing or fails its self-checksum: list every remote index directly,
// fetch each one, write it locally, and republish a fresh manifest built
// from what was actually found.
func (m *Manager) rebuildFromRemote(ctx context.Context, store objectstore.Store, progress ProgressFunc) (SyncReport, error) {
	var report SyncReport
	report.Rebuilt = true

	progress(0.1, "rebuilding manifest from remote indexes")
	entries, err := store.List(ctx, remoteIndexPrefix)
	if err != nil {
		return report, errs.Wrap("cache.rebuildFromRemote", err)
	}

	var manifestEntries []ManifestEntry
	for i, e := range entries {
		if err := checkCancel(ctx); err != nil {
			return report, err
		}
		data, _, getErr := store.Get(ctx, e.Key)
		if getErr != nil {
			continue
		}
		var idx codec.MetaIndex
		if err := json.Unmarshal(data, &idx); err != nil {
			continue
		}
		if idx.Filename == "" {
			idx.Filename = strings.TrimSuffix(path.Base(e.Key), ".meta.json") + ".fastshot"
		}
		if err := writeMetaIndexAtomic(m.root, idx); err != nil {
			return report, err
		}
		manifestEntries = append(manifestEntries, ManifestEntry{
			Filename:  idx.Filename,
			CreatedAt: idx.CreatedAt,
			FileSize:  idx.Metadata.FileSize,
			Checksum:  idx.Checksum,
		})
		report.Fetched = append(report.Fetched, idx.Filename)
		if len(entries) > 0 {
			progress(0.1+0.8*float64(i+1)/float64(len(entries)), "rebuilt "+idx.Filename)
		}
	}

	manifest := Manifest{Version: "1.0", Sessions: manifestEntries, TotalSessions: len(manifestEntries)}
	if err := writeManifestAtomic(overallMetaPath(m.root), manifest); err != nil {
		return report, err
	}
	body, err := json.MarshalIndent(manifest, "", "  ")
	if err == nil {
		_, _ = store.Put(ctx, "overall_meta.json", body, "")
	}

	m.mu.Lock()
	m.invalidateLocked()
	m.mu.Unlock()

	_ = m.touchLastSync("valid", nil)
	progress(1.0, "rebuild completed")
	return report, nil
}

// ValidateIntegrity walks meta_cache/meta_indexes directly on disk (not the
// in-memory snapshot, which silently drops unparseable index files) and
// reports checksum mismatches, missing bodies referenced by an index, and
// index files that fail to parse as corrupted. It performs no network access.
func (m *Manager) ValidateIntegrity() (IntegrityReport, error) {
	report := IntegrityReport{Status: "valid"}

	dir := filepath.Join(m.root, "meta_cache", "meta_indexes")
	entries, err := os.ReadDir(dir)
	if err != nil && !os.IsNotExist(err) {
		return IntegrityReport{}, errs.New(errs.Fatal, "cache.ValidateIntegrity", err)
	}

	seen := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		idx, _, readErr := readMetaIndex(filepath.Join(dir, e.Name()))
		if readErr != nil {
			filename := strings.TrimSuffix(e.Name(), ".meta.json") + ".fastshot"
			report.CorruptedFiles = append(report.CorruptedFiles, filename)
			continue
		}
		seen[idx.Filename] = struct{}{}

		body, readBodyErr := os.ReadFile(sessionBodyPath(m.root, idx.Filename))
		if readBodyErr != nil {
			if os.IsNotExist(readBodyErr) {
				report.MissingFiles = append(report.MissingFiles, idx.Filename)
			}
			continue
		}
		if codec.Checksum(body) != idx.Checksum {
			report.CorruptedFiles = append(report.CorruptedFiles, idx.Filename)
		}
	}

	if manifest, err := readManifest(overallMetaPath(m.root)); err == nil {
		for name := range manifest.filenames() {
			if _, ok := seen[name]; !ok {
				report.OrphanedFiles = append(report.OrphanedFiles, name)
			}
		}
	} else if errs.ClassOf(err) == errs.Integrity {
		report.CorruptedFiles = append(report.CorruptedFiles, "overall_meta.json")
	}

	if len(report.CorruptedFiles) > 0 {
		report.Status = "corrupted"
	}
	return report, nil
}

// RecoverFromCorruption discards locally corrupted index files (as reported
// by ValidateIntegrity) and, when store is non-nil, re-fetches each from the
// remote so the cache converges back to I1-I4 instead of merely deleting
// state and leaving the entry gone.
func (m *Manager) RecoverFromCorruption(ctx context.Context, store objectstore.Store) error {
	report, err := m.ValidateIntegrity()
	if err != nil {
		return err
	}

	for _, filename := range report.CorruptedFiles {
		if filename == "overall_meta.json" {
			os.Remove(overallMetaPath(m.root))
			continue
		}
		if err := checkCancel(ctx); err != nil {
			return err
		}
		os.Remove(metaIndexPath(m.root, filename))
		if m.bodyCache != nil {
			m.bodyCache.Evict(filename)
		}
		if store == nil {
			continue
		}
		idx, fetchErr := fetchRemoteIndex(ctx, store, filename)
		if fetchErr != nil {
			continue
		}
		_ = writeMetaIndexAtomic(m.root, idx)
	}

	m.mu.Lock()
	m.invalidateLocked()
	m.mu.Unlock()
	return nil
}

// Repair works on the local cache only. It first deletes every cached index
// that ValidateIntegrity lists in MissingFiles (its body is not under
// sessions/). Then, when store is non-nil, it lists the remote sessions/
// prefix and, for each body GetMetadata does not find, downloads the body,
// derives an index from it and writes that index to the local cache.
// Nothing is uploaded and neither the remote nor the local manifest is
// changed, so manifest entries without a body are left in place.
// encryptionKey is used to attempt a full decode of each downloaded body
// before falling back to a fallback index; pass nil if the store's artifacts
// are unencrypted.
func (m *Manager) Repair(ctx context.Context, store objectstore.Store, encryptionKey []byte) error {
	report, err := m.ValidateIntegrity()
	if err != nil {
		return err
	}

	for _, filename := range report.MissingFiles {
		if err := checkCancel(ctx); err != nil {
			return err
		}
		if err := os.Remove(metaIndexPath(m.root, filename)); err != nil && !os.IsNotExist(err) {
			return errs.New(errs.Fatal, "cache.Repair", err)
		}
	}

	if store != nil {
		entries, listErr := store.List(ctx, "sessions/")
		if listErr == nil {
			for _, e := range entries {
				filename := path.Base(e.Key)
				if _, err := m.GetMetadata(filename); err == nil {
					continue // already has an index
				}
				if err := checkCancel(ctx); err != nil {
					return err
				}
				body, _, getErr := store.Get(ctx, e.Key)
				if getErr != nil {
					continue
				}
				session, decodeErr := codec.Decode(body, encryptionKey)
				var idx codec.MetaIndex
				if decodeErr != nil {
					idx = codec.DeriveFallbackIndex(filename, body, time.Now())
				} else {
					idx = codec.DeriveIndex(filename, session, body)
				}
				_ = writeMetaIndexAtomic(m.root, idx)
			}
		}
	}

	m.mu.Lock()
	m.invalidateLocked()
	m.mu.Unlock()
	return nil
}
