package cache

import (
	"context"
	"encoding/json"
	"path"
	"time"

	"github.com/JimEverest/fastshot/internal/codec"
	"github.com/JimEverest/fastshot/internal/errs"
	"github.com/JimEverest/fastshot/internal/objectstore"
)

// PublishConfig bounds the manifest CAS retry loop.
type PublishConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// DefaultPublishConfig matches §4.3's "bounded exponential backoff".
func DefaultPublishConfig() PublishConfig {
	return PublishConfig{MaxAttempts: 5, BaseDelay: 500 * time.Millisecond}
}

// PublishSession runs the atomic-publish sequence from §4.3: upload body,
// upload index, then compare-and-swap the manifest, retrying the CAS step
// with bounded backoff on PreconditionFailed. Any permanent failure rolls
// back whichever of (body, index) were already uploaded and never touches
// the manifest.
func (m *Manager) PublishSession(ctx context.Context, store objectstore.Store, filename string, body []byte, idx codec.MetaIndex, cfg PublishConfig, progress ProgressFunc) error {
	if progress == nil {
		progress = noopProgress
	}

	lock, err := acquireLock(m.root, lockExclusive)
	if err != nil {
		return err
	}
	defer lock.release()

	var uploaded []string
	rollback := func() {
		for _, key := range uploaded {
			_ = store.Delete(context.Background(), key)
		}
	}

	if err := checkCancel(ctx); err != nil {
		return err
	}
	progress(0.0, "uploading session body")
	bodyKey := path.Join("sessions", filename)
	if _, err := store.Put(ctx, bodyKey, body, ""); err != nil {
		progress(-1, "failed to upload body")
		return errs.Wrap("cache.PublishSession", err)
	}
	uploaded = append(uploaded, bodyKey)

	if err := checkCancel(ctx); err != nil {
		rollback()
		return err
	}
	progress(0.3, "uploading metadata index")
	indexJSON, err := marshalIndex(idx)
	if err != nil {
		rollback()
		return err
	}
	indexKey := remoteIndexKeyFor(filename)
	if _, err := store.Put(ctx, indexKey, indexJSON, ""); err != nil {
		rollback()
		progress(-1, "failed to upload metadata index")
		return errs.Wrap("cache.PublishSession", err)
	}
	uploaded = append(uploaded, indexKey)

	progress(0.5, "publishing manifest")
	if err := m.casPublishManifest(ctx, store, idx, cfg, progress); err != nil {
		rollback()
		return err
	}

	progress(0.9, "updating local cache")
	if err := writeMetaIndexAtomic(m.root, idx); err != nil {
		return err
	}
	if m.bodyCache != nil {
		_ = m.bodyCache.Put(filename, body)
	}

	m.mu.Lock()
	m.invalidateLocked()
	m.mu.Unlock()

	progress(1.0, "publish completed")
	return nil
}

func marshalIndex(idx codec.MetaIndex) ([]byte, error) {
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return nil, errs.New(errs.Fatal, "cache.marshalIndex", err)
	}
	return data, nil
}

// casPublishManifest implements §4.3 steps 4-5: read the manifest with its
// etag, add/replace idx's entry, and Put with if_match; on PreconditionFailed
// re-read and retry up to cfg.MaxAttempts times with exponential backoff.
func (m *Manager) casPublishManifest(ctx context.Context, store objectstore.Store, idx codec.MetaIndex, cfg PublishConfig, progress ProgressFunc) error {
	const manifestKey = "overall_meta.json"
	delay := cfg.BaseDelay

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := checkCancel(ctx); err != nil {
			return err
		}

		data, etag, err := store.Get(ctx, manifestKey)
		rebuild := errs.ClassOf(err) == errs.NotFound
		var manifest Manifest
		if rebuild {
			manifest = Manifest{Version: "1.0"}
			etag = ""
		} else if err != nil {
			return errs.Wrap("cache.casPublishManifest", err)
		} else if err := json.Unmarshal(data, &manifest); err != nil {
			return errs.New(errs.SchemaMismatch, "cache.casPublishManifest", err)
		}

		entry := ManifestEntry{
			Filename:  idx.Filename,
			CreatedAt: idx.CreatedAt,
			FileSize:  idx.Metadata.FileSize,
			Checksum:  idx.Checksum,
		}
		if i := indexOfFilename(manifest.Sessions, idx.Filename); i >= 0 {
			manifest.Sessions[i] = entry
		} else {
			manifest.Sessions = append(manifest.Sessions, entry)
		}
		manifest.TotalSessions = len(manifest.Sessions)
		manifest.LastUpdated = time.Now().UTC().Format(time.RFC3339)
		manifest.Checksum = ""
		sum, err := canonicalChecksum(manifest)
		if err != nil {
			return errs.New(errs.Fatal, "cache.casPublishManifest", err)
		}
		manifest.Checksum = sum

		body, err := json.MarshalIndent(manifest, "", "  ")
		if err != nil {
			return errs.New(errs.Fatal, "cache.casPublishManifest", err)
		}

		_, err = store.Put(ctx, manifestKey, body, etag)
		if err == nil {
			return nil
		}
		if err != objectstore.ErrPreconditionFailed && errs.ClassOf(err) != errs.Transient {
			return errs.Wrap("cache.casPublishManifest", err)
		}

		progress(0.5, "manifest publish conflict, retrying")
		if attempt == cfg.MaxAttempts {
			return errs.New(errs.Transient, "cache.casPublishManifest", errConflictExhausted{attempts: attempt})
		}
		if sleepErr := sleepCtx(ctx, delay); sleepErr != nil {
			return sleepErr
		}
		delay *= 2
	}
	return errs.New(errs.Transient, "cache.casPublishManifest", errConflictExhausted{attempts: cfg.MaxAttempts})
}

// indexOfFilename returns the position of filename in sessions, preserving
// manifest insertion order across publish calls (map iteration would
// otherwise reorder the whole list nondeterministically on every publish).
func indexOfFilename(sessions []ManifestEntry, filename string) int {
	for i, e := range sessions {
		if e.Filename == filename {
			return i
		}
	}
	return -1
}

type errConflictExhausted struct{ attempts int }

func (e errConflictExhausted) Error() string {
	return "manifest publish conflict not resolved after bounded retries"
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return errs.New(errs.Cancelled, "cache.sleepCtx", ctx.Err())
	}
}
