package cache

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/JimEverest/fastshot/internal/errs"
)

// writeAtomic writes data to path via a temp file in the same directory
// followed by fsync + rename (I5): readers either see the old file or the
// new one, never a partial write.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errs.New(errs.Fatal, "cache.writeAtomic", fmt.Errorf("mkdir %s: %w", dir, err))
	}

	tmp := filepath.Join(dir, tmpName())
	f, err := os.Create(tmp)
	if err != nil {
		return errs.New(errs.Fatal, "cache.writeAtomic", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return errs.New(errs.Fatal, "cache.writeAtomic", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return errs.New(errs.Fatal, "cache.writeAtomic", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return errs.New(errs.Fatal, "cache.writeAtomic", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return errs.New(errs.Fatal, "cache.writeAtomic", fmt.Errorf("rename: %w", err))
	}
	return nil
}

func tmpName() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b) + ".partial"
}

// canonicalChecksum marshals v to JSON and returns its sha256, used to give
// the Manifest a checksum "of its own canonical form" (§6): callers must
// pass a copy of the value with any self-referential checksum field blanked.
func canonicalChecksum(v interface{}) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

// writeManifestAtomic computes the manifest's self-checksum (with Checksum
// blanked) then writes the complete document atomically.
func writeManifestAtomic(path string, m Manifest) error {
	m.Checksum = ""
	sum, err := canonicalChecksum(m)
	if err != nil {
		return errs.New(errs.Fatal, "cache.writeManifestAtomic", err)
	}
	m.Checksum = sum

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return errs.New(errs.Fatal, "cache.writeManifestAtomic", err)
	}
	return writeAtomic(path, data)
}

// readManifest loads and validates a manifest's self-checksum.
func readManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Manifest{}, errs.ErrNotFound
		}
		return Manifest{}, errs.New(errs.Fatal, "cache.readManifest", err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, errs.New(errs.SchemaMismatch, "cache.readManifest", err)
	}

	stored := m.Checksum
	m.Checksum = ""
	want, err := canonicalChecksum(m)
	if err != nil {
		return Manifest{}, errs.New(errs.Fatal, "cache.readManifest", err)
	}
	m.Checksum = stored
	if stored != "" && stored != want {
		return m, errs.New(errs.Integrity, "cache.readManifest", fmt.Errorf("manifest checksum mismatch: stored=%s computed=%s", stored, want))
	}
	return m, nil
}

// writeInfoAtomic writes cache_info.json atomically. Cache Info carries no
// self-checksum field in its canonical schema; its integrity signal is
// structural JSON validity plus the atomic-write guarantee itself (I5).
func writeInfoAtomic(path string, info Info) error {
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return errs.New(errs.Fatal, "cache.writeInfoAtomic", err)
	}
	return writeAtomic(path, data)
}

func readInfo(path string) (Info, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Info{}, errs.ErrNotFound
		}
		return Info{}, errs.New(errs.Fatal, "cache.readInfo", err)
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return Info{}, errs.New(errs.SchemaMismatch, "cache.readInfo", err)
	}
	return info, nil
}
