package cache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/JimEverest/fastshot/internal/codec"
	"github.com/JimEverest/fastshot/internal/errs"
)

func metaIndexPath(root, filename string) string {
	base := filename
	if ext := filepath.Ext(base); ext == ".fastshot" {
		base = base[:len(base)-len(ext)]
	}
	return filepath.Join(root, "meta_cache", "meta_indexes", base+".meta.json")
}

func overallMetaPath(root string) string {
	return filepath.Join(root, "meta_cache", "overall_meta.json")
}

func cacheInfoPath(root string) string {
	return filepath.Join(root, "meta_cache", "cache_info.json")
}

func sessionBodyPath(root, filename string) string {
	return filepath.Join(root, "sessions", filename)
}

// writeMetaIndexAtomic persists idx under root, atomically.
func writeMetaIndexAtomic(root string, idx codec.MetaIndex) error {
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return errs.New(errs.Fatal, "cache.writeMetaIndexAtomic", err)
	}
	return writeAtomic(metaIndexPath(root, idx.Filename), data)
}

// readMetaIndex loads a meta index file and applies backward-compatibility
// defaulting per §4.3: an index missing `version` or required metadata
// fields is filled with zero-value defaults and reported as legacy so the
// caller can transparently upgrade it on next write.
func readMetaIndex(path string) (idx codec.MetaIndex, legacy bool, err error) {
	data, readErr := os.ReadFile(path)
	if readErr != nil {
		if os.IsNotExist(readErr) {
			return codec.MetaIndex{}, false, errs.ErrNotFound
		}
		return codec.MetaIndex{}, false, errs.New(errs.Fatal, "cache.readMetaIndex", readErr)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return codec.MetaIndex{}, false, errs.New(errs.Integrity, "cache.readMetaIndex", fmt.Errorf("parse index json: %w", err))
	}

	if err := json.Unmarshal(data, &idx); err != nil {
		return codec.MetaIndex{}, false, errs.New(errs.Integrity, "cache.readMetaIndex", err)
	}

	if _, hasVersion := raw["version"]; !hasVersion || idx.Version == "" {
		legacy = true
		idx.Version = "0.9"
	}
	if idx.Filename == "" {
		legacy = true
	}
	if idx.Metadata.Tags == nil {
		legacy = true
		idx.Metadata.Tags = []string{}
	}
	if idx.CreatedAt == "" {
		legacy = true
		idx.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	if idx.LastUpdated == "" {
		idx.LastUpdated = idx.CreatedAt
	}

	return idx, legacy, nil
}
