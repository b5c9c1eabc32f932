package cache

import "github.com/JimEverest/fastshot/internal/codec"

// ManifestEntry is one row of the Overall Manifest's sessions list.
type ManifestEntry struct {
	Filename  string `json:"filename"`
	CreatedAt string `json:"created_at"`
	FileSize  int64  `json:"file_size"`
	Checksum  string `json:"checksum"`
}

// Manifest is the Overall Manifest, §6 canonical schema. Checksum is over
// its own canonical form with the Checksum field itself blanked — a
// self-referential integrity check, not a body checksum.
type Manifest struct {
	Version       string          `json:"version"`
	LastUpdated   string          `json:"last_updated"`
	TotalSessions int             `json:"total_sessions"`
	Sessions      []ManifestEntry `json:"sessions"`
	Checksum      string          `json:"checksum"`
}

// filenames returns the manifest's session filenames as a set.
func (m *Manifest) filenames() map[string]ManifestEntry {
	out := make(map[string]ManifestEntry, len(m.Sessions))
	for _, e := range m.Sessions {
		out[e.Filename] = e
	}
	return out
}

// IntegrityCheck is the embedded status block of Cache Info.
type IntegrityCheck struct {
	LastValidated  string   `json:"last_validated"`
	Status         string   `json:"status"` // valid|corrupted|unknown
	CorruptedFiles []string `json:"corrupted_files"`
}

// Info is the Cache Info document, §3/§4.3.
type Info struct {
	Version        string         `json:"version"`
	LastSync       string         `json:"last_sync"`
	CacheSizeBytes int64          `json:"cache_size_bytes"`
	TotalMetaFiles int            `json:"total_meta_files"`
	IntegrityCheck IntegrityCheck `json:"integrity_check"`
}

// IntegrityReport is returned by ValidateIntegrity.
type IntegrityReport struct {
	Status         string   `json:"status"`
	CorruptedFiles []string `json:"corrupted_files"`
	MissingFiles   []string `json:"missing_files"`
	OrphanedFiles  []string `json:"orphaned_files"`
}

// OrphanPolicy decides what happens to a local index whose filename the
// remote manifest no longer lists.
type OrphanPolicy string

const (
	OrphanKeep   OrphanPolicy = "keep"
	OrphanDelete OrphanPolicy = "delete"
	OrphanPrompt OrphanPolicy = "prompt"
)

// OrphanDecider is consulted once per orphaned filename when OrphanPolicy is
// OrphanPrompt. Returning true deletes the entry, false keeps it.
type OrphanDecider func(filename string) bool

// SyncReport summarizes one SyncWithRemote pass.
type SyncReport struct {
	Fetched    []string `json:"fetched"`
	Revalidated []string `json:"revalidated"`
	OrphansKept    []string `json:"orphans_kept"`
	OrphansDeleted []string `json:"orphans_deleted"`
	Rebuilt    bool `json:"rebuilt"`
}

// ProgressFunc receives fraction-complete in [0,1] (or -1 on failure) and a
// human-readable message, mirroring the weighted progress callbacks of the
// original sync implementation.
type ProgressFunc func(fraction float64, message string)

func noopProgress(float64, string) {}

// MetaIndex re-exports codec.MetaIndex so callers of this package don't need
// to import internal/codec just to read a Manager result.
type MetaIndex = codec.MetaIndex
