// Package codec implements the Artifact Codec: encoding and decoding of the
// steganographic .fastshot session file, derivation of its Metadata Index,
// and construction of the thumbnail collage used as the artifact's cover
// image.
package codec

import (
	"archive/zip"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"time"

	"github.com/klauspost/compress/flate"

	"github.com/JimEverest/fastshot/internal/errs"
)

// Sentinel is the 4-byte ASCII marker separating cover-image bytes from the
// XOR-encrypted ZIP ciphertext.
const Sentinel = "FHDR"

// Metadata is the user-facing descriptive block embedded in both the
// session JSON and the Metadata Index.
type Metadata struct {
	Name        string   `json:"name"`
	Desc        string   `json:"desc"`
	Tags        []string `json:"tags"`
	Color       string   `json:"color"`
	Class       string   `json:"class"`
	ImageCount  int      `json:"image_count"`
	CreatedAt   string   `json:"created_at"`
	FileSize    int64    `json:"file_size"`
}

// Window is one captured/annotated window within a session.
type Window struct {
	Geometry    [4]int          `json:"geometry"` // x, y, w, h
	Scale       float64         `json:"scale"`
	ImageBase64 string          `json:"image_base64,omitempty"`
	ImageFile   string          `json:"image_file,omitempty"` // images/<n>.png inside the ZIP
	DrawHistory json.RawMessage `json:"draw_history,omitempty"`
}

// Session is the decoded plaintext session document (manifest.json inside
// the artifact ZIP).
type Session struct {
	Version   string   `json:"version"`
	CreatedAt string   `json:"created_at"`
	Windows   []Window `json:"windows"`
	Metadata  Metadata `json:"metadata"`
}

// MetaIndex is the Metadata Index document, §6 canonical schema.
type MetaIndex struct {
	Version     string   `json:"version"`
	Filename    string   `json:"filename"`
	Metadata    Metadata `json:"metadata"`
	Checksum    string   `json:"checksum"`
	CreatedAt   string   `json:"created_at"`
	LastUpdated string   `json:"last_updated"`
}

// XORStream XOR's data against key, cycling key bytes modulo key length.
// Symmetric: encrypting and decrypting are the same operation. This is an
// intentional obfuscation scheme, not authenticated encryption — the key is
// a shared passphrase, not a per-artifact random key, so a corrupted or
// tampered artifact fails only when the result stops parsing as a ZIP
// (DecryptionFailed), not via any MAC check.
func XORStream(key, data []byte) []byte {
	if len(key) == 0 {
		out := make([]byte, len(data))
		copy(out, data)
		return out
	}
	out := make([]byte, len(data))
	klen := len(key)
	for i, b := range data {
		out[i] = b ^ key[i%klen]
	}
	return out
}

// Encode builds the complete .fastshot artifact: ZIP the session, XOR it,
// prepend a thumbnail-collage PNG cover and the sentinel.
func Encode(session Session, images []image.Image, key []byte) ([]byte, error) {
	zipped, err := zipSession(session, images)
	if err != nil {
		return nil, errs.New(errs.Fatal, "codec.Encode", err)
	}
	ciphertext := XORStream(key, zipped)

	cover, err := BuildThumbnailCollage(images)
	if err != nil {
		return nil, errs.New(errs.Fatal, "codec.Encode", fmt.Errorf("build thumbnail: %w", err))
	}
	var coverBuf bytes.Buffer
	if err := png.Encode(&coverBuf, cover); err != nil {
		return nil, errs.New(errs.Fatal, "codec.Encode", fmt.Errorf("encode cover png: %w", err))
	}

	out := make([]byte, 0, coverBuf.Len()+len(Sentinel)+len(ciphertext))
	out = append(out, coverBuf.Bytes()...)
	out = append(out, []byte(Sentinel)...)
	out = append(out, ciphertext...)
	return out, nil
}

func zipSession(session Session, images []image.Image) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	zw.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(w, flate.DefaultCompression)
	})

	manifestJSON, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal session: %w", err)
	}
	w, err := zw.Create("manifest.json")
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(manifestJSON); err != nil {
		return nil, err
	}

	for i, img := range images {
		name := fmt.Sprintf("images/%d.png", i)
		iw, err := zw.Create(name)
		if err != nil {
			return nil, err
		}
		if err := png.Encode(iw, img); err != nil {
			return nil, err
		}
	}

	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode reverses Encode: locates the sentinel, XOR-decrypts, and unzips the
// session. It never returns the cover image — callers needing it should keep
// the raw body and re-slice up to the sentinel index themselves.
func Decode(raw []byte, key []byte) (Session, error) {
	idx := bytes.Index(raw, []byte(Sentinel))
	if idx == -1 {
		return Session{}, errs.New(errs.Integrity, "codec.Decode", errors.New("FHDR sentinel not found"))
	}
	ciphertext := raw[idx+len(Sentinel):]
	plaintext := XORStream(key, ciphertext)

	zr, err := zip.NewReader(bytes.NewReader(plaintext), int64(len(plaintext)))
	if err != nil {
		return Session{}, errs.New(errs.DecryptionFailed, "codec.Decode", fmt.Errorf("not a valid zip after xor: %w", err))
	}

	f, err := zr.Open("manifest.json")
	if err != nil {
		return Session{}, errs.New(errs.SchemaMismatch, "codec.Decode", fmt.Errorf("missing manifest.json: %w", err))
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return Session{}, errs.New(errs.SchemaMismatch, "codec.Decode", err)
	}

	var session Session
	if err := json.Unmarshal(data, &session); err != nil {
		return Session{}, errs.New(errs.SchemaMismatch, "codec.Decode", fmt.Errorf("parse manifest.json: %w", err))
	}
	return session, nil
}

// Checksum returns the canonical "sha256:<hex>" checksum of a body as used
// in the Metadata Index and Overall Manifest.
func Checksum(body []byte) string {
	sum := sha256.Sum256(body)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// DeriveIndex builds a MetaIndex for filename from session and the raw
// encoded body, matching the on-wire canonical schema exactly.
func DeriveIndex(filename string, session Session, body []byte) MetaIndex {
	now := session.Metadata.CreatedAt
	if now == "" {
		now = time.Now().UTC().Format(time.RFC3339)
	}
	return MetaIndex{
		Version:  "1.0",
		Filename: filename,
		Metadata: Metadata{
			Name:       session.Metadata.Name,
			Desc:       session.Metadata.Desc,
			Tags:       session.Metadata.Tags,
			Color:      session.Metadata.Color,
			Class:      session.Metadata.Class,
			ImageCount: len(session.Windows),
			CreatedAt:  now,
			FileSize:   int64(len(body)),
		},
		Checksum:    Checksum(body),
		CreatedAt:   now,
		LastUpdated: now,
	}
}

// DeriveFallbackIndex synthesizes a best-effort Metadata Index for a body
// that fails to decode as a current-schema session (pre-metadata-era
// artifact). Required fields get zero-value defaults per the backward
// compatibility rule; filename/body size/checksum are still accurate.
func DeriveFallbackIndex(filename string, body []byte, createdAt time.Time) MetaIndex {
	ts := createdAt.UTC().Format(time.RFC3339)
	return MetaIndex{
		Version:  "0.9",
		Filename: filename,
		Metadata: Metadata{
			Name:       "",
			Desc:       "Metadata not available",
			Tags:       []string{},
			Color:      "",
			Class:      "",
			ImageCount: 0,
			CreatedAt:  ts,
			FileSize:   int64(len(body)),
		},
		Checksum:    Checksum(body),
		CreatedAt:   ts,
		LastUpdated: ts,
	}
}
