package codec

import (
	"bytes"
	"image"
	"image/color"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JimEverest/fastshot/internal/errs"
)

func solidImage(w, h int, c color.Color) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func TestXORStreamSymmetric(t *testing.T) {
	key := []byte("passphrase")
	data := []byte("the quick brown fox jumps over the lazy dog")

	ciphertext := XORStream(key, data)
	require.NotEqual(t, data, ciphertext)

	plaintext := XORStream(key, ciphertext)
	require.Equal(t, data, plaintext)
}

func TestXORStreamEmptyKeyIsIdentity(t *testing.T) {
	data := []byte("unchanged")
	require.Equal(t, data, XORStream(nil, data))
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	session := Session{
		Version:   "1.0",
		CreatedAt: "2026-08-03T00:00:00Z",
		Windows: []Window{
			{Geometry: [4]int{0, 0, 200, 100}, Scale: 1.0, ImageFile: "images/0.png"},
		},
		Metadata: Metadata{Name: "test session", Tags: []string{"a", "b"}, Color: "blue"},
	}
	images := []image.Image{solidImage(200, 100, color.RGBA{255, 0, 0, 255})}
	key := []byte("s3cr3t")

	body, err := Encode(session, images, key)
	require.NoError(t, err)

	idx := bytes.Index(body, []byte(Sentinel))
	require.Greater(t, idx, 0, "cover image bytes must precede the sentinel")

	decoded, err := Decode(body, key)
	require.NoError(t, err)
	require.Equal(t, session.Metadata.Name, decoded.Metadata.Name)
	require.Equal(t, session.Metadata.Tags, decoded.Metadata.Tags)
	require.Len(t, decoded.Windows, 1)
}

func TestDecodeWrongKeyFailsDecryption(t *testing.T) {
	session := Session{Version: "1.0", Metadata: Metadata{Name: "x"}}
	body, err := Encode(session, nil, []byte("correct-key"))
	require.NoError(t, err)

	_, err = Decode(body, []byte("wrong-key"))
	require.Equal(t, errs.DecryptionFailed, errs.ClassOf(err))
}

func TestDecodeMissingSentinelIsCorrupt(t *testing.T) {
	_, err := Decode([]byte("not a fastshot file at all"), []byte("key"))
	require.Equal(t, errs.Integrity, errs.ClassOf(err))
}

func TestChecksumIsDeterministic(t *testing.T) {
	body := []byte("some body bytes")
	require.Equal(t, Checksum(body), Checksum(body))
	require.NotEqual(t, Checksum(body), Checksum([]byte("other")))
}

func TestDeriveIndexCountsImages(t *testing.T) {
	session := Session{
		Windows:  []Window{{}, {}, {}},
		Metadata: Metadata{Name: "n", CreatedAt: "2026-01-01T00:00:00Z"},
	}
	body := []byte("body")
	idx := DeriveIndex("20260803000000_n.fastshot", session, body)

	require.Equal(t, 3, idx.Metadata.ImageCount)
	require.Equal(t, "1.0", idx.Version)
	require.Equal(t, Checksum(body), idx.Checksum)
	require.Equal(t, int64(len(body)), idx.Metadata.FileSize)
}

func TestDeriveFallbackIndexDefaults(t *testing.T) {
	idx := DeriveFallbackIndex("legacy.fastshot", []byte("legacy-body"), time.Now())

	require.Equal(t, "0.9", idx.Version)
	require.Equal(t, 0, idx.Metadata.ImageCount)
	require.Equal(t, "Metadata not available", idx.Metadata.Desc)
	require.Empty(t, idx.Metadata.Tags)
	require.NotEmpty(t, idx.Checksum)
}
