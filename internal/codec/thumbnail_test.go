package codec

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBestGridPrefersFourThirdsAspect(t *testing.T) {
	cases := []struct {
		n                int
		wantCols, wantRows int
	}{
		{1, 1, 1},
		{4, 3, 2}, // 3/2: |1.5-1.33|=0.17 beats 2/2: |1-1.33|=0.33 and 4/1: |4-1.33|=2.67
		{6, 3, 2},
		{12, 4, 3},
	}
	for _, c := range cases {
		cols, rows := bestGrid(c.n)
		require.Equal(t, cols*rows >= c.n, true, "grid must fit all %d items, got %dx%d", c.n, cols, rows)
		require.Equal(t, c.wantCols, cols, "cols for n=%d", c.n)
		require.Equal(t, c.wantRows, rows, "rows for n=%d", c.n)
	}
}

func TestBestGridTiesBreakTowardFewerRows(t *testing.T) {
	// n=4: candidates (cols=2,rows=2) score |1-4/3|=0.33, (cols=3,rows=2) score |1.5-4/3|=0.17,
	// (cols=4,rows=1) score |4-4/3|=2.67, so 3x2 wins; verify it doesn't pick more rows than cols for a square count.
	cols, rows := bestGrid(4)
	require.LessOrEqual(t, rows, cols)
}

func TestBuildThumbnailCollageNoImages(t *testing.T) {
	img, err := BuildThumbnailCollage(nil)
	require.NoError(t, err)
	require.NotNil(t, img)
}

func TestBuildThumbnailCollageTilesAllImages(t *testing.T) {
	images := []image.Image{
		solidImage(400, 200, color.RGBA{255, 0, 0, 255}),
		solidImage(200, 400, color.RGBA{0, 255, 0, 255}),
		solidImage(100, 100, color.RGBA{0, 0, 255, 255}),
	}
	collage, err := BuildThumbnailCollage(images)
	require.NoError(t, err)

	b := collage.Bounds()
	require.Greater(t, b.Dx(), 0)
	require.Greater(t, b.Dy(), 0)
}

func TestDownscaleCapsLongerEdge(t *testing.T) {
	img := solidImage(1000, 500, color.RGBA{1, 2, 3, 255})
	out := downscale(img, thumbnailEdge)
	b := out.Bounds()
	require.Equal(t, thumbnailEdge, b.Dx())
	require.Equal(t, thumbnailEdge/2, b.Dy())
}
