package codec

import (
	"errors"
	"image"
	"image/color"
	"image/draw"
	"math"

	"github.com/JimEverest/fastshot/internal/errs"
)

// thumbnailEdge is the longer-edge bounding box, in pixels, each embedded
// image is downscaled to before tiling into the collage.
const thumbnailEdge = 100

// targetAspect is the collage's preferred column/row ratio; grid layouts are
// scored by how close they come to it.
const targetAspect = 4.0 / 3.0

// BuildThumbnailCollage downscales each image to a thumbnailEdge bounding
// box and tiles them into a grid whose column count minimizes
// |cols/rows - 4/3|, ties broken toward fewer rows (more columns). A
// collage is built even for zero images (a 100x100 white placeholder), since the
// artifact always needs some valid PNG as its cover.
func BuildThumbnailCollage(images []image.Image) (image.Image, error) {
	if len(images) == 0 {
		return blankCover(), nil
	}

	thumbs := make([]image.Image, len(images))
	for i, img := range images {
		if img == nil {
			return nil, errs.New(errs.Fatal, "codec.BuildThumbnailCollage", errors.New("nil image at index"))
		}
		thumbs[i] = downscale(img, thumbnailEdge)
	}

	cols, rows := bestGrid(len(thumbs))

	cellW, cellH := 0, 0
	for _, t := range thumbs {
		b := t.Bounds()
		if b.Dx() > cellW {
			cellW = b.Dx()
		}
		if b.Dy() > cellH {
			cellH = b.Dy()
		}
	}

	collage := image.NewRGBA(image.Rect(0, 0, cols*cellW, rows*cellH))
	draw.Draw(collage, collage.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)

	for i, t := range thumbs {
		col := i % cols
		row := i / cols
		dst := image.Rect(col*cellW, row*cellH, (col+1)*cellW, (row+1)*cellH)
		draw.Draw(collage, dst, t, t.Bounds().Min, draw.Src)
	}

	return collage, nil
}

// bestGrid picks (cols, rows) for n items minimizing |cols/rows - 4/3|,
// breaking ties toward the larger column count.
func bestGrid(n int) (cols, rows int) {
	bestCols, bestRows := n, 1
	bestScore := math.Abs(float64(n)/1.0 - targetAspect)

	for c := 1; c <= n; c++ {
		r := (n + c - 1) / c // ceil(n/c)
		score := math.Abs(float64(c)/float64(r) - targetAspect)
		if score < bestScore || (score == bestScore && c > bestCols) {
			bestScore = score
			bestCols = c
			bestRows = r
		}
	}
	return bestCols, bestRows
}

// downscale resizes img so its longer edge equals edge pixels, preserving
// aspect ratio, using nearest-neighbor sampling (no third-party imaging
// library in the retrieved pack covers general-purpose resizing; see
// DESIGN.md).
func downscale(img image.Image, edge int) image.Image {
	b := img.Bounds()
	srcW, srcH := b.Dx(), b.Dy()
	if srcW == 0 || srcH == 0 {
		return image.NewRGBA(image.Rect(0, 0, 1, 1))
	}

	var dstW, dstH int
	if srcW >= srcH {
		dstW = edge
		dstH = int(math.Round(float64(srcH) * float64(edge) / float64(srcW)))
	} else {
		dstH = edge
		dstW = int(math.Round(float64(srcW) * float64(edge) / float64(srcH)))
	}
	if dstW < 1 {
		dstW = 1
	}
	if dstH < 1 {
		dstH = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, dstW, dstH))
	for y := 0; y < dstH; y++ {
		srcY := b.Min.Y + y*srcH/dstH
		for x := 0; x < dstW; x++ {
			srcX := b.Min.X + x*srcW/dstW
			dst.Set(x, y, img.At(srcX, srcY))
		}
	}
	return dst
}

func blankCover() image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 100, 100))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	return img
}
