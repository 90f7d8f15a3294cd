// Package rimage holds the RGBA frame helpers and buffer pool the pipeline runs on.
package rimage

import (
	"image"

	"github.com/pkg/errors"
	"golang.org/x/image/draw"
)

// CopyFrame copies `src` into a pool buffer of the same size. The copy is origin based
// regardless of where `src.Rect` starts.
func CopyFrame(pool *BufferPool, src *image.RGBA) *image.RGBA {
	size := src.Rect.Size()
	dst := pool.Get(size.X, size.Y)
	CopyInto(dst, src)
	return dst
}

// CopyInto copies the pixels of `src` into `dst`, which must be at least as large. Rows are
// copied directly so strides may differ.
func CopyInto(dst, src *image.RGBA) {
	size := src.Rect.Size()
	rowBytes := size.X * 4
	for y := 0; y < size.Y; y++ {
		srcOff := src.PixOffset(src.Rect.Min.X, src.Rect.Min.Y+y)
		dstOff := dst.PixOffset(dst.Rect.Min.X, dst.Rect.Min.Y+y)
		copy(dst.Pix[dstOff:dstOff+rowBytes], src.Pix[srcOff:srcOff+rowBytes])
	}
}

// SameSize reports whether two images have equal dimensions.
func SameSize(a, b image.Image) bool {
	return a.Bounds().Size() == b.Bounds().Size()
}

// PackedRGB returns the pixel at (x, y), relative to the image origin, as 0xRRGGBB.
func PackedRGB(img *image.RGBA, x, y int) uint32 {
	i := img.PixOffset(img.Rect.Min.X+x, img.Rect.Min.Y+y)
	p := img.Pix[i : i+3 : i+3]
	return uint32(p[0])<<16 | uint32(p[1])<<8 | uint32(p[2])
}

// ScaleNearest scales `srcRect` of `src` into `dstRect` of `dst` with nearest neighbour
// sampling. Scaling down this way is what gives pixelated patches their blocky look.
func ScaleNearest(dst *image.RGBA, dstRect image.Rectangle, src image.Image, srcRect image.Rectangle) {
	draw.NearestNeighbor.Scale(dst, dstRect, src, srcRect, draw.Src, nil)
}

// NormalizeInto writes the RGB channels of `img` into `dst` as float32 values in [0, 1], row
// major, three values per pixel. `dst` must hold exactly width*height*3 values.
func NormalizeInto(dst []float32, img *image.RGBA) error {
	size := img.Rect.Size()
	if len(dst) != size.X*size.Y*3 {
		return errors.Errorf("tensor holds %d values, image %dx%d needs %d", len(dst), size.X, size.Y, size.X*size.Y*3)
	}
	const inv = float32(1.0 / 255.0)
	idx := 0
	for y := 0; y < size.Y; y++ {
		off := img.PixOffset(img.Rect.Min.X, img.Rect.Min.Y+y)
		row := img.Pix[off : off+size.X*4]
		for x := 0; x < len(row); x += 4 {
			dst[idx] = float32(row[x]) * inv
			dst[idx+1] = float32(row[x+1]) * inv
			dst[idx+2] = float32(row[x+2]) * inv
			idx += 3
		}
	}
	return nil
}
