// Package overlay turns detection boxes into pixelated patches and hands them to a
// presentation surface.
package overlay

import (
	"image"

	"github.com/golang/geo/r2"

	od "github.com/mhss/shade/vision/objectdetection"
)

// PixelatedRegion is one pixelated patch. Buffer comes from the pool and may be larger than the
// ContentWidth x ContentHeight area actually drawn into. Two regions are equal when their source
// boxes are.
type PixelatedRegion struct {
	Buffer        *image.RGBA
	Bounds        r2.Rect
	Source        od.DetectionBox
	ContentWidth  int
	ContentHeight int

	claimed bool
}

// Content is the used part of Buffer.
func (r *PixelatedRegion) Content() image.Rectangle {
	return image.Rect(0, 0, r.ContentWidth, r.ContentHeight)
}

// Equal compares regions by source box.
func (r *PixelatedRegion) Equal(other *PixelatedRegion) bool {
	if r == nil || other == nil {
		return r == other
	}
	return r.Source == other.Source
}

// SimilarTo reports whether `box` is close enough to the source box to reuse this region.
func (r *PixelatedRegion) SimilarTo(box od.DetectionBox, tolerance float32) bool {
	return r.Source.Near(box, tolerance)
}
