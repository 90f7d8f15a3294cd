package overlay

import (
	"image"

	"github.com/golang/geo/r2"
)

// Patch is one region to draw: the Content part of Buffer stretched over Bounds.
type Patch struct {
	Buffer  *image.RGBA
	Content image.Rectangle
	Bounds  r2.Rect
	Opacity uint8
}

// Surface presents patches. Render and Clear are called from a single goroutine. Render must
// not keep Buffer after it returns; the buffers are recycled.
type Surface interface {
	// Size is the view size that normalized boxes are mapped onto.
	Size() (width, height int)
	Render(patches []Patch) error
	Clear() error
}
