// Package objectdetection turns frames into normalized target boxes with a single-class
// detection model.
package objectdetection

import (
	"fmt"
	"image"

	"github.com/golang/geo/r2"
	"github.com/samber/lo"

	"github.com/mhss/shade/utils"
)

// DetectionBox is a normalized bounding rectangle for one detected region. A valid box has
// 0 <= X1 < X2 <= 1 and 0 <= Y1 < Y2 <= 1. Boxes are values and compare with ==.
type DetectionBox struct {
	X1, Y1, X2, Y2 float32
}

// Valid reports whether the box is non-degenerate and inside the unit square.
func (b DetectionBox) Valid() bool {
	return b.X1 >= 0 && b.Y1 >= 0 && b.X2 <= 1 && b.Y2 <= 1 && b.X1 < b.X2 && b.Y1 < b.Y2
}

// Clamped returns the box with every coordinate limited to [0, 1].
func (b DetectionBox) Clamped() DetectionBox {
	return DetectionBox{
		X1: lo.Clamp[float32](b.X1, 0, 1),
		Y1: lo.Clamp[float32](b.Y1, 0, 1),
		X2: lo.Clamp[float32](b.X2, 0, 1),
		Y2: lo.Clamp[float32](b.Y2, 0, 1),
	}
}

// Near reports whether every coordinate of `other` is strictly within `tolerance` of b.
func (b DetectionBox) Near(other DetectionBox, tolerance float32) bool {
	return utils.Abs(b.X1-other.X1) < tolerance &&
		utils.Abs(b.Y1-other.Y1) < tolerance &&
		utils.Abs(b.X2-other.X2) < tolerance &&
		utils.Abs(b.Y2-other.Y2) < tolerance
}

// Area is the normalized area of the box.
func (b DetectionBox) Area() float32 {
	return (b.X2 - b.X1) * (b.Y2 - b.Y1)
}

// Contains reports whether the normalized point lies within the box grown by `margin` on every
// side.
func (b DetectionBox) Contains(x, y, margin float32) bool {
	return x >= b.X1-margin && x <= b.X2+margin && y >= b.Y1-margin && y <= b.Y2+margin
}

// Scaled maps the box onto a width x height view.
func (b DetectionBox) Scaled(width, height float64) r2.Rect {
	return r2.RectFromPoints(
		r2.Point{X: float64(b.X1) * width, Y: float64(b.Y1) * height},
		r2.Point{X: float64(b.X2) * width, Y: float64(b.Y2) * height},
	)
}

// PixelRect maps the box onto a frame of the given size. The result always has at least one
// pixel in each direction and stays inside the frame.
func (b DetectionBox) PixelRect(width, height int) image.Rectangle {
	left := lo.Clamp(int(b.X1*float32(width)), 0, width-1)
	top := lo.Clamp(int(b.Y1*float32(height)), 0, height-1)
	right := lo.Clamp(int(b.X2*float32(width)), left+1, width)
	bottom := lo.Clamp(int(b.Y2*float32(height)), top+1, height)
	return image.Rect(left, top, right, bottom)
}

func (b DetectionBox) String() string {
	return fmt.Sprintf("(%.3f,%.3f)-(%.3f,%.3f)", b.X1, b.Y1, b.X2, b.Y2)
}
