// Package capture defines where frames come from.
package capture

import (
	"context"
	"image"
)

// Frame is one captured image. The receiver owns it until it calls Release, after which Image
// must not be touched.
type Frame struct {
	Image   *image.RGBA
	Release func()
}

// Done releases the frame.
func (f Frame) Done() {
	if f.Release != nil {
		f.Release()
	}
}

// Source produces frames. The channel is closed when the source runs out or is closed.
type Source interface {
	Frames() <-chan Frame
	Close(ctx context.Context) error
}

// Resizer is a Source that can change the size of the frames it produces.
type Resizer interface {
	Resize(ctx context.Context, width, height int) error
}

// Rotator is a Source that can rotate its frames clockwise by a multiple of 90 degrees.
type Rotator interface {
	Rotate(ctx context.Context, degrees int) error
}
