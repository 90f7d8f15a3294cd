package pipeline

import (
	"context"
	"image"
	"sync"

	"github.com/pkg/errors"

	"github.com/mhss/shade/capture"
)

// Display describes the screen the overlay covers. Rotation is in clockwise degrees.
type Display struct {
	Width    int
	Height   int
	Rotation int
}

type geometry struct {
	mu       sync.Mutex
	display  Display
	capture  image.Point
	rotation int
	resizer  capture.Resizer
	rotator  capture.Rotator
	// pending is set when a capture size was computed before a resizable source was bound.
	pending bool
}

// CaptureSize returns the frame size the source was last asked for.
func (c *Coordinator) CaptureSize() image.Point {
	c.geometry.mu.Lock()
	defer c.geometry.mu.Unlock()
	return c.geometry.capture
}

// UpdateDisplay derives the capture size from the model input size and the display aspect
// ratio, and reconfigures the source when it changed. If the source refuses, the previous
// geometry stays in place and the error is returned. A successful change clears the overlay and
// the similarity history.
func (c *Coordinator) UpdateDisplay(ctx context.Context, d Display) error {
	if d.Width <= 0 || d.Height <= 0 {
		return errors.Errorf("invalid display size %dx%d", d.Width, d.Height)
	}
	c.detectorMu.Lock()
	tensorW, tensorH := c.session.TensorSize()
	c.detectorMu.Unlock()
	if tensorW <= 0 || tensorH <= 0 {
		return errors.New("no model loaded to size the capture for")
	}
	return c.fitCapture(ctx, d, tensorW, tensorH)
}

// refitCapture sizes the capture for a newly loaded model against the display last given to
// UpdateDisplay. It does nothing before the first display update.
func (c *Coordinator) refitCapture(ctx context.Context, tensorW, tensorH int) error {
	c.geometry.mu.Lock()
	d := c.geometry.display
	c.geometry.mu.Unlock()
	if d.Width <= 0 || d.Height <= 0 || tensorW <= 0 || tensorH <= 0 {
		return nil
	}
	return c.fitCapture(ctx, d, tensorW, tensorH)
}

func (c *Coordinator) fitCapture(ctx context.Context, d Display, tensorW, tensorH int) error {
	size := image.Pt(tensorW, max(1, tensorH*d.Height/d.Width))

	g := &c.geometry
	g.mu.Lock()
	defer g.mu.Unlock()
	if size == g.capture && d.Rotation == g.rotation {
		g.display = d
		return nil
	}

	if g.resizer == nil {
		g.display, g.capture, g.rotation = d, size, d.Rotation
		g.pending = true
		return nil
	}
	if err := c.reconfigureLocked(ctx, size, d.Rotation); err != nil {
		return err
	}
	g.display = d
	c.checker.Clear()
	c.post(presenterOp{kind: opClear})
	return nil
}

// must be called with geometry.mu held.
func (c *Coordinator) reconfigureLocked(ctx context.Context, size image.Point, rotation int) error {
	g := &c.geometry
	if size != g.capture || g.pending {
		if err := g.resizer.Resize(ctx, size.X, size.Y); err != nil {
			return errors.Wrapf(err, "resizing capture to %dx%d", size.X, size.Y)
		}
	}
	if g.rotator != nil && (rotation != g.rotation || g.pending) {
		if err := g.rotator.Rotate(ctx, rotation); err != nil {
			// Keep what the source actually has.
			if size != g.capture {
				if rerr := g.resizer.Resize(ctx, g.capture.X, g.capture.Y); rerr != nil {
					c.logger.Warnw("cannot restore capture size", "error", rerr)
				}
			}
			return errors.Wrapf(err, "rotating capture to %d", rotation)
		}
	}
	g.capture, g.rotation, g.pending = size, rotation, false
	c.logger.Infow("capture reconfigured", "width", size.X, "height", size.Y, "rotation", rotation)
	return nil
}

func (c *Coordinator) bindSource(ctx context.Context, source capture.Source) error {
	g := &c.geometry
	g.mu.Lock()
	defer g.mu.Unlock()
	resizer, ok := source.(capture.Resizer)
	if !ok {
		g.resizer, g.rotator = nil, nil
		return nil
	}
	g.resizer = resizer
	g.rotator, _ = source.(capture.Rotator)
	if !g.pending {
		return nil
	}
	return c.reconfigureLocked(ctx, g.capture, g.rotation)
}
