package pipeline

import (
	"context"
	"image"

	od "github.com/mhss/shade/vision/objectdetection"
)

const presenterQueue = 8

type opKind int

const (
	opUpdate opKind = iota
	opClear
	opOpacity
	opPixelation
)

type presenterOp struct {
	kind       opKind
	boxes      []od.DetectionBox
	frame      *image.RGBA
	opacity    float32
	pixelation int
}

// post queues an operation for the presenter. Operations are applied in order. The frame of an
// update belongs to the presenter from here on. Before Start there is no presenter, so an
// operation that does not fit the queue is applied on the caller's goroutine instead of
// blocking it.
func (c *Coordinator) post(op presenterOp) {
	if !c.running.Load() {
		select {
		case c.ops <- op:
		default:
			c.apply(op)
		}
		return
	}
	select {
	case c.ops <- op:
	case <-c.workers.Context().Done():
		c.pool.Put(op.frame)
	}
}

// present is the only goroutine that touches the overlay while the pipeline runs. The manager
// locks internally, so the inline path in post is safe as well.
func (c *Coordinator) present(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case op := <-c.ops:
			c.apply(op)
		}
	}
}

func (c *Coordinator) apply(op presenterOp) {
	switch op.kind {
	case opUpdate:
		err := c.overlay.Update(op.boxes, op.frame)
		c.pool.Put(op.frame)
		if err != nil {
			c.logger.Warnw("overlay update failed", "error", err)
		}
	case opClear:
		if err := c.overlay.Clear(); err != nil {
			c.logger.Warnw("overlay clear failed", "error", err)
		}
	case opOpacity:
		c.overlay.SetOpacity(op.opacity)
	case opPixelation:
		c.overlay.SetPixelationLevel(op.pixelation)
	}
}
