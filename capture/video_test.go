package capture

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"os/exec"
	"testing"

	"go.viam.com/test"

	"github.com/mhss/shade/logging"
	"github.com/mhss/shade/rimage"
)

func rawFrames(width, height int, colors ...color.RGBA) []byte {
	var out bytes.Buffer
	for _, c := range colors {
		for i := 0; i < width*height; i++ {
			out.Write([]byte{c.R, c.G, c.B, c.A})
		}
	}
	return out.Bytes()
}

func TestVideoSourceReadFrames(t *testing.T) {
	pool := rimage.NewBufferPool(rimage.DefaultPoolCapacity, nil)
	vs := &VideoSource{
		opts:   VideoOptions{Input: "raw", Width: 4, Height: 2},
		pool:   pool,
		logger: logging.NewTestLogger(t),
		frames: make(chan Frame, 4),
	}

	// The trailing half frame is dropped.
	data := rawFrames(4, 2, red, blue)
	data = append(data, rawFrames(2, 2, green)...)
	test.That(t, vs.readFrames(context.Background(), bytes.NewReader(data)), test.ShouldBeNil)
	test.That(t, vs.frames, test.ShouldHaveLength, 2)

	for _, want := range []color.RGBA{red, blue} {
		f := <-vs.frames
		test.That(t, f.Image.Rect.Size(), test.ShouldResemble, image.Pt(4, 2))
		test.That(t, f.Image.RGBAAt(3, 1), test.ShouldResemble, want)
		f.Done()
	}
	test.That(t, pool.Len(), test.ShouldBeGreaterThan, 0)

	t.Run("stops when cancelled", func(t *testing.T) {
		blocked := &VideoSource{opts: vs.opts, pool: pool, logger: vs.logger, frames: make(chan Frame)}
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := blocked.readFrames(ctx, bytes.NewReader(rawFrames(4, 2, red)))
		test.That(t, err, test.ShouldBeError, context.Canceled)
	})
}

func TestVideoSourceOptions(t *testing.T) {
	logger := logging.NewTestLogger(t)
	pool := rimage.NewBufferPool(rimage.DefaultPoolCapacity, nil)
	for _, opts := range []VideoOptions{
		{Width: 4, Height: 4},
		{Input: "a.mp4", Width: 0, Height: 4},
		{Input: "a.mp4", Width: 4, Height: 4, FPS: -1},
	} {
		_, err := NewVideoSource(opts, pool, logger)
		test.That(t, err, test.ShouldNotBeNil)
	}

	vs := &VideoSource{opts: VideoOptions{Input: "a.mp4", Width: 8, Height: 6, FPS: 10}}
	args := vs.outputArgs()
	test.That(t, args["s"], test.ShouldEqual, "8x6")
	test.That(t, args["pix_fmt"], test.ShouldEqual, "rgba")
	test.That(t, args["r"], test.ShouldEqual, 10.)
}

func TestVideoSourceFFmpeg(t *testing.T) {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		t.Skip("ffmpeg not installed")
	}
	src, err := NewVideoSource(VideoOptions{
		Input:     "color=c=red:s=16x8:d=1:r=5",
		InputArgs: map[string]interface{}{"f": "lavfi"},
		Width:     8,
		Height:    4,
	}, rimage.NewBufferPool(rimage.DefaultPoolCapacity, nil), logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	defer func() {
		test.That(t, src.Close(context.Background()), test.ShouldBeNil)
	}()

	f := next(t, src)
	test.That(t, f.Image.Rect.Size(), test.ShouldResemble, image.Pt(8, 4))
	r, _, _, a := f.Image.At(4, 2).RGBA()
	test.That(t, r, test.ShouldBeGreaterThan, uint32(0xf000))
	test.That(t, a, test.ShouldEqual, uint32(0xffff))
	f.Done()
}
