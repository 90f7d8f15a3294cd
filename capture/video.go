package capture

import (
	"context"
	"fmt"
	"io"

	"github.com/pkg/errors"
	ffmpeg "github.com/u2takey/ffmpeg-go"
	goutils "go.viam.com/utils"

	"github.com/mhss/shade/logging"
	"github.com/mhss/shade/rimage"
	"github.com/mhss/shade/utils"
)

// VideoOptions configure a VideoSource.
type VideoOptions struct {
	// Input is anything ffmpeg can open: a file, a URL or a device such as /dev/video0.
	Input string
	// InputArgs are passed to ffmpeg before the input, e.g. {"f": "v4l2"} for a camera.
	InputArgs map[string]interface{}
	// Width and Height are the size ffmpeg scales every frame to.
	Width  int
	Height int
	// FPS resamples the stream when positive.
	FPS float64
}

// VideoSource decodes a video stream with ffmpeg into raw RGBA frames. The size is fixed when the
// source is created.
type VideoSource struct {
	opts    VideoOptions
	pool    *rimage.BufferPool
	logger  logging.Logger
	frames  chan Frame
	workers utils.StoppableWorkers
}

// NewVideoSource starts ffmpeg on `opts.Input`. Frame buffers come from `pool` and go back to it
// on release.
func NewVideoSource(opts VideoOptions, pool *rimage.BufferPool, logger logging.Logger) (*VideoSource, error) {
	if opts.Input == "" {
		return nil, errors.New("video input is required")
	}
	if opts.Width <= 0 || opts.Height <= 0 {
		return nil, errors.Errorf("invalid video size %dx%d", opts.Width, opts.Height)
	}
	if opts.FPS < 0 {
		return nil, errors.Errorf("fps cannot be negative, got %v", opts.FPS)
	}
	vs := &VideoSource{
		opts:   opts,
		pool:   pool,
		logger: logger,
		frames: make(chan Frame),
	}
	vs.workers = utils.NewStoppableWorkers(vs.run)
	logger.Infow("decoding video", "input", opts.Input, "width", opts.Width, "height", opts.Height)
	return vs, nil
}

func (vs *VideoSource) outputArgs() ffmpeg.KwArgs {
	args := ffmpeg.KwArgs{
		"format":  "rawvideo",
		"pix_fmt": "rgba",
		"s":       fmt.Sprintf("%dx%d", vs.opts.Width, vs.opts.Height),
	}
	if vs.opts.FPS > 0 {
		args["r"] = vs.opts.FPS
	}
	return args
}

func (vs *VideoSource) run(ctx context.Context) {
	defer close(vs.frames)

	in, out := io.Pipe()
	var stream *ffmpeg.Stream
	if len(vs.opts.InputArgs) > 0 {
		stream = ffmpeg.Input(vs.opts.Input, ffmpeg.KwArgs(vs.opts.InputArgs))
	} else {
		stream = ffmpeg.Input(vs.opts.Input)
	}
	stream = stream.Output("pipe:", vs.outputArgs()).WithOutput(out)
	stream.Context = ctx

	ffmpegDone := make(chan struct{})
	goutils.PanicCapturingGo(func() {
		defer close(ffmpegDone)
		err := stream.Run()
		if err != nil && ctx.Err() == nil {
			vs.logger.Warnw("ffmpeg exited", "input", vs.opts.Input, "error", err)
		}
		out.CloseWithError(err)
	})

	if err := vs.readFrames(ctx, in); err != nil && !errors.Is(err, context.Canceled) {
		vs.logger.Warnw("stopped reading video", "error", err)
	}
	// Unblocks ffmpeg if it is still writing.
	goutils.UncheckedError(in.Close())
	<-ffmpegDone
}

// readFrames cuts `r` into width x height RGBA frames until it ends. A trailing partial frame is
// dropped.
func (vs *VideoSource) readFrames(ctx context.Context, r io.Reader) error {
	width, height := vs.opts.Width, vs.opts.Height
	for {
		buf := vs.pool.Get(width, height)
		if _, err := io.ReadFull(r, buf.Pix[:4*width*height]); err != nil {
			vs.pool.Put(buf)
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return err
		}
		frame := Frame{Image: buf, Release: func() { vs.pool.Put(buf) }}
		select {
		case vs.frames <- frame:
		case <-ctx.Done():
			frame.Done()
			return ctx.Err()
		}
	}
}

// Frames returns the frame channel.
func (vs *VideoSource) Frames() <-chan Frame {
	return vs.frames
}

// Close stops ffmpeg. Frames already handed out stay valid until released.
func (vs *VideoSource) Close(ctx context.Context) error {
	vs.workers.Stop()
	return nil
}
