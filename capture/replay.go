package capture

import (
	"context"
	"image"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/disintegration/imaging"
	// register ppm.
	_ "github.com/lmittmann/ppm"
	"github.com/nfnt/resize"
	"github.com/pkg/errors"
	// register qoi.
	_ "github.com/xfmoulet/qoi"
	"golang.org/x/image/draw"
	"golang.org/x/time/rate"

	"github.com/mhss/shade/logging"
	"github.com/mhss/shade/rimage"
	"github.com/mhss/shade/utils"
)

var replayExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".qoi":  true,
	".ppm":  true,
}

// ReplayOptions configure a ReplaySource.
type ReplayOptions struct {
	Dir string
	FPS float64
	// Width and Height scale every frame. Zero keeps the file's size.
	Width  int
	Height int
	// Once stops after the last file instead of starting over.
	Once bool
}

// ReplaySource plays the images of a directory in name order at a fixed rate.
type ReplaySource struct {
	files   []string
	opts    ReplayOptions
	pool    *rimage.BufferPool
	logger  logging.Logger
	limiter *rate.Limiter
	frames  chan Frame
	workers utils.StoppableWorkers

	mu       sync.Mutex
	width    int
	height   int
	rotation int
}

// NewReplaySource lists the images in `opts.Dir` and starts playing them. Frame buffers come
// from `pool` and go back to it on release.
func NewReplaySource(opts ReplayOptions, pool *rimage.BufferPool, logger logging.Logger) (*ReplaySource, error) {
	entries, err := os.ReadDir(opts.Dir)
	if err != nil {
		return nil, errors.Wrapf(err, "reading replay directory")
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() || !replayExtensions[strings.ToLower(filepath.Ext(entry.Name()))] {
			continue
		}
		files = append(files, filepath.Join(opts.Dir, entry.Name()))
	}
	if len(files) == 0 {
		return nil, errors.Errorf("no png, jpeg, qoi or ppm files in %q", opts.Dir)
	}
	sort.Strings(files)
	if opts.FPS <= 0 {
		return nil, errors.Errorf("fps must be positive, got %v", opts.FPS)
	}
	if opts.Width < 0 || opts.Height < 0 {
		return nil, errors.Errorf("invalid size %dx%d", opts.Width, opts.Height)
	}

	rs := &ReplaySource{
		files:   files,
		opts:    opts,
		pool:    pool,
		logger:  logger,
		limiter: rate.NewLimiter(rate.Limit(opts.FPS), 1),
		frames:  make(chan Frame),
		width:   opts.Width,
		height:  opts.Height,
	}
	rs.workers = utils.NewStoppableWorkers(rs.play)
	logger.Infow("replaying frames", "dir", opts.Dir, "files", len(files), "fps", opts.FPS)
	return rs, nil
}

func (rs *ReplaySource) play(ctx context.Context) {
	defer close(rs.frames)
	for {
		for _, file := range rs.files {
			if err := rs.limiter.Wait(ctx); err != nil {
				return
			}
			frame, err := rs.load(file)
			if err != nil {
				rs.logger.Warnw("skipping unreadable frame", "file", file, "error", err)
				continue
			}
			select {
			case rs.frames <- frame:
			case <-ctx.Done():
				frame.Done()
				return
			}
		}
		if rs.opts.Once {
			return
		}
	}
}

func (rs *ReplaySource) load(file string) (Frame, error) {
	img, err := imaging.Open(file, imaging.AutoOrientation(true))
	if err != nil {
		return Frame{}, err
	}

	rs.mu.Lock()
	width, height, rotation := rs.width, rs.height, rs.rotation
	rs.mu.Unlock()

	img = rotate(img, rotation)
	if width > 0 && height > 0 && img.Bounds().Size() != image.Pt(width, height) {
		img = resize.Resize(uint(width), uint(height), img, resize.Bilinear)
	}

	size := img.Bounds().Size()
	buf := rs.pool.Get(size.X, size.Y)
	draw.Draw(buf, buf.Rect, img, img.Bounds().Min, draw.Src)
	return Frame{Image: buf, Release: func() { rs.pool.Put(buf) }}, nil
}

// imaging rotates counter-clockwise; rotation here is clockwise.
func rotate(img image.Image, degrees int) image.Image {
	switch degrees {
	case 90:
		return imaging.Rotate270(img)
	case 180:
		return imaging.Rotate180(img)
	case 270:
		return imaging.Rotate90(img)
	default:
		return img
	}
}

// Frames returns the frame channel.
func (rs *ReplaySource) Frames() <-chan Frame {
	return rs.frames
}

// Resize changes the size of later frames.
func (rs *ReplaySource) Resize(ctx context.Context, width, height int) error {
	if width <= 0 || height <= 0 {
		return errors.Errorf("cannot resize replay to %dx%d", width, height)
	}
	rs.mu.Lock()
	rs.width, rs.height = width, height
	rs.mu.Unlock()
	rs.logger.Debugw("replay resized", "width", width, "height", height)
	return nil
}

// Rotate rotates later frames clockwise before scaling them.
func (rs *ReplaySource) Rotate(ctx context.Context, degrees int) error {
	switch degrees {
	case 0, 90, 180, 270:
	default:
		return errors.Errorf("unsupported rotation %d", degrees)
	}
	rs.mu.Lock()
	rs.rotation = degrees
	rs.mu.Unlock()
	return nil
}

// Close stops playback. Frames already handed out stay valid until released.
func (rs *ReplaySource) Close(ctx context.Context) error {
	rs.workers.Stop()
	return nil
}
