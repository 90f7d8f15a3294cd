package pipeline

import (
	"context"
	"image"
	"sync"

	"github.com/bep/debounce"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/multierr"

	"github.com/mhss/shade/capture"
	"github.com/mhss/shade/config"
	"github.com/mhss/shade/logging"
	"github.com/mhss/shade/overlay"
	"github.com/mhss/shade/rimage"
	"github.com/mhss/shade/utils"
	od "github.com/mhss/shade/vision/objectdetection"
	"github.com/mhss/shade/vision/similarity"
)

// SettingsSource provides the user settings and streams changes to them.
type SettingsSource interface {
	Current() config.Settings
	Subscribe(ctx context.Context) <-chan config.Settings
}

type detectJob struct {
	seq   uint64
	frame *image.RGBA
}

// Coordinator admits at most one frame at a time into detection, turns detection results into
// overlay updates with a grace period for misses, and applies setting changes. Frames arriving
// while one is in flight are dropped.
type Coordinator struct {
	id       string
	opts     Options
	logger   logging.Logger
	pool     *rimage.BufferPool
	overlay  *overlay.Manager
	checker  *similarity.Checker
	settings SettingsSource
	stats    *statsRecorder

	// detectorMu serializes Detect with Setup and Clear, including session swaps.
	detectorMu      sync.Mutex
	session         *od.Session
	performanceMode bool
	sessionRef      atomic.Pointer[od.Session]

	inFlight     atomic.Bool
	seq          atomic.Uint64
	lastDetected atomic.Uint64
	threshold    atomic.Float32
	fullScene    atomic.Bool
	visible      atomic.Bool
	starting     atomic.Bool
	running      atomic.Bool
	closed       atomic.Bool

	// Only touched by the detection worker.
	lastSize image.Point

	settingsMu sync.Mutex
	current    config.Settings

	debounceThreshold  func(func())
	debounceOpacity    func(func())
	debouncePixelation func(func())

	geometry geometry

	jobs    chan detectJob
	ops     chan presenterOp
	workers utils.StoppableWorkers
}

// NewCoordinator returns a coordinator that has not loaded its model yet. `settings` may be nil,
// in which case the defaults are used until ApplySettings is called.
func NewCoordinator(opts Options, settings SettingsSource, logger logging.Logger) *Coordinator {
	opts = opts.withDefaults()
	initial := config.DefaultSettings()
	if settings != nil {
		initial = settings.Current().Normalized()
	}

	c := &Coordinator{
		id:                 uuid.NewString(),
		opts:               opts,
		logger:             logger,
		pool:               opts.Pool,
		overlay:            overlay.NewManager(opts.PatchPool, opts.BoxTolerance, logger.Sublogger("overlay")),
		checker:            similarity.NewChecker(opts.Similarity, logger.Sublogger("similarity")),
		settings:           settings,
		stats:              newStatsRecorder(opts.Clock, opts.LatencyWindow),
		current:            initial,
		debounceThreshold:  debounce.New(opts.ThresholdDebounce),
		debounceOpacity:    debounce.New(opts.OpacityDebounce),
		debouncePixelation: debounce.New(opts.PixelationDebounce),
		jobs:               make(chan detectJob, 1),
		ops:                make(chan presenterOp, presenterQueue),
		workers:            utils.NewStoppableWorkers(),
	}
	c.performanceMode = initial.PerformanceMode
	c.setSession(c.newSession(initial.PerformanceMode))
	c.threshold.Store(initial.Threshold())
	c.fullScene.Store(initial.FullScene)
	c.visible.Store(true)
	c.overlay.SetOpacity(initial.OverlayOpacity)
	c.overlay.SetPixelationLevel(initial.PixelationLevel)
	return c
}

func (c *Coordinator) newSession(performanceMode bool) *od.Session {
	path := c.opts.ModelPath
	if performanceMode {
		path = c.opts.PerformanceModelPath
	}
	return od.NewSession(path, c.opts.Loader, c.logger.Sublogger("session"), c.opts.SessionOptions...)
}

// must be called with detectorMu held, or before the coordinator is shared.
func (c *Coordinator) setSession(s *od.Session) {
	c.session = s
	c.sessionRef.Store(s)
}

// Overlay returns the overlay manager so a surface can be attached.
func (c *Coordinator) Overlay() *overlay.Manager {
	return c.overlay
}

// Start loads the detection model and starts the workers. A model that cannot be loaded aborts
// startup.
func (c *Coordinator) Start(ctx context.Context) error {
	if c.closed.Load() {
		return errors.New("coordinator is closed")
	}
	c.starting.Store(true)
	defer c.starting.Store(false)

	c.detectorMu.Lock()
	err := c.session.Setup(ctx, c.threshold.Load())
	modelPath := c.session.ModelPath()
	c.detectorMu.Unlock()
	if err != nil {
		return errors.Wrap(err, "setting up detection session")
	}

	c.workers.AddWorkers(c.detectLoop, c.present)
	if c.settings != nil {
		c.workers.AddWorkers(c.followSettings)
	}
	c.running.Store(true)
	c.logger.Infow("pipeline started", "id", c.id, "model", modelPath)
	return nil
}

// Run pumps frames from `source` into Submit until the source is exhausted or `ctx` is done.
// If `source` can be resized it takes over the capture geometry.
func (c *Coordinator) Run(ctx context.Context, source capture.Source) error {
	if err := c.bindSource(ctx, source); err != nil {
		return err
	}
	workersCtx := c.workers.Context()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-workersCtx.Done():
			return nil
		case frame, ok := <-source.Frames():
			if !ok {
				return nil
			}
			c.Submit(frame)
		}
	}
}

// Submit offers one frame to the pipeline. It never blocks: the frame is admitted only if no
// other frame is being detected, and is released before Submit returns either way.
func (c *Coordinator) Submit(frame capture.Frame) bool {
	if !c.running.Load() || frame.Image == nil || !c.inFlight.CompareAndSwap(false, true) {
		frame.Done()
		c.stats.dropped.Inc()
		return false
	}

	seq := c.seq.Inc()
	owned := rimage.CopyFrame(c.pool, frame.Image)
	frame.Done()
	c.stats.admitted.Inc()

	select {
	case c.jobs <- detectJob{seq: seq, frame: owned}:
		return true
	case <-c.workers.Context().Done():
		c.pool.Put(owned)
		c.inFlight.Store(false)
		return false
	}
}

func (c *Coordinator) detectLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-c.jobs:
			c.process(ctx, job)
			c.inFlight.Store(false)
		}
	}
}

func (c *Coordinator) process(ctx context.Context, job detectJob) {
	if size := job.frame.Rect.Size(); size != c.lastSize {
		if c.lastSize != (image.Point{}) {
			c.logger.Debugw("frame size changed", "from", c.lastSize, "to", size)
			c.checker.Clear()
		}
		c.lastSize = size
	}

	start := c.opts.Clock.Now()
	c.detectorMu.Lock()
	result, err := c.session.Detect(ctx, job.frame)
	c.detectorMu.Unlock()

	if err != nil {
		c.pool.Put(job.frame)
		if errors.Is(err, od.ErrNotReady) {
			c.stats.notReady.Inc()
			c.logger.Debugw("dropping frame, no model loaded", "seq", job.seq)
			return
		}
		c.stats.failed.Inc()
		c.logger.Warnw("detection failed", "seq", job.seq, "error", err)
		return
	}
	c.stats.observeLatency(c.opts.Clock.Since(start))

	switch r := result.(type) {
	case od.BoxesFound:
		c.onBoxesFound(job.seq, r)
	case od.Empty:
		c.onEmpty(job.seq, r.Image)
		c.pool.Put(r.Image)
	}
}

func (c *Coordinator) onBoxesFound(seq uint64, r od.BoxesFound) {
	c.stats.detected.Inc()
	c.lastDetected.Store(seq)
	if !c.visible.Load() {
		c.pool.Put(r.Image)
		return
	}

	var boxes []od.DetectionBox
	if c.fullScene.Load() {
		boxes = c.checker.OnDetectionSuccess(r.Image, r.Boxes)
	} else {
		// The session reuses its box slice on the next Detect.
		boxes = append(make([]od.DetectionBox, 0, len(r.Boxes)), r.Boxes...)
	}
	c.post(presenterOp{kind: opUpdate, boxes: boxes, frame: r.Image})
}

func (c *Coordinator) onEmpty(seq uint64, frame *image.RGBA) {
	c.stats.empty.Inc()
	fullScene := c.fullScene.Load()
	grace := c.opts.GraceFrames
	if fullScene {
		grace = c.opts.FullSceneGraceFrames
	}
	if seq-c.lastDetected.Load() < uint64(grace) {
		return
	}

	if fullScene {
		if c.checker.ShouldKeepOverlay(frame) {
			c.lastDetected.Store(seq)
			c.stats.persisted.Inc()
			return
		}
		c.checker.Clear()
	}
	c.post(presenterOp{kind: opClear})
}

// SetTargetVisible tells the pipeline whether the content being obscured is on screen. While it
// is not, detections do not reach the overlay.
func (c *Coordinator) SetTargetVisible(visible bool) {
	if c.visible.Swap(visible) == visible {
		return
	}
	c.logger.Debugw("target visibility changed", "visible", visible)
	if !visible {
		c.post(presenterOp{kind: opClear})
	}
}

// ClearOverlay removes every patch and forgets the similarity history.
func (c *Coordinator) ClearOverlay() {
	c.checker.Clear()
	c.post(presenterOp{kind: opClear})
}

// Stats returns the pipeline counters.
func (c *Coordinator) Stats() Stats {
	s := c.stats.snapshot()
	s.Pool = c.pool.Stats()
	s.PatchPool = c.opts.PatchPool.Stats()
	s.Overlay = c.overlay.Stats()
	return s
}

// Close stops the workers and releases the model, the similarity state and the overlay.
func (c *Coordinator) Close(ctx context.Context) error {
	if c.closed.Swap(true) {
		return nil
	}
	c.running.Store(false)
	c.workers.Stop()

	// Anything still queued holds pool buffers.
	select {
	case job := <-c.jobs:
		c.pool.Put(job.frame)
	default:
	}
	for drained := false; !drained; {
		select {
		case op := <-c.ops:
			c.pool.Put(op.frame)
		default:
			drained = true
		}
	}

	c.detectorMu.Lock()
	err := c.session.Clear(ctx)
	c.detectorMu.Unlock()
	c.checker.Clear()
	err = multierr.Combine(err, c.overlay.Close())
	c.logger.Infow("pipeline closed", "id", c.id)
	return err
}
