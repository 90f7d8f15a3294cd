// Package pipeline connects frame capture, detection, frame similarity and the overlay into a
// single frame-dropping pipeline.
package pipeline

import (
	"time"

	"github.com/benbjohnson/clock"

	"github.com/mhss/shade/config"
	"github.com/mhss/shade/overlay"
	"github.com/mhss/shade/rimage"
	od "github.com/mhss/shade/vision/objectdetection"
	"github.com/mhss/shade/vision/similarity"
)

const (
	defaultGraceFrames          = 3
	defaultFullSceneGraceFrames = 4
	defaultThresholdDebounce    = 500 * time.Millisecond
	defaultOpacityDebounce      = 500 * time.Millisecond
	defaultPixelationDebounce   = 300 * time.Millisecond
	defaultLatencyWindow        = 120
)

// Options configure a Coordinator. Zero values select the defaults.
type Options struct {
	// ModelPath is loaded normally, PerformanceModelPath in performance mode.
	ModelPath            string
	PerformanceModelPath string
	Loader               od.ModelLoader
	SessionOptions       []od.SessionOption

	// GraceFrames is how many frames in a row may come back empty before the overlay is cleared.
	GraceFrames          int
	FullSceneGraceFrames int

	ThresholdDebounce  time.Duration
	OpacityDebounce    time.Duration
	PixelationDebounce time.Duration

	Similarity   similarity.Config
	BoxTolerance float32
	// Pool holds input frame copies. PatchPool holds overlay patch buffers, which are smaller
	// and longer lived, so frames never evict them. Pools of the default capacity are created
	// when nil.
	Pool      *rimage.BufferPool
	PatchPool *rimage.BufferPool

	Clock         clock.Clock
	LatencyWindow int
}

func (o Options) withDefaults() Options {
	if o.PerformanceModelPath == "" {
		o.PerformanceModelPath = o.ModelPath
	}
	if o.GraceFrames <= 0 {
		o.GraceFrames = defaultGraceFrames
	}
	if o.FullSceneGraceFrames <= 0 {
		o.FullSceneGraceFrames = defaultFullSceneGraceFrames
	}
	if o.ThresholdDebounce <= 0 {
		o.ThresholdDebounce = defaultThresholdDebounce
	}
	if o.OpacityDebounce <= 0 {
		o.OpacityDebounce = defaultOpacityDebounce
	}
	if o.PixelationDebounce <= 0 {
		o.PixelationDebounce = defaultPixelationDebounce
	}
	if o.BoxTolerance <= 0 {
		o.BoxTolerance = overlay.DefaultBoxTolerance
	}
	if o.Pool == nil {
		o.Pool = rimage.NewBufferPool(rimage.DefaultPoolCapacity, nil)
	}
	if o.PatchPool == nil {
		o.PatchPool = rimage.NewBufferPool(rimage.DefaultPoolCapacity, nil)
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.LatencyWindow <= 0 {
		o.LatencyWindow = defaultLatencyWindow
	}
	return o
}

// OptionsFromConfig maps a validated config onto coordinator options.
func OptionsFromConfig(cfg *config.Config, loader od.ModelLoader, pool *rimage.BufferPool) Options {
	var sessionOpts []od.SessionOption
	if cfg.Model.MaxDetections > 0 {
		sessionOpts = append(sessionOpts, od.WithMaxDetections(cfg.Model.MaxDetections))
	}
	if cfg.Model.MinBoxArea > 0 {
		sessionOpts = append(sessionOpts, od.WithPostprocessor(od.NewAreaFilter(cfg.Model.MinBoxArea)))
	}
	return Options{
		ModelPath:            cfg.Model.Path,
		PerformanceModelPath: cfg.Model.PerformancePath,
		Loader:               loader,
		SessionOptions:       sessionOpts,
		GraceFrames:          cfg.Pipeline.GraceFrames,
		FullSceneGraceFrames: cfg.Pipeline.FullSceneGraceFrames,
		ThresholdDebounce:    time.Duration(cfg.Pipeline.ThresholdDebounceMs) * time.Millisecond,
		OpacityDebounce:      time.Duration(cfg.Pipeline.OpacityDebounceMs) * time.Millisecond,
		PixelationDebounce:   time.Duration(cfg.Pipeline.PixelationDebounceMs) * time.Millisecond,
		Similarity:           cfg.Similarity,
		BoxTolerance:         cfg.Pipeline.BoxTolerance,
		Pool:                 pool,
	}
}
