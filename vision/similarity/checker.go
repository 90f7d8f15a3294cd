// Package similarity decides whether the scene around previously detected boxes is unchanged,
// which lets a full-scene overlay survive frames where the detector only sees its own patches.
package similarity

import (
	"image"
	"sync"

	"github.com/mhss/shade/logging"
	"github.com/mhss/shade/rimage"
	"github.com/mhss/shade/utils"
	od "github.com/mhss/shade/vision/objectdetection"
)

// Config holds the tuning constants of a Checker. Zero fields take the defaults.
type Config struct {
	// GridSize is the number of sample rows and columns.
	GridSize int `json:"grid_size"`
	// Similarity is the fraction of outside samples that must match.
	Similarity float32 `json:"similarity"`
	// PixelThreshold is the largest |dr|+|dg|+|db| still counted as a match.
	PixelThreshold int `json:"pixel_threshold"`
	// BoxMargin grows every remembered box, in normalized units, before excluding samples.
	BoxMargin float32 `json:"box_margin"`
	// MinSamplesFraction of GridSize^2 is the least number of outside samples to decide on.
	MinSamplesFraction float32 `json:"min_samples_fraction"`
	// MaxBoxCoverage is the largest inside fraction for which the comparison is trusted.
	MaxBoxCoverage float32 `json:"max_box_coverage"`
	// History is how many of the most recent boxes are remembered.
	History int `json:"history"`
}

// DefaultConfig returns the tuned defaults.
func DefaultConfig() Config {
	return Config{
		GridSize:           36,
		Similarity:         0.6,
		PixelThreshold:     75,
		BoxMargin:          0.03,
		MinSamplesFraction: 0.1,
		MaxBoxCoverage:     0.70,
		History:            5,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.GridSize <= 0 {
		c.GridSize = def.GridSize
	}
	if c.Similarity <= 0 {
		c.Similarity = def.Similarity
	}
	if c.PixelThreshold <= 0 {
		c.PixelThreshold = def.PixelThreshold
	}
	if c.BoxMargin <= 0 {
		c.BoxMargin = def.BoxMargin
	}
	if c.MinSamplesFraction <= 0 {
		c.MinSamplesFraction = def.MinSamplesFraction
	}
	if c.MaxBoxCoverage <= 0 {
		c.MaxBoxCoverage = def.MaxBoxCoverage
	}
	if c.History <= 0 {
		c.History = def.History
	}
	return c
}

// Checker remembers the last successfully detected frame and boxes. All methods are safe for
// concurrent use.
type Checker struct {
	mu     sync.Mutex
	cfg    Config
	logger logging.Logger

	prevFrame *image.RGBA
	prevBoxes []od.DetectionBox
	merged    []od.DetectionBox

	maxMismatches int
	minSamples    int
}

// NewChecker returns an empty Checker.
func NewChecker(cfg Config, logger logging.Logger) *Checker {
	cfg = cfg.withDefaults()
	cells := cfg.GridSize * cfg.GridSize
	return &Checker{
		cfg:           cfg,
		logger:        logger,
		prevBoxes:     make([]od.DetectionBox, 0, cfg.History),
		merged:        make([]od.DetectionBox, 0, 2*cfg.History+od.MaxDetections),
		maxMismatches: int((1 - cfg.Similarity) * float32(cells)),
		minSamples:    int(cfg.MinSamplesFraction * float32(cells)),
	}
}

// OnDetectionSuccess remembers a copy of `frame` and merges `boxes` into the history, keeping
// the most recent ones. It returns a fresh slice with the merged history.
func (c *Checker) OnDetectionSuccess(frame *image.RGBA, boxes []od.DetectionBox) []od.DetectionBox {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.merged = append(append(c.merged[:0], c.prevBoxes...), boxes...)
	if n := len(c.merged); n > c.cfg.History {
		copy(c.merged, c.merged[n-c.cfg.History:])
		c.merged = c.merged[:c.cfg.History]
	}
	c.prevBoxes = append(c.prevBoxes[:0], c.merged...)

	size := frame.Rect.Size()
	if c.prevFrame == nil || c.prevFrame.Rect.Size() != size {
		c.prevFrame = image.NewRGBA(image.Rect(0, 0, size.X, size.Y))
	}
	rimage.CopyInto(c.prevFrame, frame)

	out := make([]od.DetectionBox, len(c.prevBoxes))
	copy(out, c.prevBoxes)
	return out
}

// ShouldKeepOverlay reports whether `frame` matches the remembered frame outside the remembered
// boxes. It is false when nothing is remembered or the frame size changed.
func (c *Checker) ShouldKeepOverlay(frame *image.RGBA) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev := c.prevFrame
	if prev == nil || len(c.prevBoxes) == 0 {
		return false
	}
	size := prev.Rect.Size()
	w, h := size.X, size.Y
	if frame.Rect.Size() != size {
		return false
	}

	stepX := max(1, w/c.cfg.GridSize)
	stepY := max(1, h/c.cfg.GridSize)

	var matches, outside, inside int
	for y := stepY / 2; y < h; y += stepY {
		ny := float32(y) / float32(h)
		for x := stepX / 2; x < w; x += stepX {
			if c.insideBoxes(float32(x)/float32(w), ny) {
				inside++
				continue
			}
			outside++
			if Similar(rimage.PackedRGB(prev, x, y), rimage.PackedRGB(frame, x, y), c.cfg.PixelThreshold) {
				matches++
			}
		}
		if outside-matches > c.maxMismatches {
			break
		}
	}

	total := inside + outside
	var coverage float32
	if total > 0 {
		coverage = float32(inside) / float32(total)
	}
	if coverage > c.cfg.MaxBoxCoverage {
		c.logger.Debugw("boxes cover too much of the frame to compare", "coverage", coverage)
		return false
	}
	if outside < c.minSamples {
		return false
	}
	similarity := float32(matches) / float32(outside)
	c.logger.Debugw("scene similarity", "similarity", similarity, "samples", outside)
	return similarity >= c.cfg.Similarity
}

func (c *Checker) insideBoxes(nx, ny float32) bool {
	for _, b := range c.prevBoxes {
		if b.Contains(nx, ny, c.cfg.BoxMargin) {
			return true
		}
	}
	return false
}

// Clear forgets the remembered frame and boxes.
func (c *Checker) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prevFrame = nil
	c.prevBoxes = c.prevBoxes[:0]
}

// HasHistory reports whether a successful detection is remembered.
func (c *Checker) HasHistory() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.prevFrame != nil && len(c.prevBoxes) > 0
}

// Similar compares two 0xRRGGBB pixels. Equal high nibbles in every channel match right away,
// otherwise the Manhattan distance over the channels must be at most `threshold`.
func Similar(p1, p2 uint32, threshold int) bool {
	if (p1^p2)&0xF0F0F0 == 0 {
		return true
	}
	dr := int(p1>>16&0xFF) - int(p2>>16&0xFF)
	dg := int(p1>>8&0xFF) - int(p2>>8&0xFF)
	db := int(p1&0xFF) - int(p2&0xFF)
	return utils.Abs(dr)+utils.Abs(dg)+utils.Abs(db) <= threshold
}
