package overlay

import (
	"image"

	"github.com/samber/lo"

	"github.com/mhss/shade/logging"
	"github.com/mhss/shade/rimage"
	"github.com/mhss/shade/utils"
	od "github.com/mhss/shade/vision/objectdetection"
)

const (
	// DefaultDownsampleFactor is the default pixelation level.
	DefaultDownsampleFactor = 15
	// MinDownsampleFactor is the finest allowed pixelation level.
	MinDownsampleFactor = 5
	// MaxDownsampleFactor is the coarsest allowed pixelation level.
	MaxDownsampleFactor = 30
	// DefaultBoxTolerance is how far, in normalized units, every coordinate of a new box may be
	// from a cached one for the cached patch to be reused.
	DefaultBoxTolerance = 0.025
	// MinBufferDimension is the smallest side of a pooled patch buffer.
	MinBufferDimension = 8
)

// CacheStats counts region reuse.
type CacheStats struct {
	Hits   uint64 `json:"hits"`
	Misses uint64 `json:"misses"`
	Active int    `json:"active"`
}

// RegionCache maps the boxes of consecutive updates to pixelated regions, reusing a region while
// its box barely moves. It is not safe for concurrent use.
type RegionCache struct {
	pool      *rimage.BufferPool
	logger    logging.Logger
	tolerance float32

	downsample int
	opacity    uint8

	active []*PixelatedRegion
	next   []*PixelatedRegion
	spare  []*PixelatedRegion

	hits   uint64
	misses uint64
}

// NewRegionCache returns an empty cache that draws its buffers from `pool`. A non-positive
// tolerance selects DefaultBoxTolerance.
func NewRegionCache(pool *rimage.BufferPool, tolerance float32, logger logging.Logger) *RegionCache {
	if tolerance <= 0 {
		tolerance = DefaultBoxTolerance
	}
	return &RegionCache{
		pool:       pool,
		logger:     logger,
		tolerance:  tolerance,
		downsample: DefaultDownsampleFactor,
		opacity:    255,
		active:     make([]*PixelatedRegion, 0, od.MaxDetections),
		next:       make([]*PixelatedRegion, 0, od.MaxDetections),
	}
}

// Update replaces the active regions with one region per box. Boxes near an unclaimed region of
// the previous update reuse it untouched; the rest are pixelated from `frame`. Regions left
// unclaimed give their buffers back to the pool. The returned slice is valid until the next call.
func (c *RegionCache) Update(boxes []od.DetectionBox, frame *image.RGBA, viewWidth, viewHeight float64) []*PixelatedRegion {
	for _, r := range c.active {
		r.claimed = false
	}

	next := c.next[:0]
	for _, box := range boxes {
		if cached := c.findUnclaimed(box); cached != nil {
			cached.claimed = true
			next = append(next, cached)
			c.hits++
			continue
		}
		c.misses++
		if region := c.pixelate(box, frame, viewWidth, viewHeight); region != nil {
			region.claimed = true
			next = append(next, region)
		}
	}

	for _, r := range c.active {
		if !r.claimed {
			c.release(r)
		}
	}

	c.next = c.active[:0]
	c.active = next
	return c.active
}

func (c *RegionCache) findUnclaimed(box od.DetectionBox) *PixelatedRegion {
	for _, r := range c.active {
		if !r.claimed && r.SimilarTo(box, c.tolerance) {
			return r
		}
	}
	return nil
}

func (c *RegionCache) pixelate(box od.DetectionBox, frame *image.RGBA, viewWidth, viewHeight float64) *PixelatedRegion {
	if frame == nil {
		return nil
	}
	size := frame.Rect.Size()
	if size.X <= 0 || size.Y <= 0 {
		return nil
	}
	src := box.PixelRect(size.X, size.Y)
	contentW := max(1, src.Dx()/c.downsample)
	contentH := max(1, src.Dy()/c.downsample)

	buf := c.pool.Get(
		utils.NextPowerOfTwo(contentW, MinBufferDimension),
		utils.NextPowerOfTwo(contentH, MinBufferDimension),
	)
	content := image.Rect(0, 0, contentW, contentH)
	rimage.ScaleNearest(buf, content, frame, src.Add(frame.Rect.Min))

	region := c.newRegion()
	region.Buffer = buf
	region.Bounds = box.Scaled(viewWidth, viewHeight)
	region.Source = box
	region.ContentWidth = contentW
	region.ContentHeight = contentH
	return region
}

func (c *RegionCache) newRegion() *PixelatedRegion {
	if n := len(c.spare); n > 0 {
		r := c.spare[n-1]
		c.spare = c.spare[:n-1]
		return r
	}
	return &PixelatedRegion{}
}

func (c *RegionCache) release(r *PixelatedRegion) {
	c.pool.Put(r.Buffer)
	*r = PixelatedRegion{}
	c.spare = append(c.spare, r)
}

// Regions returns the active regions.
func (c *RegionCache) Regions() []*PixelatedRegion {
	return c.active
}

// SetPixelationLevel clamps `level` to the allowed range and drops every cached region, since
// their content was made at the old level.
func (c *RegionCache) SetPixelationLevel(level int) {
	c.downsample = lo.Clamp(level, MinDownsampleFactor, MaxDownsampleFactor)
	c.Clear()
}

// PixelationLevel returns the current downsample factor.
func (c *RegionCache) PixelationLevel() int {
	return c.downsample
}

// SetOpacity sets the patch alpha from a percentage clamped to [0, 100].
func (c *RegionCache) SetOpacity(percent float32) {
	percent = lo.Clamp[float32](percent, 0, 100)
	c.opacity = uint8(percent / 100 * 255)
}

// Opacity returns the patch alpha in [0, 255].
func (c *RegionCache) Opacity() uint8 {
	return c.opacity
}

// Clear gives every active buffer back to the pool.
func (c *RegionCache) Clear() {
	for _, r := range c.active {
		c.release(r)
	}
	c.active = c.active[:0]
}

// Close clears the cache and destroys the pooled buffers.
func (c *RegionCache) Close() {
	c.Clear()
	c.pool.Drain()
}

// Stats returns the reuse counters.
func (c *RegionCache) Stats() CacheStats {
	return CacheStats{Hits: c.hits, Misses: c.misses, Active: len(c.active)}
}
