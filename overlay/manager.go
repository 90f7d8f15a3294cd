package overlay

import (
	"image"
	"sync"

	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/mhss/shade/logging"
	"github.com/mhss/shade/rimage"
	od "github.com/mhss/shade/vision/objectdetection"
)

// DefaultOpacityPercent is the patch opacity used until told otherwise.
const DefaultOpacityPercent = 100

// Manager feeds a RegionCache with detection results and hands the resulting patches to a
// Surface. The surface is optional and may come and go; opacity and pixelation settings made while
// no surface is attached are remembered and applied on Attach.
type Manager struct {
	mu      sync.Mutex
	logger  logging.Logger
	cache   *RegionCache
	surface Surface

	opacity         float32
	pixelationLevel int
	patches         []Patch
}

// NewManager returns a manager with no surface attached.
func NewManager(pool *rimage.BufferPool, tolerance float32, logger logging.Logger) *Manager {
	return &Manager{
		logger:          logger,
		cache:           NewRegionCache(pool, tolerance, logger),
		opacity:         DefaultOpacityPercent,
		pixelationLevel: DefaultDownsampleFactor,
		patches:         make([]Patch, 0, od.MaxDetections),
	}
}

// Attach makes `surface` the presentation target, replacing any previous one.
func (m *Manager) Attach(surface Surface) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.surface != nil && m.surface != surface {
		m.cache.Clear()
	}
	m.surface = surface
	m.cache.SetOpacity(m.opacity)
	m.cache.SetPixelationLevel(m.pixelationLevel)
	m.logger.Debugw("surface attached", "pixelation", m.pixelationLevel, "opacity", m.opacity)
}

// Detach drops the surface. Cached regions go back to the pool and the pool is drained since
// nothing will draw them.
func (m *Manager) Detach() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.surface == nil {
		return
	}
	m.surface = nil
	m.cache.Close()
	m.logger.Debug("surface detached")
}

// Attached reports whether a surface is attached.
func (m *Manager) Attached() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.surface != nil
}

// SetOpacity sets the patch opacity in percent.
func (m *Manager) SetOpacity(percent float32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opacity = lo.Clamp[float32](percent, 0, 100)
	if m.surface != nil {
		m.cache.SetOpacity(m.opacity)
	}
}

// SetPixelationLevel sets the downsample factor. Cached regions are dropped; they are redrawn on
// the next update.
func (m *Manager) SetPixelationLevel(level int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pixelationLevel = lo.Clamp(level, MinDownsampleFactor, MaxDownsampleFactor)
	if m.surface != nil {
		m.cache.SetPixelationLevel(m.pixelationLevel)
	}
}

// Update pixelates `boxes` out of `frame` and renders them. Without a surface it does nothing.
// `frame` is only read during the call.
func (m *Manager) Update(boxes []od.DetectionBox, frame *image.RGBA) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.surface == nil {
		return nil
	}
	w, h := m.surface.Size()
	if w <= 0 || h <= 0 {
		return errors.Errorf("surface has no size (%dx%d)", w, h)
	}

	regions := m.cache.Update(boxes, frame, float64(w), float64(h))
	m.patches = m.patches[:0]
	opacity := m.cache.Opacity()
	for _, r := range regions {
		m.patches = append(m.patches, Patch{
			Buffer:  r.Buffer,
			Content: r.Content(),
			Bounds:  r.Bounds,
			Opacity: opacity,
		})
	}
	return errors.Wrap(m.surface.Render(m.patches), "rendering overlay")
}

// Clear removes every patch from the cache and the surface.
func (m *Manager) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache.Clear()
	if m.surface == nil {
		return nil
	}
	return errors.Wrap(m.surface.Clear(), "clearing overlay")
}

// Stats returns the region cache counters.
func (m *Manager) Stats() CacheStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cache.Stats()
}

// Close detaches the surface after clearing it.
func (m *Manager) Close() error {
	err := m.Clear()
	m.Detach()
	return err
}
