package pipeline

import (
	"context"

	"github.com/pkg/errors"

	"github.com/mhss/shade/config"
)

// ApplySettings moves the pipeline to `s`. The confidence threshold, opacity and pixelation level
// are debounced; full-scene mode applies immediately. A performance mode change reloads the model,
// and an error from that reload is returned while the pipeline keeps running without a model.
func (c *Coordinator) ApplySettings(ctx context.Context, s config.Settings) error {
	s = s.Normalized()
	c.settingsMu.Lock()
	prev := c.current
	c.current = s
	c.settingsMu.Unlock()

	if s.ConfidencePercent != prev.ConfidencePercent {
		threshold := s.Threshold()
		c.debounceThreshold(func() { c.setThreshold(threshold) })
	}
	if s.OverlayOpacity != prev.OverlayOpacity {
		opacity := s.OverlayOpacity
		c.debounceOpacity(func() { c.post(presenterOp{kind: opOpacity, opacity: opacity}) })
	}
	if s.PixelationLevel != prev.PixelationLevel {
		level := s.PixelationLevel
		c.debouncePixelation(func() { c.post(presenterOp{kind: opPixelation, pixelation: level}) })
	}
	if s.FullScene != prev.FullScene {
		c.fullScene.Store(s.FullScene)
		if !s.FullScene {
			c.checker.Clear()
		}
		c.logger.Debugw("full scene mode changed", "enabled", s.FullScene)
	}
	return c.setPerformanceMode(ctx, s.PerformanceMode)
}

// Settings returns the settings last applied.
func (c *Coordinator) Settings() config.Settings {
	c.settingsMu.Lock()
	defer c.settingsMu.Unlock()
	return c.current
}

func (c *Coordinator) setThreshold(threshold float32) {
	c.threshold.Store(threshold)
	c.sessionRef.Load().UpdateThreshold(threshold)
	c.logger.Debugw("confidence threshold changed", "threshold", threshold)
}

// setPerformanceMode swaps the model artifact. The new session is built and set up under the
// detector lock so no frame sees a half loaded model. The capture is then resized to the new
// model's input.
func (c *Coordinator) setPerformanceMode(ctx context.Context, enabled bool) error {
	c.detectorMu.Lock()
	defer c.detectorMu.Unlock()
	if c.performanceMode == enabled {
		return nil
	}
	c.performanceMode = enabled

	if err := c.session.Clear(ctx); err != nil {
		c.logger.Warnw("error releasing model", "error", err)
	}
	session := c.newSession(enabled)
	c.setSession(session)
	if !c.running.Load() {
		// Start loads it.
		return nil
	}
	if err := session.Setup(ctx, c.threshold.Load()); err != nil {
		c.logger.Errorw("cannot load model, frames are dropped until the next change",
			"performance_mode", enabled, "error", err)
		return errors.Wrap(err, "rebuilding detection session")
	}
	c.logger.Infow("detection model swapped", "performance_mode", enabled, "model", session.ModelPath())
	tensorW, tensorH := session.TensorSize()
	if err := c.refitCapture(ctx, tensorW, tensorH); err != nil {
		return errors.Wrap(err, "sizing capture for the new model")
	}
	return nil
}

func (c *Coordinator) followSettings(ctx context.Context) {
	updates := c.settings.Subscribe(ctx)
	// Catch changes made between construction and subscribing.
	if err := c.ApplySettings(ctx, c.settings.Current()); err != nil {
		c.logger.Warnw("error applying settings", "error", err)
	}
	for s := range updates {
		if err := c.ApplySettings(ctx, s); err != nil {
			c.logger.Warnw("error applying settings", "error", err)
		}
	}
}
