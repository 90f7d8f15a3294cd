package config

import (
	"github.com/invopop/jsonschema"
	"github.com/samber/lo"

	"github.com/mhss/shade/overlay"
	od "github.com/mhss/shade/vision/objectdetection"
)

// Settings are the user-facing knobs that may change while the pipeline runs.
type Settings struct {
	ConfidencePercent float32 `json:"confidence_percent"`
	PixelationLevel   int     `json:"pixelation_level"`
	OverlayOpacity    float32 `json:"overlay_opacity"`
	FullScene         bool    `json:"full_scene"`
	PerformanceMode   bool    `json:"performance_mode"`
}

// DefaultSettings returns the settings used before the user changes anything.
func DefaultSettings() Settings {
	return Settings{
		ConfidencePercent: od.DefaultConfidencePercent,
		PixelationLevel:   overlay.DefaultDownsampleFactor,
		OverlayOpacity:    overlay.DefaultOpacityPercent,
	}
}

// Normalized returns the settings with every value clamped to its valid range. A zero pixelation
// level means the default.
func (s Settings) Normalized() Settings {
	if s.PixelationLevel == 0 {
		s.PixelationLevel = overlay.DefaultDownsampleFactor
	}
	s.ConfidencePercent = lo.Clamp[float32](s.ConfidencePercent, 0, 100)
	s.PixelationLevel = lo.Clamp(s.PixelationLevel, overlay.MinDownsampleFactor, overlay.MaxDownsampleFactor)
	s.OverlayOpacity = lo.Clamp[float32](s.OverlayOpacity, 0, 100)
	return s
}

// Threshold is the confidence threshold as a fraction.
func (s Settings) Threshold() float32 {
	return s.ConfidencePercent / 100
}

var settingsSchema = jsonschema.Reflect(&Settings{})

// SettingsSchema describes the JSON form of Settings, for clients editing the settings file or
// posting to the settings endpoint.
func SettingsSchema() *jsonschema.Schema {
	return settingsSchema
}
