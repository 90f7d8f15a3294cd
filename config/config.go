// Package config defines the structures to configure the obscuring pipeline.
package config

import (
	"fmt"

	"github.com/pkg/errors"
	"go.viam.com/utils"

	"github.com/mhss/shade/logging"
	"github.com/mhss/shade/overlay"
	"github.com/mhss/shade/rimage"
	"github.com/mhss/shade/vision/similarity"
)

const (
	defaultGraceFrames          = 3
	defaultFullSceneGraceFrames = 4
	defaultThresholdDebounceMs  = 500
	defaultOpacityDebounceMs    = 500
	defaultPixelationDebounceMs = 300
	defaultReplayFPS            = 15
	defaultWebAddr              = "localhost:8080"
	defaultLogFileMaxSizeMB     = 50
	defaultStatsIntervalSec     = 60
)

// Config describes a complete shade process.
type Config struct {
	ConfigFilePath string `json:"-"`

	Debug      bool              `json:"debug,omitempty"`
	Model      ModelConfig       `json:"model"`
	Pipeline   PipelineConfig    `json:"pipeline"`
	Similarity similarity.Config `json:"similarity"`

	// Settings are the initial user settings. SettingsFile, if set, overrides them and is
	// watched for edits.
	Settings     Settings `json:"settings"`
	SettingsFile string   `json:"settings_file,omitempty"`

	// Video, when its input is set, replaces the directory replay as the frame source.
	Video  VideoConfig  `json:"video"`
	Replay ReplayConfig `json:"replay"`
	Web    WebConfig    `json:"web"`

	LogFile          string                        `json:"log_file,omitempty"`
	LogFileMaxSizeMB int                           `json:"log_file_max_size_mb,omitempty"`
	LogConfig        []logging.LoggerPatternConfig `json:"log,omitempty"`
}

// ModelConfig names the detection model artifacts.
type ModelConfig struct {
	// Path is the default, smaller model.
	Path string `json:"path"`
	// PerformancePath is the larger model used in performance mode. Defaults to Path.
	PerformancePath string  `json:"performance_path,omitempty"`
	NumThreads      int     `json:"num_threads,omitempty"`
	MaxDetections   int     `json:"max_detections,omitempty"`
	MinBoxArea      float32 `json:"min_box_area,omitempty"`
}

// Validate ensures all parts of the config are valid.
func (mc *ModelConfig) Validate(path string) error {
	if mc.Path == "" {
		return utils.NewConfigValidationFieldRequiredError(path, "path")
	}
	if mc.PerformancePath == "" {
		mc.PerformancePath = mc.Path
	}
	if mc.NumThreads < 0 {
		return utils.NewConfigValidationError(path, errors.Errorf("num_threads must be positive, got %d", mc.NumThreads))
	}
	if mc.MaxDetections < 0 {
		return utils.NewConfigValidationError(path, errors.Errorf("max_detections must be positive, got %d", mc.MaxDetections))
	}
	if mc.MinBoxArea < 0 || mc.MinBoxArea >= 1 {
		return utils.NewConfigValidationError(path, errors.Errorf("min_box_area must be in [0, 1), got %v", mc.MinBoxArea))
	}
	return nil
}

// PipelineConfig tunes the coordinator.
type PipelineConfig struct {
	GraceFrames          int     `json:"grace_frames,omitempty"`
	FullSceneGraceFrames int     `json:"full_scene_grace_frames,omitempty"`
	PoolCapacity         int     `json:"pool_capacity,omitempty"`
	BoxTolerance         float32 `json:"box_tolerance,omitempty"`
	ThresholdDebounceMs  int     `json:"threshold_debounce_ms,omitempty"`
	OpacityDebounceMs    int     `json:"opacity_debounce_ms,omitempty"`
	PixelationDebounceMs int     `json:"pixelation_debounce_ms,omitempty"`
	StatsIntervalSec     int     `json:"stats_interval_sec,omitempty"`
}

// Validate ensures all parts of the config are valid and fills in defaults.
func (pc *PipelineConfig) Validate(path string) error {
	for field, v := range map[string]int{
		"grace_frames":            pc.GraceFrames,
		"full_scene_grace_frames": pc.FullSceneGraceFrames,
		"pool_capacity":           pc.PoolCapacity,
		"threshold_debounce_ms":   pc.ThresholdDebounceMs,
		"opacity_debounce_ms":     pc.OpacityDebounceMs,
		"pixelation_debounce_ms":  pc.PixelationDebounceMs,
		"stats_interval_sec":      pc.StatsIntervalSec,
	} {
		if v < 0 {
			return utils.NewConfigValidationError(path, errors.Errorf("%s cannot be negative, got %d", field, v))
		}
	}
	if pc.BoxTolerance < 0 || pc.BoxTolerance >= 1 {
		return utils.NewConfigValidationError(path, errors.Errorf("box_tolerance must be in [0, 1), got %v", pc.BoxTolerance))
	}

	if pc.GraceFrames == 0 {
		pc.GraceFrames = defaultGraceFrames
	}
	if pc.FullSceneGraceFrames == 0 {
		pc.FullSceneGraceFrames = defaultFullSceneGraceFrames
	}
	if pc.PoolCapacity == 0 {
		pc.PoolCapacity = rimage.DefaultPoolCapacity
	}
	if pc.BoxTolerance == 0 {
		pc.BoxTolerance = overlay.DefaultBoxTolerance
	}
	if pc.ThresholdDebounceMs == 0 {
		pc.ThresholdDebounceMs = defaultThresholdDebounceMs
	}
	if pc.OpacityDebounceMs == 0 {
		pc.OpacityDebounceMs = defaultOpacityDebounceMs
	}
	if pc.PixelationDebounceMs == 0 {
		pc.PixelationDebounceMs = defaultPixelationDebounceMs
	}
	if pc.StatsIntervalSec == 0 {
		pc.StatsIntervalSec = defaultStatsIntervalSec
	}
	return nil
}

// ReplayConfig configures the directory replay frame source.
type ReplayConfig struct {
	Dir    string  `json:"dir"`
	FPS    float64 `json:"fps,omitempty"`
	Width  int     `json:"width,omitempty"`
	Height int     `json:"height,omitempty"`
	Once   bool    `json:"once,omitempty"`
}

// Validate ensures all parts of the config are valid.
func (rc *ReplayConfig) Validate(path string) error {
	if rc.Dir == "" {
		return utils.NewConfigValidationFieldRequiredError(path, "dir")
	}
	if rc.FPS < 0 {
		return utils.NewConfigValidationError(path, errors.Errorf("fps cannot be negative, got %v", rc.FPS))
	}
	if rc.FPS == 0 {
		rc.FPS = defaultReplayFPS
	}
	if rc.Width < 0 || rc.Height < 0 {
		return utils.NewConfigValidationError(path, errors.Errorf("invalid size %dx%d", rc.Width, rc.Height))
	}
	return nil
}

// VideoConfig configures the ffmpeg frame source.
type VideoConfig struct {
	Input     string                 `json:"input"`
	InputArgs map[string]interface{} `json:"input_args,omitempty"`
	Width     int                    `json:"width"`
	Height    int                    `json:"height"`
	FPS       float64                `json:"fps,omitempty"`
}

// Validate ensures all parts of the config are valid.
func (vc *VideoConfig) Validate(path string) error {
	if vc.Input == "" {
		return utils.NewConfigValidationFieldRequiredError(path, "input")
	}
	if vc.Width <= 0 {
		return utils.NewConfigValidationFieldRequiredError(path, "width")
	}
	if vc.Height <= 0 {
		return utils.NewConfigValidationFieldRequiredError(path, "height")
	}
	if vc.FPS < 0 {
		return utils.NewConfigValidationError(path, errors.Errorf("fps cannot be negative, got %v", vc.FPS))
	}
	return nil
}

// WebConfig configures the websocket presentation surface.
type WebConfig struct {
	Addr string `json:"addr,omitempty"`
	// Width and Height are the view size patches are laid out on. They also drive the capture
	// geometry.
	Width    int `json:"width"`
	Height   int `json:"height"`
	Rotation int `json:"rotation,omitempty"`
}

// Validate ensures all parts of the config are valid.
func (wc *WebConfig) Validate(path string) error {
	if wc.Addr == "" {
		wc.Addr = defaultWebAddr
	}
	if wc.Width <= 0 {
		return utils.NewConfigValidationFieldRequiredError(path, "width")
	}
	if wc.Height <= 0 {
		return utils.NewConfigValidationFieldRequiredError(path, "height")
	}
	switch wc.Rotation {
	case 0, 90, 180, 270:
	default:
		return utils.NewConfigValidationError(path, errors.Errorf("rotation must be one of 0, 90, 180 or 270, got %d", wc.Rotation))
	}
	return nil
}

// Ensure validates the config and fills in defaults.
func (c *Config) Ensure() error {
	if err := c.Model.Validate("model"); err != nil {
		return err
	}
	if err := c.Pipeline.Validate("pipeline"); err != nil {
		return err
	}
	if c.Video.Input != "" {
		if err := c.Video.Validate("video"); err != nil {
			return err
		}
	} else if err := c.Replay.Validate("replay"); err != nil {
		return err
	}
	if err := c.Web.Validate("web"); err != nil {
		return err
	}
	if err := validateSimilarity("similarity", c.Similarity); err != nil {
		return err
	}
	for idx, lpc := range c.LogConfig {
		if err := lpc.Validate(); err != nil {
			return utils.NewConfigValidationError(fmt.Sprintf("log.%d", idx), err)
		}
	}
	if c.LogFileMaxSizeMB <= 0 {
		c.LogFileMaxSizeMB = defaultLogFileMaxSizeMB
	}
	c.Settings = c.Settings.Normalized()
	return nil
}

func validateSimilarity(path string, sc similarity.Config) error {
	if sc.GridSize < 0 || sc.PixelThreshold < 0 || sc.History < 0 {
		return utils.NewConfigValidationError(path, errors.New("grid_size, pixel_threshold and history cannot be negative"))
	}
	for field, v := range map[string]float32{
		"similarity":           sc.Similarity,
		"box_margin":           sc.BoxMargin,
		"min_samples_fraction": sc.MinSamplesFraction,
		"max_box_coverage":     sc.MaxBoxCoverage,
	} {
		if v < 0 || v > 1 {
			return utils.NewConfigValidationError(path, errors.Errorf("%s must be in [0, 1], got %v", field, v))
		}
	}
	return nil
}
