package pipeline

import (
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/pkg/errors"

	"github.com/mhss/shade/logging"
)

// StatsReporter logs the pipeline counters on a fixed interval.
type StatsReporter struct {
	scheduler gocron.Scheduler
}

// NewStatsReporter starts logging `stats()` every `interval`, together with the frame rates
// since the previous report.
func NewStatsReporter(stats func() Stats, interval time.Duration, logger logging.Logger) (*StatsReporter, error) {
	if interval <= 0 {
		return nil, errors.Errorf("stats interval must be positive, got %v", interval)
	}
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, errors.Wrap(err, "creating stats scheduler")
	}

	var prev Stats
	report := func() {
		s := stats()
		elapsed := (s.Uptime - prev.Uptime).Seconds()
		var admittedRate, detectedRate float64
		if elapsed > 0 {
			admittedRate = float64(s.Admitted-prev.Admitted) / elapsed
			detectedRate = float64(s.Detected-prev.Detected) / elapsed
		}
		prev = s
		logger.Infow("pipeline stats",
			"admitted", s.Admitted,
			"dropped", s.Dropped,
			"detected", s.Detected,
			"failed", s.Failed,
			"admitted_per_sec", admittedRate,
			"detected_per_sec", detectedRate,
			"latency_mean", s.LatencyMean,
			"latency_p95", s.LatencyP95,
			"pool", s.Pool,
			"patch_pool", s.PatchPool,
			"overlay", s.Overlay)
	}
	if _, err := scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(report),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		return nil, errors.Wrap(err, "scheduling stats report")
	}
	scheduler.Start()
	return &StatsReporter{scheduler: scheduler}, nil
}

// Close stops reporting.
func (r *StatsReporter) Close() error {
	return r.scheduler.Shutdown()
}
