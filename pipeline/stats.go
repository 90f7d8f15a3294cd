package pipeline

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/montanaflynn/stats"
	"go.uber.org/atomic"

	"github.com/mhss/shade/overlay"
	"github.com/mhss/shade/rimage"
)

// Stats is a snapshot of what the pipeline has done since it started.
type Stats struct {
	Admitted  uint64 `json:"admitted"`
	Dropped   uint64 `json:"dropped"`
	Detected  uint64 `json:"detected"`
	Empty     uint64 `json:"empty"`
	Failed    uint64 `json:"failed"`
	NotReady  uint64 `json:"not_ready"`
	Persisted uint64 `json:"persisted"`

	LatencyMean time.Duration `json:"latency_mean"`
	LatencyP95  time.Duration `json:"latency_p95"`
	Uptime      time.Duration `json:"uptime"`

	Pool      rimage.PoolStats   `json:"pool"`
	PatchPool rimage.PoolStats   `json:"patch_pool"`
	Overlay   overlay.CacheStats `json:"overlay"`
}

type statsRecorder struct {
	clock   clock.Clock
	started time.Time

	admitted  atomic.Uint64
	dropped   atomic.Uint64
	detected  atomic.Uint64
	empty     atomic.Uint64
	failed    atomic.Uint64
	notReady  atomic.Uint64
	persisted atomic.Uint64

	mu        sync.Mutex
	latencies []float64
	next      int
}

func newStatsRecorder(c clock.Clock, window int) *statsRecorder {
	return &statsRecorder{
		clock:     c,
		started:   c.Now(),
		latencies: make([]float64, 0, window),
	}
}

// observeLatency adds one inference duration to the sliding window.
func (r *statsRecorder) observeLatency(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.latencies) < cap(r.latencies) {
		r.latencies = append(r.latencies, float64(d))
		return
	}
	r.latencies[r.next] = float64(d)
	r.next = (r.next + 1) % len(r.latencies)
}

func (r *statsRecorder) snapshot() Stats {
	s := Stats{
		Admitted:  r.admitted.Load(),
		Dropped:   r.dropped.Load(),
		Detected:  r.detected.Load(),
		Empty:     r.empty.Load(),
		Failed:    r.failed.Load(),
		NotReady:  r.notReady.Load(),
		Persisted: r.persisted.Load(),
		Uptime:    r.clock.Since(r.started),
	}

	r.mu.Lock()
	window := stats.Float64Data(append([]float64(nil), r.latencies...))
	r.mu.Unlock()
	if len(window) == 0 {
		return s
	}
	if mean, err := window.Mean(); err == nil {
		s.LatencyMean = time.Duration(mean)
	}
	if p95, err := window.Percentile(95); err == nil {
		s.LatencyP95 = time.Duration(p95)
	}
	return s
}
