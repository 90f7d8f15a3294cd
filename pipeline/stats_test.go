package pipeline

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"go.viam.com/test"
)

func TestStatsRecorderWindow(t *testing.T) {
	mock := clock.NewMock()
	r := newStatsRecorder(mock, 4)

	s := r.snapshot()
	test.That(t, s.LatencyMean, test.ShouldEqual, time.Duration(0))
	test.That(t, s.LatencyP95, test.ShouldEqual, time.Duration(0))

	for _, ms := range []int{10, 10, 10, 10} {
		start := mock.Now()
		mock.Add(time.Duration(ms) * time.Millisecond)
		r.observeLatency(mock.Since(start))
	}
	s = r.snapshot()
	test.That(t, s.LatencyMean, test.ShouldEqual, 10*time.Millisecond)
	test.That(t, s.Uptime, test.ShouldEqual, 40*time.Millisecond)

	// The window slides: four new samples replace the old ones.
	for i := 0; i < 4; i++ {
		r.observeLatency(30 * time.Millisecond)
	}
	s = r.snapshot()
	test.That(t, s.LatencyMean, test.ShouldEqual, 30*time.Millisecond)
	test.That(t, s.LatencyP95, test.ShouldEqual, 30*time.Millisecond)

	r.observeLatency(70 * time.Millisecond)
	s = r.snapshot()
	test.That(t, s.LatencyMean, test.ShouldEqual, 40*time.Millisecond)
	test.That(t, s.LatencyP95, test.ShouldBeGreaterThanOrEqualTo, 30*time.Millisecond)

	r.dropped.Inc()
	r.admitted.Add(3)
	s = r.snapshot()
	test.That(t, s.Dropped, test.ShouldEqual, 1)
	test.That(t, s.Admitted, test.ShouldEqual, 3)
}
