package pipeline

import (
	"testing"
	"time"

	"go.viam.com/test"
	"go.viam.com/utils/testutils"

	"github.com/mhss/shade/logging"
)

func TestStatsReporter(t *testing.T) {
	logger, logs := logging.NewObservedTestLogger(t)

	_, err := NewStatsReporter(func() Stats { return Stats{} }, 0, logger)
	test.That(t, err, test.ShouldNotBeNil)

	reporter, err := NewStatsReporter(func() Stats {
		return Stats{Admitted: 7, Dropped: 2, Uptime: time.Second}
	}, 20*time.Millisecond, logger)
	test.That(t, err, test.ShouldBeNil)

	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, logs.FilterMessage("pipeline stats").Len(), test.ShouldBeGreaterThanOrEqualTo, 2)
	})
	test.That(t, reporter.Close(), test.ShouldBeNil)

	entries := logs.FilterMessage("pipeline stats").All()
	first := entries[0].ContextMap()
	test.That(t, first["admitted"], test.ShouldEqual, uint64(7))
	test.That(t, first["admitted_per_sec"], test.ShouldEqual, 7.)
	// Nothing moved between the first two reports.
	test.That(t, entries[1].ContextMap()["admitted_per_sec"], test.ShouldEqual, 0.)
}
