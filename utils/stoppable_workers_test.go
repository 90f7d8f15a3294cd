package utils

import (
	"context"
	"testing"

	"go.uber.org/atomic"
	"go.viam.com/test"
)

func TestStoppableWorkers(t *testing.T) {
	t.Run("stop waits for every worker", func(t *testing.T) {
		var finished atomic.Int32
		worker := func(ctx context.Context) {
			<-ctx.Done()
			finished.Inc()
		}
		sw := NewStoppableWorkers(worker, worker)
		sw.AddWorkers(worker)
		sw.Stop()
		test.That(t, finished.Load(), test.ShouldEqual, 3)
		test.That(t, sw.Context().Err(), test.ShouldNotBeNil)

		// A stopped group ignores new workers and tolerates a second Stop.
		sw.AddWorkers(worker)
		sw.Stop()
		test.That(t, finished.Load(), test.ShouldEqual, 3)
	})

	t.Run("parent cancellation stops workers", func(t *testing.T) {
		parent, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		sw := NewStoppableWorkersWithContext(parent, func(ctx context.Context) {
			<-ctx.Done()
			close(done)
		})
		cancel()
		<-done
		sw.Stop()
	})

	t.Run("a panicking worker does not take the group down", func(t *testing.T) {
		sw := NewStoppableWorkers(func(ctx context.Context) {
			panic("boom")
		})
		sw.Stop()
	})
}

func TestGuard(t *testing.T) {
	cleaned := false
	func() {
		guard := NewGuard(func() { cleaned = true })
		defer guard.OnFail()
	}()
	test.That(t, cleaned, test.ShouldBeTrue)

	cleaned = false
	func() {
		guard := NewGuard(func() { cleaned = true })
		defer guard.OnFail()
		guard.Success()
	}()
	test.That(t, cleaned, test.ShouldBeFalse)
}
