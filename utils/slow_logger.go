package utils

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	goutils "go.viam.com/utils"

	"github.com/mhss/shade/logging"
)

// SlowLogger warns after two seconds, then after every few more, until the returned stop func is
// called or `ctx` is done. Each warning carries the elapsed time.
func SlowLogger(ctx context.Context, clk clock.Clock, msg, fieldName, fieldVal string, logger logging.Logger) func() {
	slowTicker := clk.Ticker(2 * time.Second)
	firstTick := true

	ctxWithCancel, cancel := context.WithCancel(ctx)
	startTime := clk.Now()
	goutils.PanicCapturingGo(func() {
		for {
			select {
			case <-slowTicker.C:
				elapsed := clk.Since(startTime).Round(time.Second).String()
				logger.Warnw(msg, fieldName, fieldVal, "time_elapsed", elapsed)
				if firstTick {
					slowTicker.Reset(3 * time.Second)
					firstTick = false
				} else {
					slowTicker.Reset(5 * time.Second)
				}
			case <-ctxWithCancel.Done():
				return
			}
		}
	})
	return func() { slowTicker.Stop(); cancel() }
}
