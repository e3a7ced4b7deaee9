// Package heartbeat emits periodic Heartbeat frames onto a session's
// outbound queue.
package heartbeat

import (
	"time"

	"github.com/trafficwatch/speed-daemon/internal/metrics"
	"github.com/trafficwatch/speed-daemon/internal/wire"
)

// Interval converts a WantHeartbeat interval (deci-seconds) to a duration.
func Interval(deciseconds uint32) time.Duration {
	return time.Duration(deciseconds) * 100 * time.Millisecond
}

// Start launches the emitter goroutine. interval is in deci-seconds; 0 is a
// no-op per the protocol. The goroutine exits when done is closed. The
// first Heartbeat fires one full interval after the request.
func Start(done <-chan struct{}, interval uint32, out chan<- wire.ServerFrame) {
	if interval == 0 {
		return
	}
	go func() {
		t := time.NewTicker(Interval(interval))
		defer t.Stop()
		for {
			select {
			case <-t.C:
				select {
				case out <- wire.Heartbeat{}:
					metrics.IncHeartbeatTx()
				case <-done:
					return
				}
			case <-done:
				return
			}
		}
	}()
}
