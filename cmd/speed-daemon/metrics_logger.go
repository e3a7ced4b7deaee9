package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/trafficwatch/speed-daemon/internal/metrics"
)

func startMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger, wg *sync.WaitGroup) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				snap := metrics.Snap()
				l.Info("metrics_snapshot",
					"frames_rx", snap.FramesRx,
					"frames_tx", snap.FramesTx,
					"plates", snap.Plates,
					"heartbeats", snap.Heartbeats,
					"tickets_issued", snap.TicketsIssued,
					"tickets_delivered", snap.TicketsDelivered,
					"tickets_parked", snap.TicketsParked,
					"sessions", snap.Sessions,
					"violations", snap.Violations,
					"errors", snap.Errors,
				)
			case <-ctx.Done():
				return
			}
		}
	}()
}
