package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/arksine/katapult-flashtool/internal/metrics"
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
				logMetricsSnapshot(l)
			case <-ctx.Done():
				return
			}
		}
	}()
}

func logMetricsSnapshot(l *slog.Logger) {
	snap := metrics.Snap()
	l.Info("metrics_snapshot",
		"can_rx", snap.CANRx,
		"can_tx", snap.CANTx,
		"serial_rx_bytes", snap.SerialRxBytes,
		"serial_tx_bytes", snap.SerialTxBytes,
		"retries", snap.Retries,
		"malformed", snap.Malformed,
		"blocks_written", snap.BlocksWritten,
		"blocks_verified", snap.BlocksVerified,
		"errors", snap.Errors,
	)
}
