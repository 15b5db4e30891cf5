package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sttdispatch/sttd/internal/metrics"
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
					"workers_active", snap.WorkersActive,
					"workers_available", snap.WorkersAvailable,
					"workers_evicted", snap.WorkersEvicted,
					"connects_accepted", snap.ConnectsAccepted,
					"connects_rejected", snap.ConnectsRejected,
					"audio_chunks_rx", snap.AudioChunksRx,
					"result_chunks_tx", snap.ResultChunksTx,
					"mailbox_queue_depth", snap.QueueDepth,
					"malformed", snap.Malformed,
					"errors", snap.Errors,
				)
			case <-ctx.Done():
				return
			}
		}
	}()
}
