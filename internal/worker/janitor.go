package worker

import (
	"context"
	"log/slog"
	"time"
)

// runJanitor periodically re-enqueues abandoned jobs and purges expired
// snapshots
func (w *Worker) runJanitor(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *Worker) sweep(ctx context.Context) {
	if w.store != nil && w.queue != nil && w.staleAfter > 0 {
		w.recoverStaleJobs(ctx)
	}
	if w.purger != nil {
		snapshots, undos, err := w.purger.PurgeExpired(ctx)
		if err != nil {
			w.logger.Error("Failed to purge expired snapshots",
				slog.String("error", err.Error()),
			)
		} else if snapshots > 0 || undos > 0 {
			w.logger.Info("Purged expired snapshots",
				slog.Int64("snapshots", snapshots),
				slog.Int64("undo_disabled", undos),
			)
		}
	}
}

// recoverStaleJobs re-enqueues RUNNING jobs whose executor stopped sending
// heartbeats. The job lock keeps a still-alive executor exclusive.
func (w *Worker) recoverStaleJobs(ctx context.Context) int {
	ids, err := w.store.ListStaleJobs(ctx, w.now().Add(-w.staleAfter))
	if err != nil {
		w.logger.Error("Failed to list stale jobs",
			slog.String("error", err.Error()),
		)
		return 0
	}

	recovered := 0
	for _, id := range ids {
		if err := w.queue.Enqueue(ctx, id); err != nil {
			w.logger.Error("Failed to re-enqueue stale job",
				slog.String("job_id", id),
				slog.String("error", err.Error()),
			)
			continue
		}
		recovered++
		w.logger.Warn("Re-enqueued stale job",
			slog.String("job_id", id),
		)
	}
	return recovered
}
