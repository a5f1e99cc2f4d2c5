package worker

import (
	"context"
	"log/slog"
	"time"
)

// processJob runs a single batch operation through the executor
func (w *Worker) processJob(ctx context.Context, jobID string) error {
	started := time.Now()
	w.logger.Info("Processing job",
		slog.String("job_id", jobID),
		slog.String("worker_id", w.workerID),
	)

	if err := w.runner.Run(ctx, jobID); err != nil {
		w.logger.Error("Job processing failed",
			slog.String("job_id", jobID),
			slog.String("worker_id", w.workerID),
			slog.Duration("elapsed", time.Since(started)),
			slog.String("error", err.Error()),
		)
		return err
	}

	w.logger.Info("Job processing finished",
		slog.String("job_id", jobID),
		slog.String("worker_id", w.workerID),
		slog.Duration("elapsed", time.Since(started)),
	)
	return nil
}
