package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/catalog-batchops/internal/batchops/domain"
	"github.com/cuongbtq/catalog-batchops/internal/batchops/queue"
)

// spawnWorkerPool spawns N worker goroutines based on concurrency configuration
func (w *Worker) spawnWorkerPool(ctx context.Context) {
	w.logger.Info("Spawning worker pool",
		slog.Int("concurrency", w.concurrency),
		slog.String("worker_id", w.workerID),
	)

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.workerLoop(ctx, i)
	}
}

// workerLoop is the main processing loop for each worker goroutine
func (w *Worker) workerLoop(ctx context.Context, workerNum int) {
	defer w.wg.Done()

	workerName := fmt.Sprintf("%s-%d", w.workerID, workerNum)
	w.logger.Debug("Worker goroutine started",
		slog.String("worker_name", workerName),
	)

	for {
		select {
		case <-w.stopChan:
			w.logger.Debug("Worker goroutine stopping - stopChan closed",
				slog.String("worker_name", workerName),
			)
			return

		case <-ctx.Done():
			w.drain()
			w.logger.Debug("Worker goroutine stopping - context canceled",
				slog.String("worker_name", workerName),
			)
			return

		case delivery := <-w.jobsChan:
			w.handle(ctx, workerName, delivery)
		}
	}
}

func (w *Worker) handle(ctx context.Context, workerName string, delivery queue.Delivery) {
	msg, err := delivery.Decode()
	if err != nil {
		_ = delivery.Nack(false)
		return
	}

	w.logger.Info("Worker received job",
		slog.String("worker_name", workerName),
		slog.String("job_id", msg.JobID),
		slog.Uint64("delivery_tag", delivery.Tag),
	)

	err = w.processJob(ctx, msg.JobID)
	if err == nil {
		if ackErr := delivery.Ack(); ackErr != nil {
			w.logger.Error("Failed to ACK message",
				slog.String("worker_name", workerName),
				slog.String("job_id", msg.JobID),
				slog.String("error", ackErr.Error()),
			)
		}
		return
	}

	// Smart requeue decision based on error type
	requeue := shouldRequeueJob(err)
	if nackErr := delivery.Nack(requeue); nackErr != nil {
		w.logger.Error("Failed to NACK message",
			slog.String("worker_name", workerName),
			slog.String("job_id", msg.JobID),
			slog.String("error", nackErr.Error()),
		)
		return
	}
	w.logger.Info("Message NACKed",
		slog.String("worker_name", workerName),
		slog.String("job_id", msg.JobID),
		slog.Bool("requeue", requeue),
	)
}

// drain returns buffered deliveries to the queue on shutdown
func (w *Worker) drain() {
	for {
		select {
		case delivery := <-w.jobsChan:
			if err := delivery.Nack(true); err != nil {
				w.logger.Error("Failed to NACK buffered message on shutdown",
					slog.String("error", err.Error()),
				)
			}
		default:
			return
		}
	}
}

// shouldRequeueJob determines if a job should be requeued based on the error type
func shouldRequeueJob(err error) bool {
	// Another executor owns the job; it will finish it
	if errors.Is(err, domain.ErrJobAlreadyClaimed) {
		return false
	}

	if errors.Is(err, domain.ErrInvalidPayload) {
		return false
	}

	var retryableErr *domain.RetryableError
	return errors.As(err, &retryableErr)
}
