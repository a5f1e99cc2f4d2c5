package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/catalog-batchops/internal/batchops/queue"
	"github.com/cuongbtq/catalog-batchops/internal/batchops/store"
)

// Runner executes one batch operation to completion or interruption
type Runner interface {
	Run(ctx context.Context, jobID string) error
}

// Purger removes snapshots and undo rights whose window has passed
type Purger interface {
	PurgeExpired(ctx context.Context) (snapshots, undos int64, err error)
}

// Config holds worker configuration
type Config struct {
	Logger   *slog.Logger
	WorkerID string
	Source   queue.Source
	Queue    queue.Queue
	Runner   Runner
	Store    store.JobStore
	Purger   Purger

	Concurrency     int
	MaxJobs         int
	StaleAfter      time.Duration
	JanitorInterval time.Duration
}

// Worker consumes queued batch operations and runs them on a fixed pool of
// goroutines
type Worker struct {
	logger   *slog.Logger
	workerID string
	source   queue.Source
	queue    queue.Queue
	runner   Runner
	store    store.JobStore
	purger   Purger

	concurrency     int
	staleAfter      time.Duration
	janitorInterval time.Duration

	jobsChan chan queue.Delivery
	wg       sync.WaitGroup
	stopChan chan struct{}
	stopOnce sync.Once
	now      func() time.Time
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	concurrency := max(1, cfg.Concurrency)
	maxJobs := cfg.MaxJobs
	if maxJobs <= 0 {
		maxJobs = concurrency
	}

	return &Worker{
		logger:          cfg.Logger,
		workerID:        cfg.WorkerID,
		source:          cfg.Source,
		queue:           cfg.Queue,
		runner:          cfg.Runner,
		store:           cfg.Store,
		purger:          cfg.Purger,
		concurrency:     concurrency,
		staleAfter:      cfg.StaleAfter,
		janitorInterval: cfg.JanitorInterval,
		jobsChan:        make(chan queue.Delivery, maxJobs),
		stopChan:        make(chan struct{}),
		now:             func() time.Time { return time.Now().UTC() },
	}
}

// Start consumes jobs until ctx is canceled
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.Int("concurrency", w.concurrency),
	)

	deliveries, err := w.source.Consume(ctx, w.workerID)
	if err != nil {
		return fmt.Errorf("failed to start consumer: %w", err)
	}

	w.spawnWorkerPool(ctx)

	if w.janitorInterval > 0 {
		w.wg.Add(1)
		go w.runJanitor(ctx)
	}

	w.startMessageDispatcher(ctx, deliveries)

	w.logger.Info("Worker context canceled, stopping...")
	return nil
}

// Stop waits for in-flight jobs to return
func (w *Worker) Stop() {
	w.logger.Info("Stopping worker...")
	w.stopOnce.Do(func() { close(w.stopChan) })
	w.wg.Wait()
	w.logger.Info("Worker stopped")
}
