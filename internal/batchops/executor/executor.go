// Package executor drives a batch operation through its state machine:
// claim, snapshot, sequential batches and a terminal status.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/cuongbtq/catalog-batchops/internal/batchops/audit"
	"github.com/cuongbtq/catalog-batchops/internal/batchops/domain"
	"github.com/cuongbtq/catalog-batchops/internal/batchops/lock"
	"github.com/cuongbtq/catalog-batchops/internal/batchops/progress"
	"github.com/cuongbtq/catalog-batchops/internal/batchops/snapshot"
	"github.com/cuongbtq/catalog-batchops/internal/batchops/store"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	defaultLockTTL  = 2 * time.Minute
	defaultLockWait = 2 * time.Second
	lockRetryDelay  = 100 * time.Millisecond
)

var (
	errJobTimeout = errors.New("job timed out")
	errLeaseLost  = errors.New("job lock lease lost")
)

// Config holds executor settings
type Config struct {
	WorkerID          string
	LockTTL           time.Duration
	LockWait          time.Duration
	HeartbeatInterval time.Duration
	JobTimeout        time.Duration
	ItemsPerSecond    float64
}

// Executor runs batch operations.
type Executor struct {
	store     store.Store
	registry  *Registry
	snapshots *snapshot.Manager
	tracker   *progress.Tracker
	locker    lock.Locker
	audit     audit.Sink
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time
}

// Dependencies are the collaborators of an Executor
type Dependencies struct {
	Store     store.Store
	Registry  *Registry
	Snapshots *snapshot.Manager
	Tracker   *progress.Tracker
	Locker    lock.Locker
	Audit     audit.Sink
	Logger    *slog.Logger
}

// New creates an executor
func New(deps Dependencies, cfg Config) *Executor {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = defaultLockTTL
	}
	if cfg.LockWait <= 0 {
		cfg.LockWait = defaultLockWait
	}
	if cfg.HeartbeatInterval <= 0 || cfg.HeartbeatInterval > cfg.LockTTL/2 {
		cfg.HeartbeatInterval = cfg.LockTTL / 3
	}
	return &Executor{
		store:     deps.Store,
		registry:  deps.Registry,
		snapshots: deps.Snapshots,
		tracker:   deps.Tracker,
		locker:    deps.Locker,
		audit:     deps.Audit,
		cfg:       cfg,
		logger:    deps.Logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source
func (e *Executor) SetClock(now func() time.Time) {
	e.now = now
}

// Run executes the job until it finishes, is paused or cancelled, or ctx is
// done. Paused, cancelled and finished jobs are a no-op. Errors wrapping
// domain.RetryableError mean the job should be run again later.
func (e *Executor) Run(ctx context.Context, jobID string) error {
	lease, err := e.acquire(ctx, jobID)
	if err != nil {
		return err
	}
	defer func() {
		if err := e.locker.Release(context.WithoutCancel(ctx), lease); err != nil {
			e.logger.Warn("Failed to release job lock",
				slog.String("job_id", jobID),
				slog.String("error", err.Error()),
			)
		}
	}()

	job, err := e.store.ClaimJob(ctx, jobID, e.cfg.WorkerID)
	if err != nil {
		if errors.Is(err, domain.ErrJobAlreadyClaimed) && job != nil {
			e.logger.Info("Job not runnable, skipping",
				slog.String("job_id", jobID),
				slog.String("status", string(job.Status)),
			)
			return nil
		}
		if errors.Is(err, domain.ErrJobNotFound) {
			return fmt.Errorf("%w: %w", domain.ErrInvalidPayload, err)
		}
		return domain.NewRetryableError(fmt.Errorf("failed to claim job: %w", err))
	}

	e.tracker.Started()
	defer e.tracker.Stopped()

	handler, ok := e.registry.Lookup(job.Type)
	if !ok {
		e.logger.Error("No handler registered for operation type",
			slog.String("job_id", job.ID),
			slog.String("job_type", string(job.Type)),
		)
		return e.finish(ctx, job, domain.JobStatusFailed, fmt.Sprintf("%s: %s", domain.ErrUnknownOperation, job.Type), nil)
	}

	jobCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if e.cfg.JobTimeout > 0 {
		var cancelTimeout context.CancelFunc
		jobCtx, cancelTimeout = context.WithTimeoutCause(jobCtx, e.cfg.JobTimeout, errJobTimeout)
		defer cancelTimeout()
	}

	heartbeatDone := make(chan struct{})
	go e.sendJobHeartbeat(jobCtx, job.ID, lease, cancel, heartbeatDone)
	defer close(heartbeatDone)

	snap, err := e.snapshots.EnsureSnapshot(jobCtx, job)
	if err != nil {
		if ctx.Err() != nil {
			return domain.NewRetryableError(fmt.Errorf("snapshot interrupted: %w", err))
		}
		e.logger.Error("Failed to create snapshot",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
		return e.finish(ctx, job, domain.JobStatusFailed, "snapshot failed: "+err.Error(), nil)
	}

	var limiter *rate.Limiter
	if e.cfg.ItemsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(e.cfg.ItemsPerSecond), max(1, job.Metadata.Concurrency))
	}
	entries := snap.Index()

	e.logger.Info("Executing job",
		slog.String("job_id", job.ID),
		slog.String("job_type", string(job.Type)),
		slog.Int("total_items", job.TotalItems),
		slog.Int("start_batch", job.Metadata.CurrentBatch),
		slog.Int("total_batches", job.Metadata.TotalBatches),
	)

	for b := job.Metadata.CurrentBatch; b < job.Metadata.TotalBatches; b++ {
		current, err := e.store.GetJob(jobCtx, job.ID)
		if err != nil {
			return e.interrupted(ctx, jobCtx, job, err)
		}
		if current.Status != domain.JobStatusRunning {
			e.logger.Info("Job stopped between batches",
				slog.String("job_id", job.ID),
				slog.String("status", string(current.Status)),
				slog.Int("completed_batches", b),
			)
			return nil
		}

		started := time.Now()
		outcomes, abortErr := e.processBatch(jobCtx, job, b, handler, entries, limiter)
		elapsed := time.Since(started)

		if jobCtx.Err() != nil {
			if !errors.Is(context.Cause(jobCtx), errJobTimeout) || ctx.Err() != nil {
				return e.interrupted(ctx, jobCtx, job, jobCtx.Err())
			}
			if err := e.recordBatch(ctx, job, snap, b, outcomes, elapsed); err != nil {
				e.logger.Error("Failed to record batch of timed out job",
					slog.String("job_id", job.ID),
					slog.String("error", err.Error()),
				)
			}
			return e.finish(ctx, job, domain.JobStatusFailed, fmt.Sprintf("job timed out after %s", e.cfg.JobTimeout), snap)
		}

		if err := e.recordBatch(jobCtx, job, snap, b, outcomes, elapsed); err != nil {
			return e.interrupted(ctx, jobCtx, job, err)
		}

		if abortErr != nil {
			return e.finish(ctx, job, domain.JobStatusFailed, "aborted: "+abortErr.Error(), snap)
		}

		if err := e.store.Heartbeat(jobCtx, job.ID); err != nil {
			e.logger.Warn("Failed to update job heartbeat",
				slog.String("job_id", job.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	return e.finish(ctx, job, FinalStatus(job.Counters()), "", snap)
}

// acquire takes the job lock, retrying for up to LockWait while another run
// holds it. A run that just saw the job paused keeps the lock until it
// returns; a resume delivered in between waits here.
func (e *Executor) acquire(ctx context.Context, jobID string) (*lock.Lease, error) {
	deadline := time.Now().Add(e.cfg.LockWait)
	for {
		lease, ok, err := e.locker.Acquire(ctx, "job:"+jobID, e.cfg.LockTTL)
		if err != nil {
			return nil, domain.NewRetryableError(fmt.Errorf("failed to acquire job lock: %w", err))
		}
		if ok {
			return lease, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: job %s is locked", domain.ErrJobAlreadyClaimed, jobID)
		}

		select {
		case <-ctx.Done():
			return nil, domain.NewRetryableError(fmt.Errorf("waiting for job lock: %w", ctx.Err()))
		case <-time.After(lockRetryDelay):
		}
	}
}

// FinalStatus maps final tallies to the terminal status of a job that ran
// every batch.
func FinalStatus(c domain.Counters) domain.Status {
	switch {
	case c.Failed == 0:
		return domain.JobStatusCompleted
	case c.Success == 0:
		return domain.JobStatusFailed
	default:
		return domain.JobStatusPartiallyCompleted
	}
}

func (e *Executor) processBatch(ctx context.Context, job *domain.Job, index int, handler Handler, entries map[string]domain.SnapshotEntry, limiter *rate.Limiter) ([]domain.ItemOutcome, error) {
	ids := job.Batch(index)
	offset := index * job.Metadata.BatchSize
	concurrency := max(1, job.Metadata.Concurrency)

	results := make([]*domain.ItemOutcome, len(ids))
	var (
		abortMu  sync.Mutex
		abortErr error
	)
	aborted := func() bool {
		abortMu.Lock()
		defer abortMu.Unlock()
		return abortErr != nil
	}

	var g errgroup.Group
	g.SetLimit(concurrency)
	for i, id := range ids {
		if aborted() || ctx.Err() != nil {
			break
		}
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				break
			}
		}
		i, id := i, id
		g.Go(func() error {
			if aborted() || ctx.Err() != nil {
				return nil
			}
			// a handler that returned has run; its outcome is kept even
			// when ctx ended meanwhile
			outcome, bug := e.processItem(ctx, job, handler, id, offset+i, entries)
			results[i] = outcome
			if bug != nil {
				abortMu.Lock()
				if abortErr == nil {
					abortErr = bug
				}
				abortMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	outcomes := make([]domain.ItemOutcome, 0, len(ids))
	for _, r := range results {
		if r != nil {
			outcomes = append(outcomes, *r)
		}
	}
	return outcomes, abortErr
}

// processItem returns the outcome of one item and a non-nil error only for
// unclassified handler failures.
func (e *Executor) processItem(ctx context.Context, job *domain.Job, handler Handler, itemID string, position int, entries map[string]domain.SnapshotEntry) (*domain.ItemOutcome, error) {
	outcome := &domain.ItemOutcome{ItemID: itemID, Position: position}

	if entry, ok := entries[itemID]; ok && !entry.Captured {
		outcome.Status = domain.ItemFailed
		outcome.Error = "snapshot capture failed: " + entry.CaptureError
		outcome.CanRetry = true
		outcome.ProcessedAt = e.now()
		return outcome, nil
	}

	err := invoke(ctx, handler, itemID, job.Metadata.Params)
	outcome.ProcessedAt = e.now()
	if err == nil {
		outcome.Status = domain.ItemSucceeded
		return outcome, nil
	}

	outcome.Status = domain.ItemFailed
	outcome.Error = err.Error()
	if kind, ok := domain.ClassifyItemError(err); ok {
		outcome.CanRetry = kind.Retryable()
		e.logger.Debug("Item failed",
			slog.String("job_id", job.ID),
			slog.String("item_id", itemID),
			slog.String("kind", string(kind)),
			slog.String("error", err.Error()),
		)
		return outcome, nil
	}
	if ctx.Err() != nil {
		return nil, nil
	}

	attrs := []any{
		slog.String("job_id", job.ID),
		slog.String("job_type", string(job.Type)),
		slog.String("item_id", itemID),
		slog.Int("position", position),
		slog.String("error", err.Error()),
	}
	var pe *panicError
	if errors.As(err, &pe) {
		attrs = append(attrs, slog.String("stack", string(pe.stack)))
	}
	e.logger.Error("Unclassified handler error, aborting job", attrs...)
	return outcome, fmt.Errorf("item %s: %w", itemID, err)
}

func (e *Executor) recordBatch(ctx context.Context, job *domain.Job, snap *domain.Snapshot, index int, outcomes []domain.ItemOutcome, elapsed time.Duration) error {
	after := make(map[string]domain.ItemState)
	for _, o := range outcomes {
		if !o.Succeeded() {
			continue
		}
		state, err := e.snapshots.ReadAfter(ctx, o.ItemID)
		if err != nil {
			e.logger.Warn("Failed to read item state after mutation",
				slog.String("job_id", job.ID),
				slog.String("item_id", o.ItemID),
				slog.String("error", err.Error()),
			)
			continue
		}
		after[o.ItemID] = state
	}
	if len(after) > 0 {
		if err := e.snapshots.RecordAfter(ctx, snap.ID, after); err != nil {
			return err
		}
	}

	_, err := e.tracker.RecordBatch(ctx, job, index, outcomes, elapsed)
	return err
}

func (e *Executor) finish(ctx context.Context, job *domain.Job, status domain.Status, message string, snap *domain.Snapshot) error {
	ctx = context.WithoutCancel(ctx)
	now := e.now()
	fin := store.Finish{Status: status, Message: message, CompletedAt: now}
	if snap != nil && job.SuccessItems > 0 {
		expires := now.Add(e.snapshots.UndoWindow())
		fin.CanUndo = true
		fin.UndoExpiresAt = &expires
	}

	applied, err := e.store.FinishJob(ctx, job.ID, []domain.Status{domain.JobStatusRunning}, fin)
	if err != nil {
		return domain.NewRetryableError(fmt.Errorf("failed to finish job: %w", err))
	}
	if !applied {
		e.logger.Info("Job status changed before finish, keeping it",
			slog.String("job_id", job.ID),
			slog.String("computed_status", string(status)),
		)
		return nil
	}

	job.Status = status
	job.Message = message
	job.CanUndo = fin.CanUndo
	job.UndoExpiresAt = fin.UndoExpiresAt
	job.CompletedAt = &now

	e.logger.Info("Job finished",
		slog.String("job_id", job.ID),
		slog.String("status", string(status)),
		slog.Int("succeeded", job.SuccessItems),
		slog.Int("failed", job.FailedItems),
		slog.Bool("can_undo", fin.CanUndo),
	)
	e.tracker.RecordFinished(ctx, job)
	if e.audit != nil {
		if err := e.audit.Record(ctx, audit.FromJob(audit.EventJobFinished, job)); err != nil {
			e.logger.Warn("Failed to record audit event",
				slog.String("job_id", job.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

// interrupted decides what happens to a job whose run stopped early without
// a business outcome.
func (e *Executor) interrupted(ctx, jobCtx context.Context, job *domain.Job, err error) error {
	if errors.Is(context.Cause(jobCtx), errLeaseLost) {
		e.logger.Warn("Job lock lost, stopping",
			slog.String("job_id", job.ID),
		)
		return fmt.Errorf("%w: %w", domain.ErrJobAlreadyClaimed, errLeaseLost)
	}
	e.logger.Warn("Job interrupted, will resume from last completed batch",
		slog.String("job_id", job.ID),
		slog.Int("completed_batches", job.Metadata.CurrentBatch),
		slog.String("error", err.Error()),
	)
	if ctx.Err() != nil {
		return domain.NewRetryableError(fmt.Errorf("job interrupted: %w", ctx.Err()))
	}
	return domain.NewRetryableError(err)
}

// sendJobHeartbeat periodically refreshes the job heartbeat and lock lease
func (e *Executor) sendJobHeartbeat(ctx context.Context, jobID string, lease *lock.Lease, cancel context.CancelCauseFunc, done <-chan struct{}) {
	ticker := time.NewTicker(e.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.locker.Renew(ctx, lease, e.cfg.LockTTL); err != nil {
				if errors.Is(err, lock.ErrNotHeld) {
					cancel(errLeaseLost)
					return
				}
				e.logger.Warn("Failed to renew job lock",
					slog.String("job_id", jobID),
					slog.String("error", err.Error()),
				)
			}
			if err := e.store.Heartbeat(ctx, jobID); err != nil {
				e.logger.Warn("Failed to update job heartbeat",
					slog.String("job_id", jobID),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

type panicError struct {
	value any
	stack []byte
}

func (p *panicError) Error() string {
	return fmt.Sprintf("handler panic: %v", p.value)
}

func invoke(ctx context.Context, h Handler, itemID string, params map[string]any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: debug.Stack()}
		}
	}()
	return h.Mutate(ctx, itemID, params)
}
