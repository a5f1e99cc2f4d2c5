// Package lifecycle handles pause, resume, cancel and retry requests for
// batch operations.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/catalog-batchops/internal/batchops/audit"
	"github.com/cuongbtq/catalog-batchops/internal/batchops/domain"
	"github.com/cuongbtq/catalog-batchops/internal/batchops/queue"
	"github.com/cuongbtq/catalog-batchops/internal/batchops/store"
	"github.com/google/uuid"
)

// Controller changes the status of jobs on behalf of callers. The executor
// observes the persisted status between batches.
type Controller struct {
	store  store.JobStore
	queue  queue.Queue
	audit  audit.Sink
	logger *slog.Logger
	now    func() time.Time
}

// NewController creates a lifecycle controller. sink may be nil.
func NewController(st store.JobStore, q queue.Queue, sink audit.Sink, logger *slog.Logger) *Controller {
	return &Controller{
		store:  st,
		queue:  q,
		audit:  sink,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Pause stops a RUNNING job after its current batch.
func (c *Controller) Pause(ctx context.Context, jobID string) (*domain.ActionResult, error) {
	if _, err := c.transition(ctx, jobID, "pause", domain.JobStatusPaused, domain.JobStatusRunning); err != nil {
		return nil, err
	}
	return &domain.ActionResult{Success: true, Message: "Job will pause after the current batch"}, nil
}

// Resume restarts a PAUSED job from the batch after the last completed one.
func (c *Controller) Resume(ctx context.Context, jobID string) (*domain.ActionResult, error) {
	if _, err := c.transition(ctx, jobID, "resume", domain.JobStatusRunning, domain.JobStatusPaused); err != nil {
		return nil, err
	}

	if err := c.queue.Enqueue(ctx, jobID); err != nil {
		// the stale job janitor picks the job up if this publish is lost
		c.logger.Error("Failed to enqueue resumed job",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("failed to enqueue resumed job: %w", err)
	}
	return &domain.ActionResult{Success: true, Message: "Job resumed"}, nil
}

// Cancel permanently stops a job. Items not yet processed are never attempted.
func (c *Controller) Cancel(ctx context.Context, jobID string) (*domain.ActionResult, error) {
	job, err := c.transition(ctx, jobID, "cancel", domain.JobStatusCancelled,
		domain.JobStatusPending, domain.JobStatusRunning, domain.JobStatusPaused)
	if err != nil {
		return nil, err
	}

	c.record(ctx, audit.EventJobCancelled, job)
	return &domain.ActionResult{Success: true, Message: "Job cancelled"}, nil
}

// RetryFailedItems creates and enqueues a new job over the retryable failed
// items of a finished job. The original job is left untouched.
func (c *Controller) RetryFailedItems(ctx context.Context, jobID, actorID string) (*domain.Job, error) {
	original, err := c.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !original.Status.IsTerminal() {
		return nil, &domain.InvalidTransitionError{JobID: jobID, From: original.Status, Action: "retry"}
	}

	outcomes, err := c.store.ListOutcomes(ctx, jobID)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range domain.ItemErrors(outcomes) {
		if e.CanRetry {
			ids = append(ids, e.ItemID)
		}
	}
	if len(ids) == 0 {
		return nil, domain.NewSelectionError("job has no retryable failed items", nil)
	}

	if actorID == "" {
		actorID = original.CreatedBy
	}
	job := domain.NewJob(uuid.NewString(), original.Type, ids, original.Metadata.Params,
		original.Metadata.BatchSize, original.Metadata.Concurrency, actorID, c.now())
	job.ParentJobID = original.ID

	if err := c.store.CreateJob(ctx, job); err != nil {
		return nil, err
	}
	if err := c.queue.Enqueue(ctx, job.ID); err != nil {
		return nil, fmt.Errorf("failed to enqueue retry job: %w", err)
	}

	c.logger.Info("Retry job created",
		slog.String("job_id", job.ID),
		slog.String("parent_job_id", original.ID),
		slog.Int("items", job.TotalItems),
	)
	c.record(ctx, audit.EventJobRetried, job)
	return job, nil
}

func (c *Controller) transition(ctx context.Context, jobID, action string, to domain.Status, from ...domain.Status) (*domain.Job, error) {
	job, err := c.store.TransitionStatus(ctx, jobID, from, to)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidStateTransition) && job != nil {
			return nil, &domain.InvalidTransitionError{JobID: jobID, From: job.Status, Action: action}
		}
		return nil, err
	}

	c.logger.Info("Job status changed",
		slog.String("job_id", jobID),
		slog.String("action", action),
		slog.String("status", string(to)),
	)
	return job, nil
}

func (c *Controller) record(ctx context.Context, eventType string, job *domain.Job) {
	if c.audit == nil {
		return
	}
	if err := c.audit.Record(ctx, audit.FromJob(eventType, job)); err != nil {
		c.logger.Warn("Failed to record audit event",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
	}
}
