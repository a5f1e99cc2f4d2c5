// Package progress computes, persists and reports batch operation progress.
package progress

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/catalog-batchops/internal/batchops/domain"
	"github.com/cuongbtq/catalog-batchops/internal/batchops/store"
)

// Tracker records per-batch progress and answers progress/result queries.
type Tracker struct {
	store     store.JobStore
	publisher Publisher
	logger    *slog.Logger
	now       func() time.Time
}

// NewTracker creates a tracker. publisher may be nil.
func NewTracker(st store.JobStore, publisher Publisher, logger *slog.Logger) *Tracker {
	return &Tracker{
		store:     st,
		publisher: publisher,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source
func (t *Tracker) SetClock(now func() time.Time) {
	t.now = now
}

// RecordBatch persists the outcomes of the zero-based batch index of job and
// folds them into job. elapsed is the wall time the batch took.
func (t *Tracker) RecordBatch(ctx context.Context, job *domain.Job, index int, outcomes []domain.ItemOutcome, elapsed time.Duration) (*domain.Progress, error) {
	var delta domain.Counters
	for _, o := range outcomes {
		delta.Processed++
		if o.Succeeded() {
			delta.Success++
		} else {
			delta.Failed++
		}
	}

	throughput := 0.0
	if elapsed > 0 && delta.Processed > 0 {
		throughput = float64(delta.Processed) / elapsed.Seconds()
	}
	remaining := job.TotalItems - job.ProcessedItems - delta.Processed
	eta := 0.0
	if throughput > 0 && remaining > 0 {
		eta = float64(remaining) / throughput
	}

	update := store.BatchUpdate{
		Delta:        delta,
		CurrentBatch: index + 1,
		Outcomes:     outcomes,
		Throughput:   throughput,
		ETASeconds:   eta,
	}
	if err := t.store.SaveBatch(ctx, job.ID, update); err != nil {
		return nil, fmt.Errorf("failed to persist batch %d: %w", index, err)
	}

	job.ProcessedItems += delta.Processed
	job.SuccessItems += delta.Success
	job.FailedItems += delta.Failed
	job.Metadata.CurrentBatch = index + 1
	job.Metadata.Throughput = throughput
	job.Metadata.ETASeconds = eta
	job.UpdatedAt = t.now()

	opType := normalizeLabel(string(job.Type), "unknown")
	itemsProcessedTotal.WithLabelValues(opType, domain.ItemSucceeded).Add(float64(delta.Success))
	itemsProcessedTotal.WithLabelValues(opType, domain.ItemFailed).Add(float64(delta.Failed))
	batchDurationSeconds.WithLabelValues(opType).Observe(elapsed.Seconds())

	progress := Build(job)
	t.logger.Info("Batch completed",
		slog.String("job_id", job.ID),
		slog.Int("batch", index+1),
		slog.Int("total_batches", job.Metadata.TotalBatches),
		slog.Int("processed", job.ProcessedItems),
		slog.Int("succeeded", job.SuccessItems),
		slog.Int("failed", job.FailedItems),
		slog.Float64("throughput", throughput),
	)
	t.publish(ctx, progress)
	return progress, nil
}

// RecordFinished reports a job that reached a terminal status.
func (t *Tracker) RecordFinished(ctx context.Context, job *domain.Job) {
	jobsFinishedTotal.WithLabelValues(normalizeLabel(string(job.Type), "unknown"), string(job.Status)).Inc()
	t.publish(ctx, Build(job))
}

// Started marks an execution running in this process
func (t *Tracker) Started() { jobsRunning.Inc() }

// Stopped marks the end of an execution started with Started
func (t *Tracker) Stopped() { jobsRunning.Dec() }

// GetProgress returns the current progress of a job.
func (t *Tracker) GetProgress(ctx context.Context, jobID string) (*domain.Progress, error) {
	job, err := t.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return Build(job), nil
}

// GetResult returns the outcome of a job. Jobs still in flight yield a
// partial result with Final unset.
func (t *Tracker) GetResult(ctx context.Context, jobID string) (*domain.Result, error) {
	job, err := t.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	outcomes, err := t.store.ListOutcomes(ctx, jobID)
	if err != nil {
		return nil, err
	}

	result := &domain.Result{
		JobID:          job.ID,
		Type:           job.Type,
		Status:         job.Status,
		Final:          job.Status.IsTerminal(),
		TotalItems:     job.TotalItems,
		ProcessedItems: job.ProcessedItems,
		SuccessItems:   job.SuccessItems,
		FailedItems:    job.FailedItems,
		SucceededIDs:   make([]string, 0, job.SuccessItems),
		FailedIDs:      make([]string, 0, job.FailedItems),
		Errors:         domain.ItemErrors(outcomes),
		CanUndo:        job.UndoAvailable(t.now()),
		UndoExpiresAt:  job.UndoExpiresAt,
		StartedAt:      job.StartedAt,
		CompletedAt:    job.CompletedAt,
	}
	for _, o := range outcomes {
		if o.Succeeded() {
			result.SucceededIDs = append(result.SucceededIDs, o.ItemID)
		} else {
			result.FailedIDs = append(result.FailedIDs, o.ItemID)
		}
	}
	result.Summary = summarize(job)
	return result, nil
}

func (t *Tracker) publish(ctx context.Context, p *domain.Progress) {
	if t.publisher == nil {
		return
	}
	if err := t.publisher.PublishProgress(ctx, p); err != nil {
		t.logger.Warn("Failed to publish progress",
			slog.String("job_id", p.JobID),
			slog.String("error", err.Error()),
		)
	}
}

// Build derives the progress view of a job from its persisted state.
func Build(job *domain.Job) *domain.Progress {
	p := &domain.Progress{
		JobID:               job.ID,
		Status:              job.Status,
		TotalItems:          job.TotalItems,
		ProcessedItems:      job.ProcessedItems,
		SuccessItems:        job.SuccessItems,
		FailedItems:         job.FailedItems,
		CurrentBatch:        job.Metadata.CurrentBatch,
		TotalBatches:        job.Metadata.TotalBatches,
		ThroughputPerSecond: job.Metadata.Throughput,
		UpdatedAt:           job.UpdatedAt,
	}
	switch {
	case job.TotalItems > 0:
		p.PercentComplete = float64(job.ProcessedItems) / float64(job.TotalItems) * 100
	case job.Status.IsTerminal():
		p.PercentComplete = 100
	}
	if !job.Status.IsTerminal() {
		p.EstimatedTimeRemaining = job.Metadata.ETASeconds
	}
	return p
}

func summarize(job *domain.Job) string {
	switch job.Status {
	case domain.JobStatusPending:
		return fmt.Sprintf("Waiting to process %d items", job.TotalItems)
	case domain.JobStatusRunning, domain.JobStatusPaused:
		return fmt.Sprintf("%s: processed %d of %d items (%d succeeded, %d failed)",
			job.Status, job.ProcessedItems, job.TotalItems, job.SuccessItems, job.FailedItems)
	case domain.JobStatusCancelled:
		return fmt.Sprintf("Cancelled after processing %d of %d items (%d succeeded, %d failed)",
			job.ProcessedItems, job.TotalItems, job.SuccessItems, job.FailedItems)
	}

	summary := fmt.Sprintf("Processed %d of %d items: %d succeeded, %d failed",
		job.ProcessedItems, job.TotalItems, job.SuccessItems, job.FailedItems)
	if job.Message != "" {
		summary += " (" + job.Message + ")"
	}
	return summary
}
