// Package batchops is the entry point of the batch operations engine. A
// Service turns a selection into a durable job, hands it to the work queue
// and answers progress, result, lifecycle and undo requests.
package batchops

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cuongbtq/catalog-batchops/internal/batchops/audit"
	"github.com/cuongbtq/catalog-batchops/internal/batchops/domain"
	"github.com/cuongbtq/catalog-batchops/internal/batchops/executor"
	"github.com/cuongbtq/catalog-batchops/internal/batchops/lifecycle"
	"github.com/cuongbtq/catalog-batchops/internal/batchops/progress"
	"github.com/cuongbtq/catalog-batchops/internal/batchops/queue"
	"github.com/cuongbtq/catalog-batchops/internal/batchops/selection"
	"github.com/cuongbtq/catalog-batchops/internal/batchops/snapshot"
	"github.com/cuongbtq/catalog-batchops/internal/batchops/store"
	"github.com/google/uuid"
)

const (
	defaultMaxBatchSize   = 1000
	defaultMaxConcurrency = 16
	defaultPageSize       = 20
	maxPageSize           = 100
)

// Limits bound the batch size and concurrency a caller may request.
type Limits struct {
	DefaultBatchSize   int
	MaxBatchSize       int
	DefaultConcurrency int
	MaxConcurrency     int
}

func (l Limits) withDefaults() Limits {
	if l.DefaultBatchSize <= 0 {
		l.DefaultBatchSize = domain.DefaultBatchSize
	}
	if l.MaxBatchSize <= 0 {
		l.MaxBatchSize = defaultMaxBatchSize
	}
	if l.DefaultConcurrency <= 0 {
		l.DefaultConcurrency = domain.DefaultConcurrency
	}
	if l.MaxConcurrency <= 0 {
		l.MaxConcurrency = defaultMaxConcurrency
	}
	return l
}

// CreateJobRequest describes a new batch operation.
type CreateJobRequest struct {
	Type        domain.OperationType
	Selection   domain.Selection
	Params      map[string]any
	ActorID     string
	BatchSize   int
	Concurrency int
	// AllowEmpty accepts a selection that resolves to no items.
	AllowEmpty bool
}

// Page is one page of a job listing.
type Page struct {
	Jobs []*domain.Job
	Next *domain.JobCursor
}

// Dependencies are the collaborators of a Service
type Dependencies struct {
	Store     store.Store
	Queue     queue.Queue
	Registry  *executor.Registry
	Resolver  *selection.Resolver
	Snapshots *snapshot.Manager
	Tracker   *progress.Tracker
	Audit     audit.Sink
	Logger    *slog.Logger
}

// Service is the caller-facing surface of the engine.
type Service struct {
	store     store.Store
	queue     queue.Queue
	registry  *executor.Registry
	resolver  *selection.Resolver
	snapshots *snapshot.Manager
	tracker   *progress.Tracker
	lifecycle *lifecycle.Controller
	audit     audit.Sink
	limits    Limits
	logger    *slog.Logger
	now       func() time.Time
}

// NewService creates the engine facade
func NewService(deps Dependencies, limits Limits) *Service {
	return &Service{
		store:     deps.Store,
		queue:     deps.Queue,
		registry:  deps.Registry,
		resolver:  deps.Resolver,
		snapshots: deps.Snapshots,
		tracker:   deps.Tracker,
		lifecycle: lifecycle.NewController(deps.Store, deps.Queue, deps.Audit, deps.Logger),
		audit:     deps.Audit,
		limits:    limits.withDefaults(),
		logger:    deps.Logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// CreateJob resolves the selection, stores a PENDING job and enqueues it.
// It returns as soon as the job is queued.
func (s *Service) CreateJob(ctx context.Context, req CreateJobRequest) (*domain.Job, error) {
	opType := domain.OperationType(strings.TrimSpace(string(req.Type)))
	if _, ok := s.registry.Lookup(opType); !ok {
		return nil, fmt.Errorf("%w: %q (supported: %v)", domain.ErrUnknownOperation, req.Type, s.registry.Types())
	}

	sel := req.Selection
	sel.RequireNonEmpty = sel.RequireNonEmpty || !req.AllowEmpty
	resolved, err := s.resolver.Resolve(ctx, sel)
	if err != nil {
		return nil, err
	}

	job := domain.NewJob(
		uuid.NewString(),
		opType,
		resolved.IDs,
		req.Params,
		clamp(req.BatchSize, s.limits.DefaultBatchSize, s.limits.MaxBatchSize),
		clamp(req.Concurrency, s.limits.DefaultConcurrency, s.limits.MaxConcurrency),
		req.ActorID,
		s.now(),
	)

	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, err
	}

	if err := s.queue.Enqueue(ctx, job.ID); err != nil {
		s.logger.Error("Failed to enqueue job",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
		// A PENDING job nobody will run must not linger
		if _, cancelErr := s.store.TransitionStatus(context.WithoutCancel(ctx), job.ID,
			[]domain.Status{domain.JobStatusPending}, domain.JobStatusFailed); cancelErr != nil {
			s.logger.Error("Failed to mark unqueued job as failed",
				slog.String("job_id", job.ID),
				slog.String("error", cancelErr.Error()),
			)
		}
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}

	s.logger.Info("Job created",
		slog.String("job_id", job.ID),
		slog.String("job_type", string(job.Type)),
		slog.Int("total_items", job.TotalItems),
		slog.Int("batch_size", job.Metadata.BatchSize),
		slog.String("created_by", job.CreatedBy),
	)
	return job, nil
}

// GetJob returns a job by id
func (s *Service) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	return s.store.GetJob(ctx, jobID)
}

// ListJobs returns one page of jobs, newest first.
func (s *Service) ListJobs(ctx context.Context, filter domain.JobFilter) (*Page, error) {
	switch {
	case filter.PageSize <= 0:
		filter.PageSize = defaultPageSize
	case filter.PageSize > maxPageSize:
		filter.PageSize = maxPageSize
	}

	jobs, err := s.store.ListJobs(ctx, filter)
	if err != nil {
		return nil, err
	}

	page := &Page{Jobs: jobs}
	if len(jobs) > filter.PageSize {
		page.Jobs = jobs[:filter.PageSize]
		last := page.Jobs[len(page.Jobs)-1]
		page.Next = &domain.JobCursor{CreatedAt: last.CreatedAt, JobID: last.ID}
	}
	return page, nil
}

// GetProgress returns the current progress of a job
func (s *Service) GetProgress(ctx context.Context, jobID string) (*domain.Progress, error) {
	return s.tracker.GetProgress(ctx, jobID)
}

// GetResult returns the outcome of a job
func (s *Service) GetResult(ctx context.Context, jobID string) (*domain.Result, error) {
	return s.tracker.GetResult(ctx, jobID)
}

func (s *Service) Pause(ctx context.Context, jobID string) (*domain.ActionResult, error) {
	return s.lifecycle.Pause(ctx, jobID)
}

func (s *Service) Resume(ctx context.Context, jobID string) (*domain.ActionResult, error) {
	return s.lifecycle.Resume(ctx, jobID)
}

func (s *Service) Cancel(ctx context.Context, jobID string) (*domain.ActionResult, error) {
	return s.lifecycle.Cancel(ctx, jobID)
}

// RetryFailedItems starts a new job over the retryable failures of jobID.
func (s *Service) RetryFailedItems(ctx context.Context, jobID, actorID string) (*domain.Job, error) {
	return s.lifecycle.RetryFailedItems(ctx, jobID, actorID)
}

// RestoreFromSnapshot undoes a finished job within its undo window.
func (s *Service) RestoreFromSnapshot(ctx context.Context, jobID string, opts domain.RestoreOptions) (*domain.RestoreResult, error) {
	result, err := s.snapshots.RestoreFromSnapshot(ctx, jobID, opts)
	if err != nil {
		return nil, err
	}

	if s.audit != nil {
		job, err := s.store.GetJob(ctx, jobID)
		if err == nil {
			event := audit.FromJob(audit.EventJobUndone, job)
			event.Message = result.Message
			if opts.ActorID != "" {
				event.ActorID = opts.ActorID
			}
			err = s.audit.Record(ctx, event)
		}
		if err != nil {
			s.logger.Warn("Failed to record undo audit event",
				slog.String("job_id", jobID),
				slog.String("error", err.Error()),
			)
		}
	}
	return result, nil
}

// OperationTypes lists the registered operation types.
func (s *Service) OperationTypes() []domain.OperationType {
	return s.registry.Types()
}

func clamp(v, def, upper int) int {
	if v <= 0 {
		return def
	}
	return min(v, upper)
}
