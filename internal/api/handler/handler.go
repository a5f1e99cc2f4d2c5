package handler

import (
	"context"
	"log/slog"
	"time"

	"github.com/cuongbtq/catalog-batchops/internal/batchops"
	"github.com/cuongbtq/catalog-batchops/internal/batchops/domain"
)

// ActorHeader carries the id of the user acting on a batch operation
const ActorHeader = "X-Actor-ID"

// BatchService is the engine surface the handlers call
type BatchService interface {
	CreateJob(ctx context.Context, req batchops.CreateJobRequest) (*domain.Job, error)
	GetJob(ctx context.Context, jobID string) (*domain.Job, error)
	ListJobs(ctx context.Context, filter domain.JobFilter) (*batchops.Page, error)
	GetProgress(ctx context.Context, jobID string) (*domain.Progress, error)
	GetResult(ctx context.Context, jobID string) (*domain.Result, error)
	Pause(ctx context.Context, jobID string) (*domain.ActionResult, error)
	Resume(ctx context.Context, jobID string) (*domain.ActionResult, error)
	Cancel(ctx context.Context, jobID string) (*domain.ActionResult, error)
	RetryFailedItems(ctx context.Context, jobID, actorID string) (*domain.Job, error)
	RestoreFromSnapshot(ctx context.Context, jobID string, opts domain.RestoreOptions) (*domain.RestoreResult, error)
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger      *slog.Logger
	Service     BatchService
	ServiceName string
	// HealthCheck reports backing store readiness; nil means always healthy
	HealthCheck func(ctx context.Context) error
}

// BatchHandler handles batch operation HTTP requests
type BatchHandler struct {
	logger  *slog.Logger
	service BatchService
	now     func() time.Time
}

// NewBatchHandler creates a new BatchHandler instance
func NewBatchHandler(deps *Dependencies) *BatchHandler {
	return &BatchHandler{
		logger:  deps.Logger,
		service: deps.Service,
		now:     func() time.Time { return time.Now().UTC() },
	}
}
