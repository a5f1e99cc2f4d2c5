package dto

import (
	"time"

	"github.com/cuongbtq/catalog-batchops/internal/batchops/domain"
)

type CreateBatchOperationRequest struct {
	Type        string           `json:"type" binding:"required"`
	Selection   domain.Selection `json:"selection"`
	Params      map[string]any   `json:"params"`
	BatchSize   int              `json:"batch_size" binding:"gte=0"`
	Concurrency int              `json:"concurrency" binding:"gte=0"`
	AllowEmpty  bool             `json:"allow_empty"`
}

type ListBatchOperationsRequest struct {
	CreatedBy string `form:"created_by"`
	Type      string `form:"type"`
	Status    string `form:"status"`
	PageSize  int    `form:"page_size"`
	Cursor    string `form:"cursor"`
}

type ListBatchOperationsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

type UndoRequest struct {
	Force bool `json:"force"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

type JobDTO struct {
	JobID          string `json:"job_id"`
	Type           string `json:"type"`
	Status         string `json:"status"`
	TotalItems     int    `json:"total_items"`
	ProcessedItems int    `json:"processed_items"`
	SuccessItems   int    `json:"success_items"`
	FailedItems    int    `json:"failed_items"`
	BatchSize      int    `json:"batch_size"`
	Concurrency    int    `json:"concurrency"`
	CurrentBatch   int    `json:"current_batch"`
	TotalBatches   int    `json:"total_batches"`
	CreatedBy      string `json:"created_by"`
	ParentJobID    string `json:"parent_job_id,omitempty"`
	Message        string `json:"message,omitempty"`
	CanUndo        bool   `json:"can_undo"`
	UndoExpiresAt  string `json:"undo_expires_at,omitempty"`
	CreatedAt      string `json:"created_at"`
	StartedAt      string `json:"started_at,omitempty"`
	CompletedAt    string `json:"completed_at,omitempty"`
	UpdatedAt      string `json:"updated_at"`
}

// NewJobDTO maps a job to its API representation
func NewJobDTO(job *domain.Job, now time.Time) JobDTO {
	return JobDTO{
		JobID:          job.ID,
		Type:           string(job.Type),
		Status:         string(job.Status),
		TotalItems:     job.TotalItems,
		ProcessedItems: job.ProcessedItems,
		SuccessItems:   job.SuccessItems,
		FailedItems:    job.FailedItems,
		BatchSize:      job.Metadata.BatchSize,
		Concurrency:    job.Metadata.Concurrency,
		CurrentBatch:   job.Metadata.CurrentBatch,
		TotalBatches:   job.Metadata.TotalBatches,
		CreatedBy:      job.CreatedBy,
		ParentJobID:    job.ParentJobID,
		Message:        job.Message,
		CanUndo:        job.UndoAvailable(now),
		UndoExpiresAt:  formatTime(job.UndoExpiresAt),
		CreatedAt:      job.CreatedAt.Format(time.RFC3339),
		StartedAt:      formatTime(job.StartedAt),
		CompletedAt:    formatTime(job.CompletedAt),
		UpdatedAt:      job.UpdatedAt.Format(time.RFC3339),
	}
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339)
}
