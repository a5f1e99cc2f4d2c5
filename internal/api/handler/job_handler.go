package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/cuongbtq/catalog-batchops/internal/api/dto"
	"github.com/cuongbtq/catalog-batchops/internal/batchops"
	"github.com/cuongbtq/catalog-batchops/internal/batchops/domain"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// CreateBatchOperation handles POST /api/v1/batch-operations
// Resolves the selection and queues the operation
func (h *BatchHandler) CreateBatchOperation(c *gin.Context) {
	actorID := strings.TrimSpace(c.GetHeader(ActorHeader))
	if actorID == "" {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: ActorHeader + " header is required"})
		return
	}

	var req dto.CreateBatchOperationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid request body"})
		return
	}

	job, err := h.service.CreateJob(c.Request.Context(), batchops.CreateJobRequest{
		Type:        domain.OperationType(req.Type),
		Selection:   req.Selection,
		Params:      req.Params,
		ActorID:     actorID,
		BatchSize:   req.BatchSize,
		Concurrency: req.Concurrency,
		AllowEmpty:  req.AllowEmpty,
	})
	if err != nil {
		h.writeError(c, "create batch operation", err)
		return
	}

	c.JSON(http.StatusAccepted, dto.NewJobDTO(job, h.now()))
}

// GetBatchOperation handles GET /api/v1/batch-operations/:job_id
func (h *BatchHandler) GetBatchOperation(c *gin.Context) {
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}

	job, err := h.service.GetJob(c.Request.Context(), jobID)
	if err != nil {
		h.writeError(c, "get batch operation", err)
		return
	}

	c.JSON(http.StatusOK, dto.NewJobDTO(job, h.now()))
}

// ListBatchOperations handles GET /api/v1/batch-operations
// Lists operations newest first with keyset pagination
func (h *BatchHandler) ListBatchOperations(c *gin.Context) {
	var req dto.ListBatchOperationsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Error("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid query parameters"})
		return
	}

	if req.Status != "" && !domain.Status(req.Status).IsValid() {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid status filter"})
		return
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		h.logger.Error("Invalid cursor", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid cursor"})
		return
	}

	page, err := h.service.ListJobs(c.Request.Context(), domain.JobFilter{
		CreatedBy: req.CreatedBy,
		Type:      req.Type,
		Status:    req.Status,
		PageSize:  req.PageSize,
		Cursor:    cursor,
	})
	if err != nil {
		h.writeError(c, "list batch operations", err)
		return
	}

	now := h.now()
	jobs := make([]dto.JobDTO, len(page.Jobs))
	for i, job := range page.Jobs {
		jobs[i] = dto.NewJobDTO(job, now)
	}

	var nextCursor string
	if page.Next != nil {
		nextCursor = EncodeJobCursor(page.Next)
	}

	c.JSON(http.StatusOK, dto.ListBatchOperationsResponse{
		Jobs:       jobs,
		NextCursor: nextCursor,
	})
}

// GetProgress handles GET /api/v1/batch-operations/:job_id/progress
func (h *BatchHandler) GetProgress(c *gin.Context) {
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}

	progress, err := h.service.GetProgress(c.Request.Context(), jobID)
	if err != nil {
		h.writeError(c, "get progress", err)
		return
	}
	c.JSON(http.StatusOK, progress)
}

// GetResult handles GET /api/v1/batch-operations/:job_id/result
func (h *BatchHandler) GetResult(c *gin.Context) {
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}

	result, err := h.service.GetResult(c.Request.Context(), jobID)
	if err != nil {
		h.writeError(c, "get result", err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// Pause handles POST /api/v1/batch-operations/:job_id/pause
func (h *BatchHandler) Pause(c *gin.Context) {
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}

	result, err := h.service.Pause(c.Request.Context(), jobID)
	if err != nil {
		h.writeError(c, "pause batch operation", err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// Resume handles POST /api/v1/batch-operations/:job_id/resume
func (h *BatchHandler) Resume(c *gin.Context) {
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}

	result, err := h.service.Resume(c.Request.Context(), jobID)
	if err != nil {
		h.writeError(c, "resume batch operation", err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// Cancel handles POST /api/v1/batch-operations/:job_id/cancel
func (h *BatchHandler) Cancel(c *gin.Context) {
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}

	result, err := h.service.Cancel(c.Request.Context(), jobID)
	if err != nil {
		h.writeError(c, "cancel batch operation", err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// Retry handles POST /api/v1/batch-operations/:job_id/retry
// Queues a new operation over the retryable failed items
func (h *BatchHandler) Retry(c *gin.Context) {
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}

	job, err := h.service.RetryFailedItems(c.Request.Context(), jobID, strings.TrimSpace(c.GetHeader(ActorHeader)))
	if err != nil {
		h.writeError(c, "retry failed items", err)
		return
	}
	c.JSON(http.StatusAccepted, dto.NewJobDTO(job, h.now()))
}

// Undo handles POST /api/v1/batch-operations/:job_id/undo
func (h *BatchHandler) Undo(c *gin.Context) {
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}

	var req dto.UndoRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid request body"})
		return
	}

	result, err := h.service.RestoreFromSnapshot(c.Request.Context(), jobID, domain.RestoreOptions{
		Force:   req.Force,
		ActorID: strings.TrimSpace(c.GetHeader(ActorHeader)),
	})
	if err != nil {
		h.writeError(c, "undo batch operation", err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// jobID validates the job_id path parameter
func (h *BatchHandler) jobID(c *gin.Context) (string, bool) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		h.logger.Error("Invalid job_id format", slog.String("job_id", jobID), slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "job_id must be a valid UUID"})
		return "", false
	}
	return jobID, true
}
