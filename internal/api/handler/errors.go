package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/cuongbtq/catalog-batchops/internal/api/dto"
	"github.com/cuongbtq/catalog-batchops/internal/batchops/domain"
	"github.com/gin-gonic/gin"
)

// statusFor maps engine errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidSelection),
		errors.Is(err, domain.ErrUnknownOperation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrJobNotFound),
		errors.Is(err, domain.ErrOperationNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidStateTransition):
		return http.StatusConflict
	case errors.Is(err, domain.ErrUndoExpired):
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

func (h *BatchHandler) writeError(c *gin.Context, action string, err error) {
	status := statusFor(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		h.logger.Error("Failed to "+action,
			slog.String("job_id", c.Param("job_id")),
			slog.String("error", err.Error()),
		)
		message = "Failed to " + action
	} else {
		h.logger.Warn("Rejected request",
			slog.String("action", action),
			slog.String("job_id", c.Param("job_id")),
			slog.Int("status", status),
			slog.String("error", err.Error()),
		)
	}
	c.JSON(status, dto.ErrorResponse{Error: message})
}
