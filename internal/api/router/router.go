package router

import (
	"net/http"

	"github.com/cuongbtq/catalog-batchops/internal/api/handler"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	serviceName := deps.ServiceName
	if serviceName == "" {
		serviceName = "batch-api-service"
	}

	r.GET("/health", func(c *gin.Context) {
		if deps.HealthCheck != nil {
			if err := deps.HealthCheck(c.Request.Context()); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"status":  "unhealthy",
					"service": serviceName,
					"error":   err.Error(),
				})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": serviceName,
		})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	batchHandler := handler.NewBatchHandler(deps)

	v1 := r.Group("/api/v1")
	{
		ops := v1.Group("/batch-operations")
		{
			// POST /api/v1/batch-operations - Resolve a selection and queue an operation
			ops.POST("", batchHandler.CreateBatchOperation)

			// GET /api/v1/batch-operations - List operations with filtering and pagination
			ops.GET("", batchHandler.ListBatchOperations)

			// GET /api/v1/batch-operations/:job_id - Get operation details
			ops.GET("/:job_id", batchHandler.GetBatchOperation)

			ops.GET("/:job_id/progress", batchHandler.GetProgress)
			ops.GET("/:job_id/result", batchHandler.GetResult)

			ops.POST("/:job_id/pause", batchHandler.Pause)
			ops.POST("/:job_id/resume", batchHandler.Resume)
			ops.POST("/:job_id/cancel", batchHandler.Cancel)

			// POST /api/v1/batch-operations/:job_id/retry - Queue a new operation over retryable failures
			ops.POST("/:job_id/retry", batchHandler.Retry)

			// POST /api/v1/batch-operations/:job_id/undo - Restore the pre-operation snapshot
			ops.POST("/:job_id/undo", batchHandler.Undo)
		}
	}

	return r
}
