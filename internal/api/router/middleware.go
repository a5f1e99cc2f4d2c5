package router

import (
	"log/slog"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

var corsAllowHeaders = strings.Join([]string{
	"Content-Type", "Content-Length", "Accept-Encoding", "Authorization",
	"Accept", "Origin", "Cache-Control", "X-Requested-With", "X-Actor-ID",
}, ", ")

// LoggerMiddleware logs HTTP requests with slog. Server errors are logged at
// error level and client errors at warn level.
func LoggerMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		status := c.Writer.Status()
		attrs := []any{
			slog.Int("status", status),
			slog.String("method", c.Request.Method),
			slog.String("path", path),
			slog.String("query", query),
			slog.String("route", c.FullPath()),
			slog.String("actor_id", c.GetHeader("X-Actor-ID")),
			slog.String("ip", c.ClientIP()),
			slog.Duration("latency", time.Since(start)),
			slog.Int("body_size", c.Writer.Size()),
		}

		switch {
		case status >= 500:
			logger.Error("HTTP Request", attrs...)
		case status >= 400:
			logger.Warn("HTTP Request", attrs...)
		default:
			logger.Info("HTTP Request", attrs...)
		}

		for _, e := range c.Errors {
			logger.Error("Request error",
				slog.String("error", e.Error()),
				slog.Uint64("type", uint64(e.Type)),
			)
		}
	}
}

// CORSMiddleware handles Cross-Origin Resource Sharing
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", corsAllowHeaders)
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
