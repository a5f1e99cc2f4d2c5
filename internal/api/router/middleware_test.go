package router

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerMiddleware_Levels(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name      string
		status    int
		wantLevel string
	}{
		{name: "ok", status: http.StatusOK, wantLevel: "INFO"},
		{name: "client error", status: http.StatusConflict, wantLevel: "WARN"},
		{name: "server error", status: http.StatusInternalServerError, wantLevel: "ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := slog.New(slog.NewJSONHandler(&buf, nil))

			r := gin.New()
			r.Use(LoggerMiddleware(logger))
			r.POST("/ops/:id", func(c *gin.Context) { c.Status(tt.status) })

			req := httptest.NewRequest(http.MethodPost, "/ops/42?x=1", nil)
			req.Header.Set("X-Actor-ID", "user-9")
			r.ServeHTTP(httptest.NewRecorder(), req)

			var entry map[string]any
			require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
			assert.Equal(t, tt.wantLevel, entry["level"])
			assert.Equal(t, "/ops/:id", entry["route"])
			assert.Equal(t, "user-9", entry["actor_id"])
			assert.Equal(t, "x=1", entry["query"])
			assert.EqualValues(t, tt.status, entry["status"])
		})
	}
}

func TestCORSMiddleware_Preflight(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(CORSMiddleware())
	r.POST("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodOptions, "/x", nil))

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "X-Actor-ID")
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}
