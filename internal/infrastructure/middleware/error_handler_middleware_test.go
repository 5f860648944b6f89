package middleware

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"proctornet/internal/core/domain"
	"proctornet/pkg/errors"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestErrorHandlerMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	log := zap.NewNop().Sugar()

	router := gin.New()
	router.Use(RecoveryMiddleware(log), TracingMiddleware(), ErrorHandlerMiddleware(log))
	fails := map[string]error{
		"/app":     errors.NewConflictError("not supported in agent mode student"),
		"/camera":  fmt.Errorf("start broadcast: %w", domain.ErrNoCamera),
		"/watch":   domain.ErrNotWatching,
		"/stopped": domain.ErrSupervisorStopped,
		"/other":   fmt.Errorf("boom"),
	}
	for path, err := range fails {
		err := err
		router.GET(path, func(c *gin.Context) { c.Error(err) })
	}
	router.GET("/panic", func(c *gin.Context) { panic("unreachable state") })

	tests := []struct {
		path        string
		status      int
		code        errors.ErrorCode
		remediation bool
	}{
		{"/app", http.StatusConflict, errors.ErrCodeConflict, false},
		{"/camera", http.StatusPreconditionFailed, errors.ErrCodeCameraUnavailable, true},
		{"/watch", http.StatusNotFound, errors.ErrCodeNotFound, false},
		{"/stopped", http.StatusServiceUnavailable, errors.ErrCodeServiceUnavailable, false},
		{"/other", http.StatusInternalServerError, errors.ErrCodeInternal, false},
		{"/panic", http.StatusInternalServerError, errors.ErrCodeInternal, false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			req.Header.Set(requestIDHeader, "req-1")
			router.ServeHTTP(w, req)
			require.Equal(t, tt.status, w.Code)

			var body map[string]interface{}
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, string(tt.code), body["error"])
			_, hasRemediation := body["remediation"]
			assert.Equal(t, tt.remediation, hasRemediation)
			assert.Equal(t, "req-1", w.Header().Get(requestIDHeader))
		})
	}
}

func TestErrorHandlerMiddleware_LeavesWrittenResponses(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(ErrorHandlerMiddleware(zap.NewNop().Sugar()))
	router.GET("/", func(c *gin.Context) {
		c.Error(domain.ErrNotWatching)
		c.String(http.StatusTeapot, "handled")
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTeapot, w.Code)
	assert.Equal(t, "handled", w.Body.String())
}

func TestAccessLogMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	core, logs := observer.New(zap.InfoLevel)

	router := gin.New()
	router.Use(TracingMiddleware(), AccessLogMiddleware(zap.New(core).Sugar()))
	router.GET("/api/v1/sessions", func(c *gin.Context) { c.Status(http.StatusOK) })
	router.GET("/live", func(c *gin.Context) { c.Status(http.StatusOK) })

	for _, path := range []string{"/live", "/api/v1/sessions"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.Header.Set(requestIDHeader, "req-9")
		router.ServeHTTP(httptest.NewRecorder(), req)
	}

	entries := logs.All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "/api/v1/sessions", fields["path"])
	assert.Equal(t, "req-9", fields["request_id"])
	assert.EqualValues(t, http.StatusOK, fields["status_code"])
}
