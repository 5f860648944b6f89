package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"proctornet/internal/core/domain"
	"proctornet/internal/core/services"
	"proctornet/pkg/config"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	auth := services.NewAuthService("secret", time.Minute)
	token, err := auth.GenerateToken(domain.Identity{ExamID: "e1", ParticipantID: "a1", Role: domain.RoleAdmin})
	require.NoError(t, err)

	router := gin.New()
	router.Use(AuthMiddleware(auth))
	router.GET("/whoami", func(c *gin.Context) {
		claims, ok := ClaimsFrom(c)
		require.True(t, ok)
		identity, err := services.IdentityFromContext(c.Request.Context())
		require.NoError(t, err)
		assert.Equal(t, claims.Identity(), identity)
		c.String(http.StatusOK, string(claims.ParticipantID))
	})

	tests := []struct {
		name   string
		url    string
		header string
		want   int
	}{
		{"bearer header", "/whoami", "Bearer " + token, http.StatusOK},
		{"query token", "/whoami?token=" + token, "", http.StatusOK},
		{"missing", "/whoami", "", http.StatusUnauthorized},
		{"malformed header", "/whoami", "Token " + token, http.StatusUnauthorized},
		{"bad signature", "/whoami", "Bearer " + token + "x", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, tt.url, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			router.ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code)
			if tt.want == http.StatusOK {
				assert.Equal(t, "a1", w.Body.String())
			}
		})
	}
}

func TestExamScopeMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	auth := services.NewAuthService("secret", time.Minute)

	router := gin.New()
	router.Use(AuthMiddleware(auth), ExamScopeMiddleware("e1"))
	router.GET("/sessions", func(c *gin.Context) { c.Status(http.StatusOK) })

	for exam, want := range map[domain.ExamID]int{"e1": http.StatusOK, "e2": http.StatusForbidden} {
		token, err := auth.GenerateToken(domain.Identity{ExamID: exam, ParticipantID: "a1", Role: domain.RoleAdmin})
		require.NoError(t, err)
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/sessions", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		router.ServeHTTP(w, req)
		assert.Equal(t, want, w.Code, string(exam))
	}
}

func TestWebSocketRateLimitMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.WebSocket.ConnectionsPerMinute = 2
	cfg.RateLimiting.WebSocket.MaxConcurrent = 0

	router := gin.New()
	router.Use(NewWebSocketRateLimitMiddleware(cfg))
	router.GET("/ws", func(c *gin.Context) { c.Status(http.StatusOK) })

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ws", nil))
		codes = append(codes, w.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}
