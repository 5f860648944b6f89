package http

import (
	"net/http"
	"strings"
	"time"

	"proctornet/internal/core/domain"
	"proctornet/internal/core/services"
	"proctornet/internal/infrastructure/middleware"
	"proctornet/pkg/errors"
	"proctornet/pkg/validation"

	"github.com/gin-gonic/gin"
)

// AuthHandler lets an exam admin mint signaling tokens for the participants of
// its own exam.
type AuthHandler struct {
	authService services.AuthService
	tokenTTL    time.Duration
}

func NewAuthHandler(authService services.AuthService, tokenTTL time.Duration) *AuthHandler {
	return &AuthHandler{
		authService: authService,
		tokenTTL:    tokenTTL,
	}
}

// SetupRoutes expects router to be behind middleware.AuthMiddleware.
func (h *AuthHandler) SetupRoutes(router gin.IRouter) {
	router.POST("/tokens", h.IssueToken)
}

type IssueTokenRequest struct {
	ParticipantID string `json:"participant_id" binding:"required,max=128"`
	Role          string `json:"role" binding:"required"`
}

func (h *AuthHandler) IssueToken(c *gin.Context) {
	claims, ok := middleware.ClaimsFrom(c)
	if !ok {
		c.Error(errors.NewUnauthorizedError("authentication required"))
		return
	}
	if claims.Role != domain.RoleAdmin {
		c.Error(errors.NewForbiddenError("only exam admins can issue tokens"))
		return
	}

	var req IssueTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}
	req.ParticipantID = strings.TrimSpace(req.ParticipantID)
	if err := validation.ValidatePathSegment(req.ParticipantID); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}
	role := domain.ParticipantRole(req.Role)
	if role != domain.RoleStudent && role != domain.RoleAdmin {
		c.Error(errors.NewInvalidInputError("role must be student or admin"))
		return
	}

	identity := domain.Identity{
		ExamID:        claims.ExamID,
		ParticipantID: domain.ParticipantID(req.ParticipantID),
		Role:          role,
	}
	token, err := h.authService.GenerateToken(identity)
	if err != nil {
		c.Error(errors.WrapError(err, errors.ErrCodeInternal, "failed to generate token", http.StatusInternalServerError))
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"exam_id":        identity.ExamID,
		"participant_id": identity.ParticipantID,
		"role":           identity.Role,
		"access_token":   token,
		"expires_in":     int(h.tokenTTL / time.Second),
	})
}
