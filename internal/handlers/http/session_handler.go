package http

import (
	"context"
	stderrors "errors"
	"net/http"
	"strconv"

	"proctornet/internal/core/domain"
	"proctornet/pkg/errors"
	"proctornet/pkg/validation"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Supervisor is what every session supervisor exposes to the agent API.
type Supervisor interface {
	Diagnostics(ctx context.Context) ([]domain.SessionDiagnostics, error)
	Exhausted(ctx context.Context) ([]string, error)
	Retry(ctx context.Context, remoteID string) error
}

type Watcher interface {
	Watch(ctx context.Context, broadcaster domain.ParticipantID) error
	Unwatch(ctx context.Context, broadcaster domain.ParticipantID) error
	Watched(ctx context.Context) ([]domain.ParticipantID, error)
}

type Speaker interface {
	Speak(ctx context.Context, student domain.ParticipantID) error
	Mute(ctx context.Context, student domain.ParticipantID) error
	Speaking(ctx context.Context) ([]domain.ParticipantID, error)
}

// EventLog is the read side of the session journal.
type EventLog interface {
	Recent(ctx context.Context, exam domain.ExamID, limit int) ([]domain.SessionEvent, error)
}

// SessionHandler serves the proctor agent API. Watcher, Speaker and EventLog are
// optional; their routes answer 409 when the agent runs in another mode.
type SessionHandler struct {
	identity   domain.Identity
	supervisor Supervisor
	watcher    Watcher
	speaker    Speaker
	events     EventLog
	logger     *zap.SugaredLogger
}

func NewSessionHandler(identity domain.Identity, supervisor Supervisor, logger *zap.SugaredLogger) *SessionHandler {
	h := &SessionHandler{
		identity:   identity,
		supervisor: supervisor,
		logger:     logger,
	}
	if w, ok := supervisor.(Watcher); ok {
		h.watcher = w
	}
	if s, ok := supervisor.(Speaker); ok {
		h.speaker = s
	}
	return h
}

func (h *SessionHandler) WithEventLog(events EventLog) *SessionHandler {
	h.events = events
	return h
}

func (h *SessionHandler) SetupRoutes(router gin.IRouter) {
	api := router.Group("/api/v1")
	{
		api.GET("/sessions", h.ListSessions)
		api.POST("/sessions/:remoteId/retry", h.RetrySession)

		api.POST("/watch/:participantId", h.Watch)
		api.DELETE("/watch/:participantId", h.Unwatch)

		api.POST("/voice/:studentId", h.Speak)
		api.DELETE("/voice/:studentId", h.Mute)

		api.GET("/events", h.RecentEvents)
	}
}

func (h *SessionHandler) ListSessions(c *gin.Context) {
	ctx := c.Request.Context()
	sessions, err := h.supervisor.Diagnostics(ctx)
	if err != nil {
		h.fail(c, err)
		return
	}
	exhausted, err := h.supervisor.Exhausted(ctx)
	if err != nil {
		h.fail(c, err)
		return
	}

	body := gin.H{
		"exam_id":        h.identity.ExamID,
		"participant_id": h.identity.ParticipantID,
		"role":           h.identity.Role,
		"sessions":       sessions,
		"exhausted":      exhausted,
	}
	if h.watcher != nil {
		watched, err := h.watcher.Watched(ctx)
		if err != nil {
			h.fail(c, err)
			return
		}
		body["watching"] = watched
	}
	if h.speaker != nil {
		speaking, err := h.speaker.Speaking(ctx)
		if err != nil {
			h.fail(c, err)
			return
		}
		body["speaking"] = speaking
	}
	c.JSON(http.StatusOK, body)
}

func (h *SessionHandler) RetrySession(c *gin.Context) {
	remoteID := c.Param("remoteId")
	if err := validation.ValidateID(remoteID, "remoteId"); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}
	if err := h.supervisor.Retry(c.Request.Context(), remoteID); err != nil {
		h.fail(c, err)
		return
	}
	h.logger.Infow("manual retry requested", "remote_id", remoteID)
	c.JSON(http.StatusAccepted, gin.H{"remote_id": remoteID, "status": "retrying"})
}

func (h *SessionHandler) Watch(c *gin.Context) {
	h.participantAction(c, "participantId", h.watcher != nil, func(ctx context.Context, id domain.ParticipantID) error {
		return h.watcher.Watch(ctx, id)
	}, "watching")
}

func (h *SessionHandler) Unwatch(c *gin.Context) {
	h.participantAction(c, "participantId", h.watcher != nil, func(ctx context.Context, id domain.ParticipantID) error {
		return h.watcher.Unwatch(ctx, id)
	}, "unwatched")
}

func (h *SessionHandler) Speak(c *gin.Context) {
	h.participantAction(c, "studentId", h.speaker != nil, func(ctx context.Context, id domain.ParticipantID) error {
		return h.speaker.Speak(ctx, id)
	}, "speaking")
}

func (h *SessionHandler) Mute(c *gin.Context) {
	h.participantAction(c, "studentId", h.speaker != nil, func(ctx context.Context, id domain.ParticipantID) error {
		return h.speaker.Mute(ctx, id)
	}, "muted")
}

func (h *SessionHandler) participantAction(c *gin.Context, param string, available bool, action func(context.Context, domain.ParticipantID) error, status string) {
	if !available {
		c.Error(errors.NewConflictError("not supported in agent mode " + string(h.identity.Role)))
		return
	}
	id := c.Param(param)
	if err := validation.ValidatePathSegment(id); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}
	if err := action(c.Request.Context(), domain.ParticipantID(id)); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"participant_id": id, "status": status})
}

func (h *SessionHandler) RecentEvents(c *gin.Context) {
	if h.events == nil {
		c.Error(errors.NewConflictError("session journal disabled"))
		return
	}
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 1000 {
			c.Error(errors.NewInvalidInputError("limit must be between 1 and 1000"))
			return
		}
		limit = n
	}
	events, err := h.events.Recent(c.Request.Context(), h.identity.ExamID, limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

func (h *SessionHandler) fail(c *gin.Context, err error) {
	switch {
	case errors.IsAppError(err):
		c.Error(err)
	case stderrors.Is(err, domain.ErrNotWatching):
		c.Error(errors.WrapError(err, errors.ErrCodeNotFound, err.Error(), http.StatusNotFound))
	case stderrors.Is(err, domain.ErrSupervisorStopped), stderrors.Is(err, context.Canceled):
		c.Error(errors.WrapError(err, errors.ErrCodeServiceUnavailable, err.Error(), http.StatusServiceUnavailable))
	case stderrors.Is(err, domain.ErrInvalidPath):
		c.Error(errors.WrapError(err, errors.ErrCodeInvalidInput, err.Error(), http.StatusBadRequest))
	default:
		c.Error(errors.WrapError(err, errors.ErrCodeInternal, "supervisor request failed", http.StatusInternalServerError))
	}
}
