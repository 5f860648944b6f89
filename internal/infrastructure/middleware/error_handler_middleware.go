package middleware

import (
	"context"
	stderrors "errors"
	"net/http"

	"proctornet/internal/core/domain"
	"proctornet/internal/core/services"
	"proctornet/pkg/errors"
	"proctornet/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ErrorHandlerMiddleware renders the last error a handler attached with
// c.Error as a JSON body. Errors that are not AppErrors are classified by
// their domain sentinel before falling back to 500.
func ErrorHandlerMiddleware(log *zap.SugaredLogger) gin.HandlerFunc {
	cl := logger.NewContextLogger(log.Desugar())
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}
		err := c.Errors.Last().Err
		appErr := classify(err)

		fields := []zap.Field{
			zap.String("code", string(appErr.Code)),
			zap.Int("status", appErr.HTTPStatus),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
		}
		if len(appErr.Context) > 0 {
			fields = append(fields, zap.Any("context", appErr.Context))
		}
		ctx := requestContext(c)
		if appErr.HTTPStatus >= http.StatusInternalServerError {
			cl.LogError(ctx, err, "request failed", fields...)
		} else {
			cl.WithContext(ctx).Warn("request rejected", append(fields, zap.String("message", appErr.Message))...)
		}

		body := gin.H{
			"error":   string(appErr.Code),
			"message": appErr.Message,
		}
		if len(appErr.Context) > 0 {
			body["details"] = appErr.Context
		}
		if appErr.Remediation != "" {
			body["remediation"] = appErr.Remediation
		}
		if id := c.Writer.Header().Get(requestIDHeader); id != "" {
			body["request_id"] = id
		}
		c.JSON(appErr.HTTPStatus, body)
	}
}

func classify(err error) *errors.AppError {
	if appErr := errors.GetAppError(err); appErr != nil {
		return appErr
	}
	switch {
	case stderrors.Is(err, domain.ErrNoCamera):
		return errors.NewCapabilityError(errors.ErrCodeCameraUnavailable, "connect a camera and reload the exam page", err)
	case stderrors.Is(err, domain.ErrNoMicrophone):
		return errors.NewCapabilityError(errors.ErrCodeMicrophoneUnavailable, "connect a microphone and reload the exam page", err)
	case stderrors.Is(err, domain.ErrScreenDenied):
		return errors.NewCapabilityError(errors.ErrCodeScreenShareDenied, "allow screen sharing for the exam page", err)
	case stderrors.Is(err, domain.ErrScreenScope):
		return errors.NewCapabilityError(errors.ErrCodeScreenShareScope, "share the entire screen, not a window or tab", err)
	case stderrors.Is(err, domain.ErrInvalidPath), stderrors.Is(err, domain.ErrMalformedMessage):
		return errors.NewInvalidInputError(err.Error())
	case stderrors.Is(err, services.ErrForbidden):
		return errors.NewForbiddenError(err.Error())
	case stderrors.Is(err, services.ErrUnauthorized), stderrors.Is(err, services.ErrInvalidToken),
		stderrors.Is(err, services.ErrExpiredToken):
		return errors.NewUnauthorizedError(err.Error())
	case stderrors.Is(err, domain.ErrNotWatching):
		return errors.NewNotFoundError("watch")
	case stderrors.Is(err, domain.ErrSupervisorStopped), stderrors.Is(err, domain.ErrChannelClosed):
		return errors.NewServiceUnavailableError(err.Error())
	}
	return errors.WrapError(err, errors.ErrCodeInternal, "Internal server error", http.StatusInternalServerError)
}

// requestContext carries the request id and the authenticated participant as
// log fields.
func requestContext(c *gin.Context) context.Context {
	ctx := c.Request.Context()
	if id := c.Writer.Header().Get(requestIDHeader); id != "" {
		ctx = logger.WithValue(ctx, logger.RequestIDKey, id)
	}
	if exam := c.GetString("exam_id"); exam != "" {
		ctx = logger.WithValue(ctx, logger.ExamIDKey, exam)
		ctx = logger.WithValue(ctx, logger.ParticipantIDKey, c.GetString("participant_id"))
	}
	return ctx
}

// RecoveryMiddleware turns a handler panic into a 500 response.
func RecoveryMiddleware(log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Errorw("panic recovered",
					"panic", r,
					"path", c.Request.URL.Path,
					"method", c.Request.Method,
					"request_id", c.Writer.Header().Get(requestIDHeader),
					zap.StackSkip("stack", 2),
				)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error":   string(errors.ErrCodeInternal),
					"message": "Internal server error",
				})
			}
		}()
		c.Next()
	}
}
