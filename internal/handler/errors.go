package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-session-engine/internal/response"
	"github.com/stemsi/exstem-session-engine/internal/service"
	"github.com/stemsi/exstem-session-engine/internal/store"
)

// mapError translates service errors to an HTTP status and API error code.
func mapError(err error) (int, response.ErrCode) {
	switch {
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound, response.ErrSessionNotFound
	case errors.Is(err, service.ErrNotAvailable):
		return http.StatusUnprocessableEntity, response.ErrAssessmentNotAvailable
	case errors.Is(err, service.ErrAttemptsExhausted):
		return http.StatusConflict, response.ErrAttemptsExhausted
	case errors.Is(err, service.ErrAccessDenied):
		return http.StatusForbidden, response.ErrAccessDenied
	case errors.Is(err, service.ErrExpired):
		return http.StatusGone, response.ErrSessionExpired
	case errors.Is(err, service.ErrInvalidState):
		if service.IsTerminated(err) {
			return http.StatusConflict, response.ErrSessionTerminated
		}
		return http.StatusConflict, response.ErrInvalidSessionState
	case errors.Is(err, service.ErrIncompleteSubmission):
		return http.StatusUnprocessableEntity, response.ErrIncompleteSubmission
	case errors.Is(err, service.ErrInvalidQuestion):
		return http.StatusBadRequest, response.ErrInvalidQuestion
	case errors.Is(err, service.ErrAnswerLocked):
		return http.StatusConflict, response.ErrAnswerLocked
	case errors.Is(err, service.ErrNavigationLocked):
		return http.StatusConflict, response.ErrNavigationLocked
	case errors.Is(err, service.ErrInvalidEvent):
		return http.StatusBadRequest, response.ErrInvalidSecurityEvent
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict, response.ErrConflict
	default:
		return http.StatusInternalServerError, response.ErrInternal
	}
}

// failSession writes the error envelope for a service error. Session errors
// carry their detail and current status as fields.
func failSession(c *gin.Context, log zerolog.Logger, err error) {
	status, code := mapError(err)
	if code == response.ErrInternal {
		log.Error().Err(err).Str("path", c.FullPath()).Msg("Request failed")
		response.Fail(c, status, code)
		return
	}

	var se *service.SessionError
	if errors.As(err, &se) {
		fields := map[string]string{}
		if se.Detail != "" {
			fields["detail"] = se.Detail
		}
		if se.Status != "" {
			fields["status"] = string(se.Status)
		}
		if len(fields) > 0 {
			response.FailWithFields(c, status, code, fields)
			return
		}
	}
	response.Fail(c, status, code)
}
