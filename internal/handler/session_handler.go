package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-session-engine/internal/middleware"
	"github.com/stemsi/exstem-session-engine/internal/model"
	"github.com/stemsi/exstem-session-engine/internal/response"
	"github.com/stemsi/exstem-session-engine/internal/service"
	"github.com/stemsi/exstem-session-engine/internal/validator"
)

// SessionHandler exposes the session lifecycle and integrity operations over REST.
type SessionHandler struct {
	lifecycle *service.SessionService
	integrity *service.IntegrityService
	log       zerolog.Logger
}

// NewSessionHandler creates a new SessionHandler.
func NewSessionHandler(lifecycle *service.SessionService, integrity *service.IntegrityService, log zerolog.Logger) *SessionHandler {
	return &SessionHandler{
		lifecycle: lifecycle,
		integrity: integrity,
		log:       log.With().Str("component", "session_handler").Logger(),
	}
}

// StartSession godoc
// POST /api/v1/assessments/:assessment_id/sessions
// Builds the student's variant and opens a live session.
func (h *SessionHandler) StartSession(c *gin.Context) {
	assessmentID, err := uuid.Parse(c.Param("assessment_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	var req model.StartSessionRequest
	if c.Request.ContentLength > 0 {
		if fields := validator.Bind(c, &req); fields != nil {
			response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
			return
		}
	}
	if req.UserAgent == "" {
		req.UserAgent = c.Request.UserAgent()
	}

	view, err := h.lifecycle.Start(c.Request.Context(), assessmentID, middleware.CallerFrom(c), model.ClientContext{
		UserAgent:        req.UserAgent,
		Browser:          req.Browser,
		ScreenResolution: req.ScreenResolution,
		Timezone:         req.Timezone,
		NetworkType:      req.NetworkType,
	})
	if errors.Is(err, service.ErrNotFound) {
		response.Fail(c, http.StatusNotFound, response.ErrNotFound)
		return
	}
	if err != nil {
		failSession(c, h.log, err)
		return
	}
	response.Success(c, http.StatusCreated, view)
}

// GetSession godoc
// GET /api/v1/sessions/:token
// Returns the paper with saved answers, timer and security policy. Covers page reloads.
func (h *SessionHandler) GetSession(c *gin.Context) {
	view, err := h.lifecycle.GetView(c.Request.Context(), c.Param("token"), middleware.CallerFrom(c))
	if err != nil {
		failSession(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, view)
}

// GetStatus godoc
// GET /api/v1/sessions/:token/status
func (h *SessionHandler) GetStatus(c *gin.Context) {
	st, err := h.lifecycle.GetStatus(c.Request.Context(), c.Param("token"), middleware.CallerFrom(c))
	if err != nil {
		failSession(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, st)
}

// SubmitAnswer godoc
// POST /api/v1/sessions/:token/answers
func (h *SessionHandler) SubmitAnswer(c *gin.Context) {
	var req model.SubmitAnswerRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}
	qid, err := uuid.Parse(req.QuestionID)
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	res, err := h.lifecycle.SubmitAnswer(c.Request.Context(), c.Param("token"), middleware.CallerFrom(c), service.AnswerInput{
		QuestionID:       qid,
		Answer:           req.Answer,
		TimeSpentSeconds: req.TimeSpentSeconds,
		IsFinal:          req.IsFinal,
	})
	if err != nil {
		failSession(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, res)
}

// SubmitAssessment godoc
// POST /api/v1/sessions/:token/submit
func (h *SessionHandler) SubmitAssessment(c *gin.Context) {
	res, err := h.lifecycle.SubmitAssessment(c.Request.Context(), c.Param("token"), middleware.CallerFrom(c))
	if err != nil {
		failSession(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, res)
}

// Heartbeat godoc
// POST /api/v1/sessions/:token/heartbeat
func (h *SessionHandler) Heartbeat(c *gin.Context) {
	var req model.HeartbeatRequest
	if c.Request.ContentLength > 0 {
		if fields := validator.Bind(c, &req); fields != nil {
			response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
			return
		}
	}
	res, err := h.lifecycle.Heartbeat(c.Request.Context(), c.Param("token"), middleware.CallerFrom(c), req.NetworkType)
	if err != nil {
		failSession(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, res)
}

// UpdateProgress godoc
// PUT /api/v1/sessions/:token/progress
func (h *SessionHandler) UpdateProgress(c *gin.Context) {
	var req model.UpdateProgressRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}
	res, err := h.lifecycle.UpdateProgress(c.Request.Context(), c.Param("token"), middleware.CallerFrom(c), *req.CurrentQuestionIndex)
	if err != nil {
		failSession(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, res)
}

// Pause godoc
// POST /api/v1/sessions/:token/pause
func (h *SessionHandler) Pause(c *gin.Context) {
	st, err := h.lifecycle.Pause(c.Request.Context(), c.Param("token"), middleware.CallerFrom(c))
	if err != nil {
		failSession(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, st)
}

// Resume godoc
// POST /api/v1/sessions/:token/resume
func (h *SessionHandler) Resume(c *gin.Context) {
	st, err := h.lifecycle.Resume(c.Request.Context(), c.Param("token"), middleware.CallerFrom(c))
	if err != nil {
		failSession(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, st)
}

// ReportSecurityEvent godoc
// POST /api/v1/sessions/:token/security-events
// Appends a client-detected event; reaching the threshold terminates the session.
func (h *SessionHandler) ReportSecurityEvent(c *gin.Context) {
	var req model.SecurityEventRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}
	res, err := h.integrity.ReportEvent(c.Request.Context(), c.Param("token"), middleware.CallerFrom(c), service.EventInput{
		Type:            req.Type,
		ClientTimestamp: req.ClientTimestamp,
		Severity:        req.Severity,
		Details:         req.Details,
	})
	if err != nil {
		failSession(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, res)
}

// GetBehaviorAnalysis godoc
// GET /api/v1/proctor/sessions/:token/analysis
func (h *SessionHandler) GetBehaviorAnalysis(c *gin.Context) {
	report, err := h.integrity.BehaviorAnalysis(c.Request.Context(), c.Param("token"), middleware.CallerFrom(c))
	if err != nil {
		failSession(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, report)
}
