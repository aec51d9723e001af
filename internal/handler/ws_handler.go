package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-session-engine/internal/config"
	"github.com/stemsi/exstem-session-engine/internal/events"
	"github.com/stemsi/exstem-session-engine/internal/middleware"
	"github.com/stemsi/exstem-session-engine/internal/model"
	"github.com/stemsi/exstem-session-engine/internal/response"
	"github.com/stemsi/exstem-session-engine/internal/service"
	"github.com/stemsi/exstem-session-engine/internal/validator"
	ws "github.com/stemsi/exstem-session-engine/internal/websocket"
)

// buildUpgrader creates a WebSocket upgrader with origin validation.
// An empty allow-list permits all origins (development mode).
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// WSHandler streams one session over a WebSocket: the student sends answers,
// heartbeats and security events, and receives engine events as they happen.
type WSHandler struct {
	rdb       *redis.Client
	lifecycle *service.SessionService
	integrity *service.IntegrityService
	log       zerolog.Logger
	upgrader  websocket.Upgrader
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(rdb *redis.Client, lifecycle *service.SessionService, integrity *service.IntegrityService, log zerolog.Logger, allowedOrigins []string) *WSHandler {
	return &WSHandler{
		rdb:       rdb,
		lifecycle: lifecycle,
		integrity: integrity,
		log:       log.With().Str("component", "ws_handler").Logger(),
		upgrader:  buildUpgrader(allowedOrigins),
	}
}

// SessionStream godoc
// WS /ws/v1/sessions/:token?access_token=...
func (h *WSHandler) SessionStream(c *gin.Context) {
	token := c.Param("token")
	caller := middleware.CallerFrom(c)

	// Check access before upgrading so failures get a proper HTTP status.
	st, err := h.lifecycle.GetStatus(c.Request.Context(), token, caller)
	if err != nil {
		failSession(c, h.log, err)
		return
	}

	raw, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	conn := ws.NewConn(raw)
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wsLog := h.log.With().
		Int("student_id", caller.StudentID).
		Str("session_id", st.SessionID.String()).
		Logger()
	wsLog.Info().Msg("Student connected")

	go h.forward(ctx, conn, st.SessionID, wsLog)

	for {
		var msg ws.RequestEnvelope
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				wsLog.Warn().Err(err).Msg("Unexpected close")
			} else {
				wsLog.Debug().Msg("Connection closed")
			}
			return
		}

		data, err := h.dispatch(ctx, token, caller, &msg)
		if err != nil {
			writeWSError(conn, msg.RequestID, err, wsLog)
			continue
		}
		if msg.Action == ws.ActionPing {
			_ = conn.WriteTyped(ws.PongResponse{Event: ws.EventPong, RequestID: msg.RequestID})
			continue
		}
		_ = conn.WriteAck(msg.Action, msg.RequestID, data)

		if code, reason, done := sessionEnded(data); done {
			wsLog.Info().Str("reason", reason).Msg("Session ended, closing stream")
			_ = conn.CloseWith(code, reason)
			return
		}
	}
}

// sessionEnded reports whether an acknowledged result ended the session, and
// which close frame the client should get.
func sessionEnded(data interface{}) (int, string, bool) {
	switch res := data.(type) {
	case *service.EventResult:
		if res.Terminated {
			return websocket.ClosePolicyViolation, "session terminated", true
		}
	case *service.SubmissionResult:
		return websocket.CloseNormalClosure, "session submitted", true
	}
	return 0, "", false
}

// forward relays the session's pub/sub channel to the socket and keeps it
// alive with pings until ctx ends.
func (h *WSHandler) forward(ctx context.Context, conn *ws.Conn, sessionID uuid.UUID, log zerolog.Logger) {
	pubsub := h.rdb.Subscribe(ctx, config.CacheKey.SessionChannel(sessionID.String()))
	defer pubsub.Close()

	ch := pubsub.Channel()
	ping := time.NewTicker(ws.PingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			if err := conn.Ping(); err != nil {
				log.Debug().Err(err).Msg("Ping failed")
				return
			}
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WritePush([]byte(msg.Payload)); err != nil {
				log.Debug().Err(err).Msg("Push failed")
				return
			}
			if code, reason, done := pushEnded(msg.Payload); done {
				log.Info().Str("reason", reason).Msg("Session ended, closing stream")
				_ = conn.CloseWith(code, reason)
				return
			}
		}
	}
}

// pushEnded inspects a relayed event; the scheduler ends sessions out of band.
func pushEnded(payload string) (int, string, bool) {
	var ev struct {
		Type events.Type `json:"type"`
	}
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return 0, "", false
	}
	switch ev.Type {
	case events.SessionTerminated:
		return websocket.ClosePolicyViolation, "session terminated", true
	case events.SessionExpired:
		return websocket.CloseNormalClosure, "session expired", true
	case events.SessionCompleted:
		return websocket.CloseNormalClosure, "session submitted", true
	}
	return 0, "", false
}

// errBadPayload marks a request whose data did not decode or validate.
type errBadPayload struct {
	code   response.ErrCode
	fields map[string]string
}

func (e *errBadPayload) Error() string {
	for k, v := range e.fields {
		return k + ": " + v
	}
	return "invalid payload"
}

func decodeData(raw json.RawMessage, dst interface{}) error {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return &errBadPayload{code: response.ErrInvalidPayload, fields: map[string]string{"data": err.Error()}}
	}
	if err := validator.Struct(dst); err != nil {
		return &errBadPayload{code: response.ErrValidation, fields: validator.TranslateErrors(err)}
	}
	return nil
}

func (h *WSHandler) dispatch(ctx context.Context, token string, caller service.Caller, msg *ws.RequestEnvelope) (interface{}, error) {
	switch msg.Action {
	case ws.ActionPing:
		return nil, nil

	case ws.ActionAnswer:
		var req model.SubmitAnswerRequest
		if err := decodeData(msg.Data, &req); err != nil {
			return nil, err
		}
		qid, err := uuid.Parse(req.QuestionID)
		if err != nil {
			return nil, &errBadPayload{code: response.ErrInvalidID, fields: map[string]string{"question_id": "invalid uuid"}}
		}
		return h.lifecycle.SubmitAnswer(ctx, token, caller, service.AnswerInput{
			QuestionID:       qid,
			Answer:           req.Answer,
			TimeSpentSeconds: req.TimeSpentSeconds,
			IsFinal:          req.IsFinal,
		})

	case ws.ActionHeartbeat:
		var req model.HeartbeatRequest
		if err := decodeData(msg.Data, &req); err != nil {
			return nil, err
		}
		return h.lifecycle.Heartbeat(ctx, token, caller, req.NetworkType)

	case ws.ActionProgress:
		var req model.UpdateProgressRequest
		if err := decodeData(msg.Data, &req); err != nil {
			return nil, err
		}
		return h.lifecycle.UpdateProgress(ctx, token, caller, *req.CurrentQuestionIndex)

	case ws.ActionSecurityEvent:
		var req model.SecurityEventRequest
		if err := decodeData(msg.Data, &req); err != nil {
			return nil, err
		}
		return h.integrity.ReportEvent(ctx, token, caller, service.EventInput{
			Type:            req.Type,
			ClientTimestamp: req.ClientTimestamp,
			Severity:        req.Severity,
			Details:         req.Details,
		})

	case ws.ActionSubmit:
		return h.lifecycle.SubmitAssessment(ctx, token, caller)

	default:
		return nil, &errBadPayload{code: response.ErrInvalidPayload, fields: map[string]string{"action": "unknown action " + string(msg.Action)}}
	}
}

func writeWSError(conn *ws.Conn, reqID string, err error, log zerolog.Logger) {
	var bad *errBadPayload
	if errors.As(err, &bad) {
		_ = conn.WriteError(reqID, string(bad.code), bad.Error())
		return
	}
	_, code := mapError(err)
	if code == response.ErrInternal {
		log.Error().Err(err).Msg("WebSocket request failed")
		_ = conn.WriteError(reqID, string(code), response.GetMessage(code))
		return
	}
	_ = conn.WriteError(reqID, string(code), err.Error())
}
