package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stemsi/exstem-session-engine/internal/audit"
	"github.com/stemsi/exstem-session-engine/internal/config"
	"github.com/stemsi/exstem-session-engine/internal/events"
	"github.com/stemsi/exstem-session-engine/internal/model"
	"github.com/stemsi/exstem-session-engine/internal/service"
	"github.com/stemsi/exstem-session-engine/internal/store"
	ws "github.com/stemsi/exstem-session-engine/internal/websocket"
)

type wsMessage struct {
	Event     ws.Event        `json:"event"`
	Action    ws.Action       `json:"action"`
	RequestID string          `json:"request_id"`
	Code      string          `json:"code"`
	Data      json.RawMessage `json:"data"`
}

// newStreamServer serves the session stream for student 42 and returns a started session.
func newStreamServer(t *testing.T, maxViolations int) (*httptest.Server, *service.SessionView) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	settings := model.DefaultAssessmentSettings()
	settings.MaxSecurityViolations = maxViolations
	a := &model.Assessment{
		ID:               handlerAssessmentID,
		Title:            "Physics",
		Status:           model.AssessmentStatusPublished,
		TimeLimitMinutes: 20,
		PassingScore:     50,
		GradingMode:      model.GradingModeAutomatic,
		Settings:         settings,
		AntiCheat:        model.DefaultAntiCheatSettings(),
	}
	cfg := &config.Config{UntimedSessionCeiling: time.Hour, DefaultMaxViolations: 5}
	lifecycle := service.NewSessionService(store.NewMemoryStore(), &stubAssessments{a: a}, &stubAttempts{count: map[int]int{}},
		stubGrader{}, audit.NewLogSink(zerolog.Nop()), &events.Recorder{}, cfg, zerolog.Nop())
	h := NewWSHandler(rdb, lifecycle, service.NewIntegrityService(lifecycle, zerolog.Nop()), zerolog.Nop(), nil)

	view, err := lifecycle.Start(context.Background(), handlerAssessmentID,
		service.Caller{StudentID: 42, IP: "127.0.0.1"}, model.ClientContext{})
	require.NoError(t, err)

	r := gin.New()
	r.GET("/ws/sessions/:token", withClaims(service.TokenTypeStudent, 42), h.SessionStream)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, view
}

func dialStream(t *testing.T, srv *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/sessions/" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, action ws.Action, reqID string, data any) {
	t.Helper()
	env := ws.RequestEnvelope{Action: action, RequestID: reqID}
	if data != nil {
		raw, err := json.Marshal(data)
		require.NoError(t, err)
		env.Data = raw
	}
	require.NoError(t, conn.WriteJSON(env))
}

// readReply returns the next non-push message.
func readReply(t *testing.T, conn *websocket.Conn) wsMessage {
	t.Helper()
	for {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		var msg wsMessage
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Event != ws.EventPush {
			return msg
		}
	}
}

// readClose drains the socket until the server's close frame arrives.
func readClose(t *testing.T, conn *websocket.Conn) *websocket.CloseError {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		require.ErrorAs(t, err, &ce)
		return ce
	}
}

func TestWSHandler_TerminationClosesStream(t *testing.T) {
	srv, view := newStreamServer(t, 1)
	conn := dialStream(t, srv, view.Token)

	send(t, conn, ws.ActionPing, "p1", nil)
	msg := readReply(t, conn)
	assert.Equal(t, ws.EventPong, msg.Event)
	assert.Equal(t, "p1", msg.RequestID)

	send(t, conn, ws.ActionAnswer, "a1", map[string]any{
		"question_id": view.Questions[0].ID.String(),
		"answer":      "A",
	})
	msg = readReply(t, conn)
	require.Equal(t, ws.EventAck, msg.Event, "answer failed: %s", msg.Code)
	assert.Equal(t, ws.ActionAnswer, msg.Action)
	assert.Equal(t, "a1", msg.RequestID)

	send(t, conn, ws.ActionSecurityEvent, "e1", map[string]any{"type": "TAB_SWITCH", "severity": 1})
	msg = readReply(t, conn)
	require.Equal(t, ws.EventAck, msg.Event, "event failed: %s", msg.Code)
	var res service.EventResult
	require.NoError(t, json.Unmarshal(msg.Data, &res))
	assert.True(t, res.Terminated)

	ce := readClose(t, conn)
	assert.Equal(t, websocket.ClosePolicyViolation, ce.Code)
	assert.Equal(t, "session terminated", ce.Text)
}

func TestWSHandler_SubmitClosesStream(t *testing.T) {
	srv, view := newStreamServer(t, 5)
	conn := dialStream(t, srv, view.Token)

	for i, q := range view.Questions {
		send(t, conn, ws.ActionAnswer, fmt.Sprintf("a%d", i), map[string]any{"question_id": q.ID.String(), "answer": "A"})
		require.Equal(t, ws.EventAck, readReply(t, conn).Event)
	}

	send(t, conn, ws.ActionSubmit, "s1", nil)
	msg := readReply(t, conn)
	require.Equal(t, ws.EventAck, msg.Event, "submit failed: %s", msg.Code)
	var res service.SubmissionResult
	require.NoError(t, json.Unmarshal(msg.Data, &res))
	assert.Equal(t, model.SessionStatusCompleted, res.Status)

	ce := readClose(t, conn)
	assert.Equal(t, websocket.CloseNormalClosure, ce.Code)
}

func TestWSHandler_NonTerminalEventKeepsStreamOpen(t *testing.T) {
	srv, view := newStreamServer(t, 3)
	conn := dialStream(t, srv, view.Token)

	send(t, conn, ws.ActionSecurityEvent, "e1", map[string]any{"type": "TAB_SWITCH", "severity": 1})
	msg := readReply(t, conn)
	require.Equal(t, ws.EventAck, msg.Event)

	send(t, conn, ws.ActionPing, "p1", nil)
	assert.Equal(t, ws.EventPong, readReply(t, conn).Event)
}

func TestPushEnded(t *testing.T) {
	tests := []struct {
		payload string
		code    int
		done    bool
	}{
		{`{"type":"session.terminated"}`, websocket.ClosePolicyViolation, true},
		{`{"type":"session.expired"}`, websocket.CloseNormalClosure, true},
		{`{"type":"session.completed"}`, websocket.CloseNormalClosure, true},
		{`{"type":"time.warning"}`, 0, false},
		{`not json`, 0, false},
	}
	for _, tt := range tests {
		code, _, done := pushEnded(tt.payload)
		assert.Equal(t, tt.done, done, tt.payload)
		assert.Equal(t, tt.code, code, tt.payload)
	}
}
