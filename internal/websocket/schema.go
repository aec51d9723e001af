package websocket

import "encoding/json"

// ─── Actions (Client → Server) ──────────────────────────────────────

type Action string

const (
	ActionAnswer        Action = "answer"
	ActionHeartbeat     Action = "heartbeat"
	ActionProgress      Action = "progress"
	ActionSecurityEvent Action = "security_event"
	ActionSubmit        Action = "submit"
	ActionPing          Action = "ping"
)

// RequestEnvelope wraps every client message. Data is decoded per action into
// the same request types the REST endpoints bind.
type RequestEnvelope struct {
	Action    Action          `json:"action"`
	RequestID string          `json:"request_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ─── Events (Server → Client) ───────────────────────────────────────

type Event string

const (
	EventAck   Event = "ack"
	EventError Event = "error"
	EventPong  Event = "pong"
	// EventPush carries an engine event (timer warning, termination, ...) as its data.
	EventPush Event = "push"
)

// AckResponse answers a request with the operation result.
type AckResponse struct {
	Event     Event       `json:"event"`
	Action    Action      `json:"action"`
	RequestID string      `json:"request_id,omitempty"`
	Data      interface{} `json:"data,omitempty"`
}

type ErrorResponse struct {
	Event     Event  `json:"event"`
	RequestID string `json:"request_id,omitempty"`
	Code      string `json:"code"`
	Error     string `json:"error"`
}

type PushResponse struct {
	Event Event           `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type PongResponse struct {
	Event     Event  `json:"event"`
	RequestID string `json:"request_id,omitempty"`
}
