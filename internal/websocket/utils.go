package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait = 10 * time.Second
	// PongWait is how long the socket may stay silent before it is dropped.
	PongWait = 60 * time.Second
	// PingPeriod must stay below PongWait so a healthy peer always answers in time.
	PingPeriod = (PongWait * 9) / 10
)

// Conn serializes writes; the pub/sub forwarder and the request loop share one socket.
type Conn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

// NewConn wraps ws and arms the read deadline; every pong or message pushes it forward.
func NewConn(ws *websocket.Conn) *Conn {
	_ = ws.SetReadDeadline(time.Now().Add(PongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(PongWait))
	})
	return &Conn{ws: ws}
}

// WriteTyped sends a strongly-typed response payload over the WebSocket.
func (c *Conn) WriteTyped(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(v)
}

func (c *Conn) WriteAck(action Action, reqID string, data interface{}) error {
	return c.WriteTyped(AckResponse{Event: EventAck, Action: action, RequestID: reqID, Data: data})
}

func (c *Conn) WriteError(reqID, code, msg string) error {
	return c.WriteTyped(ErrorResponse{Event: EventError, RequestID: reqID, Code: code, Error: msg})
}

func (c *Conn) WritePush(payload []byte) error {
	return c.WriteTyped(PushResponse{Event: EventPush, Data: json.RawMessage(payload)})
}

// ReadJSON reads and decodes the next message, extending the read deadline.
func (c *Conn) ReadJSON(v interface{}) error {
	_ = c.ws.SetReadDeadline(time.Now().Add(PongWait))
	return c.ws.ReadJSON(v)
}

// Ping sends a control ping; the peer's pong extends the read deadline.
func (c *Conn) Ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// CloseWith sends a close frame carrying code and reason. The socket itself
// is released by Close.
func (c *Conn) CloseWith(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
}

func (c *Conn) Close() error {
	return c.ws.Close()
}
