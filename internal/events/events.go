// Package events carries the engine's outbound signals (lifecycle changes,
// violations, time warnings) from the services to their subscribers.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Type names an outbound signal.
type Type string

const (
	SessionStarted    Type = "session.started"
	SessionCompleted  Type = "session.completed"
	SessionExpired    Type = "session.expired"
	SessionTerminated Type = "session.terminated"
	SessionPaused     Type = "session.paused"
	SessionResumed    Type = "session.resumed"
	SecurityViolation Type = "security.violation"
	TimeWarning       Type = "time.warning"
)

// Time warning severities.
const (
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Event is one outbound signal addressed to a session.
type Event struct {
	Type         Type           `json:"type"`
	SessionID    uuid.UUID      `json:"session_id"`
	StudentID    int            `json:"student_id"`
	AssessmentID uuid.UUID      `json:"assessment_id"`
	OccurredAt   time.Time      `json:"occurred_at"`
	Data         map[string]any `json:"data,omitempty"`
}

// Publisher accepts events without blocking the caller.
type Publisher interface {
	Publish(ev Event)
}

// Sink receives dispatched events.
type Sink interface {
	Handle(ctx context.Context, ev Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev Event) error

func (f SinkFunc) Handle(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(Event) {}
