package model

import (
	"time"

	"github.com/google/uuid"
)

// Audit actions emitted by the session engine.
const (
	AuditSessionStart     = "session.start"
	AuditSessionSubmit    = "session.submit"
	AuditSessionPause     = "session.pause"
	AuditSessionResume    = "session.resume"
	AuditSessionExpire    = "session.expire"
	AuditSessionTerminate = "session.terminate"
	AuditSecurityEvent    = "session.security_event"
)

// AuditEntry is a structured, fire-and-forget audit record.
type AuditEntry struct {
	Action       string         `json:"action"`
	SessionID    uuid.UUID      `json:"session_id"`
	StudentID    int            `json:"student_id"`
	AssessmentID uuid.UUID      `json:"assessment_id"`
	IPAddress    string         `json:"ip_address,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
	OccurredAt   time.Time      `json:"occurred_at"`
}
