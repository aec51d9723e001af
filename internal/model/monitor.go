package model

import (
	"time"

	"github.com/google/uuid"
)

// SessionSummary is one row of the proctor monitor, read from the durable snapshots.
type SessionSummary struct {
	SessionID         uuid.UUID     `json:"session_id"`
	StudentID         int           `json:"student_id"`
	Status            SessionStatus `json:"status"`
	StartedAt         time.Time     `json:"started_at"`
	ExpiresAt         time.Time     `json:"expires_at"`
	EndedAt           *time.Time    `json:"ended_at,omitempty"`
	QuestionsAnswered int           `json:"questions_answered"`
	TotalQuestions    int           `json:"total_questions"`
	ViolationCount    int           `json:"violation_count"`
	IsFlagged         bool          `json:"is_flagged"`
}
