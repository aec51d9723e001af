package model

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// AttemptStatus enumerates the grading-facing record states.
type AttemptStatus string

const (
	AttemptStatusInProgress AttemptStatus = "IN_PROGRESS"
	AttemptStatusSubmitted  AttemptStatus = "SUBMITTED"
	AttemptStatusTimedOut   AttemptStatus = "TIMED_OUT"
	AttemptStatusTerminated AttemptStatus = "TERMINATED"
)

// ErrAttemptConflict is returned when the attempt number was taken by a concurrent start.
var ErrAttemptConflict = errors.New("attempt number already taken")

// Attempt is the durable record handed to the grading engine.
type Attempt struct {
	ID               uuid.UUID               `json:"id"`
	SessionID        uuid.UUID               `json:"session_id"`
	StudentID        int                     `json:"student_id"`
	AssessmentID     uuid.UUID               `json:"assessment_id"`
	AttemptNumber    int                     `json:"attempt_number"`
	Status           AttemptStatus           `json:"status"`
	Answers          map[string]AnswerRecord `json:"answers,omitempty"`
	GradingKey       *GradingKey             `json:"-"`
	Paper            []QuestionForStudent    `json:"-"`
	TimeTakenSeconds int                     `json:"time_taken_seconds"`
	Score            *float64                `json:"score,omitempty"`
	MaxScore         *float64                `json:"max_score,omitempty"`
	Percentage       *float64                `json:"percentage,omitempty"`
	Passed           *bool                   `json:"passed,omitempty"`
	StartedAt        time.Time               `json:"started_at"`
	SubmittedAt      *time.Time              `json:"submitted_at,omitempty"`
	CreatedAt        time.Time               `json:"created_at"`
	UpdatedAt        time.Time               `json:"updated_at"`
}

// GradeResult is what the grading engine returns for an attempt.
type GradeResult struct {
	Score       float64 `json:"score"`
	MaxScore    float64 `json:"max_score"`
	Percentage  float64 `json:"percentage"`
	NeedsManual bool    `json:"needs_manual"`
}
