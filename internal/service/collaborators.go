package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-session-engine/internal/model"
)

// AssessmentSource supplies assessment definitions and their question pools.
type AssessmentSource interface {
	GetAssessment(ctx context.Context, id uuid.UUID) (*model.Assessment, error)
	ListQuestions(ctx context.Context, assessmentID uuid.UUID) ([]model.Question, error)
}

// AttemptStore persists the grading-facing attempt records.
type AttemptStore interface {
	CountByStudent(ctx context.Context, studentID int, assessmentID uuid.UUID) (int, error)
	// Create fails with model.ErrAttemptConflict when the attempt number is taken.
	Create(ctx context.Context, a *model.Attempt) error
	// GetPaper returns the paper stored at start, or nil if there is none.
	GetPaper(ctx context.Context, id uuid.UUID) ([]model.QuestionForStudent, error)
	Finalize(ctx context.Context, id uuid.UUID, status model.AttemptStatus, answers map[string]model.AnswerRecord, timeTaken int, submittedAt time.Time) error
	SaveGrade(ctx context.Context, id uuid.UUID, res model.GradeResult, passed *bool) error
}

// Grader scores a finalized attempt.
type Grader interface {
	AutoGrade(ctx context.Context, attemptID uuid.UUID) (model.GradeResult, error)
}

// AuditSink records audit entries without failing the caller.
type AuditSink interface {
	Record(ctx context.Context, entry model.AuditEntry)
}
