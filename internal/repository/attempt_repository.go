package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stemsi/exstem-session-engine/internal/model"
)

// ErrAttemptNotFound is returned for unknown attempt ids.
var ErrAttemptNotFound = errors.New("attempt not found")

// AttemptRepository persists the grading-facing attempt records.
type AttemptRepository struct {
	db DBTX
}

// NewAttemptRepository creates a new AttemptRepository.
func NewAttemptRepository(db DBTX) *AttemptRepository {
	return &AttemptRepository{db: db}
}

// CountByStudent counts every attempt a student has started for an assessment.
func (r *AttemptRepository) CountByStudent(ctx context.Context, studentID int, assessmentID uuid.UUID) (int, error) {
	var n int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM attempts WHERE student_id = $1 AND assessment_id = $2`,
		studentID, assessmentID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count attempts: %w", err)
	}
	return n, nil
}

// Create inserts an IN_PROGRESS attempt together with its frozen key and paper.
// A taken attempt number is reported as model.ErrAttemptConflict.
func (r *AttemptRepository) Create(ctx context.Context, a *model.Attempt) error {
	key, err := json.Marshal(a.GradingKey)
	if err != nil {
		return fmt.Errorf("marshal grading key: %w", err)
	}
	var paper []byte
	if len(a.Paper) > 0 {
		if paper, err = json.Marshal(a.Paper); err != nil {
			return fmt.Errorf("marshal paper: %w", err)
		}
	}
	err = r.db.QueryRow(ctx,
		`INSERT INTO attempts (id, session_id, student_id, assessment_id, attempt_number, status, grading_key, paper, started_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING created_at, updated_at`,
		a.ID, a.SessionID, a.StudentID, a.AssessmentID, a.AttemptNumber, a.Status, key, paper, a.StartedAt,
	).Scan(&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return model.ErrAttemptConflict
		}
		return fmt.Errorf("create attempt: %w", err)
	}
	return nil
}

// GetPaper returns the question paper frozen at start. It returns nil when the
// attempt is unknown or was stored without one.
func (r *AttemptRepository) GetPaper(ctx context.Context, id uuid.UUID) ([]model.QuestionForStudent, error) {
	var raw []byte
	err := r.db.QueryRow(ctx, `SELECT paper FROM attempts WHERE id = $1`, id).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get attempt paper: %w", err)
	}
	if len(raw) == 0 {
		return nil, nil
	}
	var paper []model.QuestionForStudent
	if err := json.Unmarshal(raw, &paper); err != nil {
		return nil, fmt.Errorf("decode attempt paper: %w", err)
	}
	return paper, nil
}

// Finalize writes the answers and terminal status. Already-finalized attempts are left untouched.
func (r *AttemptRepository) Finalize(ctx context.Context, id uuid.UUID, status model.AttemptStatus, answers map[string]model.AnswerRecord, timeTaken int, submittedAt time.Time) error {
	var answersRaw []byte
	if len(answers) > 0 {
		var err error
		if answersRaw, err = json.Marshal(answers); err != nil {
			return fmt.Errorf("marshal answers: %w", err)
		}
	}
	err := retryWrite(ctx, func() error {
		_, err := r.db.Exec(ctx,
			`UPDATE attempts
			 SET status = $2, answers = COALESCE($3::jsonb, answers), time_taken_seconds = $4,
			     submitted_at = $5, updated_at = NOW()
			 WHERE id = $1 AND status = 'IN_PROGRESS'`,
			id, status, answersRaw, timeTaken, submittedAt,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("finalize attempt: %w", err)
	}
	return nil
}

// ListStranded returns the durable snapshots of ended sessions whose attempt
// is still IN_PROGRESS, oldest first. Sessions that ended within the last
// minute are skipped while their own finalization may still be in flight.
func (r *AttemptRepository) ListStranded(ctx context.Context, limit int) ([]*model.Session, error) {
	rows, err := r.db.Query(ctx,
		`SELECT s.snapshot
		 FROM attempts a
		 JOIN assessment_sessions s ON s.attempt_id = a.id
		 WHERE a.status = 'IN_PROGRESS' AND s.status IN ('COMPLETED', 'EXPIRED', 'TERMINATED')
		   AND s.ended_at < NOW() - INTERVAL '1 minute'
		 ORDER BY s.ended_at
		 LIMIT $1`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list stranded attempts: %w", err)
	}
	defer rows.Close()

	var out []*model.Session
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan stranded attempt: %w", err)
		}
		var s model.Session
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("decode session snapshot: %w", err)
		}
		out = append(out, &s)
	}
	return out, rows.Err()
}

// GetByID loads an attempt including its grading key.
func (r *AttemptRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Attempt, error) {
	a := &model.Attempt{}
	var answersRaw, keyRaw []byte
	err := r.db.QueryRow(ctx,
		`SELECT id, session_id, student_id, assessment_id, attempt_number, status, answers, grading_key,
		        time_taken_seconds, score, max_score, percentage, passed, started_at, submitted_at,
		        created_at, updated_at
		 FROM attempts WHERE id = $1`, id,
	).Scan(&a.ID, &a.SessionID, &a.StudentID, &a.AssessmentID, &a.AttemptNumber, &a.Status, &answersRaw, &keyRaw,
		&a.TimeTakenSeconds, &a.Score, &a.MaxScore, &a.Percentage, &a.Passed, &a.StartedAt, &a.SubmittedAt,
		&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAttemptNotFound
		}
		return nil, fmt.Errorf("get attempt: %w", err)
	}
	if len(answersRaw) > 0 {
		if err := json.Unmarshal(answersRaw, &a.Answers); err != nil {
			return nil, fmt.Errorf("decode answers: %w", err)
		}
	}
	if len(keyRaw) > 0 {
		a.GradingKey = &model.GradingKey{}
		if err := json.Unmarshal(keyRaw, a.GradingKey); err != nil {
			return nil, fmt.Errorf("decode grading key: %w", err)
		}
	}
	return a, nil
}

// SaveGrade stores the grading engine's result. passed is nil while manual review is pending.
func (r *AttemptRepository) SaveGrade(ctx context.Context, id uuid.UUID, res model.GradeResult, passed *bool) error {
	err := retryWrite(ctx, func() error {
		_, err := r.db.Exec(ctx,
			`UPDATE attempts
			 SET score = $2, max_score = $3, percentage = $4, passed = $5, updated_at = NOW()
			 WHERE id = $1`,
			id, res.Score, res.MaxScore, res.Percentage, passed,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("save grade: %w", err)
	}
	return nil
}
