package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-session-engine/internal/model"
)

// MonitorRepository provides the read side of live assessment monitoring.
// It reads the durable session snapshots, which trail the live cache by one worker flush.
type MonitorRepository struct {
	db DBTX
}

// NewMonitorRepository creates a new MonitorRepository.
func NewMonitorRepository(db DBTX) *MonitorRepository {
	return &MonitorRepository{db: db}
}

// ListSessionSummaries returns the latest session of every student for the assessment.
func (r *MonitorRepository) ListSessionSummaries(ctx context.Context, assessmentID uuid.UUID) ([]model.SessionSummary, error) {
	rows, err := r.db.Query(ctx,
		`SELECT DISTINCT ON (student_id)
		        id, student_id, status, started_at, expires_at, ended_at,
		        COALESCE((snapshot->'progress'->>'questions_answered')::int, 0),
		        COALESCE((snapshot->'progress'->>'total_questions')::int, 0),
		        COALESCE((snapshot->'integrity'->>'violation_count')::int, 0),
		        COALESCE((snapshot->'integrity'->>'is_flagged')::boolean, FALSE)
		 FROM assessment_sessions
		 WHERE assessment_id = $1
		 ORDER BY student_id, started_at DESC`,
		assessmentID,
	)
	if err != nil {
		return nil, fmt.Errorf("list session summaries: %w", err)
	}
	defer rows.Close()

	var out []model.SessionSummary
	for rows.Next() {
		var s model.SessionSummary
		var status string
		if err := rows.Scan(&s.SessionID, &s.StudentID, &status, &s.StartedAt, &s.ExpiresAt, &s.EndedAt,
			&s.QuestionsAnswered, &s.TotalQuestions, &s.ViolationCount, &s.IsFlagged); err != nil {
			return nil, err
		}
		s.Status = model.SessionStatus(status)
		out = append(out, s)
	}
	return out, rows.Err()
}

// CountEventsByStudent returns the number of persisted security events per student.
func (r *MonitorRepository) CountEventsByStudent(ctx context.Context, assessmentID uuid.UUID) (map[int]int64, error) {
	rows, err := r.db.Query(ctx,
		`SELECT student_id, COUNT(*)
		 FROM security_events
		 WHERE assessment_id = $1
		 GROUP BY student_id`,
		assessmentID,
	)
	if err != nil {
		return nil, fmt.Errorf("count security events: %w", err)
	}
	defer rows.Close()

	counts := make(map[int]int64)
	for rows.Next() {
		var sid int
		var count int64
		if err := rows.Scan(&sid, &count); err != nil {
			return nil, err
		}
		counts[sid] = count
	}
	return counts, rows.Err()
}
