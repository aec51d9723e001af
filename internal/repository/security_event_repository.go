package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// SecurityEventRow is one persisted integrity event.
type SecurityEventRow struct {
	SessionID       uuid.UUID
	StudentID       int
	AssessmentID    uuid.UUID
	EventType       string
	Severity        int
	ViolationCount  int
	ClientTimestamp time.Time
	RecordedAt      time.Time
	Details         map[string]any
}

var securityEventColumns = []string{
	"session_id", "student_id", "assessment_id", "event_type", "severity",
	"violation_count", "client_timestamp", "recorded_at", "details",
}

// SecurityEventRepository bulk-loads integrity events for proctor review.
type SecurityEventRepository struct {
	db CopyDB
}

// NewSecurityEventRepository creates a new SecurityEventRepository.
func NewSecurityEventRepository(db CopyDB) *SecurityEventRepository {
	return &SecurityEventRepository{db: db}
}

// CopyEvents inserts the batch with the COPY protocol.
func (r *SecurityEventRepository) CopyEvents(ctx context.Context, batch []SecurityEventRow) (int64, error) {
	rows := make([][]any, 0, len(batch))
	for _, e := range batch {
		details, err := json.Marshal(e.Details)
		if err != nil {
			return 0, fmt.Errorf("marshal details: %w", err)
		}
		rows = append(rows, []any{
			e.SessionID, e.StudentID, e.AssessmentID, e.EventType, e.Severity,
			e.ViolationCount, e.ClientTimestamp, e.RecordedAt, details,
		})
	}
	return r.db.CopyFrom(ctx, pgx.Identifier{"security_events"}, securityEventColumns, pgx.CopyFromRows(rows))
}

// InsertEvent inserts a single row. Used to isolate a bad row after a failed batch.
func (r *SecurityEventRepository) InsertEvent(ctx context.Context, e SecurityEventRow) error {
	details, err := json.Marshal(e.Details)
	if err != nil {
		return fmt.Errorf("marshal details: %w", err)
	}
	_, err = r.db.Exec(ctx,
		`INSERT INTO security_events
		     (session_id, student_id, assessment_id, event_type, severity, violation_count, client_timestamp, recorded_at, details)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.SessionID, e.StudentID, e.AssessmentID, e.EventType, e.Severity,
		e.ViolationCount, e.ClientTimestamp, e.RecordedAt, details,
	)
	return err
}
