package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/stemsi/exstem-session-engine/internal/model"
)

var auditColumns = []string{"action", "session_id", "student_id", "assessment_id", "ip_address", "details", "occurred_at"}

// AuditRepository appends audit entries.
type AuditRepository struct {
	db CopyDB
}

// NewAuditRepository creates a new AuditRepository.
func NewAuditRepository(db CopyDB) *AuditRepository {
	return &AuditRepository{db: db}
}

// CopyEntries inserts the batch with the COPY protocol.
func (r *AuditRepository) CopyEntries(ctx context.Context, batch []model.AuditEntry) (int64, error) {
	rows := make([][]any, 0, len(batch))
	for _, e := range batch {
		details, err := json.Marshal(e.Details)
		if err != nil {
			return 0, fmt.Errorf("marshal details: %w", err)
		}
		rows = append(rows, []any{e.Action, e.SessionID, e.StudentID, e.AssessmentID, e.IPAddress, details, e.OccurredAt})
	}
	return r.db.CopyFrom(ctx, pgx.Identifier{"audit_logs"}, auditColumns, pgx.CopyFromRows(rows))
}
