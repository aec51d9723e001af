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
	"github.com/stemsi/exstem-session-engine/internal/store"
)

// SessionRepository is the durable copy of the live session cache.
type SessionRepository struct {
	db DBTX
}

// NewSessionRepository creates a new SessionRepository.
func NewSessionRepository(db DBTX) *SessionRepository {
	return &SessionRepository{db: db}
}

// UpsertSnapshots writes a batch of session snapshots in one statement.
// Older versions never overwrite newer ones, so out-of-order delivery is harmless.
func (r *SessionRepository) UpsertSnapshots(ctx context.Context, sessions []*model.Session) error {
	latest := make(map[uuid.UUID]*model.Session, len(sessions))
	order := make([]uuid.UUID, 0, len(sessions))
	for _, s := range sessions {
		prev, ok := latest[s.ID]
		if !ok {
			order = append(order, s.ID)
		}
		if !ok || s.Version > prev.Version {
			latest[s.ID] = s
		}
	}
	if len(order) == 0 {
		return nil
	}

	n := len(order)
	ids := make([]uuid.UUID, n)
	tokens := make([]string, n)
	studentIDs := make([]int32, n)
	assessmentIDs := make([]uuid.UUID, n)
	attemptIDs := make([]uuid.UUID, n)
	statuses := make([]string, n)
	versions := make([]int64, n)
	startedAts := make([]time.Time, n)
	expiresAts := make([]time.Time, n)
	endedAts := make([]*time.Time, n)
	snapshots := make([]string, n)

	for i, id := range order {
		s := latest[id]
		raw, err := json.Marshal(s)
		if err != nil {
			return fmt.Errorf("marshal session %s: %w", s.ID, err)
		}
		ids[i] = s.ID
		tokens[i] = s.Token
		studentIDs[i] = int32(s.StudentID)
		assessmentIDs[i] = s.AssessmentID
		attemptIDs[i] = s.AttemptID
		statuses[i] = string(s.Status)
		versions[i] = s.Version
		startedAts[i] = s.StartedAt
		expiresAts[i] = s.ExpiresAt
		endedAts[i] = s.EndedAt
		snapshots[i] = string(raw)
	}

	_, err := r.db.Exec(ctx,
		`INSERT INTO assessment_sessions
		     (id, token, student_id, assessment_id, attempt_id, status, version, started_at, expires_at, ended_at, snapshot, updated_at)
		 SELECT u.id, u.token, u.student_id, u.assessment_id, u.attempt_id, u.status, u.version,
		        u.started_at, u.expires_at, u.ended_at, u.snapshot::jsonb, NOW()
		 FROM UNNEST($1::uuid[], $2::text[], $3::int[], $4::uuid[], $5::uuid[], $6::text[], $7::bigint[],
		             $8::timestamptz[], $9::timestamptz[], $10::timestamptz[], $11::text[])
		      AS u(id, token, student_id, assessment_id, attempt_id, status, version, started_at, expires_at, ended_at, snapshot)
		 ON CONFLICT (id) DO UPDATE
		 SET status = EXCLUDED.status, version = EXCLUDED.version, expires_at = EXCLUDED.expires_at,
		     ended_at = EXCLUDED.ended_at, snapshot = EXCLUDED.snapshot, updated_at = NOW()
		 WHERE assessment_sessions.version < EXCLUDED.version`,
		ids, tokens, studentIDs, assessmentIDs, attemptIDs, statuses, versions,
		startedAts, expiresAts, endedAts, snapshots,
	)
	if err != nil {
		return fmt.Errorf("upsert session snapshots: %w", err)
	}
	return nil
}

// GetByToken loads the latest persisted snapshot of a session.
func (r *SessionRepository) GetByToken(ctx context.Context, token string) (*model.Session, error) {
	var raw []byte
	err := r.db.QueryRow(ctx,
		`SELECT snapshot FROM assessment_sessions WHERE token = $1`, token,
	).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get session by token: %w", err)
	}
	var s model.Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode session snapshot: %w", err)
	}
	return &s, nil
}

// DeleteEndedBefore hard-deletes terminal sessions that ended before cutoff.
func (r *SessionRepository) DeleteEndedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM assessment_sessions
		 WHERE status IN ('COMPLETED', 'EXPIRED', 'TERMINATED') AND ended_at < $1`, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("delete retired sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}
