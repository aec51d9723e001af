package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-session-engine/internal/config"
	"github.com/stemsi/exstem-session-engine/internal/events"
	"github.com/stemsi/exstem-session-engine/internal/model"
	"github.com/stemsi/exstem-session-engine/internal/repository"
)

// SnapshotWriter persists session snapshots.
type SnapshotWriter interface {
	UpsertSnapshots(ctx context.Context, sessions []*model.Session) error
}

// SecurityEventWriter persists the integrity log.
type SecurityEventWriter interface {
	CopyEvents(ctx context.Context, batch []repository.SecurityEventRow) (int64, error)
	InsertEvent(ctx context.Context, e repository.SecurityEventRow) error
}

// AuditWriter persists audit entries.
type AuditWriter interface {
	CopyEntries(ctx context.Context, batch []model.AuditEntry) (int64, error)
}

// NewSessionSnapshotWorker consumes the session snapshot queue written on every
// live-store mutation. Older versions never overwrite newer rows.
func NewSessionSnapshotWorker(repo SnapshotWriter, rdb *redis.Client, log zerolog.Logger) *QueueWorker[*model.Session] {
	return newQueueWorker("session_snapshot_worker", config.WorkerKey.PersistSessionsQueue, rdb,
		func(b []byte) (*model.Session, error) {
			var s model.Session
			if err := json.Unmarshal(b, &s); err != nil {
				return nil, err
			}
			if s.ID == uuid.Nil || s.Token == "" {
				return nil, errors.New("snapshot without identity")
			}
			return &s, nil
		},
		repo.UpsertSnapshots,
		func(ctx context.Context, s *model.Session) error {
			return repo.UpsertSnapshots(ctx, []*model.Session{s})
		},
		log,
	)
}

// NewSecurityEventWorker consumes security.violation events and copies them
// into the security_events table.
func NewSecurityEventWorker(repo SecurityEventWriter, rdb *redis.Client, log zerolog.Logger) *QueueWorker[repository.SecurityEventRow] {
	return newQueueWorker("security_event_worker", config.WorkerKey.PersistSecurityEventsQueue, rdb,
		decodeSecurityEvent,
		func(ctx context.Context, batch []repository.SecurityEventRow) error {
			_, err := repo.CopyEvents(ctx, batch)
			return err
		},
		repo.InsertEvent,
		log,
	)
}

// NewAuditWorker consumes the audit queue.
func NewAuditWorker(repo AuditWriter, rdb *redis.Client, log zerolog.Logger) *QueueWorker[model.AuditEntry] {
	return newQueueWorker("audit_worker", config.WorkerKey.PersistAuditQueue, rdb,
		func(b []byte) (model.AuditEntry, error) {
			var e model.AuditEntry
			if err := json.Unmarshal(b, &e); err != nil {
				return e, err
			}
			if e.Action == "" {
				return e, errors.New("audit entry without action")
			}
			return e, nil
		},
		func(ctx context.Context, batch []model.AuditEntry) error {
			_, err := repo.CopyEntries(ctx, batch)
			return err
		},
		func(ctx context.Context, e model.AuditEntry) error {
			_, err := repo.CopyEntries(ctx, []model.AuditEntry{e})
			return err
		},
		log,
	)
}

// decodeSecurityEvent turns a queued events.Event into a table row.
// JSON numbers arrive as float64.
func decodeSecurityEvent(b []byte) (repository.SecurityEventRow, error) {
	var ev events.Event
	if err := json.Unmarshal(b, &ev); err != nil {
		return repository.SecurityEventRow{}, err
	}
	if ev.Type != events.SecurityViolation {
		return repository.SecurityEventRow{}, fmt.Errorf("unexpected event type %q", ev.Type)
	}

	row := repository.SecurityEventRow{
		SessionID:    ev.SessionID,
		StudentID:    ev.StudentID,
		AssessmentID: ev.AssessmentID,
		RecordedAt:   ev.OccurredAt,
	}
	row.EventType, _ = ev.Data["event_type"].(string)
	if row.EventType == "" {
		return row, errors.New("security event without type")
	}
	if v, ok := ev.Data["severity"].(float64); ok {
		row.Severity = int(v)
	}
	if v, ok := ev.Data["violation_count"].(float64); ok {
		row.ViolationCount = int(v)
	}
	row.ClientTimestamp = row.RecordedAt
	if v, ok := ev.Data["client_timestamp"].(string); ok {
		if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
			row.ClientTimestamp = ts
		}
	}
	if v, ok := ev.Data["details"].(map[string]any); ok {
		row.Details = v
	}
	return row, nil
}
