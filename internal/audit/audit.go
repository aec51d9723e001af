// Package audit records structured, fire-and-forget audit entries.
package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-session-engine/internal/config"
	"github.com/stemsi/exstem-session-engine/internal/model"
)

// Sink accepts audit entries. Implementations must not fail the caller's operation.
type Sink interface {
	Record(ctx context.Context, entry model.AuditEntry)
}

// QueueSink pushes entries onto the audit persistence queue drained by the audit worker.
type QueueSink struct {
	rdb *redis.Client
	log zerolog.Logger
}

func NewQueueSink(rdb *redis.Client, log zerolog.Logger) *QueueSink {
	return &QueueSink{rdb: rdb, log: log.With().Str("component", "audit").Logger()}
}

func (s *QueueSink) Record(ctx context.Context, entry model.AuditEntry) {
	if err := s.push(ctx, entry); err != nil {
		s.log.Error().Err(err).
			Str("action", entry.Action).
			Str("session_id", entry.SessionID.String()).
			Msg("Failed to queue audit entry")
	}
}

func (s *QueueSink) push(ctx context.Context, entry model.AuditEntry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	// Detach from request cancellation so entries survive a client disconnect.
	return s.rdb.RPush(context.WithoutCancel(ctx), config.WorkerKey.PersistAuditQueue, payload).Err()
}

// LogSink writes entries to the structured log only.
type LogSink struct {
	log zerolog.Logger
}

func NewLogSink(log zerolog.Logger) *LogSink {
	return &LogSink{log: log.With().Str("component", "audit").Logger()}
}

func (s *LogSink) Record(_ context.Context, entry model.AuditEntry) {
	s.log.Info().
		Str("action", entry.Action).
		Str("session_id", entry.SessionID.String()).
		Int("student_id", entry.StudentID).
		Interface("details", entry.Details).
		Msg("audit")
}
