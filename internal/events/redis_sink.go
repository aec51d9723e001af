package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/stemsi/exstem-session-engine/internal/config"
)

// PubSubSink fans events out to the session channel (the student's live
// stream) and to the assessment monitor channel (proctors).
type PubSubSink struct {
	rdb *redis.Client
}

func NewPubSubSink(rdb *redis.Client) *PubSubSink {
	return &PubSubSink{rdb: rdb}
}

func (s *PubSubSink) Handle(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	pipe := s.rdb.Pipeline()
	pipe.Publish(ctx, config.CacheKey.SessionChannel(ev.SessionID.String()), payload)
	pipe.Publish(ctx, config.CacheKey.AssessmentMonitorChannel(ev.AssessmentID.String()), payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// SecurityQueueSink pushes violation events onto the security-event persistence queue.
type SecurityQueueSink struct {
	rdb *redis.Client
}

func NewSecurityQueueSink(rdb *redis.Client) *SecurityQueueSink {
	return &SecurityQueueSink{rdb: rdb}
}

func (s *SecurityQueueSink) Handle(ctx context.Context, ev Event) error {
	if ev.Type != SecurityViolation {
		return nil
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := s.rdb.RPush(ctx, config.WorkerKey.PersistSecurityEventsQueue, payload).Err(); err != nil {
		return fmt.Errorf("queue security event: %w", err)
	}
	return nil
}
