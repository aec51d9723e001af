package audit

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stemsi/exstem-session-engine/internal/config"
	"github.com/stemsi/exstem-session-engine/internal/model"
)

func TestQueueSink_Record(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	entry := model.AuditEntry{
		Action:     model.AuditSessionStart,
		SessionID:  uuid.New(),
		StudentID:  3,
		OccurredAt: time.Now().UTC(),
		Details:    map[string]any{"attempt_number": 1},
	}
	NewQueueSink(rdb, zerolog.Nop()).Record(context.Background(), entry)

	raw, err := rdb.LPop(context.Background(), config.WorkerKey.PersistAuditQueue).Result()
	require.NoError(t, err)

	var got model.AuditEntry
	require.NoError(t, json.Unmarshal([]byte(raw), &got))
	assert.Equal(t, entry.Action, got.Action)
	assert.Equal(t, entry.SessionID, got.SessionID)
	assert.EqualValues(t, 1, got.Details["attempt_number"])
}

func TestQueueSink_SurvivesCancelledContext(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	NewQueueSink(rdb, zerolog.Nop()).Record(ctx, model.AuditEntry{Action: model.AuditSessionExpire})

	n, err := rdb.LLen(context.Background(), config.WorkerKey.PersistAuditQueue).Result()
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}
