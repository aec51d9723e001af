package events

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stemsi/exstem-session-engine/internal/config"
)

func TestBus_DispatchesToEverySink(t *testing.T) {
	var mu sync.Mutex
	var got []Type
	sink := SinkFunc(func(_ context.Context, ev Event) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, ev.Type)
		return nil
	})

	bus := NewBus(8, zerolog.Nop(), sink, sink)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		bus.Run(ctx)
		close(done)
	}()

	bus.Publish(Event{Type: SessionStarted})
	bus.Publish(Event{Type: TimeWarning})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 4
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
	assert.Equal(t, []Type{SessionStarted, SessionStarted, TimeWarning, TimeWarning}, got)
}

func TestBus_PublishNeverBlocks(t *testing.T) {
	bus := NewBus(1, zerolog.Nop())
	bus.Publish(Event{Type: SessionStarted})
	bus.Publish(Event{Type: SessionStarted})
	bus.Publish(Event{Type: SessionStarted})
	assert.EqualValues(t, 2, bus.Dropped())
}

func TestBus_DrainsOnShutdown(t *testing.T) {
	var count int
	bus := NewBus(4, zerolog.Nop(), SinkFunc(func(context.Context, Event) error {
		count++
		return nil
	}))
	bus.Publish(Event{Type: SessionPaused})
	bus.Publish(Event{Type: SessionResumed})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	bus.Run(ctx)
	assert.Equal(t, 2, count)
}

func TestPubSubSink_PublishesToSessionChannel(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	ctx := context.Background()

	ev := Event{Type: SessionExpired, SessionID: uuid.New(), AssessmentID: uuid.New(), StudentID: 7}
	sub := rdb.Subscribe(ctx, config.CacheKey.SessionChannel(ev.SessionID.String()))
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, NewPubSubSink(rdb).Handle(ctx, ev))

	select {
	case msg := <-sub.Channel():
		var got Event
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
		assert.Equal(t, SessionExpired, got.Type)
		assert.Equal(t, 7, got.StudentID)
	case <-time.After(time.Second):
		t.Fatal("no message received")
	}
}

func TestSecurityQueueSink_OnlyQueuesViolations(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	ctx := context.Background()
	sink := NewSecurityQueueSink(rdb)

	require.NoError(t, sink.Handle(ctx, Event{Type: SessionStarted}))
	require.NoError(t, sink.Handle(ctx, Event{Type: SecurityViolation, Data: map[string]any{"event_type": "TAB_SWITCH"}}))

	n, err := rdb.LLen(ctx, config.WorkerKey.PersistSecurityEventsQueue).Result()
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}
