package events

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Bus is a buffered in-process queue drained by a single dispatcher goroutine.
// Publish never blocks: when the buffer is full the event is dropped and counted.
type Bus struct {
	ch      chan Event
	sinks   []Sink
	dropped atomic.Int64
	log     zerolog.Logger
}

// NewBus creates a Bus with the given buffer size.
func NewBus(buffer int, log zerolog.Logger, sinks ...Sink) *Bus {
	if buffer <= 0 {
		buffer = 1
	}
	return &Bus{
		ch:    make(chan Event, buffer),
		sinks: sinks,
		log:   log.With().Str("component", "event_bus").Logger(),
	}
}

func (b *Bus) Publish(ev Event) {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now()
	}
	select {
	case b.ch <- ev:
	default:
		n := b.dropped.Add(1)
		b.log.Warn().Str("type", string(ev.Type)).Int64("dropped_total", n).Msg("Event buffer full, dropping event")
	}
}

// Dropped returns how many events were discarded because the buffer was full.
func (b *Bus) Dropped() int64 { return b.dropped.Load() }

// Run dispatches events until ctx is cancelled, then drains what is buffered.
func (b *Bus) Run(ctx context.Context) {
	b.log.Info().Msg("Event bus started")
	for {
		select {
		case <-ctx.Done():
			b.drain()
			b.log.Info().Msg("Event bus stopped")
			return
		case ev := <-b.ch:
			b.dispatch(ctx, ev)
		}
	}
}

func (b *Bus) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case ev := <-b.ch:
			b.dispatch(ctx, ev)
		default:
			return
		}
	}
}

func (b *Bus) dispatch(ctx context.Context, ev Event) {
	for _, s := range b.sinks {
		if err := s.Handle(ctx, ev); err != nil {
			b.log.Error().Err(err).
				Str("type", string(ev.Type)).
				Str("session_id", ev.SessionID.String()).
				Msg("Event sink failed")
		}
	}
}
