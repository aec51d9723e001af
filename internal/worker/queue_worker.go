package worker

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	BatchSize    = 50
	BatchTimeout = 2 * time.Second
	PollTimeout  = 1 * time.Second // Must be >= 1s to satisfy Redis
)

// queued keeps the raw payload next to its decoded value so failed rows can be requeued as-is.
type queued[T any] struct {
	raw string
	val T
}

// QueueWorker drains one Redis list into PostgreSQL in batches.
// Bulk writes fall back to row-by-row writes; rows that still fail are requeued.
type QueueWorker[T any] struct {
	queue  string
	rdb    *redis.Client
	decode func([]byte) (T, error)
	bulk   func(ctx context.Context, batch []T) error
	single func(ctx context.Context, item T) error
	pause  time.Duration
	log    zerolog.Logger
}

func newQueueWorker[T any](
	component, queue string,
	rdb *redis.Client,
	decode func([]byte) (T, error),
	bulk func(context.Context, []T) error,
	single func(context.Context, T) error,
	log zerolog.Logger,
) *QueueWorker[T] {
	return &QueueWorker[T]{
		queue:  queue,
		rdb:    rdb,
		decode: decode,
		bulk:   bulk,
		single: single,
		pause:  2 * time.Second,
		log:    log.With().Str("component", component).Logger(),
	}
}

// Start runs the consume loop until ctx is cancelled. Call in a goroutine.
func (w *QueueWorker[T]) Start(ctx context.Context) {
	w.log.Info().Str("queue", w.queue).Msg("Worker started")

	buffer := make([]queued[T], 0, BatchSize)
	lastFlush := time.Now()

	for {
		if len(buffer) > 0 && (len(buffer) >= BatchSize || time.Since(lastFlush) >= BatchTimeout) {
			w.flushSafe(ctx, buffer)
			buffer = buffer[:0]
			lastFlush = time.Now()
		}

		select {
		case <-ctx.Done():
			w.shutdown(buffer)
			return
		default:
		}

		result, err := w.rdb.BLPop(ctx, PollTimeout, w.queue).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				continue
			}
			w.log.Error().Err(err).Msg("Redis connection error, sleeping 3s")
			sleepCtx(ctx, 3*time.Second)
			continue
		}
		if len(result) < 2 {
			continue
		}

		val, err := w.decode([]byte(result[1]))
		if err != nil {
			// Malformed payloads cannot succeed on retry.
			w.log.Error().Err(err).Str("data", result[1]).Msg("Discarding malformed payload")
			continue
		}
		buffer = append(buffer, queued[T]{raw: result[1], val: val})
	}
}

// flushSafe attempts the bulk write, then row-by-row, then requeues what is left.
func (w *QueueWorker[T]) flushSafe(ctx context.Context, batch []queued[T]) {
	if len(batch) == 0 {
		return
	}
	vals := make([]T, len(batch))
	for i, q := range batch {
		vals[i] = q.val
	}

	err := w.bulk(ctx, vals)
	if err == nil {
		w.log.Debug().Int("count", len(batch)).Msg("Batch persisted")
		return
	}
	w.log.Warn().Err(err).Int("count", len(batch)).Msg("Bulk write failed, attempting row-by-row recovery")

	var failed []string
	for _, q := range batch {
		if err := w.single(ctx, q.val); err != nil {
			w.log.Error().Err(err).Msg("Row write failed, requeueing")
			failed = append(failed, q.raw)
		}
	}
	if len(failed) > 0 {
		w.requeue(ctx, failed)
	}
}

func (w *QueueWorker[T]) requeue(ctx context.Context, raws []string) {
	pipe := w.rdb.Pipeline()
	for _, raw := range raws {
		pipe.RPush(ctx, w.queue, raw)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		w.log.Error().Err(err).Int("count", len(raws)).Msg("CRITICAL: Failed to requeue items to Redis. Data loss occurred.")
		return
	}
	w.log.Info().Int("count", len(raws)).Msg("Requeued failed items back to Redis")
	// Avoid thrashing while the database is down.
	sleepCtx(ctx, w.pause)
}

func (w *QueueWorker[T]) shutdown(buffer []queued[T]) {
	w.log.Info().Msg("Worker stopping, flushing remaining buffer...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	w.flushSafe(ctx, buffer)
	w.log.Info().Msg("Worker stopped")
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
