package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-session-engine/internal/config"
	"github.com/stemsi/exstem-session-engine/internal/model"
)

// liveGrace keeps a lapsed session in the cache long enough for the expiry sweep to find it.
const liveGrace = 24 * time.Hour

// RedisStore keeps live sessions as JSON documents in Redis. Every committed
// change is also pushed onto the session persistence queue so the snapshot
// worker can write it behind to PostgreSQL.
type RedisStore struct {
	rdb        *redis.Client
	durable    DurableReader
	maxRetries uint64
	retiredTTL time.Duration
	now        func() time.Time
	log        zerolog.Logger
}

// RedisStoreOption customises a RedisStore.
type RedisStoreOption func(*RedisStore)

// WithDurableReader enables the cache-miss fallback to the relational copy.
func WithDurableReader(r DurableReader) RedisStoreOption {
	return func(s *RedisStore) { s.durable = r }
}

// WithMaxRetries bounds the optimistic retry loop.
func WithMaxRetries(n uint64) RedisStoreOption {
	return func(s *RedisStore) { s.maxRetries = n }
}

// WithRetiredTTL sets how long terminal sessions stay cached.
func WithRetiredTTL(d time.Duration) RedisStoreOption {
	return func(s *RedisStore) { s.retiredTTL = d }
}

// NewRedisStore creates a new RedisStore.
func NewRedisStore(rdb *redis.Client, log zerolog.Logger, opts ...RedisStoreOption) *RedisStore {
	s := &RedisStore{
		rdb:        rdb,
		maxRetries: 5,
		retiredTTL: 24 * time.Hour,
		now:        time.Now,
		log:        log.With().Str("component", "session_store").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) ttl(sess *model.Session) time.Duration {
	if sess.Status.IsTerminal() {
		return s.retiredTTL
	}
	left := sess.ExpiresAt.Sub(s.now())
	if left < 0 {
		left = 0
	}
	return left + liveGrace
}

// stage queues every write that belongs to one committed version of a session.
// activePtr is the current value of the student's active-session pointer.
func (s *RedisStore) stage(ctx context.Context, pipe redis.Pipeliner, sess *model.Session, payload []byte, activePtr string) {
	ttl := s.ttl(sess)
	activeKey := config.CacheKey.ActiveSessionKey(sess.StudentID, sess.AssessmentID.String())

	pipe.Set(ctx, config.CacheKey.SessionKey(sess.Token), payload, ttl)
	pipe.Expire(ctx, config.CacheKey.SessionPaperKey(sess.Token), ttl)

	if sess.Status.IsTerminal() {
		pipe.ZRem(ctx, config.CacheKey.SessionDeadlineIndex(), sess.Token)
		ended := s.now()
		if sess.EndedAt != nil {
			ended = *sess.EndedAt
		}
		pipe.ZAdd(ctx, config.CacheKey.SessionRetiredIndex(), redis.Z{Score: float64(ended.Unix()), Member: sess.Token})
		if activePtr == sess.Token {
			pipe.Del(ctx, activeKey)
		}
	} else {
		pipe.ZAdd(ctx, config.CacheKey.SessionDeadlineIndex(), redis.Z{Score: float64(sess.ExpiresAt.Unix()), Member: sess.Token})
		if activePtr == "" || activePtr == sess.Token {
			pipe.Set(ctx, activeKey, sess.Token, ttl)
		}
	}

	pipe.RPush(ctx, config.WorkerKey.PersistSessionsQueue, payload)
}

// Create stores a brand-new session. The student's active pointer is watched
// so two starts racing for the same slot cannot both win.
func (s *RedisStore) Create(ctx context.Context, sess *model.Session) error {
	payload, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	activeKey := config.CacheKey.ActiveSessionKey(sess.StudentID, sess.AssessmentID.String())

	err = s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		holder, err := tx.Get(ctx, activeKey).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if holder != "" && holder != sess.Token {
			live, err := s.isLive(ctx, holder)
			if err != nil {
				return err
			}
			if live {
				return ErrLiveSessionExists
			}
			holder = ""
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			s.stage(ctx, pipe, sess, payload, holder)
			return nil
		})
		return err
	}, activeKey)

	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrLiveSessionExists), errors.Is(err, redis.TxFailedErr):
		return ErrLiveSessionExists
	default:
		return fmt.Errorf("create session: %w", err)
	}
}

// isLive reports whether token still names a non-terminal session.
func (s *RedisStore) isLive(ctx context.Context, token string) (bool, error) {
	sess, err := s.Get(ctx, token)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return !sess.Status.IsTerminal(), nil
}

// Get returns the cached session, falling back to the durable copy on a miss.
func (s *RedisStore) Get(ctx context.Context, token string) (*model.Session, error) {
	raw, err := s.rdb.Get(ctx, config.CacheKey.SessionKey(token)).Bytes()
	if err == nil {
		var sess model.Session
		if err := json.Unmarshal(raw, &sess); err != nil {
			return nil, fmt.Errorf("unmarshal session: %w", err)
		}
		return &sess, nil
	}
	if !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return s.hydrate(ctx, token)
}

// hydrate reloads a session evicted from the cache and writes it back.
func (s *RedisStore) hydrate(ctx context.Context, token string) (*model.Session, error) {
	if s.durable == nil {
		return nil, ErrNotFound
	}
	sess, err := s.durable.GetByToken(ctx, token)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load durable session: %w", err)
	}

	payload, err := json.Marshal(sess)
	if err != nil {
		return nil, fmt.Errorf("marshal session: %w", err)
	}
	ok, err := s.rdb.SetNX(ctx, config.CacheKey.SessionKey(token), payload, s.ttl(sess)).Result()
	if err != nil {
		s.log.Warn().Err(err).Str("session_id", sess.ID.String()).Msg("Failed to re-cache session")
		return sess, nil
	}
	if ok && !sess.Status.IsTerminal() {
		pipe := s.rdb.Pipeline()
		pipe.ZAdd(ctx, config.CacheKey.SessionDeadlineIndex(), redis.Z{Score: float64(sess.ExpiresAt.Unix()), Member: token})
		pipe.SetNX(ctx, config.CacheKey.ActiveSessionKey(sess.StudentID, sess.AssessmentID.String()), token, s.ttl(sess))
		if _, err := pipe.Exec(ctx); err != nil {
			s.log.Warn().Err(err).Str("session_id", sess.ID.String()).Msg("Failed to restore session indexes")
		}
	}
	s.log.Debug().Str("session_id", sess.ID.String()).Msg("Session restored from durable store")
	return sess, nil
}

func (s *RedisStore) retryPolicy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond
	b.MaxElapsedTime = 5 * time.Second
	return backoff.WithContext(backoff.WithMaxRetries(b, s.maxRetries), ctx)
}

// Update applies fn under a WATCH on the session key. A concurrent writer
// aborts the transaction and the whole read-modify-write is retried.
func (s *RedisStore) Update(ctx context.Context, token string, fn UpdateFunc) (*model.Session, error) {
	key := config.CacheKey.SessionKey(token)
	hydrated := false

	op := func() (*model.Session, error) {
		var result *model.Session
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			raw, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				return err
			}
			var cur model.Session
			if err := json.Unmarshal(raw, &cur); err != nil {
				return backoff.Permanent(fmt.Errorf("unmarshal session: %w", err))
			}
			var work model.Session
			if err := json.Unmarshal(raw, &work); err != nil {
				return backoff.Permanent(fmt.Errorf("unmarshal session: %w", err))
			}

			if err := fn(&work); err != nil {
				if errors.Is(err, ErrUnchanged) {
					result = &cur
					return nil
				}
				return backoff.Permanent(err)
			}
			work.Version = cur.Version + 1

			payload, err := json.Marshal(&work)
			if err != nil {
				return backoff.Permanent(fmt.Errorf("marshal session: %w", err))
			}
			activeKey := config.CacheKey.ActiveSessionKey(work.StudentID, work.AssessmentID.String())
			if err := tx.Watch(ctx, activeKey).Err(); err != nil {
				return err
			}
			activePtr, err := tx.Get(ctx, activeKey).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				s.stage(ctx, pipe, &work, payload, activePtr)
				return nil
			})
			if err != nil {
				return err
			}
			result = &work
			return nil
		}, key)

		switch {
		case err == nil:
			return result, nil
		case errors.Is(err, redis.Nil):
			if hydrated {
				return nil, backoff.Permanent(ErrNotFound)
			}
			hydrated = true
			if _, herr := s.hydrate(ctx, token); herr != nil {
				return nil, backoff.Permanent(herr)
			}
			return nil, err
		case errors.Is(err, redis.TxFailedErr):
			return nil, err
		case ctx.Err() != nil:
			return nil, backoff.Permanent(ctx.Err())
		default:
			return nil, err
		}
	}

	sess, err := backoff.RetryWithData[*model.Session](op, s.retryPolicy(ctx))
	if err != nil {
		if errors.Is(err, redis.TxFailedErr) {
			s.log.Warn().Str("token_prefix", tokenPrefix(token)).Msg("Optimistic update gave up after retries")
			return nil, ErrConflict
		}
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return sess, nil
}

// FindLive follows the student's active-session pointer.
func (s *RedisStore) FindLive(ctx context.Context, studentID int, assessmentID uuid.UUID) (*model.Session, error) {
	token, err := s.rdb.Get(ctx, config.CacheKey.ActiveSessionKey(studentID, assessmentID.String())).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get active session pointer: %w", err)
	}
	sess, err := s.Get(ctx, token)
	if err != nil {
		return nil, err
	}
	if sess.Status.IsTerminal() {
		return nil, ErrNotFound
	}
	return sess, nil
}

// ListDueBefore reads the deadline index.
func (s *RedisStore) ListDueBefore(ctx context.Context, t time.Time) ([]string, error) {
	tokens, err := s.rdb.ZRangeByScore(ctx, config.CacheKey.SessionDeadlineIndex(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(t.Unix(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("list due sessions: %w", err)
	}
	return tokens, nil
}

// ListRetiredBefore reads the retired index.
func (s *RedisStore) ListRetiredBefore(ctx context.Context, t time.Time) ([]string, error) {
	tokens, err := s.rdb.ZRangeByScore(ctx, config.CacheKey.SessionRetiredIndex(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(t.Unix(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("list retired sessions: %w", err)
	}
	return tokens, nil
}

// Delete removes a session and its index entries. Missing sessions are not an error.
func (s *RedisStore) Delete(ctx context.Context, token string) error {
	var activeKey string
	raw, err := s.rdb.Get(ctx, config.CacheKey.SessionKey(token)).Bytes()
	if err == nil {
		var sess model.Session
		if json.Unmarshal(raw, &sess) == nil {
			activeKey = config.CacheKey.ActiveSessionKey(sess.StudentID, sess.AssessmentID.String())
		}
	} else if !errors.Is(err, redis.Nil) {
		return fmt.Errorf("get session: %w", err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, config.CacheKey.SessionKey(token), config.CacheKey.SessionPaperKey(token))
	pipe.ZRem(ctx, config.CacheKey.SessionDeadlineIndex(), token)
	pipe.ZRem(ctx, config.CacheKey.SessionRetiredIndex(), token)
	if activeKey != "" {
		if ptr, _ := s.rdb.Get(ctx, activeKey).Result(); ptr == token {
			pipe.Del(ctx, activeKey)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// SavePaper caches the rendered question list next to the session.
func (s *RedisStore) SavePaper(ctx context.Context, token string, paper []model.QuestionForStudent) error {
	payload, err := json.Marshal(paper)
	if err != nil {
		return fmt.Errorf("marshal paper: %w", err)
	}
	ttl, err := s.rdb.TTL(ctx, config.CacheKey.SessionKey(token)).Result()
	if err != nil || ttl <= 0 {
		ttl = liveGrace
	}
	if err := s.rdb.Set(ctx, config.CacheKey.SessionPaperKey(token), payload, ttl).Err(); err != nil {
		return fmt.Errorf("cache paper: %w", err)
	}
	return nil
}

// GetPaper returns ErrNotFound when the paper must be rebuilt.
func (s *RedisStore) GetPaper(ctx context.Context, token string) ([]model.QuestionForStudent, error) {
	raw, err := s.rdb.Get(ctx, config.CacheKey.SessionPaperKey(token)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get paper: %w", err)
	}
	var paper []model.QuestionForStudent
	if err := json.Unmarshal(raw, &paper); err != nil {
		return nil, fmt.Errorf("unmarshal paper: %w", err)
	}
	return paper, nil
}

// tokenPrefix keeps capability tokens out of logs.
func tokenPrefix(token string) string {
	if len(token) > 6 {
		return token[:6]
	}
	return token
}
