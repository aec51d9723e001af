package worker

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-session-engine/internal/config"
	"github.com/stemsi/exstem-session-engine/internal/model"
	"github.com/stemsi/exstem-session-engine/internal/service"
	"github.com/stemsi/exstem-session-engine/internal/store"
)

// SessionClock performs the time-driven transitions.
type SessionClock interface {
	ExpireSession(ctx context.Context, token string) (bool, error)
	WarnIfExpiring(ctx context.Context, token string, window time.Duration) (bool, error)
}

// SessionIndex lists sessions by deadline and retirement time.
type SessionIndex interface {
	ListDueBefore(ctx context.Context, t time.Time) ([]string, error)
	ListRetiredBefore(ctx context.Context, t time.Time) ([]string, error)
	Delete(ctx context.Context, token string) error
}

// SnapshotPruner removes old durable session rows.
type SnapshotPruner interface {
	DeleteEndedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// StrandedAttempts lists ended sessions whose attempt was never finalized.
type StrandedAttempts interface {
	ListStranded(ctx context.Context, limit int) ([]*model.Session, error)
}

// AttemptRepairer finalizes the attempt of an ended session.
type AttemptRepairer interface {
	RepairAttempt(ctx context.Context, sess *model.Session) error
}

// repairBatch caps the stranded attempts handled per sweep.
const repairBatch = 100

// SchedulerOption customises a Scheduler.
type SchedulerOption func(*Scheduler)

// WithAttemptRepair enables the stranded-attempt sweep, run after each expiry sweep.
func WithAttemptRepair(stranded StrandedAttempts, repairer AttemptRepairer) SchedulerOption {
	return func(s *Scheduler) {
		s.stranded = stranded
		s.repairer = repairer
	}
}

// Scheduler runs the periodic sweeps: time warnings, expiry, attempt repair and
// cleanup. Each sweep is idempotent, so overlapping runs on several instances
// are harmless.
type Scheduler struct {
	clock    SessionClock
	index    SessionIndex
	pruner   SnapshotPruner
	stranded StrandedAttempts
	repairer AttemptRepairer

	warnEvery    time.Duration
	expireEvery  time.Duration
	cleanupEvery time.Duration
	window       time.Duration
	liveTTL      time.Duration
	retention    time.Duration

	now func() time.Time
	log zerolog.Logger
}

// NewScheduler creates a new Scheduler. pruner may be nil.
func NewScheduler(clock SessionClock, index SessionIndex, pruner SnapshotPruner, cfg *config.Config, log zerolog.Logger, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		clock:        clock,
		index:        index,
		pruner:       pruner,
		warnEvery:    cfg.WarningSweepInterval,
		expireEvery:  cfg.ExpirySweepInterval,
		cleanupEvery: cfg.CleanupInterval,
		window:       cfg.WarningWindow,
		liveTTL:      cfg.RetiredCacheTTL,
		retention:    cfg.SessionRetention,
		now:          func() time.Time { return time.Now().UTC() },
		log:          log.With().Str("component", "scheduler").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start runs the sweeps until ctx is cancelled. Call in a goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	s.log.Info().
		Dur("warn_every", s.warnEvery).
		Dur("expire_every", s.expireEvery).
		Dur("cleanup_every", s.cleanupEvery).
		Msg("Scheduler started")

	warn := time.NewTicker(s.warnEvery)
	expire := time.NewTicker(s.expireEvery)
	cleanup := time.NewTicker(s.cleanupEvery)
	defer warn.Stop()
	defer expire.Stop()
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("Scheduler stopped")
			return
		case <-warn.C:
			s.SweepWarnings(ctx)
		case <-expire.C:
			s.SweepExpired(ctx)
			s.RepairAttempts(ctx)
		case <-cleanup.C:
			s.Cleanup(ctx)
		}
	}
}

// SweepWarnings emits a time warning for every active session ending within the window.
func (s *Scheduler) SweepWarnings(ctx context.Context) int {
	tokens, err := s.index.ListDueBefore(ctx, s.now().Add(s.window))
	if err != nil {
		s.log.Error().Err(err).Msg("List sessions for warnings failed")
		return 0
	}
	warned := 0
	for _, token := range tokens {
		ok, err := s.clock.WarnIfExpiring(ctx, token, s.window)
		if err != nil {
			if !isGone(err) {
				s.log.Error().Err(err).Str("token", tokenPrefix(token)).Msg("Time warning failed")
			}
			continue
		}
		if ok {
			warned++
		}
	}
	if warned > 0 {
		s.log.Debug().Int("count", warned).Msg("Time warnings sent")
	}
	return warned
}

// SweepExpired expires every live session whose clock has run out. One failing
// session never stops the batch.
func (s *Scheduler) SweepExpired(ctx context.Context) int {
	tokens, err := s.index.ListDueBefore(ctx, s.now())
	if err != nil {
		s.log.Error().Err(err).Msg("List due sessions failed")
		return 0
	}
	expired := 0
	for _, token := range tokens {
		ok, err := s.clock.ExpireSession(ctx, token)
		if err != nil {
			if isGone(err) {
				// Stale index entry.
				if derr := s.index.Delete(ctx, token); derr != nil {
					s.log.Warn().Err(derr).Str("token", tokenPrefix(token)).Msg("Failed to drop stale index entry")
				}
				continue
			}
			s.log.Error().Err(err).Str("token", tokenPrefix(token)).Msg("Expire session failed")
			continue
		}
		if ok {
			expired++
		}
	}
	if expired > 0 {
		s.log.Info().Int("count", expired).Msg("Expired sessions")
	}
	return expired
}

// RepairAttempts finalizes attempts left IN_PROGRESS behind an ended session.
func (s *Scheduler) RepairAttempts(ctx context.Context) int {
	if s.stranded == nil || s.repairer == nil {
		return 0
	}
	sessions, err := s.stranded.ListStranded(ctx, repairBatch)
	if err != nil {
		s.log.Error().Err(err).Msg("List stranded attempts failed")
		return 0
	}
	repaired := 0
	for _, sess := range sessions {
		if err := s.repairer.RepairAttempt(ctx, sess); err != nil {
			s.log.Error().Err(err).Str("attempt_id", sess.AttemptID.String()).Msg("Attempt repair failed")
			continue
		}
		repaired++
	}
	if repaired > 0 {
		s.log.Info().Int("count", repaired).Msg("Repaired stranded attempts")
	}
	return repaired
}

// Cleanup evicts retired sessions from the live store once the retired-cache
// TTL has passed, and prunes durable snapshots older than the retention period.
func (s *Scheduler) Cleanup(ctx context.Context) int {
	now := s.now()
	tokens, err := s.index.ListRetiredBefore(ctx, now.Add(-s.liveTTL))
	if err != nil {
		s.log.Error().Err(err).Msg("List retired sessions failed")
		return 0
	}
	removed := 0
	for _, token := range tokens {
		if err := s.index.Delete(ctx, token); err != nil {
			s.log.Error().Err(err).Str("token", tokenPrefix(token)).Msg("Delete session failed")
			continue
		}
		removed++
	}

	if s.pruner != nil {
		n, err := s.pruner.DeleteEndedBefore(ctx, now.Add(-s.retention))
		if err != nil {
			s.log.Error().Err(err).Msg("Prune session snapshots failed")
		} else if n > 0 {
			s.log.Info().Int64("count", n).Msg("Pruned session snapshots")
		}
	}

	if removed > 0 {
		s.log.Info().Int("count", removed).Msg("Cleaned up retired sessions")
	}
	return removed
}

func isGone(err error) bool {
	return errors.Is(err, service.ErrNotFound) || errors.Is(err, store.ErrNotFound)
}

func tokenPrefix(token string) string {
	if len(token) > 6 {
		return token[:6] + "…"
	}
	return token
}
