package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-session-engine/internal/model"
	"github.com/stemsi/exstem-session-engine/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// coldPaperStore loses every cached paper, as after a Redis eviction.
type coldPaperStore struct {
	*store.MemoryStore
}

func (coldPaperStore) GetPaper(context.Context, string) ([]model.QuestionForStudent, error) {
	return nil, store.ErrNotFound
}

func viewQuestionIDs(v *SessionView) []uuid.UUID {
	ids := make([]uuid.UUID, len(v.Questions))
	for i, q := range v.Questions {
		ids[i] = q.ID
	}
	return ids
}

func pooledHarness(t *testing.T) *harness {
	h := newHarness(t, func(a *model.Assessment) {
		a.AntiCheat.PoolRandomization = true
		a.AntiCheat.PoolSize = 4
	})
	h.source.questions = testQuestions(6)
	h.svc.sessions = coldPaperStore{MemoryStore: h.store}
	return h
}

// ─── Paper restore ─────────────────────────────────────────────────────

func TestGetView_RestoresFrozenPaperAfterAuthorEdits(t *testing.T) {
	h := pooledHarness(t)
	view := h.start(t)
	require.Len(t, view.Questions, 4)

	h.source.assessment.AntiCheat.PoolSize = 2
	h.source.questions = testQuestions(6)[:3]

	got, err := h.svc.GetView(context.Background(), view.Token, studentCaller)
	require.NoError(t, err)
	assert.Equal(t, viewQuestionIDs(view), viewQuestionIDs(got))
}

func TestGetView_RebuildUsesSessionAntiCheatSettings(t *testing.T) {
	h := pooledHarness(t)
	h.attempts.dropPapers = true
	view := h.start(t)
	require.Len(t, view.Questions, 4)

	h.source.assessment.AntiCheat.PoolSize = 2
	h.source.assessment.AntiCheat.DecoyQuestions = true
	h.source.assessment.AntiCheat.DecoyCount = 3

	got, err := h.svc.GetView(context.Background(), view.Token, studentCaller)
	require.NoError(t, err)
	assert.Equal(t, viewQuestionIDs(view), viewQuestionIDs(got))

	sess, err := h.store.Get(context.Background(), view.Token)
	require.NoError(t, err)
	assert.Equal(t, 4, sess.Config.AntiCheat.PoolSize)
}

// ─── Concurrent starts ─────────────────────────────────────────────────

func startConcurrently(h *harness, n int) []error {
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.svc.Start(context.Background(), testAssessmentID, studentCaller, model.ClientContext{})
		}(i)
	}
	wg.Wait()
	return errs
}

func TestStart_ConcurrentStartsLeaveOneLiveSession(t *testing.T) {
	h := newHarness(t, nil)
	h.attempts.latency = 20 * time.Millisecond

	for _, err := range startConcurrently(h, 4) {
		require.NoError(t, err)
	}

	live, err := h.store.ListDueBefore(context.Background(), h.clock.Add(365*24*time.Hour))
	require.NoError(t, err)
	assert.Len(t, live, 1)

	numbers := map[int]bool{}
	for _, a := range h.attempts.created {
		numbers[a.AttemptNumber] = true
	}
	assert.Len(t, numbers, 4, "attempt numbers must be unique")
	assert.Len(t, h.attempts.finalized, 3)
}

func TestStart_ConcurrentStartsHonourAttemptLimit(t *testing.T) {
	h := newHarness(t, func(a *model.Assessment) { a.MaxAttempts = 1 })
	h.attempts.latency = 20 * time.Millisecond

	ok, exhausted := 0, 0
	for _, err := range startConcurrently(h, 4) {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrAttemptsExhausted):
			exhausted++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 3, exhausted)
	assert.Len(t, h.attempts.created, 1)
}

// ─── Attempt repair ────────────────────────────────────────────────────

func TestSubmitAssessment_FinalizeFailureStillCompletes(t *testing.T) {
	h := newHarness(t, nil)
	view := h.start(t)
	ctx := context.Background()
	h.answerAll(t, view, "A")
	h.attempts.finalizeErr = errors.New("db down")

	res, err := h.svc.SubmitAssessment(ctx, view.Token, studentCaller)
	require.NoError(t, err)
	assert.Equal(t, model.SessionStatusCompleted, res.Status)
	assert.Equal(t, GradingStatusPending, res.GradingStatus)
	assert.Zero(t, h.grader.calls)

	sess, err := h.store.Get(ctx, view.Token)
	require.NoError(t, err)
	assert.Equal(t, model.SessionStatusCompleted, sess.Status)

	h.attempts.finalizeErr = nil
	require.NoError(t, h.svc.RepairAttempt(ctx, sess))

	require.Len(t, h.attempts.finalized, 1)
	assert.Equal(t, model.AttemptStatusSubmitted, h.attempts.finalized[0].Status)
	assert.Len(t, h.attempts.finalized[0].Answers, 5)
	assert.Equal(t, 1, h.grader.calls)
	assert.Contains(t, h.attempts.grades, view.AttemptID)
}

func TestRepairAttempt(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	t.Run("still failing", func(t *testing.T) {
		h.attempts.finalizeErr = errors.New("db down")
		defer func() { h.attempts.finalizeErr = nil }()
		err := h.svc.RepairAttempt(ctx, &model.Session{AttemptID: uuid.New(), Status: model.SessionStatusExpired})
		assert.Error(t, err)
	})

	t.Run("expired maps to timed out without grading", func(t *testing.T) {
		id := uuid.New()
		require.NoError(t, h.svc.RepairAttempt(ctx, &model.Session{AttemptID: id, Status: model.SessionStatusExpired}))
		require.NotEmpty(t, h.attempts.finalized)
		last := h.attempts.finalized[len(h.attempts.finalized)-1]
		assert.Equal(t, id, last.ID)
		assert.Equal(t, model.AttemptStatusTimedOut, last.Status)
		assert.Zero(t, h.grader.calls)
	})

	t.Run("live session is left alone", func(t *testing.T) {
		before := len(h.attempts.finalized)
		require.NoError(t, h.svc.RepairAttempt(ctx, &model.Session{AttemptID: uuid.New(), Status: model.SessionStatusActive}))
		assert.Len(t, h.attempts.finalized, before)
	})
}
