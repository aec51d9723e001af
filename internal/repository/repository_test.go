package repository

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stemsi/exstem-session-engine/internal/model"
	"github.com/stemsi/exstem-session-engine/internal/store"
)

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock
}

// versionsArg matches the version array of a snapshot upsert.
type versionsArg []int64

func (v versionsArg) Match(actual any) bool {
	got, ok := actual.([]int64)
	if !ok || len(got) != len(v) {
		return false
	}
	for i := range v {
		if got[i] != v[i] {
			return false
		}
	}
	return true
}

func TestAssessmentRepository_GetAssessment(t *testing.T) {
	mock := newMock(t)
	repo := NewAssessmentRepository(mock)
	id := uuid.New()

	rows := pgxmock.NewRows([]string{
		"id", "title", "description", "status", "available_from", "available_until",
		"time_limit_minutes", "max_attempts", "passing_score", "grading_mode", "settings", "anti_cheat_settings",
	}).AddRow(
		id, "Midterm", "", model.AssessmentStatusPublished, nil, nil,
		60, 2, 70.0, model.GradingModeAutomatic,
		[]byte(`{"randomize_questions":true,"max_security_violations":3}`),
		[]byte(`{"pool_randomization":true,"pool_size":10}`),
	)
	mock.ExpectQuery(regexp.QuoteMeta("FROM assessments WHERE id = $1")).WithArgs(id).WillReturnRows(rows)

	a, err := repo.GetAssessment(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "Midterm", a.Title)
	assert.True(t, a.Settings.RandomizeQuestions)
	assert.Equal(t, 3, a.Settings.MaxSecurityViolations)
	assert.True(t, a.Settings.ShowTimer, "defaults survive partial settings")
	assert.Equal(t, 10, a.AntiCheat.PoolSize)
	assert.InDelta(t, 0.5, a.AntiCheat.DifficultyDistribution.Medium, 1e-9)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAssessmentRepository_GetAssessmentNotFound(t *testing.T) {
	mock := newMock(t)
	repo := NewAssessmentRepository(mock)
	id := uuid.New()

	mock.ExpectQuery(regexp.QuoteMeta("FROM assessments WHERE id = $1")).WithArgs(id).WillReturnError(pgx.ErrNoRows)

	_, err := repo.GetAssessment(context.Background(), id)
	assert.ErrorIs(t, err, model.ErrAssessmentNotFound)
}

func TestAssessmentRepository_ListQuestions(t *testing.T) {
	mock := newMock(t)
	repo := NewAssessmentRepository(mock)
	aid, qid := uuid.New(), uuid.New()

	rows := pgxmock.NewRows([]string{
		"id", "assessment_id", "question_text", "question_type", "options", "correct_answers",
		"points", "difficulty", "order_index",
	}).AddRow(
		qid, aid, "Pick B", model.QuestionTypeMultipleChoice,
		[]byte(`[{"key":"A","text":"a"},{"key":"B","text":"b"}]`), []byte(`["B"]`),
		2.0, model.DifficultyEasy, 1,
	)
	mock.ExpectQuery(regexp.QuoteMeta("FROM questions")).WithArgs(aid).WillReturnRows(rows)

	qs, err := repo.ListQuestions(context.Background(), aid)
	require.NoError(t, err)
	require.Len(t, qs, 1)
	assert.Equal(t, []string{"B"}, qs[0].CorrectAnswers)
	assert.Len(t, qs[0].Options, 2)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAttemptRepository_CountAndFinalize(t *testing.T) {
	mock := newMock(t)
	repo := NewAttemptRepository(mock)
	ctx := context.Background()
	aid, attemptID := uuid.New(), uuid.New()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM attempts")).
		WithArgs(7, aid).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(2))
	n, err := repo.CountByStudent(ctx, 7, aid)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE attempts")).
		WithArgs(attemptID, model.AttemptStatusTimedOut, pgxmock.AnyArg(), 1800, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	err = repo.Finalize(ctx, attemptID, model.AttemptStatusTimedOut,
		map[string]model.AnswerRecord{"q": {Answer: model.AnswerValue{"A"}}}, 1800, time.Now())
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAttemptRepository_CreateMapsTakenNumber(t *testing.T) {
	mock := newMock(t)
	repo := NewAttemptRepository(mock)
	a := &model.Attempt{
		ID: uuid.New(), SessionID: uuid.New(), StudentID: 7, AssessmentID: uuid.New(),
		AttemptNumber: 2, Status: model.AttemptStatusInProgress,
		Paper:     []model.QuestionForStudent{{ID: uuid.New(), Position: 1}},
		StartedAt: time.Now(),
	}

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO attempts")).
		WithArgs(a.ID, a.SessionID, 7, a.AssessmentID, 2, model.AttemptStatusInProgress,
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "attempts_student_id_assessment_id_attempt_number_key"})

	err := repo.Create(context.Background(), a)
	assert.ErrorIs(t, err, model.ErrAttemptConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAttemptRepository_GetPaper(t *testing.T) {
	mock := newMock(t)
	repo := NewAttemptRepository(mock)
	ctx := context.Background()
	id, qid := uuid.New(), uuid.New()

	raw, err := json.Marshal([]model.QuestionForStudent{{ID: qid, Position: 1, Text: "Q1"}})
	require.NoError(t, err)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT paper FROM attempts WHERE id = $1")).
		WithArgs(id).
		WillReturnRows(pgxmock.NewRows([]string{"paper"}).AddRow(raw))
	paper, err := repo.GetPaper(ctx, id)
	require.NoError(t, err)
	require.Len(t, paper, 1)
	assert.Equal(t, qid, paper[0].ID)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT paper FROM attempts WHERE id = $1")).
		WithArgs(id).
		WillReturnRows(pgxmock.NewRows([]string{"paper"}).AddRow([]byte(nil)))
	paper, err = repo.GetPaper(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, paper)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT paper FROM attempts WHERE id = $1")).
		WithArgs(id).
		WillReturnError(pgx.ErrNoRows)
	paper, err = repo.GetPaper(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, paper)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAttemptRepository_FinalizeRetriesTransientErrors(t *testing.T) {
	mock := newMock(t)
	repo := NewAttemptRepository(mock)
	id := uuid.New()

	mock.ExpectExec(regexp.QuoteMeta("UPDATE attempts")).
		WithArgs(id, model.AttemptStatusSubmitted, pgxmock.AnyArg(), 60, pgxmock.AnyArg()).
		WillReturnError(errors.New("connection reset"))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE attempts")).
		WithArgs(id, model.AttemptStatusSubmitted, pgxmock.AnyArg(), 60, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, repo.Finalize(context.Background(), id, model.AttemptStatusSubmitted, nil, 60, time.Now()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAttemptRepository_SaveGradeGivesUp(t *testing.T) {
	mock := newMock(t)
	repo := NewAttemptRepository(mock)
	id := uuid.New()

	for i := 0; i <= writeRetries; i++ {
		mock.ExpectExec(regexp.QuoteMeta("UPDATE attempts")).
			WithArgs(id, 8.0, 10.0, 80.0, pgxmock.AnyArg()).
			WillReturnError(errors.New("connection reset"))
	}

	err := repo.SaveGrade(context.Background(), id, model.GradeResult{Score: 8, MaxScore: 10, Percentage: 80}, nil)
	assert.ErrorContains(t, err, "save grade")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAttemptRepository_ListStranded(t *testing.T) {
	mock := newMock(t)
	repo := NewAttemptRepository(mock)
	sess := &model.Session{ID: uuid.New(), Token: "t", AttemptID: uuid.New(), Status: model.SessionStatusCompleted}
	raw, err := json.Marshal(sess)
	require.NoError(t, err)

	mock.ExpectQuery(regexp.QuoteMeta("JOIN assessment_sessions s ON s.attempt_id = a.id")).
		WithArgs(50).
		WillReturnRows(pgxmock.NewRows([]string{"snapshot"}).AddRow(raw))

	got, err := repo.ListStranded(context.Background(), 50)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, sess.AttemptID, got[0].AttemptID)
	assert.Equal(t, model.SessionStatusCompleted, got[0].Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAttemptRepository_GetByIDNotFound(t *testing.T) {
	mock := newMock(t)
	repo := NewAttemptRepository(mock)
	id := uuid.New()

	mock.ExpectQuery(regexp.QuoteMeta("FROM attempts WHERE id = $1")).WithArgs(id).WillReturnError(pgx.ErrNoRows)
	_, err := repo.GetByID(context.Background(), id)
	assert.ErrorIs(t, err, ErrAttemptNotFound)
}

func TestSessionRepository_UpsertKeepsLatestVersion(t *testing.T) {
	mock := newMock(t)
	repo := NewSessionRepository(mock)
	id := uuid.New()

	v1 := &model.Session{ID: id, Token: "t", Status: model.SessionStatusActive, Version: 1}
	v3 := &model.Session{ID: id, Token: "t", Status: model.SessionStatusCompleted, Version: 3}
	v2 := &model.Session{ID: id, Token: "t", Status: model.SessionStatusActive, Version: 2}

	args := make([]any, 11)
	for i := range args {
		args[i] = pgxmock.AnyArg()
	}
	args[6] = versionsArg{3}
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO assessment_sessions")).
		WithArgs(args...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, repo.UpsertSnapshots(context.Background(), []*model.Session{v1, v3, v2}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionRepository_UpsertEmptyIsNoop(t *testing.T) {
	mock := newMock(t)
	require.NoError(t, NewSessionRepository(mock).UpsertSnapshots(context.Background(), nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionRepository_GetByToken(t *testing.T) {
	mock := newMock(t)
	repo := NewSessionRepository(mock)
	sess := model.Session{ID: uuid.New(), Token: "tok", Status: model.SessionStatusPaused, Version: 4}
	raw, err := json.Marshal(sess)
	require.NoError(t, err)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT snapshot FROM assessment_sessions")).
		WithArgs("tok").
		WillReturnRows(pgxmock.NewRows([]string{"snapshot"}).AddRow(raw))
	got, err := repo.GetByToken(context.Background(), "tok")
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)
	assert.EqualValues(t, 4, got.Version)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT snapshot FROM assessment_sessions")).
		WithArgs("gone").
		WillReturnError(pgx.ErrNoRows)
	_, err = repo.GetByToken(context.Background(), "gone")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSessionRepository_DeleteEndedBefore(t *testing.T) {
	mock := newMock(t)
	cutoff := time.Now().Add(-30 * 24 * time.Hour)
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM assessment_sessions")).
		WithArgs(cutoff).
		WillReturnResult(pgxmock.NewResult("DELETE", 3))

	n, err := NewSessionRepository(mock).DeleteEndedBefore(context.Background(), cutoff)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
}

func TestSecurityEventRepository_CopyEvents(t *testing.T) {
	mock := newMock(t)
	mock.ExpectCopyFrom(pgx.Identifier{"security_events"}, securityEventColumns).WillReturnResult(2)

	n, err := NewSecurityEventRepository(mock).CopyEvents(context.Background(), []SecurityEventRow{
		{SessionID: uuid.New(), EventType: "TAB_SWITCH", Severity: 2},
		{SessionID: uuid.New(), EventType: "COPY_PASTE", Severity: 3},
	})
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAuditRepository_CopyEntries(t *testing.T) {
	mock := newMock(t)
	mock.ExpectCopyFrom(pgx.Identifier{"audit_logs"}, auditColumns).WillReturnResult(1)

	n, err := NewAuditRepository(mock).CopyEntries(context.Background(), []model.AuditEntry{
		{Action: model.AuditSessionStart, SessionID: uuid.New(), OccurredAt: time.Now()},
	})
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}
