package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-session-engine/internal/config"
	"github.com/stemsi/exstem-session-engine/internal/events"
	"github.com/stemsi/exstem-session-engine/internal/model"
	"github.com/stemsi/exstem-session-engine/internal/randomizer"
	"github.com/stemsi/exstem-session-engine/internal/store"
	"github.com/stemsi/exstem-session-engine/internal/validator"
)

// startRetries bounds how often Start retries after losing a race with a
// concurrent start for the same student and assessment.
const startRetries = 5

// errLapsed is returned from update functions when the clock ran out; the
// caller expires the session and reports ErrExpired.
var errLapsed = errors.New("session clock lapsed")

// Grading statuses reported by SubmitAssessment.
const (
	GradingStatusGraded  = "graded"
	GradingStatusPending = "pending_manual_review"
)

// Caller identifies who is acting on a session.
type Caller struct {
	StudentID int
	IP        string
	Proctor   bool
}

// SessionService owns the session state machine:
// PREPARING → ACTIVE ⇄ PAUSED → COMPLETED | EXPIRED | TERMINATED.
type SessionService struct {
	sessions    store.SessionStore
	assessments AssessmentSource
	attempts    AttemptStore
	grader      Grader
	audit       AuditSink
	bus         events.Publisher

	untimedCeiling       time.Duration
	defaultMaxViolations int

	now      func() time.Time
	newToken func() string
	log      zerolog.Logger
}

// NewSessionService creates a new SessionService.
func NewSessionService(
	sessions store.SessionStore,
	assessments AssessmentSource,
	attempts AttemptStore,
	grader Grader,
	audit AuditSink,
	bus events.Publisher,
	cfg *config.Config,
	log zerolog.Logger,
) *SessionService {
	return &SessionService{
		sessions:             sessions,
		assessments:          assessments,
		attempts:             attempts,
		grader:               grader,
		audit:                audit,
		bus:                  bus,
		untimedCeiling:       cfg.UntimedSessionCeiling,
		defaultMaxViolations: cfg.DefaultMaxViolations,
		now:                  func() time.Time { return time.Now().UTC() },
		newToken:             rand.Text,
		log:                  log.With().Str("component", "session_service").Logger(),
	}
}

// ─── Views ─────────────────────────────────────────────────────────────

// AssessmentSummary is the assessment header shown to the student.
type AssessmentSummary struct {
	ID             uuid.UUID         `json:"id"`
	Title          string            `json:"title"`
	TotalQuestions int               `json:"total_questions"`
	PassingScore   float64           `json:"passing_score"`
	GradingMode    model.GradingMode `json:"grading_mode"`
}

// QuestionView is a student-facing question hydrated with the saved answer.
type QuestionView struct {
	model.QuestionForStudent
	Answer  model.AnswerValue `json:"answer,omitempty"`
	IsFinal bool              `json:"is_final,omitempty"`
}

// TimerView describes the exam clock.
type TimerView struct {
	StartedAt        time.Time `json:"started_at"`
	ExpiresAt        time.Time `json:"expires_at"`
	RemainingSeconds int       `json:"remaining_seconds"`
	TimeLimitMinutes int       `json:"time_limit_minutes"`
	ShowTimer        bool      `json:"show_timer"`
}

// SecurityPolicy is what the client must enforce locally.
type SecurityPolicy struct {
	RequireFullscreen     bool `json:"require_fullscreen"`
	DisableCopyPaste      bool `json:"disable_copy_paste"`
	AllowNavigation       bool `json:"allow_navigation"`
	AllowPause            bool `json:"allow_pause"`
	MaxTabSwitches        int  `json:"max_tab_switches"`
	MaxSecurityViolations int  `json:"max_security_violations"`
	ViolationCount        int  `json:"violation_count"`
}

// SessionView is returned by Start and GetView.
type SessionView struct {
	SessionID  uuid.UUID           `json:"session_id"`
	Token      string              `json:"token"`
	AttemptID  uuid.UUID           `json:"attempt_id"`
	Status     model.SessionStatus `json:"status"`
	Assessment AssessmentSummary   `json:"assessment"`
	Questions  []QuestionView      `json:"questions"`
	Progress   ProgressView        `json:"progress"`
	Timer      TimerView           `json:"timer"`
	Security   SecurityPolicy      `json:"security"`
}

// ProgressView is the progress block shared by several responses.
type ProgressView struct {
	CurrentQuestionIndex int     `json:"current_question_index"`
	QuestionsAnswered    int     `json:"questions_answered"`
	TotalQuestions       int     `json:"total_questions"`
	ProgressPercentage   float64 `json:"progress_percentage"`
}

// StatusView is returned by GetStatus.
type StatusView struct {
	SessionID        uuid.UUID           `json:"session_id"`
	Status           model.SessionStatus `json:"status"`
	EndReason        string              `json:"end_reason,omitempty"`
	ExpiresAt        time.Time           `json:"expires_at"`
	EndedAt          *time.Time          `json:"ended_at,omitempty"`
	RemainingSeconds int                 `json:"remaining_seconds"`
	Progress         ProgressView        `json:"progress"`
	ViolationCount   int                 `json:"violation_count"`
	IsFlagged        bool                `json:"is_flagged"`
	LastHeartbeatAt  time.Time           `json:"last_heartbeat_at"`
}

// AnswerInput is one answer submission.
type AnswerInput struct {
	QuestionID       uuid.UUID
	Answer           model.AnswerValue
	TimeSpentSeconds int
	IsFinal          bool
}

// AnswerResult acknowledges a saved answer.
type AnswerResult struct {
	QuestionID       uuid.UUID    `json:"question_id"`
	SavedAt          time.Time    `json:"saved_at"`
	IsFinal          bool         `json:"is_final"`
	Progress         ProgressView `json:"progress"`
	RemainingSeconds int          `json:"remaining_seconds"`
}

// SubmissionResult is returned by SubmitAssessment.
type SubmissionResult struct {
	SessionID        uuid.UUID           `json:"session_id"`
	AttemptID        uuid.UUID           `json:"attempt_id"`
	Status           model.SessionStatus `json:"status"`
	SubmittedAt      time.Time           `json:"submitted_at"`
	TimeTakenSeconds int                 `json:"time_taken_seconds"`
	GradingStatus    string              `json:"grading_status"`
	Score            *float64            `json:"score,omitempty"`
	MaxScore         *float64            `json:"max_score,omitempty"`
	Percentage       *float64            `json:"percentage,omitempty"`
	Passed           *bool               `json:"passed,omitempty"`
}

// HeartbeatResult tells the client how much time is left.
type HeartbeatResult struct {
	Status           model.SessionStatus `json:"status"`
	ServerTime       time.Time           `json:"server_time"`
	RemainingSeconds int                 `json:"remaining_seconds"`
}

// ─── Start ─────────────────────────────────────────────────────────────

// Start creates a live session for the caller. Any live session the student
// still holds for the same assessment is terminated first.
func (s *SessionService) Start(ctx context.Context, assessmentID uuid.UUID, caller Caller, client model.ClientContext) (*SessionView, error) {
	a, err := s.assessments.GetAssessment(ctx, assessmentID)
	if err != nil {
		if errors.Is(err, model.ErrAssessmentNotFound) {
			return nil, &SessionError{Kind: ErrNotFound, Detail: "assessment not found"}
		}
		return nil, fmt.Errorf("get assessment: %w", err)
	}

	now := s.now()
	if !a.IsAvailableAt(now) {
		return nil, &SessionError{Kind: ErrNotAvailable}
	}
	if err := validator.Struct(a.Settings); err != nil {
		return nil, &SessionError{Kind: ErrNotAvailable, Detail: "invalid assessment settings"}
	}
	if err := validator.Struct(a.AntiCheat); err != nil {
		return nil, &SessionError{Kind: ErrNotAvailable, Detail: "invalid anti-cheat settings"}
	}
	if !ipAllowed(a.Settings.AllowedIPs, caller.IP) {
		return nil, &SessionError{Kind: ErrAccessDenied, Detail: "address not allowed"}
	}

	questions, err := s.assessments.ListQuestions(ctx, a.ID)
	if err != nil {
		return nil, fmt.Errorf("list questions: %w", err)
	}
	if len(questions) == 0 {
		return nil, &SessionError{Kind: ErrNotAvailable, Detail: "assessment has no questions"}
	}

	variant := randomizer.Build(a, questions, caller.StudentID)
	key := variant.GradingKey()
	paper := variant.Paper()

	expiresAt := now.Add(s.untimedCeiling)
	if variant.TimeLimitMinutes > 0 {
		expiresAt = now.Add(time.Duration(variant.TimeLimitMinutes) * time.Minute)
	}

	sess := &model.Session{
		ID:              uuid.New(),
		Token:           s.newToken(),
		StudentID:       caller.StudentID,
		AssessmentID:    a.ID,
		AttemptID:       uuid.New(),
		Status:          model.SessionStatusPreparing,
		StartedAt:       now,
		ExpiresAt:       expiresAt,
		LastActivityAt:  now,
		LastHeartbeatAt: now,
		Progress: model.SessionProgress{
			QuestionOrder: variant.QuestionOrder(),
			Answers:       map[string]model.AnswerRecord{},
		},
		Client:     client,
		Config:     s.snapshotConfig(a, variant.TimeLimitMinutes),
		AntiCheat:  variant.Metadata,
		GradingKey: key,
	}
	sess.Client.IPAddress = caller.IP
	sess.RecomputeProgress()

	attempt, err := s.reserveAttempt(ctx, a, sess, &key, paper)
	if err != nil {
		return nil, err
	}

	sess.Status = model.SessionStatusActive
	if err := s.claimSlot(ctx, sess); err != nil {
		s.finalizeAttempt(ctx, sess, model.AttemptStatusTerminated)
		return nil, err
	}

	if err := s.sessions.SavePaper(ctx, sess.Token, paper); err != nil {
		s.log.Warn().Err(err).Str("session_id", sess.ID.String()).Msg("Failed to cache question paper")
	}

	s.emit(events.SessionStarted, sess, map[string]any{
		"attempt_number":     attempt.AttemptNumber,
		"time_limit_minutes": variant.TimeLimitMinutes,
		"expires_at":         expiresAt,
	})
	s.record(ctx, model.AuditSessionStart, sess, caller.IP, map[string]any{
		"attempt_id":     attempt.ID,
		"attempt_number": attempt.AttemptNumber,
		"questions":      len(sess.Progress.QuestionOrder),
		"decoys":         len(variant.Metadata.DecoyQuestionIDs),
	})

	s.log.Info().
		Str("session_id", sess.ID.String()).
		Int("student_id", sess.StudentID).
		Str("assessment_id", a.ID.String()).
		Time("expires_at", expiresAt).
		Msg("Session started")

	return buildView(sess, paper, now), nil
}

func (s *SessionService) snapshotConfig(a *model.Assessment, timeLimit int) model.SessionConfig {
	st := a.Settings
	maxViolations := st.MaxSecurityViolations
	if maxViolations <= 0 {
		maxViolations = s.defaultMaxViolations
	}
	return model.SessionConfig{
		Title:                 a.Title,
		SettingsVersion:       st.Version,
		RandomizeQuestions:    st.RandomizeQuestions,
		RandomizeOptions:      st.RandomizeOptions,
		ShowTimer:             st.ShowTimer,
		AllowNavigation:       st.AllowNavigation,
		AllowPause:            st.AllowPause,
		RequireAllAnswers:     st.RequireAllAnswers,
		RequireFullscreen:     st.RequireFullscreen,
		DisableCopyPaste:      st.DisableCopyPaste,
		MaxTabSwitches:        st.MaxTabSwitches,
		MaxSecurityViolations: maxViolations,
		AllowedIPs:            append([]string(nil), st.AllowedIPs...),
		GradingMode:           a.GradingMode,
		PassingScore:          a.PassingScore,
		TimeLimitMinutes:      timeLimit,
		NominalTimeLimit:      a.TimeLimitMinutes,
		AntiCheat:             a.AntiCheat,
	}
}

// reserveAttempt records the next attempt number for the student. Losing the
// number to a concurrent start recounts, so the attempt limit holds under races.
func (s *SessionService) reserveAttempt(ctx context.Context, a *model.Assessment, sess *model.Session, key *model.GradingKey, paper []model.QuestionForStudent) (*model.Attempt, error) {
	for try := 0; ; try++ {
		used, err := s.attempts.CountByStudent(ctx, sess.StudentID, a.ID)
		if err != nil {
			return nil, fmt.Errorf("count attempts: %w", err)
		}
		if a.MaxAttempts > 0 && used >= a.MaxAttempts {
			return nil, &SessionError{Kind: ErrAttemptsExhausted}
		}

		attempt := &model.Attempt{
			ID:            sess.AttemptID,
			SessionID:     sess.ID,
			StudentID:     sess.StudentID,
			AssessmentID:  a.ID,
			AttemptNumber: used + 1,
			Status:        model.AttemptStatusInProgress,
			GradingKey:    key,
			Paper:         paper,
			StartedAt:     sess.StartedAt,
		}
		err = s.attempts.Create(ctx, attempt)
		if err == nil {
			return attempt, nil
		}
		if !errors.Is(err, model.ErrAttemptConflict) || try+1 >= startRetries {
			return nil, fmt.Errorf("reserve attempt: %w", err)
		}
	}
}

// claimSlot supersedes whatever live session the student holds and stores
// sess in its place. A concurrent start that claimed the slot in between is
// superseded in turn, so exactly one session ends up live.
func (s *SessionService) claimSlot(ctx context.Context, sess *model.Session) error {
	for try := 0; ; try++ {
		if err := s.supersede(ctx, sess.StudentID, sess.AssessmentID); err != nil {
			return err
		}
		err := s.sessions.Create(ctx, sess)
		if err == nil {
			return nil
		}
		if !errors.Is(err, store.ErrLiveSessionExists) {
			return fmt.Errorf("store session: %w", err)
		}
		if try+1 >= startRetries {
			return fmt.Errorf("store session: %w", store.ErrConflict)
		}
	}
}

// supersede terminates the student's live session for the assessment, if any.
func (s *SessionService) supersede(ctx context.Context, studentID int, assessmentID uuid.UUID) error {
	prev, err := s.sessions.FindLive(ctx, studentID, assessmentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("find live session: %w", err)
	}

	var retired bool
	sess, err := s.sessions.Update(ctx, prev.Token, func(cur *model.Session) error {
		retired = false
		if cur.Status.IsTerminal() {
			return store.ErrUnchanged
		}
		cur.Retire(model.SessionStatusTerminated, model.EndReasonSuperseded, s.now())
		retired = true
		return nil
	})
	if err != nil {
		return fmt.Errorf("supersede session: %w", err)
	}
	if !retired {
		return nil
	}

	s.finalizeAttempt(ctx, sess, model.AttemptStatusTerminated)
	s.emit(events.SessionTerminated, sess, map[string]any{"reason": sess.EndReason})
	s.record(ctx, model.AuditSessionTerminate, sess, "", map[string]any{"reason": sess.EndReason})
	s.log.Info().Str("session_id", sess.ID.String()).Msg("Previous session superseded")
	return nil
}

// ─── Reads ─────────────────────────────────────────────────────────────

// load fetches a session and applies the access gate.
func (s *SessionService) load(ctx context.Context, token string, caller Caller) (*model.Session, error) {
	sess, err := s.sessions.Get(ctx, token)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, &SessionError{Kind: ErrNotFound}
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	if err := CheckAccess(sess, caller); err != nil {
		return nil, err
	}
	return sess, nil
}

// refresh applies lazy expiry: a lapsed live session is expired before it is reported.
func (s *SessionService) refresh(ctx context.Context, sess *model.Session) (*model.Session, error) {
	if !sess.IsLapsed(s.now()) {
		return sess, nil
	}
	expired, _, err := s.expire(ctx, sess.Token)
	if err != nil {
		return nil, err
	}
	return expired, nil
}

// GetStatus reports the session state, expiring it first if its clock ran out.
func (s *SessionService) GetStatus(ctx context.Context, token string, caller Caller) (*StatusView, error) {
	sess, err := s.load(ctx, token, caller)
	if err != nil {
		return nil, err
	}
	if sess, err = s.refresh(ctx, sess); err != nil {
		return nil, err
	}
	now := s.now()
	return &StatusView{
		SessionID:        sess.ID,
		Status:           sess.Status,
		EndReason:        sess.EndReason,
		ExpiresAt:        sess.ExpiresAt,
		EndedAt:          sess.EndedAt,
		RemainingSeconds: remainingSeconds(sess, now),
		Progress:         progressView(sess),
		ViolationCount:   sess.Integrity.ViolationCount,
		IsFlagged:        sess.Integrity.IsFlagged,
		LastHeartbeatAt:  sess.LastHeartbeatAt,
	}, nil
}

// GetView returns the student-facing paper with saved answers. A paper missing
// from the cache is reloaded from the attempt record.
func (s *SessionService) GetView(ctx context.Context, token string, caller Caller) (*SessionView, error) {
	sess, err := s.load(ctx, token, caller)
	if err != nil {
		return nil, err
	}
	if sess, err = s.refresh(ctx, sess); err != nil {
		return nil, err
	}

	paper, err := s.sessions.GetPaper(ctx, token)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("get paper: %w", err)
		}
		if paper, err = s.restorePaper(ctx, sess); err != nil {
			return nil, err
		}
		if err := s.sessions.SavePaper(ctx, token, paper); err != nil {
			s.log.Warn().Err(err).Str("session_id", sess.ID.String()).Msg("Failed to cache restored paper")
		}
	}
	return buildView(sess, paper, s.now()), nil
}

// restorePaper loads the paper frozen on the attempt. Attempts stored without
// one get the build replayed from the session's settings snapshot.
func (s *SessionService) restorePaper(ctx context.Context, sess *model.Session) ([]model.QuestionForStudent, error) {
	paper, err := s.attempts.GetPaper(ctx, sess.AttemptID)
	if err != nil {
		return nil, fmt.Errorf("get attempt paper: %w", err)
	}
	if len(paper) > 0 {
		return paper, nil
	}
	return s.rebuildPaper(ctx, sess)
}

// rebuildPaper re-runs the deterministic build with the frozen settings and lays
// it out in the stored order.
func (s *SessionService) rebuildPaper(ctx context.Context, sess *model.Session) ([]model.QuestionForStudent, error) {
	a, err := s.assessments.GetAssessment(ctx, sess.AssessmentID)
	if err != nil {
		return nil, fmt.Errorf("get assessment: %w", err)
	}
	questions, err := s.assessments.ListQuestions(ctx, sess.AssessmentID)
	if err != nil {
		return nil, fmt.Errorf("list questions: %w", err)
	}
	a.Settings.RandomizeQuestions = sess.Config.RandomizeQuestions
	a.Settings.RandomizeOptions = sess.Config.RandomizeOptions
	a.AntiCheat = sess.Config.AntiCheat
	a.TimeLimitMinutes = sess.Config.NominalTimeLimit
	built := randomizer.Build(a, questions, sess.StudentID).Paper()

	byID := make(map[uuid.UUID]model.QuestionForStudent, len(built))
	for _, q := range built {
		byID[q.ID] = q
	}
	paper := make([]model.QuestionForStudent, 0, len(sess.Progress.QuestionOrder))
	for i, id := range sess.Progress.QuestionOrder {
		q, ok := byID[id]
		if !ok {
			s.log.Warn().Str("session_id", sess.ID.String()).Str("question_id", id.String()).Msg("Question missing from rebuilt paper")
			continue
		}
		q.Position = i + 1
		paper = append(paper, q)
	}
	return paper, nil
}

// ─── Mutations ─────────────────────────────────────────────────────────

// mutate runs fn against an ACTIVE (or, with allowPaused, PAUSED) session.
// A lapsed clock expires the session and surfaces ErrExpired.
func (s *SessionService) mutate(ctx context.Context, token string, allowPaused bool, fn func(*model.Session, time.Time) error) (*model.Session, error) {
	sess, err := s.sessions.Update(ctx, token, func(cur *model.Session) error {
		now := s.now()
		if cur.Status.IsTerminal() {
			return stateErr(cur, "session has ended")
		}
		if cur.IsLapsed(now) {
			return errLapsed
		}
		if cur.Status != model.SessionStatusActive && !(allowPaused && cur.Status == model.SessionStatusPaused) {
			return stateErr(cur, fmt.Sprintf("session is %s", cur.Status))
		}
		return fn(cur, now)
	})
	if err == nil {
		return sess, nil
	}
	if errors.Is(err, errLapsed) {
		expired, _, xerr := s.expire(ctx, token)
		if xerr != nil {
			return nil, xerr
		}
		return nil, sessionErr(ErrExpired, expired)
	}
	if errors.Is(err, store.ErrNotFound) {
		return nil, &SessionError{Kind: ErrNotFound}
	}
	return nil, err
}

// SubmitAnswer upserts one answer and recomputes progress.
func (s *SessionService) SubmitAnswer(ctx context.Context, token string, caller Caller, in AnswerInput) (*AnswerResult, error) {
	if _, err := s.load(ctx, token, caller); err != nil {
		return nil, err
	}

	var savedAt time.Time
	sess, err := s.mutate(ctx, token, false, func(cur *model.Session, now time.Time) error {
		if !cur.HasQuestion(in.QuestionID) {
			return sessionErr(ErrInvalidQuestion, cur)
		}
		key := in.QuestionID.String()
		if prev, ok := cur.Progress.Answers[key]; ok && prev.IsFinal {
			return sessionErr(ErrAnswerLocked, cur)
		}
		if cur.Progress.Answers == nil {
			cur.Progress.Answers = map[string]model.AnswerRecord{}
		}
		cur.Progress.Answers[key] = model.AnswerRecord{
			Answer:           in.Answer,
			TimeSpentSeconds: in.TimeSpentSeconds,
			SubmittedAt:      now,
			IsFinal:          in.IsFinal,
		}
		cur.RecomputeProgress()
		cur.LastActivityAt = now
		cur.LastAutosaveAt = &now
		savedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &AnswerResult{
		QuestionID:       in.QuestionID,
		SavedAt:          savedAt,
		IsFinal:          in.IsFinal,
		Progress:         progressView(sess),
		RemainingSeconds: remainingSeconds(sess, savedAt),
	}, nil
}

// SubmitAssessment completes the session, finalizes the attempt and grades it
// synchronously when the assessment is graded automatically.
func (s *SessionService) SubmitAssessment(ctx context.Context, token string, caller Caller) (*SubmissionResult, error) {
	if _, err := s.load(ctx, token, caller); err != nil {
		return nil, err
	}

	sess, err := s.mutate(ctx, token, false, func(cur *model.Session, now time.Time) error {
		if cur.Config.RequireAllAnswers && cur.Progress.QuestionsAnswered < cur.Progress.TotalQuestions {
			e := sessionErr(ErrIncompleteSubmission, cur)
			e.Detail = fmt.Sprintf("%d of %d answered", cur.Progress.QuestionsAnswered, cur.Progress.TotalQuestions)
			return e
		}
		cur.Progress.Answers = cur.FinalAnswers()
		cur.Retire(model.SessionStatusCompleted, model.EndReasonSubmitted, now)
		cur.LastActivityAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}

	timeTaken := sess.ElapsedSeconds(*sess.EndedAt)
	result := &SubmissionResult{
		SessionID:        sess.ID,
		AttemptID:        sess.AttemptID,
		Status:           sess.Status,
		SubmittedAt:      *sess.EndedAt,
		TimeTakenSeconds: timeTaken,
		GradingStatus:    GradingStatusPending,
	}
	// The session is already COMPLETED; an attempt left IN_PROGRESS here is
	// finalized and graded later by RepairAttempt.
	if s.finalizeAttempt(ctx, sess, model.AttemptStatusSubmitted) && sess.Config.GradingMode == model.GradingModeAutomatic {
		s.grade(ctx, sess, result)
	}

	s.emit(events.SessionCompleted, sess, map[string]any{
		"time_taken_seconds": timeTaken,
		"grading_status":     result.GradingStatus,
	})
	s.record(ctx, model.AuditSessionSubmit, sess, caller.IP, map[string]any{
		"attempt_id":         sess.AttemptID,
		"questions_answered": sess.Progress.QuestionsAnswered,
		"time_taken_seconds": timeTaken,
	})
	s.log.Info().
		Str("session_id", sess.ID.String()).
		Int("time_taken_seconds", timeTaken).
		Str("grading_status", result.GradingStatus).
		Msg("Session submitted")
	return result, nil
}

// grade fills result from the grading engine. Grading failures leave the
// submission standing with a pending status.
func (s *SessionService) grade(ctx context.Context, sess *model.Session, result *SubmissionResult) {
	res, err := s.grader.AutoGrade(ctx, sess.AttemptID)
	if err != nil {
		s.log.Error().Err(err).Str("attempt_id", sess.AttemptID.String()).Msg("Automatic grading failed")
		return
	}

	var passed *bool
	if !res.NeedsManual {
		p := res.Percentage >= sess.Config.PassingScore
		passed = &p
		result.GradingStatus = GradingStatusGraded
	}
	if err := s.attempts.SaveGrade(ctx, sess.AttemptID, res, passed); err != nil {
		s.log.Error().Err(err).Str("attempt_id", sess.AttemptID.String()).Msg("Failed to save grade")
	}

	result.Score = &res.Score
	result.MaxScore = &res.MaxScore
	result.Percentage = &res.Percentage
	result.Passed = passed
}

// Heartbeat refreshes liveness. Paused sessions may heartbeat too.
func (s *SessionService) Heartbeat(ctx context.Context, token string, caller Caller, networkType string) (*HeartbeatResult, error) {
	if _, err := s.load(ctx, token, caller); err != nil {
		return nil, err
	}
	var at time.Time
	sess, err := s.mutate(ctx, token, true, func(cur *model.Session, now time.Time) error {
		cur.LastHeartbeatAt = now
		if cur.Status == model.SessionStatusActive {
			cur.LastActivityAt = now
		}
		if networkType != "" {
			cur.Client.NetworkType = networkType
		}
		at = now
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &HeartbeatResult{Status: sess.Status, ServerTime: at, RemainingSeconds: remainingSeconds(sess, at)}, nil
}

// UpdateProgress moves the current question pointer.
func (s *SessionService) UpdateProgress(ctx context.Context, token string, caller Caller, index int) (*ProgressView, error) {
	if _, err := s.load(ctx, token, caller); err != nil {
		return nil, err
	}
	sess, err := s.mutate(ctx, token, false, func(cur *model.Session, now time.Time) error {
		if index < 0 || index >= len(cur.Progress.QuestionOrder) {
			e := sessionErr(ErrInvalidQuestion, cur)
			e.Detail = fmt.Sprintf("index %d out of range", index)
			return e
		}
		if !cur.Config.AllowNavigation && index < cur.Progress.CurrentQuestionIndex {
			return sessionErr(ErrNavigationLocked, cur)
		}
		if cur.Progress.CurrentQuestionIndex == index {
			return store.ErrUnchanged
		}
		cur.Progress.CurrentQuestionIndex = index
		cur.LastActivityAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}
	pv := progressView(sess)
	return &pv, nil
}

// Pause suspends answering. The exam clock keeps running.
func (s *SessionService) Pause(ctx context.Context, token string, caller Caller) (*StatusView, error) {
	if _, err := s.load(ctx, token, caller); err != nil {
		return nil, err
	}
	sess, err := s.mutate(ctx, token, false, func(cur *model.Session, now time.Time) error {
		if !cur.Config.AllowPause {
			return stateErr(cur, "pausing is not allowed for this assessment")
		}
		cur.Status = model.SessionStatusPaused
		cur.PausedAt = &now
		cur.LastActivityAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.emit(events.SessionPaused, sess, nil)
	s.record(ctx, model.AuditSessionPause, sess, caller.IP, nil)
	return s.statusOf(sess), nil
}

// Resume reactivates a paused session that still has time left.
func (s *SessionService) Resume(ctx context.Context, token string, caller Caller) (*StatusView, error) {
	if _, err := s.load(ctx, token, caller); err != nil {
		return nil, err
	}
	var pausedFor int
	sess, err := s.mutate(ctx, token, true, func(cur *model.Session, now time.Time) error {
		if cur.Status != model.SessionStatusPaused {
			return stateErr(cur, "session is not paused")
		}
		if cur.PausedAt != nil {
			pausedFor = int(now.Sub(*cur.PausedAt).Seconds())
			cur.TotalPausedSeconds += pausedFor
		}
		cur.Status = model.SessionStatusActive
		cur.PausedAt = nil
		cur.LastActivityAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.emit(events.SessionResumed, sess, map[string]any{"paused_seconds": pausedFor})
	s.record(ctx, model.AuditSessionResume, sess, caller.IP, map[string]any{"paused_seconds": pausedFor})
	return s.statusOf(sess), nil
}

// ─── Time-driven transitions ───────────────────────────────────────────

// ExpireSession expires a live session whose clock has run out. It reports
// whether this call performed the transition.
func (s *SessionService) ExpireSession(ctx context.Context, token string) (bool, error) {
	_, expired, err := s.expire(ctx, token)
	return expired, err
}

func (s *SessionService) expire(ctx context.Context, token string) (*model.Session, bool, error) {
	var transitioned bool
	sess, err := s.sessions.Update(ctx, token, func(cur *model.Session) error {
		transitioned = false
		now := s.now()
		if cur.Status.IsTerminal() || !cur.IsLapsed(now) {
			return store.ErrUnchanged
		}
		cur.Retire(model.SessionStatusExpired, model.EndReasonTimeLimit, now)
		transitioned = true
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, false, &SessionError{Kind: ErrNotFound}
		}
		return nil, false, fmt.Errorf("expire session: %w", err)
	}
	if !transitioned {
		return sess, false, nil
	}

	s.finalizeAttempt(ctx, sess, model.AttemptStatusTimedOut)
	s.emit(events.SessionExpired, sess, map[string]any{
		"questions_answered": sess.Progress.QuestionsAnswered,
	})
	s.record(ctx, model.AuditSessionExpire, sess, "", map[string]any{
		"questions_answered": sess.Progress.QuestionsAnswered,
	})
	s.log.Info().Str("session_id", sess.ID.String()).Msg("Session expired")
	return sess, true, nil
}

// WarnIfExpiring emits an advisory time warning for an ACTIVE session whose
// clock ends within window. It reports whether a warning was emitted.
func (s *SessionService) WarnIfExpiring(ctx context.Context, token string, window time.Duration) (bool, error) {
	sess, err := s.sessions.Get(ctx, token)
	if err != nil {
		return false, err
	}
	now := s.now()
	if sess.Status != model.SessionStatusActive {
		return false, nil
	}
	left := sess.ExpiresAt.Sub(now)
	if left <= 0 || left > window {
		return false, nil
	}

	minutes := int(math.Ceil(left.Minutes()))
	severity := events.SeverityWarning
	if minutes <= 1 {
		severity = events.SeverityCritical
	}
	s.emit(events.TimeWarning, sess, map[string]any{
		"remaining_minutes": minutes,
		"remaining_seconds": int(left.Seconds()),
		"severity":          severity,
	})
	return true, nil
}

// finalizeAttempt hands the captured answers to the attempt record and reports
// whether that succeeded. Failures are logged; the session transition already
// happened and RepairAttempt picks the attempt up again.
func (s *SessionService) finalizeAttempt(ctx context.Context, sess *model.Session, status model.AttemptStatus) bool {
	var answers map[string]model.AnswerRecord
	if len(sess.Progress.Answers) > 0 {
		answers = sess.FinalAnswers()
	}
	ended := s.now()
	if sess.EndedAt != nil {
		ended = *sess.EndedAt
	}
	if err := s.attempts.Finalize(ctx, sess.AttemptID, status, answers, sess.ElapsedSeconds(ended), ended); err != nil {
		s.log.Error().Err(err).
			Str("session_id", sess.ID.String()).
			Str("attempt_id", sess.AttemptID.String()).
			Str("status", string(status)).
			Msg("Failed to finalize attempt")
		return false
	}
	return true
}

// attemptStatusFor maps a terminal session status to its attempt status.
func attemptStatusFor(status model.SessionStatus) (model.AttemptStatus, bool) {
	switch status {
	case model.SessionStatusCompleted:
		return model.AttemptStatusSubmitted, true
	case model.SessionStatusExpired:
		return model.AttemptStatusTimedOut, true
	case model.SessionStatusTerminated:
		return model.AttemptStatusTerminated, true
	default:
		return "", false
	}
}

// RepairAttempt finalizes the attempt of an ended session whose finalization
// failed at the time, and grades it when the session was submitted. It is
// safe to repeat: finalized attempts are never rewritten.
func (s *SessionService) RepairAttempt(ctx context.Context, sess *model.Session) error {
	status, ok := attemptStatusFor(sess.Status)
	if !ok {
		return nil
	}
	if !s.finalizeAttempt(ctx, sess, status) {
		return fmt.Errorf("finalize attempt %s: still failing", sess.AttemptID)
	}
	if status == model.AttemptStatusSubmitted && sess.Config.GradingMode == model.GradingModeAutomatic {
		s.grade(ctx, sess, &SubmissionResult{})
	}
	s.log.Info().
		Str("session_id", sess.ID.String()).
		Str("attempt_id", sess.AttemptID.String()).
		Str("status", string(status)).
		Msg("Stranded attempt finalized")
	return nil
}

// ─── Helpers ───────────────────────────────────────────────────────────

func (s *SessionService) emit(t events.Type, sess *model.Session, data map[string]any) {
	s.bus.Publish(events.Event{
		Type:         t,
		SessionID:    sess.ID,
		StudentID:    sess.StudentID,
		AssessmentID: sess.AssessmentID,
		OccurredAt:   s.now(),
		Data:         data,
	})
}

func (s *SessionService) record(ctx context.Context, action string, sess *model.Session, ip string, details map[string]any) {
	s.audit.Record(ctx, model.AuditEntry{
		Action:       action,
		SessionID:    sess.ID,
		StudentID:    sess.StudentID,
		AssessmentID: sess.AssessmentID,
		IPAddress:    ip,
		Details:      details,
		OccurredAt:   s.now(),
	})
}

func (s *SessionService) statusOf(sess *model.Session) *StatusView {
	return &StatusView{
		SessionID:        sess.ID,
		Status:           sess.Status,
		EndReason:        sess.EndReason,
		ExpiresAt:        sess.ExpiresAt,
		EndedAt:          sess.EndedAt,
		RemainingSeconds: remainingSeconds(sess, s.now()),
		Progress:         progressView(sess),
		ViolationCount:   sess.Integrity.ViolationCount,
		IsFlagged:        sess.Integrity.IsFlagged,
		LastHeartbeatAt:  sess.LastHeartbeatAt,
	}
}

func remainingSeconds(sess *model.Session, now time.Time) int {
	return int(sess.Remaining(now).Seconds())
}

func progressView(sess *model.Session) ProgressView {
	return ProgressView{
		CurrentQuestionIndex: sess.Progress.CurrentQuestionIndex,
		QuestionsAnswered:    sess.Progress.QuestionsAnswered,
		TotalQuestions:       sess.Progress.TotalQuestions,
		ProgressPercentage:   sess.Progress.ProgressPercentage,
	}
}

func buildView(sess *model.Session, paper []model.QuestionForStudent, now time.Time) *SessionView {
	questions := make([]QuestionView, len(paper))
	for i, q := range paper {
		questions[i] = QuestionView{QuestionForStudent: q}
		if rec, ok := sess.Progress.Answers[q.ID.String()]; ok {
			questions[i].Answer = rec.Answer
			questions[i].IsFinal = rec.IsFinal
		}
	}
	cfg := sess.Config
	return &SessionView{
		SessionID: sess.ID,
		Token:     sess.Token,
		AttemptID: sess.AttemptID,
		Status:    sess.Status,
		Assessment: AssessmentSummary{
			ID:             sess.AssessmentID,
			Title:          cfg.Title,
			TotalQuestions: sess.Progress.TotalQuestions,
			PassingScore:   cfg.PassingScore,
			GradingMode:    cfg.GradingMode,
		},
		Questions: questions,
		Progress:  progressView(sess),
		Timer: TimerView{
			StartedAt:        sess.StartedAt,
			ExpiresAt:        sess.ExpiresAt,
			RemainingSeconds: remainingSeconds(sess, now),
			TimeLimitMinutes: cfg.TimeLimitMinutes,
			ShowTimer:        cfg.ShowTimer,
		},
		Security: SecurityPolicy{
			RequireFullscreen:     cfg.RequireFullscreen,
			DisableCopyPaste:      cfg.DisableCopyPaste,
			AllowNavigation:       cfg.AllowNavigation,
			AllowPause:            cfg.AllowPause,
			MaxTabSwitches:        cfg.MaxTabSwitches,
			MaxSecurityViolations: cfg.MaxSecurityViolations,
			ViolationCount:        sess.Integrity.ViolationCount,
		},
	}
}
