package model

import (
	"encoding/json"
	"errors"
	"math"
	"time"

	"github.com/google/uuid"
)

// SessionStatus enumerates session states.
type SessionStatus string

const (
	SessionStatusPreparing  SessionStatus = "PREPARING"
	SessionStatusActive     SessionStatus = "ACTIVE"
	SessionStatusPaused     SessionStatus = "PAUSED"
	SessionStatusCompleted  SessionStatus = "COMPLETED"
	SessionStatusExpired    SessionStatus = "EXPIRED"
	SessionStatusTerminated SessionStatus = "TERMINATED"
)

// IsTerminal reports whether no further transitions are allowed.
func (s SessionStatus) IsTerminal() bool {
	return s == SessionStatusCompleted || s == SessionStatusExpired || s == SessionStatusTerminated
}

// Session end reasons.
const (
	EndReasonSubmitted  = "submitted"
	EndReasonTimeLimit  = "time_limit_reached"
	EndReasonViolations = "security_violation_threshold"
	EndReasonSuperseded = "superseded_by_new_attempt"
)

// AnswerValue is a student's answer: option keys for choice questions, a single text for open ones.
// It accepts either a JSON string or an array of strings.
type AnswerValue []string

func (v *AnswerValue) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*v = nil
		return nil
	}
	var single string
	if err := json.Unmarshal(b, &single); err == nil {
		*v = AnswerValue{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return errors.New("answer must be a string or an array of strings")
	}
	*v = many
	return nil
}

// IsEmpty reports whether nothing meaningful was answered.
func (v AnswerValue) IsEmpty() bool {
	for _, s := range v {
		if s != "" {
			return false
		}
	}
	return true
}

// AnswerRecord is one entry of the session's answer map.
type AnswerRecord struct {
	Answer           AnswerValue `json:"answer"`
	TimeSpentSeconds int         `json:"time_spent"`
	SubmittedAt      time.Time   `json:"submitted_at"`
	IsFinal          bool        `json:"is_final"`
}

// SessionProgress tracks where the student is in the per-student variant.
type SessionProgress struct {
	CurrentQuestionIndex int                     `json:"current_question_index"`
	QuestionOrder        []uuid.UUID             `json:"question_order"`
	TotalQuestions       int                     `json:"total_questions"`
	QuestionsAnswered    int                     `json:"questions_answered"`
	ProgressPercentage   float64                 `json:"progress_percentage"`
	Answers              map[string]AnswerRecord `json:"answers"`
}

// SessionIntegrity is the append-only security log and its counters.
type SessionIntegrity struct {
	Events                  []SecurityEvent `json:"events"`
	ViolationCount          int             `json:"violation_count"`
	IsFlagged               bool            `json:"is_flagged"`
	FlagReason              string          `json:"flag_reason,omitempty"`
	TabSwitchCount          int             `json:"tab_switch_count"`
	ConnectionInterruptions int             `json:"connection_interruptions"`
}

// ClientContext is the browser/screen/network metadata reported at start.
type ClientContext struct {
	IPAddress        string `json:"ip_address"`
	UserAgent        string `json:"user_agent,omitempty"`
	Browser          string `json:"browser,omitempty"`
	ScreenResolution string `json:"screen_resolution,omitempty"`
	Timezone         string `json:"timezone,omitempty"`
	NetworkType      string `json:"network_type,omitempty"`
}

// SessionConfig is the settings snapshot frozen at session start.
type SessionConfig struct {
	Title                 string      `json:"title"`
	SettingsVersion       int         `json:"settings_version"`
	RandomizeQuestions    bool        `json:"randomize_questions"`
	RandomizeOptions      bool        `json:"randomize_options"`
	ShowTimer             bool        `json:"show_timer"`
	AllowNavigation       bool        `json:"allow_navigation"`
	AllowPause            bool        `json:"allow_pause"`
	RequireAllAnswers     bool        `json:"require_all_answers"`
	RequireFullscreen     bool        `json:"require_fullscreen"`
	DisableCopyPaste      bool        `json:"disable_copy_paste"`
	MaxTabSwitches        int         `json:"max_tab_switches"`
	MaxSecurityViolations int         `json:"max_security_violations"`
	AllowedIPs            []string    `json:"allowed_ips,omitempty"`
	GradingMode           GradingMode `json:"grading_mode"`
	PassingScore          float64     `json:"passing_score"`
	TimeLimitMinutes      int         `json:"time_limit_minutes"`
	NominalTimeLimit      int         `json:"nominal_time_limit_minutes"`
	// AntiCheat is what the randomizer ran with; replaying a build uses this, never the live assessment.
	AntiCheat AntiCheatSettings `json:"anti_cheat"`
}

// AntiCheatMetadata records what the randomizer did for this student.
type AntiCheatMetadata struct {
	Seed                uint64             `json:"seed"`
	PoolRandomized      bool               `json:"pool_randomized"`
	PoolSize            int                `json:"pool_size,omitempty"`
	SourcePoolSize      int                `json:"source_pool_size"`
	DifficultyBalanced  bool               `json:"difficulty_balanced"`
	DifficultyCounts    map[Difficulty]int `json:"difficulty_counts,omitempty"`
	TimeVaried          bool               `json:"time_varied"`
	TimeVariationFactor float64            `json:"time_variation_factor,omitempty"`
	OriginalTimeLimit   int                `json:"original_time_limit"`
	AdjustedTimeLimit   int                `json:"adjusted_time_limit"`
	DecoyQuestionIDs    []uuid.UUID        `json:"decoy_question_ids,omitempty"`
}

// GradingKey is the per-student answer key after option shuffling. Decoys are excluded.
type GradingKey struct {
	Answers map[string][]string     `json:"answers"`
	Points  map[string]float64      `json:"points"`
	Types   map[string]QuestionType `json:"types"`
}

// Session is one student's live run through one assessment.
type Session struct {
	ID           uuid.UUID     `json:"id"`
	Token        string        `json:"token"`
	StudentID    int           `json:"student_id"`
	AssessmentID uuid.UUID     `json:"assessment_id"`
	AttemptID    uuid.UUID     `json:"attempt_id"`
	Status       SessionStatus `json:"status"`
	Version      int64         `json:"version"`

	StartedAt          time.Time  `json:"started_at"`
	ExpiresAt          time.Time  `json:"expires_at"`
	EndedAt            *time.Time `json:"ended_at,omitempty"`
	EndReason          string     `json:"end_reason,omitempty"`
	LastActivityAt     time.Time  `json:"last_activity_at"`
	LastHeartbeatAt    time.Time  `json:"last_heartbeat_at"`
	LastAutosaveAt     *time.Time `json:"last_autosave_at,omitempty"`
	PausedAt           *time.Time `json:"paused_at,omitempty"`
	TotalPausedSeconds int        `json:"total_paused_seconds"`

	Progress   SessionProgress   `json:"progress"`
	Integrity  SessionIntegrity  `json:"integrity"`
	Client     ClientContext     `json:"client"`
	Config     SessionConfig     `json:"config"`
	AntiCheat  AntiCheatMetadata `json:"anti_cheat"`
	GradingKey GradingKey        `json:"grading_key"`
}

// IsLapsed reports whether the exam clock has run out for a live session.
func (s *Session) IsLapsed(now time.Time) bool {
	return !s.Status.IsTerminal() && !now.Before(s.ExpiresAt)
}

// Remaining returns the time left on the clock, never negative.
func (s *Session) Remaining(now time.Time) time.Duration {
	if s.Status.IsTerminal() {
		return 0
	}
	d := s.ExpiresAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// HasQuestion reports whether the question is part of this student's variant.
func (s *Session) HasQuestion(id uuid.UUID) bool {
	for _, q := range s.Progress.QuestionOrder {
		if q == id {
			return true
		}
	}
	return false
}

// RecomputeProgress derives the answered count and percentage from the answer map.
func (s *Session) RecomputeProgress() {
	p := &s.Progress
	answered := 0
	for _, id := range p.QuestionOrder {
		if rec, ok := p.Answers[id.String()]; ok && !rec.Answer.IsEmpty() {
			answered++
		}
	}
	p.TotalQuestions = len(p.QuestionOrder)
	p.QuestionsAnswered = answered
	if p.TotalQuestions > 0 {
		p.ProgressPercentage = math.Round(float64(answered)/float64(p.TotalQuestions)*10000) / 100
	} else {
		p.ProgressPercentage = 0
	}
}

// Retire moves the session to a terminal status.
func (s *Session) Retire(status SessionStatus, reason string, now time.Time) {
	s.Status = status
	s.EndReason = reason
	ended := now
	s.EndedAt = &ended
	s.PausedAt = nil
}

// ElapsedSeconds is the wall-clock duration from start to end (or now).
func (s *Session) ElapsedSeconds(now time.Time) int {
	end := now
	if s.EndedAt != nil {
		end = *s.EndedAt
	}
	return int(end.Sub(s.StartedAt).Seconds())
}

// FinalAnswers returns a copy of the answer map with every record marked final.
func (s *Session) FinalAnswers() map[string]AnswerRecord {
	out := make(map[string]AnswerRecord, len(s.Progress.Answers))
	for k, v := range s.Progress.Answers {
		v.IsFinal = true
		out[k] = v
	}
	return out
}

// EventCountsByType tallies the security log.
func (s *Session) EventCountsByType() map[SecurityEventType]int {
	counts := make(map[SecurityEventType]int)
	for _, e := range s.Integrity.Events {
		counts[e.Type]++
	}
	return counts
}
