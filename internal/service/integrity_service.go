package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/netip"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-session-engine/internal/events"
	"github.com/stemsi/exstem-session-engine/internal/model"
)

// Risk tiers reported by BehaviorAnalysis.
const (
	RiskLow      = "low"
	RiskMedium   = "medium"
	RiskHigh     = "high"
	RiskCritical = "critical"
)

// Behaviour categories. Weights sum to 1.
var categoryWeights = map[string]float64{
	"face_detection": 0.3,
	"movement":       0.2,
	"attention":      0.3,
	"anomaly":        0.2,
}

// CheckAccess gates every session-scoped operation: the caller must own the
// session, and a student's address must be on the frozen allow-list when one exists.
func CheckAccess(sess *model.Session, caller Caller) error {
	if caller.Proctor {
		return nil
	}
	if sess.StudentID != caller.StudentID {
		e := sessionErr(ErrAccessDenied, sess)
		e.Detail = "session belongs to another student"
		return e
	}
	if !ipAllowed(sess.Config.AllowedIPs, caller.IP) {
		e := sessionErr(ErrAccessDenied, sess)
		e.Detail = "address not allowed"
		return e
	}
	return nil
}

func ipAllowed(allowed []string, ip string) bool {
	if len(allowed) == 0 {
		return true
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, a := range allowed {
		if p, err := netip.ParseAddr(a); err == nil && p.Unmap() == addr {
			return true
		}
	}
	return false
}

// IntegrityService records client-reported security events and enforces the
// violation threshold.
type IntegrityService struct {
	lifecycle  *SessionService
	audit      AuditSink
	bus        events.Publisher
	maxDefault int
	log        zerolog.Logger
}

// NewIntegrityService creates a new IntegrityService sharing the lifecycle's collaborators.
func NewIntegrityService(lifecycle *SessionService, log zerolog.Logger) *IntegrityService {
	return &IntegrityService{
		lifecycle:  lifecycle,
		audit:      lifecycle.audit,
		bus:        lifecycle.bus,
		maxDefault: lifecycle.defaultMaxViolations,
		log:        log.With().Str("component", "integrity_service").Logger(),
	}
}

// EventInput is a client-reported security event.
type EventInput struct {
	Type            model.SecurityEventType
	ClientTimestamp time.Time
	Severity        int
	Details         map[string]any
}

// EventResult tells the client where it stands against the threshold.
type EventResult struct {
	ViolationCount      int  `json:"violation_count"`
	MaxViolations       int  `json:"max_violations"`
	RemainingViolations int  `json:"remaining_violations"`
	WarningIssued       bool `json:"warning_issued"`
	Terminated          bool `json:"terminated"`
	IsFlagged           bool `json:"is_flagged"`
}

// ReportEvent appends the event and counts it as a violation. Reaching the
// session's threshold terminates it; this happens at most once.
func (s *IntegrityService) ReportEvent(ctx context.Context, token string, caller Caller, in EventInput) (*EventResult, error) {
	if !in.Type.Valid() {
		return nil, &SessionError{Kind: ErrInvalidEvent, Detail: fmt.Sprintf("unknown type %q", in.Type)}
	}
	if in.Severity == 0 {
		in.Severity = in.Type.DefaultSeverity()
	}
	if in.Severity < 1 || in.Severity > 5 {
		return nil, &SessionError{Kind: ErrInvalidEvent, Detail: "severity must be between 1 and 5"}
	}

	if _, err := s.lifecycle.load(ctx, token, caller); err != nil {
		return nil, err
	}

	var (
		terminated bool
		recorded   model.SecurityEvent
		maxAllowed int
	)
	sess, err := s.lifecycle.mutate(ctx, token, false, func(cur *model.Session, now time.Time) error {
		terminated = false
		maxAllowed = cur.Config.MaxSecurityViolations
		if maxAllowed <= 0 {
			maxAllowed = s.maxDefault
		}

		recorded = model.SecurityEvent{
			Type:            in.Type,
			ClientTimestamp: in.ClientTimestamp,
			RecordedAt:      now,
			Severity:        in.Severity,
			Details:         in.Details,
		}
		if recorded.ClientTimestamp.IsZero() {
			recorded.ClientTimestamp = now
		}

		ig := &cur.Integrity
		ig.Events = append(ig.Events, recorded)
		ig.ViolationCount++
		switch in.Type {
		case model.SecurityEventTabSwitch:
			ig.TabSwitchCount++
			if cur.Config.MaxTabSwitches > 0 && ig.TabSwitchCount > cur.Config.MaxTabSwitches && !ig.IsFlagged {
				ig.IsFlagged = true
				ig.FlagReason = fmt.Sprintf("tab switch limit exceeded (%d/%d)", ig.TabSwitchCount, cur.Config.MaxTabSwitches)
			}
		case model.SecurityEventNetworkInterruption:
			ig.ConnectionInterruptions++
		}
		cur.LastActivityAt = now

		if ig.ViolationCount >= maxAllowed {
			ig.IsFlagged = true
			ig.FlagReason = fmt.Sprintf("security violation threshold reached (%d/%d)", ig.ViolationCount, maxAllowed)
			cur.Retire(model.SessionStatusTerminated, model.EndReasonViolations, now)
			terminated = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	count := sess.Integrity.ViolationCount
	s.bus.Publish(events.Event{
		Type:         events.SecurityViolation,
		SessionID:    sess.ID,
		StudentID:    sess.StudentID,
		AssessmentID: sess.AssessmentID,
		OccurredAt:   recorded.RecordedAt,
		Data: map[string]any{
			"event_type":       string(recorded.Type),
			"severity":         recorded.Severity,
			"violation_count":  count,
			"max_violations":   maxAllowed,
			"client_timestamp": recorded.ClientTimestamp,
			"details":          recorded.Details,
			"terminated":       terminated,
		},
	})
	s.audit.Record(ctx, model.AuditEntry{
		Action:       model.AuditSecurityEvent,
		SessionID:    sess.ID,
		StudentID:    sess.StudentID,
		AssessmentID: sess.AssessmentID,
		IPAddress:    caller.IP,
		Details:      map[string]any{"event_type": string(recorded.Type), "violation_count": count},
		OccurredAt:   recorded.RecordedAt,
	})

	if terminated {
		s.lifecycle.finalizeAttempt(ctx, sess, model.AttemptStatusTerminated)
		s.lifecycle.emit(events.SessionTerminated, sess, map[string]any{
			"reason":      sess.EndReason,
			"flag_reason": sess.Integrity.FlagReason,
		})
		s.lifecycle.record(ctx, model.AuditSessionTerminate, sess, caller.IP, map[string]any{
			"reason":          sess.EndReason,
			"violation_count": count,
		})
		s.log.Warn().
			Str("session_id", sess.ID.String()).
			Int("student_id", sess.StudentID).
			Int("violation_count", count).
			Msg("Session terminated for security violations")
	}

	remaining := maxAllowed - count
	if remaining < 0 {
		remaining = 0
	}
	return &EventResult{
		ViolationCount:      count,
		MaxViolations:       maxAllowed,
		RemainingViolations: remaining,
		WarningIssued:       count > 1,
		Terminated:          terminated,
		IsFlagged:           sess.Integrity.IsFlagged,
	}, nil
}

// DecoyStats compares how the student handled decoy questions against real ones.
type DecoyStats struct {
	Count              int     `json:"count"`
	Answered           int     `json:"answered"`
	AvgTimeSpentDecoy  float64 `json:"avg_time_spent_decoy"`
	AvgTimeSpentScored float64 `json:"avg_time_spent_scored"`
}

// BehaviorReport is the read-only aggregation served to proctoring UIs.
type BehaviorReport struct {
	SessionID               uuid.UUID                       `json:"session_id"`
	Status                  model.SessionStatus             `json:"status"`
	Scores                  map[string]float64              `json:"scores"`
	OverallScore            float64                         `json:"overall_score"`
	RiskLevel               string                          `json:"risk_level"`
	EventCounts             map[model.SecurityEventType]int `json:"event_counts"`
	ViolationCount          int                             `json:"violation_count"`
	IsFlagged               bool                            `json:"is_flagged"`
	FlagReason              string                          `json:"flag_reason,omitempty"`
	TabSwitchCount          int                             `json:"tab_switch_count"`
	ConnectionInterruptions int                             `json:"connection_interruptions"`
	Decoys                  DecoyStats                      `json:"decoys"`
}

// BehaviorAnalysis scores the security log per category and derives a risk tier.
func (s *IntegrityService) BehaviorAnalysis(ctx context.Context, token string, caller Caller) (*BehaviorReport, error) {
	sess, err := s.lifecycle.load(ctx, token, caller)
	if err != nil {
		return nil, err
	}
	scores, overall := scoreEvents(sess.Integrity.Events)
	return &BehaviorReport{
		SessionID:               sess.ID,
		Status:                  sess.Status,
		Scores:                  scores,
		OverallScore:            overall,
		RiskLevel:               riskLevel(overall, sess.Integrity.IsFlagged),
		EventCounts:             sess.EventCountsByType(),
		ViolationCount:          sess.Integrity.ViolationCount,
		IsFlagged:               sess.Integrity.IsFlagged,
		FlagReason:              sess.Integrity.FlagReason,
		TabSwitchCount:          sess.Integrity.TabSwitchCount,
		ConnectionInterruptions: sess.Integrity.ConnectionInterruptions,
		Decoys:                  decoyStats(sess),
	}, nil
}

// eventCategory maps an event to a behaviour category. OTHER_SUSPICIOUS events
// carry the category reported by the proctoring client in their details.
func eventCategory(e model.SecurityEvent) string {
	switch e.Type {
	case model.SecurityEventTabSwitch, model.SecurityEventWindowBlur, model.SecurityEventFullscreenExit:
		return "attention"
	case model.SecurityEventOtherSuspicious:
		switch c := e.Category(); c {
		case "face_detection", "movement", "attention":
			return c
		}
	}
	return "anomaly"
}

func scoreEvents(evts []model.SecurityEvent) (map[string]float64, float64) {
	scores := map[string]float64{"face_detection": 0, "movement": 0, "attention": 0, "anomaly": 0}
	for _, e := range evts {
		scores[eventCategory(e)] += float64(e.Severity) * 10
	}
	var overall float64
	for c, v := range scores {
		if v > 100 {
			v = 100
			scores[c] = v
		}
		overall += v * categoryWeights[c]
	}
	return scores, math.Round(overall*100) / 100
}

func riskLevel(overall float64, flagged bool) string {
	level := RiskCritical
	switch {
	case overall < 25:
		level = RiskLow
	case overall < 50:
		level = RiskMedium
	case overall < 75:
		level = RiskHigh
	}
	if flagged && (level == RiskLow || level == RiskMedium) {
		return RiskHigh
	}
	return level
}

func decoyStats(sess *model.Session) DecoyStats {
	decoys := make(map[string]bool, len(sess.AntiCheat.DecoyQuestionIDs))
	for _, id := range sess.AntiCheat.DecoyQuestionIDs {
		decoys[id.String()] = true
	}
	st := DecoyStats{Count: len(decoys)}
	var decoyTime, scoredTime, scored int
	for qid, rec := range sess.Progress.Answers {
		if rec.Answer.IsEmpty() {
			continue
		}
		if decoys[qid] {
			st.Answered++
			decoyTime += rec.TimeSpentSeconds
		} else {
			scored++
			scoredTime += rec.TimeSpentSeconds
		}
	}
	if st.Answered > 0 {
		st.AvgTimeSpentDecoy = float64(decoyTime) / float64(st.Answered)
	}
	if scored > 0 {
		st.AvgTimeSpentScored = float64(scoredTime) / float64(scored)
	}
	return st
}

// IsTerminated reports whether err is about a session that was terminated.
func IsTerminated(err error) bool { return errors.Is(err, ErrTerminated) }
