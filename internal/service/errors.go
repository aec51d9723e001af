package service

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-session-engine/internal/model"
)

// Session engine error kinds. Match with errors.Is.
var (
	ErrNotAvailable         = errors.New("assessment not available")
	ErrAttemptsExhausted    = errors.New("maximum attempts reached")
	ErrNotFound             = errors.New("session not found")
	ErrInvalidState         = errors.New("invalid session state")
	ErrExpired              = errors.New("session time expired")
	ErrIncompleteSubmission = errors.New("all questions must be answered before submitting")
	ErrAccessDenied         = errors.New("access denied")
	ErrTerminated           = errors.New("session terminated")
	ErrInvalidQuestion      = errors.New("question is not part of this session")
	ErrAnswerLocked         = errors.New("answer already finalized")
	ErrNavigationLocked     = errors.New("backward navigation is disabled")
	ErrInvalidEvent         = errors.New("invalid security event")
)

// SessionError carries the session and its status alongside the error kind.
type SessionError struct {
	Kind      error
	SessionID uuid.UUID
	Status    model.SessionStatus
	Detail    string
}

func (e *SessionError) Error() string {
	msg := e.Kind.Error()
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.SessionID != uuid.Nil {
		return fmt.Sprintf("%s (session %s, status %s)", msg, e.SessionID, e.Status)
	}
	return msg
}

func (e *SessionError) Unwrap() error { return e.Kind }

// Is makes errors.Is(err, ErrTerminated) hold for any error about a terminated session.
func (e *SessionError) Is(target error) bool {
	return target == ErrTerminated && e.Status == model.SessionStatusTerminated
}

func sessionErr(kind error, s *model.Session) *SessionError {
	if s == nil {
		return &SessionError{Kind: kind}
	}
	return &SessionError{Kind: kind, SessionID: s.ID, Status: s.Status}
}

func stateErr(s *model.Session, detail string) *SessionError {
	e := sessionErr(ErrInvalidState, s)
	e.Detail = detail
	return e
}
