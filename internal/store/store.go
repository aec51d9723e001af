// Package store holds the live session state. Every mutation is a
// read-modify-write guarded by the session's Version, so concurrent requests
// for one token (a heartbeat racing an answer) never overwrite each other.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-session-engine/internal/model"
)

var (
	// ErrNotFound is returned for unknown or evicted-and-unrecoverable tokens.
	ErrNotFound = errors.New("session not found")
	// ErrConflict is returned when the optimistic update kept losing races.
	ErrConflict = errors.New("session modified concurrently")
	// ErrUnchanged may be returned by an UpdateFunc to skip the write.
	ErrUnchanged = errors.New("session unchanged")
	// ErrLiveSessionExists is returned by Create while another live session
	// holds the student's slot for the assessment.
	ErrLiveSessionExists = errors.New("another live session exists for this student and assessment")
)

// UpdateFunc mutates a session in place. Returning ErrUnchanged leaves the stored
// copy untouched; any other error aborts the update and is returned as-is.
type UpdateFunc func(s *model.Session) error

// SessionStore is the live session cache shared by request handlers and the scheduler.
type SessionStore interface {
	// Create claims the student's active slot for the assessment and stores s.
	// It fails with ErrLiveSessionExists while a non-terminal session holds the slot.
	Create(ctx context.Context, s *model.Session) error
	Get(ctx context.Context, token string) (*model.Session, error)
	Update(ctx context.Context, token string, fn UpdateFunc) (*model.Session, error)
	// FindLive returns the non-terminal session of a student+assessment pair.
	FindLive(ctx context.Context, studentID int, assessmentID uuid.UUID) (*model.Session, error)
	// ListDueBefore returns tokens of live sessions whose clock ends at or before t.
	ListDueBefore(ctx context.Context, t time.Time) ([]string, error)
	// ListRetiredBefore returns tokens of terminal sessions that ended before t.
	ListRetiredBefore(ctx context.Context, t time.Time) ([]string, error)
	Delete(ctx context.Context, token string) error
	SavePaper(ctx context.Context, token string, paper []model.QuestionForStudent) error
	GetPaper(ctx context.Context, token string) ([]model.QuestionForStudent, error)
}

// DurableReader loads the relational copy of a session when the cache misses.
type DurableReader interface {
	GetByToken(ctx context.Context, token string) (*model.Session, error)
}
