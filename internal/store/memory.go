package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-session-engine/internal/model"
)

// MemoryStore implements SessionStore in process. Used by tests and single-node development.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*model.Session
	papers   map[string][]model.QuestionForStudent
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*model.Session),
		papers:   make(map[string][]model.QuestionForStudent),
	}
}

// clone deep-copies through JSON, the same representation the Redis store keeps.
func clone(s *model.Session) (*model.Session, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	var out model.Session
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (m *MemoryStore) Create(_ context.Context, s *model.Session) error {
	c, err := clone(s)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for token, cur := range m.sessions {
		if token != s.Token && cur.StudentID == s.StudentID && cur.AssessmentID == s.AssessmentID && !cur.Status.IsTerminal() {
			return ErrLiveSessionExists
		}
	}
	m.sessions[s.Token] = c
	return nil
}

func (m *MemoryStore) Get(_ context.Context, token string) (*model.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[token]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(s)
}

func (m *MemoryStore) Update(_ context.Context, token string, fn UpdateFunc) (*model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.sessions[token]
	if !ok {
		return nil, ErrNotFound
	}
	work, err := clone(cur)
	if err != nil {
		return nil, err
	}
	if err := fn(work); err != nil {
		if err == ErrUnchanged {
			return clone(cur)
		}
		return nil, err
	}
	work.Version = cur.Version + 1
	m.sessions[token] = work
	return clone(work)
}

func (m *MemoryStore) FindLive(_ context.Context, studentID int, assessmentID uuid.UUID) (*model.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.sessions {
		if s.StudentID == studentID && s.AssessmentID == assessmentID && !s.Status.IsTerminal() {
			return clone(s)
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) ListDueBefore(_ context.Context, t time.Time) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var tokens []string
	for token, s := range m.sessions {
		if !s.Status.IsTerminal() && !s.ExpiresAt.After(t) {
			tokens = append(tokens, token)
		}
	}
	sort.Strings(tokens)
	return tokens, nil
}

func (m *MemoryStore) ListRetiredBefore(_ context.Context, t time.Time) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var tokens []string
	for token, s := range m.sessions {
		if s.Status.IsTerminal() && s.EndedAt != nil && s.EndedAt.Before(t) {
			tokens = append(tokens, token)
		}
	}
	sort.Strings(tokens)
	return tokens, nil
}

func (m *MemoryStore) Delete(_ context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, token)
	delete(m.papers, token)
	return nil
}

func (m *MemoryStore) SavePaper(_ context.Context, token string, paper []model.QuestionForStudent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.papers[token] = append([]model.QuestionForStudent(nil), paper...)
	return nil
}

func (m *MemoryStore) GetPaper(_ context.Context, token string) ([]model.QuestionForStudent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.papers[token]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]model.QuestionForStudent(nil), p...), nil
}
