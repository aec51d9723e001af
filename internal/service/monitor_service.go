package service

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-session-engine/internal/model"
)

// MonitorSource reads the durable monitoring data.
type MonitorSource interface {
	ListSessionSummaries(ctx context.Context, assessmentID uuid.UUID) ([]model.SessionSummary, error)
	CountEventsByStudent(ctx context.Context, assessmentID uuid.UUID) (map[int]int64, error)
}

// MonitorService builds proctor dashboards for an assessment.
type MonitorService struct {
	source MonitorSource
}

// NewMonitorService creates a new MonitorService.
func NewMonitorService(source MonitorSource) *MonitorService {
	return &MonitorService{source: source}
}

// MonitorStats aggregates session states across the assessment.
type MonitorStats struct {
	Total       int   `json:"total"`
	Active      int   `json:"active"`
	Paused      int   `json:"paused"`
	Completed   int   `json:"completed"`
	Expired     int   `json:"expired"`
	Terminated  int   `json:"terminated"`
	Flagged     int   `json:"flagged"`
	TotalEvents int64 `json:"total_events"`
}

// MonitorStudent is one student row of the snapshot.
type MonitorStudent struct {
	model.SessionSummary
	EventCount int64 `json:"event_count"`
}

// MonitorSnapshot is the full proctor view of an assessment.
type MonitorSnapshot struct {
	AssessmentID uuid.UUID        `json:"assessment_id"`
	Stats        MonitorStats     `json:"stats"`
	Students     []MonitorStudent `json:"students"`
}

// Snapshot fetches sessions and event counts concurrently.
// Sessions are required; event counts are best-effort.
func (s *MonitorService) Snapshot(ctx context.Context, assessmentID uuid.UUID) (*MonitorSnapshot, error) {
	var (
		summaries []model.SessionSummary
		counts    map[int]int64
		sumErr    error
		countErr  error
		wg        sync.WaitGroup
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		summaries, sumErr = s.source.ListSessionSummaries(ctx, assessmentID)
	}()
	go func() {
		defer wg.Done()
		counts, countErr = s.source.CountEventsByStudent(ctx, assessmentID)
	}()
	wg.Wait()

	if sumErr != nil {
		return nil, sumErr
	}
	if countErr != nil {
		counts = nil
	}

	snap := &MonitorSnapshot{AssessmentID: assessmentID, Students: make([]MonitorStudent, 0, len(summaries))}
	st := &snap.Stats
	for _, sum := range summaries {
		st.Total++
		switch sum.Status {
		case model.SessionStatusActive:
			st.Active++
		case model.SessionStatusPaused:
			st.Paused++
		case model.SessionStatusCompleted:
			st.Completed++
		case model.SessionStatusExpired:
			st.Expired++
		case model.SessionStatusTerminated:
			st.Terminated++
		}
		if sum.IsFlagged {
			st.Flagged++
		}
		n := counts[sum.StudentID]
		st.TotalEvents += n
		snap.Students = append(snap.Students, MonitorStudent{SessionSummary: sum, EventCount: n})
	}
	return snap, nil
}
