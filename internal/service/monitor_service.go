package service

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/invigil/invigil-backend/internal/repository"
)

// MonitorService builds the teacher's exam snapshot.
type MonitorService struct {
	monitorRepo *repository.MonitorRepository
}

// NewMonitorService creates a new MonitorService.
func NewMonitorService(monitorRepo *repository.MonitorRepository) *MonitorService {
	return &MonitorService{monitorRepo: monitorRepo}
}

// ExamSnapshot holds every session plus per-student violation counts.
type ExamSnapshot struct {
	Sessions        []repository.SessionSummary `json:"sessions"`
	ViolationCounts map[int]int64               `json:"violation_counts"`
	TotalViolations int64                       `json:"total_violations"`
}

// GetExamSnapshot fires the two independent fetches in parallel. Sessions
// are critical; violation counts are best-effort.
func (s *MonitorService) GetExamSnapshot(ctx context.Context, examID uuid.UUID) (*ExamSnapshot, error) {
	var (
		sessions    []repository.SessionSummary
		counts      map[int]int64
		sessionsErr error
		countsErr   error
		wg          sync.WaitGroup
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		sessions, sessionsErr = s.monitorRepo.ListSessions(ctx, examID)
	}()
	go func() {
		defer wg.Done()
		counts, countsErr = s.monitorRepo.GetViolationCounts(ctx, examID)
	}()
	wg.Wait()

	if sessionsErr != nil {
		return nil, sessionsErr
	}

	snapshot := &ExamSnapshot{
		Sessions:        sessions,
		ViolationCounts: map[int]int64{},
	}
	if countsErr == nil && counts != nil {
		snapshot.ViolationCounts = counts
		for _, c := range counts {
			snapshot.TotalViolations += c
		}
	}
	return snapshot, nil
}
