package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/invigil/invigil-backend/internal/model"
)

// SessionSummary is one row of the teacher monitor snapshot.
type SessionSummary struct {
	SessionID  uuid.UUID           `json:"session_id"`
	StudentID  int                 `json:"student_id"`
	Status     model.SessionStatus `json:"status"`
	Score      *float64            `json:"score,omitempty"`
	StartedAt  time.Time           `json:"started_at"`
	FinishedAt *time.Time          `json:"finished_at,omitempty"`
}

// MonitorRepository provides aggregated data for the live monitor snapshot.
type MonitorRepository struct {
	pool *pgxpool.Pool
}

// NewMonitorRepository creates a new MonitorRepository.
func NewMonitorRepository(pool *pgxpool.Pool) *MonitorRepository {
	return &MonitorRepository{pool: pool}
}

// ListSessions returns every session for the given exam.
func (r *MonitorRepository) ListSessions(ctx context.Context, examID uuid.UUID) ([]SessionSummary, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, student_id, status, score, started_at, finished_at
		 FROM exam_sessions
		 WHERE exam_id = $1
		 ORDER BY started_at ASC`, examID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var summaries []SessionSummary
	for rows.Next() {
		var s SessionSummary
		if err := rows.Scan(&s.SessionID, &s.StudentID, &s.Status, &s.Score, &s.StartedAt, &s.FinishedAt); err != nil {
			return nil, err
		}
		summaries = append(summaries, s)
	}
	return summaries, rows.Err()
}

// GetViolationCounts returns the number of recorded violations per student
// for the given exam.
func (r *MonitorRepository) GetViolationCounts(ctx context.Context, examID uuid.UUID) (map[int]int64, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT es.student_id, COUNT(*)
		 FROM violations v
		 JOIN exam_sessions es ON v.session_id = es.id
		 WHERE es.exam_id = $1
		 GROUP BY es.student_id`, examID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[int]int64)
	for rows.Next() {
		var sid int
		var count int64
		if err := rows.Scan(&sid, &count); err != nil {
			return nil, err
		}
		counts[sid] = count
	}
	return counts, rows.Err()
}
