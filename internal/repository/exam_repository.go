package repository

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/invigil/invigil-backend/internal/model"
)

// ExamRepository is the read-only exam directory backing store.
type ExamRepository struct {
	pool *pgxpool.Pool
}

// NewExamRepository creates a new ExamRepository.
func NewExamRepository(pool *pgxpool.Pool) *ExamRepository {
	return &ExamRepository{pool: pool}
}

// GetBySlug resolves an exam by its public slug.
func (r *ExamRepository) GetBySlug(ctx context.Context, slug string) (*model.Exam, error) {
	e := &model.Exam{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, slug, title, duration_minutes, tab_switch_limit, status, created_at, updated_at
		 FROM exams
		 WHERE slug = $1`, slug,
	).Scan(&e.ID, &e.Slug, &e.Title, &e.DurationMinutes, &e.TabSwitchLimit,
		&e.Status, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// GetByID retrieves an exam by its UUID.
func (r *ExamRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Exam, error) {
	e := &model.Exam{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, slug, title, duration_minutes, tab_switch_limit, status, created_at, updated_at
		 FROM exams
		 WHERE id = $1`, id,
	).Scan(&e.ID, &e.Slug, &e.Title, &e.DurationMinutes, &e.TabSwitchLimit,
		&e.Status, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// GetQuestions returns the raw question definitions blob for an exam.
// Kept separate from GetByID: the blob is large and only the grading path
// needs it.
func (r *ExamRepository) GetQuestions(ctx context.Context, id uuid.UUID) (json.RawMessage, error) {
	var raw json.RawMessage
	err := r.pool.QueryRow(ctx,
		`SELECT questions FROM exams WHERE id = $1`, id,
	).Scan(&raw)
	if err != nil {
		return nil, err
	}
	return raw, nil
}
