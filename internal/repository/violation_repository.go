package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/invigil/invigil-backend/internal/model"
)

// ViolationRepository is the append-only proctoring violation ledger.
type ViolationRepository struct {
	pool *pgxpool.Pool
}

// NewViolationRepository creates a new ViolationRepository.
func NewViolationRepository(pool *pgxpool.Pool) *ViolationRepository {
	return &ViolationRepository{pool: pool}
}

// Append inserts a violation row, guarded so that rows are only ever recorded
// against IN_PROGRESS sessions. Returns false when the session is missing or
// already terminal — the event must not be recorded or acted upon.
func (r *ViolationRepository) Append(ctx context.Context, v *model.Violation) (bool, error) {
	err := r.pool.QueryRow(ctx,
		`INSERT INTO violations (session_id, type, message, severity)
		 SELECT $1, $2, $3, $4
		 WHERE EXISTS (
		     SELECT 1 FROM exam_sessions
		     WHERE id = $1 AND status = $5)
		 RETURNING id, created_at`,
		v.SessionID, v.Type, v.Message, v.Severity, model.SessionStatusInProgress,
	).Scan(&v.ID, &v.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// CountByTypes aggregates the ledger for one session. Counters are always
// derived from durable rows, never from an in-memory tally, so duplicate
// delivery and coordinator restarts cannot skew them.
func (r *ViolationRepository) CountByTypes(ctx context.Context, sessionID uuid.UUID, types []model.ViolationType) (int, error) {
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = string(t)
	}

	var count int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM violations
		 WHERE session_id = $1 AND type = ANY($2)`,
		sessionID, names,
	).Scan(&count)
	return count, err
}
