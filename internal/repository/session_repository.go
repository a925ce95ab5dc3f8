package repository

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/invigil/invigil-backend/internal/model"
)

// SessionRepository handles exam session data access. Answer merges are
// single UPDATE statements so concurrent patches to the same row serialize
// on the row lock instead of racing through read-modify-write in Go.
type SessionRepository struct {
	pool *pgxpool.Pool
}

// NewSessionRepository creates a new SessionRepository.
func NewSessionRepository(pool *pgxpool.Pool) *SessionRepository {
	return &SessionRepository{pool: pool}
}

const sessionColumns = `id, exam_id, student_id, status, started_at, finished_at, device_id, ip_address, answers, score`

// GetByExamAndStudent retrieves a session for a specific exam-student combination.
func (r *SessionRepository) GetByExamAndStudent(ctx context.Context, examID uuid.UUID, studentID int) (*model.Session, error) {
	s := &model.Session{}
	err := r.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+`
		 FROM exam_sessions
		 WHERE exam_id = $1 AND student_id = $2`, examID, studentID,
	).Scan(&s.ID, &s.ExamID, &s.StudentID, &s.Status, &s.StartedAt, &s.FinishedAt,
		&s.DeviceID, &s.IPAddress, &s.Answers, &s.Score)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// GetByID retrieves a session by its ID.
func (r *SessionRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Session, error) {
	s := &model.Session{}
	err := r.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+`
		 FROM exam_sessions
		 WHERE id = $1`, id,
	).Scan(&s.ID, &s.ExamID, &s.StudentID, &s.Status, &s.StartedAt, &s.FinishedAt,
		&s.DeviceID, &s.IPAddress, &s.Answers, &s.Score)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Create inserts a new IN_PROGRESS session. Returns pgx.ErrNoRows when a row
// for (exam_id, student_id) already exists — the caller resolves the race by
// fetching the existing record.
func (r *SessionRepository) Create(ctx context.Context, s *model.Session) error {
	answers, err := json.Marshal(s.Answers)
	if err != nil {
		return err
	}
	return r.pool.QueryRow(ctx,
		`INSERT INTO exam_sessions (exam_id, student_id, status, device_id, ip_address, answers)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (exam_id, student_id) DO NOTHING
		 RETURNING id, started_at`,
		s.ExamID, s.StudentID, model.SessionStatusInProgress, s.DeviceID, s.IPAddress, answers,
	).Scan(&s.ID, &s.StartedAt)
}

// PatchAnswers shallow-merges the patch into the answers blob: new keys win,
// unrelated keys are untouched. Atomic per statement.
func (r *SessionRepository) PatchAnswers(ctx context.Context, id uuid.UUID, patch map[string]json.RawMessage) error {
	raw, err := json.Marshal(patch)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx,
		`UPDATE exam_sessions
		 SET answers = COALESCE(answers, '{}'::jsonb) || $2::jsonb
		 WHERE id = $1`,
		id, raw)
	return err
}

// MergeMarks merges new mark entries into the nested _internal_marks map and
// recomputes score as the sum of the merged marks, in one statement scoped to
// that nested key. Concurrent top-level answer patches are never clobbered.
// Returns the recomputed score.
func (r *SessionRepository) MergeMarks(ctx context.Context, id uuid.UUID, marks map[string]float64) (float64, error) {
	raw, err := json.Marshal(marks)
	if err != nil {
		return 0, err
	}
	var score float64
	err = r.pool.QueryRow(ctx,
		`UPDATE exam_sessions
		 SET answers = jsonb_set(
		         COALESCE(answers, '{}'::jsonb),
		         '{_internal_marks}',
		         COALESCE(answers->'_internal_marks', '{}'::jsonb) || $2::jsonb),
		     score = (
		         SELECT COALESCE(SUM(value::numeric), 0)
		         FROM jsonb_each_text(COALESCE(answers->'_internal_marks', '{}'::jsonb) || $2::jsonb))
		 WHERE id = $1
		 RETURNING score`,
		id, raw,
	).Scan(&score)
	return score, err
}

// MergeMetadata merges identity fields into the nested _internal_metadata
// map, last-write-wins per field.
func (r *SessionRepository) MergeMetadata(ctx context.Context, id uuid.UUID, metadata map[string]json.RawMessage) error {
	raw, err := json.Marshal(metadata)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx,
		`UPDATE exam_sessions
		 SET answers = jsonb_set(
		         COALESCE(answers, '{}'::jsonb),
		         '{_internal_metadata}',
		         COALESCE(answers->'_internal_metadata', '{}'::jsonb) || $2::jsonb)
		 WHERE id = $1`,
		id, raw)
	return err
}

// Complete transitions IN_PROGRESS → COMPLETED with a final score. The
// status guard makes the transition fire at most once; replays and late
// auto-submits report false and change nothing.
func (r *SessionRepository) Complete(ctx context.Context, id uuid.UUID, score float64) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE exam_sessions
		 SET status = $2, score = $3, finished_at = NOW()
		 WHERE id = $1 AND status = $4`,
		id, model.SessionStatusCompleted, score, model.SessionStatusInProgress)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// Terminate transitions IN_PROGRESS → TERMINATED. Idempotent: terminating a
// session that is already terminal reports false without error. The guard is
// also the fence that lets exactly one concurrent violation recorder win.
func (r *SessionRepository) Terminate(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE exam_sessions
		 SET status = $2, finished_at = NOW()
		 WHERE id = $1 AND status = $3`,
		id, model.SessionStatusTerminated, model.SessionStatusInProgress)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// Unterminate is the explicit administrative reversal TERMINATED → IN_PROGRESS.
// It clears finished_at; recorded violations are history and stay untouched.
func (r *SessionRepository) Unterminate(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE exam_sessions
		 SET status = $2, finished_at = NULL
		 WHERE id = $1 AND status = $3`,
		id, model.SessionStatusInProgress, model.SessionStatusTerminated)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}
