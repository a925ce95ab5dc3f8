package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/invigil/invigil-backend/internal/model"
)

// Domain errors surfaced by synchronous session operations.
var (
	ErrSessionTerminated = errors.New("exam session is terminated")
	ErrAlreadySubmitted  = errors.New("exam session is already submitted")
	ErrSessionNotFound   = errors.New("exam session not found")
	ErrNotTerminated     = errors.New("exam session is not terminated")
)

// SessionStore is the durable per-(student, exam) record with atomic merge
// support. Implemented by repository.SessionRepository.
type SessionStore interface {
	GetByExamAndStudent(ctx context.Context, examID uuid.UUID, studentID int) (*model.Session, error)
	GetByID(ctx context.Context, id uuid.UUID) (*model.Session, error)
	Create(ctx context.Context, s *model.Session) error
	MergeMetadata(ctx context.Context, id uuid.UUID, metadata map[string]json.RawMessage) error
	Complete(ctx context.Context, id uuid.UUID, score float64) (bool, error)
	Terminate(ctx context.Context, id uuid.UUID) (bool, error)
	Unterminate(ctx context.Context, id uuid.UUID) (bool, error)
}

// ViolationLedger is the append-only proctoring log with count-by-type
// queries. Implemented by repository.ViolationRepository.
type ViolationLedger interface {
	Append(ctx context.Context, v *model.Violation) (bool, error)
	CountByTypes(ctx context.Context, sessionID uuid.UUID, types []model.ViolationType) (int, error)
}

// FeedbackStore reports whether feedback exists for a student and exam.
type FeedbackStore interface {
	Exists(ctx context.Context, studentID int, examID uuid.UUID) (bool, error)
}

// SessionService is the authoritative session lifecycle state machine.
// Valid transitions: IN_PROGRESS→COMPLETED, IN_PROGRESS→TERMINATED, and
// the explicit administrative TERMINATED→IN_PROGRESS reversal.
type SessionService struct {
	sessions SessionStore
	ledger   ViolationLedger
	feedback FeedbackStore
	log      zerolog.Logger
}

// NewSessionService creates a new SessionService.
func NewSessionService(sessions SessionStore, ledger ViolationLedger, feedback FeedbackStore, log zerolog.Logger) *SessionService {
	return &SessionService{
		sessions: sessions,
		ledger:   ledger,
		feedback: feedback,
		log:      log.With().Str("component", "session_service").Logger(),
	}
}

// StartOrResume creates the session on first entry or resumes the existing
// record. Terminated sessions refuse resumption; completed ones refuse
// re-entry. Freshly supplied metadata merges into _internal_metadata,
// last-write-wins per field.
func (s *SessionService) StartOrResume(
	ctx context.Context,
	studentID int,
	examID uuid.UUID,
	ip, deviceID, tabID string,
	metadata map[string]json.RawMessage,
) (*model.SessionView, error) {
	if tabID != "" {
		if metadata == nil {
			metadata = map[string]json.RawMessage{}
		}
		tab, _ := json.Marshal(tabID)
		metadata["tab_id"] = tab
	}

	sess, err := s.sessions.GetByExamAndStudent(ctx, examID, studentID)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		sess, err = s.create(ctx, studentID, examID, ip, deviceID, metadata)
		if err != nil {
			return nil, err
		}
	case err != nil:
		return nil, fmt.Errorf("get session: %w", err)
	default:
		sess, err = s.resume(ctx, sess, metadata)
		if err != nil {
			return nil, err
		}
	}

	return s.buildView(ctx, sess)
}

func (s *SessionService) create(
	ctx context.Context,
	studentID int,
	examID uuid.UUID,
	ip, deviceID string,
	metadata map[string]json.RawMessage,
) (*model.Session, error) {
	sess := &model.Session{
		ExamID:    examID,
		StudentID: studentID,
		Status:    model.SessionStatusInProgress,
		DeviceID:  deviceID,
		IPAddress: ip,
	}
	if len(metadata) > 0 {
		raw, err := json.Marshal(metadata)
		if err != nil {
			return nil, fmt.Errorf("marshal metadata: %w", err)
		}
		sess.Answers = model.AnswerBlob{model.AnswersMetadataKey: raw}
	}

	err := s.sessions.Create(ctx, sess)
	if errors.Is(err, pgx.ErrNoRows) {
		// Concurrent start won the insert; resume its record instead.
		existing, fetchErr := s.sessions.GetByExamAndStudent(ctx, examID, studentID)
		if fetchErr != nil {
			return nil, fmt.Errorf("concurrent start detected, but fetch failed: %w", fetchErr)
		}
		return s.resume(ctx, existing, metadata)
	}
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	s.log.Info().
		Str("session_id", sess.ID.String()).
		Int("student_id", studentID).
		Str("exam_id", examID.String()).
		Msg("Session created")
	return sess, nil
}

func (s *SessionService) resume(ctx context.Context, sess *model.Session, metadata map[string]json.RawMessage) (*model.Session, error) {
	switch sess.Status {
	case model.SessionStatusTerminated:
		return nil, ErrSessionTerminated
	case model.SessionStatusCompleted:
		return nil, ErrAlreadySubmitted
	}

	if len(metadata) > 0 {
		if err := s.sessions.MergeMetadata(ctx, sess.ID, metadata); err != nil {
			return nil, fmt.Errorf("merge metadata: %w", err)
		}
		// Mirror the store-side merge so the returned record carries the
		// fresh metadata instead of the pre-merge snapshot.
		merged := map[string]json.RawMessage{}
		if raw, ok := sess.Answers[model.AnswersMetadataKey]; ok {
			if err := json.Unmarshal(raw, &merged); err != nil {
				return nil, fmt.Errorf("decode metadata: %w", err)
			}
		}
		for k, v := range metadata {
			merged[k] = v
		}
		raw, err := json.Marshal(merged)
		if err != nil {
			return nil, fmt.Errorf("marshal metadata: %w", err)
		}
		if sess.Answers == nil {
			sess.Answers = model.AnswerBlob{}
		}
		sess.Answers[model.AnswersMetadataKey] = raw
	}
	return sess, nil
}

func (s *SessionService) buildView(ctx context.Context, sess *model.Session) (*model.SessionView, error) {
	tabOuts, err := s.ledger.CountByTypes(ctx, sess.ID, model.TabSwitchOutTypes)
	if err != nil {
		return nil, fmt.Errorf("count tab-outs: %w", err)
	}
	tabIns, err := s.ledger.CountByTypes(ctx, sess.ID, []model.ViolationType{model.ViolationTabSwitchIn})
	if err != nil {
		return nil, fmt.Errorf("count tab-ins: %w", err)
	}
	feedbackDone, err := s.feedback.Exists(ctx, sess.StudentID, sess.ExamID)
	if err != nil {
		return nil, fmt.Errorf("check feedback: %w", err)
	}

	return &model.SessionView{
		Session:           *sess,
		TabSwitchOutCount: tabOuts,
		TabSwitchInCount:  tabIns,
		FeedbackDone:      feedbackDone,
	}, nil
}

// VerifyActive checks that a session exists and still accepts answers.
func (s *SessionService) VerifyActive(ctx context.Context, sessionID uuid.UUID) (*model.Session, error) {
	sess, err := s.sessions.GetByID(ctx, sessionID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	switch sess.Status {
	case model.SessionStatusCompleted:
		return nil, ErrAlreadySubmitted
	case model.SessionStatusTerminated:
		return nil, ErrSessionTerminated
	}
	return sess, nil
}

// Complete transitions to COMPLETED with a final score; fires at most once.
func (s *SessionService) Complete(ctx context.Context, sessionID uuid.UUID, score float64) (bool, error) {
	return s.sessions.Complete(ctx, sessionID, score)
}

// Terminate transitions to TERMINATED. Idempotent: terminating an already
// terminated session is a no-op, not an error.
func (s *SessionService) Terminate(ctx context.Context, sessionID uuid.UUID) (bool, error) {
	return s.sessions.Terminate(ctx, sessionID)
}

// Unterminate is the one explicit exception to terminality: it reverses
// TERMINATED→IN_PROGRESS and clears the end time. Recorded violations are
// immutable history and are never cleared.
func (s *SessionService) Unterminate(ctx context.Context, examID uuid.UUID, studentID int) error {
	sess, err := s.sessions.GetByExamAndStudent(ctx, examID, studentID)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrSessionNotFound
	}
	if err != nil {
		return fmt.Errorf("get session: %w", err)
	}

	ok, err := s.sessions.Unterminate(ctx, sess.ID)
	if err != nil {
		return fmt.Errorf("unterminate: %w", err)
	}
	if !ok {
		return ErrNotTerminated
	}

	s.log.Info().
		Str("session_id", sess.ID.String()).
		Int("student_id", studentID).
		Msg("Session unterminated")
	return nil
}
