package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/invigil/invigil-backend/internal/model"
	ws "github.com/invigil/invigil-backend/internal/websocket"
)

// Outcome is the result of recording a violation.
type Outcome string

const (
	OutcomeRejected   Outcome = "REJECTED"
	OutcomeRecorded   Outcome = "RECORDED"
	OutcomeTerminated Outcome = "TERMINATED"
)

// PresenceNotifier is the slice of the presence coordinator the proctor
// needs. Implemented by presence.Coordinator.
type PresenceNotifier interface {
	ForceTerminate(examID uuid.UUID, studentID int)
	BroadcastToMonitors(examID uuid.UUID, v any)
}

// ExamDirectory resolves per-exam proctoring policy.
type ExamDirectory interface {
	TabSwitchLimit(ctx context.Context, examID uuid.UUID) (*int, error)
}

// ProctorService aggregates violations and drives auto-termination. The
// termination decision is always derived from durable ledger counts, so
// duplicate delivery cannot double-count and a restarted process keeps its
// threshold state.
type ProctorService struct {
	sessions SessionStore
	ledger   ViolationLedger
	exams    ExamDirectory
	presence PresenceNotifier
	log      zerolog.Logger
}

// NewProctorService creates a new ProctorService.
func NewProctorService(
	sessions SessionStore,
	ledger ViolationLedger,
	exams ExamDirectory,
	presence PresenceNotifier,
	log zerolog.Logger,
) *ProctorService {
	return &ProctorService{
		sessions: sessions,
		ledger:   ledger,
		exams:    exams,
		presence: presence,
		log:      log.With().Str("component", "proctor_service").Logger(),
	}
}

// RecordViolation appends a violation, recomputes running counters from the
// ledger, and terminates the session when the exam's tab-switch limit is
// reached. The guarded status transition is the fence: under concurrent
// reports only one caller wins it, so forceTerminate fires at most once.
func (s *ProctorService) RecordViolation(
	ctx context.Context,
	sessionID, examID uuid.UUID,
	studentID int,
	vtype model.ViolationType,
	message string,
) (Outcome, error) {
	v := &model.Violation{
		SessionID: sessionID,
		Type:      vtype,
		Message:   message,
		Severity:  severityFor(vtype),
	}

	recorded, err := s.ledger.Append(ctx, v)
	if err != nil {
		return OutcomeRejected, fmt.Errorf("append violation: %w", err)
	}
	if !recorded {
		// Missing or already-final session: never recorded, never acted on.
		s.log.Debug().
			Str("session_id", sessionID.String()).
			Str("type", string(vtype)).
			Msg("Violation rejected for inactive session")
		return OutcomeRejected, nil
	}

	tabOuts, err := s.ledger.CountByTypes(ctx, sessionID, model.TabSwitchOutTypes)
	if err != nil {
		return OutcomeRecorded, fmt.Errorf("count tab-outs: %w", err)
	}
	tabIns, err := s.ledger.CountByTypes(ctx, sessionID, []model.ViolationType{model.ViolationTabSwitchIn})
	if err != nil {
		return OutcomeRecorded, fmt.Errorf("count tab-ins: %w", err)
	}

	if vtype == model.ViolationTabSwitchIn {
		limit, err := s.exams.TabSwitchLimit(ctx, examID)
		if err != nil {
			return OutcomeRecorded, fmt.Errorf("tab switch limit: %w", err)
		}
		if limit != nil && tabIns >= *limit {
			reason := fmt.Sprintf("Exceeded Tab Switch Limit (%d)", *limit)
			if err := s.terminate(ctx, sessionID, examID, studentID, reason); err != nil {
				return OutcomeTerminated, err
			}
			return OutcomeTerminated, nil
		}
	}

	s.presence.BroadcastToMonitors(examID, ws.LiveViolationEvent{
		Event:   ws.EventLiveViolation,
		UserID:  studentID,
		Type:    string(vtype),
		TabOuts: tabOuts,
		TabIns:  tabIns,
	})
	return OutcomeRecorded, nil
}

// TerminateSession is the explicit teacher-initiated termination. It shares
// the auto-termination path: lifecycle transition first, then presence
// enforcement.
func (s *ProctorService) TerminateSession(ctx context.Context, examID uuid.UUID, studentID int, reason string) error {
	sess, err := s.sessions.GetByExamAndStudent(ctx, examID, studentID)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrSessionNotFound
	}
	if err != nil {
		return fmt.Errorf("get session: %w", err)
	}
	return s.terminate(ctx, sess.ID, examID, studentID, reason)
}

func (s *ProctorService) terminate(ctx context.Context, sessionID, examID uuid.UUID, studentID int, reason string) error {
	won, err := s.sessions.Terminate(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("terminate session: %w", err)
	}

	// Disconnect regardless; a lingering socket on an already-terminated
	// session must not keep streaming.
	s.presence.ForceTerminate(examID, studentID)

	if won {
		s.presence.BroadcastToMonitors(examID, ws.StudentTerminatedEvent{
			Event:  ws.EventStudentKicked,
			UserID: studentID,
			Reason: reason,
		})
		s.log.Warn().
			Str("session_id", sessionID.String()).
			Int("student_id", studentID).
			Str("reason", reason).
			Msg("Session terminated")
	}
	return nil
}

func severityFor(t model.ViolationType) string {
	switch t {
	case model.ViolationVMDetected:
		return "high"
	case model.ViolationTabSwitch, model.ViolationTabSwitchOut, model.ViolationTabSwitchIn:
		return "medium"
	default:
		return "low"
	}
}
