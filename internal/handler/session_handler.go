package handler

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/invigil/invigil-backend/internal/middleware"
	"github.com/invigil/invigil-backend/internal/model"
	"github.com/invigil/invigil-backend/internal/queue"
	"github.com/invigil/invigil-backend/internal/response"
	"github.com/invigil/invigil-backend/internal/service"
	"github.com/invigil/invigil-backend/internal/validator"
)

// SessionHandler serves the student session lifecycle endpoints plus the
// teacher's terminate/unterminate controls.
type SessionHandler struct {
	exams    *service.ExamService
	sessions *service.SessionService
	proctor  *service.ProctorService
	queue    *queue.Queue
	grace    time.Duration
	log      zerolog.Logger
}

// NewSessionHandler creates a new SessionHandler. grace is added to the exam
// duration when scheduling the auto-submit timer.
func NewSessionHandler(
	exams *service.ExamService,
	sessions *service.SessionService,
	proctor *service.ProctorService,
	q *queue.Queue,
	grace time.Duration,
	log zerolog.Logger,
) *SessionHandler {
	return &SessionHandler{
		exams:    exams,
		sessions: sessions,
		proctor:  proctor,
		queue:    q,
		grace:    grace,
		log:      log.With().Str("component", "session_handler").Logger(),
	}
}

// Start handles POST /student/exams/:slug/start — creates the session on
// first entry or resumes it, and arms the auto-submit timer.
func (h *SessionHandler) Start(c *gin.Context) {
	claims := middleware.GetClaims(c)

	// All start fields are optional; an empty body means a bare re-entry.
	var req model.StartSessionRequest
	if c.Request.ContentLength > 0 {
		if fields := validator.Bind(c, &req); fields != nil {
			response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
			return
		}
	}

	exam, err := h.exams.Resolve(c.Request.Context(), c.Param("slug"))
	if errors.Is(err, pgx.ErrNoRows) {
		response.Fail(c, http.StatusNotFound, response.ErrExamNotAvailable)
		return
	}
	if err != nil {
		h.log.Error().Err(err).Str("slug", c.Param("slug")).Msg("Exam resolve failed")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}
	if exam.Status != model.ExamStatusPublished {
		response.Fail(c, http.StatusNotFound, response.ErrExamNotAvailable)
		return
	}

	view, err := h.sessions.StartOrResume(
		c.Request.Context(),
		claims.UserID,
		exam.ID,
		c.ClientIP(),
		req.DeviceID,
		req.TabID,
		req.Metadata,
	)
	switch {
	case errors.Is(err, service.ErrSessionTerminated):
		response.Fail(c, http.StatusForbidden, response.ErrSessionTerminated)
		return
	case errors.Is(err, service.ErrAlreadySubmitted):
		response.Fail(c, http.StatusConflict, response.ErrAlreadySubmitted)
		return
	case err != nil:
		h.log.Error().Err(err).Int("student_id", claims.UserID).Msg("Start session failed")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}

	// Arm the auto-submit timer relative to the original start, so a resume
	// never extends the deadline. Duplicate schedules are fine: the submit
	// handler is idempotent.
	deadline := view.StartedAt.
		Add(time.Duration(exam.DurationMinutes) * time.Minute).
		Add(h.grace)
	if err := h.queue.ScheduleAutoSubmit(c.Request.Context(), view.ID, time.Until(deadline)); err != nil {
		h.log.Error().Err(err).Str("session_id", view.ID.String()).Msg("Auto-submit scheduling failed")
	}

	response.Success(c, http.StatusOK, view)
}

// SaveAnswers handles POST /student/sessions/:id/answers — validates that the
// session still accepts writes, then queues the patch for the grading worker.
func (h *SessionHandler) SaveAnswers(c *gin.Context) {
	claims := middleware.GetClaims(c)

	sessionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	var req model.SaveAnswerRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	sess, ok := h.verifyOwnedActive(c, sessionID, claims.UserID)
	if !ok {
		return
	}

	err = h.queue.EnqueueSaveAnswer(c.Request.Context(), &queue.SaveAnswerJob{
		SessionID: sessionID,
		ExamID:    sess.ExamID,
		Answers:   req.Answers,
	})
	if err != nil {
		h.log.Error().Err(err).Str("session_id", sessionID.String()).Msg("Enqueue save_answer failed")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}

	response.Success(c, http.StatusAccepted, gin.H{"status": "queued"})
}

// Submit handles POST /student/sessions/:id/submit — the manual submit.
// Completion runs through the same queue as the timer so the two paths can
// never double-complete.
func (h *SessionHandler) Submit(c *gin.Context) {
	claims := middleware.GetClaims(c)

	sessionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	if _, ok := h.verifyOwnedActive(c, sessionID, claims.UserID); !ok {
		return
	}

	if err := h.queue.ScheduleAutoSubmit(c.Request.Context(), sessionID, 0); err != nil {
		h.log.Error().Err(err).Str("session_id", sessionID.String()).Msg("Enqueue submit failed")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}

	response.Success(c, http.StatusAccepted, gin.H{"status": "submitting"})
}

// terminateRequest is the optional body for a teacher-initiated termination.
type terminateRequest struct {
	Reason string `json:"reason" binding:"omitempty,max=255"`
}

// Terminate handles POST /teacher/exams/:exam_id/students/:student_id/terminate.
func (h *SessionHandler) Terminate(c *gin.Context) {
	examID, studentID, ok := h.parseExamStudent(c)
	if !ok {
		return
	}

	var req terminateRequest
	if c.Request.ContentLength > 0 {
		if fields := validator.Bind(c, &req); fields != nil {
			response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "Terminated by proctor"
	}

	err := h.proctor.TerminateSession(c.Request.Context(), examID, studentID, req.Reason)
	if errors.Is(err, service.ErrSessionNotFound) {
		response.Fail(c, http.StatusNotFound, response.ErrSessionNotFound)
		return
	}
	if err != nil {
		h.log.Error().Err(err).Int("student_id", studentID).Msg("Terminate failed")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"status": "terminated"})
}

// Unterminate handles POST /teacher/exams/:exam_id/students/:student_id/unterminate —
// the explicit reversal that lets a student back into a terminated session.
func (h *SessionHandler) Unterminate(c *gin.Context) {
	examID, studentID, ok := h.parseExamStudent(c)
	if !ok {
		return
	}

	err := h.sessions.Unterminate(c.Request.Context(), examID, studentID)
	switch {
	case errors.Is(err, service.ErrSessionNotFound):
		response.Fail(c, http.StatusNotFound, response.ErrSessionNotFound)
		return
	case errors.Is(err, service.ErrNotTerminated):
		response.Fail(c, http.StatusConflict, response.ErrSessionNotTerminated)
		return
	case err != nil:
		h.log.Error().Err(err).Int("student_id", studentID).Msg("Unterminate failed")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"status": "reopened"})
}

// verifyOwnedActive loads an active session and checks it belongs to the
// caller, writing the error response itself on failure.
func (h *SessionHandler) verifyOwnedActive(c *gin.Context, sessionID uuid.UUID, studentID int) (*model.Session, bool) {
	sess, err := h.sessions.VerifyActive(c.Request.Context(), sessionID)
	switch {
	case errors.Is(err, service.ErrSessionNotFound):
		response.Fail(c, http.StatusNotFound, response.ErrSessionNotFound)
		return nil, false
	case errors.Is(err, service.ErrAlreadySubmitted):
		response.Fail(c, http.StatusConflict, response.ErrAlreadySubmitted)
		return nil, false
	case errors.Is(err, service.ErrSessionTerminated):
		response.Fail(c, http.StatusForbidden, response.ErrSessionTerminated)
		return nil, false
	case err != nil:
		h.log.Error().Err(err).Str("session_id", sessionID.String()).Msg("Session lookup failed")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return nil, false
	}

	if sess.StudentID != studentID {
		response.Fail(c, http.StatusForbidden, response.ErrForbidden)
		return nil, false
	}
	return sess, true
}

func (h *SessionHandler) parseExamStudent(c *gin.Context) (uuid.UUID, int, bool) {
	examID, err := uuid.Parse(c.Param("exam_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return uuid.Nil, 0, false
	}
	studentID, err := strconv.Atoi(c.Param("student_id"))
	if err != nil || studentID <= 0 {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return uuid.Nil, 0, false
	}
	return examID, studentID, true
}
