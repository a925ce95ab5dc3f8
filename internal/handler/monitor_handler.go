package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/invigil/invigil-backend/internal/presence"
	"github.com/invigil/invigil-backend/internal/response"
	"github.com/invigil/invigil-backend/internal/service"
)

// MonitorHandler serves the teacher's monitoring snapshot.
type MonitorHandler struct {
	monitor  *service.MonitorService
	presence *presence.Coordinator
	log      zerolog.Logger
}

// NewMonitorHandler creates a new MonitorHandler.
func NewMonitorHandler(monitor *service.MonitorService, coord *presence.Coordinator, log zerolog.Logger) *MonitorHandler {
	return &MonitorHandler{
		monitor:  monitor,
		presence: coord,
		log:      log.With().Str("component", "monitor_handler").Logger(),
	}
}

// sessionRow is one snapshot entry enriched with live presence.
type sessionRow struct {
	SessionID  uuid.UUID `json:"session_id"`
	StudentID  int       `json:"student_id"`
	Status     string    `json:"status"`
	Score      *float64  `json:"score,omitempty"`
	StartedAt  string    `json:"started_at"`
	FinishedAt *string   `json:"finished_at,omitempty"`
	Online     bool      `json:"online"`
	Violations int64     `json:"violations"`
}

// Snapshot handles GET /teacher/exams/:exam_id/monitor — every session for
// the exam with durable counters plus in-memory online state.
func (h *MonitorHandler) Snapshot(c *gin.Context) {
	examID, err := uuid.Parse(c.Param("exam_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	snapshot, err := h.monitor.GetExamSnapshot(c.Request.Context(), examID)
	if err != nil {
		h.log.Error().Err(err).Str("exam_id", examID.String()).Msg("Snapshot failed")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}

	rows := make([]sessionRow, 0, len(snapshot.Sessions))
	for _, s := range snapshot.Sessions {
		row := sessionRow{
			SessionID:  s.SessionID,
			StudentID:  s.StudentID,
			Status:     string(s.Status),
			Score:      s.Score,
			StartedAt:  s.StartedAt.UTC().Format(time.RFC3339),
			Online:     h.presence.StudentOnline(examID, s.StudentID),
			Violations: snapshot.ViolationCounts[s.StudentID],
		}
		if s.FinishedAt != nil {
			f := s.FinishedAt.UTC().Format(time.RFC3339)
			row.FinishedAt = &f
		}
		rows = append(rows, row)
	}

	response.Success(c, http.StatusOK, gin.H{
		"sessions":         rows,
		"total_violations": snapshot.TotalViolations,
	})
}
