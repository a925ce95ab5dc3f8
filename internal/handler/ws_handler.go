package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	gorillaws "github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/invigil/invigil-backend/internal/middleware"
	"github.com/invigil/invigil-backend/internal/model"
	"github.com/invigil/invigil-backend/internal/presence"
	"github.com/invigil/invigil-backend/internal/queue"
	"github.com/invigil/invigil-backend/internal/service"
	ws "github.com/invigil/invigil-backend/internal/websocket"
)

// maxViolationTypeLen caps inbound violation type strings; the column is
// unbounded but nothing legitimate needs more.
const maxViolationTypeLen = 64

// WSHandler owns the realtime protocol: the student's answer/violation
// stream and the teacher's monitoring channel over one endpoint.
type WSHandler struct {
	sessions *service.SessionService
	proctor  *service.ProctorService
	presence *presence.Coordinator
	queue    *queue.Queue
	upgrader gorillaws.Upgrader
	log      zerolog.Logger
}

// NewWSHandler creates a new WSHandler. allowedOrigins is matched against the
// Origin header during the upgrade; empty means same-origin only.
func NewWSHandler(
	sessions *service.SessionService,
	proctor *service.ProctorService,
	coord *presence.Coordinator,
	q *queue.Queue,
	allowedOrigins []string,
	log zerolog.Logger,
) *WSHandler {
	origins := make(map[string]bool, len(allowedOrigins))
	allowAll := false
	for _, o := range allowedOrigins {
		if o == "*" {
			allowAll = true
		}
		origins[o] = true
	}

	return &WSHandler{
		sessions: sessions,
		proctor:  proctor,
		presence: coord,
		queue:    q,
		upgrader: gorillaws.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				if allowAll {
					return true
				}
				origin := r.Header.Get("Origin")
				return origin == "" || origins[origin]
			},
		},
		log: log.With().Str("component", "ws_handler").Logger(),
	}
}

// Handle upgrades GET /ws and runs the connection's read loop. The first
// message must be join_exam; everything else is rejected until then.
func (h *WSHandler) Handle(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}

	sock, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Debug().Err(err).Msg("Upgrade failed")
		return
	}

	conn := ws.NewConn(uuid.New().String(), sock)
	defer func() {
		h.presence.Disconnect(conn)
		conn.Close()
	}()

	examID, ok := h.awaitJoin(c, conn, claims)
	if !ok {
		return
	}

	h.readLoop(c, conn, claims, examID)
}

// awaitJoin blocks until the client sends join_exam, joins the presence
// rooms, and acknowledges. Any other first action closes the connection.
func (h *WSHandler) awaitJoin(c *gin.Context, conn *ws.Conn, claims *service.Claims) (uuid.UUID, bool) {
	var payload ws.RequestPayload
	if err := conn.ReadJSON(&payload); err != nil {
		return uuid.Nil, false
	}
	if payload.Action != ws.ActionJoinExam {
		conn.SendError("join_exam must be the first action")
		return uuid.Nil, false
	}

	examID, err := uuid.Parse(payload.ExamID)
	if err != nil {
		conn.SendError("invalid exam_id")
		return uuid.Nil, false
	}

	role := presence.RoleStudent
	if claims.Role == service.RoleTeacher {
		role = presence.RoleTeacher
	}

	h.presence.Join(conn, examID, claims.UserID, role)
	conn.Send(ws.JoinedResponse{Event: ws.EventJoined, ExamID: examID.String()})

	h.log.Debug().
		Str("conn_id", conn.ID()).
		Int("user_id", claims.UserID).
		Str("role", string(role)).
		Msg("Connection joined")
	return examID, true
}

func (h *WSHandler) readLoop(c *gin.Context, conn *ws.Conn, claims *service.Claims, examID uuid.UUID) {
	for {
		var payload ws.RequestPayload
		if err := conn.ReadJSON(&payload); err != nil {
			return
		}

		switch payload.Action {
		case ws.ActionPing:
			conn.Send(ws.PongResponse{Event: ws.EventPong})

		case ws.ActionSaveAnswer:
			if claims.Role != service.RoleStudent {
				conn.SendError("students only")
				continue
			}
			h.handleSaveAnswer(c, conn, claims, examID, &payload)

		case ws.ActionLogViolation:
			if claims.Role != service.RoleStudent {
				conn.SendError("students only")
				continue
			}
			h.handleLogViolation(c, conn, claims, examID, &payload)

		case ws.ActionRequestStream:
			if claims.Role != service.RoleTeacher {
				conn.SendError("teachers only")
				continue
			}
			h.presence.RequestStream(examID, payload.UserID)

		case ws.ActionJoinExam:
			conn.SendError("already joined")

		default:
			conn.SendError("unknown action")
		}
	}
}

func (h *WSHandler) handleSaveAnswer(c *gin.Context, conn *ws.Conn, claims *service.Claims, examID uuid.UUID, payload *ws.RequestPayload) {
	if len(payload.Answers) == 0 {
		conn.SendError("answers required")
		return
	}

	sess, ok := h.ownedActiveSession(c, conn, claims, examID, payload.SessionID)
	if !ok {
		return
	}

	err := h.queue.EnqueueSaveAnswer(c.Request.Context(), &queue.SaveAnswerJob{
		SessionID: sess.ID,
		ExamID:    sess.ExamID,
		Answers:   payload.Answers,
	})
	if err != nil {
		h.log.Error().Err(err).Str("session_id", sess.ID.String()).Msg("Enqueue save_answer failed")
		conn.SendError("save failed")
		return
	}

	conn.Send(ws.SavedResponse{Event: ws.EventSaved, Status: "queued"})
}

func (h *WSHandler) handleLogViolation(c *gin.Context, conn *ws.Conn, claims *service.Claims, examID uuid.UUID, payload *ws.RequestPayload) {
	vtype, ok := parseViolationType(payload.Type)
	if !ok {
		conn.SendError("unknown violation type")
		return
	}

	sess, ok := h.ownedActiveSession(c, conn, claims, examID, payload.SessionID)
	if !ok {
		return
	}

	// On a TERMINATED outcome this connection has already received
	// EXAM_TERMINATED and been closed by the presence coordinator; the next
	// read errors out and ends the loop.
	_, err := h.proctor.RecordViolation(
		c.Request.Context(),
		sess.ID,
		examID,
		claims.UserID,
		vtype,
		payload.Message,
	)
	if err != nil {
		h.log.Error().Err(err).Str("session_id", sess.ID.String()).Msg("Record violation failed")
	}
}

// ownedActiveSession parses and authorizes the session reference common to
// save_answer and log_violation.
func (h *WSHandler) ownedActiveSession(c *gin.Context, conn *ws.Conn, claims *service.Claims, examID uuid.UUID, rawID string) (*model.Session, bool) {
	sessionID, err := uuid.Parse(rawID)
	if err != nil {
		conn.SendError("invalid session_id")
		return nil, false
	}

	sess, err := h.sessions.VerifyActive(c.Request.Context(), sessionID)
	if err != nil {
		conn.SendError("session is not active")
		return nil, false
	}
	if sess.StudentID != claims.UserID || sess.ExamID != examID {
		conn.SendError("session does not belong to this connection")
		return nil, false
	}
	return sess, true
}

// parseViolationType validates an inbound violation kind. The ledger is
// open-ended: proctoring clients report kinds beyond the named constants
// (screen-recording stops, devtools, ...) and they are recorded as-is, so
// only empty and oversized values are refused.
func parseViolationType(raw string) (model.ViolationType, bool) {
	if raw == "" || len(raw) > maxViolationTypeLen {
		return "", false
	}
	return model.ViolationType(raw), true
}
