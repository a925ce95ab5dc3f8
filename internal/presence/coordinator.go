package presence

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"

	ws "github.com/invigil/invigil-backend/internal/websocket"
)

// Role distinguishes students (subject to takeover) from teachers (monitors).
type Role string

const (
	RoleStudent Role = "student"
	RoleTeacher Role = "teacher"
)

// Conn is the minimal connection surface the coordinator needs. The
// websocket adapter satisfies it in production; tests use fakes.
type Conn interface {
	ID() string
	Send(v any) error
	Close() error
}

// entry is the presence record for one live connection.
type entry struct {
	conn      Conn
	examID    uuid.UUID
	studentID int
	role      Role
}

// room is one broadcast group. Membership is mutated under the mutex;
// sends always happen on a snapshot taken outside of it.
type room struct {
	mu    sync.RWMutex
	conns map[string]Conn
}

// Coordinator maintains the invariant that at most one live connection
// represents a (student, exam) pair, and keeps monitors in sync with
// online/offline/terminated state. All state is process-local and
// best-effort: a crash loses presence, not session truth, and clients
// repopulate it by reconnecting.
type Coordinator struct {
	rooms    *xsync.MapOf[string, *room]
	presence *xsync.MapOf[string, *entry]
	log      zerolog.Logger
}

// NewCoordinator creates an independent coordinator. It is an owned,
// injectable component — no package-level registry.
func NewCoordinator(log zerolog.Logger) *Coordinator {
	return &Coordinator{
		rooms:    xsync.NewMapOf[string, *room](),
		presence: xsync.NewMapOf[string, *entry](),
		log:      log.With().Str("component", "presence").Logger(),
	}
}

func examRoomKey(examID uuid.UUID) string { return fmt.Sprintf("exam:%s", examID) }

func monitorRoomKey(examID uuid.UUID) string { return fmt.Sprintf("monitor:%s", examID) }

func studentRoomKey(examID uuid.UUID, studentID int) string {
	return fmt.Sprintf("student:%d:exam:%s", studentID, examID)
}

// Join admits a connection. Teachers go to the exam and monitor rooms.
// Students additionally claim their student room: every other connection
// there is displaced (notice, then close) — the newest connection always
// wins, and only that student's stale sockets are touched.
func (c *Coordinator) Join(conn Conn, examID uuid.UUID, studentID int, role Role) {
	c.addToRoom(examRoomKey(examID), conn)

	if role == RoleTeacher {
		c.addToRoom(monitorRoomKey(examID), conn)
		c.presence.Store(conn.ID(), &entry{conn: conn, examID: examID, role: RoleTeacher})
		c.log.Debug().Str("conn_id", conn.ID()).Str("exam_id", examID.String()).Msg("Teacher joined")
		return
	}

	victims := c.claimRoom(studentRoomKey(examID, studentID), conn)
	for _, victim := range victims {
		c.presence.Delete(victim.ID())
		c.removeFromRoom(examRoomKey(examID), victim.ID())
		// Notice and close happen outside every lock so a slow or dead
		// victim socket can never block admission of the new one.
		_ = victim.Send(ws.DisplacedEvent{Event: ws.EventDisplaced, Message: ws.MsgDisplaced})
		_ = victim.Close()
		c.log.Info().
			Str("conn_id", victim.ID()).
			Int("student_id", studentID).
			Msg("Displaced stale connection")
	}

	c.presence.Store(conn.ID(), &entry{conn: conn, examID: examID, studentID: studentID, role: RoleStudent})
	c.Broadcast(monitorRoomKey(examID), ws.StudentStatusEvent{
		Event:  ws.EventStudentStatus,
		UserID: studentID,
		Online: true,
	})
}

// Disconnect removes a connection and tells monitors the student went
// offline. Unknown or already-removed connections disconnect silently.
func (c *Coordinator) Disconnect(conn Conn) {
	e, ok := c.presence.LoadAndDelete(conn.ID())
	if !ok {
		return
	}

	c.removeFromRoom(examRoomKey(e.examID), conn.ID())
	if e.role == RoleTeacher {
		c.removeFromRoom(monitorRoomKey(e.examID), conn.ID())
		return
	}

	c.removeFromRoom(studentRoomKey(e.examID, e.studentID), conn.ID())
	c.Broadcast(monitorRoomKey(e.examID), ws.StudentStatusEvent{
		Event:  ws.EventStudentStatus,
		UserID: e.studentID,
		Online: false,
	})
}

// ForceTerminate sends EXAM_TERMINATED to every connection in the student
// room, closes them all, and purges their presence entries.
func (c *Coordinator) ForceTerminate(examID uuid.UUID, studentID int) {
	conns := c.drainRoom(studentRoomKey(examID, studentID))
	for _, conn := range conns {
		c.presence.Delete(conn.ID())
		c.removeFromRoom(examRoomKey(examID), conn.ID())
		_ = conn.Send(ws.ErrorResponse{Event: ws.EventError, Error: ws.MsgExamTerminated})
		_ = conn.Close()
	}
	if len(conns) > 0 {
		c.log.Info().
			Str("exam_id", examID.String()).
			Int("student_id", studentID).
			Int("connections", len(conns)).
			Msg("Force-terminated student connections")
	}
}

// RequestStream forwards the proctoring stream command to a student's live
// connection.
func (c *Coordinator) RequestStream(examID uuid.UUID, studentID int) {
	c.Broadcast(studentRoomKey(examID, studentID), ws.RequestStreamCommand{Event: ws.EventRequestStreamCmd})
}

// BroadcastToMonitors sends a payload to every teacher watching the exam.
func (c *Coordinator) BroadcastToMonitors(examID uuid.UUID, v any) {
	c.Broadcast(monitorRoomKey(examID), v)
}

// Broadcast sends a payload to every connection in a room. Membership is
// snapshotted under the read lock; sends happen outside it.
func (c *Coordinator) Broadcast(roomKey string, v any) {
	r, ok := c.rooms.Load(roomKey)
	if !ok {
		return
	}

	r.mu.RLock()
	conns := make([]Conn, 0, len(r.conns))
	for _, conn := range r.conns {
		conns = append(conns, conn)
	}
	r.mu.RUnlock()

	for _, conn := range conns {
		if err := conn.Send(v); err != nil {
			c.log.Debug().Err(err).Str("conn_id", conn.ID()).Msg("Broadcast send failed")
		}
	}
}

// StudentOnline reports whether a student currently holds a live connection.
func (c *Coordinator) StudentOnline(examID uuid.UUID, studentID int) bool {
	return c.roomSize(studentRoomKey(examID, studentID)) > 0
}

// ─── room bookkeeping ───────────────────────────────────────────────

func (c *Coordinator) addToRoom(key string, conn Conn) {
	c.rooms.Compute(key, func(r *room, loaded bool) (*room, bool) {
		if !loaded {
			r = &room{conns: make(map[string]Conn)}
		}
		r.mu.Lock()
		r.conns[conn.ID()] = conn
		r.mu.Unlock()
		return r, false
	})
}

// claimRoom installs conn as the room's sole member and returns the evicted
// connections. The swap is atomic with respect to concurrent claims, so two
// near-simultaneous joins resolve to last-claim-wins with each loser evicted
// exactly once.
func (c *Coordinator) claimRoom(key string, conn Conn) []Conn {
	var victims []Conn
	c.rooms.Compute(key, func(r *room, loaded bool) (*room, bool) {
		if !loaded {
			r = &room{conns: make(map[string]Conn)}
		}
		r.mu.Lock()
		for id, other := range r.conns {
			if id == conn.ID() {
				continue
			}
			victims = append(victims, other)
			delete(r.conns, id)
		}
		r.conns[conn.ID()] = conn
		r.mu.Unlock()
		return r, false
	})
	return victims
}

func (c *Coordinator) removeFromRoom(key, connID string) {
	c.rooms.Compute(key, func(r *room, loaded bool) (*room, bool) {
		if !loaded {
			return nil, true
		}
		r.mu.Lock()
		delete(r.conns, connID)
		empty := len(r.conns) == 0
		r.mu.Unlock()
		return r, empty
	})
}

// drainRoom removes and returns every connection in a room.
func (c *Coordinator) drainRoom(key string) []Conn {
	var drained []Conn
	c.rooms.Compute(key, func(r *room, loaded bool) (*room, bool) {
		if !loaded {
			return nil, true
		}
		r.mu.Lock()
		for id, conn := range r.conns {
			drained = append(drained, conn)
			delete(r.conns, id)
		}
		r.mu.Unlock()
		return nil, true
	})
	return drained
}

func (c *Coordinator) roomSize(key string) int {
	r, ok := c.rooms.Load(key)
	if !ok {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
