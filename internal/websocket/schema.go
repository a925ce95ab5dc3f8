package websocket

import "encoding/json"

// ─── Actions (Client → Server) ──────────────────────────────────────

type Action string

const (
	ActionJoinExam      Action = "join_exam"
	ActionSaveAnswer    Action = "save_answer"
	ActionLogViolation  Action = "log_violation"
	ActionRequestStream Action = "request_stream"
	ActionPing          Action = "ping"
)

// RequestPayload is the unified inbound message. Fields are populated per
// action; unused ones stay zero.
type RequestPayload struct {
	Action    Action `json:"action"`
	ExamID    string `json:"exam_id,omitempty"`
	UserID    int    `json:"user_id,omitempty"`
	Role      string `json:"role,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	// save_answer: partial questionID → answer patch
	Answers map[string]json.RawMessage `json:"answers,omitempty"`
	// log_violation
	Type    string `json:"type,omitempty"`
	Message string `json:"message,omitempty"`
}

// ─── Events (Server → Client) ───────────────────────────────────────

type Event string

const (
	EventError            Event = "error"
	EventJoined           Event = "joined"
	EventSaved            Event = "saved"
	EventPong             Event = "pong"
	EventStudentStatus    Event = "student_status"
	EventLiveViolation    Event = "live_violation"
	EventStudentKicked    Event = "student_terminated"
	EventDisplaced        Event = "displaced"
	EventRequestStreamCmd Event = "cmd_request_stream"
)

// ErrorMessages surfaced to disconnected students.
const (
	MsgExamTerminated = "EXAM_TERMINATED"
	MsgDisplaced      = "another instance is active; this session is now inactive"
)

// StudentStatusEvent tells monitors a student went online or offline.
type StudentStatusEvent struct {
	Event  Event `json:"event"`
	UserID int   `json:"user_id"`
	Online bool  `json:"online"`
}

// LiveViolationEvent carries a violation plus running counters to monitors.
type LiveViolationEvent struct {
	Event   Event  `json:"event"`
	UserID  int    `json:"user_id"`
	Type    string `json:"type"`
	TabOuts int    `json:"tab_outs"`
	TabIns  int    `json:"tab_ins"`
}

// StudentTerminatedEvent tells monitors a student's session was terminated.
type StudentTerminatedEvent struct {
	Event  Event  `json:"event"`
	UserID int    `json:"user_id"`
	Reason string `json:"reason"`
}

// RequestStreamCommand asks a student client to start its proctoring stream.
type RequestStreamCommand struct {
	Event Event `json:"event"`
}

// DisplacedEvent is the single notice an evicted connection receives.
type DisplacedEvent struct {
	Event   Event  `json:"event"`
	Message string `json:"message"`
}

// JoinedResponse acknowledges a successful join_exam.
type JoinedResponse struct {
	Event  Event  `json:"event"`
	ExamID string `json:"exam_id"`
}

// SavedResponse acknowledges a queued answer patch.
type SavedResponse struct {
	Event  Event  `json:"event"`
	Status string `json:"status"`
}

// ErrorResponse is the generic outbound error.
type ErrorResponse struct {
	Event Event  `json:"event"`
	Error string `json:"error"`
}

// PongResponse answers a ping.
type PongResponse struct {
	Event Event `json:"event"`
}
