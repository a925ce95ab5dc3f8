package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// SessionStatus enumerates exam session states.
type SessionStatus string

const (
	SessionStatusInProgress SessionStatus = "IN_PROGRESS"
	SessionStatusCompleted  SessionStatus = "COMPLETED"
	SessionStatusTerminated SessionStatus = "TERMINATED"
)

// Reserved keys inside the answers blob. Everything else is a question ID
// (or a client-side section marker prefixed with "_").
const (
	AnswersMetadataKey = "_internal_metadata"
	AnswersMarksKey    = "_internal_marks"
)

// AnswerBlob is the opaque questionID → answer mapping stored per session.
// Values are kept raw; only the grader interprets them.
type AnswerBlob map[string]json.RawMessage

// Marks extracts the _internal_marks map from the blob.
// A missing or malformed entry yields an empty map.
func (b AnswerBlob) Marks() map[string]float64 {
	marks := make(map[string]float64)
	raw, ok := b[AnswersMarksKey]
	if !ok {
		return marks
	}
	_ = json.Unmarshal(raw, &marks)
	return marks
}

// Session represents a student's attempt at one exam.
// Unique per (exam_id, student_id); re-entry resumes, never duplicates.
type Session struct {
	ID         uuid.UUID     `json:"id"`
	ExamID     uuid.UUID     `json:"exam_id"`
	StudentID  int           `json:"student_id"`
	Status     SessionStatus `json:"status"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt *time.Time    `json:"finished_at,omitempty"`
	DeviceID   string        `json:"device_id,omitempty"`
	IPAddress  string        `json:"ip_address,omitempty"`
	Answers    AnswerBlob    `json:"answers,omitempty"`
	Score      *float64      `json:"score,omitempty"`
}

// SessionView is a Session augmented with derived state for the start/resume
// response: running tab-switch counters and whether feedback was left.
type SessionView struct {
	Session
	TabSwitchOutCount int  `json:"tab_switch_out_count"`
	TabSwitchInCount  int  `json:"tab_switch_in_count"`
	FeedbackDone      bool `json:"feedback_done"`
}

// StartSessionRequest is the payload for starting or resuming an exam session.
type StartSessionRequest struct {
	DeviceID string                     `json:"device_id" binding:"omitempty,max=128"`
	TabID    string                     `json:"tab_id" binding:"omitempty,max=128"`
	Metadata map[string]json.RawMessage `json:"metadata" binding:"omitempty"`
}

// SaveAnswerRequest is the payload for queueing a partial answer patch.
type SaveAnswerRequest struct {
	Answers map[string]json.RawMessage `json:"answers" binding:"required"`
}
