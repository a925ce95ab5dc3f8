package model

import (
	"time"

	"github.com/google/uuid"
)

// ViolationType enumerates proctoring violation kinds.
type ViolationType string

const (
	ViolationTabSwitch    ViolationType = "TAB_SWITCH"
	ViolationTabSwitchOut ViolationType = "TAB_SWITCH_OUT"
	ViolationTabSwitchIn  ViolationType = "TAB_SWITCH_IN"
	ViolationVMDetected   ViolationType = "VM_DETECTED"
)

// TabSwitchOutTypes are the types counted as "switched away" events.
// Legacy clients report plain TAB_SWITCH for the same gesture.
var TabSwitchOutTypes = []ViolationType{ViolationTabSwitch, ViolationTabSwitchOut}

// Violation is one proctoring event recorded against a session.
// Rows are append-only: created by live events, read for aggregation,
// never mutated or cleared (including across unterminate).
type Violation struct {
	ID        int64         `json:"id"`
	SessionID uuid.UUID     `json:"session_id"`
	Type      ViolationType `json:"type"`
	Message   string        `json:"message,omitempty"`
	Severity  string        `json:"severity,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}
