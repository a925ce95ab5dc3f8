package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ExamStatus enumerates the possible states of an exam.
type ExamStatus string

const (
	ExamStatusDraft     ExamStatus = "DRAFT"
	ExamStatusPublished ExamStatus = "PUBLISHED"
	ExamStatusArchived  ExamStatus = "ARCHIVED"
)

// Exam is a read-only directory entry. Authoring lives in a separate
// system; the coordinator only resolves exams and their question
// definitions.
type Exam struct {
	ID              uuid.UUID  `json:"id"`
	Slug            string     `json:"slug"`
	Title           string     `json:"title"`
	DurationMinutes int        `json:"duration_minutes"`
	// TabSwitchLimit is the auto-termination threshold for TAB_SWITCH_IN
	// violations. Nil disables auto-termination for this exam.
	TabSwitchLimit *int            `json:"tab_switch_limit,omitempty"`
	Questions      json.RawMessage `json:"questions,omitempty"`
	Status         ExamStatus      `json:"status"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}
