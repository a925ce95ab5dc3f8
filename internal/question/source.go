package question

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Shape identifies how an exam's question definitions were stored.
// Legacy exports used three layouts; the shape is resolved exactly once
// at parse time instead of being re-sniffed by every consumer.
type Shape string

const (
	ShapeSections Shape = "sections" // {"sections": [...]}
	ShapeList     Shape = "list"     // bare array of sections or questions
	ShapeMap      Shape = "map"      // {"part-1": {...section...}, ...}
)

// Question types the grader understands. Anything else is unscored.
const (
	TypeMCQ         = "MCQ"
	TypeMultiSelect = "MULTI_SELECT"
	TypeCoding      = "CODING"
)

// TestCase is one coding-question test. Points nil means the test earns an
// equal share of the question's total points.
type TestCase struct {
	ID     string   `json:"id"`
	Points *float64 `json:"points,omitempty"`
}

// Question is a single gradable question definition.
type Question struct {
	ID             string     `json:"id"`
	Type           string     `json:"type"`
	Points         float64    `json:"points"`
	CorrectOptions []string   `json:"correct_options,omitempty"`
	TestCases      []TestCase `json:"test_cases,omitempty"`
}

// Section groups questions; the grader only cares about the flattened set.
type Section struct {
	ID        string     `json:"id,omitempty"`
	Title     string     `json:"title,omitempty"`
	Questions []Question `json:"questions"`
}

// Source is an exam's question definitions, indexed by question ID.
type Source struct {
	shape Shape
	index map[string]Question
}

// Parse resolves a raw question blob into a Source. Resolution order:
// sections wrapper, then array of items, then map of sections.
func Parse(raw json.RawMessage) (*Source, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return &Source{shape: ShapeList, index: map[string]Question{}}, nil
	}

	switch trimmed[0] {
	case '{':
		var wrapper struct {
			Sections []Section `json:"sections"`
		}
		if err := json.Unmarshal(trimmed, &wrapper); err == nil && wrapper.Sections != nil {
			return fromSections(ShapeSections, wrapper.Sections), nil
		}

		var sections map[string]Section
		if err := json.Unmarshal(trimmed, &sections); err != nil {
			return nil, fmt.Errorf("parse question map: %w", err)
		}
		src := &Source{shape: ShapeMap, index: map[string]Question{}}
		for _, sec := range sections {
			src.add(sec.Questions)
		}
		return src, nil

	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, fmt.Errorf("parse question list: %w", err)
		}
		src := &Source{shape: ShapeList, index: map[string]Question{}}
		for _, item := range items {
			// An item carrying a "questions" array is a section;
			// otherwise it is a bare question.
			var sec Section
			if err := json.Unmarshal(item, &sec); err == nil && sec.Questions != nil {
				src.add(sec.Questions)
				continue
			}
			var q Question
			if err := json.Unmarshal(item, &q); err != nil {
				return nil, fmt.Errorf("parse question item: %w", err)
			}
			src.add([]Question{q})
		}
		return src, nil

	default:
		return nil, fmt.Errorf("unrecognized question source (starts with %q)", trimmed[0])
	}
}

func fromSections(shape Shape, sections []Section) *Source {
	src := &Source{shape: shape, index: map[string]Question{}}
	for _, sec := range sections {
		src.add(sec.Questions)
	}
	return src
}

func (s *Source) add(questions []Question) {
	for _, q := range questions {
		if q.ID == "" {
			continue
		}
		s.index[q.ID] = q
	}
}

// Shape reports the storage layout the source was parsed from.
func (s *Source) Shape() Shape { return s.shape }

// Len reports the number of indexed questions.
func (s *Source) Len() int { return len(s.index) }

// Find returns the question definition for the given ID.
func (s *Source) Find(id string) (Question, bool) {
	q, ok := s.index[id]
	return q, ok
}
