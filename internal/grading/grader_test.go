package grading_test

import (
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/invigil/invigil-backend/internal/grading"
	"github.com/invigil/invigil-backend/internal/question"
)

func testSource(t *testing.T) *question.Source {
	t.Helper()
	src, err := question.Parse(json.RawMessage(`[
		{"id": "mcq1", "type": "MCQ", "points": 2, "correct_options": ["b"]},
		{"id": "ms1", "type": "MULTI_SELECT", "points": 4, "correct_options": ["a", "c"]},
		{"id": "code1", "type": "CODING", "points": 10, "test_cases": [
			{"id": "t1"}, {"id": "t2"}, {"id": "t3", "points": 6}
		]},
		{"id": "essay1", "type": "ESSAY", "points": 5}
	]`))
	require.NoError(t, err)
	return src
}

func newGrader() *grading.Grader {
	return grading.New(zerolog.Nop())
}

func TestGradeMCQ(t *testing.T) {
	src := testSource(t)
	g := newGrader()

	marks := g.Grade(src, map[string]json.RawMessage{"mcq1": []byte(`"b"`)})
	require.Equal(t, 2.0, marks["mcq1"])

	marks = g.Grade(src, map[string]json.RawMessage{"mcq1": []byte(`"a"`)})
	require.Equal(t, 0.0, marks["mcq1"])

	// Array form with the single correct id is equivalent.
	marks = g.Grade(src, map[string]json.RawMessage{"mcq1": []byte(`["b"]`)})
	require.Equal(t, 2.0, marks["mcq1"])
}

func TestGradeMultiSelectExactSetOnly(t *testing.T) {
	src := testSource(t)
	g := newGrader()

	// Exact match, order-independent.
	marks := g.Grade(src, map[string]json.RawMessage{"ms1": []byte(`["c", "a"]`)})
	require.Equal(t, 4.0, marks["ms1"])

	// Subset earns nothing.
	marks = g.Grade(src, map[string]json.RawMessage{"ms1": []byte(`["a"]`)})
	require.Equal(t, 0.0, marks["ms1"])

	// Superset earns nothing.
	marks = g.Grade(src, map[string]json.RawMessage{"ms1": []byte(`["a", "c", "d"]`)})
	require.Equal(t, 0.0, marks["ms1"])
}

func TestGradeCoding(t *testing.T) {
	src := testSource(t)
	g := newGrader()

	// t1 and t2 earn the equal share (10/3 each); t3 carries explicit points.
	marks := g.Grade(src, map[string]json.RawMessage{
		"code1": []byte(`{"test_results": [
			{"id": "t1", "passed": true},
			{"id": "t2", "passed": false},
			{"id": "t3", "passed": true}
		]}`),
	})
	require.InDelta(t, 10.0/3.0+6.0, marks["code1"], 1e-9)

	// Nothing passed, nothing earned.
	marks = g.Grade(src, map[string]json.RawMessage{
		"code1": []byte(`{"test_results": [{"id": "t1", "passed": false}]}`),
	})
	require.Equal(t, 0.0, marks["code1"])
}

func TestGradeUnknownsAndReservedKeys(t *testing.T) {
	src := testSource(t)
	g := newGrader()

	marks := g.Grade(src, map[string]json.RawMessage{
		"missing":            []byte(`"a"`),
		"essay1":             []byte(`"free text"`),
		"_internal_metadata": []byte(`{"tab_id": "x"}`),
		"_section_marker":    []byte(`true`),
	})

	// Unresolvable question and unscorable type both mark 0; reserved keys
	// are not answers at all.
	require.Equal(t, 0.0, marks["missing"])
	require.Equal(t, 0.0, marks["essay1"])
	require.NotContains(t, marks, "_internal_metadata")
	require.NotContains(t, marks, "_section_marker")
	require.Len(t, marks, 2)
}

func TestGradeMalformedAnswers(t *testing.T) {
	src := testSource(t)
	g := newGrader()

	marks := g.Grade(src, map[string]json.RawMessage{
		"mcq1":  []byte(`{"not": "an option"}`),
		"code1": []byte(`["not a coding answer"]`),
	})
	require.Equal(t, 0.0, marks["mcq1"])
	require.Equal(t, 0.0, marks["code1"])
}
