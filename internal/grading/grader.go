package grading

import (
	"encoding/json"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/rs/zerolog"

	"github.com/invigil/invigil-backend/internal/question"
)

// Grader computes per-question marks for freshly submitted answers.
type Grader struct {
	log zerolog.Logger
}

// New creates a Grader.
func New(log zerolog.Logger) *Grader {
	return &Grader{log: log.With().Str("component", "grader").Logger()}
}

// Grade returns a questionID → mark map for every non-reserved key in the
// patch. A question that cannot be resolved, or an unscorable type, earns 0
// and is logged; grading always continues for the remaining answers.
func (g *Grader) Grade(src *question.Source, patch map[string]json.RawMessage) map[string]float64 {
	marks := make(map[string]float64, len(patch))

	for qid, answer := range patch {
		if strings.HasPrefix(qid, "_") {
			continue // section markers and internal keys are not answers
		}

		q, ok := src.Find(qid)
		if !ok {
			g.log.Warn().Str("question_id", qid).Msg("Question definition not found, marking 0")
			marks[qid] = 0
			continue
		}

		marks[qid] = g.mark(q, answer)
	}

	return marks
}

func (g *Grader) mark(q question.Question, answer json.RawMessage) float64 {
	switch q.Type {
	case question.TypeMCQ, question.TypeMultiSelect:
		return g.markChoice(q, answer)
	case question.TypeCoding:
		return g.markCoding(q, answer)
	default:
		g.log.Debug().
			Str("question_id", q.ID).
			Str("type", q.Type).
			Msg("Unscored question type")
		return 0
	}
}

// markChoice awards full credit iff the submitted option-id set exactly
// equals the correct set. Subsets and supersets earn nothing.
func (g *Grader) markChoice(q question.Question, answer json.RawMessage) float64 {
	submitted, err := optionSet(answer)
	if err != nil {
		g.log.Warn().Err(err).Str("question_id", q.ID).Msg("Malformed choice answer")
		return 0
	}

	correct := mapset.NewThreadUnsafeSet(q.CorrectOptions...)
	if submitted.Equal(correct) {
		return q.Points
	}
	return 0
}

// optionSet accepts either a single option id string or an array of ids.
func optionSet(raw json.RawMessage) (mapset.Set[string], error) {
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return mapset.NewThreadUnsafeSet(single), nil
	}

	var many []string
	if err := json.Unmarshal(raw, &many); err != nil {
		return nil, err
	}
	return mapset.NewThreadUnsafeSet(many...), nil
}

type codingAnswer struct {
	TestResults []struct {
		ID     string `json:"id"`
		Passed bool   `json:"passed"`
	} `json:"test_results"`
}

// markCoding sums points over passed tests. A test with explicit points
// contributes them; otherwise it earns an equal share of the question total.
func (g *Grader) markCoding(q question.Question, answer json.RawMessage) float64 {
	var submitted codingAnswer
	if err := json.Unmarshal(answer, &submitted); err != nil {
		g.log.Warn().Err(err).Str("question_id", q.ID).Msg("Malformed coding answer")
		return 0
	}

	testsByID := make(map[string]question.TestCase, len(q.TestCases))
	for _, tc := range q.TestCases {
		testsByID[tc.ID] = tc
	}

	var equalShare float64
	if n := len(q.TestCases); n > 0 {
		equalShare = q.Points / float64(n)
	}

	var total float64
	for _, res := range submitted.TestResults {
		if !res.Passed {
			continue
		}
		if tc, ok := testsByID[res.ID]; ok && tc.Points != nil {
			total += *tc.Points
		} else {
			total += equalShare
		}
	}
	return total
}
