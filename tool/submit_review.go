package tool

import (
	"context"
	"encoding/json"
	"fmt"
)

// ReviewVerdict is the structured outcome a reviewer submits via the
// submit_review tool. The reviewer package owns interpreting it (applying
// the completion floor, falling back to heuristic parsing when this tool
// was never called); this package only captures what the tool call carried.
type ReviewVerdict struct {
	Score         int      `json:"score"`
	IsComplete    bool     `json:"is_complete"`
	Summary       string   `json:"summary"`
	RemainingWork []string `json:"remaining_work"`
}

// reviewSink holds the verdict from the most recent submit_review call;
// a later call replaces an earlier one.
type reviewSink struct {
	verdict *ReviewVerdict
}

// Verdict returns the captured verdict, or nil if submit_review was never
// called this turn.
func (s *reviewSink) Verdict() *ReviewVerdict {
	return s.verdict
}

func registerSubmitReviewTool(r *Registry, d *deps) {
	r.register("submit_review",
		`Submit your completeness review as structured data. Call this exactly once, after you've finished inspecting the workspace. score is 0-100: how complete the implementation is against the task. is_complete should only be true when you are confident no further implementation work remains. remaining_work lists concrete next steps when is_complete is false. If the cycle's changes are worth recording in version control, include a line of the form 'vcs_add <files>' and a line 'vcs_commit -m "<message>"' in your summary; without a vcs_commit line no commit is made.`,
		json.RawMessage(`{
			"type": "object",
			"properties": {
				"score": {"type": "integer", "description": "Completeness score, 0-100"},
				"is_complete": {"type": "boolean", "description": "True only if no further implementation work remains"},
				"summary": {"type": "string", "description": "Short summary of the review"},
				"remaining_work": {"type": "array", "items": {"type": "string"}, "description": "Concrete next steps, when not complete"}
			},
			"required": ["score", "is_complete", "summary"]
		}`),
		submitReviewTool(d),
	)
}

func submitReviewTool(d *deps) Func {
	return func(ctx context.Context, input json.RawMessage) (string, error) {
		var v ReviewVerdict
		if err := json.Unmarshal(input, &v); err != nil {
			return "", fmt.Errorf("invalid input: %w", err)
		}
		if v.Score < 0 || v.Score > 100 {
			return "", fmt.Errorf("score must be between 0 and 100, got %d", v.Score)
		}
		d.review.verdict = &v
		return "review recorded", nil
	}
}
