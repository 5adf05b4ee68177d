package reviewer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcarlsen/completeness-loop/llmport"
	"github.com/jcarlsen/completeness-loop/memory"
	"github.com/jcarlsen/completeness-loop/snapshot"
	"github.com/jcarlsen/completeness-loop/tool"
)

type scriptedBackend struct {
	responses []*llmport.Response
	calls     int
}

func (b *scriptedBackend) Generate(ctx context.Context, messages []llmport.Message, tools []llmport.ToolDef, maxTokens int, temperature float64) (*llmport.Response, error) {
	resp := b.responses[b.calls]
	b.calls++
	return resp, nil
}
func (b *scriptedBackend) SupportsTools() bool { return true }
func (b *scriptedBackend) Info() string        { return "scripted" }

func setup(t *testing.T) (string, *memory.Doc) {
	t.Helper()
	dir := t.TempDir()
	return dir, memory.Open(dir, memory.Reviewer)
}

func TestRunWithStructuredVerdictComplete(t *testing.T) {
	dir, mem := setup(t)
	registry, sink := tool.NewReviewerRegistry(dir, mem)

	submitCall := llmport.ToolCall{ID: "c1", Type: "function", Function: llmport.FunctionCall{
		Name:      "submit_review",
		Arguments: `{"score":97,"is_complete":true,"summary":"all requirements met"}`,
	}}
	first := &llmport.Response{Message: llmport.AssistantToolCalls(submitCall), FinishReason: llmport.FinishToolCalls}
	second := &llmport.Response{Message: llmport.AssistantText("nothing more to record"), FinishReason: llmport.FinishStop}

	backend := &scriptedBackend{responses: []*llmport.Response{first, second}}
	h := New(backend, registry, sink, mem, 70)

	reviewCtx := &snapshot.ReviewerContext{Specification: "spec text"}
	verdict, usage, err := h.Run(context.Background(), PhaseImplementationReview, reviewCtx)
	require.NoError(t, err)
	assert.Equal(t, 97, verdict.Score)
	assert.True(t, verdict.IsComplete)
	assert.False(t, verdict.ParsedHeuristically)
	assert.Equal(t, 0, usage.TotalTokens)
}

func TestCompletionFloorBlocksLowThresholdGaming(t *testing.T) {
	dir, mem := setup(t)
	registry, sink := tool.NewReviewerRegistry(dir, mem)

	submitCall := llmport.ToolCall{ID: "c1", Type: "function", Function: llmport.FunctionCall{
		Name:      "submit_review",
		Arguments: `{"score":80,"is_complete":true,"summary":"looks mostly done"}`,
	}}
	first := &llmport.Response{Message: llmport.AssistantToolCalls(submitCall), FinishReason: llmport.FinishToolCalls}
	second := &llmport.Response{Message: llmport.AssistantText(""), FinishReason: llmport.FinishStop}

	backend := &scriptedBackend{responses: []*llmport.Response{first, second}}
	// Configured threshold is deliberately low (10) to prove the hard floor still applies.
	h := New(backend, registry, sink, mem, 10)

	verdict, _, err := h.Run(context.Background(), PhaseImplementationReview, &snapshot.ReviewerContext{})
	require.NoError(t, err)
	assert.Equal(t, 80, verdict.Score)
	assert.False(t, verdict.IsComplete, "score below the 95 floor must never be complete even when the configured threshold is lower")
}

func TestRunFallsBackToHeuristicParsingWithoutSubmitReview(t *testing.T) {
	dir, mem := setup(t)
	registry, sink := tool.NewReviewerRegistry(dir, mem)

	only := &llmport.Response{
		Message:      llmport.AssistantText("Completeness: 62 out of 100. Still need error handling in the auth module."),
		FinishReason: llmport.FinishStop,
	}
	backend := &scriptedBackend{responses: []*llmport.Response{only}}
	h := New(backend, registry, sink, mem, 70)

	verdict, _, err := h.Run(context.Background(), PhaseImplementationReview, &snapshot.ReviewerContext{})
	require.NoError(t, err)
	assert.Equal(t, 62, verdict.Score)
	assert.True(t, verdict.ParsedHeuristically)
	assert.False(t, verdict.IsComplete)
	assert.Contains(t, verdict.NextInstructions, "error handling")
}

func TestRunHandlesBackendErrorFinishReason(t *testing.T) {
	dir, mem := setup(t)
	registry, sink := tool.NewReviewerRegistry(dir, mem)

	errResp := &llmport.Response{Message: llmport.AssistantText("upstream unavailable"), FinishReason: llmport.FinishError}
	backend := &scriptedBackend{responses: []*llmport.Response{errResp}}
	h := New(backend, registry, sink, mem, 70)

	verdict, _, err := h.Run(context.Background(), PhaseImplementationReview, &snapshot.ReviewerContext{})
	require.NoError(t, err)
	assert.Equal(t, 0, verdict.Score)
	assert.False(t, verdict.IsComplete)
	assert.True(t, verdict.ParsedHeuristically)
}

func TestHeuristicPathCompletesOnlyAboveFloorWithNoRemainingWork(t *testing.T) {
	dir, mem := setup(t)
	registry, sink := tool.NewReviewerRegistry(dir, mem)

	done := &llmport.Response{
		Message:      llmport.AssistantText("Completeness: 97. Everything the specification asks for exists and is tested."),
		FinishReason: llmport.FinishStop,
	}
	backend := &scriptedBackend{responses: []*llmport.Response{done}}
	h := New(backend, registry, sink, mem, 70)

	verdict, _, err := h.Run(context.Background(), PhaseTestingReview, &snapshot.ReviewerContext{})
	require.NoError(t, err)
	assert.Equal(t, 97, verdict.Score)
	assert.True(t, verdict.ParsedHeuristically)
	assert.True(t, verdict.IsComplete)
}

func TestHeuristicPathBlockedByRemainingWorkItems(t *testing.T) {
	dir, mem := setup(t)
	registry, sink := tool.NewReviewerRegistry(dir, mem)

	content := "Completeness: 99.\n\nRemaining work:\n- wire the config loader\n- add auth tests\n"
	resp := &llmport.Response{Message: llmport.AssistantText(content), FinishReason: llmport.FinishStop}
	backend := &scriptedBackend{responses: []*llmport.Response{resp}}
	h := New(backend, registry, sink, mem, 70)

	verdict, _, err := h.Run(context.Background(), PhaseImplementationReview, &snapshot.ReviewerContext{})
	require.NoError(t, err)
	assert.Equal(t, 99, verdict.Score)
	assert.False(t, verdict.IsComplete, "remaining-work items must keep the session open regardless of score")
	assert.Contains(t, verdict.NextInstructions, "wire the config loader")
}

func TestSystemPromptOverrides(t *testing.T) {
	h := &Harness{}
	assert.Contains(t, h.systemPromptFor(PhaseImplementationReview), "implementation progress")
	assert.Contains(t, h.systemPromptFor(PhaseTestingReview), "test coverage")

	h.ImplementationPrompt = "custom impl prompt"
	h.TestingPrompt = "custom testing prompt"
	assert.Equal(t, "custom impl prompt", h.systemPromptFor(PhaseImplementationReview))
	assert.Equal(t, "custom testing prompt", h.systemPromptFor(PhaseTestingReview))
}

func TestParseRemainingWorkExtractsBullets(t *testing.T) {
	items := parseRemainingWork("Summary ok.\nRemaining work:\n- first thing\n* second thing\n\nUnrelated prose.")
	assert.Equal(t, []string{"first thing", "second thing"}, items)

	assert.Empty(t, parseRemainingWork("All done, nothing left."))
}

func TestParseHeuristicHandlesNoScoreMention(t *testing.T) {
	score, instructions := parseHeuristic("I looked around but couldn't form a judgment yet.")
	assert.Equal(t, 0, score)
	assert.Equal(t, "I looked around but couldn't form a judgment yet.", instructions)
}

func TestParseHeuristicClampsOutOfRangeScore(t *testing.T) {
	score, _ := parseHeuristic("completeness: 150")
	assert.Equal(t, 100, score)
}
