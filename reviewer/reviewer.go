// Package reviewer runs the single-call, restricted-tool harness the
// reviewer agent follows each cycle: assemble a post-implementer-only
// context, ask for a structured verdict, let the model optionally save a
// memory note, and fall back to heuristic parsing if it never called
// submit_review at all.
package reviewer

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/jcarlsen/completeness-loop/llmport"
	"github.com/jcarlsen/completeness-loop/memory"
	"github.com/jcarlsen/completeness-loop/snapshot"
	"github.com/jcarlsen/completeness-loop/tool"
)

// Phase identifies which system prompt variant the reviewer call uses.
// The controller picks this based on the cycle's current phase.
type Phase string

const (
	PhaseImplementationReview Phase = "implementation-review"
	PhaseTestingReview        Phase = "testing-review"
)

// CompletionFloor is the hard minimum score below which is_complete can
// never be true, regardless of a misconfigured completion_threshold.
const CompletionFloor = 95

const implementationReviewPrompt = `You are the reviewer half of an autonomous two-agent development loop, currently assessing implementation progress. You see only what actually exists in the workspace — never the implementer's reasoning or self-report. Judge completeness against the original specification, not against what the implementer claims to have done. Call submit_review exactly once with your score and a description of the next concrete steps.`

const testingReviewPrompt = `You are the reviewer half of an autonomous two-agent development loop, currently assessing test coverage and correctness. You see only what actually exists in the workspace. Judge whether the test suite actually exercises the specification's requirements, not just whether tests exist. Call submit_review exactly once with your score and a description of what testing work remains.`

// Verdict is the reviewer's cycle-ending judgment, after applying the
// completion floor and (if needed) heuristic fallback parsing.
type Verdict struct {
	Score               int
	IsComplete          bool
	Summary             string
	RemainingWork       []string
	NextInstructions    string
	ParsedHeuristically bool
}

// Harness runs one reviewer call (plus its optional memory follow-up)
// against a restricted tool registry that exposes only memory_read,
// memory_write, and submit_review. ImplementationPrompt and TestingPrompt
// override the embedded default system prompts when non-empty.
type Harness struct {
	Backend              llmport.Backend
	Registry             *tool.Registry
	Sink                 interface{ Verdict() *tool.ReviewVerdict }
	Memory               *memory.Doc
	MaxTokens            int
	Temperature          float64
	CompletionThreshold  int
	ImplementationPrompt string
	TestingPrompt        string
}

func (h *Harness) systemPromptFor(phase Phase) string {
	if phase == PhaseTestingReview {
		if h.TestingPrompt != "" {
			return h.TestingPrompt
		}
		return testingReviewPrompt
	}
	if h.ImplementationPrompt != "" {
		return h.ImplementationPrompt
	}
	return implementationReviewPrompt
}

// New builds a Harness with the generation parameters and default
// completion threshold the spec's Reviewer harness calls for. completionThreshold
// is the configurable score gate; CompletionFloor always additionally applies.
func New(backend llmport.Backend, registry *tool.Registry, sink interface{ Verdict() *tool.ReviewVerdict }, mem *memory.Doc, completionThreshold int) *Harness {
	return &Harness{
		Backend:             backend,
		Registry:            registry,
		Sink:                sink,
		Memory:              mem,
		MaxTokens:           2048,
		Temperature:         0.1,
		CompletionThreshold: completionThreshold,
	}
}

// Run assembles the reviewer's prompt, makes the first backend call,
// issues the memory-only follow-up if submit_review fired, and falls back
// to heuristic parsing if it didn't.
func (h *Harness) Run(ctx context.Context, phase Phase, reviewCtx *snapshot.ReviewerContext) (*Verdict, llmport.Usage, error) {
	memText, err := h.Memory.Read()
	if err != nil {
		return nil, llmport.Usage{}, fmt.Errorf("read memory: %w", err)
	}

	user := fmt.Sprintf(
		"## Your memory\n%s\n\n## Original specification\n%s\n\n## Workspace file tree\n%s\n\n## Workspace source\n%s\n\n## Recent commit history\n%s\n",
		memText, reviewCtx.Specification, reviewCtx.Tree, reviewCtx.SourceDump, reviewCtx.RecentHistory,
	)

	messages := []llmport.Message{
		llmport.SystemMessage(h.systemPromptFor(phase)),
		llmport.UserMessage(user),
	}

	var usage llmport.Usage
	resp, err := h.Backend.Generate(ctx, messages, h.Registry.Definitions(), h.MaxTokens, h.Temperature)
	if err != nil {
		return nil, usage, fmt.Errorf("backend call cancelled: %w", err)
	}
	usage = addUsage(usage, resp.Usage)

	if resp.FinishReason == llmport.FinishError {
		return h.buildVerdict(0, false, resp.Message.Text(), nil, true), usage, nil
	}

	var verdict *tool.ReviewVerdict
	if len(resp.Message.ToolCalls) > 0 {
		messages = append(messages, resp.Message)

		// Execute every call in the turn, in order, and pair each with a
		// tool result — a call left unanswered would make the follow-up
		// transcript invalid for a strict backend.
		for _, call := range resp.Message.ToolCalls {
			if !json.Valid([]byte(call.Function.Arguments)) {
				messages = append(messages, llmport.ToolResponse(call.ID, "error: invalid JSON arguments"))
				continue
			}
			out, err := h.Registry.Execute(ctx, call.Function.Name, json.RawMessage(call.Function.Arguments))
			if err != nil {
				messages = append(messages, llmport.ToolResponse(call.ID, fmt.Sprintf("error: %s", err)))
				continue
			}
			if call.Function.Name == "submit_review" {
				verdict = h.Sink.Verdict()
				out = "review recorded; optionally call memory_write, or respond with no tool calls to finish"
			}
			messages = append(messages, llmport.ToolResponse(call.ID, out))
		}

		if verdict != nil {
			// Bounded follow-up: at most one more round-trip. It is offered
			// the same catalog, but only its memory_write calls are executed,
			// so a repeated submit_review cannot change the verdict captured above.
			followUp, err := h.Backend.Generate(ctx, messages, h.Registry.Definitions(), h.MaxTokens, h.Temperature)
			if err == nil {
				usage = addUsage(usage, followUp.Usage)
				for _, call := range followUp.Message.ToolCalls {
					if call.Function.Name == "memory_write" && json.Valid([]byte(call.Function.Arguments)) {
						h.Registry.Execute(ctx, "memory_write", json.RawMessage(call.Function.Arguments))
					}
				}
			}
		}
	}

	if verdict != nil {
		return h.buildVerdict(verdict.Score, verdict.IsComplete, verdict.Summary, verdict.RemainingWork, false), usage, nil
	}

	// submit_review was never called: fall back to heuristic parsing of
	// whatever free-form content the model produced. The heuristic path
	// can still complete a session, but only when the score clears the
	// floor and no remaining-work items were found in the content.
	content := resp.Message.Text()
	score, instructions := parseHeuristic(content)
	remaining := parseRemainingWork(content)
	saysComplete := score >= CompletionFloor && len(remaining) == 0
	return h.buildVerdict(score, saysComplete, instructions, remaining, true), usage, nil
}

func addUsage(a, b llmport.Usage) llmport.Usage {
	return llmport.Usage{
		PromptTokens:     a.PromptTokens + b.PromptTokens,
		CompletionTokens: a.CompletionTokens + b.CompletionTokens,
		TotalTokens:      a.TotalTokens + b.TotalTokens,
	}
}

func (h *Harness) buildVerdict(score int, modelSaysComplete bool, summary string, remaining []string, heuristic bool) *Verdict {
	threshold := h.CompletionThreshold
	if threshold <= 0 {
		threshold = 70
	}
	isComplete := modelSaysComplete && score >= threshold && score >= CompletionFloor

	instructions := strings.Join(remaining, "\n")
	if instructions == "" {
		instructions = summary
	}
	if strings.TrimSpace(instructions) == "" {
		instructions = "No further instructions were provided; continue working against the specification."
	}

	return &Verdict{
		Score:               score,
		IsComplete:          isComplete,
		Summary:             summary,
		RemainingWork:       remaining,
		NextInstructions:    instructions,
		ParsedHeuristically: heuristic,
	}
}

var completenessLineRe = regexp.MustCompile(`(?i)completeness[^0-9]{0,10}(\d{1,3})`)

// parseHeuristic is the last-resort fallback when the model never called
// submit_review: locate a line mentioning completeness and pull out an
// integer 0-100, returning the whole content, score line included, as
// the next instructions. If no score can be extracted, score is 0 and
// the raw content becomes the instructions.
func parseHeuristic(content string) (score int, instructions string) {
	match := completenessLineRe.FindStringSubmatch(content)
	if match == nil {
		return 0, content
	}
	n, err := strconv.Atoi(match[1])
	if err != nil {
		return 0, content
	}
	if n > 100 {
		n = 100
	}
	if n < 0 {
		n = 0
	}
	return n, content
}

var remainingHeadingRe = regexp.MustCompile(`(?i)remaining`)
var bulletRe = regexp.MustCompile(`^\s*[-*]\s+(.+)$`)

// parseRemainingWork pulls bullet items that follow a "remaining"-flavored
// heading out of free-form content. The list gates heuristic completion:
// any item found keeps the session open no matter the score.
func parseRemainingWork(content string) []string {
	var items []string
	inSection := false
	for _, line := range strings.Split(content, "\n") {
		if remainingHeadingRe.MatchString(line) && !bulletRe.MatchString(line) {
			inSection = true
			continue
		}
		if !inSection {
			continue
		}
		if m := bulletRe.FindStringSubmatch(line); m != nil {
			items = append(items, strings.TrimSpace(m[1]))
			continue
		}
		if strings.TrimSpace(line) != "" {
			inSection = false
		}
	}
	return items
}
