// Package implementer runs the bounded tool-calling loop the implementer
// agent follows each cycle: call the backend, execute any tool calls it
// asked for, feed the results back, repeat until the backend stops asking
// for tools or the iteration cap is hit.
package implementer

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jcarlsen/completeness-loop/llmport"
	"github.com/jcarlsen/completeness-loop/memory"
	"github.com/jcarlsen/completeness-loop/snapshot"
	"github.com/jcarlsen/completeness-loop/tool"
)

// DefaultMaxIterations bounds backend round-trips within a single cycle.
const DefaultMaxIterations = 20

// DefaultSystemPrompt is the implementer's embedded system prompt, used
// whenever no override is configured.
const DefaultSystemPrompt = `You are the implementer half of an autonomous two-agent development loop. Your job is to make concrete, verifiable progress on the task described in your instructions, using the tools available to you. Prefer small, testable changes. Run the project's tests before believing something works. Record durable notes — conventions you're following, decisions you've made, pitfalls you've hit — in your memory document so future cycles of yourself don't repeat your own mistakes.`

// Result is what one Run call produces. It is never accompanied by an
// error for ordinary failures — those surface as FinishError in the final
// backend response, carried in LastFinishReason — so the cycle controller
// always has something to record regardless of how the cycle went.
type Result struct {
	Content          string
	ToolCallsMade    int
	ToolResults      []llmport.ToolResult
	Usage            llmport.Usage
	IterationsUsed   int
	LastFinishReason llmport.FinishReason
}

// Harness runs the implementer's bounded tool-calling loop against one
// backend and one tool registry. SystemPrompt overrides the embedded
// default when non-empty.
type Harness struct {
	Backend       llmport.Backend
	Registry      *tool.Registry
	Memory        *memory.Doc
	MaxIterations int
	MaxTokens     int
	Temperature   float64
	SystemPrompt  string
}

// New builds a Harness with the default iteration cap and generation
// parameters the spec's Implementer harness calls for.
func New(backend llmport.Backend, registry *tool.Registry, mem *memory.Doc) *Harness {
	return &Harness{
		Backend:       backend,
		Registry:      registry,
		Memory:        mem,
		MaxIterations: DefaultMaxIterations,
		MaxTokens:     4096,
		Temperature:   0.2,
	}
}

// PromptInput carries everything the prompt assembly step needs beyond the
// agent's own memory document: the workspace snapshot and the
// instructions for this cycle (the full specification on cycle 1, or the
// reviewer's previous remaining-work list on later cycles).
type PromptInput struct {
	Context      *snapshot.ImplementerContext
	Instructions string
}

// buildInitialMessages assembles the one user turn the spec calls for: the
// implementer's private memory snapshot, the workspace snapshot, the last
// commit summary, a task summary, and the current instructions, in that
// fixed order.
func (h *Harness) buildInitialMessages(in PromptInput) ([]llmport.Message, error) {
	memText, err := h.Memory.Read()
	if err != nil {
		return nil, fmt.Errorf("read memory: %w", err)
	}

	user := fmt.Sprintf(
		"## Your memory\n%s\n\n## Workspace file tree\n%s\n\n## Workspace source\n%s\n\n## Last commit\n%s\n\n## Task summary\n%s\n\n## Instructions for this cycle\n%s\n",
		memText, in.Context.Tree, in.Context.SourceDump, in.Context.LastCommit, in.Context.TaskSummary, in.Instructions,
	)

	system := h.SystemPrompt
	if system == "" {
		system = DefaultSystemPrompt
	}
	return []llmport.Message{
		llmport.SystemMessage(system),
		llmport.UserMessage(user),
	}, nil
}

// Run executes the bounded loop described in spec §4.5: call the backend,
// accumulate usage, exit if no tool calls came back, otherwise execute
// each tool call in order and feed the results back, repeating until the
// backend reports finish_reason == stop or the iteration cap is reached.
func (h *Harness) Run(ctx context.Context, in PromptInput) (*Result, error) {
	messages, err := h.buildInitialMessages(in)
	if err != nil {
		return nil, err
	}

	maxIterations := h.MaxIterations
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}

	result := &Result{}
	defs := h.Registry.Definitions()

	for iteration := 0; iteration < maxIterations; iteration++ {
		resp, err := h.Backend.Generate(ctx, messages, defs, h.MaxTokens, h.Temperature)
		if err != nil {
			return nil, fmt.Errorf("backend call cancelled: %w", err)
		}

		result.Usage.PromptTokens += resp.Usage.PromptTokens
		result.Usage.CompletionTokens += resp.Usage.CompletionTokens
		result.Usage.TotalTokens += resp.Usage.TotalTokens
		result.IterationsUsed = iteration + 1
		result.LastFinishReason = resp.FinishReason

		if resp.FinishReason == llmport.FinishError {
			result.Content = resp.Message.Text()
			return result, nil
		}

		if len(resp.Message.ToolCalls) == 0 {
			result.Content = resp.Message.Text()
			return result, nil
		}

		messages = append(messages, resp.Message)

		for _, call := range resp.Message.ToolCalls {
			result.ToolCallsMade++
			output := h.executeToolCall(ctx, call)
			result.ToolResults = append(result.ToolResults, output)
			messages = append(messages, llmport.ToolResponse(call.ID, output.Content))
		}

		if resp.FinishReason == llmport.FinishStop {
			result.Content = resp.Message.Text()
			return result, nil
		}
	}

	result.Content = "implementer reached its iteration cap for this cycle"
	return result, nil
}

func (h *Harness) executeToolCall(ctx context.Context, call llmport.ToolCall) llmport.ToolResult {
	if !json.Valid([]byte(call.Function.Arguments)) {
		return llmport.ToolResult{ToolCallID: call.ID, Content: fmt.Sprintf("error: invalid JSON arguments: %s", call.Function.Arguments), IsError: true}
	}

	output, err := h.Registry.Execute(ctx, call.Function.Name, json.RawMessage(call.Function.Arguments))
	if err != nil {
		return llmport.ToolResult{ToolCallID: call.ID, Content: fmt.Sprintf("error: %s", err), IsError: true}
	}
	return llmport.ToolResult{ToolCallID: call.ID, Content: output}
}
