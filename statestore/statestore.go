// Package statestore serializes the controller's LoopState to a single
// snapshot file under the workspace, rewritten atomically at the end of
// every cycle and on pause. The schema is versioned by field presence:
// new fields get safe zero-value defaults when reading an older snapshot.
package statestore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/jcarlsen/completeness-loop/tool/atomicfile"
)

// FileName is the fixed name of the snapshot file under the workspace
// root. It is excluded from every snapshot.Tree and snapshot.SourceDump
// output so neither agent ever sees its own controller's bookkeeping.
const FileName = ".completeness_state.json"

// Phase is the cycle controller's current phase. There is no reverse
// transition from Testing back to Implementation.
type Phase string

const (
	PhaseImplementation Phase = "implementation"
	PhaseTesting        Phase = "testing"
)

// Usage accumulates token consumption across every cycle for one agent.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add returns the element-wise sum of two Usage values.
func (u Usage) Add(other Usage) Usage {
	return Usage{
		PromptTokens:     u.PromptTokens + other.PromptTokens,
		CompletionTokens: u.CompletionTokens + other.CompletionTokens,
		TotalTokens:      u.TotalTokens + other.TotalTokens,
	}
}

// CycleRecord is one entry in the session's history. ID is additive to
// the documented schema: it gives each history entry a stable
// correlation key independent of its position in the slice, useful once
// log lines and CycleRecords need to be cross-referenced.
type CycleRecord struct {
	ID        string  `json:"id,omitempty"`
	Cycle     int     `json:"cycle"`
	Score     int     `json:"score"`
	Phase     Phase   `json:"phase"`
	Timestamp float64 `json:"timestamp"`
}

// ReviewVerdict is the persisted form of a reviewer's cycle-ending
// judgment. The controller synthesizes one even for a failed cycle (score
// carried over, instructions describing the failure) so a resumed session
// always has instructions to hand the implementer.
type ReviewVerdict struct {
	Score            int    `json:"score"`
	NextInstructions string `json:"next_instructions"`
	IsComplete       bool   `json:"is_complete"`
}

// LoopState is the full durable state of one orchestrator session. Field
// names are part of the on-disk schema and must not be renamed without a
// migration path — new fields should be added with safe zero-value
// defaults rather than renaming existing ones.
type LoopState struct {
	// SessionID identifies this session across restarts. Generated once
	// by New and carried unchanged through every Save/Load round trip.
	SessionID         string        `json:"session_id"`
	CycleCount        int           `json:"cycle_count"`
	ImplementerUsage  Usage         `json:"implementer_usage"`
	ReviewerUsage     Usage         `json:"reviewer_usage"`
	History           []CycleRecord `json:"history"`
	Phase             Phase         `json:"phase"`
	Paused            bool          `json:"paused"`
	Complete          bool          `json:"complete"`
	StartedAt         float64       `json:"started_at"`
	ConsecutiveErrors int           `json:"consecutive_errors"`

	// LastVerdict is the most recent cycle's verdict, carried across a
	// resume so the next implementer cycle has instructions to work from
	// without waiting for a fresh review.
	LastVerdict *ReviewVerdict `json:"last_verdict,omitempty"`
}

// New returns a fresh LoopState for a session starting at startedAt
// (unix seconds, supplied by the caller since this package never reads
// the clock itself).
func New(startedAt float64) *LoopState {
	return &LoopState{
		SessionID: uuid.NewString(),
		Phase:     PhaseImplementation,
		StartedAt: startedAt,
	}
}

// Path returns the snapshot file's absolute path under workDir.
func Path(workDir string) string {
	return filepath.Join(workDir, FileName)
}

// Load reads the snapshot from workDir. A missing file is not an error —
// it returns (nil, nil) so the caller can start a fresh session.
func Load(workDir string) (*LoopState, error) {
	data, err := os.ReadFile(Path(workDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read state snapshot: %w", err)
	}

	var state LoopState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("parse state snapshot: %w", err)
	}
	if state.Phase == "" {
		state.Phase = PhaseImplementation
	}
	return &state, nil
}

// Save atomically rewrites the snapshot file. Because the write is
// temp-file-plus-rename, a reader (including a crashed-and-resumed
// process) only ever observes the snapshot from the end of some prior
// call to Save, never a torn write.
func Save(workDir string, state *LoopState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state snapshot: %w", err)
	}
	if err := atomicfile.Write(Path(workDir), data, 0644); err != nil {
		return fmt.Errorf("write state snapshot: %w", err)
	}
	return nil
}
