// Package observer defines the two best-effort callbacks the cycle
// controller notifies on every status change and cycle completion, plus a
// zerolog-backed default implementation for CLI use.
package observer

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/jcarlsen/completeness-loop/reviewer"
)

// CycleResult is the summary handed to Observer.OnCycleComplete. Err is
// non-nil only when the cycle itself failed (context assembly, or the
// implementer or reviewer call), not when the verdict simply scored low.
type CycleResult struct {
	CycleNumber       int
	Verdict           *reviewer.Verdict
	ImplementerTokens int
	ReviewerTokens    int
	Duration          time.Duration
	Err               error
}

// Observer receives best-effort notifications from the controller.
// Neither callback may block the controller thread for long, and the
// controller never inspects a callback's return value — there isn't one.
type Observer interface {
	OnStatusChange(status string)
	OnCycleComplete(result CycleResult)
}

// NoopObserver satisfies Observer by doing nothing, for callers (tests,
// one-shot CLI runs) that don't need progress reporting.
type NoopObserver struct{}

func (NoopObserver) OnStatusChange(string)       {}
func (NoopObserver) OnCycleComplete(CycleResult) {}

// LogObserver is the default Observer: it writes structured log lines via
// zerolog, the same logging library the rest of the ambient stack uses.
type LogObserver struct{}

func (LogObserver) OnStatusChange(status string) {
	log.Info().Str("status", status).Msg("orchestrator status change")
}

func (LogObserver) OnCycleComplete(result CycleResult) {
	event := log.Info()
	if result.Err != nil {
		event = log.Error().Err(result.Err)
	}

	event = event.
		Int("cycle", result.CycleNumber).
		Int("implementer_tokens", result.ImplementerTokens).
		Int("reviewer_tokens", result.ReviewerTokens).
		Dur("duration", result.Duration)

	if result.Verdict != nil {
		event = event.
			Int("score", result.Verdict.Score).
			Bool("is_complete", result.Verdict.IsComplete)
	}

	event.Msg("cycle complete")
}
