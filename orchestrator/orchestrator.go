// Package orchestrator implements the cycle controller: the state machine
// that drives the implementer and reviewer harnesses through successive
// cycles, applies the commit and phase-transition policies, persists
// durable state, and notifies observers.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync/atomic"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/jcarlsen/completeness-loop/implementer"
	"github.com/jcarlsen/completeness-loop/llmport"
	"github.com/jcarlsen/completeness-loop/memory"
	"github.com/jcarlsen/completeness-loop/observer"
	"github.com/jcarlsen/completeness-loop/reviewer"
	"github.com/jcarlsen/completeness-loop/snapshot"
	"github.com/jcarlsen/completeness-loop/statestore"
	"github.com/jcarlsen/completeness-loop/tool"
	"github.com/jcarlsen/completeness-loop/vcs"
)

// controllerTestTimeout bounds the controller's own test run, separate
// from (and usually longer than) the agent-facing run_tests tool's
// per-call timeout.
const controllerTestTimeout = 300 * time.Second

// runShellCommand runs command in dir and reports whether it exited
// zero, following the same exec.CommandContext shape as the shell tool
// but collapsed to a pass/fail signal since the controller only needs a
// gate, not transcript output.
func runShellCommand(ctx context.Context, dir, command string) bool {
	execCtx, cancel := context.WithTimeout(ctx, controllerTestTimeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, "bash", "-c", command)
	cmd.Dir = dir
	return cmd.Run() == nil
}

// maxConsecutiveErrors terminates the session once this many cycles in a
// row fail at the harness level.
const maxConsecutiveErrors = 3

// postErrorSleep is how long the controller waits after a failed cycle
// before trying again, giving a transient backend or network issue room
// to clear.
const postErrorSleep = 5 * time.Second

// Config holds everything the controller needs to run a session. The two
// limits named *MaxCycles* and *MaxToolIterations* are deliberately kept
// as distinct fields — the specification names both `max_iterations`
// (the cycle controller's termination bound) and a per-cycle implementer
// bound under the same informal name; they are different knobs and are
// given different field names here to avoid the ambiguity.
type Config struct {
	WorkDir       string
	Specification string
	// SpecPath, when set, is reread at the start of every cycle so a
	// human editing the specification mid-run is picked up on the next
	// cycle. Specification serves as the fallback when the file is
	// missing or unreadable.
	SpecPath    string
	TestCommand string // empty means "no tests discovered"

	MaxCycles             int
	MaxRuntimeHours       float64
	CompletionThreshold   int // limits.completion_threshold
	TestingPhaseThreshold int // agents.testing_phase_threshold
	MaxToolIterations     int // agents.max_tool_iterations, implementer harness cap

	// Prompt overrides; empty fields keep the harnesses' embedded
	// defaults. AutoFixTests only shapes the implementer's prompt, it
	// never changes the controller's own commit or phase policy.
	ImplementerPrompt            string
	ReviewerImplementationPrompt string
	ReviewerTestingPrompt        string
	AutoFixTests                 bool

	MaxTokens   int
	Temperature float64
}

// withDefaults fills unset knobs. MaxCycles is deliberately not
// defaulted: a zero cycle budget means the session terminates
// immediately with zero cycles, which callers rely on.
func (c Config) withDefaults() Config {
	if c.MaxCycles < 0 {
		c.MaxCycles = 0
	}
	if c.MaxRuntimeHours <= 0 {
		c.MaxRuntimeHours = 8
	}
	if c.CompletionThreshold <= 0 {
		c.CompletionThreshold = 70
	}
	if c.TestingPhaseThreshold <= 0 {
		c.TestingPhaseThreshold = 70
	}
	if c.MaxToolIterations <= 0 {
		c.MaxToolIterations = implementer.DefaultMaxIterations
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 4096
	}
	return c
}

// Controller binds the harnesses, tool registries, repository, and
// observer into the per-cycle sequence described by the cycle controller
// component. Now and Sleep are injectable so tests can run the sequence
// without depending on wall-clock time.
type Controller struct {
	Config Config
	Repo   *vcs.Repo

	ImplBackend llmport.Backend
	RevBackend  llmport.Backend

	ImplMemory *memory.Doc
	RevMemory  *memory.Doc

	Observer observer.Observer

	Now   func() float64
	Sleep func(time.Duration)

	pauseRequested atomic.Bool
	warnedRuntime  bool
}

// RequestPause asks the controller to stop after the current cycle
// drains. Safe to call from any goroutine (typically a signal handler);
// the flag is checked only between cycles, never mid-cycle, so in-flight
// backend calls and subprocesses finish normally and state is persisted
// before Run returns.
func (c *Controller) RequestPause() {
	c.pauseRequested.Store(true)
}

// New builds a Controller with real wall-clock time and sleep, the
// configuration's defaults applied, and a NoopObserver if none is given.
func New(cfg Config, implBackend, revBackend llmport.Backend, obs observer.Observer) *Controller {
	if obs == nil {
		obs = observer.NoopObserver{}
	}
	return &Controller{
		Config:      cfg.withDefaults(),
		Repo:        vcs.Open(cfg.WorkDir),
		ImplBackend: implBackend,
		RevBackend:  revBackend,
		ImplMemory:  memory.Open(cfg.WorkDir, memory.Implementer),
		RevMemory:   memory.Open(cfg.WorkDir, memory.Reviewer),
		Observer:    obs,
		Now:         func() float64 { return float64(time.Now().Unix()) },
		Sleep:       time.Sleep,
	}
}

// LoadOrInit reads an existing snapshot from the workspace, or starts a
// fresh LoopState if none exists.
func (c *Controller) LoadOrInit() (*statestore.LoopState, error) {
	state, err := statestore.Load(c.Config.WorkDir)
	if err != nil {
		return nil, err
	}
	if state == nil {
		state = statestore.New(c.Now())
	}
	return state, nil
}

// shouldTerminate reports whether any of the five hold conditions apply.
func (c *Controller) shouldTerminate(state *statestore.LoopState) bool {
	if state.Complete || state.Paused {
		return true
	}
	if state.CycleCount >= c.Config.MaxCycles {
		return true
	}
	elapsed := c.Now() - state.StartedAt
	if elapsed >= c.Config.MaxRuntimeHours*3600 {
		return true
	}
	if state.ConsecutiveErrors >= maxConsecutiveErrors {
		return true
	}
	return false
}

// Run drives cycles until a termination condition holds, persisting
// state after every cycle and notifying the observer throughout.
func (c *Controller) Run(ctx context.Context) (*statestore.LoopState, error) {
	state, err := c.LoadOrInit()
	if err != nil {
		return nil, err
	}

	c.Observer.OnStatusChange("running")

	for !c.shouldTerminate(state) {
		if ctx.Err() != nil {
			c.Observer.OnStatusChange("cancelled")
			return state, nil
		}
		if c.pauseRequested.Load() {
			state.Paused = true
			if err := statestore.Save(c.Config.WorkDir, state); err != nil {
				return state, fmt.Errorf("persist state on pause: %w", err)
			}
			break
		}
		if err := c.runCycle(ctx, state); err != nil {
			return state, err
		}
		c.maybeWarnRuntime(state)
	}

	status := "exhausted"
	switch {
	case state.Complete:
		status = "complete"
	case state.Paused:
		status = "paused"
	case state.ConsecutiveErrors >= maxConsecutiveErrors:
		status = "errored"
	}
	c.Observer.OnStatusChange(status)
	return state, nil
}

// RunOnce drives exactly one cycle (supporting the CLI's --once flag)
// regardless of whether termination conditions already hold, as long as
// the session isn't already complete or paused.
func (c *Controller) RunOnce(ctx context.Context) (*statestore.LoopState, error) {
	state, err := c.LoadOrInit()
	if err != nil {
		return nil, err
	}
	if state.Complete || state.Paused {
		return state, nil
	}
	if err := c.runCycle(ctx, state); err != nil {
		return state, err
	}
	return state, nil
}

// maybeWarnRuntime emits a one-shot status warning once 80% of the
// runtime budget has elapsed, ahead of the hard cutoff.
func (c *Controller) maybeWarnRuntime(state *statestore.LoopState) {
	if c.warnedRuntime {
		return
	}
	budget := c.Config.MaxRuntimeHours * 3600
	elapsed := c.Now() - state.StartedAt
	if elapsed >= 0.8*budget && elapsed < budget {
		c.warnedRuntime = true
		c.Observer.OnStatusChange(fmt.Sprintf("runtime warning: %.0f of %.0f minutes used", elapsed/60, budget/60))
	}
}

// loadSpecification rereads the specification file if a path was
// configured, so mid-run edits to the spec take effect on the next
// cycle. Falls back to the in-memory copy if the file can't be read.
func (c *Controller) loadSpecification() string {
	if c.Config.SpecPath == "" {
		return c.Config.Specification
	}
	data, err := os.ReadFile(c.Config.SpecPath)
	if err != nil {
		return c.Config.Specification
	}
	return string(data)
}

// runCycle executes the eleven-step sequence for one cycle: increment the
// counter, build the implementer context, select instructions, run the
// implementer, build the reviewer context from the post-implementer
// filesystem only, run the reviewer, append history, run tests, apply the
// commit policy, apply the phase transition, persist, and notify.
func (c *Controller) runCycle(ctx context.Context, state *statestore.LoopState) error {
	start := time.Now()
	state.CycleCount++
	cycleNumber := state.CycleCount

	specification := c.loadSpecification()

	implCtx, err := snapshot.BuildImplementerContext(c.Config.WorkDir, c.Repo, specification)
	if err != nil {
		return c.handleCycleError(ctx, state, cycleNumber, start, fmt.Errorf("build implementer context: %w", err))
	}

	instructions := specification
	if cycleNumber > 1 && state.LastVerdict != nil {
		instructions = state.LastVerdict.NextInstructions
	}

	implRegistry := tool.NewImplementerRegistry(c.Config.WorkDir, c.Repo, c.ImplMemory)
	implHarness := implementer.New(c.ImplBackend, implRegistry, c.ImplMemory)
	implHarness.MaxIterations = c.Config.MaxToolIterations
	implHarness.MaxTokens = c.Config.MaxTokens
	implHarness.Temperature = c.Config.Temperature
	implHarness.SystemPrompt = c.implementerPrompt()

	implResult, err := implHarness.Run(ctx, implementer.PromptInput{Context: implCtx, Instructions: instructions})
	if err != nil {
		return c.handleCycleError(ctx, state, cycleNumber, start, fmt.Errorf("implementer harness: %w", err))
	}
	state.ImplementerUsage = state.ImplementerUsage.Add(statestore.Usage(implResult.Usage))

	revCtx, err := snapshot.BuildReviewerContext(c.Config.WorkDir, c.Repo, specification)
	if err != nil {
		return c.handleCycleError(ctx, state, cycleNumber, start, fmt.Errorf("build reviewer context: %w", err))
	}

	revRegistry, sink := tool.NewReviewerRegistry(c.Config.WorkDir, c.RevMemory)
	revHarness := reviewer.New(c.RevBackend, revRegistry, sink, c.RevMemory, c.Config.CompletionThreshold)
	revHarness.MaxTokens = c.Config.MaxTokens
	revHarness.ImplementationPrompt = c.Config.ReviewerImplementationPrompt
	revHarness.TestingPrompt = c.Config.ReviewerTestingPrompt

	phase := reviewPhaseFor(state.Phase)
	verdict, revUsage, err := revHarness.Run(ctx, phase, revCtx)
	if err != nil {
		return c.handleCycleError(ctx, state, cycleNumber, start, fmt.Errorf("reviewer harness: %w", err))
	}
	state.ReviewerUsage = state.ReviewerUsage.Add(statestore.Usage(revUsage))
	state.LastVerdict = &statestore.ReviewVerdict{
		Score:            verdict.Score,
		NextInstructions: verdict.NextInstructions,
		IsComplete:       verdict.IsComplete,
	}

	state.History = append(state.History, statestore.CycleRecord{
		ID:        uuid.NewString(),
		Cycle:     cycleNumber,
		Score:     verdict.Score,
		Phase:     state.Phase,
		Timestamp: c.Now(),
	})

	testOutcome := c.runTests(ctx)

	committed := c.applyCommitPolicy(state, verdict, testOutcome)
	c.applyPhaseTransition(state, verdict)

	if verdict.IsComplete {
		state.Complete = true
	}

	state.ConsecutiveErrors = 0
	if err := statestore.Save(c.Config.WorkDir, state); err != nil {
		return fmt.Errorf("persist state: %w", err)
	}

	log.Info().
		Int("cycle", cycleNumber).
		Str("phase", string(state.Phase)).
		Int("score", verdict.Score).
		Int("implementer_tokens", implResult.Usage.TotalTokens).
		Int("reviewer_tokens", revUsage.TotalTokens).
		Bool("committed", committed).
		Msg("cycle finished")

	c.Observer.OnCycleComplete(observer.CycleResult{
		CycleNumber:       cycleNumber,
		Verdict:           verdict,
		ImplementerTokens: implResult.Usage.TotalTokens,
		ReviewerTokens:    revUsage.TotalTokens,
		Duration:          time.Since(start),
	})
	return nil
}

// implementerPrompt resolves the implementer's system prompt: the
// configured override or the harness default, plus an extra directive
// when the auto-fix-tests feature is on. The feature is prompt-shaping
// only.
func (c *Controller) implementerPrompt() string {
	prompt := c.Config.ImplementerPrompt
	if c.Config.AutoFixTests {
		if prompt == "" {
			prompt = implementer.DefaultSystemPrompt
		}
		prompt += "\n\nWhen the test suite fails, fixing the failures takes priority over new work."
	}
	return prompt
}

func reviewPhaseFor(phase statestore.Phase) reviewer.Phase {
	if phase == statestore.PhaseTesting {
		return reviewer.PhaseTestingReview
	}
	return reviewer.PhaseImplementationReview
}

// handleCycleError synthesizes the fallback verdict the error-handling
// design calls for: the prior score carried over, instructions describing
// the failure, and an incremented consecutive-error counter, then sleeps
// before allowing the loop to continue.
func (c *Controller) handleCycleError(ctx context.Context, state *statestore.LoopState, cycleNumber int, start time.Time, cycleErr error) error {
	carriedScore := 0
	if len(state.History) > 0 {
		carriedScore = state.History[len(state.History)-1].Score
	}
	state.History = append(state.History, statestore.CycleRecord{
		ID:        uuid.NewString(),
		Cycle:     cycleNumber,
		Score:     carriedScore,
		Phase:     state.Phase,
		Timestamp: c.Now(),
	})
	state.LastVerdict = &statestore.ReviewVerdict{
		Score:            carriedScore,
		NextInstructions: fmt.Sprintf("Previous cycle failed: %s. Retry the prior instructions.", cycleErr),
		IsComplete:       false,
	}
	state.ConsecutiveErrors++

	if err := statestore.Save(c.Config.WorkDir, state); err != nil {
		return fmt.Errorf("persist state after cycle error: %w", err)
	}

	c.Observer.OnCycleComplete(observer.CycleResult{
		CycleNumber: cycleNumber,
		Duration:    time.Since(start),
		Err:         cycleErr,
	})

	if state.ConsecutiveErrors >= maxConsecutiveErrors {
		return nil
	}

	select {
	case <-ctx.Done():
	case <-sleepChan(c.Sleep, postErrorSleep):
	}
	return nil
}

func sleepChan(sleep func(time.Duration), d time.Duration) <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		sleep(d)
		close(ch)
	}()
	return ch
}

// testOutcome classifies the controller-run test suite.
type testOutcome int

const (
	testsNotDiscovered testOutcome = iota
	testsPassed
	testsFailed
)

// runTests runs the configured test command directly (not through the
// implementer's tool registry — this is the controller's own pass/fail
// signal for the commit policy, independent of whatever the implementer
// chose to run mid-cycle).
func (c *Controller) runTests(ctx context.Context) testOutcome {
	if c.Config.TestCommand == "" {
		return testsNotDiscovered
	}
	if runShellCommand(ctx, c.Config.WorkDir, c.Config.TestCommand) {
		return testsPassed
	}
	return testsFailed
}

// applyCommitPolicy commits iff the verdict carried parseable commit
// instructions AND the phase gate allows it: in implementation phase,
// tests passed or were never discovered; in testing phase,
// unconditionally (so failures enter the history too). A verdict with no
// parseable commit message results in no commit attempt at all.
// Reports whether a commit was recorded.
func (c *Controller) applyCommitPolicy(state *statestore.LoopState, verdict *reviewer.Verdict, outcome testOutcome) bool {
	files, rawMessage := parseCommitInstructions(verdict.Summary + "\n" + verdict.NextInstructions)
	if rawMessage == "" {
		return false
	}

	shouldCommit := false
	switch state.Phase {
	case statestore.PhaseImplementation:
		shouldCommit = outcome == testsPassed || outcome == testsNotDiscovered
	case statestore.PhaseTesting:
		shouldCommit = true
	}
	if !shouldCommit {
		return false
	}

	clean, err := c.Repo.IsClean()
	if err != nil || clean {
		return false
	}

	message := buildCommitMessage(rawMessage, state.Phase, state.CycleCount, verdict.Score)

	if err := c.Repo.Add(files...); err != nil {
		return false
	}
	return c.Repo.Commit(message) == nil
}

var vcsAddRe = regexp.MustCompile(`(?i)vcs_add\s+([^\n]+)`)
var vcsCommitRe = regexp.MustCompile(`(?im)vcs_commit\s+-m\s+"?([^"\n]+)"?`)

// parseCommitInstructions extracts a best-effort file list and commit
// message from free-form reviewer content, following the fixed patterns
// "vcs_add <files>" and `vcs_commit -m "<message>"`. The file list is the
// run of words after vcs_add on the same line, ending at a connective
// ("then", "and") or the next vcs_ command. The message is the gate:
// without one, applyCommitPolicy makes no commit attempt. An empty file
// list alongside a message means "stage everything".
func parseCommitInstructions(content string) (files []string, message string) {
	if m := vcsAddRe.FindStringSubmatch(content); m != nil {
		for _, f := range strings.Fields(m[1]) {
			lower := strings.ToLower(f)
			if lower == "then" || lower == "and" || strings.HasPrefix(lower, "vcs_") {
				break
			}
			files = append(files, f)
		}
	}
	if m := vcsCommitRe.FindStringSubmatch(content); m != nil {
		message = strings.TrimSpace(m[1])
	}
	return files, message
}

// forbiddenCommitPhrases strips self-congratulatory language an
// implementer-biased free-form message might carry, so it never enters
// the permanent VCS record and skews a later reviewer's reading of
// vcs_log.
var forbiddenCommitPhrases = []*regexp.Regexp{
	regexp.MustCompile(`(?i)fully implemented`),
	regexp.MustCompile(`(?i)comprehensive(ly)?`),
	regexp.MustCompile(`(?i)production[- ]ready`),
	regexp.MustCompile(`(?i)all edge cases`),
	regexp.MustCompile(`(?i)complete(ly)? (done|finished)`),
	regexp.MustCompile(`(?i)enterprise[- ]grade`),
	regexp.MustCompile(`(?i)battle[- ]tested`),
	regexp.MustCompile(`(?i)rock[- ]solid`),
}

var whitespaceRe = regexp.MustCompile(`\s+`)

// sanitizeCommitMessage strips the forbidden phrases and collapses
// whitespace. A remainder with no letters or digits (stray punctuation
// left behind by the stripping) counts as empty, so the caller falls
// through to the default message.
func sanitizeCommitMessage(msg string) string {
	for _, phrase := range forbiddenCommitPhrases {
		msg = phrase.ReplaceAllString(msg, "")
	}
	msg = strings.TrimSpace(whitespaceRe.ReplaceAllString(msg, " "))
	if !strings.ContainsFunc(msg, func(r rune) bool { return unicode.IsLetter(r) || unicode.IsDigit(r) }) {
		return ""
	}
	return msg
}

// buildCommitMessage formats the trailer as `[<phase> cycle <n>]
// <msg>\nCompleteness: <score>%`. The cycle number is a supplement
// beyond the bare phase-and-score trailer: without it, vcs_log gives a
// reviewer no way to tell how many cycles a given line of history spans.
func buildCommitMessage(raw string, phase statestore.Phase, cycle, score int) string {
	sanitized := sanitizeCommitMessage(raw)
	if sanitized == "" {
		sanitized = "Auto-commit: code changes"
	}
	return fmt.Sprintf("[%s cycle %d] %s\nCompleteness: %d%%", phase, cycle, sanitized, score)
}

// applyPhaseTransition moves implementation to testing once the
// verdict's score clears the configured threshold. There is no reverse
// transition.
func (c *Controller) applyPhaseTransition(state *statestore.LoopState, verdict *reviewer.Verdict) {
	if state.Phase == statestore.PhaseImplementation && verdict.Score >= c.Config.TestingPhaseThreshold {
		state.Phase = statestore.PhaseTesting
	}
}
