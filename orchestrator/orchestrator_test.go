package orchestrator

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcarlsen/completeness-loop/llmport"
	"github.com/jcarlsen/completeness-loop/observer"
	"github.com/jcarlsen/completeness-loop/statestore"
)

// scriptedBackend replays a fixed response per call, cycling back to the
// last response once exhausted so a multi-cycle Run doesn't panic on a
// backend that's only scripted for the cycles under direct test.
type scriptedBackend struct {
	responses []*llmport.Response
	calls     int
}

func (b *scriptedBackend) Generate(ctx context.Context, messages []llmport.Message, tools []llmport.ToolDef, maxTokens int, temperature float64) (*llmport.Response, error) {
	idx := b.calls
	if idx >= len(b.responses) {
		idx = len(b.responses) - 1
	}
	b.calls++
	return b.responses[idx], nil
}
func (b *scriptedBackend) SupportsTools() bool { return true }
func (b *scriptedBackend) Info() string        { return "scripted" }

func initRepo(t *testing.T, dir string) {
	t.Helper()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		require.NoError(t, cmd.Run())
	}
	run("init")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "Test")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("seed\n"), 0644))
	run("add", "-A")
	run("commit", "-m", "seed")
}

// plainTextResponse is an implementer response that never calls a tool,
// so the implementer harness returns after exactly one backend call.
func plainTextResponse(text string) *llmport.Response {
	return &llmport.Response{
		Message:      llmport.AssistantText(text),
		FinishReason: llmport.FinishStop,
	}
}

// submitReviewResponse is a reviewer response that calls submit_review
// with the given score and completeness.
func submitReviewResponse(score int, isComplete bool, remaining string) *llmport.Response {
	args := `{"score":` + strconv.Itoa(score) + `,"is_complete":` + strconv.FormatBool(isComplete) + `,"summary":"progress noted","remaining_work":["` + remaining + `"]}`
	call := llmport.ToolCall{ID: "c1", Type: "function", Function: llmport.FunctionCall{Name: "submit_review", Arguments: args}}
	return &llmport.Response{
		Message:      llmport.AssistantToolCalls(call),
		FinishReason: llmport.FinishToolCalls,
	}
}

// submitReviewWithCommit is a reviewer response whose summary carries the
// free-text commit instructions the controller's commit policy looks for.
func submitReviewWithCommit(score int, files, message string) *llmport.Response {
	args := fmt.Sprintf(`{"score":%d,"is_complete":false,"summary":"vcs_add %s\nvcs_commit -m %s","remaining_work":["add more tests"]}`, score, files, message)
	call := llmport.ToolCall{ID: "c1", Type: "function", Function: llmport.FunctionCall{Name: "submit_review", Arguments: args}}
	return &llmport.Response{
		Message:      llmport.AssistantToolCalls(call),
		FinishReason: llmport.FinishToolCalls,
	}
}

func reviewerFollowUp() *llmport.Response {
	return plainTextResponse("no memory update")
}

func newTestController(t *testing.T, dir string, implBackend, revBackend llmport.Backend) *Controller {
	t.Helper()
	var fakeNow float64 = 1700000000
	c := New(Config{
		WorkDir:               dir,
		Specification:         "build the thing",
		CompletionThreshold:   70,
		TestingPhaseThreshold: 70,
		MaxCycles:             10,
		MaxRuntimeHours:       1,
	}, implBackend, revBackend, observer.NoopObserver{})
	c.Now = func() float64 { return fakeNow }
	c.Sleep = func(time.Duration) {}
	return c
}

func TestRunCycleCommitsWhenVerdictCarriesInstructions(t *testing.T) {
	dir := t.TempDir()
	initRepo(t, dir)

	implBackend := &scriptedBackend{responses: []*llmport.Response{plainTextResponse("made progress")}}
	revBackend := &scriptedBackend{responses: []*llmport.Response{
		submitReviewWithCommit(40, "new_file.go", "record new file"),
		reviewerFollowUp(),
	}}

	c := newTestController(t, dir, implBackend, revBackend)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "new_file.go"), []byte("package main\n"), 0644))

	state, err := c.RunOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, state.History, 1)
	assert.Equal(t, 40, state.History[0].Score)
	assert.Equal(t, statestore.PhaseImplementation, state.Phase)
	assert.False(t, state.Complete)
	require.NotNil(t, state.LastVerdict)
	assert.Equal(t, "add more tests", state.LastVerdict.NextInstructions)

	// The agents' memory files and the state snapshot stay untracked, so
	// only new_file.go's own status is checked.
	status, err := c.Repo.Status()
	require.NoError(t, err)
	for _, entry := range status {
		assert.NotEqual(t, "new_file.go", entry.Path, "expected new_file.go to be committed")
	}

	// git reports the message's first paragraph as the subject, so the
	// Completeness trailer line is joined onto it with a space.
	subject, err := c.Repo.LastCommitSubject()
	require.NoError(t, err)
	assert.Equal(t, "[implementation cycle 1] record new file Completeness: 40%", subject)
}

func TestNoCommitAttemptWithoutParseableInstructions(t *testing.T) {
	dir := t.TempDir()
	initRepo(t, dir)

	implBackend := &scriptedBackend{responses: []*llmport.Response{plainTextResponse("made progress")}}
	revBackend := &scriptedBackend{responses: []*llmport.Response{
		submitReviewResponse(40, false, "keep adding features"),
		reviewerFollowUp(),
	}}

	c := newTestController(t, dir, implBackend, revBackend)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "new_file.go"), []byte("package main\n"), 0644))

	state, err := c.RunOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, state.History, 1)

	clean, err := c.Repo.IsClean()
	require.NoError(t, err)
	assert.False(t, clean, "a verdict with no vcs_commit instruction must produce no commit attempt")
}

func TestRunCyclePhaseTransitionsAtThreshold(t *testing.T) {
	dir := t.TempDir()
	initRepo(t, dir)

	implBackend := &scriptedBackend{responses: []*llmport.Response{plainTextResponse("made progress")}}
	revBackend := &scriptedBackend{responses: []*llmport.Response{
		submitReviewResponse(85, false, "write tests now"),
		reviewerFollowUp(),
	}}

	c := newTestController(t, dir, implBackend, revBackend)
	state, err := c.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, statestore.PhaseTesting, state.Phase)
}

func TestRunCycleMarksCompleteAboveFloor(t *testing.T) {
	dir := t.TempDir()
	initRepo(t, dir)

	implBackend := &scriptedBackend{responses: []*llmport.Response{plainTextResponse("made progress")}}
	revBackend := &scriptedBackend{responses: []*llmport.Response{
		submitReviewResponse(97, true, ""),
		reviewerFollowUp(),
	}}

	c := newTestController(t, dir, implBackend, revBackend)
	state, err := c.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, state.Complete)
}

func TestRunTerminatesWhenAlreadyComplete(t *testing.T) {
	dir := t.TempDir()
	initRepo(t, dir)

	c := newTestController(t, dir, &scriptedBackend{}, &scriptedBackend{})
	require.NoError(t, statestore.Save(dir, &statestore.LoopState{Complete: true}))

	state, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, state.Complete)
}

func TestRunStopsAtMaxCycles(t *testing.T) {
	dir := t.TempDir()
	initRepo(t, dir)

	implBackend := &scriptedBackend{responses: []*llmport.Response{plainTextResponse("made progress")}}
	revBackend := &scriptedBackend{responses: []*llmport.Response{submitReviewResponse(20, false, "keep going"), reviewerFollowUp()}}

	c := newTestController(t, dir, implBackend, revBackend)
	c.Config.MaxCycles = 2

	state, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, state.CycleCount)
	assert.False(t, state.Complete)
}

func TestRunWithZeroMaxCyclesTerminatesImmediately(t *testing.T) {
	dir := t.TempDir()
	initRepo(t, dir)

	c := newTestController(t, dir, &scriptedBackend{}, &scriptedBackend{})
	c.Config.MaxCycles = 0

	state, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, state.CycleCount)
	assert.Empty(t, state.History)
}

func TestRequestPauseBeforeRunPersistsPausedState(t *testing.T) {
	dir := t.TempDir()
	initRepo(t, dir)

	implBackend := &scriptedBackend{responses: []*llmport.Response{plainTextResponse("made progress")}}
	revBackend := &scriptedBackend{responses: []*llmport.Response{submitReviewResponse(20, false, "keep going"), reviewerFollowUp()}}

	c := newTestController(t, dir, implBackend, revBackend)
	c.RequestPause()

	state, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, state.Paused)

	// The pause survives the process: a reloaded snapshot still reads paused.
	loaded, err := statestore.Load(dir)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.True(t, loaded.Paused)
}

type statusRecorder struct {
	statuses []string
}

func (r *statusRecorder) OnStatusChange(status string)         { r.statuses = append(r.statuses, status) }
func (r *statusRecorder) OnCycleComplete(observer.CycleResult) {}

func TestRuntimeWarningFiresOnceAtEightyPercent(t *testing.T) {
	dir := t.TempDir()
	initRepo(t, dir)

	implBackend := &scriptedBackend{responses: []*llmport.Response{plainTextResponse("made progress")}}
	revBackend := &scriptedBackend{responses: []*llmport.Response{submitReviewResponse(20, false, "keep going"), reviewerFollowUp()}}

	rec := &statusRecorder{}
	c := newTestController(t, dir, implBackend, revBackend)
	c.Observer = rec
	c.Config.MaxCycles = 3
	c.Config.MaxRuntimeHours = 100.0 / 3600 // 100-second budget

	start := 1700000000.0
	elapsed := 0.0
	c.Now = func() float64 {
		elapsed += 30 // 30 s per call: the check after cycle 1 sees 90 of 100 s used
		return start + elapsed
	}

	state, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, state.CycleCount, 1)

	warnings := 0
	for _, s := range rec.statuses {
		if strings.HasPrefix(s, "runtime warning") {
			warnings++
		}
	}
	assert.Equal(t, 1, warnings)
}

func TestRunCycleRereadsSpecificationFromFile(t *testing.T) {
	dir := t.TempDir()
	initRepo(t, dir)

	specPath := filepath.Join(dir, "idea.md")
	require.NoError(t, os.WriteFile(specPath, []byte("original spec"), 0644))

	c := newTestController(t, dir, &scriptedBackend{}, &scriptedBackend{})
	c.Config.SpecPath = specPath
	assert.Equal(t, "original spec", c.loadSpecification())

	require.NoError(t, os.WriteFile(specPath, []byte("edited spec"), 0644))
	assert.Equal(t, "edited spec", c.loadSpecification())

	// Missing file falls back to the in-memory copy.
	require.NoError(t, os.Remove(specPath))
	assert.Equal(t, "build the thing", c.loadSpecification())
}

func TestRunStopsAtMaxRuntime(t *testing.T) {
	dir := t.TempDir()
	initRepo(t, dir)

	implBackend := &scriptedBackend{responses: []*llmport.Response{plainTextResponse("made progress")}}
	revBackend := &scriptedBackend{responses: []*llmport.Response{submitReviewResponse(20, false, "keep going"), reviewerFollowUp()}}

	c := newTestController(t, dir, implBackend, revBackend)
	c.Config.MaxRuntimeHours = 3.0 / 3600 // three-second budget: 2 s used before cycle 1, 8 s after it
	tick := 0
	start := 1700000000.0
	c.Now = func() float64 {
		tick++
		return start + float64(tick)*2
	}

	state, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, state.CycleCount, 1)
}

func TestResumeContinuesHistoryAndTokenTotals(t *testing.T) {
	dir := t.TempDir()
	initRepo(t, dir)

	usageResponse := func() *llmport.Response {
		r := plainTextResponse("made progress")
		r.Usage = llmport.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}
		return r
	}

	implBackend := &scriptedBackend{responses: []*llmport.Response{usageResponse()}}
	revBackend := &scriptedBackend{responses: []*llmport.Response{submitReviewResponse(30, false, "keep going"), reviewerFollowUp()}}

	first := newTestController(t, dir, implBackend, revBackend)
	first.Config.MaxCycles = 2
	state, err := first.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, state.CycleCount)

	// A fresh controller on the same workspace stands in for a restarted
	// process: it rehydrates the snapshot and picks up where cycle 2 left off.
	second := newTestController(t, dir, &scriptedBackend{responses: []*llmport.Response{usageResponse()}},
		&scriptedBackend{responses: []*llmport.Response{submitReviewResponse(30, false, "keep going"), reviewerFollowUp()}})
	second.Config.MaxCycles = 3
	resumed, err := second.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, resumed.History, 3)
	for i, rec := range resumed.History {
		assert.Equal(t, i+1, rec.Cycle, "history must stay contiguous across a resume")
	}
	assert.Equal(t, 45, resumed.ImplementerUsage.TotalTokens, "token totals must equal the sum of all three cycles")
}

func TestHandleCycleErrorIncrementsConsecutiveErrorsAndStopsAtThree(t *testing.T) {
	dir := t.TempDir()
	initRepo(t, dir)

	c := newTestController(t, dir, &scriptedBackend{}, &scriptedBackend{})
	state := statestore.New(1700000000)

	slept := 0
	c.Sleep = func(time.Duration) { slept++ }

	for i := 0; i < maxConsecutiveErrors; i++ {
		err := c.handleCycleError(context.Background(), state, i+1, time.Now(), assertErr("boom"))
		require.NoError(t, err)
	}

	assert.Equal(t, maxConsecutiveErrors, state.ConsecutiveErrors)
	assert.True(t, c.shouldTerminate(state))
	assert.Equal(t, maxConsecutiveErrors-1, slept, "the cycle that trips the cap should skip the retry sleep")
}

type assertErr string

func (e assertErr) Error() string { return string(e) }

func TestSanitizeCommitMessageStripsForbiddenPhrasesAndDefaults(t *testing.T) {
	assert.Equal(t, "Auto-commit: code changes", sanitizeCommitMessageOrDefault("Fully implemented. Production-ready. Comprehensive."))
	assert.Equal(t, "Added the parser.", sanitizeCommitMessageOrDefault("Added the parser."))

	stripped := sanitizeCommitMessage("Add a production-ready parser covering all edge cases for imports")
	assert.NotContains(t, strings.ToLower(stripped), "production-ready")
	assert.NotContains(t, strings.ToLower(stripped), "all edge cases")
	assert.Contains(t, stripped, "parser")
}

func sanitizeCommitMessageOrDefault(raw string) string {
	s := sanitizeCommitMessage(raw)
	if s == "" {
		return "Auto-commit: code changes"
	}
	return s
}

func TestBuildCommitMessageFormatsTrailer(t *testing.T) {
	msg := buildCommitMessage("Added the parser.", statestore.PhaseImplementation, 3, 42)
	assert.Equal(t, "[implementation cycle 3] Added the parser.\nCompleteness: 42%", msg)
}

func TestParseCommitInstructionsExtractsFilesAndMessage(t *testing.T) {
	content := "Run vcs_add foo.go bar.go then vcs_commit -m \"add parser support\""
	files, message := parseCommitInstructions(content)
	assert.Equal(t, []string{"foo.go", "bar.go"}, files)
	assert.Equal(t, "add parser support", message)
}

func TestParseCommitInstructionsHandlesAbsence(t *testing.T) {
	files, message := parseCommitInstructions("no structured commit hints here")
	assert.Empty(t, files)
	assert.Empty(t, message)
}
