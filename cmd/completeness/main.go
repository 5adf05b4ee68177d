// Command completeness runs the autonomous two-agent development loop
// against a workspace directory: an Implementer makes progress, a
// Reviewer scores it against the specification, and the cycle repeats
// until the Reviewer judges the work complete or a session limit is hit.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jcarlsen/completeness-loop/config"
	"github.com/jcarlsen/completeness-loop/llmport"
	"github.com/jcarlsen/completeness-loop/observer"
	"github.com/jcarlsen/completeness-loop/orchestrator"
	"github.com/jcarlsen/completeness-loop/statestore"
)

var (
	workDir        string
	specFile       string
	once           bool
	defaultTestCmd string
)

var rootCmd = &cobra.Command{
	Use:   "completeness",
	Short: "Run the autonomous implementer/reviewer development loop",
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start or resume a session in the workspace",
	RunE:  runRun,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the current session state",
	RunE:  runStatus,
}

var pauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Mark the session paused so the next run terminates before its first cycle",
	RunE:  runPause,
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Clear a pause flag and continue an existing session",
	RunE:  runResume,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&workDir, "workdir", ".", "Workspace directory")
	rootCmd.PersistentFlags().StringVar(&specFile, "spec", "idea.md", "Path to the task specification, relative to workdir")

	runCmd.Flags().BoolVar(&once, "once", false, "Run exactly one cycle and exit, regardless of termination conditions")
	runCmd.Flags().StringVar(&defaultTestCmd, "test-command", "", "Shell command the controller runs each cycle to gate commits (empty: no tests discovered)")
	resumeCmd.Flags().StringVar(&defaultTestCmd, "test-command", "", "Shell command the controller runs each cycle to gate commits (empty: no tests discovered)")

	rootCmd.AddCommand(runCmd, statusCmd, pauseCmd, resumeCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

// specPath resolves the --spec flag against the workspace root unless it
// was given as an absolute path.
func specPath() string {
	if filepath.IsAbs(specFile) {
		return specFile
	}
	return filepath.Join(workDir, specFile)
}

func buildController() (*orchestrator.Controller, error) {
	cfg, err := config.Load(workDir)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	spec := specPath()
	specBytes, err := os.ReadFile(spec)
	if err != nil {
		return nil, fmt.Errorf("read specification: %w", err)
	}

	apiKey := os.Getenv(config.APIKeyEnvVar)
	backend := llmport.NewHTTPBackend(apiKey, cfg.Model.Name, cfg.Model.BaseURL, true)

	oc := orchestrator.Config{
		WorkDir:               workDir,
		Specification:         string(specBytes),
		SpecPath:              spec,
		TestCommand:           defaultTestCmd,
		MaxCycles:             cfg.Limits.MaxIterations,
		MaxRuntimeHours:       cfg.Limits.MaxRuntimeHours,
		CompletionThreshold:   cfg.Limits.CompletionThreshold,
		TestingPhaseThreshold: cfg.Agents.TestingPhaseThreshold,
		MaxToolIterations:     cfg.Agents.MaxToolIterations,

		ImplementerPrompt:            cfg.Agents.ImplementerPrompt,
		ReviewerImplementationPrompt: cfg.Agents.ReviewerImplementationPrompt,
		ReviewerTestingPrompt:        cfg.Agents.ReviewerTestingPrompt,
		AutoFixTests:                 cfg.Features.AutoFixTests,

		MaxTokens:   cfg.Model.MaxTokens,
		Temperature: cfg.Model.Temperature,
	}

	return orchestrator.New(oc, backend, backend, observer.LogObserver{}), nil
}

// runSession drives the controller with signal handling: the first
// interrupt requests a graceful pause (the current cycle drains, state
// persists), a second one cancels outright.
func runSession(ctrl *orchestrator.Controller) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "pausing after the current cycle; interrupt again to cancel")
		ctrl.RequestPause()
		<-sigCh
		cancel()
	}()

	var state *statestore.LoopState
	var err error
	if once {
		state, err = ctrl.RunOnce(ctx)
	} else {
		state, err = ctrl.Run(ctx)
	}
	if err != nil {
		return fmt.Errorf("run session: %w", err)
	}

	return printState(state)
}

func runRun(cmd *cobra.Command, args []string) error {
	ctrl, err := buildController()
	if err != nil {
		return err
	}
	return runSession(ctrl)
}

func runResume(cmd *cobra.Command, args []string) error {
	if err := setPaused(false); err != nil {
		return err
	}
	ctrl, err := buildController()
	if err != nil {
		return err
	}
	return runSession(ctrl)
}

func runPause(cmd *cobra.Command, args []string) error {
	return setPaused(true)
}

// setPaused flips the pause flag on an existing snapshot. A missing
// snapshot is not an error for resume (the session simply starts fresh)
// but is for pause, since there is nothing to pause.
func setPaused(paused bool) error {
	state, err := statestore.Load(workDir)
	if err != nil {
		return fmt.Errorf("load session state: %w", err)
	}
	if state == nil {
		if paused {
			return fmt.Errorf("no session state found in %s", workDir)
		}
		return nil
	}
	if state.Paused == paused {
		return nil
	}
	state.Paused = paused
	if err := statestore.Save(workDir, state); err != nil {
		return fmt.Errorf("persist session state: %w", err)
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	state, err := statestore.Load(workDir)
	if err != nil {
		return fmt.Errorf("load session state: %w", err)
	}
	if state == nil {
		fmt.Println("no session state found in this workspace")
		return nil
	}
	return printState(state)
}

func printState(state *statestore.LoopState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("format session state: %w", err)
	}
	fmt.Println(string(data))
	return nil
}
