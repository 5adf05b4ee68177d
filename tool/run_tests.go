package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"

	"github.com/jcarlsen/completeness-loop/pathguard"
)

const (
	defaultTestTimeout = 120
	maxTestTimeout     = 600
)

type runTestsInput struct {
	Command string `json:"command"`
	Timeout int    `json:"timeout"`
}

// registerTestTool registers run_tests, a thin wrapper over shell execution
// that exists as its own tool (rather than forcing agents through shell).
// Its commands are screened by the same pathguard rules as shell. The
// cycle controller's commit gate does not depend on it: the controller
// runs its own configured test command.
func registerTestTool(r *Registry, d *deps) {
	r.register("run_tests",
		`Run the project's test suite. Provide the exact command this project uses (e.g. "go test ./...", "npm test"). Returns combined stdout/stderr. A non-zero exit code means tests failed; the output is returned regardless so failures can be diagnosed.`,
		json.RawMessage(`{
			"type": "object",
			"properties": {
				"command": {"type": "string", "description": "Test command to run, e.g. 'go test ./...'"},
				"timeout": {"type": "integer", "description": "Timeout in seconds (default 120, max 600)"}
			},
			"required": ["command"]
		}`),
		runTestsTool(d),
	)
}

func runTestsTool(d *deps) Func {
	return func(ctx context.Context, input json.RawMessage) (string, error) {
		var params runTestsInput
		if err := json.Unmarshal(input, &params); err != nil {
			return "", fmt.Errorf("invalid input: %w", err)
		}
		if params.Command == "" {
			return "", fmt.Errorf("command is required")
		}
		if err := pathguard.CheckShell(params.Command); err != nil {
			return "", err
		}

		timeout := params.Timeout
		if timeout <= 0 {
			timeout = defaultTestTimeout
		}
		if timeout > maxTestTimeout {
			timeout = maxTestTimeout
		}

		execCtx, cancel := context.WithTimeout(ctx, time.Duration(timeout)*time.Second)
		defer cancel()

		cmd := exec.CommandContext(execCtx, "bash", "-c", params.Command)
		cmd.Dir = d.guard.Root()

		var buf bytes.Buffer
		cmd.Stdout = &buf
		cmd.Stderr = &buf

		err := cmd.Run()
		output := buf.String()

		if execCtx.Err() == context.DeadlineExceeded {
			return fmt.Sprintf("test run timed out after %ds\n%s", timeout, output), nil
		}
		if err != nil {
			return fmt.Sprintf("tests failed (%s)\n%s", err, output), nil
		}
		return fmt.Sprintf("tests passed\n%s", output), nil
	}
}
