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
	defaultShellTimeout = 120
	maxShellTimeout     = 600
	maxShellOutputChars = 10000
)

type shellInput struct {
	Command string `json:"command"`
	Timeout int    `json:"timeout"`
}

func registerShellTool(r *Registry, d *deps) {
	r.register("shell",
		`Execute a shell command in the workspace directory. Use for builds, test runners, and other system commands. Do not use this for file operations that a dedicated tool already covers (read, write, delete, search_files, search_content, list_dir). Default timeout 120s, max 600s. Output is truncated at 10,000 characters.`,
		json.RawMessage(`{
			"type": "object",
			"properties": {
				"command": {"type": "string", "description": "Shell command to execute"},
				"timeout": {"type": "integer", "description": "Timeout in seconds (default 120, max 600)"}
			},
			"required": ["command"]
		}`),
		shellTool(d),
	)
}

func shellTool(d *deps) Func {
	return func(ctx context.Context, input json.RawMessage) (string, error) {
		var params shellInput
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
			timeout = defaultShellTimeout
		}
		if timeout > maxShellTimeout {
			timeout = maxShellTimeout
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
		truncated := false
		if len(output) > maxShellOutputChars {
			output = output[:maxShellOutputChars]
			truncated = true
		}

		var result string
		switch {
		case execCtx.Err() == context.DeadlineExceeded:
			result = fmt.Sprintf("command timed out after %ds\n%s", timeout, output)
		case err != nil:
			result = fmt.Sprintf("exit error: %s\n%s", err, output)
		case output == "":
			result = "(no output)"
		default:
			result = output
		}

		if truncated {
			result += "\n[output truncated]"
		}
		return result, nil
	}
}
