package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// registerVCSTools registers the four VCS-facing tools the implementer can
// call directly. These sit alongside, not instead of, the orchestrator's
// own post-cycle commit — an implementer is free to make intermediate
// commits mid-cycle, but the cycle controller still decides whether to
// commit the cycle's final state once the implementer's turn ends.
func registerVCSTools(r *Registry, d *deps) {
	r.register("vcs_status",
		`Show the working tree's pending changes (equivalent to git status --porcelain).`,
		json.RawMessage(`{"type": "object", "properties": {}}`),
		vcsStatusTool(d),
	)

	r.register("vcs_add",
		`Stage files for commit. Omit paths to stage everything.`,
		json.RawMessage(`{
			"type": "object",
			"properties": {
				"paths": {"type": "array", "items": {"type": "string"}, "description": "Paths to stage; omit to stage all changes"}
			}
		}`),
		vcsAddTool(d),
	)

	r.register("vcs_commit",
		`Create a commit from currently staged changes.`,
		json.RawMessage(`{
			"type": "object",
			"properties": {
				"message": {"type": "string", "description": "Commit message"}
			},
			"required": ["message"]
		}`),
		vcsCommitTool(d),
	)

	r.register("vcs_log",
		`Show recent commit history, newest first.`,
		json.RawMessage(`{
			"type": "object",
			"properties": {
				"count": {"type": "integer", "description": "Number of commits to show (default 10)"}
			}
		}`),
		vcsLogTool(d),
	)
}

func vcsStatusTool(d *deps) Func {
	return func(ctx context.Context, input json.RawMessage) (string, error) {
		entries, err := d.repo.Status()
		if err != nil {
			return "", err
		}
		if len(entries) == 0 {
			return "working tree clean", nil
		}
		var sb strings.Builder
		for _, e := range entries {
			fmt.Fprintf(&sb, "%s %s\n", e.Code, e.Path)
		}
		return sb.String(), nil
	}
}

type vcsAddInput struct {
	Paths []string `json:"paths"`
}

func vcsAddTool(d *deps) Func {
	return func(ctx context.Context, input json.RawMessage) (string, error) {
		var params vcsAddInput
		if len(input) > 0 {
			if err := json.Unmarshal(input, &params); err != nil {
				return "", fmt.Errorf("invalid input: %w", err)
			}
		}
		if err := d.repo.Add(params.Paths...); err != nil {
			return "", err
		}
		if len(params.Paths) == 0 {
			return "staged all changes", nil
		}
		return fmt.Sprintf("staged %s", strings.Join(params.Paths, ", ")), nil
	}
}

type vcsCommitInput struct {
	Message string `json:"message"`
}

func vcsCommitTool(d *deps) Func {
	return func(ctx context.Context, input json.RawMessage) (string, error) {
		var params vcsCommitInput
		if err := json.Unmarshal(input, &params); err != nil {
			return "", fmt.Errorf("invalid input: %w", err)
		}
		if params.Message == "" {
			return "", fmt.Errorf("message is required")
		}
		if err := d.repo.Commit(params.Message); err != nil {
			return "", err
		}
		return "committed", nil
	}
}

type vcsLogInput struct {
	Count int `json:"count"`
}

func vcsLogTool(d *deps) Func {
	return func(ctx context.Context, input json.RawMessage) (string, error) {
		var params vcsLogInput
		if len(input) > 0 {
			if err := json.Unmarshal(input, &params); err != nil {
				return "", fmt.Errorf("invalid input: %w", err)
			}
		}
		count := params.Count
		if count <= 0 {
			count = 10
		}
		entries, err := d.repo.Log(count)
		if err != nil {
			return "", err
		}
		if len(entries) == 0 {
			return "no commits yet", nil
		}
		var sb strings.Builder
		for _, e := range entries {
			fmt.Fprintf(&sb, "%s %s\n", e.Hash[:minInt(8, len(e.Hash))], e.Subject)
		}
		return sb.String(), nil
	}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
