// Package tool provides the catalog of operations available to the
// implementer and reviewer agents, sandboxed through pathguard and built
// into per-agent registries that expose only the capabilities each agent
// is allowed to use.
package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/jcarlsen/completeness-loop/llmport"
	"github.com/jcarlsen/completeness-loop/memory"
	"github.com/jcarlsen/completeness-loop/pathguard"
	"github.com/jcarlsen/completeness-loop/vcs"
)

// Func is the signature every tool implementation satisfies.
type Func func(ctx context.Context, input json.RawMessage) (string, error)

type entry struct {
	name string
	fn   Func
	def  llmport.ToolDef
}

// Registry holds a fixed set of tools and dispatches execution by name.
// Separate registries are built for the implementer and the reviewer so
// that each agent only ever sees the tool definitions it is permitted to
// call — there is no runtime permission check to forget, the capability
// boundary is which tools exist in the registry at all.
type Registry struct {
	tools []entry
}

func (r *Registry) register(name, description string, schema json.RawMessage, fn Func) {
	r.tools = append(r.tools, entry{
		name: name,
		fn:   fn,
		def: llmport.ToolDef{
			Type: "function",
			Function: llmport.FunctionDef{
				Name:        name,
				Description: description,
				Parameters:  schema,
			},
		},
	})
}

// ErrUnknownTool is wrapped into Execute's error when the named tool is
// not in this registry's catalog, so callers can tell a bad tool name
// apart from a tool that ran and failed.
var ErrUnknownTool = fmt.Errorf("unknown tool")

// Execute runs a registered tool by name, logging one structured event
// per invocation.
func (r *Registry) Execute(ctx context.Context, name string, input json.RawMessage) (string, error) {
	for _, t := range r.tools {
		if t.name != name {
			continue
		}
		start := time.Now()
		out, err := t.fn(ctx, input)
		log.Debug().
			Str("tool", name).
			Bool("success", err == nil).
			Dur("duration", time.Since(start)).
			Msg("tool invocation")
		return out, err
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownTool, name)
}

// Has reports whether the registry exposes a tool by this name.
func (r *Registry) Has(name string) bool {
	for _, t := range r.tools {
		if t.name == name {
			return true
		}
	}
	return false
}

// Definitions returns tool definitions in stable registration order, the
// shape the backend port needs for its tools argument.
func (r *Registry) Definitions() []llmport.ToolDef {
	defs := make([]llmport.ToolDef, len(r.tools))
	for i, t := range r.tools {
		defs[i] = t.def
	}
	return defs
}

// deps bundles the collaborators every tool implementation needs: a guard
// confining filesystem and shell access to the workspace, a VCS handle for
// the vcs_* tools, and the calling agent's private memory document.
type deps struct {
	guard   *pathguard.Guard
	repo    *vcs.Repo
	mem     *memory.Doc
	review  *reviewSink
	readDir string
}

// NewImplementerRegistry builds the full tool catalog available to the
// implementer agent: unrestricted filesystem mutation, shell, VCS, test
// running, and its own memory document.
func NewImplementerRegistry(workDir string, repo *vcs.Repo, mem *memory.Doc) *Registry {
	d := &deps{guard: pathguard.New(workDir), repo: repo, mem: mem, readDir: workDir}
	r := &Registry{}
	registerFileTools(r, d)
	registerShellTool(r, d)
	registerVCSTools(r, d)
	registerTestTool(r, d)
	registerMemoryTools(r, d)
	return r
}

// NewReviewerRegistry builds the restricted tool catalog available to the
// reviewer agent: its own memory document and the structured submit_review
// sink, nothing else. The reviewer's view of the workspace arrives through
// its assembled context, not through tools — it never gets filesystem,
// shell, or VCS tools of any kind, so its only effect on the repository is
// its verdict.
func NewReviewerRegistry(workDir string, mem *memory.Doc) (*Registry, *reviewSink) {
	sink := &reviewSink{}
	d := &deps{guard: pathguard.New(workDir), mem: mem, review: sink, readDir: workDir}
	r := &Registry{}
	registerMemoryTools(r, d)
	registerSubmitReviewTool(r, d)
	return r, sink
}
