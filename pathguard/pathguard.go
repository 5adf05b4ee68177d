// Package pathguard confines filesystem paths and shell commands to a
// workspace root. It is the single chokepoint every tool in package tool
// passes through before touching disk or spawning a process.
package pathguard

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// ErrOutsideWorkspace is wrapped into every path-safety rejection so callers
// can distinguish it from ordinary filesystem errors.
type ErrOutsideWorkspace struct {
	Requested string
	Root      string
}

func (e *ErrOutsideWorkspace) Error() string {
	return fmt.Sprintf("path %q escapes workspace root %q", e.Requested, e.Root)
}

// Guard confines operations to a workspace root.
type Guard struct {
	root string
}

// New creates a Guard rooted at the given (already-absolute) workspace directory.
func New(root string) *Guard {
	return &Guard{root: filepath.Clean(root)}
}

// Root returns the workspace root this guard confines operations to.
func (g *Guard) Root() string {
	return g.root
}

// Resolve validates a relative-or-absolute path argument against the
// workspace root, following symlinks, and returns the absolute on-disk path.
// Absolute paths are rejected outright per spec: only paths that resolve
// (after joining against root) to a descendant of root are permitted.
func (g *Guard) Resolve(requested string) (string, error) {
	if filepath.IsAbs(requested) {
		return "", &ErrOutsideWorkspace{Requested: requested, Root: g.root}
	}

	candidate := filepath.Clean(filepath.Join(g.root, requested))

	rel, err := filepath.Rel(g.root, candidate)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", &ErrOutsideWorkspace{Requested: requested, Root: g.root}
	}

	resolved, err := resolveSymlinks(candidate)
	if err != nil {
		// Target need not exist yet (e.g. a file about to be created by
		// write); fall back to the syntactically-resolved path.
		resolved = candidate
	}

	rel, err = filepath.Rel(g.root, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", &ErrOutsideWorkspace{Requested: requested, Root: g.root}
	}

	return candidate, nil
}

// forbiddenShellPatterns is the fixed, test-visible list of shell command
// patterns rejected before any subprocess is spawned.
var forbiddenShellPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\bcd\s+/`),
	regexp.MustCompile(`\bcd\s+\.\.`),
	regexp.MustCompile(`(^|[;&|]\s*)rm\s+-rf\s+/(\s|$)`),
	regexp.MustCompile(`/etc(/|\s|$)`),
	regexp.MustCompile(`/usr(/|\s|$)`),
	regexp.MustCompile(`/var(/|\s|$)`),
	regexp.MustCompile(`~/\.ssh`),
	regexp.MustCompile(`\$HOME`),
}

// ErrForbiddenCommand is returned when a shell command matches a forbidden pattern.
type ErrForbiddenCommand struct {
	Command string
	Pattern string
}

func (e *ErrForbiddenCommand) Error() string {
	return fmt.Sprintf("command rejected by sandbox rule %q: %s", e.Pattern, e.Command)
}

// CheckShell screens a shell command string against the forbidden pattern
// list. It never executes anything — a match returns an error before any
// subprocess is spawned.
func CheckShell(command string) error {
	for _, p := range forbiddenShellPatterns {
		if p.MatchString(command) {
			return &ErrForbiddenCommand{Command: command, Pattern: p.String()}
		}
	}
	return nil
}
