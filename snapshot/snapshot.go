// Package snapshot assembles the workspace state each harness sees: a
// bounded file tree, a dump of source file contents, a last-commit
// summary, and a task summary. The Reviewer's flavor is assembled
// exclusively from filesystem and VCS state — never from anything the
// Implementer said — so that the reviewer's only signal about the
// implementer's work is what actually landed on disk.
package snapshot

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jcarlsen/completeness-loop/vcs"
)

const maxTreeDepth = 6

// ignoreDirs is the fixed set of directory names never shown in the tree
// or included in the source dump: VCS metadata, language caches, common
// dependency directories, build outputs, editor metadata.
var ignoreDirs = map[string]bool{
	".git":          true,
	".completeness": true,
	"node_modules":  true,
	".venv":         true,
	"venv":          true,
	"__pycache__":   true,
	"vendor":        true,
	"dist":          true,
	"build":         true,
	".idea":         true,
	".vscode":       true,
	"target":        true,
}

// ignoreFiles is matched against a file's base name. It holds the files
// the snapshot must never leak into either context flavor: the durable
// state snapshot itself, and both agents' private memory documents —
// leaking a memory file through the source dump would hand one agent the
// other's notes and void the isolation boundary.
var ignoreFiles = map[string]bool{
	".completeness_state.json": true,
	"implementer_memory.md":    true,
	"reviewer_memory.md":       true,
}

// sourceExtensions bounds the source dump to text-like source files.
// Binary and data formats are deliberately excluded; the dump is for a
// model to read, not an archive.
var sourceExtensions = map[string]bool{
	".go": true, ".py": true, ".js": true, ".ts": true, ".jsx": true, ".tsx": true,
	".java": true, ".rb": true, ".rs": true, ".c": true, ".h": true, ".cpp": true,
	".hpp": true, ".cs": true, ".php": true, ".sh": true, ".sql": true,
	".yaml": true, ".yml": true, ".json": true, ".toml": true, ".md": true,
	".html": true, ".css": true, ".proto": true,
}

const (
	maxFileBytes   = 64 * 1024
	maxDumpBytes   = 400 * 1024
	taskSummaryLen = 500
)

// Tree renders a bounded-depth directory listing rooted at dir.
func Tree(dir string) (string, error) {
	var sb strings.Builder
	if err := walkTree(dir, dir, 0, &sb); err != nil {
		return "", fmt.Errorf("build tree: %w", err)
	}
	return sb.String(), nil
}

func walkTree(root, dir string, depth int, sb *strings.Builder) error {
	if depth > maxTreeDepth {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, e := range entries {
		if e.IsDir() && ignoreDirs[e.Name()] {
			continue
		}
		if !e.IsDir() && ignoreFiles[strings.ToLower(e.Name())] {
			continue
		}
		indent := strings.Repeat("  ", depth)
		if e.IsDir() {
			sb.WriteString(fmt.Sprintf("%s%s/\n", indent, e.Name()))
			if err := walkTree(root, filepath.Join(dir, e.Name()), depth+1, sb); err != nil {
				return err
			}
		} else {
			sb.WriteString(fmt.Sprintf("%s%s\n", indent, e.Name()))
		}
	}
	return nil
}

// SourceDump concatenates the contents of every recognized source file
// under dir, each preceded by a "### <relative path>" header. Each file
// is cut at maxFileBytes, and no further files are added once the dump
// has reached maxDumpBytes.
func SourceDump(dir string) (string, error) {
	var sb strings.Builder
	var paths []string

	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if ignoreDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if ignoreFiles[strings.ToLower(d.Name())] {
			return nil
		}
		if !sourceExtensions[strings.ToLower(filepath.Ext(d.Name()))] {
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("walk source tree: %w", err)
	}
	sort.Strings(paths)

	for _, p := range paths {
		if sb.Len() >= maxDumpBytes {
			sb.WriteString("\n... (source dump truncated at size budget)\n")
			break
		}
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		if len(data) > maxFileBytes {
			data = data[:maxFileBytes]
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			rel = p
		}
		sb.WriteString(fmt.Sprintf("### %s\n", filepath.ToSlash(rel)))
		sb.Write(data)
		sb.WriteString("\n\n")
	}
	return sb.String(), nil
}

// LastCommitSummary returns a one-line description of the repository's
// current HEAD, or a sentinel string when there are no commits yet.
func LastCommitSummary(repo *vcs.Repo) (string, error) {
	subject, err := repo.LastCommitSubject()
	if err != nil {
		return "", fmt.Errorf("read last commit: %w", err)
	}
	if subject == "" {
		return "(no commits yet)", nil
	}
	return subject, nil
}

// RecentHistory returns the subjects of the n most recent commits,
// newest first, one per line.
func RecentHistory(repo *vcs.Repo, n int) (string, error) {
	entries, err := repo.Log(n)
	if err != nil {
		return "", fmt.Errorf("read commit history: %w", err)
	}
	if len(entries) == 0 {
		return "(no commits yet)", nil
	}
	var sb strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&sb, "%s %s\n", e.Hash[:min(8, len(e.Hash))], e.Subject)
	}
	return sb.String(), nil
}

// TaskSummary truncates the specification text to its first 500
// characters, the fixed-size task summary every Implementer prompt
// carries regardless of cycle.
func TaskSummary(specification string) string {
	trimmed := strings.TrimSpace(specification)
	if len(trimmed) <= taskSummaryLen {
		return trimmed
	}
	return trimmed[:taskSummaryLen] + "..."
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// ImplementerContext is the fixed ordering of sections an Implementer
// prompt assembles from: memory snapshot, workspace snapshot, last commit
// summary, task summary, then the current instructions (the caller
// appends the instructions separately, since they vary by cycle).
type ImplementerContext struct {
	Tree        string
	SourceDump  string
	LastCommit  string
	TaskSummary string
}

// BuildImplementerContext assembles everything an Implementer prompt needs
// except the agent's own memory document and the current instructions,
// which the caller (package implementer) owns because they are not
// filesystem state.
func BuildImplementerContext(workDir string, repo *vcs.Repo, specification string) (*ImplementerContext, error) {
	tree, err := Tree(workDir)
	if err != nil {
		return nil, err
	}
	dump, err := SourceDump(workDir)
	if err != nil {
		return nil, err
	}
	lastCommit, err := LastCommitSummary(repo)
	if err != nil {
		return nil, err
	}
	return &ImplementerContext{
		Tree:        tree,
		SourceDump:  dump,
		LastCommit:  lastCommit,
		TaskSummary: TaskSummary(specification),
	}, nil
}

const reviewerHistoryCount = 10

// ReviewerContext is the fixed ordering of sections a Reviewer prompt
// assembles from. It deliberately has no field for the Implementer's
// transcript or self-report — those never exist in this struct, which is
// what makes the bias-isolation invariant structurally enforced rather
// than a convention callers must remember.
type ReviewerContext struct {
	Tree          string
	SourceDump    string
	RecentHistory string
	Specification string
}

// BuildReviewerContext assembles the Reviewer's context exclusively from
// the post-cycle filesystem and VCS state: everything the Implementer's
// cycle actually produced, and nothing it merely said.
func BuildReviewerContext(workDir string, repo *vcs.Repo, specification string) (*ReviewerContext, error) {
	tree, err := Tree(workDir)
	if err != nil {
		return nil, err
	}
	dump, err := SourceDump(workDir)
	if err != nil {
		return nil, err
	}
	history, err := RecentHistory(repo, reviewerHistoryCount)
	if err != nil {
		return nil, err
	}
	return &ReviewerContext{
		Tree:          tree,
		SourceDump:    dump,
		RecentHistory: history,
		Specification: specification,
	}, nil
}
