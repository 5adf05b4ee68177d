package tool

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/jcarlsen/completeness-loop/tool/atomicfile"
)

// skipDirs lists directory names that search_files and search_content never
// descend into: version control metadata and large generated/vendor trees
// that never hold anything a reviewer or implementer needs to read.
var skipDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	".venv":        true,
	"__pycache__":  true,
	"vendor":       true,
}

func shouldSkipDir(name string) bool {
	return skipDirs[name]
}

func isBinaryFile(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return true
	}
	defer f.Close()

	buf := make([]byte, 512)
	n, err := f.Read(buf)
	if err != nil && n == 0 {
		return false
	}
	for _, b := range buf[:n] {
		if b == 0 {
			return true
		}
	}
	return false
}

// registerReadOnlyFileTools registers read, list_dir, search_files, and
// search_content. Only the implementer's registry includes them (through
// registerFileTools); the reviewer's registry has no file tools.
func registerReadOnlyFileTools(r *Registry, d *deps) {
	r.register("read",
		`Read file contents with line numbers (1-indexed). Use start_line/end_line for large files. Can only read files, not directories — use list_dir for directories.`,
		json.RawMessage(`{
			"type": "object",
			"properties": {
				"path": {"type": "string", "description": "File path relative to the workspace root"},
				"start_line": {"type": "integer", "description": "First line to read (1-indexed, default: 1)"},
				"end_line": {"type": "integer", "description": "Last line to read (1-indexed, inclusive)"}
			},
			"required": ["path"]
		}`),
		readTool(d),
	)

	r.register("list_dir",
		`List directory contents with file/directory indicators and sizes. Can only list directories, not files. Set recursive to walk the whole subtree.`,
		json.RawMessage(`{
			"type": "object",
			"properties": {
				"path": {"type": "string", "description": "Directory path relative to the workspace root (default: workspace root)"},
				"recursive": {"type": "boolean", "description": "List the full subtree instead of one level (default false)"}
			}
		}`),
		listDirTool(d),
	)

	r.register("search_files",
		`Fast file pattern matching. Supports glob patterns like "**/*.go" or "src/**/*.ts". Returns matching paths relative to the workspace root, in lexical path order.`,
		json.RawMessage(`{
			"type": "object",
			"properties": {
				"pattern": {"type": "string", "description": "Glob pattern to match files (e.g. '**/*.go')"}
			},
			"required": ["pattern"]
		}`),
		searchFilesTool(d),
	)

	r.register("search_content",
		`Search file contents using RE2 regex. Returns matching lines with file paths and line numbers. RE2 does not support lookaheads or lookbehinds.`,
		json.RawMessage(`{
			"type": "object",
			"properties": {
				"pattern": {"type": "string", "description": "RE2 regular expression to search for"},
				"path": {"type": "string", "description": "Directory to search in (default: workspace root)"},
				"include": {"type": "string", "description": "Glob pattern to filter filenames (e.g. '*.go')"}
			},
			"required": ["pattern"]
		}`),
		searchContentTool(d),
	)
}

// registerFileTools registers the read-only tools plus write and delete,
// the full filesystem surface the implementer's registry exposes.
func registerFileTools(r *Registry, d *deps) {
	registerReadOnlyFileTools(r, d)

	r.register("write",
		`Create or overwrite a file with the given content. Creates parent directories as needed. Prefer this only when a file is new or being fully replaced.`,
		json.RawMessage(`{
			"type": "object",
			"properties": {
				"path": {"type": "string", "description": "File path relative to the workspace root"},
				"content": {"type": "string", "description": "Content to write to the file"}
			},
			"required": ["path", "content"]
		}`),
		writeTool(d),
	)

	r.register("delete",
		`Delete a file or directory tree from the workspace. Irreversible within this session — the content is gone until a later commit is reverted.`,
		json.RawMessage(`{
			"type": "object",
			"properties": {
				"path": {"type": "string", "description": "File or directory path relative to the workspace root"}
			},
			"required": ["path"]
		}`),
		deleteTool(d),
	)

	r.register("edit",
		`Replace an exact, unique occurrence of old_str with new_str in a file. Fails if old_str doesn't match exactly once — include enough surrounding context (whitespace and indentation included) to make the match unique. Prefer this over write for small, targeted changes to an existing file.`,
		json.RawMessage(`{
			"type": "object",
			"properties": {
				"path": {"type": "string", "description": "File path relative to the workspace root"},
				"old_str": {"type": "string", "description": "Exact text to replace; must match exactly once"},
				"new_str": {"type": "string", "description": "Replacement text"}
			},
			"required": ["path", "old_str", "new_str"]
		}`),
		editTool(d),
	)
}

type readInput struct {
	Path      string `json:"path"`
	StartLine int    `json:"start_line"`
	EndLine   int    `json:"end_line"`
}

func readTool(d *deps) Func {
	return func(ctx context.Context, input json.RawMessage) (string, error) {
		var params readInput
		if err := json.Unmarshal(input, &params); err != nil {
			return "", fmt.Errorf("invalid input: %w", err)
		}
		if params.Path == "" {
			return "", fmt.Errorf("path is required")
		}

		absPath, err := d.guard.Resolve(params.Path)
		if err != nil {
			return "", err
		}

		file, err := os.Open(absPath)
		if err != nil {
			return "", fmt.Errorf("open file: %w", err)
		}
		defer file.Close()

		startLine := params.StartLine
		if startLine <= 0 {
			startLine = 1
		}
		endLine := params.EndLine

		const maxLines = 500

		var result strings.Builder
		scanner := bufio.NewScanner(file)
		scanner.Buffer(make([]byte, 0, 256*1024), 256*1024)

		lineNum := 0
		linesRead := 0
		for scanner.Scan() {
			lineNum++
			if lineNum < startLine {
				continue
			}
			if endLine > 0 && lineNum > endLine {
				continue
			}
			linesRead++
			if endLine <= 0 && linesRead > maxLines {
				result.WriteString(fmt.Sprintf("\n... (showing lines %d-%d; use start_line/end_line to read more)", startLine, lineNum-1))
				break
			}
			result.WriteString(fmt.Sprintf("%4d | %s\n", lineNum, scanner.Text()))
		}
		if err := scanner.Err(); err != nil {
			return "", fmt.Errorf("read file: %w", err)
		}
		if result.Len() == 0 {
			return "File is empty.", nil
		}
		return result.String(), nil
	}
}

type writeInput struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

func writeTool(d *deps) Func {
	return func(ctx context.Context, input json.RawMessage) (string, error) {
		var params writeInput
		if err := json.Unmarshal(input, &params); err != nil {
			return "", fmt.Errorf("invalid input: %w", err)
		}
		if params.Path == "" {
			return "", fmt.Errorf("path is required")
		}

		absPath, err := d.guard.Resolve(params.Path)
		if err != nil {
			return "", err
		}
		if err := atomicfile.Write(absPath, []byte(params.Content), 0644); err != nil {
			return "", fmt.Errorf("write file: %w", err)
		}
		return fmt.Sprintf("wrote %s (%d bytes)", params.Path, len(params.Content)), nil
	}
}

type deleteInput struct {
	Path string `json:"path"`
}

func deleteTool(d *deps) Func {
	return func(ctx context.Context, input json.RawMessage) (string, error) {
		var params deleteInput
		if err := json.Unmarshal(input, &params); err != nil {
			return "", fmt.Errorf("invalid input: %w", err)
		}
		if params.Path == "" {
			return "", fmt.Errorf("path is required")
		}

		absPath, err := d.guard.Resolve(params.Path)
		if err != nil {
			return "", err
		}
		if _, err := os.Stat(absPath); err != nil {
			return "", fmt.Errorf("delete: %w", err)
		}
		if err := os.RemoveAll(absPath); err != nil {
			return "", fmt.Errorf("delete: %w", err)
		}
		return fmt.Sprintf("deleted %s", params.Path), nil
	}
}

type editInput struct {
	Path   string `json:"path"`
	OldStr string `json:"old_str"`
	NewStr string `json:"new_str"`
}

func editTool(d *deps) Func {
	return func(ctx context.Context, input json.RawMessage) (string, error) {
		var params editInput
		if err := json.Unmarshal(input, &params); err != nil {
			return "", fmt.Errorf("invalid input: %w", err)
		}
		if params.Path == "" {
			return "", fmt.Errorf("path is required")
		}
		if params.OldStr == "" {
			return "", fmt.Errorf("old_str is required")
		}

		absPath, err := d.guard.Resolve(params.Path)
		if err != nil {
			return "", err
		}

		contentBytes, err := os.ReadFile(absPath)
		if err != nil {
			return "", fmt.Errorf("read file: %w", err)
		}
		content := string(contentBytes)

		count := strings.Count(content, params.OldStr)
		if count == 0 {
			return "", fmt.Errorf("no match found for old_str in %s; check for exact whitespace and indentation", params.Path)
		}
		if count > 1 {
			lines := strings.Split(content, "\n")
			firstLine := strings.SplitN(params.OldStr, "\n", 2)[0]
			var locations []string
			for i, line := range lines {
				if strings.Contains(line, firstLine) {
					locations = append(locations, fmt.Sprintf("line %d", i+1))
				}
			}
			return "", fmt.Errorf("old_str matches %d times in %s (at %s); include more surrounding context to make the match unique",
				count, params.Path, strings.Join(locations, ", "))
		}

		newContent := strings.Replace(content, params.OldStr, params.NewStr, 1)

		info, err := os.Stat(absPath)
		if err != nil {
			return "", fmt.Errorf("stat file: %w", err)
		}
		if err := atomicfile.Write(absPath, []byte(newContent), info.Mode()); err != nil {
			return "", fmt.Errorf("write file: %w", err)
		}
		return fmt.Sprintf("edited %s", params.Path), nil
	}
}

type listDirInput struct {
	Path      string `json:"path"`
	Recursive bool   `json:"recursive"`
}

func listDirTool(d *deps) Func {
	return func(ctx context.Context, input json.RawMessage) (string, error) {
		var params listDirInput
		if err := json.Unmarshal(input, &params); err != nil {
			return "", fmt.Errorf("invalid input: %w", err)
		}

		dir := d.readDir
		if params.Path != "" {
			var err error
			dir, err = d.guard.Resolve(params.Path)
			if err != nil {
				return "", err
			}
		}

		var result strings.Builder
		if params.Recursive {
			err := filepath.WalkDir(dir, func(path string, entry os.DirEntry, err error) error {
				if err != nil {
					return nil
				}
				if path == dir {
					return nil
				}
				if entry.IsDir() && shouldSkipDir(entry.Name()) {
					return filepath.SkipDir
				}
				rel, err := filepath.Rel(dir, path)
				if err != nil {
					return nil
				}
				rel = filepath.ToSlash(rel)
				if entry.IsDir() {
					result.WriteString(fmt.Sprintf("  %s/\n", rel))
					return nil
				}
				info, err := entry.Info()
				if err != nil {
					return nil
				}
				result.WriteString(fmt.Sprintf("  %-40s %s\n", rel, formatSize(info.Size())))
				return nil
			})
			if err != nil {
				return "", fmt.Errorf("walk directory: %w", err)
			}
		} else {
			entries, err := os.ReadDir(dir)
			if err != nil {
				return "", fmt.Errorf("read directory: %w", err)
			}
			for _, entry := range entries {
				info, err := entry.Info()
				if err != nil {
					continue
				}
				if entry.IsDir() {
					result.WriteString(fmt.Sprintf("  %s/\n", entry.Name()))
				} else {
					result.WriteString(fmt.Sprintf("  %-40s %s\n", entry.Name(), formatSize(info.Size())))
				}
			}
		}
		if result.Len() == 0 {
			return "Directory is empty.", nil
		}
		return result.String(), nil
	}
}

func formatSize(n int64) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.1fMB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1fKB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%dB", n)
	}
}

type searchFilesInput struct {
	Pattern string `json:"pattern"`
}

func searchFilesTool(d *deps) Func {
	return func(ctx context.Context, input json.RawMessage) (string, error) {
		var params searchFilesInput
		if err := json.Unmarshal(input, &params); err != nil {
			return "", fmt.Errorf("invalid input: %w", err)
		}
		if params.Pattern == "" {
			return "", fmt.Errorf("pattern is required")
		}

		root := d.readDir
		const maxResults = 100
		var matches []string

		err := filepath.WalkDir(root, func(path string, entry os.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if entry.IsDir() {
				if shouldSkipDir(entry.Name()) {
					return filepath.SkipDir
				}
				return nil
			}
			rel, err := filepath.Rel(root, path)
			if err != nil {
				return nil
			}
			rel = filepath.ToSlash(rel)
			if matched, _ := matchGlob(params.Pattern, rel); matched {
				matches = append(matches, rel)
			}
			return nil
		})
		if err != nil {
			return "", err
		}

		if len(matches) == 0 {
			return "No files matched the pattern.", nil
		}

		var result strings.Builder
		limit := len(matches)
		truncated := false
		if limit > maxResults {
			limit = maxResults
			truncated = true
		}
		for _, m := range matches[:limit] {
			result.WriteString(m)
			result.WriteByte('\n')
		}
		if truncated {
			result.WriteString(fmt.Sprintf("\n... and %d more matches", len(matches)-maxResults))
		}
		return result.String(), nil
	}
}

// matchGlob supports ** for recursive directory matching in addition to
// filepath.Match's single-segment wildcards.
func matchGlob(pattern, name string) (bool, error) {
	if strings.Contains(pattern, "**") {
		return matchDoublestar(pattern, name)
	}
	return filepath.Match(pattern, name)
}

func matchDoublestar(pattern, name string) (bool, error) {
	parts := strings.SplitN(pattern, "**", 2)
	prefix := strings.TrimSuffix(parts[0], "/")
	suffix := strings.TrimPrefix(parts[1], "/")

	if prefix == "" && suffix == "" {
		return true, nil
	}
	if prefix == "" {
		segments := strings.Split(name, "/")
		for i := range segments {
			subpath := strings.Join(segments[i:], "/")
			if matched, _ := filepath.Match(suffix, subpath); matched {
				return true, nil
			}
			if matched, _ := filepath.Match(suffix, segments[len(segments)-1]); matched {
				return true, nil
			}
		}
		return false, nil
	}
	if suffix == "" {
		return strings.HasPrefix(name, prefix+"/") || name == prefix, nil
	}
	if !strings.HasPrefix(name, prefix+"/") && name != prefix {
		return false, nil
	}
	rest := strings.TrimPrefix(name, prefix+"/")
	return matchDoublestar("**/"+suffix, rest)
}

type searchContentInput struct {
	Pattern string `json:"pattern"`
	Path    string `json:"path"`
	Include string `json:"include"`
}

func searchContentTool(d *deps) Func {
	return func(ctx context.Context, input json.RawMessage) (string, error) {
		var params searchContentInput
		if err := json.Unmarshal(input, &params); err != nil {
			return "", fmt.Errorf("invalid input: %w", err)
		}
		if params.Pattern == "" {
			return "", fmt.Errorf("pattern is required")
		}

		re, err := regexp.Compile(params.Pattern)
		if err != nil {
			return "", fmt.Errorf("invalid regex (RE2 syntax): %w", err)
		}

		searchDir := d.readDir
		if params.Path != "" {
			searchDir, err = d.guard.Resolve(params.Path)
			if err != nil {
				return "", err
			}
		}

		const maxResults = 50
		var results []string
		totalMatches := 0

		err = filepath.WalkDir(searchDir, func(path string, entry os.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if entry.IsDir() {
				if shouldSkipDir(entry.Name()) {
					return filepath.SkipDir
				}
				return nil
			}
			if params.Include != "" {
				if matched, _ := filepath.Match(params.Include, entry.Name()); !matched {
					return nil
				}
			}
			if isBinaryFile(path) {
				return nil
			}

			file, err := os.Open(path)
			if err != nil {
				return nil
			}
			defer file.Close()

			rel, _ := filepath.Rel(d.readDir, path)
			rel = filepath.ToSlash(rel)

			scanner := bufio.NewScanner(file)
			lineNum := 0
			for scanner.Scan() {
				lineNum++
				line := scanner.Text()
				if re.MatchString(line) {
					totalMatches++
					if len(results) < maxResults {
						results = append(results, fmt.Sprintf("%s:%d: %s", rel, lineNum, truncateLine(line, 200)))
					}
				}
			}
			return nil
		})
		if err != nil {
			return "", err
		}

		if len(results) == 0 {
			return "No matches found.", nil
		}

		var out strings.Builder
		for _, res := range results {
			out.WriteString(res)
			out.WriteByte('\n')
		}
		if totalMatches > maxResults {
			out.WriteString(fmt.Sprintf("\n... and %d more matches", totalMatches-maxResults))
		}
		return out.String(), nil
	}
}

func truncateLine(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
