// Package memory implements per-agent private markdown documents organized
// by "## Section" headers. Each agent (Implementer, Reviewer) owns exactly
// one document; documents are never shared across agents.
package memory

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/jcarlsen/completeness-loop/tool/atomicfile"
)

// Role identifies which agent a memory document belongs to.
type Role string

const (
	Implementer Role = "implementer"
	Reviewer    Role = "reviewer"
)

// FileName returns the on-disk file name for a role's memory document.
func FileName(role Role) string {
	switch role {
	case Reviewer:
		return "REVIEWER_MEMORY.md"
	default:
		return "IMPLEMENTER_MEMORY.md"
	}
}

func defaultTemplate(role Role) string {
	switch role {
	case Reviewer:
		return `# Reviewer Memory

## Known Issues

## Completed Areas

## Patterns Observed
`
	default:
		return `# Implementer Memory

## Conventions

## Decisions

## Pitfalls
`
	}
}

// Doc is a section-addressed markdown document backed by a file under the
// workspace root.
type Doc struct {
	path string
	role Role
}

// Open returns a Doc bound to the given workspace root and role. The file
// is not read or created until Read or Write is called.
func Open(workDir string, role Role) *Doc {
	return &Doc{path: filepath.Join(workDir, FileName(role)), role: role}
}

// Read returns the document's full text, auto-initializing it with the
// role-specific template on first read.
func (d *Doc) Read() (string, error) {
	data, err := os.ReadFile(d.path)
	if err == nil {
		return string(data), nil
	}
	if !os.IsNotExist(err) {
		return "", fmt.Errorf("read memory: %w", err)
	}

	template := defaultTemplate(d.role)
	if err := atomicfile.Write(d.path, []byte(template), 0644); err != nil {
		return "", fmt.Errorf("initialize memory: %w", err)
	}
	return template, nil
}

var sectionHeaderRe = regexp.MustCompile(`(?m)^##\s+(.+?)\s*$`)

// Write locates the "## <section>" header in the document (auto-initializing
// it first if absent) and either appends content to that section or replaces
// it, per the append flag. A section not present in the document is appended
// as a new header at the end.
func (d *Doc) Write(section, content string, appendTo bool) error {
	current, err := d.Read()
	if err != nil {
		return err
	}

	updated, err := applySection(current, section, content, appendTo)
	if err != nil {
		return err
	}

	if err := atomicfile.Write(d.path, []byte(updated), 0644); err != nil {
		return fmt.Errorf("write memory: %w", err)
	}
	return nil
}

// applySection is the pure string-transformation core of Write, split out
// for direct testing of the round-trip law (write(section,X,false) then
// read yields a document whose section contains exactly X).
func applySection(doc, section, content string, appendTo bool) (string, error) {
	matches := sectionHeaderRe.FindAllStringSubmatchIndex(doc, -1)

	for i, m := range matches {
		name := doc[m[2]:m[3]]
		if !strings.EqualFold(strings.TrimSpace(name), strings.TrimSpace(section)) {
			continue
		}

		bodyStart := m[1]
		bodyEnd := len(doc)
		if i+1 < len(matches) {
			bodyEnd = matches[i+1][0]
		}

		body := doc[bodyStart:bodyEnd]
		var newBody string
		if appendTo {
			trimmed := strings.TrimRight(body, "\n")
			if trimmed == "" {
				newBody = "\n" + content + "\n"
			} else {
				newBody = trimmed + "\n" + content + "\n"
			}
		} else {
			newBody = "\n" + content + "\n"
		}

		return doc[:bodyStart] + newBody + doc[bodyEnd:], nil
	}

	// Section absent: append a new header at the end.
	sep := "\n"
	if strings.HasSuffix(doc, "\n\n") {
		sep = ""
	} else if !strings.HasSuffix(doc, "\n") {
		sep = "\n\n"
	}
	return doc + sep + "## " + section + "\n\n" + content + "\n", nil
}
