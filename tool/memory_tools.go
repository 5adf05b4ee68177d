package tool

import (
	"context"
	"encoding/json"
	"fmt"
)

// registerMemoryTools registers memory_read and memory_write, giving the
// calling agent access to its own private memory document. Both agents get
// these tools; each Registry is built with a different *memory.Doc, so an
// implementer and reviewer calling memory_write never touch each other's file.
func registerMemoryTools(r *Registry, d *deps) {
	r.register("memory_read",
		`Read your private memory document: durable notes you've kept across cycles, organized into sections.`,
		json.RawMessage(`{"type": "object", "properties": {}}`),
		memoryReadTool(d),
	)

	r.register("memory_write",
		`Write a note into your private memory document under a named section. By default the note is appended to the section; set replace to true to overwrite the section's contents instead. A section that doesn't exist yet is created.`,
		json.RawMessage(`{
			"type": "object",
			"properties": {
				"section": {"type": "string", "description": "Section heading to write under, e.g. 'Decisions'"},
				"content": {"type": "string", "description": "Note text to record"},
				"replace": {"type": "boolean", "description": "Replace the section's contents instead of appending (default false)"}
			},
			"required": ["section", "content"]
		}`),
		memoryWriteTool(d),
	)
}

func memoryReadTool(d *deps) Func {
	return func(ctx context.Context, input json.RawMessage) (string, error) {
		return d.mem.Read()
	}
}

type memoryWriteInput struct {
	Section string `json:"section"`
	Content string `json:"content"`
	Replace bool   `json:"replace"`
}

func memoryWriteTool(d *deps) Func {
	return func(ctx context.Context, input json.RawMessage) (string, error) {
		var params memoryWriteInput
		if err := json.Unmarshal(input, &params); err != nil {
			return "", fmt.Errorf("invalid input: %w", err)
		}
		if params.Section == "" {
			return "", fmt.Errorf("section is required")
		}
		if err := d.mem.Write(params.Section, params.Content, !params.Replace); err != nil {
			return "", err
		}
		return fmt.Sprintf("recorded under %q", params.Section), nil
	}
}
