package llmport

import "context"

// Backend is the synchronous port every harness calls through. generate
// maps directly onto spec's contract: one request in, one response out,
// no streaming. Adapters (HTTP APIs, CLI subprocesses, local inference)
// implement this against whichever transport they speak, and translate
// their own error taxonomy into FinishError.
type Backend interface {
	// Generate sends messages (and, when non-empty, tool definitions) to
	// the backend and returns its response. maxTokens and temperature are
	// per-call generation parameters. Generate itself never returns a
	// non-nil error for ordinary backend failures — those are reported via
	// Response.FinishReason == FinishError with a diagnostic in
	// Response.Message.Content. A non-nil error return is reserved for
	// context cancellation.
	Generate(ctx context.Context, messages []Message, tools []ToolDef, maxTokens int, temperature float64) (*Response, error)

	// SupportsTools reports whether this backend can be offered tool
	// definitions at all. The harnesses pass their definitions on every
	// call regardless; HTTPBackend leaves them out of the request when
	// this reports false.
	SupportsTools() bool

	// Info returns a short human-readable description of the backend
	// (model name, endpoint) for logging.
	Info() string
}
