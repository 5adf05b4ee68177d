package llmport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPBackend is the one concrete Backend this module ships: an adapter
// for OpenAI-compatible chat-completions endpoints. Other backends (a
// different HTTP shape, a CLI subprocess, local inference) are expected to
// live behind the same Backend interface without this package knowing
// about them.
type HTTPBackend struct {
	apiKey        string
	model         string
	baseURL       string
	http          *http.Client
	supportsTools bool
}

// NewHTTPBackend builds an HTTPBackend for the given OpenAI-compatible
// base URL and model. supportsTools should be false for models or
// endpoints known not to accept the tools field.
func NewHTTPBackend(apiKey, model, baseURL string, supportsTools bool) *HTTPBackend {
	return &HTTPBackend{
		apiKey:        apiKey,
		model:         model,
		baseURL:       baseURL,
		supportsTools: supportsTools,
		http:          &http.Client{Timeout: 180 * time.Second},
	}
}

func (b *HTTPBackend) SupportsTools() bool { return b.supportsTools }

func (b *HTTPBackend) Info() string {
	return fmt.Sprintf("%s (%s)", b.model, b.baseURL)
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Tools       []ToolDef `json:"tools,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
}

type chatChoice struct {
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

type chatAPIResponse struct {
	Choices []chatChoice `json:"choices"`
	Usage   Usage        `json:"usage"`
}

// Generate implements Backend by POSTing an OpenAI-compatible chat
// completion request. Every ordinary failure mode — transport error,
// non-2xx after retries, malformed response — is mapped into a
// FinishError response rather than a Go error, per the port's contract
// that only context cancellation returns an error.
func (b *HTTPBackend) Generate(ctx context.Context, messages []Message, tools []ToolDef, maxTokens int, temperature float64) (*Response, error) {
	reqBody := chatRequest{
		Model:       b.model,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: temperature,
	}
	if len(tools) > 0 && b.supportsTools {
		reqBody.Tools = tools
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return errorResponse(fmt.Sprintf("marshal request: %v", err)), nil
	}

	resp, err := sendWithRetry(ctx, func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/chat/completions", bytes.NewReader(bodyBytes))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+b.apiKey)
		return b.http.Do(req)
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return errorResponse(err.Error()), nil
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return errorResponse(fmt.Sprintf("read response: %v", err)), nil
	}

	var apiResp chatAPIResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return errorResponse(fmt.Sprintf("unmarshal response: %v", err)), nil
	}
	if len(apiResp.Choices) == 0 {
		return errorResponse("no choices in backend response"), nil
	}

	choice := apiResp.Choices[0]
	return &Response{
		Message:      choice.Message,
		FinishReason: mapFinishReason(choice.FinishReason),
		Usage:        apiResp.Usage,
	}, nil
}

func mapFinishReason(raw string) FinishReason {
	switch raw {
	case "tool_calls":
		return FinishToolCalls
	case "stop", "length", "content_filter":
		return FinishStop
	default:
		return FinishStop
	}
}

func errorResponse(diagnostic string) *Response {
	return &Response{
		Message:      AssistantText(diagnostic),
		FinishReason: FinishError,
	}
}
