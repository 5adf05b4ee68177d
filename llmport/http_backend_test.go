package llmport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateReturnsStopOnPlainResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(chatAPIResponse{
			Choices: []chatChoice{{
				Message:      AssistantText("done"),
				FinishReason: "stop",
			}},
			Usage: Usage{TotalTokens: 42},
		})
	}))
	defer srv.Close()

	backend := NewHTTPBackend("key", "test-model", srv.URL, true)
	resp, err := backend.Generate(context.Background(), []Message{UserMessage("hi")}, nil, 100, 0.2)
	require.NoError(t, err)
	assert.Equal(t, FinishStop, resp.FinishReason)
	assert.Equal(t, "done", resp.Message.Text())
	assert.Equal(t, 42, resp.Usage.TotalTokens)
}

func TestGenerateMapsToolCallsFinish(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(chatAPIResponse{
			Choices: []chatChoice{{
				Message: Message{
					Role: "assistant",
					ToolCalls: []ToolCall{
						{ID: "call_1", Type: "function", Function: FunctionCall{Name: "read", Arguments: `{"path":"a.go"}`}},
					},
				},
				FinishReason: "tool_calls",
			}},
		})
	}))
	defer srv.Close()

	backend := NewHTTPBackend("key", "test-model", srv.URL, true)
	resp, err := backend.Generate(context.Background(), nil, []ToolDef{{Type: "function", Function: FunctionDef{Name: "read"}}}, 100, 0.2)
	require.NoError(t, err)
	assert.Equal(t, FinishToolCalls, resp.FinishReason)
	require.Len(t, resp.Message.ToolCalls, 1)
	assert.Equal(t, "read", resp.Message.ToolCalls[0].Function.Name)
}

func TestGenerateMapsAuthFailureToFinishError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error": "bad key"}`))
	}))
	defer srv.Close()

	backend := NewHTTPBackend("bad-key", "test-model", srv.URL, true)
	resp, err := backend.Generate(context.Background(), nil, nil, 100, 0.2)
	require.NoError(t, err)
	assert.Equal(t, FinishError, resp.FinishReason)
	assert.NotEmpty(t, resp.Message.Text())
}

func TestGenerateOmitsToolsWhenBackendDoesNotSupportThem(t *testing.T) {
	var sawTools bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		json.NewDecoder(r.Body).Decode(&req)
		sawTools = len(req.Tools) > 0
		json.NewEncoder(w).Encode(chatAPIResponse{Choices: []chatChoice{{Message: AssistantText("ok"), FinishReason: "stop"}}})
	}))
	defer srv.Close()

	backend := NewHTTPBackend("key", "test-model", srv.URL, false)
	assert.False(t, backend.SupportsTools())

	_, err := backend.Generate(context.Background(), nil, []ToolDef{{Type: "function", Function: FunctionDef{Name: "read"}}}, 100, 0.2)
	require.NoError(t, err)
	assert.False(t, sawTools)
}
