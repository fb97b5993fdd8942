package ollama

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/ollama/ollama/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shipwright/pkg/agent/llm"
	"shipwright/pkg/agent/llmerrors"
	"shipwright/pkg/tools"
)

func TestNewOllamaClientWithModel(t *testing.T) {
	tests := []struct {
		name      string
		hostURL   string
		model     string
		wantModel string
	}{
		{name: "valid host and model", hostURL: "http://localhost:11434", model: "phi4:latest", wantModel: "phi4:latest"},
		{name: "custom host", hostURL: "http://192.168.1.100:11434", model: "llama3.1:8b", wantModel: "llama3.1:8b"},
		{name: "defaults", wantModel: "mistral-nemo:latest"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := NewOllamaClientWithModel(tt.hostURL, tt.model)
			require.NotNil(t, client)
			assert.Equal(t, tt.wantModel, client.GetModelName())
		})
	}
}

func TestConvertMessages(t *testing.T) {
	msgs, err := convertMessages([]llm.CompletionMessage{
		llm.NewSystemMessage("sys"),
		llm.NewUserMessage("hi"),
		llm.NewAssistantMessage("", []llm.ToolCall{{ID: "c1", Name: "read_file", Parameters: map[string]any{"path": "a.go"}}}),
		llm.NewToolResultMessage([]llm.ToolResult{
			{ToolCallID: "c1", Name: "read_file", Content: "package a"},
			{ToolCallID: "c2", Name: "list_files", Content: "a.go"},
		}),
	})
	require.NoError(t, err)
	require.Len(t, msgs, 5)

	assert.Equal(t, "assistant", msgs[2].Role)
	path, ok := msgs[2].ToolCalls[0].Function.Arguments.Get("path")
	require.True(t, ok)
	assert.Equal(t, "a.go", path)

	assert.Equal(t, "tool", msgs[3].Role)
	assert.Equal(t, "read_file", msgs[3].ToolName)
	assert.Equal(t, "c2", msgs[4].ToolCallID)

	_, err = convertMessages(nil)
	require.Error(t, err)
}

func TestConvertTools(t *testing.T) {
	out, err := convertTools([]tools.ToolDefinition{{
		Name:        "update_plan",
		Description: "Update",
		InputSchema: tools.Object(map[string]*jsonschema.Schema{
			"reasoning":       tools.String("why"),
			"remaining_items": tools.StringArray("items"),
		}, "reasoning"),
	}})
	require.NoError(t, err)
	require.Len(t, out, 1)

	params := out[0].Function.Parameters
	assert.Equal(t, "object", params.Type)
	assert.Equal(t, []string{"reasoning"}, params.Required)
	prop, ok := params.Properties.Get("remaining_items")
	require.True(t, ok)
	assert.Equal(t, api.PropertyType{"array"}, prop.Type)
	assert.NotNil(t, prop.Items)
}

func TestStopReason(t *testing.T) {
	assert.Equal(t, "incomplete", stopReason(&api.ChatResponse{}))
	assert.Equal(t, "end_turn", stopReason(&api.ChatResponse{Done: true, DoneReason: "stop"}))
	assert.Equal(t, "max_tokens", stopReason(&api.ChatResponse{Done: true, DoneReason: "length"}))
}

func TestCompleteForcedTool(t *testing.T) {
	var sent api.ChatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		raw, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(raw, &sent))
		w.Header().Set("Content-Type", "application/x-ndjson")
		// The client reads one response object per line.
		_ = json.NewEncoder(w).Encode(map[string]any{
			"model":      "m",
			"created_at": "2025-01-01T00:00:00Z",
			"message": map[string]any{
				"role":    "assistant",
				"content": "",
				"tool_calls": []any{map[string]any{"function": map[string]any{
					"index": 0, "name": "done", "arguments": map[string]any{"summary": "ok"},
				}}},
			},
			"done":              true,
			"done_reason":       "stop",
			"prompt_eval_count": 11,
			"eval_count":        4,
		})
	}))
	t.Cleanup(server.Close)

	client := NewOllamaClientWithModel(server.URL, "m")
	req := llm.NewCompletionRequest([]llm.CompletionMessage{llm.NewUserMessage("finish")})
	done := tools.NewDoneTool()
	req.Tools = []tools.ToolDefinition{tools.NewRequestHumanHelpTool().Definition(), done.Definition()}
	req.ForceTool(done.Name())

	resp, err := client.Complete(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "call_0", resp.ToolCalls[0].ID)
	assert.Equal(t, "ok", resp.ToolCalls[0].Parameters["summary"])
	assert.Equal(t, 11, resp.Usage.InputTokens)
	assert.Equal(t, 4, resp.Usage.OutputTokens)

	require.Len(t, sent.Tools, 1, "forcing a tool offers only that tool")
	assert.Equal(t, done.Name(), sent.Tools[0].Function.Name)
}

func TestCompleteErrors(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		wantType llmerrors.ErrorType
	}{
		{"missing model", http.StatusNotFound, llmerrors.ErrorTypeBadPrompt},
		{"server error", http.StatusInternalServerError, llmerrors.ErrorTypeTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, `{"error":"boom"}`+"\n")
			}))
			t.Cleanup(server.Close)

			client := NewOllamaClientWithModel(server.URL, "m")
			_, err := client.Complete(context.Background(), llm.NewCompletionRequest([]llm.CompletionMessage{llm.NewUserMessage("hi")}))
			require.Error(t, err)
			assert.True(t, llmerrors.Is(err, tt.wantType), "got %v", err)
		})
	}
}

func TestCompleteUnreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	client := NewOllamaClientWithModel(url, "m")
	_, err := client.Complete(context.Background(), llm.NewCompletionRequest([]llm.CompletionMessage{llm.NewUserMessage("hi")}))
	require.Error(t, err)
	assert.True(t, llmerrors.IsRetryable(err))
}
