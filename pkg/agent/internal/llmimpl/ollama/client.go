// Package ollama provides Ollama client implementation for LLM interface.
// Ollama is the local runtime used when the run is in local mode.
package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"

	"shipwright/pkg/agent/llm"
	"shipwright/pkg/agent/llmerrors"
	"shipwright/pkg/config"
	"shipwright/pkg/tools"
)

// DefaultHost is used when no host URL is configured.
const DefaultHost = "http://localhost:11434"

// Client wraps the Ollama API client to implement llm.LLMClient interface.
type Client struct {
	client  *api.Client
	model   string
	hostURL string
}

// NewOllamaClientWithModel creates a new Ollama client with specific model.
// hostURL should be the Ollama server URL (e.g., "http://localhost:11434").
func NewOllamaClientWithModel(hostURL, model string) *Client {
	if hostURL == "" {
		hostURL = DefaultHost
	}
	parsedURL, err := url.Parse(hostURL)
	if err != nil {
		parsedURL, _ = url.Parse(DefaultHost)
	}
	if model == "" {
		model = config.DefaultLocalModel
	}

	return &Client{
		client:  api.NewClient(parsedURL, http.DefaultClient),
		model:   model,
		hostURL: parsedURL.String(),
	}
}

// GetModelName returns the model name for this client.
func (o *Client) GetModelName() string {
	return o.model
}

// Complete implements the llm.LLMClient interface.
//
//nolint:gocritic // CompletionRequest size acceptable for interface consistency
func (o *Client) Complete(ctx context.Context, in llm.CompletionRequest) (llm.CompletionResponse, error) {
	messages, err := convertMessages(in.Messages)
	if err != nil {
		return llm.CompletionResponse{}, llmerrors.NewErrorWithCause(llmerrors.ErrorTypeBadPrompt, err, "message conversion error")
	}

	stream := false
	req := &api.ChatRequest{
		Model:    o.model,
		Messages: messages,
		Stream:   &stream,
		Options: map[string]any{
			"temperature": in.Temperature,
			"num_predict": in.MaxTokens,
		},
	}

	if len(in.Tools) > 0 {
		// Ollama has no tool_choice; forcing a tool means offering only that tool.
		defs := in.Tools
		if forced := in.ForcedToolName(); forced != "" {
			defs = onlyTool(in.Tools, forced)
		}
		req.Tools, err = convertTools(defs)
		if err != nil {
			return llm.CompletionResponse{}, llmerrors.NewErrorWithCause(llmerrors.ErrorTypeBadPrompt, err, "tool conversion error")
		}
	}

	var response api.ChatResponse
	err = o.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		response = resp
		return nil
	})
	if err != nil {
		return llm.CompletionResponse{}, classifyError(err)
	}

	result := llm.CompletionResponse{
		Content:    response.Message.Content,
		StopReason: stopReason(&response),
		Usage: llm.Usage{
			InputTokens:  response.PromptEvalCount,
			OutputTokens: response.EvalCount,
		},
	}
	if len(response.Message.ToolCalls) > 0 {
		result.ToolCalls = convertToolCalls(response.Message.ToolCalls)
	}
	if result.Content == "" && len(result.ToolCalls) == 0 {
		return llm.CompletionResponse{}, llmerrors.NewEmptyResponseError(config.ProviderOllama)
	}

	return result, nil
}

func onlyTool(defs []tools.ToolDefinition, name string) []tools.ToolDefinition {
	for i := range defs {
		if defs[i].Name == name {
			return defs[i : i+1]
		}
	}
	return defs
}

// convertMessages converts our message format to Ollama's. Tool results become
// separate messages with role "tool".
func convertMessages(messages []llm.CompletionMessage) ([]api.Message, error) {
	if len(messages) == 0 {
		return nil, errors.New("message list cannot be empty")
	}

	result := make([]api.Message, 0, len(messages))
	for i := range messages {
		msg := &messages[i]

		for j := range msg.ToolResults {
			tr := &msg.ToolResults[j]
			result = append(result, api.Message{
				Role:       "tool",
				Content:    tr.Content,
				ToolName:   tr.Name,
				ToolCallID: tr.ToolCallID,
			})
		}
		if len(msg.ToolResults) > 0 && msg.Content == "" {
			continue
		}

		out := api.Message{Role: string(msg.Role), Content: msg.Content}
		for j := range msg.ToolCalls {
			tc := &msg.ToolCalls[j]
			args := api.NewToolCallFunctionArguments()
			for k, v := range tc.Parameters {
				args.Set(k, v)
			}
			out.ToolCalls = append(out.ToolCalls, api.ToolCall{
				ID:       tc.ID,
				Function: api.ToolCallFunction{Index: j, Name: tc.Name, Arguments: args},
			})
		}
		result = append(result, out)
	}

	return result, nil
}

// convertTools round-trips each JSON Schema through Ollama's parameter type,
// which keeps nested items and enums intact.
func convertTools(defs []tools.ToolDefinition) (api.Tools, error) {
	out := make(api.Tools, len(defs))
	for i := range defs {
		raw, err := json.Marshal(defs[i].SchemaMap())
		if err != nil {
			return nil, fmt.Errorf("tool %s: %w", defs[i].Name, err)
		}
		var params api.ToolFunctionParameters
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, fmt.Errorf("tool %s: %w", defs[i].Name, err)
		}
		out[i] = api.Tool{
			Type: "function",
			Function: api.ToolFunction{
				Name:        defs[i].Name,
				Description: defs[i].Description,
				Parameters:  params,
			},
		}
	}
	return out, nil
}

func convertToolCalls(calls []api.ToolCall) []llm.ToolCall {
	result := make([]llm.ToolCall, len(calls))
	for i := range calls {
		call := &calls[i]
		id := call.ID
		if id == "" {
			id = fmt.Sprintf("call_%d", i)
		}
		result[i] = llm.ToolCall{
			ID:         id,
			Name:       call.Function.Name,
			Parameters: call.Function.Arguments.ToMap(),
		}
	}
	return result
}

// stopReason converts Ollama's done_reason to our stop reason format.
func stopReason(resp *api.ChatResponse) string {
	if !resp.Done {
		return "incomplete"
	}
	switch resp.DoneReason {
	case "stop", "":
		return "end_turn"
	case "length":
		return "max_tokens"
	default:
		return resp.DoneReason
	}
}

// classifyError converts Ollama errors to our error types.
func classifyError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}

	var statusErr api.StatusError
	if errors.As(err, &statusErr) {
		if statusErr.StatusCode == http.StatusNotFound {
			return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeBadPrompt, err, "Ollama model not found")
		}
		return llmerrors.FromStatus(config.ProviderOllama, statusErr.StatusCode, err)
	}

	errStr := err.Error()
	switch {
	case strings.Contains(errStr, "connection refused"):
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeTransient, err, "Ollama server not reachable")
	case strings.Contains(errStr, "model") && strings.Contains(errStr, "not found"):
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeBadPrompt, err, "Ollama model not found")
	default:
		return llmerrors.FromStatus(config.ProviderOllama, 0, err)
	}
}

var _ llm.LLMClient = (*Client)(nil)
