// Package google provides Google Gemini client implementation for LLM interface.
package google

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"google.golang.org/genai"

	"shipwright/pkg/agent/llm"
	"shipwright/pkg/agent/llmerrors"
	"shipwright/pkg/config"
	"shipwright/pkg/tools"
)

// syntheticIDPrefix marks call IDs minted locally because Gemini sent none.
// They are never sent back to the API.
const syntheticIDPrefix = "gemini_call_"

// GeminiClient wraps the Google GenAI client to implement llm.LLMClient interface.
//
//nolint:govet // Simple struct, field alignment not critical
type GeminiClient struct {
	client  *genai.Client
	apiKey  string
	model   string
	baseURL string

	mu sync.Mutex
	// signed holds model turns that carried thought signatures, keyed by the
	// first tool call ID, so they can be replayed verbatim on later turns.
	signed map[string]*genai.Content
}

// NewGeminiClientWithModel creates a raw client; middleware is applied by the model manager.
// The genai client needs a context, so it is created on first use.
func NewGeminiClientWithModel(apiKey, model string) *GeminiClient {
	if model == "" {
		model = config.ModelGemini25Pro
	}
	return &GeminiClient{apiKey: apiKey, model: model, signed: make(map[string]*genai.Content)}
}

// WithBaseURL points the client at a different API endpoint.
func (g *GeminiClient) WithBaseURL(url string) *GeminiClient {
	g.baseURL = url
	return g
}

// GetModelName returns the model name for this client.
func (g *GeminiClient) GetModelName() string {
	return g.model
}

func (g *GeminiClient) ensureClient(ctx context.Context) (*genai.Client, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.client != nil {
		return g.client, nil
	}
	cc := &genai.ClientConfig{
		APIKey:  g.apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if g.baseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: g.baseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, err
	}
	g.client = client
	return client, nil
}

// Complete implements the llm.LLMClient interface.
//
//nolint:gocritic // CompletionRequest size acceptable for interface consistency
func (g *GeminiClient) Complete(ctx context.Context, in llm.CompletionRequest) (llm.CompletionResponse, error) {
	client, err := g.ensureClient(ctx)
	if err != nil {
		return llm.CompletionResponse{}, llmerrors.NewErrorWithCause(llmerrors.ErrorTypeAuth, err, "failed to create Gemini client")
	}

	contents, systemInstruction, err := g.convertMessages(in.Messages)
	if err != nil {
		return llm.CompletionResponse{}, llmerrors.NewErrorWithCause(llmerrors.ErrorTypeBadPrompt, err, "message conversion error")
	}

	//nolint:gosec // MaxTokens validated at higher layer
	cfg := &genai.GenerateContentConfig{
		Temperature:     &in.Temperature,
		MaxOutputTokens: int32(in.MaxTokens),
	}
	if systemInstruction != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: systemInstruction}}}
	}

	if len(in.Tools) > 0 {
		cfg.Tools = []*genai.Tool{{FunctionDeclarations: convertTools(in.Tools)}}
		cfg.ToolConfig = &genai.ToolConfig{FunctionCallingConfig: functionCalling(in.ToolChoice)}
	}

	result, err := client.Models.GenerateContent(ctx, g.model, contents, cfg)
	if err != nil {
		return llm.CompletionResponse{}, classifyError(err)
	}
	if result == nil || len(result.Candidates) == 0 || result.Candidates[0].Content == nil {
		return llm.CompletionResponse{}, llmerrors.NewEmptyResponseError(config.ProviderGoogle)
	}

	response := llm.CompletionResponse{
		StopReason: string(result.Candidates[0].FinishReason),
	}
	for _, part := range result.Candidates[0].Content.Parts {
		if part.Text != "" && !part.Thought {
			response.Content += part.Text
		}
	}
	if calls := result.FunctionCalls(); len(calls) > 0 {
		response.ToolCalls = convertFunctionCalls(calls)
		g.remember(response.ToolCalls[0].ID, result.Candidates[0].Content)
	}
	if result.UsageMetadata != nil {
		response.Usage = llm.Usage{
			InputTokens:  int(result.UsageMetadata.PromptTokenCount),
			OutputTokens: int(result.UsageMetadata.CandidatesTokenCount),
		}
	}

	if response.Content == "" && len(response.ToolCalls) == 0 {
		return llm.CompletionResponse{}, llmerrors.NewEmptyResponseError(config.ProviderGoogle)
	}
	return response, nil
}

func (g *GeminiClient) remember(callID string, content *genai.Content) {
	for _, part := range content.Parts {
		if len(part.ThoughtSignature) > 0 {
			g.mu.Lock()
			g.signed[callID] = content
			g.mu.Unlock()
			return
		}
	}
}

func (g *GeminiClient) recall(callID string) *genai.Content {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.signed[callID]
}

// convertMessages converts our message format to Gemini contents plus the
// system instruction. Assistant turns whose signed original is cached are
// replayed as-is.
func (g *GeminiClient) convertMessages(messages []llm.CompletionMessage) ([]*genai.Content, string, error) {
	if len(messages) == 0 {
		return nil, "", errors.New("message list cannot be empty")
	}

	var systemInstruction string
	var contents []*genai.Content

	for i := range messages {
		msg := &messages[i]

		var role string
		switch msg.Role {
		case llm.RoleSystem:
			if systemInstruction != "" {
				systemInstruction += "\n\n"
			}
			systemInstruction += msg.Content
			continue
		case llm.RoleUser:
			role = genai.RoleUser
		case llm.RoleAssistant:
			role = genai.RoleModel
			if len(msg.ToolCalls) > 0 {
				if cached := g.recall(msg.ToolCalls[0].ID); cached != nil {
					contents = append(contents, cached)
					continue
				}
			}
		default:
			return nil, "", fmt.Errorf("unsupported message role: %s", msg.Role)
		}

		var parts []*genai.Part
		if msg.Content != "" {
			parts = append(parts, &genai.Part{Text: msg.Content})
		}
		for j := range msg.ToolCalls {
			tc := &msg.ToolCalls[j]
			parts = append(parts, &genai.Part{
				FunctionCall: &genai.FunctionCall{ID: apiID(tc.ID), Name: tc.Name, Args: tc.Parameters},
			})
		}
		for j := range msg.ToolResults {
			tr := &msg.ToolResults[j]
			name := tr.Name
			if name == "" {
				return nil, "", fmt.Errorf("tool result %s has no tool name", tr.ToolCallID)
			}
			response := map[string]any{"output": tr.Content}
			if tr.IsError {
				response = map[string]any{"error": tr.Content}
			}
			parts = append(parts, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{ID: apiID(tr.ToolCallID), Name: name, Response: response},
			})
		}

		if len(parts) > 0 {
			contents = append(contents, &genai.Content{Role: role, Parts: parts})
		}
	}

	if len(contents) == 0 {
		return nil, "", errors.New("no user or model content")
	}
	return contents, systemInstruction, nil
}

// convertTools passes the JSON Schema through untouched.
func convertTools(defs []tools.ToolDefinition) []*genai.FunctionDeclaration {
	declarations := make([]*genai.FunctionDeclaration, len(defs))
	for i := range defs {
		declarations[i] = &genai.FunctionDeclaration{
			Name:                 defs[i].Name,
			Description:          defs[i].Description,
			ParametersJsonSchema: defs[i].SchemaMap(),
		}
	}
	return declarations
}

func functionCalling(choice string) *genai.FunctionCallingConfig {
	switch choice {
	case "", llm.ToolChoiceAuto:
		return &genai.FunctionCallingConfig{Mode: genai.FunctionCallingConfigModeAuto}
	case llm.ToolChoiceAny:
		return &genai.FunctionCallingConfig{Mode: genai.FunctionCallingConfigModeAny}
	default:
		return &genai.FunctionCallingConfig{
			Mode:                 genai.FunctionCallingConfigModeAny,
			AllowedFunctionNames: []string{choice},
		}
	}
}

// convertFunctionCalls falls back to the function name when Gemini omits call IDs.
func convertFunctionCalls(calls []*genai.FunctionCall) []llm.ToolCall {
	toolCalls := make([]llm.ToolCall, len(calls))
	for i, call := range calls {
		id := call.ID
		if id == "" {
			id = fmt.Sprintf("%s%d_%s", syntheticIDPrefix, i, call.Name)
		}
		toolCalls[i] = llm.ToolCall{ID: id, Name: call.Name, Parameters: call.Args}
	}
	return toolCalls
}

func apiID(id string) string {
	if strings.HasPrefix(id, syntheticIDPrefix) {
		return ""
	}
	return id
}

func classifyError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return llmerrors.FromStatus(config.ProviderGoogle, apiErr.Code, err)
	}
	return llmerrors.FromStatus(config.ProviderGoogle, 0, err)
}

var _ llm.LLMClient = (*GeminiClient)(nil)
