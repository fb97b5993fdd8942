// Package anthropic provides the Anthropic Claude implementation of llm.LLMClient.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"shipwright/pkg/agent/llm"
	"shipwright/pkg/agent/llmerrors"
	"shipwright/pkg/config"
	"shipwright/pkg/tools"
)

const minThinkingBudget = 1024

// ClaudeClient wraps the Anthropic API client to implement llm.LLMClient.
//
//nolint:govet // Simple client struct, logical grouping preferred
type ClaudeClient struct {
	client anthropic.Client
	model  anthropic.Model
}

// NewClaudeClient creates a raw client; middleware is applied by the model manager.
// SDK-level retries are disabled because the retry middleware owns them.
func NewClaudeClient(apiKey, model string, opts ...option.RequestOption) *ClaudeClient {
	if model == "" {
		model = config.ModelClaudeSonnetLatest
	}
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}, opts...)
	return &ClaudeClient{
		client: anthropic.NewClient(opts...),
		model:  anthropic.Model(model),
	}
}

// GetModelName returns the model name for this client.
func (c *ClaudeClient) GetModelName() string {
	return string(c.model)
}

// Complete implements the llm.LLMClient interface.
//
//nolint:gocritic // CompletionRequest is passed by value to match the interface
func (c *ClaudeClient) Complete(ctx context.Context, in llm.CompletionRequest) (llm.CompletionResponse, error) {
	system, messages, err := convertMessages(in.Messages)
	if err != nil {
		return llm.CompletionResponse{}, llmerrors.NewErrorWithCause(llmerrors.ErrorTypeBadPrompt, err, "message conversion failed")
	}

	maxTokens := in.MaxTokens
	if maxTokens <= 0 {
		maxTokens = llm.DefaultMaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     c.model,
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	if len(in.Tools) > 0 {
		params.Tools = make([]anthropic.ToolUnionParam, 0, len(in.Tools))
		for i := range in.Tools {
			params.Tools = append(params.Tools, convertTool(&in.Tools[i]))
		}
		params.ToolChoice = toolChoice(in.ToolChoice)
	}

	// Extended thinking rejects forced tool choice and any temperature but 1.
	forced := in.ToolChoice != "" && in.ToolChoice != llm.ToolChoiceAuto
	if in.Thinking && !forced && maxTokens > 2*minThinkingBudget {
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(int64(maxTokens / 2))
	} else {
		params.Temperature = anthropic.Float(float64(in.Temperature))
	}

	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return llm.CompletionResponse{}, classifyError(err)
	}
	return convertResponse(resp)
}

// convertMessages extracts the system prompt and merges consecutive turns of
// the same role, since the API requires strict user/assistant alternation.
func convertMessages(in []llm.CompletionMessage) (string, []anthropic.MessageParam, error) {
	var system string
	var out []anthropic.MessageParam

	for i := range in {
		msg := &in[i]
		if msg.Role == llm.RoleSystem {
			if system != "" {
				system += "\n\n"
			}
			system += msg.Content
			continue
		}

		var blocks []anthropic.ContentBlockParamUnion
		if msg.Content != "" {
			blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
		}
		switch msg.Role {
		case llm.RoleAssistant:
			for _, tc := range msg.ToolCalls {
				input := tc.Parameters
				if input == nil {
					input = map[string]any{}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
			}
		case llm.RoleUser:
			for _, tr := range msg.ToolResults {
				blocks = append(blocks, anthropic.NewToolResultBlock(tr.ToolCallID, tr.Content, tr.IsError))
			}
		default:
			return "", nil, fmt.Errorf("invalid role %q at index %d", msg.Role, i)
		}
		if len(blocks) == 0 {
			continue
		}

		role := anthropic.MessageParamRoleUser
		if msg.Role == llm.RoleAssistant {
			role = anthropic.MessageParamRoleAssistant
		}
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content = append(out[n-1].Content, blocks...)
			continue
		}
		out = append(out, anthropic.MessageParam{Role: role, Content: blocks})
	}

	if len(out) == 0 {
		return "", nil, errors.New("must have at least one non-system message")
	}
	if out[0].Role != anthropic.MessageParamRoleUser {
		return "", nil, errors.New("first message must be user role")
	}
	return system, out, nil
}

func convertTool(def *tools.ToolDefinition) anthropic.ToolUnionParam {
	schema := def.SchemaMap()
	inputSchema := anthropic.ToolInputSchemaParam{Properties: schema["properties"]}
	if required, ok := schema["required"].([]any); ok {
		for _, r := range required {
			if s, ok := r.(string); ok {
				inputSchema.Required = append(inputSchema.Required, s)
			}
		}
	}
	tool := anthropic.ToolUnionParamOfTool(inputSchema, def.Name)
	if def.Description != "" {
		tool.OfTool.Description = anthropic.String(def.Description)
	}
	return tool
}

func toolChoice(choice string) anthropic.ToolChoiceUnionParam {
	switch choice {
	case "", llm.ToolChoiceAuto:
		return anthropic.ToolChoiceUnionParam{OfAuto: &anthropic.ToolChoiceAutoParam{}}
	case llm.ToolChoiceAny:
		return anthropic.ToolChoiceUnionParam{OfAny: &anthropic.ToolChoiceAnyParam{}}
	default:
		return anthropic.ToolChoiceParamOfTool(choice)
	}
}

func convertResponse(resp *anthropic.Message) (llm.CompletionResponse, error) {
	if resp == nil {
		return llm.CompletionResponse{}, llmerrors.NewEmptyResponseError(config.ProviderAnthropic)
	}

	out := llm.CompletionResponse{
		StopReason: string(resp.StopReason),
		Usage: llm.Usage{
			InputTokens:  int(resp.Usage.InputTokens),
			OutputTokens: int(resp.Usage.OutputTokens),
		},
	}
	for i := range resp.Content {
		block := &resp.Content[i]
		switch block.Type {
		case "text":
			out.Content += block.AsText().Text
		case "tool_use":
			toolUse := block.AsToolUse()
			var params map[string]any
			if len(toolUse.Input) > 0 {
				if err := json.Unmarshal(toolUse.Input, &params); err != nil {
					return llm.CompletionResponse{}, llmerrors.NewErrorWithCause(llmerrors.ErrorTypeTransient, err, "failed to parse tool input")
				}
			}
			out.ToolCalls = append(out.ToolCalls, llm.ToolCall{ID: toolUse.ID, Name: toolUse.Name, Parameters: params})
		}
	}

	if out.Content == "" && len(out.ToolCalls) == 0 {
		return llm.CompletionResponse{}, llmerrors.NewEmptyResponseError(config.ProviderAnthropic)
	}
	return out, nil
}

// classifyError maps Anthropic SDK errors to the llmerrors taxonomy.
func classifyError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return llmerrors.FromStatus(config.ProviderAnthropic, apiErr.StatusCode, err)
	}
	return llmerrors.FromStatus(config.ProviderAnthropic, 0, err)
}

var _ llm.LLMClient = (*ClaudeClient)(nil)
