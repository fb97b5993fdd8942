// Package openai provides the OpenAI chat-completions implementation of llm.LLMClient.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"shipwright/pkg/agent/llm"
	"shipwright/pkg/agent/llmerrors"
	"shipwright/pkg/config"
	"shipwright/pkg/tools"
)

// Client wraps the official OpenAI Go client to implement llm.LLMClient.
//
//nolint:govet // Simple struct, field alignment not critical
type Client struct {
	client openai.Client
	model  string
}

// NewClient creates a raw client; middleware is applied by the model manager.
func NewClient(apiKey, model string, opts ...option.RequestOption) *Client {
	if model == "" {
		model = config.ModelGPT5
	}
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}, opts...)
	return &Client{client: openai.NewClient(opts...), model: model}
}

// GetModelName returns the model name for this client.
func (c *Client) GetModelName() string {
	return c.model
}

// Complete implements the llm.LLMClient interface.
//
//nolint:gocritic // CompletionRequest is passed by value to match the interface
func (c *Client) Complete(ctx context.Context, in llm.CompletionRequest) (llm.CompletionResponse, error) {
	messages, err := convertMessages(in.Messages)
	if err != nil {
		return llm.CompletionResponse{}, llmerrors.NewErrorWithCause(llmerrors.ErrorTypeBadPrompt, err, "message conversion failed")
	}

	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(c.model),
		Messages: messages,
	}

	// Cap MaxTokens to the model's limit to prevent API errors
	maxTokens := in.MaxTokens
	if info, ok := config.KnownModels[c.model]; ok && info.MaxOutputTokens > 0 && maxTokens > info.MaxOutputTokens {
		maxTokens = info.MaxOutputTokens
	}
	if maxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(maxTokens))
	}
	if !isReasoningModel(c.model) {
		params.Temperature = openai.Float(float64(in.Temperature))
	}

	if len(in.Tools) > 0 {
		params.Tools = make([]openai.ChatCompletionToolParam, 0, len(in.Tools))
		for i := range in.Tools {
			params.Tools = append(params.Tools, convertTool(&in.Tools[i]))
		}
		params.ToolChoice = toolChoice(in.ToolChoice)
	}

	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return llm.CompletionResponse{}, classifyError(err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return llm.CompletionResponse{}, llmerrors.NewEmptyResponseError(config.ProviderOpenAI)
	}

	choice := resp.Choices[0]
	out := llm.CompletionResponse{
		Content:    choice.Message.Content,
		StopReason: choice.FinishReason,
		Usage: llm.Usage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		var params map[string]any
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &params); err != nil {
				return llm.CompletionResponse{}, llmerrors.NewErrorWithCause(llmerrors.ErrorTypeTransient, err,
					fmt.Sprintf("invalid arguments for tool %s", tc.Function.Name))
			}
		}
		out.ToolCalls = append(out.ToolCalls, llm.ToolCall{ID: tc.ID, Name: tc.Function.Name, Parameters: params})
	}

	if out.Content == "" && len(out.ToolCalls) == 0 {
		return llm.CompletionResponse{}, llmerrors.NewEmptyResponseError(config.ProviderOpenAI)
	}
	return out, nil
}

func convertMessages(in []llm.CompletionMessage) ([]openai.ChatCompletionMessageParamUnion, error) {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(in))
	for i := range in {
		msg := &in[i]
		switch msg.Role {
		case llm.RoleSystem:
			out = append(out, openai.SystemMessage(msg.Content))
		case llm.RoleUser:
			// Tool results travel as separate tool messages that must follow
			// the assistant turn directly.
			for _, tr := range msg.ToolResults {
				content := tr.Content
				if tr.IsError {
					content = "ERROR: " + content
				}
				out = append(out, openai.ToolMessage(content, tr.ToolCallID))
			}
			if msg.Content != "" {
				out = append(out, openai.UserMessage(msg.Content))
			}
		case llm.RoleAssistant:
			assistant := openai.ChatCompletionAssistantMessageParam{}
			if msg.Content != "" {
				assistant.Content.OfString = openai.String(msg.Content)
			}
			for _, tc := range msg.ToolCalls {
				args, err := json.Marshal(nonNil(tc.Parameters))
				if err != nil {
					return nil, fmt.Errorf("encode arguments of %s: %w", tc.Name, err)
				}
				assistant.ToolCalls = append(assistant.ToolCalls, openai.ChatCompletionMessageToolCallParam{
					ID: tc.ID,
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.Name,
						Arguments: string(args),
					},
				})
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant})
		default:
			return nil, fmt.Errorf("invalid role %q at index %d", msg.Role, i)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("message list cannot be empty")
	}
	return out, nil
}

func convertTool(def *tools.ToolDefinition) openai.ChatCompletionToolParam {
	return openai.ChatCompletionToolParam{
		Function: shared.FunctionDefinitionParam{
			Name:        def.Name,
			Description: openai.String(def.Description),
			Parameters:  shared.FunctionParameters(def.SchemaMap()),
		},
	}
}

func toolChoice(choice string) openai.ChatCompletionToolChoiceOptionUnionParam {
	switch choice {
	case "", llm.ToolChoiceAuto:
		return openai.ChatCompletionToolChoiceOptionUnionParam{
			OfAuto: openai.String(string(openai.ChatCompletionToolChoiceOptionAutoAuto)),
		}
	case llm.ToolChoiceAny:
		return openai.ChatCompletionToolChoiceOptionUnionParam{
			OfAuto: openai.String(string(openai.ChatCompletionToolChoiceOptionAutoRequired)),
		}
	default:
		return openai.ChatCompletionToolChoiceOptionParamOfChatCompletionNamedToolChoice(
			openai.ChatCompletionNamedToolChoiceFunctionParam{Name: choice})
	}
}

// isReasoningModel reports models that reject a custom temperature.
func isReasoningModel(model string) bool {
	return strings.HasPrefix(model, "o1") || strings.HasPrefix(model, "o3") ||
		strings.HasPrefix(model, "o4") || strings.HasPrefix(model, "gpt-5")
}

func nonNil(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func classifyError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return llmerrors.FromStatus(config.ProviderOpenAI, apiErr.StatusCode, err)
	}
	return llmerrors.FromStatus(config.ProviderOpenAI, 0, err)
}

var _ llm.LLMClient = (*Client)(nil)
