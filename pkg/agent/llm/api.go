// Package llm defines the provider-neutral completion types, the LLMClient
// interface and the middleware chain every model call passes through.
package llm

import (
	"context"

	"shipwright/pkg/tools"
)

// CompletionRole represents the role of a message in a conversation.
type CompletionRole string

const (
	RoleSystem    CompletionRole = "system"
	RoleUser      CompletionRole = "user"
	RoleAssistant CompletionRole = "assistant"
)

const (
	// TemperatureDefault is used for planning and reviews.
	TemperatureDefault = 0.3

	// TemperatureDeterministic is used for routing and forced-choice calls.
	TemperatureDeterministic = 0.0

	// DefaultMaxTokens applies when a request does not set MaxTokens.
	DefaultMaxTokens = 4096
)

// Tool choice values. Any other non-empty value forces the named tool.
const (
	ToolChoiceAuto = "auto"
	ToolChoiceAny  = "any"
)

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	Parameters map[string]any `json:"parameters"`
	ID         string         `json:"id"`
	Name       string         `json:"name"`
}

// ToolResult is the outcome of one ToolCall fed back to the model.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Name       string `json:"name"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// CompletionMessage is one turn of a conversation. Assistant turns may carry
// tool calls; user turns may carry the results of the preceding calls.
type CompletionMessage struct {
	Role        CompletionRole `json:"role"`
	Content     string         `json:"content"`
	ToolCalls   []ToolCall     `json:"tool_calls,omitempty"`
	ToolResults []ToolResult   `json:"tool_results,omitempty"`
	// Summary marks the marker pair inserted by history compaction.
	Summary bool `json:"summary,omitempty"`
}

// CompletionRequest represents a request to the model.
type CompletionRequest struct {
	Messages    []CompletionMessage
	Tools       []tools.ToolDefinition
	ToolChoice  string
	MaxTokens   int
	Temperature float32
	Thinking    bool
}

// Usage reports token consumption for one completion.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// CompletionResponse represents a response from the model.
type CompletionResponse struct {
	ToolCalls  []ToolCall
	Content    string
	StopReason string
	Usage      Usage
}

// HasToolCalls reports whether the model requested any tool.
func (r *CompletionResponse) HasToolCalls() bool {
	return len(r.ToolCalls) > 0
}

// AssistantMessage converts the response into a history entry.
func (r *CompletionResponse) AssistantMessage() CompletionMessage {
	return NewAssistantMessage(r.Content, r.ToolCalls)
}

// LLMClient defines the interface for model interaction.
type LLMClient interface { //nolint:revive // name kept stable across providers
	// Complete sends a completion request and returns the response.
	Complete(ctx context.Context, in CompletionRequest) (CompletionResponse, error)

	// GetModelName returns the model this client talks to.
	GetModelName() string
}

// NewCompletionRequest creates a request with default settings.
func NewCompletionRequest(messages []CompletionMessage) CompletionRequest {
	return CompletionRequest{
		Messages:    messages,
		MaxTokens:   DefaultMaxTokens,
		Temperature: TemperatureDefault,
	}
}

// ForceTool sets the request to require a call to the named tool.
func (r *CompletionRequest) ForceTool(name string) {
	r.ToolChoice = name
}

// ForcedToolName returns the tool a request forces, or "" for auto/any.
func (r *CompletionRequest) ForcedToolName() string {
	switch r.ToolChoice {
	case "", ToolChoiceAuto, ToolChoiceAny:
		return ""
	default:
		return r.ToolChoice
	}
}

// NewSystemMessage creates a system message.
func NewSystemMessage(content string) CompletionMessage {
	return CompletionMessage{Role: RoleSystem, Content: content}
}

// NewUserMessage creates a user message.
func NewUserMessage(content string) CompletionMessage {
	return CompletionMessage{Role: RoleUser, Content: content}
}

// NewAssistantMessage creates an assistant message.
func NewAssistantMessage(content string, calls []ToolCall) CompletionMessage {
	return CompletionMessage{Role: RoleAssistant, Content: content, ToolCalls: calls}
}

// NewToolResultMessage creates the user turn carrying a batch of tool results.
func NewToolResultMessage(results []ToolResult) CompletionMessage {
	return CompletionMessage{Role: RoleUser, ToolResults: results}
}

// LastAssistant returns the index of the most recent assistant message, or -1.
func LastAssistant(messages []CompletionMessage) int {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleAssistant {
			return i
		}
	}
	return -1
}

type taskKindKey struct{}

// WithTaskKind tags ctx with the task kind a call is made for.
func WithTaskKind(ctx context.Context, kind string) context.Context {
	return context.WithValue(ctx, taskKindKey{}, kind)
}

// TaskKindFrom returns the task kind stored by WithTaskKind, or "".
func TaskKindFrom(ctx context.Context) string {
	kind, _ := ctx.Value(taskKindKey{}).(string)
	return kind
}
