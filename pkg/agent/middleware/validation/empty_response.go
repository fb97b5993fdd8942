// Package validation provides response validation middleware for LLM clients.
package validation

import (
	"context"
	"fmt"
	"strings"

	"shipwright/pkg/agent/llm"
	"shipwright/pkg/agent/llmerrors"
	"shipwright/pkg/logx"
)

// maxEmptyAttempts is the original call plus one retry with guidance.
const maxEmptyAttempts = 2

// EmptyResponseMiddleware retries a call once, with a guidance message, when
// the model returns nothing usable: neither text nor tool calls, or no tool
// call although the request forced one. A second empty answer becomes an
// ErrorTypeEmptyResponse error.
func EmptyResponseMiddleware(logger *logx.Logger) llm.Middleware {
	return func(next llm.LLMClient) llm.LLMClient {
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				for attempt := 1; attempt <= maxEmptyAttempts; attempt++ {
					resp, err := next.Complete(ctx, req)
					if err != nil && !llmerrors.Is(err, llmerrors.ErrorTypeEmptyResponse) {
						//nolint:wrapcheck // Middleware intentionally passes through errors unchanged
						return resp, err
					}
					if err == nil && !IsEmpty(resp, req) {
						return resp, nil
					}

					logger.Warn("⚠️ empty response from %s (attempt %d/%d): %s",
						next.GetModelName(), attempt, maxEmptyAttempts, reason(resp, req, err))
					if attempt == maxEmptyAttempts {
						logRequest(logger, req)
						break
					}
					retry := req
					retry.Messages = append(append([]llm.CompletionMessage(nil), req.Messages...),
						llm.NewUserMessage(Guidance(req)))
					req = retry
				}
				return llm.CompletionResponse{}, llmerrors.NewError(
					llmerrors.ErrorTypeEmptyResponse,
					"received inadequate response after guidance: no content or required tool call",
				)
			},
			next.GetModelName,
		)
	}
}

// IsEmpty reports whether resp fails to answer req.
//
//nolint:gocritic // value semantics match llm.LLMClient
func IsEmpty(resp llm.CompletionResponse, req llm.CompletionRequest) bool {
	if len(resp.ToolCalls) > 0 {
		return false
	}
	switch req.ToolChoice {
	case "", llm.ToolChoiceAuto:
		return strings.TrimSpace(resp.Content) == ""
	default:
		return true
	}
}

// Guidance is the message appended before the retry.
//
//nolint:gocritic // value semantics match llm.LLMClient
func Guidance(req llm.CompletionRequest) string {
	if name := req.ForcedToolName(); name != "" {
		return fmt.Sprintf("Your last response did not call a tool. You must call the %s tool now.", name)
	}
	if len(req.Tools) == 0 {
		return "No response received, please try again."
	}
	names := make([]string, len(req.Tools))
	for i := range req.Tools {
		names[i] = req.Tools[i].Name
	}
	if req.ToolChoice == llm.ToolChoiceAny {
		return "You must call one of the available tools: " + strings.Join(names, ", ") + "."
	}
	return "Your last response was empty. Reply with text or call one of the available tools: " + strings.Join(names, ", ") + "."
}

//nolint:gocritic // value semantics match llm.LLMClient
func reason(resp llm.CompletionResponse, req llm.CompletionRequest, err error) string {
	switch {
	case err != nil:
		return err.Error()
	case req.ForcedToolName() != "" && len(resp.ToolCalls) == 0:
		return fmt.Sprintf("forced tool %s was not called", req.ForcedToolName())
	case req.ToolChoice == llm.ToolChoiceAny && len(resp.ToolCalls) == 0:
		return "a tool call was required"
	default:
		return "no content and no tool calls"
	}
}

// logRequest dumps the request that produced two empty answers at debug level.
//
//nolint:gocritic // value semantics match llm.LLMClient
func logRequest(logger *logx.Logger, req llm.CompletionRequest) {
	logger.Debug("🚨 request with repeated empty responses: %d messages, %d tools, max_tokens=%d",
		len(req.Messages), len(req.Tools), req.MaxTokens)
	for i := range req.Messages {
		content := req.Messages[i].Content
		if len(content) > 2000 {
			content = content[:2000] + " [truncated]"
		}
		logger.Debug("  [%d] %s: %s", i, req.Messages[i].Role, content)
	}
}
