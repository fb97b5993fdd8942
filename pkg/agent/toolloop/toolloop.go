// Package toolloop provides the single-turn building blocks every stage loop
// is made of: an open tool turn, a forced tool call and the history
// bookkeeping around them. The loops themselves live in the stage machines,
// one node per turn, so they can be checkpointed between turns.
package toolloop

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"shipwright/pkg/agent/llm"
	"shipwright/pkg/agent/modelmgr"
	"shipwright/pkg/config"
	"shipwright/pkg/logx"
	"shipwright/pkg/tools"
)

// ToolLoop issues model turns for one stage.
type ToolLoop struct {
	invoker modelmgr.Invoker
	logger  *logx.Logger
	kind    config.TaskKind
}

// New creates a ToolLoop issuing calls for task kind.
func New(invoker modelmgr.Invoker, kind config.TaskKind, logger *logx.Logger) *ToolLoop {
	if logger == nil {
		logger = logx.NewLogger(string(kind))
	}
	return &ToolLoop{invoker: invoker, kind: kind, logger: logger}
}

// Generate asks the model for its next action with every tool in reg on offer.
func (tl *ToolLoop) Generate(ctx context.Context, messages []llm.CompletionMessage, reg *tools.Registry) (llm.CompletionResponse, error) {
	req := llm.CompletionRequest{
		Messages:   messages,
		Tools:      reg.Definitions(),
		ToolChoice: llm.ToolChoiceAuto,
	}
	return tl.call(ctx, req)
}

// Complete asks the model for plain text, without tools.
func (tl *ToolLoop) Complete(ctx context.Context, messages []llm.CompletionMessage) (string, error) {
	resp, err := tl.call(ctx, llm.CompletionRequest{Messages: messages})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// Force requires a call to one of the registry's tools and returns the
// first such call. With a single-tool registry that tool is forced by name.
func (tl *ToolLoop) Force(ctx context.Context, messages []llm.CompletionMessage, reg *tools.Registry) (llm.ToolCall, error) {
	req := llm.CompletionRequest{Messages: messages, Tools: reg.Definitions(), ToolChoice: llm.ToolChoiceAny}
	if names := reg.Names(); len(names) == 1 {
		req.ForceTool(names[0])
	}
	resp, err := tl.call(ctx, req)
	if err != nil {
		return llm.ToolCall{}, err
	}
	for _, call := range resp.ToolCalls {
		tool, ok := reg.Get(call.Name)
		if !ok {
			continue
		}
		if err := tools.ValidateArgs(tool.Definition(), call.Parameters); err != nil {
			return call, fmt.Errorf("%w: %w", ErrInvalidResult, err)
		}
		return call, nil
	}
	return llm.ToolCall{}, fmt.Errorf("%w: expected one of %v", ErrNoTerminalTool, reg.Names())
}

// ForceInto is Force followed by decoding the call's arguments into T.
func ForceInto[T any](ctx context.Context, tl *ToolLoop, messages []llm.CompletionMessage, reg *tools.Registry) (string, T, error) {
	var out T
	call, err := tl.Force(ctx, messages, reg)
	if err != nil {
		return "", out, err
	}
	if err := Decode(call, &out); err != nil {
		return call.Name, out, err
	}
	return call.Name, out, nil
}

// Decode converts tool call arguments into v.
func Decode(call llm.ToolCall, v any) error {
	data, err := json.Marshal(call.Parameters)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidResult, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %s arguments: %w", ErrInvalidResult, call.Name, err)
	}
	return nil
}

func (tl *ToolLoop) call(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
	tl.logger.Debug("🔄 %s call with %d messages, %d tools", tl.kind, len(req.Messages), len(req.Tools))
	start := time.Now()
	resp, err := tl.invoker.Invoke(ctx, tl.kind, req)
	duration := time.Since(start)
	if err != nil {
		tl.logger.Error("❌ LLM call failed after %.3gs: %v", duration.Seconds(), err)
		return llm.CompletionResponse{}, fmt.Errorf("LLM completion failed: %w", err)
	}
	tl.logger.Debug("✅ LLM call completed in %.3gs, response length: %d chars, tool calls: %d",
		duration.Seconds(), len(resp.Content), len(resp.ToolCalls))
	return resp, nil
}

// NoToolStreak counts the trailing assistant turns that made no tool call.
// Tool-result and plain user messages in between do not break the streak.
// Compaction summaries are not model turns and are skipped.
func NoToolStreak(messages []llm.CompletionMessage) int {
	streak := 0
	for i := len(messages) - 1; i >= 0; i-- {
		m := messages[i]
		if m.Role != llm.RoleAssistant || m.Summary {
			continue
		}
		if len(m.ToolCalls) > 0 {
			break
		}
		streak++
	}
	return streak
}

// RecentResults returns the tool results in messages, oldest first, limited
// to the trailing n.
func RecentResults(messages []llm.CompletionMessage, n int) []llm.ToolResult {
	var out []llm.ToolResult
	for i := len(messages) - 1; i >= 0 && len(out) < n; i-- {
		rs := messages[i].ToolResults
		for j := len(rs) - 1; j >= 0 && len(out) < n; j-- {
			out = append(out, rs[j])
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}
