package implementer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"shipwright/pkg/agent/llm"
	"shipwright/pkg/config"
)

// compactionWindow returns the segment [start, end) of s.Messages eligible for
// compaction: everything after the last summary marker except the most recent
// KeepRecent messages. end never separates a tool call from its results.
func (m *Implementer) compactionWindow(s *State) (start, end int) {
	start = s.CompactedThrough
	if start < 2 {
		start = 2
	}
	end = len(s.Messages) - m.env.Config.Limits.Compaction.KeepRecent
	for end > start && end < len(s.Messages) && len(s.Messages[end].ToolResults) > 0 {
		end--
	}
	if end < start {
		end = start
	}
	return start, end
}

// tailTokens counts the tokens of the uncompacted segment.
func (m *Implementer) tailTokens(s *State) int {
	start, end := m.compactionWindow(s)
	if end <= start {
		return 0
	}
	return m.counter.CountTokens(renderMessages(s.Messages[start:end]))
}

func (m *Implementer) needsCompaction(s *State) bool {
	threshold := m.env.Config.Limits.Compaction.TokenThreshold
	return threshold > 0 && m.tailTokens(s) >= threshold
}

// compact replaces the uncompacted segment with a summary marker pair when
// it has grown past the token threshold. Running it again without new
// messages is a no-op because the marker pointer moves past the pair.
func (m *Implementer) compact(ctx context.Context, s *State) error {
	if !m.needsCompaction(s) {
		return nil
	}
	start, end := m.compactionWindow(s)
	segment := s.Messages[start:end]

	summary, err := m.env.Loop(config.TaskSummarizer).Complete(ctx, []llm.CompletionMessage{
		llm.NewSystemMessage(compactionSystemPrompt),
		llm.NewUserMessage(renderMessages(segment)),
	})
	if err != nil {
		return fmt.Errorf("compact history: %w", err)
	}

	marker := []llm.CompletionMessage{
		{Role: llm.RoleUser, Content: summaryMessage(strings.TrimSpace(summary)), Summary: true},
		{Role: llm.RoleAssistant, Content: compactionAck, Summary: true},
	}
	compacted := make([]llm.CompletionMessage, 0, start+len(marker)+len(s.Messages)-end)
	compacted = append(compacted, s.Messages[:start]...)
	compacted = append(compacted, marker...)
	compacted = append(compacted, s.Messages[end:]...)

	m.logger.Info("🗜️  compacted %d message(s) into a summary", len(segment))
	s.Messages = compacted
	s.CompactedThrough = start + len(marker)
	return nil
}

// renderMessages flattens messages into the text the summarizer sees.
func renderMessages(messages []llm.CompletionMessage) string {
	var sb strings.Builder
	for i := range messages {
		msg := &messages[i]
		if msg.Content != "" {
			fmt.Fprintf(&sb, "[%s] %s\n", msg.Role, msg.Content)
		}
		for _, call := range msg.ToolCalls {
			args, _ := json.Marshal(call.Parameters)
			fmt.Fprintf(&sb, "[call %s] %s\n", call.Name, args)
		}
		for _, res := range msg.ToolResults {
			status := "ok"
			if res.IsError {
				status = "error"
			}
			fmt.Fprintf(&sb, "[result %s %s] %s\n", res.Name, status, res.Content)
		}
	}
	return sb.String()
}
