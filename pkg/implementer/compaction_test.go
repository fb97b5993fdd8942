package implementer

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shipwright/pkg/agent/llm"
	"shipwright/pkg/agent/modelmgr"
	"shipwright/pkg/config"
	"shipwright/pkg/testkit"
)

func compactionFixture(t *testing.T) (*Implementer, *testkit.Fixture) {
	t.Helper()
	fx := testkit.NewFixture(t, func(cfg *config.Config) {
		cfg.Limits.Compaction.TokenThreshold = 20
		cfg.Limits.Compaction.KeepRecent = 2
	})
	return New(fx.Env), fx
}

// history returns the two opening messages followed by n call/result pairs.
func history(n int) []llm.CompletionMessage {
	msgs := []llm.CompletionMessage{
		llm.NewSystemMessage("system"),
		llm.NewUserMessage("request"),
	}
	for i := 0; i < n; i++ {
		id := string(rune('a' + i))
		msgs = append(msgs,
			llm.NewAssistantMessage("looking at the code", []llm.ToolCall{testkit.Call(id, "read_file", map[string]any{"path": "main.go"})}),
			llm.NewToolResultMessage([]llm.ToolResult{{ToolCallID: id, Name: "read_file", Content: strings.Repeat("package main ", 20)}}),
		)
	}
	return msgs
}

func TestCompactReplacesTailWithMarkerPair(t *testing.T) {
	m, fx := compactionFixture(t)
	s := &State{Messages: history(4), CompactedThrough: 2}
	recent := s.Messages[len(s.Messages)-2:]

	fx.Invoker.Push(modelmgr.Reply("- main.go is the entry point"))
	require.NoError(t, m.compact(context.Background(), s))

	require.Len(t, s.Messages, 6)
	assert.Equal(t, "system", s.Messages[0].Content)
	assert.Equal(t, "request", s.Messages[1].Content)
	assert.True(t, s.Messages[2].Summary)
	assert.Contains(t, s.Messages[2].Content, "main.go is the entry point")
	assert.True(t, s.Messages[3].Summary)
	assert.Equal(t, llm.RoleAssistant, s.Messages[3].Role)
	assert.Equal(t, recent, s.Messages[4:])
	assert.Equal(t, 4, s.CompactedThrough)

	calls := fx.Invoker.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, config.TaskSummarizer, calls[0].Kind)
}

func TestCompactIsIdempotent(t *testing.T) {
	m, fx := compactionFixture(t)
	s := &State{Messages: history(4), CompactedThrough: 2}

	fx.Invoker.Push(modelmgr.Reply("- facts"))
	require.NoError(t, m.compact(context.Background(), s))
	compacted := append([]llm.CompletionMessage(nil), s.Messages...)

	require.NoError(t, m.compact(context.Background(), s))
	assert.Equal(t, compacted, s.Messages)
	assert.Len(t, fx.Invoker.Calls(), 1)
}

func TestCompactionWindowKeepsCallWithResults(t *testing.T) {
	m, _ := compactionFixture(t)
	msgs := history(3)
	// A trailing nudge makes the recent window start on a result message.
	msgs = append(msgs, llm.NewUserMessage("continue"))
	s := &State{Messages: msgs, CompactedThrough: 2}

	start, end := m.compactionWindow(s)
	assert.Equal(t, 2, start)
	require.Less(t, end, len(msgs))
	assert.Empty(t, msgs[end].ToolResults, "window must not start on a tool result")
	assert.Equal(t, llm.RoleAssistant, msgs[end].Role)
}

func TestNoCompactionBelowThreshold(t *testing.T) {
	m, fx := compactionFixture(t)
	s := &State{Messages: history(1), CompactedThrough: 2}
	require.NoError(t, m.compact(context.Background(), s))
	assert.Len(t, s.Messages, 4)
	assert.Empty(t, fx.Invoker.Calls())
}
