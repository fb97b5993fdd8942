package toolloop_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shipwright/pkg/agent/llm"
	"shipwright/pkg/agent/modelmgr"
	"shipwright/pkg/agent/toolloop"
	"shipwright/pkg/config"
	"shipwright/pkg/tools"
)

type planArgs struct {
	Title string   `json:"title"`
	Plan  []string `json:"plan"`
}

func TestGenerateOffersRegistry(t *testing.T) {
	inv := modelmgr.NewScripted(modelmgr.Reply("", llm.ToolCall{ID: "1", Name: tools.ToolDone}))
	tl := toolloop.New(inv, config.TaskPlanner, nil)
	reg := tools.NewRegistry(tools.NewDoneTool(), tools.NewScratchpadTool())

	resp, err := tl.Generate(context.Background(), []llm.CompletionMessage{llm.NewUserMessage("go")}, reg)
	require.NoError(t, err)
	assert.True(t, resp.HasToolCalls())

	calls := inv.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, config.TaskPlanner, calls[0].Kind)
	assert.Equal(t, llm.ToolChoiceAuto, calls[0].Request.ToolChoice)
	assert.Len(t, calls[0].Request.Tools, 2)
}

func TestGenerateWrapsInvokerError(t *testing.T) {
	boom := errors.New("all candidates failed")
	inv := modelmgr.NewScripted(modelmgr.Fail(boom))
	tl := toolloop.New(inv, config.TaskProgrammer, nil)

	_, err := tl.Generate(context.Background(), nil, tools.NewRegistry())
	assert.ErrorIs(t, err, boom)
}

func TestForceSingleToolByName(t *testing.T) {
	inv := modelmgr.NewScripted(modelmgr.Reply("", llm.ToolCall{
		ID:         "1",
		Name:       tools.ToolSessionPlan,
		Parameters: map[string]any{"title": "Add flag", "plan": []any{"one", "two"}},
	}))
	tl := toolloop.New(inv, config.TaskPlanner, nil)

	name, out, err := toolloop.ForceInto[planArgs](context.Background(), tl, nil, tools.NewRegistry(tools.NewSessionPlanTool()))
	require.NoError(t, err)
	assert.Equal(t, tools.ToolSessionPlan, name)
	assert.Equal(t, "Add flag", out.Title)
	assert.Equal(t, []string{"one", "two"}, out.Plan)
	assert.Equal(t, tools.ToolSessionPlan, inv.Calls()[0].Request.ToolChoice)
}

func TestForceBinaryChoiceUsesAny(t *testing.T) {
	inv := modelmgr.NewScripted(modelmgr.Reply("", llm.ToolCall{
		ID:         "1",
		Name:       tools.ToolMarkComplete,
		Parameters: map[string]any{"review": "looks good"},
	}))
	tl := toolloop.New(inv, config.TaskReviewer, nil)

	call, err := tl.Force(context.Background(), nil, tools.Verdict())
	require.NoError(t, err)
	assert.Equal(t, tools.ToolMarkComplete, call.Name)
	assert.Equal(t, llm.ToolChoiceAny, inv.Calls()[0].Request.ToolChoice)
}

func TestForceErrors(t *testing.T) {
	tests := []struct {
		name string
		call llm.ToolCall
		want error
	}{
		{
			name: "wrong tool",
			call: llm.ToolCall{ID: "1", Name: tools.ToolDone},
			want: toolloop.ErrNoTerminalTool,
		},
		{
			name: "missing required argument",
			call: llm.ToolCall{ID: "1", Name: tools.ToolSessionPlan, Parameters: map[string]any{"title": "x"}},
			want: toolloop.ErrInvalidResult,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv := modelmgr.NewScripted(modelmgr.Reply("", tt.call))
			tl := toolloop.New(inv, config.TaskPlanner, nil)
			_, err := tl.Force(context.Background(), nil, tools.NewRegistry(tools.NewSessionPlanTool()))
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestNoToolStreak(t *testing.T) {
	call := llm.ToolCall{ID: "1", Name: "shell"}
	msgs := []llm.CompletionMessage{
		llm.NewAssistantMessage("", []llm.ToolCall{call}),
		llm.NewToolResultMessage([]llm.ToolResult{{ToolCallID: "1"}}),
		llm.NewAssistantMessage("thinking", nil),
		llm.NewUserMessage("please use tools"),
		llm.NewAssistantMessage("still thinking", nil),
	}
	assert.Equal(t, 2, toolloop.NoToolStreak(msgs))
	assert.Equal(t, 0, toolloop.NoToolStreak(msgs[:2]))
	assert.Equal(t, 0, toolloop.NoToolStreak(nil))

	summary := llm.NewUserMessage("summary of earlier work")
	summary.Summary = true
	ack := llm.NewAssistantMessage("Understood.", nil)
	ack.Summary = true
	compacted := []llm.CompletionMessage{
		llm.NewUserMessage("task"),
		summary,
		ack,
		llm.NewAssistantMessage("", []llm.ToolCall{call}),
		llm.NewToolResultMessage([]llm.ToolResult{{ToolCallID: "1"}}),
	}
	assert.Equal(t, 0, toolloop.NoToolStreak(compacted[:3]), "compaction acknowledgement is not a turn")
	assert.Equal(t, 1, toolloop.NoToolStreak(append(compacted, llm.NewAssistantMessage("hmm", nil))))
}

func TestRecentResults(t *testing.T) {
	msgs := []llm.CompletionMessage{
		llm.NewToolResultMessage([]llm.ToolResult{{ToolCallID: "a"}, {ToolCallID: "b"}}),
		llm.NewAssistantMessage("", nil),
		llm.NewToolResultMessage([]llm.ToolResult{{ToolCallID: "c"}}),
	}
	got := toolloop.RecentResults(msgs, 2)
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].ToolCallID)
	assert.Equal(t, "c", got[1].ToolCallID)
	assert.Len(t, toolloop.RecentResults(msgs, 10), 3)
}

func TestDecode(t *testing.T) {
	var v struct {
		Items []string `json:"items"`
	}
	err := toolloop.Decode(llm.ToolCall{Name: "x", Parameters: map[string]any{"items": "not a list"}}, &v)
	assert.ErrorIs(t, err, toolloop.ErrInvalidResult)
}
