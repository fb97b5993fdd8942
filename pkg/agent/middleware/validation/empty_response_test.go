package validation

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shipwright/pkg/agent/llm"
	"shipwright/pkg/agent/llmerrors"
	"shipwright/pkg/logx"
	"shipwright/pkg/tools"
)

func request(toolChoice string) llm.CompletionRequest {
	return llm.CompletionRequest{
		Messages:   []llm.CompletionMessage{llm.NewUserMessage("hi")},
		Tools:      []tools.ToolDefinition{{Name: "route_message"}},
		ToolChoice: toolChoice,
	}
}

func TestEmptyResponseMiddleware(t *testing.T) {
	call := llm.ToolCall{ID: "1", Name: "route_message"}
	tests := []struct {
		name       string
		toolChoice string
		responses  []llm.CompletionResponse
		errs       []error
		wantCalls  int
		wantErr    bool
	}{
		{
			name:      "text answer passes",
			responses: []llm.CompletionResponse{{Content: "hello"}},
			wantCalls: 1,
		},
		{
			name:      "empty then text retries once",
			responses: []llm.CompletionResponse{{}, {Content: "hello"}},
			wantCalls: 2,
		},
		{
			name:       "forced tool without call is empty",
			toolChoice: "route_message",
			responses:  []llm.CompletionResponse{{Content: "I think no_op"}, {ToolCalls: []llm.ToolCall{call}}},
			wantCalls:  2,
		},
		{
			name:      "two empty answers fail",
			responses: []llm.CompletionResponse{{}, {}},
			wantCalls: 2,
			wantErr:   true,
		},
		{
			name:      "transport empty error counts as empty",
			responses: []llm.CompletionResponse{{}, {Content: "ok"}},
			errs:      []error{llmerrors.NewEmptyResponseError("anthropic")},
			wantCalls: 2,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := llm.NewMockClient("m", tt.responses, tt.errs)
			client := llm.Chain(mock, EmptyResponseMiddleware(logx.NewLogger("test")))

			_, err := client.Complete(context.Background(), request(tt.toolChoice))
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, llmerrors.Is(err, llmerrors.ErrorTypeEmptyResponse))
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.wantCalls, mock.Calls())
		})
	}
}

func TestRetryCarriesGuidance(t *testing.T) {
	mock := llm.NewMockClient("m", []llm.CompletionResponse{{}, {Content: "ok"}}, nil)
	client := llm.Chain(mock, EmptyResponseMiddleware(logx.NewLogger("test")))

	req := request("route_message")
	_, err := client.Complete(context.Background(), req)
	require.Error(t, err, "text is not an answer to a forced tool")

	reqs := mock.Requests()
	require.Len(t, reqs, 2)
	assert.Len(t, req.Messages, 1, "caller's request is not mutated")
	last := reqs[1].Messages[len(reqs[1].Messages)-1]
	assert.Contains(t, last.Content, "route_message")
}

func TestOtherErrorsPassThrough(t *testing.T) {
	boom := errors.New("boom")
	mock := llm.NewMockClient("m", nil, []error{boom})
	client := llm.Chain(mock, EmptyResponseMiddleware(logx.NewLogger("test")))

	_, err := client.Complete(context.Background(), request(""))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, mock.Calls())
}
