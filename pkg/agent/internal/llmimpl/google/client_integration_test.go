//go:build integration

package google

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shipwright/pkg/agent/llm"
	"shipwright/pkg/tools"
)

// Requires GEMINI_API_KEY.
func TestIntegration_ForcedToolCall(t *testing.T) {
	apiKey := os.Getenv("GEMINI_API_KEY")
	if apiKey == "" {
		t.Skip("GEMINI_API_KEY not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	client := NewGeminiClientWithModel(apiKey, "gemini-2.5-flash")
	req := llm.NewCompletionRequest([]llm.CompletionMessage{
		llm.NewUserMessage("The task is finished. Report completion."),
	})
	done := tools.NewDoneTool()
	req.Tools = []tools.ToolDefinition{done.Definition()}
	req.ForceTool(done.Name())

	resp, err := client.Complete(ctx, req)
	require.NoError(t, err)
	require.NotEmpty(t, resp.ToolCalls)
	assert.Equal(t, done.Name(), resp.ToolCalls[0].Name)
}
