package llm

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockLLMClient struct {
	completeFunc     func(ctx context.Context, req CompletionRequest) (CompletionResponse, error)
	getModelNameFunc func() string
}

func (m *mockLLMClient) Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	if m.completeFunc != nil {
		return m.completeFunc(ctx, req)
	}
	return CompletionResponse{Content: "mock response"}, nil
}

func (m *mockLLMClient) GetModelName() string {
	if m.getModelNameFunc != nil {
		return m.getModelNameFunc()
	}
	return "mock-model"
}

func contentMiddleware(transform func(string) string) Middleware {
	return func(next LLMClient) LLMClient {
		return WrapClient(
			func(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
				resp, err := next.Complete(ctx, req)
				if err != nil {
					return resp, err
				}
				resp.Content = transform(resp.Content)
				return resp, nil
			},
			next.GetModelName,
		)
	}
}

func TestChainSingleMiddleware(t *testing.T) {
	base := &mockLLMClient{
		completeFunc: func(_ context.Context, _ CompletionRequest) (CompletionResponse, error) {
			return CompletionResponse{Content: "base"}, nil
		},
	}

	client := Chain(base, contentMiddleware(func(s string) string { return "prefix:" + s }))

	resp, err := client.Complete(context.Background(), NewCompletionRequest([]CompletionMessage{NewUserMessage("test")}))
	require.NoError(t, err)
	assert.Equal(t, "prefix:base", resp.Content)
}

// Earlier middlewares are outermost: mw1 -> mw2 -> mw3 -> base.
func TestChainOrdering(t *testing.T) {
	base := &mockLLMClient{
		completeFunc: func(_ context.Context, _ CompletionRequest) (CompletionResponse, error) {
			return CompletionResponse{Content: "base"}, nil
		},
	}

	client := Chain(base,
		contentMiddleware(func(s string) string { return "mw1:" + s }),
		contentMiddleware(func(s string) string { return s + ":mw2" }),
		contentMiddleware(func(s string) string { return "[" + s + "]" }),
	)

	resp, err := client.Complete(context.Background(), NewCompletionRequest(nil))
	require.NoError(t, err)
	assert.Equal(t, "mw1:[base]:mw2", resp.Content)
}

func TestChainRequestModification(t *testing.T) {
	base := &mockLLMClient{
		completeFunc: func(_ context.Context, req CompletionRequest) (CompletionResponse, error) {
			return CompletionResponse{Content: fmt.Sprintf("temp=%.1f", req.Temperature)}, nil
		},
	}
	tempMiddleware := func(next LLMClient) LLMClient {
		return WrapClient(
			func(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
				req.Temperature = 0.9
				return next.Complete(ctx, req)
			},
			next.GetModelName,
		)
	}

	req := NewCompletionRequest(nil)
	req.Temperature = 0.5
	resp, err := Chain(base, tempMiddleware).Complete(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "temp=0.9", resp.Content)
}

func TestChainErrorPropagation(t *testing.T) {
	baseErr := errors.New("base error")
	base := &mockLLMClient{
		completeFunc: func(_ context.Context, _ CompletionRequest) (CompletionResponse, error) {
			return CompletionResponse{}, baseErr
		},
	}
	wrapErr := func(next LLMClient) LLMClient {
		return WrapClient(
			func(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
				resp, err := next.Complete(ctx, req)
				if err != nil {
					return resp, fmt.Errorf("middleware wrapper: %w", err)
				}
				return resp, nil
			},
			next.GetModelName,
		)
	}

	_, err := Chain(base, wrapErr).Complete(context.Background(), NewCompletionRequest(nil))
	require.Error(t, err)
	assert.ErrorIs(t, err, baseErr)
	assert.Equal(t, "middleware wrapper: base error", err.Error())
}

func TestChainShortCircuit(t *testing.T) {
	baseCalled := false
	base := &mockLLMClient{
		completeFunc: func(_ context.Context, _ CompletionRequest) (CompletionResponse, error) {
			baseCalled = true
			return CompletionResponse{Content: "base"}, nil
		},
	}
	skip := func(next LLMClient) LLMClient {
		return WrapClient(
			func(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
				if len(req.Messages) > 0 && req.Messages[0].Content == "skip" {
					return CompletionResponse{Content: "short-circuited"}, nil
				}
				return next.Complete(ctx, req)
			},
			next.GetModelName,
		)
	}
	client := Chain(base, skip)

	resp, err := client.Complete(context.Background(), NewCompletionRequest([]CompletionMessage{NewUserMessage("skip")}))
	require.NoError(t, err)
	assert.Equal(t, "short-circuited", resp.Content)
	assert.False(t, baseCalled)

	resp, err = client.Complete(context.Background(), NewCompletionRequest([]CompletionMessage{NewUserMessage("normal")}))
	require.NoError(t, err)
	assert.Equal(t, "base", resp.Content)
	assert.True(t, baseCalled)
}

func TestChainModelNamePropagation(t *testing.T) {
	base := &mockLLMClient{getModelNameFunc: func() string { return "base-model-v1" }}
	passthrough := contentMiddleware(func(s string) string { return s })

	client := Chain(base, passthrough, passthrough)
	assert.Equal(t, "base-model-v1", client.GetModelName())
}

func TestChainNoMiddlewares(t *testing.T) {
	base := &mockLLMClient{}
	assert.Same(t, base, Chain(base))
}
