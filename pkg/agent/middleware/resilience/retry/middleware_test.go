package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shipwright/pkg/agent/llm"
	"shipwright/pkg/agent/llmerrors"
	"shipwright/pkg/agent/middleware/resilience/circuit"
	"shipwright/pkg/config"
)

type scriptedClient struct {
	errs  []error
	calls int
}

func (s *scriptedClient) Complete(_ context.Context, _ llm.CompletionRequest) (llm.CompletionResponse, error) {
	i := s.calls
	s.calls++
	if i < len(s.errs) && s.errs[i] != nil {
		return llm.CompletionResponse{}, s.errs[i]
	}
	return llm.CompletionResponse{Content: "done"}, nil
}

func (s *scriptedClient) GetModelName() string { return "scripted" }

func fastPolicy(attempts int) *Policy {
	return NewPolicy(config.RetryConfig{
		MaxAttempts:   attempts,
		InitialDelay:  time.Millisecond,
		MaxDelay:      2 * time.Millisecond,
		BackoffFactor: 2,
	}, nil)
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	transient := llmerrors.NewError(llmerrors.ErrorTypeTransient, "503")
	base := &scriptedClient{errs: []error{transient, transient}}

	resp, err := llm.Chain(base, Middleware(fastPolicy(3), nil)).Complete(context.Background(), llm.CompletionRequest{})
	require.NoError(t, err)
	assert.Equal(t, "done", resp.Content)
	assert.Equal(t, 3, base.calls)
}

func TestRetryExhaustedBecomesServiceUnavailable(t *testing.T) {
	rate := llmerrors.NewError(llmerrors.ErrorTypeRateLimit, "429")
	base := &scriptedClient{errs: []error{rate, rate, rate, rate}}

	_, err := llm.Chain(base, Middleware(fastPolicy(2), nil)).Complete(context.Background(), llm.CompletionRequest{})
	require.Error(t, err)
	assert.True(t, llmerrors.IsServiceUnavailable(err))
	assert.ErrorIs(t, err, rate)
	assert.Equal(t, 2, base.calls)
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	auth := llmerrors.NewError(llmerrors.ErrorTypeAuth, "bad key")
	base := &scriptedClient{errs: []error{auth}}

	_, err := llm.Chain(base, Middleware(fastPolicy(5), nil)).Complete(context.Background(), llm.CompletionRequest{})
	require.ErrorIs(t, err, auth)
	assert.Equal(t, 1, base.calls)
}

func TestShouldRetry(t *testing.T) {
	assert.False(t, ShouldRetry(nil))
	assert.False(t, ShouldRetry(&circuit.Error{Model: "m", State: circuit.Open}))
	assert.False(t, ShouldRetry(errors.New("unclassified")))
	assert.True(t, ShouldRetry(llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse, "")))
}

func TestPolicyDelays(t *testing.T) {
	p := NewPolicy(config.RetryConfig{
		MaxAttempts:   4,
		InitialDelay:  time.Second,
		MaxDelay:      3 * time.Second,
		BackoffFactor: 2,
	}, nil)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 3 * time.Second}, p.Delays())
}
