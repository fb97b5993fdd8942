package circuit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shipwright/pkg/agent/llm"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(threshold int, timeout time.Duration) (*breaker, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	return newWithClock(Config{FailureThreshold: threshold, Timeout: timeout}, clock.now), clock
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(2, time.Minute)

	assert.True(t, b.Allow())
	b.Record(false)
	assert.Equal(t, Closed, b.GetState())
	assert.True(t, b.Allow())

	b.Record(false)
	assert.Equal(t, Open, b.GetState())
	assert.False(t, b.Allow())
	assert.Equal(t, 2, b.Snapshot().FailureCount)
}

func TestBreakerSuccessResetsCount(t *testing.T) {
	b, _ := newTestBreaker(2, time.Minute)

	b.Record(false)
	b.Record(true)
	assert.Equal(t, 0, b.Snapshot().FailureCount)

	// Failures must be consecutive to open the breaker.
	b.Record(false)
	assert.Equal(t, Closed, b.GetState())
}

func TestBreakerHalfOpenAllowsExactlyOneTrial(t *testing.T) {
	b, clock := newTestBreaker(2, time.Minute)
	b.Record(false)
	b.Record(false)

	clock.advance(59 * time.Second)
	assert.False(t, b.Allow())

	clock.advance(time.Second)
	assert.True(t, b.Allow())
	assert.Equal(t, HalfOpen, b.GetState())
	assert.False(t, b.Allow())
	assert.False(t, b.Allow())

	b.Record(true)
	assert.Equal(t, Closed, b.GetState())
	assert.True(t, b.Allow())
}

func TestBreakerTrialFailureReopens(t *testing.T) {
	b, clock := newTestBreaker(3, time.Minute)
	for range 3 {
		b.Record(false)
	}
	clock.advance(time.Minute)
	require.True(t, b.Allow())

	b.Record(false)
	assert.Equal(t, Open, b.GetState())
	assert.Equal(t, clock.t, b.Snapshot().OpenedAt)

	clock.advance(30 * time.Second)
	assert.False(t, b.Allow())
}

func TestBreakerReset(t *testing.T) {
	b, _ := newTestBreaker(1, time.Hour)
	b.Record(false)
	require.Equal(t, Open, b.GetState())

	b.Reset()
	assert.Equal(t, Closed, b.GetState())
	assert.True(t, b.Allow())
}

func TestRegistryIsSharedPerModel(t *testing.T) {
	reg := NewRegistry(Config{FailureThreshold: 1, Timeout: time.Minute})
	var changes []string
	reg.SetObserver(func(model string, state State) {
		changes = append(changes, model+"="+state.String())
	})

	assert.Same(t, reg.Get("m1"), reg.Get("m1"))
	reg.RecordFailure("m1")

	assert.False(t, reg.IsClosed("m1"))
	assert.True(t, reg.IsClosed("m2"))
	assert.Equal(t, []string{"m1", "m2"}, reg.Models())
	assert.Equal(t, []string{"m1=OPEN"}, changes)
	assert.Equal(t, Open, reg.Snapshots()["m1"].State)
}

type stubClient struct {
	err   error
	calls int
}

func (s *stubClient) Complete(_ context.Context, _ llm.CompletionRequest) (llm.CompletionResponse, error) {
	s.calls++
	if s.err != nil {
		return llm.CompletionResponse{}, s.err
	}
	return llm.CompletionResponse{Content: "ok"}, nil
}

func (s *stubClient) GetModelName() string { return "stub-model" }

func TestMiddlewareRejectsWhenOpen(t *testing.T) {
	reg := NewRegistry(Config{FailureThreshold: 2, Timeout: time.Hour})
	base := &stubClient{err: errors.New("upstream down")}
	client := llm.Chain(base, Middleware(reg))

	for range 2 {
		_, err := client.Complete(context.Background(), llm.CompletionRequest{})
		require.Error(t, err)
	}
	assert.Equal(t, 2, base.calls)

	_, err := client.Complete(context.Background(), llm.CompletionRequest{})
	require.ErrorIs(t, err, ErrOpen)
	assert.Equal(t, 2, base.calls, "open breaker must not reach the client")

	var cbErr *Error
	require.ErrorAs(t, err, &cbErr)
	assert.Equal(t, "stub-model", cbErr.Model)
}
