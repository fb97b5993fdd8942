// Package retry provides retry logic with exponential backoff for resilient LLM calls.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"shipwright/pkg/agent/llmerrors"
	"shipwright/pkg/agent/middleware/resilience/circuit"
	"shipwright/pkg/config"
)

// Classifier determines if an error should be retried.
type Classifier func(error) bool

// ShouldRetry is the default error classifier. Only classified, retryable
// transport errors are retried; breaker rejections and cancellation never are.
func ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, circuit.ErrOpen) {
		return false
	}
	return llmerrors.IsRetryable(err)
}

// Policy encapsulates retry configuration and logic.
//
//nolint:govet // Simple struct, logical grouping preferred
type Policy struct {
	Config     config.RetryConfig
	Classifier Classifier
}

// NewPolicy creates a new retry policy with the given configuration and classifier.
func NewPolicy(cfg config.RetryConfig, classifier Classifier) *Policy {
	if classifier == nil {
		classifier = ShouldRetry
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.BackoffFactor < 1 {
		cfg.BackoffFactor = 2.0
	}
	return &Policy{Config: cfg, Classifier: classifier}
}

// NewBackOff builds the backoff schedule for one logical call.
func (p *Policy) NewBackOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(p.Config.InitialDelay),
		backoff.WithMaxInterval(p.Config.MaxDelay),
		backoff.WithMultiplier(p.Config.BackoffFactor),
		backoff.WithMaxElapsedTime(0),
	)
	//nolint:gosec // MaxAttempts is clamped to >= 1
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(p.Config.MaxAttempts-1)), ctx)
}

// ShouldRetry determines if an error should be retried based on the configured classifier.
func (p *Policy) ShouldRetry(err error) bool {
	return p.Classifier(err)
}

// Delays returns the nominal delay before each retry, ignoring jitter.
func (p *Policy) Delays() []time.Duration {
	delays := make([]time.Duration, 0, p.Config.MaxAttempts-1)
	d := p.Config.InitialDelay
	for i := 1; i < p.Config.MaxAttempts; i++ {
		if p.Config.MaxDelay > 0 && d > p.Config.MaxDelay {
			d = p.Config.MaxDelay
		}
		delays = append(delays, d)
		d = time.Duration(float64(d) * p.Config.BackoffFactor)
	}
	return delays
}
