// Package metrics records LLM request, circuit breaker and tool metrics.
package metrics

import (
	"time"
)

// Request describes one completed model call.
type Request struct {
	Provider         string
	Model            string
	TaskKind         string
	ThreadID         string
	ErrorType        string
	PromptTokens     int
	CompletionTokens int
	Cost             float64
	Duration         time.Duration
	Success          bool
}

// Recorder defines the interface for recording LLM operation metrics.
type Recorder interface {
	// ObserveRequest records metrics for a completed LLM request.
	ObserveRequest(req Request)

	// ObserveBreakerState records the state of a model's circuit breaker.
	ObserveBreakerState(model, state string)

	// ObserveToolExecution records one tool call.
	ObserveToolExecution(tool, status string, duration time.Duration)
}

// NoopRecorder implements Recorder with no-op behavior for when metrics are disabled.
type NoopRecorder struct{}

// Nop returns a no-op metrics recorder that discards all metrics.
func Nop() Recorder {
	return &NoopRecorder{}
}

// ObserveRequest does nothing in the no-op recorder.
func (n *NoopRecorder) ObserveRequest(Request) {}

// ObserveBreakerState does nothing in the no-op recorder.
func (n *NoopRecorder) ObserveBreakerState(_, _ string) {}

// ObserveToolExecution does nothing in the no-op recorder.
func (n *NoopRecorder) ObserveToolExecution(_, _ string, _ time.Duration) {}

// Multi fans every observation out to several recorders.
type Multi []Recorder

// ObserveRequest forwards to every recorder.
func (m Multi) ObserveRequest(req Request) {
	for _, r := range m {
		r.ObserveRequest(req)
	}
}

// ObserveBreakerState forwards to every recorder.
func (m Multi) ObserveBreakerState(model, state string) {
	for _, r := range m {
		r.ObserveBreakerState(model, state)
	}
}

// ObserveToolExecution forwards to every recorder.
func (m Multi) ObserveToolExecution(tool, status string, duration time.Duration) {
	for _, r := range m {
		r.ObserveToolExecution(tool, status, duration)
	}
}
