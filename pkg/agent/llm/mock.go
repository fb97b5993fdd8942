package llm

import (
	"context"
	"fmt"
	"sync"
)

// MockClient provides a controllable implementation of LLMClient for testing.
// Errors take precedence over responses at the same position; CompleteFunc,
// when set, replaces the scripted behavior entirely.
type MockClient struct {
	CompleteFunc func(ctx context.Context, req CompletionRequest) (CompletionResponse, error)

	model     string
	responses []CompletionResponse
	errors    []error
	requests  []CompletionRequest
	calls     int
	mu        sync.Mutex
}

// NewMockClient creates a new mock client with predefined responses and errors.
func NewMockClient(model string, responses []CompletionResponse, errs []error) *MockClient {
	return &MockClient{model: model, responses: responses, errors: errs}
}

// Complete returns the next predefined response or error.
func (m *MockClient) Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	m.mu.Lock()
	idx := m.calls
	m.calls++
	m.requests = append(m.requests, req)
	fn := m.CompleteFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	if idx < len(m.errors) && m.errors[idx] != nil {
		return CompletionResponse{}, m.errors[idx]
	}
	if idx >= len(m.responses) {
		return CompletionResponse{}, fmt.Errorf("mock client %s: no more responses", m.model)
	}
	return m.responses[idx], nil
}

// GetModelName returns the configured model name.
func (m *MockClient) GetModelName() string {
	return m.model
}

// Calls returns how many times Complete was invoked.
func (m *MockClient) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Requests returns a copy of every request received.
func (m *MockClient) Requests() []CompletionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]CompletionRequest(nil), m.requests...)
}
