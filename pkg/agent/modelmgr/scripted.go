package modelmgr

import (
	"context"
	"fmt"
	"sync"

	"shipwright/pkg/agent/llm"
	"shipwright/pkg/config"
)

// Call is one request seen by a Scripted invoker.
type Call struct {
	Kind    config.TaskKind
	Request llm.CompletionRequest
}

// Scripted is an Invoker that replays canned responses in order, for stage tests.
// A step with a non-nil Err fails that call.
type Scripted struct {
	steps []ScriptStep
	calls []Call
	mu    sync.Mutex
}

// ScriptStep is one canned reply.
type ScriptStep struct {
	Err      error
	Response llm.CompletionResponse
}

// NewScripted creates a Scripted invoker.
func NewScripted(steps ...ScriptStep) *Scripted {
	return &Scripted{steps: steps}
}

// Reply is a ScriptStep returning text and tool calls.
func Reply(content string, calls ...llm.ToolCall) ScriptStep {
	return ScriptStep{Response: llm.CompletionResponse{Content: content, ToolCalls: calls}}
}

// Fail is a ScriptStep returning err.
func Fail(err error) ScriptStep {
	return ScriptStep{Err: err}
}

// Push appends more steps.
func (s *Scripted) Push(steps ...ScriptStep) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, steps...)
}

// Invoke returns the next scripted step.
//
//nolint:gocritic // matches Invoker
func (s *Scripted) Invoke(_ context.Context, kind config.TaskKind, req llm.CompletionRequest) (llm.CompletionResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, Call{Kind: kind, Request: req})
	if len(s.steps) == 0 {
		return llm.CompletionResponse{}, fmt.Errorf("scripted invoker: no response left for %s call %d", kind, len(s.calls))
	}
	step := s.steps[0]
	s.steps = s.steps[1:]
	return step.Response, step.Err
}

// Calls returns every request received so far.
func (s *Scripted) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// Remaining reports how many scripted steps are unused.
func (s *Scripted) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.steps)
}

var _ Invoker = (*Scripted)(nil)
