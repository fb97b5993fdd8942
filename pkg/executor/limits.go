package executor

import "shipwright/pkg/agent/llm"

// Backpressure bounds a stage loop. Every AI turn and every tool result adds
// one to the count; the loop must exit once the count reaches
// Multiple × MaxActions, whatever the model intends.
type Backpressure struct {
	MaxActions int
	Multiple   int
}

// Limit is the message count at which the loop is forced out.
func (b Backpressure) Limit() int {
	multiple := b.Multiple
	if multiple <= 0 {
		multiple = 2
	}
	return multiple * b.MaxActions
}

// Count adds one turn and its results to count.
func (b Backpressure) Count(count, results int) int {
	return count + 1 + results
}

// Admit trims a turn's calls so the turn and its results fit under the limit
// from count. It returns the admitted calls and how many were cut.
func (b Backpressure) Admit(count int, calls []llm.ToolCall) ([]llm.ToolCall, int) {
	if b.MaxActions <= 0 {
		return calls, 0
	}
	room := max(b.Limit()-count-1, 0)
	if len(calls) <= room {
		return calls, 0
	}
	return calls[:room], len(calls) - room
}

// Exceeded reports whether count forces the loop out.
func (b Backpressure) Exceeded(count int) bool {
	return b.MaxActions > 0 && count >= b.Limit()
}

// Route is the failure router's decision after a batch.
type Route int

const (
	RouteContinue Route = iota
	RouteDiagnose
)

func (r Route) String() string {
	if r == RouteDiagnose {
		return "diagnose"
	}
	return "continue"
}

// FailureRouter decides when correlated tool failures warrant a diagnosis step.
type FailureRouter struct {
	// Window is how many trailing results must all be errors.
	Window int
}

// Route inspects the recent results, oldest first.
func (f FailureRouter) Route(recent []llm.ToolResult) Route {
	if f.Window <= 0 || len(recent) < f.Window {
		return RouteContinue
	}
	for _, r := range recent[len(recent)-f.Window:] {
		if !r.IsError {
			return RouteContinue
		}
	}
	return RouteDiagnose
}

// Trim keeps the trailing results the router needs.
func (f FailureRouter) Trim(recent []llm.ToolResult) []llm.ToolResult {
	if f.Window <= 0 || len(recent) <= f.Window {
		return recent
	}
	return append([]llm.ToolResult(nil), recent[len(recent)-f.Window:]...)
}

// Exclusive returns only the first call named name when the batch contains
// one, dropping its siblings. Otherwise calls is returned unchanged.
func Exclusive(calls []llm.ToolCall, name string) ([]llm.ToolCall, bool) {
	for _, c := range calls {
		if c.Name == name {
			return []llm.ToolCall{c}, len(calls) > 1
		}
	}
	return calls, false
}
