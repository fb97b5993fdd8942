// Package stage is the explicit finite-state-machine framework every stage
// (classifier, planner, implementer, reviewer) is written against. A stage is
// a Machine whose Step function maps (state, event) to a Transition plus a
// list of Effects; the Runner drives it, checkpoints it and applies effects.
package stage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"shipwright/pkg/session"
)

// Kind names a stage machine.
type Kind string

// Stage kinds.
const (
	KindClassifier  Kind = "classifier"
	KindPlanner     Kind = "planner"
	KindImplementer Kind = "implementer"
	KindReviewer    Kind = "reviewer"
)

// Node is a named state inside one stage machine.
type Node string

// EventType discriminates Event.
type EventType string

// Event types.
const (
	// EventStart is delivered once to a freshly initialized machine.
	EventStart EventType = "start"
	// EventStep is delivered after every Continue transition.
	EventStep EventType = "step"
	// EventResume carries the human response that resolved a suspension.
	EventResume EventType = "resume"
	// EventChild carries the outcome of a StartChild effect.
	EventChild EventType = "child_completed"
)

// Event is the input of one Step.
type Event struct {
	Human *session.HumanResponse `json:"human,omitempty"`
	Child *ChildResult           `json:"child,omitempty"`
	Type  EventType              `json:"type"`
}

// ChildResult describes a child stage after StartChild was applied. For
// fire-and-forget children Status is busy and State is empty.
type ChildResult struct {
	Session session.Session `json:"session"`
	Kind    Kind            `json:"kind"`
	Status  session.Status  `json:"status"`
	State   json.RawMessage `json:"state,omitempty"`
	Err     string          `json:"error,omitempty"`
}

// Decode unmarshals the child's final state into v.
func (c *ChildResult) Decode(v any) error {
	if len(c.State) == 0 {
		return fmt.Errorf("%s child %s returned no state", c.Kind, c.Session.ThreadID)
	}
	if err := json.Unmarshal(c.State, v); err != nil {
		return fmt.Errorf("decode %s child state: %w", c.Kind, err)
	}
	return nil
}

// ResumeContract names the human responses a suspension accepts.
type ResumeContract string

// Resume contracts.
const (
	ContractPlanApproval ResumeContract = "plan_approval"
	ContractHelp         ResumeContract = "help"
)

// Accepts reports whether a response of type t may resolve the suspension.
func (c ResumeContract) Accepts(t session.ResponseType) bool {
	switch c {
	case ContractPlanApproval:
		return t == session.ResponseAccept || t == session.ResponseEdit ||
			t == session.ResponseRespond || t == session.ResponseIgnore
	case ContractHelp:
		return t == session.ResponseResponse || t == session.ResponseIgnore
	default:
		return false
	}
}

// Suspension describes why a stage is waiting on a human.
type Suspension struct {
	Reason   string         `json:"reason"`
	Contract ResumeContract `json:"contract"`
	// InterruptID is assigned by the Runner and must be echoed on resume.
	InterruptID string `json:"interrupt_id"`
}

func newInterruptID() string {
	return uuid.NewString()
}

// TransitionKind discriminates Transition.
type TransitionKind int

// Transition kinds.
const (
	TransitionContinue TransitionKind = iota
	TransitionSuspend
	TransitionTerminate
)

func (k TransitionKind) String() string {
	switch k {
	case TransitionContinue:
		return "continue"
	case TransitionSuspend:
		return "suspend"
	case TransitionTerminate:
		return "terminate"
	default:
		return fmt.Sprintf("transition(%d)", int(k))
	}
}

// Transition is the tagged result of a Step.
type Transition[S any] struct {
	State      S
	Suspension *Suspension
	Kind       TransitionKind
}

// Continue steps the machine again with state.
func Continue[S any](state S) Transition[S] {
	return Transition[S]{Kind: TransitionContinue, State: state}
}

// Suspend persists state and waits for a human response matching contract.
func Suspend[S any](state S, reason string, contract ResumeContract) Transition[S] {
	return Transition[S]{
		Kind:       TransitionSuspend,
		State:      state,
		Suspension: &Suspension{Reason: reason, Contract: contract},
	}
}

// Terminate ends the run with state.
func Terminate[S any](state S) Transition[S] {
	return Transition[S]{Kind: TransitionTerminate, State: state}
}

// Effect is a side effect requested by a Step and applied by the Runner.
type Effect interface {
	isEffect()
}

// StartChild starts another stage. When Await is set the child runs to a
// terminal or suspended state before the parent is stepped again with an
// EventChild carrying its result.
type StartChild struct {
	Input any
	Kind  Kind
	Await bool
}

// ResumeSession resolves a suspended stage owned by another thread.
type ResumeSession struct {
	Response session.HumanResponse
	ThreadID string
}

func (StartChild) isEffect()    {}
func (ResumeSession) isEffect() {}

// Machine is one stage. S is its serializable state.
type Machine[S any] interface {
	Kind() Kind
	// Init builds the initial state from the run input.
	Init(ctx context.Context, input json.RawMessage) (S, error)
	// Step advances the machine by one node.
	Step(ctx context.Context, state S, ev Event) (Transition[S], []Effect, error)
	// Transitions is the table of legal node changes.
	Transitions() map[Node][]Node
}

// Noded is implemented by stage states to report their current node.
type Noded interface {
	CurrentNode() Node
}

// IsValidTransition checks if a node change is allowed by table. Staying on
// the same node is always allowed.
func IsValidTransition(table map[Node][]Node, from, to Node) bool {
	if from == to {
		return true
	}
	for _, next := range table[from] {
		if next == to {
			return true
		}
	}
	return false
}
