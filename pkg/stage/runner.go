package stage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"shipwright/pkg/logx"
	"shipwright/pkg/session"
)

// DefaultMaxSteps bounds a single Run; backpressure limits normally end
// stage loops long before this.
const DefaultMaxSteps = 5000

// ErrStepLimit is returned when a run exceeds its step budget.
var ErrStepLimit = errors.New("stage step limit exceeded")

// Launcher applies effects that reach outside the running stage.
type Launcher interface {
	Launch(ctx context.Context, parent session.Session, child StartChild) (ChildResult, error)
	Resume(ctx context.Context, threadID string, resp session.HumanResponse) error
}

// Checkpoint is the persisted view of a stage after a step.
type Checkpoint struct {
	Suspension     *Suspension
	Session        session.Session
	Kind           Kind
	ParentThreadID string
	Status         session.Status
	Node           Node
	Err            string
	State          json.RawMessage
}

// Checkpointer persists checkpoints.
type Checkpointer interface {
	Checkpoint(ctx context.Context, cp Checkpoint) error
}

// Run is one invocation of a stage: either a fresh start (State nil) or a
// continuation of a persisted state with Event.
type Run struct {
	Session        session.Session
	ParentThreadID string
	Input          json.RawMessage
	State          json.RawMessage
	Event          Event
}

// Result is where a run stopped.
type Result struct {
	Suspension *Suspension
	Session    session.Session
	Kind       Kind
	Status     session.Status
	Node       Node
	State      json.RawMessage
}

// ChildResult converts r into the value delivered to an awaiting parent.
func (r Result) ChildResult(err error) ChildResult {
	child := ChildResult{Session: r.Session, Kind: r.Kind, Status: r.Status, State: r.State}
	if err != nil {
		child.Status = session.StatusError
		child.Err = err.Error()
	}
	return child
}

// Driver is a type-erased Runner.
type Driver interface {
	Kind() Kind
	Run(ctx context.Context, run Run) (Result, error)
}

// Runner drives a Machine.
type Runner[S any] struct {
	machine  Machine[S]
	launcher Launcher
	store    Checkpointer
	logger   *logx.Logger
	maxSteps int
}

// NewRunner creates a runner for m.
func NewRunner[S any](m Machine[S], launcher Launcher, store Checkpointer) *Runner[S] {
	return &Runner[S]{
		machine:  m,
		launcher: launcher,
		store:    store,
		logger:   logx.NewLogger(string(m.Kind())),
		maxSteps: DefaultMaxSteps,
	}
}

// WithMaxSteps overrides the step budget.
func (r *Runner[S]) WithMaxSteps(n int) *Runner[S] {
	r.maxSteps = n
	return r
}

// Kind returns the machine kind.
func (r *Runner[S]) Kind() Kind { return r.machine.Kind() }

// Run steps the machine until it suspends, terminates or fails. State is
// checkpointed after every step.
func (r *Runner[S]) Run(ctx context.Context, run Run) (Result, error) {
	ctx = session.WithThreadID(ctx, run.Session.ThreadID)
	res := Result{Session: run.Session, Kind: r.Kind(), Status: session.StatusBusy}

	state, err := r.load(ctx, run)
	if err != nil {
		return r.fail(ctx, run, res, err)
	}

	ev := run.Event
	if ev.Type == "" {
		ev = Event{Type: EventStart}
	}
	table := r.machine.Transitions()

	for step := 0; ; step++ {
		if step >= r.maxSteps {
			return r.fail(ctx, run, r.snapshot(res, state), fmt.Errorf("%w after %d steps", ErrStepLimit, step))
		}
		if err := ctx.Err(); err != nil {
			return r.fail(ctx, run, r.snapshot(res, state), err)
		}

		from := nodeOf(state)
		tr, effects, err := r.machine.Step(ctx, state, ev)
		if err != nil {
			return r.fail(ctx, run, r.snapshot(res, state), fmt.Errorf("%s step at %s: %w", r.Kind(), from, err))
		}
		to := nodeOf(tr.State)
		if table != nil && !IsValidTransition(table, from, to) {
			return r.fail(ctx, run, r.snapshot(res, state), fmt.Errorf("%s: invalid transition %s → %s", r.Kind(), from, to))
		}
		if from != to {
			r.logger.Debug("🔄 %s transition: %s → %s", r.Kind(), from, to)
		}
		state = tr.State

		next, err := r.apply(ctx, run.Session, effects)
		if err != nil {
			return r.fail(ctx, run, r.snapshot(res, state), err)
		}

		res = r.snapshot(res, state)
		switch tr.Kind {
		case TransitionContinue:
			if err := r.checkpoint(ctx, run, res, ""); err != nil {
				return res, err
			}
			ev = Event{Type: EventStep}
			if next != nil {
				ev = Event{Type: EventChild, Child: next}
			}
		case TransitionSuspend:
			susp := *tr.Suspension
			susp.InterruptID = newInterruptID()
			res.Status = session.StatusInterrupted
			res.Suspension = &susp
			r.logger.Info("⏸️  %s suspended at %s: %s", r.Kind(), res.Node, susp.Reason)
			return res, r.checkpoint(ctx, run, res, "")
		case TransitionTerminate:
			res.Status = session.StatusIdle
			r.logger.Info("✅ %s finished at %s", r.Kind(), res.Node)
			return res, r.checkpoint(ctx, run, res, "")
		default:
			return r.fail(ctx, run, res, fmt.Errorf("unknown transition kind %s", tr.Kind))
		}
	}
}

func (r *Runner[S]) load(ctx context.Context, run Run) (S, error) {
	var state S
	if len(run.State) == 0 {
		s, err := r.machine.Init(ctx, run.Input)
		if err != nil {
			return state, fmt.Errorf("init %s: %w", r.Kind(), err)
		}
		return s, nil
	}
	if err := json.Unmarshal(run.State, &state); err != nil {
		return state, fmt.Errorf("decode %s state: %w", r.Kind(), err)
	}
	return state, nil
}

// apply runs effects in order. At most one awaited child is allowed per step;
// its result (or the last fire-and-forget child's) is returned for the next event.
func (r *Runner[S]) apply(ctx context.Context, parent session.Session, effects []Effect) (*ChildResult, error) {
	var (
		next    *ChildResult
		awaited bool
	)
	for _, eff := range effects {
		switch e := eff.(type) {
		case StartChild:
			if e.Await {
				if awaited {
					return nil, fmt.Errorf("%s: more than one awaited child in one step", r.Kind())
				}
				awaited = true
			}
			child, err := r.launcher.Launch(ctx, parent, e)
			if err != nil {
				return nil, fmt.Errorf("start %s child: %w", e.Kind, err)
			}
			if e.Await || !awaited {
				next = &child
			}
		case ResumeSession:
			if err := r.launcher.Resume(ctx, e.ThreadID, e.Response); err != nil {
				return nil, fmt.Errorf("resume session %s: %w", e.ThreadID, err)
			}
		default:
			return nil, fmt.Errorf("unknown effect %T", eff)
		}
	}
	return next, nil
}

func (r *Runner[S]) snapshot(res Result, state S) Result {
	res.Node = nodeOf(state)
	if data, err := json.Marshal(state); err == nil {
		res.State = data
	} else {
		r.logger.Error("failed to encode %s state: %v", r.Kind(), err)
	}
	return res
}

func (r *Runner[S]) fail(ctx context.Context, run Run, res Result, err error) (Result, error) {
	res.Status = session.StatusError
	r.logger.Error("❌ %s failed: %v", r.Kind(), err)
	// Persist with a fresh context so a cancelled run still records its failure.
	if cpErr := r.checkpoint(context.WithoutCancel(ctx), run, res, err.Error()); cpErr != nil {
		r.logger.Warn("failed to checkpoint error state: %v", cpErr)
	}
	return res, err
}

func (r *Runner[S]) checkpoint(ctx context.Context, run Run, res Result, errMsg string) error {
	if r.store == nil {
		return nil
	}
	err := r.store.Checkpoint(ctx, Checkpoint{
		Session:        run.Session,
		Kind:           r.Kind(),
		ParentThreadID: run.ParentThreadID,
		Status:         res.Status,
		Node:           res.Node,
		State:          res.State,
		Suspension:     res.Suspension,
		Err:            errMsg,
	})
	if err != nil {
		return fmt.Errorf("checkpoint %s: %w", r.Kind(), err)
	}
	return nil
}

func nodeOf(state any) Node {
	if n, ok := state.(Noded); ok {
		return n.CurrentNode()
	}
	return ""
}
