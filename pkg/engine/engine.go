// Package engine owns the stage registry and session persistence. It starts
// stages, delivers child results, resumes suspended sessions and tracks the
// stages that run in the background.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"shipwright/pkg/agent/middleware/metrics"
	"shipwright/pkg/classifier"
	"shipwright/pkg/implementer"
	"shipwright/pkg/logx"
	"shipwright/pkg/persistence"
	"shipwright/pkg/planner"
	"shipwright/pkg/reviewer"
	"shipwright/pkg/session"
	"shipwright/pkg/stage"
)

// Builder creates the driver for one run of a stage kind.
type Builder func(env *stage.Env, launcher stage.Launcher, store stage.Checkpointer) stage.Driver

// DefaultBuilders returns the builders of the four stages.
func DefaultBuilders() map[stage.Kind]Builder {
	return map[stage.Kind]Builder{
		stage.KindClassifier: func(env *stage.Env, l stage.Launcher, c stage.Checkpointer) stage.Driver {
			return stage.NewRunner[*classifier.State](classifier.New(env), l, c)
		},
		stage.KindPlanner: func(env *stage.Env, l stage.Launcher, c stage.Checkpointer) stage.Driver {
			return stage.NewRunner[*planner.State](planner.New(env), l, c)
		},
		stage.KindImplementer: func(env *stage.Env, l stage.Launcher, c stage.Checkpointer) stage.Driver {
			return stage.NewRunner[*implementer.State](implementer.New(env), l, c)
		},
		stage.KindReviewer: func(env *stage.Env, l stage.Launcher, c stage.Checkpointer) stage.Driver {
			return stage.NewRunner[*reviewer.State](reviewer.New(env), l, c)
		},
	}
}

// Option configures an Engine.
type Option func(*Engine)

// WithBuilder registers or replaces the builder for kind.
func WithBuilder(kind stage.Kind, b Builder) Option {
	return func(e *Engine) { e.builders[kind] = b }
}

// WithRecorder sets the recorder tool executions are reported to.
func WithRecorder(r metrics.Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// Engine runs stage sessions. It is the Launcher, Checkpointer and
// SessionView every stage sees.
type Engine struct {
	env      stage.Env
	store    *persistence.Store
	builders map[stage.Kind]Builder
	recorder metrics.Recorder
	logger   *logx.Logger

	// base outlives the calls that start background stages.
	base   context.Context //nolint:containedctx // lifetime of background stages
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running map[string]chan struct{}
}

// New creates an engine. env is the template every run copies; its Sessions
// and Observer are replaced per run. Sessions a previous process left busy
// are marked as errored.
func New(ctx context.Context, env *stage.Env, store *persistence.Store, opts ...Option) (*Engine, error) {
	if env == nil || store == nil {
		return nil, errors.New("engine needs an environment and a session store")
	}
	base, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e := &Engine{
		env:      *env,
		store:    store,
		builders: DefaultBuilders(),
		recorder: metrics.Nop(),
		logger:   logx.NewLogger("engine"),
		base:     base,
		cancel:   cancel,
		running:  make(map[string]chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	if _, err := store.MarkStaleSessions(ctx); err != nil {
		cancel()
		return nil, err
	}
	return e, nil
}

// Start runs a new session of kind. When await is false the stage runs in the
// background and the returned result only identifies it.
func (e *Engine) Start(ctx context.Context, kind stage.Kind, input any, await bool) (stage.Result, error) {
	return e.start(ctx, kind, input, "", await)
}

func (e *Engine) start(ctx context.Context, kind stage.Kind, input any, parent string, await bool) (stage.Result, error) {
	data, err := json.Marshal(input)
	if err != nil {
		return stage.Result{}, fmt.Errorf("encode %s input: %w", kind, err)
	}
	run := stage.Run{Session: session.New(), ParentThreadID: parent, Input: data}
	driver, err := e.driver(kind, run.Session.ThreadID)
	if err != nil {
		return stage.Result{}, err
	}
	e.logger.Info("🚀 starting %s session %s", kind, run.Session.ThreadID)

	if await {
		return driver.Run(ctx, run)
	}

	if err := e.store.SaveSession(ctx, &persistence.SessionRecord{
		ThreadID:       run.Session.ThreadID,
		RunID:          run.Session.RunID,
		Kind:           string(kind),
		ParentThreadID: parent,
		Status:         persistence.StatusBusy,
	}); err != nil {
		return stage.Result{}, err
	}
	e.background(run.Session.ThreadID, func(ctx context.Context) {
		if _, err := driver.Run(ctx, run); err != nil {
			e.logger.Error("%s session %s failed: %v", kind, run.Session.ThreadID, err)
		}
	})
	return stage.Result{Session: run.Session, Kind: kind, Status: session.StatusBusy}, nil
}

// Resume resolves the pending suspension of threadID with resp and runs the
// stage until it suspends or ends. A response for an interrupt that was
// already resolved is a no-op and returns the session as it is.
func (e *Engine) Resume(ctx context.Context, threadID string, resp session.HumanResponse) (stage.Result, error) {
	rec, driver, err := e.claim(ctx, threadID, resp)
	if err != nil || driver == nil {
		return resultOf(rec), err
	}
	return driver.Run(ctx, resumeRun(rec, resp))
}

func (e *Engine) claim(ctx context.Context, threadID string, resp session.HumanResponse) (*persistence.SessionRecord, stage.Driver, error) {
	if err := resp.Validate(); err != nil {
		return nil, nil, err
	}
	rec, err := e.store.GetSession(ctx, threadID)
	if err != nil {
		return nil, nil, fmt.Errorf("resume %s: %w", threadID, err)
	}
	if !rec.Pending() {
		if rec.Status == persistence.StatusInterrupted {
			return rec, nil, fmt.Errorf("%w: %s", ErrNotSuspended, threadID)
		}
		e.logger.Info("ignoring replayed %s response for %s session %s (status %s)", resp.Type, rec.Kind, threadID, rec.Status)
		return rec, nil, nil
	}
	if !stage.ResumeContract(rec.InterruptContract).Accepts(resp.Type) {
		return rec, nil, fmt.Errorf("%w: %s does not accept %q", ErrResponseRejected, rec.InterruptContract, resp.Type)
	}
	claimed, err := e.store.ClaimInterrupt(ctx, threadID, rec.InterruptID)
	if err != nil {
		return rec, nil, err
	}
	if !claimed {
		e.logger.Info("interrupt %s of %s already resolved", rec.InterruptID, threadID)
		return rec, nil, nil
	}
	driver, err := e.driver(stage.Kind(rec.Kind), threadID)
	if err != nil {
		return rec, nil, err
	}
	e.logger.Info("▶️  resuming %s session %s with %s", rec.Kind, threadID, resp.Type)
	return rec, driver, nil
}

func resumeRun(rec *persistence.SessionRecord, resp session.HumanResponse) stage.Run {
	return stage.Run{
		Session:        session.Session{ThreadID: rec.ThreadID, RunID: rec.RunID}.NewRun(),
		ParentThreadID: rec.ParentThreadID,
		State:          rec.State,
		Event:          stage.Event{Type: stage.EventResume, Human: &resp},
	}
}

// Status implements stage.SessionView. Unknown threads are not_started.
func (e *Engine) Status(ctx context.Context, threadID string) (session.Status, error) {
	rec, err := e.store.GetSession(ctx, threadID)
	if errors.Is(err, persistence.ErrSessionNotFound) {
		return session.StatusNotStarted, nil
	}
	if err != nil {
		return "", err
	}
	return session.Status(rec.Status), nil
}

// Session returns the stored checkpoint of threadID.
func (e *Engine) Session(ctx context.Context, threadID string) (*persistence.SessionRecord, error) {
	return e.store.GetSession(ctx, threadID)
}

// Sessions lists stored sessions, optionally of one kind.
func (e *Engine) Sessions(ctx context.Context, kind stage.Kind) ([]*persistence.SessionRecord, error) {
	return e.store.ListSessions(ctx, string(kind))
}

// Wait blocks until the background run of threadID finishes. It returns
// immediately for threads not running in the background.
func (e *Engine) Wait(ctx context.Context, threadID string) error {
	e.mu.Lock()
	done, ok := e.running[threadID]
	e.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown cancels background stages and waits for them to stop.
func (e *Engine) Shutdown() {
	e.cancel()
	e.wg.Wait()
}

// Drain waits for every background stage, including the ones they start.
func (e *Engine) Drain() {
	e.wg.Wait()
}

// Checkpoint implements stage.Checkpointer on top of the session store.
func (e *Engine) Checkpoint(ctx context.Context, cp stage.Checkpoint) error {
	rec := &persistence.SessionRecord{
		ThreadID:       cp.Session.ThreadID,
		RunID:          cp.Session.RunID,
		Kind:           string(cp.Kind),
		ParentThreadID: cp.ParentThreadID,
		Status:         string(cp.Status),
		Node:           string(cp.Node),
		State:          cp.State,
		Error:          cp.Err,
	}
	if cp.Suspension != nil {
		rec.InterruptID = cp.Suspension.InterruptID
		rec.InterruptContract = string(cp.Suspension.Contract)
		rec.InterruptReason = cp.Suspension.Reason
	}
	return e.store.SaveSession(ctx, rec)
}

func (e *Engine) background(threadID string, fn func(ctx context.Context)) {
	done := make(chan struct{})
	e.mu.Lock()
	e.running[threadID] = done
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			e.mu.Lock()
			delete(e.running, threadID)
			e.mu.Unlock()
			close(done)
		}()
		fn(session.WithThreadID(e.base, threadID))
	}()
}

func (e *Engine) driver(kind stage.Kind, threadID string) (stage.Driver, error) {
	build, ok := e.builders[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	env := e.env
	env.Sessions = e
	env.Observer = &toolAudit{store: e.store, recorder: e.recorder, kind: kind, threadID: threadID, logger: e.logger}
	return build(&env, launcher{e}, e), nil
}

func resultOf(rec *persistence.SessionRecord) stage.Result {
	if rec == nil {
		return stage.Result{}
	}
	res := stage.Result{
		Session: session.Session{ThreadID: rec.ThreadID, RunID: rec.RunID},
		Kind:    stage.Kind(rec.Kind),
		Status:  session.Status(rec.Status),
		Node:    stage.Node(rec.Node),
		State:   rec.State,
	}
	if rec.Pending() {
		res.Suspension = &stage.Suspension{
			Reason:      rec.InterruptReason,
			Contract:    stage.ResumeContract(rec.InterruptContract),
			InterruptID: rec.InterruptID,
		}
	}
	return res
}

// launcher applies stage effects. Awaited children run inline on the
// caller's goroutine, the rest in the background.
type launcher struct{ e *Engine }

func (l launcher) Launch(ctx context.Context, parent session.Session, child stage.StartChild) (stage.ChildResult, error) {
	res, err := l.e.start(ctx, child.Kind, child.Input, parent.ThreadID, child.Await)
	if err != nil && res.Session.IsZero() {
		return stage.ChildResult{}, err
	}
	return res.ChildResult(err), nil
}

// Resume resolves another session's suspension without blocking the caller.
func (l launcher) Resume(ctx context.Context, threadID string, resp session.HumanResponse) error {
	rec, driver, err := l.e.claim(ctx, threadID, resp)
	if err != nil || driver == nil {
		return err
	}
	l.e.background(threadID, func(ctx context.Context) {
		if _, err := driver.Run(ctx, resumeRun(rec, resp)); err != nil {
			l.e.logger.Error("resumed %s session %s failed: %v", rec.Kind, threadID, err)
		}
	})
	return nil
}
