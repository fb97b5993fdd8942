package engine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shipwright/pkg/agent/llm"
	"shipwright/pkg/agent/middleware/metrics"
	"shipwright/pkg/agent/modelmgr"
	"shipwright/pkg/classifier"
	"shipwright/pkg/config"
	"shipwright/pkg/implementer"
	"shipwright/pkg/persistence"
	"shipwright/pkg/session"
	"shipwright/pkg/stage"
	"shipwright/pkg/testkit"
	"shipwright/pkg/tools"
)

func openStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(context.Background(), filepath.Join(t.TempDir(), "shipwright.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newEngine(t *testing.T, fx *testkit.Fixture, opts ...Option) (*Engine, *persistence.Store) {
	t.Helper()
	store := openStore(t)
	e, err := New(context.Background(), fx.Env, store, opts...)
	require.NoError(t, err)
	t.Cleanup(e.Shutdown)
	return e, store
}

func route(r classifier.Route) modelmgr.ScriptStep {
	return modelmgr.Reply("", testkit.Call("r", tools.ToolRouteMessage, map[string]any{"route": string(r)}))
}

func sessionPlan(title string, items ...any) modelmgr.ScriptStep {
	return modelmgr.Reply("", testkit.Call("p", tools.ToolSessionPlan, map[string]any{"title": title, "plan": items}))
}

func only(t *testing.T, e *Engine, kind stage.Kind) *persistence.SessionRecord {
	t.Helper()
	recs, err := e.Sessions(context.Background(), kind)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	return recs[0]
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestMessageToConclusionLocally(t *testing.T) {
	fx := testkit.NewFixture(t, func(cfg *config.Config) { cfg.Execution.LocalMode = true })
	e, store := newEngine(t, fx)
	ctx := context.Background()

	fx.Invoker.Push(
		route(classifier.RouteStartPlanner),
		modelmgr.Reply("nothing to look at"),
		sessionPlan("Add flag", "add flag.go"),
	)
	res, err := e.Start(ctx, stage.KindClassifier, classifier.Input{
		Messages: []llm.CompletionMessage{llm.NewUserMessage("add a verbose flag")},
	}, true)
	require.NoError(t, err)
	assert.Equal(t, session.StatusIdle, res.Status)

	plannerRec := only(t, e, stage.KindPlanner)
	assert.Equal(t, res.Session.ThreadID, plannerRec.ParentThreadID)
	require.NoError(t, e.Wait(waitCtx(t), plannerRec.ThreadID))

	st, err := e.Status(ctx, plannerRec.ThreadID)
	require.NoError(t, err)
	require.Equal(t, session.StatusInterrupted, st)
	plannerRec, err = e.Session(ctx, plannerRec.ThreadID)
	require.NoError(t, err)
	assert.Equal(t, string(stage.ContractPlanApproval), plannerRec.InterruptContract)

	fx.Invoker.Push(
		modelmgr.Reply("", testkit.Call("w", tools.ToolWriteFile, map[string]any{"path": "flag.go", "content": "package main\n\nvar verbose bool\n"})),
		modelmgr.Reply("", testkit.Call("m", tools.ToolMarkTaskCompleted, map[string]any{"completed_task_summary": "added the flag"})),
		modelmgr.Reply("looks fine"),
		modelmgr.Reply("", testkit.Call("v", tools.ToolMarkComplete, map[string]any{"review": "all good"})),
		modelmgr.Reply("Added a verbose flag."),
	)
	res, err = e.Resume(ctx, plannerRec.ThreadID, session.HumanResponse{Type: session.ResponseAccept})
	require.NoError(t, err)
	assert.Equal(t, session.StatusIdle, res.Status)

	implRec := only(t, e, stage.KindImplementer)
	assert.Equal(t, plannerRec.ThreadID, implRec.ParentThreadID)
	require.NoError(t, e.Wait(waitCtx(t), implRec.ThreadID))
	e.Drain()

	implRec, err = e.Session(ctx, implRec.ThreadID)
	require.NoError(t, err)
	assert.Equal(t, persistence.StatusIdle, implRec.Status)
	assert.Equal(t, string(implementer.NodeEnd), implRec.Node)

	reviewRec := only(t, e, stage.KindReviewer)
	assert.Equal(t, implRec.ThreadID, reviewRec.ParentThreadID)
	assert.Equal(t, persistence.StatusIdle, reviewRec.Status)
	assert.Zero(t, fx.Invoker.Remaining())

	stats, err := store.ToolExecutionStats(ctx, implRec.ThreadID)
	require.NoError(t, err)
	names := make([]string, 0, len(stats))
	for _, s := range stats {
		names = append(names, s.ToolName)
	}
	assert.Contains(t, names, tools.ToolWriteFile)
}

func suspendedPlanner(t *testing.T, e *Engine, fx *testkit.Fixture) string {
	t.Helper()
	fx.Invoker.Push(modelmgr.Reply("ok"), sessionPlan("T", "one"))
	res, err := e.Start(context.Background(), stage.KindPlanner, map[string]any{"request": "r"}, true)
	require.NoError(t, err)
	require.Equal(t, session.StatusInterrupted, res.Status)
	require.NotNil(t, res.Suspension)
	return res.Session.ThreadID
}

func TestReplayedResumeIsNoOp(t *testing.T) {
	fx := testkit.NewFixture(t, nil)
	e, _ := newEngine(t, fx)
	ctx := context.Background()
	thread := suspendedPlanner(t, e, fx)

	ignore := session.HumanResponse{Type: session.ResponseIgnore}
	res, err := e.Resume(ctx, thread, ignore)
	require.NoError(t, err)
	assert.Equal(t, session.StatusIdle, res.Status)
	calls := len(fx.Invoker.Calls())

	res, err = e.Resume(ctx, thread, ignore)
	require.NoError(t, err)
	assert.Equal(t, session.StatusIdle, res.Status)
	assert.Nil(t, res.Suspension)
	assert.Len(t, fx.Invoker.Calls(), calls)
}

func TestResumeRejectsWrongContract(t *testing.T) {
	fx := testkit.NewFixture(t, nil)
	e, _ := newEngine(t, fx)
	thread := suspendedPlanner(t, e, fx)

	_, err := e.Resume(context.Background(), thread, session.HumanResponse{Type: session.ResponseResponse, Args: "x"})
	assert.ErrorIs(t, err, ErrResponseRejected)

	st, err := e.Status(context.Background(), thread)
	require.NoError(t, err)
	assert.Equal(t, session.StatusInterrupted, st)
}

func TestResumeUnknownSession(t *testing.T) {
	fx := testkit.NewFixture(t, nil)
	e, _ := newEngine(t, fx)
	_, err := e.Resume(context.Background(), "missing", session.HumanResponse{Type: session.ResponseAccept})
	assert.ErrorIs(t, err, ErrSessionNotFound)

	st, err := e.Status(context.Background(), "missing")
	require.NoError(t, err)
	assert.Equal(t, session.StatusNotStarted, st)
}

func TestStaleSessionsMarkedAtStartup(t *testing.T) {
	fx := testkit.NewFixture(t, nil)
	ctx := context.Background()
	store := openStore(t)
	require.NoError(t, store.SaveSession(ctx, &persistence.SessionRecord{ThreadID: "t1", Kind: "planner", Status: persistence.StatusBusy}))

	e, err := New(ctx, fx.Env, store)
	require.NoError(t, err)
	defer e.Shutdown()

	st, err := e.Status(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, session.StatusError, st)
}

func TestUnknownKind(t *testing.T) {
	fx := testkit.NewFixture(t, nil)
	e, _ := newEngine(t, fx)
	_, err := e.Start(context.Background(), stage.Kind("deployer"), struct{}{}, true)
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestInvalidRouteSurfaces(t *testing.T) {
	fx := testkit.NewFixture(t, func(cfg *config.Config) { cfg.Execution.LocalMode = true })
	e, _ := newEngine(t, fx)
	fx.Invoker.Push(route(classifier.RouteUpdatePlanner))

	res, err := e.Start(context.Background(), stage.KindClassifier, classifier.Input{
		Messages: []llm.CompletionMessage{llm.NewUserMessage("more detail")},
	}, true)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidRoute)

	rec, err := e.Session(context.Background(), res.Session.ThreadID)
	require.NoError(t, err)
	assert.Equal(t, persistence.StatusError, rec.Status)
	assert.Contains(t, rec.Error, "update_planner")
}

func TestToolExecutionsReachRecorder(t *testing.T) {
	fx := testkit.NewFixture(t, nil)
	reg := prometheus.NewRegistry()
	prom := metrics.NewPrometheusRecorder(reg)
	e, _ := newEngine(t, fx, WithRecorder(prom))

	fx.Invoker.Push(
		modelmgr.Reply("", testkit.Call("l", tools.ToolListFiles, nil)),
		modelmgr.Reply("", testkit.Call("d", tools.ToolDone, nil)),
		sessionPlan("T", "one"),
	)
	_, err := e.Start(context.Background(), stage.KindPlanner, map[string]any{"request": "r"}, true)
	require.NoError(t, err)

	n, err := testutil.GatherAndCount(reg)
	require.NoError(t, err)
	assert.Positive(t, n)
}
