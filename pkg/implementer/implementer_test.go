package implementer

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shipwright/pkg/agent/llm"
	"shipwright/pkg/agent/modelmgr"
	"shipwright/pkg/config"
	"shipwright/pkg/plan"
	"shipwright/pkg/reviewer"
	"shipwright/pkg/sandbox"
	"shipwright/pkg/session"
	"shipwright/pkg/stage"
	"shipwright/pkg/testkit"
	"shipwright/pkg/tools"
	"shipwright/pkg/tracker"
)

func newPlan(items ...string) *plan.TaskPlan {
	p := plan.New()
	p.AddTask("add a flag", "Add flag", items)
	return p
}

func localMode(cfg *config.Config) {
	cfg.Execution.LocalMode = true
}

func noReview(cfg *config.Config) {
	cfg.Execution.LocalMode = true
	cfg.Limits.MaxReviewCycles = 0
}

func decodeState(t *testing.T, res stage.Result) *State {
	t.Helper()
	var s State
	require.NoError(t, json.Unmarshal(res.State, &s))
	return &s
}

func reviewResult(t *testing.T, st reviewer.State) stage.ChildResult {
	t.Helper()
	data, err := json.Marshal(st)
	require.NoError(t, err)
	return stage.ChildResult{Session: session.New(), Kind: stage.KindReviewer, Status: session.StatusIdle, State: data}
}

func writeFile(id, path, content string) llm.ToolCall {
	return testkit.Call(id, tools.ToolWriteFile, map[string]any{"path": path, "content": content})
}

func markCompleted(id, summary string) llm.ToolCall {
	return testkit.Call(id, tools.ToolMarkTaskCompleted, map[string]any{"completed_task_summary": summary})
}

func TestImplementsPlanAndConcludesLocally(t *testing.T) {
	fx := testkit.NewFixture(t, localMode)
	launcher := &testkit.Launcher{Child: func(sc stage.StartChild) stage.ChildResult {
		in, ok := sc.Input.(reviewer.Input)
		require.True(t, ok)
		return reviewResult(t, reviewer.State{Input: in, Verdict: reviewer.VerdictComplete, Review: "fine"})
	}}

	fx.Invoker.Push(
		modelmgr.Reply("", writeFile("w1", "flag.go", "package main\n\nvar verbose bool\n")),
		// mark_task_completed must run alone; the shell call is dropped.
		modelmgr.Reply("", markCompleted("m1", "added the flag"),
			testkit.Call("s1", tools.ToolShell, map[string]any{"command": "touch stray.txt"})),
		modelmgr.Reply("Added a verbose flag."),
	)

	runner := stage.NewRunner[*State](New(fx.Env), launcher, &testkit.Checkpoints{})
	res, err := runner.Run(context.Background(), stage.Run{
		Session: session.New(),
		Input:   testkit.Input(t, Input{Plan: newPlan("add flag.go"), Request: "add a flag", Title: "Add flag"}),
	})
	require.NoError(t, err)
	assert.Equal(t, session.StatusIdle, res.Status)

	final := decodeState(t, res)
	assert.Equal(t, NodeEnd, final.Node)
	assert.Equal(t, "Added a verbose flag.", final.Conclusion)
	assert.Equal(t, 1, final.Commits)
	assert.False(t, final.Plan.HasRemaining())
	done := final.Plan.CompletedItems()
	require.Len(t, done, 1)
	assert.Equal(t, "added the flag", done[0].Summary)

	for _, msg := range final.Messages {
		for _, call := range msg.ToolCalls {
			assert.NotEqual(t, tools.ToolShell, call.Name, "sibling of mark_task_completed must be dropped")
		}
	}

	require.Len(t, launcher.Launched, 1)
	assert.Equal(t, stage.KindReviewer, launcher.Launched[0].Kind)
	assert.True(t, launcher.Launched[0].Await)

	sess, err := fx.Sandboxes.Get(context.Background(), final.SandboxID)
	require.NoError(t, err)
	ws, err := sandbox.Open(sess, sandbox.DefaultAuthor)
	require.NoError(t, err)
	changed, err := ws.ChangedFiles()
	require.NoError(t, err)
	assert.Equal(t, []string{"flag.go"}, changed)
	assert.Zero(t, fx.Invoker.Remaining())
}

func TestReviewCycleThenSubmitPatch(t *testing.T) {
	fx := testkit.NewFixture(t, nil)
	ctx := context.Background()
	recordID, err := fx.Tracker.CreateRecord(ctx, "Add flag", "please add a flag")
	require.NoError(t, err)

	reviews := 0
	launcher := &testkit.Launcher{Child: func(sc stage.StartChild) stage.ChildResult {
		in := sc.Input.(reviewer.Input)
		reviews++
		if reviews == 1 {
			amended := in.Plan.Clone()
			require.NoError(t, amended.AppendItems([]string{"add a test"}))
			return reviewResult(t, reviewer.State{
				Input:   reviewer.Input{Plan: amended, Cycle: in.Cycle + 1},
				Verdict: reviewer.VerdictIncomplete,
				Review:  "no test",
				Added:   []string{"add a test"},
			})
		}
		return reviewResult(t, reviewer.State{Input: in, Verdict: reviewer.VerdictComplete, Review: "ok"})
	}}

	fx.Invoker.Push(
		modelmgr.Reply("", writeFile("w1", "flag.go", "package main\n")),
		modelmgr.Reply("", markCompleted("m1", "flag added")),
		modelmgr.Reply("", writeFile("w2", "flag_test.go", "package main\n")),
		modelmgr.Reply("", markCompleted("m2", "test added")),
		modelmgr.Reply("Added a flag and its test."),
		modelmgr.Reply("", testkit.Call("pr", tools.ToolOpenPR, map[string]any{"title": "Add flag", "body": "Adds a flag."})),
	)

	runner := stage.NewRunner[*State](New(fx.Env), launcher, &testkit.Checkpoints{})
	res, err := runner.Run(ctx, stage.Run{
		Session: session.New(),
		Input: testkit.Input(t, Input{
			Plan: newPlan("add flag.go"), Request: "add a flag", Title: "Add flag", RecordID: recordID,
		}),
	})
	require.NoError(t, err)
	final := decodeState(t, res)

	assert.Equal(t, NodeEnd, final.Node)
	assert.Equal(t, 1, final.ReviewCycle)
	assert.Equal(t, 2, reviews)
	assert.Equal(t, 2, final.Commits)

	// The first commit opened a draft; submit-patch finalised the same patch.
	patch, ok := fx.Tracker.Patch(1)
	require.True(t, ok)
	assert.Equal(t, "Add flag", patch.Title)
	assert.False(t, patch.Draft)
	assert.Contains(t, patch.Body, "Fixes #1")
	_, extra := fx.Tracker.Patch(2)
	assert.False(t, extra)

	stored, err := fx.Tracker.ReadPlan(ctx, recordID)
	require.NoError(t, err)
	task, err := stored.ActiveTask()
	require.NoError(t, err)
	assert.True(t, task.Completed)
	require.Len(t, task.Items, 2)
	assert.True(t, task.Items[0].Completed)
	assert.True(t, task.Items[1].Completed)
	number, linked := stored.PullRequestNumber()
	assert.True(t, linked)
	assert.Equal(t, 1, number)

	_, err = fx.Sandboxes.Get(ctx, final.SandboxID)
	assert.ErrorIs(t, err, sandbox.ErrNotFound)
}

// flakyPatches fails the first CreatePatch call.
type flakyPatches struct {
	tracker.PatchSubmitter
	creates int
}

func (f *flakyPatches) CreatePatch(ctx context.Context, req tracker.PatchRequest) (tracker.Patch, error) {
	f.creates++
	if f.creates == 1 {
		return tracker.Patch{}, errors.New("connection reset")
	}
	return f.PatchSubmitter.CreatePatch(ctx, req)
}

func TestDraftPatchRetriedOnLaterCommit(t *testing.T) {
	fx := testkit.NewFixture(t, nil)
	ctx := context.Background()
	recordID, err := fx.Tracker.CreateRecord(ctx, "Add flag", "please add a flag")
	require.NoError(t, err)
	patches := &flakyPatches{PatchSubmitter: fx.Tracker}
	fx.Env.Patches = patches

	launcher := &testkit.Launcher{Child: func(sc stage.StartChild) stage.ChildResult {
		in := sc.Input.(reviewer.Input)
		return reviewResult(t, reviewer.State{Input: in, Verdict: reviewer.VerdictComplete, Review: "ok"})
	}}
	fx.Invoker.Push(
		modelmgr.Reply("", writeFile("w1", "flag.go", "package main\n")),
		modelmgr.Reply("", writeFile("w2", "flag_test.go", "package main\n")),
		modelmgr.Reply("", writeFile("w3", "doc.go", "package main\n")),
		modelmgr.Reply("", markCompleted("m1", "flag added")),
		modelmgr.Reply("Added a flag."),
		modelmgr.Reply("", testkit.Call("pr", tools.ToolOpenPR, map[string]any{"title": "Add flag", "body": "Adds a flag."})),
	)

	runner := stage.NewRunner[*State](New(fx.Env), launcher, &testkit.Checkpoints{})
	res, err := runner.Run(ctx, stage.Run{
		Session: session.New(),
		Input: testkit.Input(t, Input{
			Plan: newPlan("add flag.go"), Request: "add a flag", Title: "Add flag", RecordID: recordID,
		}),
	})
	require.NoError(t, err)
	final := decodeState(t, res)
	assert.Equal(t, NodeEnd, final.Node)
	assert.Equal(t, 3, final.Commits)

	// Commit 1 failed to open the draft, commit 2 opened it, commit 3 and
	// submit-patch reused it.
	assert.Equal(t, 2, patches.creates)
	number, linked := final.Plan.PullRequestNumber()
	require.True(t, linked)
	assert.Equal(t, 1, number)
	patch, ok := fx.Tracker.Patch(1)
	require.True(t, ok)
	assert.Equal(t, "Add flag", patch.Title)
	_, extra := fx.Tracker.Patch(2)
	assert.False(t, extra)
}

func TestNoToolCallRetryThenFallsThrough(t *testing.T) {
	fx := testkit.NewFixture(t, noReview)
	fx.Invoker.Push(
		modelmgr.Reply("thinking"),
		modelmgr.Reply("still thinking"),
		modelmgr.Reply("nothing to do"),
		modelmgr.Reply("Stopped early."),
	)

	launcher := &testkit.Launcher{}
	runner := stage.NewRunner[*State](New(fx.Env), launcher, &testkit.Checkpoints{})
	res, err := runner.Run(context.Background(), stage.Run{
		Session: session.New(),
		Input:   testkit.Input(t, Input{Plan: newPlan("do it"), Request: "r", Title: "t"}),
	})
	require.NoError(t, err)
	final := decodeState(t, res)

	assert.Equal(t, NodeEnd, final.Node)
	assert.Equal(t, 3, final.Actions)
	assert.Equal(t, 1, final.NoToolRetries)
	assert.True(t, final.Plan.HasRemaining())
	assert.Empty(t, launcher.Launched)
	assert.Zero(t, fx.Invoker.Remaining())
}

func TestBackpressureForcesConclusion(t *testing.T) {
	fx := testkit.NewFixture(t, func(cfg *config.Config) {
		noReview(cfg)
		cfg.Limits.MaxProgrammerActions = 2
	})
	list := func(id string) modelmgr.ScriptStep {
		return modelmgr.Reply("", testkit.Call(id, tools.ToolListFiles, nil))
	}
	fx.Invoker.Push(list("a"), list("b"), modelmgr.Reply("Ran out of budget."))

	runner := stage.NewRunner[*State](New(fx.Env), &testkit.Launcher{}, &testkit.Checkpoints{})
	res, err := runner.Run(context.Background(), stage.Run{
		Session: session.New(),
		Input:   testkit.Input(t, Input{Plan: newPlan("explore"), Request: "r", Title: "t"}),
	})
	require.NoError(t, err)
	final := decodeState(t, res)
	assert.Equal(t, 4, final.Actions)
	assert.Equal(t, "Ran out of budget.", final.Conclusion)
	assert.Zero(t, fx.Invoker.Remaining())
}

func TestRequestHelpSuspendsAndResumes(t *testing.T) {
	fx := testkit.NewFixture(t, noReview)
	ctx := context.Background()
	fx.Invoker.Push(modelmgr.Reply("", testkit.Call("h", tools.ToolRequestHumanHelp, map[string]any{"help_request": "which port?"})))

	runner := stage.NewRunner[*State](New(fx.Env), &testkit.Launcher{}, &testkit.Checkpoints{})
	sess := session.New()
	res, err := runner.Run(ctx, stage.Run{
		Session: sess,
		Input:   testkit.Input(t, Input{Plan: newPlan("serve"), Request: "r", Title: "t"}),
	})
	require.NoError(t, err)
	assert.Equal(t, session.StatusInterrupted, res.Status)
	require.NotNil(t, res.Suspension)
	assert.Equal(t, stage.ContractHelp, res.Suspension.Contract)
	assert.Equal(t, "which port?", res.Suspension.Reason)
	assert.Equal(t, NodeAwaitHelp, res.Node)

	suspended := decodeState(t, res)
	sb, err := fx.Sandboxes.Get(ctx, suspended.SandboxID)
	require.NoError(t, err)
	assert.Equal(t, sandbox.StatePaused, sb.State)

	fx.Invoker.Push(
		modelmgr.Reply("", markCompleted("m", "uses 8080")),
		modelmgr.Reply("Served on 8080."),
	)
	res, err = runner.Run(ctx, stage.Run{
		Session: sess,
		State:   res.State,
		Event:   stage.Event{Type: stage.EventResume, Human: &session.HumanResponse{Type: session.ResponseResponse, Args: "use 8080"}},
	})
	require.NoError(t, err)
	assert.Equal(t, session.StatusIdle, res.Status)

	final := decodeState(t, res)
	var answered bool
	for _, m := range final.Messages {
		if m.Role == llm.RoleUser && strings.Contains(m.Content, "use 8080") {
			answered = true
		}
	}
	assert.True(t, answered)
	assert.False(t, final.Plan.HasRemaining())
}

func TestUpdatePlanKeepsCompletedPrefix(t *testing.T) {
	fx := testkit.NewFixture(t, noReview)
	ctx := context.Background()
	recordID, err := fx.Tracker.CreateRecord(ctx, "t", "b")
	require.NoError(t, err)

	fx.Invoker.Push(
		modelmgr.Reply("", markCompleted("m1", "first done")),
		modelmgr.Reply("", testkit.Call("u", tools.ToolUpdatePlan, map[string]any{
			"reasoning":       "second item was wrong",
			"remaining_items": []any{"new second", "new third"},
		})),
		modelmgr.Reply("", markCompleted("m2", "second done")),
		modelmgr.Reply("", markCompleted("m3", "third done")),
		modelmgr.Reply("All done."),
	)

	runner := stage.NewRunner[*State](New(fx.Env), &testkit.Launcher{}, &testkit.Checkpoints{})
	res, err := runner.Run(ctx, stage.Run{
		Session: session.New(),
		Input:   testkit.Input(t, Input{Plan: newPlan("first", "old second"), Request: "r", Title: "t", RecordID: recordID}),
	})
	require.NoError(t, err)
	final := decodeState(t, res)

	task, err := final.Plan.ActiveTask()
	require.NoError(t, err)
	require.Len(t, task.Items, 3)
	assert.Equal(t, "first", task.Items[0].Plan)
	assert.Equal(t, "first done", task.Items[0].Summary)
	assert.Equal(t, "new second", task.Items[1].Plan)
	assert.Equal(t, "new third", task.Items[2].Plan)
	assert.Equal(t, 2, task.Items[2].Index)
	assert.False(t, final.Plan.HasRemaining())

	stored, err := fx.Tracker.ReadPlan(ctx, recordID)
	require.NoError(t, err)
	storedTask, err := stored.ActiveTask()
	require.NoError(t, err)
	assert.Len(t, storedTask.Items, 3)
}

func TestInitRejectsMissingPlan(t *testing.T) {
	fx := testkit.NewFixture(t, nil)
	_, err := New(fx.Env).Init(context.Background(), testkit.Input(t, Input{Request: "r"}))
	assert.ErrorIs(t, err, plan.ErrNoActiveTask)
}
