package executor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/google/jsonschema-go/jsonschema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shipwright/pkg/agent/llm"
	"shipwright/pkg/sandbox"
	"shipwright/pkg/tools"
)

type funcTool struct {
	exec func(ctx context.Context, args map[string]any) (*tools.ExecResult, error)
	name string
}

func (f *funcTool) Name() string { return f.name }
func (f *funcTool) Definition() tools.ToolDefinition {
	return tools.ToolDefinition{
		Name:        f.name,
		Description: "test tool",
		InputSchema: tools.Object(map[string]*jsonschema.Schema{"path": tools.String("a path")}),
	}
}
func (f *funcTool) PromptDocumentation() string { return f.name }
func (f *funcTool) Exec(ctx context.Context, args map[string]any) (*tools.ExecResult, error) {
	return f.exec(ctx, args)
}

type fakeWorkspace struct {
	dirty     []string
	reverted  int
	committed []string
}

func (w *fakeWorkspace) DirtyFiles() ([]string, error) { return w.dirty, nil }
func (w *fakeWorkspace) Revert() error {
	w.reverted++
	w.dirty = nil
	return nil
}
func (w *fakeWorkspace) Commit(msg string) (string, bool, error) {
	if len(w.dirty) == 0 {
		return "", false, nil
	}
	w.committed = append(w.committed, msg)
	w.dirty = nil
	return "0123456789abcdef", true, nil
}

type recordingObserver struct {
	mu    sync.Mutex
	calls map[string]string
}

func (o *recordingObserver) ObserveToolExecution(tool, status string, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.calls == nil {
		o.calls = map[string]string{}
	}
	o.calls[tool] = status
}

func TestExecuteDispatchesConcurrently(t *testing.T) {
	var running, peak atomic.Int32
	release := make(chan struct{})
	slow := func(context.Context, map[string]any) (*tools.ExecResult, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		running.Add(-1)
		return tools.Success("ok"), nil
	}
	reg := tools.NewRegistry(&funcTool{name: "a", exec: slow}, &funcTool{name: "b", exec: slow})
	ex := New(Config{Registry: reg})

	go func() {
		assert.Eventually(t, func() bool { return running.Load() == 2 }, time.Second, time.Millisecond)
		close(release)
	}()

	out, err := ex.Execute(context.Background(), []llm.ToolCall{{ID: "1", Name: "a"}, {ID: "2", Name: "b"}})
	require.NoError(t, err)
	assert.Equal(t, int32(2), peak.Load())
	require.Len(t, out.Results, 2)
	assert.Equal(t, "1", out.Results[0].ToolCallID)
	assert.Equal(t, "2", out.Results[1].ToolCallID)
}

func TestExecuteFailuresDoNotAbortSiblings(t *testing.T) {
	obs := &recordingObserver{}
	reg := tools.NewRegistry(
		&funcTool{name: "ok", exec: func(context.Context, map[string]any) (*tools.ExecResult, error) {
			return tools.Success("fine"), nil
		}},
		&funcTool{name: "boom", exec: func(context.Context, map[string]any) (*tools.ExecResult, error) {
			return nil, errors.New("disk on fire")
		}},
		&funcTool{name: "panics", exec: func(context.Context, map[string]any) (*tools.ExecResult, error) {
			panic("unexpected")
		}},
	)
	ex := New(Config{Registry: reg, Observer: obs})

	out, err := ex.Execute(context.Background(), []llm.ToolCall{
		{ID: "1", Name: "ok"},
		{ID: "2", Name: "boom"},
		{ID: "3", Name: "missing"},
		{ID: "4", Name: "ok", Parameters: map[string]any{"path": 12}},
		{ID: "5", Name: "panics"},
	})
	require.NoError(t, err)
	require.Len(t, out.Results, 5)

	assert.False(t, out.Results[0].IsError)
	assert.Equal(t, "fine", out.Results[0].Content)

	assert.True(t, out.Results[1].IsError)
	assert.Equal(t, "Tool failed: disk on fire", out.Results[1].Content)

	assert.True(t, out.Results[2].IsError)
	assert.Contains(t, out.Results[2].Content, `unknown tool "missing"`)

	assert.True(t, out.Results[3].IsError)
	assert.Contains(t, out.Results[3].Content, "Expected schema:")
	assert.Contains(t, out.Results[3].Content, `"path"`)

	assert.True(t, out.Results[4].IsError)
	assert.Contains(t, out.Results[4].Content, "unexpected")

	assert.Equal(t, 4, out.Errors())
	assert.Equal(t, "error", obs.calls["boom"])
}

func TestExecuteCollectsPatchesAndEffects(t *testing.T) {
	reg := tools.NewRegistry(
		&funcTool{name: "read_a", exec: func(context.Context, map[string]any) (*tools.ExecResult, error) {
			return &tools.ExecResult{
				Status:     tools.StatusSuccess,
				StatePatch: tools.StatePatch{tools.PatchDocumentCache: map[string]string{"a.go": "A"}},
			}, nil
		}},
		&funcTool{name: "read_b", exec: func(context.Context, map[string]any) (*tools.ExecResult, error) {
			return &tools.ExecResult{
				Status:     tools.StatusSuccess,
				StatePatch: tools.StatePatch{tools.PatchDocumentCache: map[string]string{"b.go": "B"}},
			}, nil
		}},
		tools.NewDoneTool(),
	)
	ex := New(Config{Registry: reg})

	out, err := ex.Execute(context.Background(), []llm.ToolCall{
		{ID: "1", Name: "read_a"},
		{ID: "2", Name: "read_b"},
		{ID: "3", Name: tools.ToolDone, Parameters: map[string]any{}},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a.go": "A", "b.go": "B"}, out.StatePatch[tools.PatchDocumentCache])

	eff, ok := out.Effect(tools.ToolDone)
	require.True(t, ok)
	assert.Equal(t, "3", eff.ToolCall)
}

func TestReadOnlyPolicyRevertsAndWarns(t *testing.T) {
	ws := &fakeWorkspace{}
	reg := tools.NewRegistry(&funcTool{name: "writer", exec: func(context.Context, map[string]any) (*tools.ExecResult, error) {
		ws.dirty = []string{"main.go"}
		return tools.Success("wrote"), nil
	}}, &funcTool{name: "reader", exec: func(context.Context, map[string]any) (*tools.ExecResult, error) {
		return tools.Success("read"), nil
	}})
	ex := New(Config{Registry: reg, Workspace: ws, Policy: PolicyReadOnly})

	out, err := ex.Execute(context.Background(), []llm.ToolCall{{ID: "1", Name: "writer"}, {ID: "2", Name: "reader"}})
	require.NoError(t, err)
	assert.Equal(t, 1, ws.reverted)
	assert.Equal(t, []string{"main.go"}, out.Reverted)
	for _, r := range out.Results {
		assert.Contains(t, r.Content, ReadOnlyWarning)
	}
}

func TestReadOnlyPolicyLeavesCleanBatchAlone(t *testing.T) {
	ws := &fakeWorkspace{}
	reg := tools.NewRegistry(&funcTool{name: "reader", exec: func(context.Context, map[string]any) (*tools.ExecResult, error) {
		return tools.Success("read"), nil
	}})
	ex := New(Config{Registry: reg, Workspace: ws, Policy: PolicyReadOnly})

	out, err := ex.Execute(context.Background(), []llm.ToolCall{{ID: "1", Name: "reader"}})
	require.NoError(t, err)
	assert.Equal(t, 0, ws.reverted)
	assert.Equal(t, "read", out.Results[0].Content)
}

func TestMutatingPolicyCommitsAndRunsHookOnce(t *testing.T) {
	ws := &fakeWorkspace{}
	reg := tools.NewRegistry(&funcTool{name: "writer", exec: func(context.Context, map[string]any) (*tools.ExecResult, error) {
		ws.dirty = []string{"main.go"}
		return tools.Success("wrote"), nil
	}})
	var firsts []bool
	ex := New(Config{
		Registry:  reg,
		Workspace: ws,
		Policy:    PolicyMutating,
		OnCommit: func(_ context.Context, hash string, first bool) error {
			assert.Equal(t, "0123456789abcdef", hash)
			firsts = append(firsts, first)
			return errors.New("hook failures are logged only")
		},
	})

	for range 2 {
		out, err := ex.Execute(context.Background(), []llm.ToolCall{{ID: "1", Name: "writer"}})
		require.NoError(t, err)
		assert.Equal(t, "0123456789abcdef", out.CommitHash)
	}
	assert.Equal(t, []bool{true, false}, firsts)
	assert.Equal(t, 2, ex.CommitCount())
	require.Len(t, ws.committed, 2)
	assert.Equal(t, "shipwright: apply changes from writer", ws.committed[0])
}

func TestReadOnlyPolicyAgainstGitSandbox(t *testing.T) {
	src := t.TempDir()
	repo, err := git.PlainInit(src, false)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(src, "main.go"), []byte("package main\n"), 0o644))
	wt, err := repo.Worktree()
	require.NoError(t, err)
	require.NoError(t, wt.AddWithOptions(&git.AddOptions{All: true}))
	_, err = wt.Commit("initial", &git.CommitOptions{Author: &object.Signature{Name: "t", Email: "t@t", When: time.Now()}})
	require.NoError(t, err)

	provider, err := sandbox.NewGitProvider(t.TempDir())
	require.NoError(t, err)
	sess, err := provider.Create(context.Background(), sandbox.Params{Source: src, Branch: "work"})
	require.NoError(t, err)
	ws, err := sandbox.Open(sess, sandbox.Author{})
	require.NoError(t, err)

	reg := tools.NewRegistry(tools.NewWriteFileTool(ws.Root()))
	ex := New(Config{Registry: reg, Workspace: ws, Policy: PolicyReadOnly})

	out, err := ex.Execute(context.Background(), []llm.ToolCall{{
		ID:         "1",
		Name:       tools.ToolWriteFile,
		Parameters: map[string]any{"path": "main.go", "content": "package broken\n"},
	}})
	require.NoError(t, err)
	assert.Contains(t, out.Results[0].Content, ReadOnlyWarning)

	data, err := os.ReadFile(filepath.Join(ws.Root(), "main.go"))
	require.NoError(t, err)
	assert.Equal(t, "package main\n", string(data))
	dirty, err := ws.IsDirty()
	require.NoError(t, err)
	assert.False(t, dirty)
}

func TestReadOnlyPolicyRemovesIgnoredWrites(t *testing.T) {
	src := t.TempDir()
	repo, err := git.PlainInit(src, false)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(src, "main.go"), []byte("package main\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, ".gitignore"), []byte("dist/\n"), 0o644))
	wt, err := repo.Worktree()
	require.NoError(t, err)
	require.NoError(t, wt.AddWithOptions(&git.AddOptions{All: true}))
	_, err = wt.Commit("initial", &git.CommitOptions{Author: &object.Signature{Name: "t", Email: "t@t", When: time.Now()}})
	require.NoError(t, err)

	provider, err := sandbox.NewGitProvider(t.TempDir())
	require.NoError(t, err)
	sess, err := provider.Create(context.Background(), sandbox.Params{Source: src, Branch: "work"})
	require.NoError(t, err)
	ws, err := sandbox.Open(sess, sandbox.Author{})
	require.NoError(t, err)

	reg := tools.NewRegistry(tools.NewWriteFileTool(ws.Root()))
	ex := New(Config{Registry: reg, Workspace: ws, Policy: PolicyReadOnly})

	out, err := ex.Execute(context.Background(), []llm.ToolCall{{
		ID:         "1",
		Name:       tools.ToolWriteFile,
		Parameters: map[string]any{"path": "dist/bundle.js", "content": "x"},
	}})
	require.NoError(t, err)
	assert.Equal(t, []string{"dist/bundle.js"}, out.Reverted)
	assert.Contains(t, out.Results[0].Content, ReadOnlyWarning)
	assert.NoFileExists(t, filepath.Join(ws.Root(), "dist", "bundle.js"))
}
