// Package testkit provides the fixtures stage and engine tests share: a
// throwaway source repository, a fully wired stage environment and
// in-memory launcher/checkpointer fakes.
package testkit

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/require"

	"shipwright/pkg/agent/llm"
	"shipwright/pkg/agent/modelmgr"
	"shipwright/pkg/config"
	execpkg "shipwright/pkg/exec"
	"shipwright/pkg/sandbox"
	"shipwright/pkg/session"
	"shipwright/pkg/stage"
	"shipwright/pkg/tracker/local"
)

// SourceRepo creates a repository on branch main with a couple of files and
// returns its path.
func SourceRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInitWithOptions(dir, &git.PlainInitOptions{
		InitOptions: git.InitOptions{DefaultBranch: plumbing.Main},
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("# demo\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main\n\nfunc main() {}\n"), 0o644))
	wt, err := repo.Worktree()
	require.NoError(t, err)
	require.NoError(t, wt.AddWithOptions(&git.AddOptions{All: true}))
	_, err = wt.Commit("initial", &git.CommitOptions{
		Author: &object.Signature{Name: "test", Email: "test@example.com", When: time.Now()},
	})
	require.NoError(t, err)
	return dir
}

// Fixture is a stage environment backed by real sandboxes and a local tracker.
type Fixture struct {
	Env       *stage.Env
	Invoker   *modelmgr.Scripted
	Tracker   *local.Store
	Sandboxes *sandbox.GitProvider
	Source    string
}

// NewFixture wires a stage.Env around a scripted invoker. mutate may adjust
// the config before it is used.
func NewFixture(t *testing.T, mutate func(*config.Config)) *Fixture {
	t.Helper()
	cfg, err := config.Default()
	require.NoError(t, err)

	src := SourceRepo(t)
	cfg.Sandbox.SourceRepo = src
	cfg.Execution.TrackingEnabled = true
	cfg.Limits.MaxContextActions = 5
	cfg.Limits.MaxProgrammerActions = 10
	cfg.Limits.MaxReviewActions = 3
	if mutate != nil {
		mutate(cfg)
	}

	provider, err := sandbox.NewGitProvider(t.TempDir())
	require.NoError(t, err)
	store, err := local.NewStore("")
	require.NoError(t, err)
	inv := modelmgr.NewScripted()

	return &Fixture{
		Env: &stage.Env{
			Config:    cfg,
			Invoker:   inv,
			Sandboxes: provider,
			Records:   store,
			Patches:   store,
			Sessions:  Statuses{},
			Exec:      execpkg.NewLocalExec(),
			Author:    sandbox.DefaultAuthor,
		},
		Invoker:   inv,
		Tracker:   store,
		Sandboxes: provider,
		Source:    src,
	}
}

// Call builds a tool call.
func Call(id, name string, args map[string]any) llm.ToolCall {
	if args == nil {
		args = map[string]any{}
	}
	return llm.ToolCall{ID: id, Name: name, Parameters: args}
}

// Statuses is a static SessionView.
type Statuses map[string]session.Status

// Status returns the configured status, not_started otherwise.
func (s Statuses) Status(_ context.Context, threadID string) (session.Status, error) {
	if st, ok := s[threadID]; ok {
		return st, nil
	}
	return session.StatusNotStarted, nil
}

// Launcher records effects instead of running child stages. Awaited
// children get the result returned by Child, if set.
type Launcher struct {
	Child    func(stage.StartChild) stage.ChildResult
	Launched []stage.StartChild
	Resumed  []Resumed
	mu       sync.Mutex
}

// Resumed is one recorded Resume call.
type Resumed struct {
	Response session.HumanResponse
	ThreadID string
}

// Launch records child and returns a synthetic result.
func (l *Launcher) Launch(_ context.Context, _ session.Session, child stage.StartChild) (stage.ChildResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Launched = append(l.Launched, child)
	if l.Child != nil {
		return l.Child(child), nil
	}
	return stage.ChildResult{Session: session.New(), Kind: child.Kind, Status: session.StatusBusy}, nil
}

// Resume records the response.
func (l *Launcher) Resume(_ context.Context, threadID string, resp session.HumanResponse) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Resumed = append(l.Resumed, Resumed{ThreadID: threadID, Response: resp})
	return nil
}

// Checkpoints records every checkpoint.
type Checkpoints struct {
	All []stage.Checkpoint
	mu  sync.Mutex
}

// Checkpoint records cp.
func (c *Checkpoints) Checkpoint(_ context.Context, cp stage.Checkpoint) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.All = append(c.All, cp)
	return nil
}

// Last returns the most recent checkpoint.
func (c *Checkpoints) Last() stage.Checkpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.All) == 0 {
		return stage.Checkpoint{}
	}
	return c.All[len(c.All)-1]
}

// Input marshals v for a stage.Run.
func Input(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}
