package persistence

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "state", "shipwright.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenRunsMigrations(t *testing.T) {
	s := openTestStore(t)
	version, err := GetSchemaVersion(context.Background(), s.db)
	require.NoError(t, err)
	assert.Equal(t, CurrentSchemaVersion, version)
}

func TestReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "shipwright.db")

	s, err := Open(ctx, path)
	require.NoError(t, err)
	require.NoError(t, s.SaveSession(ctx, &SessionRecord{ThreadID: "t1", Kind: "planner", Status: StatusIdle}))
	require.NoError(t, s.Close())

	s, err = Open(ctx, path)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	rec, err := s.GetSession(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "planner", rec.Kind)
}

func TestInMemory(t *testing.T) {
	s, err := Open(context.Background(), ":memory:")
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	assert.Equal(t, ":memory:", s.Path())
}

func TestSaveAndGetSession(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	rec := &SessionRecord{
		ThreadID:       "thread-1",
		RunID:          "run-1",
		Kind:           "implementer",
		ParentThreadID: "parent-1",
		Status:         StatusBusy,
		Node:           "act",
		State:          []byte(`{"step":1}`),
	}
	require.NoError(t, s.SaveSession(ctx, rec))
	created := rec.CreatedAt

	got, err := s.GetSession(ctx, "thread-1")
	require.NoError(t, err)
	assert.Equal(t, "run-1", got.RunID)
	assert.Equal(t, "parent-1", got.ParentThreadID)
	assert.Equal(t, `{"step":1}`, string(got.State))
	assert.False(t, got.Pending())

	time.Sleep(2 * time.Millisecond)
	rec.Status = StatusIdle
	rec.State = []byte(`{"step":2}`)
	rec.CreatedAt = time.Time{}
	require.NoError(t, s.SaveSession(ctx, rec))

	got, err = s.GetSession(ctx, "thread-1")
	require.NoError(t, err)
	assert.Equal(t, StatusIdle, got.Status)
	assert.Equal(t, `{"step":2}`, string(got.State))
	assert.Equal(t, created.UnixMilli(), got.CreatedAt.UnixMilli(), "creation time survives updates")
	assert.True(t, got.UpdatedAt.After(got.CreatedAt))
}

func TestGetSessionNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetSession(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestListSessionsByKind(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	require.NoError(t, s.SaveSession(ctx, &SessionRecord{ThreadID: "a", Kind: "classifier", Status: StatusIdle}))
	require.NoError(t, s.SaveSession(ctx, &SessionRecord{ThreadID: "b", Kind: "planner", Status: StatusIdle}))
	require.NoError(t, s.SaveSession(ctx, &SessionRecord{ThreadID: "c", Kind: "planner", Status: StatusBusy}))

	all, err := s.ListSessions(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	planners, err := s.ListSessions(ctx, "planner")
	require.NoError(t, err)
	require.Len(t, planners, 2)
	for _, p := range planners {
		assert.Equal(t, "planner", p.Kind)
	}
}

func TestClaimInterruptIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	require.NoError(t, s.SaveSession(ctx, &SessionRecord{
		ThreadID:          "t",
		Kind:              "planner",
		Status:            StatusInterrupted,
		InterruptID:       "int-1",
		InterruptContract: "plan_approval",
		InterruptReason:   "approve the plan",
	}))

	rec, err := s.GetSession(ctx, "t")
	require.NoError(t, err)
	assert.True(t, rec.Pending())

	ok, err := s.ClaimInterrupt(ctx, "t", "wrong")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.ClaimInterrupt(ctx, "t", "int-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.ClaimInterrupt(ctx, "t", "int-1")
	require.NoError(t, err)
	assert.False(t, ok, "second claim of the same interrupt must fail")

	rec, err = s.GetSession(ctx, "t")
	require.NoError(t, err)
	assert.Equal(t, StatusBusy, rec.Status)
	assert.Empty(t, rec.InterruptID)
	assert.Empty(t, rec.InterruptContract)
}

func TestMarkStaleSessions(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	require.NoError(t, s.SaveSession(ctx, &SessionRecord{ThreadID: "busy", Kind: "implementer", Status: StatusBusy}))
	require.NoError(t, s.SaveSession(ctx, &SessionRecord{ThreadID: "idle", Kind: "implementer", Status: StatusIdle}))

	n, err := s.MarkStaleSessions(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	rec, err := s.GetSession(ctx, "busy")
	require.NoError(t, err)
	assert.Equal(t, StatusError, rec.Status)
	assert.NotEmpty(t, rec.Error)

	rec, err = s.GetSession(ctx, "idle")
	require.NoError(t, err)
	assert.Equal(t, StatusIdle, rec.Status)
}

func TestToolExecutionStats(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	require.NoError(t, s.InsertToolExecution(ctx, &ToolExecution{ThreadID: "t1", Stage: "implementer", ToolName: "shell", Status: "success", Duration: 20 * time.Millisecond}))
	require.NoError(t, s.InsertToolExecution(ctx, &ToolExecution{ThreadID: "t1", Stage: "implementer", ToolName: "shell", Status: "error", Duration: 5 * time.Millisecond}))
	require.NoError(t, s.InsertToolExecution(ctx, &ToolExecution{ThreadID: "t2", Stage: "planner", ToolName: "read_file", Status: "success"}))

	all, err := s.ToolExecutionStats(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "read_file", all[0].ToolName)
	assert.Equal(t, ToolStats{ToolName: "shell", Calls: 2, Errors: 1, TotalMillis: 25}, all[1])

	t2, err := s.ToolExecutionStats(ctx, "t2")
	require.NoError(t, err)
	require.Len(t, t2, 1)
	assert.Equal(t, 1, t2[0].Calls)
}
