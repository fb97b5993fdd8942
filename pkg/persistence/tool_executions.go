package persistence

import (
	"context"
	"fmt"
	"time"
)

// ToolExecution is one audited tool call.
type ToolExecution struct {
	CreatedAt  time.Time
	ThreadID   string
	Stage      string
	ToolName   string
	ToolCallID string
	Status     string
	Duration   time.Duration
}

// InsertToolExecution records a tool call for debugging and analysis.
func (s *Store) InsertToolExecution(ctx context.Context, te *ToolExecution) error {
	if te.CreatedAt.IsZero() {
		te.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tool_executions (thread_id, stage, tool_name, tool_call_id, status, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, te.ThreadID, te.Stage, te.ToolName, te.ToolCallID, te.Status, te.Duration.Milliseconds(), te.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to insert tool execution: %w", err)
	}
	return nil
}

// ToolStats aggregates tool executions for one tool.
type ToolStats struct {
	ToolName    string
	Calls       int
	Errors      int
	TotalMillis int64
}

// ToolExecutionStats aggregates tool executions, optionally for one thread.
func (s *Store) ToolExecutionStats(ctx context.Context, threadID string) ([]ToolStats, error) {
	query := `SELECT tool_name, COUNT(*), SUM(CASE WHEN status = 'error' THEN 1 ELSE 0 END), SUM(duration_ms)
		FROM tool_executions`
	var args []any
	if threadID != "" {
		query += ` WHERE thread_id = ?`
		args = append(args, threadID)
	}
	query += ` GROUP BY tool_name ORDER BY tool_name`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tool stats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []ToolStats
	for rows.Next() {
		var ts ToolStats
		if err := rows.Scan(&ts.ToolName, &ts.Calls, &ts.Errors, &ts.TotalMillis); err != nil {
			return nil, fmt.Errorf("failed to scan tool stats: %w", err)
		}
		out = append(out, ts)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate tool stats: %w", err)
	}
	return out, nil
}
