package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrSessionNotFound is returned when a requested session does not exist.
var ErrSessionNotFound = errors.New("session not found")

// Session status values as stored. They mirror session.Status.
const (
	StatusBusy        = "busy"
	StatusIdle        = "idle"
	StatusInterrupted = "interrupted"
	StatusError       = "error"
)

// SessionRecord is the checkpoint of one stage-machine thread.
//
//nolint:govet // struct alignment optimization not critical for this type.
type SessionRecord struct {
	ThreadID          string
	RunID             string
	Kind              string
	ParentThreadID    string
	Status            string
	Node              string
	State             []byte
	InterruptID       string
	InterruptContract string
	InterruptReason   string
	Error             string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Pending reports whether the record is waiting on a human response.
func (r *SessionRecord) Pending() bool {
	return r.Status == StatusInterrupted && r.InterruptID != ""
}

const sessionColumns = `thread_id, run_id, kind, parent_thread_id, status, node, state_json,
	interrupt_id, interrupt_contract, interrupt_reason, error, created_at, updated_at`

// SaveSession inserts or replaces the checkpoint for rec.ThreadID. The
// original creation time is kept on update.
func (s *Store) SaveSession(ctx context.Context, rec *SessionRecord) error {
	now := time.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(thread_id) DO UPDATE SET
			run_id = excluded.run_id,
			kind = excluded.kind,
			parent_thread_id = excluded.parent_thread_id,
			status = excluded.status,
			node = excluded.node,
			state_json = excluded.state_json,
			interrupt_id = excluded.interrupt_id,
			interrupt_contract = excluded.interrupt_contract,
			interrupt_reason = excluded.interrupt_reason,
			error = excluded.error,
			updated_at = excluded.updated_at
	`, rec.ThreadID, rec.RunID, rec.Kind, rec.ParentThreadID, rec.Status, rec.Node, rec.State,
		rec.InterruptID, rec.InterruptContract, rec.InterruptReason, rec.Error,
		rec.CreatedAt.UnixMilli(), rec.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to save session %s: %w", rec.ThreadID, err)
	}
	return nil
}

// GetSession returns a session by thread id.
// Returns ErrSessionNotFound if the session does not exist.
func (s *Store) GetSession(ctx context.Context, threadID string) (*SessionRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE thread_id = ?`, threadID)
	rec, err := scanSession(row)
	if errors.Is(err, ErrSessionNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return rec, nil
}

// ListSessions returns sessions, most recently updated first. An empty kind lists all.
func (s *Store) ListSessions(ctx context.Context, kind string) ([]*SessionRecord, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions`
	var args []any
	if kind != "" {
		query += ` WHERE kind = ?`
		args = append(args, kind)
	}
	query += ` ORDER BY updated_at DESC, thread_id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sessions: %w", err)
	}
	return out, nil
}

// ClaimInterrupt atomically clears the pending interrupt of a thread if it is
// still interruptID and marks the thread busy. It returns false when the
// interrupt was already resolved, which makes replayed resumes no-ops.
func (s *Store) ClaimInterrupt(ctx context.Context, threadID, interruptID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET status = ?, interrupt_id = '', interrupt_contract = '', interrupt_reason = '', updated_at = ?
		WHERE thread_id = ? AND status = ? AND interrupt_id = ? AND interrupt_id != ''
	`, StatusBusy, time.Now().UnixMilli(), threadID, StatusInterrupted, interruptID)
	if err != nil {
		return false, fmt.Errorf("failed to claim interrupt: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n == 1, nil
}

// MarkStaleSessions marks sessions left busy by a previous process as errored.
// This should be called at startup before any run begins.
func (s *Store) MarkStaleSessions(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET status = ?, error = ?, updated_at = ? WHERE status = ?
	`, StatusError, "process exited while the stage was running", time.Now().UnixMilli(), StatusBusy)
	if err != nil {
		return 0, fmt.Errorf("failed to mark stale sessions: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n > 0 {
		s.logger.Warn("⚠️ marked %d stale session(s) as errored", n)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*SessionRecord, error) {
	var (
		rec              SessionRecord
		created, updated int64
	)
	err := row.Scan(&rec.ThreadID, &rec.RunID, &rec.Kind, &rec.ParentThreadID, &rec.Status, &rec.Node, &rec.State,
		&rec.InterruptID, &rec.InterruptContract, &rec.InterruptReason, &rec.Error, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan session: %w", err)
	}
	rec.CreatedAt = time.UnixMilli(created)
	rec.UpdatedAt = time.UnixMilli(updated)
	return &rec, nil
}
