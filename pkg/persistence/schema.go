package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// CurrentSchemaVersion defines the current schema version for migration support.
const CurrentSchemaVersion = 2

// initializeSchemaWithMigrations ensures the database schema is at the current version.
func initializeSchemaWithMigrations(ctx context.Context, db *sql.DB) error {
	currentVersion, err := GetSchemaVersion(ctx, db)
	if err != nil {
		return fmt.Errorf("failed to get current schema version: %w", err)
	}
	if currentVersion == CurrentSchemaVersion {
		return nil
	}
	if currentVersion > CurrentSchemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported version %d", currentVersion, CurrentSchemaVersion)
	}
	return runMigrations(ctx, db, currentVersion, CurrentSchemaVersion)
}

// runMigrations applies database migrations from current version to target version.
func runMigrations(ctx context.Context, db *sql.DB, fromVersion, toVersion int) error {
	for version := fromVersion + 1; version <= toVersion; version++ {
		if err := runMigration(ctx, db, version); err != nil {
			return fmt.Errorf("migration to version %d failed: %w", version, err)
		}
		if err := setSchemaVersion(ctx, db, version); err != nil {
			return fmt.Errorf("failed to update schema version to %d: %w", version, err)
		}
	}
	return nil
}

func runMigration(ctx context.Context, db *sql.DB, version int) error {
	var statements []string
	switch version {
	case 1:
		statements = []string{
			`CREATE TABLE IF NOT EXISTS sessions (
				thread_id TEXT PRIMARY KEY,
				run_id TEXT NOT NULL,
				kind TEXT NOT NULL,
				parent_thread_id TEXT NOT NULL DEFAULT '',
				status TEXT NOT NULL,
				node TEXT NOT NULL DEFAULT '',
				state_json BLOB,
				interrupt_id TEXT NOT NULL DEFAULT '',
				interrupt_contract TEXT NOT NULL DEFAULT '',
				interrupt_reason TEXT NOT NULL DEFAULT '',
				error TEXT NOT NULL DEFAULT '',
				created_at INTEGER NOT NULL,
				updated_at INTEGER NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_sessions_kind ON sessions(kind)`,
			`CREATE INDEX IF NOT EXISTS idx_sessions_parent ON sessions(parent_thread_id)`,
		}
	case 2:
		statements = []string{
			`CREATE TABLE IF NOT EXISTS tool_executions (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				thread_id TEXT NOT NULL,
				stage TEXT NOT NULL,
				tool_name TEXT NOT NULL,
				tool_call_id TEXT NOT NULL DEFAULT '',
				status TEXT NOT NULL,
				duration_ms INTEGER NOT NULL DEFAULT 0,
				created_at INTEGER NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_tool_executions_thread ON tool_executions(thread_id)`,
		}
	default:
		return fmt.Errorf("unknown migration version: %d", version)
	}

	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute migration: %w", err)
		}
	}
	return nil
}

func setSchemaVersion(ctx context.Context, db *sql.DB, version int) error {
	_, err := db.ExecContext(ctx, `INSERT OR REPLACE INTO schema_version (version) VALUES (?)`, version)
	if err != nil {
		return fmt.Errorf("failed to set schema version: %w", err)
	}
	return nil
}

// GetSchemaVersion returns the applied schema version, 0 for a fresh database.
func GetSchemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	_, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		return 0, fmt.Errorf("failed to create schema_version table: %w", err)
	}

	var version int
	err = db.QueryRowContext(ctx, "SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to query schema version: %w", err)
	}
	return version, nil
}
