// Package store opens and initializes the central autoclaw.db SQLite database.
// All automation records (permissions, rules, scheduled tasks, missions and
// their audit rows) live in this single file, keeping the core embeddable
// with zero external infrastructure.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/mattn/go-sqlite3" // SQLite driver.
)

// Open opens (or creates) the autoclaw database at the given path and
// ensures the schema exists. WAL mode keeps concurrent readers from
// blocking the single writer; busy_timeout covers short write contention.
func Open(path string, logger *slog.Logger) (*sql.DB, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	logger.Debug("database opened", "path", path)
	return db, nil
}

// initSchema creates the required tables and indices.
// Timestamps are stored as RFC3339 TEXT; structured fields (scope, actions,
// conditions, proposals) are stored as JSON TEXT.
func initSchema(db *sql.DB) error {
	schema := `
		CREATE TABLE IF NOT EXISTS permissions (
			id         TEXT PRIMARY KEY,
			user_id    TEXT NOT NULL,
			resource   TEXT NOT NULL,
			actions    TEXT NOT NULL,
			scope      TEXT NOT NULL DEFAULT '{}',
			granted_at TEXT NOT NULL,
			expires_at TEXT,
			revoked_at TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_permissions_user
			ON permissions (user_id, resource);

		CREATE TABLE IF NOT EXISTS permission_requests (
			id                    TEXT PRIMARY KEY,
			user_id               TEXT NOT NULL,
			resource              TEXT NOT NULL,
			actions               TEXT NOT NULL,
			scope                 TEXT NOT NULL DEFAULT '{}',
			reason                TEXT NOT NULL DEFAULT '',
			status                TEXT NOT NULL DEFAULT 'pending',
			requested_at          TEXT NOT NULL,
			responded_at          TEXT,
			granted_permission_id TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_permission_requests_user
			ON permission_requests (user_id, status);

		CREATE TABLE IF NOT EXISTS linked_accounts (
			id          TEXT PRIMARY KEY,
			user_id     TEXT NOT NULL,
			platform    TEXT NOT NULL,
			platform_id TEXT NOT NULL,
			verified    INTEGER NOT NULL DEFAULT 0,
			linked_at   TEXT NOT NULL,
			UNIQUE (user_id, platform)
		);

		CREATE TABLE IF NOT EXISTS rules (
			id         TEXT PRIMARY KEY,
			user_id    TEXT NOT NULL,
			name       TEXT NOT NULL,
			trigger    TEXT NOT NULL,
			conditions TEXT NOT NULL DEFAULT '[]',
			actions    TEXT NOT NULL DEFAULT '[]',
			enabled    INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_rules_user ON rules (user_id);

		CREATE TABLE IF NOT EXISTS rule_executions (
			id          TEXT PRIMARY KEY,
			rule_id     TEXT NOT NULL,
			user_id     TEXT NOT NULL,
			matched     INTEGER NOT NULL,
			success     INTEGER NOT NULL,
			result      TEXT,
			error       TEXT,
			executed_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_rule_executions_rule
			ON rule_executions (rule_id, executed_at);

		CREATE TABLE IF NOT EXISTS scheduled_tasks (
			id         TEXT PRIMARY KEY,
			user_id    TEXT NOT NULL,
			name       TEXT NOT NULL,
			action     TEXT NOT NULL,
			params     TEXT NOT NULL DEFAULT '{}',
			cron       TEXT NOT NULL,
			enabled    INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS task_executions (
			id          TEXT PRIMARY KEY,
			task_id     TEXT NOT NULL,
			user_id     TEXT NOT NULL,
			success     INTEGER NOT NULL,
			result      TEXT,
			error       TEXT,
			executed_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_task_executions_task
			ON task_executions (task_id, executed_at);

		CREATE TABLE IF NOT EXISTS missions (
			id           TEXT PRIMARY KEY,
			user_id      TEXT NOT NULL,
			objective    TEXT NOT NULL,
			target_paths TEXT NOT NULL DEFAULT '[]',
			status       TEXT NOT NULL,
			proposal     TEXT,
			error        TEXT,
			created_at   TEXT NOT NULL,
			updated_at   TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_missions_user ON missions (user_id);
	`

	if _, err := db.Exec(schema); err != nil {
		return err
	}
	return nil
}
