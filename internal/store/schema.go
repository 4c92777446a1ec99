package store

import "database/sql"

// schemaStatements creates every table this daemon needs. There is no
// migration framework: the schema is additive and idempotent (CREATE TABLE
// IF NOT EXISTS), matching a single-binary deployment with no DBA step.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS messages (
		delivery_id    TEXT NOT NULL,
		chat           TEXT NOT NULL,
		sender_handle  TEXT NOT NULL,
		sender_display TEXT NOT NULL,
		content        TEXT NOT NULL,
		created_at     TEXT NOT NULL,
		is_bot         INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (delivery_id, chat)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_chat_created ON messages (chat, created_at)`,

	`CREATE TABLE IF NOT EXISTS cursors (
		chat       TEXT PRIMARY KEY,
		cursor_at  TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS sessions (
		folder     TEXT PRIMARY KEY,
		session_id TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS processed_events (
		delivery_id  TEXT PRIMARY KEY,
		processed_at TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS repos (
		repo_prefix          TEXT PRIMARY KEY,
		display_name         TEXT NOT NULL,
		folder               TEXT NOT NULL UNIQUE,
		trigger_pattern      TEXT NOT NULL DEFAULT '',
		container_timeout_ms INTEGER NOT NULL DEFAULT 0,
		additional_mounts    TEXT NOT NULL DEFAULT '[]',
		requires_trigger     INTEGER NOT NULL DEFAULT 0,
		created_at           TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS tasks (
		id             TEXT PRIMARY KEY,
		folder         TEXT NOT NULL,
		chat           TEXT NOT NULL,
		prompt         TEXT NOT NULL,
		schedule_kind  TEXT NOT NULL,
		schedule_value TEXT NOT NULL,
		context_mode   TEXT NOT NULL,
		next_run       TEXT,
		last_run       TEXT,
		last_result    TEXT,
		status         TEXT NOT NULL,
		created_at     TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_status_next_run ON tasks (status, next_run)`,

	`CREATE TABLE IF NOT EXISTS task_runs (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id     TEXT NOT NULL,
		started_at  TEXT NOT NULL,
		finished_at TEXT,
		success     INTEGER,
		summary     TEXT NOT NULL DEFAULT '',
		error       TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_task_runs_task_started ON task_runs (task_id, started_at DESC)`,

	`CREATE TABLE IF NOT EXISTS deliveries (
		delivery_id  TEXT PRIMARY KEY,
		event_name   TEXT NOT NULL,
		received_at  TEXT NOT NULL,
		raw_body     BLOB NOT NULL,
		processed    INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_deliveries_processed ON deliveries (processed)`,

	`CREATE TABLE IF NOT EXISTS container_runs (
		container_name TEXT PRIMARY KEY,
		repo_prefix    TEXT NOT NULL,
		folder         TEXT NOT NULL,
		started_at     TEXT NOT NULL,
		finished_at    TEXT,
		exit_status    TEXT NOT NULL DEFAULT '',
		truncated      INTEGER NOT NULL DEFAULT 0
	)`,
}

func migrate(db *sql.DB) error {
	for _, stmt := range schemaStatements {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}
