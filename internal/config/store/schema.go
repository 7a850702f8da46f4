package store

import (
	"context"
	"database/sql"
	"fmt"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS users (
		username TEXT PRIMARY KEY,
		password_hash TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT 'device_user',
		created_at TEXT NOT NULL,
		last_login TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS devices (
		device_id TEXT PRIMARY KEY,
		device_name TEXT NOT NULL,
		online INTEGER NOT NULL DEFAULT 0,
		last_seen TEXT,
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS device_configs (
		device_id TEXT PRIMARY KEY,
		voice_id TEXT NOT NULL,
		system_prompt TEXT NOT NULL,
		max_tokens INTEGER NOT NULL,
		temperature REAL NOT NULL,
		top_p REAL NOT NULL,
		enable_mcp INTEGER NOT NULL DEFAULT 0,
		enable_strands INTEGER NOT NULL DEFAULT 0,
		enable_kb INTEGER NOT NULL DEFAULT 0,
		enable_agents INTEGER NOT NULL DEFAULT 0,
		kb_id TEXT NOT NULL DEFAULT '',
		lambda_arn TEXT NOT NULL DEFAULT '',
		tool_backends TEXT,
		chat_history TEXT,
		updated_at TEXT NOT NULL,
		FOREIGN KEY (device_id) REFERENCES devices(device_id) ON DELETE CASCADE
	)`,
	`CREATE TABLE IF NOT EXISTS speech_sessions (
		session_id TEXT PRIMARY KEY,
		device_id TEXT NOT NULL,
		started_at TEXT NOT NULL,
		ended_at TEXT,
		end_reason TEXT NOT NULL DEFAULT '',
		event_count INTEGER NOT NULL DEFAULT 0,
		FOREIGN KEY (device_id) REFERENCES devices(device_id) ON DELETE CASCADE
	)`,
	`CREATE INDEX IF NOT EXISTS idx_speech_sessions_device ON speech_sessions(device_id, started_at)`,
}

func applyPragmas(ctx context.Context, db *sql.DB, readOnly bool) error {
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", int(defaultBusyTimeout.Milliseconds())),
		"PRAGMA foreign_keys = ON",
	}

	if !readOnly {
		pragmas = append(pragmas,
			"PRAGMA journal_mode = WAL",
			"PRAGMA synchronous = NORMAL",
			"PRAGMA temp_store = MEMORY",
		)
	}

	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("store: apply pragma %q: %w", pragma, err)
		}
	}

	return nil
}

func applySchema(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin schema transaction: %w", err)
	}

	for _, stmt := range schemaStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			tx.Rollback()
			return fmt.Errorf("store: apply schema: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit schema: %w", err)
	}
	return nil
}
