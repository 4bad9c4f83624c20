package repository

import (
	"context"
	"database/sql"
	"fmt"
)

// Migrate creates the schema if it does not exist. Idempotent; runs on
// every service start.
func Migrate(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS peers (
			id           TEXT PRIMARY KEY,
			display_name TEXT NOT NULL,
			created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id         TEXT PRIMARY KEY,
			channel_id TEXT NOT NULL,
			sender_id  TEXT NOT NULL,
			content    TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_channel_created
			ON messages (channel_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id         TEXT PRIMARY KEY,
			title      TEXT NOT NULL,
			status     TEXT NOT NULL DEFAULT 'open',
			due_date   TIMESTAMPTZ,
			project_id TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS projects (
			id       TEXT PRIMARY KEY,
			name     TEXT NOT NULL,
			status   TEXT NOT NULL DEFAULT 'open',
			deadline TIMESTAMPTZ
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to run migration: %w", err)
		}
	}
	return nil
}
