package storage

import (
	"context"
	"database/sql"
	"fmt"
)

const schemaVersion = 1

// schemaStatements are executed in order to create the database schema.
// All use IF NOT EXISTS for idempotent re-application.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS memories (
		id           TEXT    PRIMARY KEY,
		title        TEXT    NOT NULL DEFAULT '',
		content      BLOB,
		metadata     TEXT    NOT NULL DEFAULT '{}',
		compressed   INTEGER NOT NULL DEFAULT 0,
		encrypted    INTEGER NOT NULL DEFAULT 0,
		storage_mode TEXT    NOT NULL,
		chunk_count  INTEGER NOT NULL DEFAULT 0,
		part_count   INTEGER NOT NULL DEFAULT 0,
		backend      TEXT    NOT NULL DEFAULT '',
		blob_prefix  TEXT    NOT NULL DEFAULT '',
		size         INTEGER NOT NULL,
		created_at   TEXT    NOT NULL,
		updated_at   TEXT    NOT NULL
	)`,

	`CREATE INDEX IF NOT EXISTS idx_memories_mode ON memories(storage_mode)`,
	`CREATE INDEX IF NOT EXISTS idx_memories_created ON memories(created_at DESC)`,

	`CREATE TABLE IF NOT EXISTS memory_chunks (
		memory_id      TEXT    NOT NULL REFERENCES memories(id) ON DELETE CASCADE,
		sequence_index INTEGER NOT NULL,
		payload        BLOB    NOT NULL,
		PRIMARY KEY (memory_id, sequence_index)
	)`,

	// body holds the leading ftsBodyLimit bytes of content
	`CREATE VIRTUAL TABLE IF NOT EXISTS memories_fts USING fts5(
		memory_id UNINDEXED,
		title,
		body
	)`,

	`CREATE TABLE IF NOT EXISTS storage_settings (
		name       TEXT PRIMARY KEY,
		value      TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
}

// migrate creates or updates the database schema to the latest version.
func migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS schema_version (version INTEGER PRIMARY KEY)"); err != nil {
		return fmt.Errorf("storage: create schema_version: %w", err)
	}

	var current int
	if err := db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&current); err != nil {
		return fmt.Errorf("storage: read schema version: %w", err)
	}
	if current >= schemaVersion {
		return nil
	}

	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("storage: migrate: %w\nstatement: %s", err, stmt)
		}
	}
	if _, err := db.ExecContext(ctx, "INSERT OR REPLACE INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
		return fmt.Errorf("storage: record schema version: %w", err)
	}
	return nil
}
