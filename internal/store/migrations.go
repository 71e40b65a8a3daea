package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// schemaVersion is the current schema version. Increment when adding migrations.
const schemaVersion = 2

var migrations = map[int]string{
	1: `
CREATE TABLE IF NOT EXISTS vaults (
	id         TEXT PRIMARY KEY NOT NULL,
	name       TEXT NOT NULL,
	path       TEXT NOT NULL UNIQUE,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
`,
	2: `
CREATE TABLE IF NOT EXISTS conflicts (
	id                  INTEGER PRIMARY KEY AUTOINCREMENT,
	vault_id            TEXT NOT NULL,
	path                TEXT NOT NULL,
	backup_path         TEXT NOT NULL,
	reason              TEXT NOT NULL DEFAULT '',
	client_preserved_at TEXT NOT NULL DEFAULT '',
	server_modified_at  TEXT NOT NULL DEFAULT '',
	FOREIGN KEY (vault_id) REFERENCES vaults(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_conflicts_vault ON conflicts(vault_id, id);
`,
}

// runMigrations applies every migration newer than the recorded schema version.
func runMigrations(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS store_state (
		key        TEXT PRIMARY KEY,
		value      TEXT NOT NULL DEFAULT '',
		updated_at TEXT NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("create store_state: %w", err)
	}

	current, err := currentVersion(db)
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for version := current + 1; version <= schemaVersion; version++ {
		statement, ok := migrations[version]
		if !ok {
			return fmt.Errorf("missing migration for version %d", version)
		}
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", version, err)
		}
		if _, err := tx.Exec(statement); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d: %w", version, err)
		}
		_, err = tx.Exec(
			`INSERT INTO store_state (key, value, updated_at) VALUES ('schema_version', ?, ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			strconv.Itoa(version), time.Now().UTC().Format(time.RFC3339),
		)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("update schema version to %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", version, err)
		}
	}
	return nil
}

func currentVersion(db *sql.DB) (int, error) {
	var value string
	err := db.QueryRow(`SELECT value FROM store_state WHERE key = 'schema_version'`).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(value)
}
