package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

var (
	ErrNotFound  = errors.New("record not found")
	ErrDuplicate = errors.New("record already exists")
)

// Store persists the vault registry and the conflict ledger in SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at dbPath in WAL mode and applies any
// pending migrations.
func Open(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(on)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("check journal mode: %w", err)
	}
	if journalMode != "wal" {
		_ = db.Close()
		return nil, fmt.Errorf("expected WAL journal mode, got %q", journalMode)
	}

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// VaultRecord is one row of the vault registry.
type VaultRecord struct {
	ID        string
	Name      string
	Path      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (s *Store) CreateVault(ctx context.Context, record VaultRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO vaults (id, name, path, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		record.ID, record.Name, record.Path, formatTime(record.CreatedAt), formatTime(record.UpdatedAt),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: vault path %s", ErrDuplicate, record.Path)
	}
	if err != nil {
		return fmt.Errorf("insert vault: %w", err)
	}
	return nil
}

func (s *Store) GetVault(ctx context.Context, id string) (VaultRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, path, created_at, updated_at FROM vaults WHERE id = ?`, id)
	record, err := scanVault(row)
	if errors.Is(err, sql.ErrNoRows) {
		return VaultRecord{}, fmt.Errorf("%w: vault %s", ErrNotFound, id)
	}
	return record, err
}

func (s *Store) ListVaults(ctx context.Context) ([]VaultRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, path, created_at, updated_at FROM vaults ORDER BY name COLLATE NOCASE, id`)
	if err != nil {
		return nil, fmt.Errorf("list vaults: %w", err)
	}
	defer rows.Close()

	var records []VaultRecord
	for rows.Next() {
		record, err := scanVault(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// DeleteVault removes the vault and, through the foreign key, its conflict records.
func (s *Store) DeleteVault(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM vaults WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete vault: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete vault: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: vault %s", ErrNotFound, id)
	}
	return nil
}

func (s *Store) TouchVault(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE vaults SET updated_at = ? WHERE id = ?`, formatTime(at), id)
	if err != nil {
		return fmt.Errorf("touch vault: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVault(row rowScanner) (VaultRecord, error) {
	var record VaultRecord
	var created, updated string
	if err := row.Scan(&record.ID, &record.Name, &record.Path, &created, &updated); err != nil {
		return VaultRecord{}, err
	}
	record.CreatedAt = parseTime(created)
	record.UpdatedAt = parseTime(updated)
	return record, nil
}

func formatTime(value time.Time) string {
	if value.IsZero() {
		return ""
	}
	return value.UTC().Format(time.RFC3339Nano)
}

func parseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	parsed, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}
	}
	return parsed
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
