package store

import (
	"context"
	"fmt"

	"vaulthost/internal/conflict"
)

const defaultConflictLimit = 50

// InsertConflict appends one rejected write to the ledger.
func (s *Store) InsertConflict(ctx context.Context, record conflict.Record) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conflicts (vault_id, path, backup_path, reason, client_preserved_at, server_modified_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		record.VaultID, record.Path, record.BackupPath, record.Reason,
		formatTime(record.ClientVersionPreservedAt), formatTime(record.ServerVersionModifiedAt),
	)
	if err != nil {
		return fmt.Errorf("insert conflict: %w", err)
	}
	return nil
}

// ListConflicts returns the most recent records for vaultID, newest first.
func (s *Store) ListConflicts(ctx context.Context, vaultID string, limit int) ([]conflict.Record, error) {
	if limit <= 0 {
		limit = defaultConflictLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT vault_id, path, backup_path, reason, client_preserved_at, server_modified_at
		 FROM conflicts WHERE vault_id = ? ORDER BY id DESC LIMIT ?`,
		vaultID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list conflicts: %w", err)
	}
	defer rows.Close()

	records := []conflict.Record{}
	for rows.Next() {
		var record conflict.Record
		var preserved, modified string
		if err := rows.Scan(&record.VaultID, &record.Path, &record.BackupPath, &record.Reason, &preserved, &modified); err != nil {
			return nil, fmt.Errorf("scan conflict: %w", err)
		}
		record.ClientVersionPreservedAt = parseTime(preserved)
		record.ServerVersionModifiedAt = parseTime(modified)
		records = append(records, record)
	}
	return records, rows.Err()
}
