package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"vaulthost/internal/conflict"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "nested", "vaulthost.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestVaultCRUD(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 5, 6, 7, 8, 9, 10, time.UTC)

	for _, record := range []VaultRecord{
		{ID: "b", Name: "beta", Path: "/tmp/beta", CreatedAt: now, UpdatedAt: now},
		{ID: "a", Name: "Alpha", Path: "/tmp/alpha", CreatedAt: now, UpdatedAt: now},
	} {
		if err := s.CreateVault(ctx, record); err != nil {
			t.Fatalf("create %s: %v", record.ID, err)
		}
	}

	got, err := s.GetVault(ctx, "b")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "beta" || got.Path != "/tmp/beta" || !got.CreatedAt.Equal(now) {
		t.Fatalf("unexpected record %+v", got)
	}

	list, err := s.ListVaults(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].ID != "a" || list[1].ID != "b" {
		t.Fatalf("expected case-insensitive name order, got %+v", list)
	}

	later := now.Add(time.Hour)
	if err := s.TouchVault(ctx, "a", later); err != nil {
		t.Fatalf("touch: %v", err)
	}
	if got, _ := s.GetVault(ctx, "a"); !got.UpdatedAt.Equal(later) {
		t.Fatalf("expected updated_at %s, got %s", later, got.UpdatedAt)
	}

	if err := s.DeleteVault(ctx, "a"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.GetVault(ctx, "a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if err := s.DeleteVault(ctx, "a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestCreateVaultDuplicatePath(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()
	if err := s.CreateVault(ctx, VaultRecord{ID: "1", Name: "one", Path: "/v", CreatedAt: now, UpdatedAt: now}); err != nil {
		t.Fatalf("create: %v", err)
	}
	err := s.CreateVault(ctx, VaultRecord{ID: "2", Name: "two", Path: "/v", CreatedAt: now, UpdatedAt: now})
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}

func TestConflictLedger(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	if err := s.CreateVault(ctx, VaultRecord{ID: "v", Name: "v", Path: "/v", CreatedAt: now, UpdatedAt: now}); err != nil {
		t.Fatalf("create vault: %v", err)
	}

	for _, backup := range []string{"a.conflict-1.md", "a.conflict-2.md", "a.conflict-3.md"} {
		err := s.InsertConflict(ctx, conflict.Record{
			VaultID:                  "v",
			Path:                     "a.md",
			BackupPath:               backup,
			Reason:                   conflict.ReasonModified,
			ClientVersionPreservedAt: now,
		})
		if err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	records, err := s.ListConflicts(ctx, "v", 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 2 || records[0].BackupPath != "a.conflict-3.md" || records[1].BackupPath != "a.conflict-2.md" {
		t.Fatalf("expected newest two records, got %+v", records)
	}
	if !records[0].ClientVersionPreservedAt.Equal(now) || !records[0].ServerVersionModifiedAt.IsZero() {
		t.Fatalf("unexpected times %+v", records[0])
	}

	if err := s.DeleteVault(ctx, "v"); err != nil {
		t.Fatalf("delete vault: %v", err)
	}
	records, err = s.ListConflicts(ctx, "v", 0)
	if err != nil {
		t.Fatalf("list after delete: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("expected ledger cleared with the vault, got %d", len(records))
	}
}

func TestMigrationsAreIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vaulthost.db")
	first, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_ = first.Close()

	second, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer second.Close()
	version, err := currentVersion(second.db)
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if version != schemaVersion {
		t.Fatalf("expected schema version %d, got %d", schemaVersion, version)
	}
}
