package hub

import (
	"time"

	"vaulthost/internal/conflict"
	"vaulthost/internal/watcher"
)

const (
	TypeFileChanged      = "file_changed"
	TypeConflict         = "conflict"
	TypeVaultUnavailable = "vault_unavailable"
	TypeVaultClosed      = "vault_closed"
)

// Notification is the message pushed to every channel subscribed to a vault.
// Fields that do not apply to Kind are left empty and omitted on the wire.
type Notification struct {
	Kind              string     `json:"type"`
	VaultID           string     `json:"vault_id"`
	EventType         string     `json:"event_type,omitempty"`
	Path              string     `json:"path,omitempty"`
	From              string     `json:"from,omitempty"`
	To                string     `json:"to,omitempty"`
	IsDir             bool       `json:"is_dir,omitempty"`
	BackupPath        string     `json:"backup_path,omitempty"`
	ClientPreservedAt *time.Time `json:"client_preserved_at,omitempty"`
	ServerModifiedAt  *time.Time `json:"server_modified_at,omitempty"`
	Message           string     `json:"message,omitempty"`
	OccurredAt        time.Time  `json:"timestamp"`
}

func (n Notification) Type() string {
	return n.Kind
}

func (n Notification) Timestamp() time.Time {
	return n.OccurredAt
}

func FileChanged(change watcher.ChangeEvent) Notification {
	at := change.CoalescedAt
	if at.IsZero() {
		at = time.Now()
	}
	return Notification{
		Kind:       TypeFileChanged,
		VaultID:    change.VaultID,
		EventType:  string(change.Kind),
		Path:       change.Path,
		From:       change.From,
		To:         change.To,
		IsDir:      change.IsDir,
		OccurredAt: at.UTC(),
	}
}

func Conflict(record conflict.Record) Notification {
	notification := Notification{
		Kind:       TypeConflict,
		VaultID:    record.VaultID,
		Path:       record.Path,
		BackupPath: record.BackupPath,
		Message:    record.Reason,
		OccurredAt: time.Now().UTC(),
	}
	if !record.ClientVersionPreservedAt.IsZero() {
		preserved := record.ClientVersionPreservedAt.UTC()
		notification.ClientPreservedAt = &preserved
	}
	if !record.ServerVersionModifiedAt.IsZero() {
		modified := record.ServerVersionModifiedAt.UTC()
		notification.ServerModifiedAt = &modified
	}
	return notification
}

func VaultUnavailable(vaultID, message string) Notification {
	return Notification{Kind: TypeVaultUnavailable, VaultID: vaultID, Message: message, OccurredAt: time.Now().UTC()}
}

func VaultClosed(vaultID, message string) Notification {
	return Notification{Kind: TypeVaultClosed, VaultID: vaultID, Message: message, OccurredAt: time.Now().UTC()}
}
