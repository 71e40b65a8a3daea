package conflict

import (
	"errors"
	"fmt"
	"time"
)

// ErrConflict matches any rejected write whose token no longer describes the server copy.
var ErrConflict = errors.New("write conflict")

const (
	ReasonModified = "modified"
	ReasonDeleted  = "deleted"
	ReasonExists   = "exists"
)

// Record describes one rejected write and where the client's content was kept.
type Record struct {
	VaultID                  string    `json:"vault_id"`
	Path                     string    `json:"path"`
	BackupPath               string    `json:"backup_path"`
	Reason                   string    `json:"reason"`
	ClientVersionPreservedAt time.Time `json:"client_preserved_at"`
	ServerVersionModifiedAt  time.Time `json:"server_modified_at,omitempty"`
}

// Error carries the Record of a rejected write.
type Error struct {
	Record Record
}

func (e *Error) Error() string {
	return fmt.Sprintf("write conflict on %s (%s): client copy saved to %s", e.Record.Path, e.Record.Reason, e.Record.BackupPath)
}

func (e *Error) Is(target error) bool {
	return target == ErrConflict
}
