package vault

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound    = errors.New("not found")
	ErrExists      = errors.New("already exists")
	ErrUnavailable = errors.New("vault unavailable")
)

type Status string

const (
	StatusActive      Status = "active"
	StatusUnavailable Status = "unavailable"
)

// Vault is a registered root directory and its live watch state.
type Vault struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Status    Status    `json:"status"`
}

// FileNode is one entry of a vault tree. Modified carries the full-precision
// token clients send back on write.
type FileNode struct {
	Name        string     `json:"name"`
	Path        string     `json:"path"`
	IsDirectory bool       `json:"is_directory"`
	Size        *int64     `json:"size,omitempty"`
	Modified    time.Time  `json:"modified"`
	Children    []FileNode `json:"children,omitempty"`
}

type FileContent struct {
	Path     string    `json:"path"`
	Content  string    `json:"content"`
	Modified time.Time `json:"modified"`
}

// RenameStrategy decides what happens when a rename destination exists.
type RenameStrategy string

const (
	RenameFail       RenameStrategy = "fail"
	RenameOverwrite  RenameStrategy = "overwrite"
	RenameAutoRename RenameStrategy = "auto_rename"
)

func ParseRenameStrategy(value string) (RenameStrategy, error) {
	switch RenameStrategy(strings.ToLower(strings.TrimSpace(value))) {
	case "", RenameFail:
		return RenameFail, nil
	case RenameOverwrite:
		return RenameOverwrite, nil
	case RenameAutoRename, "autorename", "auto":
		return RenameAutoRename, nil
	default:
		return "", fmt.Errorf("unknown rename strategy %q", value)
	}
}
