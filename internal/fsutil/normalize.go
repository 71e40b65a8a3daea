package fsutil

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// ErrInvalidPath marks a client-supplied path that cannot be used inside a vault.
var ErrInvalidPath = errors.New("invalid path")

// CleanRelPath validates a vault-relative path and returns it in slash form.
// Absolute paths, empty paths and any ".." component are rejected.
func CleanRelPath(pathValue string) (string, error) {
	if strings.ContainsRune(pathValue, 0) {
		return "", fmt.Errorf("%w: %q contains NUL", ErrInvalidPath, pathValue)
	}
	slashPath := filepath.ToSlash(strings.TrimSpace(pathValue))
	if slashPath == "" {
		return "", fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	if strings.HasPrefix(slashPath, "/") || filepath.IsAbs(pathValue) || filepath.VolumeName(pathValue) != "" {
		return "", fmt.Errorf("%w: absolute paths are not allowed: %q", ErrInvalidPath, pathValue)
	}
	for _, part := range strings.Split(slashPath, "/") {
		if part == ".." {
			return "", fmt.Errorf("%w: directory traversal is not allowed: %q", ErrInvalidPath, pathValue)
		}
	}
	cleaned := path.Clean(slashPath)
	if cleaned == "." || !fs.ValidPath(cleaned) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, pathValue)
	}
	return cleaned, nil
}

// ResolveVaultPath joins a relative path onto root and verifies that the
// resolved location, following symlinks through its deepest existing
// ancestor, stays inside root. It returns the absolute path and the cleaned
// relative path.
func ResolveVaultPath(root, pathValue string) (string, string, error) {
	rel, err := CleanRelPath(pathValue)
	if err != nil {
		return "", "", err
	}
	realRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return "", "", fmt.Errorf("resolve vault root: %w", err)
	}
	full := filepath.Join(realRoot, filepath.FromSlash(rel))

	existing := full
	for {
		if _, statErr := os.Lstat(existing); statErr == nil {
			break
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			break
		}
		existing = parent
	}
	resolved, err := filepath.EvalSymlinks(existing)
	if err != nil {
		return "", "", fmt.Errorf("resolve %q: %w", pathValue, err)
	}
	if !IsWithin(realRoot, resolved) {
		return "", "", fmt.Errorf("%w: %q resolves outside the vault", ErrInvalidPath, pathValue)
	}
	if existing == full {
		return resolved, rel, nil
	}
	return full, rel, nil
}

// IsWithin reports whether target is root or below it. Both must be clean absolute paths.
func IsWithin(root, target string) bool {
	relative, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}
	if relative == "." {
		return true
	}
	return relative != ".." && !strings.HasPrefix(relative, ".."+string(filepath.Separator))
}

// RelativeSlash returns target relative to root in slash form.
func RelativeSlash(root, target string) (string, bool) {
	relative, err := filepath.Rel(root, target)
	if err != nil || relative == "." || relative == ".." || strings.HasPrefix(relative, ".."+string(filepath.Separator)) {
		return "", false
	}
	return filepath.ToSlash(relative), true
}

// ReadDirOrEmpty returns an empty slice when the directory does not exist.
func ReadDirOrEmpty(dir string) ([]fs.DirEntry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return entries, nil
}
