package vault

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"vaulthost/internal/conflict"
	"vaulthost/internal/fsutil"
	"vaulthost/internal/hub"
	"vaulthost/internal/logging"
)

const (
	trashDirName       = ".trash"
	trashTimeLayout    = "20060102_150405"
	maxAutoRenameTries = 1000
)

// Tree lists the vault with directories first and names compared without case.
// Hidden and excluded entries, symlinks and special files are skipped.
func (e *Engine) Tree(id string) ([]FileNode, error) {
	info, err := e.activeVault(id)
	if err != nil {
		return nil, err
	}
	return e.buildTree(info.Path, "")
}

func (e *Engine) buildTree(root, rel string) ([]FileNode, error) {
	entries, err := fsutil.ReadDirOrEmpty(filepath.Join(root, filepath.FromSlash(rel)))
	if err != nil {
		return nil, err
	}
	nodes := make([]FileNode, 0, len(entries))
	for _, entry := range entries {
		if e.exclusions.ExcludesName(entry.Name()) {
			continue
		}
		mode := entry.Type()
		if mode&fs.ModeSymlink != 0 || (!mode.IsDir() && !mode.IsRegular()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		childRel := path.Join(rel, entry.Name())
		node := FileNode{
			Name:        entry.Name(),
			Path:        childRel,
			IsDirectory: entry.IsDir(),
			Modified:    info.ModTime().UTC(),
		}
		if entry.IsDir() {
			children, err := e.buildTree(root, childRel)
			if err != nil {
				return nil, err
			}
			node.Children = children
		} else {
			size := info.Size()
			node.Size = &size
		}
		nodes = append(nodes, node)
	}
	sortNodes(nodes)
	return nodes, nil
}

func sortNodes(nodes []FileNode) {
	sort.SliceStable(nodes, func(i, j int) bool {
		if nodes[i].IsDirectory != nodes[j].IsDirectory {
			return nodes[i].IsDirectory
		}
		return strings.ToLower(nodes[i].Name) < strings.ToLower(nodes[j].Name)
	})
}

func (e *Engine) ReadFile(id, rel string) (FileContent, error) {
	info, err := e.activeVault(id)
	if err != nil {
		return FileContent{}, err
	}
	abs, clean, err := fsutil.ResolveVaultPath(info.Path, rel)
	if err != nil {
		return FileContent{}, err
	}
	stat, err := os.Stat(abs)
	if errors.Is(err, fs.ErrNotExist) {
		return FileContent{}, fmt.Errorf("%w: file %s", ErrNotFound, clean)
	}
	if err != nil {
		return FileContent{}, err
	}
	if stat.IsDir() {
		return FileContent{}, fmt.Errorf("%w: %s is a directory", fsutil.ErrInvalidPath, clean)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return FileContent{}, fmt.Errorf("read %s: %w", clean, err)
	}
	return FileContent{Path: clean, Content: string(data), Modified: stat.ModTime().UTC()}, nil
}

// WriteFile is a conflict-checked write. A rejected write is published to the
// vault's subscribers and appended to the conflict ledger before the
// *conflict.Error is returned.
func (e *Engine) WriteFile(ctx context.Context, id, rel string, content []byte, knownModifiedAt *time.Time) (conflict.Result, error) {
	info, err := e.activeVault(id)
	if err != nil {
		return conflict.Result{}, err
	}
	if err := e.checkVisible(rel); err != nil {
		return conflict.Result{}, err
	}
	result, err := e.detector.Write(ctx, info.Path, conflict.WriteRequest{
		VaultID:         id,
		Path:            rel,
		Content:         content,
		KnownModifiedAt: knownModifiedAt,
	})
	var conflictErr *conflict.Error
	if errors.As(err, &conflictErr) {
		e.recordConflict(ctx, conflictErr.Record)
		return conflict.Result{}, err
	}
	if err != nil {
		return conflict.Result{}, err
	}
	if err := e.store.TouchVault(ctx, id, time.Now()); err != nil {
		e.logger.Warn("vault timestamp update failed", map[string]string{
			logging.FieldVaultID: id,
			"error":              err.Error(),
		})
	}
	return result, nil
}

// CreateFile writes a new file. An existing file yields a conflict, with the
// submitted content kept in a backup like any other rejected write.
func (e *Engine) CreateFile(ctx context.Context, id, rel string, content []byte) (conflict.Result, error) {
	return e.WriteFile(ctx, id, rel, content, nil)
}

func (e *Engine) recordConflict(ctx context.Context, record conflict.Record) {
	if err := e.hub.Publish(record.VaultID, hub.Conflict(record)); err != nil && !errors.Is(err, hub.ErrVaultNotOpen) {
		e.logger.Warn("conflict notification failed", map[string]string{
			logging.FieldVaultID: record.VaultID,
			"error":              err.Error(),
		})
	}
	if err := e.store.InsertConflict(ctx, record); err != nil {
		e.logger.Warn("conflict ledger write failed", map[string]string{
			logging.FieldVaultID: record.VaultID,
			"path":               record.Path,
			"error":              err.Error(),
		})
	}
}

func (e *Engine) Conflicts(ctx context.Context, id string, limit int) ([]conflict.Record, error) {
	if _, err := e.Get(id); err != nil {
		return nil, err
	}
	return e.store.ListConflicts(ctx, id, limit)
}

// DeleteFile moves a file or directory to .trash under a timestamped name.
// It returns the trash path relative to the vault root.
func (e *Engine) DeleteFile(id, rel string) (string, error) {
	info, err := e.activeVault(id)
	if err != nil {
		return "", err
	}
	abs, clean, err := fsutil.ResolveVaultPath(info.Path, rel)
	if err != nil {
		return "", err
	}
	if _, err := os.Lstat(abs); errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("%w: file %s", ErrNotFound, clean)
	} else if err != nil {
		return "", err
	}
	if clean == trashDirName || strings.HasPrefix(clean, trashDirName+"/") {
		return "", fmt.Errorf("%w: %s is already in the trash", fsutil.ErrInvalidPath, clean)
	}

	trashDir := filepath.Join(info.Path, trashDirName)
	if err := os.MkdirAll(trashDir, 0o755); err != nil {
		return "", fmt.Errorf("create trash: %w", err)
	}
	base := time.Now().UTC().Format(trashTimeLayout) + "_" + path.Base(clean)
	for attempt := 0; attempt < maxAutoRenameTries; attempt++ {
		name := base
		if attempt > 0 {
			name = base + "." + strconv.Itoa(attempt)
		}
		target := filepath.Join(trashDir, name)
		if _, err := os.Lstat(target); err == nil {
			continue
		}
		if err := os.Rename(abs, target); err != nil {
			return "", fmt.Errorf("move %s to trash: %w", clean, err)
		}
		e.logger.Info("file moved to trash", map[string]string{
			logging.FieldVaultID: id,
			"path":               clean,
			"trash_path":         trashDirName + "/" + name,
		})
		return trashDirName + "/" + name, nil
	}
	return "", fmt.Errorf("%w: no free trash name for %s", ErrExists, clean)
}

// Rename moves from to to inside the vault and returns the final destination,
// which differs from to only under RenameAutoRename.
func (e *Engine) Rename(id, from, to string, strategy RenameStrategy) (string, error) {
	info, err := e.activeVault(id)
	if err != nil {
		return "", err
	}
	if err := e.checkVisible(to); err != nil {
		return "", err
	}
	fromAbs, fromRel, err := fsutil.ResolveVaultPath(info.Path, from)
	if err != nil {
		return "", err
	}
	toAbs, toRel, err := fsutil.ResolveVaultPath(info.Path, to)
	if err != nil {
		return "", err
	}
	fromInfo, err := os.Lstat(fromAbs)
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("%w: source %s", ErrNotFound, fromRel)
	}
	if err != nil {
		return "", err
	}
	if fromRel == toRel {
		return toRel, nil
	}
	if fromInfo.IsDir() && strings.HasPrefix(toRel, fromRel+"/") {
		return "", fmt.Errorf("%w: cannot move %s into itself", fsutil.ErrInvalidPath, fromRel)
	}

	if toInfo, err := os.Lstat(toAbs); err == nil {
		switch strategy {
		case RenameOverwrite:
			if toInfo.IsDir() != fromInfo.IsDir() {
				return "", fmt.Errorf("%w: cannot overwrite %s with a different entry type", ErrExists, toRel)
			}
			if toInfo.IsDir() {
				if err := os.RemoveAll(toAbs); err != nil {
					return "", fmt.Errorf("remove %s: %w", toRel, err)
				}
			}
		case RenameAutoRename:
			toAbs, toRel, err = freeSibling(toAbs, toRel)
			if err != nil {
				return "", err
			}
		default:
			return "", fmt.Errorf("%w: destination %s", ErrExists, toRel)
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", err
	}

	if err := os.MkdirAll(filepath.Dir(toAbs), 0o755); err != nil {
		return "", fmt.Errorf("create parent of %s: %w", toRel, err)
	}
	if err := os.Rename(fromAbs, toAbs); err != nil {
		return "", fmt.Errorf("rename %s: %w", fromRel, err)
	}
	e.logger.Info("path renamed", map[string]string{
		logging.FieldVaultID: id,
		"from":               fromRel,
		"to":                 toRel,
		"strategy":           string(strategy),
	})
	return toRel, nil
}

// freeSibling finds "name (n).ext" next to abs that does not exist yet.
func freeSibling(abs, rel string) (string, string, error) {
	ext := path.Ext(rel)
	stem := strings.TrimSuffix(path.Base(rel), ext)
	if stem == "" {
		stem, ext = path.Base(rel), ""
	}
	dir := path.Dir(rel)
	for counter := 1; counter <= maxAutoRenameTries; counter++ {
		name := stem + " (" + strconv.Itoa(counter) + ")" + ext
		candidate := filepath.Join(filepath.Dir(abs), name)
		if _, err := os.Lstat(candidate); errors.Is(err, fs.ErrNotExist) {
			if dir == "." {
				return candidate, name, nil
			}
			return candidate, dir + "/" + name, nil
		}
	}
	return "", "", fmt.Errorf("%w: no free name for %s", ErrExists, rel)
}

func (e *Engine) CreateDirectory(id, rel string) (string, error) {
	info, err := e.activeVault(id)
	if err != nil {
		return "", err
	}
	if err := e.checkVisible(rel); err != nil {
		return "", err
	}
	abs, clean, err := fsutil.ResolveVaultPath(info.Path, rel)
	if err != nil {
		return "", err
	}
	if _, err := os.Lstat(abs); err == nil {
		return "", fmt.Errorf("%w: %s", ErrExists, clean)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return "", fmt.Errorf("create directory %s: %w", clean, err)
	}
	return clean, nil
}

// checkVisible rejects targets the watcher and tree would never show.
func (e *Engine) checkVisible(rel string) error {
	clean, err := fsutil.CleanRelPath(rel)
	if err != nil {
		return err
	}
	if e.exclusions.Excludes(clean) {
		return fmt.Errorf("%w: %s is excluded", fsutil.ErrInvalidPath, clean)
	}
	return nil
}
