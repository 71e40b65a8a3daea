package conflict

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"vaulthost/internal/fsutil"
	"vaulthost/internal/logging"
	"vaulthost/internal/metrics"
)

// WriteRequest is one conflict-checked write. KnownModifiedAt is the token
// the client received when it last read or wrote the file; nil means the
// client believes the file does not exist yet.
type WriteRequest struct {
	VaultID         string
	Path            string
	Content         []byte
	KnownModifiedAt *time.Time
}

// Result is returned for an accepted write. ModifiedAt is the new token.
type Result struct {
	Path       string
	ModifiedAt time.Time
	Created    bool
}

type Options struct {
	Logger   *logging.Logger
	Registry *metrics.Registry
}

// Detector performs check-then-write per path. Writes to the same vault path
// are serialized; different paths proceed concurrently.
type Detector struct {
	locks    *keyedMutex
	logger   *logging.Logger
	registry *metrics.Registry
}

func NewDetector(options Options) *Detector {
	logger := options.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	registry := options.Registry
	if registry == nil {
		registry = metrics.Default
	}
	return &Detector{
		locks:    newKeyedMutex(),
		logger:   logger.Component("conflict"),
		registry: registry,
	}
}

// Write applies req under root. A stale or missing token yields an *Error
// matching ErrConflict; the server file is then left untouched and the
// client's content is kept in a new backup file.
func (d *Detector) Write(ctx context.Context, root string, req WriteRequest) (Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	abs, rel, err := fsutil.ResolveVaultPath(root, req.Path)
	if err != nil {
		return Result{}, err
	}
	realRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return Result{}, fmt.Errorf("resolve vault root: %w", err)
	}

	unlock, err := d.locks.Lock(ctx, req.VaultID+"\x00"+rel)
	if err != nil {
		return Result{}, err
	}
	defer unlock()

	info, statErr := os.Stat(abs)
	switch {
	case errors.Is(statErr, fs.ErrNotExist):
		if req.KnownModifiedAt != nil {
			return Result{}, d.reject(realRoot, rel, req, ReasonDeleted, time.Time{})
		}
		return d.create(realRoot, abs, rel, req)
	case statErr != nil:
		return Result{}, fmt.Errorf("stat %s: %w", rel, statErr)
	case info.IsDir():
		return Result{}, fmt.Errorf("%w: %s is a directory", fsutil.ErrInvalidPath, rel)
	}

	current := info.ModTime()
	if req.KnownModifiedAt == nil {
		return Result{}, d.reject(realRoot, rel, req, ReasonExists, current)
	}
	if !TokensMatch(*req.KnownModifiedAt, current) {
		return Result{}, d.reject(realRoot, rel, req, ReasonModified, current)
	}

	if err := writeContent(abs, req.Content, os.O_WRONLY|os.O_TRUNC, info.Mode().Perm()); err != nil {
		d.registry.IncWrite("error")
		return Result{}, err
	}
	modified, err := advanceModTime(abs, current, *req.KnownModifiedAt)
	if err != nil {
		return Result{}, err
	}
	d.registry.IncWrite("updated")
	return Result{Path: rel, ModifiedAt: modified}, nil
}

func (d *Detector) create(root, abs, rel string, req WriteRequest) (Result, error) {
	if err := os.MkdirAll(filepath.Dir(abs), defaultDirMode); err != nil {
		return Result{}, fmt.Errorf("create parent of %s: %w", rel, err)
	}
	err := writeContent(abs, req.Content, os.O_WRONLY|os.O_CREATE|os.O_EXCL, defaultFileMode)
	if errors.Is(err, fs.ErrExist) {
		// Another writer created the file between the stat and the open.
		var current time.Time
		if info, statErr := os.Stat(abs); statErr == nil {
			current = info.ModTime()
		}
		return Result{}, d.reject(root, rel, req, ReasonExists, current)
	}
	if err != nil {
		d.registry.IncWrite("error")
		return Result{}, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return Result{}, fmt.Errorf("stat %s: %w", rel, err)
	}
	d.registry.IncWrite("created")
	return Result{Path: rel, ModifiedAt: info.ModTime(), Created: true}, nil
}

func (d *Detector) reject(root, rel string, req WriteRequest, reason string, serverModified time.Time) error {
	backupRel, preservedAt, err := writeBackup(root, rel, req.Content)
	if err != nil {
		d.registry.IncWrite("error")
		d.logger.Error("conflict backup failed", map[string]string{
			logging.FieldVaultID: req.VaultID,
			"path":               rel,
			"error":              err.Error(),
		})
		return err
	}
	d.registry.IncConflict(reason)
	d.registry.IncWrite("conflict")
	fields := map[string]string{
		logging.FieldVaultID: req.VaultID,
		"path":               rel,
		"backup_path":        backupRel,
		"reason":             reason,
	}
	if req.KnownModifiedAt != nil {
		fields["client_token"] = req.KnownModifiedAt.UTC().Format(time.RFC3339Nano)
	}
	d.logger.Warn("write conflict", fields)
	return &Error{Record: Record{
		VaultID:                  req.VaultID,
		Path:                     rel,
		BackupPath:               backupRel,
		Reason:                   reason,
		ClientVersionPreservedAt: preservedAt,
		ServerVersionModifiedAt:  serverModified.UTC(),
	}}
}

// TokensMatch compares a client token with the current modification time.
// A token without a sub-second part came from a coarse source and is
// compared at one-second resolution.
func TokensMatch(token, current time.Time) bool {
	if token.Nanosecond() == 0 {
		return token.Unix() == current.Unix()
	}
	return token.Equal(current)
}

func writeContent(abs string, content []byte, flags int, perm fs.FileMode) error {
	if perm == 0 {
		perm = defaultFileMode
	}
	file, err := os.OpenFile(abs, flags, perm)
	if err != nil {
		return err
	}
	if _, err := file.Write(content); err != nil {
		_ = file.Close()
		return fmt.Errorf("write %s: %w", filepath.Base(abs), err)
	}
	return file.Close()
}

// advanceModTime makes sure an accepted write yields a token that neither
// equals prior nor still matches the token the client sent, even when the
// filesystem clock did not move or the client token is second-granular.
func advanceModTime(abs string, prior, token time.Time) (time.Time, error) {
	stale := func(modified time.Time) bool {
		return modified.Equal(prior) || TokensMatch(token, modified)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return time.Time{}, err
	}
	if !stale(info.ModTime()) {
		return info.ModTime(), nil
	}
	later := prior
	if token.After(later) {
		later = token
	}
	for _, next := range []time.Time{prior.Add(time.Millisecond), later.Add(time.Second)} {
		if stale(next) {
			continue
		}
		if err := os.Chtimes(abs, time.Now(), next); err != nil {
			return time.Time{}, fmt.Errorf("advance mtime: %w", err)
		}
		info, err = os.Stat(abs)
		if err != nil {
			return time.Time{}, err
		}
		if !stale(info.ModTime()) {
			return info.ModTime(), nil
		}
	}
	return info.ModTime(), nil
}
