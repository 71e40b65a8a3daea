package conflict

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	backupTimeLayout  = "20060102T150405.000000000Z"
	backupMarker      = ".conflict-"
	maxBackupAttempts = 16
	defaultFileMode   = 0o644
	defaultDirMode    = 0o755
)

// monotonicClock hands out strictly increasing UTC instants.
type monotonicClock struct {
	mu   sync.Mutex
	last time.Time
	now  func() time.Time
}

func (c *monotonicClock) Next() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now().UTC()
	if !now.After(c.last) {
		now = c.last.Add(time.Nanosecond)
	}
	c.last = now
	return now
}

var backupClock = &monotonicClock{now: time.Now}

// BackupName returns the sibling name used to keep a rejected write:
// notes/a.md becomes notes/a.conflict-20260102T030405.000000006Z.md.
func BackupName(rel string, at time.Time) string {
	dir, base := path.Split(rel)
	ext := path.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	if stem == "" {
		stem, ext = base, ""
	}
	return dir + stem + backupMarker + at.UTC().Format(backupTimeLayout) + ext
}

// IsBackupName reports whether a file name was produced by BackupName.
func IsBackupName(name string) bool {
	return strings.Contains(path.Base(name), backupMarker)
}

// writeBackup stores content at a fresh backup path next to abs. It never
// replaces an existing file; on a name collision the clock advances.
func writeBackup(root, rel string, content []byte) (string, time.Time, error) {
	for attempt := 0; attempt < maxBackupAttempts; attempt++ {
		at := backupClock.Next()
		backupRel := BackupName(rel, at)
		backupAbs := filepath.Join(root, filepath.FromSlash(backupRel))
		if err := os.MkdirAll(filepath.Dir(backupAbs), defaultDirMode); err != nil {
			return "", time.Time{}, fmt.Errorf("create backup dir: %w", err)
		}
		file, err := os.OpenFile(backupAbs, os.O_WRONLY|os.O_CREATE|os.O_EXCL, defaultFileMode)
		if err != nil {
			if errors.Is(err, fs.ErrExist) {
				continue
			}
			return "", time.Time{}, fmt.Errorf("create backup: %w", err)
		}
		_, writeErr := file.Write(content)
		closeErr := file.Close()
		if writeErr != nil {
			return "", time.Time{}, fmt.Errorf("write backup: %w", writeErr)
		}
		if closeErr != nil {
			return "", time.Time{}, fmt.Errorf("close backup: %w", closeErr)
		}
		return backupRel, at, nil
	}
	return "", time.Time{}, fmt.Errorf("backup name collision for %s", rel)
}
