package watcher

import (
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"vaulthost/internal/fsutil"
)

// handleEvent translates one fsnotify event. Chmod is metadata only and
// dropped; excluded and untracked paths are dropped silently.
func (source *Source) handleEvent(event fsnotify.Event) {
	if event.Op == fsnotify.Chmod || event.Name == "" {
		return
	}
	name := filepath.Clean(event.Name)
	if name == source.root {
		if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
			source.fail(ErrRootGone)
		}
		return
	}
	rel, ok := fsutil.RelativeSlash(source.root, name)
	if !ok || source.options.Exclusions.Excludes(rel) {
		return
	}
	now := time.Now().UTC()

	switch {
	case event.Has(fsnotify.Remove):
		source.handleRemove(name, rel, now)
	case event.Has(fsnotify.Rename):
		source.handleRename(name, rel, now)
	case event.Has(fsnotify.Create):
		source.handleCreate(name, rel, now)
	case event.Has(fsnotify.Write):
		source.handleWrite(name, rel, now)
	}

	if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
		if _, err := os.Stat(source.root); err != nil {
			source.fail(ErrRootGone)
		}
	}
}

func (source *Source) handleCreate(name, rel string, now time.Time) {
	info, err := os.Lstat(name)
	if err != nil || !trackable(info) {
		return
	}
	identity := identityOf(info)
	_, known := source.index[rel]
	source.track(rel, trackedEntry{identity: identity, isDir: info.IsDir()})

	kind := RawCreated
	if source.takeRename(identity, now) {
		kind = RawRenamedTo
	} else if known {
		kind = RawModified
	}
	source.emit(RawEvent{Path: rel, Kind: kind, Identity: identity, IsDir: info.IsDir(), ObservedAt: now})

	if info.IsDir() {
		if err := source.addWatch(name); err != nil {
			return
		}
		source.walkTree(name, kind == RawCreated)
	}
}

func (source *Source) handleWrite(name, rel string, now time.Time) {
	info, err := os.Lstat(name)
	if err != nil || !info.Mode().IsRegular() {
		return
	}
	identity := identityOf(info)
	source.track(rel, trackedEntry{identity: identity})
	source.emit(RawEvent{Path: rel, Kind: RawModified, Identity: identity, ObservedAt: now})
}

func (source *Source) handleRemove(name, rel string, now time.Time) {
	entry, known := source.index[rel]
	if !known {
		return
	}
	source.untrackTree(rel)
	if entry.isDir {
		source.removeWatchTree(name)
	}
	source.emit(RawEvent{Path: rel, Kind: RawRemoved, Identity: entry.identity, IsDir: entry.isDir, ObservedAt: now})
}

func (source *Source) handleRename(name, rel string, now time.Time) {
	entry, known := source.index[rel]
	if !known {
		return
	}
	source.untrackTree(rel)
	if entry.isDir {
		source.removeWatchTree(name)
	}
	source.rememberRename(rel, entry.identity, now)
	source.emit(RawEvent{Path: rel, Kind: RawRenamedFrom, Identity: entry.identity, IsDir: entry.isDir, ObservedAt: now})
}

func (source *Source) rememberRename(rel string, identity Identity, now time.Time) {
	source.pruneRenames(now)
	record := renameRecord{path: rel, at: now}
	if identity.Valid() {
		source.renamesByID[identity] = record
		return
	}
	source.renamesNoID = append(source.renamesNoID, record)
}

// takeRename reports whether a created entry is the arriving half of a
// recent rename. Without identities the oldest pending rename is consumed.
func (source *Source) takeRename(identity Identity, now time.Time) bool {
	source.pruneRenames(now)
	if identity.Valid() {
		if _, ok := source.renamesByID[identity]; ok {
			delete(source.renamesByID, identity)
			return true
		}
		return false
	}
	if len(source.renamesNoID) == 0 {
		return false
	}
	source.renamesNoID = source.renamesNoID[1:]
	return true
}

func (source *Source) pruneRenames(now time.Time) {
	cutoff := now.Add(-source.options.RenameWindow)
	for identity, record := range source.renamesByID {
		if record.at.Before(cutoff) {
			delete(source.renamesByID, identity)
		}
	}
	kept := source.renamesNoID[:0]
	for _, record := range source.renamesNoID {
		if !record.at.Before(cutoff) {
			kept = append(kept, record)
		}
	}
	source.renamesNoID = kept
}
