package watcher

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"vaulthost/internal/fsutil"
)

// trackable reports whether an entry may produce events: regular files and
// directories, never symlinks, devices, sockets or fifos.
func trackable(info fs.FileInfo) bool {
	mode := info.Mode()
	if mode&fs.ModeSymlink != 0 {
		return false
	}
	return mode.IsRegular() || mode.IsDir()
}

// walkTree watches every directory below dir and indexes its entries. When
// announce is set each entry found is emitted as Created, which covers files
// written into a new directory before its watch landed.
func (source *Source) walkTree(dir string, announce bool) {
	_ = filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if path == dir {
			return nil
		}
		rel, ok := fsutil.RelativeSlash(source.root, path)
		if !ok {
			return nil
		}
		if source.options.Exclusions.ExcludesName(entry.Name()) {
			if entry.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		info, err := entry.Info()
		if err != nil || !trackable(info) {
			return nil
		}
		if info.IsDir() {
			if err := source.addWatch(path); err != nil {
				if errors.Is(err, ErrMaxWatchesExceeded) {
					return filepath.SkipAll
				}
				return filepath.SkipDir
			}
		}
		identity := identityOf(info)
		source.track(rel, trackedEntry{identity: identity, isDir: info.IsDir()})
		if announce {
			source.emit(RawEvent{
				Path:       rel,
				Kind:       RawCreated,
				Identity:   identity,
				IsDir:      info.IsDir(),
				ObservedAt: time.Now().UTC(),
			})
		}
		return nil
	})
}

func (source *Source) addWatch(path string) error {
	if _, ok := source.watches[path]; ok {
		return nil
	}
	if len(source.watches) >= source.options.MaxWatches {
		source.logger.Warn("watch limit reached", map[string]string{
			"path":        path,
			"max_watches": strconv.Itoa(source.options.MaxWatches),
		})
		return ErrMaxWatchesExceeded
	}
	fsWatcher := source.currentWatcher()
	if fsWatcher == nil {
		return errors.New("watcher is closed")
	}
	if err := fsWatcher.Add(path); err != nil {
		source.logger.Warn("watch add failed", map[string]string{
			"path":  path,
			"error": err.Error(),
		})
		return err
	}
	source.watches[path] = struct{}{}
	source.activeWatches.Store(int64(len(source.watches)))
	source.logger.Debug("watch added", map[string]string{
		"path":           path,
		"active_watches": strconv.Itoa(len(source.watches)),
	})
	return nil
}

// removeWatchTree drops the watches for dir and everything below it.
func (source *Source) removeWatchTree(dir string) {
	prefix := dir + string(os.PathSeparator)
	fsWatcher := source.currentWatcher()
	for path := range source.watches {
		if path != dir && !strings.HasPrefix(path, prefix) {
			continue
		}
		delete(source.watches, path)
		if fsWatcher != nil {
			// The kernel drops watches of deleted directories on its own.
			_ = fsWatcher.Remove(path)
		}
	}
	source.activeWatches.Store(int64(len(source.watches)))
}

func (source *Source) track(rel string, entry trackedEntry) {
	source.index[rel] = entry
	source.tracked.Store(int64(len(source.index)))
}

// untrackTree forgets rel and every indexed entry below it.
func (source *Source) untrackTree(rel string) {
	delete(source.index, rel)
	prefix := rel + "/"
	for path := range source.index {
		if strings.HasPrefix(path, prefix) {
			delete(source.index, path)
		}
	}
	source.tracked.Store(int64(len(source.index)))
}
