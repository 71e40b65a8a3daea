package watcher

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
)

func (source *Source) handleError(err error) {
	if err == nil {
		return
	}
	source.errorCount.Add(1)
	source.logger.Warn("watcher error", map[string]string{
		"error": err.Error(),
	})
	source.scheduleRestart(err)
}

// scheduleRestart queues a restart after the fixed delay. Once the attempts
// are used up the source fails.
func (source *Source) scheduleRestart(cause error) {
	if source.failed || source.restarting {
		return
	}
	if source.stableSinceRestart() {
		source.restartPolicy.Reset()
	}
	delay := source.restartPolicy.NextBackOff()
	if delay == backoff.Stop {
		source.fail(fmt.Errorf("%w: %v", ErrRestartsExhausted, cause))
		return
	}
	source.restarting = true
	source.restarts.Add(1)
	source.registry.IncWatcherRestart(source.options.VaultID)
	source.restartTimer = time.AfterFunc(delay, func() {
		select {
		case source.restartCh <- struct{}{}:
		case <-source.done:
		}
	})
}

// stableSinceRestart reports whether the last restart was followed by a quiet
// stretch long enough to give the source its full restart budget back.
func (source *Source) stableSinceRestart() bool {
	if source.lastRestart.IsZero() {
		return false
	}
	return time.Since(source.lastRestart) >= restartStableFactor*source.options.RestartDelay
}

func (source *Source) stopRestartTimer() {
	if source.restartTimer != nil {
		source.restartTimer.Stop()
	}
}

// performRestart replaces the fsnotify watcher and rescans the root. Entries
// that appeared or vanished while the watch was down are reported.
func (source *Source) performRestart() {
	source.restarting = false
	if source.failed {
		return
	}
	if _, err := os.Stat(source.root); err != nil {
		source.fail(fmt.Errorf("%w: %v", ErrRootGone, err))
		return
	}
	replacement, err := source.newWatcher()
	if err != nil {
		source.logger.Warn("watcher restart failed", map[string]string{
			"error": err.Error(),
		})
		source.scheduleRestart(err)
		return
	}

	previous := source.setWatcher(replacement)
	if previous != nil {
		_ = previous.Close()
	}
	source.watches = make(map[string]struct{})
	if err := source.addWatch(source.root); err != nil {
		source.scheduleRestart(err)
		return
	}
	source.startForwarder(replacement)

	before := source.index
	source.index = make(map[string]trackedEntry, len(before))
	source.walkTree(source.root, false)
	source.reconcile(before)

	source.lastRestart = time.Now()
	source.logger.Info("watcher restarted", map[string]string{
		"active_watches": strconv.Itoa(len(source.watches)),
	})
}

func (source *Source) reconcile(before map[string]trackedEntry) {
	now := time.Now().UTC()
	for rel, entry := range source.index {
		if _, ok := before[rel]; !ok {
			source.emit(RawEvent{Path: rel, Kind: RawCreated, Identity: entry.identity, IsDir: entry.isDir, ObservedAt: now})
		}
	}
	for rel, entry := range before {
		if _, ok := source.index[rel]; !ok {
			source.emit(RawEvent{Path: rel, Kind: RawRemoved, Identity: entry.identity, IsDir: entry.isDir, ObservedAt: now})
		}
	}
}
