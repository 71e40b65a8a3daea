package watcher

import (
	"sort"
	"sync"
	"time"

	"vaulthost/internal/metrics"
)

const DefaultDebounceWindow = 300 * time.Millisecond

type debounceSlot struct {
	value pending
	timer *time.Timer
	gen   uint64
	seq   uint64
}

// Debouncer coalesces raw events per path. Each raw event restarts the
// path's window; when a window elapses the slot is emitted and cleared.
// Emissions go through one ordered queue drained by a single goroutine, so
// emit is never called concurrently and events of a path keep their order.
type Debouncer struct {
	window   time.Duration
	emit     func(ChangeEvent)
	registry *metrics.Registry

	mu      sync.Mutex
	slots   map[string]*debounceSlot
	nextSeq uint64
	queue   []ChangeEvent
	stopped bool

	wake chan struct{}
	done chan struct{}
	idle chan struct{}
}

func NewDebouncer(window time.Duration, emit func(ChangeEvent)) *Debouncer {
	return NewDebouncerWithRegistry(window, emit, metrics.Default)
}

func NewDebouncerWithRegistry(window time.Duration, emit func(ChangeEvent), registry *metrics.Registry) *Debouncer {
	if window <= 0 {
		window = DefaultDebounceWindow
	}
	if emit == nil {
		emit = func(ChangeEvent) {}
	}
	debouncer := &Debouncer{
		window:   window,
		emit:     emit,
		registry: registry,
		slots:    make(map[string]*debounceSlot),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		idle:     make(chan struct{}),
	}
	go debouncer.dispatch()
	return debouncer
}

func (debouncer *Debouncer) Window() time.Duration {
	return debouncer.window
}

// Add merges a raw event into its path's pending slot.
func (debouncer *Debouncer) Add(event RawEvent) {
	if debouncer == nil || event.Path == "" {
		return
	}
	next := pendingFromRaw(event)
	if next.state == stateNone {
		return
	}

	debouncer.mu.Lock()
	defer debouncer.mu.Unlock()
	if debouncer.stopped {
		return
	}

	// A rename onto a path already deleted in this window is absorbed by
	// the delete, so the origin slot stays put and reports its own delete.
	if event.Kind == RawRenamedTo && !debouncer.deletedLocked(event.Path) {
		if from, ok := debouncer.pairRenameLocked(event); ok {
			if from == event.Path {
				next = pending{state: stateModified, identity: event.Identity, isDir: event.IsDir}
			} else {
				next = pending{state: stateRenamed, identity: event.Identity, from: from, isDir: event.IsDir}
			}
		}
	}
	debouncer.scheduleLocked(event.Path, next)
}

func (debouncer *Debouncer) deletedLocked(path string) bool {
	slot, ok := debouncer.slots[path]
	return ok && slot.value.state == stateDeleted
}

// pairRenameLocked finds and clears the RenamedFrom slot matching event.
// With identities the match must be exact; without them the oldest
// identity-less RenamedFrom wins.
func (debouncer *Debouncer) pairRenameLocked(event RawEvent) (string, bool) {
	var (
		matchPath string
		matchSlot *debounceSlot
	)
	for path, slot := range debouncer.slots {
		if slot.value.state != stateRenamedFrom || path == event.Path {
			continue
		}
		if event.Identity.Valid() {
			if slot.value.identity == event.Identity {
				matchPath, matchSlot = path, slot
				break
			}
			continue
		}
		if slot.value.identity.Valid() {
			continue
		}
		if matchSlot == nil || slot.seq < matchSlot.seq {
			matchPath, matchSlot = path, slot
		}
	}
	if matchSlot == nil {
		return "", false
	}
	matchSlot.timer.Stop()
	delete(debouncer.slots, matchPath)
	if matchSlot.value.from != "" {
		return matchSlot.value.from, true
	}
	return matchPath, true
}

func (debouncer *Debouncer) scheduleLocked(path string, next pending) {
	slot, ok := debouncer.slots[path]
	if !ok {
		slot = &debounceSlot{}
		debouncer.slots[path] = slot
	}
	slot.value = merge(slot.value, next)
	debouncer.nextSeq++
	slot.seq = debouncer.nextSeq
	slot.gen++
	if slot.timer != nil {
		slot.timer.Stop()
	}
	gen := slot.gen
	slot.timer = time.AfterFunc(debouncer.window, func() {
		debouncer.expire(path, gen)
	})
}

func (debouncer *Debouncer) expire(path string, gen uint64) {
	debouncer.mu.Lock()
	defer debouncer.mu.Unlock()
	if debouncer.stopped {
		return
	}
	slot, ok := debouncer.slots[path]
	if !ok || slot.gen != gen {
		return
	}
	delete(debouncer.slots, path)
	debouncer.enqueueLocked(path, slot.value)
}

func (debouncer *Debouncer) enqueueLocked(path string, value pending) {
	kind, from, to := value.change(path)
	if kind == "" {
		return
	}
	debouncer.queue = append(debouncer.queue, ChangeEvent{
		Path:        path,
		Kind:        kind,
		From:        from,
		To:          to,
		IsDir:       value.isDir,
		CoalescedAt: time.Now().UTC(),
	})
	select {
	case debouncer.wake <- struct{}{}:
	default:
	}
}

// Flush emits every pending slot now, in the order the slots were last touched.
func (debouncer *Debouncer) Flush() {
	if debouncer == nil {
		return
	}
	debouncer.mu.Lock()
	if debouncer.stopped {
		debouncer.mu.Unlock()
		return
	}
	paths := make([]string, 0, len(debouncer.slots))
	for path := range debouncer.slots {
		paths = append(paths, path)
	}
	sort.Slice(paths, func(i, j int) bool {
		return debouncer.slots[paths[i]].seq < debouncer.slots[paths[j]].seq
	})
	for _, path := range paths {
		slot := debouncer.slots[path]
		slot.timer.Stop()
		delete(debouncer.slots, path)
		debouncer.enqueueLocked(path, slot.value)
	}
	debouncer.mu.Unlock()
}

// Pending reports how many paths have an open window.
func (debouncer *Debouncer) Pending() int {
	debouncer.mu.Lock()
	defer debouncer.mu.Unlock()
	return len(debouncer.slots)
}

// Stop discards pending slots and waits for in-flight emissions to finish.
func (debouncer *Debouncer) Stop() {
	if debouncer == nil {
		return
	}
	debouncer.mu.Lock()
	if debouncer.stopped {
		debouncer.mu.Unlock()
		<-debouncer.idle
		return
	}
	debouncer.stopped = true
	for _, slot := range debouncer.slots {
		slot.timer.Stop()
	}
	debouncer.slots = nil
	debouncer.queue = nil
	close(debouncer.done)
	debouncer.mu.Unlock()
	<-debouncer.idle
}

func (debouncer *Debouncer) dispatch() {
	defer close(debouncer.idle)
	for {
		select {
		case <-debouncer.wake:
		case <-debouncer.done:
			return
		}
		for {
			debouncer.mu.Lock()
			if debouncer.stopped || len(debouncer.queue) == 0 {
				debouncer.mu.Unlock()
				break
			}
			next := debouncer.queue[0]
			debouncer.queue[0] = ChangeEvent{}
			debouncer.queue = debouncer.queue[1:]
			debouncer.mu.Unlock()

			debouncer.registry.IncDebounced(string(next.Kind))
			debouncer.emit(next)
		}
	}
}
