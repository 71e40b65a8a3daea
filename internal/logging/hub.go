package logging

import (
	"sync"
	"sync/atomic"
)

const defaultSubscriberBuffer = 256

// LogHub fans entries out to live log viewers. A viewer that falls behind
// loses entries; the writer never waits on it.
type LogHub struct {
	mu      sync.Mutex
	viewers map[*logViewer]struct{}
	closed  bool
	dropped atomic.Uint64
}

type logViewer struct {
	ch chan LogEntry
}

func NewLogHub() *LogHub {
	return &LogHub{viewers: make(map[*logViewer]struct{})}
}

// Subscribe returns a channel of the given capacity, or the default when
// capacity is not positive. After Close it returns a closed channel.
func (h *LogHub) Subscribe(capacity int) (<-chan LogEntry, func()) {
	if h == nil {
		return nil, func() {}
	}
	if capacity <= 0 {
		capacity = defaultSubscriberBuffer
	}
	viewer := &logViewer{ch: make(chan LogEntry, capacity)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(viewer.ch)
		return viewer.ch, func() {}
	}
	h.viewers[viewer] = struct{}{}
	h.mu.Unlock()

	return viewer.ch, func() { h.remove(viewer) }
}

func (h *LogHub) remove(viewer *logViewer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.viewers[viewer]; !ok {
		return
	}
	delete(h.viewers, viewer)
	close(viewer.ch)
}

// Broadcast sends under the lock, so remove cannot close a channel mid-send.
func (h *LogHub) Broadcast(entry LogEntry) {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for viewer := range h.viewers {
		select {
		case viewer.ch <- entry:
		default:
			h.dropped.Add(1)
		}
	}
}

func (h *LogHub) Dropped() uint64 {
	if h == nil {
		return 0
	}
	return h.dropped.Load()
}

func (h *LogHub) Close() {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for viewer := range h.viewers {
		delete(h.viewers, viewer)
		close(viewer.ch)
	}
}
