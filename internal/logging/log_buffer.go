package logging

import (
	"sync"
	"time"
)

// LogBuffer keeps the most recent entries in a fixed-size ring.
type LogBuffer struct {
	mu      sync.Mutex
	entries []LogEntry
	start   int
	count   int
}

func NewLogBuffer(size int) *LogBuffer {
	if size <= 0 {
		size = 1
	}
	return &LogBuffer{
		entries: make([]LogEntry, size),
	}
}

func (b *LogBuffer) Add(entry LogEntry) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count < len(b.entries) {
		b.entries[(b.start+b.count)%len(b.entries)] = entry
		b.count++
		return
	}
	b.entries[b.start] = entry
	b.start = (b.start + 1) % len(b.entries)
}

func (b *LogBuffer) List() []LogEntry {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count == 0 {
		return nil
	}
	out := make([]LogEntry, b.count)
	for i := 0; i < b.count; i++ {
		out[i] = b.entries[(b.start+i)%len(b.entries)]
	}
	return out
}

// Query selects buffered entries. Zero fields match everything; a zero
// limit returns every match.
type Query struct {
	Limit    int
	MinLevel Level
	Since    time.Time
	Category string
	VaultID  string
}

// Matches applies every filter except Limit.
func (q Query) Matches(entry LogEntry) bool {
	switch {
	case !LevelAtLeast(entry.Level, q.MinLevel):
		return false
	case !q.Since.IsZero() && entry.Timestamp.Before(q.Since):
		return false
	case q.Category != "" && entry.Category() != q.Category:
		return false
	case q.VaultID != "" && entry.VaultID() != q.VaultID:
		return false
	}
	return true
}

// Filter returns the newest matches in chronological order.
func (b *LogBuffer) Filter(query Query) []LogEntry {
	entries := b.List()
	matched := make([]LogEntry, 0, len(entries))
	for _, entry := range entries {
		if query.Matches(entry) {
			matched = append(matched, entry)
		}
	}
	if query.Limit > 0 && len(matched) > query.Limit {
		matched = matched[len(matched)-query.Limit:]
	}
	return matched
}
