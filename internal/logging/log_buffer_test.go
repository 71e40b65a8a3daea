package logging

import (
	"sync"
	"testing"
	"time"
)

func messages(entries []LogEntry) []string {
	out := make([]string, 0, len(entries))
	for _, entry := range entries {
		out = append(out, entry.Message)
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestLogBufferKeepsNewest(t *testing.T) {
	cases := []struct {
		size  int
		added []string
		want  []string
	}{
		{size: 3, added: []string{"one", "two"}, want: []string{"one", "two"}},
		{size: 2, added: []string{"first", "second", "third"}, want: []string{"second", "third"}},
		{size: 0, added: []string{"a", "b"}, want: []string{"b"}},
	}
	for _, tc := range cases {
		buffer := NewLogBuffer(tc.size)
		for _, message := range tc.added {
			buffer.Add(LogEntry{Message: message})
		}
		if got := messages(buffer.List()); !equalStrings(got, tc.want) {
			t.Fatalf("size %d: expected %v, got %v", tc.size, tc.want, got)
		}
	}
}

func TestLogBufferConcurrentAdds(t *testing.T) {
	buffer := NewLogBuffer(50)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				buffer.Add(LogEntry{Timestamp: time.Now(), Message: "entry"})
			}
		}()
	}
	wg.Wait()

	if got := len(buffer.List()); got != 50 {
		t.Fatalf("expected 50 entries, got %d", got)
	}
}

func TestLogBufferFilter(t *testing.T) {
	buffer := NewLogBuffer(10)
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	add := func(offset int, level Level, message, category, vaultID string) {
		context := map[string]string{}
		if category != "" {
			context[FieldCategory] = category
		}
		if vaultID != "" {
			context[FieldVaultID] = vaultID
		}
		buffer.Add(LogEntry{
			Timestamp: base.Add(time.Duration(offset) * time.Second),
			Level:     level,
			Message:   message,
			Context:   context,
		})
	}
	add(0, LevelDebug, "a", "", "")
	add(1, LevelWarning, "b", "watcher", "v1")
	add(2, LevelError, "c", "conflict", "v2")
	add(3, LevelInfo, "d", "watcher", "v2")

	cases := []struct {
		name  string
		query Query
		want  []string
	}{
		{name: "level", query: Query{MinLevel: LevelWarning}, want: []string{"b", "c"}},
		{name: "category", query: Query{Category: "watcher"}, want: []string{"b", "d"}},
		{name: "since", query: Query{Since: base.Add(2 * time.Second)}, want: []string{"c", "d"}},
		{name: "vault", query: Query{VaultID: "v2"}, want: []string{"c", "d"}},
		{name: "limit keeps newest", query: Query{Limit: 1}, want: []string{"d"}},
		{name: "combined", query: Query{VaultID: "v2", Category: "watcher"}, want: []string{"d"}},
	}
	for _, tc := range cases {
		if got := messages(buffer.Filter(tc.query)); !equalStrings(got, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, got)
		}
	}
	if got := len(buffer.List()); got != 4 {
		t.Fatalf("expected filtering to leave the buffer intact, got %d entries", got)
	}
}
