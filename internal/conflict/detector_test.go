package conflict

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"vaulthost/internal/fsutil"
	"vaulthost/internal/metrics"
)

func newTestDetector() *Detector {
	return NewDetector(Options{Registry: metrics.NewRegistry()})
}

func writeFixture(t *testing.T, root, rel, content string) time.Time {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat fixture: %v", err)
	}
	return info.ModTime()
}

func readFile(t *testing.T, root, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
	if err != nil {
		t.Fatalf("read %s: %v", rel, err)
	}
	return string(data)
}

func TestWriteCreatesMissingFile(t *testing.T) {
	root := t.TempDir()
	detector := newTestDetector()

	result, err := detector.Write(context.Background(), root, WriteRequest{
		VaultID: "v1",
		Path:    "notes/new.md",
		Content: []byte("hello"),
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if !result.Created || result.Path != "notes/new.md" || result.ModifiedAt.IsZero() {
		t.Fatalf("unexpected result %+v", result)
	}
	if got := readFile(t, root, "notes/new.md"); got != "hello" {
		t.Fatalf("unexpected content %q", got)
	}
}

func TestWriteWithMatchingTokenAdvancesToken(t *testing.T) {
	root := t.TempDir()
	token := writeFixture(t, root, "a.md", "v1")
	detector := newTestDetector()

	result, err := detector.Write(context.Background(), root, WriteRequest{
		VaultID:         "v1",
		Path:            "a.md",
		Content:         []byte("v2"),
		KnownModifiedAt: &token,
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if result.ModifiedAt.Equal(token) || TokensMatch(token, result.ModifiedAt) {
		t.Fatalf("expected new token to differ from %s, got %s", token, result.ModifiedAt)
	}
	if got := readFile(t, root, "a.md"); got != "v2" {
		t.Fatalf("unexpected content %q", got)
	}

	next := result.ModifiedAt
	if _, err := detector.Write(context.Background(), root, WriteRequest{
		VaultID:         "v1",
		Path:            "a.md",
		Content:         []byte("v3"),
		KnownModifiedAt: &next,
	}); err != nil {
		t.Fatalf("follow-up write with returned token: %v", err)
	}
}

func TestWriteMismatchKeepsServerAndBacksUpClient(t *testing.T) {
	root := t.TempDir()
	writeFixture(t, root, "notes/a.md", "server")
	stale := time.Date(2020, 1, 1, 0, 0, 0, 123, time.UTC)
	detector := newTestDetector()

	_, err := detector.Write(context.Background(), root, WriteRequest{
		VaultID:         "v1",
		Path:            "notes/a.md",
		Content:         []byte("client"),
		KnownModifiedAt: &stale,
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	var conflictErr *Error
	if !errors.As(err, &conflictErr) {
		t.Fatalf("expected *Error, got %T", err)
	}
	record := conflictErr.Record
	if record.Reason != ReasonModified || record.Path != "notes/a.md" || record.VaultID != "v1" {
		t.Fatalf("unexpected record %+v", record)
	}
	if !strings.HasPrefix(record.BackupPath, "notes/a.conflict-") || !strings.HasSuffix(record.BackupPath, ".md") {
		t.Fatalf("unexpected backup path %q", record.BackupPath)
	}
	if got := readFile(t, root, "notes/a.md"); got != "server" {
		t.Fatalf("server file changed to %q", got)
	}
	if got := readFile(t, root, record.BackupPath); got != "client" {
		t.Fatalf("backup holds %q, want client content", got)
	}
}

func TestWriteConflictsWhenTokenMissingOrFileDeleted(t *testing.T) {
	root := t.TempDir()
	writeFixture(t, root, "exists.md", "server")
	detector := newTestDetector()

	_, err := detector.Write(context.Background(), root, WriteRequest{Path: "exists.md", Content: []byte("blind")})
	var conflictErr *Error
	if !errors.As(err, &conflictErr) || conflictErr.Record.Reason != ReasonExists {
		t.Fatalf("expected exists conflict, got %v", err)
	}

	token := time.Now()
	_, err = detector.Write(context.Background(), root, WriteRequest{Path: "gone.md", Content: []byte("late"), KnownModifiedAt: &token})
	if !errors.As(err, &conflictErr) || conflictErr.Record.Reason != ReasonDeleted {
		t.Fatalf("expected deleted conflict, got %v", err)
	}
	if !conflictErr.Record.ServerVersionModifiedAt.IsZero() {
		t.Fatalf("expected no server time for deleted file")
	}
	if _, statErr := os.Stat(filepath.Join(root, "gone.md")); !errors.Is(statErr, os.ErrNotExist) {
		t.Fatalf("expected deleted file to stay deleted")
	}
}

func TestTwoClientsSameTokenSecondConflicts(t *testing.T) {
	root := t.TempDir()
	token := writeFixture(t, root, "shared.md", "base")
	detector := newTestDetector()

	first, err := detector.Write(context.Background(), root, WriteRequest{Path: "shared.md", Content: []byte("from A"), KnownModifiedAt: &token})
	if err != nil {
		t.Fatalf("client A write: %v", err)
	}

	_, err = detector.Write(context.Background(), root, WriteRequest{Path: "shared.md", Content: []byte("from B"), KnownModifiedAt: &token})
	var conflictErr *Error
	if !errors.As(err, &conflictErr) {
		t.Fatalf("expected client B to conflict, got %v", err)
	}
	if got := readFile(t, root, "shared.md"); got != "from A" {
		t.Fatalf("expected A's content kept, got %q", got)
	}
	if got := readFile(t, root, conflictErr.Record.BackupPath); got != "from B" {
		t.Fatalf("expected B's content in backup, got %q", got)
	}
	if !conflictErr.Record.ServerVersionModifiedAt.Equal(first.ModifiedAt.UTC()) {
		t.Fatalf("expected server time %s, got %s", first.ModifiedAt, conflictErr.Record.ServerVersionModifiedAt)
	}
}

func TestSecondGranularTokenCannotReplayAfterWrite(t *testing.T) {
	root := t.TempDir()
	writeFixture(t, root, "coarse.md", "base")
	coarse := time.Unix(1_700_000_000, 0)
	if err := os.Chtimes(filepath.Join(root, "coarse.md"), coarse, coarse); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	detector := newTestDetector()

	if _, err := detector.Write(context.Background(), root, WriteRequest{Path: "coarse.md", Content: []byte("A"), KnownModifiedAt: &coarse}); err != nil {
		t.Fatalf("first write: %v", err)
	}
	_, err := detector.Write(context.Background(), root, WriteRequest{Path: "coarse.md", Content: []byte("B"), KnownModifiedAt: &coarse})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected replayed coarse token to conflict, got %v", err)
	}
}

func TestConcurrentWritesSamePathOneWins(t *testing.T) {
	root := t.TempDir()
	token := writeFixture(t, root, "race.md", "base")
	detector := newTestDetector()

	const writers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins, conflicts := 0, 0
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := detector.Write(context.Background(), root, WriteRequest{
				Path:            "race.md",
				Content:         []byte{byte('a' + n)},
				KnownModifiedAt: &token,
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, ErrConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if wins != 1 || conflicts != writers-1 {
		t.Fatalf("expected 1 win and %d conflicts, got %d and %d", writers-1, wins, conflicts)
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	backups := 0
	for _, entry := range entries {
		if IsBackupName(entry.Name()) {
			backups++
		}
	}
	if backups != writers-1 {
		t.Fatalf("expected %d distinct backups, got %d", writers-1, backups)
	}
	if detector.locks.size() != 0 {
		t.Fatalf("expected lock table drained, got %d", detector.locks.size())
	}
}

func TestWriteRejectsUnsafePaths(t *testing.T) {
	root := t.TempDir()
	detector := newTestDetector()
	for _, input := range []string{"../escape.md", "/abs.md", ""} {
		_, err := detector.Write(context.Background(), root, WriteRequest{Path: input, Content: []byte("x")})
		if !errors.Is(err, fsutil.ErrInvalidPath) {
			t.Fatalf("expected ErrInvalidPath for %q, got %v", input, err)
		}
	}
}

func TestWriteHonorsContextWhileWaiting(t *testing.T) {
	root := t.TempDir()
	detector := newTestDetector()
	unlock, err := detector.locks.Lock(context.Background(), "v1\x00busy.md")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = detector.Write(ctx, root, WriteRequest{VaultID: "v1", Path: "busy.md", Content: []byte("x")})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestTokensMatch(t *testing.T) {
	base := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	cases := []struct {
		name    string
		token   time.Time
		current time.Time
		want    bool
	}{
		{name: "exact", token: base.Add(5), current: base.Add(5), want: true},
		{name: "nanos differ", token: base.Add(5), current: base.Add(6), want: false},
		{name: "coarse token same second", token: base, current: base.Add(900 * time.Millisecond), want: true},
		{name: "coarse token next second", token: base, current: base.Add(time.Second), want: false},
		{name: "time zones", token: base.Add(5).In(time.FixedZone("x", 3600)), current: base.Add(5), want: true},
	}
	for _, tc := range cases {
		if got := TokensMatch(tc.token, tc.current); got != tc.want {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, got)
		}
	}
}
