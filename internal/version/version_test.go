package version

import (
	"runtime"
	"strings"
	"testing"
)

func setVersion(t *testing.T, version, major, minor, patch, built, commit string) {
	t.Helper()
	previous := []string{Version, Major, Minor, Patch, Built, GitCommit}
	Version, Major, Minor, Patch, Built, GitCommit = version, major, minor, patch, built, commit
	t.Cleanup(func() {
		Version, Major, Minor, Patch, Built, GitCommit = previous[0], previous[1], previous[2], previous[3], previous[4], previous[5]
	})
}

func TestGetVersionInfo(t *testing.T) {
	setVersion(t, "1.2.3", "1", "2", "3", "2026-01-11T12:34:56Z", "abc123")

	info := GetVersionInfo()
	if info.Version != "1.2.3" {
		t.Fatalf("expected version to be 1.2.3, got %q", info.Version)
	}
	if info.Major != 1 || info.Minor != 2 || info.Patch != 3 {
		t.Fatalf("expected 1.2.3, got %d.%d.%d", info.Major, info.Minor, info.Patch)
	}
	if info.Built != "2026-01-11T12:34:56Z" || info.GitCommit != "abc123" {
		t.Fatalf("expected linked metadata to be preserved, got %+v", info)
	}
	if info.GoVersion != runtime.Version() {
		t.Fatalf("expected go version %s, got %s", runtime.Version(), info.GoVersion)
	}
}

func TestVersionInfoString(t *testing.T) {
	setVersion(t, "1.2.3", "1", "2", "3", "2026-01-11T12:34:56Z", "0123456789abcdef")

	text := GetVersionInfo().String()
	if !strings.HasPrefix(text, "vaulthost 1.2.3 (0123456789ab) built 2026-01-11T12:34:56Z") {
		t.Fatalf("unexpected version string %q", text)
	}
}

func TestParseIntDefaultsToZero(t *testing.T) {
	if got := parseInt("x"); got != 0 {
		t.Fatalf("expected 0, got %d", got)
	}
}
