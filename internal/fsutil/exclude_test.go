package fsutil

import "testing"

func TestExclusions(t *testing.T) {
	exclusions := NewExclusions(DefaultExclusions)
	cases := map[string]bool{
		"notes/a.md":                false,
		".hidden.md":                true,
		"notes/.draft.md":           true,
		".git/HEAD":                 true,
		".trash/20260101_a.md":      true,
		"node_modules/pkg/index.md": true,
		"deep/node_modules/x.md":    true,
		"modules/x.md":              false,
		"":                          false,
	}
	for rel, want := range cases {
		if got := exclusions.Excludes(rel); got != want {
			t.Fatalf("Excludes(%q) = %v, want %v", rel, got, want)
		}
	}
}

func TestExclusionsCustomNames(t *testing.T) {
	exclusions := NewExclusions([]string{" build ", ""})
	if !exclusions.Excludes("build/out.md") {
		t.Fatalf("expected custom name excluded")
	}
	if len(exclusions.Names()) != 1 {
		t.Fatalf("expected blank names ignored, got %v", exclusions.Names())
	}
}
