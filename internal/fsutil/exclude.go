package fsutil

import (
	"path"
	"strings"
)

// DefaultExclusions are directory or file names never watched or listed.
var DefaultExclusions = []string{".git", ".obsidian", ".trash", "node_modules"}

// Exclusions matches vault-relative paths that must stay invisible to
// watchers and file listings: hidden entries and configured names.
type Exclusions struct {
	names map[string]struct{}
}

func NewExclusions(names []string) Exclusions {
	set := make(map[string]struct{}, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		set[name] = struct{}{}
	}
	return Exclusions{names: set}
}

// ExcludesName reports whether a single path element is excluded.
func (e Exclusions) ExcludesName(name string) bool {
	if name == "" || name == "." {
		return false
	}
	if strings.HasPrefix(name, ".") {
		return true
	}
	_, ok := e.names[name]
	return ok
}

// Excludes reports whether any element of a slash-separated relative path is excluded.
func (e Exclusions) Excludes(rel string) bool {
	rel = path.Clean(strings.TrimPrefix(rel, "/"))
	if rel == "." {
		return false
	}
	for _, part := range strings.Split(rel, "/") {
		if e.ExcludesName(part) {
			return true
		}
	}
	return false
}

func (e Exclusions) Names() []string {
	names := make([]string, 0, len(e.names))
	for name := range e.names {
		names = append(names, name)
	}
	return names
}
