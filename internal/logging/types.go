package logging

import (
	"strings"
	"time"
)

// Level names are lowercase on the wire and in the text output.
type Level string

const (
	LevelDebug   Level = "debug"
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

var levelOrder = map[Level]int{
	LevelDebug:   0,
	LevelInfo:    1,
	LevelWarning: 2,
	LevelError:   3,
}

// rank places unknown levels alongside info.
func (l Level) rank() int {
	if value, ok := levelOrder[l]; ok {
		return value
	}
	return levelOrder[LevelInfo]
}

func (l Level) valid() bool {
	_, ok := levelOrder[l]
	return ok
}

// ParseLevel accepts the level names case-insensitively, plus "warn".
func ParseLevel(value string) (Level, bool) {
	level := Level(strings.ToLower(strings.TrimSpace(value)))
	if level == "warn" {
		level = LevelWarning
	}
	if !level.valid() {
		return "", false
	}
	return level, true
}

// LevelAtLeast reports whether level passes the threshold. An empty
// threshold passes everything.
func LevelAtLeast(level, minLevel Level) bool {
	if minLevel == "" {
		return true
	}
	return level.rank() >= minLevel.rank()
}

const (
	FieldCategory = "vaulthost.category"
	FieldSource   = "vaulthost.source"
	FieldVaultID  = "vault_id"
)

// LogEntry is one structured line as buffered and streamed to log viewers.
type LogEntry struct {
	Timestamp time.Time         `json:"timestamp"`
	Level     Level             `json:"level"`
	Message   string            `json:"message"`
	Context   map[string]string `json:"context,omitempty"`
}

func (e LogEntry) Category() string {
	return e.Context[FieldCategory]
}

func (e LogEntry) VaultID() string {
	return e.Context[FieldVaultID]
}
