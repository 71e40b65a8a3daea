package logging

import (
	"io"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"
)

const DefaultBufferSize = 1000

// Logger is a leveled logger carrying a fixed set of context fields. Loggers
// derived with With, Component or Vault share one buffer, one live hub and
// one text output.
type Logger struct {
	core   *core
	level  Level
	fields map[string]string
}

type core struct {
	buffer *LogBuffer
	hub    *LogHub

	mu  sync.Mutex
	out io.Writer
	buf []byte
}

func NewLogger(buffer *LogBuffer, minLevel Level) *Logger {
	return NewLoggerWithOutput(buffer, minLevel, os.Stdout)
}

func NewLoggerWithOutput(buffer *LogBuffer, minLevel Level, output io.Writer) *Logger {
	if buffer == nil {
		buffer = NewLogBuffer(DefaultBufferSize)
	}
	if output == nil {
		output = io.Discard
	}
	if !minLevel.valid() {
		minLevel = LevelInfo
	}
	return &Logger{
		core: &core{
			buffer: buffer,
			hub:    NewLogHub(),
			out:    output,
		},
		level: minLevel,
	}
}

// Discard returns a logger with a small buffer and no text output.
func Discard() *Logger {
	return NewLoggerWithOutput(NewLogBuffer(64), LevelInfo, io.Discard)
}

func (l *Logger) Buffer() *LogBuffer {
	if l == nil {
		return nil
	}
	return l.core.buffer
}

// Subscribe streams entries written after the call. Level filtering is left
// to the caller.
func (l *Logger) Subscribe() (<-chan LogEntry, func()) {
	if l == nil {
		return nil, func() {}
	}
	return l.core.hub.Subscribe(0)
}

func (l *Logger) With(fields map[string]string) *Logger {
	if l == nil {
		return nil
	}
	return &Logger{
		core:   l.core,
		level:  l.level,
		fields: mergeFields(l.fields, fields),
	}
}

// Component tags entries with the backend category used by log queries.
func (l *Logger) Component(category string) *Logger {
	return l.With(map[string]string{
		FieldCategory: category,
		FieldSource:   "backend",
	})
}

// Vault tags entries with a vault id.
func (l *Logger) Vault(id string) *Logger {
	return l.With(map[string]string{FieldVaultID: id})
}

func (l *Logger) Debug(message string, fields map[string]string) {
	l.Log(LevelDebug, message, fields)
}

func (l *Logger) Info(message string, fields map[string]string) {
	l.Log(LevelInfo, message, fields)
}

func (l *Logger) Warn(message string, fields map[string]string) {
	l.Log(LevelWarning, message, fields)
}

func (l *Logger) Error(message string, fields map[string]string) {
	l.Log(LevelError, message, fields)
}

func (l *Logger) Enabled(level Level) bool {
	if l == nil {
		return false
	}
	return LevelAtLeast(level, l.level)
}

// Log records an entry at an arbitrary level. Unknown levels log as info.
func (l *Logger) Log(level Level, message string, fields map[string]string) {
	if !level.valid() {
		level = LevelInfo
	}
	if !l.Enabled(level) {
		return
	}
	entry := LogEntry{
		Timestamp: time.Now().UTC(),
		Level:     level,
		Message:   message,
		Context:   mergeFields(l.fields, fields),
	}
	l.core.buffer.Add(entry)
	l.core.hub.Broadcast(entry)
	l.core.write(entry)
}

func (c *core) write(entry LogEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buf = appendEntry(c.buf[:0], entry)
	_, _ = c.out.Write(c.buf)
}

func mergeFields(base, extra map[string]string) map[string]string {
	if len(base) == 0 && len(extra) == 0 {
		return nil
	}
	merged := make(map[string]string, len(base)+len(extra))
	for key, value := range base {
		merged[key] = value
	}
	for key, value := range extra {
		merged[key] = value
	}
	return merged
}

// appendEntry renders logfmt with context keys in sorted order.
func appendEntry(dst []byte, entry LogEntry) []byte {
	dst = append(dst, "time="...)
	dst = entry.Timestamp.AppendFormat(dst, time.RFC3339Nano)
	dst = append(dst, " level="...)
	dst = append(dst, string(entry.Level)...)
	dst = append(dst, " msg="...)
	dst = strconv.AppendQuote(dst, entry.Message)

	keys := make([]string, 0, len(entry.Context))
	for key := range entry.Context {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		dst = append(dst, ' ')
		dst = append(dst, key...)
		dst = append(dst, '=')
		dst = strconv.AppendQuote(dst, entry.Context[key])
	}
	return append(dst, '\n')
}
