package logging

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	defaultLogFileMaxSizeMB  = 20
	defaultLogFileMaxBackups = 5
	defaultLogFileMaxAgeDays = 14
)

// SinkOptions selects where log lines are written.
type SinkOptions struct {
	FilePath   string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Stdout     io.Writer
}

// OpenSink returns a writer that tees stdout with a size-rotated log file
// when a file path is configured. The closer releases the file handle.
func OpenSink(options SinkOptions) (io.Writer, io.Closer, error) {
	stdout := options.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}
	path := strings.TrimSpace(options.FilePath)
	if path == "" {
		return stdout, io.NopCloser(nil), nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, nil, err
	}

	rotator := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    positiveOr(options.MaxSizeMB, defaultLogFileMaxSizeMB),
		MaxBackups: positiveOr(options.MaxBackups, defaultLogFileMaxBackups),
		MaxAge:     positiveOr(options.MaxAgeDays, defaultLogFileMaxAgeDays),
		Compress:   true,
	}
	return io.MultiWriter(stdout, rotator), closerFunc(func() error {
		err := rotator.Close()
		if errors.Is(err, os.ErrClosed) {
			return nil
		}
		return err
	}), nil
}

type closerFunc func() error

func (fn closerFunc) Close() error {
	return fn()
}

func positiveOr(value, fallback int) int {
	if value > 0 {
		return value
	}
	return fallback
}
