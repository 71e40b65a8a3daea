package server

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"vaulthost/internal/logging"
	"vaulthost/internal/version"
)

// NewLogger builds the process logger and its output sink. The returned
// closer releases the rotated log file, if any.
func NewLogger(cfg Config, stdout io.Writer) (*logging.Logger, io.Closer, error) {
	output, closer, err := logging.OpenSink(logging.SinkOptions{
		FilePath: cfg.LogFile,
		Stdout:   stdout,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("open log sink: %w", err)
	}
	buffer := logging.NewLogBuffer(logging.DefaultBufferSize)
	return logging.NewLoggerWithOutput(buffer, cfg.LogLevel, output), closer, nil
}

// LogStartupFlags reports settings that came from flags or the environment.
func LogStartupFlags(logger *logging.Logger, cfg Config) {
	if logger == nil || cfg.Sources == nil {
		return
	}
	var overrides []string
	for key, source := range cfg.Sources {
		if source != sourceFlag && source != sourceEnv {
			continue
		}
		overrides = append(overrides, fmt.Sprintf("%s=%s (%s)", key, describeSetting(cfg, key), source))
	}
	if len(overrides) == 0 {
		return
	}
	sort.Strings(overrides)
	logger.Debug("starting with overrides", map[string]string{
		"settings": strings.Join(overrides, " "),
	})
}

func LogVersionInfo(logger *logging.Logger) {
	if logger == nil {
		return
	}
	info := version.GetVersionInfo()
	fields := map[string]string{"go_version": info.GoVersion}
	if info.Built != "" {
		fields["built"] = info.Built
	}
	if info.GitCommit != "" {
		fields["commit"] = info.GitCommit
	}
	logger.Info(fmt.Sprintf("vaulthost version %s", info.Version), fields)
}

func describeSetting(cfg Config, key string) string {
	switch key {
	case "host":
		return cfg.Host
	case "port":
		return fmt.Sprint(cfg.Port)
	case "token":
		if strings.TrimSpace(cfg.AuthToken) == "" {
			return `""`
		}
		return "[set]"
	case "db_path":
		return cfg.DBPath
	case "debounce":
		return cfg.Debounce.String()
	case "exclusions":
		return strings.Join(cfg.Exclusions, ",")
	case "log_file":
		return cfg.LogFile
	case "log_level":
		return string(cfg.LogLevel)
	case "ping_interval":
		return cfg.PingInterval.String()
	case "pong_timeout":
		return cfg.PongTimeout.String()
	case "max_watches":
		return fmt.Sprint(cfg.MaxWatches)
	case "allowed_origins":
		return strings.Join(cfg.AllowedOrigins, ",")
	default:
		return ""
	}
}
