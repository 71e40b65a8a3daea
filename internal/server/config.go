package server

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"vaulthost/internal/fsutil"
	"vaulthost/internal/logging"
)

const (
	DefaultConfigFile = "vaulthost.yaml"
	envPrefix         = "VAULTHOST_"
)

type Config struct {
	Host           string
	Port           int
	AuthToken      string
	DBPath         string
	Debounce       time.Duration
	Exclusions     []string
	LogFile        string
	LogLevel       logging.Level
	PingInterval   time.Duration
	PongTimeout    time.Duration
	MaxWatches     int
	AllowedOrigins []string
	ConfigFile     string
	Sources        map[string]configSource
}

type configSource string

const (
	sourceDefault configSource = "default"
	sourceFile    configSource = "file"
	sourceEnv     configSource = "env"
	sourceFlag    configSource = "flag"
)

// FlagValues holds command-line values. Set names the flags that were
// passed explicitly; unset flags never override other layers.
type FlagValues struct {
	ConfigFile     string
	Host           string
	Port           int
	Token          string
	DBPath         string
	Debounce       time.Duration
	Exclusions     []string
	LogFile        string
	LogLevel       string
	PingInterval   time.Duration
	PongTimeout    time.Duration
	MaxWatches     int
	AllowedOrigins []string
	Set            map[string]bool
}

// fileConfig is the YAML layout. Pointers distinguish absent keys from zero values.
type fileConfig struct {
	Host           *string   `yaml:"host"`
	Port           *int      `yaml:"port"`
	Token          *string   `yaml:"token"`
	DBPath         *string   `yaml:"db_path"`
	Debounce       *string   `yaml:"debounce"`
	Exclusions     *[]string `yaml:"exclusions"`
	LogFile        *string   `yaml:"log_file"`
	LogLevel       *string   `yaml:"log_level"`
	PingInterval   *string   `yaml:"ping_interval"`
	PongTimeout    *string   `yaml:"pong_timeout"`
	MaxWatches     *int      `yaml:"max_watches"`
	AllowedOrigins *[]string `yaml:"allowed_origins"`
}

func DefaultConfig() Config {
	return Config{
		Host:         "127.0.0.1",
		Port:         8080,
		DBPath:       "vaulthost.db",
		Debounce:     300 * time.Millisecond,
		Exclusions:   append([]string(nil), fsutil.DefaultExclusions...),
		LogLevel:     logging.LevelInfo,
		PingInterval: 25 * time.Second,
		PongTimeout:  60 * time.Second,
		MaxWatches:   8192,
	}
}

// LoadConfig layers defaults, the YAML config file, VAULTHOST_* environment
// variables and flags, in that order, recording where each value came from.
func LoadConfig(flags FlagValues) (Config, error) {
	cfg := DefaultConfig()
	cfg.Sources = make(map[string]configSource)

	configPath, explicit := DefaultConfigFile, false
	if rawPath := strings.TrimSpace(os.Getenv(envPrefix + "CONFIG")); rawPath != "" {
		configPath, explicit = rawPath, true
	}
	if flags.Set["config"] {
		configPath, explicit = strings.TrimSpace(flags.ConfigFile), true
	}
	file, err := readConfigFile(configPath, explicit)
	if err != nil {
		return Config{}, err
	}
	if file != nil {
		cfg.ConfigFile = configPath
	}
	if file == nil {
		file = &fileConfig{}
	}

	layers := []func() error{
		func() error {
			return layerString(&cfg, "host", &cfg.Host, file.Host, flags.Set["host"], flags.Host, requireNonEmpty)
		},
		func() error { return layerInt(&cfg, "port", &cfg.Port, file.Port, flags.Set["port"], flags.Port) },
		func() error {
			return layerString(&cfg, "token", &cfg.AuthToken, file.Token, flags.Set["token"], flags.Token, nil)
		},
		func() error {
			return layerString(&cfg, "db_path", &cfg.DBPath, file.DBPath, flags.Set["db-path"], flags.DBPath, requireNonEmpty)
		},
		func() error {
			return layerDuration(&cfg, "debounce", &cfg.Debounce, file.Debounce, flags.Set["debounce"], flags.Debounce)
		},
		func() error {
			return layerList(&cfg, "exclusions", &cfg.Exclusions, file.Exclusions, flags.Set["exclude"], flags.Exclusions)
		},
		func() error {
			return layerString(&cfg, "log_file", &cfg.LogFile, file.LogFile, flags.Set["log-file"], flags.LogFile, nil)
		},
		func() error { return layerLevel(&cfg, file.LogLevel, flags.Set["log-level"], flags.LogLevel) },
		func() error {
			return layerDuration(&cfg, "ping_interval", &cfg.PingInterval, file.PingInterval, flags.Set["ping-interval"], flags.PingInterval)
		},
		func() error {
			return layerDuration(&cfg, "pong_timeout", &cfg.PongTimeout, file.PongTimeout, flags.Set["pong-timeout"], flags.PongTimeout)
		},
		func() error {
			return layerInt(&cfg, "max_watches", &cfg.MaxWatches, file.MaxWatches, flags.Set["max-watches"], flags.MaxWatches)
		},
		func() error {
			return layerList(&cfg, "allowed_origins", &cfg.AllowedOrigins, file.AllowedOrigins, flags.Set["allowed-origin"], flags.AllowedOrigins)
		},
	}
	for _, layer := range layers {
		if err := layer(); err != nil {
			return Config{}, err
		}
	}

	if cfg.PongTimeout <= cfg.PingInterval {
		return Config{}, fmt.Errorf("invalid pong_timeout %s: must exceed ping_interval %s", cfg.PongTimeout, cfg.PingInterval)
	}
	return cfg, nil
}

func (cfg Config) Addr() string {
	return cfg.Host + ":" + strconv.Itoa(cfg.Port)
}

func readConfigFile(path string, explicit bool) (*fileConfig, error) {
	if path == "" {
		return nil, errors.New("invalid --config: value cannot be empty")
	}
	handle, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && !explicit {
			return nil, nil
		}
		return nil, fmt.Errorf("open config file: %w", err)
	}
	defer handle.Close()

	var file fileConfig
	decoder := yaml.NewDecoder(handle)
	decoder.KnownFields(true)
	if err := decoder.Decode(&file); err != nil {
		if errors.Is(err, io.EOF) {
			return &file, nil
		}
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return &file, nil
}

func envName(key string) string {
	return envPrefix + strings.ToUpper(key)
}

func requireNonEmpty(value string) bool {
	return strings.TrimSpace(value) != ""
}

func layerString(cfg *Config, key string, target *string, fileValue *string, flagSet bool, flagValue string, valid func(string) bool) error {
	source := sourceDefault
	if fileValue != nil {
		if valid != nil && !valid(*fileValue) {
			return fmt.Errorf("invalid %s in config file: value cannot be empty", key)
		}
		*target = strings.TrimSpace(*fileValue)
		source = sourceFile
	}
	if raw := strings.TrimSpace(os.Getenv(envName(key))); raw != "" {
		*target = raw
		source = sourceEnv
	}
	if flagSet {
		if valid != nil && !valid(flagValue) {
			return fmt.Errorf("invalid --%s: value cannot be empty", flagName(key))
		}
		*target = strings.TrimSpace(flagValue)
		source = sourceFlag
	}
	cfg.Sources[key] = source
	return nil
}

func layerInt(cfg *Config, key string, target *int, fileValue *int, flagSet bool, flagValue int) error {
	source := sourceDefault
	if fileValue != nil {
		if *fileValue <= 0 {
			return fmt.Errorf("invalid %s in config file: must be > 0", key)
		}
		*target = *fileValue
		source = sourceFile
	}
	if raw := strings.TrimSpace(os.Getenv(envName(key))); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			return fmt.Errorf("invalid %s: must be > 0", envName(key))
		}
		*target = parsed
		source = sourceEnv
	}
	if flagSet {
		if flagValue <= 0 {
			return fmt.Errorf("invalid --%s: must be > 0", flagName(key))
		}
		*target = flagValue
		source = sourceFlag
	}
	cfg.Sources[key] = source
	return nil
}

func layerDuration(cfg *Config, key string, target *time.Duration, fileValue *string, flagSet bool, flagValue time.Duration) error {
	source := sourceDefault
	if fileValue != nil {
		parsed, err := time.ParseDuration(strings.TrimSpace(*fileValue))
		if err != nil || parsed <= 0 {
			return fmt.Errorf("invalid %s in config file: %q is not a positive duration", key, *fileValue)
		}
		*target = parsed
		source = sourceFile
	}
	if raw := strings.TrimSpace(os.Getenv(envName(key))); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			return fmt.Errorf("invalid %s: %q is not a positive duration", envName(key), raw)
		}
		*target = parsed
		source = sourceEnv
	}
	if flagSet {
		if flagValue <= 0 {
			return fmt.Errorf("invalid --%s: must be a positive duration", flagName(key))
		}
		*target = flagValue
		source = sourceFlag
	}
	cfg.Sources[key] = source
	return nil
}

// layerList treats env values as comma-separated lists. An explicitly empty
// list in the file clears the default.
func layerList(cfg *Config, key string, target *[]string, fileValue *[]string, flagSet bool, flagValue []string) error {
	source := sourceDefault
	if fileValue != nil {
		*target = cleanList(*fileValue)
		source = sourceFile
	}
	if raw, ok := os.LookupEnv(envName(key)); ok {
		*target = cleanList(strings.Split(raw, ","))
		source = sourceEnv
	}
	if flagSet {
		*target = cleanList(flagValue)
		source = sourceFlag
	}
	cfg.Sources[key] = source
	return nil
}

func layerLevel(cfg *Config, fileValue *string, flagSet bool, flagValue string) error {
	raw := string(cfg.LogLevel)
	if err := layerString(cfg, "log_level", &raw, fileValue, flagSet, flagValue, requireNonEmpty); err != nil {
		return err
	}
	level, ok := logging.ParseLevel(raw)
	if !ok {
		return fmt.Errorf("invalid log_level %q (from %s)", raw, cfg.Sources["log_level"])
	}
	cfg.LogLevel = level
	return nil
}

func cleanList(values []string) []string {
	cleaned := make([]string, 0, len(values))
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			cleaned = append(cleaned, trimmed)
		}
	}
	return cleaned
}

func flagName(key string) string {
	switch key {
	case "exclusions":
		return "exclude"
	case "allowed_origins":
		return "allowed-origin"
	default:
		return strings.ReplaceAll(key, "_", "-")
	}
}
