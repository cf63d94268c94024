// Package config provides configuration management for penf-capture.
// It supports loading configuration from YAML files, environment variables, and command-line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/otherjamesbrown/penf-capture/pkg/capture"
	"github.com/otherjamesbrown/penf-capture/pkg/db"
	"github.com/otherjamesbrown/penf-capture/pkg/logging"
)

// OutputFormat defines the supported output formats for CLI results.
type OutputFormat string

const (
	// OutputFormatText is human-readable plain text output.
	OutputFormatText OutputFormat = "text"
	// OutputFormatJSON is JSON-formatted output for machine processing.
	OutputFormatJSON OutputFormat = "json"
	// OutputFormatYAML is YAML-formatted output for machine processing.
	OutputFormatYAML OutputFormat = "yaml"
)

// Store backends.
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
)

// Default configuration values.
const (
	DefaultConfigDir    = ".penf-capture"
	DefaultConfigFile   = "config.yaml"
	DefaultOutputFormat = OutputFormatText
	DefaultRedisAddr    = "localhost:6379"
	DefaultExportDir    = "~/penf-capture/exports"
)

// envPrefix prefixes every environment override.
const envPrefix = "PENF_CAPTURE_"

// TimingConfig holds the page timings of a capture session.
type TimingConfig struct {
	TitleDelay           time.Duration `yaml:"title_delay"`
	ChatOpenDelay        time.Duration `yaml:"chat_open_delay"`
	CaptionRetryInterval time.Duration `yaml:"caption_retry_interval"`
	UserNamePollInterval time.Duration `yaml:"user_name_poll_interval"`
	// WaitTimeout bounds the wait for the meeting to start; zero waits forever.
	WaitTimeout  time.Duration `yaml:"wait_timeout"`
	FlushTimeout time.Duration `yaml:"flush_timeout"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	// Backend is memory or redis.
	Backend string `yaml:"backend"`
	// CoalesceInterval batches persists; zero writes every persist through.
	CoalesceInterval time.Duration `yaml:"coalesce_interval"`
}

// RedisConfig holds Redis connection settings. The password comes from
// the credentials store.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Username string        `yaml:"username,omitempty"`
	DB       int           `yaml:"db"`
	Prefix   string        `yaml:"prefix"`
	TTL      time.Duration `yaml:"ttl,omitempty"`
}

// ExportConfig controls export documents.
type ExportConfig struct {
	Dir string `yaml:"dir"`
	Tar bool   `yaml:"tar"`
	// Archive also stores exported meetings in PostgreSQL.
	Archive bool `yaml:"archive"`
}

// LogConfig controls logging output.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// CaptureConfig holds the penf-capture configuration settings.
type CaptureConfig struct {
	// OperationMode is the mode reported by the in-memory store (auto or manual).
	OperationMode capture.OperationMode `yaml:"operation_mode"`

	Timing   TimingConfig `yaml:"timing"`
	Store    StoreConfig  `yaml:"store"`
	Redis    RedisConfig  `yaml:"redis"`
	Postgres db.Config    `yaml:"postgres"`
	Export   ExportConfig `yaml:"export"`
	Log      LogConfig    `yaml:"log"`

	// MetricsAddr serves /metrics and /version when set (host:port).
	MetricsAddr string `yaml:"metrics_addr,omitempty"`

	// OutputFormat specifies the default output format for commands.
	OutputFormat OutputFormat `yaml:"output_format"`

	// Debug enables verbose debug logging.
	Debug bool `yaml:"debug,omitempty"`

	// Markup replaces the built-in page selectors when set.
	Markup *capture.Markup `yaml:"markup,omitempty"`
}

// DefaultConfig returns a CaptureConfig with default values.
func DefaultConfig() *CaptureConfig {
	opts := capture.DefaultOptions()
	return &CaptureConfig{
		OperationMode: capture.OperationModeAuto,
		Timing: TimingConfig{
			TitleDelay:           opts.TitleDelay,
			ChatOpenDelay:        opts.ChatOpenDelay,
			CaptionRetryInterval: opts.CaptionRetryInterval,
			UserNamePollInterval: opts.UserNamePollInterval,
			FlushTimeout:         opts.FlushTimeout,
		},
		Store: StoreConfig{Backend: StoreMemory},
		Redis: RedisConfig{
			Addr:   DefaultRedisAddr,
			Prefix: "capture",
		},
		Postgres:     *db.DefaultConfig(),
		Export:       ExportConfig{Dir: DefaultExportDir},
		Log:          LogConfig{Level: "info"},
		OutputFormat: DefaultOutputFormat,
	}
}

// ConfigDir returns the configuration directory path.
// Uses $PENF_CAPTURE_CONFIG_DIR if set, otherwise ~/.penf-capture
func ConfigDir() (string, error) {
	if dir := os.Getenv(envPrefix + "CONFIG_DIR"); dir != "" {
		return dir, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}
	return filepath.Join(home, DefaultConfigDir), nil
}

// ConfigPath returns the full path to the configuration file.
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, DefaultConfigFile), nil
}

// LoadConfig loads the configuration from file and environment variables.
// Configuration is loaded in this order (later sources override earlier):
// 1. Default values
// 2. Config file (path, or ConfigPath when empty; a missing default file is fine)
// 3. Environment variables (PENF_CAPTURE_*)
func LoadConfig(path string) (*CaptureConfig, error) {
	cfg := DefaultConfig()

	explicit := path != ""
	if !explicit {
		p, err := ConfigPath()
		if err != nil {
			return nil, fmt.Errorf("getting config path: %w", err)
		}
		path = p
	}

	if _, err := os.Stat(path); err == nil {
		if err := loadFromFile(cfg, path); err != nil {
			return nil, fmt.Errorf("loading config file: %w", err)
		}
	} else if explicit {
		return nil, fmt.Errorf("loading config file: %w", err)
	}

	if err := loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("reading environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// loadFromFile decodes a YAML file over cfg; keys missing from the file
// keep their current values.
func loadFromFile(cfg *CaptureConfig, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}
	return nil
}

// loadFromEnv overlays environment variables onto the configuration.
func loadFromEnv(cfg *CaptureConfig) error {
	var errs []error
	str := func(name string, dst *string) {
		if v := os.Getenv(envPrefix + name); v != "" {
			*dst = v
		}
	}
	dur := func(name string, dst *time.Duration) {
		if v := os.Getenv(envPrefix + name); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, name, err))
				return
			}
			*dst = d
		}
	}
	integer := func(name string, dst *int) {
		if v := os.Getenv(envPrefix + name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	flag := func(name string, dst *bool) {
		switch strings.ToLower(os.Getenv(envPrefix + name)) {
		case "true", "1", "yes":
			*dst = true
		case "false", "0", "no":
			*dst = false
		}
	}

	if v := os.Getenv(envPrefix + "MODE"); v != "" {
		cfg.OperationMode = capture.OperationMode(strings.ToLower(v))
	}

	dur("TITLE_DELAY", &cfg.Timing.TitleDelay)
	dur("CHAT_OPEN_DELAY", &cfg.Timing.ChatOpenDelay)
	dur("CAPTION_RETRY_INTERVAL", &cfg.Timing.CaptionRetryInterval)
	dur("WAIT_TIMEOUT", &cfg.Timing.WaitTimeout)
	dur("FLUSH_TIMEOUT", &cfg.Timing.FlushTimeout)

	str("STORE", &cfg.Store.Backend)
	dur("COALESCE_INTERVAL", &cfg.Store.CoalesceInterval)

	str("REDIS_ADDR", &cfg.Redis.Addr)
	str("REDIS_USERNAME", &cfg.Redis.Username)
	integer("REDIS_DB", &cfg.Redis.DB)
	str("REDIS_PREFIX", &cfg.Redis.Prefix)
	dur("REDIS_TTL", &cfg.Redis.TTL)

	str("DB_HOST", &cfg.Postgres.Host)
	integer("DB_PORT", &cfg.Postgres.Port)
	str("DB_NAME", &cfg.Postgres.Database)
	str("DB_USER", &cfg.Postgres.User)
	str("DB_SSLMODE", &cfg.Postgres.SSLMode)

	str("EXPORT_DIR", &cfg.Export.Dir)
	flag("EXPORT_TAR", &cfg.Export.Tar)
	flag("EXPORT_ARCHIVE", &cfg.Export.Archive)

	str("LOG_LEVEL", &cfg.Log.Level)
	flag("LOG_JSON", &cfg.Log.JSON)
	str("METRICS_ADDR", &cfg.MetricsAddr)
	flag("DEBUG", &cfg.Debug)

	if v := os.Getenv(envPrefix + "OUTPUT_FORMAT"); v != "" {
		cfg.OutputFormat = OutputFormat(v)
	}
	return errors.Join(errs...)
}

// Validate checks that the configuration is valid.
func (c *CaptureConfig) Validate() error {
	var errs []error

	switch c.OperationMode {
	case capture.OperationModeAuto, capture.OperationModeManual:
	default:
		errs = append(errs, fmt.Errorf("invalid operation_mode: %q (must be auto or manual)", c.OperationMode))
	}

	t := c.Timing
	if t.TitleDelay < 0 || t.ChatOpenDelay < 0 || t.WaitTimeout < 0 {
		errs = append(errs, fmt.Errorf("timing values must not be negative"))
	}
	if t.CaptionRetryInterval <= 0 || t.UserNamePollInterval <= 0 || t.FlushTimeout <= 0 {
		errs = append(errs, fmt.Errorf("caption_retry_interval, user_name_poll_interval and flush_timeout must be positive"))
	}

	switch c.Store.Backend {
	case StoreMemory:
	case StoreRedis:
		if c.Redis.Addr == "" {
			errs = append(errs, fmt.Errorf("redis.addr is required for the redis store"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid store.backend: %q (must be memory or redis)", c.Store.Backend))
	}
	if c.Store.CoalesceInterval < 0 {
		errs = append(errs, fmt.Errorf("store.coalesce_interval must not be negative"))
	}
	if c.Redis.DB < 0 {
		errs = append(errs, fmt.Errorf("redis.db must not be negative"))
	}

	if c.Export.Archive {
		if err := c.Postgres.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("postgres: %w", err))
		}
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("invalid log.level: %q", c.Log.Level))
	}

	if !c.OutputFormat.IsValid() {
		errs = append(errs, fmt.Errorf("invalid output_format: %q (must be text, json, or yaml)", c.OutputFormat))
	}

	if c.Markup != nil {
		if err := c.Markup.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// IsValid checks if the output format is valid.
func (f OutputFormat) IsValid() bool {
	switch f {
	case OutputFormatText, OutputFormatJSON, OutputFormatYAML:
		return true
	default:
		return false
	}
}

// String returns the string representation of the output format.
func (f OutputFormat) String() string {
	return string(f)
}

// SessionOptions converts the timing and markup settings into session options.
func (c *CaptureConfig) SessionOptions() capture.Options {
	opts := capture.DefaultOptions()
	opts.TitleDelay = c.Timing.TitleDelay
	opts.ChatOpenDelay = c.Timing.ChatOpenDelay
	opts.CaptionRetryInterval = c.Timing.CaptionRetryInterval
	opts.UserNamePollInterval = c.Timing.UserNamePollInterval
	opts.WaitTimeout = c.Timing.WaitTimeout
	opts.FlushTimeout = c.Timing.FlushTimeout
	if c.Markup != nil {
		opts.Markup = *c.Markup
	}
	return opts
}

// LoggingConfig converts the log settings into a logger configuration.
func (c *CaptureConfig) LoggingConfig() *logging.Config {
	lc := logging.DefaultConfig()
	lc.Level = logging.ParseLevel(c.Log.Level)
	if c.Debug {
		lc.Level = logging.LevelDebug
	}
	lc.JSONFormat = c.Log.JSON
	return lc
}

// ExportDir returns the export directory with ~ expanded.
func (c *CaptureConfig) ExportDir() (string, error) {
	return ExpandPath(c.Export.Dir)
}

// SaveConfig writes cfg to path, or to ConfigPath when path is empty.
func SaveConfig(cfg *CaptureConfig, path string) error {
	if path == "" {
		p, err := ConfigPath()
		if err != nil {
			return err
		}
		path = p
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// EnsureConfigDir creates the configuration directory if it doesn't exist.
func EnsureConfigDir() error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	return os.MkdirAll(dir, 0700)
}

// ExpandPath expands ~ to the user's home directory.
func ExpandPath(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("getting home directory: %w", err)
		}
		return filepath.Join(home, path[1:]), nil
	}
	return path, nil
}
