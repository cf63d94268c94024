package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/otherjamesbrown/penf-capture/pkg/capture"
	"github.com/otherjamesbrown/penf-capture/pkg/logging"
)

// TestDefaultConfig verifies default configuration values.
func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.OperationMode != capture.OperationModeAuto {
		t.Errorf("OperationMode = %v, want auto", cfg.OperationMode)
	}
	if cfg.Timing.TitleDelay != 5*time.Second {
		t.Errorf("TitleDelay = %v, want 5s", cfg.Timing.TitleDelay)
	}
	if cfg.Timing.ChatOpenDelay != 500*time.Millisecond {
		t.Errorf("ChatOpenDelay = %v, want 500ms", cfg.Timing.ChatOpenDelay)
	}
	if cfg.Timing.CaptionRetryInterval != time.Second {
		t.Errorf("CaptionRetryInterval = %v, want 1s", cfg.Timing.CaptionRetryInterval)
	}
	if cfg.Store.Backend != StoreMemory {
		t.Errorf("Store.Backend = %v, want memory", cfg.Store.Backend)
	}
	if cfg.OutputFormat != DefaultOutputFormat {
		t.Errorf("OutputFormat = %v, want %v", cfg.OutputFormat, DefaultOutputFormat)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should be valid: %v", err)
	}
}

// TestOutputFormat_IsValid verifies output format validation.
func TestOutputFormat_IsValid(t *testing.T) {
	tests := []struct {
		format OutputFormat
		want   bool
	}{
		{OutputFormatText, true},
		{OutputFormatJSON, true},
		{OutputFormatYAML, true},
		{"xml", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := tt.format.IsValid(); got != tt.want {
			t.Errorf("OutputFormat(%q).IsValid() = %v, want %v", tt.format, got, tt.want)
		}
	}
}

// TestCaptureConfig_Validate verifies configuration validation.
func TestCaptureConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*CaptureConfig)
		wantErr string
	}{
		{name: "defaults", modify: func(*CaptureConfig) {}},
		{name: "manual mode", modify: func(c *CaptureConfig) { c.OperationMode = capture.OperationModeManual }},
		{name: "bad mode", modify: func(c *CaptureConfig) { c.OperationMode = "sometimes" }, wantErr: "operation_mode"},
		{name: "negative delay", modify: func(c *CaptureConfig) { c.Timing.TitleDelay = -time.Second }, wantErr: "negative"},
		{name: "zero retry", modify: func(c *CaptureConfig) { c.Timing.CaptionRetryInterval = 0 }, wantErr: "must be positive"},
		{name: "bad store", modify: func(c *CaptureConfig) { c.Store.Backend = "disk" }, wantErr: "store.backend"},
		{name: "redis without addr", modify: func(c *CaptureConfig) { c.Store.Backend = StoreRedis; c.Redis.Addr = "" }, wantErr: "redis.addr"},
		{name: "archive needs postgres", modify: func(c *CaptureConfig) { c.Export.Archive = true; c.Postgres.Host = "" }, wantErr: "postgres"},
		{name: "bad log level", modify: func(c *CaptureConfig) { c.Log.Level = "loud" }, wantErr: "log.level"},
		{name: "bad output", modify: func(c *CaptureConfig) { c.OutputFormat = "xml" }, wantErr: "output_format"},
		{name: "empty markup", modify: func(c *CaptureConfig) { c.Markup = &capture.Markup{} }, wantErr: "markup"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

// TestConfigDir verifies the directory override.
func TestConfigDir(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("PENF_CAPTURE_CONFIG_DIR", dir)

	got, err := ConfigDir()
	if err != nil {
		t.Fatalf("ConfigDir() error = %v", err)
	}
	if got != dir {
		t.Errorf("ConfigDir() = %v, want %v", got, dir)
	}

	path, err := ConfigPath()
	if err != nil {
		t.Fatalf("ConfigPath() error = %v", err)
	}
	if path != filepath.Join(dir, DefaultConfigFile) {
		t.Errorf("ConfigPath() = %v", path)
	}
}

// TestLoadConfig_Defaults verifies that a missing default file is not an error.
func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("PENF_CAPTURE_CONFIG_DIR", t.TempDir())

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Store.Backend != StoreMemory {
		t.Errorf("Store.Backend = %v, want memory", cfg.Store.Backend)
	}
}

// TestLoadConfig_MissingExplicitFile verifies that a named file must exist.
func TestLoadConfig_MissingExplicitFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing explicit config file")
	}
}

// TestLoadConfig_FromFile verifies that file values override defaults.
func TestLoadConfig_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `operation_mode: manual
timing:
  title_delay: 2s
  wait_timeout: 1m
store:
  backend: redis
  coalesce_interval: 200ms
redis:
  addr: redis.internal:6380
  db: 2
export:
  dir: /var/lib/penf-capture
  tar: true
log:
  level: debug
  json: true
output_format: yaml
markup:
  variants:
    - name: custom
      end_call: {selector: "#end"}
      captions_toggle: {selector: "#cc"}
  caption_region: {selector: "#captions"}
  caption_container: ".line"
  caption_speaker: ".who"
  caption_text: ".what"
  chat_toggle: {selector: "#chat-btn"}
  chat_panel: {selector: "#chat"}
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.OperationMode != capture.OperationModeManual {
		t.Errorf("OperationMode = %v, want manual", cfg.OperationMode)
	}
	if cfg.Timing.TitleDelay != 2*time.Second {
		t.Errorf("TitleDelay = %v, want 2s", cfg.Timing.TitleDelay)
	}
	if cfg.Timing.ChatOpenDelay != 500*time.Millisecond {
		t.Errorf("ChatOpenDelay = %v, want default 500ms", cfg.Timing.ChatOpenDelay)
	}
	if cfg.Timing.WaitTimeout != time.Minute {
		t.Errorf("WaitTimeout = %v, want 1m", cfg.Timing.WaitTimeout)
	}
	if cfg.Store.Backend != StoreRedis || cfg.Store.CoalesceInterval != 200*time.Millisecond {
		t.Errorf("Store = %+v", cfg.Store)
	}
	if cfg.Redis.Addr != "redis.internal:6380" || cfg.Redis.DB != 2 {
		t.Errorf("Redis = %+v", cfg.Redis)
	}
	if cfg.Redis.Prefix != "capture" {
		t.Errorf("Redis.Prefix = %v, want default capture", cfg.Redis.Prefix)
	}
	if !cfg.Export.Tar || cfg.Export.Dir != "/var/lib/penf-capture" {
		t.Errorf("Export = %+v", cfg.Export)
	}
	if cfg.OutputFormat != OutputFormatYAML {
		t.Errorf("OutputFormat = %v, want yaml", cfg.OutputFormat)
	}
	if cfg.Markup == nil || cfg.Markup.Variants[0].EndCall.Selector != "#end" {
		t.Fatalf("Markup = %+v", cfg.Markup)
	}

	opts := cfg.SessionOptions()
	if opts.TitleDelay != 2*time.Second || opts.Markup.CaptionText != ".what" {
		t.Errorf("SessionOptions() = %+v", opts)
	}
	if lc := cfg.LoggingConfig(); lc.Level != logging.LevelDebug || !lc.JSONFormat {
		t.Errorf("LoggingConfig() = %+v", lc)
	}
}

// TestLoadConfig_InvalidFile verifies parse errors are reported.
func TestLoadConfig_InvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("timing:\n  title_delay: soon\n"), 0600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Error("expected error for invalid duration")
	}
}

// TestLoadConfig_WithEnvOverrides verifies env vars override file values.
func TestLoadConfig_WithEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("store:\n  backend: memory\nexport:\n  tar: true\n"), 0600); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	t.Setenv("PENF_CAPTURE_MODE", "MANUAL")
	t.Setenv("PENF_CAPTURE_TITLE_DELAY", "45s")
	t.Setenv("PENF_CAPTURE_STORE", "redis")
	t.Setenv("PENF_CAPTURE_REDIS_DB", "3")
	t.Setenv("PENF_CAPTURE_EXPORT_TAR", "false")
	t.Setenv("PENF_CAPTURE_OUTPUT_FORMAT", "json")
	t.Setenv("PENF_CAPTURE_DEBUG", "1")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.OperationMode != capture.OperationModeManual {
		t.Errorf("OperationMode = %v, want manual", cfg.OperationMode)
	}
	if cfg.Timing.TitleDelay != 45*time.Second {
		t.Errorf("TitleDelay = %v, want 45s", cfg.Timing.TitleDelay)
	}
	if cfg.Store.Backend != StoreRedis {
		t.Errorf("Store.Backend = %v, want redis", cfg.Store.Backend)
	}
	if cfg.Redis.DB != 3 {
		t.Errorf("Redis.DB = %v, want 3", cfg.Redis.DB)
	}
	if cfg.Export.Tar {
		t.Error("Export.Tar should be overridden to false")
	}
	if cfg.OutputFormat != OutputFormatJSON {
		t.Errorf("OutputFormat = %v, want json", cfg.OutputFormat)
	}
	if !cfg.Debug {
		t.Error("Debug should be true")
	}
}

// TestLoadFromEnv_InvalidValues verifies malformed env values are rejected.
func TestLoadFromEnv_InvalidValues(t *testing.T) {
	t.Setenv("PENF_CAPTURE_WAIT_TIMEOUT", "forever")
	t.Setenv("PENF_CAPTURE_DB_PORT", "fivefourthreetwo")

	err := loadFromEnv(DefaultConfig())
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"PENF_CAPTURE_WAIT_TIMEOUT", "PENF_CAPTURE_DB_PORT"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q should mention %s", err, want)
		}
	}
}

// TestSaveConfig verifies a saved config loads back unchanged.
func TestSaveConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg := DefaultConfig()
	cfg.Store.Backend = StoreRedis
	cfg.Timing.WaitTimeout = 90 * time.Second
	cfg.Export.Tar = true
	cfg.Postgres.Password = "never-written"

	if err := SaveConfig(cfg, path); err != nil {
		t.Fatalf("SaveConfig() error = %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("config file permissions = %o, want 0600", perm)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if strings.Contains(string(data), "never-written") {
		t.Error("password must not be written to the config file")
	}
	if !strings.Contains(string(data), "wait_timeout: 1m30s") {
		t.Errorf("durations should be written as strings:\n%s", data)
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if loaded.Store.Backend != StoreRedis || loaded.Timing.WaitTimeout != 90*time.Second || !loaded.Export.Tar {
		t.Errorf("loaded config = %+v", loaded)
	}
}

// TestExpandPath verifies ~ expansion.
func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	got, err := ExpandPath("~/exports")
	if err != nil {
		t.Fatalf("ExpandPath() error = %v", err)
	}
	if got != filepath.Join(home, "exports") {
		t.Errorf("ExpandPath() = %v", got)
	}
	if got, _ := ExpandPath("/abs"); got != "/abs" {
		t.Errorf("ExpandPath(/abs) = %v", got)
	}
}
