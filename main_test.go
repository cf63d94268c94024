package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otherjamesbrown/penf-capture/config"
	"github.com/otherjamesbrown/penf-capture/pkg/buildinfo"
)

func TestRootCommandSubcommands(t *testing.T) {
	want := []string{"replay", "export", "archive", "db", "auth", "config", "version", "completion"}
	for _, name := range want {
		found := false
		for _, c := range rootCmd.Commands() {
			if c.Name() == name {
				found = true
				break
			}
		}
		assert.True(t, found, "missing subcommand %q", name)
	}
}

func TestRootPersistentFlags(t *testing.T) {
	for _, name := range []string{"config", "output", "debug", "metrics-addr"} {
		assert.NotNil(t, rootCmd.PersistentFlags().Lookup(name), "missing flag --%s", name)
	}
}

func TestLoadConfig_FlagOverrides(t *testing.T) {
	t.Setenv("PENF_CAPTURE_CONFIG_DIR", t.TempDir())
	t.Cleanup(func() {
		outputFormat, debug, metricsAddr = "", false, ""
	})

	outputFormat = "yaml"
	debug = true
	metricsAddr = "127.0.0.1:9464"

	loaded, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, config.OutputFormatYAML, loaded.OutputFormat)
	assert.True(t, loaded.Debug)
	assert.Equal(t, "127.0.0.1:9464", loaded.MetricsAddr)
}

func TestLoadConfig_InvalidOutput(t *testing.T) {
	t.Setenv("PENF_CAPTURE_CONFIG_DIR", t.TempDir())
	t.Cleanup(func() { outputFormat = "" })

	outputFormat = "xml"
	_, err := loadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid output format")
}

func TestVersionJSON(t *testing.T) {
	var buf bytes.Buffer
	versionCmd.SetOut(&buf)
	t.Cleanup(func() {
		versionCmd.SetOut(nil)
		outputFormat = ""
	})

	outputFormat = "json"
	require.NoError(t, versionCmd.RunE(versionCmd, nil))

	var info buildinfo.Info
	require.NoError(t, json.Unmarshal(buf.Bytes(), &info))
	assert.Equal(t, serviceName, info.ServiceName)
	assert.Equal(t, buildinfo.Version, info.Version)
}

func TestVersionText(t *testing.T) {
	var buf bytes.Buffer
	versionCmd.SetOut(&buf)
	t.Cleanup(func() { versionCmd.SetOut(nil) })

	require.NoError(t, versionCmd.RunE(versionCmd, nil))
	out := buf.String()
	assert.Contains(t, out, "penf-capture version")
	assert.Contains(t, out, "commit:")
	assert.Contains(t, out, "built:")
}

func TestConfigInit(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("PENF_CAPTURE_CONFIG_DIR", dir)

	var buf bytes.Buffer
	configInitCmd.SetOut(&buf)
	t.Cleanup(func() { configInitCmd.SetOut(nil) })

	require.NoError(t, configInitCmd.RunE(configInitCmd, nil))
	assert.Contains(t, buf.String(), "Created configuration file")

	path := filepath.Join(dir, config.DefaultConfigFile)
	_, err := os.Stat(path)
	require.NoError(t, err)

	loaded, err := config.LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, config.StoreMemory, loaded.Store.Backend)

	buf.Reset()
	require.NoError(t, configInitCmd.RunE(configInitCmd, nil))
	assert.Contains(t, buf.String(), "already exists")
}

func TestConfigView(t *testing.T) {
	view, err := configView(config.DefaultConfig())
	require.NoError(t, err)

	assert.Contains(t, view, "operation_mode")
	assert.Contains(t, view, "store")
	assert.Contains(t, view, "export")

	// JSON output must be encodable from the view.
	_, err = json.Marshal(view)
	assert.NoError(t, err)
}

func TestMetricsHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "penf_capture_test_total",
		Help: "Test counter.",
	})
	reg.MustRegister(counter)
	counter.Inc()

	srv := httptest.NewServer(newMetricsHandler(reg))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(string(body), "penf_capture_test_total 1"), "metrics body:\n%s", body)

	resp, err = http.Get(srv.URL + "/version")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var info buildinfo.Info
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
	assert.Equal(t, serviceName, info.ServiceName)
}
