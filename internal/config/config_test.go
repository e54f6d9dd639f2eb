package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nkkko/ply/internal/ajax"
	"github.com/nkkko/ply/internal/logging"
	"github.com/nkkko/ply/internal/storage"
	"github.com/nkkko/ply/internal/ui"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.NotNil(t, cfg)

	assert.False(t, cfg.Core.Debug)
	assert.Equal(t, "http", cfg.Ajax.Transport)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "./data", cfg.Storage.DataDir)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, []string{"view-refreshed", "client-error-fatal"}, cfg.Stream.Events)
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfigFromFile(t *testing.T) {
	testConfig := `core:
  debug: true
  error_logging_url: "http://collector:8080"
ajax:
  transport: fasthttp
  timeout_ms: 500
ui:
  defaults:
    theme: dark
    paging:
      size: 20
read:
  url_prefix: /app
`
	configFile := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configFile, []byte(testConfig), 0644))

	cfg, err := LoadConfigFromFile(configFile)
	require.NoError(t, err)

	assert.True(t, cfg.Core.Debug)
	assert.Equal(t, "http://collector:8080", cfg.Core.ErrorLoggingURL)
	assert.Equal(t, "fasthttp", cfg.Ajax.Transport)
	assert.Equal(t, 500, cfg.Ajax.TimeoutMs)
	assert.Equal(t, "dark", cfg.UI.Defaults["theme"])
	assert.Equal(t, map[string]any{"size": 20}, cfg.UI.Defaults["paging"])
	assert.Equal(t, "/app", cfg.Read.URLPrefix)

	// Unspecified sections keep their defaults
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "badger", cfg.Storage.Type)
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfigFromFile(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadConfigPrecedence(t *testing.T) {
	testConfig := `server:
  addr: ":9090"
storage:
  data_dir: "./test-data"
`
	configFile := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configFile, []byte(testConfig), 0644))

	t.Setenv("PLY_SERVER_ADDR", ":8888")
	t.Setenv("PLY_DEBUG", "true")
	t.Setenv("PLY_STREAM_EVENTS", "a, b c")

	cfg, err := LoadConfig(configFile, "./cli-data", "", "warn")
	require.NoError(t, err)

	absPath, _ := filepath.Abs("./cli-data")
	assert.Equal(t, absPath, cfg.Storage.DataDir)
	assert.Equal(t, ":8888", cfg.Server.Addr)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.True(t, cfg.Core.Debug)
	assert.Equal(t, []string{"a", "b", "c"}, cfg.Stream.Events)
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Ajax.Transport = "carrier-pigeon"
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Storage.Type = "tape"
	assert.Error(t, cfg.Validate())

	t.Setenv("PLY_AJAX_TRANSPORT", "smoke")
	_, err := LoadConfig("", "", "", "")
	assert.Error(t, err)
}

func TestComponentConfigs(t *testing.T) {
	cfg := DefaultConfig()

	ajaxCfg := cfg.ToAjaxConfig()
	assert.Equal(t, 30*time.Second, ajaxCfg.Timeout)

	_, ok := cfg.NewTransport().(*ajax.HTTPTransport)
	assert.True(t, ok)
	cfg.Ajax.Transport = "fasthttp"
	_, ok = cfg.NewTransport().(*ajax.FastHTTPTransport)
	assert.True(t, ok)

	storageCfg := cfg.ToStorageConfig()
	assert.Equal(t, storage.BadgerJournalType, storageCfg.Type)
	assert.Equal(t, 10*time.Minute, storageCfg.GCInterval)

	notifierCfg := cfg.ToNotifierConfig()
	assert.Equal(t, 30*time.Second, notifierCfg.MaxIdleTime)
	assert.Equal(t, 50*time.Millisecond, notifierCfg.BroadcastFlushInterval)

	apiCfg := cfg.ToAPIConfig()
	assert.Equal(t, cfg.Server.Addr, apiCfg.Addr)
	assert.Equal(t, "/metrics", apiCfg.MetricsEndpoint)
	cfg.Metrics.Enabled = false
	assert.Empty(t, cfg.ToAPIConfig().MetricsEndpoint)

	logCfg := cfg.ToLoggingConfig()
	assert.Equal(t, logging.LevelInfo, logCfg.Level)
	assert.Equal(t, logging.FormatAuto, logCfg.Format)
	assert.Equal(t, logging.LevelInfo, ParseLogLevel("verbose"))

	assert.Equal(t, "ply", cfg.ToTelemetryConfig().ServiceName)
}

func TestHooks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.UI.Defaults = map[string]any{"theme": "dark"}

	hooks := Hooks{
		OnRegister: func(string, *ui.RegisterOptions) ui.RegisterDecision { return ui.Suppress },
	}
	uiHooks := cfg.UIHooks(hooks)
	assert.Equal(t, cfg.UI.Defaults, uiHooks.Defaults)
	assert.NotNil(t, uiHooks.OnRegister)

	assert.Len(t, cfg.CoreOptions(Hooks{}, nil), 1)
}

func TestWatchReloads(t *testing.T) {
	dir := t.TempDir()
	configFile := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(configFile, []byte("core:\n  debug: false\n"), 0644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan *Config, 4)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, configFile, 20*time.Millisecond, func(c *Config) { changes <- c })
	}()

	// Give the watcher time to register before writing
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(configFile, []byte("core:\n  debug: true\n"), 0644))

	select {
	case c := <-changes:
		assert.True(t, c.Core.Debug)
	case <-time.After(3 * time.Second):
		t.Fatal("no reload after write")
	}

	cancel()
	assert.NoError(t, <-done)
}
