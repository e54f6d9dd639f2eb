package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config represents the complete application configuration
type Config struct {
	Core      CoreConfig      `yaml:"core"`
	Ajax      AjaxConfig      `yaml:"ajax"`
	UI        UIConfig        `yaml:"ui"`
	Read      ReadConfig      `yaml:"read"`
	Server    ServerConfig    `yaml:"server"`
	Stream    StreamConfig    `yaml:"stream"`
	Storage   StorageConfig   `yaml:"storage"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// CoreConfig contains the debug flag and error reporting settings
type CoreConfig struct {
	Debug bool `yaml:"debug"`

	// ErrorLoggingURL is the collector the default error handler posts to.
	// Empty disables posting.
	ErrorLoggingURL string `yaml:"error_logging_url"`
}

// AjaxConfig contains gateway settings
type AjaxConfig struct {
	// Transport is "http" or "fasthttp"
	Transport string `yaml:"transport"`
	TimeoutMs int    `yaml:"timeout_ms"`
	BaseURL   string `yaml:"base_url"`
}

// UIConfig contains view registry settings
type UIConfig struct {
	// Defaults is the lowest option layer of every view
	Defaults map[string]any `yaml:"defaults"`
}

// ReadConfig contains read accessor settings
type ReadConfig struct {
	URLPrefix string `yaml:"url_prefix"`
}

// ServerConfig contains collector HTTP server settings
type ServerConfig struct {
	Addr           string   `yaml:"addr"`
	MaxBodySize    int      `yaml:"max_body_size"`
	ReadTimeout    int      `yaml:"read_timeout"`
	WriteTimeout   int      `yaml:"write_timeout"`
	IdleTimeout    int      `yaml:"idle_timeout"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// StreamConfig contains notification stream settings
type StreamConfig struct {
	Enabled                  bool     `yaml:"enabled"`
	Addr                     string   `yaml:"addr"`
	Events                   []string `yaml:"events"`
	MaxIdleTime              int      `yaml:"max_idle_time"`
	HeartbeatInterval        int      `yaml:"heartbeat_interval"`
	BroadcastBufferSize      int      `yaml:"broadcast_buffer_size"`
	BroadcastFlushIntervalMs int      `yaml:"broadcast_flush_interval_ms"`
}

// StorageConfig contains error journal settings
type StorageConfig struct {
	// Type is "badger", "bolt" or "memory"
	Type              string `yaml:"type"`
	DataDir           string `yaml:"data_dir"`
	CacheSize         int    `yaml:"cache_size"`
	GCIntervalMinutes int    `yaml:"gc_interval_minutes"`
	MaxEntries        int    `yaml:"max_entries"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level         string            `yaml:"level"`
	Format        string            `yaml:"format"`
	IncludeCaller bool              `yaml:"include_caller"`
	GlobalFields  map[string]string `yaml:"global_fields"`
}

// TelemetryConfig contains OpenTelemetry settings
type TelemetryConfig struct {
	Enabled       bool              `yaml:"enabled"`
	ServiceName   string            `yaml:"service_name"`
	Endpoint      string            `yaml:"endpoint"`
	SamplingRatio float64           `yaml:"sampling_ratio"`
	Attributes    map[string]string `yaml:"attributes"`
}

// MetricsConfig contains metrics settings
type MetricsConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Core: CoreConfig{
			Debug: false,
		},
		Ajax: AjaxConfig{
			Transport: "http",
			TimeoutMs: 30000,
		},
		UI: UIConfig{
			Defaults: map[string]any{},
		},
		Server: ServerConfig{
			Addr:           ":8080",
			MaxBodySize:    1048576, // 1MB
			ReadTimeout:    5,
			WriteTimeout:   10,
			IdleTimeout:    120,
			AllowedOrigins: []string{"*"},
		},
		Stream: StreamConfig{
			Enabled:                  true,
			Addr:                     ":8081",
			Events:                   []string{"view-refreshed", "client-error-fatal"},
			MaxIdleTime:              30,
			HeartbeatInterval:        5,
			BroadcastBufferSize:      200,
			BroadcastFlushIntervalMs: 50,
		},
		Storage: StorageConfig{
			Type:              "badger",
			DataDir:           "./data",
			CacheSize:         1000,
			GCIntervalMinutes: 10,
			MaxEntries:        10000,
		},
		Logging: LoggingConfig{
			Level:         "info",
			Format:        "auto",
			IncludeCaller: false,
			GlobalFields:  map[string]string{},
		},
		Telemetry: TelemetryConfig{
			Enabled:       false,
			ServiceName:   "ply",
			Endpoint:      "localhost:4317",
			SamplingRatio: 0.1,
			Attributes:    map[string]string{},
		},
		Metrics: MetricsConfig{
			Enabled:  true,
			Endpoint: "/metrics",
		},
	}
}

// LoadConfigFromFile loads configuration from a YAML file
func LoadConfigFromFile(filePath string) (*Config, error) {
	// Start with default configuration
	config := DefaultConfig()

	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Warn().Str("file", filePath).Msg("Configuration file not found, using defaults")
			return config, nil
		}
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return config, nil
}

// LoadConfig loads configuration from file, environment variables, and flags
func LoadConfig(configFile string, dataDir string, serverAddr string, logLevel string) (*Config, error) {
	var config *Config
	var err error

	if configFile != "" {
		config, err = LoadConfigFromFile(configFile)
		if err != nil {
			return nil, err
		}
	} else {
		config = DefaultConfig()
	}

	applyEnvOverrides(config)

	// Command line flags have the highest priority
	if dataDir != "" {
		absDataDir, err := filepath.Abs(dataDir)
		if err != nil {
			return nil, fmt.Errorf("failed to get absolute path for data directory: %w", err)
		}
		config.Storage.DataDir = absDataDir
	}

	if serverAddr != "" {
		config.Server.Addr = serverAddr
	}

	if logLevel != "" {
		config.Logging.Level = logLevel
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks values that would otherwise fail late
func (c *Config) Validate() error {
	switch c.Ajax.Transport {
	case "", "http", "fasthttp":
	default:
		return fmt.Errorf("unknown ajax transport %q", c.Ajax.Transport)
	}

	switch c.Storage.Type {
	case "badger", "bolt", "memory":
	default:
		return fmt.Errorf("unknown storage type %q", c.Storage.Type)
	}

	if c.Ajax.TimeoutMs < 0 {
		return fmt.Errorf("ajax timeout must not be negative")
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides to the configuration
func applyEnvOverrides(config *Config) {
	if debug := os.Getenv("PLY_DEBUG"); debug != "" {
		if val, err := strconv.ParseBool(debug); err == nil {
			config.Core.Debug = val
		}
	}
	if url := os.Getenv("PLY_ERROR_LOGGING_URL"); url != "" {
		config.Core.ErrorLoggingURL = url
	}

	if transport := os.Getenv("PLY_AJAX_TRANSPORT"); transport != "" {
		config.Ajax.Transport = transport
	}
	if timeoutStr := os.Getenv("PLY_AJAX_TIMEOUT_MS"); timeoutStr != "" {
		if val, err := strconv.Atoi(timeoutStr); err == nil {
			config.Ajax.TimeoutMs = val
		}
	}
	if base := os.Getenv("PLY_AJAX_BASE_URL"); base != "" {
		config.Ajax.BaseURL = base
	}

	if addr := os.Getenv("PLY_SERVER_ADDR"); addr != "" {
		config.Server.Addr = addr
	}
	if addr := os.Getenv("PLY_STREAM_ADDR"); addr != "" {
		config.Stream.Addr = addr
	}
	if events := os.Getenv("PLY_STREAM_EVENTS"); events != "" {
		config.Stream.Events = strings.Fields(strings.ReplaceAll(events, ",", " "))
	}

	if storageType := os.Getenv("PLY_STORAGE_TYPE"); storageType != "" {
		config.Storage.Type = storageType
	}
	if dataDir := os.Getenv("PLY_STORAGE_DATA_DIR"); dataDir != "" {
		config.Storage.DataDir = dataDir
	}

	if level := os.Getenv("PLY_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if format := os.Getenv("PLY_LOG_FORMAT"); format != "" {
		config.Logging.Format = format
	}

	if endpoint := os.Getenv("PLY_TELEMETRY_ENDPOINT"); endpoint != "" {
		config.Telemetry.Enabled = true
		config.Telemetry.Endpoint = endpoint
	}
}
