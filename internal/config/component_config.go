package config

import (
	"time"

	"github.com/nkkko/ply/internal/ajax"
	"github.com/nkkko/ply/internal/api"
	"github.com/nkkko/ply/internal/logging"
	"github.com/nkkko/ply/internal/notifier"
	"github.com/nkkko/ply/internal/storage"
	"github.com/nkkko/ply/internal/telemetry"
)

// ToAjaxConfig converts to gateway config
func (c *Config) ToAjaxConfig() ajax.Config {
	return ajax.Config{
		BaseURL: c.Ajax.BaseURL,
		Timeout: time.Duration(c.Ajax.TimeoutMs) * time.Millisecond,
	}
}

// NewTransport builds the transport named by ajax.transport
func (c *Config) NewTransport() ajax.Transport {
	timeout := time.Duration(c.Ajax.TimeoutMs) * time.Millisecond
	if c.Ajax.Transport == "fasthttp" {
		return ajax.NewFastHTTPTransport(timeout)
	}
	return ajax.NewHTTPTransport(timeout)
}

// ToStorageConfig converts to journal config
func (c *Config) ToStorageConfig() storage.Config {
	return storage.Config{
		Type:       storage.Type(c.Storage.Type),
		DataDir:    c.Storage.DataDir,
		CacheSize:  c.Storage.CacheSize,
		GCInterval: time.Duration(c.Storage.GCIntervalMinutes) * time.Minute,
		MaxEntries: c.Storage.MaxEntries,
	}
}

// ToNotifierConfig converts to notification stream config
func (c *Config) ToNotifierConfig() notifier.Config {
	return notifier.Config{
		Events:                 c.Stream.Events,
		MaxIdleTime:            time.Duration(c.Stream.MaxIdleTime) * time.Second,
		HeartbeatInterval:      time.Duration(c.Stream.HeartbeatInterval) * time.Second,
		BroadcastBufferSize:    c.Stream.BroadcastBufferSize,
		BroadcastFlushInterval: time.Duration(c.Stream.BroadcastFlushIntervalMs) * time.Millisecond,
	}
}

// ToAPIConfig converts to collector API config
func (c *Config) ToAPIConfig() api.Config {
	cfg := api.Config{
		Addr:           c.Server.Addr,
		MaxBodySize:    int64(c.Server.MaxBodySize),
		ReadTimeout:    time.Duration(c.Server.ReadTimeout) * time.Second,
		WriteTimeout:   time.Duration(c.Server.WriteTimeout) * time.Second,
		IdleTimeout:    time.Duration(c.Server.IdleTimeout) * time.Second,
		AllowedOrigins: c.Server.AllowedOrigins,
	}
	if c.Metrics.Enabled {
		cfg.MetricsEndpoint = c.Metrics.Endpoint
	}
	return cfg
}

// ToLoggingConfig converts to logging config
func (c *Config) ToLoggingConfig() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = ParseLogLevel(c.Logging.Level)

	switch c.Logging.Format {
	case "json":
		cfg.Format = logging.FormatJSON
	case "console":
		cfg.Format = logging.FormatConsole
	default:
		cfg.Format = logging.FormatAuto
	}

	cfg.IncludeCaller = c.Logging.IncludeCaller
	cfg.GlobalFields = c.Logging.GlobalFields
	return cfg
}

// ParseLogLevel maps a configured level name to a logging level, falling
// back to info
func ParseLogLevel(level string) logging.LogLevel {
	switch level {
	case "debug":
		return logging.LevelDebug
	case "warn":
		return logging.LevelWarn
	case "error":
		return logging.LevelError
	default:
		return logging.LevelInfo
	}
}

// ToTelemetryConfig converts to telemetry config
func (c *Config) ToTelemetryConfig() telemetry.Config {
	return telemetry.Config{
		Enabled:       c.Telemetry.Enabled,
		ServiceName:   c.Telemetry.ServiceName,
		Endpoint:      c.Telemetry.Endpoint,
		SamplingRatio: c.Telemetry.SamplingRatio,
		Timeout:       5 * time.Second,
		Attributes:    c.Telemetry.Attributes,
	}
}
