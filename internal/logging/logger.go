package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/trace"
)

// LogFormat represents the output format for logs
type LogFormat string

const (
	// FormatJSON outputs logs in JSON format
	FormatJSON LogFormat = "json"

	// FormatConsole outputs logs in a human-readable format
	FormatConsole LogFormat = "console"

	// FormatAuto picks console output on a terminal and JSON otherwise
	FormatAuto LogFormat = "auto"
)

// LogLevel represents the logging level
type LogLevel string

const (
	// LevelDebug shows all logs
	LevelDebug LogLevel = "debug"

	// LevelInfo shows info and above
	LevelInfo LogLevel = "info"

	// LevelWarn shows warnings and above
	LevelWarn LogLevel = "warn"

	// LevelError shows errors and above
	LevelError LogLevel = "error"
)

// Config contains logger configuration
type Config struct {
	// Logging level
	Level LogLevel

	// Output format (json, console or auto)
	Format LogFormat

	// Whether to include caller information
	IncludeCaller bool

	// Output writer (defaults to os.Stdout)
	Output io.Writer

	// Additional global context fields
	GlobalFields map[string]string
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		Level:         LevelInfo,
		Format:        FormatAuto,
		IncludeCaller: false,
		Output:        os.Stdout,
		GlobalFields:  map[string]string{},
	}
}

// Setup configures global logging
func Setup(config Config) error {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	output := config.Output
	if output == nil {
		output = os.Stdout
	}

	if useConsole(config.Format, output) {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}
	}

	logger := zerolog.New(output).With().Timestamp()
	if config.IncludeCaller {
		logger = logger.Caller()
	}
	for k, v := range config.GlobalFields {
		logger = logger.Str(k, v)
	}
	log.Logger = logger.Logger()

	return SetLevel(config.Level)
}

// SetLevel changes the global log level
func SetLevel(level LogLevel) error {
	lvl, err := parseLevel(level)
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(lvl)
	return nil
}

func useConsole(format LogFormat, out io.Writer) bool {
	switch format {
	case FormatConsole:
		return true
	case FormatAuto:
		f, ok := out.(*os.File)
		return ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()))
	default:
		return false
	}
}

// parseLevel converts a LogLevel to zerolog.Level
func parseLevel(level LogLevel) (zerolog.Level, error) {
	switch level {
	case LevelDebug:
		return zerolog.DebugLevel, nil
	case LevelInfo, "":
		return zerolog.InfoLevel, nil
	case LevelWarn:
		return zerolog.WarnLevel, nil
	case LevelError:
		return zerolog.ErrorLevel, nil
	default:
		return zerolog.InfoLevel, fmt.Errorf("invalid log level: %s", level)
	}
}

// FromContext returns a logger with trace context if available
func FromContext(ctx context.Context) zerolog.Logger {
	logger := log.Ctx(ctx).With()

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		logger = logger.
			Str("trace_id", span.SpanContext().TraceID().String()).
			Str("span_id", span.SpanContext().SpanID().String())
	}

	return logger.Logger()
}

// Component returns a logger with a component field
func Component(name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}
