// Package core holds the process-wide pieces every other Ply component
// leans on: the debug flag, the debug-gated console log, and the single
// error-reporting boundary.
package core

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	plyerrors "github.com/nkkko/ply/internal/errors"
	"github.com/nkkko/ply/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Level selects how a debug message is logged
type Level string

const (
	// LevelDefault logs without a level, like a plain console message
	LevelDefault Level = ""

	// LevelWarn logs a warning
	LevelWarn Level = "warn"

	// LevelInfo logs an informational notice
	LevelInfo Level = "info"
)

// ErrorHandler receives every error that reaches the error boundary
type ErrorHandler func(err error, severity plyerrors.Severity)

// FatalHandler is told about user-fatal errors by the default error handler
type FatalHandler func(rec plyerrors.Record)

// Sink ships error records to a remote collector
type Sink interface {
	Report(ctx context.Context, rec plyerrors.Record, severity plyerrors.Severity) error
}

// Core is the debug flag plus the logging and error boundaries
type Core struct {
	debug atomic.Bool

	mu      sync.RWMutex
	onError ErrorHandler
	onFatal FatalHandler
	sink    Sink

	sinkTimeout time.Duration
	logger      zerolog.Logger
	metrics     *metrics.Metrics
}

// Option configures a Core
type Option func(*Core)

// WithErrorHandler replaces the default error handler
func WithErrorHandler(h ErrorHandler) Option {
	return func(c *Core) { c.onError = h }
}

// WithFatalHandler sets the hook the default handler calls for fatal errors
func WithFatalHandler(h FatalHandler) Option {
	return func(c *Core) { c.onFatal = h }
}

// WithSink makes the default handler post records to a collector
func WithSink(s Sink) Option {
	return func(c *Core) { c.sink = s }
}

// WithDebug sets the initial debug flag
func WithDebug(on bool) Option {
	return func(c *Core) { c.debug.Store(on) }
}

// New creates a Core
func New(opts ...Option) *Core {
	c := &Core{
		sinkTimeout: 5 * time.Second,
		logger:      log.With().Str("component", "core").Logger(),
		metrics:     metrics.GetMetrics(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetDebug turns debug mode on or off
func (c *Core) SetDebug(on bool) {
	c.debug.Store(on)
	if on {
		c.Log("debugging...", LevelInfo)
	}
}

// Debug reports whether debug mode is on
func (c *Core) Debug() bool {
	return c.debug.Load()
}

// Log writes msg only when debug mode is on
func (c *Core) Log(msg string, level Level) {
	if !c.Debug() {
		return
	}

	switch level {
	case LevelWarn:
		c.logger.Warn().Msg(msg)
	case LevelInfo:
		c.logger.Info().Msg(msg)
	default:
		c.logger.Log().Msg(msg)
	}
}

// SetErrorHandler replaces the error handler at runtime. A nil handler
// restores the default.
func (c *Core) SetErrorHandler(h ErrorHandler) {
	c.mu.Lock()
	c.onError = h
	c.mu.Unlock()
}

// Error forwards err to the configured error handler
func (c *Core) Error(err error, severity plyerrors.Severity) {
	if err == nil {
		return
	}

	c.metrics.ErrorsReportedTotal.
		WithLabelValues(kindLabel(err), strconv.FormatBool(severity.Fatal())).
		Inc()

	c.mu.RLock()
	h := c.onError
	c.mu.RUnlock()

	if h != nil {
		h(err, severity)
		return
	}
	c.defaultError(err, severity)
}

// defaultError logs the record, ships it to the sink if one is configured,
// and calls the fatal hook for user-fatal severities.
func (c *Core) defaultError(err error, severity plyerrors.Severity) {
	rec := plyerrors.RecordOf(err)

	c.logger.Error().
		Err(err).
		Str("name", rec.Name).
		Str("description", rec.Description).
		Int("severity", int(severity)).
		Msg(rec.Message)

	if c.sink != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), c.sinkTimeout)
			defer cancel()
			if err := c.sink.Report(ctx, rec, severity); err != nil {
				c.logger.Warn().Err(err).Str("name", rec.Name).Msg("Failed to post error record")
			}
		}()
	}

	if severity.Fatal() {
		if c.onFatal != nil {
			c.onFatal(rec)
			return
		}
		c.logger.Error().Str("name", rec.Name).Msg("An error has occurred. Please refresh")
	}
}

func kindLabel(err error) string {
	if k := plyerrors.KindOf(err); k != "" {
		return string(k)
	}
	return "unclassified"
}
