// Package engine composes the Ply daemon: the error collector API, the
// error journal and the notification stream, all sharing one bus that is
// driven by one loop.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/nkkko/ply/internal/api"
	"github.com/nkkko/ply/internal/config"
	"github.com/nkkko/ply/internal/core"
	"github.com/nkkko/ply/internal/logging"
	"github.com/nkkko/ply/internal/loop"
	"github.com/nkkko/ply/internal/notifier"
	"github.com/nkkko/ply/internal/storage"
	"github.com/nkkko/ply/internal/telemetry"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Engine is the main coordinator of the daemon components
type Engine struct {
	config     *config.Config
	configFile string

	loop      *loop.Loop
	core      *core.Core
	bus       *notifier.Bus
	journal   storage.Journal
	collector *api.Collector
	stream    *notifier.Stream
	streamApp *fiber.App

	logger      zerolog.Logger
	telemetryFn func(context.Context) error
}

// Option configures an Engine
type Option func(*Engine)

// WithConfigFile makes the engine watch path and apply changes to the debug
// flag and log level while running
func WithConfigFile(path string) Option {
	return func(e *Engine) { e.configFile = path }
}

// WithJournal replaces the journal built from the storage config
func WithJournal(j storage.Journal) Option {
	return func(e *Engine) { e.journal = j }
}

// loopPublisher hands publishes from HTTP goroutines to the loop that owns
// the bus
type loopPublisher struct {
	loop *loop.Loop
	bus  *notifier.Bus
}

func (p loopPublisher) Publish(name string, sender, payload any) {
	p.loop.Post(func() { p.bus.Publish(name, sender, payload) })
}

// New creates an engine with every component built from cfg
func New(cfg *config.Config, opts ...Option) (*Engine, error) {
	e := &Engine{
		config: cfg,
		loop:   loop.New(),
		logger: log.With().Str("component", "engine").Logger(),
	}
	for _, opt := range opts {
		opt(e)
	}

	e.core = core.New(core.WithDebug(cfg.Core.Debug))
	e.bus = notifier.NewBus(e.core)

	if e.journal == nil {
		storageCfg := cfg.ToStorageConfig()
		if storageCfg.Type != storage.MemoryJournalType {
			if err := os.MkdirAll(storageCfg.DataDir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create data directory: %w", err)
			}
		}
		journal, err := storage.New(storageCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to open error journal: %w", err)
		}
		e.journal = journal
	}

	e.collector = api.NewCollector(cfg.ToAPIConfig(), e.journal, loopPublisher{loop: e.loop, bus: e.bus})

	if cfg.Stream.Enabled {
		e.stream = notifier.NewStream(cfg.ToNotifierConfig(), e.bus, e.loop)
		e.streamApp = e.stream.App()
	}

	return e, nil
}

// Bus returns the bus shared by the collector and the stream
func (e *Engine) Bus() *notifier.Bus { return e.bus }

// Loop returns the loop that owns the bus
func (e *Engine) Loop() *loop.Loop { return e.loop }

// Journal returns the error journal
func (e *Engine) Journal() storage.Journal { return e.journal }

// Collector returns the collector API
func (e *Engine) Collector() *api.Collector { return e.collector }

// Start runs every component until ctx is done or one of them fails
func (e *Engine) Start(ctx context.Context) error {
	e.logger.Info().Msg("Starting Ply daemon")

	telShutdown, err := telemetry.Setup(ctx, e.config.ToTelemetryConfig())
	if err != nil {
		e.logger.Warn().Err(err).Msg("Failed to set up telemetry, continuing without it")
	} else {
		e.telemetryFn = telShutdown
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := e.loop.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("loop: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return e.journal.Start(ctx)
	})

	g.Go(func() error {
		return e.collector.Start(ctx)
	})

	if e.stream != nil {
		// Subscribing touches the bus, which belongs to the loop
		e.loop.Post(func() {
			if err := e.stream.Start(ctx); err != nil {
				e.logger.Error().Err(err).Msg("Failed to start notification stream")
			}
		})
		g.Go(func() error {
			return e.serveStream(ctx)
		})
	}

	if e.configFile != "" {
		g.Go(func() error {
			return config.Watch(ctx, e.configFile, 200*time.Millisecond, e.reload)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("error running engine: %w", err)
	}

	e.logger.Info().Msg("Ply daemon shut down")
	return nil
}

func (e *Engine) serveStream(ctx context.Context) error {
	addr := e.config.Stream.Addr
	errCh := make(chan error, 1)
	go func() {
		e.logger.Info().Str("addr", addr).Msg("Notification stream listening")
		errCh <- e.streamApp.Listen(addr)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("stream server: %w", err)
	case <-ctx.Done():
	}
	return e.streamApp.ShutdownWithTimeout(5 * time.Second)
}

// reload applies the settings that may change while running
func (e *Engine) reload(cfg *config.Config) {
	e.core.SetDebug(cfg.Core.Debug)
	if err := logging.SetLevel(config.ParseLogLevel(cfg.Logging.Level)); err != nil {
		e.logger.Warn().Err(err).Msg("Failed to apply log level")
	}
	e.logger.Info().
		Bool("debug", cfg.Core.Debug).
		Str("level", cfg.Logging.Level).
		Msg("Applied configuration change")
}

// Shutdown stops the stream and closes the journal. Start must have
// returned first.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.logger.Info().Msg("Shutting down Ply daemon")

	if e.stream != nil {
		if err := e.stream.Shutdown(ctx); err != nil {
			e.logger.Error().Err(err).Msg("Failed to shut down notification stream")
		}
	}

	// Journal last; the collector may still be writing until it stops
	if err := e.journal.Close(); err != nil {
		e.logger.Error().Err(err).Msg("Failed to close error journal")
		return err
	}

	if e.telemetryFn != nil {
		if err := e.telemetryFn(ctx); err != nil {
			e.logger.Error().Err(err).Msg("Failed to shut down telemetry")
		}
	}

	return nil
}
