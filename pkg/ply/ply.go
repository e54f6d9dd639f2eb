// Package ply wires the loop, the error boundary, the notification bus,
// the AJAX gateway, the read accessors and the view registry into one App.
//
// Everything an App does runs on its loop. Call App methods before Run, or
// from code the loop is already running (view hooks, handlers, request
// callbacks, tasks handed to Post).
package ply

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/nkkko/ply/internal/ajax"
	"github.com/nkkko/ply/internal/config"
	"github.com/nkkko/ply/internal/core"
	"github.com/nkkko/ply/internal/dom"
	plyerrors "github.com/nkkko/ply/internal/errors"
	"github.com/nkkko/ply/internal/logging"
	"github.com/nkkko/ply/internal/loop"
	"github.com/nkkko/ply/internal/notifier"
	"github.com/nkkko/ply/internal/read"
	"github.com/nkkko/ply/internal/ui"
	"github.com/nkkko/ply/pkg/client"
	"github.com/rs/zerolog"
)

type (
	Config              = config.Config
	Hooks               = config.Hooks
	View                = ui.View
	Prototype           = ui.Prototype
	Hook                = ui.Hook
	Method              = ui.Method
	NotificationHandler = ui.NotificationHandler
	RegisterOptions     = ui.RegisterOptions
	Notification        = notifier.Notification
	Handler             = notifier.Handler
	Handle              = notifier.Handle
	Request             = ajax.Request
	Response            = ajax.Response
	Callbacks           = ajax.Callbacks
	Group               = ajax.Group
	RequestHandle       = ajax.Handle
	Reader              = read.Reader
	Severity            = plyerrors.Severity
	Record              = plyerrors.Record
	Level               = core.Level
)

const (
	SeverityRecoverable = plyerrors.SeverityRecoverable
	SeverityFatal       = plyerrors.SeverityFatal
)

// DefaultConfig returns the default configuration
func DefaultConfig() *Config { return config.DefaultConfig() }

// NewGroup creates a synchronization group for Request
func NewGroup() *Group { return ajax.NewGroup() }

// App is one Ply runtime
type App struct {
	config   *config.Config
	loop     *loop.Loop
	core     *core.Core
	bus      *notifier.Bus
	gateway  *ajax.Gateway
	reads    *read.Table
	registry *ui.Registry
	logger   zerolog.Logger
}

// Option configures an App
type Option func(*options)

type options struct {
	transport ajax.Transport
	sink      core.Sink
}

// WithTransport replaces the transport named in the config
func WithTransport(t ajax.Transport) Option {
	return func(o *options) { o.transport = t }
}

// WithSink replaces the collector client the default error handler posts to
func WithSink(s core.Sink) Option {
	return func(o *options) { o.sink = s }
}

// New builds an App from cfg and hooks. A nil cfg uses the defaults.
func New(cfg *Config, hooks Hooks, opts ...Option) (*App, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.transport == nil {
		o.transport = cfg.NewTransport()
	}
	if o.sink == nil && cfg.Core.ErrorLoggingURL != "" {
		o.sink = client.New(cfg.Core.ErrorLoggingURL)
	}

	a := &App{
		config: cfg,
		loop:   loop.New(),
		logger: logging.Component("ply"),
	}
	a.core = core.New(cfg.CoreOptions(hooks, o.sink)...)
	a.bus = notifier.NewBus(a.core)

	gateway, err := ajax.NewGateway(cfg.ToAjaxConfig(), o.transport, a.loop, a.core)
	if err != nil {
		return nil, fmt.Errorf("failed to create gateway: %w", err)
	}
	a.gateway = gateway

	a.reads = read.NewTable(a.gateway, hooks.URLGenerator, cfg.Read.URLPrefix)
	a.registry = ui.NewRegistry(cfg.UIHooks(hooks), a.bus, a.core, a.reads)

	return a, nil
}

// Run processes loop tasks until ctx is done
func (a *App) Run(ctx context.Context) error {
	return a.loop.Run(ctx)
}

// Drain processes loop tasks until nothing is queued or in flight
func (a *App) Drain(ctx context.Context) error {
	return a.loop.Drain(ctx)
}

// Post queues task on the loop. It is safe to call from any goroutine.
func (a *App) Post(task func()) {
	a.loop.Post(task)
}

// SetDebug turns debug mode on or off
func (a *App) SetDebug(on bool) { a.core.SetDebug(on) }

// Debug reports whether debug mode is on
func (a *App) Debug() bool { return a.core.Debug() }

// Log writes msg when debug mode is on
func (a *App) Log(msg string, level Level) { a.core.Log(msg, level) }

// Error sends err through the error boundary
func (a *App) Error(err error, severity Severity) { a.core.Error(err, severity) }

// SetErrorHandler replaces the error handler; nil restores the default
func (a *App) SetErrorHandler(h func(err error, severity Severity)) {
	a.core.SetErrorHandler(h)
}

// Notify publishes a notification on the bus
func (a *App) Notify(name string, sender, payload any) {
	a.bus.Publish(name, sender, payload)
}

// Listen subscribes handler to every whitespace-separated name in names
func (a *App) Listen(names string, handler Handler, listener any) Handle {
	return a.bus.Subscribe(names, handler, listener)
}

// Ignore removes the subscriptions behind h
func (a *App) Ignore(h Handle) {
	a.bus.Unsubscribe(h)
}

// Request issues an HTTP request. It returns nil when the request could
// not be built; the failure went through the error boundary.
func (a *App) Request(req Request, cb Callbacks) *RequestHandle {
	return a.gateway.Request(req, cb)
}

// Reader returns the read accessor generated for a defined view
func (a *App) Reader(name string) (Reader, bool) {
	return a.reads.Get(name)
}

// SetDocument parses markup and makes it the document views bind to
func (a *App) SetDocument(r io.Reader) error {
	doc, err := dom.Parse(r)
	if err != nil {
		return fmt.Errorf("failed to parse document: %w", err)
	}
	a.registry.SetDocument(doc)
	return nil
}

// Document returns the current document
func (a *App) Document() *dom.Document {
	return a.registry.Document()
}

// Define stores a view template
func (a *App) Define(name string, p Prototype) error {
	return a.registry.Define(name, p)
}

// Register starts a view, running the OnRegister hook first
func (a *App) Register(name string, opts RegisterOptions) (*View, error) {
	return a.registry.Register(name, opts)
}

// Remove disposes every view bound inside the elements selector matches
func (a *App) Remove(selector string) error {
	doc := a.registry.Document()
	if doc == nil {
		return ui.ErrNoDocument
	}
	sel, err := doc.Find(selector)
	if err != nil {
		return err
	}
	a.registry.Remove(sel)
	return nil
}

// Views returns the live views in start order
func (a *App) Views() []*View {
	return a.registry.Views()
}

// WatchConfig applies debug flag and log level changes in path until ctx
// is done
func (a *App) WatchConfig(ctx context.Context, path string) error {
	return config.Watch(ctx, path, 200*time.Millisecond, func(cfg *config.Config) {
		a.loop.Post(func() {
			a.core.SetDebug(cfg.Core.Debug)
			if err := logging.SetLevel(config.ParseLogLevel(cfg.Logging.Level)); err != nil {
				a.logger.Warn().Err(err).Msg("Failed to apply log level")
			}
		})
	})
}
