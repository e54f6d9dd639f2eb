package config

import (
	"github.com/nkkko/ply/internal/core"
	"github.com/nkkko/ply/internal/read"
	"github.com/nkkko/ply/internal/ui"
)

// Hooks are the runtime overrides that cannot live in a YAML file. Zero
// values keep the built-in behaviour.
type Hooks struct {
	// OnError replaces the default error handler
	OnError core.ErrorHandler

	// OnFatal is told about user-fatal errors by the default handler
	OnFatal core.FatalHandler

	// URLGenerator maps a view name to the URL of its reader
	URLGenerator read.URLGenerator

	// SelectorGenerator maps a view name to the selector it is started on
	SelectorGenerator func(name string) string

	// OnRegister runs before every view registration
	OnRegister func(name string, opts *ui.RegisterOptions) ui.RegisterDecision

	// Base is the prototype every defined view is layered over
	Base ui.Prototype
}

// UIHooks returns the registry hooks, with option defaults from ui.defaults
func (c *Config) UIHooks(h Hooks) ui.Hooks {
	return ui.Hooks{
		Defaults:          c.UI.Defaults,
		SelectorGenerator: h.SelectorGenerator,
		OnRegister:        h.OnRegister,
		Base:              h.Base,
	}
}

// CoreOptions returns the options for core.New. sink is used only when no
// OnError hook replaces the default handler.
func (c *Config) CoreOptions(h Hooks, sink core.Sink) []core.Option {
	opts := []core.Option{core.WithDebug(c.Core.Debug)}
	if h.OnError != nil {
		opts = append(opts, core.WithErrorHandler(h.OnError))
	}
	if h.OnFatal != nil {
		opts = append(opts, core.WithFatalHandler(h.OnFatal))
	}
	if sink != nil && c.Core.ErrorLoggingURL != "" {
		opts = append(opts, core.WithSink(sink))
	}
	return opts
}
