// Package ui defines views, binds them to elements of a document and
// manages their lifecycle: partial views, notification bindings, the
// option and data chain through delegates, and teardown.
package ui

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/nkkko/ply/internal/core"
	"github.com/nkkko/ply/internal/dom"
	plyerrors "github.com/nkkko/ply/internal/errors"
	"github.com/nkkko/ply/internal/metrics"
	"github.com/nkkko/ply/internal/notifier"
	"github.com/nkkko/ply/internal/read"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// RefreshedEvent is published after View.Refresh re-registers a view
const RefreshedEvent = "view-refreshed"

// ErrNoDocument is returned when a view needs a selector resolved but the
// registry has no document
var ErrNoDocument = errors.New("no document to resolve selector against")

// Bus is the notification bus views subscribe and publish on
type Bus interface {
	Subscribe(names string, handler notifier.Handler, listener any) notifier.Handle
	Unsubscribe(h notifier.Handle)
	Publish(name string, sender, payload any)
}

// Reporter is the debug flag, debug log and error boundary
type Reporter interface {
	Debug() bool
	Log(msg string, level core.Level)
	Error(err error, severity plyerrors.Severity)
}

type definition struct {
	name      string
	prototype Prototype
	reader    read.Reader
}

// Registry holds view definitions and the views started from them
type Registry struct {
	mu    sync.RWMutex
	defs  map[string]*definition
	doc   *dom.Document
	hooks Hooks

	// views lists live views in start order. A parent is listed before the
	// partials it starts.
	views []*View

	bus      Bus
	reporter Reporter
	reads    *read.Table
	logger   zerolog.Logger
	metrics  *metrics.Metrics
}

// NewRegistry creates a registry. reads may be nil, in which case views get
// no reader.
func NewRegistry(hooks Hooks, bus Bus, reporter Reporter, reads *read.Table) *Registry {
	if hooks.SelectorGenerator == nil {
		hooks.SelectorGenerator = DefaultSelector
	}
	return &Registry{
		defs:     make(map[string]*definition),
		hooks:    hooks,
		bus:      bus,
		reporter: reporter,
		reads:    reads,
		logger:   log.With().Str("component", "ui").Logger(),
		metrics:  metrics.GetMetrics(),
	}
}

// SetDocument sets the document selectors are resolved against
func (r *Registry) SetDocument(doc *dom.Document) {
	r.mu.Lock()
	r.doc = doc
	r.mu.Unlock()
}

// Document returns the current document
func (r *Registry) Document() *dom.Document {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.doc
}

// Define stores the template for name, layered over the base prototype.
// Defining a name again replaces its template for views started later.
func (r *Registry) Define(name string, p Prototype) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("view name is required")
	}
	for id, partial := range p.Partials {
		if _, ok := p.Elements[id]; !ok {
			return fmt.Errorf("view %q: partial %q has no element of that id", name, partial)
		}
	}

	def := &definition{name: name, prototype: p.withBase(r.hooks.Base)}
	if r.reads != nil {
		def.reader = r.reads.Add(name, p.URL)
	}

	r.mu.Lock()
	_, replaced := r.defs[name]
	r.defs[name] = def
	r.mu.Unlock()

	r.logger.Debug().Str("view", name).Bool("replaced", replaced).Msg("View defined")
	return nil
}

// Defined reports whether name has a template
func (r *Registry) Defined(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.defs[name]
	return ok
}

// Register is the usual way to start a view. It runs the OnRegister hook,
// fills in a generated selector when no target is given, then starts the
// view. A suppressed registration returns nil, nil.
func (r *Registry) Register(name string, opts RegisterOptions) (*View, error) {
	if r.hooks.OnRegister != nil && r.hooks.OnRegister(name, &opts) == Suppress {
		r.reporter.Log("registration of "+name+" suppressed", core.LevelInfo)
		return nil, nil
	}

	if opts.Element == nil && opts.Selector == "" {
		opts.Selector = r.hooks.SelectorGenerator(name)
		r.reporter.Log("No view name supplied, implying: "+opts.Selector, core.LevelDefault)
	}

	return r.Start(name, opts)
}

// Start instantiates a view without consulting the OnRegister hook. A
// failure is reported as a view init error; with debug on it is also
// returned, otherwise Start returns nil, nil so one broken view does not
// take others down.
func (r *Registry) Start(name string, opts RegisterOptions) (v *View, err error) {
	r.reporter.Log("trying start: "+name, core.LevelInfo)

	defer func() {
		if rec := recover(); rec != nil {
			v, err = nil, r.startFailed(name, plyerrors.FromPanic(rec))
		}
	}()

	v, err = r.instantiate(name, opts)
	if err != nil {
		return nil, r.startFailed(name, err)
	}

	r.metrics.ViewsStartedTotal.WithLabelValues("ok").Inc()
	return v, nil
}

func (r *Registry) startFailed(name string, cause error) error {
	r.metrics.ViewsStartedTotal.WithLabelValues("failed").Inc()
	r.reporter.Log(name+" failed to start.", core.LevelDefault)

	verr := plyerrors.ViewInit(name, cause)
	r.logger.Warn().Err(cause).Str("view", name).Msg("View failed to start")
	r.reporter.Error(verr, plyerrors.SeverityRecoverable)

	if r.reporter.Debug() {
		return verr
	}
	return nil
}

func (r *Registry) instantiate(name string, opts RegisterOptions) (*View, error) {
	r.mu.RLock()
	def, ok := r.defs[name]
	doc := r.doc
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("view %q is not defined", name)
	}

	element := opts.Element
	if element == nil {
		if doc == nil {
			return nil, ErrNoDocument
		}
		sel, err := doc.Find(opts.Selector)
		if err != nil {
			return nil, err
		}
		element = sel
	}

	p := def.prototype
	v := &View{
		name:     name,
		registry: r,
		def:      def,
		element:  element,
		delegate: opts.Delegate,
		options:  deepMerge(r.hooks.Defaults, p.Options, opts.Options),
		data:     deepMerge(p.Data, opts.Data),
		elements: make(map[string]*dom.Selection),
		partials: make(map[string]*View),
		state:    StateBound,
	}
	r.track(v)

	if err := r.activate(v); err != nil {
		v.teardown(false)
		return nil, err
	}
	return v, nil
}

// activate binds elements, partials and notifications, then runs Init. A
// panic in a hook is returned as an error.
func (r *Registry) activate(v *View) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = plyerrors.FromPanic(rec)
		}
	}()
	return r.bind(v)
}

func (r *Registry) bind(v *View) error {
	p := v.def.prototype

	for _, id := range sortedKeys(p.Elements) {
		sel, err := v.element.Find(p.Elements[id])
		if err != nil {
			return fmt.Errorf("element %q: %w", id, err)
		}
		v.elements[id] = sel
	}

	for _, id := range sortedKeys(p.Partials) {
		target := v.elements[id]
		if target.Len() == 0 {
			continue
		}

		child, err := r.Register(p.Partials[id], RegisterOptions{Element: target, Delegate: v})
		if err != nil {
			return fmt.Errorf("partial %q: %w", id, err)
		}
		if child != nil {
			v.partials[id] = child
		}
	}

	for _, events := range sortedKeys(p.Notifications) {
		handlerName := p.Notifications[events]
		handler, ok := p.Handlers[handlerName]
		if !ok {
			return fmt.Errorf("notification %q: no handler named %q", events, handlerName)
		}

		h := r.bus.Subscribe(events, func(listener any, n notifier.Notification) error {
			return handler(listener.(*View), n)
		}, v)
		v.subs = append(v.subs, h)
	}

	v.state = StateActive
	if p.Init != nil {
		if err := p.Init(v); err != nil {
			return fmt.Errorf("init: %w", err)
		}
	}

	r.metrics.ViewsActive.Inc()
	v.counted = true
	return nil
}

// Remove detaches sel from the document and disposes every view bound at
// or below it. Views are disposed parent first.
func (r *Registry) Remove(sel *dom.Selection) {
	if sel.Len() == 0 {
		return
	}

	r.mu.RLock()
	candidates := append([]*View(nil), r.views...)
	r.mu.RUnlock()

	disposed := 0
	for _, v := range candidates {
		if v.State() == StateDestroyed {
			continue
		}
		for _, n := range v.element.Nodes() {
			if sel.Contains(n) {
				v.Dispose()
				disposed++
				break
			}
		}
	}

	sel.Remove()
	r.logger.Debug().Int("disposed", disposed).Msg("Removed elements")
}

// Views returns the live views in start order
func (r *Registry) Views() []*View {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*View(nil), r.views...)
}

// Find returns the live views started from name
func (r *Registry) Find(name string) []*View {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*View
	for _, v := range r.views {
		if v.name == name {
			out = append(out, v)
		}
	}
	return out
}

func (r *Registry) track(v *View) {
	r.mu.Lock()
	r.views = append(r.views, v)
	r.mu.Unlock()
}

func (r *Registry) untrack(v *View) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, other := range r.views {
		if other == v {
			r.views = append(r.views[:i], r.views[i+1:]...)
			return
		}
	}
}

func sortedKeys[T any](m map[string]T) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// String renders a state for logs
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateBound:
		return "bound"
	case StateActive:
		return "active"
	case StateDestroyed:
		return "destroyed"
	default:
		return "state(" + strconv.Itoa(int(s)) + ")"
	}
}
