package ui

import (
	"fmt"

	"github.com/nkkko/ply/internal/ajax"
	"github.com/nkkko/ply/internal/dom"
	plyerrors "github.com/nkkko/ply/internal/errors"
	"github.com/nkkko/ply/internal/notifier"
)

// State is a view's lifecycle state
type State int

const (
	StateUninitialized State = iota
	StateBound
	StateActive
	StateDestroyed
)

// View is a started instance of a defined prototype. Views are owned by the
// goroutine driving the loop and must not be shared across goroutines.
type View struct {
	name     string
	registry *Registry
	def      *definition

	element  *dom.Selection
	delegate *View

	options map[string]any
	data    map[string]any

	elements map[string]*dom.Selection
	partials map[string]*View
	subs     []notifier.Handle

	state   State
	counted bool
}

// Name returns the name the view was defined under
func (v *View) Name() string { return v.name }

// Element returns the elements the view is bound to
func (v *View) Element() *dom.Selection { return v.element }

// Delegate returns the view that started this one as a partial, if any
func (v *View) Delegate() *View { return v.delegate }

// State returns the lifecycle state
func (v *View) State() State { return v.state }

// Registry returns the registry the view belongs to
func (v *View) Registry() *Registry { return v.registry }

// Elements returns a bound element lookup
func (v *View) Elements(id string) (*dom.Selection, bool) {
	sel, ok := v.elements[id]
	return sel, ok
}

// Partial returns the partial started on element id
func (v *View) Partial(id string) (*View, bool) {
	p, ok := v.partials[id]
	return p, ok
}

// Partials returns the live partials keyed by element id
func (v *View) Partials() map[string]*View {
	out := make(map[string]*View, len(v.partials))
	for id, p := range v.partials {
		out[id] = p
	}
	return out
}

// Call invokes a prototype method
func (v *View) Call(method string, args ...any) (any, error) {
	m, ok := v.def.prototype.Methods[method]
	if !ok {
		return nil, fmt.Errorf("view %q has no method %q", v.name, method)
	}
	return m(v, args...)
}

// Notify publishes event on the bus with the view as sender
func (v *View) Notify(event string, payload any) {
	v.registry.bus.Publish(event, v, payload)
}

// Read fetches the view's resource with its reader. It returns nil when
// the view has no reader or the request could not be built.
func (v *View) Read(data map[string]any, onSuccess func(*ajax.Response), onFailure func(*ajax.Response, error)) *ajax.Handle {
	if v.def.reader == nil {
		return nil
	}
	return v.def.reader(data, onSuccess, onFailure)
}

// Option looks key up in the view's options, then up the delegate chain
func (v *View) Option(key string) (any, bool) {
	return lookup(v, key, func(x *View) map[string]any { return x.options })
}

// Data looks key up in the view's data, then up the delegate chain
func (v *View) Data(key string) (any, bool) {
	return lookup(v, key, func(x *View) map[string]any { return x.data })
}

// SetOption writes an option. With walkChain the nearest view in the
// delegate chain that already has key is updated; if none has it, or
// without walkChain, it is written on this view.
func (v *View) SetOption(key string, value any, walkChain bool) {
	store(v, key, value, walkChain, func(x *View) map[string]any { return x.options })
}

// SetData writes a data value the same way SetOption writes an option
func (v *View) SetData(key string, value any, walkChain bool) {
	store(v, key, value, walkChain, func(x *View) map[string]any { return x.data })
}

// SetOptions calls SetOption for every entry
func (v *View) SetOptions(values map[string]any, walkChain bool) {
	for _, k := range sortedKeys(values) {
		v.SetOption(k, values[k], walkChain)
	}
}

// SetDataValues calls SetData for every entry
func (v *View) SetDataValues(values map[string]any, walkChain bool) {
	for _, k := range sortedKeys(values) {
		v.SetData(k, values[k], walkChain)
	}
}

// Options returns a copy of the view's own options
func (v *View) Options() map[string]any { return deepMerge(v.options) }

// DataValues returns a copy of the view's own data
func (v *View) DataValues() map[string]any { return deepMerge(v.data) }

func lookup(v *View, key string, field func(*View) map[string]any) (any, bool) {
	for x := v; x != nil; x = x.delegate {
		if val, ok := field(x)[key]; ok {
			return val, true
		}
	}
	return nil, false
}

func store(v *View, key string, value any, walkChain bool, field func(*View) map[string]any) {
	owner := v
	if walkChain {
		for x := v; x != nil; x = x.delegate {
			if _, ok := field(x)[key]; ok {
				owner = x
				break
			}
		}
	}
	field(owner)[key] = value
}

// Dispose tears the view down: the Destroy hook runs, partials are
// disposed, the delegate forgets the view and its subscriptions are
// released. A failing Destroy hook is reported and does not stop the rest.
// Disposing twice is a no-op.
func (v *View) Dispose() {
	v.teardown(true)
}

func (v *View) teardown(runHook bool) {
	if v.state == StateDestroyed || v.state == StateUninitialized {
		return
	}
	wasActive := v.state == StateActive
	v.state = StateDestroyed
	r := v.registry

	if runHook && wasActive && v.def.prototype.Destroy != nil {
		if err := v.runDestroy(); err != nil {
			r.reporter.Error(plyerrors.ViewInit(v.name, fmt.Errorf("destroy: %w", err)), plyerrors.SeverityRecoverable)
		}
	}

	// Partials that started ran their own Init, so they get their Destroy
	for _, id := range sortedKeys(v.partials) {
		v.partials[id].teardown(true)
	}
	v.partials = map[string]*View{}

	if d := v.delegate; d != nil {
		for id, p := range d.partials {
			if p == v {
				delete(d.partials, id)
			}
		}
		first := firstNode(v.element)
		for id, sel := range d.elements {
			if first != nil && firstNode(sel) == first {
				delete(d.elements, id)
			}
		}
	}

	for _, h := range v.subs {
		r.bus.Unsubscribe(h)
	}
	v.subs = nil

	r.untrack(v)
	if v.counted {
		r.metrics.ViewsActive.Dec()
		r.metrics.ViewsDisposedTotal.Inc()
		v.counted = false
	}
}

func (v *View) runDestroy() (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = plyerrors.FromPanic(rec)
		}
	}()
	return v.def.prototype.Destroy(v)
}

// Refresh swaps the view's elements for markup and registers the view
// again on the new elements, keeping options, data and delegate. The new
// view is published as the sender of a view-refreshed notification.
func (v *View) Refresh(markup string) (*View, error) {
	if v.state != StateActive {
		return nil, fmt.Errorf("view %q is %s", v.name, v.state)
	}

	var slot string
	if d := v.delegate; d != nil {
		for id, p := range d.partials {
			if p == v {
				slot = id
			}
		}
	}

	fresh, err := v.element.ReplaceWith(markup)
	if err != nil {
		return nil, err
	}

	options, data, delegate := v.options, v.data, v.delegate
	v.Dispose()

	nv, err := v.registry.Register(v.name, RegisterOptions{
		Element:  fresh,
		Options:  options,
		Data:     data,
		Delegate: delegate,
	})
	if err != nil {
		return nil, err
	}

	if nv != nil && delegate != nil && slot != "" && delegate.state == StateActive {
		delegate.partials[slot] = nv
		delegate.elements[slot] = fresh
	}

	if nv != nil {
		v.registry.bus.Publish(RefreshedEvent, nv, nil)
	}
	return nv, nil
}

func firstNode(sel *dom.Selection) any {
	if sel.Len() == 0 {
		return nil
	}
	return sel.Nodes()[0]
}
