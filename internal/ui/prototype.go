package ui

import (
	"regexp"
	"strings"

	"github.com/nkkko/ply/internal/dom"
	"github.com/nkkko/ply/internal/notifier"
)

// Hook is an init or teardown hook
type Hook func(v *View) error

// Method is a named behaviour callable through View.Call
type Method func(v *View, args ...any) (any, error)

// NotificationHandler reacts to a bus notification on behalf of a view
type NotificationHandler func(v *View, n notifier.Notification) error

// Prototype is the template a view is instantiated from
type Prototype struct {
	// URL the view's reader fetches; empty means generated from the name
	URL string

	// Elements maps an element id to a selector scoped to the view
	Elements map[string]string

	// Partials maps an element id to the name of the view started on it
	Partials map[string]string

	// Notifications maps event names to a handler name in Handlers.
	// A key may hold several whitespace-separated event names.
	Notifications map[string]string

	Handlers map[string]NotificationHandler
	Methods  map[string]Method

	Options map[string]any
	Data    map[string]any

	Init    Hook
	Destroy Hook
}

// withBase layers p over base. Methods and handlers of p win, as do its
// hooks when set.
func (p Prototype) withBase(base Prototype) Prototype {
	out := p

	out.Methods = make(map[string]Method, len(base.Methods)+len(p.Methods))
	for k, m := range base.Methods {
		out.Methods[k] = m
	}
	for k, m := range p.Methods {
		out.Methods[k] = m
	}

	out.Handlers = make(map[string]NotificationHandler, len(base.Handlers)+len(p.Handlers))
	for k, h := range base.Handlers {
		out.Handlers[k] = h
	}
	for k, h := range p.Handlers {
		out.Handlers[k] = h
	}

	if out.Init == nil {
		out.Init = base.Init
	}
	if out.Destroy == nil {
		out.Destroy = base.Destroy
	}

	out.Options = deepMerge(base.Options, p.Options)
	out.Data = deepMerge(base.Data, p.Data)
	return out
}

// RegisterDecision is what an OnRegister hook returns
type RegisterDecision int

const (
	// Proceed lets the registry start the view
	Proceed RegisterDecision = iota
	// Suppress stops the registry; the hook has taken over
	Suppress
)

// RegisterOptions are the caller's arguments to Register and Start
type RegisterOptions struct {
	// Element is an explicit target. It wins over Selector.
	Element *dom.Selection

	// Selector is resolved against the registry document
	Selector string

	Options  map[string]any
	Data     map[string]any
	Delegate *View
}

// Hooks are the configurable points of the registry
type Hooks struct {
	// Defaults are the lowest option layer of every view
	Defaults map[string]any

	// SelectorGenerator maps a view name to a selector when Register gets
	// no target. Nil uses DefaultSelector.
	SelectorGenerator func(name string) string

	// OnRegister runs first in every Register call and may rewrite opts
	OnRegister func(name string, opts *RegisterOptions) RegisterDecision

	// Base is the prototype every defined view is layered over
	Base Prototype
}

var nameToken = regexp.MustCompile(`[A-Z]?[a-z]+`)

// DefaultSelector maps a view name to ".view-<stub>, .<stub>". The name is
// split into lowercase words; the first is the namespace and the remaining
// words are joined with "_", the first of which becomes "-".
// "checkout_cart-modal" and "CheckoutCartModal" both give
// ".view-checkout_cart-modal, .checkout_cart-modal".
func DefaultSelector(name string) string {
	tokens := nameToken.FindAllString(name, -1)

	var stub string
	switch len(tokens) {
	case 0:
		stub = strings.ToLower(name)
	case 1:
		stub = strings.ToLower(tokens[0])
	default:
		for i := range tokens {
			tokens[i] = strings.ToLower(tokens[i])
		}
		rest := strings.Replace(strings.Join(tokens[1:], "_"), "_", "-", 1)
		stub = tokens[0] + "_" + rest
	}

	return ".view-" + stub + ", ." + stub
}
