package ui

import (
	"errors"
	"testing"

	plyerrors "github.com/nkkko/ply/internal/errors"
	"github.com/nkkko/ply/internal/notifier"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startCart starts checkout_cart on #cart with checkout_summary as its
// partial on #summary
func startCart(t *testing.T, f *fixture, summary Prototype) *View {
	t.Helper()
	require.NoError(t, f.registry.Define("checkout_summary", summary))
	require.NoError(t, f.registry.Define("checkout_cart", Prototype{
		Elements: map[string]string{"summary": ".summary", "buy": ".buy"},
		Partials: map[string]string{"summary": "checkout_summary"},
		Options:  map[string]any{"currency": "EUR"},
		Data:     map[string]any{"items": 3},
	}))

	v, err := f.registry.Register("checkout_cart", RegisterOptions{Element: f.find(t, "#cart")})
	require.NoError(t, err)
	require.NotNil(t, v)
	return v
}

func TestPartialIsStartedWithDelegate(t *testing.T) {
	f := newFixture(t, Hooks{})
	cart := startCart(t, f, Prototype{})

	summary, ok := cart.Partial("summary")
	require.True(t, ok)
	assert.Same(t, cart, summary.Delegate())
	assert.True(t, summary.Element().Same(f.find(t, "#summary")))
	assert.Len(t, cart.Partials(), 1)
}

func TestChainLookup(t *testing.T) {
	f := newFixture(t, Hooks{})
	cart := startCart(t, f, Prototype{Options: map[string]any{"compact": true}})
	summary, _ := cart.Partial("summary")

	currency, ok := summary.Option("currency")
	require.True(t, ok)
	assert.Equal(t, "EUR", currency)

	items, ok := summary.Data("items")
	require.True(t, ok)
	assert.Equal(t, 3, items)

	_, ok = cart.Option("compact")
	assert.False(t, ok, "lookup never walks down")

	_, ok = summary.Option("nope")
	assert.False(t, ok)
}

func TestChainWrite(t *testing.T) {
	f := newFixture(t, Hooks{})
	cart := startCart(t, f, Prototype{})
	summary, _ := cart.Partial("summary")

	summary.SetOption("currency", "USD", true)
	currency, _ := cart.Option("currency")
	assert.Equal(t, "USD", currency, "the owner up the chain is updated")
	assert.NotContains(t, summary.Options(), "currency")

	summary.SetOption("fresh", 1, true)
	assert.Contains(t, summary.Options(), "fresh", "a key nobody owns is created locally")
	assert.NotContains(t, cart.Options(), "fresh")

	summary.SetOption("currency", "GBP", false)
	local, _ := summary.Option("currency")
	parent, _ := cart.Option("currency")
	assert.Equal(t, "GBP", local)
	assert.Equal(t, "USD", parent)

	summary.SetDataValues(map[string]any{"items": 4, "note": "x"}, true)
	assert.Equal(t, map[string]any{"items": 4}, cart.DataValues())
	assert.Equal(t, map[string]any{"note": "x"}, summary.DataValues())

	summary.SetOptions(map[string]any{"compact": true}, false)
	assert.Contains(t, summary.Options(), "compact")
}

func TestOptionsReturnsCopy(t *testing.T) {
	f := newFixture(t, Hooks{})
	cart := startCart(t, f, Prototype{})

	opts := cart.Options()
	opts["currency"] = "JPY"

	currency, _ := cart.Option("currency")
	assert.Equal(t, "EUR", currency)
}

func TestPartialDestroyedExactlyOnce(t *testing.T) {
	f := newFixture(t, Hooks{})
	destroyed := 0
	cart := startCart(t, f, Prototype{
		Notifications: map[string]string{"cart-updated": "onUpdate"},
		Handlers:      map[string]NotificationHandler{"onUpdate": func(*View, notifier.Notification) error { return nil }},
		Destroy:       func(*View) error { destroyed++; return nil },
	})
	summary, _ := cart.Partial("summary")
	require.Equal(t, 1, f.bus.Count("cart-updated"))

	cart.Dispose()
	summary.Dispose()
	cart.Dispose()

	assert.Equal(t, 1, destroyed)
	assert.Equal(t, StateDestroyed, summary.State())
	assert.Zero(t, f.bus.Count("cart-updated"))
	assert.Empty(t, f.registry.Views())
}

func TestDisposingPartialDetachesItFromDelegate(t *testing.T) {
	f := newFixture(t, Hooks{})
	cart := startCart(t, f, Prototype{})
	summary, _ := cart.Partial("summary")

	summary.Dispose()

	_, ok := cart.Partial("summary")
	assert.False(t, ok)
	_, ok = cart.Elements("summary")
	assert.False(t, ok)
	_, ok = cart.Elements("buy")
	assert.True(t, ok)
	assert.Equal(t, StateActive, cart.State())
}

func TestDestroyFailureIsReported(t *testing.T) {
	f := newFixture(t, Hooks{})
	cart := startCart(t, f, Prototype{Destroy: func(*View) error { return errors.New("stuck") }})

	cart.Dispose()

	require.Len(t, f.reporter.errs, 1)
	assert.Equal(t, plyerrors.KindViewInit, plyerrors.KindOf(f.reporter.errs[0]))
	assert.Empty(t, f.registry.Views(), "teardown continues past a failing hook")
}

func TestNotifyUsesViewAsSender(t *testing.T) {
	f := newFixture(t, Hooks{})
	cart := startCart(t, f, Prototype{})

	var sender any
	f.bus.Subscribe("checkout", func(_ any, n notifier.Notification) error {
		sender = n.Sender
		return nil
	}, nil)

	cart.Notify("checkout", map[string]any{"total": 10})
	assert.Same(t, cart, sender)
}

func TestRefresh(t *testing.T) {
	f := newFixture(t, Hooks{})
	inits := 0
	cart := startCart(t, f, Prototype{Init: func(*View) error { inits++; return nil }})
	summary, _ := cart.Partial("summary")
	summary.SetData("seen", true, false)

	var refreshed *View
	f.bus.Subscribe(RefreshedEvent, func(_ any, n notifier.Notification) error {
		refreshed = n.Sender.(*View)
		return nil
	}, nil)

	fresh, err := summary.Refresh(`<div class="summary" id="summary2"><span class="total">9</span></div>`)
	require.NoError(t, err)
	require.NotNil(t, fresh)

	assert.Equal(t, 2, inits)
	assert.Same(t, fresh, refreshed)
	assert.Equal(t, StateDestroyed, summary.State())
	assert.Same(t, cart, fresh.Delegate())

	seen, ok := fresh.Data("seen")
	assert.True(t, ok)
	assert.Equal(t, true, seen)

	slot, ok := cart.Partial("summary")
	require.True(t, ok)
	assert.Same(t, fresh, slot)

	el, ok := cart.Elements("summary")
	require.True(t, ok)
	assert.True(t, el.Same(f.find(t, "#summary2")))
	assert.Zero(t, f.find(t, "#summary").Len())

	_, err = summary.Refresh("<div></div>")
	assert.Error(t, err, "a disposed view cannot be refreshed")
}

func TestRefreshSuppressedPublishesNothing(t *testing.T) {
	suppress := false
	f := newFixture(t, Hooks{OnRegister: func(name string, _ *RegisterOptions) RegisterDecision {
		if suppress && name == "checkout_summary" {
			return Suppress
		}
		return Proceed
	}})
	cart := startCart(t, f, Prototype{})
	summary, _ := cart.Partial("summary")

	published := 0
	f.bus.Subscribe(RefreshedEvent, func(any, notifier.Notification) error {
		published++
		return nil
	}, nil)

	suppress = true
	fresh, err := summary.Refresh(`<div class="summary" id="summary2"></div>`)
	require.NoError(t, err)
	assert.Nil(t, fresh)
	assert.Zero(t, published)
}

func TestFailedInitDestroysStartedPartials(t *testing.T) {
	f := newFixture(t, Hooks{})
	var destroyed []string
	require.NoError(t, f.registry.Define("checkout_summary", Prototype{
		Destroy: func(*View) error { destroyed = append(destroyed, "summary"); return nil },
	}))
	require.NoError(t, f.registry.Define("checkout_cart", Prototype{
		Elements: map[string]string{"summary": ".summary"},
		Partials: map[string]string{"summary": "checkout_summary"},
		Init:     func(*View) error { return errors.New("no cart") },
		Destroy:  func(*View) error { destroyed = append(destroyed, "cart"); return nil },
	}))

	v, err := f.registry.Register("checkout_cart", RegisterOptions{Element: f.find(t, "#cart")})
	assert.NoError(t, err)
	assert.Nil(t, v)

	assert.Equal(t, []string{"summary"}, destroyed)
	assert.Empty(t, f.registry.Views())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "active", StateActive.String())
	assert.Equal(t, "state(9)", State(9).String())
}
