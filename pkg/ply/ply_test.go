package ply

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nkkko/ply/internal/ajax"
	plyerrors "github.com/nkkko/ply/internal/errors"
	"github.com/nkkko/ply/internal/ui"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const page = `<html><body>
<div class="view-checkout_cart" id="cart">
  <div id="summary"><span class="total">0</span></div>
</div>
</body></html>`

type reported struct {
	err      error
	severity Severity
}

func backend(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/checkout/cart", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"items":3}`))
	})
	mux.HandleFunc("/ok", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/fail", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newApp(t *testing.T, errs *[]reported) *App {
	t.Helper()
	srv := backend(t)

	cfg := DefaultConfig()
	cfg.Ajax.BaseURL = srv.URL
	cfg.Ajax.TimeoutMs = 2000

	app, err := New(cfg, Hooks{
		OnError: func(err error, severity plyerrors.Severity) {
			*errs = append(*errs, reported{err, severity})
		},
	})
	require.NoError(t, err)
	require.NoError(t, app.SetDocument(strings.NewReader(page)))
	return app
}

func drain(t *testing.T, app *App) {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	require.NoError(t, app.Drain(ctx))
}

func TestViewLifecycleEndToEnd(t *testing.T) {
	var errs []reported
	app := newApp(t, &errs)

	summaryDestroyed := 0
	require.NoError(t, app.Define("checkout_summary", Prototype{
		Destroy: func(*View) error { summaryDestroyed++; return nil },
	}))
	require.NoError(t, app.Define("checkout_cart", Prototype{
		Elements:      map[string]string{"summary": "#summary", "total": ".total"},
		Partials:      map[string]string{"summary": "checkout_summary"},
		Notifications: map[string]string{"cart-updated cart-cleared": "onCart"},
		Handlers: map[string]ui.NotificationHandler{
			"onCart": func(v *View, n Notification) error {
				v.SetData("last", n.Name, false)
				return nil
			},
		},
		Options: map[string]any{"currency": "EUR"},
		Init: func(v *View) error {
			v.Read(nil, func(resp *Response) {
				var body map[string]any
				if err := resp.DecodeJSON(&body); err == nil {
					v.SetData("items", body["items"], false)
				}
			}, nil)
			return nil
		},
	}))

	cart, err := app.Register("checkout_cart", RegisterOptions{})
	require.NoError(t, err)
	require.NotNil(t, cart)

	summary, ok := cart.Partial("summary")
	require.True(t, ok)
	assert.Same(t, cart, summary.Delegate())
	currency, _ := summary.Option("currency")
	assert.Equal(t, "EUR", currency)

	// The read completes on a later loop turn
	_, ok = cart.Data("items")
	assert.False(t, ok)
	drain(t, app)
	items, _ := cart.Data("items")
	assert.Equal(t, float64(3), items)

	app.Notify("cart-cleared", nil, nil)
	last, _ := cart.Data("last")
	assert.Equal(t, "cart-cleared", last)

	require.NoError(t, app.Remove("#cart"))
	assert.Empty(t, app.Views())
	assert.Equal(t, 1, summaryDestroyed)
	assert.Equal(t, ui.StateDestroyed, cart.State())

	// Handlers are gone with the view
	app.Notify("cart-updated", nil, nil)
	last, _ = cart.Data("last")
	assert.Equal(t, "cart-cleared", last)

	assert.Empty(t, errs)
}

func TestGroupRejectsWhenOneMemberFails(t *testing.T) {
	var errs []reported
	app := newApp(t, &errs)

	group := NewGroup()
	var successes int
	var failures []error
	cb := Callbacks{
		OnSuccess: func(*Response) { successes++ },
		OnFailure: func(_ *Response, err error) { failures = append(failures, err) },
	}

	require.NotNil(t, app.Request(Request{URL: "/ok", Group: group}, cb))
	require.NotNil(t, app.Request(Request{URL: "/fail", Group: group}, cb))
	drain(t, app)

	assert.Zero(t, successes)
	require.Len(t, failures, 2)
	assert.True(t, errors.Is(failures[0], ajax.ErrGroupRejected))
	assert.Equal(t, plyerrors.KindTransport, plyerrors.KindOf(failures[1]))

	require.NotEmpty(t, errs)
	assert.Equal(t, plyerrors.KindTransport, plyerrors.KindOf(errs[0].err))
}

func TestUnbuildableRequestIsReported(t *testing.T) {
	var errs []reported
	app := newApp(t, &errs)

	assert.Nil(t, app.Request(Request{URL: "/ok", Method: "BREW"}, Callbacks{}))
	require.Len(t, errs, 1)
	assert.Equal(t, plyerrors.KindConstruction, plyerrors.KindOf(errs[0].err))
}

func TestListenAndIgnore(t *testing.T) {
	var errs []reported
	app := newApp(t, &errs)

	var got []string
	h := app.Listen("a b", func(_ any, n Notification) error {
		got = append(got, n.Name)
		return nil
	}, nil)

	app.Notify("a", nil, nil)
	app.Notify("b", nil, nil)
	app.Ignore(h)
	app.Ignore(h)
	app.Notify("a", nil, nil)

	assert.Equal(t, []string{"a", "b"}, got)
}

func TestUndefinedViewNeedsNoDocument(t *testing.T) {
	app, err := New(nil, Hooks{})
	require.NoError(t, err)

	assert.ErrorIs(t, app.Remove("#cart"), ui.ErrNoDocument)

	app.SetDebug(true)
	assert.True(t, app.Debug())
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Ajax.Transport = "smoke"
	_, err := New(cfg, Hooks{})
	assert.Error(t, err)
}
