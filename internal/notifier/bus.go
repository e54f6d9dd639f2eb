package notifier

import (
	"fmt"
	"strings"
	"sync"

	plyerrors "github.com/nkkko/ply/internal/errors"
	"github.com/nkkko/ply/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Notification is what a handler receives when an event is published
type Notification struct {
	Name    string
	Sender  any
	Payload any
}

// Handler reacts to a notification. listener is the context the handler was
// subscribed with.
type Handler func(listener any, n Notification) error

// Reporter receives failures from isolated handlers
type Reporter interface {
	Error(err error, severity plyerrors.Severity)
}

// Ref identifies a single subscription
type Ref struct {
	Name string
	ID   uint64
}

// Handle is returned by Subscribe and is what Unsubscribe takes. A handle
// for a whitespace-separated list of names holds one Ref per name.
type Handle struct {
	refs []Ref
}

// Refs returns the subscriptions this handle covers
func (h Handle) Refs() []Ref {
	return append([]Ref(nil), h.refs...)
}

// Empty reports whether the handle covers no subscription
func (h Handle) Empty() bool {
	return len(h.refs) == 0
}

type subscription struct {
	id       uint64
	handler  Handler
	listener any
}

// Bus is the publish/subscribe notification bus
type Bus struct {
	mu        sync.Mutex
	listeners map[string][]*subscription
	nextID    uint64

	reporter Reporter
	logger   zerolog.Logger
	metrics  *metrics.Metrics
}

// NewBus creates a bus. Handler failures go to reporter; a nil reporter
// only logs them.
func NewBus(reporter Reporter) *Bus {
	return &Bus{
		listeners: make(map[string][]*subscription),
		reporter:  reporter,
		logger:    log.With().Str("component", "bus").Logger(),
		metrics:   metrics.GetMetrics(),
	}
}

// Subscribe registers handler for every whitespace-separated name in names.
// The listener is handed back to the handler on every call; the bus never
// inspects it.
func (b *Bus) Subscribe(names string, handler Handler, listener any) Handle {
	fields := strings.Fields(names)
	if len(fields) == 0 || handler == nil {
		b.logger.Warn().Str("names", names).Msg("Ignoring subscription without event name or handler")
		return Handle{}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	h := Handle{refs: make([]Ref, 0, len(fields))}
	for _, name := range fields {
		b.nextID++
		b.listeners[name] = append(b.listeners[name], &subscription{
			id:       b.nextID,
			handler:  handler,
			listener: listener,
		})
		h.refs = append(h.refs, Ref{Name: name, ID: b.nextID})
	}

	b.metrics.BusSubscriptionsGauge.Add(float64(len(fields)))
	return h
}

// Unsubscribe removes the subscriptions covered by h. Removing a
// subscription twice is a no-op.
func (b *Bus) Unsubscribe(h Handle) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ref := range h.refs {
		subs := b.listeners[ref.Name]
		for i, sub := range subs {
			if sub.id != ref.ID {
				continue
			}

			// Copy rather than splice in place: a publish in progress may
			// still be iterating the old slice.
			next := make([]*subscription, 0, len(subs)-1)
			next = append(next, subs[:i]...)
			next = append(next, subs[i+1:]...)
			if len(next) == 0 {
				delete(b.listeners, ref.Name)
			} else {
				b.listeners[ref.Name] = next
			}

			b.metrics.BusSubscriptionsGauge.Dec()
			break
		}
	}
}

// Publish calls every handler subscribed to name, in subscription order.
// The subscriber list is snapshotted first, so subscribing or unsubscribing
// from inside a handler only affects later publishes. A failing handler is
// reported and does not stop the others.
func (b *Bus) Publish(name string, sender, payload any) {
	b.mu.Lock()
	snapshot := append([]*subscription(nil), b.listeners[name]...)
	b.mu.Unlock()

	b.metrics.BusPublishesTotal.WithLabelValues(fmt.Sprint(len(snapshot) > 0)).Inc()
	if len(snapshot) == 0 {
		return
	}

	n := Notification{Name: name, Sender: sender, Payload: payload}
	for _, sub := range snapshot {
		b.dispatch(sub, n)
	}
}

// Count returns the number of subscriptions for name
func (b *Bus) Count(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.listeners[name])
}

// Names returns the event names that currently have subscribers
func (b *Bus) Names() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	names := make([]string, 0, len(b.listeners))
	for name := range b.listeners {
		names = append(names, name)
	}
	return names
}

func (b *Bus) dispatch(sub *subscription, n Notification) {
	reason := "error"
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				reason = "panic"
				err = plyerrors.FromPanic(r)
			}
		}()
		return sub.handler(sub.listener, n)
	}()

	b.metrics.BusDeliveriesTotal.Inc()
	if err == nil {
		return
	}

	b.metrics.BusHandlerFailures.WithLabelValues(reason).Inc()
	herr := plyerrors.Handler(n.Name, err)
	if b.reporter == nil {
		b.logger.Error().Err(herr).Uint64("subscription_id", sub.id).Msg("Notification handler failed")
		return
	}
	b.reporter.Error(herr, plyerrors.SeverityRecoverable)
}
