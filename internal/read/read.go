// Package read keeps one GET accessor per view, so a view can reload its
// own markup or data without knowing its URL.
package read

import (
	"net/http"
	"strings"
	"sync"

	"github.com/nkkko/ply/internal/ajax"
)

// URLGenerator maps a view name to the URL its reader fetches
type URLGenerator func(name string) string

// Reader fetches a view's resource
type Reader func(data map[string]any, onSuccess func(*ajax.Response), onFailure func(*ajax.Response, error)) *ajax.Handle

// Requester issues requests; *ajax.Gateway implements it
type Requester interface {
	Request(req ajax.Request, cb ajax.Callbacks) *ajax.Handle
}

// DefaultURLGenerator replaces the first "_" with "/", drops the first "-",
// lowercases and prefixes "/". "checkout_cart-modal" becomes
// "/checkout/cartmodal".
func DefaultURLGenerator(name string) string {
	u := strings.Replace(name, "_", "/", 1)
	u = strings.Replace(u, "-", "", 1)
	return "/" + strings.ToLower(u)
}

// Table holds the readers
type Table struct {
	mu        sync.RWMutex
	readers   map[string]Reader
	urls      map[string]string
	generator URLGenerator
	prefix    string
	requester Requester
}

// NewTable creates a table. A nil generator uses DefaultURLGenerator;
// prefix is prepended to generated URLs only.
func NewTable(requester Requester, generator URLGenerator, prefix string) *Table {
	if generator == nil {
		generator = DefaultURLGenerator
	}
	return &Table{
		readers:   make(map[string]Reader),
		urls:      make(map[string]string),
		generator: generator,
		prefix:    strings.TrimSuffix(prefix, "/"),
		requester: requester,
	}
}

// Add creates the reader for name. An empty url is generated from the name.
// Adding a name again replaces its reader.
func (t *Table) Add(name, url string) Reader {
	if url == "" {
		url = t.prefix + t.generator(name)
	}

	reader := func(data map[string]any, onSuccess func(*ajax.Response), onFailure func(*ajax.Response, error)) *ajax.Handle {
		return t.requester.Request(ajax.Request{
			URL:    url,
			Method: http.MethodGet,
			Data:   data,
		}, ajax.Callbacks{
			OnSuccess: onSuccess,
			OnFailure: onFailure,
		})
	}

	t.mu.Lock()
	t.readers[name] = reader
	t.urls[name] = url
	t.mu.Unlock()

	return reader
}

// Get returns the reader for name
func (t *Table) Get(name string) (Reader, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.readers[name]
	return r, ok
}

// URL returns the URL the reader for name fetches
func (t *Table) URL(name string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	u, ok := t.urls[name]
	return u, ok
}
