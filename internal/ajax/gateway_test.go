package ajax

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	plyerrors "github.com/nkkko/ply/internal/errors"
	"github.com/nkkko/ply/internal/loop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReporter struct {
	mu    sync.Mutex
	debug bool
	errs  []error
}

func (r *fakeReporter) Debug() bool { return r.debug }

func (r *fakeReporter) Error(err error, sev plyerrors.Severity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *fakeReporter) errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

// fakeTransport answers by URL path. A path with a gate waits for it.
type fakeTransport struct {
	mu     sync.Mutex
	status map[string]int
	gates  map[string]chan struct{}
	calls  []Call
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{status: map[string]int{}, gates: map[string]chan struct{}{}}
}

func (f *fakeTransport) Do(ctx context.Context, call Call) (*Response, error) {
	u, err := url.Parse(call.URL)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	f.calls = append(f.calls, call)
	gate := f.gates[u.Path]
	status, ok := f.status[u.Path]
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if !ok {
		status = http.StatusOK
	}

	return &Response{
		StatusCode: status,
		Status:     fmt.Sprintf("%d %s", status, http.StatusText(status)),
		Body:       []byte(u.Path),
		URL:        call.URL,
	}, nil
}

func (f *fakeTransport) lastCall() Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

type events struct {
	mu  sync.Mutex
	log []string
}

func (e *events) add(s string) {
	e.mu.Lock()
	e.log = append(e.log, s)
	e.mu.Unlock()
}

func (e *events) snapshot() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.log...)
}

func (e *events) callbacks(name string) Callbacks {
	return Callbacks{
		OnSuccess:  func(*Response) { e.add(name + ":success") },
		OnFailure:  func(_ *Response, err error) { e.add(name + ":failure") },
		OnComplete: func(*Response, error) { e.add(name + ":complete") },
	}
}

func newTestGateway(t *testing.T, transport Transport) (*Gateway, *loop.Loop, *fakeReporter) {
	t.Helper()

	l := loop.New()
	reporter := &fakeReporter{}
	g, err := NewGateway(Config{BaseURL: "http://ply.test", Timeout: 5 * time.Second}, transport, l, reporter)
	require.NoError(t, err)
	return g, l, reporter
}

func drain(t *testing.T, l *loop.Loop) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, l.Drain(ctx))
}

func responded(g *Group) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.responseCount
}

func TestSingleRequestCallbacksRunOnLaterTurn(t *testing.T) {
	g, l, reporter := newTestGateway(t, newFakeTransport())
	ev := &events{}

	h := g.Request(Request{URL: "/cart"}, ev.callbacks("cart"))
	require.NotNil(t, h)
	assert.Empty(t, ev.snapshot(), "callbacks must not run synchronously")

	drain(t, l)

	assert.Equal(t, []string{"cart:success", "cart:complete"}, ev.snapshot())
	assert.Empty(t, reporter.errors())
	assert.Equal(t, Resolved, h.Group().Outcome())
}

func TestGroupWaitsForEveryMember(t *testing.T) {
	transport := newFakeTransport()
	transport.gates["/slow"] = make(chan struct{})
	g, l, _ := newTestGateway(t, transport)
	ev := &events{}

	group := NewGroup()
	g.Request(Request{URL: "/slow", Group: group}, ev.callbacks("slow"))
	g.Request(Request{URL: "/fast", Group: group}, ev.callbacks("fast"))

	drained := make(chan error, 1)
	go func() { drained <- l.Drain(context.Background()) }()

	require.Eventually(t, func() bool { return responded(group) == 1 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, ev.snapshot(), "no member callback may fire before the group completes")

	close(transport.gates["/slow"])
	require.NoError(t, <-drained)

	<-group.Done()
	assert.Equal(t, Resolved, group.Outcome())
	assert.Equal(t, []string{
		"slow:success", "slow:complete",
		"fast:success", "fast:complete",
	}, ev.snapshot())
}

func TestGroupRejectedFailsEveryMember(t *testing.T) {
	transport := newFakeTransport()
	transport.status["/broken"] = http.StatusInternalServerError
	g, l, reporter := newTestGateway(t, transport)

	group := NewGroup()
	var successes int
	var failures []error
	var mu sync.Mutex
	for _, path := range []string{"/a", "/broken", "/c"} {
		g.Request(Request{URL: path, Group: group}, Callbacks{
			OnSuccess: func(*Response) { successes++ },
			OnFailure: func(_ *Response, err error) {
				mu.Lock()
				failures = append(failures, err)
				mu.Unlock()
			},
		})
	}

	drain(t, l)

	assert.Zero(t, successes)
	require.Len(t, failures, 3)
	assert.ErrorIs(t, failures[0], ErrGroupRejected)
	assert.ErrorIs(t, failures[2], ErrGroupRejected)

	rec := plyerrors.RecordOf(failures[1])
	assert.Equal(t, "AjaxError", rec.Name)
	assert.Equal(t, "Status: 500 Internal Server Error", rec.Message)
	assert.Equal(t, "URL: http://ply.test/broken", rec.Description)

	errs := reporter.errors()
	require.Len(t, errs, 1, "only the failing member is reported")
	assert.Equal(t, plyerrors.KindTransport, plyerrors.KindOf(errs[0]))
	assert.Equal(t, Rejected, group.Outcome())
}

func TestIndependentRequestIgnoresGroup(t *testing.T) {
	transport := newFakeTransport()
	transport.status["/broken"] = http.StatusBadGateway
	g, l, _ := newTestGateway(t, transport)
	ev := &events{}

	group := NewGroup()
	g.Request(Request{URL: "/broken", Group: group}, ev.callbacks("member"))
	h := g.Request(Request{URL: "/own", Group: group, Independent: true}, ev.callbacks("own"))

	drain(t, l)

	assert.NotSame(t, group, h.Group())
	assert.Contains(t, ev.snapshot(), "own:success")
	assert.Contains(t, ev.snapshot(), "member:failure")
	assert.Equal(t, 1, func() int { group.mu.Lock(); defer group.mu.Unlock(); return len(group.members) }())
}

func TestAbortedRequestFiresNothingAndReleasesGroup(t *testing.T) {
	transport := newFakeTransport()
	transport.gates["/hang"] = make(chan struct{})
	g, l, reporter := newTestGateway(t, transport)
	ev := &events{}

	group := NewGroup()
	hang := g.Request(Request{URL: "/hang", Group: group}, ev.callbacks("hang"))
	g.Request(Request{URL: "/ok", Group: group}, ev.callbacks("ok"))
	require.Equal(t, 2, group.Size())

	hang.Abort()
	hang.Abort()
	assert.Equal(t, 1, group.Size())

	drain(t, l)

	assert.Equal(t, []string{"ok:success", "ok:complete"}, ev.snapshot())
	assert.Empty(t, reporter.errors())
	assert.Equal(t, Resolved, group.Outcome())
}

func TestAbortingLastOutstandingMemberSettlesGroup(t *testing.T) {
	transport := newFakeTransport()
	transport.gates["/hang"] = make(chan struct{})
	g, l, _ := newTestGateway(t, transport)
	ev := &events{}

	group := NewGroup()
	g.Request(Request{URL: "/ok", Group: group}, ev.callbacks("ok"))
	hang := g.Request(Request{URL: "/hang", Group: group}, ev.callbacks("hang"))

	drained := make(chan error, 1)
	go func() { drained <- l.Drain(context.Background()) }()

	require.Eventually(t, func() bool { return responded(group) == 1 }, time.Second, 5*time.Millisecond)
	l.Post(hang.Abort)
	require.NoError(t, <-drained)

	assert.Equal(t, []string{"ok:success", "ok:complete"}, ev.snapshot())
}

func TestSettledGroupRejectsNewMembers(t *testing.T) {
	g, l, reporter := newTestGateway(t, newFakeTransport())

	group := NewGroup()
	g.Request(Request{URL: "/first", Group: group}, Callbacks{})
	drain(t, l)

	h := g.Request(Request{URL: "/late", Group: group}, Callbacks{})
	assert.Nil(t, h)

	errs := reporter.errors()
	require.Len(t, errs, 1)
	assert.Equal(t, plyerrors.KindConstruction, plyerrors.KindOf(errs[0]))
}

func TestDebugAddsParameter(t *testing.T) {
	transport := newFakeTransport()
	g, l, reporter := newTestGateway(t, transport)
	reporter.debug = true

	g.Request(Request{URL: "/cart?page=2", Data: map[string]any{"id": 7}}, Callbacks{})
	drain(t, l)

	u, err := url.Parse(transport.lastCall().URL)
	require.NoError(t, err)
	assert.Equal(t, "true", u.Query().Get("debug"))
	assert.Equal(t, "7", u.Query().Get("id"))
	assert.Equal(t, "2", u.Query().Get("page"))
}

func TestBodyEncoding(t *testing.T) {
	transport := newFakeTransport()
	g, l, _ := newTestGateway(t, transport)

	g.Request(Request{URL: "/save", Method: "post", Data: map[string]any{"tags": []string{"a", "b"}}}, Callbacks{})
	drain(t, l)

	call := transport.lastCall()
	assert.Equal(t, http.MethodPost, call.Method)
	assert.Equal(t, "application/x-www-form-urlencoded", call.Header.Get("Content-Type"))
	assert.Equal(t, "tags=a&tags=b", string(call.Body))

	g.Request(Request{URL: "/save", Method: http.MethodPut, JSON: true, Data: map[string]any{"qty": 2}}, Callbacks{})
	drain(t, l)

	call = transport.lastCall()
	assert.Equal(t, "application/json", call.Header.Get("Content-Type"))
	var body map[string]any
	require.NoError(t, json.Unmarshal(call.Body, &body))
	assert.Equal(t, float64(2), body["qty"])
}

func TestConstructionErrorsReturnNil(t *testing.T) {
	cases := map[string]Request{
		"unsupported method": {URL: "/x", Method: "BREW"},
		"empty url":          {URL: " "},
		"bad url":            {URL: "http://[::1"},
		"unencodable json":   {URL: "/x", Method: http.MethodPost, JSON: true, Data: map[string]any{"f": func() {}}},
	}

	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			g, l, reporter := newTestGateway(t, newFakeTransport())
			called := false

			h := g.Request(req, Callbacks{OnComplete: func(*Response, error) { called = true }})
			drain(t, l)

			assert.Nil(t, h)
			assert.False(t, called)
			errs := reporter.errors()
			require.Len(t, errs, 1)
			assert.Equal(t, plyerrors.KindConstruction, plyerrors.KindOf(errs[0]))
		})
	}
}

func TestRelativeURLWithoutBaseIsConstructionError(t *testing.T) {
	l := loop.New()
	reporter := &fakeReporter{}
	g, err := NewGateway(Config{}, newFakeTransport(), l, reporter)
	require.NoError(t, err)

	assert.Nil(t, g.Request(Request{URL: "/relative"}, Callbacks{}))
	assert.Len(t, reporter.errors(), 1)
}

func TestCallbackPanicIsReported(t *testing.T) {
	g, l, reporter := newTestGateway(t, newFakeTransport())
	completed := false

	g.Request(Request{URL: "/x"}, Callbacks{
		OnSuccess:  func(*Response) { panic("bad callback") },
		OnComplete: func(*Response, error) { completed = true },
	})
	drain(t, l)

	assert.True(t, completed)
	errs := reporter.errors()
	require.Len(t, errs, 1)
	assert.Equal(t, plyerrors.KindHandler, plyerrors.KindOf(errs[0]))
}

type panickingTransport struct {
	*fakeTransport
	path string
}

func (p panickingTransport) Do(ctx context.Context, call Call) (*Response, error) {
	if u, _ := url.Parse(call.URL); u != nil && u.Path == p.path {
		panic("transport exploded")
	}
	return p.fakeTransport.Do(ctx, call)
}

func TestPanickingTransportRejectsGroup(t *testing.T) {
	g, l, reporter := newTestGateway(t, panickingTransport{fakeTransport: newFakeTransport(), path: "/bad"})
	ev := &events{}

	group := NewGroup()
	g.Request(Request{URL: "/ok", Group: group}, ev.callbacks("ok"))
	g.Request(Request{URL: "/bad", Group: group}, ev.callbacks("bad"))
	drain(t, l)

	assert.ElementsMatch(t, []string{
		"ok:failure", "ok:complete",
		"bad:failure", "bad:complete",
	}, ev.snapshot())
	assert.Equal(t, Rejected, group.Outcome())

	errs := reporter.errors()
	require.Len(t, errs, 1)
	assert.Equal(t, plyerrors.KindTransport, plyerrors.KindOf(errs[0]))
	var p *plyerrors.Panic
	assert.ErrorAs(t, errs[0], &p)
}

func TestTransportErrorStatus(t *testing.T) {
	assert.Equal(t, "timeout", statusOf(context.DeadlineExceeded))
	assert.Equal(t, "abort", statusOf(context.Canceled))
	assert.Equal(t, "error", statusOf(errors.New("refused")))
}

func TestHTTPTransportEndToEnd(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"method":%q,"debug":%q}`, r.Method, r.URL.Query().Get("debug"))
	}))
	defer srv.Close()

	l := loop.New()
	reporter := &fakeReporter{debug: true}
	g, err := NewGateway(Config{BaseURL: srv.URL}, NewHTTPTransport(time.Second), l, reporter)
	require.NoError(t, err)

	var got map[string]string
	g.Request(Request{URL: "/echo"}, Callbacks{
		OnSuccess: func(resp *Response) { require.NoError(t, resp.DecodeJSON(&got)) },
	})
	drain(t, l)

	assert.Equal(t, map[string]string{"method": "GET", "debug": "true"}, got)
}

func TestFastHTTPTransportRecoversPanic(t *testing.T) {
	resp, err := (&FastHTTPTransport{Timeout: time.Second}).Do(context.Background(), Call{
		Method: http.MethodGet,
		URL:    "http://ply.test/x",
	})
	assert.Nil(t, resp)
	var p *plyerrors.Panic
	assert.ErrorAs(t, err, &p)
}

func TestFastHTTPTransportEndToEnd(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Ply", "yes")
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	resp, err := NewFastHTTPTransport(time.Second).Do(context.Background(), Call{
		Method: http.MethodGet,
		URL:    srv.URL + "/missing",
		Header: http.Header{},
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "404 Not Found", resp.Status)
	assert.Equal(t, "yes", resp.Header.Get("X-Ply"))
}
