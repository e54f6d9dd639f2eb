// Package ajax issues HTTP requests on behalf of views and funnels every
// failure through the error boundary. Requests may be grouped so that
// their callbacks fire together once all of them are done.
package ajax

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	plyerrors "github.com/nkkko/ply/internal/errors"
	"github.com/nkkko/ply/internal/metrics"
	"github.com/nkkko/ply/internal/telemetry"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

// Request describes one outgoing request
type Request struct {
	URL    string
	Method string
	Data   map[string]any
	Header http.Header

	// JSON sends Data as a JSON body instead of a form
	JSON bool

	// Group synchronizes callbacks with other requests on the same group
	Group *Group

	// Independent ignores Group
	Independent bool
}

// Response is what a completed request produced
type Response struct {
	StatusCode int
	Status     string
	Header     http.Header
	Body       []byte
	URL        string
}

// DecodeJSON unmarshals the body into v
func (r *Response) DecodeJSON(v any) error {
	if r == nil {
		return errors.New("ajax: no response")
	}
	return json.Unmarshal(r.Body, v)
}

// Callbacks are fired on the loop once the request, or its whole group,
// is done. Any of them may be nil.
type Callbacks struct {
	OnSuccess  func(resp *Response)
	OnFailure  func(resp *Response, err error)
	OnComplete func(resp *Response, err error)
}

// Scheduler runs completions on the owning goroutine
type Scheduler interface {
	Post(task func())
	Go(work func() func())
}

// Reporter is the error boundary and debug flag
type Reporter interface {
	Debug() bool
	Error(err error, severity plyerrors.Severity)
}

// Config contains gateway configuration
type Config struct {
	// BaseURL is prefixed to relative request URLs
	BaseURL string

	// Timeout bounds each request; zero means no timeout
	Timeout time.Duration
}

// Gateway issues requests
type Gateway struct {
	config    Config
	base      *url.URL
	transport Transport
	scheduler Scheduler
	reporter  Reporter
	logger    zerolog.Logger
	metrics   *metrics.Metrics
}

// Handle controls an issued request
type Handle struct {
	gateway *Gateway
	group   *Group
	member  *member
	cancel  context.CancelFunc
}

// NewGateway creates a gateway
func NewGateway(config Config, transport Transport, scheduler Scheduler, reporter Reporter) (*Gateway, error) {
	g := &Gateway{
		config:    config,
		transport: transport,
		scheduler: scheduler,
		reporter:  reporter,
		logger:    log.With().Str("component", "ajax").Logger(),
		metrics:   metrics.GetMetrics(),
	}

	if config.BaseURL != "" {
		base, err := url.Parse(config.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("invalid base URL %q: %w", config.BaseURL, err)
		}
		g.base = base
	}
	if g.transport == nil {
		g.transport = NewHTTPTransport(config.Timeout)
	}

	return g, nil
}

// Request issues req. Callbacks always run on a later loop turn. It returns
// nil when the request could not be built; the failure has been reported.
func (g *Gateway) Request(req Request, cb Callbacks) *Handle {
	call, err := g.build(req)
	if err != nil {
		g.constructionError(req.URL, err)
		return nil
	}

	group := req.Group
	if group == nil || req.Independent {
		group = NewGroup()
	}

	m := &member{cb: cb, url: call.URL, method: call.Method}
	if err := group.join(m); err != nil {
		g.constructionError(call.URL, err)
		return nil
	}

	var ctx context.Context
	var cancel context.CancelFunc
	if g.config.Timeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), g.config.Timeout)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}

	h := &Handle{gateway: g, group: group, member: m, cancel: cancel}

	g.metrics.AjaxInflight.Inc()
	g.scheduler.Go(func() func() {
		resp, err := g.safeDo(ctx, call)
		return func() {
			cancel()
			g.metrics.AjaxInflight.Dec()
			g.finish(group, m, call, resp, err)
		}
	})

	return h
}

// Abort cancels the request. An aborted request fires none of its
// callbacks and no longer holds its group back. Aborting a request that
// has already completed does nothing.
func (h *Handle) Abort() {
	if h == nil {
		return
	}

	removed, ready := h.group.abort(h.member)
	h.cancel()
	if !removed {
		return
	}

	h.gateway.metrics.AjaxRequestsTotal.WithLabelValues(h.member.method, "aborted").Inc()
	h.gateway.logger.Debug().Str("url", h.member.url).Msg("Request aborted")

	if ready {
		h.gateway.scheduler.Post(func() { h.gateway.settle(h.group) })
	}
}

// Group returns the group the request belongs to
func (h *Handle) Group() *Group {
	return h.group
}

// safeDo turns a panicking transport into a failed call
func (g *Gateway) safeDo(ctx context.Context, call Call) (resp *Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			resp, err = nil, plyerrors.FromPanic(r)
		}
	}()
	return g.do(ctx, call)
}

func (g *Gateway) do(ctx context.Context, call Call) (*Response, error) {
	ctx, span := telemetry.StartSpan(ctx, "ajax "+call.Method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			semconv.HTTPMethodKey.String(call.Method),
			semconv.HTTPURLKey.String(call.URL),
		),
	)
	defer span.End()

	telemetry.InjectHeaders(ctx, call.Header)

	start := time.Now()
	resp, err := g.transport.Do(ctx, call)
	g.metrics.AjaxRequestDuration.WithLabelValues(call.Method).Observe(time.Since(start).Seconds())

	if err != nil {
		telemetry.MarkSpanError(ctx, err)
		return nil, err
	}

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode >= 400 {
		telemetry.MarkSpanError(ctx, fmt.Errorf("status %s", resp.Status))
	}
	return resp, nil
}

// finish runs on the loop when a request's transport call returns
func (g *Gateway) finish(group *Group, m *member, call Call, resp *Response, err error) {
	if !group.live(m) {
		return
	}

	var failure error
	if terr := transportFailure(call.URL, resp, err); terr != nil {
		rec := terr.Record
		g.logger.Warn().
			Str("url", call.URL).
			Str("method", call.Method).
			Err(err).
			Msgf("AjaxError: %s - %s", strings.TrimPrefix(rec.Message, "Status: "), call.URL)
		g.reporter.Error(terr, plyerrors.SeverityRecoverable)
		failure = terr
	}

	result := "success"
	if failure != nil {
		result = "failure"
	}
	g.metrics.AjaxRequestsTotal.WithLabelValues(call.Method, result).Inc()

	if group.complete(m, resp, failure) {
		g.settle(group)
	}
}

// settle fires every live member's callbacks in issue order
func (g *Gateway) settle(group *Group) {
	outcome, members := group.settle()
	if members == nil {
		return
	}
	g.metrics.AjaxGroupsSettled.WithLabelValues(outcome.String()).Inc()
	defer close(group.done)

	for _, m := range members {
		if outcome == Resolved {
			if m.cb.OnSuccess != nil {
				g.callback(m.url, func() { m.cb.OnSuccess(m.resp) })
			}
		} else if m.cb.OnFailure != nil {
			err := failureOf(m)
			g.callback(m.url, func() { m.cb.OnFailure(m.resp, err) })
		}

		if m.cb.OnComplete != nil {
			g.callback(m.url, func() { m.cb.OnComplete(m.resp, m.err) })
		}
	}
}

// callback runs fn, reporting an escaping panic so the remaining members
// still get their callbacks.
func (g *Gateway) callback(url string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			g.reporter.Error(plyerrors.Handler(url, plyerrors.FromPanic(r)), plyerrors.SeverityRecoverable)
		}
	}()
	fn()
}

func (g *Gateway) constructionError(url string, err error) {
	g.logger.Warn().Err(err).Str("url", url).Msg("Failed to build request")
	g.reporter.Error(plyerrors.Construction(url, err), plyerrors.SeverityRecoverable)
}

var bodyless = map[string]bool{
	http.MethodGet:    true,
	http.MethodDelete: true,
	http.MethodHead:   true,
}

var allowedMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodHead:    true,
	http.MethodPost:    true,
	http.MethodPut:     true,
	http.MethodPatch:   true,
	http.MethodDelete:  true,
	http.MethodOptions: true,
}

// build turns a Request into a Call, applying the debug parameter, the
// base URL and the data encoding.
func (g *Gateway) build(req Request) (Call, error) {
	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		method = http.MethodGet
	}
	if !allowedMethods[method] {
		return Call{}, fmt.Errorf("unsupported method %q", req.Method)
	}

	if strings.TrimSpace(req.URL) == "" {
		return Call{}, errors.New("empty URL")
	}
	target, err := url.Parse(req.URL)
	if err != nil {
		return Call{}, fmt.Errorf("invalid URL: %w", err)
	}
	if g.base != nil {
		target = g.base.ResolveReference(target)
	}
	if !target.IsAbs() {
		return Call{}, fmt.Errorf("URL %q is not absolute and no base URL is configured", target)
	}

	data := make(map[string]any, len(req.Data)+1)
	for k, v := range req.Data {
		data[k] = v
	}
	if g.reporter.Debug() {
		data["debug"] = true
	}

	header := make(http.Header, len(req.Header)+1)
	for k, vs := range req.Header {
		header[k] = append([]string(nil), vs...)
	}

	call := Call{Method: method, Header: header}

	switch {
	case bodyless[method]:
		if len(data) > 0 {
			q := target.Query()
			for k, v := range encodeForm(data) {
				q[k] = append(q[k], v...)
			}
			target.RawQuery = q.Encode()
		}

	case req.JSON:
		body, err := json.Marshal(data)
		if err != nil {
			return Call{}, fmt.Errorf("failed to encode JSON body: %w", err)
		}
		call.Body = body
		header.Set("Content-Type", "application/json")

	default:
		call.Body = []byte(encodeForm(data).Encode())
		header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	call.URL = target.String()
	return call, nil
}

// encodeForm flattens data into form values. Slices become repeated keys.
func encodeForm(data map[string]any) url.Values {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	values := url.Values{}
	for _, k := range keys {
		switch v := data[k].(type) {
		case nil:
			values.Add(k, "")
		case []string:
			for _, s := range v {
				values.Add(k, s)
			}
		case []any:
			for _, s := range v {
				values.Add(k, fmt.Sprint(s))
			}
		default:
			values.Add(k, fmt.Sprint(v))
		}
	}
	return values
}

// statusOf mirrors the text status a browser reports for a failed call
func statusOf(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "abort"
	default:
		return "error"
	}
}
