package ajax

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	plyerrors "github.com/nkkko/ply/internal/errors"
	"github.com/valyala/fasthttp"
)

// Call is a fully built outgoing request
type Call struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Transport performs a call. A returned error means no response was
// received; a response with any status code is not an error here.
type Transport interface {
	Do(ctx context.Context, call Call) (*Response, error)
}

// HTTPTransport sends calls with net/http
type HTTPTransport struct {
	Client *http.Client
}

// NewHTTPTransport creates a net/http transport with the given timeout
func NewHTTPTransport(timeout time.Duration) *HTTPTransport {
	return &HTTPTransport{Client: &http.Client{Timeout: timeout}}
}

// Do implements Transport
func (t *HTTPTransport) Do(ctx context.Context, call Call) (*Response, error) {
	var body io.Reader
	if len(call.Body) > 0 {
		body = bytes.NewReader(call.Body)
	}

	req, err := http.NewRequestWithContext(ctx, call.Method, call.URL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	for k, vs := range call.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	client := t.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Header:     resp.Header,
		Body:       data,
		URL:        call.URL,
	}, nil
}

// FastHTTPTransport sends calls with fasthttp
type FastHTTPTransport struct {
	Client  *fasthttp.Client
	Timeout time.Duration
}

// NewFastHTTPTransport creates a fasthttp transport with the given timeout
func NewFastHTTPTransport(timeout time.Duration) *FastHTTPTransport {
	return &FastHTTPTransport{
		Client: &fasthttp.Client{
			Name:                "ply",
			ReadTimeout:         timeout,
			WriteTimeout:        timeout,
			MaxIdleConnDuration: time.Minute,
		},
		Timeout: timeout,
	}
}

type fastResult struct {
	resp *Response
	err  error
}

// Do implements Transport. fasthttp has no context support, so the call
// runs in its own goroutine and ctx only stops the wait.
func (t *FastHTTPTransport) Do(ctx context.Context, call Call) (*Response, error) {
	deadline, ok := ctx.Deadline()
	if !ok {
		timeout := t.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		deadline = time.Now().Add(timeout)
	}

	done := make(chan fastResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fastResult{err: plyerrors.FromPanic(r)}
			}
		}()

		req := fasthttp.AcquireRequest()
		resp := fasthttp.AcquireResponse()
		defer fasthttp.ReleaseRequest(req)
		defer fasthttp.ReleaseResponse(resp)

		req.SetRequestURI(call.URL)
		req.Header.SetMethod(call.Method)
		for k, vs := range call.Header {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
		if len(call.Body) > 0 {
			req.SetBody(call.Body)
		}

		if err := t.Client.DoDeadline(req, resp, deadline); err != nil {
			done <- fastResult{err: err}
			return
		}

		header := make(http.Header)
		resp.Header.VisitAll(func(k, v []byte) {
			header.Add(string(k), string(v))
		})

		status := resp.StatusCode()
		done <- fastResult{resp: &Response{
			StatusCode: status,
			Status:     fmt.Sprintf("%d %s", status, http.StatusText(status)),
			Header:     header,
			Body:       append([]byte(nil), resp.Body()...),
			URL:        call.URL,
		}}
	}()

	select {
	case r := <-done:
		return r.resp, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
