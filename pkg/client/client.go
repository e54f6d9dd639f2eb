// Package client talks to a Ply daemon: it posts error records to the
// collector, reads them back, and subscribes to the notification stream.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nkkko/ply/internal/api/models"
	plyerrors "github.com/nkkko/ply/internal/errors"
	"github.com/nkkko/ply/internal/notifier"
)

// ReportPath is where error records are posted
const ReportPath = "/error/logclienterror"

// ErrorEntry is a stored error record as the collector returns it
type ErrorEntry = models.EntryResponse

// Frame is one notification received from the stream
type Frame = notifier.Frame

// Client is an HTTP client for the collector API
type Client struct {
	baseURL         string
	streamURL       string
	httpClient      *http.Client
	headers         http.Header
	websocketDialer *websocket.Dialer
}

// ClientOption is a function that configures a Client
type ClientOption func(*Client)

// WithTimeout sets the request timeout
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// WithHeaders sets additional HTTP headers
func WithHeaders(headers map[string]string) ClientOption {
	return func(c *Client) {
		for k, v := range headers {
			c.headers.Set(k, v)
		}
	}
}

// WithStreamURL sets the base URL of the notification stream, which the
// daemon serves on its own address
func WithStreamURL(streamURL string) ClientOption {
	return func(c *Client) {
		c.streamURL = strings.TrimSuffix(streamURL, "/")
	}
}

// New creates a collector client
func New(baseURL string, options ...ClientOption) *Client {
	client := &Client{
		baseURL:         strings.TrimSuffix(baseURL, "/"),
		httpClient:      &http.Client{Timeout: 10 * time.Second},
		headers:         http.Header{},
		websocketDialer: websocket.DefaultDialer,
	}
	client.headers.Set("User-Agent", "ply-client")

	for _, option := range options {
		option(client)
	}
	if client.streamURL == "" {
		client.streamURL = client.baseURL
	}

	return client
}

// Report posts rec as a form, the way a browser page reports its errors.
// It satisfies core.Sink.
func (c *Client) Report(ctx context.Context, rec plyerrors.Record, severity plyerrors.Severity) error {
	// The collector only knows recoverable and fatal
	if severity.Fatal() {
		severity = plyerrors.SeverityFatal
	} else {
		severity = plyerrors.SeverityRecoverable
	}

	form := url.Values{
		"name":        {rec.Name},
		"message":     {rec.Message},
		"description": {rec.Description},
		"stackTrace":  {rec.StackTrace},
		"severity":    {strconv.Itoa(int(severity))},
	}
	if rec.LineNumber != 0 {
		form.Set("lineNumber", strconv.Itoa(rec.LineNumber))
	}

	var created models.CreatedResponse
	err := c.do(ctx, http.MethodPost, ReportPath, nil,
		strings.NewReader(form.Encode()), "application/x-www-form-urlencoded", &created, nil)
	if err != nil {
		return fmt.Errorf("failed to report %s: %w", rec.Name, err)
	}
	return nil
}

// ListErrors returns up to limit stored records, newest first, and the
// total number stored. A limit of zero uses the collector's default.
func (c *Client) ListErrors(ctx context.Context, limit int) ([]ErrorEntry, int, error) {
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}

	var entries []ErrorEntry
	var meta models.ListMeta
	if err := c.do(ctx, http.MethodGet, "/errors", query, nil, "", &entries, &meta); err != nil {
		return nil, 0, err
	}
	return entries, meta.Total, nil
}

// GetError returns one stored record
func (c *Client) GetError(ctx context.Context, id string) (*ErrorEntry, error) {
	var entry ErrorEntry
	if err := c.do(ctx, http.MethodGet, "/errors/"+url.PathEscape(id), nil, nil, "", &entry, nil); err != nil {
		return nil, err
	}
	return &entry, nil
}

// APIError is an error answer from the collector
type APIError struct {
	StatusCode int
	Type       string `json:"type"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("API error (%d)", e.StatusCode)
	}
	return fmt.Sprintf("API error (%d): %s: %s", e.StatusCode, e.Code, e.Message)
}

// IsNotFound reports whether err is a 404 from the collector
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *APIError       `json:"error"`
	Meta    json.RawMessage `json:"meta"`
}

// do makes an HTTP request and decodes the response envelope into data
// and meta
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body io.Reader, contentType string, data, meta any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return err
	}
	for k, v := range c.headers {
		req.Header[k] = v
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		if resp.StatusCode >= 400 {
			return &APIError{StatusCode: resp.StatusCode, Message: resp.Status}
		}
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if resp.StatusCode >= 400 || !env.Success {
		apiErr := env.Error
		if apiErr == nil {
			apiErr = &APIError{Message: resp.Status}
		}
		apiErr.StatusCode = resp.StatusCode
		return apiErr
	}

	if data != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, data); err != nil {
			return fmt.Errorf("failed to decode data: %w", err)
		}
	}
	if meta != nil && len(env.Meta) > 0 {
		if err := json.Unmarshal(env.Meta, meta); err != nil {
			return fmt.Errorf("failed to decode meta: %w", err)
		}
	}
	return nil
}

// Subscription is a WebSocket connection to the notification stream
type Subscription struct {
	Conn   *websocket.Conn
	Events chan *Frame
	Done   chan struct{}
}

// Subscribe connects to the notification stream and delivers frames for
// events. No events means every relayed event.
func (c *Client) Subscribe(ctx context.Context, events ...string) (*Subscription, error) {
	u, err := url.Parse(c.streamURL + "/stream")
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	if len(events) > 0 {
		u.RawQuery = url.Values{"events": {strings.Join(events, ",")}}.Encode()
	}

	conn, _, err := c.websocketDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to stream: %w", err)
	}

	sub := &Subscription{
		Conn:   conn,
		Events: make(chan *Frame, 100),
		Done:   make(chan struct{}),
	}
	go sub.receiveEvents()

	return sub, nil
}

// Publish asks the daemon to publish event on its bus
func (s *Subscription) Publish(event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return s.Conn.WriteJSON(map[string]any{
		"action":  "publish",
		"event":   event,
		"payload": json.RawMessage(raw),
	})
}

// receiveEvents processes WebSocket messages
func (s *Subscription) receiveEvents() {
	defer func() {
		close(s.Events)
		close(s.Done)
		s.Conn.Close()
	}()

	for {
		_, message, err := s.Conn.ReadMessage()
		if err != nil {
			return
		}

		// Heartbeats carry no event name
		var frame Frame
		if err := json.Unmarshal(message, &frame); err != nil || frame.Event == "" {
			continue
		}
		select {
		case s.Events <- &frame:
		default:
			// Channel is full, drop the frame
		}
	}
}

// Close closes the subscription
func (s *Subscription) Close() error {
	err := s.Conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))

	select {
	case <-s.Done:
	case <-time.After(time.Second):
		s.Conn.Close()
	}

	return err
}
