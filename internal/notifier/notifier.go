package notifier

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
	"github.com/nkkko/ply/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Config contains stream configuration
type Config struct {
	// Events relayed from the bus to stream clients
	Events []string

	// Maximum idle time before dropping a connection
	MaxIdleTime time.Duration

	// Interval between heartbeat frames
	HeartbeatInterval time.Duration

	// Broadcast buffer size for batching frames
	BroadcastBufferSize int

	// Flush interval for broadcast buffer
	BroadcastFlushInterval time.Duration
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		Events:                 []string{"view-refreshed", "client-error-fatal"},
		MaxIdleTime:            30 * time.Second,
		HeartbeatInterval:      5 * time.Second,
		BroadcastBufferSize:    200,
		BroadcastFlushInterval: 50 * time.Millisecond,
	}
}

// Poster schedules work on the goroutine that owns the bus
type Poster interface {
	Post(task func())
}

// Client is a connected stream client
type Client struct {
	ID         string
	LastActive time.Time

	events  map[string]bool
	conn    *websocket.Conn
	sse     chan []byte
	frames  chan *Frame
	done    chan struct{}
	isSSE   bool
	mu      sync.Mutex
	writeMu sync.Mutex
}

func (c *Client) wants(event string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events) == 0 || c.events[event]
}

func (c *Client) touch() {
	c.mu.Lock()
	c.LastActive = time.Now()
	c.mu.Unlock()
}

func (c *Client) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Stream relays bus notifications to remote clients over WebSocket and
// Server-Sent Events, and lets those clients publish back onto the bus.
type Stream struct {
	config  Config
	bus     *Bus
	poster  Poster
	handles []Handle

	clients map[string]*Client
	mu      sync.RWMutex

	broadcastBuffer *BroadcastBuffer
	logger          zerolog.Logger
	metrics         *metrics.Metrics
}

// NewStream creates a stream bridge for bus. Publishes from clients are
// handed to poster so they run on the bus owner's goroutine.
func NewStream(config Config, bus *Bus, poster Poster) *Stream {
	def := DefaultConfig()
	if len(config.Events) == 0 {
		config.Events = def.Events
	}
	if config.MaxIdleTime == 0 {
		config.MaxIdleTime = def.MaxIdleTime
	}
	if config.HeartbeatInterval == 0 {
		config.HeartbeatInterval = def.HeartbeatInterval
	}
	if config.BroadcastBufferSize == 0 {
		config.BroadcastBufferSize = def.BroadcastBufferSize
	}
	if config.BroadcastFlushInterval == 0 {
		config.BroadcastFlushInterval = def.BroadcastFlushInterval
	}

	return &Stream{
		config:          config,
		bus:             bus,
		poster:          poster,
		clients:         make(map[string]*Client),
		broadcastBuffer: NewBroadcastBuffer(config.BroadcastBufferSize, config.BroadcastFlushInterval),
		logger:          log.With().Str("component", "stream").Logger(),
		metrics:         metrics.GetMetrics(),
	}
}

// Start subscribes to the configured events and runs the housekeeping
// goroutines until ctx is done.
func (s *Stream) Start(ctx context.Context) error {
	s.logger.Info().Strs("events", s.config.Events).Msg("Starting notification stream")

	s.handles = append(s.handles, s.bus.Subscribe(strings.Join(s.config.Events, " "), s.relay, s))

	go s.cleanupIdleClients(ctx)
	go s.sendHeartbeats(ctx)

	return nil
}

// relay is the bus handler that feeds the broadcast buffer
func (s *Stream) relay(_ any, n Notification) error {
	s.broadcastBuffer.Publish(&Frame{
		Event:   n.Name,
		Sender:  senderName(n.Sender),
		Payload: n.Payload,
		Time:    time.Now(),
	})
	return nil
}

// App builds the fiber application serving the stream endpoints
func (s *Stream) App() *fiber.App {
	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	s.RegisterWebSocketHandler(app)
	s.RegisterSSEHandler(app)
	app.Get("/metrics", func(c *fiber.Ctx) error {
		fasthttpadaptor.NewFastHTTPHandler(promhttp.Handler())(c.Context())
		return nil
	})
	return app
}

// RegisterWebSocketHandler registers the WebSocket handler with a Fiber app
func (s *Stream) RegisterWebSocketHandler(app *fiber.App) {
	app.Use("/stream", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("events", c.Query("events"))
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	app.Get("/stream", websocket.New(func(c *websocket.Conn) {
		events, _ := c.Locals("events").(string)
		s.handleWebSocketClient(c, parseEvents(events))
	}))
}

// RegisterSSEHandler registers the Server-Sent Events handler with a Fiber app
func (s *Stream) RegisterSSEHandler(app *fiber.App) {
	app.Get("/stream-sse", func(c *fiber.Ctx) error {
		c.Set("Content-Type", "text/event-stream")
		c.Set("Cache-Control", "no-cache")
		c.Set("Connection", "keep-alive")
		c.Set("Transfer-Encoding", "chunked")

		client := s.createSSEClient(parseEvents(c.Query("events")))
		done := c.Context().Done()

		c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
			defer s.removeClient(client.ID)

			fmt.Fprintf(w, "event: connected\ndata: {\"client_id\":\"%s\"}\n\n", client.ID)
			if err := w.Flush(); err != nil {
				return
			}

			for {
				select {
				case msg := <-client.sse:
					fmt.Fprintf(w, "data: %s\n\n", msg)
					if err := w.Flush(); err != nil {
						s.logger.Debug().Err(err).Str("client_id", client.ID).Msg("SSE write error")
						return
					}
					client.touch()

				case <-done:
					return
				case <-client.done:
					return
				}
			}
		})

		return nil
	})
}

func (s *Stream) newClient(events []string, isSSE bool) *Client {
	id := generateID()
	client := &Client{
		ID:         id,
		LastActive: time.Now(),
		events:     eventSet(events),
		frames:     s.broadcastBuffer.Subscribe(id, 100),
		done:       make(chan struct{}),
		isSSE:      isSSE,
	}
	if isSSE {
		client.sse = make(chan []byte, 100)
	}

	s.mu.Lock()
	s.clients[id] = client
	s.mu.Unlock()

	return client
}

// handleWebSocketClient serves a WebSocket connection until it closes
func (s *Stream) handleWebSocketClient(conn *websocket.Conn, events []string) {
	client := s.newClient(events, false)
	client.conn = conn
	defer s.removeClient(client.ID)

	go func() {
		for frame := range client.frames {
			if !client.wants(frame.Event) {
				continue
			}

			data, err := json.Marshal(frame)
			if err != nil {
				s.logger.Error().Err(err).Str("client_id", client.ID).Msg("Failed to marshal frame")
				continue
			}

			if err := client.write(data); err != nil {
				s.logger.Debug().Err(err).Str("client_id", client.ID).Msg("WebSocket write error")
				return
			}
			s.metrics.StreamFramesPublished.WithLabelValues("websocket").Inc()
		}
	}()

	// The handler must not return while the connection is in use
	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			s.logger.Debug().Err(err).Str("client_id", client.ID).Msg("WebSocket read error")
			return
		}

		client.touch()
		if messageType == websocket.TextMessage {
			s.processClientMessage(client, message)
		}
	}
}

// createSSEClient registers an SSE client and starts its frame pump
func (s *Stream) createSSEClient(events []string) *Client {
	client := s.newClient(events, true)

	// Ends when removeClient unsubscribes the client and frames closes
	go func() {
		for frame := range client.frames {
			if !client.wants(frame.Event) {
				continue
			}

			data, err := json.Marshal(frame)
			if err != nil {
				s.logger.Error().Err(err).Str("client_id", client.ID).Msg("Failed to marshal frame")
				continue
			}

			select {
			case client.sse <- data:
				s.metrics.StreamFramesPublished.WithLabelValues("sse").Inc()
			default:
				s.logger.Warn().Str("client_id", client.ID).Msg("SSE channel buffer full, dropping frame")
			}
		}
	}()

	return client
}

type clientMessage struct {
	Action  string          `json:"action"`
	Events  []string        `json:"events,omitempty"`
	Event   string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// processClientMessage handles messages from clients
func (s *Stream) processClientMessage(client *Client, message []byte) {
	var request clientMessage
	if err := json.Unmarshal(message, &request); err != nil {
		s.logger.Error().Err(err).Str("client_id", client.ID).Msg("Failed to parse client message")
		return
	}

	switch request.Action {
	case "subscribe":
		client.mu.Lock()
		client.events = eventSet(request.Events)
		client.mu.Unlock()

		s.logger.Debug().
			Str("client_id", client.ID).
			Strs("events", request.Events).
			Msg("Client updated subscription events")

	case "publish":
		if strings.TrimSpace(request.Event) == "" {
			s.logger.Debug().Str("client_id", client.ID).Msg("Publish without event name")
			return
		}

		var payload any
		if len(request.Payload) > 0 {
			if err := json.Unmarshal(request.Payload, &payload); err != nil {
				s.logger.Debug().Err(err).Str("client_id", client.ID).Msg("Invalid publish payload")
				return
			}
		}

		sender := "stream:" + client.ID
		s.poster.Post(func() {
			s.bus.Publish(request.Event, sender, payload)
		})

	case "ping":
		// keep-alive only

	default:
		s.logger.Debug().
			Str("client_id", client.ID).
			Str("action", request.Action).
			Msg("Unknown client action")
	}
}

// Clients returns the number of connected clients
func (s *Stream) Clients() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// removeClient removes a client
func (s *Stream) removeClient(clientID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	client, exists := s.clients[clientID]
	if !exists {
		return
	}

	s.broadcastBuffer.Unsubscribe(clientID)
	close(client.done)

	if !client.isSSE && client.conn != nil {
		client.conn.Close()
	}

	delete(s.clients, clientID)

	s.logger.Debug().Str("client_id", clientID).Msg("Client removed")
}

// cleanupIdleClients periodically removes idle clients
func (s *Stream) cleanupIdleClients(ctx context.Context) {
	ticker := time.NewTicker(s.config.MaxIdleTime / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.performClientCleanup()
		case <-ctx.Done():
			return
		}
	}
}

// performClientCleanup removes clients that have been idle for too long
func (s *Stream) performClientCleanup() {
	now := time.Now()
	var idle []string

	s.mu.RLock()
	for id, client := range s.clients {
		client.mu.Lock()
		lastActive := client.LastActive
		client.mu.Unlock()

		if now.Sub(lastActive) > s.config.MaxIdleTime {
			idle = append(idle, id)
		}
	}
	s.mu.RUnlock()

	for _, id := range idle {
		s.removeClient(id)
		s.logger.Debug().Str("client_id", id).Msg("Removed idle client")
	}
}

// sendHeartbeats periodically sends heartbeat frames to clients
func (s *Stream) sendHeartbeats(ctx context.Context) {
	ticker := time.NewTicker(s.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			heartbeat := []byte(`{"type":"heartbeat","timestamp":"` + time.Now().Format(time.RFC3339) + `"}`)

			s.mu.RLock()
			for _, client := range s.clients {
				if client.isSSE {
					select {
					case client.sse <- heartbeat:
					default:
					}
				} else if client.conn != nil {
					_ = client.write(heartbeat)
				}
			}
			s.mu.RUnlock()

		case <-ctx.Done():
			return
		}
	}
}

// Shutdown unsubscribes from the bus and closes every client
func (s *Stream) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down notification stream")

	for _, h := range s.handles {
		s.bus.Unsubscribe(h)
	}
	s.handles = nil

	s.mu.RLock()
	ids := make([]string, 0, len(s.clients))
	for id := range s.clients {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	for _, id := range ids {
		s.removeClient(id)
	}

	if err := s.broadcastBuffer.Close(); err != nil {
		s.logger.Error().Err(err).Msg("Error closing broadcast buffer")
	}

	s.logger.Info().Int("closed_clients", len(ids)).Msg("All client connections closed")
	return nil
}

// senderName renders a notification sender for the wire
func senderName(sender any) string {
	switch v := sender.(type) {
	case nil:
		return ""
	case string:
		return v
	case interface{ Name() string }:
		return v.Name()
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprintf("%T", sender)
	}
}

func parseEvents(raw string) []string {
	return strings.FieldsFunc(raw, func(r rune) bool {
		return r == ' ' || r == ',' || r == '+'
	})
}

func eventSet(events []string) map[string]bool {
	if len(events) == 0 {
		return nil
	}
	set := make(map[string]bool, len(events))
	for _, e := range events {
		set[e] = true
	}
	return set
}

// generateID creates a unique client ID
func generateID() string {
	return uuid.NewString()
}
