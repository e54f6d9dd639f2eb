// Package api serves the error collector: clients post error records, which
// are journaled and can be listed back; fatal ones are also announced on the
// notification bus.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	apierrors "github.com/nkkko/ply/internal/api/errors"
	"github.com/nkkko/ply/internal/api/models"
	"github.com/nkkko/ply/internal/api/response"
	"github.com/nkkko/ply/internal/api/validation"
	"github.com/nkkko/ply/internal/logging"
	"github.com/nkkko/ply/internal/metrics"
	"github.com/nkkko/ply/internal/storage"
	"github.com/nkkko/ply/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// FatalEvent is published for every stored record of fatal severity
const FatalEvent = "client-error-fatal"

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// Config contains API configuration
type Config struct {
	// Server address
	Addr string

	// MaxBodySize bounds request bodies in bytes
	MaxBodySize int64

	// Timeouts
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	AllowedOrigins []string

	// MetricsEndpoint is where prometheus metrics are served; empty disables it
	MetricsEndpoint string
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		Addr:            ":8080",
		MaxBodySize:     1 << 20,
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     120 * time.Second,
		AllowedOrigins:  []string{"*"},
		MetricsEndpoint: "/metrics",
	}
}

// Publisher announces notifications; the engine hands the bus over the loop
type Publisher interface {
	Publish(name string, sender, payload any)
}

// Collector handles the collector HTTP endpoints
type Collector struct {
	config    Config
	journal   storage.Journal
	publisher Publisher
	router    chi.Router
	server    *http.Server
	logger    zerolog.Logger
	metrics   *metrics.Metrics
}

// NewCollector creates a collector. publisher may be nil, in which case
// fatal records are only stored.
func NewCollector(config Config, journal storage.Journal, publisher Publisher) *Collector {
	defaults := DefaultConfig()
	if config.Addr == "" {
		config.Addr = defaults.Addr
	}
	if config.MaxBodySize <= 0 {
		config.MaxBodySize = defaults.MaxBodySize
	}
	if config.ReadTimeout == 0 {
		config.ReadTimeout = defaults.ReadTimeout
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}
	if config.IdleTimeout == 0 {
		config.IdleTimeout = defaults.IdleTimeout
	}
	if len(config.AllowedOrigins) == 0 {
		config.AllowedOrigins = defaults.AllowedOrigins
	}

	c := &Collector{
		config:    config,
		journal:   journal,
		publisher: publisher,
		logger:    log.With().Str("component", "api").Logger(),
		metrics:   metrics.GetMetrics(),
	}
	c.router = c.routes()
	return c
}

// Handler returns the HTTP handler
func (c *Collector) Handler() http.Handler {
	return c.router
}

func (c *Collector) routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(telemetry.HTTPMiddleware("ply-collector"))
	r.Use(logging.HTTPMiddleware())
	r.Use(middleware.Recoverer)
	r.Use(c.instrument)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: c.config.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Requested-With", "traceparent"},
		MaxAge:         300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	r.Get("/readyz", c.handleReady)

	if c.config.MetricsEndpoint != "" {
		r.Handle(c.config.MetricsEndpoint, promhttp.Handler())
	}

	r.Post("/error/logclienterror", c.handleLogClientError)
	r.Get("/errors", c.handleListErrors)
	r.Get("/errors/{id}", c.handleGetError)

	return r
}

// instrument records request counts and latency per route pattern
func (c *Collector) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		c.metrics.APIRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		c.metrics.APIRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// Start runs the HTTP server until ctx is done, then shuts it down
func (c *Collector) Start(ctx context.Context) error {
	c.server = &http.Server{
		Addr:         c.config.Addr,
		Handler:      c.router,
		ReadTimeout:  c.config.ReadTimeout,
		WriteTimeout: c.config.WriteTimeout,
		IdleTimeout:  c.config.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		c.logger.Info().Str("addr", c.config.Addr).Msg("Collector listening")
		if err := c.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c.Shutdown(shutdownCtx)
}

// Shutdown stops the HTTP server
func (c *Collector) Shutdown(ctx context.Context) error {
	if c.server == nil {
		return nil
	}
	c.logger.Info().Msg("Shutting down collector")
	return c.server.Shutdown(ctx)
}

func (c *Collector) handleReady(w http.ResponseWriter, r *http.Request) {
	if _, err := c.journal.Count(r.Context()); err != nil {
		response.Error(w, r, apierrors.InternalError("journal_unavailable", "Journal is not available"))
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (c *Collector) handleLogClientError(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, c.config.MaxBodySize)

	var req models.ClientErrorRequest
	if err := validation.ParseAndValidate(r, &req); err != nil {
		zerolog.Ctx(r.Context()).Debug().Err(err).Msg("Invalid client error record")
		response.Error(w, r, err)
		return
	}

	entry := req.ToEntry()
	entry.UserAgent = r.UserAgent()
	entry.RemoteAddr = r.RemoteAddr

	stored, err := c.journal.Append(r.Context(), entry)
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to store client error")
		response.Error(w, r, apierrors.InternalError("store_failed", "Failed to store error record"))
		return
	}

	c.logger.Info().
		Str("id", stored.ID).
		Str("name", stored.Record.Name).
		Int("severity", int(stored.Severity)).
		Msg("Client error recorded")

	if stored.Severity.Fatal() && c.publisher != nil {
		c.publisher.Publish(FatalEvent, "collector", models.EntryFromStorage(stored))
	}

	response.JSON(w, r, http.StatusCreated, models.CreatedResponse{ID: stored.ID})
}

func (c *Collector) handleListErrors(w http.ResponseWriter, r *http.Request) {
	limit, err := validation.Int("limit", r.URL.Query().Get("limit"), defaultListLimit)
	if err == nil {
		err = validation.Between("limit", limit, 1, maxListLimit)
	}
	if err != nil {
		response.Error(w, r, err)
		return
	}

	entries, err := c.journal.List(r.Context(), limit)
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to list client errors")
		response.Error(w, r, apierrors.InternalError("list_failed", "Failed to list error records"))
		return
	}
	total, err := c.journal.Count(r.Context())
	if err != nil {
		total = len(entries)
	}

	data := make([]*models.EntryResponse, 0, len(entries))
	for _, e := range entries {
		data = append(data, models.EntryFromStorage(e))
	}

	response.WithMeta(w, r, http.StatusOK, data, models.ListMeta{
		Limit: limit,
		Count: len(data),
		Total: total,
	})
}

func (c *Collector) handleGetError(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	entry, err := c.journal.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			response.Error(w, r, apierrors.NotFoundError("error_not_found", "Error record not found"))
			return
		}
		c.logger.Error().Err(err).Str("id", id).Msg("Failed to get client error")
		response.Error(w, r, apierrors.InternalError("get_failed", "Failed to read error record"))
		return
	}

	response.JSON(w, r, http.StatusOK, models.EntryFromStorage(entry))
}
