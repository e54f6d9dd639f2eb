package telemetry

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func withRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()

	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	return recorder
}

func TestSetupDisabledIsNoop(t *testing.T) {
	shutdown, err := Setup(context.Background(), DefaultConfig())
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

// keepingExporter holds exported spans past Shutdown
type keepingExporter struct {
	mu    sync.Mutex
	spans []sdktrace.ReadOnlySpan
}

func (e *keepingExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.spans = append(e.spans, spans...)
	return nil
}

func (e *keepingExporter) Shutdown(context.Context) error { return nil }

func TestConfigValidate(t *testing.T) {
	tests := map[string]struct {
		mutate  func(*Config)
		wantErr bool
	}{
		"defaults":        {mutate: func(*Config) {}},
		"no service":      {mutate: func(c *Config) { c.ServiceName = "" }, wantErr: true},
		"ratio too high":  {mutate: func(c *Config) { c.SamplingRatio = 1.5 }, wantErr: true},
		"negative ratio":  {mutate: func(c *Config) { c.SamplingRatio = -0.1 }, wantErr: true},
		"no endpoint":     {mutate: func(c *Config) { c.Endpoint = "" }, wantErr: true},
		"custom exporter": {mutate: func(c *Config) { c.Endpoint = ""; c.Exporter = &keepingExporter{} }},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			if tt.wantErr {
				assert.Error(t, cfg.Validate())
			} else {
				assert.NoError(t, cfg.Validate())
			}
		})
	}
}

func TestSetupExportsServiceSpans(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	exporter := &keepingExporter{}
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.Version = "1.2.3"
	cfg.SamplingRatio = 1
	cfg.Exporter = exporter

	shutdown, err := Setup(context.Background(), cfg)
	require.NoError(t, err)

	_, span := StartSpan(context.Background(), "ajax GET")
	span.End()
	require.NoError(t, shutdown(context.Background()))

	exporter.mu.Lock()
	defer exporter.mu.Unlock()
	require.Len(t, exporter.spans, 1)
	assert.Equal(t, "ajax GET", exporter.spans[0].Name())

	attrs := map[string]string{}
	for _, kv := range exporter.spans[0].Resource().Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	assert.Equal(t, "ply", attrs["service.name"])
	assert.Equal(t, "1.2.3", attrs["service.version"])
}

func TestSetupRejectsBadRatio(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.SamplingRatio = 2
	_, err := Setup(context.Background(), cfg)
	assert.Error(t, err)
}

func TestHTTPMiddlewareNamesSpanAfterRoute(t *testing.T) {
	recorder := withRecorder(t)

	r := chi.NewRouter()
	r.Use(HTTPMiddleware("ply"))
	r.Get("/errors/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/errors/abc", nil))

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "/errors/{id}", spans[0].Name())
	assert.Equal(t, codes.Error, spans[0].Status().Code)
}

func TestMarkSpanError(t *testing.T) {
	recorder := withRecorder(t)

	ctx, span := StartSpan(context.Background(), "work")
	MarkSpanError(ctx, errors.New("broken"))
	span.End()

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "broken", spans[0].Status().Description)
}

func TestInjectHeaders(t *testing.T) {
	withRecorder(t)

	ctx, span := StartSpan(context.Background(), "outgoing")
	defer span.End()

	h := http.Header{}
	InjectHeaders(ctx, h)
	assert.NotEmpty(t, h.Get("traceparent"))
}
