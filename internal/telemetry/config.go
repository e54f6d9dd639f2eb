package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

// Config selects where gateway and collector spans go
type Config struct {
	Enabled     bool
	ServiceName string
	Version     string

	// Endpoint is the OTLP gRPC collector, host:port
	Endpoint string
	Timeout  time.Duration

	// SamplingRatio applies to root spans. 0 keeps nothing, 1 keeps all.
	SamplingRatio float64

	Attributes map[string]string

	// Exporter replaces the OTLP exporter when set
	Exporter sdktrace.SpanExporter
}

// DefaultConfig returns tracing switched off
func DefaultConfig() Config {
	return Config{
		ServiceName:   "ply",
		Endpoint:      "localhost:4317",
		SamplingRatio: 0.1,
		Timeout:       5 * time.Second,
		Attributes:    map[string]string{},
	}
}

// Validate checks the fields Setup relies on
func (c Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("telemetry: service name is required")
	}
	if c.SamplingRatio < 0 || c.SamplingRatio > 1 {
		return fmt.Errorf("telemetry: sampling ratio %v is outside [0, 1]", c.SamplingRatio)
	}
	if c.Exporter == nil && c.Endpoint == "" {
		return fmt.Errorf("telemetry: endpoint is required")
	}
	return nil
}

// Setup installs the global tracer provider and propagator. The returned
// function flushes pending spans; it is a no-op when tracing is off.
func Setup(ctx context.Context, config Config) (func(context.Context) error, error) {
	if !config.Enabled {
		return func(context.Context) error { return nil }, nil
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	logger := log.With().Str("component", "telemetry").Logger()

	exporter := config.Exporter
	if exporter == nil {
		otlp, err := otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(config.Endpoint),
			otlptracegrpc.WithInsecure(),
			otlptracegrpc.WithTimeout(config.Timeout),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP exporter for %s: %w", config.Endpoint, err)
		}
		exporter = otlp
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(serviceAttributes(config)...),
		resource.WithProcessPID(),
		resource.WithTelemetrySDK(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to describe service: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(config.SamplingRatio))),
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(Propagator())

	logger.Info().
		Str("service", config.ServiceName).
		Float64("sampling_ratio", config.SamplingRatio).
		Msg("Tracing enabled")

	return func(ctx context.Context) error {
		logger.Info().Msg("Flushing traces")
		return provider.Shutdown(ctx)
	}, nil
}

func serviceAttributes(config Config) []attribute.KeyValue {
	attrs := []attribute.KeyValue{semconv.ServiceNameKey.String(config.ServiceName)}
	if config.Version != "" {
		attrs = append(attrs, semconv.ServiceVersionKey.String(config.Version))
	}
	for k, v := range config.Attributes {
		attrs = append(attrs, attribute.String(k, v))
	}
	return attrs
}

// Tracer returns a named tracer from the global provider
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

// Propagator carries W3C trace context and baggage, on the collector's
// incoming requests and the gateway's outgoing ones.
func Propagator() propagation.TextMapPropagator {
	return propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	)
}
