package telemetry

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.12.0"
	"go.opentelemetry.io/otel/trace"
)

// HTTPMiddleware returns a middleware that starts a server span for each
// request, continuing any trace context the caller sent.
func HTTPMiddleware(serviceName string) func(next http.Handler) http.Handler {
	tracer := Tracer(serviceName)
	propagator := Propagator()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))

			attrs := []attribute.KeyValue{
				semconv.HTTPMethodKey.String(r.Method),
				semconv.HTTPURLKey.String(r.URL.String()),
				semconv.HTTPUserAgentKey.String(r.UserAgent()),
				semconv.HTTPHostKey.String(r.Host),
				semconv.NetHostIPKey.String(r.RemoteAddr),
			}

			spanCtx, span := tracer.Start(
				ctx,
				r.URL.Path,
				trace.WithAttributes(attrs...),
				trace.WithSpanKind(trace.SpanKindServer),
			)
			defer span.End()

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(spanCtx))

			// chi only knows the pattern once routing is done
			if route := routePattern(r); route != "" {
				span.SetName(route)
				span.SetAttributes(semconv.HTTPRouteKey.String(route))
			}

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			span.SetAttributes(semconv.HTTPStatusCodeKey.Int(status))
			if status >= 400 {
				span.SetStatus(codes.Error, http.StatusText(status))
			}
		})
	}
}

// routePattern retrieves the route pattern from a chi router if available
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		return rctx.RoutePattern()
	}
	return ""
}
