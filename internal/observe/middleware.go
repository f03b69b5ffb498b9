package observe

import (
	"bufio"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
	"go.opentelemetry.io/otel/trace"
)

// unmatchedRoute labels requests no mux pattern claimed.
const unmatchedRoute = "unmatched"

// propagator reads and writes W3C trace context and baggage headers.
var propagator = propagation.NewCompositeTextMapPropagator(
	propagation.TraceContext{},
	propagation.Baggage{},
)

// statusRecorder captures the status code written by the downstream handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack lets WebSocket upgrades pass through the middleware.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("observe: response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap exposes the wrapped writer to [http.ResponseController].
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// MiddlewareOption configures [Middleware].
type MiddlewareOption func(*middleware)

type middleware struct {
	log   *slog.Logger
	quiet map[string]bool
}

// WithAccessLogger sets the logger for access lines. Default: [slog.Default]
// at the time each request completes.
func WithAccessLogger(l *slog.Logger) MiddlewareOption {
	return func(m *middleware) { m.log = l }
}

// WithQuietRoutes logs requests for the given mux patterns at debug level.
// Probe and scrape endpoints would otherwise flood the access log.
func WithQuietRoutes(patterns ...string) MiddlewareOption {
	return func(m *middleware) {
		for _, p := range patterns {
			m.quiet[p] = true
		}
	}
}

// Middleware instruments every request with a server span, a latency sample
// and an access log line.
//
// Incoming W3C trace context is honoured, and the trace id is echoed in the
// X-Correlation-ID response header. The span is renamed to the mux pattern
// once routing is done, and metrics are labelled with that pattern so raw
// paths never become label values. 5xx responses mark the span as failed.
func Middleware(m *Metrics, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	cfg := &middleware{quiet: make(map[string]bool)}
	for _, o := range opts {
		o(cfg)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ctx := propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := StartSpan(ctx, r.Method,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(r.Method),
					semconv.URLPath(r.URL.Path),
				),
			)
			defer span.End()

			cid := CorrelationID(ctx)
			if cid != "" {
				w.Header().Set("X-Correlation-ID", cid)
			}
			propagator.Inject(ctx, propagation.HeaderCarrier(w.Header()))

			r = r.WithContext(ctx)
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			elapsed := time.Since(start)

			// ServeMux records the matched pattern on the request it was given.
			route := r.Pattern
			if route == "" {
				route = unmatchedRoute
			}
			span.SetName(spanName(r.Method, route))
			span.SetAttributes(
				semconv.HTTPRoute(route),
				semconv.HTTPResponseStatusCode(rec.status),
			)
			if rec.status >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(rec.status))
			}

			if m != nil {
				m.RecordHTTPRequest(ctx, r.Method, route, rec.status, elapsed)
			}

			log := cfg.log
			if log == nil {
				log = slog.Default()
			}
			level := slog.LevelInfo
			if cfg.quiet[route] {
				level = slog.LevelDebug
			}
			log.LogAttrs(ctx, level, "http request",
				slog.String("trace_id", cid),
				slog.String("request_id", RequestID(ctx)),
				slog.String("method", r.Method),
				slog.String("route", route),
				slog.String("path", r.URL.Path),
				slog.Int("status", rec.status),
				slog.Duration("duration", elapsed),
			)
		})
	}
}

// spanName follows the "METHOD route" convention. Patterns that already
// carry a method ("GET /healthz") are used as is.
func spanName(method, route string) string {
	switch {
	case route == unmatchedRoute:
		return method
	case strings.HasPrefix(route, method+" "):
		return route
	}
	return method + " " + route
}
