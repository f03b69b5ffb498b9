// Package observe ties ellie's telemetry together: OpenTelemetry metrics and
// traces, request-scoped structured logging and the HTTP middleware that
// starts both for every request.
//
// Instruments are created through the OpenTelemetry metrics API and scraped
// from /metrics through the Prometheus bridge set up by [InitProvider].
// Tests build their own [Metrics] with [NewMetrics] on a private
// MeterProvider; [DefaultMetrics] serves everything else.
package observe

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds ellie's instruments. Attribute keys are listed per field.
type Metrics struct {
	// stage, status
	StageDuration metric.Float64Histogram
	// text_only
	TurnDuration metric.Float64Histogram
	// method, route, status
	HTTPRequestDuration metric.Float64Histogram

	// provider, kind, status
	ProviderRequests metric.Int64Counter
	// provider, kind
	ProviderErrors metric.Int64Counter
	// stage
	Fallbacks metric.Int64Counter
	// cache, hit
	CacheLookups metric.Int64Counter
	// kind, breaker, to
	BreakerTransitions metric.Int64Counter

	WSConnections metric.Int64UpDownCounter
	ActiveTurns   metric.Int64UpDownCounter
}

// latencyBuckets are histogram boundaries in seconds, spanning a cached
// lookup up to a stalled generation.
var latencyBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

// NewMetrics creates every instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(scope)
	var (
		met  Metrics
		errs []error
	)
	seconds := func(dst *metric.Float64Histogram, name, desc string, buckets ...float64) {
		opts := []metric.Float64HistogramOption{metric.WithDescription(desc), metric.WithUnit("s")}
		if len(buckets) > 0 {
			opts = append(opts, metric.WithExplicitBucketBoundaries(buckets...))
		}
		h, err := meter.Float64Histogram(name, opts...)
		*dst = h
		errs = append(errs, err)
	}
	counter := func(dst *metric.Int64Counter, name, desc string) {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		*dst = c
		errs = append(errs, err)
	}
	gauge := func(dst *metric.Int64UpDownCounter, name, desc string) {
		g, err := meter.Int64UpDownCounter(name, metric.WithDescription(desc))
		*dst = g
		errs = append(errs, err)
	}

	seconds(&met.StageDuration, "ellie.stage.duration", "Latency of a single pipeline stage.", latencyBuckets...)
	seconds(&met.TurnDuration, "ellie.turn.duration", "End-to-end latency of a voice turn.", latencyBuckets...)
	seconds(&met.HTTPRequestDuration, "ellie.http.request.duration", "HTTP request latency by method, route pattern and status.")

	counter(&met.ProviderRequests, "ellie.provider.requests", "Provider calls by provider, kind and status.")
	counter(&met.ProviderErrors, "ellie.provider.errors", "Failed provider calls by provider and kind.")
	counter(&met.Fallbacks, "ellie.fallbacks", "Canned fallback replies by pipeline stage.")
	counter(&met.CacheLookups, "ellie.cache.lookups", "Cache reads by cache and hit.")
	counter(&met.BreakerTransitions, "ellie.breaker.transitions", "Circuit breaker state changes by breaker and target state.")

	gauge(&met.WSConnections, "ellie.ws.connections", "Open duplex connections.")
	gauge(&met.ActiveTurns, "ellie.active_turns", "Turns currently in flight.")

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return &met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns instruments on the global MeterProvider, creating
// them on first use.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		m, err := NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: create default metrics: " + err.Error())
		}
		defaultMetrics = m
	})
	return defaultMetrics
}

// Attr is shorthand for attribute.String.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

func status(ok bool) attribute.KeyValue {
	if ok {
		return Attr("status", "ok")
	}
	return Attr("status", "error")
}

// RecordStage records how long one pipeline stage took.
func (m *Metrics) RecordStage(ctx context.Context, stage string, d time.Duration, ok bool) {
	m.StageDuration.Record(ctx, d.Seconds(), metric.WithAttributes(Attr("stage", stage), status(ok)))
}

// RecordTurn records the end-to-end duration of a turn.
func (m *Metrics) RecordTurn(ctx context.Context, d time.Duration, textOnly bool) {
	m.TurnDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.Bool("text_only", textOnly)))
}

func (m *Metrics) RecordFallback(ctx context.Context, stage string) {
	m.Fallbacks.Add(ctx, 1, metric.WithAttributes(Attr("stage", stage)))
}

func (m *Metrics) RecordCacheLookup(ctx context.Context, cache string, hit bool) {
	m.CacheLookups.Add(ctx, 1, metric.WithAttributes(Attr("cache", cache), attribute.Bool("hit", hit)))
}

// RecordProviderRequest counts one call to a named provider backend. status
// is "ok" or "error".
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1, metric.WithAttributes(
		Attr("provider", provider), Attr("kind", kind), Attr("status", status),
	))
}

func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1, metric.WithAttributes(Attr("provider", provider), Attr("kind", kind)))
}

// RecordBreakerTransition counts a breaker moving to state to. kind groups
// breakers: a stage name for provider chains, "health" for the tracker.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, kind, breaker, to string) {
	m.BreakerTransitions.Add(ctx, 1, metric.WithAttributes(
		Attr("kind", kind), Attr("breaker", breaker), Attr("to", to),
	))
}

// RecordHTTPRequest records one HTTP request. route is the matched mux
// pattern, never the raw path.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, route string, code int, d time.Duration) {
	m.HTTPRequestDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		Attr("method", method), Attr("route", route), Attr("status", strconv.Itoa(code)),
	))
}
