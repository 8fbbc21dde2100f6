// Package observe provides application-wide observability primitives for
// musicr: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. [InitProvider]
// installs a Prometheus exporter bridge; musicr itself mounts no /metrics
// HTTP handler for it. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all musicr metrics.
const meterName = "github.com/cfiorelli/musicr"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// EmbedDuration tracks embedding-provider call latency.
	EmbedDuration metric.Float64Histogram

	// MatchDuration tracks the full song-matching pipeline latency
	// (normalize → embed → KNN → re-rank).
	MatchDuration metric.Float64Histogram

	// ChatDuration tracks the end-to-end HandleUserMessage pipeline latency.
	ChatDuration metric.Float64Histogram

	// PersistDuration tracks persistence-layer write latency.
	PersistDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts embedding provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// MatchOutcomes counts song-match results by mode. Use with attribute:
	//   attribute.String("mode", "vector"|"fallback"|"none")
	MatchOutcomes metric.Int64Counter

	// MessagesSent counts chat messages successfully broadcast.
	MessagesSent metric.Int64Counter

	// ReactionsSent counts reaction events successfully broadcast.
	ReactionsSent metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts embedding provider errors. Use with attribute:
	//   attribute.String("provider", ...)
	ProviderErrors metric.Int64Counter

	// PersistenceErrors counts persistence-layer failures by operation.
	PersistenceErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveConnections tracks the number of live WebSocket connections.
	ActiveConnections metric.Int64UpDownCounter

	// ActivePresence tracks the number of (room, user) presence entries
	// currently tracked by this instance.
	ActivePresence metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for interactive chat-pipeline latencies.
var latencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.EmbedDuration, err = m.Float64Histogram("musicr.embed.duration",
		metric.WithDescription("Latency of embedding provider calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.MatchDuration, err = m.Float64Histogram("musicr.match.duration",
		metric.WithDescription("Latency of the song-matching pipeline."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ChatDuration, err = m.Float64Histogram("musicr.chat.duration",
		metric.WithDescription("Latency of the end-to-end chat message pipeline."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PersistDuration, err = m.Float64Histogram("musicr.persist.duration",
		metric.WithDescription("Latency of persistence layer writes."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("musicr.provider.requests",
		metric.WithDescription("Total embedding provider requests by provider and status."),
	); err != nil {
		return nil, err
	}
	if met.MatchOutcomes, err = m.Int64Counter("musicr.match.outcomes",
		metric.WithDescription("Total song match outcomes by mode."),
	); err != nil {
		return nil, err
	}
	if met.MessagesSent, err = m.Int64Counter("musicr.messages.sent",
		metric.WithDescription("Total chat messages broadcast."),
	); err != nil {
		return nil, err
	}
	if met.ReactionsSent, err = m.Int64Counter("musicr.reactions.sent",
		metric.WithDescription("Total reaction events broadcast."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("musicr.provider.errors",
		metric.WithDescription("Total embedding provider errors by provider."),
	); err != nil {
		return nil, err
	}
	if met.PersistenceErrors, err = m.Int64Counter("musicr.persistence.errors",
		metric.WithDescription("Total persistence layer errors by operation."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveConnections, err = m.Int64UpDownCounter("musicr.active_connections",
		metric.WithDescription("Number of currently live WebSocket connections."),
	); err != nil {
		return nil, err
	}
	if met.ActivePresence, err = m.Int64UpDownCounter("musicr.active_presence",
		metric.WithDescription("Number of (room, user) presence entries tracked by this instance."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("musicr.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordProviderRequest is a convenience method that records a provider
// request counter increment with the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("status", status),
		),
	)
}

// RecordMatchOutcome is a convenience method that records a song match
// outcome counter increment.
func (m *Metrics) RecordMatchOutcome(ctx context.Context, mode string) {
	m.MatchOutcomes.Add(ctx, 1,
		metric.WithAttributes(attribute.String("mode", mode)),
	)
}

// RecordProviderError is a convenience method that records a provider error
// counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("provider", provider)),
	)
}

// RecordPersistenceError is a convenience method that records a persistence
// error counter increment.
func (m *Metrics) RecordPersistenceError(ctx context.Context, operation string) {
	m.PersistenceErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("operation", operation)),
	)
}
