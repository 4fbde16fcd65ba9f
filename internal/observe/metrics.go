// Package observe provides application-wide observability primitives for
// persistdm: OpenTelemetry metrics, structured logging, and HTTP middleware
// that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
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

// meterName is the instrumentation scope name used for all persistdm metrics.
const meterName = "github.com/tarnv/persistdm"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// ContextBuildDuration tracks end-to-end context assembly latency.
	ContextBuildDuration metric.Float64Histogram

	// SearchDuration tracks retrieval query latency.
	SearchDuration metric.Float64Histogram

	// ExtractionDuration tracks LLM state-extraction latency per chunk.
	ExtractionDuration metric.Float64Histogram

	// IngestStepDuration tracks per-window ingest processing latency.
	IngestStepDuration metric.Float64Histogram

	// --- Counters ---

	// StateWrites counts gated writes. Use with attributes:
	//   attribute.String("kind", ...), attribute.String("status", ...)
	StateWrites metric.Int64Counter

	// SearchRequests counts retrieval queries. Use with attributes:
	//   attribute.String("mode", ...), attribute.String("status", ...)
	SearchRequests metric.Int64Counter

	// HygieneOperations counts graph cleanup actions. Use with attribute:
	//   attribute.String("kind", "merge"|"prune_node"|"prune_edge"|"dedupe_edge")
	HygieneOperations metric.Int64Counter

	// DanglingEdgeSkips counts edges skipped on read because their target
	// node no longer exists.
	DanglingEdgeSkips metric.Int64Counter

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveIngestJobs tracks the number of ingest jobs currently running.
	ActiveIngestJobs metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for retrieval and model-call latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ContextBuildDuration, err = m.Float64Histogram("persistdm.context.duration",
		metric.WithDescription("Latency of context assembly."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SearchDuration, err = m.Float64Histogram("persistdm.search.duration",
		metric.WithDescription("Latency of retrieval queries."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ExtractionDuration, err = m.Float64Histogram("persistdm.extraction.duration",
		metric.WithDescription("Latency of LLM state extraction per chunk."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.IngestStepDuration, err = m.Float64Histogram("persistdm.ingest.step.duration",
		metric.WithDescription("Latency of one ingest window step."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.StateWrites, err = m.Int64Counter("persistdm.state.writes",
		metric.WithDescription("Total gated state writes by kind and outcome."),
	); err != nil {
		return nil, err
	}
	if met.SearchRequests, err = m.Int64Counter("persistdm.search.requests",
		metric.WithDescription("Total retrieval queries by mode and status."),
	); err != nil {
		return nil, err
	}
	if met.HygieneOperations, err = m.Int64Counter("persistdm.hygiene.operations",
		metric.WithDescription("Total graph hygiene actions by kind."),
	); err != nil {
		return nil, err
	}
	if met.DanglingEdgeSkips, err = m.Int64Counter("persistdm.graph.dangling_skips",
		metric.WithDescription("Edges skipped on read because their target is gone."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("persistdm.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("persistdm.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveIngestJobs, err = m.Int64UpDownCounter("persistdm.ingest.active_jobs",
		metric.WithDescription("Number of ingest jobs currently running."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("persistdm.http.request.duration",
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

// RecordStateWrite is a convenience method that records one gated write with
// the standard attribute set.
func (m *Metrics) RecordStateWrite(ctx context.Context, kind, status string) {
	m.StateWrites.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordSearch is a convenience method that records one retrieval query.
func (m *Metrics) RecordSearch(ctx context.Context, mode, status string) {
	m.SearchRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("mode", mode),
			attribute.String("status", status),
		),
	)
}

// RecordHygiene records the actions of one hygiene pass by kind.
func (m *Metrics) RecordHygiene(ctx context.Context, kind string, n int) {
	if n <= 0 {
		return
	}
	m.HygieneOperations.Add(ctx, int64(n),
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// RecordProviderRequest is a convenience method that records a provider
// request counter increment with the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError is a convenience method that records a provider error
// counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}
