// Package observe provides application-wide observability primitives for
// Sotto: OpenTelemetry metrics, tracing helpers, and the provider setup that
// ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
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

// meterName is the instrumentation scope name used for all Sotto metrics.
const meterName = "github.com/sotto-voice/sotto"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Response cache ---

	// CacheHits counts cache lookups that returned audio. Use with attribute:
	//   attribute.String("voice", ...)
	CacheHits metric.Int64Counter

	// CacheMisses counts cache lookups that found nothing usable.
	CacheMisses metric.Int64Counter

	// CacheBytes tracks the bytes currently held by the response cache.
	CacheBytes metric.Int64UpDownCounter

	// CacheEvictions counts entries removed to stay under the byte budget or
	// because they expired.
	CacheEvictions metric.Int64Counter

	// --- Network probing ---

	// ProbeDuration tracks connectivity probe latency. Use with attribute:
	//   attribute.String("status", ...)
	ProbeDuration metric.Float64Histogram

	// ModeChanges counts operating mode transitions. Use with attributes:
	//   attribute.String("from", ...), attribute.String("to", ...)
	ModeChanges metric.Int64Counter

	// --- Voice activity ---

	// VADSegments counts completed speech segments.
	VADSegments metric.Int64Counter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// network round trips.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.CacheHits, err = m.Int64Counter("sotto.cache.hits",
		metric.WithDescription("Total response cache hits by voice."),
	); err != nil {
		return nil, err
	}
	if met.CacheMisses, err = m.Int64Counter("sotto.cache.misses",
		metric.WithDescription("Total response cache misses."),
	); err != nil {
		return nil, err
	}
	if met.CacheBytes, err = m.Int64UpDownCounter("sotto.cache.bytes",
		metric.WithDescription("Bytes currently held by the response cache."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.CacheEvictions, err = m.Int64Counter("sotto.cache.evictions",
		metric.WithDescription("Total response cache evictions by reason."),
	); err != nil {
		return nil, err
	}

	if met.ProbeDuration, err = m.Float64Histogram("sotto.probe.duration",
		metric.WithDescription("Latency of network connectivity probes."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ModeChanges, err = m.Int64Counter("sotto.mode.changes",
		metric.WithDescription("Total operating mode transitions by from and to mode."),
	); err != nil {
		return nil, err
	}

	if met.VADSegments, err = m.Int64Counter("sotto.vad.segments",
		metric.WithDescription("Total completed speech segments."),
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

// RecordCacheHit records a cache hit for the given voice.
func (m *Metrics) RecordCacheHit(ctx context.Context, voice string) {
	m.CacheHits.Add(ctx, 1,
		metric.WithAttributes(attribute.String("voice", voice)),
	)
}

// RecordCacheMiss records a cache miss.
func (m *Metrics) RecordCacheMiss(ctx context.Context) {
	m.CacheMisses.Add(ctx, 1)
}

// RecordEviction records a cache eviction with its reason ("budget" or
// "expired").
func (m *Metrics) RecordEviction(ctx context.Context, reason string) {
	m.CacheEvictions.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordProbe records one probe duration with its resulting status.
func (m *Metrics) RecordProbe(ctx context.Context, seconds float64, status string) {
	m.ProbeDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordVADSegment records one completed speech segment.
func (m *Metrics) RecordVADSegment(ctx context.Context) {
	m.VADSegments.Add(ctx, 1)
}

// RecordModeChange records an operating mode transition.
func (m *Metrics) RecordModeChange(ctx context.Context, from, to string) {
	m.ModeChanges.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("from", from),
			attribute.String("to", to),
		),
	)
}
