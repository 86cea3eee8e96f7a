// Package observe provides application-wide observability primitives for
// Asiri: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
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

// meterName is the instrumentation scope name used for all Asiri metrics.
const meterName = "github.com/MrWong99/asiri"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// ChatDuration tracks text chat completion latency.
	ChatDuration metric.Float64Histogram

	// VoiceConnectDuration tracks how long a voice session takes to go from
	// Connecting to Active.
	VoiceConnectDuration metric.Float64Histogram

	// --- Voice pipeline counters ---

	// FramesSent counts capture frames delivered to the transport.
	FramesSent metric.Int64Counter

	// ChunksScheduled counts reply chunks placed on the playback timeline.
	ChunksScheduled metric.Int64Counter

	// DecodeErrors counts reply chunks dropped because they failed to decode.
	DecodeErrors metric.Int64Counter

	// Interruptions counts barge-in interruptions of scheduled playback.
	Interruptions metric.Int64Counter

	// SessionOutcomes counts voice sessions by terminal state. Use with
	// attribute:
	//   attribute.String("state", ...)
	SessionOutcomes metric.Int64Counter

	// --- Provider counters ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// LeadsForwarded counts lead webhook deliveries. Use with attribute:
	//   attribute.String("status", ...)
	LeadsForwarded metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveChats tracks the number of chat sessions held in memory.
	ActiveChats metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) suited to
// model round trips.
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
	if met.ChatDuration, err = m.Float64Histogram("asiri.chat.duration",
		metric.WithDescription("Latency of text chat completions."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.VoiceConnectDuration, err = m.Float64Histogram("asiri.voice.connect.duration",
		metric.WithDescription("Time from voice session start until the remote service confirms it."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Voice counters.
	if met.FramesSent, err = m.Int64Counter("asiri.voice.frames_sent",
		metric.WithDescription("Total capture frames sent to the remote service."),
	); err != nil {
		return nil, err
	}
	if met.ChunksScheduled, err = m.Int64Counter("asiri.voice.chunks_scheduled",
		metric.WithDescription("Total reply audio chunks scheduled for playback."),
	); err != nil {
		return nil, err
	}
	if met.DecodeErrors, err = m.Int64Counter("asiri.voice.decode_errors",
		metric.WithDescription("Total reply audio chunks dropped on decode failure."),
	); err != nil {
		return nil, err
	}
	if met.Interruptions, err = m.Int64Counter("asiri.voice.interruptions",
		metric.WithDescription("Total playback interruptions."),
	); err != nil {
		return nil, err
	}
	if met.SessionOutcomes, err = m.Int64Counter("asiri.voice.sessions",
		metric.WithDescription("Total finished voice sessions by terminal state."),
	); err != nil {
		return nil, err
	}

	// Provider counters.
	if met.ProviderRequests, err = m.Int64Counter("asiri.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("asiri.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.LeadsForwarded, err = m.Int64Counter("asiri.leads.forwarded",
		metric.WithDescription("Total lead webhook deliveries by status."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("asiri.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveChats, err = m.Int64UpDownCounter("asiri.active_chats",
		metric.WithDescription("Number of chat sessions held in memory."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("asiri.http.request.duration",
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

// RecordProviderRequest records a provider request counter increment with the
// standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records a provider error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordLeadForward records the outcome of one lead webhook delivery.
func (m *Metrics) RecordLeadForward(ctx context.Context, status string) {
	m.LeadsForwarded.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordSessionOutcome records a voice session reaching a terminal state.
func (m *Metrics) RecordSessionOutcome(ctx context.Context, state string) {
	m.SessionOutcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state)))
}
