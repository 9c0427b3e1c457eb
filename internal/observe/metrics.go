// Package observe provides application-wide observability primitives for
// PitchDrill: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all PitchDrill metrics.
const meterName = "github.com/pitchdrill/pitchdrill"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// LLMFirstToken tracks time from turn start to the first model delta.
	LLMFirstToken metric.Float64Histogram

	// TTSFirstAudio tracks time from segment dispatch to the first PCM block.
	TTSFirstAudio metric.Float64Histogram

	// TurnDuration tracks full turn latency, final transcript to turn done.
	TurnDuration metric.Float64Histogram

	// FeedbackDuration tracks scorecard generation latency.
	FeedbackDuration metric.Float64Histogram

	// --- Counters ---

	// ASRFinals counts final transcripts delivered to the session engine.
	ASRFinals metric.Int64Counter

	// BargeIns counts turns cut short by the caller speaking over the agent.
	BargeIns metric.Int64Counter

	// DroppedFrames counts mic frames discarded by the bounded audio queue.
	DroppedFrames metric.Int64Counter

	// Hangups counts agent-initiated call terminations.
	Hangups metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live practice calls.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
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
	if met.LLMFirstToken, err = m.Float64Histogram("pitchdrill.llm.first_token.duration",
		metric.WithDescription("Time from turn start to the first model delta."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSFirstAudio, err = m.Float64Histogram("pitchdrill.tts.first_audio.duration",
		metric.WithDescription("Time from segment dispatch to the first PCM block."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TurnDuration, err = m.Float64Histogram("pitchdrill.turn.duration",
		metric.WithDescription("Full turn latency, final transcript to turn done."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.FeedbackDuration, err = m.Float64Histogram("pitchdrill.feedback.duration",
		metric.WithDescription("Latency of scorecard generation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ASRFinals, err = m.Int64Counter("pitchdrill.asr.finals",
		metric.WithDescription("Final transcripts delivered to the session engine."),
	); err != nil {
		return nil, err
	}
	if met.BargeIns, err = m.Int64Counter("pitchdrill.session.barge_ins",
		metric.WithDescription("Turns cut short by the caller speaking over the agent."),
	); err != nil {
		return nil, err
	}
	if met.DroppedFrames, err = m.Int64Counter("pitchdrill.session.dropped_frames",
		metric.WithDescription("Mic frames discarded by the bounded audio queue."),
	); err != nil {
		return nil, err
	}
	if met.Hangups, err = m.Int64Counter("pitchdrill.session.hangups",
		metric.WithDescription("Agent-initiated call terminations."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("pitchdrill.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("pitchdrill.active_sessions",
		metric.WithDescription("Number of live practice calls."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("pitchdrill.http.request.duration",
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

// RecordBargeIn records a single barge-in for the given persona.
func (m *Metrics) RecordBargeIn(ctx context.Context, personaID string) {
	m.BargeIns.Add(ctx, 1,
		metric.WithAttributes(attribute.String("persona", personaID)),
	)
}

// RecordDroppedFrame records one discarded mic frame.
func (m *Metrics) RecordDroppedFrame(ctx context.Context) {
	m.DroppedFrames.Add(ctx, 1)
}

// RecordASRFinal records one final transcript.
func (m *Metrics) RecordASRFinal(ctx context.Context) {
	m.ASRFinals.Add(ctx, 1)
}

// RecordHangup records one agent-initiated hangup for the given persona.
func (m *Metrics) RecordHangup(ctx context.Context, personaID string) {
	m.Hangups.Add(ctx, 1,
		metric.WithAttributes(attribute.String("persona", personaID)),
	)
}
