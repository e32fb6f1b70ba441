// Package observe provides application-wide observability primitives for
// babelroom: OpenTelemetry metrics with a Prometheus exporter bridge so that
// everything remains scrapeable via the standard /metrics endpoint.
//
// A package-level default [Metrics] instance ([DefaultMetrics]) is provided
// for convenience; tests should use [NewMetrics] with a custom
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all babelroom metrics.
const meterName = "github.com/babelroom/babelroom"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// STTDuration tracks time from utterance end to final transcript.
	STTDuration metric.Float64Histogram

	// TranslateDuration tracks translation latency per utterance.
	TranslateDuration metric.Float64Histogram

	// TTSFirstChunk tracks time from synthesis request to first audio chunk,
	// the latency the listener actually feels.
	TTSFirstChunk metric.Float64Histogram

	// --- Counters ---

	// Utterances counts processed utterances. Use with attributes:
	//   attribute.String("direction", "sent"|"received"), attribute.String("language", ...)
	Utterances metric.Int64Counter

	// DuplicatesSuppressed counts utterances dropped by duplicate suppression.
	// Use with attribute: attribute.String("stage", "session"|"pipeline"|"room")
	DuplicatesSuppressed metric.Int64Counter

	// FramesGated counts audio frames seen by the capture loop. Use with
	// attribute: attribute.Bool("forwarded", ...)
	FramesGated metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// PlaybackQueueDepth tracks the number of queued playback segments.
	PlaybackQueueDepth metric.Int64UpDownCounter

	// ActiveParticipants tracks the number of participants present in the room.
	ActiveParticipants metric.Int64UpDownCounter
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
	if met.STTDuration, err = m.Float64Histogram("babelroom.stt.duration",
		metric.WithDescription("Latency from utterance end to final transcript."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TranslateDuration, err = m.Float64Histogram("babelroom.translate.duration",
		metric.WithDescription("Translation latency per utterance."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSFirstChunk, err = m.Float64Histogram("babelroom.tts.first_chunk",
		metric.WithDescription("Time from synthesis request to first audio chunk."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Utterances, err = m.Int64Counter("babelroom.utterances",
		metric.WithDescription("Total processed utterances by direction and language."),
	); err != nil {
		return nil, err
	}
	if met.DuplicatesSuppressed, err = m.Int64Counter("babelroom.duplicates_suppressed",
		metric.WithDescription("Total utterances dropped by duplicate suppression, by stage."),
	); err != nil {
		return nil, err
	}
	if met.FramesGated, err = m.Int64Counter("babelroom.frames_gated",
		metric.WithDescription("Total capture frames by whether the voice gate forwarded them."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("babelroom.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.PlaybackQueueDepth, err = m.Int64UpDownCounter("babelroom.playback.queue_depth",
		metric.WithDescription("Number of queued playback segments."),
	); err != nil {
		return nil, err
	}
	if met.ActiveParticipants, err = m.Int64UpDownCounter("babelroom.active_participants",
		metric.WithDescription("Number of participants present in the room."),
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

// RecordUtterance records a processed utterance with the standard attributes.
func (m *Metrics) RecordUtterance(ctx context.Context, direction, language string) {
	m.Utterances.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("direction", direction),
			attribute.String("language", language),
		),
	)
}

// RecordDuplicateSuppressed records one suppressed utterance at a stage.
func (m *Metrics) RecordDuplicateSuppressed(ctx context.Context, stage string) {
	m.DuplicatesSuppressed.Add(ctx, 1,
		metric.WithAttributes(attribute.String("stage", stage)),
	)
}

// RecordFrameGated records one capture frame and whether it was forwarded.
func (m *Metrics) RecordFrameGated(ctx context.Context, forwarded bool) {
	m.FramesGated.Add(ctx, 1,
		metric.WithAttributes(attribute.Bool("forwarded", forwarded)),
	)
}

// RecordProviderError records a provider error with the standard attributes.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}
