// Package observe provides application-wide observability primitives for the
// voice bridge: OpenTelemetry metrics, distributed tracing, structured logging,
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
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all bridge metrics.
const meterName = "github.com/theintaker/voicebridge"

// Frame outcomes recorded by [Metrics.RecordFrame].
const (
	FrameSent  = "sent"
	FrameGated = "gated"
	FrameError = "error"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Capture ---

	// CaptureFrames counts capture frames by outcome. Use with attribute:
	//   attribute.String("outcome", FrameSent|FrameGated|FrameError)
	CaptureFrames metric.Int64Counter

	// BytesSent counts PCM bytes written to the transport.
	BytesSent metric.Int64Counter

	// --- Playback ---

	// BytesReceived counts PCM bytes received from the remote endpoint.
	BytesReceived metric.Int64Counter

	// BuffersScheduled counts buffers handed to the output device.
	BuffersScheduled metric.Int64Counter

	// ScheduledAudio accumulates the duration of scheduled audio in seconds.
	ScheduledAudio metric.Float64Counter

	// QueueDepth samples the number of pending buffers at each enqueue.
	QueueDepth metric.Int64Histogram

	// GateTransitions counts gate flips. Use with attribute:
	//   attribute.Bool("active", ...)
	GateTransitions metric.Int64Counter

	// --- Transport ---

	// DecodeErrors counts inbound messages discarded as undecodable.
	DecodeErrors metric.Int64Counter

	// TransportErrors counts transport failures. Use with attribute:
	//   attribute.String("op", ...)
	TransportErrors metric.Int64Counter

	// ConnectDuration tracks the time from Connect to Connected.
	ConnectDuration metric.Float64Histogram

	// --- Gauges ---

	// ActiveSessions tracks the number of connected bridge sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// connection setup.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// depthBuckets covers playback queue depths seen with a chatty remote.
var depthBuckets = []float64{0, 1, 2, 4, 8, 16, 32, 64}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Counters.
	if met.CaptureFrames, err = m.Int64Counter("voicebridge.capture.frames",
		metric.WithDescription("Capture frames by outcome."),
	); err != nil {
		return nil, err
	}
	if met.BytesSent, err = m.Int64Counter("voicebridge.transport.bytes_sent",
		metric.WithDescription("PCM bytes sent to the remote endpoint."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.BytesReceived, err = m.Int64Counter("voicebridge.transport.bytes_received",
		metric.WithDescription("PCM bytes received from the remote endpoint."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.BuffersScheduled, err = m.Int64Counter("voicebridge.playback.buffers",
		metric.WithDescription("Buffers scheduled on the output device."),
	); err != nil {
		return nil, err
	}
	if met.ScheduledAudio, err = m.Float64Counter("voicebridge.playback.scheduled",
		metric.WithDescription("Total duration of scheduled audio."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if met.GateTransitions, err = m.Int64Counter("voicebridge.gate.transitions",
		metric.WithDescription("Gate transitions by resulting state."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.DecodeErrors, err = m.Int64Counter("voicebridge.transport.decode_errors",
		metric.WithDescription("Inbound messages discarded as undecodable."),
	); err != nil {
		return nil, err
	}
	if met.TransportErrors, err = m.Int64Counter("voicebridge.transport.errors",
		metric.WithDescription("Transport failures by operation."),
	); err != nil {
		return nil, err
	}

	// Histograms.
	if met.QueueDepth, err = m.Int64Histogram("voicebridge.playback.queue_depth",
		metric.WithDescription("Pending playback buffers observed at enqueue."),
		metric.WithExplicitBucketBoundaries(depthBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ConnectDuration, err = m.Float64Histogram("voicebridge.session.connect.duration",
		metric.WithDescription("Latency from connect request to connected state."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("voicebridge.active_sessions",
		metric.WithDescription("Number of connected bridge sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voicebridge.http.request.duration",
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

// RecordFrame records one capture frame with its outcome. bytes is added to
// BytesSent when the outcome is [FrameSent].
func (m *Metrics) RecordFrame(ctx context.Context, outcome string, bytes int) {
	m.CaptureFrames.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	if outcome == FrameSent && bytes > 0 {
		m.BytesSent.Add(ctx, int64(bytes))
	}
}

// RecordScheduled records one buffer handed to the output device.
func (m *Metrics) RecordScheduled(ctx context.Context, d time.Duration, pending int) {
	m.BuffersScheduled.Add(ctx, 1)
	m.ScheduledAudio.Add(ctx, d.Seconds())
	m.QueueDepth.Record(ctx, int64(pending))
}

// RecordGate records a gate transition.
func (m *Metrics) RecordGate(ctx context.Context, active bool) {
	m.GateTransitions.Add(ctx, 1, metric.WithAttributes(attribute.Bool("active", active)))
}

// RecordTransportError records a transport failure for op.
func (m *Metrics) RecordTransportError(ctx context.Context, op string) {
	m.TransportErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}
