package observe

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// sumWith returns the int64 sum data point carrying attribute key=value.
func sumWith(t *testing.T, rm metricdata.ResourceMetrics, name, key, value string) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not an int64 sum", name)
	}
	for _, dp := range sum.DataPoints {
		for _, kv := range dp.Attributes.ToSlice() {
			if string(kv.Key) == key && kv.Value.Emit() == value {
				return dp.Value
			}
		}
	}
	t.Fatalf("metric %q: no data point with %s=%s", name, key, value)
	return 0
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestRecordFrame(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordFrame(ctx, FrameSent, 2730)
	m.RecordFrame(ctx, FrameSent, 2730)
	m.RecordFrame(ctx, FrameGated, 2730)
	m.RecordFrame(ctx, FrameError, 0)

	rm := collect(t, reader)
	if got := sumWith(t, rm, "voicebridge.capture.frames", "outcome", FrameSent); got != 2 {
		t.Errorf("sent frames = %d, want 2", got)
	}
	if got := sumWith(t, rm, "voicebridge.capture.frames", "outcome", FrameGated); got != 1 {
		t.Errorf("gated frames = %d, want 1", got)
	}

	met := findMetric(rm, "voicebridge.transport.bytes_sent")
	if met == nil {
		t.Fatal("bytes_sent not found")
	}
	sum := met.Data.(metricdata.Sum[int64])
	if got := sum.DataPoints[0].Value; got != 5460 {
		t.Errorf("bytes sent = %d, want 5460 (gated frames must not count)", got)
	}
}

func TestRecordScheduled(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordScheduled(ctx, time.Second, 1)
	m.RecordScheduled(ctx, 500*time.Millisecond, 2)

	rm := collect(t, reader)

	buffers := findMetric(rm, "voicebridge.playback.buffers")
	if buffers == nil {
		t.Fatal("buffers metric not found")
	}
	if got := buffers.Data.(metricdata.Sum[int64]).DataPoints[0].Value; got != 2 {
		t.Errorf("buffers = %d, want 2", got)
	}

	scheduled := findMetric(rm, "voicebridge.playback.scheduled")
	if scheduled == nil {
		t.Fatal("scheduled metric not found")
	}
	if got := scheduled.Data.(metricdata.Sum[float64]).DataPoints[0].Value; got != 1.5 {
		t.Errorf("scheduled seconds = %v, want 1.5", got)
	}

	depth := findMetric(rm, "voicebridge.playback.queue_depth")
	if depth == nil {
		t.Fatal("queue depth metric not found")
	}
	if got := depth.Data.(metricdata.Histogram[int64]).DataPoints[0].Count; got != 2 {
		t.Errorf("queue depth samples = %d, want 2", got)
	}
}

func TestRecordGate(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordGate(ctx, true)
	m.RecordGate(ctx, false)
	m.RecordGate(ctx, true)

	rm := collect(t, reader)
	if got := sumWith(t, rm, "voicebridge.gate.transitions", "active", "true"); got != 2 {
		t.Errorf("engaged transitions = %d, want 2", got)
	}
	if got := sumWith(t, rm, "voicebridge.gate.transitions", "active", "false"); got != 1 {
		t.Errorf("released transitions = %d, want 1", got)
	}
}

func TestRecordTransportError(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordTransportError(ctx, "dial")
	m.RecordTransportError(ctx, "read")
	m.RecordTransportError(ctx, "read")

	rm := collect(t, reader)
	if got := sumWith(t, rm, "voicebridge.transport.errors", "op", "read"); got != 2 {
		t.Errorf("read errors = %d, want 2", got)
	}
}

func TestActiveSessions(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	// UpDownCounters are additive, so a connect/disconnect pair nets zero.
	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, -1)

	rm := collect(t, reader)
	met := findMetric(rm, "voicebridge.active_sessions")
	if met == nil {
		t.Fatal("metric not found")
	}
	if got := met.Data.(metricdata.Sum[int64]).DataPoints[0].Value; got != 1 {
		t.Errorf("active sessions = %d, want 1", got)
	}
}

func TestConnectDuration(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.ConnectDuration.Record(ctx, 0.12)

	rm := collect(t, reader)
	met := findMetric(rm, "voicebridge.session.connect.duration")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("metric is not a histogram")
	}
	if got := hist.DataPoints[0].Count; got != 1 {
		t.Errorf("sample count = %d, want 1", got)
	}
}

func TestHTTPRequestDuration(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.HTTPRequestDuration.Record(ctx, 0.05,
		metric.WithAttributes(
			attribute.String("method", "GET"),
			attribute.String("path", "/healthz"),
		),
	)

	rm := collect(t, reader)
	met := findMetric(rm, "voicebridge.http.request.duration")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("metric is not a histogram")
	}
	if got := hist.DataPoints[0].Count; got != 1 {
		t.Errorf("sample count = %d, want 1", got)
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different pointers")
	}
}
