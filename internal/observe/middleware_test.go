package observe

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

type middlewareFixture struct {
	handler http.Handler
	reader  *sdkmetric.ManualReader
	spans   *tracetest.InMemoryExporter
	logs    *bytes.Buffer

	// readyStatus is what GET /readyz answers.
	readyStatus int
}

// newMiddlewareFixture wraps a small diagnostics mux in [Middleware] with
// in-memory metrics, spans and an info-level log buffer.
func newMiddlewareFixture(t *testing.T, opts ...MiddlewareOption) *middlewareFixture {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	f := &middlewareFixture{
		reader:      reader,
		spans:       useTestTracer(t),
		logs:        &bytes.Buffer{},
		readyStatus: http.StatusOK,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(f.readyStatus)
	})
	mux.HandleFunc("GET /status/{field}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	logger := slog.New(slog.NewTextHandler(f.logs, &slog.HandlerOptions{Level: slog.LevelInfo}))
	opts = append([]MiddlewareOption{WithRequestLogger(logger)}, opts...)
	f.handler = Middleware(m, opts...)(mux)
	return f
}

func (f *middlewareFixture) get(path string, header ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func TestMiddleware_SpanNamedAfterRoute(t *testing.T) {
	f := newMiddlewareFixture(t, WithSessionID("sess-7"))

	f.get("/status/pending")

	spans := f.spans.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(spans))
	}
	if got, want := spans[0].Name, "diagnostics GET /status/{field}"; got != want {
		t.Errorf("span name = %q, want %q", got, want)
	}
	want := map[string]string{
		"http.route": "GET /status/{field}",
		"url.path":   "/status/pending",
		"session.id": "sess-7",
	}
	for _, a := range spans[0].Attributes {
		if v, ok := want[string(a.Key)]; ok && a.Value.Emit() == v {
			delete(want, string(a.Key))
		}
	}
	if len(want) != 0 {
		t.Errorf("span missing attributes %v, got %v", want, spans[0].Attributes)
	}
}

func TestMiddleware_CorrelationIDHeader(t *testing.T) {
	f := newMiddlewareFixture(t)

	rec := f.get("/healthz")

	cid := rec.Header().Get("X-Correlation-ID")
	if len(cid) != 32 {
		t.Fatalf("X-Correlation-ID = %q, want a 32 character trace id", cid)
	}
	if got := f.spans.GetSpans()[0].SpanContext.TraceID().String(); got != cid {
		t.Errorf("X-Correlation-ID = %q, span trace id = %q", cid, got)
	}
}

func TestMiddleware_ContinuesW3CTraceContext(t *testing.T) {
	f := newMiddlewareFixture(t)
	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"

	rec := f.get("/readyz", "traceparent", "00-"+traceID+"-00f067aa0ba902b7-01")

	if got := rec.Header().Get("X-Correlation-ID"); got != traceID {
		t.Errorf("X-Correlation-ID = %q, want the incoming trace id %q", got, traceID)
	}
	if !strings.Contains(rec.Header().Get("traceparent"), traceID) {
		t.Errorf("response traceparent = %q, want it to carry %s", rec.Header().Get("traceparent"), traceID)
	}
}

func TestMiddleware_RecordsDurationByRoute(t *testing.T) {
	f := newMiddlewareFixture(t)

	f.get("/status/a")
	f.get("/status/b")
	f.get("/no/such/path")

	var rm metricdata.ResourceMetrics
	if err := f.reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	met := findMetric(rm, "voicebridge.http.request.duration")
	if met == nil {
		t.Fatal("request duration metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("metric data is %T, want a float64 histogram", met.Data)
	}

	counts := make(map[string]uint64)
	for _, dp := range hist.DataPoints {
		route, _ := dp.Attributes.Value("route")
		status, _ := dp.Attributes.Value("status")
		counts[route.AsString()+" "+status.Emit()] += dp.Count
	}
	if got := counts["GET /status/{field} 200"]; got != 2 {
		t.Errorf("status route samples = %d, want 2 (got %v)", got, counts)
	}
	if got := counts[unmatchedRoute+" 404"]; got != 1 {
		t.Errorf("unmatched samples = %d, want 1 (got %v)", got, counts)
	}
}

func TestMiddleware_PollRoutesLogAtDebug(t *testing.T) {
	f := newMiddlewareFixture(t)

	f.get("/healthz")
	f.get("/readyz")
	if strings.Contains(f.logs.String(), "diagnostics request") {
		t.Errorf("healthy poll logged at info: %s", f.logs.String())
	}

	f.readyStatus = http.StatusServiceUnavailable
	f.get("/readyz")
	if !strings.Contains(f.logs.String(), "status=503") {
		t.Errorf("failing readiness check not logged: %s", f.logs.String())
	}

	f.get("/status/voice")
	if !strings.Contains(f.logs.String(), "path=/status/voice") {
		t.Errorf("regular request not logged: %s", f.logs.String())
	}
}
