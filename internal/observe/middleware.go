package observe

import (
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
	"go.opentelemetry.io/otel/trace"
)

// unmatchedRoute labels requests that no diagnostics route served, so
// arbitrary paths cannot inflate metric cardinality.
const unmatchedRoute = "unmatched"

// pollRoutes are scraped by supervisors and Prometheus every few seconds.
// Successful requests to them log at debug level.
var pollRoutes = map[string]bool{
	"GET /healthz": true,
	"GET /readyz":  true,
	"GET /metrics": true,
}

// statusRecorder remembers the status code written by the wrapped handler.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

// MiddlewareOption configures [Middleware].
type MiddlewareOption func(*middleware)

// WithRequestLogger sets the logger for request completion lines. Defaults
// to slog.Default().
func WithRequestLogger(l *slog.Logger) MiddlewareOption {
	return func(mw *middleware) {
		if l != nil {
			mw.log = l
		}
	}
}

// WithSessionID tags every request span with the id of the session the
// diagnostics server reports on.
func WithSessionID(id string) MiddlewareOption {
	return func(mw *middleware) {
		mw.sessionID = id
	}
}

type middleware struct {
	metrics   *Metrics
	log       *slog.Logger
	sessionID string
	prop      propagation.TraceContext
}

// Middleware wraps the diagnostics mux. Each request gets a server span
// continuing any W3C trace context it carries, an X-Correlation-ID response
// header, a [Metrics.HTTPRequestDuration] sample and a completion log line.
// Spans and metrics are labelled with the [http.ServeMux] pattern that served
// the request rather than the raw path.
func Middleware(m *Metrics, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	mw := &middleware{metrics: m, log: slog.Default()}
	for _, o := range opts {
		o(mw)
	}
	return mw.wrap
}

func (mw *middleware) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		attrs := []attribute.KeyValue{
			semconv.HTTPRequestMethodKey.String(r.Method),
			semconv.URLPath(r.URL.Path),
		}
		if mw.sessionID != "" {
			attrs = append(attrs, SessionIDKey.String(mw.sessionID))
		}
		ctx := mw.prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := StartSpan(ctx, "diagnostics "+r.Method,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(attrs...),
		)
		defer span.End()

		cid := CorrelationID(ctx)
		if cid != "" {
			w.Header().Set("X-Correlation-ID", cid)
		}
		mw.prop.Inject(ctx, propagation.HeaderCarrier(w.Header()))

		// The mux records the matched pattern on the request it is handed.
		req := r.WithContext(ctx)
		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rec, req)

		route := req.Pattern
		if route == "" {
			route = unmatchedRoute
		}
		span.SetName("diagnostics " + route)
		span.SetAttributes(
			semconv.HTTPRoute(route),
			semconv.HTTPResponseStatusCode(rec.statusCode),
		)

		duration := time.Since(start)
		if mw.metrics != nil {
			mw.metrics.HTTPRequestDuration.Record(ctx, duration.Seconds(),
				metric.WithAttributes(
					attribute.String("method", r.Method),
					attribute.String("route", route),
					attribute.Int("status", rec.statusCode),
				),
			)
		}

		level := slog.LevelInfo
		if pollRoutes[route] && rec.statusCode < http.StatusBadRequest {
			level = slog.LevelDebug
		}
		mw.log.LogAttrs(ctx, level, "diagnostics request",
			slog.String("trace_id", cid),
			slog.String("route", route),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.statusCode),
			slog.Duration("duration", duration),
		)
	})
}
