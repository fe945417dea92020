package observe

import (
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// TraceHeader carries the request's trace ID back to the caller.
const TraceHeader = "X-Trace-ID"

// statusRoutes are the status server paths recorded as their own metric
// label. Anything else is recorded as "other".
var statusRoutes = map[string]bool{
	"/healthz": true,
	"/readyz":  true,
	"/status":  true,
	"/metrics": true,
}

func routeLabel(path string) string {
	if statusRoutes[path] {
		return path
	}
	return "other"
}

type responseStatus struct {
	http.ResponseWriter
	code int
}

func (r *responseStatus) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

// Middleware instruments the status server. Every request runs in a server
// span that continues an incoming W3C traceparent, gets its trace ID echoed
// in [TraceHeader] and is recorded in the request duration histogram.
func Middleware(m *Metrics, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	prop := propagation.TraceContext{}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			route := routeLabel(r.URL.Path)

			ctx := prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := Tracer().Start(ctx, "HTTP "+r.Method+" "+r.URL.Path,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(r.Method),
					semconv.URLPath(r.URL.Path),
				),
			)
			defer span.End()

			traceID := TraceID(ctx)
			if traceID != "" {
				w.Header().Set(TraceHeader, traceID)
			}
			prop.Inject(ctx, propagation.HeaderCarrier(w.Header()))

			rs := &responseStatus{ResponseWriter: w, code: http.StatusOK}
			next.ServeHTTP(rs, r.WithContext(ctx))

			took := time.Since(start)
			span.SetAttributes(semconv.HTTPResponseStatusCode(rs.code))
			m.HTTPRequestDuration.Record(ctx, took.Seconds(), metric.WithAttributes(
				attribute.String("method", r.Method),
				attribute.String("path", route),
			))
			logger.LogAttrs(ctx, slog.LevelDebug, "observe: status request",
				slog.String("trace_id", traceID),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rs.code),
				slog.Duration("took", took),
			)
		})
	}
}
