package observe

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/felixge/httpsnoop"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
	"go.opentelemetry.io/otel/trace"
)

// Health and scrape endpoints are hit every few seconds. Their successful
// requests are logged at debug level.
var quietPaths = map[string]bool{
	"/healthz": true,
	"/readyz":  true,
	"/metrics": true,
}

// Middleware wraps the control API. Each request runs inside a server span
// continued from an incoming traceparent header, and the trace ID is echoed
// as X-Correlation-ID. When the handler returns, the request duration goes to
// [Metrics.HTTPRequestDuration] labelled with the mux route pattern (the raw
// path when no pattern matched) and a completion line is logged.
func Middleware(m *Metrics) func(http.Handler) http.Handler {
	var carrier propagation.TraceContext
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, span := StartSpan(
				carrier.Extract(r.Context(), propagation.HeaderCarrier(r.Header)),
				"HTTP "+r.Method+" "+r.URL.Path,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(r.Method),
					semconv.URLPath(r.URL.Path),
				),
			)
			defer span.End()

			cid := CorrelationID(ctx)
			if cid != "" {
				w.Header().Set("X-Correlation-ID", cid)
			}
			carrier.Inject(ctx, propagation.HeaderCarrier(w.Header()))

			r = r.WithContext(ctx)
			stats := httpsnoop.CaptureMetrics(next, w, r)

			route := routeOf(r)
			if r.Pattern != "" {
				span.SetAttributes(semconv.HTTPRoute(r.Pattern))
			}
			span.SetAttributes(semconv.HTTPResponseStatusCode(stats.Code))

			m.HTTPRequestDuration.Record(ctx, stats.Duration.Seconds(),
				metric.WithAttributes(
					attribute.String("method", r.Method),
					attribute.String("path", route),
				),
			)
			logCompletion(ctx, r, cid, stats)
		})
	}
}

// routeOf prefers the pattern the mux matched so that /slides/a and
// /slides/b share one series.
func routeOf(r *http.Request) string {
	if r.Pattern != "" {
		return r.Pattern
	}
	return r.URL.Path
}

func logCompletion(ctx context.Context, r *http.Request, cid string, stats httpsnoop.Metrics) {
	level := slog.LevelInfo
	if quietPaths[r.URL.Path] && stats.Code < http.StatusBadRequest {
		level = slog.LevelDebug
	}
	slog.LogAttrs(ctx, level, "request completed",
		slog.String("trace_id", cid),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Int("status", stats.Code),
		slog.Int64("bytes", stats.Written),
		slog.Duration("duration", stats.Duration),
	)
}
