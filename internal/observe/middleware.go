package observe

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
	"go.opentelemetry.io/otel/trace"
)

// TraceHeader carries the trace ID of a control API request back to the
// caller so client logs can be matched with ours.
const TraceHeader = "X-Trace-ID"

// Probes and scrapes are logged at debug level unless they fail.
var probePaths = map[string]bool{
	"/healthz": true,
	"/readyz":  true,
	"/metrics": true,
}

// recorder remembers the status code of a response.
type recorder struct {
	http.ResponseWriter
	status int
}

func (r *recorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap exposes the wrapped writer to [http.ResponseController]; the event
// stream hijacks the connection for its websocket upgrade.
func (r *recorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Instrument wraps the control API handler h. Every request runs in a server
// span continued from an incoming traceparent header, gets its trace ID in
// [TraceHeader], is timed into HTTPRequestDuration and is logged once done.
// Durations are labelled with the mux pattern rather than the raw path. m may
// be nil.
func Instrument(m *Metrics, h http.Handler) http.Handler {
	var prop propagation.TraceContext
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		began := time.Now()
		ctx := prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := StartSpan(ctx, r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				semconv.HTTPRequestMethodKey.String(r.Method),
				semconv.URLPath(r.URL.Path),
			),
		)
		defer span.End()

		traceID := span.SpanContext().TraceID().String()
		w.Header().Set(TraceHeader, traceID)

		rec := &recorder{ResponseWriter: w, status: http.StatusOK}
		r = r.WithContext(ctx)
		h.ServeHTTP(rec, r)

		route := r.Pattern
		if route == "" {
			route = r.URL.Path
		}
		elapsed := time.Since(began)
		span.SetAttributes(semconv.HTTPResponseStatusCode(rec.status))
		if m != nil {
			m.HTTPRequestDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
				attribute.String("method", r.Method),
				attribute.String("path", route),
				attribute.String("status", strconv.Itoa(rec.status)),
			))
		}

		level := slog.LevelInfo
		if probePaths[r.URL.Path] && rec.status < http.StatusBadRequest {
			level = slog.LevelDebug
		}
		Logger(ctx).LogAttrs(ctx, level, "api request",
			slog.String("route", route),
			slog.Int("status", rec.status),
			slog.Duration("elapsed", elapsed),
		)
	})
}
