package observe

import (
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// defaultQuietRoutes are polled by orchestrators and scrapers; logging them
// at info level would drown the relay traffic.
var defaultQuietRoutes = []string{"GET /healthz", "GET /readyz", "GET /metrics"}

type middlewareOptions struct {
	tp    trace.TracerProvider
	quiet []string
}

// MiddlewareOption configures [Middleware].
type MiddlewareOption func(*middlewareOptions)

// WithTracerProvider makes the middleware start spans on tp instead of the
// global provider.
func WithTracerProvider(tp trace.TracerProvider) MiddlewareOption {
	return func(o *middlewareOptions) { o.tp = tp }
}

// WithQuietRoutes replaces the route patterns logged at debug instead of
// info level.
func WithQuietRoutes(patterns ...string) MiddlewareOption {
	return func(o *middlewareOptions) { o.quiet = patterns }
}

// responseRecorder remembers the status and size of a response.
type responseRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (r *responseRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(p []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(p)
	r.bytes += int64(n)
	return n, err
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (r *responseRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func (r *responseRecorder) code() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}

// Middleware instruments the relay's HTTP surface. Every request runs in a
// server span continuing the caller's W3C trace context, answers with the
// trace id in [RequestIDHeader], adds one sample to
// Metrics.HTTPRequestDuration labelled by route pattern and status class,
// and produces one log line.
//
// Request headers are never logged: Authorization carries a client secret
// on the handshake route.
func Middleware(m *Metrics, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	o := middlewareOptions{quiet: defaultQuietRoutes}
	for _, opt := range opts {
		opt(&o)
	}
	if o.tp == nil {
		o.tp = otel.GetTracerProvider()
	}
	tracer := o.tp.Tracer(instrumentationName)
	prop := propagation.TraceContext{}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ctx := prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := tracer.Start(ctx, r.Method,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(r.Method),
					semconv.URLPath(r.URL.Path),
				),
			)
			defer span.End()
			if id := RequestID(ctx); id != "" {
				w.Header().Set(RequestIDHeader, id)
			}

			r = r.WithContext(ctx)
			rec := &responseRecorder{ResponseWriter: w}
			next.ServeHTTP(rec, r)

			// ServeMux fills in the pattern while routing; unmatched requests
			// share one label so scanners cannot inflate cardinality.
			route := r.Pattern
			if route == "" {
				route = "unmatched"
			} else {
				span.SetName(route)
				span.SetAttributes(semconv.HTTPRoute(route))
			}
			status := rec.code()
			span.SetAttributes(semconv.HTTPResponseStatusCode(status))

			elapsed := time.Since(start)
			m.HTTPRequestDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
				attribute.String("method", r.Method),
				attribute.String("route", route),
				attribute.String("status_class", statusClass(status)),
			))

			level := slog.LevelInfo
			switch {
			case status >= http.StatusInternalServerError:
				level = slog.LevelWarn
			case slices.Contains(o.quiet, route):
				level = slog.LevelDebug
			}
			Logger(ctx).LogAttrs(ctx, level, "http request",
				slog.String("method", r.Method),
				slog.String("route", route),
				slog.Int("status", status),
				slog.Int64("bytes", rec.bytes),
				slog.Duration("elapsed", elapsed),
			)
		})
	}
}

// statusClass maps 404 to "4xx".
func statusClass(code int) string {
	if code < 100 || code > 599 {
		return "other"
	}
	return strconv.Itoa(code/100) + "xx"
}
