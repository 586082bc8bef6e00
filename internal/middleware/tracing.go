package middleware

import (
	"context"
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Tracing starts an otelhttp server span per request, continuing any W3C
// traceparent the client sent. Spans are named "METHOD /route/pattern" and
// carry the request id. Infra routes are not traced.
//
// Place it after RequestID and Logging: the span context is handed back to
// Logging so request lines carry the trace id.
func Tracing(serviceName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		tagged := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if id := GetRequestID(ctx); id != "" {
				trace.SpanFromContext(ctx).SetAttributes(attribute.String("http.request_id", id))
			}
			UpdateResponseContext(w, ctx)
			next.ServeHTTP(w, r)
		})
		return otelhttp.NewHandler(tagged, serviceName,
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				return r.Method + " " + RoutePattern(r.URL.Path)
			}),
			otelhttp.WithFilter(func(r *http.Request) bool {
				return !IsInfraRoute(r.URL.Path)
			}),
		)
	}
}

// TraceID returns the id of the trace active in ctx, or "".
func TraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}
