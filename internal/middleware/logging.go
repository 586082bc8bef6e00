package middleware

import (
	"log/slog"
	"net/http"
	"os"
	"time"
)

// NewLogger returns the process logger: JSON at info level in production,
// text at debug level otherwise.
func NewLogger(env string) *slog.Logger {
	if env == "production" {
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// Logging writes one "request completed" line per request. Server errors log
// at error level, client errors at warn, the rest at info.
//
// The line carries the route pattern next to the raw path, and whatever the
// handler handed back through UpdateResponseContext: uid, error code and the
// trace id of the request span.
func Logging(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := newRecorder(w)
			next.ServeHTTP(rec, r)

			ctx := rec.context(r.Context())
			attrs := []slog.Attr{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("route", RoutePattern(r.URL.Path)),
				slog.Int("status", rec.status),
				slog.Int64("latency_ms", time.Since(start).Milliseconds()),
				slog.Int64("size", rec.size),
			}
			if id := GetRequestID(ctx); id != "" {
				attrs = append(attrs, slog.String("request_id", id))
			}
			if id := TraceID(ctx); id != "" {
				attrs = append(attrs, slog.String("trace_id", id))
			}
			if uid := GetUserUID(ctx); uid != 0 {
				attrs = append(attrs, slog.Int64("uid", uid))
			}
			if code := GetErrorCode(ctx); code != "" && rec.status >= http.StatusBadRequest {
				attrs = append(attrs, slog.String("error_code", code))
			}
			logger.LogAttrs(r.Context(), levelFor(rec.status), "request completed", attrs...)
		})
	}
}

func levelFor(status int) slog.Level {
	switch {
	case status >= http.StatusInternalServerError:
		return slog.LevelError
	case status >= http.StatusBadRequest:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}
