package middleware

import (
	"net/http"
	"time"
)

// HTTPMetrics records count, latency and body sizes of every request under
// its route pattern. Infra routes are skipped.
func HTTPMetrics(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if metrics == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if IsInfraRoute(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}
			start := time.Now()
			rec := newRecorder(w)
			next.ServeHTTP(rec, r)

			requestSize := r.ContentLength
			if requestSize < 0 {
				requestSize = 0
			}
			metrics.ObserveHTTPRequest(r.Method, RoutePattern(r.URL.Path), rec.status,
				time.Since(start), requestSize, rec.size)
		})
	}
}
