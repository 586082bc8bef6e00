package main

import (
	"log/slog"
	"net/http"

	"github.com/onnwee/footfall/internal/api"
	"github.com/onnwee/footfall/internal/idempotency"
	"github.com/onnwee/footfall/internal/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const serviceName = "footfall"

// serverDeps holds everything the HTTP surface is built from.
type serverDeps struct {
	Logger   *slog.Logger
	Service  api.ActivityService
	Geo      api.GeoLocator // nil when no geo API key is configured
	Health   api.HealthHandlersConfig
	Registry *prometheus.Registry
	Metrics  *middleware.Metrics

	RateLimitStore middleware.RateLimitStore // nil disables rate limiting
	GlobalLimit    middleware.RateLimitConfig
	Idempotency    idempotency.Repository // nil disables replay protection
	CORSOrigins    []string
}

// newHandler builds the routed, fully wrapped HTTP handler.
// Chain: RequestID -> Logging -> Tracing -> HTTPMetrics -> CORS -> RateLimit -> Idempotency -> mux.
func newHandler(d serverDeps) http.Handler {
	mux := http.NewServeMux()

	api.NewActivityHandlers(d.Service, d.Geo, d.Logger).Register(mux)
	api.NewGeoHandlers(d.Geo, d.Logger).Register(mux)
	api.NewHealthHandlers(d.Health).Register(mux)
	if d.Registry != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(d.Registry, promhttp.HandlerOpts{Registry: d.Registry}))
	}

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		// Only handle exact root path, everything else returns 404
		if r.URL.Path != "/" {
			api.Fail(w, r.Context(), api.ErrCodeNotFound, "The requested resource was not found")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte(`{"service":"footfall-api","version":"1.0.0"}`)); err != nil {
			slog.Error("failed to write response", "error", err)
		}
	})

	var handler http.Handler = mux
	if d.Idempotency != nil {
		handler = middleware.Idempotency(d.Idempotency, middleware.IdempotencyConfig{
			Routes: map[string]bool{"/event/add": true},
			Logger: d.Logger,
		})(handler)
	}
	if d.RateLimitStore != nil {
		handler = middleware.RateLimits(d.RateLimitStore, rateLimitScopes(d.GlobalLimit), d.Metrics)(handler)
	}
	handler = middleware.CORS(middleware.DefaultCORSConfig(d.CORSOrigins))(handler)
	handler = middleware.HTTPMetrics(d.Metrics)(handler)
	handler = middleware.Tracing(serviceName)(handler)
	handler = middleware.Logging(d.Logger)(handler)
	return middleware.RequestID(handler)
}

// rateLimitScopes lists the per-IP limits: the configured global one, a
// shared bucket for event ingestion and liveness pings, and a tight one for
// the analytics report. Health and metrics routes are exempt.
func rateLimitScopes(global middleware.RateLimitConfig) []middleware.RateLimitScope {
	return []middleware.RateLimitScope{
		{Name: "global", Limit: global},
		{Name: "ingest", Limit: middleware.DefaultIngestLimit(), Routes: []string{"/event/add", "/event/alive"}},
		{Name: "analytics", Limit: middleware.DefaultAnalyticsLimit(), Routes: []string{"/event/analytics"}},
	}
}

// globalLimit returns the configured global limit, or ok=false when rate
// limiting is disabled.
func globalLimit(perMinute int) (middleware.RateLimitConfig, bool) {
	if perMinute <= 0 {
		return middleware.RateLimitConfig{}, false
	}
	return middleware.PerMinute(perMinute), true
}
