package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// readyTimeout bounds all dependency checks of one readiness check.
const readyTimeout = 5 * time.Second

// Health statuses.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// HealthChecker defines the interface for components that can be health checked.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// HealthCheckFunc adapts a function to HealthChecker.
type HealthCheckFunc func(ctx context.Context) error

// HealthCheck calls f(ctx).
func (f HealthCheckFunc) HealthCheck(ctx context.Context) error {
	return f(ctx)
}

// HealthHandlers provides health and readiness check endpoints for Kubernetes.
type HealthHandlers struct {
	// Critical: a failure makes the service unready.
	dbChecker    HealthChecker
	redisChecker HealthChecker

	// Non-critical: ingestion still works with client-supplied geo.
	geoChecker HealthChecker

	metricsEnabled bool
	now            func() time.Time
}

// HealthHandlersConfig configures the health check handlers.
// Nil checkers are reported as not configured.
type HealthHandlersConfig struct {
	DBChecker      HealthChecker
	RedisChecker   HealthChecker
	GeoChecker     HealthChecker
	MetricsEnabled bool
}

// NewHealthHandlers creates a new health check handler.
func NewHealthHandlers(config HealthHandlersConfig) *HealthHandlers {
	return &HealthHandlers{
		dbChecker:      config.DBChecker,
		redisChecker:   config.RedisChecker,
		geoChecker:     config.GeoChecker,
		metricsEnabled: config.MetricsEnabled,
		now:            time.Now,
	}
}

// Register mounts /health and /ready on mux.
func (h *HealthHandlers) Register(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.Health)
	mux.HandleFunc("/ready", h.Ready)
}

// HealthResponse represents the JSON response for health checks.
type HealthResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Health handles GET /health (liveness).
// Returns 200 if the process can serve requests at all.
func (h *HealthHandlers) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		Fail(w, r.Context(), ErrCodeMethodNotAllowed, "Method not allowed")
		return
	}

	h.write(w, r.Context(), http.StatusOK, HealthResponse{
		Status: StatusHealthy,
		Checks: map[string]string{"runtime": "ok"},
	})
}

// Ready handles GET /ready (readiness).
// Returns 503 when the database or Redis is unreachable. A failing geo API only
// degrades the status.
func (h *HealthHandlers) Ready(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		Fail(w, r.Context(), ErrCodeMethodNotAllowed, "Method not allowed")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	checks := make(map[string]string)
	healthy := true
	degraded := false

	if !runCheck(ctx, checks, "database", h.dbChecker) {
		healthy = false
	}
	if !runCheck(ctx, checks, "redis", h.redisChecker) {
		healthy = false
	}
	if !runCheck(ctx, checks, "geo_api", h.geoChecker) {
		degraded = true
	}

	checks["metrics"] = "ok"
	if !h.metricsEnabled {
		checks["metrics"] = "disabled"
	}

	status := StatusHealthy
	statusCode := http.StatusOK
	switch {
	case !healthy:
		status = StatusUnhealthy
		statusCode = http.StatusServiceUnavailable
	case degraded:
		status = StatusDegraded
	}

	h.write(w, r.Context(), statusCode, HealthResponse{Status: status, Checks: checks})
}

// runCheck records the result of one checker and reports whether it passed.
func runCheck(ctx context.Context, checks map[string]string, name string, checker HealthChecker) bool {
	if checker == nil {
		checks[name] = "not_configured"
		return true
	}
	if err := checker.HealthCheck(ctx); err != nil {
		checks[name] = "error"
		slog.WarnContext(ctx, name+" health check failed", "error", err)
		return false
	}
	checks[name] = "ok"
	return true
}

func (h *HealthHandlers) write(w http.ResponseWriter, ctx context.Context, status int, response HealthResponse) {
	response.Timestamp = h.now().UTC().Format(time.RFC3339)
	writeJSON(ctx, w, status, response)
}
