package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/onnwee/footfall/internal/geo"
	"github.com/onnwee/footfall/internal/middleware"
)

// GeoHandlers exposes IP geolocation to clients that do not resolve it
// themselves.
type GeoHandlers struct {
	locator GeoLocator
	logger  *slog.Logger
}

// NewGeoHandlers creates the geo handlers.
func NewGeoHandlers(locator GeoLocator, logger *slog.Logger) *GeoHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &GeoHandlers{locator: locator, logger: logger}
}

// Register mounts GET /geo/ip on mux.
func (h *GeoHandlers) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /geo/ip", h.LookupIP)
}

// LookupIP handles GET /geo/ip. The ip query parameter defaults to the
// caller's address.
func (h *GeoHandlers) LookupIP(w http.ResponseWriter, r *http.Request) {
	ip := strings.TrimSpace(r.URL.Query().Get("ip"))
	if ip == "" {
		ip = middleware.ClientIP(r)
	}

	if h.locator == nil {
		Fail(w, r.Context(), ErrCodeUnavailable, "Geolocation is not configured")
		return
	}

	g, err := h.locator.Lookup(r.Context(), ip)
	switch {
	case err == nil:
		writeJSON(r.Context(), w, http.StatusOK, g)
	case errors.Is(err, geo.ErrInvalidIP):
		Fail(w, r.Context(), ErrCodeValidation, "ip must be a valid IP address")
	case errors.Is(err, geo.ErrNotConfigured):
		Fail(w, r.Context(), ErrCodeUnavailable, "Geolocation is not configured")
	default:
		h.logger.ErrorContext(r.Context(), "geo lookup failed",
			slog.String("ip", geo.AnonymizeIP(ip)),
			slog.String("error", err.Error()))
		Fail(w, r.Context(), ErrCodeUpstream, "Geolocation lookup failed")
	}
}
