// Package api provides the HTTP handlers of the footfall API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/onnwee/footfall/internal/activity"
	"github.com/onnwee/footfall/internal/geo"
	"github.com/onnwee/footfall/internal/middleware"
	"github.com/onnwee/footfall/internal/retry"
)

// maxRequestBody bounds ingestion request bodies.
const maxRequestBody = 64 << 10

// ActivityService is the part of activity.Service the handlers need.
type ActivityService interface {
	Record(ctx context.Context, in activity.EventInput) (*activity.Event, error)
	PingAlive(ctx context.Context, in activity.PingInput) (*activity.User, error)
	DeleteUser(ctx context.Context, uid int64) (bool, error)
	DeleteEvents(ctx context.Context, uid int64) (int64, error)
	GetEvent(ctx context.Context, id int64) (activity.EventView, error)
	EventDiff(ctx context.Context, id int64) (float64, error)
	Analytics(ctx context.Context, q activity.AnalyticsQuery) (*activity.Report, error)
}

// GeoLocator resolves a client IP address to a geo payload.
type GeoLocator interface {
	Lookup(ctx context.Context, ip string) (activity.Geo, error)
}

// ActivityHandlers serves event ingestion, liveness, deletion and analytics.
type ActivityHandlers struct {
	service ActivityService
	geo     GeoLocator
	logger  *slog.Logger
}

// NewActivityHandlers creates the activity handlers. locator is optional; when
// set, requests without a geo payload are located by client IP.
func NewActivityHandlers(service ActivityService, locator GeoLocator, logger *slog.Logger) *ActivityHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &ActivityHandlers{service: service, geo: locator, logger: logger}
}

// Register mounts the activity routes on mux.
func (h *ActivityHandlers) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /event/add", h.RecordEvent)
	mux.HandleFunc("GET /event/add", h.RecordEventQuery)
	mux.HandleFunc("POST /event/alive", h.PingAlive)
	mux.HandleFunc("GET /event/analytics", h.Analytics)
	mux.HandleFunc("GET /event/{id}", h.GetEvent)
	mux.HandleFunc("GET /event/{id}/diff", h.EventDiff)
	mux.HandleFunc("DELETE /event/user/{uid}", h.DeleteUser)
	mux.HandleFunc("DELETE /event/user/{uid}/events", h.DeleteEvents)
}

// Timestamp is a client event time. Clients send epoch milliseconds
// (Date.now()); an RFC 3339 string is accepted as well.
type Timestamp struct {
	time.Time
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Timestamp) UnmarshalJSON(b []byte) error {
	raw := strings.TrimSpace(string(b))
	if raw == "null" {
		return nil
	}
	if strings.HasPrefix(raw, `"`) {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		parsed, err := parseTimestamp(s)
		if err != nil {
			return err
		}
		t.Time = parsed
		return nil
	}
	parsed, err := parseTimestamp(raw)
	if err != nil {
		return err
	}
	t.Time = parsed
	return nil
}

// maxTimestamp is the last instant a client timestamp may name.
var maxTimestamp = time.Date(9999, 12, 31, 23, 59, 59, 999e6, time.UTC)

// parseTimestamp parses epoch milliseconds or RFC 3339. Accepted values lie
// after the Unix epoch and no later than maxTimestamp.
func parseTimestamp(s string) (time.Time, error) {
	if ms, err := strconv.ParseFloat(s, 64); err == nil {
		if math.IsNaN(ms) || math.IsInf(ms, 0) || ms <= 0 || ms > float64(maxTimestamp.UnixMilli()) {
			return time.Time{}, errTimestampRange
		}
		return time.UnixMilli(int64(ms)).UTC(), nil
	}
	parsed, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("timestamp must be epoch milliseconds or RFC 3339")
	}
	parsed = parsed.UTC()
	if !parsed.After(time.Unix(0, 0)) || parsed.After(maxTimestamp) {
		return time.Time{}, errTimestampRange
	}
	return parsed, nil
}

var errTimestampRange = errors.New("timestamp must be between 1970-01-01 and 9999-12-31")

// EventRequest is the body of POST /event/add.
type EventRequest struct {
	UID       int64        `json:"uid"`
	Source    string       `json:"source"`
	Geo       activity.Geo `json:"geo"`
	Name      string       `json:"name"`
	Type      string       `json:"type"`
	Info      string       `json:"info"`
	Timestamp *Timestamp   `json:"timestamp,omitempty"`
}

// PingRequest is the body of POST /event/alive.
type PingRequest struct {
	UID       int64        `json:"uid"`
	Source    string       `json:"source"`
	Geo       activity.Geo `json:"geo"`
	Timestamp *Timestamp   `json:"timestamp,omitempty"`
}

// EventResponse is a recorded event as returned to ingestion clients.
type EventResponse struct {
	ID        int64  `json:"id"`
	UID       int64  `json:"uid"`
	Name      string `json:"name"`
	Type      string `json:"type"`
	Info      string `json:"info"`
	Timestamp string `json:"timestamp"`
}

// okResponse is the /event/add envelope.
type okResponse struct {
	OK    bool           `json:"ok"`
	Event *EventResponse `json:"event,omitempty"`
	Error string         `json:"error,omitempty"`
}

// successResponse is the envelope of liveness and delete routes.
type successResponse struct {
	Success bool   `json:"success"`
	Deleted *int64 `json:"deleted,omitempty"`
	Error   string `json:"error,omitempty"`
}

// DiffResponse is returned by GET /event/{id}/diff.
type DiffResponse struct {
	ID   int64   `json:"id"`
	Diff float64 `json:"diff"`
}

// RecordEvent handles POST /event/add.
func (h *ActivityHandlers) RecordEvent(w http.ResponseWriter, r *http.Request) {
	var req EventRequest
	if !h.decode(w, r, &req) {
		return
	}
	in := activity.EventInput{
		UID:    req.UID,
		Source: req.Source,
		Geo:    req.Geo,
		Name:   req.Name,
		Type:   req.Type,
		Info:   req.Info,
	}
	if req.Timestamp != nil {
		in.Timestamp = req.Timestamp.Time
	}
	h.record(w, r, in)
}

// RecordEventQuery handles GET /event/add, the query-string form sent by
// beacon-style clients: uid, source, name, type, info, timestamp and the geo
// fields (city, state_prov, country_name, ...) as parameters.
func (h *ActivityHandlers) RecordEventQuery(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	uid, err := strconv.ParseInt(q.Get("uid"), 10, 64)
	if err != nil {
		h.writeOK(w, r.Context(), http.StatusBadRequest, ErrCodeValidation, "uid must be an integer")
		return
	}
	in := activity.EventInput{
		UID:    uid,
		Source: q.Get("source"),
		Geo:    geoFromQuery(q),
		Name:   q.Get("name"),
		Type:   q.Get("type"),
		Info:   q.Get("info"),
	}
	if ts := q.Get("timestamp"); ts != "" {
		parsed, err := parseTimestamp(ts)
		if err != nil {
			h.writeOK(w, r.Context(), http.StatusBadRequest, ErrCodeValidation, err.Error())
			return
		}
		in.Timestamp = parsed
	}
	h.record(w, r, in)
}

func (h *ActivityHandlers) record(w http.ResponseWriter, r *http.Request, in activity.EventInput) {
	ctx := middleware.SetUserUID(r.Context(), in.UID)
	in.Geo = h.locate(ctx, r, in.Geo)

	ev, err := h.service.Record(ctx, in)
	if err != nil {
		status, code, message := h.classify(ctx, err, "failed to record event")
		h.writeOK(w, ctx, status, code, message)
		return
	}

	middleware.UpdateResponseContext(w, ctx)
	writeJSON(ctx, w, http.StatusOK, okResponse{
		OK: true,
		Event: &EventResponse{
			ID:        ev.ID,
			UID:       ev.UID,
			Name:      ev.Name,
			Type:      ev.Type,
			Info:      ev.Info,
			Timestamp: ev.Timestamp.UTC().Format(activity.TimestampLayout),
		},
	})
}

// PingAlive handles POST /event/alive.
func (h *ActivityHandlers) PingAlive(w http.ResponseWriter, r *http.Request) {
	var req PingRequest
	if !h.decode(w, r, &req) {
		return
	}
	ctx := middleware.SetUserUID(r.Context(), req.UID)
	in := activity.PingInput{
		UID:    req.UID,
		Source: req.Source,
		Geo:    h.locate(ctx, r, req.Geo),
	}
	if req.Timestamp != nil {
		in.Timestamp = req.Timestamp.Time
	}

	if _, err := h.service.PingAlive(ctx, in); err != nil {
		status, code, message := h.classify(ctx, err, "failed to record liveness ping")
		h.writeSuccess(w, ctx, status, code, message)
		return
	}
	middleware.UpdateResponseContext(w, ctx)
	writeJSON(ctx, w, http.StatusOK, successResponse{Success: true})
}

// DeleteUser handles DELETE /event/user/{uid}. Deleting an unknown user succeeds.
func (h *ActivityHandlers) DeleteUser(w http.ResponseWriter, r *http.Request) {
	uid, err := strconv.ParseInt(r.PathValue("uid"), 10, 64)
	if err != nil || uid <= 0 {
		h.writeSuccess(w, r.Context(), http.StatusBadRequest, ErrCodeValidation, "uid must be a positive integer")
		return
	}
	ctx := middleware.SetUserUID(r.Context(), uid)

	deleted, err := h.service.DeleteUser(ctx, uid)
	if err != nil {
		status, code, message := h.classify(ctx, err, "failed to delete user")
		h.writeSuccess(w, ctx, status, code, message)
		return
	}
	if !deleted {
		h.logger.DebugContext(ctx, "delete of unknown user ignored", slog.Int64("uid", uid))
	}
	middleware.UpdateResponseContext(w, ctx)
	writeJSON(ctx, w, http.StatusOK, successResponse{Success: true})
}

// DeleteEvents handles DELETE /event/user/{uid}/events.
func (h *ActivityHandlers) DeleteEvents(w http.ResponseWriter, r *http.Request) {
	uid, err := strconv.ParseInt(r.PathValue("uid"), 10, 64)
	if err != nil || uid <= 0 {
		h.writeSuccess(w, r.Context(), http.StatusBadRequest, ErrCodeValidation, "uid must be a positive integer")
		return
	}
	ctx := middleware.SetUserUID(r.Context(), uid)

	n, err := h.service.DeleteEvents(ctx, uid)
	if err != nil {
		status, code, message := h.classify(ctx, err, "failed to delete events")
		h.writeSuccess(w, ctx, status, code, message)
		return
	}
	middleware.UpdateResponseContext(w, ctx)
	writeJSON(ctx, w, http.StatusOK, successResponse{Success: true, Deleted: &n})
}

// GetEvent handles GET /event/{id}.
func (h *ActivityHandlers) GetEvent(w http.ResponseWriter, r *http.Request) {
	id, ok := h.eventID(w, r)
	if !ok {
		return
	}
	view, err := h.service.GetEvent(r.Context(), id)
	if err != nil {
		h.writeLookupError(w, r, err, id)
		return
	}
	writeJSON(r.Context(), w, http.StatusOK, view)
}

// EventDiff handles GET /event/{id}/diff.
func (h *ActivityHandlers) EventDiff(w http.ResponseWriter, r *http.Request) {
	id, ok := h.eventID(w, r)
	if !ok {
		return
	}
	diff, err := h.service.EventDiff(r.Context(), id)
	if err != nil {
		h.writeLookupError(w, r, err, id)
		return
	}
	writeJSON(r.Context(), w, http.StatusOK, DiffResponse{ID: id, Diff: diff})
}

// Analytics handles GET /event/analytics. Optional parameters: from and to
// (YYYY-MM-DD or RFC 3339, inclusive calendar dates), source, and uid
// (repeatable or comma separated).
func (h *ActivityHandlers) Analytics(w http.ResponseWriter, r *http.Request) {
	q, err := parseAnalyticsQuery(r.URL.Query())
	if err != nil {
		Fail(w, r.Context(), ErrCodeValidation, err.Error())
		return
	}

	report, err := h.service.Analytics(r.Context(), q)
	if err != nil {
		status, code, message := h.classify(r.Context(), err, "failed to build analytics")
		WriteError(w, r.Context(), status, code, message)
		return
	}
	writeJSON(r.Context(), w, http.StatusOK, report)
}

func parseAnalyticsQuery(values url.Values) (activity.AnalyticsQuery, error) {
	var q activity.AnalyticsQuery
	var err error
	if v := values.Get("from"); v != "" {
		if q.From, err = parseDate(v); err != nil {
			return q, fmt.Errorf("from: %w", err)
		}
	}
	if v := values.Get("to"); v != "" {
		if q.To, err = parseDate(v); err != nil {
			return q, fmt.Errorf("to: %w", err)
		}
	}
	q.Source = strings.TrimSpace(values.Get("source"))
	for _, raw := range values["uid"] {
		for _, part := range strings.Split(raw, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			uid, err := strconv.ParseInt(part, 10, 64)
			if err != nil || uid <= 0 {
				return q, fmt.Errorf("uid must be a positive integer, got %q", part)
			}
			q.UIDs = append(q.UIDs, uid)
		}
	}
	return q, nil
}

func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse(activity.DateLayout, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("expected YYYY-MM-DD or RFC 3339, got %q", s)
	}
	return t.UTC(), nil
}

func geoFromQuery(q url.Values) activity.Geo {
	return activity.Geo{
		City:         q.Get("city"),
		StateProv:    q.Get("state_prov"),
		CountryName:  q.Get("country_name"),
		CountryCode2: q.Get("country_code2"),
		CountryCode3: q.Get("country_code3"),
		CountryFlag:  q.Get("country_flag"),
		Zipcode:      q.Get("zipcode"),
	}
}

// locate fills an empty geo payload from the client IP when a locator is
// configured. Lookup failures leave it empty for validation to reject.
func (h *ActivityHandlers) locate(ctx context.Context, r *http.Request, g activity.Geo) activity.Geo {
	if h.geo == nil || g != (activity.Geo{}) {
		return g
	}
	ip := middleware.ClientIP(r)
	located, err := h.geo.Lookup(ctx, ip)
	if err != nil {
		h.logger.WarnContext(ctx, "geo lookup for client failed",
			slog.String("ip", geo.AnonymizeIP(ip)),
			slog.String("error", err.Error()))
		return g
	}
	return located
}

func (h *ActivityHandlers) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		Fail(w, r.Context(), ErrCodeBadRequest, "Invalid JSON in request body")
		return false
	}
	return true
}

func (h *ActivityHandlers) eventID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		Fail(w, r.Context(), ErrCodeValidation, "event id must be a positive integer")
		return 0, false
	}
	return id, true
}

func (h *ActivityHandlers) writeLookupError(w http.ResponseWriter, r *http.Request, err error, id int64) {
	if errors.Is(err, activity.ErrEventNotFound) {
		Fail(w, r.Context(), ErrCodeNotFound, "Event not found")
		return
	}
	h.logger.ErrorContext(r.Context(), "failed to load event",
		slog.Int64("event_id", id),
		slog.String("error", err.Error()))
	Fail(w, r.Context(), ErrCodeInternal, "Failed to load event")
}

// classify maps a service error to a status, error code and client message.
// Unexpected errors are logged here with msg.
func (h *ActivityHandlers) classify(ctx context.Context, err error, msg string) (int, string, string) {
	switch {
	case activity.IsValidation(err):
		return http.StatusBadRequest, ErrCodeValidation, err.Error()
	case errors.Is(err, retry.ErrExhausted):
		return http.StatusConflict, ErrCodeRetryExhausted, "write conflicted repeatedly, try again"
	case activity.IsTransient(err):
		return http.StatusConflict, ErrCodeConflict, "write conflicted, try again"
	}
	h.logger.ErrorContext(ctx, msg, slog.String("error", err.Error()))
	return http.StatusInternalServerError, ErrCodeInternal, "internal error"
}

func (h *ActivityHandlers) writeOK(w http.ResponseWriter, ctx context.Context, status int, code, message string) {
	middleware.UpdateResponseContext(w, middleware.SetErrorCode(ctx, code))
	writeJSON(ctx, w, status, okResponse{OK: false, Error: message})
}

func (h *ActivityHandlers) writeSuccess(w http.ResponseWriter, ctx context.Context, status int, code, message string) {
	middleware.UpdateResponseContext(w, middleware.SetErrorCode(ctx, code))
	writeJSON(ctx, w, status, successResponse{Success: false, Error: message})
}

// writeJSON encodes v with the given status.
func writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}
