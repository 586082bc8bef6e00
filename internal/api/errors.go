package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/onnwee/footfall/internal/middleware"
)

// Error codes sent in the envelope and logged as error_code.
const (
	ErrCodeBadRequest       = "bad_request"
	ErrCodeValidation       = "validation_error"
	ErrCodeNotFound         = "not_found"
	ErrCodeMethodNotAllowed = "method_not_allowed"
	ErrCodeConflict         = "conflict"
	ErrCodeRetryExhausted   = "retry_exhausted" // writes kept conflicting
	ErrCodeInternal         = "internal_error"
	ErrCodeUpstream         = "upstream_error"      // geolocation provider failed
	ErrCodeUnavailable      = "service_unavailable" // optional collaborator not configured
)

var codeStatus = map[string]int{
	ErrCodeBadRequest:       http.StatusBadRequest,
	ErrCodeValidation:       http.StatusBadRequest,
	ErrCodeNotFound:         http.StatusNotFound,
	ErrCodeMethodNotAllowed: http.StatusMethodNotAllowed,
	ErrCodeConflict:         http.StatusConflict,
	ErrCodeRetryExhausted:   http.StatusConflict,
	ErrCodeInternal:         http.StatusInternalServerError,
	ErrCodeUpstream:         http.StatusBadGateway,
	ErrCodeUnavailable:      http.StatusServiceUnavailable,
}

// StatusFor returns the HTTP status paired with code. Unknown codes are 500.
func StatusFor(code string) int {
	if status, ok := codeStatus[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// ErrorResponse is the error body of every route outside the legacy event
// endpoints, which keep their {"ok": false} and {"success": false} shapes.
//
//	{"error": {"code": "not_found", "message": "Event not found"}}
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail is the inner object of ErrorResponse.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteError records code on the request context, so the request log carries
// it, and writes an ErrorResponse with the given status.
func WriteError(w http.ResponseWriter, ctx context.Context, status int, code, message string) {
	middleware.UpdateResponseContext(w, middleware.SetErrorCode(ctx, code))

	body, err := json.Marshal(ErrorResponse{Error: ErrorDetail{Code: code, Message: message}})
	if err != nil {
		slog.ErrorContext(ctx, "failed to encode error response", "error", err, "code", code)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if _, err := w.Write(append(body, '\n')); err != nil {
		slog.DebugContext(ctx, "client went away before error response was written", "error", err)
	}
}

// Fail is WriteError with the status taken from StatusFor(code).
func Fail(w http.ResponseWriter, ctx context.Context, code, message string) {
	WriteError(w, ctx, StatusFor(code), code, message)
}
