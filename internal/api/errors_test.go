package api

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onnwee/footfall/internal/middleware"
)

func TestStatusFor(t *testing.T) {
	tests := []struct {
		code string
		want int
	}{
		{ErrCodeBadRequest, http.StatusBadRequest},
		{ErrCodeValidation, http.StatusBadRequest},
		{ErrCodeNotFound, http.StatusNotFound},
		{ErrCodeMethodNotAllowed, http.StatusMethodNotAllowed},
		{ErrCodeConflict, http.StatusConflict},
		{ErrCodeRetryExhausted, http.StatusConflict},
		{ErrCodeInternal, http.StatusInternalServerError},
		{ErrCodeUpstream, http.StatusBadGateway},
		{ErrCodeUnavailable, http.StatusServiceUnavailable},
		{"no_such_code", http.StatusInternalServerError},
		{"", http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StatusFor(tt.code), "code %q", tt.code)
	}
}

func TestWriteError_Envelope(t *testing.T) {
	w := httptest.NewRecorder()

	WriteError(w, t.Context(), http.StatusConflict, ErrCodeRetryExhausted, "write conflicted repeatedly, try again")

	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "application/json; charset=utf-8", w.Header().Get("Content-Type"))
	assert.JSONEq(t,
		`{"error":{"code":"retry_exhausted","message":"write conflicted repeatedly, try again"}}`,
		w.Body.String())
}

func TestWriteError_EscapesMessage(t *testing.T) {
	w := httptest.NewRecorder()
	message := `uid "12" <script>` + "\n"

	WriteError(w, t.Context(), http.StatusBadRequest, ErrCodeValidation, message)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, message, resp.Error.Message)
	assert.NotContains(t, w.Body.String(), "<script>")
}

func TestFail_UsesCodeStatus(t *testing.T) {
	tests := []struct {
		code string
		want int
	}{
		{ErrCodeNotFound, http.StatusNotFound},
		{ErrCodeUpstream, http.StatusBadGateway},
		{ErrCodeUnavailable, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			w := httptest.NewRecorder()
			Fail(w, t.Context(), tt.code, "failed")

			assert.Equal(t, tt.want, w.Code)
			var resp ErrorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, tt.code, resp.Error.Code)
		})
	}
}

// The error code set by WriteError must reach the request log written by the
// logging middleware around the handler.
func TestWriteError_CodeReachesRequestLog(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, nil))
	handler := middleware.Logging(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		Fail(w, r.Context(), ErrCodeNotFound, "Event not found")
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/event/99", nil))

	require.Equal(t, http.StatusNotFound, w.Code)
	var entry map[string]any
	require.NoError(t, json.Unmarshal(logs.Bytes(), &entry))
	assert.Equal(t, ErrCodeNotFound, entry["error_code"])
	assert.Equal(t, "/event/{id}", entry["route"])
	assert.EqualValues(t, http.StatusNotFound, entry["status"])
}

func TestWriteError_WithoutLoggingMiddleware(t *testing.T) {
	w := httptest.NewRecorder()
	ctx := middleware.SetErrorCode(t.Context(), ErrCodeInternal)

	// A plain ResponseWriter has no context to update; writing must still work.
	WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "internal error")

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), ErrCodeInternal)
}
