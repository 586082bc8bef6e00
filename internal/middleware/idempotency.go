package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/onnwee/footfall/internal/idempotency"
)

// IdempotencyKeyHeader is the HTTP header name for idempotency keys.
const IdempotencyKeyHeader = "Idempotency-Key"

// IdempotentReplayedHeader is set on responses served from the idempotency store.
const IdempotentReplayedHeader = "Idempotent-Replayed"

// maxIdempotentBody bounds how much of a request body is buffered for fingerprinting.
const maxIdempotentBody = 1 << 20

// IdempotencyConfig configures the Idempotency middleware.
type IdempotencyConfig struct {
	// Routes lists the POST paths the middleware applies to.
	Routes map[string]bool
	// Required rejects requests without a key. Existing clients do not send
	// one, so ingestion leaves this off.
	Required bool
	Logger   *slog.Logger
}

// Idempotency returns a middleware that replays the first successful response
// for a repeated Idempotency-Key on the configured POST routes. Reusing a key
// with a different body is rejected with 422. Store failures degrade to a
// normal, unprotected request.
func Idempotency(repo idempotency.Repository, cfg IdempotencyConfig) func(http.Handler) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost || !cfg.Routes[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			key := r.Header.Get(IdempotencyKeyHeader)
			if key == "" {
				if cfg.Required {
					writeMiddlewareError(w, r.Context(), http.StatusBadRequest,
						"missing_idempotency_key", "Idempotency-Key header is required for this request")
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			if err := idempotency.ValidateKey(key); err != nil {
				code := "invalid_idempotency_key"
				if errors.Is(err, idempotency.ErrKeyTooLong) {
					code = "idempotency_key_too_long"
				}
				writeMiddlewareError(w, r.Context(), http.StatusBadRequest, code, "Idempotency-Key: "+err.Error())
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, maxIdempotentBody))
			if err != nil {
				writeMiddlewareError(w, r.Context(), http.StatusBadRequest, "bad_request", "Failed to read request body")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
			requestHash := idempotency.Hash(body)

			ctx := SetIdempotencyKey(r.Context(), key)
			r = r.WithContext(ctx)

			existing, err := repo.Get(ctx, key)
			switch {
			case err == nil:
				if existing.RequestHash != requestHash || existing.Route != r.URL.Path {
					writeMiddlewareError(w, ctx, http.StatusUnprocessableEntity,
						"idempotency_key_reused", "Idempotency-Key was already used for a different request")
					return
				}
				logger.InfoContext(ctx, "replaying idempotent response",
					slog.String("key", key),
					slog.Int("status", existing.Status),
				)
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set(IdempotentReplayedHeader, "true")
				w.WriteHeader(existing.Status)
				_, _ = io.WriteString(w, existing.Body)
				return
			case !errors.Is(err, idempotency.ErrKeyNotFound):
				logger.ErrorContext(ctx, "failed to check idempotency key",
					slog.String("key", key), slog.String("error", err.Error()))
				next.ServeHTTP(w, r)
				return
			}

			capture := newRecorder(w)
			capture.body = new(bytes.Buffer)
			next.ServeHTTP(capture, r)

			if capture.status < 200 || capture.status >= 300 {
				return
			}
			record := &idempotency.Record{
				Key:         key,
				Route:       r.URL.Path,
				RequestHash: requestHash,
				Status:      capture.status,
				Body:        capture.body.String(),
			}
			if err := repo.Store(ctx, record); err != nil {
				// Response already sent; a concurrent duplicate may have stored first
				logger.WarnContext(ctx, "failed to store idempotency key",
					slog.String("key", key), slog.String("error", err.Error()))
			}
		})
	}
}

// writeMiddlewareError writes the standard {"error":{"code","message"}} envelope.
func writeMiddlewareError(w http.ResponseWriter, ctx context.Context, status int, code, message string) {
	UpdateResponseContext(w, SetErrorCode(ctx, code))
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]map[string]string{
		"error": {"code": code, "message": message},
	})
}
