// Package middleware holds the HTTP middleware that wraps every footfall
// route: request ids, request logs, tracing, metrics, CORS, rate limits and
// idempotent replay of ingestion requests.
package middleware

import "context"

// ctxKey indexes the per-request values the middleware and handlers share.
type ctxKey int

const (
	requestIDKey ctxKey = iota
	userUIDKey
	errorCodeKey
	idempotencyKeyKey
)

func valueOf[T any](ctx context.Context, key ctxKey) T {
	v, _ := ctx.Value(key).(T)
	return v
}

// GetRequestID returns the request id set by RequestID, or "".
func GetRequestID(ctx context.Context) string {
	return valueOf[string](ctx, requestIDKey)
}

// SetUserUID records the client user id a request acts on, for the request log.
func SetUserUID(ctx context.Context, uid int64) context.Context {
	return context.WithValue(ctx, userUIDKey, uid)
}

// GetUserUID returns the user id set by SetUserUID, or 0.
func GetUserUID(ctx context.Context) int64 {
	return valueOf[int64](ctx, userUIDKey)
}

// SetErrorCode records the error code of a failed response, for the request log.
func SetErrorCode(ctx context.Context, code string) context.Context {
	return context.WithValue(ctx, errorCodeKey, code)
}

// GetErrorCode returns the code set by SetErrorCode, or "".
func GetErrorCode(ctx context.Context) string {
	return valueOf[string](ctx, errorCodeKey)
}

// SetIdempotencyKey records the Idempotency-Key a request carries.
func SetIdempotencyKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, idempotencyKeyKey, key)
}

// GetIdempotencyKey returns the key set by SetIdempotencyKey, or "".
func GetIdempotencyKey(ctx context.Context) string {
	return valueOf[string](ctx, idempotencyKeyKey)
}
