// Package idempotency stores the first response of a keyed ingestion request so
// a client retrying after a timeout gets the same answer instead of a second event.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// MaxKeyLength bounds an Idempotency-Key in bytes.
const MaxKeyLength = 64

// DefaultExpiry is how long a response is replayed for its key.
const DefaultExpiry = 24 * time.Hour

var (
	ErrKeyNotFound = errors.New("idempotency key not found")
	ErrKeyExists   = errors.New("idempotency key already used")

	ErrKeyEmpty   = errors.New("idempotency key is empty")
	ErrKeyTooLong = fmt.Errorf("idempotency key is longer than %d bytes", MaxKeyLength)
	ErrKeyCharset = errors.New("idempotency key must be printable ASCII without spaces")
)

// Record is the response stored for one key.
type Record struct {
	Key   string `json:"key"`
	Route string `json:"route"`
	// RequestHash fingerprints the request body; a key reused with a
	// different payload is rejected instead of replayed.
	RequestHash string    `json:"request_hash"`
	Status      int       `json:"status"`
	Body        string    `json:"body"`
	CreatedAt   time.Time `json:"created_at"`
}

// ValidateKey accepts 1 to MaxKeyLength printable ASCII bytes, no spaces.
func ValidateKey(key string) error {
	switch {
	case key == "":
		return ErrKeyEmpty
	case len(key) > MaxKeyLength:
		return ErrKeyTooLong
	}
	for i := 0; i < len(key); i++ {
		if key[i] <= ' ' || key[i] > '~' {
			return ErrKeyCharset
		}
	}
	return nil
}

// Hash returns the hex SHA-256 of a request body.
func Hash(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// Repository persists records. Store must fail with ErrKeyExists when the
// key is taken, so two racing requests cannot both be recorded.
type Repository interface {
	Get(ctx context.Context, key string) (*Record, error)
	Store(ctx context.Context, record *Record) error
	DeleteOlderThan(ctx context.Context, age time.Duration) (int64, error)
}

// Expire drops records older than ttl from repo and logs how many went.
func Expire(ctx context.Context, repo Repository, ttl time.Duration, logger *slog.Logger) (int64, error) {
	if logger == nil {
		logger = slog.Default()
	}
	n, err := repo.DeleteOlderThan(ctx, ttl)
	if err != nil {
		return 0, fmt.Errorf("expire idempotency keys: %w", err)
	}
	if n > 0 {
		logger.InfoContext(ctx, "expired idempotency keys",
			slog.Int64("deleted", n),
			slog.Duration("ttl", ttl))
	}
	return n, nil
}
