// Package retry provides a bounded retry combinator for units of work that can
// fail on transient storage conflicts.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"
)

// ErrExhausted is returned when every attempt failed with a transient error.
var ErrExhausted = errors.New("retry attempts exhausted")

// Default policy values.
const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 10 * time.Millisecond
	DefaultMaxDelay    = 200 * time.Millisecond
	DefaultJitter      = 0.5
)

// Classifier reports whether err is worth another attempt.
type Classifier func(err error) bool

// Policy bounds how an operation is retried.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first one.
	MaxAttempts int
	// BaseDelay is the wait before the second attempt; it doubles per attempt.
	BaseDelay time.Duration
	// MaxDelay caps the computed delay.
	MaxDelay time.Duration
	// JitterFactor spreads delays over [d*(1-j/2), d*(1+j/2)]. Zero disables jitter.
	JitterFactor float64
	// Classifier decides which errors are transient. Nil means nothing is retried.
	Classifier Classifier
	// OnRetry is called before sleeping ahead of attempt+1. Optional.
	OnRetry func(attempt int, err error)
	// Logger receives retry diagnostics. Nil uses slog.Default().
	Logger *slog.Logger
}

// DefaultPolicy returns the three-attempt policy used for write paths.
func DefaultPolicy(classifier Classifier) Policy {
	return Policy{
		MaxAttempts:  DefaultMaxAttempts,
		BaseDelay:    DefaultBaseDelay,
		MaxDelay:     DefaultMaxDelay,
		JitterFactor: DefaultJitter,
		Classifier:   classifier,
	}
}

// Validate checks the policy bounds.
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("MaxAttempts must be >= 1 (got %d)", p.MaxAttempts)
	}
	if p.BaseDelay < 0 || p.MaxDelay < 0 {
		return fmt.Errorf("delays must not be negative")
	}
	if p.JitterFactor < 0 || p.JitterFactor > 1 {
		return fmt.Errorf("JitterFactor must be between 0 and 1 (got %f)", p.JitterFactor)
	}
	return nil
}

var (
	rngMu sync.Mutex
	rng   = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// Backoff returns the delay to wait after the given failed attempt (1-based).
func (p Policy) Backoff(attempt int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	shift := uint(attempt - 1)
	if shift > 30 {
		shift = 30
	}
	backoff := float64(p.BaseDelay) * float64(uint64(1)<<shift)
	if p.MaxDelay > 0 && backoff > float64(p.MaxDelay) {
		backoff = float64(p.MaxDelay)
	}
	if p.JitterFactor > 0 {
		rngMu.Lock()
		jitter := (rng.Float64() - 0.5) * p.JitterFactor
		rngMu.Unlock()
		backoff = backoff * (1 + jitter)
	}
	return time.Duration(backoff)
}

// Do runs op until it succeeds, fails with a non-transient error, or the
// attempt bound is reached. Each attempt must be a complete unit of work:
// op is responsible for rolling back whatever it started before returning an error.
func Do[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := p.Validate(); err != nil {
		return zero, err
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return zero, fmt.Errorf("%w: %w", err, lastErr)
			}
			return zero, err
		}

		result, err := op(ctx)
		if err == nil {
			if attempt > 1 {
				logger.DebugContext(ctx, "operation succeeded after retry",
					slog.Int("attempt", attempt))
			}
			return result, nil
		}
		lastErr = err

		if p.Classifier == nil || !p.Classifier(err) {
			return zero, err
		}
		if attempt == p.MaxAttempts {
			break
		}

		logger.WarnContext(ctx, "transient conflict, retrying",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", p.MaxAttempts),
			slog.String("error", err.Error()))
		if p.OnRetry != nil {
			p.OnRetry(attempt, err)
		}

		if delay := p.Backoff(attempt); delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, fmt.Errorf("%w: %w", ctx.Err(), lastErr)
			case <-timer.C:
			}
		}
	}

	logger.ErrorContext(ctx, "retry attempts exhausted",
		slog.Int("max_attempts", p.MaxAttempts),
		slog.String("error", lastErr.Error()))
	return zero, fmt.Errorf("%w after %d attempts: %w", ErrExhausted, p.MaxAttempts, lastErr)
}
