package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimitConfig is a fixed window limit.
type RateLimitConfig struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
}

// Validate rejects non-positive limits and windows.
func (c RateLimitConfig) Validate() error {
	if c.RequestsPerWindow <= 0 {
		return fmt.Errorf("requests per window must be > 0, got %d", c.RequestsPerWindow)
	}
	if c.WindowDuration <= 0 {
		return fmt.Errorf("window duration must be > 0, got %s", c.WindowDuration)
	}
	return nil
}

// PerMinute returns a limit of n requests per minute.
func PerMinute(n int) RateLimitConfig {
	return RateLimitConfig{RequestsPerWindow: n, WindowDuration: time.Minute}
}

// DefaultIngestLimit covers event ingestion and liveness pings. Pings fire on
// a short client timer, so it sits well above a typical global limit.
func DefaultIngestLimit() RateLimitConfig { return PerMinute(600) }

// DefaultAnalyticsLimit covers the analytics report, which scans the event log.
func DefaultAnalyticsLimit() RateLimitConfig { return PerMinute(30) }

// Decision is the outcome of one rate limit check.
type Decision struct {
	Allowed   bool
	Remaining int
	// RetryAfter is set when the request was rejected.
	RetryAfter time.Duration
}

// RateLimitStore counts requests per key.
type RateLimitStore interface {
	Allow(ctx context.Context, key string, limit RateLimitConfig) Decision
}

// window is one fixed window counter.
type window struct {
	count int
	ends  time.Time
}

// InMemoryRateLimitStore counts in process memory. Limits are per replica.
type InMemoryRateLimitStore struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time
}

// NewInMemoryRateLimitStore creates an empty store.
func NewInMemoryRateLimitStore() *InMemoryRateLimitStore {
	return &InMemoryRateLimitStore{windows: make(map[string]*window), now: time.Now}
}

// Allow implements RateLimitStore.
func (s *InMemoryRateLimitStore) Allow(_ context.Context, key string, limit RateLimitConfig) Decision {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	win, ok := s.windows[key]
	if !ok || !now.Before(win.ends) {
		win = &window{ends: now.Add(limit.WindowDuration)}
		s.windows[key] = win
	}
	if win.count >= limit.RequestsPerWindow {
		return Decision{RetryAfter: win.ends.Sub(now)}
	}
	win.count++
	return Decision{Allowed: true, Remaining: limit.RequestsPerWindow - win.count}
}

// Cleanup drops windows that have ended. Run it periodically.
func (s *InMemoryRateLimitStore) Cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for key, win := range s.windows {
		if !now.Before(win.ends) {
			delete(s.windows, key)
		}
	}
}

// Len returns the number of live windows.
func (s *InMemoryRateLimitStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.windows)
}

// RedisKeyPrefix namespaces rate limit counters in a shared Redis.
const RedisKeyPrefix = "footfall:ratelimit:"

// fixedWindowScript counts one request and returns {count, ttl ms}. The first
// request of a window (or a counter that lost its expiry) starts the window.
var fixedWindowScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)

// RedisRateLimitStore counts in Redis so limits hold across replicas. When
// Redis fails the request is allowed and the failure counted.
type RedisRateLimitStore struct {
	client  redis.Scripter
	prefix  string
	metrics *Metrics
	logger  *slog.Logger
}

// NewRedisRateLimitStore creates a store using client.
func NewRedisRateLimitStore(client redis.Scripter) *RedisRateLimitStore {
	return &RedisRateLimitStore{client: client, logger: slog.Default()}
}

// WithPrefix namespaces every key.
func (s *RedisRateLimitStore) WithPrefix(prefix string) *RedisRateLimitStore {
	s.prefix = prefix
	return s
}

// WithMetrics counts store failures on m.
func (s *RedisRateLimitStore) WithMetrics(m *Metrics) *RedisRateLimitStore {
	s.metrics = m
	return s
}

// WithLogger sets the logger for store failures.
func (s *RedisRateLimitStore) WithLogger(logger *slog.Logger) *RedisRateLimitStore {
	if logger != nil {
		s.logger = logger
	}
	return s
}

// Allow implements RateLimitStore.
func (s *RedisRateLimitStore) Allow(ctx context.Context, key string, limit RateLimitConfig) Decision {
	res, err := fixedWindowScript.Run(ctx, s.client, []string{s.prefix + key},
		limit.WindowDuration.Milliseconds()).Int64Slice()
	if err == nil && len(res) != 2 {
		err = fmt.Errorf("unexpected rate limit script reply %v", res)
	}
	if err != nil {
		s.metrics.incLimitStoreErrors()
		s.logger.WarnContext(ctx, "rate limit store unavailable, allowing request",
			slog.String("key", key), slog.String("error", err.Error()))
		return Decision{Allowed: true, Remaining: limit.RequestsPerWindow}
	}

	count, ttl := int(res[0]), time.Duration(res[1])*time.Millisecond
	if count > limit.RequestsPerWindow {
		return Decision{RetryAfter: ttl}
	}
	return Decision{Allowed: true, Remaining: limit.RequestsPerWindow - count}
}

// RateLimitScope is one named limit, counted per client IP. Routes lists the
// route patterns it covers; empty means every limited route.
type RateLimitScope struct {
	Name   string
	Limit  RateLimitConfig
	Routes []string
}

func (sc RateLimitScope) covers(route string) bool {
	if len(sc.Routes) == 0 {
		return true
	}
	for _, r := range sc.Routes {
		if r == route {
			return true
		}
	}
	return false
}

// RateLimits checks every scope covering the request's route, in order, with
// the key "<scope>:<client ip>". The first rejection answers 429 with
// Retry-After. Infra routes and CORS preflights are never limited. The
// X-RateLimit headers describe the last scope checked.
func RateLimits(store RateLimitStore, scopes []RateLimitScope, metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if IsInfraRoute(r.URL.Path) || r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}
			route := RoutePattern(r.URL.Path)
			ip := ClientIP(r)
			for _, sc := range scopes {
				if !sc.covers(route) {
					continue
				}
				d := store.Allow(r.Context(), sc.Name+":"+ip, sc.Limit)
				metrics.observeLimit(sc.Name, route, d.Allowed)

				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(sc.Limit.RequestsPerWindow))
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
				if !d.Allowed {
					w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(d.RetryAfter)))
					writeMiddlewareError(w, r.Context(), http.StatusTooManyRequests,
						"rate_limit_exceeded", "Too many requests, retry later")
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// retryAfterSeconds rounds d up to whole seconds, at least 1.
func retryAfterSeconds(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}

// ClientIP returns the originating client address of r: the first
// X-Forwarded-For entry, then X-Real-IP, then the connection address.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
