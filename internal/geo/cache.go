package geo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/onnwee/footfall/internal/activity"
)

// Cache stores resolved geo payloads by IP.
type Cache interface {
	Get(ctx context.Context, ip string) (activity.Geo, bool, error)
	Set(ctx context.Context, ip string, geo activity.Geo, ttl time.Duration) error
}

// MemoryCache is an in-process Cache with per-entry expiry.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	geo       activity.Geo
	expiresAt time.Time
}

// NewMemoryCache creates an empty MemoryCache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

// Get implements Cache. Expired entries are dropped on read.
func (c *MemoryCache) Get(ctx context.Context, ip string) (activity.Geo, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[ip]
	if !ok {
		return activity.Geo{}, false, nil
	}
	if !c.now().Before(e.expiresAt) {
		delete(c.entries, ip)
		return activity.Geo{}, false, nil
	}
	return e.geo, true, nil
}

// Set implements Cache.
func (c *MemoryCache) Set(ctx context.Context, ip string, geo activity.Geo, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[ip] = memoryEntry{geo: geo, expiresAt: c.now().Add(ttl)}
	return nil
}

// Len returns the number of cached entries, expired ones included.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// RedisCache is a Cache shared between instances through Redis.
type RedisCache struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisCache creates a RedisCache storing keys under prefix.
func NewRedisCache(client redis.UniversalClient, prefix string) *RedisCache {
	if prefix == "" {
		prefix = "footfall:geo:"
	}
	return &RedisCache{client: client, prefix: prefix}
}

// Get implements Cache.
func (c *RedisCache) Get(ctx context.Context, ip string) (activity.Geo, bool, error) {
	data, err := c.client.Get(ctx, c.prefix+ip).Bytes()
	if errors.Is(err, redis.Nil) {
		return activity.Geo{}, false, nil
	}
	if err != nil {
		return activity.Geo{}, false, fmt.Errorf("failed to read geo cache: %w", err)
	}
	var geo activity.Geo
	if err := json.Unmarshal(data, &geo); err != nil {
		return activity.Geo{}, false, fmt.Errorf("failed to decode geo cache entry: %w", err)
	}
	return geo, true, nil
}

// Set implements Cache.
func (c *RedisCache) Set(ctx context.Context, ip string, geo activity.Geo, ttl time.Duration) error {
	data, err := json.Marshal(geo)
	if err != nil {
		return fmt.Errorf("failed to encode geo cache entry: %w", err)
	}
	if err := c.client.Set(ctx, c.prefix+ip, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to write geo cache: %w", err)
	}
	return nil
}
