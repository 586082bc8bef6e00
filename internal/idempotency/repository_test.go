package idempotency

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestInMemoryRepository_Get(t *testing.T) {
	repo := NewInMemoryRepository()
	ctx := context.Background()

	if _, err := repo.Get(ctx, "nonexistent"); err != ErrKeyNotFound {
		t.Errorf("Get() error = %v, want %v", err, ErrKeyNotFound)
	}

	rec := storedRecord("test-key", time.Time{})
	if err := repo.Store(ctx, rec); err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	got, err := repo.Get(ctx, "test-key")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Route != rec.Route {
		t.Errorf("Get() Route = %v, want %v", got.Route, rec.Route)
	}
	if got.RequestHash != rec.RequestHash {
		t.Errorf("Get() RequestHash = %v, want %v", got.RequestHash, rec.RequestHash)
	}
	if got.Body != rec.Body {
		t.Errorf("Get() Body = %v, want %v", got.Body, rec.Body)
	}
}

func TestInMemoryRepository_StoreDuplicate(t *testing.T) {
	repo := NewInMemoryRepository()
	ctx := context.Background()

	if err := repo.Store(ctx, storedRecord("test-key", time.Time{})); err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	if err := repo.Store(ctx, storedRecord("test-key", time.Time{})); err != ErrKeyExists {
		t.Errorf("Store() duplicate error = %v, want %v", err, ErrKeyExists)
	}
}

func TestInMemoryRepository_Store_InvalidKey(t *testing.T) {
	repo := NewInMemoryRepository()
	ctx := context.Background()

	tests := []struct {
		name    string
		key     string
		wantErr error
	}{
		{"empty key", "", ErrKeyEmpty},
		{"key too long", strings.Repeat("a", MaxKeyLength+1), ErrKeyTooLong},
		{"key with space", "retry 1", ErrKeyCharset},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := repo.Store(ctx, storedRecord(tt.key, time.Time{})); err != tt.wantErr {
				t.Errorf("Store() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestInMemoryRepository_Store_SetsCreatedAt(t *testing.T) {
	repo := NewInMemoryRepository()
	fixed := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	repo.now = func() time.Time { return fixed }

	rec := storedRecord("test-key", time.Time{})
	if err := repo.Store(context.Background(), rec); err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	if !rec.CreatedAt.Equal(fixed) {
		t.Errorf("CreatedAt = %v, want %v", rec.CreatedAt, fixed)
	}
}

func TestInMemoryRepository_DeleteOlderThan(t *testing.T) {
	repo := NewInMemoryRepository()
	ctx := context.Background()
	now := time.Now()

	for i, age := range []time.Duration{48 * time.Hour, 30 * time.Hour, time.Hour} {
		if err := repo.Store(ctx, storedRecord("key-"+strconv.Itoa(i), now.Add(-age))); err != nil {
			t.Fatalf("Store() error = %v", err)
		}
	}

	deleted, err := repo.DeleteOlderThan(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("DeleteOlderThan() error = %v", err)
	}
	if deleted != 2 {
		t.Errorf("DeleteOlderThan() deleted = %d, want 2", deleted)
	}
	if repo.Len() != 1 {
		t.Errorf("Len() = %d, want 1", repo.Len())
	}
}

func TestInMemoryRepository_Isolation(t *testing.T) {
	repo := NewInMemoryRepository()
	ctx := context.Background()

	rec := storedRecord("test-key", time.Time{})
	if err := repo.Store(ctx, rec); err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	rec.Body = "mutated"

	got, err := repo.Get(ctx, "test-key")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	got.Body = "mutated again"

	again, _ := repo.Get(ctx, "test-key")
	if again.Body != `{"ok":true}` {
		t.Errorf("stored record was mutated: %q", again.Body)
	}
}

// TestRedisRepository requires a Redis instance on localhost:6379 and is
// skipped otherwise.
func TestRedisRepository(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skip("Redis not available, skipping integration test")
	}

	repo := NewRedisRepository(client, time.Minute)
	key := "test-" + strconv.FormatInt(time.Now().UnixNano(), 10)
	defer client.Del(context.Background(), RedisKeyPrefix+key)

	if _, err := repo.Get(ctx, key); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("Get() error = %v, want %v", err, ErrKeyNotFound)
	}
	if err := repo.Store(ctx, storedRecord(key, time.Time{})); err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	if err := repo.Store(ctx, storedRecord(key, time.Time{})); !errors.Is(err, ErrKeyExists) {
		t.Errorf("Store() duplicate error = %v, want %v", err, ErrKeyExists)
	}

	got, err := repo.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != 200 || got.Body != `{"ok":true}` {
		t.Errorf("Get() = %+v", got)
	}

	ttl, err := client.TTL(ctx, RedisKeyPrefix+key).Result()
	if err != nil {
		t.Fatalf("TTL() error = %v", err)
	}
	if ttl <= 0 || ttl > time.Minute {
		t.Errorf("TTL = %v, want within (0, 1m]", ttl)
	}
}

func TestNewRedisRepository_DefaultTTL(t *testing.T) {
	repo := NewRedisRepository(redis.NewClient(&redis.Options{Addr: "localhost:0"}), 0)
	if repo.ttl != DefaultExpiry {
		t.Errorf("ttl = %v, want %v", repo.ttl, DefaultExpiry)
	}
}
