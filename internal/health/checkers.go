// Package health checks the stores behind GET /ready.
package health

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"strings"

	"github.com/lib/pq"
	"github.com/redis/go-redis/v9"
)

// activityTables must all exist before the service can record events.
var activityTables = []string{"countries", "users", "events"}

// DBChecker reports the Postgres event store ready once it answers and the
// activity schema is in place.
type DBChecker struct {
	db *sql.DB
}

// NewDBChecker creates a DBChecker.
func NewDBChecker(db *sql.DB) *DBChecker {
	return &DBChecker{db: db}
}

// HealthCheck pings Postgres and looks for every activity table in the
// current schema.
func (d *DBChecker) HealthCheck(ctx context.Context) error {
	if err := d.db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}

	rows, err := d.db.QueryContext(ctx,
		`SELECT table_name FROM information_schema.tables
		WHERE table_schema = current_schema() AND table_name = ANY($1)`,
		pq.Array(activityTables))
	if err != nil {
		return fmt.Errorf("postgres schema lookup: %w", err)
	}
	defer rows.Close()

	var found []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return fmt.Errorf("postgres schema lookup: %w", err)
		}
		found = append(found, name)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("postgres schema lookup: %w", err)
	}

	var missing []string
	for _, table := range activityTables {
		if !slices.Contains(found, table) {
			missing = append(missing, table)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("postgres schema incomplete, missing tables: %s", strings.Join(missing, ", "))
	}
	return nil
}

// RedisChecker reports the shared rate-limit and idempotency store ready
// once it answers PING.
type RedisChecker struct {
	client redis.Cmdable
}

// NewRedisChecker creates a RedisChecker.
func NewRedisChecker(client redis.Cmdable) *RedisChecker {
	return &RedisChecker{client: client}
}

// HealthCheck sends PING.
func (r *RedisChecker) HealthCheck(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}
