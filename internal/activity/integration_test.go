//go:build integration

package activity

import (
	"context"
	"database/sql"
	"os"
	"sync"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/onnwee/footfall/migrations"
)

// openTestDB connects to DATABASE_URL when set, otherwise starts a throwaway
// Postgres container. The schema is recreated from the embedded migrations.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	ctx := context.Background()

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		container, err := postgres.Run(ctx, "postgres:16-alpine",
			postgres.WithDatabase("footfall"),
			postgres.WithUsername("footfall"),
			postgres.WithPassword("footfall"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(60*time.Second)),
		)
		if err != nil {
			t.Skipf("Skipping integration test: cannot start postgres container: %v", err)
		}
		t.Cleanup(func() {
			if err := testcontainers.TerminateContainer(container); err != nil {
				t.Logf("failed to terminate container: %v", err)
			}
		})
		dsn, err = container.ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			t.Fatalf("failed to get connection string: %v", err)
		}
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	down, err := migrations.Down()
	if err != nil {
		t.Fatalf("failed to read down migrations: %v", err)
	}
	for _, script := range down {
		if _, err := db.ExecContext(ctx, script); err != nil {
			t.Fatalf("failed to apply down migration: %v", err)
		}
	}
	up, err := migrations.Up()
	if err != nil {
		t.Fatalf("failed to read up migrations: %v", err)
	}
	for _, script := range up {
		if _, err := db.ExecContext(ctx, script); err != nil {
			t.Fatalf("failed to apply up migration: %v", err)
		}
	}
	return db
}

func countRows(t *testing.T, db *sql.DB, table string) int {
	t.Helper()
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM ` + table).Scan(&n); err != nil {
		t.Fatalf("failed to count %s: %v", table, err)
	}
	return n
}

func TestPostgresIntegration_ConcurrentFirstSighting(t *testing.T) {
	db := openTestDB(t)
	svc := NewService(NewPostgresStore(db, nil), ServiceConfig{})
	ctx := context.Background()

	const workers = 16
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Record(ctx, eventInput(3892445, "open", time.Time{})); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("Record() error = %v", err)
	}

	if n := countRows(t, db, "countries"); n != 1 {
		t.Errorf("countries = %d, want 1", n)
	}
	if n := countRows(t, db, "users"); n != 1 {
		t.Errorf("users = %d, want 1", n)
	}
	if n := countRows(t, db, "events"); n != workers {
		t.Errorf("events = %d, want %d", n, workers)
	}
}

func TestPostgresIntegration_DiffAndDelete(t *testing.T) {
	db := openTestDB(t)
	closeAt := testBase.Add(10 * time.Second)
	store := NewPostgresStore(db, nil)
	svc := NewService(store, ServiceConfig{Clock: fixedClock(closeAt), PageLeaveMarker: true})
	ctx := context.Background()

	open, err := svc.Record(ctx, eventInput(42, "open", testBase))
	if err != nil {
		t.Fatalf("Record(open) error = %v", err)
	}
	if _, err := svc.Record(ctx, eventInput(42, PageLeaveEvent, closeAt)); err != nil {
		t.Fatalf("Record(page_leave) error = %v", err)
	}
	if _, err := svc.Record(ctx, eventInput(42, PageLeaveEvent, closeAt)); err != nil {
		t.Fatalf("Record(page_leave) error = %v", err)
	}
	if n := countRows(t, db, "events"); n != 2 {
		t.Errorf("events = %d, want 2 (page_leave marker updated in place)", n)
	}

	d, err := svc.EventDiff(ctx, open.ID)
	if err != nil {
		t.Fatalf("EventDiff() error = %v", err)
	}
	if d != 10 {
		t.Errorf("diff = %v, want 10", d)
	}

	report, err := svc.Analytics(ctx, AnalyticsQuery{})
	if err != nil {
		t.Fatalf("Analytics() error = %v", err)
	}
	if len(report.Days) != 1 || report.Days[0].Sources[0].Users[0].TotalTime != 10 {
		t.Errorf("unexpected report: %+v", report.Days)
	}

	deleted, err := svc.DeleteUser(ctx, 42)
	if err != nil || !deleted {
		t.Fatalf("DeleteUser() = %v, %v", deleted, err)
	}
	if n := countRows(t, db, "events"); n != 0 {
		t.Errorf("events after delete = %d, want 0", n)
	}
	if n := countRows(t, db, "countries"); n != 1 {
		t.Errorf("countries after delete = %d, want 1", n)
	}
}
