package activity

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/onnwee/footfall/internal/retry"
	"github.com/onnwee/footfall/internal/stats"
)

var testBase = time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)

func renoGeo() Geo {
	return Geo{
		City:         "Reno",
		StateProv:    "Nevada",
		CountryName:  "United States",
		CountryCode2: "US",
		CountryCode3: "USA",
		Zipcode:      "89501",
	}
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func newTestService(store Store, cfg ServiceConfig) *Service {
	if cfg.Policy.MaxAttempts == 0 {
		cfg.Policy = retry.Policy{MaxAttempts: 3, Classifier: IsTransient}
	}
	if cfg.Clock == nil {
		cfg.Clock = fixedClock(testBase)
	}
	return NewService(store, cfg)
}

func eventInput(uid int64, name string, at time.Time) EventInput {
	return EventInput{
		UID:       uid,
		Source:    "google",
		Geo:       renoGeo(),
		Name:      name,
		Type:      "nav",
		Info:      "/home",
		Timestamp: at,
	}
}

func TestService_RecordCreatesIdentities(t *testing.T) {
	store := NewMemoryStore()
	st := stats.NewResolutionStats()
	svc := newTestService(store, ServiceConfig{Stats: st})
	ctx := context.Background()

	ev, err := svc.Record(ctx, eventInput(3892445, "open", time.Time{}))
	if err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if ev.ID == 0 || ev.UID != 3892445 {
		t.Errorf("unexpected event: %+v", ev)
	}
	if !ev.Timestamp.Equal(testBase) {
		t.Errorf("timestamp = %v, want processing time %v", ev.Timestamp, testBase)
	}

	if _, err := svc.Record(ctx, eventInput(3892445, "click", testBase.Add(time.Second))); err != nil {
		t.Fatalf("second Record() error = %v", err)
	}

	countries, users, events := store.Counts()
	if countries != 1 || users != 1 || events != 2 {
		t.Errorf("counts = %d/%d/%d, want 1/1/2", countries, users, events)
	}
	// First record creates a country and a user; the second reuses the user.
	if st.Created() != 2 || st.Reused() != 1 {
		t.Errorf("stats created=%d reused=%d, want 2 and 1", st.Created(), st.Reused())
	}
}

func TestService_FirstTouchIsEventTime(t *testing.T) {
	store := NewMemoryStore()
	processedAt := testBase.Add(time.Hour)
	svc := newTestService(store, ServiceConfig{Clock: fixedClock(processedAt)})
	ctx := context.Background()

	ev, err := svc.Record(ctx, eventInput(5, "open", testBase))
	if err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	u, err := store.GetUser(ctx, 5)
	if err != nil {
		t.Fatalf("GetUser() error = %v", err)
	}
	if !u.FirstTouch.Equal(ev.Timestamp) {
		t.Errorf("first touch = %v, want event time %v", u.FirstTouch, ev.Timestamp)
	}
	if !u.LastTouch.Equal(processedAt) {
		t.Errorf("last touch = %v, want processing time %v", u.LastTouch, processedAt)
	}
}

func TestService_UserAttributesImmutable(t *testing.T) {
	store := NewMemoryStore()
	svc := newTestService(store, ServiceConfig{})
	ctx := context.Background()

	if _, err := svc.Record(ctx, eventInput(1, "open", time.Time{})); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	later := eventInput(1, "open", time.Time{})
	later.Source = "twitter"
	later.Geo = Geo{City: "Paris", StateProv: "Ile-de-France", CountryName: "France"}
	if _, err := svc.Record(ctx, later); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	u, err := store.GetUser(ctx, 1)
	if err != nil {
		t.Fatalf("GetUser() error = %v", err)
	}
	if u.Source != "google" {
		t.Errorf("source = %q, want first-seen %q", u.Source, "google")
	}
	if countries, _, _ := store.Counts(); countries != 1 {
		t.Errorf("countries = %d, want 1 (known user must not resolve geo)", countries)
	}
}

func TestService_ConcurrentFirstSighting(t *testing.T) {
	store := NewMemoryStore()
	var tick int64
	clock := func() time.Time {
		return testBase.Add(time.Duration(atomic.AddInt64(&tick, 1)) * time.Second)
	}
	svc := newTestService(store, ServiceConfig{Clock: clock})
	ctx := context.Background()

	const workers = 20
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Record(ctx, eventInput(77, "open", time.Time{})); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("Record() error = %v", err)
	}

	countries, users, events := store.Counts()
	if countries != 1 || users != 1 || events != workers {
		t.Errorf("counts = %d/%d/%d, want 1/1/%d", countries, users, events, workers)
	}
	u, err := store.GetUser(ctx, 77)
	if err != nil {
		t.Fatalf("GetUser() error = %v", err)
	}
	want := testBase.Add(workers * time.Second)
	if !u.LastTouch.Equal(want) {
		t.Errorf("last touch = %v, want max processing time %v", u.LastTouch, want)
	}
}

func TestService_EventDiff(t *testing.T) {
	store := NewMemoryStore()
	closeAt := testBase.Add(10 * time.Second)
	svc := newTestService(store, ServiceConfig{Clock: fixedClock(closeAt)})
	ctx := context.Background()

	open, err := svc.Record(ctx, eventInput(42, "open", testBase))
	if err != nil {
		t.Fatalf("Record(open) error = %v", err)
	}
	closed, err := svc.Record(ctx, eventInput(42, "close", closeAt))
	if err != nil {
		t.Fatalf("Record(close) error = %v", err)
	}
	// Another user's event in between must not affect uid 42.
	if _, err := svc.Record(ctx, eventInput(43, "open", testBase.Add(5*time.Second))); err != nil {
		t.Fatalf("Record(other) error = %v", err)
	}

	d, err := svc.EventDiff(ctx, open.ID)
	if err != nil {
		t.Fatalf("EventDiff(open) error = %v", err)
	}
	if d != 10.0 {
		t.Errorf("open diff = %v, want 10.0", d)
	}

	view, err := svc.GetEvent(ctx, closed.ID)
	if err != nil {
		t.Fatalf("GetEvent(close) error = %v", err)
	}
	if view.Diff != 0 {
		t.Errorf("close diff = %v, want 0", view.Diff)
	}
	if view.Source != "google" || view.Timestamp != "2024-01-15T10:00:10Z" {
		t.Errorf("unexpected view: %+v", view)
	}

	if _, err := svc.GetEvent(ctx, 9999); !errors.Is(err, ErrEventNotFound) {
		t.Errorf("GetEvent(missing) error = %v, want ErrEventNotFound", err)
	}
}

func TestService_PingAlive(t *testing.T) {
	store := NewMemoryStore()
	svc := newTestService(store, ServiceConfig{})
	ctx := context.Background()

	geo := Geo{City: "Reno", StateProv: "Nevada", CountryName: "United States"}
	pingAt := testBase.Add(time.Minute)
	u, err := svc.PingAlive(ctx, PingInput{UID: 99, Source: "direct", Geo: geo, Timestamp: pingAt})
	if err != nil {
		t.Fatalf("PingAlive() error = %v", err)
	}
	if u.UID != 99 || !u.LastTouch.Equal(pingAt) || !u.FirstTouch.Equal(pingAt) {
		t.Errorf("unexpected user: %+v", u)
	}
	countries, users, events := store.Counts()
	if countries != 1 || users != 1 || events != 0 {
		t.Errorf("counts = %d/%d/%d, want 1/1/0", countries, users, events)
	}

	// An older ping never moves last touch backwards.
	u, err = svc.PingAlive(ctx, PingInput{UID: 99, Source: "direct", Geo: geo, Timestamp: testBase})
	if err != nil {
		t.Fatalf("PingAlive() error = %v", err)
	}
	if !u.LastTouch.Equal(pingAt) {
		t.Errorf("last touch = %v, want %v", u.LastTouch, pingAt)
	}

	later := pingAt.Add(time.Minute)
	u, err = svc.PingAlive(ctx, PingInput{UID: 99, Source: "direct", Geo: geo, Timestamp: later})
	if err != nil {
		t.Fatalf("PingAlive() error = %v", err)
	}
	if !u.LastTouch.Equal(later) {
		t.Errorf("last touch = %v, want %v", u.LastTouch, later)
	}
}

func TestService_Deletes(t *testing.T) {
	store := NewMemoryStore()
	svc := newTestService(store, ServiceConfig{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := svc.Record(ctx, eventInput(5, "open", testBase.Add(time.Duration(i)*time.Second))); err != nil {
			t.Fatalf("Record() error = %v", err)
		}
	}
	if _, err := svc.Record(ctx, eventInput(6, "open", time.Time{})); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	n, err := svc.DeleteEvents(ctx, 5)
	if err != nil {
		t.Fatalf("DeleteEvents() error = %v", err)
	}
	if n != 3 {
		t.Errorf("deleted %d events, want 3", n)
	}
	if _, err := store.GetUser(ctx, 5); err != nil {
		t.Errorf("user should survive DeleteEvents: %v", err)
	}

	deleted, err := svc.DeleteUser(ctx, 5)
	if err != nil || !deleted {
		t.Fatalf("DeleteUser() = %v, %v; want true, nil", deleted, err)
	}
	if _, err := store.GetUser(ctx, 5); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("GetUser() after delete error = %v, want ErrUserNotFound", err)
	}

	deleted, err = svc.DeleteUser(ctx, 5)
	if err != nil || deleted {
		t.Errorf("DeleteUser(absent) = %v, %v; want false, nil", deleted, err)
	}
	if n, err := svc.DeleteEvents(ctx, 12345); err != nil || n != 0 {
		t.Errorf("DeleteEvents(absent) = %d, %v; want 0, nil", n, err)
	}

	countries, users, events := store.Counts()
	if countries != 1 || users != 1 || events != 1 {
		t.Errorf("counts = %d/%d/%d, want 1/1/1", countries, users, events)
	}
}

func TestService_DeleteUserCascades(t *testing.T) {
	store := NewMemoryStore()
	svc := newTestService(store, ServiceConfig{})
	ctx := context.Background()

	if _, err := svc.Record(ctx, eventInput(8, "open", time.Time{})); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if _, err := svc.DeleteUser(ctx, 8); err != nil {
		t.Fatalf("DeleteUser() error = %v", err)
	}
	countries, users, events := store.Counts()
	if countries != 1 || users != 0 || events != 0 {
		t.Errorf("counts = %d/%d/%d, want 1/0/0 (countries are never deleted)", countries, users, events)
	}
}

// faultAfter returns a Fault hook failing op the first n times it runs.
func faultAfter(op string, n int, err error) func(string) error {
	var calls int
	return func(got string) error {
		if got != op {
			return nil
		}
		calls++
		if calls <= n {
			return err
		}
		return nil
	}
}

func TestService_RetriesTransientConflicts(t *testing.T) {
	store := NewMemoryStore()
	store.Fault = faultAfter("insert_event", 2, ErrTransientConflict)
	metrics := NewMetrics()
	svc := newTestService(store, ServiceConfig{Metrics: metrics})
	ctx := context.Background()

	ev, err := svc.Record(ctx, eventInput(11, "open", time.Time{}))
	if err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if ev.ID == 0 {
		t.Error("expected stored event")
	}

	countries, users, events := store.Counts()
	if countries != 1 || users != 1 || events != 1 {
		t.Errorf("counts = %d/%d/%d, want 1/1/1 (failed attempts must be rolled back)", countries, users, events)
	}
	if got := getCounterVecValue(metrics.writeRetries, OpRecordEvent); got != 2 {
		t.Errorf("retries = %v, want 2", got)
	}
}

func TestService_RetryExhausted(t *testing.T) {
	store := NewMemoryStore()
	store.Fault = faultAfter("insert_event", 100, ErrTransientConflict)
	metrics := NewMetrics()
	svc := newTestService(store, ServiceConfig{Metrics: metrics})

	_, err := svc.Record(context.Background(), eventInput(12, "open", time.Time{}))
	if !errors.Is(err, retry.ErrExhausted) {
		t.Fatalf("Record() error = %v, want ErrExhausted", err)
	}
	if !errors.Is(err, ErrTransientConflict) {
		t.Errorf("exhausted error should wrap the last conflict: %v", err)
	}
	countries, users, events := store.Counts()
	if countries != 0 || users != 0 || events != 0 {
		t.Errorf("counts = %d/%d/%d, want nothing persisted", countries, users, events)
	}
	if got := getCounterVecValue(metrics.writeFailures, OpRecordEvent, reasonExhausted); got != 1 {
		t.Errorf("failures = %v, want 1", got)
	}
}

func TestService_NonTransientNotRetried(t *testing.T) {
	store := NewMemoryStore()
	boom := errors.New("disk on fire")
	var calls int
	store.Fault = func(op string) error {
		if op == "insert_event" {
			calls++
			return boom
		}
		return nil
	}
	svc := newTestService(store, ServiceConfig{})

	_, err := svc.Record(context.Background(), eventInput(13, "open", time.Time{}))
	if !errors.Is(err, boom) {
		t.Fatalf("Record() error = %v, want %v", err, boom)
	}
	if calls != 1 {
		t.Errorf("insert attempted %d times, want 1", calls)
	}
}

func TestService_ValidationBeforeWrite(t *testing.T) {
	store := NewMemoryStore()
	svc := newTestService(store, ServiceConfig{})
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(*EventInput)
	}{
		{"missing uid", func(in *EventInput) { in.UID = 0 }},
		{"missing source", func(in *EventInput) { in.Source = " " }},
		{"missing name", func(in *EventInput) { in.Name = "" }},
		{"name too long", func(in *EventInput) { in.Name = "abcdefghijklmnopqrstu" }},
		{"type too long", func(in *EventInput) { in.Type = "long" }},
		{"missing city", func(in *EventInput) { in.Geo.City = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := eventInput(20, "open", time.Time{})
			tt.mutate(&in)
			_, err := svc.Record(ctx, in)
			if !IsValidation(err) {
				t.Errorf("Record() error = %v, want validation error", err)
			}
		})
	}

	if countries, users, events := store.Counts(); countries+users+events != 0 {
		t.Errorf("validation failures must not write: %d/%d/%d", countries, users, events)
	}
}

func TestService_PageLeaveMarker(t *testing.T) {
	ctx := context.Background()

	t.Run("enabled updates in place", func(t *testing.T) {
		store := NewMemoryStore()
		svc := newTestService(store, ServiceConfig{PageLeaveMarker: true})

		first, err := svc.Record(ctx, eventInput(30, PageLeaveEvent, testBase))
		if err != nil {
			t.Fatalf("Record() error = %v", err)
		}
		in := eventInput(30, PageLeaveEvent, testBase.Add(time.Minute))
		in.Info = "/about"
		second, err := svc.Record(ctx, in)
		if err != nil {
			t.Fatalf("Record() error = %v", err)
		}
		if second.ID != first.ID {
			t.Errorf("marker id = %d, want %d", second.ID, first.ID)
		}
		stored, err := store.GetEvent(ctx, first.ID)
		if err != nil {
			t.Fatalf("GetEvent() error = %v", err)
		}
		if !stored.Timestamp.Equal(testBase.Add(time.Minute)) || stored.Info != "/about" {
			t.Errorf("marker not updated: %+v", stored)
		}
		if _, _, events := store.Counts(); events != 1 {
			t.Errorf("events = %d, want 1", events)
		}
	})

	t.Run("disabled inserts", func(t *testing.T) {
		store := NewMemoryStore()
		svc := newTestService(store, ServiceConfig{})
		for i := 0; i < 2; i++ {
			if _, err := svc.Record(ctx, eventInput(31, PageLeaveEvent, testBase.Add(time.Duration(i)*time.Second))); err != nil {
				t.Fatalf("Record() error = %v", err)
			}
		}
		if _, _, events := store.Counts(); events != 2 {
			t.Errorf("events = %d, want 2", events)
		}
	})
}

func TestService_Analytics(t *testing.T) {
	store := NewMemoryStore()
	svc := newTestService(store, ServiceConfig{Clock: fixedClock(testBase.Add(48 * time.Hour))})
	ctx := context.Background()

	day1 := testBase
	day2 := testBase.Add(24 * time.Hour)
	inputs := []EventInput{
		eventInput(1, "open", day1),
		eventInput(1, "open", day2),
		eventInput(2, "open", day1),
	}
	inputs[2].Source = "direct"
	for _, in := range inputs {
		if _, err := svc.Record(ctx, in); err != nil {
			t.Fatalf("Record() error = %v", err)
		}
	}

	report, err := svc.Analytics(ctx, AnalyticsQuery{})
	if err != nil {
		t.Fatalf("Analytics() error = %v", err)
	}
	if len(report.Days) != 2 || report.Days[0].Date != "2024-01-16" {
		t.Fatalf("unexpected days: %+v", report.Days)
	}
	if got := report.Days[1].Sources; len(got) != 2 || got[0].Source != "direct" {
		t.Errorf("unexpected day-1 sources: %+v", got)
	}
	if diff := report.Days[1].Sources[1].Users[0].Events[0].Diff; diff != 86400 {
		t.Errorf("uid 1 first diff = %v, want 86400", diff)
	}

	filtered, err := svc.Analytics(ctx, AnalyticsQuery{Source: "direct"})
	if err != nil {
		t.Fatalf("Analytics() error = %v", err)
	}
	if len(filtered.Days) != 1 || filtered.Days[0].Sources[0].Users[0].UID != 2 {
		t.Errorf("unexpected source filter result: %+v", filtered.Days)
	}

	byDay, err := svc.Analytics(ctx, AnalyticsQuery{From: day2, UIDs: []int64{1}})
	if err != nil {
		t.Fatalf("Analytics() error = %v", err)
	}
	if len(byDay.Days) != 1 || byDay.Days[0].Date != "2024-01-16" {
		t.Errorf("unexpected date filter result: %+v", byDay.Days)
	}

	if _, err := svc.Analytics(ctx, AnalyticsQuery{From: day2, To: day1}); !IsValidation(err) {
		t.Errorf("Analytics(inverted range) error = %v, want validation error", err)
	}
}
