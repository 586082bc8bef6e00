package activity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/onnwee/footfall/internal/retry"
	"github.com/onnwee/footfall/internal/stats"
	"github.com/onnwee/footfall/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
)

// Event kinds for labeling.
const (
	kindInserted      = "inserted"
	kindMarkerUpdated = "marker_updated"
)

// Failure reasons for labeling.
const (
	reasonValidation = "validation"
	reasonExhausted  = "exhausted"
	reasonError      = "error"
)

// ServiceConfig configures a Service.
type ServiceConfig struct {
	// Policy bounds retries of write units of work. A zero policy means
	// retry.DefaultPolicy(IsTransient); a nil Classifier means IsTransient.
	Policy retry.Policy
	// PageLeaveMarker makes a repeated page_leave event move the user's
	// existing marker instead of inserting a new row.
	PageLeaveMarker bool
	// Clock returns processing time. Nil uses time.Now.
	Clock   func() time.Time
	Logger  *slog.Logger
	Metrics *Metrics
	Stats   *stats.ResolutionStats
}

// AnalyticsQuery narrows an analytics report. Zero values are open.
type AnalyticsQuery struct {
	From   time.Time
	To     time.Time
	Source string
	UIDs   []int64
}

// Service records activity and serves analytics over a Store.
type Service struct {
	store           Store
	users           *UserResolver
	policy          retry.Policy
	pageLeaveMarker bool
	clock           func() time.Time
	logger          *slog.Logger
	metrics         *Metrics
}

// NewService creates a Service backed by store.
func NewService(store Store, cfg ServiceConfig) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	policy := cfg.Policy
	if policy.MaxAttempts == 0 {
		policy = retry.DefaultPolicy(IsTransient)
	}
	if policy.Classifier == nil {
		policy.Classifier = IsTransient
	}
	if policy.Logger == nil {
		policy.Logger = logger
	}

	geo := NewGeoResolver(logger, cfg.Stats, cfg.Metrics)
	return &Service{
		store:           store,
		users:           NewUserResolver(geo, logger, cfg.Stats, cfg.Metrics),
		policy:          policy,
		pageLeaveMarker: cfg.PageLeaveMarker,
		clock:           clock,
		logger:          logger,
		metrics:         cfg.Metrics,
	}
}

// Record resolves the event's user, creating it and its country on first
// sighting, stores the event and advances the user's last touch to
// processing time, all in one unit of work.
func (s *Service) Record(ctx context.Context, in EventInput) (ev *Event, err error) {
	ctx, endSpan := tracing.StartSpan(ctx, "activity.record_event")
	defer func() { endSpan(err) }()

	if err := in.Validate(); err != nil {
		s.metrics.incFailures(OpRecordEvent, reasonValidation)
		return nil, err
	}
	tracing.SetAttributes(ctx,
		attribute.Int64("activity.uid", in.UID),
		attribute.String("activity.event_name", in.Name))

	now := s.clock().UTC()
	at := now
	if !in.Timestamp.IsZero() {
		at = in.Timestamp.UTC()
	}

	var kind string
	ev, err = runUnit(ctx, s, OpRecordEvent, func(ctx context.Context, tx Tx) (*Event, error) {
		user, err := s.users.Resolve(ctx, tx, in.UID, in.Source, in.Geo, at)
		if err != nil {
			return nil, err
		}

		if s.pageLeaveMarker && in.Name == PageLeaveEvent {
			marker, err := tx.FindLatestEventByName(ctx, user.ID, PageLeaveEvent)
			switch {
			case err == nil:
				if err := tx.UpdateEventTime(ctx, marker.ID, at, in.Info); err != nil {
					return nil, err
				}
				if err := tx.TouchUser(ctx, user.ID, now); err != nil {
					return nil, err
				}
				marker.Timestamp = at
				marker.Info = in.Info
				kind = kindMarkerUpdated
				return marker, nil
			case !errors.Is(err, ErrEventNotFound):
				return nil, err
			}
		}

		ev := &Event{
			UserID:    user.ID,
			UID:       user.UID,
			Name:      in.Name,
			Type:      in.Type,
			Info:      in.Info,
			Timestamp: at,
		}
		if err := tx.InsertEvent(ctx, ev); err != nil {
			return nil, err
		}
		if err := tx.TouchUser(ctx, user.ID, now); err != nil {
			return nil, err
		}
		kind = kindInserted
		return ev, nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.incEventsRecorded(kind)
	s.logger.DebugContext(ctx, "event recorded",
		slog.Int64("event_id", ev.ID),
		slog.Int64("uid", ev.UID),
		slog.String("name", ev.Name),
		slog.String("kind", kind))
	return ev, nil
}

// PingAlive resolves the pinging user and advances its last touch to the
// ping time. Last touch never moves backwards.
func (s *Service) PingAlive(ctx context.Context, in PingInput) (user *User, err error) {
	ctx, endSpan := tracing.StartSpan(ctx, "activity.ping_alive")
	defer func() { endSpan(err) }()

	if err := in.Validate(); err != nil {
		s.metrics.incFailures(OpPingAlive, reasonValidation)
		return nil, err
	}

	at := s.clock().UTC()
	if !in.Timestamp.IsZero() {
		at = in.Timestamp.UTC()
	}

	user, err = runUnit(ctx, s, OpPingAlive, func(ctx context.Context, tx Tx) (*User, error) {
		u, err := s.users.Resolve(ctx, tx, in.UID, in.Source, in.Geo, at)
		if err != nil {
			return nil, err
		}
		if err := tx.TouchUser(ctx, u.ID, at); err != nil {
			return nil, err
		}
		return tx.FindUser(ctx, in.UID)
	})
	if err != nil {
		return nil, err
	}
	s.metrics.incPings()
	return user, nil
}

// DeleteUser removes the user with uid and all of its events. Reports
// whether a user was removed; deleting an unknown uid is not an error.
func (s *Service) DeleteUser(ctx context.Context, uid int64) (deleted bool, err error) {
	ctx, endSpan := tracing.StartSpan(ctx, "activity.delete_user")
	defer func() { endSpan(err) }()

	deleted, err = runUnit(ctx, s, OpDeleteUser, func(ctx context.Context, tx Tx) (bool, error) {
		u, err := tx.FindUserForUpdate(ctx, uid)
		if errors.Is(err, ErrUserNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if err := tx.DeleteUser(ctx, u.ID); err != nil {
			return false, err
		}
		return true, nil
	})
	if err != nil {
		return false, err
	}
	if deleted {
		s.logger.InfoContext(ctx, "user deleted", slog.Int64("uid", uid))
	}
	return deleted, nil
}

// DeleteEvents removes every event of the user with uid and returns how many
// were removed. The user itself is kept.
func (s *Service) DeleteEvents(ctx context.Context, uid int64) (n int64, err error) {
	ctx, endSpan := tracing.StartSpan(ctx, "activity.delete_events")
	defer func() { endSpan(err) }()

	n, err = runUnit(ctx, s, OpDeleteEvents, func(ctx context.Context, tx Tx) (int64, error) {
		u, err := tx.FindUserForUpdate(ctx, uid)
		if errors.Is(err, ErrUserNotFound) {
			return 0, nil
		}
		if err != nil {
			return 0, err
		}
		return tx.DeleteEvents(ctx, u.ID)
	})
	if err != nil {
		return 0, err
	}
	s.logger.InfoContext(ctx, "user events deleted",
		slog.Int64("uid", uid),
		slog.Int64("count", n))
	return n, nil
}

// GetEvent returns one event with its dwell time measured against the next
// event of the same user.
func (s *Service) GetEvent(ctx context.Context, id int64) (view EventView, err error) {
	ctx, endSpan := tracing.StartSpan(ctx, "activity.get_event")
	defer func() { endSpan(err) }()

	ev, err := s.store.GetEvent(ctx, id)
	if err != nil {
		return EventView{}, err
	}
	user, err := s.store.GetUser(ctx, ev.UID)
	if err != nil {
		return EventView{}, fmt.Errorf("failed to load event owner: %w", err)
	}
	next, err := s.store.NextEvent(ctx, ev)
	if err != nil {
		return EventView{}, err
	}
	return NewEventView(ev, user.Source, Diff(ev, next, user.LastTouch)), nil
}

// EventDiff returns the dwell time in seconds of the event with the given id.
func (s *Service) EventDiff(ctx context.Context, id int64) (float64, error) {
	view, err := s.GetEvent(ctx, id)
	if err != nil {
		return 0, err
	}
	return view.Diff, nil
}

// Analytics builds the nested day, source and user report.
func (s *Service) Analytics(ctx context.Context, q AnalyticsQuery) (report *Report, err error) {
	ctx, endSpan := tracing.StartSpan(ctx, "activity.analytics")
	defer func() { endSpan(err) }()

	if !q.From.IsZero() && !q.To.IsZero() && q.To.Before(q.From) {
		return nil, validationError("to must not be before from")
	}

	start := time.Now()
	timelines, err := s.store.LoadTimelines(ctx, TimelineFilter{UIDs: q.UIDs, Source: q.Source})
	if err != nil {
		return nil, fmt.Errorf("failed to load timelines: %w", err)
	}
	report = Aggregate(timelines).FilterDays(q.From, q.To)
	s.metrics.observeAnalytics(time.Since(start).Seconds())
	return report, nil
}

// runUnit runs fn inside a unit of work under the service's retry policy.
// Every attempt begins a fresh unit of work; a failed attempt is rolled back
// in full before the next one starts.
func runUnit[T any](ctx context.Context, s *Service, op string, fn func(ctx context.Context, tx Tx) (T, error)) (T, error) {
	policy := s.policy
	onRetry := policy.OnRetry
	policy.OnRetry = func(attempt int, err error) {
		s.metrics.incRetries(op)
		if onRetry != nil {
			onRetry(attempt, err)
		}
	}

	result, err := retry.Do(ctx, policy, func(ctx context.Context) (T, error) {
		var zero T
		tx, err := s.store.Begin(ctx)
		if err != nil {
			return zero, err
		}
		defer func() { _ = tx.Rollback() }()

		v, err := fn(ctx, tx)
		if err != nil {
			return zero, err
		}
		if err := tx.Commit(); err != nil {
			return zero, err
		}
		return v, nil
	})
	if err != nil {
		reason := reasonError
		if errors.Is(err, retry.ErrExhausted) {
			reason = reasonExhausted
		}
		s.metrics.incFailures(op, reason)
		s.logger.ErrorContext(ctx, "write failed",
			slog.String("operation", op),
			slog.String("reason", reason),
			slog.String("error", err.Error()))
	}
	return result, err
}
