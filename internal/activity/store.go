package activity

import (
	"context"
	"time"
)

// Tx is a unit of work scoped to one request. Every write made through it
// becomes visible atomically on Commit or is discarded on Rollback.
// Rollback after Commit is a no-op.
type Tx interface {
	// FindCountry looks a country up by its identity triple.
	// Returns ErrCountryNotFound when absent.
	FindCountry(ctx context.Context, key CountryKey) (*Country, error)

	// InsertCountryIfAbsent inserts geo unless a country with the same triple
	// exists. Reports whether this call created the row.
	InsertCountryIfAbsent(ctx context.Context, geo Geo) (bool, error)

	// FindUser looks a user up by uid. Returns ErrUserNotFound when absent.
	FindUser(ctx context.Context, uid int64) (*User, error)

	// FindUserForUpdate is FindUser holding a row lock until the unit of work ends.
	FindUserForUpdate(ctx context.Context, uid int64) (*User, error)

	// InsertUserIfAbsent inserts u unless its uid exists. Reports whether this
	// call created the row.
	InsertUserIfAbsent(ctx context.Context, u User) (bool, error)

	// TouchUser advances last_touch_time to at. It never moves it backwards.
	TouchUser(ctx context.Context, userID int64, at time.Time) error

	// InsertEvent persists ev and sets its ID.
	InsertEvent(ctx context.Context, ev *Event) error

	// FindLatestEventByName returns the user's most recent event with the
	// given name. Returns ErrEventNotFound when absent.
	FindLatestEventByName(ctx context.Context, userID int64, name string) (*Event, error)

	// UpdateEventTime rewrites the timestamp and info of an existing event.
	// Only used for the page_leave marker.
	UpdateEventTime(ctx context.Context, eventID int64, at time.Time, info string) error

	// DeleteEvents removes every event owned by userID and returns the count.
	DeleteEvents(ctx context.Context, userID int64) (int64, error)

	// DeleteUser removes the user; its events are removed with it.
	DeleteUser(ctx context.Context, userID int64) error

	Commit() error
	Rollback() error
}

// TimelineFilter narrows which users LoadTimelines returns.
type TimelineFilter struct {
	// UIDs restricts to these users. Empty means all users.
	UIDs []int64
	// Source restricts to users first seen with this traffic source.
	Source string
}

// Timeline is one user with their country and full ordered event history.
type Timeline struct {
	User    User
	Country Country
	Events  []*Event
}

// Store is the storage engine behind the activity service.
type Store interface {
	// Begin starts a unit of work.
	Begin(ctx context.Context) (Tx, error)

	// GetUser reads a committed user by uid. Returns ErrUserNotFound when absent.
	GetUser(ctx context.Context, uid int64) (*User, error)

	// GetEvent reads a committed event by id. Returns ErrEventNotFound when absent.
	GetEvent(ctx context.Context, id int64) (*Event, error)

	// NextEvent returns the event following ev in its owner's timeline,
	// or nil when ev is the most recent one.
	NextEvent(ctx context.Context, ev *Event) (*Event, error)

	// LoadTimelines reads users matching f with their countries and events.
	// Events are ordered by timestamp, then id.
	LoadTimelines(ctx context.Context, f TimelineFilter) ([]Timeline, error)
}
