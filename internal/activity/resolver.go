package activity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/onnwee/footfall/internal/stats"
)

// GeoResolver maps a geo payload to its unique Country.
type GeoResolver struct {
	logger  *slog.Logger
	stats   *stats.ResolutionStats
	metrics *Metrics
}

// NewGeoResolver creates a GeoResolver. stats and metrics may be nil.
func NewGeoResolver(logger *slog.Logger, st *stats.ResolutionStats, metrics *Metrics) *GeoResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &GeoResolver{logger: logger, stats: st, metrics: metrics}
}

// Resolve returns the Country for geo, creating it if no country with the same
// identity triple exists. The insert tolerates a concurrent creator; the
// re-read afterwards is what decides the identity. A miss on the re-read is
// reported as ErrTransientConflict and left to the caller's retry policy.
func (r *GeoResolver) Resolve(ctx context.Context, tx Tx, geo Geo) (*Country, error) {
	key := geo.Key()

	country, err := tx.FindCountry(ctx, key)
	if err == nil {
		r.record(false)
		return country, nil
	}
	if !errors.Is(err, ErrCountryNotFound) {
		return nil, err
	}

	created, err := tx.InsertCountryIfAbsent(ctx, geo)
	if err != nil {
		return nil, err
	}

	country, err = tx.FindCountry(ctx, key)
	if errors.Is(err, ErrCountryNotFound) {
		return nil, fmt.Errorf("%w: country %q/%q/%q missing after insert", ErrTransientConflict, key.City, key.StateProv, key.CountryName)
	}
	if err != nil {
		return nil, err
	}

	r.record(created)
	if created {
		r.logger.DebugContext(ctx, "created country",
			slog.Int64("country_id", country.ID),
			slog.String("city", country.City),
			slog.String("country_name", country.CountryName))
	}
	return country, nil
}

func (r *GeoResolver) record(created bool) {
	if r.stats != nil {
		if created {
			r.stats.RecordCreated()
		} else {
			r.stats.RecordReused()
		}
	}
	r.metrics.observeResolution(IdentityCountry, created)
}

// UserResolver maps a uid to its unique User, creating it on first sighting.
type UserResolver struct {
	geo     *GeoResolver
	logger  *slog.Logger
	stats   *stats.ResolutionStats
	metrics *Metrics
}

// NewUserResolver creates a UserResolver. stats and metrics may be nil.
func NewUserResolver(geo *GeoResolver, logger *slog.Logger, st *stats.ResolutionStats, metrics *Metrics) *UserResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &UserResolver{geo: geo, logger: logger, stats: st, metrics: metrics}
}

// Resolve returns the User for uid. An existing user is returned untouched:
// source, first touch and country never change after creation. A new user is
// created with first_touch_time = last_touch_time = at. Resolve never
// advances last_touch_time of an existing user.
func (r *UserResolver) Resolve(ctx context.Context, tx Tx, uid int64, source string, geo Geo, at time.Time) (*User, error) {
	user, err := tx.FindUser(ctx, uid)
	if err == nil {
		r.record(false)
		return user, nil
	}
	if !errors.Is(err, ErrUserNotFound) {
		return nil, err
	}

	country, err := r.geo.Resolve(ctx, tx, geo)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve country: %w", err)
	}

	created, err := tx.InsertUserIfAbsent(ctx, User{
		UID:        uid,
		Source:     source,
		FirstTouch: at,
		LastTouch:  at,
		CountryID:  country.ID,
	})
	if err != nil {
		return nil, err
	}

	user, err = tx.FindUser(ctx, uid)
	if errors.Is(err, ErrUserNotFound) {
		return nil, fmt.Errorf("%w: user %d missing after insert", ErrTransientConflict, uid)
	}
	if err != nil {
		return nil, err
	}

	r.record(created)
	if created {
		r.logger.DebugContext(ctx, "created user",
			slog.Int64("uid", uid),
			slog.String("source", source),
			slog.Int64("country_id", country.ID))
	}
	return user, nil
}

func (r *UserResolver) record(created bool) {
	if r.stats != nil {
		if created {
			r.stats.RecordCreated()
		} else {
			r.stats.RecordReused()
		}
	}
	r.metrics.observeResolution(IdentityUser, created)
}
