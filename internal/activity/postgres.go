package activity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/onnwee/footfall/internal/tracing"
)

// PostgresStore implements Store on PostgreSQL. Uniqueness of countries and
// users is enforced by the schema; inserts use ON CONFLICT DO NOTHING so
// concurrent creators converge on the row that won.
type PostgresStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(db *sql.DB, logger *slog.Logger) *PostgresStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{
		db:     db,
		logger: logger,
	}
}

const (
	countryColumns = `id, city, state_prov, country_name, country_code2, country_code3, country_flag, zipcode`
	userColumns    = `id, uid, source, first_touch_time, last_touch_time, country_id`
	eventColumns   = `e.id, e.user_id, u.uid, e.name, e.type, e.info, e.event_time`
)

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Begin starts a READ COMMITTED transaction.
func (s *PostgresStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelReadCommitted,
	})
	if err != nil {
		s.logger.Error("failed to begin transaction",
			slog.String("error", err.Error()))
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &postgresTx{tx: tx, logger: s.logger}, nil
}

// GetUser implements Store.
func (s *PostgresStore) GetUser(ctx context.Context, uid int64) (user *User, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, tracing.TableUsers, tracing.DBOperationQuery)
	defer func() { endSpan(ignoreNotFound(err)) }()
	return findUser(ctx, s.db, uid, false)
}

// GetEvent implements Store.
func (s *PostgresStore) GetEvent(ctx context.Context, id int64) (ev *Event, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, tracing.TableEvents, tracing.DBOperationQuery)
	defer func() { endSpan(ignoreNotFound(err)) }()

	query := `SELECT ` + eventColumns + ` FROM events e JOIN users u ON u.id = e.user_id WHERE e.id = $1`
	ev, err = scanEvent(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event: %w", err)
	}
	return ev, nil
}

// NextEvent implements Store. The lookup is always scoped to the owning user.
func (s *PostgresStore) NextEvent(ctx context.Context, ev *Event) (next *Event, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, tracing.TableEvents, tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	query := `SELECT ` + eventColumns + ` FROM events e JOIN users u ON u.id = e.user_id
		WHERE e.user_id = $1 AND (e.event_time > $2 OR (e.event_time = $2 AND e.id > $3))
		ORDER BY e.event_time, e.id
		LIMIT 1`
	next, err = scanEvent(s.db.QueryRowContext(ctx, query, ev.UserID, ev.Timestamp, ev.ID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get next event: %w", err)
	}
	return next, nil
}

// LoadTimelines implements Store.
func (s *PostgresStore) LoadTimelines(ctx context.Context, f TimelineFilter) (timelines []Timeline, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, tracing.TableUsers, tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	var (
		conds []string
		args  []any
	)
	if len(f.UIDs) > 0 {
		args = append(args, pq.Array(f.UIDs))
		conds = append(conds, fmt.Sprintf("u.uid = ANY($%d)", len(args)))
	}
	if f.Source != "" {
		args = append(args, f.Source)
		conds = append(conds, fmt.Sprintf("u.source = $%d", len(args)))
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	userQuery := `SELECT u.id, u.uid, u.source, u.first_touch_time, u.last_touch_time, u.country_id,
		c.id, c.city, c.state_prov, c.country_name, c.country_code2, c.country_code3, c.country_flag, c.zipcode
		FROM users u JOIN countries c ON c.id = u.country_id` + where + ` ORDER BY u.uid`
	rows, err := s.db.QueryContext(ctx, userQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load users: %w", err)
	}
	defer rows.Close()

	index := make(map[int64]int)
	var userIDs []int64
	for rows.Next() {
		var tl Timeline
		var code2, code3, flag, zip sql.NullString
		if err := rows.Scan(&tl.User.ID, &tl.User.UID, &tl.User.Source, &tl.User.FirstTouch, &tl.User.LastTouch, &tl.User.CountryID,
			&tl.Country.ID, &tl.Country.City, &tl.Country.StateProv, &tl.Country.CountryName, &code2, &code3, &flag, &zip); err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		tl.Country.CountryCode2, tl.Country.CountryCode3 = code2.String, code3.String
		tl.Country.CountryFlag, tl.Country.Zipcode = flag.String, zip.String
		index[tl.User.ID] = len(timelines)
		userIDs = append(userIDs, tl.User.ID)
		timelines = append(timelines, tl)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate users: %w", err)
	}
	if len(userIDs) == 0 {
		return timelines, nil
	}

	eventQuery := `SELECT ` + eventColumns + ` FROM events e JOIN users u ON u.id = e.user_id
		WHERE e.user_id = ANY($1)
		ORDER BY e.user_id, e.event_time, e.id`
	evRows, err := s.db.QueryContext(ctx, eventQuery, pq.Array(userIDs))
	if err != nil {
		return nil, fmt.Errorf("failed to load events: %w", err)
	}
	defer evRows.Close()

	for evRows.Next() {
		ev, err := scanEvent(evRows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		i := index[ev.UserID]
		timelines[i].Events = append(timelines[i].Events, ev)
	}
	if err := evRows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate events: %w", err)
	}
	return timelines, nil
}

// postgresTx is a unit of work backed by *sql.Tx.
type postgresTx struct {
	tx     *sql.Tx
	logger *slog.Logger
}

func (t *postgresTx) FindCountry(ctx context.Context, key CountryKey) (c *Country, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, tracing.TableCountries, tracing.DBOperationQuery)
	defer func() { endSpan(ignoreNotFound(err)) }()

	query := `SELECT ` + countryColumns + ` FROM countries WHERE city = $1 AND state_prov = $2 AND country_name = $3`
	var code2, code3, flag, zip sql.NullString
	c = &Country{}
	err = t.tx.QueryRowContext(ctx, query, key.City, key.StateProv, key.CountryName).
		Scan(&c.ID, &c.City, &c.StateProv, &c.CountryName, &code2, &code3, &flag, &zip)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCountryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find country: %w", err)
	}
	c.CountryCode2, c.CountryCode3, c.CountryFlag, c.Zipcode = code2.String, code3.String, flag.String, zip.String
	return c, nil
}

func (t *postgresTx) InsertCountryIfAbsent(ctx context.Context, geo Geo) (created bool, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, tracing.TableCountries, tracing.DBOperationInsert)
	defer func() { endSpan(err) }()

	query := `INSERT INTO countries (city, state_prov, country_name, country_code2, country_code3, country_flag, zipcode)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (city, state_prov, country_name) DO NOTHING`
	result, err := t.tx.ExecContext(ctx, query, geo.City, geo.StateProv, geo.CountryName,
		geo.CountryCode2, geo.CountryCode3, geo.CountryFlag, geo.Zipcode)
	if err != nil {
		return false, fmt.Errorf("failed to insert country: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n == 1, nil
}

func (t *postgresTx) FindUser(ctx context.Context, uid int64) (u *User, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, tracing.TableUsers, tracing.DBOperationQuery)
	defer func() { endSpan(ignoreNotFound(err)) }()
	return findUser(ctx, t.tx, uid, false)
}

func (t *postgresTx) FindUserForUpdate(ctx context.Context, uid int64) (u *User, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, tracing.TableUsers, tracing.DBOperationQuery)
	defer func() { endSpan(ignoreNotFound(err)) }()
	return findUser(ctx, t.tx, uid, true)
}

func (t *postgresTx) InsertUserIfAbsent(ctx context.Context, u User) (created bool, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, tracing.TableUsers, tracing.DBOperationInsert)
	defer func() { endSpan(err) }()

	query := `INSERT INTO users (uid, source, first_touch_time, last_touch_time, country_id)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (uid) DO NOTHING`
	result, err := t.tx.ExecContext(ctx, query, u.UID, u.Source, u.FirstTouch.UTC(), u.LastTouch.UTC(), u.CountryID)
	if err != nil {
		return false, fmt.Errorf("failed to insert user: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n == 1, nil
}

func (t *postgresTx) TouchUser(ctx context.Context, userID int64, at time.Time) (err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, tracing.TableUsers, tracing.DBOperationUpdate)
	defer func() { endSpan(err) }()

	query := `UPDATE users SET last_touch_time = GREATEST(last_touch_time, $2) WHERE id = $1`
	result, err := t.tx.ExecContext(ctx, query, userID, at.UTC())
	if err != nil {
		return fmt.Errorf("failed to touch user: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (t *postgresTx) InsertEvent(ctx context.Context, ev *Event) (err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, tracing.TableEvents, tracing.DBOperationInsert)
	defer func() { endSpan(err) }()

	query := `INSERT INTO events (user_id, name, type, info, event_time)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`
	if err := t.tx.QueryRowContext(ctx, query, ev.UserID, ev.Name, ev.Type, ev.Info, ev.Timestamp.UTC()).Scan(&ev.ID); err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

func (t *postgresTx) FindLatestEventByName(ctx context.Context, userID int64, name string) (ev *Event, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, tracing.TableEvents, tracing.DBOperationQuery)
	defer func() { endSpan(ignoreNotFound(err)) }()

	query := `SELECT ` + eventColumns + ` FROM events e JOIN users u ON u.id = e.user_id
		WHERE e.user_id = $1 AND e.name = $2
		ORDER BY e.event_time DESC, e.id DESC
		LIMIT 1
		FOR UPDATE OF e`
	ev, err = scanEvent(t.tx.QueryRowContext(ctx, query, userID, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find latest event: %w", err)
	}
	return ev, nil
}

func (t *postgresTx) UpdateEventTime(ctx context.Context, eventID int64, at time.Time, info string) (err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, tracing.TableEvents, tracing.DBOperationUpdate)
	defer func() { endSpan(err) }()

	query := `UPDATE events SET event_time = $2, info = $3 WHERE id = $1`
	result, err := t.tx.ExecContext(ctx, query, eventID, at.UTC(), info)
	if err != nil {
		return fmt.Errorf("failed to update event time: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return ErrEventNotFound
	}
	return nil
}

func (t *postgresTx) DeleteEvents(ctx context.Context, userID int64) (n int64, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, tracing.TableEvents, tracing.DBOperationDelete)
	defer func() { endSpan(err) }()

	result, err := t.tx.ExecContext(ctx, `DELETE FROM events WHERE user_id = $1`, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete events: %w", err)
	}
	n, err = result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

// DeleteUser relies on ON DELETE CASCADE to remove the user's events.
func (t *postgresTx) DeleteUser(ctx context.Context, userID int64) (err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, tracing.TableUsers, tracing.DBOperationDelete)
	defer func() { endSpan(err) }()

	if _, err := t.tx.ExecContext(ctx, `DELETE FROM users WHERE id = $1`, userID); err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	return nil
}

func (t *postgresTx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		t.logger.Error("failed to commit transaction",
			slog.String("error", err.Error()))
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (t *postgresTx) Rollback() error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		t.logger.Warn("failed to rollback transaction",
			slog.String("error", err.Error()))
		return err
	}
	return nil
}

func findUser(ctx context.Context, q queryer, uid int64, forUpdate bool) (*User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE uid = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	u := &User{}
	err := q.QueryRowContext(ctx, query, uid).
		Scan(&u.ID, &u.UID, &u.Source, &u.FirstTouch, &u.LastTouch, &u.CountryID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	return u, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*Event, error) {
	ev := &Event{}
	var info sql.NullString
	if err := row.Scan(&ev.ID, &ev.UserID, &ev.UID, &ev.Name, &ev.Type, &info, &ev.Timestamp); err != nil {
		return nil, err
	}
	ev.Info = info.String
	return ev, nil
}

// ignoreNotFound keeps expected misses from being recorded as span errors.
func ignoreNotFound(err error) error {
	if errors.Is(err, ErrUserNotFound) || errors.Is(err, ErrEventNotFound) || errors.Is(err, ErrCountryNotFound) {
		return nil
	}
	return err
}
