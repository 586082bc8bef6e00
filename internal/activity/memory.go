package activity

import (
	"context"
	"errors"
	"sort"
	"time"
)

// errTxDone is returned when a finished unit of work is used again.
var errTxDone = errors.New("unit of work already committed or rolled back")

// MemoryStore is an in-memory Store. A unit of work holds the store lock from
// Begin until Commit or Rollback, so units of work are fully serialized.
// Used when no database is configured and in tests.
type MemoryStore struct {
	// lock is a one-slot semaphore so Begin can give up when its context ends.
	lock chan struct{}

	countries   map[int64]*Country
	countryKeys map[CountryKey]int64
	users       map[int64]*User
	userUIDs    map[int64]int64
	events      map[int64]*Event

	nextCountryID int64
	nextUserID    int64
	nextEventID   int64

	// Fault, when set, is called at the start of every unit-of-work operation
	// with the operation name. A non-nil result is returned from that operation.
	Fault func(op string) error
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		lock:        make(chan struct{}, 1),
		countries:   make(map[int64]*Country),
		countryKeys: make(map[CountryKey]int64),
		users:       make(map[int64]*User),
		userUIDs:    make(map[int64]int64),
		events:      make(map[int64]*Event),
	}
}

// Begin starts a unit of work, blocking until no other one is open or ctx
// is done.
func (s *MemoryStore) Begin(ctx context.Context) (Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	select {
	case s.lock <- struct{}{}:
		return &memoryTx{store: s}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *MemoryStore) acquire() { s.lock <- struct{}{} }

func (s *MemoryStore) release() { <-s.lock }

// GetUser implements Store.
func (s *MemoryStore) GetUser(ctx context.Context, uid int64) (*User, error) {
	s.acquire()
	defer s.release()
	return s.userByUID(uid)
}

// GetEvent implements Store.
func (s *MemoryStore) GetEvent(ctx context.Context, id int64) (*Event, error) {
	s.acquire()
	defer s.release()
	ev, ok := s.events[id]
	if !ok {
		return nil, ErrEventNotFound
	}
	return s.eventCopy(ev), nil
}

// NextEvent implements Store.
func (s *MemoryStore) NextEvent(ctx context.Context, ev *Event) (*Event, error) {
	s.acquire()
	defer s.release()

	var next *Event
	for _, cand := range s.events {
		if cand.UserID != ev.UserID || cand.ID == ev.ID || !ev.Before(cand) {
			continue
		}
		if next == nil || cand.Before(next) {
			next = cand
		}
	}
	if next == nil {
		return nil, nil
	}
	return s.eventCopy(next), nil
}

// LoadTimelines implements Store.
func (s *MemoryStore) LoadTimelines(ctx context.Context, f TimelineFilter) ([]Timeline, error) {
	s.acquire()
	defer s.release()

	wanted := make(map[int64]bool, len(f.UIDs))
	for _, uid := range f.UIDs {
		wanted[uid] = true
	}

	byUser := make(map[int64][]*Event)
	for _, ev := range s.events {
		byUser[ev.UserID] = append(byUser[ev.UserID], s.eventCopy(ev))
	}

	timelines := make([]Timeline, 0, len(s.users))
	for _, u := range s.users {
		if len(wanted) > 0 && !wanted[u.UID] {
			continue
		}
		if f.Source != "" && u.Source != f.Source {
			continue
		}
		events := byUser[u.ID]
		sort.Slice(events, func(i, j int) bool { return events[i].Before(events[j]) })
		tl := Timeline{User: *u, Events: events}
		if c, ok := s.countries[u.CountryID]; ok {
			tl.Country = *c
		}
		timelines = append(timelines, tl)
	}
	sort.Slice(timelines, func(i, j int) bool { return timelines[i].User.UID < timelines[j].User.UID })
	return timelines, nil
}

// Counts returns the number of stored countries, users and events.
func (s *MemoryStore) Counts() (countries, users, events int) {
	s.acquire()
	defer s.release()
	return len(s.countries), len(s.users), len(s.events)
}

func (s *MemoryStore) userByUID(uid int64) (*User, error) {
	id, ok := s.userUIDs[uid]
	if !ok {
		return nil, ErrUserNotFound
	}
	u := *s.users[id]
	return &u, nil
}

func (s *MemoryStore) eventCopy(ev *Event) *Event {
	cp := *ev
	if u, ok := s.users[ev.UserID]; ok {
		cp.UID = u.UID
	}
	return &cp
}

// memoryTx applies writes directly and keeps an undo log for Rollback.
type memoryTx struct {
	store *MemoryStore
	undo  []func()
	done  bool
}

func (tx *memoryTx) begin(op string) error {
	if tx.done {
		return errTxDone
	}
	if tx.store.Fault != nil {
		return tx.store.Fault(op)
	}
	return nil
}

func (tx *memoryTx) FindCountry(ctx context.Context, key CountryKey) (*Country, error) {
	if err := tx.begin("find_country"); err != nil {
		return nil, err
	}
	id, ok := tx.store.countryKeys[key]
	if !ok {
		return nil, ErrCountryNotFound
	}
	c := *tx.store.countries[id]
	return &c, nil
}

func (tx *memoryTx) InsertCountryIfAbsent(ctx context.Context, geo Geo) (bool, error) {
	if err := tx.begin("insert_country"); err != nil {
		return false, err
	}
	s := tx.store
	key := geo.Key()
	if _, exists := s.countryKeys[key]; exists {
		return false, nil
	}
	s.nextCountryID++
	id := s.nextCountryID
	s.countries[id] = &Country{
		ID:           id,
		City:         geo.City,
		StateProv:    geo.StateProv,
		CountryName:  geo.CountryName,
		CountryCode2: geo.CountryCode2,
		CountryCode3: geo.CountryCode3,
		CountryFlag:  geo.CountryFlag,
		Zipcode:      geo.Zipcode,
	}
	s.countryKeys[key] = id
	tx.undo = append(tx.undo, func() {
		delete(s.countries, id)
		delete(s.countryKeys, key)
	})
	return true, nil
}

func (tx *memoryTx) FindUser(ctx context.Context, uid int64) (*User, error) {
	if err := tx.begin("find_user"); err != nil {
		return nil, err
	}
	return tx.store.userByUID(uid)
}

func (tx *memoryTx) FindUserForUpdate(ctx context.Context, uid int64) (*User, error) {
	if err := tx.begin("find_user_for_update"); err != nil {
		return nil, err
	}
	return tx.store.userByUID(uid)
}

func (tx *memoryTx) InsertUserIfAbsent(ctx context.Context, u User) (bool, error) {
	if err := tx.begin("insert_user"); err != nil {
		return false, err
	}
	s := tx.store
	if _, exists := s.userUIDs[u.UID]; exists {
		return false, nil
	}
	if _, ok := s.countries[u.CountryID]; !ok {
		return false, ErrCountryNotFound
	}
	s.nextUserID++
	u.ID = s.nextUserID
	s.users[u.ID] = &u
	s.userUIDs[u.UID] = u.ID
	tx.undo = append(tx.undo, func() {
		delete(s.users, u.ID)
		delete(s.userUIDs, u.UID)
	})
	return true, nil
}

func (tx *memoryTx) TouchUser(ctx context.Context, userID int64, at time.Time) error {
	if err := tx.begin("touch_user"); err != nil {
		return err
	}
	u, ok := tx.store.users[userID]
	if !ok {
		return ErrUserNotFound
	}
	if !at.After(u.LastTouch) {
		return nil
	}
	prev := u.LastTouch
	u.LastTouch = at
	tx.undo = append(tx.undo, func() { u.LastTouch = prev })
	return nil
}

func (tx *memoryTx) InsertEvent(ctx context.Context, ev *Event) error {
	if err := tx.begin("insert_event"); err != nil {
		return err
	}
	s := tx.store
	u, ok := s.users[ev.UserID]
	if !ok {
		return ErrUserNotFound
	}
	s.nextEventID++
	ev.ID = s.nextEventID
	ev.UID = u.UID
	stored := *ev
	s.events[ev.ID] = &stored
	id := ev.ID
	tx.undo = append(tx.undo, func() { delete(s.events, id) })
	return nil
}

func (tx *memoryTx) FindLatestEventByName(ctx context.Context, userID int64, name string) (*Event, error) {
	if err := tx.begin("find_latest_event"); err != nil {
		return nil, err
	}
	var latest *Event
	for _, ev := range tx.store.events {
		if ev.UserID != userID || ev.Name != name {
			continue
		}
		if latest == nil || latest.Before(ev) {
			latest = ev
		}
	}
	if latest == nil {
		return nil, ErrEventNotFound
	}
	return tx.store.eventCopy(latest), nil
}

func (tx *memoryTx) UpdateEventTime(ctx context.Context, eventID int64, at time.Time, info string) error {
	if err := tx.begin("update_event_time"); err != nil {
		return err
	}
	ev, ok := tx.store.events[eventID]
	if !ok {
		return ErrEventNotFound
	}
	prevAt, prevInfo := ev.Timestamp, ev.Info
	ev.Timestamp, ev.Info = at, info
	tx.undo = append(tx.undo, func() { ev.Timestamp, ev.Info = prevAt, prevInfo })
	return nil
}

func (tx *memoryTx) DeleteEvents(ctx context.Context, userID int64) (int64, error) {
	if err := tx.begin("delete_events"); err != nil {
		return 0, err
	}
	return tx.deleteEvents(userID), nil
}

func (tx *memoryTx) deleteEvents(userID int64) int64 {
	s := tx.store
	var n int64
	for id, ev := range s.events {
		if ev.UserID != userID {
			continue
		}
		delete(s.events, id)
		removed := ev
		tx.undo = append(tx.undo, func() { s.events[removed.ID] = removed })
		n++
	}
	return n
}

func (tx *memoryTx) DeleteUser(ctx context.Context, userID int64) error {
	if err := tx.begin("delete_user"); err != nil {
		return err
	}
	s := tx.store
	u, ok := s.users[userID]
	if !ok {
		return nil
	}
	tx.deleteEvents(userID)
	delete(s.users, userID)
	delete(s.userUIDs, u.UID)
	tx.undo = append(tx.undo, func() {
		s.users[userID] = u
		s.userUIDs[u.UID] = userID
	})
	return nil
}

func (tx *memoryTx) Commit() error {
	if tx.done {
		return errTxDone
	}
	tx.done = true
	tx.undo = nil
	tx.store.release()
	return nil
}

func (tx *memoryTx) Rollback() error {
	if tx.done {
		return nil
	}
	tx.done = true
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
	tx.undo = nil
	tx.store.release()
	return nil
}
