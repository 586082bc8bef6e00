package activity

import (
	"sort"
	"time"
)

// EventView is an event as served to analytics clients, with its dwell time.
type EventView struct {
	ID        int64   `json:"id"`
	UID       int64   `json:"uid"`
	Name      string  `json:"name"`
	Type      string  `json:"type"`
	Source    string  `json:"source"`
	Info      string  `json:"info"`
	Timestamp string  `json:"timestamp"`
	Diff      float64 `json:"diff"`
}

// NewEventView serializes ev with the given diff.
func NewEventView(ev *Event, source string, diff float64) EventView {
	return EventView{
		ID:        ev.ID,
		UID:       ev.UID,
		Name:      ev.Name,
		Type:      ev.Type,
		Source:    source,
		Info:      ev.Info,
		Timestamp: ev.Timestamp.UTC().Format(TimestampLayout),
		Diff:      diff,
	}
}

// UserGroup holds one user's events for one day.
type UserGroup struct {
	UID       int64       `json:"uid"`
	Source    string      `json:"source"`
	Geo       Country     `json:"geo"`
	Events    []EventView `json:"events"`
	TotalTime float64     `json:"total_time"`
}

// SourceGroup holds the users of one traffic source for one day, ordered by uid.
type SourceGroup struct {
	Source string      `json:"source"`
	Users  []UserGroup `json:"users"`
}

// DayGroup holds one calendar date (UTC) of activity, ordered by source.
type DayGroup struct {
	Date    string        `json:"date"`
	Sources []SourceGroup `json:"sources"`
}

// Report is the nested analytics view, most recent day first.
type Report struct {
	Days []DayGroup `json:"days"`
}

// Aggregate reshapes user timelines into day, source and user groups.
// Each event's diff is computed against the user's whole timeline, so an
// event late in a day still measures the gap to the user's next event even
// when that event falls on a later day. Output ordering is fully determined
// by the input data.
func Aggregate(timelines []Timeline) *Report {
	// date -> source -> uid -> group
	days := make(map[string]map[string]map[int64]*UserGroup)

	for _, tl := range timelines {
		events := make([]*Event, len(tl.Events))
		copy(events, tl.Events)
		sort.SliceStable(events, func(i, j int) bool { return events[i].Before(events[j]) })

		for i, ev := range events {
			var next *Event
			if i+1 < len(events) {
				next = events[i+1]
			}
			diff := Diff(ev, next, tl.User.LastTouch)
			if ev.UID == 0 {
				ev = withUID(ev, tl.User.UID)
			}

			date := ev.Timestamp.UTC().Format(DateLayout)
			sources, ok := days[date]
			if !ok {
				sources = make(map[string]map[int64]*UserGroup)
				days[date] = sources
			}
			users, ok := sources[tl.User.Source]
			if !ok {
				users = make(map[int64]*UserGroup)
				sources[tl.User.Source] = users
			}
			group, ok := users[tl.User.UID]
			if !ok {
				group = &UserGroup{
					UID:    tl.User.UID,
					Source: tl.User.Source,
					Geo:    tl.Country,
				}
				users[tl.User.UID] = group
			}
			group.Events = append(group.Events, NewEventView(ev, tl.User.Source, diff))
			group.TotalTime = round2(group.TotalTime + diff)
		}
	}

	report := &Report{Days: make([]DayGroup, 0, len(days))}
	for _, date := range sortedKeys(days) {
		day := DayGroup{Date: date}
		sources := days[date]
		for _, source := range sortedKeys(sources) {
			sg := SourceGroup{Source: source}
			users := sources[source]
			uids := make([]int64, 0, len(users))
			for uid := range users {
				uids = append(uids, uid)
			}
			sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
			for _, uid := range uids {
				sg.Users = append(sg.Users, *users[uid])
			}
			day.Sources = append(day.Sources, sg)
		}
		report.Days = append(report.Days, day)
	}
	sort.SliceStable(report.Days, func(i, j int) bool { return report.Days[i].Date > report.Days[j].Date })
	return report
}

// FilterDays keeps only days within [from, to], compared by calendar date.
// A zero bound is open.
func (r *Report) FilterDays(from, to time.Time) *Report {
	if from.IsZero() && to.IsZero() {
		return r
	}
	var lo, hi string
	if !from.IsZero() {
		lo = from.UTC().Format(DateLayout)
	}
	if !to.IsZero() {
		hi = to.UTC().Format(DateLayout)
	}

	out := &Report{Days: make([]DayGroup, 0, len(r.Days))}
	for _, day := range r.Days {
		if lo != "" && day.Date < lo {
			continue
		}
		if hi != "" && day.Date > hi {
			continue
		}
		out.Days = append(out.Days, day)
	}
	return out
}

func withUID(ev *Event, uid int64) *Event {
	cp := *ev
	cp.UID = uid
	return &cp
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
