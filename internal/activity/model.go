// Package activity resolves inbound activity events to durable user and
// country identities and derives per-user session analytics from the event log.
package activity

import (
	"fmt"
	"strings"
	"time"
)

// Column bounds for persisted fields.
const (
	MaxEventNameLength = 20
	MaxEventTypeLength = 3
	MaxSourceLength    = 20
	MaxInfoLength      = 255
	MaxGeoFieldLength  = 255
)

// PageLeaveEvent is the name of the synthetic marker sent when a client leaves a page.
const PageLeaveEvent = "page_leave"

// TimestampLayout is the serialized form of every timestamp leaving the service.
const TimestampLayout = time.RFC3339

// DateLayout keys analytics day groups.
const DateLayout = "2006-01-02"

// Geo is a raw geo-location payload as sent by clients or returned by the IP
// geolocation collaborator.
type Geo struct {
	City         string `json:"city"`
	StateProv    string `json:"state_prov"`
	CountryName  string `json:"country_name"`
	CountryCode2 string `json:"country_code2,omitempty"`
	CountryCode3 string `json:"country_code3,omitempty"`
	CountryFlag  string `json:"country_flag,omitempty"`
	Zipcode      string `json:"zipcode,omitempty"`
}

// Normalize trims surrounding whitespace from every field.
func (g Geo) Normalize() Geo {
	return Geo{
		City:         strings.TrimSpace(g.City),
		StateProv:    strings.TrimSpace(g.StateProv),
		CountryName:  strings.TrimSpace(g.CountryName),
		CountryCode2: strings.TrimSpace(g.CountryCode2),
		CountryCode3: strings.TrimSpace(g.CountryCode3),
		CountryFlag:  strings.TrimSpace(g.CountryFlag),
		Zipcode:      strings.TrimSpace(g.Zipcode),
	}
}

// Validate checks that the identity triple is present and every field fits its column.
func (g Geo) Validate() error {
	if g.City == "" {
		return validationError("geo.city is required")
	}
	if g.StateProv == "" {
		return validationError("geo.state_prov is required")
	}
	if g.CountryName == "" {
		return validationError("geo.country_name is required")
	}
	fields := map[string]string{
		"geo.city":          g.City,
		"geo.state_prov":    g.StateProv,
		"geo.country_name":  g.CountryName,
		"geo.country_code2": g.CountryCode2,
		"geo.country_code3": g.CountryCode3,
		"geo.country_flag":  g.CountryFlag,
		"geo.zipcode":       g.Zipcode,
	}
	for name, v := range fields {
		if len(v) > MaxGeoFieldLength {
			return validationError(fmt.Sprintf("%s must not exceed %d characters", name, MaxGeoFieldLength))
		}
	}
	return nil
}

// Key returns the identity triple.
func (g Geo) Key() CountryKey {
	return CountryKey{City: g.City, StateProv: g.StateProv, CountryName: g.CountryName}
}

// CountryKey is the identity triple of a Country.
type CountryKey struct {
	City        string
	StateProv   string
	CountryName string
}

// Country is a deduplicated geo record. Only the identity triple is used for
// lookups; the remaining fields are descriptive and never updated.
type Country struct {
	ID           int64  `json:"id"`
	City         string `json:"city"`
	StateProv    string `json:"state_prov"`
	CountryName  string `json:"country_name"`
	CountryCode2 string `json:"country_code2"`
	CountryCode3 string `json:"country_code3"`
	CountryFlag  string `json:"country_flag"`
	Zipcode      string `json:"zipcode"`
}

// Key returns the identity triple.
func (c Country) Key() CountryKey {
	return CountryKey{City: c.City, StateProv: c.StateProv, CountryName: c.CountryName}
}

// User is a durable end-user identity. Source, FirstTouch and CountryID are
// fixed at creation; LastTouch only moves forward.
type User struct {
	ID         int64     `json:"id"`
	UID        int64     `json:"uid"`
	Source     string    `json:"source"`
	FirstTouch time.Time `json:"first_touch_time"`
	LastTouch  time.Time `json:"last_touch_time"`
	CountryID  int64     `json:"country_id"`
}

// Event is one recorded activity item owned by a User.
type Event struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	UID       int64     `json:"uid"`
	Name      string    `json:"name"`
	Type      string    `json:"type"`
	Info      string    `json:"info"`
	Timestamp time.Time `json:"timestamp"`
}

// Before reports whether e sorts before o in a user's timeline.
// Ties on timestamp are broken by insertion order.
func (e *Event) Before(o *Event) bool {
	if e.Timestamp.Equal(o.Timestamp) {
		return e.ID < o.ID
	}
	return e.Timestamp.Before(o.Timestamp)
}

// EventInput is a validated inbound event.
type EventInput struct {
	UID    int64
	Source string
	Geo    Geo
	Name   string
	Type   string
	Info   string
	// Timestamp is the client-supplied event time. Zero means ingestion time.
	Timestamp time.Time
}

// Validate checks required fields and column bounds.
func (in *EventInput) Validate() error {
	in.Source = strings.TrimSpace(in.Source)
	in.Name = strings.TrimSpace(in.Name)
	in.Type = strings.TrimSpace(in.Type)
	in.Geo = in.Geo.Normalize()

	if err := validateIdentity(in.UID, in.Source); err != nil {
		return err
	}
	if in.Name == "" {
		return validationError("name is required")
	}
	if len(in.Name) > MaxEventNameLength {
		return validationError(fmt.Sprintf("name must not exceed %d characters", MaxEventNameLength))
	}
	if in.Type == "" {
		return validationError("type is required")
	}
	if len(in.Type) > MaxEventTypeLength {
		return validationError(fmt.Sprintf("type must not exceed %d characters", MaxEventTypeLength))
	}
	if len(in.Info) > MaxInfoLength {
		return validationError(fmt.Sprintf("info must not exceed %d characters", MaxInfoLength))
	}
	return in.Geo.Validate()
}

// PingInput is a validated liveness ping.
type PingInput struct {
	UID    int64
	Source string
	Geo    Geo
	// Timestamp is the ping time. Zero means processing time.
	Timestamp time.Time
}

// Validate checks required fields and column bounds.
func (in *PingInput) Validate() error {
	in.Source = strings.TrimSpace(in.Source)
	in.Geo = in.Geo.Normalize()
	if err := validateIdentity(in.UID, in.Source); err != nil {
		return err
	}
	return in.Geo.Validate()
}

func validateIdentity(uid int64, source string) error {
	if uid <= 0 {
		return validationError("uid must be a positive integer")
	}
	if source == "" {
		return validationError("source is required")
	}
	if len(source) > MaxSourceLength {
		return validationError(fmt.Sprintf("source must not exceed %d characters", MaxSourceLength))
	}
	return nil
}
