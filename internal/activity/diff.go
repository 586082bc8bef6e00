package activity

import (
	"math"
	"time"
)

// Diff returns the dwell time in seconds between ev and the next event in the
// same user's timeline, rounded to two decimals. When ev is the user's latest
// event, the session end (lastTouch) is used instead and negative values are
// clamped to zero.
func Diff(ev, next *Event, lastTouch time.Time) float64 {
	if next != nil {
		return round2(next.Timestamp.Sub(ev.Timestamp).Seconds())
	}
	d := round2(lastTouch.Sub(ev.Timestamp).Seconds())
	if d <= 0 {
		return 0
	}
	return d
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
