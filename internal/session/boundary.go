package session

import "time"

// Boundary is the wall-clock time at which the brokerage retires access
// tokens and a new trading day begins.
type Boundary struct {
	Hour     int
	Minute   int
	Location *time.Location
}

// DefaultBoundary is 06:00 Asia/Kolkata, falling back to a fixed +05:30
// zone when the tz database is unavailable.
func DefaultBoundary() Boundary {
	loc, err := time.LoadLocation("Asia/Kolkata")
	if err != nil {
		loc = time.FixedZone("IST", 5*3600+30*60)
	}
	return Boundary{Hour: 6, Minute: 0, Location: loc}
}

func (b Boundary) loc() *time.Location {
	if b.Location == nil {
		return time.UTC
	}
	return b.Location
}

// Next returns the first boundary strictly after t.
func (b Boundary) Next(t time.Time) time.Time {
	start := b.Start(t)
	return start.AddDate(0, 0, 1)
}

// Start returns the most recent boundary at or before t, which identifies
// the trading day t belongs to.
func (b Boundary) Start(t time.Time) time.Time {
	lt := t.In(b.loc())
	at := time.Date(lt.Year(), lt.Month(), lt.Day(), b.Hour, b.Minute, 0, 0, b.loc())
	if at.After(lt) {
		at = at.AddDate(0, 0, -1)
	}
	return at
}
