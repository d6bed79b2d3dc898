package clock

import (
	"fmt"
	"time"
)

// DefaultZone is the wall zone used when none is configured.
const DefaultZone = "Asia/Shanghai"

// Clock yields wall-zone time and day boundaries. All day math in the
// system goes through here so that "00:00" means 00:00 at the site,
// not UTC.
type Clock struct {
	loc *time.Location
}

func New(zone string) (*Clock, error) {
	if zone == "" {
		zone = DefaultZone
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return nil, fmt.Errorf("load wall zone %q: %w", zone, err)
	}
	return &Clock{loc: loc}, nil
}

// MustNew panics on a bad zone name. Used in tests and main wiring
// where the zone comes from a validated config.
func MustNew(zone string) *Clock {
	c, err := New(zone)
	if err != nil {
		panic(err)
	}
	return c
}

func (c *Clock) Location() *time.Location { return c.loc }

// Now returns current time in the wall zone.
func (c *Clock) Now() time.Time { return time.Now().In(c.loc) }

// Today returns the current wall date as YYYY-MM-DD.
func (c *Clock) Today() string { return c.Now().Format("2006-01-02") }

// DayBounds returns the unix timestamps of 00:00:00 and 23:59:59 of
// the given wall date.
func (c *Clock) DayBounds(date string) (int64, int64, error) {
	start, err := time.ParseInLocation("2006-01-02", date, c.loc)
	if err != nil {
		return 0, 0, fmt.Errorf("parse date %q: %w", date, err)
	}
	startTS := start.Unix()
	endTS := start.AddDate(0, 0, 1).Unix() - 1
	return startTS, endTS, nil
}

// WallMinute formats t in the wall zone as HH:MM. Auto rules trigger
// on this value.
func (c *Clock) WallMinute(t time.Time) string {
	return t.In(c.loc).Format("15:04")
}

// SameWallMinute reports whether a and b fall into the same wall-clock
// minute. Used for duplicate-fire protection.
func (c *Clock) SameWallMinute(a, b time.Time) bool {
	return a.In(c.loc).Truncate(time.Minute).Equal(b.In(c.loc).Truncate(time.Minute))
}
