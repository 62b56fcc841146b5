// Package calendar holds the single expiry rule shared by bid admission, the
// expiry sweeper and operation listings.
package calendar

import "time"

// Clock resolves "today" in the marketplace time zone.
type Clock struct {
	now      func() time.Time
	location *time.Location
}

// New returns a clock reading now (time.Now when nil) in loc (UTC when nil).
func New(now func() time.Time, loc *time.Location) *Clock {
	if now == nil {
		now = time.Now
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Clock{now: now, location: loc}
}

// Fixed returns a clock frozen at t, interpreted in t's own location.
func Fixed(t time.Time) *Clock {
	return New(func() time.Time { return t }, t.Location())
}

// Now returns the current instant.
func (c *Clock) Now() time.Time {
	if c == nil {
		return time.Now().UTC()
	}
	return c.now()
}

// Location returns the configured time zone.
func (c *Clock) Location() *time.Location {
	if c == nil {
		return time.UTC
	}
	return c.location
}

// Today returns the current calendar date in the configured zone as a
// UTC-midnight value, the same shape deadlines are stored in.
func (c *Clock) Today() time.Time {
	return Date(c.Now().In(c.Location()))
}

// Date truncates t to its calendar day and re-expresses it as UTC midnight.
func Date(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDate reads a YYYY-MM-DD date.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, err
	}
	return Date(t), nil
}

// Expired reports whether a deadline has passed. The deadline day itself is
// still open for bidding.
func Expired(deadline, today time.Time) bool {
	return Date(deadline).Before(Date(today))
}
