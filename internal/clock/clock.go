// Package clock holds the pure time arithmetic behind quiet hours, budget
// windows, the suppression window and the sender warm-up ramp. Everything
// here takes the current instant as a parameter so callers stay testable.
package clock

import "time"

// DefaultTimezone is used when neither the contact nor the tenant carries one.
const DefaultTimezone = "Australia/Sydney"

// Default quiet-hour window, local time.
const (
	DefaultQuietStart = 21 // 9 PM
	DefaultQuietEnd   = 9  // 9 AM
)

// SuppressionWindowDays is the minimum interval between sends to a contact.
const SuppressionWindowDays = 90

// LoadLocation resolves an IANA timezone name, falling back to the default
// and finally to UTC when the name is unknown.
func LoadLocation(name string) *time.Location {
	if name != "" {
		if loc, err := time.LoadLocation(name); err == nil {
			return loc
		}
	}
	loc, err := time.LoadLocation(DefaultTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// IsWithinQuietHours reports whether now falls inside the quiet-hour window
// in the given location. A window whose start is later than its end crosses
// midnight (21:00-09:00), so the test wraps around.
func IsWithinQuietHours(now time.Time, loc *time.Location, start, end int) bool {
	hour := now.In(loc).Hour()

	if start > end {
		return hour >= start || hour < end
	}
	return hour >= start && hour < end
}

// NextAllowedSendTime returns the end of the current quiet-hour window in
// UTC, or now unchanged when not inside the window.
func NextAllowedSendTime(now time.Time, loc *time.Location, start, end int) time.Time {
	if !IsWithinQuietHours(now, loc, start, end) {
		return now
	}

	local := now.In(loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), end, 0, 0, 0, loc)

	// Past the window start means the window runs into tomorrow morning.
	if local.Hour() >= start && start > end {
		next = next.AddDate(0, 0, 1)
	}

	return next.UTC()
}

// SuppressionEnds returns the instant the suppression window opens again
// after a send at lastSentAt.
func SuppressionEnds(lastSentAt time.Time) time.Time {
	return lastSentAt.AddDate(0, 0, SuppressionWindowDays)
}

// WarmupLimit maps days elapsed since the warm-up start date onto the
// allowed sends per day: day 0 -> 50, day 1 -> 100, day 2 -> 200, day 3+ -> 300.
func WarmupLimit(startDate, now time.Time) int {
	days := int(now.Sub(startDate).Hours() / 24)
	switch {
	case days <= 0:
		return 50
	case days == 1:
		return 100
	case days == 2:
		return 200
	default:
		return 300
	}
}

// StartOfDay returns midnight of now's calendar day in the location, in UTC.
func StartOfDay(now time.Time, loc *time.Location) time.Time {
	local := now.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc).UTC()
}

// StartOfMonth returns the first of now's month in the location, in UTC.
func StartOfMonth(now time.Time, loc *time.Location) time.Time {
	local := now.In(loc)
	return time.Date(local.Year(), local.Month(), 1, 0, 0, 0, 0, loc).UTC()
}

// DayKey formats now's calendar day in the location for use in daily
// counter keys, e.g. "2026-08-30".
func DayKey(now time.Time, loc *time.Location) string {
	return now.In(loc).Format("2006-01-02")
}
