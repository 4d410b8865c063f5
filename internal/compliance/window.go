package compliance

import (
	"time"

	"outreach/internal/domain"
)

const minutesPerDay = 24 * 60

// MinuteOfDay returns the wall-clock minute of t in loc.
func MinuteOfDay(t time.Time, loc *time.Location) int {
	local := t.In(loc)
	return local.Hour()*60 + local.Minute()
}

// InWindow reports whether minute lies inside the send window [start, end).
// start > end wraps midnight; start == end leaves the day unrestricted.
func InWindow(minute, start, end int) bool {
	start, end = clampMinute(start), clampMinute(end)
	if start == end {
		return true
	}
	if start < end {
		return minute >= start && minute < end
	}
	return minute >= start || minute < end
}

// Allowed reports whether t falls inside the account's send window. QuietEnd
// is exclusive: with a 09:00-12:00 window, 12:00 itself is outside.
func Allowed(t time.Time, policy domain.AccountPolicy) bool {
	return InWindow(MinuteOfDay(t, policy.Location()), policy.QuietStart, policy.QuietEnd)
}

// NextAllowed returns t when it is already inside the send window, otherwise
// the next time the window opens. The result is never before t.
func NextAllowed(t time.Time, policy domain.AccountPolicy) time.Time {
	if Allowed(t, policy) {
		return t
	}
	loc := policy.Location()
	start := clampMinute(policy.QuietStart)
	local := t.In(loc)
	open := time.Date(local.Year(), local.Month(), local.Day(), start/60, start%60, 0, 0, loc)
	for !open.After(t) {
		local = local.AddDate(0, 0, 1)
		open = time.Date(local.Year(), local.Month(), local.Day(), start/60, start%60, 0, 0, loc)
	}
	return open.UTC()
}

func clampMinute(m int) int {
	if m < 0 {
		return 0
	}
	if m >= minutesPerDay {
		return m % minutesPerDay
	}
	return m
}
