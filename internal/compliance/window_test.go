package compliance

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"outreach/internal/domain"
)

func at(t *testing.T, loc, value string) time.Time {
	t.Helper()
	l, err := time.LoadLocation(loc)
	require.NoError(t, err)
	ts, err := time.ParseInLocation("2006-01-02 15:04", value, l)
	require.NoError(t, err)
	return ts
}

func TestInWindowWrapsMidnight(t *testing.T) {
	start, end := 22*60, 6*60
	require.True(t, InWindow(23*60+30, start, end))
	require.True(t, InWindow(0, start, end))
	require.True(t, InWindow(5*60+59, start, end))
	require.False(t, InWindow(6*60, start, end))
	require.False(t, InWindow(12*60, start, end))
	require.True(t, InWindow(22*60, start, end))
}

func TestInWindowDaytime(t *testing.T) {
	start, end := 9*60, 20*60
	require.True(t, InWindow(9*60, start, end))
	require.False(t, InWindow(20*60, start, end))
	require.False(t, InWindow(8*60+59, start, end))
}

func TestInWindowEqualBoundsIsUnrestricted(t *testing.T) {
	require.True(t, InWindow(0, 0, 0))
	require.True(t, InWindow(17*60, 600, 600))
}

func TestAllowedUsesPolicyTimezone(t *testing.T) {
	policy := domain.AccountPolicy{Timezone: "America/New_York", QuietStart: 9 * 60, QuietEnd: 20 * 60}

	// 13:00 UTC is 09:00 in New York during daylight time.
	require.True(t, Allowed(time.Date(2026, 7, 1, 13, 0, 0, 0, time.UTC), policy))
	require.False(t, Allowed(time.Date(2026, 7, 1, 12, 59, 0, 0, time.UTC), policy))
	// The closing minute is outside the window.
	require.True(t, Allowed(time.Date(2026, 7, 1, 23, 59, 0, 0, time.UTC), policy))
	require.False(t, Allowed(time.Date(2026, 7, 2, 0, 0, 0, 0, time.UTC), policy))
}

func TestNextAllowed(t *testing.T) {
	policy := domain.AccountPolicy{Timezone: "America/Chicago", QuietStart: 9 * 60, QuietEnd: 20 * 60}

	inside := at(t, "America/Chicago", "2026-03-02 10:15")
	require.True(t, NextAllowed(inside, policy).Equal(inside))

	evening := at(t, "America/Chicago", "2026-03-02 21:00")
	require.True(t, NextAllowed(evening, policy).Equal(at(t, "America/Chicago", "2026-03-03 09:00")))

	early := at(t, "America/Chicago", "2026-03-02 07:30")
	require.True(t, NextAllowed(early, policy).Equal(at(t, "America/Chicago", "2026-03-02 09:00")))
}

func TestNextAllowedNeverMovesBackward(t *testing.T) {
	policy := domain.AccountPolicy{Timezone: "UTC", QuietStart: 22 * 60, QuietEnd: 6 * 60}
	from := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)
	next := NextAllowed(from, policy)
	require.False(t, next.Before(from))
	require.True(t, next.Equal(time.Date(2026, 5, 10, 22, 0, 0, 0, time.UTC)))
}

func TestFooterHelpers(t *testing.T) {
	require.Equal(t, DefaultFooter, FooterText("  "))
	require.Equal(t, "Txt STOP to end", FooterText(" Txt STOP to end "))

	require.True(t, HasFooter("Hi there\nreply stop to opt out.", DefaultFooter))
	require.False(t, HasFooter("Hi there", DefaultFooter))

	body := EnsureFooter("Hi there \n", "")
	require.Equal(t, "Hi there\n"+DefaultFooter, body)
	require.Equal(t, body, EnsureFooter(body, ""))
	require.Equal(t, DefaultFooter, EnsureFooter("", ""))
}
