package compliance

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"outreach/internal/domain"
)

type fakeConsent map[string]bool

func (f fakeConsent) IsBlocked(_ context.Context, phone string) (bool, error) {
	return f[phone], nil
}

// fakeHistory holds automated send times per lead and footer sends per phone.
type fakeHistory struct {
	sends   map[string][]time.Time
	footers map[string]time.Time
}

func (h *fakeHistory) LastOutboundAt(_ context.Context, leadID string) (time.Time, bool, error) {
	var last time.Time
	for _, ts := range h.sends[leadID] {
		if ts.After(last) {
			last = ts
		}
	}
	return last, !last.IsZero(), nil
}

func (h *fakeHistory) CountAutomatedSince(_ context.Context, leadID string, since time.Time) (int, error) {
	n := 0
	for _, ts := range h.sends[leadID] {
		if ts.After(since) {
			n++
		}
	}
	return n, nil
}

func (h *fakeHistory) LastFooterAt(_ context.Context, _, recipient string) (time.Time, bool, error) {
	ts, ok := h.footers[recipient]
	return ts, ok, nil
}

var noon = time.Date(2026, 4, 14, 12, 0, 0, 0, time.UTC)

func openPolicy() domain.AccountPolicy {
	return domain.AccountPolicy{AccountID: "acct", Timezone: "UTC"}
}

func lead() domain.Lead {
	return domain.Lead{ID: "led_1", AccountID: "acct", Phone: "+1 (555) 010-0001", ConsentState: domain.ConsentGranted}
}

func TestGateRevokedLeadIsOptedOut(t *testing.T) {
	g := NewGate(fakeConsent{}, &fakeHistory{})
	l := lead()
	l.ConsentState = domain.ConsentRevoked

	dec, err := g.Evaluate(context.Background(), l, openPolicy(), noon)
	require.NoError(t, err)
	require.False(t, dec.Allowed)
	require.Equal(t, domain.ReasonOptedOut, dec.Reason.Kind())
	require.Equal(t, "+15550100001", dec.Reason.(domain.OptedOut).Phone)
}

func TestGateLedgerRevocationWins(t *testing.T) {
	g := NewGate(fakeConsent{"+15550100001": true}, &fakeHistory{})

	dec, err := g.Evaluate(context.Background(), lead(), openPolicy(), noon)
	require.NoError(t, err)
	require.Equal(t, domain.ReasonOptedOut, dec.Reason.Kind())
}

func TestGateQuietHours(t *testing.T) {
	g := NewGate(fakeConsent{}, &fakeHistory{})
	policy := openPolicy()
	policy.QuietStart, policy.QuietEnd = 22*60, 6*60

	dec, err := g.Evaluate(context.Background(), lead(), policy, time.Date(2026, 4, 14, 23, 30, 0, 0, time.UTC))
	require.NoError(t, err)
	require.True(t, dec.Allowed)

	dec, err = g.Evaluate(context.Background(), lead(), policy, noon)
	require.NoError(t, err)
	require.False(t, dec.Allowed)
	qh, ok := dec.Reason.(domain.QuietHours)
	require.True(t, ok)
	require.Equal(t, 12*60, qh.LocalMinute)
	require.True(t, qh.NextAllowed.Equal(time.Date(2026, 4, 14, 22, 0, 0, 0, time.UTC)))
}

func TestGateMinGap(t *testing.T) {
	h := &fakeHistory{sends: map[string][]time.Time{"led_1": {noon.Add(-10 * time.Minute)}}}
	g := NewGate(fakeConsent{}, h)
	policy := openPolicy()
	policy.MinGapMinutes = 30

	dec, err := g.Evaluate(context.Background(), lead(), policy, noon)
	require.NoError(t, err)
	require.Equal(t, domain.ReasonMinGap, dec.Reason.Kind())

	dec, err = g.Evaluate(context.Background(), lead(), policy, noon.Add(20*time.Minute))
	require.NoError(t, err)
	require.True(t, dec.Allowed)
}

func TestGateDailyCapAgesOut(t *testing.T) {
	h := &fakeHistory{sends: map[string][]time.Time{"led_1": {
		noon.Add(-3 * time.Hour),
		noon.Add(-1 * time.Hour),
	}}}
	g := NewGate(fakeConsent{}, h)
	policy := openPolicy()
	policy.DailyCap = 2

	dec, err := g.Evaluate(context.Background(), lead(), policy, noon)
	require.NoError(t, err)
	require.False(t, dec.Allowed)
	capped, ok := dec.Reason.(domain.CapExceeded)
	require.True(t, ok)
	require.Equal(t, domain.CapDay, capped.Window)
	require.Equal(t, 2, capped.Count)
	require.Equal(t, domain.ReasonDayCap, dec.Reason.Kind())

	// The first send leaves the trailing 24h window.
	dec, err = g.Evaluate(context.Background(), lead(), policy, noon.Add(21*time.Hour+time.Minute))
	require.NoError(t, err)
	require.True(t, dec.Allowed)
}

func TestGateWeeklyCap(t *testing.T) {
	h := &fakeHistory{sends: map[string][]time.Time{"led_1": {
		noon.Add(-72 * time.Hour),
		noon.Add(-48 * time.Hour),
		noon.Add(-30 * time.Hour),
	}}}
	g := NewGate(fakeConsent{}, h)
	policy := openPolicy()
	policy.DailyCap = 5
	policy.WeeklyCap = 3

	dec, err := g.Evaluate(context.Background(), lead(), policy, noon)
	require.NoError(t, err)
	require.Equal(t, domain.ReasonWeekCap, dec.Reason.Kind())
}

func TestGateFooterRefresh(t *testing.T) {
	policy := openPolicy()
	policy.FooterRefreshDays = 30

	recent := &fakeHistory{footers: map[string]time.Time{"+15550100001": noon.Add(-29 * 24 * time.Hour)}}
	dec, err := NewGate(fakeConsent{}, recent).Evaluate(context.Background(), lead(), policy, noon)
	require.NoError(t, err)
	require.True(t, dec.Allowed)
	require.False(t, dec.NeedsFooter)

	stale := &fakeHistory{footers: map[string]time.Time{"+15550100001": noon.Add(-31 * 24 * time.Hour)}}
	dec, err = NewGate(fakeConsent{}, stale).Evaluate(context.Background(), lead(), policy, noon)
	require.NoError(t, err)
	require.True(t, dec.NeedsFooter)

	dec, err = NewGate(fakeConsent{}, &fakeHistory{}).Evaluate(context.Background(), lead(), policy, noon)
	require.NoError(t, err)
	require.True(t, dec.NeedsFooter)
}

func TestGateLeadWithoutPhoneIsBlocked(t *testing.T) {
	g := NewGate(fakeConsent{}, &fakeHistory{})
	l := lead()
	l.Phone = "n/a"

	dec, err := g.Evaluate(context.Background(), l, openPolicy(), noon)
	require.NoError(t, err)
	require.False(t, dec.Allowed)
	require.Equal(t, domain.ReasonNoRecipient, dec.Reason.Kind())
	require.Equal(t, "no_recipient", dec.ReasonString())
}
