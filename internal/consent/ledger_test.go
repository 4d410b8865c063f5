package consent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"outreach/internal/domain"
)

type memStore struct {
	events []domain.ConsentEvent
	leads  map[string]domain.ConsentState
}

func newMemStore() *memStore {
	return &memStore{leads: map[string]domain.ConsentState{}}
}

func (m *memStore) AppendConsentEvent(_ context.Context, ev domain.ConsentEvent) error {
	ev.ID = int64(len(m.events) + 1)
	m.events = append(m.events, ev)
	return nil
}

func (m *memStore) LatestConsentEvent(_ context.Context, phone string) (domain.ConsentEvent, bool, error) {
	var (
		latest domain.ConsentEvent
		found  bool
	)
	for _, ev := range m.events {
		if ev.Phone != phone || ev.Type == domain.ConsentEventHelp {
			continue
		}
		if !found || !ev.At.Before(latest.At) {
			latest, found = ev, true
		}
	}
	return latest, found, nil
}

func (m *memStore) SetLeadConsent(_ context.Context, phone string, state domain.ConsentState, _ time.Time) error {
	m.leads[phone] = state
	return nil
}

func TestRecordEventDoubleStopIsIdempotent(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	l := NewLedger(st, DefaultVocabulary())
	now := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)

	changed, err := l.RecordEvent(ctx, domain.ConsentEvent{Phone: "+1 555 0100", Type: domain.ConsentEventRevoked, Source: "inbound", At: now})
	require.NoError(t, err)
	require.True(t, changed)

	changed, err = l.RecordEvent(ctx, domain.ConsentEvent{Phone: "+15550100", Type: domain.ConsentEventRevoked, Source: "inbound", At: now.Add(time.Minute)})
	require.NoError(t, err)
	require.False(t, changed)

	blocked, err := l.IsBlocked(ctx, "+1-555-0100")
	require.NoError(t, err)
	require.True(t, blocked)
	require.Len(t, st.events, 2)
	require.Equal(t, domain.ConsentRevoked, st.leads["+15550100"])
}

func TestRecordEventGrantRestores(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	l := NewLedger(st, DefaultVocabulary())

	_, err := l.RecordEvent(ctx, domain.ConsentEvent{Phone: "+15550101", Type: domain.ConsentEventRevoked})
	require.NoError(t, err)
	changed, err := l.RecordEvent(ctx, domain.ConsentEvent{Phone: "+15550101", Type: domain.ConsentEventGranted})
	require.NoError(t, err)
	require.True(t, changed)

	state, err := l.State(ctx, "+15550101")
	require.NoError(t, err)
	require.Equal(t, domain.ConsentGranted, state)
	blocked, err := l.IsBlocked(ctx, "+15550101")
	require.NoError(t, err)
	require.False(t, blocked)
}

func TestRecordEventHelpKeepsState(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	l := NewLedger(st, DefaultVocabulary())

	_, err := l.RecordEvent(ctx, domain.ConsentEvent{Phone: "+15550102", Type: domain.ConsentEventRevoked})
	require.NoError(t, err)
	changed, err := l.RecordEvent(ctx, domain.ConsentEvent{Phone: "+15550102", Type: domain.ConsentEventHelp})
	require.NoError(t, err)
	require.False(t, changed)

	state, err := l.State(ctx, "+15550102")
	require.NoError(t, err)
	require.Equal(t, domain.ConsentRevoked, state)
}

func TestUnknownPhoneIsNotBlocked(t *testing.T) {
	l := NewLedger(newMemStore(), DefaultVocabulary())
	blocked, err := l.IsBlocked(context.Background(), "+15550199")
	require.NoError(t, err)
	require.False(t, blocked)

	_, err = l.IsBlocked(context.Background(), "n/a")
	require.ErrorIs(t, err, ErrPhoneRequired)
}

func TestRecordEventLateRevocationDoesNotOverrideNewerGrant(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	l := NewLedger(st, DefaultVocabulary())
	t0 := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)
	phone := "+15550103"

	changed, err := l.RecordEvent(ctx, domain.ConsentEvent{Phone: phone, Type: domain.ConsentEventGranted, At: t0})
	require.NoError(t, err)
	require.True(t, changed)

	// A STOP stamped before the grant is logged but does not win.
	changed, err = l.RecordEvent(ctx, domain.ConsentEvent{Phone: phone, Type: domain.ConsentEventRevoked, At: t0.Add(-time.Minute)})
	require.NoError(t, err)
	require.False(t, changed)
	require.Equal(t, domain.ConsentGranted, st.leads[phone])
	blocked, err := l.IsBlocked(ctx, phone)
	require.NoError(t, err)
	require.False(t, blocked)

	changed, err = l.RecordEvent(ctx, domain.ConsentEvent{Phone: phone, Type: domain.ConsentEventGranted, At: t0.Add(time.Hour)})
	require.NoError(t, err)
	require.False(t, changed)
	require.Equal(t, domain.ConsentGranted, st.leads[phone])
	require.Len(t, st.events, 3)
}

func TestRecordEventResyncsLeadMirror(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	l := NewLedger(st, DefaultVocabulary())
	t0 := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)
	phone := "+15550104"

	_, err := l.RecordEvent(ctx, domain.ConsentEvent{Phone: phone, Type: domain.ConsentEventGranted, At: t0})
	require.NoError(t, err)
	st.leads[phone] = domain.ConsentRevoked

	changed, err := l.RecordEvent(ctx, domain.ConsentEvent{Phone: phone, Type: domain.ConsentEventGranted, At: t0.Add(time.Hour)})
	require.NoError(t, err)
	require.False(t, changed)
	require.Equal(t, domain.ConsentGranted, st.leads[phone])
}
