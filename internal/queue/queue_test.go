package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"outreach/internal/domain"
)

func TestBackoff(t *testing.T) {
	cases := map[int]time.Duration{
		-1: 5 * time.Second,
		0:  5 * time.Second,
		1:  10 * time.Second,
		2:  20 * time.Second,
		5:  160 * time.Second,
		7:  640 * time.Second,
		8:  15 * time.Minute,
		40: 15 * time.Minute,
	}
	for attempt, want := range cases {
		require.Equal(t, want, Backoff(attempt), "attempt %d", attempt)
	}
}

func TestNextStep(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	runAfter, dead := NextStep(1, 3, false, now)
	require.False(t, dead)
	require.Equal(t, now.Add(10*time.Second), runAfter)

	_, dead = NextStep(2, 3, false, now)
	require.False(t, dead)

	_, dead = NextStep(3, 3, false, now)
	require.True(t, dead)

	_, dead = NextStep(1, 3, true, now)
	require.True(t, dead)
}

type memRepo struct {
	Repository
	inserted []domain.OutboundAttempt
	claimOK  bool
}

func (m *memRepo) InsertMessage(_ context.Context, msg domain.OutboundAttempt) (domain.OutboundAttempt, bool, error) {
	msg.ID = "msg_test"
	m.inserted = append(m.inserted, msg)
	return msg, true, nil
}

func (m *memRepo) ClaimMessage(context.Context, string, time.Time) (bool, error) {
	return m.claimOK, nil
}

func TestEnqueueDefaults(t *testing.T) {
	repo := &memRepo{}
	q := New(repo, 0)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	m, created, err := q.Enqueue(context.Background(), EnqueueRequest{
		AccountID: "acct",
		LeadID:    "led_1",
		Recipient: "+1 (555) 010-0001",
		Body:      "hello",
		DedupKey:  "manual:1",
		RunAfter:  now.Add(-time.Hour),
	}, now)
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, domain.CategoryManual, m.Category)
	require.Equal(t, domain.SentByHuman, m.SentBy)
	require.Equal(t, DefaultMaxAttempts, m.MaxAttempts)
	require.Equal(t, now, m.RunAfter)
	require.Equal(t, "+15550100001", m.Recipient)
	require.Equal(t, domain.MessageQueued, m.Status)
	require.NotNil(t, m.DedupKey)
	require.Equal(t, "manual:1", *m.DedupKey)
	require.Nil(t, m.CursorID)
}

func TestEnqueueRejectsIncompleteRequest(t *testing.T) {
	q := New(&memRepo{}, 3)
	_, _, err := q.Enqueue(context.Background(), EnqueueRequest{AccountID: "acct", Body: "x"}, time.Now())
	require.ErrorIs(t, err, ErrInvalid)

	_, _, err = q.Enqueue(context.Background(), EnqueueRequest{AccountID: "acct", LeadID: "led_1", Body: "  "}, time.Now())
	require.ErrorIs(t, err, ErrInvalid)
}

func TestClaimConflict(t *testing.T) {
	q := New(&memRepo{claimOK: false}, 3)
	require.ErrorIs(t, q.Claim(context.Background(), "msg_1", time.Now()), ErrClaimConflict)

	q = New(&memRepo{claimOK: true}, 3)
	require.NoError(t, q.Claim(context.Background(), "msg_1", time.Now()))
}
