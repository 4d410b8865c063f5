package worker_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"outreach/internal/consent"
	"outreach/internal/domain"
	"outreach/internal/events"
	"outreach/internal/followup"
	"outreach/internal/provider"
	"outreach/internal/queue"
	"outreach/internal/store"
	"outreach/internal/worker"
)

var t0 = time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)

type harness struct {
	st      *store.Store
	q       *queue.Queue
	tracker *followup.Tracker
	pub     *events.Memory
	pool    *worker.Pool

	mu   sync.Mutex
	sent []provider.Message
	// reply is what the fake provider answers with.
	reply func(provider.Message) (provider.Result, error)
}

func newHarness(t *testing.T, policy domain.AccountPolicy) *harness {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, "sqlite", filepath.Join(t.TempDir(), "outreach.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	policy.AccountID = "acct"
	require.NoError(t, st.UpsertPolicy(ctx, policy))
	_, err = st.UpsertLead(ctx, domain.Lead{ID: "led_1", AccountID: "acct", Phone: "+15550100001", CreatedAt: t0})
	require.NoError(t, err)

	h := &harness{
		st:      st,
		q:       queue.New(st, 3),
		tracker: followup.NewTracker(st),
		pub:     &events.Memory{},
		reply: func(m provider.Message) (provider.Result, error) {
			return provider.Result{ProviderRef: "SM-" + m.IdempotencyKey}, nil
		},
	}
	sender := provider.SenderFunc(func(_ context.Context, m provider.Message) (provider.Result, error) {
		h.mu.Lock()
		h.sent = append(h.sent, m)
		h.mu.Unlock()
		return h.reply(m)
	})
	h.pool = worker.NewPool(h.q, st, st, consent.NewLedger(st, consent.DefaultVocabulary()), h.tracker, sender,
		worker.Config{PoolSize: 2, SendTimeout: time.Second, OptOutCodes: []string{"21610"}},
		worker.WithPublisher(h.pub),
		worker.WithClock(domain.ClockFunc(func() time.Time { return t0 })),
		worker.WithNotFound(func(err error) bool { return errors.Is(err, store.ErrNotFound) }),
	)
	return h
}

func openPolicy() domain.AccountPolicy {
	return domain.AccountPolicy{Timezone: "UTC", AutotexterEnabled: true}
}

func (h *harness) enqueue(t *testing.T, req queue.EnqueueRequest) domain.OutboundAttempt {
	t.Helper()
	req.AccountID, req.LeadID, req.Recipient = "acct", "led_1", "+15550100001"
	if req.Body == "" {
		req.Body = "hello"
	}
	m, created, err := h.q.Enqueue(context.Background(), req, t0)
	require.NoError(t, err)
	require.True(t, created)
	return m
}

func (h *harness) message(t *testing.T, id string) domain.OutboundAttempt {
	t.Helper()
	m, err := h.st.GetMessage(context.Background(), id)
	require.NoError(t, err)
	return m
}

func (h *harness) sends() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sent)
}

func TestRunTickSends(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, openPolicy())
	m := h.enqueue(t, queue.EnqueueRequest{SentBy: domain.SentByAI, OperatorID: domain.OperatorAuto})

	rep, err := h.pool.RunTick(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, worker.Report{Due: 1, Claimed: 1, Sent: 1}, rep)

	got := h.message(t, m.ID)
	require.Equal(t, domain.MessageSent, got.Status)
	require.Equal(t, "SM-"+m.ID, *got.ProviderRef)
	require.Equal(t, m.ID, h.sent[0].IdempotencyKey)
	require.Equal(t, "+15550100001", h.sent[0].To)

	lead, err := h.st.GetLead(ctx, "led_1")
	require.NoError(t, err)
	require.NotNil(t, lead.LastOutboundAt)
	require.True(t, lead.LastOutboundAt.Equal(t0))
	require.Equal(t, []string{events.TypeMessageSent}, h.pub.Types())

	// Nothing is due on the next tick.
	rep, err = h.pool.RunTick(ctx, 10)
	require.NoError(t, err)
	require.Zero(t, rep.Due)
	require.Equal(t, 1, h.sends())
}

func TestRunTickRetriesWithBackoff(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, openPolicy())
	h.reply = func(provider.Message) (provider.Result, error) {
		return provider.Result{}, provider.Retryable("503", errors.New("HTTP 503"))
	}
	m := h.enqueue(t, queue.EnqueueRequest{})

	rep, err := h.pool.RunTick(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, rep.Retried)

	got := h.message(t, m.ID)
	require.Equal(t, domain.MessageQueued, got.Status)
	require.Equal(t, 1, got.Attempt)
	require.True(t, got.RunAfter.Equal(t0.Add(queue.Backoff(1))))
	require.Equal(t, "503", *got.ErrorCode)
}

func TestRunTickDeadLettersAtMaxAttempts(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, openPolicy())
	h.reply = func(provider.Message) (provider.Result, error) {
		return provider.Result{}, provider.Retryable("503", errors.New("HTTP 503"))
	}
	m := h.enqueue(t, queue.EnqueueRequest{MaxAttempts: 1})

	rep, err := h.pool.RunTick(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, rep.DeadLettered)

	got := h.message(t, m.ID)
	require.Equal(t, domain.MessageDeadLetter, got.Status)
	require.Equal(t, 1, got.Attempt)
	require.Equal(t, []string{events.TypeMessageDeadLettered}, h.pub.Types())
}

func TestRunTickPermanentErrorSkipsRetries(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, openPolicy())
	h.reply = func(provider.Message) (provider.Result, error) {
		return provider.Result{}, provider.Permanent("21211", errors.New("invalid number"))
	}
	m := h.enqueue(t, queue.EnqueueRequest{})

	rep, err := h.pool.RunTick(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, rep.DeadLettered)
	got := h.message(t, m.ID)
	require.Equal(t, domain.MessageDeadLetter, got.Status)
	require.Equal(t, "21211", *got.ErrorCode)
}

func TestRunTickCarrierOptOutRevokesConsent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, openPolicy())
	lead, err := h.st.GetLead(ctx, "led_1")
	require.NoError(t, err)
	_, _, err = h.tracker.Enroll(ctx, lead, openPolicy(), t0.Add(-time.Hour))
	require.NoError(t, err)

	h.reply = func(provider.Message) (provider.Result, error) {
		return provider.Result{}, provider.Permanent("21610", errors.New("recipient unsubscribed"))
	}
	m := h.enqueue(t, queue.EnqueueRequest{})

	rep, err := h.pool.RunTick(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, rep.Failed)
	require.Equal(t, domain.MessageFailed, h.message(t, m.ID).Status)

	lead, err = h.st.GetLead(ctx, "led_1")
	require.NoError(t, err)
	require.Equal(t, domain.ConsentRevoked, lead.ConsentState)
	require.Nil(t, lead.FollowupCursorID)
	require.ElementsMatch(t, []string{events.TypeConsentChanged, events.TypeFollowupFinished}, h.pub.Types())
}

func TestRunTickDropsRevokedRecipient(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, openPolicy())
	m := h.enqueue(t, queue.EnqueueRequest{})
	require.NoError(t, h.st.AppendConsentEvent(ctx, domain.ConsentEvent{
		Phone: "+15550100001", Type: domain.ConsentEventRevoked, Source: "inbound", At: t0.Add(-time.Minute),
	}))

	rep, err := h.pool.RunTick(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, rep.Failed)
	require.Zero(t, h.sends())

	got := h.message(t, m.ID)
	require.Equal(t, domain.MessageFailed, got.Status)
	require.Equal(t, string(domain.ReasonOptedOut), *got.ErrorCode)
}

func TestRunTickDefersOutsideWindow(t *testing.T) {
	ctx := context.Background()
	// Window 09:00-12:00 UTC; t0 is 15:00.
	policy := openPolicy()
	policy.QuietStart, policy.QuietEnd = 9*60, 12*60
	h := newHarness(t, policy)
	m := h.enqueue(t, queue.EnqueueRequest{})

	rep, err := h.pool.RunTick(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, rep.Deferred)
	require.Zero(t, h.sends())

	got := h.message(t, m.ID)
	require.Equal(t, domain.MessageQueued, got.Status)
	require.Zero(t, got.Attempt)
	require.True(t, got.RunAfter.Equal(time.Date(2026, 3, 11, 9, 0, 0, 0, time.UTC)))
}

func TestRunTickHonoursAccountSwitches(t *testing.T) {
	ctx := context.Background()
	policy := openPolicy()
	policy.AutotexterEnabled = false
	h := newHarness(t, policy)
	auto := h.enqueue(t, queue.EnqueueRequest{SentBy: domain.SentByAI, OperatorID: domain.OperatorAuto, DedupKey: "auto"})
	manual := h.enqueue(t, queue.EnqueueRequest{DedupKey: "manual"})

	rep, err := h.pool.RunTick(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, rep.Deferred)
	require.Equal(t, 1, rep.Sent)
	require.Equal(t, domain.MessageQueued, h.message(t, auto.ID).Status)
	require.Equal(t, domain.MessageSent, h.message(t, manual.ID).Status)

	policy.KillSwitch = true
	policy.AccountID = "acct"
	require.NoError(t, h.st.UpsertPolicy(ctx, policy))
	other := h.enqueue(t, queue.EnqueueRequest{DedupKey: "other"})
	_, err = h.pool.RunTick(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, domain.MessageQueued, h.message(t, other.ID).Status)
	require.Equal(t, 1, h.sends())
}

func TestRunTickAdvancesFollowupCursor(t *testing.T) {
	ctx := context.Background()
	policy := openPolicy()
	policy.FollowupMaxAttempts = 1
	h := newHarness(t, policy)
	lead, err := h.st.GetLead(ctx, "led_1")
	require.NoError(t, err)
	c, created, err := h.tracker.Enroll(ctx, lead, policy, t0.Add(-48*time.Hour))
	require.NoError(t, err)
	require.True(t, created)

	h.enqueue(t, queue.EnqueueRequest{Category: domain.CategoryFollow, CursorID: c.ID, CursorAttempt: 0,
		SentBy: domain.SentByAI, OperatorID: domain.OperatorAuto})
	rep, err := h.pool.RunTick(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, rep.Sent)

	got, err := h.tracker.Get(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, domain.CursorCompleted, got.Status)
	require.Equal(t, 1, got.Attempt)
	require.ElementsMatch(t, []string{events.TypeFollowupFinished, events.TypeMessageSent}, h.pub.Types())
}

func TestRunTickDeadLettersMissingLead(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, openPolicy())
	m, _, err := h.q.Enqueue(ctx, queue.EnqueueRequest{AccountID: "acct", LeadID: "led_gone", Body: "hi"}, t0)
	require.NoError(t, err)

	rep, err := h.pool.RunTick(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, rep.DeadLettered)
	require.Equal(t, "lead_not_found", *h.message(t, m.ID).ErrorCode)
}
