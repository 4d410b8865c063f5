// Package worker drains the send queue: claim, re-check, send, record.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"outreach/internal/compliance"
	"outreach/internal/domain"
	"outreach/internal/events"
	"outreach/internal/provider"
	"outreach/internal/queue"
)

const (
	disabledDelay = 10 * time.Minute
	lookupDelay   = time.Minute
)

var ErrNotFound = errors.New("worker: not found")

type Leads interface {
	GetLead(ctx context.Context, id string) (domain.Lead, error)
	TouchOutbound(ctx context.Context, leadID string, at time.Time) error
}

type Policies interface {
	GetPolicy(ctx context.Context, accountID string) (domain.AccountPolicy, error)
}

type Consent interface {
	IsBlocked(ctx context.Context, phone string) (bool, error)
	RecordEvent(ctx context.Context, ev domain.ConsentEvent) (bool, error)
}

type Cursors interface {
	Advance(ctx context.Context, cursorID string, sentAttempt int, policy domain.AccountPolicy, now time.Time) (domain.FollowupCursor, bool, error)
	Stop(ctx context.Context, leadID string, now time.Time) (domain.FollowupCursor, bool, error)
}

// Report summarises one worker tick.
type Report struct {
	Due          int `json:"due"`
	Claimed      int `json:"claimed"`
	Skipped      int `json:"skipped"`
	Sent         int `json:"sent"`
	Retried      int `json:"retried"`
	Deferred     int `json:"deferred"`
	Failed       int `json:"failed"`
	DeadLettered int `json:"dead_lettered"`
	Errors       int `json:"errors"`
}

type Config struct {
	PoolSize    int
	SendTimeout time.Duration
	// OptOutCodes are provider error codes meaning the carrier has the
	// recipient opted out.
	OptOutCodes []string
}

type Pool struct {
	queue     *queue.Queue
	leads     Leads
	policies  Policies
	consent   Consent
	cursors   Cursors
	sender    provider.Sender
	publisher events.Publisher
	clock     domain.Clock
	cfg       Config
	notFound  func(error) bool
	afterSent func(ctx context.Context, providerRef string)
}

type Option func(*Pool)

func WithPublisher(p events.Publisher) Option { return func(w *Pool) { w.publisher = p } }
func WithClock(c domain.Clock) Option         { return func(w *Pool) { w.clock = c } }

// WithNotFound tells the pool how to recognise a missing lead or policy in
// store errors.
func WithNotFound(fn func(error) bool) Option { return func(w *Pool) { w.notFound = fn } }

// WithAfterSent runs fn once a send and its provider reference are recorded.
func WithAfterSent(fn func(ctx context.Context, providerRef string)) Option {
	return func(w *Pool) { w.afterSent = fn }
}

func NewPool(q *queue.Queue, leads Leads, policies Policies, consent Consent, cursors Cursors, sender provider.Sender, cfg Config, opts ...Option) *Pool {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 4
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 15 * time.Second
	}
	p := &Pool{
		queue:     q,
		leads:     leads,
		policies:  policies,
		consent:   consent,
		cursors:   cursors,
		sender:    sender,
		publisher: events.Nop{},
		clock:     domain.SystemClock{},
		cfg:       cfg,
		notFound:  func(err error) bool { return errors.Is(err, ErrNotFound) },
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run ticks every pollEvery until ctx is done.
func (p *Pool) Run(ctx context.Context, pollEvery time.Duration, batchSize int) {
	t := time.NewTicker(pollEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := p.RunTick(ctx, batchSize); err != nil {
				log.Error().Err(err).Msg("worker tick")
			}
		}
	}
}

// RunTick claims up to batchSize due messages and processes them on the
// bounded pool. It returns after every claimed message is settled.
func (p *Pool) RunTick(ctx context.Context, batchSize int) (Report, error) {
	now := p.clock.Now()
	due, err := p.queue.Repo().DueMessages(ctx, now, batchSize)
	if err != nil {
		return Report{}, fmt.Errorf("worker: load due: %w", err)
	}

	var (
		rep = Report{Due: len(due)}
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, p.cfg.PoolSize)
	)
	for _, m := range due {
		if err := p.queue.Claim(ctx, m.ID, now); err != nil {
			if errors.Is(err, queue.ErrClaimConflict) {
				rep.Skipped++
				continue
			}
			log.Error().Err(err).Str("queue_id", m.ID).Msg("claim failed")
			rep.Errors++
			continue
		}
		rep.Claimed++
		sem <- struct{}{}
		wg.Add(1)
		go func(m domain.OutboundAttempt) {
			defer func() { <-sem; wg.Done() }()
			out := p.process(ctx, m)
			mu.Lock()
			rep.add(out)
			mu.Unlock()
		}(m)
	}
	wg.Wait()
	return rep, nil
}

type outcome int

const (
	outcomeSent outcome = iota
	outcomeRetried
	outcomeDeferred
	outcomeFailed
	outcomeDead
	outcomeError
)

func (r *Report) add(o outcome) {
	switch o {
	case outcomeSent:
		r.Sent++
	case outcomeRetried:
		r.Retried++
	case outcomeDeferred:
		r.Deferred++
	case outcomeFailed:
		r.Failed++
	case outcomeDead:
		r.DeadLettered++
	default:
		r.Errors++
	}
}

func (p *Pool) process(ctx context.Context, m domain.OutboundAttempt) outcome {
	now := p.clock.Now()
	logger := log.With().Str("queue_id", m.ID).Str("account_id", m.AccountID).Str("lead_id", m.LeadID).Logger()
	repo := p.queue.Repo()

	policy, err := p.policies.GetPolicy(ctx, m.AccountID)
	if err != nil && !p.notFound(err) {
		logger.Error().Err(err).Msg("load policy")
		return p.deferTo(ctx, m, now.Add(lookupDelay), "policy lookup failed", now)
	}
	if err != nil || policy.KillSwitch || (m.Automated() && !policy.AutotexterEnabled) {
		logger.Info().Msg("sending disabled for account, deferring")
		return p.deferTo(ctx, m, now.Add(disabledDelay), "sending disabled", now)
	}

	lead, err := p.leads.GetLead(ctx, m.LeadID)
	if err != nil {
		if p.notFound(err) {
			return p.fail(ctx, m, domain.MessageDeadLetter, m.Attempt, "lead not found", "lead_not_found", now)
		}
		logger.Error().Err(err).Msg("load lead")
		return p.deferTo(ctx, m, now.Add(lookupDelay), "lead lookup failed", now)
	}
	phone := domain.NormalizePhone(lead.Phone)

	blocked := lead.ConsentState == domain.ConsentRevoked
	if !blocked && phone != "" {
		blocked, err = p.consent.IsBlocked(ctx, phone)
		if err != nil {
			logger.Error().Err(err).Msg("consent lookup")
			return p.deferTo(ctx, m, now.Add(lookupDelay), "consent lookup failed", now)
		}
	}
	if blocked {
		logger.Info().Str("reason", string(domain.ReasonOptedOut)).Msg("recipient opted out, dropping")
		p.stopCursor(ctx, lead.ID, now)
		return p.fail(ctx, m, domain.MessageFailed, m.Attempt, "recipient opted out", string(domain.ReasonOptedOut), now)
	}

	if !compliance.Allowed(now, policy) {
		next := compliance.NextAllowed(now, policy)
		logger.Debug().Str("reason", string(domain.ReasonQuietHours)).Time("run_after", next).Msg("quiet hours, deferring")
		return p.deferTo(ctx, m, next, string(domain.ReasonQuietHours), now)
	}

	if phone == "" {
		return p.fail(ctx, m, domain.MessageDeadLetter, m.Attempt, "lead has no phone", string(domain.ReasonNoRecipient), now)
	}

	sendCtx, cancel := context.WithTimeout(ctx, p.cfg.SendTimeout)
	res, sendErr := p.sender.Send(sendCtx, provider.Message{To: phone, Body: m.Body, IdempotencyKey: m.ID})
	cancel()
	now = p.clock.Now()

	if sendErr != nil {
		return p.handleSendError(ctx, m, lead, sendErr, now)
	}

	ok, err := repo.MarkSent(ctx, m.ID, res.ProviderRef, now)
	if err != nil {
		logger.Error().Err(err).Str("provider_ref", res.ProviderRef).Msg("record sent")
		return outcomeError
	}
	if !ok {
		logger.Warn().Str("provider_ref", res.ProviderRef).Msg("message left processing before it was recorded as sent")
		return outcomeError
	}
	if err := p.leads.TouchOutbound(ctx, lead.ID, now); err != nil {
		logger.Error().Err(err).Msg("touch lead outbound")
	}
	if m.CursorID != nil {
		c, advanced, err := p.cursors.Advance(ctx, *m.CursorID, m.CursorAttempt, policy, now)
		if err != nil {
			logger.Error().Err(err).Str("cursor_id", *m.CursorID).Msg("advance cursor")
		} else if advanced && c.Status == domain.CursorCompleted {
			p.publish(ctx, events.TypeFollowupFinished, c.ID, now, events.FollowupFinished{
				CursorID: c.ID, LeadID: c.LeadID, AccountID: c.AccountID, Status: string(c.Status), Attempt: c.Attempt,
			})
		}
	}
	logger.Info().Str("provider_ref", res.ProviderRef).Int("attempt", m.Attempt).Msg("message sent")
	p.publish(ctx, events.TypeMessageSent, m.ID, now, events.MessageSent{
		MessageID: m.ID, AccountID: m.AccountID, LeadID: m.LeadID, Category: m.Category,
		ProviderRef: res.ProviderRef, Attempt: m.Attempt,
	})
	if p.afterSent != nil && res.ProviderRef != "" {
		p.afterSent(ctx, res.ProviderRef)
	}
	return outcomeSent
}

func (p *Pool) handleSendError(ctx context.Context, m domain.OutboundAttempt, lead domain.Lead, sendErr error, now time.Time) outcome {
	code := provider.Code(sendErr)
	attempt := m.Attempt + 1

	if p.isOptOutCode(code) {
		_, err := p.consent.RecordEvent(ctx, domain.ConsentEvent{
			Phone: lead.Phone, Type: domain.ConsentEventRevoked, Source: "carrier", AccountID: m.AccountID, At: now,
		})
		if err != nil {
			log.Error().Err(err).Str("queue_id", m.ID).Msg("record carrier opt-out")
		} else {
			p.publish(ctx, events.TypeConsentChanged, m.ID, now, events.ConsentChanged{
				Phone: domain.NormalizePhone(lead.Phone), AccountID: m.AccountID, State: string(domain.ConsentRevoked), Source: "carrier",
			})
		}
		p.stopCursor(ctx, lead.ID, now)
		return p.fail(ctx, m, domain.MessageFailed, attempt, sendErr.Error(), code, now)
	}

	runAfter, dead := queue.NextStep(attempt, m.MaxAttempts, provider.IsPermanent(sendErr), now)
	if dead {
		return p.fail(ctx, m, domain.MessageDeadLetter, attempt, sendErr.Error(), code, now)
	}
	ok, err := p.queue.Repo().RetryMessage(ctx, m.ID, attempt, runAfter, sendErr.Error(), code, now)
	if err != nil || !ok {
		log.Error().Err(err).Str("queue_id", m.ID).Msg("schedule retry")
		return outcomeError
	}
	log.Warn().Err(sendErr).Str("queue_id", m.ID).Int("attempt", attempt).Time("run_after", runAfter).Msg("send failed, retrying")
	return outcomeRetried
}

func (p *Pool) deferTo(ctx context.Context, m domain.OutboundAttempt, runAfter time.Time, note string, now time.Time) outcome {
	ok, err := p.queue.Repo().DeferMessage(ctx, m.ID, runAfter, note, now)
	if err != nil || !ok {
		log.Error().Err(err).Str("queue_id", m.ID).Msg("defer message")
		return outcomeError
	}
	return outcomeDeferred
}

func (p *Pool) fail(ctx context.Context, m domain.OutboundAttempt, status domain.MessageStatus, attempt int, msg, code string, now time.Time) outcome {
	ok, err := p.queue.Repo().FailMessage(ctx, m.ID, status, attempt, msg, code, now)
	if err != nil || !ok {
		log.Error().Err(err).Str("queue_id", m.ID).Str("status", string(status)).Msg("finish message")
		return outcomeError
	}
	if status == domain.MessageDeadLetter {
		log.Error().Str("queue_id", m.ID).Int("attempt", attempt).Str("error", msg).Msg("message dead-lettered")
		p.publish(ctx, events.TypeMessageDeadLettered, m.ID, now, events.MessageDeadLettered{
			MessageID: m.ID, AccountID: m.AccountID, LeadID: m.LeadID, Attempt: attempt, Error: msg, ErrorCode: code,
		})
		return outcomeDead
	}
	return outcomeFailed
}

func (p *Pool) stopCursor(ctx context.Context, leadID string, now time.Time) {
	c, stopped, err := p.cursors.Stop(ctx, leadID, now)
	if err != nil {
		log.Error().Err(err).Str("lead_id", leadID).Msg("stop cursor")
		return
	}
	if stopped {
		p.publish(ctx, events.TypeFollowupFinished, c.ID, now, events.FollowupFinished{
			CursorID: c.ID, LeadID: c.LeadID, AccountID: c.AccountID, Status: string(c.Status), Attempt: c.Attempt,
		})
	}
}

func (p *Pool) isOptOutCode(code string) bool {
	if code == "" {
		return false
	}
	for _, c := range p.cfg.OptOutCodes {
		if c == code {
			return true
		}
	}
	return false
}

func (p *Pool) publish(ctx context.Context, eventType, correlationID string, at time.Time, data any) {
	if err := p.publisher.Publish(ctx, eventType, events.NewEnvelope(eventType, correlationID, at, data)); err != nil {
		log.Warn().Err(err).Str("event", eventType).Msg("publish event")
	}
}
