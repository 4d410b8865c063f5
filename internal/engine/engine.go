// Package engine is the single entry point of the outbound messaging core.
// It owns no state of its own: every call reads and conditionally writes the
// store, with time taken from the injected clock.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"outreach/internal/compliance"
	"outreach/internal/consent"
	"outreach/internal/domain"
	"outreach/internal/events"
	"outreach/internal/followup"
	"outreach/internal/provider"
	"outreach/internal/queue"
	"outreach/internal/scheduler"
	"outreach/internal/store"
	"outreach/internal/worker"
)

var (
	ErrInvalidStatus = errors.New("engine: unknown delivery status")
	ErrPhoneRequired = errors.New("engine: sender phone is required")
	// ErrStatusParked reports a delivery status kept until the worker records
	// the provider reference it names.
	ErrStatusParked = errors.New("engine: delivery status parked until the send is recorded")
)

const parkedTTL = 7 * 24 * time.Hour

const (
	DefaultHelpReply  = "Reply STOP to unsubscribe. Msg & data rates may apply."
	DefaultStopReply  = "You have been unsubscribed and will receive no further messages."
	DefaultStartReply = "You have been resubscribed. Reply STOP to opt out."
)

// Config holds the tunables the engine passes down to its parts.
type Config struct {
	MaxAttempts  int
	PoolSize     int
	SendTimeout  time.Duration
	StaleLease   time.Duration
	OptOutCodes  []string
	Vocabulary   consent.Vocabulary
	HelpReply    string
	StopReply    string
	StartReply   string
	FollowupPage int
}

func (c Config) withDefaults() Config {
	if c.StaleLease <= 0 {
		c.StaleLease = 5 * time.Minute
	}
	if len(c.OptOutCodes) == 0 {
		c.OptOutCodes = []string{"21610"}
	}
	if len(c.Vocabulary.Revoke) == 0 && len(c.Vocabulary.Help) == 0 && len(c.Vocabulary.Grant) == 0 {
		c.Vocabulary = consent.DefaultVocabulary()
	}
	if c.HelpReply == "" {
		c.HelpReply = DefaultHelpReply
	}
	if c.StopReply == "" {
		c.StopReply = DefaultStopReply
	}
	if c.StartReply == "" {
		c.StartReply = DefaultStartReply
	}
	if c.FollowupPage <= 0 {
		c.FollowupPage = 100
	}
	return c
}

type Engine struct {
	store     *store.Store
	ledger    *consent.Ledger
	gate      *compliance.Gate
	tracker   *followup.Tracker
	queue     *queue.Queue
	worker    *worker.Pool
	scheduler *scheduler.Scheduler
	publisher events.Publisher
	clock     domain.Clock
	tracer    trace.Tracer
	cfg       Config
}

type Option func(*Engine)

func WithClock(c domain.Clock) Option         { return func(e *Engine) { e.clock = c } }
func WithPublisher(p events.Publisher) Option { return func(e *Engine) { e.publisher = p } }

// New assembles the engine over st, delivering through sender.
func New(st *store.Store, sender provider.Sender, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		store:     st,
		publisher: events.Nop{},
		clock:     domain.SystemClock{},
		tracer:    otel.Tracer("outreach/engine"),
		cfg:       cfg.withDefaults(),
	}
	for _, opt := range opts {
		opt(e)
	}

	notFound := func(err error) bool { return errors.Is(err, store.ErrNotFound) }
	e.ledger = consent.NewLedger(st, e.cfg.Vocabulary)
	e.gate = compliance.NewGate(e.ledger, st)
	e.tracker = followup.NewTracker(st)
	e.queue = queue.New(st, e.cfg.MaxAttempts)
	e.worker = worker.NewPool(e.queue, st, st, e.ledger, e.tracker, sender,
		worker.Config{PoolSize: e.cfg.PoolSize, SendTimeout: e.cfg.SendTimeout, OptOutCodes: e.cfg.OptOutCodes},
		worker.WithClock(e.clock), worker.WithPublisher(e.publisher), worker.WithNotFound(notFound),
		worker.WithAfterSent(e.afterSent))
	e.scheduler = scheduler.New(st, e.gate, e.queue, e.tracker,
		scheduler.WithClock(e.clock), scheduler.WithPublisher(e.publisher), scheduler.WithNotFound(notFound))
	return e
}

func (e *Engine) Store() *store.Store { return e.store }

func (e *Engine) Now() time.Time { return e.clock.Now() }

func (e *Engine) span(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return e.tracer.Start(ctx, "engine."+name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Tick runs one autopilot pass for the account.
func (e *Engine) Tick(ctx context.Context, accountID string) (res scheduler.TickResult, err error) {
	ctx, span := e.span(ctx, "tick", attribute.String("account_id", accountID))
	defer func() { endSpan(span, err) }()
	return e.scheduler.Tick(ctx, accountID)
}

// TickAll runs the autopilot for every account.
func (e *Engine) TickAll(ctx context.Context) (res []scheduler.TickResult, err error) {
	ctx, span := e.span(ctx, "tick_all")
	defer func() { endSpan(span, err) }()
	return e.scheduler.TickAll(ctx)
}

// RunWorker drains up to batchSize due messages.
func (e *Engine) RunWorker(ctx context.Context, batchSize int) (rep worker.Report, err error) {
	ctx, span := e.span(ctx, "run_worker", attribute.Int("batch_size", batchSize))
	defer func() { endSpan(span, err) }()
	rep, err = e.worker.RunTick(ctx, batchSize)
	span.SetAttributes(attribute.Int("claimed", rep.Claimed), attribute.Int("sent", rep.Sent))
	return rep, err
}

// RunWorkerLoop polls the queue until ctx is done.
func (e *Engine) RunWorkerLoop(ctx context.Context, pollEvery time.Duration, batchSize int) {
	e.worker.Run(ctx, pollEvery, batchSize)
}

// RunFollowups enqueues messages for due follow-up cursors.
func (e *Engine) RunFollowups(ctx context.Context, limit int) (rep scheduler.FollowupReport, err error) {
	ctx, span := e.span(ctx, "run_followups")
	defer func() { endSpan(span, err) }()
	if limit <= 0 {
		limit = e.cfg.FollowupPage
	}
	return e.scheduler.RunFollowups(ctx, limit)
}

// EnrollStale enrolls silent leads of one account, or of every account when
// accountID is empty.
func (e *Engine) EnrollStale(ctx context.Context, accountID string) (n int, err error) {
	ctx, span := e.span(ctx, "enroll_stale", attribute.String("account_id", accountID))
	defer func() { endSpan(span, err) }()
	if accountID == "" {
		return e.scheduler.EnrollStaleAll(ctx)
	}
	return e.scheduler.EnrollStale(ctx, accountID)
}

// EnqueueRequest is a caller-originated message. Recipient and footer flag
// are derived from the lead and policy.
type EnqueueRequest struct {
	LeadID        string    `json:"lead_id"`
	Body          string    `json:"body"`
	Category      string    `json:"category"`
	DedupKey      string    `json:"dedup_key"`
	CursorID      string    `json:"cursor_id"`
	CursorAttempt int       `json:"cursor_attempt"`
	SentBy        string    `json:"sent_by"`
	OperatorID    string    `json:"operator_id"`
	RunAfter      time.Time `json:"run_after"`
}

// Enqueue places a message on the send queue. A repeated dedup key returns
// the existing message with created=false.
func (e *Engine) Enqueue(ctx context.Context, req EnqueueRequest) (m domain.OutboundAttempt, created bool, err error) {
	ctx, span := e.span(ctx, "enqueue", attribute.String("lead_id", req.LeadID))
	defer func() { endSpan(span, err) }()

	lead, err := e.store.GetLead(ctx, req.LeadID)
	if err != nil {
		return domain.OutboundAttempt{}, false, err
	}
	footer := ""
	if p, err := e.store.GetPolicy(ctx, lead.AccountID); err == nil {
		footer = p.FooterText
	} else if !errors.Is(err, store.ErrNotFound) {
		return domain.OutboundAttempt{}, false, err
	}
	return e.queue.Enqueue(ctx, queue.EnqueueRequest{
		AccountID:     lead.AccountID,
		LeadID:        lead.ID,
		Recipient:     lead.Phone,
		Body:          req.Body,
		Category:      req.Category,
		DedupKey:      req.DedupKey,
		CursorID:      req.CursorID,
		CursorAttempt: req.CursorAttempt,
		SentBy:        req.SentBy,
		OperatorID:    req.OperatorID,
		HasFooter:     compliance.HasFooter(req.Body, compliance.FooterText(footer)),
		RunAfter:      req.RunAfter,
	}, e.clock.Now())
}

// Evaluate gates the lead as of now and records the decision.
func (e *Engine) Evaluate(ctx context.Context, leadID string) (dec domain.Decision, err error) {
	ctx, span := e.span(ctx, "evaluate", attribute.String("lead_id", leadID))
	defer func() { endSpan(span, err) }()

	lead, err := e.store.GetLead(ctx, leadID)
	if err != nil {
		return domain.Decision{}, err
	}
	policy, err := e.store.GetPolicy(ctx, lead.AccountID)
	if err != nil {
		return domain.Decision{}, err
	}
	now := e.clock.Now()
	dec, err = e.gate.Evaluate(ctx, lead, policy, now)
	if err != nil {
		return domain.Decision{}, err
	}
	if _, err := e.store.RecordEvaluation(ctx, domain.GateEvaluation{
		LeadID: lead.ID, AccountID: lead.AccountID, Decision: dec, EvaluatedAt: now,
	}); err != nil {
		return dec, err
	}
	span.SetAttributes(attribute.Bool("allowed", dec.Allowed), attribute.String("reason", dec.ReasonString()))
	return dec, nil
}

// Why returns the latest recorded gate decision for the lead.
func (e *Engine) Why(ctx context.Context, leadID string) (domain.GateEvaluation, error) {
	return e.store.LatestEvaluation(ctx, leadID)
}

// Enroll starts a follow-up cadence for the lead. An already enrolled lead
// gets its existing cursor back with created=false.
func (e *Engine) Enroll(ctx context.Context, leadID string) (c domain.FollowupCursor, created bool, err error) {
	ctx, span := e.span(ctx, "enroll", attribute.String("lead_id", leadID))
	defer func() { endSpan(span, err) }()

	lead, err := e.store.GetLead(ctx, leadID)
	if err != nil {
		return domain.FollowupCursor{}, false, err
	}
	policy, err := e.store.GetPolicy(ctx, lead.AccountID)
	if err != nil {
		return domain.FollowupCursor{}, false, err
	}
	return e.tracker.Enroll(ctx, lead, policy, e.clock.Now())
}

// Stop ends the lead's active cadence. reason is only logged.
func (e *Engine) Stop(ctx context.Context, leadID, reason string) (bool, error) {
	c, stopped, err := e.tracker.Stop(ctx, leadID, e.clock.Now())
	if err != nil || !stopped {
		return false, err
	}
	log.Info().Str("lead_id", leadID).Str("cursor_id", c.ID).Str("reason", reason).Msg("follow-up stopped")
	e.publish(ctx, events.TypeFollowupFinished, c.ID, events.FollowupFinished{
		CursorID: c.ID, LeadID: c.LeadID, AccountID: c.AccountID, Status: string(c.Status), Attempt: c.Attempt,
	})
	return true, nil
}

// Cursor returns the lead's active cadence, if any.
func (e *Engine) Cursor(ctx context.Context, leadID string) (domain.FollowupCursor, bool, error) {
	return e.store.ActiveCursorForLead(ctx, leadID)
}

// InboundMessage is an SMS received from a lead.
type InboundMessage struct {
	From       string    `json:"from"`
	To         string    `json:"to"`
	Body       string    `json:"body"`
	ReceivedAt time.Time `json:"received_at"`
}

// InboundResult tells the caller what the message meant and, for keywords,
// what to answer.
type InboundResult struct {
	Keyword        string `json:"keyword"`
	Reply          string `json:"reply,omitempty"`
	ConsentChanged bool   `json:"consent_changed"`
	Leads          int    `json:"leads"`
	StoppedCursors int    `json:"stopped_cursors"`
}

// HandleInbound applies an inbound message before anything else sees it:
// revoke and grant keywords update the consent log, HELP only produces the
// reply text, and any other text counts as a reply that halts the cadence.
func (e *Engine) HandleInbound(ctx context.Context, in InboundMessage) (res InboundResult, err error) {
	ctx, span := e.span(ctx, "handle_inbound")
	defer func() { endSpan(span, err) }()

	phone := domain.NormalizePhone(in.From)
	if phone == "" {
		return InboundResult{}, ErrPhoneRequired
	}
	at := in.ReceivedAt
	if at.IsZero() {
		at = e.clock.Now()
	}
	leads, err := e.store.LeadsByPhone(ctx, phone)
	if err != nil {
		return InboundResult{}, err
	}
	accountID := ""
	if len(leads) > 0 {
		accountID = leads[0].AccountID
	}
	kw := e.ledger.Parse(in.Body)
	res = InboundResult{Keyword: kw.String(), Leads: len(leads)}
	span.SetAttributes(attribute.String("keyword", res.Keyword))

	switch kw {
	case consent.KeywordRevoke:
		res.ConsentChanged, err = e.recordConsent(ctx, phone, domain.ConsentEventRevoked, "inbound", accountID, at)
		if err != nil {
			return res, err
		}
		for _, l := range leads {
			if ok, err := e.Stop(ctx, l.ID, "opted_out"); err != nil {
				return res, err
			} else if ok {
				res.StoppedCursors++
			}
		}
		res.Reply = e.cfg.StopReply
	case consent.KeywordGrant:
		res.ConsentChanged, err = e.recordConsent(ctx, phone, domain.ConsentEventGranted, "inbound", accountID, at)
		if err != nil {
			return res, err
		}
		res.Reply = e.cfg.StartReply
	case consent.KeywordHelp:
		if _, err := e.ledger.RecordEvent(ctx, domain.ConsentEvent{
			Phone: phone, Type: domain.ConsentEventHelp, Source: "inbound", AccountID: accountID, At: at,
		}); err != nil {
			return res, err
		}
		res.Reply = e.cfg.HelpReply
	default:
		for _, l := range leads {
			if err := e.store.TouchInbound(ctx, l.ID, at); err != nil {
				return res, err
			}
			if ok, err := e.Stop(ctx, l.ID, "replied"); err != nil {
				return res, err
			} else if ok {
				res.StoppedCursors++
			}
		}
	}
	log.Info().Str("phone", phone).Str("keyword", res.Keyword).Int("leads", len(leads)).Msg("inbound handled")
	return res, nil
}

func (e *Engine) recordConsent(ctx context.Context, phone string, typ domain.ConsentEventType, source, accountID string, at time.Time) (bool, error) {
	changed, err := e.ledger.RecordEvent(ctx, domain.ConsentEvent{
		Phone: phone, Type: typ, Source: source, AccountID: accountID, At: at,
	})
	if err != nil {
		return false, err
	}
	if changed {
		state := domain.ConsentGranted
		if typ == domain.ConsentEventRevoked {
			state = domain.ConsentRevoked
		}
		e.publish(ctx, events.TypeConsentChanged, phone, events.ConsentChanged{
			Phone: phone, AccountID: accountID, State: string(state), Source: source,
		})
	}
	return changed, nil
}

// DeliveryStatus is a provider status callback.
type DeliveryStatus struct {
	ProviderRef string    `json:"provider_ref"`
	Status      string    `json:"status"`
	ErrorCode   string    `json:"error_code"`
	At          time.Time `json:"at"`
}

// ParseDeliveryStatus maps provider status vocabulary onto message statuses.
func ParseDeliveryStatus(s string) (domain.MessageStatus, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "accepted", "queued", "sending", "sent":
		return domain.MessageSent, nil
	case "delivered", "read":
		return domain.MessageDelivered, nil
	case "failed", "undelivered", "rejected":
		return domain.MessageFailed, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
	}
}

// HandleDeliveryStatus applies a delivery webhook. Updates only ever move a
// message forward. A carrier opt-out code also revokes consent. A status for
// a reference the worker has not recorded yet is parked and ErrStatusParked
// returned; it is applied as soon as the send is recorded.
func (e *Engine) HandleDeliveryStatus(ctx context.Context, ds DeliveryStatus) (m domain.OutboundAttempt, changed bool, err error) {
	ctx, span := e.span(ctx, "handle_delivery_status", attribute.String("provider_ref", ds.ProviderRef))
	defer func() { endSpan(span, err) }()

	status, err := ParseDeliveryStatus(ds.Status)
	if err != nil {
		return domain.OutboundAttempt{}, false, err
	}
	ref := strings.TrimSpace(ds.ProviderRef)
	if ref == "" {
		return domain.OutboundAttempt{}, false, fmt.Errorf("%w: provider_ref is required", ErrInvalidStatus)
	}
	at := ds.At
	if at.IsZero() {
		at = e.clock.Now()
	}
	m, changed, err = e.applyDeliveryStatus(ctx, ref, status, ds.ErrorCode, at)
	if !errors.Is(err, store.ErrNotFound) {
		return m, changed, err
	}

	err = e.store.ParkDeliveryStatus(ctx, domain.ParkedStatus{ProviderRef: ref, Status: status, ErrorCode: ds.ErrorCode, At: at})
	if err != nil {
		return domain.OutboundAttempt{}, false, err
	}
	// The worker may have recorded the send between the lookup and the park.
	applied, changed, err := e.applyParked(ctx, ref)
	if err != nil {
		return domain.OutboundAttempt{}, false, err
	}
	if applied == 0 {
		log.Info().Str("provider_ref", ref).Str("status", string(status)).Msg("delivery status parked")
		return domain.OutboundAttempt{}, false, ErrStatusParked
	}
	m, err = e.store.MessageByProviderRef(ctx, ref)
	return m, changed, err
}

func (e *Engine) applyDeliveryStatus(ctx context.Context, ref string, status domain.MessageStatus, code string, at time.Time) (domain.OutboundAttempt, bool, error) {
	m, changed, err := e.store.UpdateDeliveryStatus(ctx, ref, status, code, at)
	if err != nil {
		return domain.OutboundAttempt{}, false, err
	}
	if e.isOptOutCode(code) {
		phone := m.Recipient
		if phone == "" {
			if lead, err := e.store.GetLead(ctx, m.LeadID); err == nil {
				phone = lead.Phone
			}
		}
		if phone != "" {
			if _, err := e.recordConsent(ctx, phone, domain.ConsentEventRevoked, "carrier", m.AccountID, at); err != nil {
				return m, changed, err
			}
			if _, err := e.Stop(ctx, m.LeadID, "carrier_opt_out"); err != nil {
				return m, changed, err
			}
		}
	}
	return m, changed, nil
}

// applyParked replays the parked statuses for ref once a message carries it.
func (e *Engine) applyParked(ctx context.Context, ref string) (applied int, changed bool, err error) {
	parked, err := e.store.TakeParkedStatuses(ctx, ref)
	if err != nil {
		return 0, false, err
	}
	for _, ps := range parked {
		_, ok, err := e.applyDeliveryStatus(ctx, ps.ProviderRef, ps.Status, ps.ErrorCode, ps.At)
		if err != nil {
			return applied, changed, err
		}
		applied++
		changed = changed || ok
	}
	return applied, changed, nil
}

func (e *Engine) afterSent(ctx context.Context, ref string) {
	n, _, err := e.applyParked(ctx, ref)
	if err != nil {
		log.Error().Err(err).Str("provider_ref", ref).Msg("apply parked delivery statuses")
		return
	}
	if n > 0 {
		log.Info().Str("provider_ref", ref).Int("applied", n).Msg("parked delivery statuses applied")
	}
}

func (e *Engine) isOptOutCode(code string) bool {
	if code == "" {
		return false
	}
	for _, c := range e.cfg.OptOutCodes {
		if c == code {
			return true
		}
	}
	return false
}

// RecoverStale requeues messages stuck in processing longer than the lease.
func (e *Engine) RecoverStale(ctx context.Context) (int, error) {
	now := e.clock.Now()
	n, err := e.queue.Repo().RecoverStale(ctx, now.Add(-e.cfg.StaleLease), now)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.Warn().Int("recovered", n).Msg("requeued stale processing messages")
	}
	if pruned, err := e.store.PruneParkedStatuses(ctx, now.Add(-parkedTTL)); err != nil {
		log.Error().Err(err).Msg("prune parked delivery statuses")
	} else if pruned > 0 {
		log.Warn().Int("pruned", pruned).Msg("dropped unmatched delivery statuses")
	}
	return n, nil
}

// DeadLetterCount is the health signal operators alert on.
func (e *Engine) DeadLetterCount(ctx context.Context) (int, error) {
	return e.queue.Repo().CountMessages(ctx, domain.MessageDeadLetter)
}

func (e *Engine) DeadLetters(ctx context.Context, limit int) ([]domain.OutboundAttempt, error) {
	return e.queue.Repo().ListMessages(ctx, domain.MessageDeadLetter, "", limit)
}

// RequeueDeadLetter gives a dead-lettered message a fresh set of attempts.
func (e *Engine) RequeueDeadLetter(ctx context.Context, id string) (bool, error) {
	ok, err := e.queue.Repo().RequeueDeadLetter(ctx, id, e.clock.Now())
	if err != nil {
		return false, err
	}
	if ok {
		log.Info().Str("queue_id", id).Msg("dead letter requeued")
	}
	return ok, nil
}

// Stats counts messages per status.
func (e *Engine) Stats(ctx context.Context) (map[domain.MessageStatus]int, error) {
	out := map[domain.MessageStatus]int{}
	for _, s := range []domain.MessageStatus{
		domain.MessageQueued, domain.MessageProcessing, domain.MessageSent,
		domain.MessageDelivered, domain.MessageFailed, domain.MessageDeadLetter,
	} {
		n, err := e.queue.Repo().CountMessages(ctx, s)
		if err != nil {
			return nil, err
		}
		out[s] = n
	}
	return out, nil
}

func (e *Engine) publish(ctx context.Context, eventType, correlationID string, data any) {
	env := events.NewEnvelope(eventType, correlationID, e.clock.Now(), data)
	if err := e.publisher.Publish(ctx, eventType, env); err != nil {
		log.Warn().Err(err).Str("event", eventType).Msg("publish event")
	}
}
