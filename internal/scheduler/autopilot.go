// Package scheduler drives automated outreach: the autopilot steps, the
// follow-up cadence and enrollment of leads whose conversation went quiet.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"outreach/internal/compliance"
	"outreach/internal/domain"
	"outreach/internal/events"
	"outreach/internal/followup"
	"outreach/internal/queue"
)

// Reasons a tick did nothing for an account.
const (
	ReasonKillSwitch         = "kill_switch"
	ReasonAttestationMissing = "consent_attestation_missing"
	ReasonAutotexterDisabled = "autotexter_disabled"
)

const defaultBatch = 100

// Store is the persistence the scheduler reads and conditionally writes.
type Store interface {
	GetPolicy(ctx context.Context, accountID string) (domain.AccountPolicy, error)
	ListAccountIDs(ctx context.Context) ([]string, error)
	GetLead(ctx context.Context, id string) (domain.Lead, error)
	AutopilotCandidates(ctx context.Context, accountID string, introSince time.Time, limit int) ([]domain.Lead, error)
	StaleLeads(ctx context.Context, accountID string, silentSince time.Time, limit int) ([]domain.Lead, error)
	AdvanceLeadStep(ctx context.Context, leadID string, fromStep int, now time.Time) (bool, error)
	RecordEvaluation(ctx context.Context, ev domain.GateEvaluation) (int64, error)
}

// Evaluator is the compliance gate.
type Evaluator interface {
	Evaluate(ctx context.Context, lead domain.Lead, policy domain.AccountPolicy, now time.Time) (domain.Decision, error)
}

// TickResult reports one autopilot pass over an account. Reason is set when
// the account was skipped entirely.
type TickResult struct {
	AccountID  string         `json:"account_id"`
	Reason     string         `json:"reason,omitempty"`
	Candidates int            `json:"candidates"`
	Enqueued   int            `json:"enqueued"`
	Duplicates int            `json:"duplicates"`
	Blocked    map[string]int `json:"blocked,omitempty"`
	Errors     int            `json:"errors"`
}

func (r *TickResult) block(kind domain.ReasonKind) {
	if r.Blocked == nil {
		r.Blocked = map[string]int{}
	}
	r.Blocked[string(kind)]++
}

type Scheduler struct {
	store     Store
	gate      Evaluator
	queue     *queue.Queue
	tracker   *followup.Tracker
	clock     domain.Clock
	publisher events.Publisher
	notFound  func(error) bool
}

type Option func(*Scheduler)

func WithClock(c domain.Clock) Option         { return func(s *Scheduler) { s.clock = c } }
func WithPublisher(p events.Publisher) Option { return func(s *Scheduler) { s.publisher = p } }

// WithNotFound tells the scheduler how to recognise a missing lead.
func WithNotFound(fn func(error) bool) Option { return func(s *Scheduler) { s.notFound = fn } }

func New(store Store, gate Evaluator, q *queue.Queue, tracker *followup.Tracker, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:     store,
		gate:      gate,
		queue:     q,
		tracker:   tracker,
		clock:     domain.SystemClock{},
		publisher: events.Nop{},
		notFound:  func(error) bool { return false },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Blocked returns the machine-readable reason automated sends are off for
// the account, or "" when they are on.
func Blocked(p domain.AccountPolicy) string {
	switch {
	case p.KillSwitch:
		return ReasonKillSwitch
	case !p.ConsentAttested:
		return ReasonAttestationMissing
	case !p.AutotexterEnabled:
		return ReasonAutotexterDisabled
	default:
		return ""
	}
}

// Tick runs one autopilot pass for accountID: select candidates, gate each,
// render the step template, enqueue, and advance the lead step. The step
// advance is the commit point; a crash before it is repaired by the dedup key
// on the next tick.
func (s *Scheduler) Tick(ctx context.Context, accountID string) (TickResult, error) {
	res := TickResult{AccountID: accountID}
	policy, err := s.store.GetPolicy(ctx, accountID)
	if err != nil {
		return res, fmt.Errorf("scheduler: load policy %s: %w", accountID, err)
	}
	if reason := Blocked(policy); reason != "" {
		res.Reason = reason
		log.Info().Str("account_id", accountID).Str("reason", reason).Msg("autopilot skipped")
		return res, nil
	}

	now := s.clock.Now()
	introSince := time.Unix(0, 0).UTC()
	if policy.IntroWindowDays > 0 {
		introSince = now.Add(-time.Duration(policy.IntroWindowDays) * 24 * time.Hour)
	}
	limit := policy.DailyCap
	if limit <= 0 {
		limit = defaultBatch
	}
	leads, err := s.store.AutopilotCandidates(ctx, accountID, introSince, limit)
	if err != nil {
		return res, fmt.Errorf("scheduler: candidates: %w", err)
	}
	res.Candidates = len(leads)

	for _, lead := range leads {
		if err := s.step(ctx, lead, policy, now, &res); err != nil {
			res.Errors++
			log.Error().Err(err).Str("account_id", accountID).Str("lead_id", lead.ID).Msg("autopilot step")
		}
	}
	log.Info().
		Str("account_id", accountID).
		Int("candidates", res.Candidates).
		Int("enqueued", res.Enqueued).
		Int("duplicates", res.Duplicates).
		Int("errors", res.Errors).
		Msg("autopilot tick")
	return res, nil
}

func (s *Scheduler) step(ctx context.Context, lead domain.Lead, policy domain.AccountPolicy, now time.Time, res *TickResult) error {
	if lead.Step >= AutopilotMax {
		return nil
	}
	dec, err := s.evaluate(ctx, lead, policy, now)
	if err != nil {
		return err
	}
	if !dec.Allowed {
		res.block(dec.Reason.Kind())
		return nil
	}

	body, err := Render(policy, lead.Step, leadData(lead))
	if err != nil {
		return err
	}
	body, hasFooter := withFooter(body, policy, dec.NeedsFooter)

	_, created, err := s.queue.Enqueue(ctx, queue.EnqueueRequest{
		AccountID:  lead.AccountID,
		LeadID:     lead.ID,
		Recipient:  lead.Phone,
		Body:       body,
		Category:   stepCategory(lead.Step),
		DedupKey:   fmt.Sprintf("autopilot:%s:step:%d", lead.ID, lead.Step),
		SentBy:     domain.SentByAI,
		OperatorID: domain.OperatorAuto,
		HasFooter:  hasFooter,
	}, now)
	if err != nil {
		return err
	}
	if created {
		res.Enqueued++
	} else {
		res.Duplicates++
	}
	if _, err := s.store.AdvanceLeadStep(ctx, lead.ID, lead.Step, now); err != nil {
		return err
	}
	return nil
}

// TickAll runs Tick for every account with a policy. One account failing
// does not stop the others.
func (s *Scheduler) TickAll(ctx context.Context) ([]TickResult, error) {
	ids, err := s.store.ListAccountIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("scheduler: list accounts: %w", err)
	}
	out := make([]TickResult, 0, len(ids))
	var errs []error
	for _, id := range ids {
		res, err := s.Tick(ctx, id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, res)
	}
	return out, errors.Join(errs...)
}

// evaluate runs the gate and appends the decision to the operator trail.
func (s *Scheduler) evaluate(ctx context.Context, lead domain.Lead, policy domain.AccountPolicy, now time.Time) (domain.Decision, error) {
	dec, err := s.gate.Evaluate(ctx, lead, policy, now)
	if err != nil {
		return domain.Decision{}, err
	}
	if _, err := s.store.RecordEvaluation(ctx, domain.GateEvaluation{
		LeadID: lead.ID, AccountID: lead.AccountID, Decision: dec, EvaluatedAt: now,
	}); err != nil {
		log.Warn().Err(err).Str("lead_id", lead.ID).Msg("record evaluation")
	}
	return dec, nil
}

func withFooter(body string, policy domain.AccountPolicy, needed bool) (string, bool) {
	if needed {
		body = compliance.EnsureFooter(body, policy.FooterText)
	}
	return body, compliance.HasFooter(body, compliance.FooterText(policy.FooterText))
}
