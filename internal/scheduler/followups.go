package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"outreach/internal/domain"
	"outreach/internal/events"
	"outreach/internal/queue"
)

// inFlightDelay pushes a cursor whose message is queued out of the due set
// until the send settles and advances it.
const inFlightDelay = time.Hour

// FollowupReport summarises one follow-up pass.
type FollowupReport struct {
	Due      int            `json:"due"`
	Enqueued int            `json:"enqueued"`
	Repaired int            `json:"repaired"`
	Deferred int            `json:"deferred"`
	Stopped  int            `json:"stopped"`
	Skipped  int            `json:"skipped"`
	Blocked  map[string]int `json:"blocked,omitempty"`
	Errors   int            `json:"errors"`
}

func (r *FollowupReport) block(kind domain.ReasonKind) {
	if r.Blocked == nil {
		r.Blocked = map[string]int{}
	}
	r.Blocked[string(kind)]++
}

// RunFollowups enqueues the next message for up to limit due cursors.
func (s *Scheduler) RunFollowups(ctx context.Context, limit int) (FollowupReport, error) {
	if limit <= 0 {
		limit = defaultBatch
	}
	now := s.clock.Now()
	due, err := s.tracker.Due(ctx, now, limit)
	if err != nil {
		return FollowupReport{}, fmt.Errorf("scheduler: due cursors: %w", err)
	}
	rep := FollowupReport{Due: len(due)}
	policies := map[string]domain.AccountPolicy{}

	for _, c := range due {
		policy, ok := policies[c.AccountID]
		if !ok {
			policy, err = s.store.GetPolicy(ctx, c.AccountID)
			if err != nil {
				rep.Errors++
				log.Error().Err(err).Str("account_id", c.AccountID).Msg("load policy")
				continue
			}
			policies[c.AccountID] = policy
		}
		if err := s.followup(ctx, c, policy, now, &rep); err != nil {
			rep.Errors++
			log.Error().Err(err).Str("cursor_id", c.ID).Str("lead_id", c.LeadID).Msg("follow-up")
		}
	}
	log.Info().
		Int("due", rep.Due).
		Int("enqueued", rep.Enqueued).
		Int("repaired", rep.Repaired).
		Int("stopped", rep.Stopped).
		Int("errors", rep.Errors).
		Msg("follow-up run")
	return rep, nil
}

func (s *Scheduler) followup(ctx context.Context, c domain.FollowupCursor, policy domain.AccountPolicy, now time.Time, rep *FollowupReport) error {
	if Blocked(policy) != "" {
		rep.Skipped++
		return nil
	}
	lead, err := s.store.GetLead(ctx, c.LeadID)
	if err != nil {
		if s.notFound(err) {
			rep.Stopped++
			_, err = s.finish(ctx, c, now)
		}
		return err
	}

	dec, err := s.evaluate(ctx, lead, policy, now)
	if err != nil {
		return err
	}
	if !dec.Allowed {
		rep.block(dec.Reason.Kind())
		switch r := dec.Reason.(type) {
		case domain.OptedOut:
			rep.Stopped++
			_, err = s.finish(ctx, c, now)
			return err
		case domain.QuietHours:
			rep.Deferred++
			_, err = s.tracker.Defer(ctx, c, r.NextAllowed, now)
			return err
		case domain.MinGap:
			rep.Deferred++
			_, err = s.tracker.Defer(ctx, c, r.LastOutboundAt.Add(time.Duration(r.GapMinutes)*time.Minute), now)
			return err
		default:
			// Caps age out of the trailing window and a missing phone may be
			// filled in; look again in an hour.
			rep.Deferred++
			_, err = s.tracker.Defer(ctx, c, now.Add(time.Hour), now)
			return err
		}
	}

	data := leadData(lead)
	data.Attempt = c.Attempt
	body, err := Render(policy, FollowupSlot, data)
	if err != nil {
		return err
	}
	body, hasFooter := withFooter(body, policy, dec.NeedsFooter)

	msg, created, err := s.queue.Enqueue(ctx, queue.EnqueueRequest{
		AccountID:     c.AccountID,
		LeadID:        c.LeadID,
		Recipient:     lead.Phone,
		Body:          body,
		Category:      domain.CategoryFollow,
		DedupKey:      fmt.Sprintf("followup:%s:%d", c.ID, c.Attempt),
		CursorID:      c.ID,
		CursorAttempt: c.Attempt,
		SentBy:        domain.SentByAI,
		OperatorID:    domain.OperatorAuto,
		HasFooter:     hasFooter,
	}, now)
	if err != nil {
		return err
	}
	if created {
		rep.Enqueued++
		_, err = s.tracker.Defer(ctx, c, now.Add(inFlightDelay), now)
		return err
	}

	switch msg.Status {
	case domain.MessageSent, domain.MessageDelivered:
		// The send landed but the advance did not.
		rep.Repaired++
		_, _, err = s.tracker.Advance(ctx, c.ID, c.Attempt, policy, now)
		return err
	case domain.MessageFailed, domain.MessageDeadLetter:
		rep.Stopped++
		_, err = s.finish(ctx, c, now)
		return err
	default:
		rep.Deferred++
		_, err = s.tracker.Defer(ctx, c, now.Add(inFlightDelay), now)
		return err
	}
}

func (s *Scheduler) finish(ctx context.Context, c domain.FollowupCursor, now time.Time) (bool, error) {
	stopped, ok, err := s.tracker.StopCursor(ctx, c, now)
	if err != nil || !ok {
		return false, err
	}
	env := events.NewEnvelope(events.TypeFollowupFinished, c.ID, now, events.FollowupFinished{
		CursorID: c.ID, LeadID: c.LeadID, AccountID: c.AccountID, Status: string(stopped.Status), Attempt: stopped.Attempt,
	})
	if err := s.publisher.Publish(ctx, events.TypeFollowupFinished, env); err != nil {
		log.Warn().Err(err).Str("cursor_id", c.ID).Msg("publish event")
	}
	return true, nil
}

// EnrollStale starts a follow-up cadence for every lead of the account that
// has been silent for the policy's conversationDiedHours. It returns the
// number of cursors created.
func (s *Scheduler) EnrollStale(ctx context.Context, accountID string) (int, error) {
	policy, err := s.store.GetPolicy(ctx, accountID)
	if err != nil {
		return 0, fmt.Errorf("scheduler: load policy %s: %w", accountID, err)
	}
	if policy.ConversationDiedHours <= 0 || Blocked(policy) != "" {
		return 0, nil
	}
	now := s.clock.Now()
	leads, err := s.store.StaleLeads(ctx, accountID, now.Add(-time.Duration(policy.ConversationDiedHours)*time.Hour), defaultBatch)
	if err != nil {
		return 0, fmt.Errorf("scheduler: stale leads: %w", err)
	}
	n := 0
	for _, lead := range leads {
		_, created, err := s.tracker.Enroll(ctx, lead, policy, now)
		if err != nil {
			log.Error().Err(err).Str("lead_id", lead.ID).Msg("enroll stale lead")
			continue
		}
		if created {
			n++
		}
	}
	if n > 0 {
		log.Info().Str("account_id", accountID).Int("enrolled", n).Msg("stale leads enrolled")
	}
	return n, nil
}

// EnrollStaleAll runs EnrollStale for every account.
func (s *Scheduler) EnrollStaleAll(ctx context.Context) (int, error) {
	ids, err := s.store.ListAccountIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("scheduler: list accounts: %w", err)
	}
	total := 0
	for _, id := range ids {
		n, err := s.EnrollStale(ctx, id)
		if err != nil {
			log.Error().Err(err).Str("account_id", id).Msg("enroll stale")
			continue
		}
		total += n
	}
	return total, nil
}
