// Package compliance decides whether an automated send to a lead is
// permitted at a given instant.
package compliance

import (
	"context"
	"fmt"
	"time"

	"outreach/internal/domain"
)

const (
	dayWindow  = 24 * time.Hour
	weekWindow = 7 * 24 * time.Hour
)

// ConsentChecker answers whether a phone number has opted out.
type ConsentChecker interface {
	IsBlocked(ctx context.Context, phone string) (bool, error)
}

// History exposes the outbound message history the gate evaluates.
type History interface {
	// LastOutboundAt returns the latest send to the lead, if any.
	LastOutboundAt(ctx context.Context, leadID string) (time.Time, bool, error)
	// CountAutomatedSince counts automated sends to the lead after since.
	CountAutomatedSince(ctx context.Context, leadID string, since time.Time) (int, error)
	// LastFooterAt returns the latest send carrying the footer to recipient.
	LastFooterAt(ctx context.Context, accountID, recipient string) (time.Time, bool, error)
}

// Gate evaluates consent, quiet hours, minimum gap and frequency caps.
// It never writes.
type Gate struct {
	consent ConsentChecker
	history History
}

func NewGate(consent ConsentChecker, history History) *Gate {
	return &Gate{consent: consent, history: history}
}

// Evaluate runs the checks in order and stops at the first block. A block is
// a normal outcome reported through the Decision; err is only set when the
// history could not be read.
func (g *Gate) Evaluate(ctx context.Context, lead domain.Lead, policy domain.AccountPolicy, now time.Time) (domain.Decision, error) {
	// Blocked recipients never get a footer decision; nothing will be sent.
	phone := domain.NormalizePhone(lead.Phone)
	if phone == "" {
		return domain.Decision{Reason: domain.NoRecipient{}}, nil
	}
	if lead.ConsentState == domain.ConsentRevoked {
		return domain.Decision{Reason: domain.OptedOut{Phone: phone}}, nil
	}
	blocked, err := g.consent.IsBlocked(ctx, phone)
	if err != nil {
		return domain.Decision{}, fmt.Errorf("compliance: consent lookup: %w", err)
	}
	if blocked {
		return domain.Decision{Reason: domain.OptedOut{Phone: phone}}, nil
	}

	needsFooter, err := g.needsFooter(ctx, lead, policy, now)
	if err != nil {
		return domain.Decision{}, err
	}
	block := func(r domain.BlockReason) (domain.Decision, error) {
		return domain.Decision{Allowed: false, Reason: r, NeedsFooter: needsFooter}, nil
	}

	if !Allowed(now, policy) {
		return block(domain.QuietHours{
			LocalMinute: MinuteOfDay(now, policy.Location()),
			Start:       policy.QuietStart,
			End:         policy.QuietEnd,
			NextAllowed: NextAllowed(now, policy),
		})
	}

	if policy.MinGapMinutes > 0 {
		last, ok, err := g.history.LastOutboundAt(ctx, lead.ID)
		if err != nil {
			return domain.Decision{}, fmt.Errorf("compliance: last outbound: %w", err)
		}
		gap := time.Duration(policy.MinGapMinutes) * time.Minute
		if ok && now.Sub(last) < gap {
			return block(domain.MinGap{LastOutboundAt: last, GapMinutes: policy.MinGapMinutes})
		}
	}

	if policy.DailyCap > 0 {
		n, err := g.history.CountAutomatedSince(ctx, lead.ID, now.Add(-dayWindow))
		if err != nil {
			return domain.Decision{}, fmt.Errorf("compliance: daily count: %w", err)
		}
		if n >= policy.DailyCap {
			return block(domain.CapExceeded{Window: domain.CapDay, Count: n, Cap: policy.DailyCap})
		}
	}
	if policy.WeeklyCap > 0 {
		n, err := g.history.CountAutomatedSince(ctx, lead.ID, now.Add(-weekWindow))
		if err != nil {
			return domain.Decision{}, fmt.Errorf("compliance: weekly count: %w", err)
		}
		if n >= policy.WeeklyCap {
			return block(domain.CapExceeded{Window: domain.CapWeek, Count: n, Cap: policy.WeeklyCap})
		}
	}

	return domain.Decision{Allowed: true, NeedsFooter: needsFooter}, nil
}

func (g *Gate) needsFooter(ctx context.Context, lead domain.Lead, policy domain.AccountPolicy, now time.Time) (bool, error) {
	if policy.FooterRefreshDays <= 0 {
		return true, nil
	}
	last, ok, err := g.history.LastFooterAt(ctx, lead.AccountID, domain.NormalizePhone(lead.Phone))
	if err != nil {
		return false, fmt.Errorf("compliance: footer lookup: %w", err)
	}
	if !ok {
		return true, nil
	}
	refresh := time.Duration(policy.FooterRefreshDays) * dayWindow
	return now.Sub(last) >= refresh, nil
}
