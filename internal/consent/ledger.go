// Package consent keeps the opt-out/opt-in log per phone number.
package consent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"outreach/internal/domain"
)

var ErrPhoneRequired = errors.New("consent: phone is required")

// Store persists the append-only consent log.
type Store interface {
	AppendConsentEvent(ctx context.Context, ev domain.ConsentEvent) error
	// LatestConsentEvent returns the newest granted or revoked event for phone.
	LatestConsentEvent(ctx context.Context, phone string) (domain.ConsentEvent, bool, error)
	// SetLeadConsent mirrors the effective state onto every lead with phone.
	SetLeadConsent(ctx context.Context, phone string, state domain.ConsentState, at time.Time) error
}

// Ledger answers consent questions straight from the store, so a revocation
// is visible to the very next evaluation.
type Ledger struct {
	store Store
	vocab Vocabulary
}

func NewLedger(store Store, vocab Vocabulary) *Ledger {
	return &Ledger{store: store, vocab: vocab}
}

// Vocabulary returns the alias sets this ledger parses with.
func (l *Ledger) Vocabulary() Vocabulary { return l.vocab }

// IsBlocked reports whether the most recent effective event revoked consent.
func (l *Ledger) IsBlocked(ctx context.Context, phone string) (bool, error) {
	phone = domain.NormalizePhone(phone)
	if phone == "" {
		return false, ErrPhoneRequired
	}
	ev, ok, err := l.store.LatestConsentEvent(ctx, phone)
	if err != nil {
		return false, fmt.Errorf("consent: latest event: %w", err)
	}
	return ok && ev.Type == domain.ConsentEventRevoked, nil
}

// State returns the effective consent state for phone.
func (l *Ledger) State(ctx context.Context, phone string) (domain.ConsentState, error) {
	ev, ok, err := l.store.LatestConsentEvent(ctx, domain.NormalizePhone(phone))
	if err != nil {
		return domain.ConsentUnknown, fmt.Errorf("consent: latest event: %w", err)
	}
	if !ok {
		return domain.ConsentUnknown, nil
	}
	if ev.Type == domain.ConsentEventRevoked {
		return domain.ConsentRevoked, nil
	}
	return domain.ConsentGranted, nil
}

// RecordEvent appends ev to the log and reports whether the effective state
// changed. The effective state is re-read after the append, so an event that
// arrives out of order never overrides a newer one. Re-recording the same
// revocation only adds a log entry.
func (l *Ledger) RecordEvent(ctx context.Context, ev domain.ConsentEvent) (bool, error) {
	ev.Phone = domain.NormalizePhone(ev.Phone)
	if ev.Phone == "" {
		return false, ErrPhoneRequired
	}
	ev.Source = strings.TrimSpace(ev.Source)
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	before, err := l.State(ctx, ev.Phone)
	if err != nil {
		return false, err
	}
	if err := l.store.AppendConsentEvent(ctx, ev); err != nil {
		return false, fmt.Errorf("consent: append event: %w", err)
	}
	if ev.Type != domain.ConsentEventRevoked && ev.Type != domain.ConsentEventGranted {
		return false, nil
	}

	after, err := l.State(ctx, ev.Phone)
	if err != nil {
		return false, err
	}
	// Leads are re-synced even when nothing changed, which repairs a mirror
	// written from an earlier out-of-order event.
	if err := l.store.SetLeadConsent(ctx, ev.Phone, after, ev.At); err != nil {
		return after != before, fmt.Errorf("consent: update leads: %w", err)
	}
	return after != before, nil
}

// Parse classifies an inbound body with the ledger vocabulary.
func (l *Ledger) Parse(body string) Keyword {
	return l.vocab.Parse(body)
}
