// Package followup runs the per-lead re-engagement cadence.
package followup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"outreach/internal/compliance"
	"outreach/internal/domain"
)

var ErrOptedOut = errors.New("followup: lead opted out")

var (
	DefaultCadenceHours = []int{24, 72, 168}
	DefaultMaxAttempts  = 3
)

// Store persists cursors. Every write is conditional on the current status
// (and attempt for advances), returning false when the row moved on.
type Store interface {
	// EnrollCursor inserts c and attaches it to the lead unless the lead already
	// references an active cursor, in which case that cursor is returned with
	// created=false. Finishing a cursor detaches it from the lead.
	EnrollCursor(ctx context.Context, c domain.FollowupCursor) (domain.FollowupCursor, bool, error)
	GetCursor(ctx context.Context, id string) (domain.FollowupCursor, error)
	ActiveCursorForLead(ctx context.Context, leadID string) (domain.FollowupCursor, bool, error)
	AdvanceCursor(ctx context.Context, id string, fromAttempt int, next domain.FollowupCursor) (bool, error)
	RescheduleCursor(ctx context.Context, id string, attempt int, nextAt, now time.Time) (bool, error)
	FinishCursor(ctx context.Context, id string, status domain.CursorStatus, now time.Time) (bool, error)
	DueCursors(ctx context.Context, now time.Time, limit int) ([]domain.FollowupCursor, error)
}

// ComputeNextSendTime adds offsetHours to now and moves the result forward to
// the next instant inside the account send window. It never moves backward.
func ComputeNextSendTime(now time.Time, offsetHours int, policy domain.AccountPolicy) time.Time {
	if offsetHours < 0 {
		offsetHours = 0
	}
	return compliance.NextAllowed(now.Add(time.Duration(offsetHours)*time.Hour), policy)
}

// OffsetFor returns the cadence offset for the given attempt index. Indexes
// past the end reuse the last entry.
func OffsetFor(cadence []int, attempt int) int {
	if len(cadence) == 0 {
		cadence = DefaultCadenceHours
	}
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= len(cadence) {
		return cadence[len(cadence)-1]
	}
	return cadence[attempt]
}

// New builds a fresh active cursor for lead from the account policy.
func New(lead domain.Lead, policy domain.AccountPolicy, now time.Time) domain.FollowupCursor {
	cadence := policy.FollowupCadenceHours
	if len(cadence) == 0 {
		cadence = DefaultCadenceHours
	}
	maxAttempts := policy.FollowupMaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return domain.FollowupCursor{
		ID:           "cur_" + uuid.NewString(),
		LeadID:       lead.ID,
		AccountID:    lead.AccountID,
		Status:       domain.CursorActive,
		Attempt:      0,
		MaxAttempts:  maxAttempts,
		CadenceHours: append([]int(nil), cadence...),
		NextAt:       ComputeNextSendTime(now, OffsetFor(cadence, 0), policy),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Advance applies one successful send. The attempt counter never exceeds
// MaxAttempts; reaching it completes the cursor.
func Advance(c domain.FollowupCursor, policy domain.AccountPolicy, now time.Time) domain.FollowupCursor {
	if c.Status != domain.CursorActive {
		return c
	}
	if c.Attempt < c.MaxAttempts {
		c.Attempt++
	}
	c.UpdatedAt = now
	if c.Attempt >= c.MaxAttempts {
		c.Status = domain.CursorCompleted
		return c
	}
	c.NextAt = ComputeNextSendTime(now, OffsetFor(c.CadenceHours, c.Attempt), policy)
	return c
}

// Tracker persists cursor transitions.
type Tracker struct {
	store Store
}

func NewTracker(store Store) *Tracker {
	return &Tracker{store: store}
}

// Enroll starts a cadence for lead. A second enrollment returns the existing
// cursor with created=false.
func (t *Tracker) Enroll(ctx context.Context, lead domain.Lead, policy domain.AccountPolicy, now time.Time) (domain.FollowupCursor, bool, error) {
	if lead.ConsentState == domain.ConsentRevoked {
		return domain.FollowupCursor{}, false, fmt.Errorf("%w: %s", ErrOptedOut, lead.ID)
	}
	c, created, err := t.store.EnrollCursor(ctx, New(lead, policy, now))
	if err != nil {
		return domain.FollowupCursor{}, false, fmt.Errorf("followup: enroll: %w", err)
	}
	return c, created, nil
}

// Advance records a successful send for the cursor at attempt sentAttempt. A
// replay of an already-counted send returns the current cursor unchanged.
func (t *Tracker) Advance(ctx context.Context, cursorID string, sentAttempt int, policy domain.AccountPolicy, now time.Time) (domain.FollowupCursor, bool, error) {
	c, err := t.store.GetCursor(ctx, cursorID)
	if err != nil {
		return domain.FollowupCursor{}, false, fmt.Errorf("followup: load cursor: %w", err)
	}
	if c.Status != domain.CursorActive || c.Attempt != sentAttempt {
		return c, false, nil
	}
	next := Advance(c, policy, now)
	ok, err := t.store.AdvanceCursor(ctx, c.ID, c.Attempt, next)
	if err != nil {
		return domain.FollowupCursor{}, false, fmt.Errorf("followup: advance cursor: %w", err)
	}
	if !ok {
		current, err := t.store.GetCursor(ctx, cursorID)
		return current, false, err
	}
	return next, true, nil
}

// Defer pushes an active cursor's next attempt to at, never earlier than the
// current schedule.
func (t *Tracker) Defer(ctx context.Context, c domain.FollowupCursor, at, now time.Time) (bool, error) {
	if !at.After(c.NextAt) {
		return false, nil
	}
	return t.store.RescheduleCursor(ctx, c.ID, c.Attempt, at, now)
}

// Stop ends the lead's active cadence and returns the stopped cursor. It is a
// no-op without one.
func (t *Tracker) Stop(ctx context.Context, leadID string, now time.Time) (domain.FollowupCursor, bool, error) {
	c, ok, err := t.store.ActiveCursorForLead(ctx, leadID)
	if err != nil || !ok {
		return domain.FollowupCursor{}, false, err
	}
	stopped, err := t.store.FinishCursor(ctx, c.ID, domain.CursorStopped, now)
	if err != nil || !stopped {
		return domain.FollowupCursor{}, false, err
	}
	c.Status = domain.CursorStopped
	c.UpdatedAt = now
	return c, true, nil
}

// StopCursor stops the cursor by id, whether or not its lead still exists.
func (t *Tracker) StopCursor(ctx context.Context, c domain.FollowupCursor, now time.Time) (domain.FollowupCursor, bool, error) {
	stopped, err := t.store.FinishCursor(ctx, c.ID, domain.CursorStopped, now)
	if err != nil || !stopped {
		return c, false, err
	}
	c.Status = domain.CursorStopped
	c.UpdatedAt = now
	return c, true, nil
}

// Get loads a cursor by id.
func (t *Tracker) Get(ctx context.Context, id string) (domain.FollowupCursor, error) {
	return t.store.GetCursor(ctx, id)
}

// Due lists active cursors whose next attempt is at or before now.
func (t *Tracker) Due(ctx context.Context, now time.Time, limit int) ([]domain.FollowupCursor, error) {
	return t.store.DueCursors(ctx, now, limit)
}
