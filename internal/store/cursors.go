package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"outreach/internal/domain"
)

const (
	cursorColumns       = `id,lead_id,account_id,status,attempt,max_attempts,cadence_hours,next_at,created_at,updated_at`
	joinedCursorColumns = `c.id,c.lead_id,c.account_id,c.status,c.attempt,c.max_attempts,c.cadence_hours,c.next_at,c.created_at,c.updated_at`
)

func scanCursor(row rowScanner) (domain.FollowupCursor, error) {
	var (
		c                        domain.FollowupCursor
		status, cadence          string
		nextAt, created, updated int64
	)
	if err := row.Scan(&c.ID, &c.LeadID, &c.AccountID, &status, &c.Attempt, &c.MaxAttempts, &cadence, &nextAt, &created, &updated); err != nil {
		return domain.FollowupCursor{}, err
	}
	if err := json.Unmarshal([]byte(cadence), &c.CadenceHours); err != nil {
		return domain.FollowupCursor{}, fmt.Errorf("decode cadence: %w", err)
	}
	c.Status = domain.CursorStatus(status)
	c.NextAt = fromMillis(nextAt)
	c.CreatedAt = fromMillis(created)
	c.UpdatedAt = fromMillis(updated)
	return c, nil
}

// EnrollCursor attaches c to its lead. The lead reference is claimed with a
// conditional update, so concurrent enrollments leave exactly one cursor.
func (s *Store) EnrollCursor(ctx context.Context, c domain.FollowupCursor) (domain.FollowupCursor, bool, error) {
	cadence, err := json.Marshal(c.CadenceHours)
	if err != nil {
		return domain.FollowupCursor{}, false, fmt.Errorf("store: encode cadence: %w", err)
	}
	var created bool
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		ok, err := execAffected(ctx, tx, `
UPDATE leads SET followup_cursor_id=?, updated_at=?
WHERE id=? AND followup_cursor_id IS NULL AND consent_state <> 'revoked'`, c.ID, millis(c.CreatedAt), c.LeadID)
		if err != nil || !ok {
			return err
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO followup_cursors (`+cursorColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
			c.ID, c.LeadID, c.AccountID, string(c.Status), c.Attempt, c.MaxAttempts, string(cadence),
			millis(c.NextAt), millis(c.CreatedAt), millis(c.UpdatedAt))
		created = err == nil
		return err
	})
	if err != nil {
		return domain.FollowupCursor{}, false, fmt.Errorf("store: enroll cursor: %w", err)
	}
	if created {
		stored, err := s.GetCursor(ctx, c.ID)
		return stored, true, err
	}

	existing, ok, err := s.ActiveCursorForLead(ctx, c.LeadID)
	if err != nil {
		return domain.FollowupCursor{}, false, err
	}
	if !ok {
		if _, err := s.GetLead(ctx, c.LeadID); err != nil {
			return domain.FollowupCursor{}, false, err
		}
		return domain.FollowupCursor{}, false, fmt.Errorf("%w: lead %s is not enrollable", ErrConflict, c.LeadID)
	}
	return existing, false, nil
}

func (s *Store) GetCursor(ctx context.Context, id string) (domain.FollowupCursor, error) {
	c, err := scanCursor(s.db.QueryRowContext(ctx, `SELECT `+cursorColumns+` FROM followup_cursors WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.FollowupCursor{}, ErrNotFound
	}
	if err != nil {
		return domain.FollowupCursor{}, fmt.Errorf("store: get cursor: %w", err)
	}
	return c, nil
}

// ActiveCursorForLead returns the cursor the lead references, if it is
// still active or paused.
func (s *Store) ActiveCursorForLead(ctx context.Context, leadID string) (domain.FollowupCursor, bool, error) {
	c, err := scanCursor(s.db.QueryRowContext(ctx, `
SELECT `+joinedCursorColumns+` FROM followup_cursors c
JOIN leads l ON l.followup_cursor_id = c.id
WHERE l.id=? AND c.status IN ('active','paused')`, leadID))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.FollowupCursor{}, false, nil
	}
	if err != nil {
		return domain.FollowupCursor{}, false, fmt.Errorf("store: active cursor: %w", err)
	}
	return c, true, nil
}

// AdvanceCursor writes next over the cursor if it is still active at
// fromAttempt. A cursor that completes is detached from its lead.
func (s *Store) AdvanceCursor(ctx context.Context, id string, fromAttempt int, next domain.FollowupCursor) (bool, error) {
	var ok bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		ok, err = execAffected(ctx, tx, `
UPDATE followup_cursors SET status=?, attempt=?, next_at=?, updated_at=?
WHERE id=? AND status='active' AND attempt=?`,
			string(next.Status), next.Attempt, millis(next.NextAt), millis(next.UpdatedAt), id, fromAttempt)
		if err != nil || !ok {
			return err
		}
		if next.Status != domain.CursorActive && next.Status != domain.CursorPaused {
			_, err = tx.ExecContext(ctx, `UPDATE leads SET followup_cursor_id=NULL, updated_at=? WHERE id=? AND followup_cursor_id=?`,
				millis(next.UpdatedAt), next.LeadID, id)
		}
		return err
	})
	if err != nil {
		return false, fmt.Errorf("store: advance cursor: %w", err)
	}
	return ok, nil
}

// RescheduleCursor moves next_at of an active cursor still at attempt.
func (s *Store) RescheduleCursor(ctx context.Context, id string, attempt int, nextAt, now time.Time) (bool, error) {
	ok, err := execAffected(ctx, s.db, `
UPDATE followup_cursors SET next_at=?, updated_at=?
WHERE id=? AND status='active' AND attempt=? AND next_at < ?`, millis(nextAt), millis(now), id, attempt, millis(nextAt))
	if err != nil {
		return false, fmt.Errorf("store: reschedule cursor: %w", err)
	}
	return ok, nil
}

// FinishCursor moves an active or paused cursor to a final status and
// detaches it from its lead.
func (s *Store) FinishCursor(ctx context.Context, id string, status domain.CursorStatus, now time.Time) (bool, error) {
	if status != domain.CursorCompleted && status != domain.CursorStopped {
		return false, fmt.Errorf("store: finish cursor: invalid status %q", status)
	}
	var ok bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		ok, err = execAffected(ctx, tx, `
UPDATE followup_cursors SET status=?, updated_at=? WHERE id=? AND status IN ('active','paused')`, string(status), millis(now), id)
		if err != nil || !ok {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE leads SET followup_cursor_id=NULL, updated_at=? WHERE followup_cursor_id=?`, millis(now), id)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("store: finish cursor: %w", err)
	}
	return ok, nil
}

// SetCursorPaused toggles an active cursor to paused and back.
func (s *Store) SetCursorPaused(ctx context.Context, id string, paused bool, now time.Time) (bool, error) {
	from, to := domain.CursorActive, domain.CursorPaused
	if !paused {
		from, to = to, from
	}
	ok, err := execAffected(ctx, s.db, `UPDATE followup_cursors SET status=?, updated_at=? WHERE id=? AND status=?`,
		string(to), millis(now), id, string(from))
	if err != nil {
		return false, fmt.Errorf("store: pause cursor: %w", err)
	}
	return ok, nil
}

// DueCursors lists active cursors whose next attempt is due, oldest first.
func (s *Store) DueCursors(ctx context.Context, now time.Time, limit int) ([]domain.FollowupCursor, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT `+cursorColumns+` FROM followup_cursors
WHERE status='active' AND next_at <= ?
ORDER BY next_at ASC, id ASC
LIMIT ?`, millis(now), limit)
	if err != nil {
		return nil, fmt.Errorf("store: due cursors: %w", err)
	}
	defer rows.Close()
	var out []domain.FollowupCursor
	for rows.Next() {
		c, err := scanCursor(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
