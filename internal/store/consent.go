package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"outreach/internal/domain"
)

func (s *Store) AppendConsentEvent(ctx context.Context, ev domain.ConsentEvent) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO consent_events (phone, type, source, account_id, at) VALUES (?,?,?,?,?)`,
		ev.Phone, string(ev.Type), ev.Source, ev.AccountID, millis(ev.At))
	if err != nil {
		return fmt.Errorf("store: append consent event: %w", err)
	}
	return nil
}

// LatestConsentEvent returns the newest granted or revoked event. Ties on the
// timestamp resolve to the later insert.
func (s *Store) LatestConsentEvent(ctx context.Context, phone string) (domain.ConsentEvent, bool, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, phone, type, source, account_id, at FROM consent_events
WHERE phone=? AND type IN ('granted','revoked')
ORDER BY at DESC, id DESC LIMIT 1`, phone)
	ev, err := scanConsentEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ConsentEvent{}, false, nil
	}
	if err != nil {
		return domain.ConsentEvent{}, false, fmt.Errorf("store: latest consent event: %w", err)
	}
	return ev, true, nil
}

func (s *Store) ListConsentEvents(ctx context.Context, phone string, limit int) ([]domain.ConsentEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, phone, type, source, account_id, at FROM consent_events
WHERE phone=? ORDER BY at DESC, id DESC LIMIT ?`, phone, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list consent events: %w", err)
	}
	defer rows.Close()
	var out []domain.ConsentEvent
	for rows.Next() {
		ev, err := scanConsentEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *Store) SetLeadConsent(ctx context.Context, phone string, state domain.ConsentState, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE leads SET consent_state=?, updated_at=? WHERE phone=?`,
		string(state), millis(at), phone)
	if err != nil {
		return fmt.Errorf("store: set lead consent: %w", err)
	}
	return nil
}

func scanConsentEvent(row rowScanner) (domain.ConsentEvent, error) {
	var (
		ev  domain.ConsentEvent
		typ string
		at  int64
	)
	if err := row.Scan(&ev.ID, &ev.Phone, &typ, &ev.Source, &ev.AccountID, &at); err != nil {
		return domain.ConsentEvent{}, err
	}
	ev.Type = domain.ConsentEventType(typ)
	ev.At = fromMillis(at)
	return ev, nil
}
