package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"outreach/internal/domain"
)

// ParkDeliveryStatus keeps a delivery callback whose provider reference is
// not recorded yet.
func (s *Store) ParkDeliveryStatus(ctx context.Context, ps domain.ParkedStatus) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO pending_delivery_statuses (provider_ref, status, error_code, at) VALUES (?,?,?,?)`,
		ps.ProviderRef, string(ps.Status), ps.ErrorCode, millis(ps.At))
	if err != nil {
		return fmt.Errorf("store: park delivery status: %w", err)
	}
	return nil
}

// TakeParkedStatuses removes and returns the parked callbacks for
// providerRef, oldest first. Nothing is taken while no message carries the
// reference.
func (s *Store) TakeParkedStatuses(ctx context.Context, providerRef string) ([]domain.ParkedStatus, error) {
	var out []domain.ParkedStatus
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var n int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages_out WHERE provider_ref=?`, providerRef).Scan(&n); err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		rows, err := tx.QueryContext(ctx, `
SELECT id, provider_ref, status, error_code, at FROM pending_delivery_statuses
WHERE provider_ref=? ORDER BY at ASC, id ASC`, providerRef)
		if err != nil {
			return err
		}
		var maxID int64
		for rows.Next() {
			var (
				ps     domain.ParkedStatus
				status string
				at     int64
			)
			if err := rows.Scan(&ps.ID, &ps.ProviderRef, &status, &ps.ErrorCode, &at); err != nil {
				rows.Close()
				return err
			}
			ps.Status = domain.MessageStatus(status)
			ps.At = fromMillis(at)
			if ps.ID > maxID {
				maxID = ps.ID
			}
			out = append(out, ps)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		if len(out) == 0 {
			return nil
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM pending_delivery_statuses WHERE provider_ref=? AND id<=?`, providerRef, maxID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("store: take parked statuses: %w", err)
	}
	return out, nil
}

// PruneParkedStatuses drops callbacks parked before cutoff that never
// matched a message.
func (s *Store) PruneParkedStatuses(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM pending_delivery_statuses WHERE at < ?`, millis(before))
	if err != nil {
		return 0, fmt.Errorf("store: prune parked statuses: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *Store) CountParkedStatuses(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_delivery_statuses`).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count parked statuses: %w", err)
	}
	return n, nil
}
