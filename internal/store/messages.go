package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"outreach/internal/domain"
)

const messageColumns = `id,account_id,lead_id,recipient,body,category,dedup_key,cursor_id,cursor_attempt,sent_by,operator_id,has_footer,status,attempt,max_attempts,run_after,claimed_at,provider_ref,last_error,error_code,created_at,updated_at,sent_at,delivered_at`

func scanMessage(row rowScanner) (domain.OutboundAttempt, error) {
	var (
		m                              domain.OutboundAttempt
		dedup, cursorID, ref, code     sql.NullString
		status                         string
		hasFooter                      int
		runAfter, created, updated     int64
		claimedAt, sentAt, deliveredAt sql.NullInt64
	)
	err := row.Scan(&m.ID, &m.AccountID, &m.LeadID, &m.Recipient, &m.Body, &m.Category, &dedup, &cursorID,
		&m.CursorAttempt, &m.SentBy, &m.OperatorID, &hasFooter, &status, &m.Attempt, &m.MaxAttempts,
		&runAfter, &claimedAt, &ref, &m.LastError, &code, &created, &updated, &sentAt, &deliveredAt)
	if err != nil {
		return domain.OutboundAttempt{}, err
	}
	m.DedupKey = stringPtr(dedup)
	m.CursorID = stringPtr(cursorID)
	m.HasFooter = hasFooter != 0
	m.Status = domain.MessageStatus(status)
	m.RunAfter = fromMillis(runAfter)
	m.ClaimedAt = timePtr(claimedAt)
	m.ProviderRef = stringPtr(ref)
	m.ErrorCode = stringPtr(code)
	m.CreatedAt = fromMillis(created)
	m.UpdatedAt = fromMillis(updated)
	m.SentAt = timePtr(sentAt)
	m.DeliveredAt = timePtr(deliveredAt)
	return m, nil
}

func scanMessages(rows *sql.Rows) ([]domain.OutboundAttempt, error) {
	defer rows.Close()
	var out []domain.OutboundAttempt
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// InsertMessage adds a queued message. When the dedup key already exists the
// stored row is returned with created=false and nothing is written.
func (s *Store) InsertMessage(ctx context.Context, m domain.OutboundAttempt) (domain.OutboundAttempt, bool, error) {
	if m.ID == "" {
		m.ID = "msg_" + uuid.NewString()
	}
	if m.Status == "" {
		m.Status = domain.MessageQueued
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	if m.RunAfter.IsZero() {
		m.RunAfter = m.CreatedAt
	}
	if m.DedupKey != nil {
		if existing, err := s.MessageByDedupKey(ctx, *m.DedupKey); err == nil {
			return existing, false, nil
		} else if !errors.Is(err, ErrNotFound) {
			return domain.OutboundAttempt{}, false, err
		}
	}

	created, err := execAffected(ctx, s.db, s.insertIgnore()+` INTO messages_out (`+messageColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,NULL,NULL,'',NULL,?,?,NULL,NULL)`,
		m.ID, m.AccountID, m.LeadID, m.Recipient, m.Body, m.Category, nullString(m.DedupKey), nullString(m.CursorID),
		m.CursorAttempt, m.SentBy, m.OperatorID, boolInt(m.HasFooter), string(m.Status), m.Attempt, m.MaxAttempts,
		millis(m.RunAfter), millis(m.CreatedAt), millis(m.CreatedAt))
	if err != nil {
		return domain.OutboundAttempt{}, false, fmt.Errorf("store: insert message: %w", err)
	}
	if !created {
		// Lost a race on the dedup key.
		if m.DedupKey == nil {
			return domain.OutboundAttempt{}, false, fmt.Errorf("store: insert message: id %s already exists", m.ID)
		}
		existing, err := s.MessageByDedupKey(ctx, *m.DedupKey)
		if err != nil {
			return domain.OutboundAttempt{}, false, err
		}
		return existing, false, nil
	}
	stored, err := s.GetMessage(ctx, m.ID)
	if err != nil {
		return domain.OutboundAttempt{}, false, err
	}
	return stored, true, nil
}

func (s *Store) GetMessage(ctx context.Context, id string) (domain.OutboundAttempt, error) {
	m, err := scanMessage(s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages_out WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.OutboundAttempt{}, ErrNotFound
	}
	if err != nil {
		return domain.OutboundAttempt{}, fmt.Errorf("store: get message: %w", err)
	}
	return m, nil
}

func (s *Store) MessageByDedupKey(ctx context.Context, key string) (domain.OutboundAttempt, error) {
	m, err := scanMessage(s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages_out WHERE dedup_key=?`, key))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.OutboundAttempt{}, ErrNotFound
	}
	if err != nil {
		return domain.OutboundAttempt{}, fmt.Errorf("store: message by dedup key: %w", err)
	}
	return m, nil
}

// DueMessages lists queued messages whose run_after has passed, oldest first.
func (s *Store) DueMessages(ctx context.Context, now time.Time, limit int) ([]domain.OutboundAttempt, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT `+messageColumns+` FROM messages_out
WHERE status='queued' AND run_after <= ?
ORDER BY run_after ASC, created_at ASC
LIMIT ?`, millis(now), limit)
	if err != nil {
		return nil, fmt.Errorf("store: due messages: %w", err)
	}
	return scanMessages(rows)
}

// ClaimMessage moves a queued message to processing. It returns false when
// another worker got there first.
func (s *Store) ClaimMessage(ctx context.Context, id string, now time.Time) (bool, error) {
	ok, err := execAffected(ctx, s.db, `
UPDATE messages_out SET status='processing', claimed_at=?, updated_at=?
WHERE id=? AND status='queued'`, millis(now), millis(now), id)
	if err != nil {
		return false, fmt.Errorf("store: claim message: %w", err)
	}
	return ok, nil
}

// finish applies a transition out of processing and audits it.
func (s *Store) finish(ctx context.Context, id, outcome, errMsg string, now time.Time, query string, args ...any) (bool, error) {
	var ok bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		ok, err = execAffected(ctx, tx, query, args...)
		if err != nil || !ok {
			return err
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO send_attempts (message_id, outcome, error, at) VALUES (?,?,?,?)`,
			id, outcome, truncateError(errMsg), millis(now))
		return err
	})
	if err != nil {
		return false, fmt.Errorf("store: %s message: %w", outcome, err)
	}
	return ok, nil
}

// DeferMessage returns a claimed message to the queue without spending an attempt.
func (s *Store) DeferMessage(ctx context.Context, id string, runAfter time.Time, note string, now time.Time) (bool, error) {
	return s.finish(ctx, id, domain.OutcomeDeferred, note, now, `
UPDATE messages_out SET status='queued', run_after=?, claimed_at=NULL, last_error=?, updated_at=?
WHERE id=? AND status='processing'`, millis(runAfter), truncateError(note), millis(now), id)
}

// RetryMessage returns a claimed message to the queue with its attempt
// counter set to attempt.
func (s *Store) RetryMessage(ctx context.Context, id string, attempt int, runAfter time.Time, errMsg, code string, now time.Time) (bool, error) {
	return s.finish(ctx, id, domain.OutcomeRetry, errMsg, now, `
UPDATE messages_out SET status='queued', attempt=?, run_after=?, claimed_at=NULL, last_error=?, error_code=?, updated_at=?
WHERE id=? AND status='processing'`, attempt, millis(runAfter), truncateError(errMsg), nullCode(code), millis(now), id)
}

// FailMessage ends a claimed message as failed or dead_letter.
func (s *Store) FailMessage(ctx context.Context, id string, status domain.MessageStatus, attempt int, errMsg, code string, now time.Time) (bool, error) {
	if status != domain.MessageFailed && status != domain.MessageDeadLetter {
		return false, fmt.Errorf("store: fail message: invalid status %q", status)
	}
	return s.finish(ctx, id, string(status), errMsg, now, `
UPDATE messages_out SET status=?, attempt=?, claimed_at=NULL, last_error=?, error_code=?, updated_at=?
WHERE id=? AND status='processing'`, string(status), attempt, truncateError(errMsg), nullCode(code), millis(now), id)
}

// MarkSent records the provider acceptance of a claimed message.
func (s *Store) MarkSent(ctx context.Context, id, providerRef string, now time.Time) (bool, error) {
	return s.finish(ctx, id, domain.OutcomeSent, "", now, `
UPDATE messages_out SET status='sent', provider_ref=?, sent_at=?, claimed_at=NULL, last_error='', updated_at=?
WHERE id=? AND status='processing'`, providerRef, millis(now), millis(now), id)
}

// RecoverStale requeues messages claimed at or before claimedBefore. No
// attempt is spent; each row gets a recovered audit entry.
func (s *Store) RecoverStale(ctx context.Context, claimedBefore, now time.Time) (int, error) {
	var n int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
SELECT id FROM messages_out
WHERE status='processing' AND claimed_at IS NOT NULL AND claimed_at <= ?`, millis(claimedBefore))
		if err != nil {
			return err
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, id := range ids {
			ok, err := execAffected(ctx, tx, `
UPDATE messages_out SET status='queued', claimed_at=NULL, run_after=?, updated_at=?
WHERE id=? AND status='processing'`, millis(now), millis(now), id)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO send_attempts (message_id, outcome, error, at) VALUES (?,?,?,?)`,
				id, domain.OutcomeRecovered, "claim lease expired", millis(now)); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("store: recover stale: %w", err)
	}
	return n, nil
}

// RequeueDeadLetter gives a dead-lettered message a fresh set of attempts.
func (s *Store) RequeueDeadLetter(ctx context.Context, id string, now time.Time) (bool, error) {
	var ok bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		ok, err = execAffected(ctx, tx, `
UPDATE messages_out SET status='queued', attempt=0, run_after=?, claimed_at=NULL, updated_at=?
WHERE id=? AND status='dead_letter'`, millis(now), millis(now), id)
		if err != nil || !ok {
			return err
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO send_attempts (message_id, outcome, error, at) VALUES (?,?,?,?)`,
			id, domain.OutcomeRequeued, "", millis(now))
		return err
	})
	if err != nil {
		return false, fmt.Errorf("store: requeue dead letter: %w", err)
	}
	return ok, nil
}

func (s *Store) CountMessages(ctx context.Context, status domain.MessageStatus) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages_out WHERE status=?`, string(status)).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count messages: %w", err)
	}
	return n, nil
}

// ListMessages lists messages newest first, optionally filtered by status
// and lead. Empty filters match everything.
func (s *Store) ListMessages(ctx context.Context, status domain.MessageStatus, leadID string, limit int) ([]domain.OutboundAttempt, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT ` + messageColumns + ` FROM messages_out WHERE 1=1`
	var args []any
	if status != "" {
		q += ` AND status=?`
		args = append(args, string(status))
	}
	if leadID != "" {
		q += ` AND lead_id=?`
		args = append(args, leadID)
	}
	q += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list messages: %w", err)
	}
	return scanMessages(rows)
}

func (s *Store) ListSendAttempts(ctx context.Context, messageID string) ([]domain.SendAttempt, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, message_id, outcome, error, at FROM send_attempts WHERE message_id=? ORDER BY id ASC`, messageID)
	if err != nil {
		return nil, fmt.Errorf("store: list send attempts: %w", err)
	}
	defer rows.Close()
	var out []domain.SendAttempt
	for rows.Next() {
		var (
			a  domain.SendAttempt
			at int64
		)
		if err := rows.Scan(&a.ID, &a.MessageID, &a.Outcome, &a.Error, &at); err != nil {
			return nil, err
		}
		a.At = fromMillis(at)
		out = append(out, a)
	}
	return out, rows.Err()
}

// UpdateDeliveryStatus applies a provider status callback. The update only
// lands when it moves the message to a higher rank, so late or replayed
// webhooks never regress it.
func (s *Store) UpdateDeliveryStatus(ctx context.Context, providerRef string, status domain.MessageStatus, code string, now time.Time) (domain.OutboundAttempt, bool, error) {
	var lower []any
	for _, st := range []domain.MessageStatus{domain.MessageQueued, domain.MessageProcessing, domain.MessageSent} {
		if st.Rank() < status.Rank() {
			lower = append(lower, string(st))
		}
	}
	if len(lower) == 0 {
		m, err := s.MessageByProviderRef(ctx, providerRef)
		return m, false, err
	}

	var delivered sql.NullInt64
	if status == domain.MessageDelivered {
		delivered = sql.NullInt64{Int64: millis(now), Valid: true}
	}
	args := []any{string(status), delivered, nullCode(code), millis(now), providerRef}
	args = append(args, lower...)
	ok, err := execAffected(ctx, s.db, `
UPDATE messages_out SET status=?, delivered_at=COALESCE(?, delivered_at), error_code=COALESCE(?, error_code), updated_at=?
WHERE provider_ref=? AND status IN (`+placeholders(len(lower))+`)`, args...)
	if err != nil {
		return domain.OutboundAttempt{}, false, fmt.Errorf("store: update delivery status: %w", err)
	}
	m, err := s.MessageByProviderRef(ctx, providerRef)
	if err != nil {
		return domain.OutboundAttempt{}, false, err
	}
	return m, ok, nil
}

func (s *Store) MessageByProviderRef(ctx context.Context, ref string) (domain.OutboundAttempt, error) {
	m, err := scanMessage(s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages_out WHERE provider_ref=? LIMIT 1`, ref))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.OutboundAttempt{}, ErrNotFound
	}
	if err != nil {
		return domain.OutboundAttempt{}, fmt.Errorf("store: message by provider ref: %w", err)
	}
	return m, nil
}

// LastOutboundAt returns the newest send to the lead.
func (s *Store) LastOutboundAt(ctx context.Context, leadID string) (time.Time, bool, error) {
	return s.maxSentAt(ctx, `SELECT MAX(sent_at) FROM messages_out WHERE lead_id=? AND sent_at IS NOT NULL`, leadID)
}

// CountAutomatedSince counts automated sends to the lead strictly after since.
func (s *Store) CountAutomatedSince(ctx context.Context, leadID string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM messages_out
WHERE lead_id=? AND sent_at IS NOT NULL AND sent_at > ? AND (sent_by=? OR operator_id=?)`,
		leadID, millis(since), domain.SentByAI, domain.OperatorAuto).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count automated: %w", err)
	}
	return n, nil
}

// LastFooterAt returns the newest send carrying the opt-out footer.
func (s *Store) LastFooterAt(ctx context.Context, accountID, recipient string) (time.Time, bool, error) {
	return s.maxSentAt(ctx, `
SELECT MAX(sent_at) FROM messages_out
WHERE account_id=? AND recipient=? AND has_footer=1 AND sent_at IS NOT NULL`, accountID, recipient)
}

func (s *Store) maxSentAt(ctx context.Context, query string, args ...any) (time.Time, bool, error) {
	var v sql.NullInt64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&v); err != nil {
		return time.Time{}, false, fmt.Errorf("store: history: %w", err)
	}
	if !v.Valid {
		return time.Time{}, false, nil
	}
	return fromMillis(v.Int64), true, nil
}

func nullCode(code string) sql.NullString {
	if code == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: code, Valid: true}
}
