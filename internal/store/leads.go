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

const leadColumns = `id,account_id,phone,email,consent_state,last_outbound_at,last_inbound_at,followup_cursor_id,step,step_at,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLead(row rowScanner) (domain.Lead, error) {
	var (
		l                       domain.Lead
		state                   string
		lastOut, lastIn, stepAt sql.NullInt64
		cursorID                sql.NullString
		created, updated        int64
	)
	if err := row.Scan(&l.ID, &l.AccountID, &l.Phone, &l.Email, &state, &lastOut, &lastIn, &cursorID, &l.Step, &stepAt, &created, &updated); err != nil {
		return domain.Lead{}, err
	}
	l.ConsentState = domain.ConsentState(state)
	l.LastOutboundAt = timePtr(lastOut)
	l.LastInboundAt = timePtr(lastIn)
	l.FollowupCursorID = stringPtr(cursorID)
	l.StepAt = timePtr(stepAt)
	l.CreatedAt = fromMillis(created)
	l.UpdatedAt = fromMillis(updated)
	return l, nil
}

func scanLeads(rows *sql.Rows) ([]domain.Lead, error) {
	defer rows.Close()
	var out []domain.Lead
	for rows.Next() {
		l, err := scanLead(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// UpsertLead creates a lead or updates its contact fields. Engine-owned
// columns (consent, step, timestamps of contact, cursor) are only set on
// insert.
func (s *Store) UpsertLead(ctx context.Context, l domain.Lead) (domain.Lead, error) {
	if l.AccountID == "" {
		return domain.Lead{}, fmt.Errorf("%w: lead account is required", ErrInvalid)
	}
	l.Phone = domain.NormalizePhone(l.Phone)
	if l.ID == "" {
		l.ID = "led_" + uuid.NewString()
	}
	if l.ConsentState == "" {
		l.ConsentState = domain.ConsentUnknown
	}
	now := time.Now().UTC()
	if l.CreatedAt.IsZero() {
		l.CreatedAt = now
	}

	var q string
	if s.dialect == MySQL {
		q = `INSERT INTO leads (` + leadColumns + `) VALUES (?,?,?,?,?,?,?,NULL,?,?,?,?)
ON DUPLICATE KEY UPDATE phone=VALUES(phone), email=VALUES(email), updated_at=VALUES(updated_at)`
	} else {
		q = `INSERT INTO leads (` + leadColumns + `) VALUES (?,?,?,?,?,?,?,NULL,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET phone=excluded.phone, email=excluded.email, updated_at=excluded.updated_at`
	}
	_, err := s.db.ExecContext(ctx, q,
		l.ID, l.AccountID, l.Phone, l.Email, string(l.ConsentState),
		nullMillis(l.LastOutboundAt), nullMillis(l.LastInboundAt),
		l.Step, nullMillis(l.StepAt), millis(l.CreatedAt), millis(now))
	if err != nil {
		return domain.Lead{}, fmt.Errorf("store: upsert lead: %w", err)
	}
	return s.GetLead(ctx, l.ID)
}

func (s *Store) GetLead(ctx context.Context, id string) (domain.Lead, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+leadColumns+` FROM leads WHERE id=?`, id)
	l, err := scanLead(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Lead{}, ErrNotFound
	}
	if err != nil {
		return domain.Lead{}, fmt.Errorf("store: get lead: %w", err)
	}
	return l, nil
}

// LeadsByPhone returns every lead with phone, newest first.
func (s *Store) LeadsByPhone(ctx context.Context, phone string) ([]domain.Lead, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+leadColumns+` FROM leads WHERE phone=? ORDER BY created_at DESC`, domain.NormalizePhone(phone))
	if err != nil {
		return nil, fmt.Errorf("store: leads by phone: %w", err)
	}
	return scanLeads(rows)
}

func (s *Store) ListLeads(ctx context.Context, accountID string, limit int) ([]domain.Lead, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+leadColumns+` FROM leads WHERE account_id=? ORDER BY created_at DESC LIMIT ?`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list leads: %w", err)
	}
	return scanLeads(rows)
}

// AutopilotCandidates selects leads eligible for the next autopilot step:
// not revoked, fewer than three steps, no reply since the last step, nothing
// in flight, not in a follow-up cadence, and openers only for leads created
// at or after introSince.
func (s *Store) AutopilotCandidates(ctx context.Context, accountID string, introSince time.Time, limit int) ([]domain.Lead, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT `+leadColumns+` FROM leads
WHERE account_id=?
  AND consent_state <> 'revoked'
  AND step < 3
  AND (last_inbound_at IS NULL OR (step_at IS NOT NULL AND last_inbound_at <= step_at))
  AND (step > 0 OR created_at >= ?)
  AND followup_cursor_id IS NULL
  AND NOT EXISTS (SELECT 1 FROM messages_out m WHERE m.lead_id = leads.id AND m.status IN ('queued','processing'))
ORDER BY COALESCE(step_at, created_at) ASC, id ASC
LIMIT ?`, accountID, millis(introSince), limit)
	if err != nil {
		return nil, fmt.Errorf("store: autopilot candidates: %w", err)
	}
	return scanLeads(rows)
}

// StaleLeads lists leads with no cursor whose last contact in either
// direction is older than silentSince. A lead gets one cadence per silence:
// any cursor created since its last reply excludes it.
func (s *Store) StaleLeads(ctx context.Context, accountID string, silentSince time.Time, limit int) ([]domain.Lead, error) {
	if limit <= 0 {
		limit = 100
	}
	cutoff := millis(silentSince)
	rows, err := s.db.QueryContext(ctx, `
SELECT `+leadColumns+` FROM leads
WHERE account_id=?
  AND consent_state <> 'revoked'
  AND followup_cursor_id IS NULL
  AND last_outbound_at IS NOT NULL
  AND last_outbound_at <= ?
  AND (last_inbound_at IS NULL OR last_inbound_at <= ?)
  AND NOT EXISTS (SELECT 1 FROM followup_cursors c WHERE c.lead_id = leads.id AND c.created_at >= COALESCE(leads.last_inbound_at, 0))
ORDER BY last_outbound_at ASC, id ASC
LIMIT ?`, accountID, cutoff, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("store: stale leads: %w", err)
	}
	return scanLeads(rows)
}

// AdvanceLeadStep moves the lead from step fromStep to fromStep+1.
func (s *Store) AdvanceLeadStep(ctx context.Context, leadID string, fromStep int, now time.Time) (bool, error) {
	ok, err := execAffected(ctx, s.db, `UPDATE leads SET step=step+1, step_at=?, updated_at=? WHERE id=? AND step=?`,
		millis(now), millis(now), leadID, fromStep)
	if err != nil {
		return false, fmt.Errorf("store: advance lead step: %w", err)
	}
	return ok, nil
}

// TouchOutbound records a send to the lead. It never moves the timestamp back.
func (s *Store) TouchOutbound(ctx context.Context, leadID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE leads SET last_outbound_at=?, updated_at=?
WHERE id=? AND (last_outbound_at IS NULL OR last_outbound_at < ?)`, millis(at), millis(at), leadID, millis(at))
	if err != nil {
		return fmt.Errorf("store: touch outbound: %w", err)
	}
	return nil
}

// TouchInbound records a reply from the lead.
func (s *Store) TouchInbound(ctx context.Context, leadID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE leads SET last_inbound_at=?, updated_at=?
WHERE id=? AND (last_inbound_at IS NULL OR last_inbound_at < ?)`, millis(at), millis(at), leadID, millis(at))
	if err != nil {
		return fmt.Errorf("store: touch inbound: %w", err)
	}
	return nil
}
