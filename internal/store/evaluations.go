package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"outreach/internal/domain"
)

// RecordEvaluation appends a gate decision. The block reason is stored as its
// kind plus a JSON detail object.
func (s *Store) RecordEvaluation(ctx context.Context, ev domain.GateEvaluation) (int64, error) {
	kind, detail, err := encodeReason(ev.Decision.Reason)
	if err != nil {
		return 0, fmt.Errorf("store: encode reason: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO gate_evaluations (lead_id, account_id, allowed, reason_kind, reason_detail, needs_footer, evaluated_at)
VALUES (?,?,?,?,?,?,?)`,
		ev.LeadID, ev.AccountID, boolInt(ev.Decision.Allowed), kind, detail,
		boolInt(ev.Decision.NeedsFooter), millis(ev.EvaluatedAt))
	if err != nil {
		return 0, fmt.Errorf("store: record evaluation: %w", err)
	}
	id, _ := res.LastInsertId()
	return id, nil
}

// LatestEvaluation returns the newest evaluation for the lead.
func (s *Store) LatestEvaluation(ctx context.Context, leadID string) (domain.GateEvaluation, error) {
	evs, err := s.ListEvaluations(ctx, leadID, 1)
	if err != nil {
		return domain.GateEvaluation{}, err
	}
	if len(evs) == 0 {
		return domain.GateEvaluation{}, ErrNotFound
	}
	return evs[0], nil
}

func (s *Store) ListEvaluations(ctx context.Context, leadID string, limit int) ([]domain.GateEvaluation, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, lead_id, account_id, allowed, reason_kind, reason_detail, needs_footer, evaluated_at
FROM gate_evaluations WHERE lead_id=? ORDER BY evaluated_at DESC, id DESC LIMIT ?`, leadID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list evaluations: %w", err)
	}
	defer rows.Close()
	var out []domain.GateEvaluation
	for rows.Next() {
		var (
			ev                   domain.GateEvaluation
			allowed, needsFooter int
			kind, detail         string
			at                   int64
		)
		if err := rows.Scan(&ev.ID, &ev.LeadID, &ev.AccountID, &allowed, &kind, &detail, &needsFooter, &at); err != nil {
			return nil, err
		}
		reason, err := decodeReason(kind, detail)
		if err != nil {
			return nil, fmt.Errorf("store: decode reason: %w", err)
		}
		ev.Decision = domain.Decision{Allowed: allowed != 0, Reason: reason, NeedsFooter: needsFooter != 0}
		ev.EvaluatedAt = fromMillis(at)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// reasonDetail is the union of every variant's fields; only the ones the
// kind uses are populated.
type reasonDetail struct {
	Phone          string `json:"phone,omitempty"`
	LocalMinute    *int   `json:"local_minute,omitempty"`
	Start          *int   `json:"start,omitempty"`
	End            *int   `json:"end,omitempty"`
	NextAllowed    int64  `json:"next_allowed,omitempty"`
	LastOutboundAt int64  `json:"last_outbound_at,omitempty"`
	GapMinutes     int    `json:"gap_minutes,omitempty"`
	Window         string `json:"window,omitempty"`
	Count          int    `json:"count,omitempty"`
	Cap            int    `json:"cap,omitempty"`
}

func encodeReason(r domain.BlockReason) (string, string, error) {
	if r == nil {
		return "", "{}", nil
	}
	var d reasonDetail
	switch v := r.(type) {
	case domain.NoRecipient:
	case domain.OptedOut:
		d.Phone = v.Phone
	case domain.QuietHours:
		d.LocalMinute, d.Start, d.End = &v.LocalMinute, &v.Start, &v.End
		d.NextAllowed = millis(v.NextAllowed)
	case domain.MinGap:
		d.LastOutboundAt = millis(v.LastOutboundAt)
		d.GapMinutes = v.GapMinutes
	case domain.CapExceeded:
		d.Window, d.Count, d.Cap = string(v.Window), v.Count, v.Cap
	default:
		return "", "", fmt.Errorf("unknown reason %T", r)
	}
	b, err := json.Marshal(d)
	if err != nil {
		return "", "", err
	}
	return string(r.Kind()), string(b), nil
}

func decodeReason(kind, detail string) (domain.BlockReason, error) {
	if kind == "" {
		return nil, nil
	}
	var d reasonDetail
	if detail != "" {
		if err := json.Unmarshal([]byte(detail), &d); err != nil {
			return nil, err
		}
	}
	deref := func(p *int) int {
		if p == nil {
			return 0
		}
		return *p
	}
	switch domain.ReasonKind(kind) {
	case domain.ReasonNoRecipient:
		return domain.NoRecipient{}, nil
	case domain.ReasonOptedOut:
		return domain.OptedOut{Phone: d.Phone}, nil
	case domain.ReasonQuietHours:
		return domain.QuietHours{
			LocalMinute: deref(d.LocalMinute),
			Start:       deref(d.Start),
			End:         deref(d.End),
			NextAllowed: fromMillis(d.NextAllowed),
		}, nil
	case domain.ReasonMinGap:
		return domain.MinGap{LastOutboundAt: fromMillis(d.LastOutboundAt), GapMinutes: d.GapMinutes}, nil
	case domain.ReasonDayCap, domain.ReasonWeekCap:
		return domain.CapExceeded{Window: domain.CapWindow(d.Window), Count: d.Count, Cap: d.Cap}, nil
	default:
		return nil, errors.New("unknown reason kind " + kind)
	}
}
