package api

import (
	"time"

	"outreach/internal/domain"
)

type leadView struct {
	ID               string     `json:"id"`
	AccountID        string     `json:"account_id"`
	Phone            string     `json:"phone"`
	Email            string     `json:"email,omitempty"`
	ConsentState     string     `json:"consent_state"`
	Step             int        `json:"step"`
	StepAt           *time.Time `json:"step_at,omitempty"`
	LastOutboundAt   *time.Time `json:"last_outbound_at,omitempty"`
	LastInboundAt    *time.Time `json:"last_inbound_at,omitempty"`
	FollowupCursorID *string    `json:"followup_cursor_id,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

func toLeadView(l domain.Lead) leadView {
	return leadView{
		ID:               l.ID,
		AccountID:        l.AccountID,
		Phone:            l.Phone,
		Email:            l.Email,
		ConsentState:     string(l.ConsentState),
		Step:             l.Step,
		StepAt:           l.StepAt,
		LastOutboundAt:   l.LastOutboundAt,
		LastInboundAt:    l.LastInboundAt,
		FollowupCursorID: l.FollowupCursorID,
		CreatedAt:        l.CreatedAt,
	}
}

type messageView struct {
	ID          string     `json:"id"`
	AccountID   string     `json:"account_id"`
	LeadID      string     `json:"lead_id"`
	Recipient   string     `json:"recipient"`
	Body        string     `json:"body"`
	Category    string     `json:"category"`
	DedupKey    *string    `json:"dedup_key,omitempty"`
	CursorID    *string    `json:"cursor_id,omitempty"`
	SentBy      string     `json:"sent_by"`
	HasFooter   bool       `json:"has_footer"`
	Status      string     `json:"status"`
	Attempt     int        `json:"attempt"`
	MaxAttempts int        `json:"max_attempts"`
	RunAfter    time.Time  `json:"run_after"`
	ProviderRef *string    `json:"provider_ref,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	ErrorCode   *string    `json:"error_code,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	SentAt      *time.Time `json:"sent_at,omitempty"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
}

func toMessageView(m domain.OutboundAttempt) messageView {
	return messageView{
		ID:          m.ID,
		AccountID:   m.AccountID,
		LeadID:      m.LeadID,
		Recipient:   m.Recipient,
		Body:        m.Body,
		Category:    m.Category,
		DedupKey:    m.DedupKey,
		CursorID:    m.CursorID,
		SentBy:      m.SentBy,
		HasFooter:   m.HasFooter,
		Status:      string(m.Status),
		Attempt:     m.Attempt,
		MaxAttempts: m.MaxAttempts,
		RunAfter:    m.RunAfter,
		ProviderRef: m.ProviderRef,
		LastError:   m.LastError,
		ErrorCode:   m.ErrorCode,
		CreatedAt:   m.CreatedAt,
		SentAt:      m.SentAt,
		DeliveredAt: m.DeliveredAt,
	}
}

func toMessageViews(ms []domain.OutboundAttempt) []messageView {
	out := make([]messageView, 0, len(ms))
	for _, m := range ms {
		out = append(out, toMessageView(m))
	}
	return out
}

type cursorView struct {
	ID           string    `json:"id"`
	LeadID       string    `json:"lead_id"`
	AccountID    string    `json:"account_id"`
	Status       string    `json:"status"`
	Attempt      int       `json:"attempt"`
	MaxAttempts  int       `json:"max_attempts"`
	CadenceHours []int     `json:"cadence_hours"`
	NextAt       time.Time `json:"next_at"`
}

func toCursorView(c domain.FollowupCursor) cursorView {
	return cursorView{
		ID:           c.ID,
		LeadID:       c.LeadID,
		AccountID:    c.AccountID,
		Status:       string(c.Status),
		Attempt:      c.Attempt,
		MaxAttempts:  c.MaxAttempts,
		CadenceHours: c.CadenceHours,
		NextAt:       c.NextAt,
	}
}

// decisionView flattens the block reason into a tag plus its details.
type decisionView struct {
	Allowed     bool           `json:"allowed"`
	Reason      string         `json:"reason,omitempty"`
	Detail      map[string]any `json:"detail,omitempty"`
	NeedsFooter bool           `json:"needs_footer"`
}

func toDecisionView(d domain.Decision) decisionView {
	v := decisionView{Allowed: d.Allowed, Reason: d.ReasonString(), NeedsFooter: d.NeedsFooter}
	switch r := d.Reason.(type) {
	case domain.OptedOut:
		v.Detail = map[string]any{"phone": r.Phone}
	case domain.QuietHours:
		v.Detail = map[string]any{
			"local_minute": r.LocalMinute, "start": r.Start, "end": r.End, "next_allowed": r.NextAllowed,
		}
	case domain.MinGap:
		v.Detail = map[string]any{"last_outbound_at": r.LastOutboundAt, "gap_minutes": r.GapMinutes}
	case domain.CapExceeded:
		v.Detail = map[string]any{"window": string(r.Window), "count": r.Count, "cap": r.Cap}
	}
	return v
}

type evaluationView struct {
	ID          int64        `json:"id"`
	LeadID      string       `json:"lead_id"`
	AccountID   string       `json:"account_id"`
	Decision    decisionView `json:"decision"`
	EvaluatedAt time.Time    `json:"evaluated_at"`
}

func toEvaluationView(ev domain.GateEvaluation) evaluationView {
	return evaluationView{
		ID:          ev.ID,
		LeadID:      ev.LeadID,
		AccountID:   ev.AccountID,
		Decision:    toDecisionView(ev.Decision),
		EvaluatedAt: ev.EvaluatedAt,
	}
}

type attemptView struct {
	Outcome string    `json:"outcome"`
	Error   string    `json:"error,omitempty"`
	At      time.Time `json:"at"`
}

// policyDoc is both the request and response body for account policies.
type policyDoc struct {
	AccountID             string   `json:"account_id"`
	Timezone              string   `json:"timezone"`
	QuietStart            int      `json:"quiet_start"`
	QuietEnd              int      `json:"quiet_end"`
	DailyCap              int      `json:"daily_cap"`
	WeeklyCap             int      `json:"weekly_cap"`
	MinGapMinutes         int      `json:"min_gap_minutes"`
	FooterRefreshDays     int      `json:"footer_refresh_days"`
	IntroWindowDays       int      `json:"intro_window_days"`
	AutotexterEnabled     bool     `json:"autotexter_enabled"`
	KillSwitch            bool     `json:"kill_switch"`
	ConsentAttested       bool     `json:"consent_attested"`
	FooterText            string   `json:"footer_text"`
	FollowupMaxAttempts   int      `json:"followup_max_attempts"`
	FollowupCadenceHours  []int    `json:"followup_cadence_hours"`
	ConversationDiedHours int      `json:"conversation_died_hours"`
	Templates             []string `json:"templates"`
}

func (d policyDoc) policy() domain.AccountPolicy {
	return domain.AccountPolicy{
		AccountID:             d.AccountID,
		Timezone:              d.Timezone,
		QuietStart:            d.QuietStart,
		QuietEnd:              d.QuietEnd,
		DailyCap:              d.DailyCap,
		WeeklyCap:             d.WeeklyCap,
		MinGapMinutes:         d.MinGapMinutes,
		FooterRefreshDays:     d.FooterRefreshDays,
		IntroWindowDays:       d.IntroWindowDays,
		AutotexterEnabled:     d.AutotexterEnabled,
		KillSwitch:            d.KillSwitch,
		ConsentAttested:       d.ConsentAttested,
		FooterText:            d.FooterText,
		FollowupMaxAttempts:   d.FollowupMaxAttempts,
		FollowupCadenceHours:  d.FollowupCadenceHours,
		ConversationDiedHours: d.ConversationDiedHours,
		Templates:             d.Templates,
	}
}

func toPolicyDoc(p domain.AccountPolicy) policyDoc {
	return policyDoc{
		AccountID:             p.AccountID,
		Timezone:              p.Timezone,
		QuietStart:            p.QuietStart,
		QuietEnd:              p.QuietEnd,
		DailyCap:              p.DailyCap,
		WeeklyCap:             p.WeeklyCap,
		MinGapMinutes:         p.MinGapMinutes,
		FooterRefreshDays:     p.FooterRefreshDays,
		IntroWindowDays:       p.IntroWindowDays,
		AutotexterEnabled:     p.AutotexterEnabled,
		KillSwitch:            p.KillSwitch,
		ConsentAttested:       p.ConsentAttested,
		FooterText:            p.FooterText,
		FollowupMaxAttempts:   p.FollowupMaxAttempts,
		FollowupCadenceHours:  p.FollowupCadenceHours,
		ConversationDiedHours: p.ConversationDiedHours,
		Templates:             p.Templates,
	}
}
