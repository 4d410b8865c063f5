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

const policyColumns = `account_id,timezone,quiet_start,quiet_end,daily_cap,weekly_cap,min_gap_minutes,footer_refresh_days,intro_window_days,autotexter_enabled,kill_switch,consent_attested,footer_text,followup_max_attempts,followup_cadence_hours,conversation_died_hours,templates,updated_at`

// UpsertPolicy writes the whole policy row. The engine never calls it; it
// exists for operators and tests.
func (s *Store) UpsertPolicy(ctx context.Context, p domain.AccountPolicy) error {
	if p.AccountID == "" {
		return fmt.Errorf("%w: policy account is required", ErrInvalid)
	}
	if p.Timezone == "" {
		p.Timezone = "UTC"
	}
	if _, err := time.LoadLocation(p.Timezone); err != nil {
		return fmt.Errorf("%w: policy timezone: %v", ErrInvalid, err)
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now().UTC()
	}
	cadence, err := json.Marshal(nonNilInts(p.FollowupCadenceHours))
	if err != nil {
		return fmt.Errorf("store: encode cadence: %w", err)
	}
	templates, err := json.Marshal(nonNilStrings(p.Templates))
	if err != nil {
		return fmt.Errorf("store: encode templates: %w", err)
	}

	var conflict string
	if s.dialect == MySQL {
		conflict = ` ON DUPLICATE KEY UPDATE timezone=VALUES(timezone), quiet_start=VALUES(quiet_start), quiet_end=VALUES(quiet_end),
daily_cap=VALUES(daily_cap), weekly_cap=VALUES(weekly_cap), min_gap_minutes=VALUES(min_gap_minutes),
footer_refresh_days=VALUES(footer_refresh_days), intro_window_days=VALUES(intro_window_days),
autotexter_enabled=VALUES(autotexter_enabled), kill_switch=VALUES(kill_switch), consent_attested=VALUES(consent_attested),
footer_text=VALUES(footer_text), followup_max_attempts=VALUES(followup_max_attempts),
followup_cadence_hours=VALUES(followup_cadence_hours), conversation_died_hours=VALUES(conversation_died_hours),
templates=VALUES(templates), updated_at=VALUES(updated_at)`
	} else {
		conflict = ` ON CONFLICT(account_id) DO UPDATE SET timezone=excluded.timezone, quiet_start=excluded.quiet_start,
quiet_end=excluded.quiet_end, daily_cap=excluded.daily_cap, weekly_cap=excluded.weekly_cap,
min_gap_minutes=excluded.min_gap_minutes, footer_refresh_days=excluded.footer_refresh_days,
intro_window_days=excluded.intro_window_days, autotexter_enabled=excluded.autotexter_enabled,
kill_switch=excluded.kill_switch, consent_attested=excluded.consent_attested, footer_text=excluded.footer_text,
followup_max_attempts=excluded.followup_max_attempts, followup_cadence_hours=excluded.followup_cadence_hours,
conversation_died_hours=excluded.conversation_died_hours, templates=excluded.templates, updated_at=excluded.updated_at`
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO account_policies (`+policyColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`+conflict,
		p.AccountID, p.Timezone, p.QuietStart, p.QuietEnd, p.DailyCap, p.WeeklyCap, p.MinGapMinutes,
		p.FooterRefreshDays, p.IntroWindowDays, boolInt(p.AutotexterEnabled), boolInt(p.KillSwitch),
		boolInt(p.ConsentAttested), p.FooterText, p.FollowupMaxAttempts, string(cadence),
		p.ConversationDiedHours, string(templates), millis(p.UpdatedAt))
	if err != nil {
		return fmt.Errorf("store: upsert policy: %w", err)
	}
	return nil
}

func (s *Store) GetPolicy(ctx context.Context, accountID string) (domain.AccountPolicy, error) {
	p, err := scanPolicy(s.db.QueryRowContext(ctx, `SELECT `+policyColumns+` FROM account_policies WHERE account_id=?`, accountID))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.AccountPolicy{}, ErrNotFound
	}
	if err != nil {
		return domain.AccountPolicy{}, fmt.Errorf("store: get policy: %w", err)
	}
	return p, nil
}

func (s *Store) ListAccountIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT account_id FROM account_policies ORDER BY account_id`)
	if err != nil {
		return nil, fmt.Errorf("store: list accounts: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanPolicy(row rowScanner) (domain.AccountPolicy, error) {
	var (
		p                                domain.AccountPolicy
		autotexter, killSwitch, attested int
		cadence, templates               string
		updated                          int64
	)
	err := row.Scan(&p.AccountID, &p.Timezone, &p.QuietStart, &p.QuietEnd, &p.DailyCap, &p.WeeklyCap,
		&p.MinGapMinutes, &p.FooterRefreshDays, &p.IntroWindowDays, &autotexter, &killSwitch, &attested,
		&p.FooterText, &p.FollowupMaxAttempts, &cadence, &p.ConversationDiedHours, &templates, &updated)
	if err != nil {
		return domain.AccountPolicy{}, err
	}
	if err := json.Unmarshal([]byte(cadence), &p.FollowupCadenceHours); err != nil {
		return domain.AccountPolicy{}, fmt.Errorf("decode cadence: %w", err)
	}
	if err := json.Unmarshal([]byte(templates), &p.Templates); err != nil {
		return domain.AccountPolicy{}, fmt.Errorf("decode templates: %w", err)
	}
	p.AutotexterEnabled = autotexter != 0
	p.KillSwitch = killSwitch != 0
	p.ConsentAttested = attested != 0
	p.UpdatedAt = fromMillis(updated)
	return p, nil
}

func nonNilInts(v []int) []int {
	if v == nil {
		return []int{}
	}
	return v
}

func nonNilStrings(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
