package store

// Timestamps are unix milliseconds in both dialects.

var sqliteSchema = []string{
	`PRAGMA journal_mode=WAL`,
	`CREATE TABLE IF NOT EXISTS leads (
  id TEXT PRIMARY KEY,
  account_id TEXT NOT NULL,
  phone TEXT NOT NULL,
  email TEXT NOT NULL DEFAULT '',
  consent_state TEXT NOT NULL CHECK(consent_state IN ('unknown','granted','revoked')) DEFAULT 'unknown',
  last_outbound_at INTEGER,
  last_inbound_at INTEGER,
  followup_cursor_id TEXT,
  step INTEGER NOT NULL DEFAULT 0,
  step_at INTEGER,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_leads_account ON leads(account_id, step, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_leads_phone ON leads(phone)`,
	`CREATE TABLE IF NOT EXISTS consent_events (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  phone TEXT NOT NULL,
  type TEXT NOT NULL CHECK(type IN ('granted','revoked','help')),
  source TEXT NOT NULL DEFAULT '',
  account_id TEXT NOT NULL DEFAULT '',
  at INTEGER NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_consent_phone ON consent_events(phone, at)`,
	`CREATE TABLE IF NOT EXISTS messages_out (
  id TEXT PRIMARY KEY,
  account_id TEXT NOT NULL,
  lead_id TEXT NOT NULL,
  recipient TEXT NOT NULL DEFAULT '',
  body TEXT NOT NULL,
  category TEXT NOT NULL DEFAULT '',
  dedup_key TEXT UNIQUE,
  cursor_id TEXT,
  cursor_attempt INTEGER NOT NULL DEFAULT 0,
  sent_by TEXT NOT NULL DEFAULT '',
  operator_id TEXT NOT NULL DEFAULT '',
  has_footer INTEGER NOT NULL DEFAULT 0,
  status TEXT NOT NULL CHECK(status IN ('queued','processing','sent','delivered','failed','dead_letter')) DEFAULT 'queued',
  attempt INTEGER NOT NULL DEFAULT 0,
  max_attempts INTEGER NOT NULL DEFAULT 5,
  run_after INTEGER NOT NULL,
  claimed_at INTEGER,
  provider_ref TEXT,
  last_error TEXT NOT NULL DEFAULT '',
  error_code TEXT,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL,
  sent_at INTEGER,
  delivered_at INTEGER
)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_due ON messages_out(status, run_after)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_lead ON messages_out(lead_id, sent_at)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_recipient ON messages_out(account_id, recipient, has_footer, sent_at)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_provider_ref ON messages_out(provider_ref)`,
	`CREATE TABLE IF NOT EXISTS send_attempts (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  message_id TEXT NOT NULL,
  outcome TEXT NOT NULL,
  error TEXT NOT NULL DEFAULT '',
  at INTEGER NOT NULL,
  FOREIGN KEY(message_id) REFERENCES messages_out(id)
)`,
	`CREATE INDEX IF NOT EXISTS idx_send_attempts_message ON send_attempts(message_id)`,
	`CREATE TABLE IF NOT EXISTS pending_delivery_statuses (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  provider_ref TEXT NOT NULL,
  status TEXT NOT NULL,
  error_code TEXT NOT NULL DEFAULT '',
  at INTEGER NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_pending_delivery_ref ON pending_delivery_statuses(provider_ref)`,
	`CREATE TABLE IF NOT EXISTS followup_cursors (
  id TEXT PRIMARY KEY,
  lead_id TEXT NOT NULL,
  account_id TEXT NOT NULL,
  status TEXT NOT NULL CHECK(status IN ('active','paused','completed','stopped')),
  attempt INTEGER NOT NULL DEFAULT 0,
  max_attempts INTEGER NOT NULL,
  cadence_hours TEXT NOT NULL,
  next_at INTEGER NOT NULL,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_cursors_due ON followup_cursors(status, next_at)`,
	`CREATE INDEX IF NOT EXISTS idx_cursors_lead ON followup_cursors(lead_id, status)`,
	`CREATE TABLE IF NOT EXISTS account_policies (
  account_id TEXT PRIMARY KEY,
  timezone TEXT NOT NULL DEFAULT 'UTC',
  quiet_start INTEGER NOT NULL DEFAULT 0,
  quiet_end INTEGER NOT NULL DEFAULT 0,
  daily_cap INTEGER NOT NULL DEFAULT 0,
  weekly_cap INTEGER NOT NULL DEFAULT 0,
  min_gap_minutes INTEGER NOT NULL DEFAULT 0,
  footer_refresh_days INTEGER NOT NULL DEFAULT 0,
  intro_window_days INTEGER NOT NULL DEFAULT 0,
  autotexter_enabled INTEGER NOT NULL DEFAULT 0,
  kill_switch INTEGER NOT NULL DEFAULT 0,
  consent_attested INTEGER NOT NULL DEFAULT 0,
  footer_text TEXT NOT NULL DEFAULT '',
  followup_max_attempts INTEGER NOT NULL DEFAULT 0,
  followup_cadence_hours TEXT NOT NULL DEFAULT '[]',
  conversation_died_hours INTEGER NOT NULL DEFAULT 0,
  templates TEXT NOT NULL DEFAULT '[]',
  updated_at INTEGER NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS gate_evaluations (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  lead_id TEXT NOT NULL,
  account_id TEXT NOT NULL,
  allowed INTEGER NOT NULL,
  reason_kind TEXT NOT NULL DEFAULT '',
  reason_detail TEXT NOT NULL DEFAULT '{}',
  needs_footer INTEGER NOT NULL,
  evaluated_at INTEGER NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_gate_evaluations_lead ON gate_evaluations(lead_id, evaluated_at)`,
}

// MySQL needs bounded key columns and has no partial indexes; a UNIQUE index
// still admits any number of NULL dedup keys.
var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS leads (
  id VARCHAR(64) NOT NULL PRIMARY KEY,
  account_id VARCHAR(64) NOT NULL,
  phone VARCHAR(32) NOT NULL,
  email VARCHAR(255) NOT NULL DEFAULT '',
  consent_state VARCHAR(16) NOT NULL DEFAULT 'unknown',
  last_outbound_at BIGINT NULL,
  last_inbound_at BIGINT NULL,
  followup_cursor_id VARCHAR(64) NULL,
  step INT NOT NULL DEFAULT 0,
  step_at BIGINT NULL,
  created_at BIGINT NOT NULL,
  updated_at BIGINT NOT NULL,
  INDEX idx_leads_account (account_id, step, created_at),
  INDEX idx_leads_phone (phone)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS consent_events (
  id BIGINT AUTO_INCREMENT PRIMARY KEY,
  phone VARCHAR(32) NOT NULL,
  type VARCHAR(16) NOT NULL,
  source VARCHAR(64) NOT NULL DEFAULT '',
  account_id VARCHAR(64) NOT NULL DEFAULT '',
  at BIGINT NOT NULL,
  INDEX idx_consent_phone (phone, at)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS messages_out (
  id VARCHAR(64) NOT NULL PRIMARY KEY,
  account_id VARCHAR(64) NOT NULL,
  lead_id VARCHAR(64) NOT NULL,
  recipient VARCHAR(32) NOT NULL DEFAULT '',
  body TEXT NOT NULL,
  category VARCHAR(32) NOT NULL DEFAULT '',
  dedup_key VARCHAR(191) NULL,
  cursor_id VARCHAR(64) NULL,
  cursor_attempt INT NOT NULL DEFAULT 0,
  sent_by VARCHAR(16) NOT NULL DEFAULT '',
  operator_id VARCHAR(64) NOT NULL DEFAULT '',
  has_footer TINYINT(1) NOT NULL DEFAULT 0,
  status VARCHAR(16) NOT NULL DEFAULT 'queued',
  attempt INT NOT NULL DEFAULT 0,
  max_attempts INT NOT NULL DEFAULT 5,
  run_after BIGINT NOT NULL,
  claimed_at BIGINT NULL,
  provider_ref VARCHAR(128) NULL,
  last_error TEXT NOT NULL,
  error_code VARCHAR(64) NULL,
  created_at BIGINT NOT NULL,
  updated_at BIGINT NOT NULL,
  sent_at BIGINT NULL,
  delivered_at BIGINT NULL,
  UNIQUE KEY uq_messages_dedup (dedup_key),
  INDEX idx_messages_due (status, run_after),
  INDEX idx_messages_lead (lead_id, sent_at),
  INDEX idx_messages_recipient (account_id, recipient, has_footer, sent_at),
  INDEX idx_messages_provider_ref (provider_ref)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS send_attempts (
  id BIGINT AUTO_INCREMENT PRIMARY KEY,
  message_id VARCHAR(64) NOT NULL,
  outcome VARCHAR(32) NOT NULL,
  error TEXT NOT NULL,
  at BIGINT NOT NULL,
  INDEX idx_send_attempts_message (message_id)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS pending_delivery_statuses (
  id BIGINT AUTO_INCREMENT PRIMARY KEY,
  provider_ref VARCHAR(128) NOT NULL,
  status VARCHAR(16) NOT NULL,
  error_code VARCHAR(64) NOT NULL DEFAULT '',
  at BIGINT NOT NULL,
  INDEX idx_pending_delivery_ref (provider_ref)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS followup_cursors (
  id VARCHAR(64) NOT NULL PRIMARY KEY,
  lead_id VARCHAR(64) NOT NULL,
  account_id VARCHAR(64) NOT NULL,
  status VARCHAR(16) NOT NULL,
  attempt INT NOT NULL DEFAULT 0,
  max_attempts INT NOT NULL,
  cadence_hours VARCHAR(255) NOT NULL,
  next_at BIGINT NOT NULL,
  created_at BIGINT NOT NULL,
  updated_at BIGINT NOT NULL,
  INDEX idx_cursors_due (status, next_at),
  INDEX idx_cursors_lead (lead_id, status)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS account_policies (
  account_id VARCHAR(64) NOT NULL PRIMARY KEY,
  timezone VARCHAR(64) NOT NULL DEFAULT 'UTC',
  quiet_start INT NOT NULL DEFAULT 0,
  quiet_end INT NOT NULL DEFAULT 0,
  daily_cap INT NOT NULL DEFAULT 0,
  weekly_cap INT NOT NULL DEFAULT 0,
  min_gap_minutes INT NOT NULL DEFAULT 0,
  footer_refresh_days INT NOT NULL DEFAULT 0,
  intro_window_days INT NOT NULL DEFAULT 0,
  autotexter_enabled TINYINT(1) NOT NULL DEFAULT 0,
  kill_switch TINYINT(1) NOT NULL DEFAULT 0,
  consent_attested TINYINT(1) NOT NULL DEFAULT 0,
  footer_text VARCHAR(255) NOT NULL DEFAULT '',
  followup_max_attempts INT NOT NULL DEFAULT 0,
  followup_cadence_hours VARCHAR(255) NOT NULL DEFAULT '[]',
  conversation_died_hours INT NOT NULL DEFAULT 0,
  templates TEXT NOT NULL,
  updated_at BIGINT NOT NULL
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS gate_evaluations (
  id BIGINT AUTO_INCREMENT PRIMARY KEY,
  lead_id VARCHAR(64) NOT NULL,
  account_id VARCHAR(64) NOT NULL,
  allowed TINYINT(1) NOT NULL,
  reason_kind VARCHAR(32) NOT NULL DEFAULT '',
  reason_detail TEXT NOT NULL,
  needs_footer TINYINT(1) NOT NULL,
  evaluated_at BIGINT NOT NULL,
  INDEX idx_gate_evaluations_lead (lead_id, evaluated_at)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
}
