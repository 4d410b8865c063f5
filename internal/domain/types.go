package domain

import "time"

type ConsentState string

const (
	ConsentUnknown ConsentState = "unknown"
	ConsentGranted ConsentState = "granted"
	ConsentRevoked ConsentState = "revoked"
)

type Lead struct {
	ID               string
	AccountID        string
	Phone            string
	Email            string
	ConsentState     ConsentState
	LastOutboundAt   *time.Time
	LastInboundAt    *time.Time
	FollowupCursorID *string
	Step             int
	StepAt           *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

type ConsentEventType string

const (
	ConsentEventGranted ConsentEventType = "granted"
	ConsentEventRevoked ConsentEventType = "revoked"
	ConsentEventHelp    ConsentEventType = "help"
)

// ConsentEvent is one append-only entry of the consent log.
type ConsentEvent struct {
	ID        int64
	Phone     string
	Type      ConsentEventType
	Source    string
	AccountID string
	At        time.Time
}

const (
	SentByAI       = "ai"
	SentByHuman    = "human"
	OperatorAuto   = "auto"
	CategoryOpener = "opener"
	CategoryNudge  = "nudge"
	CategoryReslot = "reslot"
	CategoryFollow = "followup"
	CategoryManual = "manual"
)

// MessageStatus is the lifecycle of an outbound message. The queue states
// (queued, processing) and delivery states share one column.
type MessageStatus string

const (
	MessageQueued     MessageStatus = "queued"
	MessageProcessing MessageStatus = "processing"
	MessageSent       MessageStatus = "sent"
	MessageDelivered  MessageStatus = "delivered"
	MessageFailed     MessageStatus = "failed"
	MessageDeadLetter MessageStatus = "dead_letter"
)

// Rank orders statuses for monotonic webhook upgrades. Terminal statuses share a rank.
func (s MessageStatus) Rank() int {
	switch s {
	case MessageQueued:
		return 0
	case MessageProcessing:
		return 1
	case MessageSent:
		return 2
	case MessageDelivered, MessageFailed, MessageDeadLetter:
		return 3
	default:
		return -1
	}
}

// OutboundAttempt is one row of messages_out: a queued message, its retry
// state and, once handed to the provider, its delivery history.
type OutboundAttempt struct {
	ID            string
	AccountID     string
	LeadID        string
	Recipient     string
	Body          string
	Category      string
	DedupKey      *string
	CursorID      *string
	CursorAttempt int
	SentBy        string
	OperatorID    string
	HasFooter     bool
	Status        MessageStatus
	Attempt       int
	MaxAttempts   int
	RunAfter      time.Time
	ClaimedAt     *time.Time
	ProviderRef   *string
	LastError     string
	ErrorCode     *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	SentAt        *time.Time
	DeliveredAt   *time.Time
}

// Automated reports whether the message counts against frequency caps.
func (m OutboundAttempt) Automated() bool {
	return m.SentBy == SentByAI || m.OperatorID == OperatorAuto
}

type CursorStatus string

const (
	CursorActive    CursorStatus = "active"
	CursorPaused    CursorStatus = "paused"
	CursorCompleted CursorStatus = "completed"
	CursorStopped   CursorStatus = "stopped"
)

type FollowupCursor struct {
	ID           string
	LeadID       string
	AccountID    string
	Status       CursorStatus
	Attempt      int
	MaxAttempts  int
	CadenceHours []int
	NextAt       time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// AccountPolicy is the per-account compliance and cadence configuration.
// The engine only reads it.
type AccountPolicy struct {
	AccountID         string
	Timezone          string
	QuietStart        int // minute of day the send window opens
	QuietEnd          int // minute of day the send window closes, exclusive
	DailyCap          int
	WeeklyCap         int
	MinGapMinutes     int
	FooterRefreshDays int
	IntroWindowDays   int

	AutotexterEnabled     bool
	KillSwitch            bool
	ConsentAttested       bool
	FooterText            string
	FollowupMaxAttempts   int
	FollowupCadenceHours  []int
	ConversationDiedHours int
	Templates             []string
	UpdatedAt             time.Time
}

// Location resolves the policy timezone, falling back to UTC.
func (p AccountPolicy) Location() *time.Location {
	if p.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// SendAttempt audits one worker execution against a queued message.
type SendAttempt struct {
	ID        int64
	MessageID string
	Outcome   string
	Error     string
	At        time.Time
}

// ParkedStatus is a delivery callback that arrived before the worker
// recorded the provider reference it names.
type ParkedStatus struct {
	ID          int64
	ProviderRef string
	Status      MessageStatus
	ErrorCode   string
	At          time.Time
}

const (
	OutcomeSent       = "sent"
	OutcomeRetry      = "retry"
	OutcomeDeferred   = "deferred"
	OutcomeFailed     = "failed"
	OutcomeDeadLetter = "dead_letter"
	OutcomeRequeued   = "requeued"
	OutcomeRecovered  = "recovered"
)
