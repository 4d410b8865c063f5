package domain

import "time"

// ReasonKind is the machine-readable tag of a BlockReason.
type ReasonKind string

const (
	ReasonNoRecipient ReasonKind = "no_recipient"
	ReasonOptedOut    ReasonKind = "opted_out"
	ReasonQuietHours  ReasonKind = "quiet_hours"
	ReasonMinGap      ReasonKind = "min_gap"
	ReasonDayCap      ReasonKind = "day_cap"
	ReasonWeekCap     ReasonKind = "week_cap"
)

// BlockReason explains why the compliance gate refused a send.
// Implementations are NoRecipient, OptedOut, QuietHours, MinGap and CapExceeded.
type BlockReason interface {
	Kind() ReasonKind
	isBlockReason()
}

// NoRecipient blocks a lead without a usable phone number.
type NoRecipient struct{}

func (NoRecipient) Kind() ReasonKind { return ReasonNoRecipient }
func (NoRecipient) isBlockReason()   {}

type OptedOut struct {
	Phone string
}

func (OptedOut) Kind() ReasonKind { return ReasonOptedOut }
func (OptedOut) isBlockReason()   {}

type QuietHours struct {
	LocalMinute int
	Start       int
	End         int
	NextAllowed time.Time
}

func (QuietHours) Kind() ReasonKind { return ReasonQuietHours }
func (QuietHours) isBlockReason()   {}

type MinGap struct {
	LastOutboundAt time.Time
	GapMinutes     int
}

func (MinGap) Kind() ReasonKind { return ReasonMinGap }
func (MinGap) isBlockReason()   {}

type CapWindow string

const (
	CapDay  CapWindow = "day"
	CapWeek CapWindow = "week"
)

type CapExceeded struct {
	Window CapWindow
	Count  int
	Cap    int
}

func (c CapExceeded) Kind() ReasonKind {
	if c.Window == CapWeek {
		return ReasonWeekCap
	}
	return ReasonDayCap
}
func (CapExceeded) isBlockReason() {}

// Decision is the gate outcome. Reason is nil when Allowed.
type Decision struct {
	Allowed     bool
	Reason      BlockReason
	NeedsFooter bool
}

// ReasonString returns the reason tag or "" for an allowed decision.
func (d Decision) ReasonString() string {
	if d.Reason == nil {
		return ""
	}
	return string(d.Reason.Kind())
}

// GateEvaluation is a stored decision for the operator trail.
type GateEvaluation struct {
	ID          int64
	LeadID      string
	AccountID   string
	Decision    Decision
	EvaluatedAt time.Time
}
