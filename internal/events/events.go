// Package events publishes engine lifecycle events for downstream consumers.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	TypeMessageSent         = "outreach.message.sent.v1"
	TypeMessageDeadLettered = "outreach.message.dead_lettered.v1"
	TypeConsentChanged      = "outreach.consent.changed.v1"
	TypeFollowupFinished    = "outreach.followup.finished.v1"
)

const producer = "outreach"

type Meta struct {
	ID            string    `json:"id"`
	CorrelationID *string   `json:"correlation_id,omitempty"`
	Producer      *string   `json:"producer,omitempty"`
	Time          time.Time `json:"time"`
	Type          string    `json:"type"`
}

type Envelope struct {
	Meta Meta `json:"meta"`
	Data any  `json:"data"`
}

// NewEnvelope stamps data with a fresh id. correlationID may be empty.
func NewEnvelope(eventType, correlationID string, at time.Time, data any) Envelope {
	p := producer
	env := Envelope{
		Meta: Meta{ID: uuid.NewString(), Producer: &p, Time: at.UTC(), Type: eventType},
		Data: data,
	}
	if correlationID != "" {
		env.Meta.CorrelationID = &correlationID
	}
	return env
}

type MessageSent struct {
	MessageID   string `json:"message_id"`
	AccountID   string `json:"account_id"`
	LeadID      string `json:"lead_id"`
	Category    string `json:"category"`
	ProviderRef string `json:"provider_ref"`
	Attempt     int    `json:"attempt"`
}

type MessageDeadLettered struct {
	MessageID string `json:"message_id"`
	AccountID string `json:"account_id"`
	LeadID    string `json:"lead_id"`
	Attempt   int    `json:"attempt"`
	Error     string `json:"error"`
	ErrorCode string `json:"error_code,omitempty"`
}

type ConsentChanged struct {
	Phone     string `json:"phone"`
	AccountID string `json:"account_id,omitempty"`
	State     string `json:"state"`
	Source    string `json:"source"`
}

type FollowupFinished struct {
	CursorID  string `json:"cursor_id"`
	LeadID    string `json:"lead_id"`
	AccountID string `json:"account_id"`
	Status    string `json:"status"`
	Attempt   int    `json:"attempt"`
}

// Publisher delivers envelopes under a routing key equal to the event type.
type Publisher interface {
	Publish(ctx context.Context, key string, msg Envelope) error
	Close() error
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, string, Envelope) error { return nil }
func (Nop) Close() error                                   { return nil }

// Memory keeps published events, for tests and the dry-run mode.
type Memory struct {
	mu     sync.Mutex
	events []Envelope
}

func (m *Memory) Publish(_ context.Context, _ string, msg Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, msg)
	return nil
}

func (m *Memory) Close() error { return nil }

// Types returns the type of every event published so far, in order.
func (m *Memory) Types() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.events))
	for i, e := range m.events {
		out[i] = e.Meta.Type
	}
	return out
}

func (m *Memory) Events() []Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Envelope(nil), m.events...)
}
