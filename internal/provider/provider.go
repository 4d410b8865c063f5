// Package provider defines the send primitive the worker hands messages to.
package provider

import (
	"context"
	"errors"
)

// Result is the provider acknowledgement of an accepted message.
type Result struct {
	ProviderRef string
	Status      string
}

// Sender delivers one message. Errors should be *Error values so the worker
// can tell a retryable outage from a permanently bad recipient.
type Sender interface {
	Send(ctx context.Context, msg Message) (Result, error)
}

// Message is what the worker hands to the provider.
type Message struct {
	To             string
	Body           string
	IdempotencyKey string
}

// Error is a classified provider failure.
type Error struct {
	Code      string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e.Err == nil {
		if e.Code != "" {
			return "provider error " + e.Code
		}
		return "provider error"
	}
	if e.Code != "" {
		return "provider error " + e.Code + ": " + e.Err.Error()
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Permanent marks err as non-retryable.
func Permanent(code string, err error) error {
	return &Error{Code: code, Retryable: false, Err: err}
}

// Retryable marks err as transient.
func Retryable(code string, err error) error {
	return &Error{Code: code, Retryable: true, Err: err}
}

// IsPermanent reports whether err was classified as non-retryable. Unclassified
// errors, including timeouts, are retryable.
func IsPermanent(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return !pe.Retryable
	}
	return false
}

// Code extracts the provider error code, if any.
func Code(err error) string {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, msg Message) (Result, error)

func (f SenderFunc) Send(ctx context.Context, msg Message) (Result, error) {
	return f(ctx, msg)
}
