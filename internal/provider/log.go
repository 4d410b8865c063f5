package provider

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Log is a dry-run sender that only logs and acknowledges.
type Log struct {
	Logger zerolog.Logger
}

func (l Log) Send(ctx context.Context, msg Message) (Result, error) {
	ref := "dry_" + uuid.NewString()
	l.Logger.Info().
		Str("to", msg.To).
		Str("provider_ref", ref).
		Int("body_len", len(msg.Body)).
		Msg("dry-run send")
	return Result{ProviderRef: ref, Status: "sent"}, nil
}
