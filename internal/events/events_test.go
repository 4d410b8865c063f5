package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewEnvelope(t *testing.T) {
	at := time.Date(2026, 3, 1, 8, 0, 0, 0, time.FixedZone("x", 3600))
	env := NewEnvelope(TypeMessageSent, "msg_1", at, MessageSent{MessageID: "msg_1"})

	require.NotEmpty(t, env.Meta.ID)
	require.Equal(t, TypeMessageSent, env.Meta.Type)
	require.Equal(t, time.UTC, env.Meta.Time.Location())
	require.NotNil(t, env.Meta.CorrelationID)
	require.Equal(t, "msg_1", *env.Meta.CorrelationID)

	raw, err := json.Marshal(env)
	require.NoError(t, err)
	require.Contains(t, string(raw), `"message_id":"msg_1"`)

	require.Nil(t, NewEnvelope(TypeConsentChanged, "", at, nil).Meta.CorrelationID)
}

func TestMemoryPublisher(t *testing.T) {
	m := &Memory{}
	ctx := context.Background()
	require.NoError(t, m.Publish(ctx, TypeMessageSent, NewEnvelope(TypeMessageSent, "", time.Now(), nil)))
	require.NoError(t, m.Publish(ctx, TypeFollowupFinished, NewEnvelope(TypeFollowupFinished, "", time.Now(), nil)))

	require.Equal(t, []string{TypeMessageSent, TypeFollowupFinished}, m.Types())
	require.Len(t, m.Events(), 2)
	require.NoError(t, m.Close())
}
