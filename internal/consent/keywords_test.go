package consent

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseDefaultVocabulary(t *testing.T) {
	v := DefaultVocabulary()
	cases := map[string]Keyword{
		"STOP":           KeywordRevoke,
		"stop":           KeywordRevoke,
		" Stop. ":        KeywordRevoke,
		"unsubscribe":    KeywordRevoke,
		"Help":           KeywordHelp,
		"start":          KeywordGrant,
		"RESUME":         KeywordGrant,
		"PAUSE":          KeywordNone,
		"please stop it": KeywordNone,
		"":               KeywordNone,
		"sounds good":    KeywordNone,
	}
	for body, want := range cases {
		require.Equal(t, want, v.Parse(body), "body %q", body)
	}
}

func TestParseRevokeWinsOverGrant(t *testing.T) {
	v := Vocabulary{Revoke: []string{"PAUSE"}, Grant: []string{"PAUSE"}}
	require.Equal(t, KeywordRevoke, v.Parse("pause"))
}

func TestNormalize(t *testing.T) {
	require.Equal(t, "STOP", Normalize(" s t o p! "))
	require.Equal(t, "STOP2", Normalize("stop 2"))
}
