package config

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(nil)
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.Addr)
	require.Equal(t, "sqlite", cfg.DBDriver)
	require.Equal(t, 5, cfg.MaxAttempts)
	require.Equal(t, 5*time.Minute, cfg.StaleLease)
	require.Equal(t, []string{"21610"}, cfg.OptOutCodes)
	require.Equal(t, zerolog.InfoLevel, cfg.Level())
}

func TestLoadFlagsOverrideEnv(t *testing.T) {
	t.Setenv("OUTREACH_ADDR", ":9000")
	t.Setenv("OUTREACH_WORKERS", "3")

	cfg, err := Load([]string{"-workers", "12"})
	require.NoError(t, err)
	require.Equal(t, ":9000", cfg.Addr)
	require.Equal(t, 12, cfg.Workers)
}

func TestLoadEnvError(t *testing.T) {
	t.Setenv("OUTREACH_WORKERS", "many")

	_, err := Load(nil)
	require.ErrorContains(t, err, "parse env:")
}

func TestLoadRejectsUnknownDriver(t *testing.T) {
	_, err := Load([]string{"-driver", "postgres"})
	require.ErrorIs(t, err, ErrInvalid)
}

func TestVocabularyOverrides(t *testing.T) {
	t.Setenv("OUTREACH_REVOKE_KEYWORDS", "STOP, PAUSE ,")

	cfg, err := Load(nil)
	require.NoError(t, err)
	v := cfg.Vocabulary()
	require.Equal(t, []string{"STOP", "PAUSE"}, v.Revoke)
	require.Equal(t, []string{"HELP"}, v.Help)
}
