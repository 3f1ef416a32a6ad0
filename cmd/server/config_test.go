package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig(nil)
	require.NoError(t, err)
	require.Equal(t, ":8000", cfg.ListenAddr)
	require.Equal(t, "factcheck-media", cfg.Bucket)
	require.Equal(t, 15*time.Minute, cfg.TicketTTL)
	require.Equal(t, 5, cfg.RequestRate)
	require.Empty(t, cfg.RedisAddr)
}

func TestLoadConfigEnvThenFlags(t *testing.T) {
	t.Setenv("FACTCHECK_DEV_BUCKET", "from-env")
	t.Setenv("FACTCHECK_DEV_TICKET_TTL", "2m")
	t.Setenv("FACTCHECK_DEV_LISTEN", ":7000")

	cfg, err := loadConfig([]string{"-listen", ":7100", "-burst", "0"})
	require.NoError(t, err)
	require.Equal(t, "from-env", cfg.Bucket)
	require.Equal(t, 2*time.Minute, cfg.TicketTTL)
	require.Equal(t, ":7100", cfg.ListenAddr, "flags win over the environment")
	require.Equal(t, 1, cfg.Burst)
}

func TestLoadConfigRejectsBadInput(t *testing.T) {
	t.Setenv("FACTCHECK_DEV_TICKET_TTL", "soon")
	_, err := loadConfig(nil)
	require.Error(t, err)
}
