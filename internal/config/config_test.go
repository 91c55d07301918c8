package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	c, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", c.Port)
	assert.Equal(t, "local", c.LockBackend)
	assert.Equal(t, int64(50000), c.MinPayoutAmount)
	assert.Equal(t, "XAF", c.DefaultCurrency)
	assert.Equal(t, 30*time.Second, c.PayoutSubmitTimeout)
	assert.Equal(t, 24*time.Hour, c.PayoutDeadline)
	assert.Equal(t, []string{"http://localhost:3000"}, c.CORSAllowedOrigins)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("LOCK_BACKEND", "redis")
	t.Setenv("MIN_PAYOUT_AMOUNT", "1000")
	t.Setenv("PAYOUT_SUBMIT_TIMEOUT", "5s")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example,https://b.example")

	c, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", c.Port)
	assert.Equal(t, "redis", c.LockBackend)
	assert.Equal(t, int64(1000), c.MinPayoutAmount)
	assert.Equal(t, 5*time.Second, c.PayoutSubmitTimeout)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, c.CORSAllowedOrigins)
}

func TestSlogLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		assert.Equal(t, want, App{LogLevel: in}.SlogLevel(), in)
	}
}
