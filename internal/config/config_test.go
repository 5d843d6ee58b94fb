package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_RequiresJWTSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "secret")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.DatabaseDriver)
	assert.Equal(t, 10, cfg.Delivery.RateLimitMessages)
	assert.Equal(t, 10*time.Second, cfg.Delivery.RateLimitWindow)
	assert.Equal(t, 500*time.Millisecond, cfg.Presence.BroadcastDebounce)
	assert.Equal(t, 2*time.Minute, cfg.Presence.HeartbeatPersistInterval)
	assert.Equal(t, time.Second, cfg.Calls.RetryBase)
	assert.Equal(t, 3, cfg.Calls.RetryAttempts)
	assert.Equal(t, int64(5*1024*1024), cfg.Upload.MaxBytes)
}

func TestLoad_Overrides(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
		check func(t *testing.T, cfg *Config)
	}{
		{
			name:  "duration string",
			key:   "RATE_LIMIT_WINDOW",
			value: "3s",
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 3*time.Second, cfg.Delivery.RateLimitWindow)
			},
		},
		{
			name:  "plain seconds",
			key:   "CONNECT_TIMEOUT",
			value: "4",
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 4*time.Second, cfg.Presence.ConnectTimeout)
			},
		},
		{
			name:  "sqlite driver",
			key:   "DATABASE_DRIVER",
			value: "sqlite",
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "sqlite", cfg.DatabaseDriver)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("JWT_SECRET", "secret")
			t.Setenv(tt.key, tt.value)

			cfg, err := Load()
			require.NoError(t, err)
			tt.check(t, cfg)
		})
	}
}

func TestLoad_RejectsUnknownDriver(t *testing.T) {
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("DATABASE_DRIVER", "mongo")

	_, err := Load()
	assert.Error(t, err)
}
