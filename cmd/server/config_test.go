package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	require.NoError(t, defaultConfig().Validate())
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty listen", func(c *Config) { c.ListenAddress = "" }},
		{"relative path", func(c *Config) { c.Path = "relay" }},
		{"zero pending timeout", func(c *Config) { c.PendingTimeout = 0 }},
		{"zero cleanup interval", func(c *Config) { c.PendingCleanupInterval = 0 }},
		{"zero message size", func(c *Config) { c.MaxMessageBytes = 0 }},
		{"zero write timeout", func(c *Config) { c.WriteTimeout = 0 }},
		{"idle below ping", func(c *Config) { c.IdleTimeout = 10 * time.Second }},
		{"negative conn rate", func(c *Config) { c.ConnRate = -1 }},
		{"bad origin", func(c *Config) { c.AllowedOrigins = []string{"example.com"} }},
		{"zero presence ttl", func(c *Config) { c.PresenceTTL = 0 }},
		{"redis without presence", func(c *Config) { c.Presence = false; c.RedisAddr = "localhost:6379" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := defaultConfig()
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidateAllowsDisabledKeepalive(t *testing.T) {
	cfg := defaultConfig()
	cfg.PingInterval = 0
	cfg.IdleTimeout = 0
	assert.NoError(t, cfg.Validate())
}

func TestFlagNameToEnvVar(t *testing.T) {
	assert.Equal(t, "WSRELAY_MAX_MESSAGE_BYTES", flagNameToEnvVar("max-message-bytes"))
	assert.Equal(t, "WSRELAY_LISTEN", flagNameToEnvVar("listen"))
}

func TestEnvOverridesDefaults(t *testing.T) {
	t.Setenv("WSRELAY_LISTEN", "0.0.0.0:4000")
	t.Setenv("WSRELAY_PENDING_TIMEOUT", "90s")
	t.Setenv("WSRELAY_ALLOWED_ORIGINS", "https://a.example.com,https://b.example.com")

	_, cfg := newRootCmd()
	assert.Equal(t, "0.0.0.0:4000", cfg.ListenAddress)
	assert.Equal(t, 90*time.Second, cfg.PendingTimeout)
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.AllowedOrigins)
}

func TestFlagsOverrideEnv(t *testing.T) {
	t.Setenv("WSRELAY_PATH", "/env")

	cmd, cfg := newRootCmd()
	require.NoError(t, cmd.PersistentFlags().Parse([]string{"--path", "/flag"}))
	assert.Equal(t, "/flag", cfg.Path)
}

func TestRootCommandRejectsInvalidConfig(t *testing.T) {
	cmd, _ := newRootCmd()
	cmd.SetArgs([]string{"--path", "relay", "--metrics", ""})

	err := cmd.ExecuteContext(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")
}
