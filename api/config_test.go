package api

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 5, cfg.MaxRetries)
	assert.Equal(t, time.Second, cfg.RetryWait)
	assert.Equal(t, 5, cfg.MaxLag)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("MEDIAWIKI_MAXRETRIES", "9")
	t.Setenv("MEDIAWIKI_USERAGENT", "test-bot/1.0")
	t.Setenv("MEDIAWIKI_SIMULATE", "true")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.MaxRetries)
	assert.Equal(t, "test-bot/1.0", cfg.UserAgent)
	assert.True(t, cfg.Simulate)
	// Untouched keys keep their defaults.
	assert.Equal(t, 120*time.Second, cfg.RetryMax)
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	t.Setenv("MEDIAWIKI_MAXRETRIES", "-1")
	_, err := LoadConfig()
	assert.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults", func(c *Config) {}, true},
		{"negative retries", func(c *Config) { c.MaxRetries = -1 }, false},
		{"zero retry wait", func(c *Config) { c.RetryWait = 0 }, false},
		{"retrymax below retrywait", func(c *Config) { c.RetryMax = c.RetryWait / 2 }, false},
		{"negative maxlag", func(c *Config) { c.MaxLag = -1 }, false},
		{"tiny url budget", func(c *Config) { c.MaxURLLength = 10 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestSimulatedActions(t *testing.T) {
	cfg := DefaultConfig()
	assert.False(t, cfg.simulated("edit", true))

	cfg.Simulate = true
	assert.True(t, cfg.simulated("edit", true))
	assert.False(t, cfg.simulated("query", false))

	cfg.Simulate = false
	cfg.SimulateActions = []string{"purge"}
	assert.True(t, cfg.simulated("purge", true))
	assert.False(t, cfg.simulated("edit", true))
}
