package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 0.01, cfg.CellSizeDegrees)
	assert.Equal(t, 100, cfg.MaxEntriesPerRegion)
	assert.Equal(t, 168.0, cfg.DefaultTTLHours)
	assert.Equal(t, 24.0, cfg.CleanupIntervalHours)
	assert.Equal(t, 50, cfg.StatsSampleSize)
	assert.NoError(t, cfg.Validate())
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero cell size", func(c *Config) { c.CellSizeDegrees = 0 }},
		{"negative cell size", func(c *Config) { c.CellSizeDegrees = -0.01 }},
		{"zero region cap", func(c *Config) { c.MaxEntriesPerRegion = 0 }},
		{"zero ttl", func(c *Config) { c.DefaultTTLHours = 0 }},
		{"zero cleanup interval", func(c *Config) { c.CleanupIntervalHours = 0 }},
		{"zero sample size", func(c *Config) { c.StatsSampleSize = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
