package core

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
database:
  url: postgres://localhost:5432/domainpulse?sslmode=disable
redis:
  url: redis://localhost:6379/0
providers:
  openai-main:
    enabled: true
    family: openai
    model: gpt-4o-mini
    tier: fast
    api_keys:
      - key-one
      - key-two
  anthropic-main:
    enabled: true
    family: anthropic
    model: claude-3-5-haiku
    api_keys:
      - key-three
prompts:
  - type: overview
    template: "Describe {domain}."
  - type: products
    template: "List products at {domain}."
`

func TestParseConfigDefaults(t *testing.T) {
	cfg, err := ParseConfig([]byte(sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, 50, cfg.Cycle.BatchSize)
	assert.Equal(t, 30000, cfg.Cycle.IntervalMS)
	assert.Equal(t, 64, cfg.WorkerPoolSize)
	assert.Equal(t, 3, cfg.Task.RetryMax)
	assert.Equal(t, 5, cfg.Circuit.FailureThreshold)
	assert.Equal(t, 300000, cfg.Circuit.ResetTimeoutMS)
	assert.Equal(t, "strict", cfg.Validator.Mode)
	assert.Equal(t, 1.0, cfg.Validator.MinRatio)
	assert.Equal(t, "domainpulse:scheduler:lock", cfg.Lock.Path)

	// Tier defaults
	fast := cfg.Providers["openai-main"].RateLimit
	assert.Equal(t, 600, fast.RPM)
	assert.Equal(t, 8, fast.Burst)

	// Unset tier falls back to medium
	medium := cfg.Providers["anthropic-main"]
	assert.Equal(t, TierMedium, medium.Tier)
	assert.Equal(t, 120, medium.RateLimit.RPM)
	assert.Equal(t, 4, medium.RateLimit.Burst)

	// Connection pool stays below the worker pool
	assert.LessOrEqual(t, cfg.Database.MaxOpenConns, cfg.WorkerPoolSize)
}

func TestExpandEnvKeys(t *testing.T) {
	os.Setenv("DP_TEST_KEY", "expanded-secret")
	defer os.Unsetenv("DP_TEST_KEY")

	raw := `
database:
  url: postgres://localhost/dp
providers:
  p1:
    enabled: true
    family: openai
    model: m
    api_keys:
      - ${DP_TEST_KEY}
      - ${DP_TEST_KEY_UNSET}
prompts:
  - type: t
    template: "{domain}"
`
	cfg, err := ParseConfig([]byte(raw))
	require.NoError(t, err)

	// Unset variables expand to empty and are dropped from the pool
	keys := cfg.Providers["p1"].APIKeys
	require.Len(t, keys, 1)
	assert.Equal(t, "expanded-secret", keys[0])
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"missing database url", func(c *Config) { c.Database.URL = "" }},
		{"no prompts", func(c *Config) { c.Prompts = nil }},
		{"prompt without domain placeholder", func(c *Config) {
			c.Prompts = []PromptConfig{{Type: "t", Template: "no placeholder"}}
		}},
		{"duplicate prompt type", func(c *Config) {
			c.Prompts = []PromptConfig{
				{Type: "t", Template: "{domain}"},
				{Type: "t", Template: "also {domain}"},
			}
		}},
		{"no enabled providers", func(c *Config) {
			for name, p := range c.Providers {
				p.Enabled = false
				c.Providers[name] = p
			}
		}},
		{"unknown family", func(c *Config) {
			p := c.Providers["openai-main"]
			p.Family = "mystery"
			c.Providers["openai-main"] = p
		}},
		{"missing model", func(c *Config) {
			p := c.Providers["openai-main"]
			p.Model = ""
			c.Providers["openai-main"] = p
		}},
		{"bad validator mode", func(c *Config) { c.Validator.Mode = "lenient" }},
		{"min_ratio out of range", func(c *Config) { c.Validator.MinRatio = 1.5 }},
		{"db pool larger than worker pool", func(c *Config) { c.Database.MaxOpenConns = c.WorkerPoolSize + 1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := ParseConfig([]byte(sampleConfig))
			require.NoError(t, err)
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig("/nonexistent/config.yaml")
	assert.Error(t, err)
}
