// Package core provides the shared contracts of the domainpulse crawler:
// logging and telemetry interfaces, the error taxonomy used for retry and
// circuit decisions, the YAML configuration document, and the Redis client
// used for the scheduler lock and metrics snapshots.
//
// Configuration precedence follows a two-tier hierarchy:
//  1. Explicit values in the YAML document - highest priority
//  2. Defaults (tier-derived rate limits, standard timeouts)
//
// API keys are referenced in the document as ${ENV_VAR} and expanded at load
// time so credentials never live in the file itself.
package core

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Provider tiers control default rate limits and concurrency
const (
	TierFast   = "fast"
	TierMedium = "medium"
	TierSlow   = "slow"
)

// Provider families select the adapter envelope
const (
	FamilyOpenAI    = "openai"
	FamilyAnthropic = "anthropic"
	FamilyGemini    = "gemini"
	FamilyCohere    = "cohere"
)

// RateLimitConfig describes the per-key dispatch budget for a provider
type RateLimitConfig struct {
	RPM          int `yaml:"rpm"`
	Burst        int `yaml:"burst"`
	RetryAfterMS int `yaml:"retry_after_ms"`
}

// ProviderConfig describes one upstream LLM provider
type ProviderConfig struct {
	Enabled   bool            `yaml:"enabled"`
	Family    string          `yaml:"family"`
	Model     string          `yaml:"model"`
	APIKeys   []string        `yaml:"api_keys"`
	Tier      string          `yaml:"tier"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Endpoint  string          `yaml:"endpoint"`
}

// PromptConfig is one prompt template with a {domain} substitution point
type PromptConfig struct {
	Type     string `yaml:"type"`
	Template string `yaml:"template"`
}

// DatabaseConfig configures the Postgres connection pool
type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// RedisConfig configures the Redis connection used for locking and snapshots
type RedisConfig struct {
	URL string `yaml:"url"`
}

// CycleConfig controls batch size and idle pacing of the scheduler loop
type CycleConfig struct {
	BatchSize  int `yaml:"batch_size"`
	IntervalMS int `yaml:"interval_ms"`
}

// TaskConfig controls per-task retry and deadline behavior
type TaskConfig struct {
	RetryMax   int `yaml:"retry_max"`
	DeadlineMS int `yaml:"deadline_ms"`
}

// CircuitConfig controls the per-provider circuit breaker
type CircuitConfig struct {
	FailureThreshold int `yaml:"failure_threshold"`
	ResetTimeoutMS   int `yaml:"reset_timeout_ms"`
}

// ValidatorConfig controls the completion validator
type ValidatorConfig struct {
	Mode           string  `yaml:"mode"` // strict | relaxed
	MinRatio       float64 `yaml:"min_ratio"`
	ReconcileEvery int     `yaml:"reconcile_every"`
}

// LockConfig controls the startup lock
type LockConfig struct {
	Path         string `yaml:"path"`
	StaleAfterMS int    `yaml:"stale_after_ms"`
}

// Config is the full configuration document for one scheduler process
type Config struct {
	Database       DatabaseConfig            `yaml:"database"`
	Redis          RedisConfig               `yaml:"redis"`
	Providers      map[string]ProviderConfig `yaml:"providers"`
	Prompts        []PromptConfig            `yaml:"prompts"`
	Cycle          CycleConfig               `yaml:"cycle"`
	WorkerPoolSize int                       `yaml:"worker_pool_size"`
	Task           TaskConfig                `yaml:"task"`
	Circuit        CircuitConfig             `yaml:"circuit"`
	Validator      ValidatorConfig           `yaml:"validator"`
	Lock           LockConfig                `yaml:"lock"`
	DrainTimeoutMS int                       `yaml:"drain_timeout_ms"`
	MetricsAddr    string                    `yaml:"metrics_addr"`
	OTLPEndpoint   string                    `yaml:"otlp_endpoint"`
}

var envRefPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// ExpandEnv replaces ${VAR} references with environment values.
// Unset variables expand to the empty string so key validation catches them.
func ExpandEnv(s string) string {
	return envRefPattern.ReplaceAllStringFunc(s, func(m string) string {
		name := strings.TrimSuffix(strings.TrimPrefix(m, "${"), "}")
		return os.Getenv(name)
	})
}

// LoadConfig reads, expands, defaults, and validates a configuration file.
// Validation failures are fatal at startup by contract.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return ParseConfig(raw)
}

// ParseConfig parses a configuration document from bytes
func ParseConfig(raw []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", ErrInvalidConfiguration)
	}

	cfg.expandKeys()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) expandKeys() {
	for name, p := range c.Providers {
		keys := make([]string, 0, len(p.APIKeys))
		for _, k := range p.APIKeys {
			if expanded := strings.TrimSpace(ExpandEnv(k)); expanded != "" {
				keys = append(keys, expanded)
			}
		}
		p.APIKeys = keys
		p.Endpoint = ExpandEnv(p.Endpoint)
		c.Providers[name] = p
	}
	c.Database.URL = ExpandEnv(c.Database.URL)
	c.Redis.URL = ExpandEnv(c.Redis.URL)
}

// tierRateLimit returns the default rate limit for a tier
func tierRateLimit(tier string) RateLimitConfig {
	switch tier {
	case TierSlow:
		return RateLimitConfig{RPM: 30, Burst: 2, RetryAfterMS: 60000}
	case TierMedium:
		return RateLimitConfig{RPM: 120, Burst: 4, RetryAfterMS: 30000}
	default:
		return RateLimitConfig{RPM: 600, Burst: 8, RetryAfterMS: 15000}
	}
}

func (c *Config) applyDefaults() {
	if c.Cycle.BatchSize == 0 {
		c.Cycle.BatchSize = 50
	}
	if c.Cycle.IntervalMS == 0 {
		c.Cycle.IntervalMS = 30000
	}
	if c.WorkerPoolSize == 0 {
		c.WorkerPoolSize = 64
	}
	if c.Task.RetryMax == 0 {
		c.Task.RetryMax = 3
	}
	if c.Task.DeadlineMS == 0 {
		c.Task.DeadlineMS = 30000
	}
	if c.Circuit.FailureThreshold == 0 {
		c.Circuit.FailureThreshold = 5
	}
	if c.Circuit.ResetTimeoutMS == 0 {
		c.Circuit.ResetTimeoutMS = 300000
	}
	if c.Validator.Mode == "" {
		c.Validator.Mode = "strict"
	}
	if c.Validator.MinRatio == 0 {
		c.Validator.MinRatio = 1.0
	}
	if c.Validator.ReconcileEvery == 0 {
		c.Validator.ReconcileEvery = 10
	}
	if c.Lock.Path == "" {
		c.Lock.Path = "domainpulse:scheduler:lock"
	}
	if c.Lock.StaleAfterMS == 0 {
		c.Lock.StaleAfterMS = 3600000
	}
	if c.DrainTimeoutMS == 0 {
		c.DrainTimeoutMS = 30000
	}
	if c.Database.MaxOpenConns == 0 {
		// Connection limits stay below the worker pool to avoid starvation
		c.Database.MaxOpenConns = 3 * c.WorkerPoolSize / 4
		if c.Database.MaxOpenConns < 2 {
			c.Database.MaxOpenConns = 2
		}
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 8
	}

	for name, p := range c.Providers {
		if p.Tier == "" {
			p.Tier = TierMedium
		}
		if p.Family == "" {
			p.Family = FamilyOpenAI
		}
		def := tierRateLimit(p.Tier)
		if p.RateLimit.RPM == 0 {
			p.RateLimit.RPM = def.RPM
		}
		if p.RateLimit.Burst == 0 {
			p.RateLimit.Burst = def.Burst
		}
		if p.RateLimit.RetryAfterMS == 0 {
			p.RateLimit.RetryAfterMS = def.RetryAfterMS
		}
		c.Providers[name] = p
	}
}

// Validate checks the document for fatal configuration errors
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("database.url is required: %w", ErrMissingConfiguration)
	}
	if len(c.Prompts) == 0 {
		return fmt.Errorf("at least one prompt is required: %w", ErrMissingConfiguration)
	}
	seen := make(map[string]bool, len(c.Prompts))
	for _, p := range c.Prompts {
		if p.Type == "" || p.Template == "" {
			return fmt.Errorf("prompt requires type and template: %w", ErrInvalidConfiguration)
		}
		if !strings.Contains(p.Template, "{domain}") {
			return fmt.Errorf("prompt %q template has no {domain} substitution point: %w", p.Type, ErrInvalidConfiguration)
		}
		if seen[p.Type] {
			return fmt.Errorf("duplicate prompt type %q: %w", p.Type, ErrInvalidConfiguration)
		}
		seen[p.Type] = true
	}

	enabled := 0
	for name, p := range c.Providers {
		if !p.Enabled || len(p.APIKeys) == 0 {
			continue
		}
		enabled++
		switch p.Family {
		case FamilyOpenAI, FamilyAnthropic, FamilyGemini, FamilyCohere:
		default:
			return fmt.Errorf("provider %q has unknown family %q: %w", name, p.Family, ErrInvalidConfiguration)
		}
		if p.Model == "" {
			return fmt.Errorf("provider %q requires a model: %w", name, ErrMissingConfiguration)
		}
		if p.RateLimit.RPM < 1 {
			return fmt.Errorf("provider %q rate_limit.rpm must be >= 1: %w", name, ErrInvalidConfiguration)
		}
		if p.RateLimit.Burst < 1 {
			return fmt.Errorf("provider %q rate_limit.burst must be >= 1: %w", name, ErrInvalidConfiguration)
		}
	}
	if enabled == 0 {
		return fmt.Errorf("no enabled providers with API keys: %w", ErrInvalidConfiguration)
	}

	if c.Validator.Mode != "strict" && c.Validator.Mode != "relaxed" {
		return fmt.Errorf("validator.mode must be strict or relaxed: %w", ErrInvalidConfiguration)
	}
	if c.Validator.MinRatio < 0 || c.Validator.MinRatio > 1 {
		return fmt.Errorf("validator.min_ratio must be in [0,1]: %w", ErrInvalidConfiguration)
	}
	if c.Database.MaxOpenConns > c.WorkerPoolSize {
		return fmt.Errorf("database.max_open_conns must not exceed worker_pool_size: %w", ErrInvalidConfiguration)
	}
	return nil
}

// TaskDeadline returns the per-call HTTP deadline
func (c *Config) TaskDeadline() time.Duration {
	return time.Duration(c.Task.DeadlineMS) * time.Millisecond
}

// DrainTimeout returns the shutdown drain window
func (c *Config) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutMS) * time.Millisecond
}

// CycleInterval returns the idle delay between cycles
func (c *Config) CycleInterval() time.Duration {
	return time.Duration(c.Cycle.IntervalMS) * time.Millisecond
}
