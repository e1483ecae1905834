package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/domainpulse/domainpulse/core"
)

func baseConfig() *core.Config {
	return &core.Config{
		Providers: map[string]core.ProviderConfig{
			"openai-main": {
				Enabled:   true,
				Family:    core.FamilyOpenAI,
				Model:     "gpt-4o-mini",
				APIKeys:   []string{"k1", "k2"},
				RateLimit: core.RateLimitConfig{RPM: 600, Burst: 8},
			},
			"gemini-main": {
				Enabled:   true,
				Family:    core.FamilyGemini,
				Model:     "gemini-1.5-flash",
				APIKeys:   []string{"k3"},
				RateLimit: core.RateLimitConfig{RPM: 120, Burst: 4},
			},
			"disabled-one": {
				Enabled: false,
				Family:  core.FamilyCohere,
				Model:   "command-r",
				APIKeys: []string{"k4"},
			},
			"keyless-one": {
				Enabled: true,
				Family:  core.FamilyAnthropic,
				Model:   "claude-3-5-haiku",
			},
		},
		Prompts: []core.PromptConfig{
			{Type: "overview", Template: "Describe {domain} briefly."},
			{Type: "products", Template: "Products at {domain}?"},
			{Type: "audience", Template: "Audience of {domain}?"},
		},
		Task: core.TaskConfig{DeadlineMS: 5000},
	}
}

func TestNewSkipsDisabledAndKeyless(t *testing.T) {
	reg, err := New(baseConfig(), nil, nil)
	require.NoError(t, err)

	providers := reg.EnabledProviders()
	require.Len(t, providers, 2)
	names := map[string]bool{}
	for _, p := range providers {
		names[p.Name] = true
		assert.NotNil(t, p.Adapter)
		assert.NotNil(t, p.Caller)
	}
	assert.True(t, names["openai-main"])
	assert.True(t, names["gemini-main"])
}

func TestTensorSize(t *testing.T) {
	reg, err := New(baseConfig(), nil, nil)
	require.NoError(t, err)
	// 2 enabled providers x 3 prompts
	assert.Equal(t, 6, reg.TensorSize())
}

func TestNewRejectsZeroProviders(t *testing.T) {
	cfg := baseConfig()
	for name, p := range cfg.Providers {
		p.Enabled = false
		cfg.Providers[name] = p
	}
	_, err := New(cfg, nil, nil)
	assert.ErrorIs(t, err, core.ErrInvalidConfiguration)
}

func TestNewRejectsUnknownFamily(t *testing.T) {
	cfg := baseConfig()
	cfg.Providers["weird"] = core.ProviderConfig{
		Enabled: true,
		Family:  "mystery",
		Model:   "m",
		APIKeys: []string{"k"},
	}
	_, err := New(cfg, nil, nil)
	assert.Error(t, err)
}

func TestModelID(t *testing.T) {
	p := &Provider{Name: "openai-main", Model: "gpt-4o-mini"}
	assert.Equal(t, "openai-main/gpt-4o-mini", p.ModelID())
}

func TestPromptRender(t *testing.T) {
	p := Prompt{Type: "overview", Template: "Describe {domain} and {domain} again."}
	assert.Equal(t, "Describe example.com and example.com again.", p.Render("example.com"))
}
