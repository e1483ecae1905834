// Package registry loads the set of enabled providers and the prompt set
// from configuration and exposes an immutable snapshot to the scheduler.
// Changing the provider or prompt configuration is a deployment event;
// runtime reconfiguration is a non-goal.
package registry

import (
	"fmt"
	"strings"

	"github.com/domainpulse/domainpulse/core"
	"github.com/domainpulse/domainpulse/providers"
	"github.com/domainpulse/domainpulse/providers/anthropic"
	"github.com/domainpulse/domainpulse/providers/cohere"
	"github.com/domainpulse/domainpulse/providers/gemini"
	"github.com/domainpulse/domainpulse/providers/openai"
)

// Provider is one enabled upstream with its adapter and dispatch budget
type Provider struct {
	Name      string
	Family    string
	Model     string
	Keys      []string
	Tier      string
	RateLimit core.RateLimitConfig
	Endpoint  string
	Adapter   providers.Adapter
	Caller    *providers.Caller
}

// ModelID returns the provider/model composite stored with every response
func (p *Provider) ModelID() string {
	return p.Name + "/" + p.Model
}

// Prompt is one template with a {domain} substitution point
type Prompt struct {
	Type     string
	Template string
}

// Render substitutes the domain hostname into the template
func (p Prompt) Render(domain string) string {
	return strings.ReplaceAll(p.Template, "{domain}", domain)
}

// Registry is the immutable provider/prompt snapshot for a scheduler run
type Registry struct {
	providers []*Provider
	prompts   []Prompt
	logger    core.Logger
}

// New builds the registry from configuration. Providers without keys are
// logged and excluded; zero enabled providers is a fatal configuration error.
func New(cfg *core.Config, logger core.Logger, telemetry core.Telemetry) (*Registry, error) {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}

	reg := &Registry{logger: logger}

	for name, pc := range cfg.Providers {
		if !pc.Enabled {
			logger.Debug("Provider disabled by configuration", map[string]interface{}{
				"operation": "registry_skip_provider",
				"provider":  name,
				"reason":    "enabled_false",
			})
			continue
		}
		if len(pc.APIKeys) == 0 {
			logger.Warn("Provider disabled - no API keys", map[string]interface{}{
				"operation": "registry_skip_provider",
				"provider":  name,
				"reason":    "no_api_keys",
			})
			continue
		}

		adapter, err := buildAdapter(pc.Family, pc.Endpoint)
		if err != nil {
			return nil, fmt.Errorf("provider %q: %w", name, err)
		}

		reg.providers = append(reg.providers, &Provider{
			Name:      name,
			Family:    pc.Family,
			Model:     pc.Model,
			Keys:      append([]string(nil), pc.APIKeys...),
			Tier:      pc.Tier,
			RateLimit: pc.RateLimit,
			Endpoint:  pc.Endpoint,
			Adapter:   adapter,
			Caller:    providers.NewCaller(name, cfg.TaskDeadline(), logger, telemetry),
		})

		logger.Info("Provider registered", map[string]interface{}{
			"operation": "registry_add_provider",
			"provider":  name,
			"family":    pc.Family,
			"model":     pc.Model,
			"tier":      pc.Tier,
			"keys":      len(pc.APIKeys),
			"rpm":       pc.RateLimit.RPM,
		})
	}

	if len(reg.providers) == 0 {
		return nil, fmt.Errorf("no enabled providers: %w", core.ErrInvalidConfiguration)
	}

	for _, pc := range cfg.Prompts {
		reg.prompts = append(reg.prompts, Prompt{Type: pc.Type, Template: pc.Template})
	}

	logger.Info("Registry built", map[string]interface{}{
		"operation":   "registry_built",
		"providers":   len(reg.providers),
		"prompts":     len(reg.prompts),
		"tensor_size": reg.TensorSize(),
	})

	return reg, nil
}

func buildAdapter(family, endpoint string) (providers.Adapter, error) {
	options := providers.GenerationOptions{}
	switch family {
	case core.FamilyOpenAI:
		return openai.NewAdapter(endpoint, options), nil
	case core.FamilyAnthropic:
		return anthropic.NewAdapter(endpoint, options), nil
	case core.FamilyGemini:
		return gemini.NewAdapter(endpoint, options), nil
	case core.FamilyCohere:
		return cohere.NewAdapter(endpoint, options), nil
	default:
		return nil, fmt.Errorf("unknown provider family %q: %w", family, core.ErrInvalidConfiguration)
	}
}

// EnabledProviders returns the provider snapshot for the duration of a cycle
func (r *Registry) EnabledProviders() []*Provider {
	return r.providers
}

// Prompts returns the configured prompt set
func (r *Registry) Prompts() []Prompt {
	return r.prompts
}

// TensorSize is the expected per-domain response count:
// |EnabledProviders| x |PromptSet|
func (r *Registry) TensorSize() int {
	return len(r.providers) * len(r.prompts)
}
