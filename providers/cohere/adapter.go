// Package cohere implements the single-prompt generate envelope used by
// Cohere. Unlike the chat families, the prompt is a flat string and the
// reply carries a list of generations.
package cohere

import (
	"encoding/json"
	"fmt"

	"github.com/domainpulse/domainpulse/core"
	"github.com/domainpulse/domainpulse/providers"
)

// DefaultBaseURL is the default Cohere API endpoint
const DefaultBaseURL = "https://api.cohere.ai/v1"

// Adapter implements providers.Adapter for the generate envelope
type Adapter struct {
	baseURL string
	options providers.GenerationOptions
}

// NewAdapter creates a generate adapter for the given endpoint
func NewAdapter(baseURL string, options providers.GenerationOptions) *Adapter {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Adapter{baseURL: baseURL, options: options.ApplyDefaults()}
}

// Family returns the envelope family name
func (a *Adapter) Family() string { return core.FamilyCohere }

type generateRequest struct {
	Model       string  `json:"model"`
	Prompt      string  `json:"prompt"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float32 `json:"temperature"`
}

type generateResponse struct {
	Generations []struct {
		Text string `json:"text"`
	} `json:"generations"`
}

// BuildRequest constructs the generate call
func (a *Adapter) BuildRequest(model, prompt, key string) (*providers.Request, error) {
	body, err := json.Marshal(generateRequest{
		Model:       model,
		Prompt:      prompt,
		MaxTokens:   a.options.MaxTokens,
		Temperature: a.options.Temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	return &providers.Request{
		URL: a.baseURL + "/generate",
		Headers: map[string]string{
			"Content-Type":  "application/json",
			"Authorization": "Bearer " + key,
		},
		Body: body,
	}, nil
}

// ParseResponse extracts the first generation
func (a *Adapter) ParseResponse(raw []byte) (string, error) {
	var resp generateResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", core.ErrParseFailure)
	}
	if len(resp.Generations) == 0 {
		return "", fmt.Errorf("no generations returned: %w", core.ErrEmptyCompletion)
	}
	text := resp.Generations[0].Text
	if text == "" {
		return "", fmt.Errorf("no text content: %w", core.ErrEmptyCompletion)
	}
	return text, nil
}
