// Package gemini implements the Google GenerateContent envelope. The API key
// travels in the URL rather than a header, and content is structured as
// contents/parts.
package gemini

import (
	"encoding/json"
	"fmt"

	"github.com/domainpulse/domainpulse/core"
	"github.com/domainpulse/domainpulse/providers"
)

// DefaultBaseURL is the default Gemini API endpoint
const DefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// Adapter implements providers.Adapter for the GenerateContent envelope
type Adapter struct {
	baseURL string
	options providers.GenerationOptions
}

// NewAdapter creates a GenerateContent adapter for the given endpoint
func NewAdapter(baseURL string, options providers.GenerationOptions) *Adapter {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Adapter{baseURL: baseURL, options: options.ApplyDefaults()}
}

// Family returns the envelope family name
func (a *Adapter) Family() string { return core.FamilyGemini }

type part struct {
	Text string `json:"text"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type generationConfig struct {
	Temperature     float32 `json:"temperature"`
	MaxOutputTokens int     `json:"maxOutputTokens"`
}

type generateRequest struct {
	Contents         []content         `json:"contents"`
	GenerationConfig *generationConfig `json:"generationConfig,omitempty"`
}

type generateResponse struct {
	Candidates []struct {
		Content content `json:"content"`
	} `json:"candidates"`
}

// BuildRequest constructs the GenerateContent call.
// Format: /models/{model}:generateContent?key={api_key}
func (a *Adapter) BuildRequest(model, prompt, key string) (*providers.Request, error) {
	body, err := json.Marshal(generateRequest{
		Contents: []content{{Role: "user", Parts: []part{{Text: prompt}}}},
		GenerationConfig: &generationConfig{
			Temperature:     a.options.Temperature,
			MaxOutputTokens: a.options.MaxTokens,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	return &providers.Request{
		URL: fmt.Sprintf("%s/models/%s:generateContent?key=%s", a.baseURL, model, key),
		Headers: map[string]string{
			"Content-Type": "application/json",
		},
		Body: body,
	}, nil
}

// ParseResponse concatenates the parts of the first candidate
func (a *Adapter) ParseResponse(raw []byte) (string, error) {
	var resp generateResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", core.ErrParseFailure)
	}
	if len(resp.Candidates) == 0 {
		return "", fmt.Errorf("no candidates returned: %w", core.ErrEmptyCompletion)
	}
	var text string
	for _, p := range resp.Candidates[0].Content.Parts {
		text += p.Text
	}
	if text == "" {
		return "", fmt.Errorf("no text content: %w", core.ErrEmptyCompletion)
	}
	return text, nil
}
