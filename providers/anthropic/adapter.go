// Package anthropic implements the Anthropic Messages envelope. It differs
// from the OpenAI family in its header set (x-api-key plus a pinned API
// version) and in returning content as a list of typed blocks.
package anthropic

import (
	"encoding/json"
	"fmt"

	"github.com/domainpulse/domainpulse/core"
	"github.com/domainpulse/domainpulse/providers"
)

const (
	// DefaultBaseURL is the default Anthropic API endpoint
	DefaultBaseURL = "https://api.anthropic.com/v1"
	// APIVersion is the required Anthropic API version header
	APIVersion = "2023-06-01"
)

// Adapter implements providers.Adapter for the Messages envelope
type Adapter struct {
	baseURL string
	options providers.GenerationOptions
}

// NewAdapter creates a Messages adapter for the given endpoint
func NewAdapter(baseURL string, options providers.GenerationOptions) *Adapter {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Adapter{baseURL: baseURL, options: options.ApplyDefaults()}
}

// Family returns the envelope family name
func (a *Adapter) Family() string { return core.FamilyAnthropic }

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesRequest struct {
	Model       string    `json:"model"`
	Messages    []message `json:"messages"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float32   `json:"temperature"`
}

type messagesResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

// BuildRequest constructs the Messages call
func (a *Adapter) BuildRequest(model, prompt, key string) (*providers.Request, error) {
	body, err := json.Marshal(messagesRequest{
		Model:       model,
		Messages:    []message{{Role: "user", Content: prompt}},
		MaxTokens:   a.options.MaxTokens,
		Temperature: a.options.Temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	return &providers.Request{
		URL: a.baseURL + "/messages",
		Headers: map[string]string{
			"Content-Type":      "application/json",
			"x-api-key":         key,
			"anthropic-version": APIVersion,
		},
		Body: body,
	}, nil
}

// ParseResponse concatenates the text blocks of the reply
func (a *Adapter) ParseResponse(raw []byte) (string, error) {
	var resp messagesResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", core.ErrParseFailure)
	}
	var content string
	for _, item := range resp.Content {
		if item.Type == "text" {
			content += item.Text
		}
	}
	if content == "" {
		return "", fmt.Errorf("no text content: %w", core.ErrEmptyCompletion)
	}
	return content, nil
}
