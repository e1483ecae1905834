// Package openai implements the chat-completions envelope shared by the
// OpenAI family: OpenAI, DeepSeek, Together, XAI, Groq, Perplexity, Mistral,
// and AI21. The endpoint distinguishes the vendor; the wire shape does not.
package openai

import (
	"encoding/json"
	"fmt"

	"github.com/domainpulse/domainpulse/core"
	"github.com/domainpulse/domainpulse/providers"
)

// DefaultBaseURL is the default OpenAI API endpoint
const DefaultBaseURL = "https://api.openai.com/v1"

// Adapter implements providers.Adapter for the chat-completions envelope
type Adapter struct {
	baseURL string
	options providers.GenerationOptions
}

// NewAdapter creates a chat-completions adapter for the given endpoint
func NewAdapter(baseURL string, options providers.GenerationOptions) *Adapter {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Adapter{baseURL: baseURL, options: options.ApplyDefaults()}
}

// Family returns the envelope family name
func (a *Adapter) Family() string { return core.FamilyOpenAI }

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []message `json:"messages"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float32   `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// BuildRequest constructs the chat-completions call
func (a *Adapter) BuildRequest(model, prompt, key string) (*providers.Request, error) {
	body, err := json.Marshal(chatRequest{
		Model:       model,
		Messages:    []message{{Role: "user", Content: prompt}},
		MaxTokens:   a.options.MaxTokens,
		Temperature: a.options.Temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	return &providers.Request{
		URL: a.baseURL + "/chat/completions",
		Headers: map[string]string{
			"Content-Type":  "application/json",
			"Authorization": "Bearer " + key,
		},
		Body: body,
	}, nil
}

// ParseResponse extracts the single text completion
func (a *Adapter) ParseResponse(raw []byte) (string, error) {
	var resp chatResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", core.ErrParseFailure)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no choices returned: %w", core.ErrEmptyCompletion)
	}
	content := resp.Choices[0].Message.Content
	if content == "" {
		return "", fmt.Errorf("no text content: %w", core.ErrEmptyCompletion)
	}
	return content, nil
}
