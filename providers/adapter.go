// Package providers defines the adapter contract for upstream LLM vendors
// and the shared HTTP caller used to execute adapter-built requests.
//
// One adapter variant exists per provider family. Families sharing a wire
// envelope share an adapter: the OpenAI-family adapter serves OpenAI,
// DeepSeek, Together, XAI, Groq, Perplexity, Mistral, and AI21.
package providers

import (
	"time"
)

// Defaults applied when a family adapter is built without overrides
const (
	DefaultMaxTokens   = 500
	DefaultTemperature = float32(0.7)
	DefaultTimeout     = 30 * time.Second
)

// Request is the abstract outbound call produced by an adapter
type Request struct {
	URL     string
	Headers map[string]string
	Body    []byte
}

// Adapter translates an abstract completion request into a vendor-shaped
// call and extracts the single text completion from the vendor reply.
type Adapter interface {
	// Family returns the envelope family name ("openai", "anthropic", ...)
	Family() string

	// BuildRequest constructs the vendor-specific outbound call
	BuildRequest(model, prompt, key string) (*Request, error)

	// ParseResponse extracts the completion text. A missing or empty
	// completion is a parse failure, distinct from an HTTP failure.
	ParseResponse(body []byte) (string, error)
}

// GenerationOptions are the provider-configurable completion ceilings
type GenerationOptions struct {
	MaxTokens   int
	Temperature float32
}

// ApplyDefaults fills unset generation options
func (o GenerationOptions) ApplyDefaults() GenerationOptions {
	if o.MaxTokens == 0 {
		o.MaxTokens = DefaultMaxTokens
	}
	if o.Temperature == 0 {
		o.Temperature = DefaultTemperature
	}
	return o
}
