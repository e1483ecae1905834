package providers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/domainpulse/domainpulse/core"
)

// Caller executes adapter-built requests against one provider. Each provider
// gets its own Caller so HTTP keep-alive pools stay bounded per upstream.
type Caller struct {
	// HTTP client with the per-call deadline
	HTTPClient *http.Client

	// Logger for debugging
	Logger core.Logger

	// Telemetry for per-call spans
	Telemetry core.Telemetry

	// Provider name used in logs, spans, and error attribution
	Provider string
}

// NewCaller creates a caller with a bounded keep-alive pool
func NewCaller(provider string, timeout time.Duration, logger core.Logger, telemetry core.Telemetry) *Caller {
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if telemetry == nil {
		telemetry = &core.NoOpTelemetry{}
	}
	return &Caller{
		HTTPClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 8,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		Logger:    logger,
		Telemetry: telemetry,
		Provider:  provider,
	}
}

// Generate issues one completion call: build, POST under deadline, parse.
// The returned latency covers the HTTP exchange and parse.
func (c *Caller) Generate(ctx context.Context, adapter Adapter, model, prompt, key string) (string, time.Duration, error) {
	ctx, span := c.Telemetry.StartSpan(ctx, "provider.generate")
	defer span.End()

	span.SetAttribute("ai.provider", c.Provider)
	span.SetAttribute("ai.model", model)
	span.SetAttribute("ai.prompt_length", len(prompt))

	built, err := adapter.BuildRequest(model, prompt, key)
	if err != nil {
		span.RecordError(err)
		return "", 0, fmt.Errorf("failed to build request: %w", err)
	}

	c.Logger.Debug("Provider request initiated", map[string]interface{}{
		"operation":     "provider_request",
		"provider":      c.Provider,
		"model":         model,
		"prompt_length": len(prompt),
	})
	startTime := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, built.URL, bytes.NewReader(built.Body))
	if err != nil {
		span.RecordError(err)
		return "", 0, fmt.Errorf("failed to create request: %w", err)
	}
	for k, v := range built.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		latency := time.Since(startTime)
		c.Logger.Error("Provider request failed - send error", map[string]interface{}{
			"operation":  "provider_request_error",
			"provider":   c.Provider,
			"error":      err.Error(),
			"phase":      "request_execution",
			"latency_ms": latency.Milliseconds(),
		})
		span.RecordError(err)
		return "", latency, c.wrapTransportError(err)
	}
	defer func() {
		_ = resp.Body.Close() // Error can be safely ignored as we've read the body
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		latency := time.Since(startTime)
		c.Logger.Error("Provider request failed - read response error", map[string]interface{}{
			"operation": "provider_request_error",
			"provider":  c.Provider,
			"error":     err.Error(),
			"phase":     "response_read",
		})
		span.RecordError(err)
		return "", latency, core.NewProviderError(c.Provider, 0, core.ClassTransient, err)
	}

	if resp.StatusCode != http.StatusOK {
		latency := time.Since(startTime)
		apiErr := c.HandleError(resp.StatusCode, body)
		c.Logger.Error("Provider request failed - API error", map[string]interface{}{
			"operation":   "provider_request_error",
			"provider":    c.Provider,
			"status_code": resp.StatusCode,
			"phase":       "api_response",
		})
		span.RecordError(apiErr)
		span.SetAttribute("http.status_code", resp.StatusCode)
		return "", latency, apiErr
	}

	text, err := adapter.ParseResponse(body)
	latency := time.Since(startTime)
	if err != nil {
		c.Logger.Error("Provider request failed - parse error", map[string]interface{}{
			"operation": "provider_request_error",
			"provider":  c.Provider,
			"error":     err.Error(),
			"phase":     "response_parse",
		})
		span.RecordError(err)
		return "", latency, core.NewProviderError(c.Provider, 0, core.ClassParse, err)
	}

	span.SetAttribute("ai.response_length", len(text))
	c.Logger.Info("Provider response received", map[string]interface{}{
		"operation":       "provider_response",
		"provider":        c.Provider,
		"model":           model,
		"response_length": len(text),
		"latency_ms":      latency.Milliseconds(),
		"status":          "success",
	})

	return text, latency, nil
}

// wrapTransportError classifies network-level failures. Deadline expiry and
// connection errors are transient by contract.
func (c *Caller) wrapTransportError(err error) error {
	if errors.Is(err, context.Canceled) {
		return core.NewProviderError(c.Provider, 0, core.ClassTransient, core.ErrContextCanceled)
	}
	return core.NewProviderError(c.Provider, 0, core.ClassTransient, err)
}

// HandleError maps an HTTP status and body to a classified ProviderError
func (c *Caller) HandleError(statusCode int, body []byte) error {
	lower := strings.ToLower(string(body))
	switch {
	case statusCode == http.StatusTooManyRequests,
		strings.Contains(lower, "rate_limit"),
		strings.Contains(lower, "quota"):
		return core.NewProviderError(c.Provider, statusCode, core.ClassRateLimit, core.ErrRateLimited)
	case statusCode == http.StatusUnauthorized, statusCode == http.StatusForbidden:
		return core.NewProviderError(c.Provider, statusCode, core.ClassFatal, core.ErrAuthFailed)
	case statusCode == http.StatusNotFound, strings.Contains(lower, "model_not_found"):
		return core.NewProviderError(c.Provider, statusCode, core.ClassFatal, core.ErrModelNotFound)
	case statusCode >= 500:
		return core.NewProviderError(c.Provider, statusCode, core.ClassTransient,
			fmt.Errorf("service temporarily unavailable: %w", core.ErrProviderServer))
	default:
		return core.NewProviderError(c.Provider, statusCode, core.ClassTransient,
			fmt.Errorf("unexpected status: %s", truncateForLog(string(body), 200)))
	}
}

// truncateForLog truncates a string for logging purposes
func truncateForLog(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
