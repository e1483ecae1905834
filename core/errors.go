package core

import (
	"errors"
	"fmt"
)

// Standard sentinel errors for comparison using errors.Is()
// These are generic errors that can be wrapped with additional context
var (
	// Configuration errors
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrMissingConfiguration = errors.New("missing required configuration")

	// Provider call errors
	ErrRateLimited     = errors.New("rate limit exceeded")
	ErrAuthFailed      = errors.New("authentication failed")
	ErrModelNotFound   = errors.New("model not found")
	ErrParseFailure    = errors.New("response parse failure")
	ErrProviderServer  = errors.New("provider server error")
	ErrEmptyCompletion = errors.New("empty completion")

	// Resilience errors
	ErrCircuitBreakerOpen = errors.New("circuit breaker is open")
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")

	// Lifecycle errors
	ErrShuttingDown = errors.New("scheduler shutting down")
	ErrLockHeld     = errors.New("scheduler lock held by another process")

	// Operation errors
	ErrTimeout         = errors.New("operation timeout")
	ErrContextCanceled = errors.New("context canceled")
)

// ErrorClass buckets a provider failure for retry and circuit decisions
type ErrorClass string

const (
	// ClassRateLimit delays the key and retries without tripping the circuit
	ClassRateLimit ErrorClass = "rate_limit"
	// ClassTransient retries with backoff and counts toward the circuit
	ClassTransient ErrorClass = "transient"
	// ClassFatal disables the (provider, model) for the process lifetime
	ClassFatal ErrorClass = "fatal"
	// ClassParse retries once, then fails the task
	ClassParse ErrorClass = "parse"
)

// ProviderError carries the provider, HTTP status, and failure class of an
// upstream call so the scheduler can classify without string matching.
type ProviderError struct {
	Provider string
	Status   int
	Class    ErrorClass
	Err      error
}

// Error returns the string representation of the error
func (e *ProviderError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s API error (status %d): %v", e.Provider, e.Status, e.Err)
	}
	return fmt.Sprintf("%s API error: %v", e.Provider, e.Err)
}

// Unwrap returns the underlying error for use with errors.Is/As
func (e *ProviderError) Unwrap() error {
	return e.Err
}

// NewProviderError creates a ProviderError wrapping err
func NewProviderError(provider string, status int, class ErrorClass, err error) *ProviderError {
	return &ProviderError{Provider: provider, Status: status, Class: class, Err: err}
}

// Classify returns the failure class for a provider call error.
// Unknown errors are treated as transient.
func Classify(err error) ErrorClass {
	if err == nil {
		return ""
	}
	var pe *ProviderError
	if errors.As(err, &pe) && pe.Class != "" {
		return pe.Class
	}
	switch {
	case errors.Is(err, ErrRateLimited):
		return ClassRateLimit
	case errors.Is(err, ErrAuthFailed), errors.Is(err, ErrModelNotFound):
		return ClassFatal
	case errors.Is(err, ErrParseFailure), errors.Is(err, ErrEmptyCompletion):
		return ClassParse
	default:
		return ClassTransient
	}
}

// IsRateLimited checks if an error is a rate-limit rejection
func IsRateLimited(err error) bool {
	return Classify(err) == ClassRateLimit
}

// IsTransient checks if an error should be retried with backoff
func IsTransient(err error) bool {
	return Classify(err) == ClassTransient
}

// IsFatalProvider checks if an error permanently disables a (provider, model)
func IsFatalProvider(err error) bool {
	return Classify(err) == ClassFatal
}

// IsConfigurationError checks if an error is configuration-related
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrInvalidConfiguration) ||
		errors.Is(err, ErrMissingConfiguration)
}
