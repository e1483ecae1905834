// Package resilience isolates failing providers. Each provider gets one
// circuit breaker (never per key) and provider calls run inside a
// classification-aware retry loop.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/domainpulse/domainpulse/core"
)

// CircuitState represents the state of the circuit breaker
type CircuitState int

const (
	// StateClosed allows all requests through
	StateClosed CircuitState = iota
	// StateOpen blocks all requests
	StateOpen
	// StateHalfOpen allows a single probe request
	StateHalfOpen
)

// String returns the string representation of the state
func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// MetricsCollector interface for circuit breaker metrics
type MetricsCollector interface {
	RecordSuccess(name string)
	RecordFailure(name string, errorType string)
	RecordStateChange(name string, from, to string)
	RecordRejection(name string)
}

// noopMetrics is a no-op metrics implementation
type noopMetrics struct{}

func (n *noopMetrics) RecordSuccess(name string)                      {}
func (n *noopMetrics) RecordFailure(name string, errorType string)    {}
func (n *noopMetrics) RecordStateChange(name string, from, to string) {}
func (n *noopMetrics) RecordRejection(name string)                    {}

// ErrorClassifier determines which errors count toward the failure threshold
type ErrorClassifier func(error) bool

// DefaultErrorClassifier counts transient and parse failures. Rate-limit
// rejections are the key pool's problem and auth/model-not-found failures
// would hide healthy sibling models, so neither trips the circuit.
func DefaultErrorClassifier(err error) bool {
	if err == nil {
		return false
	}
	// Cancellation is the caller's doing, not the provider's. Deadline
	// expiry still counts - a slow provider is an unhealthy provider.
	if errors.Is(err, context.Canceled) || errors.Is(err, core.ErrContextCanceled) {
		return false
	}
	switch core.Classify(err) {
	case core.ClassTransient, core.ClassParse:
		return true
	default:
		return false
	}
}

// CircuitBreakerConfig holds configuration for the circuit breaker
type CircuitBreakerConfig struct {
	// Name identifies the circuit breaker (the provider name)
	Name string

	// FailureThreshold is the number of consecutive failures before opening
	FailureThreshold int

	// ResetTimeout is how long to stay open before allowing a probe
	ResetTimeout time.Duration

	// ErrorClassifier determines which errors count as failures
	ErrorClassifier ErrorClassifier

	// Logger for circuit breaker events
	Logger core.Logger

	// Metrics collector for monitoring
	Metrics MetricsCollector
}

// DefaultConfig returns a production-ready default configuration
func DefaultConfig(name string) *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		Name:             name,
		FailureThreshold: 5,
		ResetTimeout:     5 * time.Minute,
		ErrorClassifier:  DefaultErrorClassifier,
		Logger:           &core.NoOpLogger{},
		Metrics:          &noopMetrics{},
	}
}

// CircuitBreaker is the per-provider failure-isolation state machine
type CircuitBreaker struct {
	config *CircuitBreakerConfig

	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	stateChangedAt      time.Time
	probeInFlight       bool

	// listeners run outside the lock on state transitions
	listeners []func(name string, from, to CircuitState)

	// clock is overridable for tests
	clock func() time.Time
}

// NewCircuitBreaker creates a circuit breaker for one provider
func NewCircuitBreaker(config *CircuitBreakerConfig) (*CircuitBreaker, error) {
	if config == nil {
		return nil, fmt.Errorf("circuit breaker config required: %w", core.ErrInvalidConfiguration)
	}
	if config.Name == "" {
		return nil, fmt.Errorf("circuit breaker name required: %w", core.ErrInvalidConfiguration)
	}
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = 5 * time.Minute
	}
	if config.ErrorClassifier == nil {
		config.ErrorClassifier = DefaultErrorClassifier
	}
	if config.Logger == nil {
		config.Logger = &core.NoOpLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &noopMetrics{}
	}

	cb := &CircuitBreaker{
		config: config,
		state:  StateClosed,
		clock:  time.Now,
	}
	cb.stateChangedAt = cb.clock()

	config.Logger.Debug("Circuit breaker created", map[string]interface{}{
		"operation":         "circuit_breaker_created",
		"name":              config.Name,
		"failure_threshold": config.FailureThreshold,
		"reset_timeout_ms":  config.ResetTimeout.Milliseconds(),
	})

	return cb, nil
}

// Allow reports whether a call may proceed. In half-open state only a single
// probe is admitted; callers must pair every true result with RecordResult.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		if cb.clock().Sub(cb.stateChangedAt) < cb.config.ResetTimeout {
			cb.config.Metrics.RecordRejection(cb.config.Name)
			return false
		}
		cb.transitionLocked(StateHalfOpen)
		cb.probeInFlight = true
		return true
	case StateHalfOpen:
		if cb.probeInFlight {
			cb.config.Metrics.RecordRejection(cb.config.Name)
			return false
		}
		cb.probeInFlight = true
		return true
	default:
		return false
	}
}

// RecordResult feeds a call outcome back into the state machine
func (cb *CircuitBreaker) RecordResult(err error) {
	counts := err != nil && cb.config.ErrorClassifier(err)

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateHalfOpen {
		cb.probeInFlight = false
		if err == nil {
			cb.consecutiveFailures = 0
			cb.transitionLocked(StateClosed)
			cb.config.Metrics.RecordSuccess(cb.config.Name)
			return
		}
		// Probe failed: back to open, restart the timer
		cb.transitionLocked(StateOpen)
		if counts {
			cb.config.Metrics.RecordFailure(cb.config.Name, string(core.Classify(err)))
		}
		return
	}

	if err == nil {
		cb.consecutiveFailures = 0
		cb.config.Metrics.RecordSuccess(cb.config.Name)
		return
	}

	if !counts {
		return
	}

	cb.consecutiveFailures++
	cb.config.Metrics.RecordFailure(cb.config.Name, string(core.Classify(err)))

	if cb.state == StateClosed && cb.consecutiveFailures >= cb.config.FailureThreshold {
		cb.config.Logger.Warn("Circuit breaker opening", map[string]interface{}{
			"operation":            "circuit_breaker_opening",
			"name":                 cb.config.Name,
			"consecutive_failures": cb.consecutiveFailures,
			"failure_threshold":    cb.config.FailureThreshold,
		})
		cb.transitionLocked(StateOpen)
	}
}

// transitionLocked changes state (must be called with lock held)
func (cb *CircuitBreaker) transitionLocked(newState CircuitState) {
	oldState := cb.state
	if oldState == newState {
		return
	}
	cb.state = newState
	cb.stateChangedAt = cb.clock()
	if newState == StateHalfOpen {
		cb.probeInFlight = false
	}

	cb.config.Logger.Info("Circuit breaker state changed", map[string]interface{}{
		"operation": "circuit_breaker_transition",
		"name":      cb.config.Name,
		"from":      oldState.String(),
		"to":        newState.String(),
	})
	cb.config.Metrics.RecordStateChange(cb.config.Name, oldState.String(), newState.String())

	for _, listener := range cb.listeners {
		go listener(cb.config.Name, oldState, newState)
	}
}

// AddStateChangeListener adds a listener for state changes
func (cb *CircuitBreaker) AddStateChangeListener(listener func(name string, from, to CircuitState)) {
	cb.mu.Lock()
	cb.listeners = append(cb.listeners, listener)
	cb.mu.Unlock()
}

// GetState returns the current state name
func (cb *CircuitBreaker) GetState() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state.String()
}

// ConsecutiveFailures returns the current failure streak (observability)
func (cb *CircuitBreaker) ConsecutiveFailures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.consecutiveFailures
}

// Reset forces the breaker closed and clears the failure streak
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.consecutiveFailures = 0
	cb.probeInFlight = false
	cb.transitionLocked(StateClosed)
}
