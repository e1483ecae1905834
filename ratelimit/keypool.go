// Package ratelimit implements the per-provider key pool and rate limiter.
// Keys rotate by oldest dispatch; a key's clock is advanced before the call
// is issued so callers racing for the same key serialize correctly. The
// limiter is cooperative: it delays new dispatches, never cancels in-flight
// calls.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/domainpulse/domainpulse/core"
)

// keyState tracks one API key's dispatch clock
type keyState struct {
	key string
	// nextAllowed is the earliest instant the key may dispatch again.
	// Advanced by the inter-request interval on every acquire and by the
	// provider's retry_after cool-down on upstream rate-limit errors.
	nextAllowed time.Time
}

// Pool rotates a provider's API keys under its rate-limit descriptor
type Pool struct {
	provider   string
	interval   time.Duration // 60000/rpm ms between dispatches per key
	retryAfter time.Duration // cool-down after an upstream rate-limit error
	sem        chan struct{} // bounds total in-flight calls for the provider
	logger     core.Logger

	mu   sync.Mutex
	keys []*keyState

	// clock is overridable for tests
	clock func() time.Time
}

// NewPool creates a key pool for one provider
func NewPool(provider string, keys []string, rl core.RateLimitConfig, logger core.Logger) (*Pool, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("provider %q has no keys: %w", provider, core.ErrInvalidConfiguration)
	}
	if rl.RPM < 1 {
		return nil, fmt.Errorf("provider %q rpm must be >= 1: %w", provider, core.ErrInvalidConfiguration)
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}

	states := make([]*keyState, len(keys))
	for i, k := range keys {
		states[i] = &keyState{key: k}
	}

	inflight := rl.Burst * len(keys)
	if inflight < 1 {
		inflight = 1
	}

	return &Pool{
		provider:   provider,
		interval:   time.Duration(60000/rl.RPM) * time.Millisecond,
		retryAfter: time.Duration(rl.RetryAfterMS) * time.Millisecond,
		sem:        make(chan struct{}, inflight),
		logger:     logger,
		keys:       states,
		clock:      time.Now,
	}, nil
}

// Interval returns the per-key inter-dispatch spacing
func (p *Pool) Interval() time.Duration {
	return p.interval
}

// Acquire reserves an in-flight slot and the least-recently-used key,
// suspending until the key's dispatch clock allows a new call. The returned
// release function must be called when the provider call completes.
func (p *Pool) Acquire(ctx context.Context) (string, func(), error) {
	// Provider in-flight bound first, so a saturated provider applies
	// backpressure before any key clock is touched.
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return "", nil, ctx.Err()
	}

	p.mu.Lock()
	ks := p.keys[0]
	for _, candidate := range p.keys[1:] {
		if candidate.nextAllowed.Before(ks.nextAllowed) {
			ks = candidate
		}
	}
	now := p.clock()
	readyAt := ks.nextAllowed
	if readyAt.Before(now) {
		readyAt = now
	}
	// Clock advances before the call is issued, not after the reply
	ks.nextAllowed = readyAt.Add(p.interval)
	p.mu.Unlock()

	release := func() { <-p.sem }

	if wait := readyAt.Sub(now); wait > 0 {
		p.logger.Debug("Rate limiter delaying dispatch", map[string]interface{}{
			"operation": "ratelimit_wait",
			"provider":  p.provider,
			"wait_ms":   wait.Milliseconds(),
		})
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			release()
			return "", nil, ctx.Err()
		}
	}

	return ks.key, release, nil
}

// Penalize advances a key's dispatch clock by the provider's retry_after
// cool-down. Called when the upstream returns a rate-limit error.
func (p *Pool) Penalize(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock()
	for _, ks := range p.keys {
		if ks.key != key {
			continue
		}
		base := ks.nextAllowed
		if base.Before(now) {
			base = now
		}
		ks.nextAllowed = base.Add(p.retryAfter)
		p.logger.Warn("Key penalized after upstream rate limit", map[string]interface{}{
			"operation":     "ratelimit_penalize",
			"provider":      p.provider,
			"cooldown_ms":   p.retryAfter.Milliseconds(),
			"next_dispatch": ks.nextAllowed.UTC().Format(time.RFC3339Nano),
		})
		return
	}
}

// InFlight reports the current number of reserved slots (observability)
func (p *Pool) InFlight() int {
	return len(p.sem)
}
