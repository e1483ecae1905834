package scheduler

import (
	"context"
	"fmt"

	"github.com/domainpulse/domainpulse/core"
	"github.com/domainpulse/domainpulse/registry"
	"github.com/domainpulse/domainpulse/store"
)

// Validator decides whether a domain's response set satisfies the fan-out
// plan. Strict mode requires every (model, prompt_type) cell; relaxed mode
// accepts a fill ratio of at least min_ratio. Persisted rows are the source
// of truth - in-memory task outcomes are never trusted for the decision.
type Validator struct {
	mode      string
	minRatio  float64
	responses *store.ResponseStore
	domains   *store.DomainStore
	logger    core.Logger
}

// NewValidator creates a completion validator
func NewValidator(cfg core.ValidatorConfig, responses *store.ResponseStore, domains *store.DomainStore, logger core.Logger) (*Validator, error) {
	if cfg.Mode != "strict" && cfg.Mode != "relaxed" {
		return nil, fmt.Errorf("validator mode %q: %w", cfg.Mode, core.ErrInvalidConfiguration)
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Validator{
		mode:      cfg.Mode,
		minRatio:  cfg.MinRatio,
		responses: responses,
		domains:   domains,
		logger:    logger,
	}, nil
}

// IsComplete checks the persisted response set for one domain and batch
// against the expected plan
func (v *Validator) IsComplete(ctx context.Context, domainID int64, batchID string, reg *registry.Registry) (bool, error) {
	pairs, err := v.responses.PlanPairs(ctx, domainID, batchID)
	if err != nil {
		return false, err
	}
	return v.satisfies(pairs, reg), nil
}

// satisfies compares persisted (model, prompt_type) cells against the plan
func (v *Validator) satisfies(pairs []store.PlanPair, reg *registry.Registry) bool {
	have := make(map[store.PlanPair]bool, len(pairs))
	for _, p := range pairs {
		have[p] = true
	}

	expected := 0
	filled := 0
	for _, p := range reg.EnabledProviders() {
		for _, prompt := range reg.Prompts() {
			expected++
			if have[store.PlanPair{Model: p.ModelID(), PromptType: prompt.Type}] {
				filled++
			}
		}
	}
	if expected == 0 {
		return false
	}

	if v.mode == "strict" {
		return filled == expected
	}
	return float64(filled)/float64(expected) >= v.minRatio
}

// Reconcile re-checks completed domains against the current plan and resets
// any whose latest response set no longer satisfies it. Runs every
// reconcile_every cycles; idempotent, so overlapping runs are harmless.
func (v *Validator) Reconcile(ctx context.Context, reg *registry.Registry, limit int) (int, error) {
	completed, err := v.domains.ListCompleted(ctx, limit)
	if err != nil {
		return 0, err
	}

	reset := 0
	for _, d := range completed {
		batchID, err := v.responses.LatestBatch(ctx, d.ID)
		if err != nil {
			return reset, err
		}
		if batchID != "" {
			ok, err := v.IsComplete(ctx, d.ID, batchID, reg)
			if err != nil {
				return reset, err
			}
			if ok {
				continue
			}
		}
		changed, err := v.domains.Reset(ctx, d.ID, "reconcile_incomplete")
		if err != nil {
			return reset, err
		}
		if changed {
			reset++
		}
	}

	// Domains that ended earlier cycles incomplete sit in processing until
	// this pass retries them. Safe between cycles: the scheduler lock means
	// no other process has live claims.
	retried, err := v.domains.ReleaseAllProcessing(ctx, "reconcile_retry")
	if err != nil {
		return reset, err
	}

	if reset > 0 || retried > 0 {
		v.logger.Warn("Reconciliation pass adjusted domains", map[string]interface{}{
			"operation": "validator_reconcile",
			"checked":   len(completed),
			"reset":     reset,
			"retried":   retried,
		})
	}
	return reset, nil
}
