package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/domainpulse/domainpulse/core"
	"github.com/domainpulse/domainpulse/ratelimit"
	"github.com/domainpulse/domainpulse/registry"
	"github.com/domainpulse/domainpulse/resilience"
	"github.com/domainpulse/domainpulse/store"
)

// CycleStats summarizes one scheduler cycle for metrics and snapshots
type CycleStats struct {
	BatchID    string        `json:"batch_id"`
	Claimed    int           `json:"claimed"`
	Tasks      int           `json:"tasks"`
	Succeeded  int           `json:"succeeded"`
	Completed  int           `json:"completed"`
	Failed     int           `json:"failed"`
	Incomplete int           `json:"incomplete"`
	Duration   time.Duration `json:"duration_ns"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
}

// Cycle-level retry window for transient persistence errors
const (
	cycleBackoffMin = time.Second
	cycleBackoffMax = 5 * time.Minute
)

// Scheduler drives claim -> plan -> dispatch -> validate for each cycle
type Scheduler struct {
	cfg       *core.Config
	reg       *registry.Registry
	domains   *store.DomainStore
	responses *store.ResponseStore
	validator *Validator
	pools     map[string]*ratelimit.Pool
	breakers  map[string]*resilience.CircuitBreaker
	retryCfg  *resilience.RetryConfig
	workers   chan struct{} // global worker pool bound
	metrics   *Metrics
	logger    core.Logger
	telemetry core.Telemetry

	// OnCycle, when set, observes each finished cycle (snapshot publishing)
	OnCycle func(ctx context.Context, stats *CycleStats)

	mu       sync.Mutex
	disabled map[string]string // provider name -> fatal reason, process lifetime
	cycles   int

	drainMu  sync.RWMutex
	draining bool
}

// New wires the scheduler from its collaborators. One key pool and one
// circuit breaker per enabled provider.
func New(cfg *core.Config, reg *registry.Registry, domains *store.DomainStore, responses *store.ResponseStore, metrics *Metrics, logger core.Logger, telemetry core.Telemetry) (*Scheduler, error) {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if telemetry == nil {
		telemetry = &core.NoOpTelemetry{}
	}

	validator, err := NewValidator(cfg.Validator, responses, domains, logger)
	if err != nil {
		return nil, err
	}

	s := &Scheduler{
		cfg:       cfg,
		reg:       reg,
		domains:   domains,
		responses: responses,
		validator: validator,
		pools:     make(map[string]*ratelimit.Pool),
		breakers:  make(map[string]*resilience.CircuitBreaker),
		retryCfg: &resilience.RetryConfig{
			MaxAttempts:   cfg.Task.RetryMax,
			InitialDelay:  time.Second,
			MaxDelay:      30 * time.Second,
			BackoffFactor: 2.0,
			JitterEnabled: true,
		},
		workers:   make(chan struct{}, cfg.WorkerPoolSize),
		metrics:   metrics,
		logger:    logger,
		telemetry: telemetry,
		disabled:  make(map[string]string),
	}

	for _, p := range reg.EnabledProviders() {
		pool, err := ratelimit.NewPool(p.Name, p.Keys, p.RateLimit, logger)
		if err != nil {
			return nil, err
		}
		s.pools[p.Name] = pool

		cb, err := resilience.NewCircuitBreaker(&resilience.CircuitBreakerConfig{
			Name:             p.Name,
			FailureThreshold: cfg.Circuit.FailureThreshold,
			ResetTimeout:     time.Duration(cfg.Circuit.ResetTimeoutMS) * time.Millisecond,
			Logger:           logger,
			Metrics:          &circuitMetrics{m: metrics},
		})
		if err != nil {
			return nil, err
		}
		s.breakers[p.Name] = cb
	}

	return s, nil
}

// Run executes cycles until ctx is canceled. A full batch rolls straight
// into the next cycle; a short batch waits out the cycle interval.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("Scheduler started", map[string]interface{}{
		"operation":   "scheduler_start",
		"batch_size":  s.cfg.Cycle.BatchSize,
		"worker_pool": s.cfg.WorkerPoolSize,
		"tensor_size": s.reg.TensorSize(),
	})

	// Startup reconciliation corrects drift left by previous deployments.
	// A transient store error here is not fatal: the first cycle hits the
	// same store and goes through the backoff path below.
	if _, err := s.validator.Reconcile(ctx, s.reg, s.cfg.Cycle.BatchSize); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		if !store.IsRetryable(err) {
			return fmt.Errorf("startup reconcile failed: %w", err)
		}
		s.logger.Warn("Startup reconcile failed, continuing", map[string]interface{}{
			"operation": "scheduler_start",
			"error":     err.Error(),
		})
	}

	backoff := cycleBackoffMin
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		stats, err := s.RunCycle(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			// Structural store errors need a deploy, so the process exits
			// and stays down under its supervisor. Anything else gets the
			// whole cycle retried after backoff.
			if !store.IsRetryable(err) {
				return fmt.Errorf("cycle failed: %w", err)
			}
			s.logger.Warn("Cycle failed, retrying after backoff", map[string]interface{}{
				"operation": "scheduler_cycle",
				"backoff":   backoff.String(),
				"error":     err.Error(),
			})
			timer := time.NewTimer(backoff)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return nil
			}
			backoff *= 2
			if backoff > cycleBackoffMax {
				backoff = cycleBackoffMax
			}
			continue
		}
		backoff = cycleBackoffMin

		s.mu.Lock()
		s.cycles++
		cycle := s.cycles
		s.mu.Unlock()

		if s.cfg.Validator.ReconcileEvery > 0 && cycle%s.cfg.Validator.ReconcileEvery == 0 {
			if _, err := s.validator.Reconcile(ctx, s.reg, s.cfg.Cycle.BatchSize); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("reconcile failed: %w", err)
			}
		}

		if stats.Claimed >= s.cfg.Cycle.BatchSize {
			continue
		}

		timer := time.NewTimer(s.cfg.CycleInterval())
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil
		}
	}
}

// RunCycle claims one batch, dispatches its fan-out plan, and settles each
// domain's lifecycle state
func (s *Scheduler) RunCycle(ctx context.Context) (*CycleStats, error) {
	cycleCtx, span := s.telemetry.StartSpan(ctx, "scheduler.cycle")
	defer span.End()

	stats := &CycleStats{
		BatchID:   uuid.NewString(),
		StartedAt: time.Now(),
	}
	span.SetAttribute("batch.id", stats.BatchID)

	claimed, err := s.domains.ClaimPending(cycleCtx, s.cfg.Cycle.BatchSize, "")
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	stats.Claimed = len(claimed)

	if len(claimed) > 0 {
		plans := Plan(claimed, s.reg, stats.BatchID)
		for _, dp := range plans {
			stats.Tasks += len(dp.Tasks)
		}

		g, gctx := errgroup.WithContext(cycleCtx)
		for _, dp := range plans {
			dp := dp
			g.Go(func() error {
				return s.processDomain(gctx, dp, stats)
			})
		}
		if err := g.Wait(); err != nil {
			span.RecordError(err)
			return nil, err
		}
	}

	stats.FinishedAt = time.Now()
	stats.Duration = stats.FinishedAt.Sub(stats.StartedAt)
	s.metrics.CycleDuration.Observe(stats.Duration.Seconds())
	s.metrics.CycleTasks.Observe(float64(stats.Tasks))
	s.updateQueueGauges(cycleCtx)

	s.logger.Info("Cycle finished", map[string]interface{}{
		"operation":  "scheduler_cycle",
		"batch_id":   stats.BatchID,
		"claimed":    stats.Claimed,
		"tasks":      stats.Tasks,
		"succeeded":  stats.Succeeded,
		"completed":  stats.Completed,
		"failed":     stats.Failed,
		"incomplete": stats.Incomplete,
		"elapsed":    stats.Duration.String(),
	})

	if s.OnCycle != nil {
		s.OnCycle(cycleCtx, stats)
	}
	return stats, nil
}

// processDomain dispatches one domain's tasks and waits on the per-domain
// barrier before settling its lifecycle state. The completion decision reads
// the persisted response set, never the in-memory outcomes.
func (s *Scheduler) processDomain(ctx context.Context, dp *DomainPlan, stats *CycleStats) error {
	var wg sync.WaitGroup
	for _, t := range dp.Tasks {
		if s.isDraining() {
			t.State = TaskFailedTerminal
			t.Err = core.ErrShuttingDown
			s.metrics.TasksTotal.WithLabelValues(t.Provider.Name, string(t.State)).Inc()
			continue
		}

		select {
		case s.workers <- struct{}{}:
		case <-ctx.Done():
			t.State = TaskFailedTerminal
			t.Err = core.ErrShuttingDown
			s.metrics.TasksTotal.WithLabelValues(t.Provider.Name, string(t.State)).Inc()
			continue
		}

		wg.Add(1)
		t := t
		go func() {
			defer wg.Done()
			defer func() { <-s.workers }()
			s.metrics.InFlight.Inc()
			defer s.metrics.InFlight.Dec()
			s.runTask(ctx, t)
			s.metrics.TasksTotal.WithLabelValues(t.Provider.Name, string(t.State)).Inc()
		}()
	}
	wg.Wait()

	s.mu.Lock()
	stats.Succeeded += dp.Succeeded()
	s.mu.Unlock()

	return s.settleDomain(ctx, dp, stats)
}

// settleDomain applies the validator's verdict to the domain row
func (s *Scheduler) settleDomain(ctx context.Context, dp *DomainPlan, stats *CycleStats) error {
	complete, err := s.validator.IsComplete(ctx, dp.Domain.ID, dp.BatchID, s.reg)
	if err != nil {
		return err
	}

	switch {
	case complete:
		if _, err := s.domains.MarkCompleted(ctx, dp.Domain.ID); err != nil {
			return err
		}
		s.metrics.DomainsTotal.WithLabelValues(store.StatusCompleted).Inc()
		s.mu.Lock()
		stats.Completed++
		s.mu.Unlock()

	case dp.AllCircuitShort():
		if _, err := s.domains.MarkFailed(ctx, dp.Domain.ID, "all_circuits_open"); err != nil {
			return err
		}
		s.metrics.DomainsTotal.WithLabelValues(store.StatusFailed).Inc()
		s.mu.Lock()
		stats.Failed++
		s.mu.Unlock()

	default:
		// Incomplete is a state, not an error: the domain stays in
		// processing until the reconciliation pass retries it (or, after
		// a shutdown, until the next process's startup recovery). The
		// error counter still ticks so chronic incompleteness is visible.
		// A drained cycle is exempt: the domain was never given a full
		// attempt.
		if !s.isDraining() {
			if err := s.domains.IncrementErrorCount(ctx, dp.Domain.ID, "incomplete_cycle"); err != nil {
				return err
			}
		}
		s.metrics.DomainsTotal.WithLabelValues(store.StatusProcessing).Inc()
		s.mu.Lock()
		stats.Incomplete++
		s.mu.Unlock()
		s.logger.Info("Domain incomplete after cycle", map[string]interface{}{
			"operation": "domain_incomplete",
			"domain":    dp.Domain.Host,
			"batch_id":  dp.BatchID,
			"succeeded": dp.Succeeded(),
			"expected":  len(dp.Tasks),
		})
	}
	return nil
}

// runTask executes one fan-out cell: circuit check, key acquisition, the
// provider call under retry, and the idempotent response append
func (s *Scheduler) runTask(ctx context.Context, t *Task) {
	name := t.Provider.Name

	if reason, off := s.disabledReason(name); off {
		t.State = TaskFailedTerminal
		t.Err = fmt.Errorf("provider %s disabled: %s", name, reason)
		return
	}

	cb := s.breakers[name]
	pool := s.pools[name]
	prompt := t.Prompt.Render(t.Domain.Host)

	err := resilience.Retry(ctx, s.retryCfg, func(ctx context.Context) error {
		t.Attempts++
		if !cb.Allow() {
			return core.ErrCircuitBreakerOpen
		}

		key, release, err := pool.Acquire(ctx)
		if err != nil {
			// Pair the consumed Allow; context errors never count
			cb.RecordResult(err)
			return err
		}
		defer release()

		text, latency, genErr := t.Provider.Caller.Generate(ctx, t.Provider.Adapter, t.Provider.Model, prompt, key)
		cb.RecordResult(genErr)
		if genErr != nil {
			if core.IsRateLimited(genErr) {
				pool.Penalize(key)
			}
			return genErr
		}
		s.metrics.ProviderLatency.WithLabelValues(name).Observe(latency.Seconds())

		appendErr := s.responses.Append(ctx, store.Response{
			DomainID:     t.Domain.ID,
			Model:        t.Provider.ModelID(),
			PromptType:   t.Prompt.Type,
			BatchID:      t.BatchID,
			Prompt:       prompt,
			ResponseText: text,
			LatencyMS:    latency.Milliseconds(),
		})
		if appendErr != nil {
			return appendErr
		}
		s.metrics.ResponsesAppended.Inc()
		return nil
	})

	if err == nil {
		t.State = TaskSucceeded
		return
	}

	t.Err = err
	switch {
	case isCircuitOpen(err):
		t.State = TaskCircuitShort
	case core.IsFatalProvider(err):
		t.State = TaskFailedTerminal
		s.disableProvider(name, t.Provider.Model, err)
	default:
		t.State = TaskFailedRetry
		s.logger.Warn("Task failed after retries", map[string]interface{}{
			"operation": "task_failed",
			"provider":  name,
			"domain":    t.Domain.Host,
			"prompt":    t.Prompt.Type,
			"attempts":  t.Attempts,
			"error":     err.Error(),
		})
	}
}

func isCircuitOpen(err error) bool {
	return errors.Is(err, core.ErrCircuitBreakerOpen)
}

// disableProvider marks a (provider, model) dead for the process lifetime.
// Auth failures and unknown models cannot heal without a config change.
func (s *Scheduler) disableProvider(name, model string, err error) {
	s.mu.Lock()
	_, already := s.disabled[name]
	if !already {
		s.disabled[name] = err.Error()
	}
	s.mu.Unlock()
	if already {
		return
	}
	s.logger.Error("Provider disabled for process lifetime", map[string]interface{}{
		"operation": "provider_disabled",
		"provider":  name,
		"model":     model,
		"error":     err.Error(),
	})
}

func (s *Scheduler) disabledReason(name string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reason, ok := s.disabled[name]
	return reason, ok
}

// Drain stops new task dispatch. In-flight tasks finish; claims stay in
// processing for the next process's startup recovery.
func (s *Scheduler) Drain() {
	s.drainMu.Lock()
	s.draining = true
	s.drainMu.Unlock()
	s.logger.Info("Scheduler draining", map[string]interface{}{
		"operation": "scheduler_drain",
	})
}

func (s *Scheduler) isDraining() bool {
	s.drainMu.RLock()
	defer s.drainMu.RUnlock()
	return s.draining
}

// CircuitStates returns each provider's breaker state (observability)
func (s *Scheduler) CircuitStates() map[string]string {
	states := make(map[string]string, len(s.breakers))
	for name, cb := range s.breakers {
		states[name] = cb.GetState()
	}
	return states
}

func (s *Scheduler) updateQueueGauges(ctx context.Context) {
	counts, err := s.domains.CountByStatus(ctx)
	if err != nil {
		s.logger.Warn("Failed to read queue depth", map[string]interface{}{
			"operation": "queue_depth",
			"error":     err.Error(),
		})
		return
	}
	for _, status := range []string{store.StatusPending, store.StatusProcessing, store.StatusCompleted, store.StatusFailed, store.StatusError} {
		s.metrics.QueueDepth.WithLabelValues(status).Set(float64(counts[status]))
	}
}
