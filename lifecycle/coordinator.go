package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/domainpulse/domainpulse/core"
	"github.com/domainpulse/domainpulse/scheduler"
	"github.com/domainpulse/domainpulse/store"
)

// Coordinator owns process startup and shutdown ordering:
//  1. acquire the scheduler lock (fail fast if held)
//  2. recover domains orphaned in processing by a crashed predecessor
//  3. start the metrics listener and the crawl loop
//  4. on SIGINT/SIGTERM, drain in-flight tasks within the drain window
//  5. release the lock last, after everything else has stopped
type Coordinator struct {
	cfg       *core.Config
	sched     *scheduler.Scheduler
	domains   *store.DomainStore
	responses *store.ResponseStore
	lock      *Lock
	redis     *core.RedisClient
	logger    core.Logger
}

// NewCoordinator wires the lifecycle coordinator
func NewCoordinator(cfg *core.Config, sched *scheduler.Scheduler, domains *store.DomainStore, responses *store.ResponseStore, redis *core.RedisClient, logger core.Logger) *Coordinator {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Coordinator{
		cfg:       cfg,
		sched:     sched,
		domains:   domains,
		responses: responses,
		lock:      NewLock(redis, cfg.Lock, logger),
		redis:     redis,
		logger:    logger,
	}
}

// Run blocks until shutdown completes. Lock contention and persistence
// failures return errors; a clean signal-driven shutdown returns nil.
func (c *Coordinator) Run(ctx context.Context) error {
	if err := c.lock.Acquire(ctx); err != nil {
		return err
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.lock.Release(releaseCtx); err != nil {
			c.logger.Error("Failed to release scheduler lock", map[string]interface{}{
				"operation": "lifecycle_shutdown",
				"error":     err.Error(),
			})
		}
	}()

	// Rows stuck in processing belong to a dead predecessor; the lock
	// guarantees no live owner exists.
	if _, err := c.domains.ReleaseAllProcessing(ctx, "startup_recovery"); err != nil {
		return fmt.Errorf("startup recovery failed: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go c.lock.Keepalive(runCtx)

	c.sched.OnCycle = c.publishSnapshot

	httpServer := c.startListener()

	schedErr := make(chan error, 1)
	go func() {
		schedErr <- c.sched.Run(runCtx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var runErr error
	select {
	case sig := <-sigCh:
		c.logger.Info("Shutdown signal received", map[string]interface{}{
			"operation": "lifecycle_shutdown",
			"signal":    sig.String(),
		})
		runErr = c.drain(schedErr, cancel)
	case err := <-schedErr:
		runErr = err
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if httpServer != nil {
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			c.logger.Warn("Metrics listener shutdown failed", map[string]interface{}{
				"operation": "lifecycle_shutdown",
				"error":     err.Error(),
			})
		}
	}

	return runErr
}

// drain stops new dispatch and waits out the drain window before forcing
// cancellation of whatever is still in flight
func (c *Coordinator) drain(schedErr <-chan error, cancel context.CancelFunc) error {
	c.sched.Drain()

	timer := time.NewTimer(c.cfg.DrainTimeout())
	defer timer.Stop()

	select {
	case err := <-schedErr:
		cancel()
		return err
	case <-timer.C:
		c.logger.Warn("Drain window expired, forcing cancellation", map[string]interface{}{
			"operation": "lifecycle_drain",
			"window":    c.cfg.DrainTimeout().String(),
		})
		cancel()
		return <-schedErr
	}
}

// startListener serves /metrics and /healthz when metrics_addr is set
func (c *Coordinator) startListener() *http.Server {
	if c.cfg.MetricsAddr == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := "ok"
		checks := map[string]string{"database": "ok", "redis": "ok"}
		if err := c.domains.Ping(ctx); err != nil {
			status, checks["database"] = "degraded", err.Error()
		}
		if c.redis != nil {
			if err := c.redis.Ping(ctx); err != nil {
				status, checks["redis"] = "degraded", err.Error()
			}
		}
		w.Header().Set("Content-Type", "application/json")
		if status != "ok" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":   status,
			"checks":   checks,
			"circuits": c.sched.CircuitStates(),
		})
	})

	srv := &http.Server{
		Addr:              c.cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			c.logger.Error("Metrics listener failed", map[string]interface{}{
				"operation": "lifecycle_listener",
				"addr":      c.cfg.MetricsAddr,
				"error":     err.Error(),
			})
		}
	}()

	c.logger.Info("Metrics listener started", map[string]interface{}{
		"operation": "lifecycle_listener",
		"addr":      c.cfg.MetricsAddr,
	})
	return srv
}

// publishSnapshot writes the last cycle's stats and circuit states to Redis
// so dashboards can read them without touching Postgres
func (c *Coordinator) publishSnapshot(ctx context.Context, stats *scheduler.CycleStats) {
	if c.redis == nil {
		return
	}
	total, err := c.responses.CountAll(ctx)
	if err != nil {
		total = -1
	}
	recent, err := c.responses.RecentByModel(ctx, time.Hour)
	if err != nil {
		recent = nil
	}
	raw, err := json.Marshal(map[string]interface{}{
		"cycle":           stats,
		"circuits":        c.sched.CircuitStates(),
		"responses_total": total,
		"recent_by_model": recent,
	})
	if err != nil {
		return
	}
	if err := c.redis.Set(ctx, "metrics:last_cycle", string(raw), 24*time.Hour); err != nil {
		c.logger.Warn("Failed to publish cycle snapshot", map[string]interface{}{
			"operation": "lifecycle_snapshot",
			"error":     err.Error(),
		})
	}
}
