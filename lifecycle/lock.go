// Package lifecycle coordinates process startup and shutdown: the exclusive
// scheduler lock, orphan recovery, the metrics listener, signal handling,
// and the graceful drain.
package lifecycle

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/domainpulse/domainpulse/core"
)

// Lock is the Redis-held process-exclusion lock. Exactly one scheduler may
// run against a database; a second process fails fast at startup. The lock
// value carries the holder token and acquisition time so a stale lock from
// a crashed holder can be taken over.
type Lock struct {
	redis      *core.RedisClient
	key        string
	token      string
	staleAfter time.Duration
	logger     core.Logger
}

// NewLock creates a lock bound to the configured key
func NewLock(redis *core.RedisClient, cfg core.LockConfig, logger core.Logger) *Lock {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Lock{
		redis:      redis,
		key:        cfg.Path,
		token:      uuid.NewString(),
		staleAfter: time.Duration(cfg.StaleAfterMS) * time.Millisecond,
		logger:     logger,
	}
}

// lockValue encodes holder token and acquisition time
func (l *Lock) lockValue(now time.Time) string {
	return l.token + "|" + strconv.FormatInt(now.UnixMilli(), 10)
}

func lockAge(value string, now time.Time) (time.Duration, bool) {
	parts := strings.SplitN(value, "|", 2)
	if len(parts) != 2 {
		return 0, false
	}
	ms, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return now.Sub(time.UnixMilli(ms)), true
}

// Acquire takes the lock or returns core.ErrLockHeld. A lock older than the
// stale threshold is treated as abandoned and taken over with GetSet so two
// racing takers cannot both win.
func (l *Lock) Acquire(ctx context.Context) error {
	now := time.Now()
	ok, err := l.redis.SetNX(ctx, l.key, l.lockValue(now), l.staleAfter)
	if err != nil {
		return fmt.Errorf("lock acquire failed: %w", err)
	}
	if ok {
		l.logger.Info("Scheduler lock acquired", map[string]interface{}{
			"operation": "lock_acquire",
			"key":       l.key,
		})
		return nil
	}

	current, err := l.redis.Get(ctx, l.key)
	if err != nil {
		return fmt.Errorf("lock inspect failed: %w", err)
	}
	age, parsed := lockAge(current, now)
	if current != "" && parsed && age < l.staleAfter {
		return fmt.Errorf("lock %s held for %s: %w", l.key, age.Round(time.Second), core.ErrLockHeld)
	}

	// Stale or unparseable holder: GetSet decides the single winner
	prev, err := l.redis.GetSet(ctx, l.key, l.lockValue(now))
	if err != nil {
		return fmt.Errorf("lock takeover failed: %w", err)
	}
	if prev != current {
		// Someone else took it between Get and GetSet
		return fmt.Errorf("lock %s taken during takeover: %w", l.key, core.ErrLockHeld)
	}
	if err := l.redis.Expire(ctx, l.key, l.staleAfter); err != nil {
		return fmt.Errorf("lock expire failed: %w", err)
	}

	l.logger.Warn("Took over stale scheduler lock", map[string]interface{}{
		"operation": "lock_takeover",
		"key":       l.key,
		"stale_age": age.String(),
	})
	return nil
}

// Keepalive refreshes the lock value and TTL until ctx is canceled
func (l *Lock) Keepalive(ctx context.Context) {
	interval := l.staleAfter / 3
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.redis.Set(ctx, l.key, l.lockValue(time.Now()), l.staleAfter); err != nil {
				l.logger.Error("Lock keepalive failed", map[string]interface{}{
					"operation": "lock_keepalive",
					"key":       l.key,
					"error":     err.Error(),
				})
			}
		}
	}
}

// Release drops the lock if this process still holds it
func (l *Lock) Release(ctx context.Context) error {
	current, err := l.redis.Get(ctx, l.key)
	if err != nil {
		return fmt.Errorf("lock release inspect failed: %w", err)
	}
	if !strings.HasPrefix(current, l.token+"|") {
		l.logger.Warn("Lock no longer held at release", map[string]interface{}{
			"operation": "lock_release",
			"key":       l.key,
		})
		return nil
	}
	if err := l.redis.Delete(ctx, l.key); err != nil {
		return fmt.Errorf("lock release failed: %w", err)
	}
	l.logger.Info("Scheduler lock released", map[string]interface{}{
		"operation": "lock_release",
		"key":       l.key,
	})
	return nil
}
