package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/domainpulse/domainpulse/core"
)

// Domain lifecycle states. StatusError is never set by the scheduler; it is
// an operator and legacy-tooling state that Reset and the queue gauges must
// still recognize.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusError      = "error"
)

// Domain is one row of the work queue
type Domain struct {
	ID              int64        `db:"id"`
	Host            string       `db:"host"`
	Status          string       `db:"status"`
	Priority        int          `db:"priority"`
	Cohort          string       `db:"cohort"`
	ProcessCount    int          `db:"process_count"`
	ErrorCount      int          `db:"error_count"`
	LastError       string       `db:"last_error"`
	CreatedAt       time.Time    `db:"created_at"`
	UpdatedAt       time.Time    `db:"updated_at"`
	LastProcessedAt sql.NullTime `db:"last_processed_at"`
}

// DomainStore manages domain lifecycle transitions. Every transition is a
// conditional UPDATE keyed on the current status, so a lost race leaves the
// row untouched instead of clobbering another writer's state.
type DomainStore struct {
	db     DBExecutor
	logger core.Logger
}

// NewDomainStore creates a domain store
func NewDomainStore(db DBExecutor, logger core.Logger) *DomainStore {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &DomainStore{db: db, logger: logger}
}

// ClaimPending atomically moves up to limit pending domains to processing and
// returns them. Each claim counts as one processing attempt: process_count is
// bumped and last_processed_at stamped here, not on settle, so a crash
// mid-cycle still leaves the attempt on record. SKIP LOCKED keeps concurrent
// claimers from blocking on each other; the ordering matches
// idx_domains_claim. An empty cohort claims from all cohorts.
func (s *DomainStore) ClaimPending(ctx context.Context, limit int, cohort string) ([]Domain, error) {
	const q = `
		UPDATE domains
		SET status = $1, process_count = process_count + 1,
		    last_processed_at = now(), updated_at = now()
		WHERE id IN (
			SELECT id FROM domains
			WHERE status = $2 AND ($3 = '' OR cohort = $3)
			ORDER BY priority DESC, updated_at ASC, id ASC
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, host, status, priority, cohort, process_count, error_count, last_error, created_at, updated_at, last_processed_at`

	var claimed []Domain
	if err := s.db.SelectContext(ctx, &claimed, q, StatusProcessing, StatusPending, cohort, limit); err != nil {
		return nil, fmt.Errorf("failed to claim pending domains: %w", err)
	}

	s.logger.Info("Claimed pending domains", map[string]interface{}{
		"operation": "domains_claim",
		"claimed":   len(claimed),
		"limit":     limit,
		"cohort":    cohort,
	})
	return claimed, nil
}

// MarkCompleted transitions processing -> completed. Returns false when the
// row was not in processing (already transitioned by another path).
func (s *DomainStore) MarkCompleted(ctx context.Context, id int64) (bool, error) {
	const q = `
		UPDATE domains SET status = $1, last_error = '', updated_at = now()
		WHERE id = $2 AND status = $3`
	res, err := s.db.ExecContext(ctx, q, StatusCompleted, id, StatusProcessing)
	if err != nil {
		return false, fmt.Errorf("failed to mark domain %d completed: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n == 1, nil
}

// MarkFailed transitions processing -> failed with the terminal reason and
// bumps the error counter
func (s *DomainStore) MarkFailed(ctx context.Context, id int64, reason string) (bool, error) {
	const q = `
		UPDATE domains
		SET status = $1, last_error = $2, error_count = error_count + 1, updated_at = now()
		WHERE id = $3 AND status = $4`
	res, err := s.db.ExecContext(ctx, q, StatusFailed, reason, id, StatusProcessing)
	if err != nil {
		return false, fmt.Errorf("failed to mark domain %d failed: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 1 {
		s.logger.Warn("Domain failed", map[string]interface{}{
			"operation": "domains_mark_failed",
			"domain_id": id,
			"reason":    reason,
		})
	}
	return n == 1, nil
}

// Reset moves a completed, failed, or error domain back to pending. The
// audit trail lives in last_error; response rows are never deleted.
func (s *DomainStore) Reset(ctx context.Context, id int64, reason string) (bool, error) {
	const q = `
		UPDATE domains SET status = $1, last_error = $2, updated_at = now()
		WHERE id = $3 AND status IN ($4, $5, $6)`
	res, err := s.db.ExecContext(ctx, q, StatusPending, reason, id, StatusCompleted, StatusFailed, StatusError)
	if err != nil {
		return false, fmt.Errorf("failed to reset domain %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 1 {
		s.logger.Info("Domain reset to pending", map[string]interface{}{
			"operation": "domains_reset",
			"domain_id": id,
			"reason":    reason,
		})
	}
	return n == 1, nil
}

// IncrementErrorCount bumps a processing domain's error counter and records
// the audit reason without changing its status. Used when a domain ends a
// cycle with a partial tensor.
func (s *DomainStore) IncrementErrorCount(ctx context.Context, id int64, reason string) error {
	const q = `
		UPDATE domains
		SET error_count = error_count + 1, last_error = $1, updated_at = now()
		WHERE id = $2 AND status = $3`
	if _, err := s.db.ExecContext(ctx, q, reason, id, StatusProcessing); err != nil {
		return fmt.Errorf("failed to increment error count for domain %d: %w", id, err)
	}
	return nil
}

// ReleaseAllProcessing returns every processing domain to pending. Safe only
// while no cycle is in flight: at startup (after the scheduler lock is held)
// to recover rows orphaned by a crashed predecessor, and between cycles when
// the reconciliation pass retries incomplete domains.
func (s *DomainStore) ReleaseAllProcessing(ctx context.Context, reason string) (int64, error) {
	const q = `
		UPDATE domains SET status = $1, last_error = $2, updated_at = now()
		WHERE status = $3`
	res, err := s.db.ExecContext(ctx, q, StatusPending, reason, StatusProcessing)
	if err != nil {
		return 0, fmt.Errorf("failed to release processing domains: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n > 0 {
		s.logger.Warn("Recovered orphaned processing domains", map[string]interface{}{
			"operation": "domains_recover",
			"released":  n,
			"reason":    reason,
		})
	}
	return n, nil
}

// Insert adds a domain in pending state. Duplicate hosts are ignored.
func (s *DomainStore) Insert(ctx context.Context, host, cohort string, priority int) error {
	const q = `
		INSERT INTO domains (host, cohort, priority)
		VALUES ($1, $2, $3)
		ON CONFLICT (host) DO NOTHING`
	if _, err := s.db.ExecContext(ctx, q, host, cohort, priority); err != nil {
		return fmt.Errorf("failed to insert domain %q: %w", host, err)
	}
	return nil
}

// ListCompleted returns up to limit completed domains, oldest first. Used by
// the reconciliation pass to re-check tensor completeness.
func (s *DomainStore) ListCompleted(ctx context.Context, limit int) ([]Domain, error) {
	const q = `
		SELECT id, host, status, priority, cohort, process_count, error_count, last_error, created_at, updated_at, last_processed_at
		FROM domains
		WHERE status = $1
		ORDER BY updated_at ASC, id ASC
		LIMIT $2`
	var rows []Domain
	if err := s.db.SelectContext(ctx, &rows, q, StatusCompleted, limit); err != nil {
		return nil, fmt.Errorf("failed to list completed domains: %w", err)
	}
	return rows, nil
}

// Ping verifies database connectivity (health endpoint)
func (s *DomainStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CountByStatus returns the queue depth per lifecycle state
func (s *DomainStore) CountByStatus(ctx context.Context) (map[string]int64, error) {
	type row struct {
		Status string `db:"status"`
		N      int64  `db:"n"`
	}
	var rows []row
	if err := s.db.SelectContext(ctx, &rows, `SELECT status, COUNT(*) AS n FROM domains GROUP BY status`); err != nil {
		return nil, fmt.Errorf("failed to count domains by status: %w", err)
	}
	counts := make(map[string]int64, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.N
	}
	return counts, nil
}
