package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/domainpulse/domainpulse/core"
)

// Response is one generated completion, keyed by the natural key
// (domain_id, model, prompt_type, batch_id)
type Response struct {
	ID           int64     `db:"id"`
	DomainID     int64     `db:"domain_id"`
	Model        string    `db:"model"`
	PromptType   string    `db:"prompt_type"`
	BatchID      string    `db:"batch_id"`
	Prompt       string    `db:"prompt"`
	ResponseText string    `db:"response_text"`
	LatencyMS    int64     `db:"latency_ms"`
	CreatedAt    time.Time `db:"created_at"`
}

// PlanPair is one (model, prompt_type) cell of the fan-out plan
type PlanPair struct {
	Model      string `db:"model"`
	PromptType string `db:"prompt_type"`
}

// ResponseStore is the append-only response log. Rows are never updated or
// deleted; re-crawls get a fresh batch_id instead.
type ResponseStore struct {
	db     DBExecutor
	logger core.Logger
}

// NewResponseStore creates a response store
func NewResponseStore(db DBExecutor, logger core.Logger) *ResponseStore {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &ResponseStore{db: db, logger: logger}
}

// Append inserts one response. Replayed inserts for the same natural key are
// silently dropped, which is what makes task retries safe.
func (s *ResponseStore) Append(ctx context.Context, r Response) error {
	const q = `
		INSERT INTO responses (domain_id, model, prompt_type, batch_id, prompt, response_text, latency_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (domain_id, model, prompt_type, batch_id) DO NOTHING`
	if _, err := s.db.ExecContext(ctx, q, r.DomainID, r.Model, r.PromptType, r.BatchID, r.Prompt, r.ResponseText, r.LatencyMS); err != nil {
		return fmt.Errorf("failed to append response for domain %d: %w", r.DomainID, err)
	}
	return nil
}

// AppendBatch writes a group of responses collected for one domain. Each
// insert is independently idempotent, so a batch interrupted midway replays
// cleanly; the first error stops the batch.
func (s *ResponseStore) AppendBatch(ctx context.Context, rs []Response) error {
	for _, r := range rs {
		if err := s.Append(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

// CountByDomain returns the number of responses a domain has in a batch
func (s *ResponseStore) CountByDomain(ctx context.Context, domainID int64, batchID string) (int, error) {
	var n int
	const q = `SELECT COUNT(*) FROM responses WHERE domain_id = $1 AND batch_id = $2`
	if err := s.db.GetContext(ctx, &n, q, domainID, batchID); err != nil {
		return 0, fmt.Errorf("failed to count responses for domain %d: %w", domainID, err)
	}
	return n, nil
}

// PlanPairs returns the distinct (model, prompt_type) cells a domain has
// filled in a batch. The validator compares this set against the fan-out
// plan rather than trusting a bare count.
func (s *ResponseStore) PlanPairs(ctx context.Context, domainID int64, batchID string) ([]PlanPair, error) {
	const q = `
		SELECT DISTINCT model, prompt_type FROM responses
		WHERE domain_id = $1 AND batch_id = $2`
	var pairs []PlanPair
	if err := s.db.SelectContext(ctx, &pairs, q, domainID, batchID); err != nil {
		return nil, fmt.Errorf("failed to list plan pairs for domain %d: %w", domainID, err)
	}
	return pairs, nil
}

// LatestBatch returns the most recent batch_id a domain has responses under,
// or "" when the domain has none
func (s *ResponseStore) LatestBatch(ctx context.Context, domainID int64) (string, error) {
	const q = `
		SELECT batch_id FROM responses
		WHERE domain_id = $1
		ORDER BY created_at DESC
		LIMIT 1`
	var batchID string
	err := s.db.GetContext(ctx, &batchID, q, domainID)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", fmt.Errorf("failed to find latest batch for domain %d: %w", domainID, err)
	}
	return batchID, nil
}

type modelCount struct {
	Model string `db:"model"`
	N     int64  `db:"n"`
}

// RecentByModel returns per-model response counts over the trailing window
// (observability and reconciliation reporting)
func (s *ResponseStore) RecentByModel(ctx context.Context, since time.Duration) (map[string]int64, error) {
	const q = `
		SELECT model, COUNT(*) AS n FROM responses
		WHERE created_at >= $1
		GROUP BY model`
	var rows []modelCount
	if err := s.db.SelectContext(ctx, &rows, q, time.Now().Add(-since)); err != nil {
		return nil, fmt.Errorf("failed to count recent responses: %w", err)
	}
	counts := make(map[string]int64, len(rows))
	for _, r := range rows {
		counts[r.Model] = r.N
	}
	return counts, nil
}

// CountAll returns the total size of the response log (observability)
func (s *ResponseStore) CountAll(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM responses`); err != nil {
		return 0, fmt.Errorf("failed to count responses: %w", err)
	}
	return n, nil
}
