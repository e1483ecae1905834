// Package store is the Postgres persistence layer: the domain work queue and
// the append-only response log. All writes commute with retries - claims are
// conditional updates, response inserts are idempotent on their natural key -
// so the scheduler can replay any step after a crash.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/domainpulse/domainpulse/core"
)

// DBExecutor defines the database operations the stores need.
// The interface allows dependency injection and testing with fakes.
type DBExecutor interface {
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	PingContext(ctx context.Context) error
}

// Connect opens the Postgres pool and verifies connectivity
func Connect(ctx context.Context, cfg core.DatabaseConfig, logger core.Logger) (*sqlx.DB, error) {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}

	db, err := sqlx.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("Database connected", map[string]interface{}{
		"operation":      "db_connect",
		"max_open_conns": cfg.MaxOpenConns,
		"max_idle_conns": cfg.MaxIdleConns,
	})

	return db, nil
}

// schema is idempotent so startup can run it unconditionally. The unique
// natural key on responses is what makes response writes commute with
// retries: a replayed insert hits ON CONFLICT DO NOTHING.
const schema = `
CREATE TABLE IF NOT EXISTS domains (
    id                BIGSERIAL PRIMARY KEY,
    host              TEXT NOT NULL UNIQUE,
    status            TEXT NOT NULL DEFAULT 'pending',
    priority          INT NOT NULL DEFAULT 0,
    cohort            TEXT NOT NULL DEFAULT 'legacy',
    process_count     INT NOT NULL DEFAULT 0,
    error_count       INT NOT NULL DEFAULT 0,
    last_error        TEXT NOT NULL DEFAULT '',
    created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
    last_processed_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_domains_claim
    ON domains (status, priority DESC, updated_at ASC, id ASC);
CREATE INDEX IF NOT EXISTS idx_domains_cohort_status ON domains (cohort, status);

CREATE TABLE IF NOT EXISTS responses (
    id            BIGSERIAL PRIMARY KEY,
    domain_id     BIGINT NOT NULL REFERENCES domains(id),
    model         TEXT NOT NULL,
    prompt_type   TEXT NOT NULL,
    batch_id      TEXT NOT NULL,
    prompt        TEXT NOT NULL DEFAULT '',
    response_text TEXT NOT NULL,
    latency_ms    BIGINT NOT NULL DEFAULT 0,
    created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
    CONSTRAINT responses_natural_key UNIQUE (domain_id, model, prompt_type, batch_id)
);

CREATE INDEX IF NOT EXISTS idx_responses_domain ON responses (domain_id);
CREATE INDEX IF NOT EXISTS idx_responses_model_created ON responses (model, created_at DESC);
`

// IsRetryable reports whether a persistence error can heal on its own.
// Connection drops, timeouts, and serialization hiccups are worth another
// cycle; schema and data defects are not - they need a deploy, so the
// process exits and lets the supervisor hold it down.
func IsRetryable(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// 22 data, 23 integrity, 26/42 undefined objects, 0A unsupported,
		// 3D/3F bad catalog or schema: structural, cannot heal on retry.
		switch pqErr.Code.Class() {
		case "22", "23", "26", "42", "0A", "3D", "3F":
			return false
		}
	}
	return true
}

// EnsureSchema creates the tables and indexes if they do not exist
func EnsureSchema(ctx context.Context, db DBExecutor, logger core.Logger) error {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	logger.Debug("Schema ensured", map[string]interface{}{
		"operation": "db_ensure_schema",
	})
	return nil
}
