package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDB records executed statements and plays back canned results
type fakeDB struct {
	execs      []execCall
	rows       int64
	selectFunc func(dest interface{}, query string, args ...interface{}) error
	getFunc    func(dest interface{}, query string, args ...interface{}) error
}

type execCall struct {
	query string
	args  []interface{}
}

type fakeResult struct{ rows int64 }

func (r fakeResult) LastInsertId() (int64, error) { return 0, nil }
func (r fakeResult) RowsAffected() (int64, error) { return r.rows, nil }

func (f *fakeDB) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	f.execs = append(f.execs, execCall{query: query, args: args})
	return fakeResult{rows: f.rows}, nil
}

func (f *fakeDB) SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	if f.selectFunc != nil {
		return f.selectFunc(dest, query, args...)
	}
	return nil
}

func (f *fakeDB) GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	if f.getFunc != nil {
		return f.getFunc(dest, query, args...)
	}
	return nil
}

func (f *fakeDB) PingContext(ctx context.Context) error { return nil }

func TestClaimPendingQueryShape(t *testing.T) {
	var gotQuery string
	var gotArgs []interface{}
	db := &fakeDB{
		selectFunc: func(dest interface{}, query string, args ...interface{}) error {
			gotQuery = query
			gotArgs = args
			*(dest.(*[]Domain)) = []Domain{{ID: 1, Host: "example.com", Status: StatusProcessing}}
			return nil
		},
	}

	claimed, err := NewDomainStore(db, nil).ClaimPending(context.Background(), 25, "batch-a")
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "example.com", claimed[0].Host)

	// Claim must be atomic and non-blocking for concurrent claimers, and
	// must record the processing attempt on the row itself
	assert.Contains(t, gotQuery, "FOR UPDATE SKIP LOCKED")
	assert.Contains(t, gotQuery, "ORDER BY priority DESC, updated_at ASC, id ASC")
	assert.Contains(t, gotQuery, "process_count = process_count + 1")
	assert.Contains(t, gotQuery, "last_processed_at = now()")
	assert.Equal(t, []interface{}{StatusProcessing, StatusPending, "batch-a", 25}, gotArgs)
}

func TestMarkCompletedIsConditional(t *testing.T) {
	db := &fakeDB{rows: 1}
	s := NewDomainStore(db, nil)

	changed, err := s.MarkCompleted(context.Background(), 7)
	require.NoError(t, err)
	assert.True(t, changed)

	require.Len(t, db.execs, 1)
	q := db.execs[0]
	assert.Contains(t, q.query, "AND status =")
	assert.Equal(t, []interface{}{StatusCompleted, int64(7), StatusProcessing}, q.args)
}

func TestMarkCompletedLostRace(t *testing.T) {
	db := &fakeDB{rows: 0}
	changed, err := NewDomainStore(db, nil).MarkCompleted(context.Background(), 7)
	require.NoError(t, err)
	assert.False(t, changed, "a row not in processing must be left untouched")
}

func TestMarkFailedRecordsReason(t *testing.T) {
	db := &fakeDB{rows: 1}
	changed, err := NewDomainStore(db, nil).MarkFailed(context.Background(), 3, "all_circuits_open")
	require.NoError(t, err)
	assert.True(t, changed)

	q := db.execs[0]
	assert.Contains(t, q.query, "error_count = error_count + 1")
	assert.Equal(t, "all_circuits_open", q.args[1])
}

func TestResetOnlyFromTerminalStates(t *testing.T) {
	db := &fakeDB{rows: 1}
	_, err := NewDomainStore(db, nil).Reset(context.Background(), 9, "operator_recrawl")
	require.NoError(t, err)

	q := db.execs[0]
	assert.Contains(t, q.query, "status IN")
	assert.Contains(t, q.args, StatusCompleted)
	assert.Contains(t, q.args, StatusFailed)
	assert.Contains(t, q.args, StatusError)
}

func TestIncrementErrorCountKeepsStatus(t *testing.T) {
	db := &fakeDB{rows: 1}
	require.NoError(t, NewDomainStore(db, nil).IncrementErrorCount(context.Background(), 4, "incomplete_cycle"))

	q := db.execs[0]
	assert.Contains(t, q.query, "SET error_count = error_count + 1")
	assert.NotContains(t, q.query, "SET status", "an incomplete domain must stay processing")
	assert.Equal(t, []interface{}{"incomplete_cycle", int64(4), StatusProcessing}, q.args)
}

func TestInsertIgnoresDuplicateHost(t *testing.T) {
	db := &fakeDB{}
	require.NoError(t, NewDomainStore(db, nil).Insert(context.Background(), "example.com", "legacy", 10))

	q := db.execs[0]
	assert.Contains(t, q.query, "ON CONFLICT (host) DO NOTHING")
	assert.Equal(t, []interface{}{"example.com", "legacy", 10}, q.args)
}

func TestAppendUsesNaturalKeyConflict(t *testing.T) {
	db := &fakeDB{}
	err := NewResponseStore(db, nil).Append(context.Background(), Response{
		DomainID:     1,
		Model:        "openai-main/gpt-4o-mini",
		PromptType:   "overview",
		BatchID:      "b1",
		Prompt:       "Describe example.com.",
		ResponseText: "a search engine",
		LatencyMS:    120,
	})
	require.NoError(t, err)

	require.Len(t, db.execs, 1)
	q := db.execs[0].query
	assert.Contains(t, q, "ON CONFLICT (domain_id, model, prompt_type, batch_id) DO NOTHING")
	assert.NotContains(t, strings.ToUpper(q), "UPDATE", "response log is append-only")
	assert.Contains(t, db.execs[0].args, "Describe example.com.", "the substituted prompt is part of the row")
}

func TestAppendBatchWritesEveryRow(t *testing.T) {
	db := &fakeDB{}
	batch := []Response{
		{DomainID: 1, Model: "p/m", PromptType: "overview", BatchID: "b1"},
		{DomainID: 1, Model: "p/m", PromptType: "products", BatchID: "b1"},
	}
	require.NoError(t, NewResponseStore(db, nil).AppendBatch(context.Background(), batch))
	assert.Len(t, db.execs, 2)
}

func TestLatestBatchAbsent(t *testing.T) {
	db := &fakeDB{
		getFunc: func(dest interface{}, query string, args ...interface{}) error {
			return sql.ErrNoRows
		},
	}
	batch, err := NewResponseStore(db, nil).LatestBatch(context.Background(), 42)
	require.NoError(t, err)
	assert.Empty(t, batch)
}

func TestPlanPairsDistinct(t *testing.T) {
	db := &fakeDB{
		selectFunc: func(dest interface{}, query string, args ...interface{}) error {
			assert.Contains(t, query, "DISTINCT")
			*(dest.(*[]PlanPair)) = []PlanPair{
				{Model: "m1", PromptType: "overview"},
				{Model: "m1", PromptType: "products"},
			}
			return nil
		},
	}
	pairs, err := NewResponseStore(db, nil).PlanPairs(context.Background(), 1, "b1")
	require.NoError(t, err)
	assert.Len(t, pairs, 2)
}

func TestCountByDomainScopesToBatch(t *testing.T) {
	db := &fakeDB{
		getFunc: func(dest interface{}, query string, args ...interface{}) error {
			assert.Contains(t, query, "domain_id = $1 AND batch_id = $2")
			*(dest.(*int)) = 6
			return nil
		},
	}
	n, err := NewResponseStore(db, nil).CountByDomain(context.Background(), 1, "b1")
	require.NoError(t, err)
	assert.Equal(t, 6, n)
}

func TestRecentByModelCountsSinceWindow(t *testing.T) {
	db := &fakeDB{
		selectFunc: func(dest interface{}, query string, args ...interface{}) error {
			assert.Contains(t, query, "GROUP BY model")
			require.Len(t, args, 1)
			cutoff := args[0].(time.Time)
			assert.WithinDuration(t, time.Now().Add(-time.Hour), cutoff, 5*time.Second)
			*(dest.(*[]modelCount)) = []modelCount{
				{Model: "openai-main/gpt-4o-mini", N: 12},
				{Model: "anthropic-main/claude", N: 3},
			}
			return nil
		},
	}
	counts, err := NewResponseStore(db, nil).RecentByModel(context.Background(), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{
		"openai-main/gpt-4o-mini": 12,
		"anthropic-main/claude":   3,
	}, counts)
}

func TestIsRetryableClassifiesPostgresErrors(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"undefined table", &pq.Error{Code: "42P01"}, false},
		{"unique violation", &pq.Error{Code: "23505"}, false},
		{"admin shutdown", &pq.Error{Code: "57P01"}, true},
		{"serialization failure", &pq.Error{Code: "40001"}, true},
		{"plain connection error", errors.New("read tcp: connection reset by peer"), true},
		{"wrapped structural", fmt.Errorf("cycle failed: %w", &pq.Error{Code: "42703"}), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsRetryable(tc.err))
		})
	}
}

func TestEnsureSchemaIdempotentDDL(t *testing.T) {
	db := &fakeDB{}
	require.NoError(t, EnsureSchema(context.Background(), db, nil))
	require.Len(t, db.execs, 1)
	ddl := db.execs[0].query
	assert.Contains(t, ddl, "CREATE TABLE IF NOT EXISTS domains")
	assert.Contains(t, ddl, "CREATE TABLE IF NOT EXISTS responses")
	assert.Contains(t, ddl, "UNIQUE (domain_id, model, prompt_type, batch_id)")
	assert.Contains(t, ddl, "idx_domains_cohort_status ON domains (cohort, status)")
}
