package scheduler

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/domainpulse/domainpulse/store"
)

// memDB is an in-memory store.DBExecutor good enough for cycle tests: it
// understands the handful of statements the stores issue and keeps domain
// status and the response log in maps.
type memDB struct {
	mu        sync.Mutex
	domains   []store.Domain
	responses map[string]store.Response // keyed by natural key
}

func newMemDB(domains ...store.Domain) *memDB {
	return &memDB{
		domains:   domains,
		responses: make(map[string]store.Response),
	}
}

type memResult struct{ rows int64 }

func (r memResult) LastInsertId() (int64, error) { return 0, nil }
func (r memResult) RowsAffected() (int64, error) { return r.rows, nil }

func naturalKey(domainID interface{}, model, promptType, batchID interface{}) string {
	return fmt.Sprintf("%v|%v|%v|%v", domainID, model, promptType, batchID)
}

func (m *memDB) status(id int64) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.domains {
		if d.ID == id {
			return d.Status
		}
	}
	return ""
}

func (m *memDB) lastError(id int64) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.domains {
		if d.ID == id {
			return d.LastError
		}
	}
	return ""
}

func (m *memDB) processCount(id int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.domains {
		if d.ID == id {
			return d.ProcessCount
		}
	}
	return -1
}

func (m *memDB) errorCount(id int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.domains {
		if d.ID == id {
			return d.ErrorCount
		}
	}
	return -1
}

func (m *memDB) responseList() []store.Response {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.Response, 0, len(m.responses))
	for _, r := range m.responses {
		out = append(out, r)
	}
	return out
}

func (m *memDB) responseCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.responses)
}

func (m *memDB) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case strings.Contains(query, "INSERT INTO responses"):
		key := naturalKey(args[0], fmt.Sprint(args[1]), fmt.Sprint(args[2]), args[3])
		if _, dup := m.responses[key]; dup {
			return memResult{rows: 0}, nil
		}
		m.responses[key] = store.Response{
			DomainID:     args[0].(int64),
			Model:        args[1].(string),
			PromptType:   args[2].(string),
			BatchID:      args[3].(string),
			Prompt:       args[4].(string),
			ResponseText: args[5].(string),
		}
		return memResult{rows: 1}, nil

	case strings.Contains(query, "SET error_count = error_count + 1"):
		// IncrementErrorCount
		id := args[1].(int64)
		for i := range m.domains {
			if m.domains[i].ID == id && m.domains[i].Status == args[2].(string) {
				m.domains[i].ErrorCount++
				m.domains[i].LastError = args[0].(string)
				return memResult{rows: 1}, nil
			}
		}
		return memResult{rows: 0}, nil

	case strings.Contains(query, "UPDATE domains") && strings.Contains(query, "WHERE status ="):
		// ReleaseAllProcessing
		to := args[0].(string)
		from := args[2].(string)
		var n int64
		for i := range m.domains {
			if m.domains[i].Status == from {
				m.domains[i].Status = to
				m.domains[i].LastError = args[1].(string)
				n++
			}
		}
		return memResult{rows: n}, nil

	case strings.Contains(query, "UPDATE domains") && strings.Contains(query, "error_count = error_count + 1"):
		// MarkFailed
		id := args[2].(int64)
		for i := range m.domains {
			if m.domains[i].ID == id && m.domains[i].Status == args[3].(string) {
				m.domains[i].Status = args[0].(string)
				m.domains[i].LastError = args[1].(string)
				m.domains[i].ErrorCount++
				return memResult{rows: 1}, nil
			}
		}
		return memResult{rows: 0}, nil

	case strings.Contains(query, "UPDATE domains") && strings.Contains(query, "status IN"):
		// Reset from terminal states
		id := args[2].(int64)
		for i := range m.domains {
			if m.domains[i].ID != id {
				continue
			}
			for _, from := range args[3:] {
				if m.domains[i].Status == from.(string) {
					m.domains[i].Status = args[0].(string)
					m.domains[i].LastError = args[1].(string)
					return memResult{rows: 1}, nil
				}
			}
		}
		return memResult{rows: 0}, nil

	case strings.Contains(query, "UPDATE domains") && strings.Contains(query, "last_error = ''"):
		// MarkCompleted
		id := args[1].(int64)
		for i := range m.domains {
			if m.domains[i].ID == id && m.domains[i].Status == args[2].(string) {
				m.domains[i].Status = args[0].(string)
				m.domains[i].LastError = ""
				return memResult{rows: 1}, nil
			}
		}
		return memResult{rows: 0}, nil

	default:
		return memResult{}, nil
	}
}

func (m *memDB) SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case strings.Contains(query, "FOR UPDATE SKIP LOCKED"):
		// ClaimPending
		limit := args[3].(int)
		out := dest.(*[]store.Domain)
		for i := range m.domains {
			if len(*out) >= limit {
				break
			}
			if m.domains[i].Status == args[1].(string) {
				m.domains[i].Status = args[0].(string)
				m.domains[i].ProcessCount++
				m.domains[i].LastProcessedAt = sql.NullTime{Time: time.Now(), Valid: true}
				*out = append(*out, m.domains[i])
			}
		}
		return nil

	case strings.Contains(query, "DISTINCT model, prompt_type"):
		// PlanPairs
		out := dest.(*[]store.PlanPair)
		seen := make(map[store.PlanPair]bool)
		for _, r := range m.responses {
			if r.DomainID == args[0].(int64) && r.BatchID == args[1].(string) {
				p := store.PlanPair{Model: r.Model, PromptType: r.PromptType}
				if !seen[p] {
					seen[p] = true
					*out = append(*out, p)
				}
			}
		}
		return nil

	case strings.Contains(query, "FROM domains") && strings.Contains(query, "WHERE status = $1"):
		// ListCompleted
		out := dest.(*[]store.Domain)
		for _, d := range m.domains {
			if d.Status == args[0].(string) {
				*out = append(*out, d)
			}
		}
		return nil

	default:
		// CountByStatus and anything else: leave dest empty
		return nil
	}
}

func (m *memDB) GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case strings.Contains(query, "SELECT batch_id"):
		// LatestBatch
		for _, r := range m.responses {
			if r.DomainID == args[0].(int64) {
				*(dest.(*string)) = r.BatchID
				return nil
			}
		}
		return sql.ErrNoRows
	default:
		return nil
	}
}

func (m *memDB) PingContext(ctx context.Context) error { return nil }
