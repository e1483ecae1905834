// Package scheduler runs the crawl loop: claim a batch of pending domains,
// expand the domain x provider x prompt fan-out plan, dispatch tasks through
// the bounded worker pool under rate limiting and circuit breaking, then let
// the validator decide each domain's lifecycle transition.
package scheduler

import (
	"github.com/domainpulse/domainpulse/registry"
	"github.com/domainpulse/domainpulse/store"
)

// TaskState tracks one task through dispatch
type TaskState string

const (
	// TaskPlanned is the initial state after fan-out expansion
	TaskPlanned TaskState = "planned"
	// TaskSucceeded means the response was generated and persisted
	TaskSucceeded TaskState = "succeeded"
	// TaskFailedRetry means all retry attempts were exhausted
	TaskFailedRetry TaskState = "failed_retry"
	// TaskFailedTerminal means the task can never succeed in this process
	// (fatal provider error or shutdown drain)
	TaskFailedTerminal TaskState = "failed_terminal"
	// TaskCircuitShort means the provider circuit rejected the task
	TaskCircuitShort TaskState = "circuit_short"
)

// Task is one cell of a domain's fan-out plan
type Task struct {
	Domain   store.Domain
	Provider *registry.Provider
	Prompt   registry.Prompt
	BatchID  string

	State    TaskState
	Attempts int
	Err      error
}

// DomainPlan groups one domain's tasks so the per-domain completion barrier
// has a unit to wait on
type DomainPlan struct {
	Domain  store.Domain
	BatchID string
	Tasks   []*Task
}

// Plan expands claimed domains against the provider and prompt sets. Every
// domain gets exactly TensorSize tasks; the expansion is deterministic so a
// re-planned batch produces the same cells.
func Plan(domains []store.Domain, reg *registry.Registry, batchID string) []*DomainPlan {
	providers := reg.EnabledProviders()
	prompts := reg.Prompts()

	plans := make([]*DomainPlan, 0, len(domains))
	for _, d := range domains {
		dp := &DomainPlan{
			Domain:  d,
			BatchID: batchID,
			Tasks:   make([]*Task, 0, len(providers)*len(prompts)),
		}
		for _, p := range providers {
			for _, prompt := range prompts {
				dp.Tasks = append(dp.Tasks, &Task{
					Domain:   d,
					Provider: p,
					Prompt:   prompt,
					BatchID:  batchID,
					State:    TaskPlanned,
				})
			}
		}
		plans = append(plans, dp)
	}
	return plans
}

// Succeeded counts the tasks that produced a persisted response
func (dp *DomainPlan) Succeeded() int {
	n := 0
	for _, t := range dp.Tasks {
		if t.State == TaskSucceeded {
			n++
		}
	}
	return n
}

// AllCircuitShort reports whether every task was rejected by an open circuit
// without a single upstream attempt. The scheduler fails the domain outright
// in that case instead of spinning it through the queue.
func (dp *DomainPlan) AllCircuitShort() bool {
	for _, t := range dp.Tasks {
		if t.State != TaskCircuitShort {
			return false
		}
	}
	return len(dp.Tasks) > 0
}
