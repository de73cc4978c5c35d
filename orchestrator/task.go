// Package orchestrator implements the task-claim engine, worker pool, and
// circuit breaker hierarchy that drive a batch of TDD pipeline tasks to
// completion across a pool of concurrent workers. The durable entities
// themselves live in the store subpackage; this package aliases them so
// callers can write orchestrator.Task instead of reaching into store.
package orchestrator

import "github.com/tdd-orchestrator/core/orchestrator/store"

type (
	Status     = store.Status
	Complexity = store.Complexity
	Claim      = store.Claim
	Task       = store.Task
)

const (
	StatusPending             = store.StatusPending
	StatusInProgress          = store.StatusInProgress
	StatusPassing             = store.StatusPassing
	StatusComplete            = store.StatusComplete
	StatusBlocked             = store.StatusBlocked
	StatusBlockedStaticReview = store.StatusBlockedStaticReview

	ComplexityLow    = store.ComplexityLow
	ComplexityMedium = store.ComplexityMedium
	ComplexityHigh   = store.ComplexityHigh
)
