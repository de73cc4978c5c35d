package store

import (
	"context"
	"errors"
	"time"

	"github.com/tdd-orchestrator/core/orchestrator/emit"
)

// ErrNotFound is returned when a requested task, worker, or breaker does
// not exist.
var ErrNotFound = errors.New("store: not found")

// ErrContention is returned when an optimistic-lock compare-and-swap loses
// a race; callers retry.
var ErrContention = errors.New("store: version contention")

// ErrInvalidTransition is returned when a requested status change is not
// reachable from the current state.
var ErrInvalidTransition = errors.New("store: invalid state transition")

// Store is the durable, single-writer persistence contract. Every mutating
// method is atomic with respect to the rows it touches, and every
// compare-and-swap method takes the caller's last-known Version and fails
// with ErrContention rather than silently overwriting a concurrent write.
//
// Implementations: MemStore (tests), SQLiteStore, MySQLStore,
// PostgresStore.
type Store interface {
	// --- Tasks ---

	// CreateTask inserts a new task at version 1. Used by decomposition
	// ingestion, an external collaborator outside this package's scope.
	CreateTask(ctx context.Context, task Task) (Task, error)

	// GetTask returns a task by key.
	GetTask(ctx context.Context, key string) (Task, error)

	// ListTasks returns tasks matching the given status filter, or all
	// tasks if statuses is empty, ordered by (phase, sequence, key).
	ListTasks(ctx context.Context, statuses []Status) ([]Task, error)

	// ClaimNext selects the lowest (phase, sequence, task_key) runnable
	// task and atomically marks it in-progress, owned by workerID, with
	// a lease expiring at now+claimTTL. Returns ErrNotFound if nothing is
	// runnable.
	ClaimNext(ctx context.Context, workerID int64, now time.Time, claimTTL time.Duration) (Task, error)

	// Release transitions a claimed task to outcome (one of StatusPending,
	// StatusPassing, StatusComplete, StatusBlocked,
	// StatusBlockedStaticReview), clearing the claim if outcome is not
	// in-progress. Fails with ErrContention if expectedVersion is stale.
	Release(ctx context.Context, taskID int64, expectedVersion int64, outcome Status) (Task, error)

	// ReapExpiredClaims reverts every in-progress task whose claim expired
	// before now back to pending, clearing the claim and bumping its
	// version. Returns the reclaimed task keys. No audit row is written
	// here; ClaimEngine.ReapExpiredClaims emits the "timeout" audit event.
	ReapExpiredClaims(ctx context.Context, now time.Time) ([]string, error)

	// --- Attempts ---

	RecordAttempt(ctx context.Context, attempt Attempt) error
	ListAttempts(ctx context.Context, taskID int64) ([]Attempt, error)

	// --- Workers ---

	RegisterWorker(ctx context.Context, worker Worker) (Worker, error)
	Heartbeat(ctx context.Context, workerID int64, now time.Time, taskID *int64) error
	ListWorkers(ctx context.Context) ([]Worker, error)
	MarkWorkerDead(ctx context.Context, workerID int64) error

	// --- Invocations / budget ---

	RecordInvocation(ctx context.Context, inv Invocation) error
	InvocationsUsed(ctx context.Context, runID string) (int, error)

	// --- Circuit breakers ---

	// GetCircuit returns the breaker for (level, identifier), creating it
	// lazily with the supplied default config if it does not yet exist.
	GetCircuit(ctx context.Context, level BreakerLevel, identifier string, defaults CircuitBreaker) (CircuitBreaker, error)

	// CASCircuit applies mutate to the current breaker state and persists
	// the result if expectedVersion still matches; otherwise returns
	// ErrContention and the caller recomputes against the fresh state.
	CASCircuit(ctx context.Context, level BreakerLevel, identifier string, expectedVersion int64, mutate func(CircuitBreaker) CircuitBreaker) (CircuitBreaker, error)

	ListCircuits(ctx context.Context, level BreakerLevel) ([]CircuitBreaker, error)
	RecordCircuitEvent(ctx context.Context, event CircuitEvent) error
	ListCircuitEvents(ctx context.Context, level BreakerLevel, identifier string) ([]CircuitEvent, error)

	// --- Transactional outbox ---

	// PendingEvents retrieves up to limit not-yet-emitted events in
	// creation order, for the emit package's outbox drain.
	PendingEvents(ctx context.Context, limit int) ([]emit.Event, error)

	// MarkEventsEmitted records that eventIDs were successfully delivered
	// so PendingEvents will not return them again.
	MarkEventsEmitted(ctx context.Context, eventIDs []string) error

	// Close releases any underlying connection or file handle.
	Close() error
}
