package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/tdd-orchestrator/core/orchestrator/emit"
	"github.com/tdd-orchestrator/core/orchestrator/store"
)

// ClaimEngine composes the store's claim/release/reap primitives into the
// contract a Worker consumes: atomic claim, leased expiry, and idempotent
// re-claim of a worker's own stale lease. It holds no state of its own;
// every invariant it guarantees is enforced by the store underneath it.
type ClaimEngine struct {
	store   store.Store
	emitter emit.Emitter
	metrics *Metrics

	claimTTL time.Duration
	now      func() time.Time
}

func NewClaimEngine(st store.Store, emitter emit.Emitter, metrics *Metrics, claimTTL time.Duration) *ClaimEngine {
	return &ClaimEngine{store: st, emitter: emitter, metrics: metrics, claimTTL: claimTTL, now: time.Now}
}

// ClaimNext returns the lowest (phase, sequence, task_key) runnable task,
// atomically transitioning it to in-progress under workerID's lease. It
// returns ErrNoRunnableTask when the store reports store.ErrNotFound, i.e.
// nothing qualifies.
func (e *ClaimEngine) ClaimNext(ctx context.Context, workerID int64) (Task, error) {
	task, err := e.store.ClaimNext(ctx, workerID, e.now(), e.claimTTL)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Task{}, ErrNoRunnableTask
		}
		return Task{}, err
	}
	e.emitter.Emit(emit.Event{
		Kind:    "task_claimed",
		TaskKey: task.Key,
		Meta:    map[string]any{"worker_id": workerID, "version": task.Version},
		At:      e.now(),
	})
	return task, nil
}

// Release transitions a claimed task to outcome. A stale expectedVersion
// is not retried: Release counts a claim conflict and returns
// ErrContention, since the only legitimate concurrent writer of a task a
// worker holds the lease on is the reaper expiring it out from under a
// dead worker.
func (e *ClaimEngine) Release(ctx context.Context, taskID int64, expectedVersion int64, outcome Status, taskKey string) (Task, error) {
	task, err := e.store.Release(ctx, taskID, expectedVersion, outcome)
	if err != nil {
		if errors.Is(err, store.ErrContention) {
			if e.metrics != nil {
				e.metrics.IncrementClaimConflict()
			}
			return Task{}, ErrContention
		}
		return Task{}, err
	}
	e.emitter.Emit(emit.Event{
		Kind:    "task_released",
		TaskKey: taskKey,
		Meta:    map[string]any{"outcome": string(outcome), "version": task.Version},
		At:      e.now(),
	})
	if outcome == StatusBlocked || outcome == StatusBlockedStaticReview {
		if e.metrics != nil {
			e.metrics.IncrementTaskBlocked(string(outcome))
		}
	}
	return task, nil
}

// ReapExpiredClaims reverts every task whose lease expired before now back
// to pending, emitting one audit event per reclaimed task. Intended to be
// called on a fixed interval by the Pool's supervisor loop.
func (e *ClaimEngine) ReapExpiredClaims(ctx context.Context) ([]string, error) {
	reclaimed, err := e.store.ReapExpiredClaims(ctx, e.now())
	if err != nil {
		return nil, err
	}
	for _, key := range reclaimed {
		e.emitter.Emit(emit.Event{Kind: "claim_reaped", TaskKey: key, Meta: map[string]any{"outcome": "timeout"}, At: e.now()})
	}
	return reclaimed, nil
}

// RetryTask moves a blocked task back to pending with a fresh version, for
// operator-driven recovery via the admin interface.
func (e *ClaimEngine) RetryTask(ctx context.Context, taskKey string) (Task, error) {
	task, err := e.store.GetTask(ctx, taskKey)
	if err != nil {
		return Task{}, err
	}
	if task.Status != StatusBlocked && task.Status != StatusBlockedStaticReview {
		return Task{}, ErrInvalidTransition
	}
	return e.store.Release(ctx, task.ID, task.Version, StatusPending)
}
