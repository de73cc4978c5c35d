package orchestrator

import (
	"context"

	"github.com/tdd-orchestrator/core/orchestrator/breaker"
	"github.com/tdd-orchestrator/core/orchestrator/store"
)

// LevelHealth mirrors breaker.Health for one circuit level in the admin
// surface's health() response.
type LevelHealth struct {
	ClosedCount   int
	OpenCount     int
	HalfOpenCount int
	Total         int
}

// Health is the admin surface's aggregate view across all three levels.
type Health struct {
	ByLevel map[BreakerLevel]LevelHealth
}

// Admin exposes the operator-facing surface named in the external
// interfaces contract: reset_circuit, health, list_circuits, list_workers,
// list_tasks, retry_task. It is a thin read/write façade over the store
// and breaker hierarchy, with no logic of its own beyond composing their
// existing guarantees for an operator's convenience.
type Admin struct {
	store    store.Store
	breakers *breaker.Hierarchy
	claims   *ClaimEngine
}

func NewAdmin(st store.Store, breakers *breaker.Hierarchy, claims *ClaimEngine) *Admin {
	return &Admin{store: st, breakers: breakers, claims: claims}
}

// ResetCircuit performs a manual reset of the named breaker and returns
// its new state.
func (a *Admin) ResetCircuit(ctx context.Context, level BreakerLevel, identifier string) (BreakerState, error) {
	cb, err := a.breakers.Reset(ctx, level, identifier)
	if err != nil {
		return "", err
	}
	return cb.State, nil
}

// Health aggregates closed/open/half-open counts across all three breaker
// levels.
func (a *Admin) Health(ctx context.Context) (Health, error) {
	result := Health{ByLevel: map[BreakerLevel]LevelHealth{}}
	for _, level := range []BreakerLevel{store.LevelStage, store.LevelWorker, store.LevelSystem} {
		h, err := a.breakers.HealthByLevel(ctx, level)
		if err != nil {
			return Health{}, err
		}
		result.ByLevel[level] = LevelHealth{ClosedCount: h.ClosedCount, OpenCount: h.OpenCount, HalfOpenCount: h.HalfOpenCount, Total: h.Total}
	}
	return result, nil
}

// ListCircuits returns every breaker at level.
func (a *Admin) ListCircuits(ctx context.Context, level BreakerLevel) ([]CircuitBreaker, error) {
	return a.store.ListCircuits(ctx, level)
}

// ListWorkers returns every registered worker.
func (a *Admin) ListWorkers(ctx context.Context) ([]Worker, error) {
	return a.store.ListWorkers(ctx)
}

// ListTasks returns tasks matching statuses, or all tasks if statuses is
// empty.
func (a *Admin) ListTasks(ctx context.Context, statuses []Status) ([]Task, error) {
	return a.store.ListTasks(ctx, statuses)
}

// RetryTask moves a blocked task back to pending under a fresh version,
// for operator-driven recovery.
func (a *Admin) RetryTask(ctx context.Context, taskKey string) (Task, error) {
	return a.claims.RetryTask(ctx, taskKey)
}
