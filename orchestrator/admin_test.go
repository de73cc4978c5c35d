package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/tdd-orchestrator/core/orchestrator/breaker"
	"github.com/tdd-orchestrator/core/orchestrator/emit"
	"github.com/tdd-orchestrator/core/orchestrator/store"
)

func newTestAdmin(st store.Store) *Admin {
	emitter := emit.NewNullEmitter()
	claims := NewClaimEngine(st, emitter, nil, time.Minute)
	breakers := breaker.New(st, emitter)
	return NewAdmin(st, breakers, claims)
}

func TestAdminListTasksAndWorkers(t *testing.T) {
	st := store.NewMemStore()
	ctx := context.Background()
	st.CreateTask(ctx, store.Task{Key: "t1", Status: StatusPending})
	st.RegisterWorker(ctx, store.Worker{ID: 1, Status: WorkerActive})

	admin := newTestAdmin(st)

	tasks, err := admin.ListTasks(ctx, nil)
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("expected 1 task, got %d", len(tasks))
	}

	workers, err := admin.ListWorkers(ctx)
	if err != nil {
		t.Fatalf("ListWorkers: %v", err)
	}
	if len(workers) != 1 {
		t.Fatalf("expected 1 worker, got %d", len(workers))
	}
}

func TestAdminResetCircuit(t *testing.T) {
	st := store.NewMemStore()
	ctx := context.Background()
	admin := newTestAdmin(st)

	st.GetCircuit(ctx, LevelWorker, "worker-1", CircuitBreaker{FailureThreshold: 1})
	st.CASCircuit(ctx, LevelWorker, "worker-1", 1, func(c CircuitBreaker) CircuitBreaker {
		c.State = StateOpen
		return c
	})

	state, err := admin.ResetCircuit(ctx, LevelWorker, "worker-1")
	if err != nil {
		t.Fatalf("ResetCircuit: %v", err)
	}
	if state != StateClosed {
		t.Fatalf("expected reset circuit to report closed, got %s", state)
	}
}

func TestAdminHealthAggregatesAllLevels(t *testing.T) {
	st := store.NewMemStore()
	ctx := context.Background()
	admin := newTestAdmin(st)

	st.GetCircuit(ctx, LevelStage, "a", CircuitBreaker{})
	st.GetCircuit(ctx, LevelWorker, "b", CircuitBreaker{})
	st.GetCircuit(ctx, LevelSystem, "system", CircuitBreaker{})

	health, err := admin.Health(ctx)
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	for _, level := range []BreakerLevel{LevelStage, LevelWorker, LevelSystem} {
		if health.ByLevel[level].Total != 1 {
			t.Errorf("expected 1 breaker tracked at level %s, got %d", level, health.ByLevel[level].Total)
		}
	}
}

func TestAdminRetryTaskDelegatesToClaimEngine(t *testing.T) {
	st := store.NewMemStore()
	ctx := context.Background()
	admin := newTestAdmin(st)

	st.CreateTask(ctx, store.Task{Key: "t1", Status: StatusPending})
	claimed, _ := st.ClaimNext(ctx, 1, time.Now(), time.Minute)
	st.Release(ctx, claimed.ID, claimed.Version, StatusBlocked)

	task, err := admin.RetryTask(ctx, "t1")
	if err != nil {
		t.Fatalf("RetryTask: %v", err)
	}
	if task.Status != StatusPending {
		t.Fatalf("expected task reset to pending, got %s", task.Status)
	}
}
