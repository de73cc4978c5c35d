package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/tdd-orchestrator/core/orchestrator/emit"
	"github.com/tdd-orchestrator/core/orchestrator/model"
	"github.com/tdd-orchestrator/core/orchestrator/store"
)

func TestInvocationBudgetExhaustion(t *testing.T) {
	budget := newInvocationBudget(2, 80, emit.NewNullEmitter(), "run-1")
	if budget.exhausted() {
		t.Fatalf("expected a fresh budget to not be exhausted")
	}
	budget.record()
	if budget.exhausted() {
		t.Fatalf("expected budget to still have room after one use")
	}
	budget.record()
	if !budget.exhausted() {
		t.Fatalf("expected budget exhausted after reaching its limit")
	}
}

func TestInvocationBudgetUnlimitedWhenZero(t *testing.T) {
	budget := newInvocationBudget(0, 80, emit.NewNullEmitter(), "run-1")
	for i := 0; i < 100; i++ {
		budget.record()
	}
	if budget.exhausted() {
		t.Fatalf("expected a zero-limit budget to never report exhausted")
	}
}

func TestInvocationBudgetEmitsWarningOnce(t *testing.T) {
	buffered := emit.NewBufferedEmitter()
	budget := newInvocationBudget(10, 50, buffered, "run-1")

	for i := 0; i < 6; i++ {
		budget.record()
	}

	warnings := 0
	for _, e := range buffered.History("run-1") {
		if e.Kind == "budget_warning" {
			warnings++
		}
	}
	if warnings != 1 {
		t.Fatalf("expected exactly one budget warning once the threshold is crossed, got %d", warnings)
	}
}

func TestPoolResumeRewritesOrphanedTasks(t *testing.T) {
	st := store.NewMemStore()
	ctx := context.Background()

	st.CreateTask(ctx, store.Task{Key: "t1", Status: StatusPending})
	claimed, err := st.ClaimNext(ctx, 99, time.Now(), time.Hour)
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	_ = claimed

	// Worker 99 never registers a heartbeat, so it has no live worker row.
	cfg := DefaultConfig()
	cfg.StaleWorkerThreshold = time.Minute
	collab := Collaborators{LLM: &model.MockChatModel{}}
	pool := NewPool(st, emit.NewNullEmitter(), nil, cfg, "run-1", collab)

	if err := pool.Resume(ctx); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	task, err := st.GetTask(ctx, "t1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.Status != StatusPending {
		t.Fatalf("expected the orphaned task rewritten to pending, got %s", task.Status)
	}
}

func TestPoolResumeLeavesTasksOwnedByLiveWorkers(t *testing.T) {
	st := store.NewMemStore()
	ctx := context.Background()

	st.CreateTask(ctx, store.Task{Key: "t1", Status: StatusPending})
	claimed, err := st.ClaimNext(ctx, 1, time.Now(), time.Hour)
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	_ = claimed

	st.RegisterWorker(ctx, store.Worker{ID: 1, Status: WorkerActive, LastHeartbeat: time.Now()})

	cfg := DefaultConfig()
	cfg.StaleWorkerThreshold = time.Hour
	collab := Collaborators{LLM: &model.MockChatModel{}}
	pool := NewPool(st, emit.NewNullEmitter(), nil, cfg, "run-1", collab)

	if err := pool.Resume(ctx); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	task, err := st.GetTask(ctx, "t1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.Status != StatusInProgress {
		t.Fatalf("expected the task owned by a live worker to remain in-progress, got %s", task.Status)
	}
}

func TestPoolResumeSeedsInvocationBudgetFromStore(t *testing.T) {
	st := store.NewMemStore()
	ctx := context.Background()

	st.RecordInvocation(ctx, store.Invocation{RunID: "run-1", WorkerID: 1, TaskID: 1, Stage: store.StageGreen})
	st.RecordInvocation(ctx, store.Invocation{RunID: "run-1", WorkerID: 1, TaskID: 1, Stage: store.StageGreen})
	st.RecordInvocation(ctx, store.Invocation{RunID: "run-2", WorkerID: 1, TaskID: 1, Stage: store.StageGreen})

	cfg := DefaultConfig()
	collab := Collaborators{LLM: &model.MockChatModel{}}
	pool := NewPool(st, emit.NewNullEmitter(), nil, cfg, "run-1", collab)

	if err := pool.Resume(ctx); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	if got := pool.budget.count(); got != 2 {
		t.Fatalf("expected the budget seeded with this run's 2 prior invocations, got %d", got)
	}
}

func TestPoolRunStopsOnContextCancellation(t *testing.T) {
	st := store.NewMemStore()
	cfg := DefaultConfig()
	cfg.MaxWorkers = 1
	cfg.PollInterval = time.Millisecond
	cfg.ShutdownGrace = 50 * time.Millisecond
	collab := Collaborators{LLM: &model.MockChatModel{}}
	pool := NewPool(st, emit.NewNullEmitter(), nil, cfg, "run-1", collab)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := pool.Run(ctx); err != nil {
		t.Fatalf("expected Run to return cleanly on cancellation, got %v", err)
	}
}
