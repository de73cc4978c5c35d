package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tdd-orchestrator/core/orchestrator/emit"
	"github.com/tdd-orchestrator/core/orchestrator/store"
)

func TestClaimEngineClaimNextReturnsErrNoRunnableTask(t *testing.T) {
	st := store.NewMemStore()
	engine := NewClaimEngine(st, emit.NewNullEmitter(), nil, time.Minute)

	if _, err := engine.ClaimNext(context.Background(), 1); !errors.Is(err, ErrNoRunnableTask) {
		t.Fatalf("expected ErrNoRunnableTask against an empty store, got %v", err)
	}
}

func TestClaimEngineClaimNextEmitsEvent(t *testing.T) {
	st := store.NewMemStore()
	buffered := emit.NewBufferedEmitter()
	engine := NewClaimEngine(st, buffered, nil, time.Minute)
	ctx := context.Background()

	st.CreateTask(ctx, store.Task{Key: "t1", Status: StatusPending})

	task, err := engine.ClaimNext(ctx, 7)
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if task.Key != "t1" {
		t.Fatalf("expected task t1, got %s", task.Key)
	}

	events := buffered.History("")
	found := false
	for _, e := range events {
		if e.Kind == "task_claimed" && e.TaskKey == "t1" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a task_claimed event, got %+v", events)
	}
}

func TestClaimEngineReleaseTranslatesContention(t *testing.T) {
	st := store.NewMemStore()
	metrics := NewMetrics(nil)
	engine := NewClaimEngine(st, emit.NewNullEmitter(), metrics, time.Minute)
	ctx := context.Background()

	created, _ := st.CreateTask(ctx, store.Task{Key: "t1", Status: StatusPending})
	claimed, err := engine.ClaimNext(ctx, 1)
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}

	if _, err := engine.Release(ctx, claimed.ID, created.Version, StatusComplete, "t1"); !errors.Is(err, ErrContention) {
		t.Fatalf("expected ErrContention against the stale version, got %v", err)
	}

	released, err := engine.Release(ctx, claimed.ID, claimed.Version, StatusComplete, "t1")
	if err != nil {
		t.Fatalf("Release: %v", err)
	}
	if released.Status != StatusComplete {
		t.Fatalf("expected status complete, got %s", released.Status)
	}
}

func TestClaimEngineReapExpiredClaims(t *testing.T) {
	st := store.NewMemStore()
	engine := NewClaimEngine(st, emit.NewNullEmitter(), nil, time.Millisecond)
	ctx := context.Background()

	st.CreateTask(ctx, store.Task{Key: "t1", Status: StatusPending})
	if _, err := engine.ClaimNext(ctx, 1); err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}

	time.Sleep(5 * time.Millisecond)

	reclaimed, err := engine.ReapExpiredClaims(ctx)
	if err != nil {
		t.Fatalf("ReapExpiredClaims: %v", err)
	}
	if len(reclaimed) != 1 || reclaimed[0] != "t1" {
		t.Fatalf("expected t1 reclaimed, got %v", reclaimed)
	}
}

func TestClaimEngineRetryTaskRequiresBlockedStatus(t *testing.T) {
	st := store.NewMemStore()
	engine := NewClaimEngine(st, emit.NewNullEmitter(), nil, time.Minute)
	ctx := context.Background()

	st.CreateTask(ctx, store.Task{Key: "t1", Status: StatusPending})

	if _, err := engine.RetryTask(ctx, "t1"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition for a non-blocked task, got %v", err)
	}

	claimed, _ := engine.ClaimNext(ctx, 1)
	engine.Release(ctx, claimed.ID, claimed.Version, StatusBlocked, "t1")

	retried, err := engine.RetryTask(ctx, "t1")
	if err != nil {
		t.Fatalf("RetryTask: %v", err)
	}
	if retried.Status != StatusPending {
		t.Fatalf("expected retried task to return to pending, got %s", retried.Status)
	}
}

func TestClaimEngineRetryTaskRejectsCompletedTask(t *testing.T) {
	st := store.NewMemStore()
	engine := NewClaimEngine(st, emit.NewNullEmitter(), nil, time.Minute)
	ctx := context.Background()

	st.CreateTask(ctx, store.Task{Key: "t1", Status: StatusPending})
	claimed, _ := engine.ClaimNext(ctx, 1)
	if _, err := engine.Release(ctx, claimed.ID, claimed.Version, StatusComplete, "t1"); err != nil {
		t.Fatalf("Release: %v", err)
	}

	if _, err := engine.RetryTask(ctx, "t1"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected retry_task to reject a completed task, got %v", err)
	}
}
