package store

import (
	"context"
	"testing"
	"time"

	"github.com/tdd-orchestrator/core/orchestrator/emit"
)

func emitEvent(id string) emit.Event {
	return emit.Event{ID: id, Kind: "test_event", At: time.Now()}
}

func newTask(key string, phase, seq int) Task {
	return Task{
		Key:      key,
		Title:    "title " + key,
		Goal:     "goal",
		Phase:    phase,
		Sequence: seq,
		Status:   StatusPending,
	}
}

func TestCreateTaskAssignsIDAndVersion(t *testing.T) {
	m := NewMemStore()
	ctx := context.Background()

	created, err := m.CreateTask(ctx, newTask("t1", 0, 0))
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if created.ID == 0 {
		t.Fatalf("expected a nonzero ID, got 0")
	}
	if created.Version != 1 {
		t.Fatalf("expected version 1, got %d", created.Version)
	}

	if _, err := m.CreateTask(ctx, newTask("t1", 0, 0)); err != ErrInvalidTransition {
		t.Fatalf("expected ErrInvalidTransition on duplicate key, got %v", err)
	}
}

func TestGetTaskNotFound(t *testing.T) {
	m := NewMemStore()
	if _, err := m.GetTask(context.Background(), "missing"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListTasksFiltersAndOrders(t *testing.T) {
	m := NewMemStore()
	ctx := context.Background()

	m.CreateTask(ctx, newTask("b", 1, 2))
	m.CreateTask(ctx, newTask("a", 1, 1))
	m.CreateTask(ctx, newTask("c", 0, 5))

	all, err := m.ListTasks(ctx, nil)
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(all))
	}
	want := []string{"c", "a", "b"}
	for i, k := range want {
		if all[i].Key != k {
			t.Errorf("position %d: expected key %q, got %q", i, k, all[i].Key)
		}
	}

	pending, err := m.ListTasks(ctx, []Status{StatusBlocked})
	if err != nil {
		t.Fatalf("ListTasks(blocked): %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected no blocked tasks, got %d", len(pending))
	}
}

func TestClaimNextRespectsDependencies(t *testing.T) {
	m := NewMemStore()
	ctx := context.Background()
	now := time.Now()

	dep := newTask("dep", 0, 0)
	m.CreateTask(ctx, dep)

	blocked := newTask("blocked", 0, 1)
	blocked.DependsOn = []string{"dep"}
	m.CreateTask(ctx, blocked)

	claimed, err := m.ClaimNext(ctx, 1, now, time.Minute)
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if claimed.Key != "dep" {
		t.Fatalf("expected to claim the dependency-free task first, got %q", claimed.Key)
	}

	if _, err := m.ClaimNext(ctx, 2, now, time.Minute); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound while dep is still in-progress, got %v", err)
	}

	if _, err := m.Release(ctx, claimed.ID, claimed.Version, StatusComplete); err != nil {
		t.Fatalf("Release: %v", err)
	}

	claimed2, err := m.ClaimNext(ctx, 2, now, time.Minute)
	if err != nil {
		t.Fatalf("ClaimNext after dep completed: %v", err)
	}
	if claimed2.Key != "blocked" {
		t.Fatalf("expected the dependent task to become runnable, got %q", claimed2.Key)
	}
}

func TestClaimNextOrdersByPhaseThenSequence(t *testing.T) {
	m := NewMemStore()
	ctx := context.Background()
	now := time.Now()

	m.CreateTask(ctx, newTask("p1-seq2", 1, 2))
	m.CreateTask(ctx, newTask("p0-seq1", 0, 1))
	m.CreateTask(ctx, newTask("p0-seq0", 0, 0))

	claimed, err := m.ClaimNext(ctx, 1, now, time.Minute)
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if claimed.Key != "p0-seq0" {
		t.Fatalf("expected p0-seq0 first, got %q", claimed.Key)
	}
}

func TestReleaseDetectsContention(t *testing.T) {
	m := NewMemStore()
	ctx := context.Background()

	created, _ := m.CreateTask(ctx, newTask("t1", 0, 0))
	claimed, err := m.ClaimNext(ctx, 1, time.Now(), time.Minute)
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}

	if _, err := m.Release(ctx, claimed.ID, created.Version, StatusComplete); err != ErrContention {
		t.Fatalf("expected ErrContention against the stale version, got %v", err)
	}

	released, err := m.Release(ctx, claimed.ID, claimed.Version, StatusComplete)
	if err != nil {
		t.Fatalf("Release: %v", err)
	}
	if released.Status != StatusComplete {
		t.Fatalf("expected status complete, got %s", released.Status)
	}
	if released.Claim.WorkerID != 0 {
		t.Fatalf("expected claim cleared on a terminal outcome, got worker %d", released.Claim.WorkerID)
	}
}

func TestReapExpiredClaims(t *testing.T) {
	m := NewMemStore()
	ctx := context.Background()
	start := time.Now()

	m.CreateTask(ctx, newTask("t1", 0, 0))
	if _, err := m.ClaimNext(ctx, 1, start, time.Second); err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}

	reclaimed, err := m.ReapExpiredClaims(ctx, start.Add(time.Hour))
	if err != nil {
		t.Fatalf("ReapExpiredClaims: %v", err)
	}
	if len(reclaimed) != 1 || reclaimed[0] != "t1" {
		t.Fatalf("expected [t1] reclaimed, got %v", reclaimed)
	}

	task, err := m.GetTask(ctx, "t1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.Status != StatusPending {
		t.Fatalf("expected task reverted to pending, got %s", task.Status)
	}
	if task.Claim.WorkerID != 0 {
		t.Fatalf("expected claim cleared after reap")
	}
}

func TestRecordAndListAttempts(t *testing.T) {
	m := NewMemStore()
	ctx := context.Background()

	task, _ := m.CreateTask(ctx, newTask("t1", 0, 0))

	if err := m.RecordAttempt(ctx, Attempt{TaskID: task.ID, Stage: StageRed, AttemptNumber: 1, Success: true}); err != nil {
		t.Fatalf("RecordAttempt: %v", err)
	}
	if err := m.RecordAttempt(ctx, Attempt{TaskID: task.ID, Stage: StageGreen, AttemptNumber: 1, Success: false}); err != nil {
		t.Fatalf("RecordAttempt: %v", err)
	}

	attempts, err := m.ListAttempts(ctx, task.ID)
	if err != nil {
		t.Fatalf("ListAttempts: %v", err)
	}
	if len(attempts) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(attempts))
	}
}

func TestWorkerLifecycle(t *testing.T) {
	m := NewMemStore()
	ctx := context.Background()

	w, err := m.RegisterWorker(ctx, Worker{ID: 1, Status: WorkerActive, RegisteredAt: time.Now()})
	if err != nil {
		t.Fatalf("RegisterWorker: %v", err)
	}
	if w.ID != 1 {
		t.Fatalf("expected worker ID 1, got %d", w.ID)
	}

	taskID := int64(42)
	now := time.Now()
	if err := m.Heartbeat(ctx, 1, now, &taskID); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}

	workers, err := m.ListWorkers(ctx)
	if err != nil {
		t.Fatalf("ListWorkers: %v", err)
	}
	if len(workers) != 1 || workers[0].CurrentTaskID == nil || *workers[0].CurrentTaskID != 42 {
		t.Fatalf("expected heartbeat to record the current task, got %+v", workers)
	}

	if err := m.MarkWorkerDead(ctx, 1); err != nil {
		t.Fatalf("MarkWorkerDead: %v", err)
	}
	workers, _ = m.ListWorkers(ctx)
	if workers[0].Status != WorkerDead {
		t.Fatalf("expected worker marked dead, got %s", workers[0].Status)
	}

	if err := m.Heartbeat(ctx, 99, now, nil); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound for unregistered worker, got %v", err)
	}
}

func TestInvocationBudgetTracking(t *testing.T) {
	m := NewMemStore()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := m.RecordInvocation(ctx, Invocation{RunID: "run-a", WorkerID: 1, TaskID: 1, Stage: StageGreen}); err != nil {
			t.Fatalf("RecordInvocation: %v", err)
		}
	}
	if err := m.RecordInvocation(ctx, Invocation{RunID: "run-b", WorkerID: 1, TaskID: 1, Stage: StageGreen}); err != nil {
		t.Fatalf("RecordInvocation: %v", err)
	}

	used, err := m.InvocationsUsed(ctx, "run-a")
	if err != nil {
		t.Fatalf("InvocationsUsed: %v", err)
	}
	if used != 3 {
		t.Fatalf("expected 3 invocations for run-a, got %d", used)
	}
}

func TestGetCircuitCreatesLazily(t *testing.T) {
	m := NewMemStore()
	ctx := context.Background()

	defaults := CircuitBreaker{FailureThreshold: 5, Cooldown: time.Minute}
	cb, err := m.GetCircuit(ctx, LevelStage, "task-1:GREEN", defaults)
	if err != nil {
		t.Fatalf("GetCircuit: %v", err)
	}
	if cb.State != StateClosed {
		t.Fatalf("expected a freshly created breaker to start closed, got %s", cb.State)
	}
	if cb.Version != 1 {
		t.Fatalf("expected version 1, got %d", cb.Version)
	}

	again, err := m.GetCircuit(ctx, LevelStage, "task-1:GREEN", defaults)
	if err != nil {
		t.Fatalf("GetCircuit (second read): %v", err)
	}
	if again.Version != cb.Version {
		t.Fatalf("expected the second read to return the same row, got version %d vs %d", again.Version, cb.Version)
	}
}

func TestCASCircuitRejectsStaleVersion(t *testing.T) {
	m := NewMemStore()
	ctx := context.Background()

	cb, _ := m.GetCircuit(ctx, LevelWorker, "worker-1", CircuitBreaker{FailureThreshold: 5})

	if _, err := m.CASCircuit(ctx, LevelWorker, "worker-1", cb.Version+1, func(c CircuitBreaker) CircuitBreaker {
		c.FailureCount++
		return c
	}); err != ErrContention {
		t.Fatalf("expected ErrContention, got %v", err)
	}

	updated, err := m.CASCircuit(ctx, LevelWorker, "worker-1", cb.Version, func(c CircuitBreaker) CircuitBreaker {
		c.FailureCount++
		return c
	})
	if err != nil {
		t.Fatalf("CASCircuit: %v", err)
	}
	if updated.FailureCount != 1 {
		t.Fatalf("expected failure count 1, got %d", updated.FailureCount)
	}
	if updated.Version != cb.Version+1 {
		t.Fatalf("expected version to advance by one, got %d", updated.Version)
	}
}

func TestListCircuitsFiltersByLevel(t *testing.T) {
	m := NewMemStore()
	ctx := context.Background()

	m.GetCircuit(ctx, LevelStage, "a", CircuitBreaker{})
	m.GetCircuit(ctx, LevelWorker, "b", CircuitBreaker{})

	stageOnly, err := m.ListCircuits(ctx, LevelStage)
	if err != nil {
		t.Fatalf("ListCircuits: %v", err)
	}
	if len(stageOnly) != 1 || stageOnly[0].Identifier != "a" {
		t.Fatalf("expected only the stage breaker, got %+v", stageOnly)
	}
}

func TestCircuitEventsRecordAndList(t *testing.T) {
	m := NewMemStore()
	ctx := context.Background()

	if err := m.RecordCircuitEvent(ctx, CircuitEvent{Level: LevelStage, Identifier: "a", EventType: EventFailureRecorded, At: time.Now()}); err != nil {
		t.Fatalf("RecordCircuitEvent: %v", err)
	}
	if err := m.RecordCircuitEvent(ctx, CircuitEvent{Level: LevelStage, Identifier: "other", EventType: EventFailureRecorded, At: time.Now()}); err != nil {
		t.Fatalf("RecordCircuitEvent: %v", err)
	}

	events, err := m.ListCircuitEvents(ctx, LevelStage, "a")
	if err != nil {
		t.Fatalf("ListCircuitEvents: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event scoped to identifier a, got %d", len(events))
	}
}

func TestOutboxDrain(t *testing.T) {
	m := NewMemStore()
	ctx := context.Background()

	m.QueueEvent(emitEvent("ev-1"))
	m.QueueEvent(emitEvent("ev-2"))

	pending, err := m.PendingEvents(ctx, 10)
	if err != nil {
		t.Fatalf("PendingEvents: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending events, got %d", len(pending))
	}

	if err := m.MarkEventsEmitted(ctx, []string{"ev-1"}); err != nil {
		t.Fatalf("MarkEventsEmitted: %v", err)
	}

	remaining, err := m.PendingEvents(ctx, 10)
	if err != nil {
		t.Fatalf("PendingEvents: %v", err)
	}
	if len(remaining) != 1 || remaining[0].ID != "ev-2" {
		t.Fatalf("expected only ev-2 still pending, got %+v", remaining)
	}
}
