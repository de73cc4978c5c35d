package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/tdd-orchestrator/core/orchestrator/emit"
	"github.com/tdd-orchestrator/core/orchestrator/store"
)

func TestSeedTasksCreatesEachBacklogEntry(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "orchestrator.db")
	st, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer st.Close()

	backlogPath := filepath.Join(t.TempDir(), "backlog.yaml")
	writeFile(t, backlogPath, `
tasks:
  - key: task-1
    title: Write failing test
    goal: cover the happy path
    phase: 1
    sequence: 1
    complexity: low
    acceptance_criteria:
      - compiles
  - key: task-2
    title: Implement the feature
    phase: 1
    sequence: 2
    complexity: medium
    depends_on: [task-1]
`)

	created, err := seedTasks(st, backlogPath)
	if err != nil {
		t.Fatalf("seedTasks: %v", err)
	}
	if created != 2 {
		t.Fatalf("expected 2 tasks created, got %d", created)
	}

	task, err := st.GetTask(t.Context(), "task-2")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if len(task.DependsOn) != 1 || task.DependsOn[0] != "task-1" {
		t.Fatalf("expected task-2 to depend on task-1, got %+v", task.DependsOn)
	}
}

func TestSeedTasksSkipsAlreadyExistingKeys(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "orchestrator.db")
	st, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer st.Close()

	backlogPath := filepath.Join(t.TempDir(), "backlog.yaml")
	writeFile(t, backlogPath, `
tasks:
  - key: task-1
    title: Write failing test
    phase: 1
    sequence: 1
    complexity: low
`)

	if _, err := seedTasks(st, backlogPath); err != nil {
		t.Fatalf("first seedTasks: %v", err)
	}
	created, err := seedTasks(st, backlogPath)
	if err != nil {
		t.Fatalf("second seedTasks: %v", err)
	}
	if created != 0 {
		t.Fatalf("expected no new tasks on re-seed, got %d", created)
	}
}

func TestSeedTasksRejectsMissingKey(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "orchestrator.db")
	st, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer st.Close()

	backlogPath := filepath.Join(t.TempDir(), "backlog.yaml")
	writeFile(t, backlogPath, `
tasks:
  - title: missing a key
    phase: 1
    sequence: 1
`)

	if _, err := seedTasks(st, backlogPath); err == nil {
		t.Fatalf("expected an error for a task with no key")
	}
}

func TestBuildEmitterWithoutTracingReturnsNoopShutdown(t *testing.T) {
	emitter, shutdown := buildEmitter(false, false)
	if emitter == nil {
		t.Fatalf("expected a non-nil emitter")
	}
	shutdown()
}

func TestBuildEmitterWithTracingFansOutAndShutsDownCleanly(t *testing.T) {
	emitter, shutdown := buildEmitter(true, true)
	if emitter == nil {
		t.Fatalf("expected a non-nil emitter")
	}
	defer shutdown()

	emitter.Emit(emit.Event{Kind: "test_event"})
}

func TestRunRejectsUnknownSubcommand(t *testing.T) {
	if code := run([]string{"bogus"}); code != exitUsage {
		t.Fatalf("expected exitUsage for an unknown subcommand, got %d", code)
	}
}

func TestRunWithNoArgsPrintsUsage(t *testing.T) {
	if code := run(nil); code != exitUsage {
		t.Fatalf("expected exitUsage for no arguments, got %d", code)
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
}
