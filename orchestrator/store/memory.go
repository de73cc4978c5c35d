package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tdd-orchestrator/core/orchestrator/emit"
)

// MemStore is an in-memory Store, designed for tests and short-lived dry
// runs. It is thread-safe but keeps no history beyond one process
// lifetime.
type MemStore struct {
	mu sync.Mutex

	tasksByKey map[string]*Task
	nextTaskID int64

	attempts map[int64][]Attempt

	workers map[int64]*Worker

	invocations    []Invocation
	invocationByID int

	circuits map[string]*CircuitBreaker // "level:identifier"
	events   []CircuitEvent

	pendingEvents []emit.Event
	emittedIDs    map[string]bool
}

func NewMemStore() *MemStore {
	return &MemStore{
		tasksByKey: make(map[string]*Task),
		attempts:   make(map[int64][]Attempt),
		workers:    make(map[int64]*Worker),
		circuits:   make(map[string]*CircuitBreaker),
		emittedIDs: make(map[string]bool),
	}
}

func circuitKey(level BreakerLevel, identifier string) string {
	return string(level) + ":" + identifier
}

func (m *MemStore) CreateTask(_ context.Context, task Task) (Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.tasksByKey[task.Key]; exists {
		return Task{}, ErrInvalidTransition
	}
	m.nextTaskID++
	task.ID = m.nextTaskID
	task.Version = 1
	if task.Status == "" {
		task.Status = StatusPending
	}
	cp := task
	m.tasksByKey[task.Key] = &cp
	return cp, nil
}

func (m *MemStore) GetTask(_ context.Context, key string) (Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasksByKey[key]
	if !ok {
		return Task{}, ErrNotFound
	}
	return *t, nil
}

func (m *MemStore) ListTasks(_ context.Context, statuses []Status) ([]Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	want := make(map[Status]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}

	out := make([]Task, 0, len(m.tasksByKey))
	for _, t := range m.tasksByKey {
		if len(want) > 0 && !want[t.Status] {
			continue
		}
		out = append(out, *t)
	}
	sortTasks(out)
	return out, nil
}

func sortTasks(tasks []Task) {
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].Phase != tasks[j].Phase {
			return tasks[i].Phase < tasks[j].Phase
		}
		if tasks[i].Sequence != tasks[j].Sequence {
			return tasks[i].Sequence < tasks[j].Sequence
		}
		return tasks[i].Key < tasks[j].Key
	})
}

func (m *MemStore) depState() map[string]Status {
	state := make(map[string]Status, len(m.tasksByKey))
	for k, t := range m.tasksByKey {
		state[k] = t.Status
	}
	return state
}

// ClaimNext selects the lowest (phase, sequence, key) runnable task under
// the store's lock, so two concurrent callers against one MemStore can
// never both win. This is the in-process analogue of the CAS-on-version
// guarantee the SQL-backed stores provide across processes.
func (m *MemStore) ClaimNext(_ context.Context, workerID int64, now time.Time, claimTTL time.Duration) (Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	depState := m.depState()

	candidates := make([]*Task, 0)
	for _, t := range m.tasksByKey {
		if t.Runnable(now, depState) {
			candidates = append(candidates, t)
		}
	}
	if len(candidates) == 0 {
		return Task{}, ErrNotFound
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Phase != candidates[j].Phase {
			return candidates[i].Phase < candidates[j].Phase
		}
		if candidates[i].Sequence != candidates[j].Sequence {
			return candidates[i].Sequence < candidates[j].Sequence
		}
		return candidates[i].Key < candidates[j].Key
	})

	winner := candidates[0]
	winner.Status = StatusInProgress
	winner.Claim = Claim{WorkerID: workerID, ClaimedAt: now, ExpiresAt: now.Add(claimTTL)}
	winner.Version++
	return *winner, nil
}

func (m *MemStore) Release(_ context.Context, taskID int64, expectedVersion int64, outcome Status) (Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := m.findByID(taskID)
	if t == nil {
		return Task{}, ErrNotFound
	}
	if t.Version != expectedVersion {
		return Task{}, ErrContention
	}

	t.Status = outcome
	if outcome != StatusInProgress {
		t.Claim = Claim{}
	}
	t.Version++
	return *t, nil
}

func (m *MemStore) findByID(id int64) *Task {
	for _, t := range m.tasksByKey {
		if t.ID == id {
			return t
		}
	}
	return nil
}

func (m *MemStore) ReapExpiredClaims(_ context.Context, now time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var reclaimed []string
	for _, t := range m.tasksByKey {
		if t.Status != StatusInProgress {
			continue
		}
		if t.Claim.WorkerID == 0 || now.Before(t.Claim.ExpiresAt) {
			continue
		}
		t.Status = StatusPending
		t.Claim = Claim{}
		t.Version++
		reclaimed = append(reclaimed, t.Key)
	}
	return reclaimed, nil
}

func (m *MemStore) RecordAttempt(_ context.Context, attempt Attempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts[attempt.TaskID] = append(m.attempts[attempt.TaskID], attempt)
	return nil
}

func (m *MemStore) ListAttempts(_ context.Context, taskID int64) ([]Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Attempt, len(m.attempts[taskID]))
	copy(out, m.attempts[taskID])
	return out, nil
}

func (m *MemStore) RegisterWorker(_ context.Context, worker Worker) (Worker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := worker
	m.workers[worker.ID] = &cp
	return cp, nil
}

func (m *MemStore) Heartbeat(_ context.Context, workerID int64, now time.Time, taskID *int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[workerID]
	if !ok {
		return ErrNotFound
	}
	w.LastHeartbeat = now
	w.CurrentTaskID = taskID
	w.Status = WorkerActive
	return nil
}

func (m *MemStore) ListWorkers(_ context.Context) ([]Worker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Worker, 0, len(m.workers))
	for _, w := range m.workers {
		out = append(out, *w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemStore) MarkWorkerDead(_ context.Context, workerID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[workerID]
	if !ok {
		return ErrNotFound
	}
	w.Status = WorkerDead
	return nil
}

func (m *MemStore) RecordInvocation(_ context.Context, inv Invocation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invocations = append(m.invocations, inv)
	return nil
}

func (m *MemStore) InvocationsUsed(_ context.Context, runID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, inv := range m.invocations {
		if inv.RunID == runID {
			n++
		}
	}
	return n, nil
}

func (m *MemStore) GetCircuit(_ context.Context, level BreakerLevel, identifier string, defaults CircuitBreaker) (CircuitBreaker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := circuitKey(level, identifier)
	c, ok := m.circuits[key]
	if !ok {
		cp := defaults
		cp.Level = level
		cp.Identifier = identifier
		if cp.State == "" {
			cp.State = StateClosed
		}
		cp.Version = 1
		m.circuits[key] = &cp
		return cp, nil
	}
	return *c, nil
}

func (m *MemStore) CASCircuit(_ context.Context, level BreakerLevel, identifier string, expectedVersion int64, mutate func(CircuitBreaker) CircuitBreaker) (CircuitBreaker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := circuitKey(level, identifier)
	c, ok := m.circuits[key]
	if !ok {
		return CircuitBreaker{}, ErrNotFound
	}
	if c.Version != expectedVersion {
		return CircuitBreaker{}, ErrContention
	}
	next := mutate(*c)
	next.Version = c.Version + 1
	m.circuits[key] = &next
	return next, nil
}

func (m *MemStore) ListCircuits(_ context.Context, level BreakerLevel) ([]CircuitBreaker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]CircuitBreaker, 0)
	for _, c := range m.circuits {
		if level != "" && c.Level != level {
			continue
		}
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identifier < out[j].Identifier })
	return out, nil
}

func (m *MemStore) RecordCircuitEvent(_ context.Context, event CircuitEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *MemStore) ListCircuitEvents(_ context.Context, level BreakerLevel, identifier string) ([]CircuitEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []CircuitEvent
	for _, e := range m.events {
		if e.Level == level && e.Identifier == identifier {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *MemStore) PendingEvents(_ context.Context, limit int) ([]emit.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []emit.Event
	for _, e := range m.pendingEvents {
		if m.emittedIDs[e.ID] {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *MemStore) MarkEventsEmitted(_ context.Context, eventIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range eventIDs {
		m.emittedIDs[id] = true
	}
	return nil
}

// QueueEvent appends ev to the outbox. Exposed for the pool/breaker layers
// to push observability events atomically alongside the store mutation
// that caused them, mirroring the SQL stores' outbox tables.
func (m *MemStore) QueueEvent(ev emit.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pendingEvents = append(m.pendingEvents, ev)
}

func (m *MemStore) Close() error { return nil }
