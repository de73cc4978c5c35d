package orchestrator

import "errors"

// Sentinel errors returned by the claim engine and store layer.
var (
	// ErrContention is returned when an optimistic-lock compare-and-swap
	// loses a race. Callers retry locally up to a bounded number of times.
	ErrContention = errors.New("orchestrator: version contention, retry")

	// ErrNotFound is returned when a task, worker, or circuit identifier
	// does not exist.
	ErrNotFound = errors.New("orchestrator: not found")

	// ErrInvalidTransition is returned when a requested status change is
	// not reachable from the current state (see Task state machine).
	ErrInvalidTransition = errors.New("orchestrator: invalid state transition")

	// ErrNoRunnableTask is returned by ClaimEngine.ClaimNext when no task
	// currently satisfies the runnable predicate.
	ErrNoRunnableTask = errors.New("orchestrator: no runnable task")

	// ErrBudgetExhausted is returned when the pool's invocation budget for
	// the current run has been reached.
	ErrBudgetExhausted = errors.New("orchestrator: invocation budget exhausted")

	// ErrCircuitOpen reports an open circuit. The breaker hierarchy's
	// admission check returns breaker.ErrDenied, not this value.
	ErrCircuitOpen = errors.New("orchestrator: circuit open")

	// ErrInvariantViolated marks a condition the system asserts can never
	// happen. Recorded with full context and aborts the run.
	ErrInvariantViolated = errors.New("orchestrator: invariant violated")
)

// Classification is the error taxonomy the core maps every collaborator
// failure observed by a worker is mapped onto exactly one of these.
type Classification string

const (
	// Transient is retryable at the same worker within MaxStageAttempts
	// (I/O blip, timeout, rate limit).
	Transient Classification = "transient"
	// Contention is an optimistic-lock CAS loss, retried locally.
	Contention Classification = "contention"
	// FatalTask is unrecoverable for this task; the task moves to blocked.
	FatalTask Classification = "fatal-task"
	// FatalWorker is unrecoverable for this worker; its breaker opens.
	FatalWorker Classification = "fatal-worker"
	// FatalSystem is an aggregated failure rate; the system breaker opens.
	FatalSystem Classification = "fatal-system"
	// InvariantViolated marks an assertion failure that aborts the run.
	InvariantViolated Classification = "invariant-violated"
)

// OrchestratorError is a structured error carrying a machine-readable
// Classification alongside the human-readable cause, mirroring the
// teacher's NodeError pattern (graph/node.go) but scoped to tasks/stages
// instead of graph nodes.
type OrchestratorError struct {
	Classification Classification
	TaskKey        string
	Stage          Stage
	Cause          error
}

func (e *OrchestratorError) Error() string {
	msg := string(e.Classification)
	if e.TaskKey != "" {
		msg += " task=" + e.TaskKey
	}
	if e.Stage != "" {
		msg += " stage=" + string(e.Stage)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *OrchestratorError) Unwrap() error {
	return e.Cause
}

// Retryable reports whether a worker should retry the same stage locally
// rather than blocking the task or opening a breaker.
func (e *OrchestratorError) Retryable() bool {
	return e.Classification == Transient || e.Classification == Contention
}
