package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/tdd-orchestrator/core/orchestrator/breaker"
	"github.com/tdd-orchestrator/core/orchestrator/emit"
	"github.com/tdd-orchestrator/core/orchestrator/model"
	"github.com/tdd-orchestrator/core/orchestrator/prompt"
	"github.com/tdd-orchestrator/core/orchestrator/store"
)

// Worker is a single logical actor: heartbeat, claim, run the pipeline
// stage by stage past three breaker checks, release, repeat. A Worker
// holds no cross-worker state; every invariant it depends on is enforced
// by the store and the breaker hierarchy underneath it.
type Worker struct {
	ID int64

	store    store.Store
	claims   *ClaimEngine
	breakers *breaker.Hierarchy
	stage    *StageExecutor
	emitter  emit.Emitter
	metrics  *Metrics

	runID             string
	maxStageAttempts  int
	heartbeatInterval time.Duration
	pollInterval      time.Duration

	budget *invocationBudget

	now func() time.Time
}

func newWorker(id int64, st store.Store, claims *ClaimEngine, breakers *breaker.Hierarchy, stage *StageExecutor, emitter emit.Emitter, metrics *Metrics, runID string, cfg Config, budget *invocationBudget) *Worker {
	return &Worker{
		ID:                id,
		store:             st,
		claims:            claims,
		breakers:          breakers,
		stage:             stage,
		emitter:           emitter,
		metrics:           metrics,
		runID:             runID,
		maxStageAttempts:  cfg.MaxStageAttempts,
		heartbeatInterval: cfg.HeartbeatInterval,
		pollInterval:      cfg.PollInterval,
		budget:            budget,
		now:               time.Now,
	}
}

// Run executes the worker's loop until ctx is canceled. It returns nil on
// a clean cancellation and a non-nil error only for an invariant
// violation that should abort the whole run.
func (w *Worker) Run(ctx context.Context) error {
	heartbeat := time.NewTicker(w.heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-heartbeat.C:
			w.sendHeartbeat(ctx, nil)
		default:
		}

		if w.budget.exhausted() {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(w.pollInterval):
				continue
			}
		}

		task, err := w.claims.ClaimNext(ctx, w.ID)
		if err != nil {
			if errors.Is(err, ErrNoRunnableTask) {
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(w.pollInterval):
				}
				continue
			}
			return err
		}

		w.sendHeartbeat(ctx, &task.ID)
		outcome := w.runPipeline(ctx, task)

		if _, err := w.claims.Release(ctx, task.ID, task.Version, outcome, task.Key); err != nil {
			if !errors.Is(err, ErrContention) {
				return err
			}
		}
	}
}

func (w *Worker) sendHeartbeat(ctx context.Context, taskID *int64) {
	_ = w.store.Heartbeat(ctx, w.ID, w.now(), taskID)
}

// recordInvocation bumps the run's invocation budget and persists the
// durable Invocation row for attempt. Every stage attempt is one external
// collaborator call, whether it succeeded or not, so this runs
// unconditionally rather than only on success.
func (w *Worker) recordInvocation(ctx context.Context, task Task, stg Stage, attempt Attempt) {
	w.budget.record()
	_ = w.store.RecordInvocation(ctx, store.Invocation{
		RunID:     w.runID,
		WorkerID:  w.ID,
		TaskID:    task.ID,
		Stage:     stg,
		Timestamp: attempt.CompletedAt,
		Duration:  attempt.Duration,
	})
	if w.metrics != nil {
		w.metrics.UpdateInvocationsUsed(int(w.budget.count()))
	}
}

// runPipeline executes the fixed stage sequence for task and returns the
// terminal task outcome to release with. RED_FIX only runs when RED fails
// retryably. FIX and RE_VERIFY are skipped when VERIFY succeeds, and a
// VERIFY that exhausts its attempts blocks the task for operator review,
// so the FIX/RE_VERIFY pair does not run on either path.
func (w *Worker) runPipeline(ctx context.Context, task Task) Status {
	var hints prompt.Hints

	for _, stg := range store.Pipeline {
		if stg == store.StageRedFix && hints.PriorAttempt != nil && hints.PriorAttempt.Success {
			continue
		}
		if (stg == store.StageFix || stg == store.StageReVerify) && hints.PriorAttempt != nil && hints.PriorAttempt.Success {
			continue
		}

		outcome, newHints, ok := w.runStage(ctx, task, stg, hints)
		hints = newHints
		if !ok {
			return outcome
		}
	}
	return StatusComplete
}

// runStage executes one stage with retries up to maxStageAttempts. It
// returns (status, hints, true) to continue the pipeline, or (status,
// hints, false) when the task must stop at a terminal outcome.
func (w *Worker) runStage(ctx context.Context, task Task, stg Stage, hints prompt.Hints) (Status, prompt.Hints, bool) {
	if err := w.breakers.Admit(ctx, w.ID, task.Key, stg); err != nil {
		w.emitter.Emit(emit.Event{TaskKey: task.Key, Stage: string(stg), Kind: "admission_denied", Meta: map[string]any{"error": err.Error()}, At: w.now()})
		return StatusPending, hints, false
	}

	existing, _ := w.store.ListAttempts(ctx, task.ID)

	var lastAttempt Attempt
	for i := 0; i < w.maxStageAttempts; i++ {
		attemptNumber := store.NextAttemptNumber(existing, task.ID, stg)
		attempt, err := w.stage.Execute(ctx, task, stg, attemptNumber, hints)
		lastAttempt = attempt
		_ = w.store.RecordAttempt(ctx, attempt)
		existing = append(existing, attempt)

		w.recordInvocation(ctx, task, stg, attempt)

		success := attempt.Success && err == nil
		if w.metrics != nil {
			w.metrics.RecordStageLatency(stg, attempt.Duration, success)
		}
		_ = w.breakers.Record(ctx, w.ID, task.Key, stg, success)

		if success {
			hints.PriorAttempt = &lastAttempt
			hints.VerifierStdout = ""
			hints.VerifierStderr = ""
			return StatusPending, hints, true
		}

		if err != nil && !model.Retryable(err) {
			return StatusBlocked, hints, false
		}

		hints.PriorAttempt = &lastAttempt
		hints.VerifierStdout = attempt.VerifierStdout
		hints.VerifierStderr = attempt.VerifierStderr
	}

	// Every RED attempt failed recoverably: continue so RED_FIX runs.
	if stg == store.StageRed {
		return StatusPending, hints, true
	}
	if stg == store.StageVerify || stg == store.StageReVerify {
		return StatusBlockedStaticReview, hints, false
	}
	return StatusBlocked, hints, false
}
