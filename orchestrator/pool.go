package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tdd-orchestrator/core/orchestrator/astcheck"
	"github.com/tdd-orchestrator/core/orchestrator/breaker"
	"github.com/tdd-orchestrator/core/orchestrator/emit"
	"github.com/tdd-orchestrator/core/orchestrator/model"
	"github.com/tdd-orchestrator/core/orchestrator/store"
	"github.com/tdd-orchestrator/core/orchestrator/verifier"
)

// invocationBudget is a run-scoped atomic counter that gates workers from
// accepting new claims once max_invocations_per_session is reached. The
// counter itself lives in memory for a fast-path check on every worker
// loop iteration; it is seeded from and kept in step with the durably
// recorded Invocation rows so a resumed run doesn't forget what it spent.
type invocationBudget struct {
	used  atomic.Int64
	limit int64

	warned  atomic.Bool
	warnPct int
	emitter emit.Emitter
	runID   string
}

func newInvocationBudget(limit int64, warnPct int, emitter emit.Emitter, runID string) *invocationBudget {
	return &invocationBudget{limit: limit, warnPct: warnPct, emitter: emitter, runID: runID}
}

func (b *invocationBudget) exhausted() bool {
	if b.limit <= 0 {
		return false
	}
	return b.used.Load() >= b.limit
}

// seed initializes the counter from the store's durable invocation count,
// so a resumed run's budget reflects work already spent in a prior
// process rather than starting back at zero.
func (b *invocationBudget) seed(n int64) {
	b.used.Store(n)
}

// count returns the current number of invocations recorded against the
// budget.
func (b *invocationBudget) count() int64 {
	return b.used.Load()
}

// record increments the counter and emits a one-time warning once the
// configured percentage of the budget has been consumed.
func (b *invocationBudget) record() {
	used := b.used.Add(1)
	if b.limit <= 0 {
		return
	}
	pct := int(used * 100 / b.limit)
	if pct >= b.warnPct && b.warned.CompareAndSwap(false, true) {
		b.emitter.Emit(emit.Event{RunID: b.runID, Kind: "budget_warning", Meta: map[string]any{"used": used, "limit": b.limit, "pct": pct}, At: time.Now()})
	}
}

// Collaborators bundles the external collaborator implementations a Pool
// wires into every worker's StageExecutor. LLM is required; AST defaults
// to astcheck.New() when nil, and a nil Verifier is passed through as is,
// so stages run without a verification command.
type Collaborators struct {
	LLM      model.ChatModel
	Verifier *verifier.CodeVerifier
	AST      *astcheck.ASTChecker
}

// Pool spawns N workers, enforces the invocation budget, detects stale
// workers, and coordinates graceful shutdown.
type Pool struct {
	store    store.Store
	emitter  emit.Emitter
	metrics  *Metrics
	breakers *breaker.Hierarchy
	claims   *ClaimEngine
	cfg      Config
	runID    string

	budget *invocationBudget

	workers []*Worker
}

// NewPool constructs a Pool wired against st, recording events to emitter
// and metrics to metrics (either may be a no-op implementation).
func NewPool(st store.Store, emitter emit.Emitter, metrics *Metrics, cfg Config, runID string, collab Collaborators) *Pool {
	if emitter == nil {
		emitter = &emit.NullEmitter{}
	}

	stageCfg := breaker.Config{FailureThreshold: cfg.Stage.FailureThreshold, Cooldown: cfg.Stage.Cooldown, RecoverySuccesses: cfg.Stage.RecoverySuccesses, MaxExtensions: cfg.Stage.MaxExtensions}
	workerCfg := breaker.Config{FailureThreshold: cfg.Worker.FailureThreshold, Cooldown: cfg.Worker.Cooldown, RecoverySuccesses: cfg.Worker.RecoverySuccesses, MaxExtensions: cfg.Worker.MaxExtensions}
	systemCfg := breaker.SystemConfig{FailureRatePercent: cfg.System.FailureRatePercent, WindowSize: cfg.System.WindowSize, Cooldown: cfg.System.Cooldown, RecoverySuccesses: cfg.System.RecoverySuccesses, MaxExtensions: cfg.System.MaxExtensions}
	flapCfg := breaker.FlapConfig{Threshold: cfg.FlapThreshold, Window: cfg.FlapWindow}

	hierarchy := breaker.New(st, emitter,
		breaker.WithStageConfig(stageCfg),
		breaker.WithWorkerConfig(workerCfg),
		breaker.WithSystemConfig(systemCfg),
		breaker.WithFlapConfig(flapCfg),
	)

	budget := newInvocationBudget(int64(cfg.MaxInvocationsPerSession), cfg.BudgetWarningThresholdPct, emitter, runID)

	p := &Pool{
		store:    st,
		emitter:  emitter,
		metrics:  metrics,
		breakers: hierarchy,
		claims:   NewClaimEngine(st, emitter, metrics, cfg.ClaimTimeout),
		cfg:      cfg,
		runID:    runID,
		budget:   budget,
	}

	if collab.AST == nil {
		collab.AST = astcheck.New()
	}

	for i := 0; i < cfg.MaxWorkers; i++ {
		stageExec := NewStageExecutor(collab.LLM, collab.Verifier, collab.AST, emitter)
		w := newWorker(int64(i+1), st, p.claims, hierarchy, stageExec, emitter, metrics, runID, cfg, budget)
		p.workers = append(p.workers, w)
	}

	return p
}

// Resume seeds the invocation budget from the store's durable count and
// rewrites every in-progress task whose owning worker has no live
// heartbeat back to pending, so a restarted pool can pick up orphaned work
// instead of waiting for the claim-reaper's lease timeout.
func (p *Pool) Resume(ctx context.Context) error {
	used, err := p.store.InvocationsUsed(ctx, p.runID)
	if err != nil {
		return err
	}
	p.budget.seed(int64(used))
	if p.metrics != nil {
		p.metrics.UpdateInvocationsUsed(used)
	}

	tasks, err := p.store.ListTasks(ctx, []Status{StatusInProgress})
	if err != nil {
		return err
	}
	workers, err := p.store.ListWorkers(ctx)
	if err != nil {
		return err
	}
	live := make(map[int64]bool, len(workers))
	now := time.Now()
	for _, w := range workers {
		if !w.Stale(now, p.cfg.StaleWorkerThreshold) {
			live[w.ID] = true
		}
	}
	for _, t := range tasks {
		if live[t.Claim.WorkerID] {
			continue
		}
		if _, err := p.store.Release(ctx, t.ID, t.Version, StatusPending); err != nil {
			return err
		}
		p.emitter.Emit(emit.Event{TaskKey: t.Key, Kind: "task_resumed", At: now})
	}
	return nil
}

// Run registers every worker, spawns its goroutine, starts the
// stale-worker and claim-reaper supervisor loops, and blocks until ctx is
// canceled. On cancellation it waits up to cfg.ShutdownGrace for
// in-flight stages to finish before returning.
func (p *Pool) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	for _, w := range p.workers {
		if _, err := p.store.RegisterWorker(runCtx, store.Worker{ID: w.ID, Status: store.WorkerActive, RegisteredAt: time.Now(), LastHeartbeat: time.Now()}); err != nil {
			return err
		}
	}
	if p.metrics != nil {
		p.metrics.UpdateActiveWorkers(len(p.workers))
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(p.workers))

	for _, w := range p.workers {
		wg.Add(1)
		go func(w *Worker) {
			defer wg.Done()
			if err := w.Run(runCtx); err != nil {
				errs <- err
			}
		}(w)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.superviseStaleWorkers(runCtx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.superviseReaper(runCtx)
	}()

	<-ctx.Done()
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(p.cfg.ShutdownGrace):
	}

	p.releaseRemainingClaims(context.Background())

	select {
	case err := <-errs:
		return err
	default:
		return nil
	}
}

func (p *Pool) releaseRemainingClaims(ctx context.Context) {
	tasks, err := p.store.ListTasks(ctx, []Status{StatusInProgress})
	if err != nil {
		return
	}
	for _, t := range tasks {
		_, _ = p.store.Release(ctx, t.ID, t.Version, StatusPending)
		p.emitter.Emit(emit.Event{TaskKey: t.Key, Kind: "task_released", Meta: map[string]any{"outcome": "released"}, At: time.Now()})
	}
}

func (p *Pool) superviseStaleWorkers(ctx context.Context) {
	interval := p.cfg.StaleWorkerThreshold / 4
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			workers, err := p.store.ListWorkers(ctx)
			if err != nil {
				continue
			}
			now := time.Now()
			for _, w := range workers {
				if w.Status == store.WorkerDead {
					continue
				}
				if w.Stale(now, p.cfg.StaleWorkerThreshold) {
					_ = p.store.MarkWorkerDead(ctx, w.ID)
					p.emitter.Emit(emit.Event{Kind: "worker_stale", Meta: map[string]any{"worker_id": w.ID}, At: now})
				}
			}
		}
	}
}

func (p *Pool) superviseReaper(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.ClaimTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = p.claims.ReapExpiredClaims(ctx)
		}
	}
}
