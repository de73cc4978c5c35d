// Package breaker implements the three-level circuit breaker hierarchy
// (stage, worker, system) that guards task execution: identical
// closed/open/half-open state machines at every level, differing only in
// thresholds and failure-window shape, composed into one hierarchical
// veto check a worker must pass before running a stage.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tdd-orchestrator/core/orchestrator/emit"
	"github.com/tdd-orchestrator/core/orchestrator/store"
)

// ErrDenied is wrapped with a reason by Admit when the hierarchy refuses
// to let a worker run a stage.
var ErrDenied = errors.New("breaker: admission denied")

// ErrMaxRetriesExceeded is returned by Record when a CAS retry budget is
// exhausted; the caller should surface this as a transient error.
var ErrMaxRetriesExceeded = errors.New("breaker: cas retry budget exhausted")

const casRetries = 3

// Hierarchy owns the stage/worker/system breaker checks for one run. It
// holds no mutable state of its own beyond configuration: breaker state
// lives entirely in the store so that admission checks are consistent
// across every worker goroutine.
type Hierarchy struct {
	store   store.Store
	emitter emit.Emitter

	stageCfg  Config
	workerCfg Config
	systemCfg SystemConfig
	flap      FlapConfig

	now func() time.Time
}

// Option configures a Hierarchy at construction.
type Option func(*Hierarchy)

func WithStageConfig(c Config) Option   { return func(h *Hierarchy) { h.stageCfg = c } }
func WithWorkerConfig(c Config) Option  { return func(h *Hierarchy) { h.workerCfg = c } }
func WithSystemConfig(c SystemConfig) Option { return func(h *Hierarchy) { h.systemCfg = c } }
func WithFlapConfig(c FlapConfig) Option { return func(h *Hierarchy) { h.flap = c } }
func WithClock(now func() time.Time) Option { return func(h *Hierarchy) { h.now = now } }

// New builds a Hierarchy that starts from DefaultConfigs; each level's
// option replaces that level's config as given, zero fields included.
func New(st store.Store, emitter emit.Emitter, opts ...Option) *Hierarchy {
	stageDefault, workerDefault, systemDefault, flapDefault := DefaultConfigs()
	h := &Hierarchy{
		store:     st,
		emitter:   emitter,
		stageCfg:  stageDefault,
		workerCfg: workerDefault,
		systemCfg: systemDefault,
		flap:      flapDefault,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// DefaultConfigs returns the default thresholds for each
// level: stage 5 consecutive / 60s cooldown, worker 5 consecutive / 120s,
// system 20% of the last 30 attempts / 300s, flap 5 changes / 5 minutes.
func DefaultConfigs() (stage, worker Config, system SystemConfig, flap FlapConfig) {
	stage = Config{FailureThreshold: 5, Cooldown: 60 * time.Second, RecoverySuccesses: 1, MaxExtensions: 5}
	worker = Config{FailureThreshold: 5, Cooldown: 120 * time.Second, RecoverySuccesses: 1, MaxExtensions: 5}
	system = SystemConfig{FailureRatePercent: 20, WindowSize: 30, Cooldown: 300 * time.Second, RecoverySuccesses: 3, MaxExtensions: 5}
	flap = FlapConfig{Threshold: 5, Window: 5 * time.Minute}
	return
}

// StageIdentifier formats the stage-breaker identity "<task-key>:<stage>".
func StageIdentifier(taskKey string, stage store.Stage) string {
	return fmt.Sprintf("%s:%s", taskKey, stage)
}

// WorkerIdentifier formats the worker-breaker identity "worker-<id>".
func WorkerIdentifier(workerID int64) string {
	return fmt.Sprintf("worker-%d", workerID)
}

// SystemIdentifier is the sole system-level breaker identity.
const SystemIdentifier = "system"

func (h *Hierarchy) defaultFor(level store.BreakerLevel) store.CircuitBreaker {
	switch level {
	case store.LevelStage:
		return store.CircuitBreaker{FailureThreshold: h.stageCfg.FailureThreshold, Cooldown: h.stageCfg.Cooldown, RecoverySuccesses: h.stageCfg.RecoverySuccesses, MaxExtensions: h.stageCfg.MaxExtensions}
	case store.LevelWorker:
		return store.CircuitBreaker{FailureThreshold: h.workerCfg.FailureThreshold, Cooldown: h.workerCfg.Cooldown, RecoverySuccesses: h.workerCfg.RecoverySuccesses, MaxExtensions: h.workerCfg.MaxExtensions}
	default:
		return store.CircuitBreaker{FailureRatePercent: h.systemCfg.FailureRatePercent, WindowSize: h.systemCfg.WindowSize, Cooldown: h.systemCfg.Cooldown, RecoverySuccesses: h.systemCfg.RecoverySuccesses, MaxExtensions: h.systemCfg.MaxExtensions}
	}
}

// effectiveState folds a breaker's OpenedAt/Cooldown against now to decide
// whether an "open" row should actually be treated as half-open. A breaker
// whose ExtensionsCount has reached a nonzero MaxExtensions stays open
// until a manual Reset. This is a pure read-side projection; the row
// itself flips to half-open lazily, the next time Admit or Record mutates
// it.
func effectiveState(c store.CircuitBreaker, now time.Time) store.BreakerState {
	if c.State == store.StateOpen && !now.Before(c.OpenedAt.Add(c.Cooldown)) {
		if c.MaxExtensions > 0 && c.ExtensionsCount >= c.MaxExtensions {
			return store.StateOpen
		}
		return store.StateHalfOpen
	}
	return c.State
}

// Admit runs the hierarchical veto check for a worker about to execute
// taskKey/stage: system, then worker, then stage. Any open breaker denies
// immediately; a half-open breaker must win a single admitted probe slot.
func (h *Hierarchy) Admit(ctx context.Context, workerID int64, taskKey string, stage store.Stage) error {
	checks := []struct {
		level string
		id    string
	}{
		{string(store.LevelSystem), SystemIdentifier},
		{string(store.LevelWorker), WorkerIdentifier(workerID)},
		{string(store.LevelStage), StageIdentifier(taskKey, stage)},
	}

	for _, c := range checks {
		admitted, reason, err := h.admitOne(ctx, store.BreakerLevel(c.level), c.id)
		if err != nil {
			return err
		}
		if !admitted {
			return fmt.Errorf("%w: %s", ErrDenied, reason)
		}
	}
	return nil
}

func (h *Hierarchy) admitOne(ctx context.Context, level store.BreakerLevel, identifier string) (bool, string, error) {
	current, err := h.store.GetCircuit(ctx, level, identifier, h.defaultFor(level))
	if err != nil {
		return false, "", err
	}

	now := h.now()
	state := effectiveState(current, now)

	switch state {
	case store.StateClosed:
		return true, "", nil
	case store.StateOpen:
		return false, string(level) + "-open", nil
	case store.StateHalfOpen:
		// Try to claim the single admitted probe slot.
		updated, err := h.store.CASCircuit(ctx, level, identifier, current.Version, func(c store.CircuitBreaker) store.CircuitBreaker {
			if c.State != store.StateOpen && c.State != store.StateHalfOpen {
				return c
			}
			if c.State == store.StateOpen {
				c.State = store.StateHalfOpen
				c.LastStateChange = now
				c.SuccessCount = 0
			}
			c.HalfOpenRequests++
			return c
		})
		if err != nil {
			if errors.Is(err, store.ErrContention) {
				return false, "probing", nil
			}
			return false, "", err
		}
		if updated.HalfOpenRequests > 1 {
			return false, "probing", nil
		}
		return true, "", nil
	default:
		return false, "unknown-state", nil
	}
}

// Record reports a stage outcome to all three breakers in order
// {stage, worker, system}, each via a bounded CAS retry loop.
func (h *Hierarchy) Record(ctx context.Context, workerID int64, taskKey string, stage store.Stage, success bool) error {
	targets := []struct {
		level string
		id    string
	}{
		{string(store.LevelStage), StageIdentifier(taskKey, stage)},
		{string(store.LevelWorker), WorkerIdentifier(workerID)},
		{string(store.LevelSystem), SystemIdentifier},
	}
	for _, t := range targets {
		if err := h.recordOne(ctx, store.BreakerLevel(t.level), t.id, success); err != nil {
			return err
		}
	}
	return nil
}

func (h *Hierarchy) recordOne(ctx context.Context, level store.BreakerLevel, identifier string, success bool) error {
	for attempt := 0; attempt < casRetries; attempt++ {
		current, err := h.store.GetCircuit(ctx, level, identifier, h.defaultFor(level))
		if err != nil {
			return err
		}
		now := h.now()
		next := applyOutcome(effectiveSnapshot(current, now), now, success)
		updated, err := h.store.CASCircuit(ctx, level, identifier, current.Version, func(store.CircuitBreaker) store.CircuitBreaker { return next })
		if err != nil {
			if errors.Is(err, store.ErrContention) {
				continue
			}
			return err
		}
		h.audit(ctx, level, identifier, current, updated, success)
		return nil
	}
	return ErrMaxRetriesExceeded
}

// effectiveSnapshot applies the lazy open->half-open transition to a copy
// of c before mutation, so applyOutcome always sees the current state.
func effectiveSnapshot(c store.CircuitBreaker, now time.Time) store.CircuitBreaker {
	before := c.State
	c.State = effectiveState(c, now)
	if before == store.StateOpen && c.State == store.StateHalfOpen {
		c.SuccessCount = 0
	}
	return c
}

// applyOutcome is the pure state-transition function for one breaker
// observing one success or failure.
func applyOutcome(c store.CircuitBreaker, now time.Time, success bool) store.CircuitBreaker {
	if c.WindowSize > 0 {
		c.RecentOutcomes = pushWindow(c.RecentOutcomes, !success, c.WindowSize)
	}

	if success {
		c.LastSuccessAt = now
		switch c.State {
		case store.StateHalfOpen:
			// Only a probe observed while half-open counts toward
			// recovery; a stray success from before the breaker tripped
			// must never carry over.
			c.SuccessCount++
			if c.SuccessCount >= c.RecoverySuccesses {
				c = closeBreaker(c, now)
			} else {
				// Free the probe slot so the next request can be admitted.
				c.HalfOpenRequests = 0
			}
		case store.StateClosed:
			if c.WindowSize == 0 {
				c.FailureCount = 0
			}
		}
		return c
	}

	c.FailureCount++
	c.LastFailureAt = now

	switch c.State {
	case store.StateClosed:
		if tripped(c) {
			c.State = store.StateOpen
			c.OpenedAt = now
			c.LastStateChange = now
		}
	case store.StateHalfOpen:
		c.State = store.StateOpen
		c.OpenedAt = now
		c.LastStateChange = now
		c.HalfOpenRequests = 0
		c.SuccessCount = 0
		if c.ExtensionsCount < c.MaxExtensions {
			c.ExtensionsCount++
		}
	}
	return c
}

// pushWindow appends outcome (true = failure) to window, trimming to the
// most recent size entries.
func pushWindow(window []bool, outcome bool, size int) []bool {
	window = append(window, outcome)
	if len(window) > size {
		window = window[len(window)-size:]
	}
	return window
}

// tripped reports whether c's closed-state failure signal has reached its
// threshold. Stage and worker breakers count consecutive failures
// (counter-based failure_window); the system breaker instead evaluates a
// failure-rate percentage over its sliding window of recent outcomes.
func tripped(c store.CircuitBreaker) bool {
	if c.WindowSize > 0 {
		if len(c.RecentOutcomes) < c.WindowSize {
			return false
		}
		failures := 0
		for _, isFailure := range c.RecentOutcomes {
			if isFailure {
				failures++
			}
		}
		rate := (failures * 100) / c.WindowSize
		return rate >= c.FailureRatePercent
	}
	return c.FailureCount >= c.FailureThreshold
}

func closeBreaker(c store.CircuitBreaker, now time.Time) store.CircuitBreaker {
	c.State = store.StateClosed
	c.FailureCount = 0
	c.SuccessCount = 0
	c.HalfOpenRequests = 0
	c.LastStateChange = now
	return c
}

func (h *Hierarchy) audit(ctx context.Context, level store.BreakerLevel, identifier string, before, after store.CircuitBreaker, success bool) {
	evType := store.EventFailureRecorded
	if success {
		evType = store.EventSuccessRecorded
	}
	now := h.now()
	_ = h.store.RecordCircuitEvent(ctx, store.CircuitEvent{
		Level: level, Identifier: identifier, EventType: evType,
		FromState: before.State, ToState: before.State, At: now,
	})
	if before.State != after.State {
		_ = h.store.RecordCircuitEvent(ctx, store.CircuitEvent{
			Level: level, Identifier: identifier, EventType: store.EventStateChange,
			FromState: before.State, ToState: after.State, At: now,
		})
		h.emitter.Emit(emit.Event{
			Kind: "circuit_state_change",
			Meta: map[string]any{"level": string(level), "identifier": identifier, "from": string(before.State), "to": string(after.State)},
			At:   now,
		})
		h.checkFlapping(ctx, level, identifier, now)
	}
}

// checkFlapping counts recent state-change events and, if the hierarchy's
// flap threshold is reached within its window, appends a
// flapping-detected audit event. This never changes breaker state; it is
// an operator-visible signal only.
func (h *Hierarchy) checkFlapping(ctx context.Context, level store.BreakerLevel, identifier string, now time.Time) {
	events, err := h.store.ListCircuitEvents(ctx, level, identifier)
	if err != nil {
		return
	}
	count := 0
	for _, e := range events {
		if e.EventType == store.EventStateChange && !e.At.Before(now.Add(-h.flap.Window)) {
			count++
		}
	}
	if count >= h.flap.Threshold {
		_ = h.store.RecordCircuitEvent(ctx, store.CircuitEvent{
			Level: level, Identifier: identifier, EventType: store.EventFlappingDetected, At: now,
		})
	}
}

// Reset performs a manual reset: state closed, all counters zeroed
// (including extensions), audited with a zeroed=true context flag.
func (h *Hierarchy) Reset(ctx context.Context, level store.BreakerLevel, identifier string) (store.CircuitBreaker, error) {
	for attempt := 0; attempt < casRetries; attempt++ {
		current, err := h.store.GetCircuit(ctx, level, identifier, h.defaultFor(level))
		if err != nil {
			return store.CircuitBreaker{}, err
		}
		now := h.now()
		updated, err := h.store.CASCircuit(ctx, level, identifier, current.Version, func(c store.CircuitBreaker) store.CircuitBreaker {
			c.State = store.StateClosed
			c.FailureCount = 0
			c.SuccessCount = 0
			c.HalfOpenRequests = 0
			c.ExtensionsCount = 0
			c.LastStateChange = now
			return c
		})
		if err != nil {
			if errors.Is(err, store.ErrContention) {
				continue
			}
			return store.CircuitBreaker{}, err
		}
		_ = h.store.RecordCircuitEvent(ctx, store.CircuitEvent{
			Level: level, Identifier: identifier, EventType: store.EventManualReset,
			FromState: current.State, ToState: store.StateClosed, At: now,
			Context: map[string]any{"zeroed": true},
		})
		return updated, nil
	}
	return store.CircuitBreaker{}, ErrMaxRetriesExceeded
}

// Health aggregates breaker counts by level for the admin interface.
type Health struct {
	ClosedCount   int
	OpenCount     int
	HalfOpenCount int
	Total         int
}

func (h *Hierarchy) HealthByLevel(ctx context.Context, level store.BreakerLevel) (Health, error) {
	breakers, err := h.store.ListCircuits(ctx, level)
	if err != nil {
		return Health{}, err
	}
	var hlth Health
	now := h.now()
	for _, b := range breakers {
		hlth.Total++
		switch effectiveState(b, now) {
		case store.StateClosed:
			hlth.ClosedCount++
		case store.StateOpen:
			hlth.OpenCount++
		case store.StateHalfOpen:
			hlth.HalfOpenCount++
		}
	}
	return hlth, nil
}
