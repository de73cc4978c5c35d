package orchestrator

import "github.com/tdd-orchestrator/core/orchestrator/store"

type (
	BreakerLevel     = store.BreakerLevel
	BreakerState     = store.BreakerState
	CircuitBreaker   = store.CircuitBreaker
	CircuitEventType = store.CircuitEventType
	CircuitEvent     = store.CircuitEvent
)

const (
	LevelStage  = store.LevelStage
	LevelWorker = store.LevelWorker
	LevelSystem = store.LevelSystem

	StateClosed   = store.StateClosed
	StateOpen     = store.StateOpen
	StateHalfOpen = store.StateHalfOpen

	EventStateChange       = store.EventStateChange
	EventFailureRecorded   = store.EventFailureRecorded
	EventSuccessRecorded   = store.EventSuccessRecorded
	EventThresholdReached  = store.EventThresholdReached
	EventRecoveryStarted   = store.EventRecoveryStarted
	EventRecoverySucceeded = store.EventRecoverySucceeded
	EventRecoveryFailed    = store.EventRecoveryFailed
	EventManualReset       = store.EventManualReset
	EventFlappingDetected  = store.EventFlappingDetected
	EventExtensionApplied  = store.EventExtensionApplied
)
