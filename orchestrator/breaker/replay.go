package breaker

import (
	"errors"

	"github.com/tdd-orchestrator/core/orchestrator/store"
)

// ErrReplayMismatch is returned by VerifyReplay when the folded event log
// disagrees with a breaker's currently persisted state, indicating the
// event log or the live row has drifted.
var ErrReplayMismatch = errors.New("breaker: replay produced a state mismatch with the live row")

// Replay reconstructs a breaker's terminal state by folding its
// CircuitEvent log in order, independent of the live row in the store.
// Used by VerifyReplay to audit that persisted state and history agree,
// and by tests asserting the state machine is a pure function of its
// event stream.
func Replay(events []store.CircuitEvent) store.CircuitBreaker {
	var c store.CircuitBreaker
	for _, e := range events {
		switch e.EventType {
		case store.EventStateChange:
			c.State = e.ToState
			c.LastStateChange = e.At
			if e.ToState == store.StateOpen {
				c.OpenedAt = e.At
			}
		case store.EventFailureRecorded:
			c.FailureCount++
			c.LastFailureAt = e.At
		case store.EventSuccessRecorded:
			c.SuccessCount++
			c.LastSuccessAt = e.At
		case store.EventExtensionApplied:
			c.ExtensionsCount++
		case store.EventManualReset:
			c.State = store.StateClosed
			c.FailureCount = 0
			c.SuccessCount = 0
			c.HalfOpenRequests = 0
			c.ExtensionsCount = 0
			c.LastStateChange = e.At
		}
	}
	return c
}

// VerifyReplay folds events and compares the result's State against live;
// a mismatch means the live row was mutated outside the recorded event
// stream (e.g. manual data repair) and returns ErrReplayMismatch.
func VerifyReplay(events []store.CircuitEvent, live store.CircuitBreaker) error {
	replayed := Replay(events)
	if replayed.State != live.State {
		return ErrReplayMismatch
	}
	return nil
}
