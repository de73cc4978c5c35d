package breaker

import (
	"testing"
	"time"

	"github.com/tdd-orchestrator/core/orchestrator/store"
)

func TestReplayReconstructsStateFromEvents(t *testing.T) {
	now := time.Now()
	events := []store.CircuitEvent{
		{EventType: store.EventFailureRecorded, At: now},
		{EventType: store.EventFailureRecorded, At: now.Add(time.Second)},
		{EventType: store.EventStateChange, FromState: store.StateClosed, ToState: store.StateOpen, At: now.Add(2 * time.Second)},
		{EventType: store.EventStateChange, FromState: store.StateOpen, ToState: store.StateHalfOpen, At: now.Add(time.Minute)},
		{EventType: store.EventSuccessRecorded, At: now.Add(time.Minute + time.Second)},
		{EventType: store.EventStateChange, FromState: store.StateHalfOpen, ToState: store.StateClosed, At: now.Add(time.Minute + 2*time.Second)},
	}

	result := Replay(events)
	if result.State != store.StateClosed {
		t.Fatalf("expected replay to land on closed, got %s", result.State)
	}
	if result.FailureCount != 2 {
		t.Fatalf("expected 2 failures folded, got %d", result.FailureCount)
	}
	if result.SuccessCount != 1 {
		t.Fatalf("expected 1 success folded, got %d", result.SuccessCount)
	}
}

func TestReplayTracksOpenedAt(t *testing.T) {
	now := time.Now()
	openedAt := now.Add(5 * time.Second)
	events := []store.CircuitEvent{
		{EventType: store.EventStateChange, FromState: store.StateClosed, ToState: store.StateOpen, At: openedAt},
	}

	result := Replay(events)
	if !result.OpenedAt.Equal(openedAt) {
		t.Fatalf("expected OpenedAt %v, got %v", openedAt, result.OpenedAt)
	}
}

func TestVerifyReplayDetectsMismatch(t *testing.T) {
	events := []store.CircuitEvent{
		{EventType: store.EventStateChange, FromState: store.StateClosed, ToState: store.StateOpen, At: time.Now()},
	}

	live := store.CircuitBreaker{State: store.StateClosed}
	if err := VerifyReplay(events, live); err != ErrReplayMismatch {
		t.Fatalf("expected ErrReplayMismatch, got %v", err)
	}

	live.State = store.StateOpen
	if err := VerifyReplay(events, live); err != nil {
		t.Fatalf("expected agreement between replay and live state, got %v", err)
	}
}

func TestReplayHandlesManualReset(t *testing.T) {
	now := time.Now()
	events := []store.CircuitEvent{
		{EventType: store.EventFailureRecorded, At: now},
		{EventType: store.EventFailureRecorded, At: now.Add(time.Second)},
		{EventType: store.EventManualReset, FromState: store.StateOpen, ToState: store.StateClosed, At: now.Add(2 * time.Second)},
	}

	result := Replay(events)
	if result.FailureCount != 0 {
		t.Fatalf("expected manual reset to zero the failure count, got %d", result.FailureCount)
	}
	if result.State != store.StateClosed {
		t.Fatalf("expected manual reset to close the breaker, got %s", result.State)
	}
}
