package emit

import "context"

// Emitter receives observability events produced by the claim engine,
// worker pool, and circuit breaker hierarchy. Implementations must not
// block the caller for long and must not panic.
type Emitter interface {
	// Emit sends a single event. Implementations should not block the
	// orchestrator's hot path; buffer or drop under backpressure rather
	// than stall a worker.
	Emit(event Event)

	// EmitBatch sends multiple events, preserving order. Used by the
	// store's transactional-outbox drain (see store.PendingEvents).
	EmitBatch(ctx context.Context, events []Event) error

	// Flush blocks until buffered events are delivered or ctx expires.
	// Safe to call more than once.
	Flush(ctx context.Context) error
}
