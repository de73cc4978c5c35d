package emit

import (
	"context"
	"testing"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestOTelEmitterEmitDoesNotPanicWithoutAnExporter(t *testing.T) {
	tp := sdktrace.NewTracerProvider()
	defer tp.Shutdown(context.Background())

	e := NewOTelEmitter(tp.Tracer("test"))
	e.Emit(Event{
		RunID:   "run-1",
		TaskKey: "task-1",
		Stage:   "green",
		Meta: map[string]any{
			"duration":   500 * time.Millisecond,
			"retryCount": 2,
			"error":      "verifier exited nonzero",
		},
	})
}

func TestOTelEmitterEmitBatchHandlesMultipleEvents(t *testing.T) {
	tp := sdktrace.NewTracerProvider()
	defer tp.Shutdown(context.Background())

	e := NewOTelEmitter(tp.Tracer("test"))
	err := e.EmitBatch(context.Background(), []Event{
		{Kind: "task_claimed"},
		{Kind: "task_released"},
	})
	if err != nil {
		t.Fatalf("EmitBatch: %v", err)
	}
}

func TestOTelEmitterFlushForcesProviderFlush(t *testing.T) {
	tp := sdktrace.NewTracerProvider()
	defer tp.Shutdown(context.Background())

	e := NewOTelEmitter(tp.Tracer("test"))
	if err := e.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
}

func TestSpanNameFallsBackWhenKindIsEmpty(t *testing.T) {
	if got := spanName(Event{}); got != "orchestrator.event" {
		t.Errorf("expected fallback span name, got %q", got)
	}
	if got := spanName(Event{Kind: "task_claimed"}); got != "task_claimed" {
		t.Errorf("expected the event kind as the span name, got %q", got)
	}
}
