package emit

import (
	"context"
	"errors"
	"testing"
)

type erroringEmitter struct {
	emitErr error
}

func (e *erroringEmitter) Emit(Event)                               {}
func (e *erroringEmitter) EmitBatch(context.Context, []Event) error { return e.emitErr }
func (e *erroringEmitter) Flush(context.Context) error              { return e.emitErr }

func TestMultiEmitterFansOutEmit(t *testing.T) {
	a := NewBufferedEmitter()
	b := NewBufferedEmitter()
	m := NewMultiEmitter(a, b)

	m.Emit(Event{RunID: "run-1", Kind: "task_claimed"})

	if len(a.History("run-1")) != 1 || len(b.History("run-1")) != 1 {
		t.Fatalf("expected both emitters to receive the event")
	}
}

func TestMultiEmitterJoinsBatchErrors(t *testing.T) {
	first := errors.New("backend a down")
	second := errors.New("backend b down")
	m := NewMultiEmitter(&erroringEmitter{emitErr: first}, &erroringEmitter{emitErr: second})

	err := m.EmitBatch(context.Background(), []Event{{Kind: "x"}})
	if err == nil {
		t.Fatalf("expected a joined error")
	}
	if !errors.Is(err, first) || !errors.Is(err, second) {
		t.Fatalf("expected the joined error to wrap both backend errors, got %v", err)
	}
}

func TestMultiEmitterFlushReturnsNilWhenAllSucceed(t *testing.T) {
	m := NewMultiEmitter(NewNullEmitter(), NewBufferedEmitter())
	if err := m.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
}
