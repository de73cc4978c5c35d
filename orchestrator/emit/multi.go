package emit

import (
	"context"
	"errors"
)

// MultiEmitter fans an event out to every wrapped Emitter, e.g. a LogEmitter
// for operator-visible text plus an OTelEmitter for traces. Errors from
// EmitBatch/Flush are joined rather than short-circuited so one failing
// backend doesn't starve the others.
type MultiEmitter struct {
	emitters []Emitter
}

func NewMultiEmitter(emitters ...Emitter) *MultiEmitter {
	return &MultiEmitter{emitters: emitters}
}

func (m *MultiEmitter) Emit(event Event) {
	for _, e := range m.emitters {
		e.Emit(event)
	}
}

func (m *MultiEmitter) EmitBatch(ctx context.Context, events []Event) error {
	var errs []error
	for _, e := range m.emitters {
		if err := e.EmitBatch(ctx, events); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *MultiEmitter) Flush(ctx context.Context) error {
	var errs []error
	for _, e := range m.emitters {
		if err := e.Flush(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
