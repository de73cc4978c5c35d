package emit

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestLogEmitterTextModeIncludesCoreFields(t *testing.T) {
	var buf bytes.Buffer
	emitter := NewLogEmitter(&buf, false)

	emitter.Emit(Event{RunID: "run-1", TaskKey: "task-1", Stage: "green", Kind: "attempt_completed", Msg: "ok"})

	out := buf.String()
	for _, want := range []string{"run-1", "task-1", "green", "attempt_completed", "ok"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected text output to contain %q, got %q", want, out)
		}
	}
}

func TestLogEmitterJSONModeProducesValidJSON(t *testing.T) {
	var buf bytes.Buffer
	emitter := NewLogEmitter(&buf, true)

	emitter.Emit(Event{RunID: "run-1", Kind: "task_claimed"})

	var decoded Event
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("expected valid JSON output, got error: %v, output: %s", err, buf.String())
	}
	if decoded.RunID != "run-1" || decoded.Kind != "task_claimed" {
		t.Errorf("unexpected decoded event: %+v", decoded)
	}
}

func TestLogEmitterEmitBatchWritesEveryEventInOrder(t *testing.T) {
	var buf bytes.Buffer
	emitter := NewLogEmitter(&buf, false)

	err := emitter.EmitBatch(nil, []Event{
		{Kind: "first"},
		{Kind: "second"},
	})
	if err != nil {
		t.Fatalf("EmitBatch: %v", err)
	}

	out := buf.String()
	if strings.Index(out, "first") > strings.Index(out, "second") {
		t.Errorf("expected events in order, got %q", out)
	}
}

func TestLogEmitterDefaultsToStdoutForNilWriter(t *testing.T) {
	emitter := NewLogEmitter(nil, false)
	if emitter.writer == nil {
		t.Fatalf("expected a non-nil default writer")
	}
}

func TestNullEmitterDiscardsEverything(t *testing.T) {
	e := NewNullEmitter()
	e.Emit(Event{Kind: "whatever"})
	if err := e.EmitBatch(nil, []Event{{Kind: "a"}, {Kind: "b"}}); err != nil {
		t.Fatalf("EmitBatch: %v", err)
	}
	if err := e.Flush(nil); err != nil {
		t.Fatalf("Flush: %v", err)
	}
}

func TestBufferedEmitterCapturesByRunID(t *testing.T) {
	e := NewBufferedEmitter()
	e.Emit(Event{RunID: "run-1", Kind: "a"})
	e.Emit(Event{RunID: "run-2", Kind: "b"})
	e.Emit(Event{RunID: "run-1", Kind: "c"})

	run1 := e.History("run-1")
	if len(run1) != 2 {
		t.Fatalf("expected 2 events for run-1, got %d", len(run1))
	}
	if run1[0].Kind != "a" || run1[1].Kind != "c" {
		t.Fatalf("expected run-1 events in emission order, got %+v", run1)
	}

	if len(e.History("run-2")) != 1 {
		t.Fatalf("expected 1 event for run-2")
	}
}

func TestBufferedEmitterClearRemovesOneRunOnly(t *testing.T) {
	e := NewBufferedEmitter()
	e.Emit(Event{RunID: "run-1", Kind: "a"})
	e.Emit(Event{RunID: "run-2", Kind: "b"})

	e.Clear("run-1")

	if len(e.History("run-1")) != 0 {
		t.Fatalf("expected run-1 history cleared")
	}
	if len(e.History("run-2")) != 1 {
		t.Fatalf("expected run-2 history untouched")
	}
}
