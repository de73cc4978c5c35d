// Package emit defines the orchestrator's event shape and the sinks that
// deliver it: log output, OpenTelemetry spans, buffered test capture, or a
// silent null sink.
package emit

import "time"

// Event is one observability-facing occurrence: a state change, an attempt
// outcome, or an administrative action. Events are the append-only audit
// trail surfaced by the admin interface; the core never prints raw
// collaborator errors directly to a human.
type Event struct {
	ID      string
	RunID   string
	TaskKey string
	Stage   string
	Kind    string
	Msg     string
	Meta    map[string]any
	At      time.Time
}
