package orchestrator

import "github.com/tdd-orchestrator/core/orchestrator/store"

type (
	Stage   = store.Stage
	Attempt = store.Attempt
)

const (
	StageRed      = store.StageRed
	StageRedFix   = store.StageRedFix
	StageGreen    = store.StageGreen
	StageVerify   = store.StageVerify
	StageFix      = store.StageFix
	StageReVerify = store.StageReVerify
)

// Pipeline is the fixed stage order every task passes through.
var Pipeline = store.Pipeline

// TruncateTail keeps at most the last few KB of s, prefixing a marker when
// truncation occurred.
func TruncateTail(s string) string { return store.TruncateTail(s) }

// NextAttemptNumber returns 1 + the highest attempt number already recorded
// for (taskID, stage), or 1 if none exist.
func NextAttemptNumber(existing []Attempt, taskID int64, stage Stage) int {
	return store.NextAttemptNumber(existing, taskID, stage)
}
