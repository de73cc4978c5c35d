package orchestrator

import "github.com/tdd-orchestrator/core/orchestrator/store"

type (
	WorkerStatus = store.WorkerStatus
	Worker       = store.Worker
	Heartbeat    = store.Heartbeat
	ExecutionRun = store.ExecutionRun
	Invocation   = store.Invocation
)

const (
	WorkerActive = store.WorkerActive
	WorkerIdle   = store.WorkerIdle
	WorkerDead   = store.WorkerDead
)
