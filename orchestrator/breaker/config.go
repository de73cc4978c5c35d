package breaker

import "time"

// Config parameterizes a stage- or worker-level circuit breaker: trip
// after FailureThreshold consecutive failures, stay open for Cooldown,
// then require RecoverySuccesses consecutive successes in half-open
// before closing. MaxExtensions bounds how many times a half-open trial
// may be re-extended after a failure during the trial itself; once that
// many extensions have been applied, the breaker stays open until a
// manual Reset. Zero leaves the half-open/open cycle unbounded.
type Config struct {
	FailureThreshold  int
	Cooldown          time.Duration
	RecoverySuccesses int
	MaxExtensions     int
}

// SystemConfig parameterizes the system-level breaker, which trips on an
// aggregate failure rate over a sliding window of the last WindowSize
// attempts rather than on consecutive failures.
type SystemConfig struct {
	FailureRatePercent int
	WindowSize         int
	Cooldown           time.Duration
	RecoverySuccesses  int
	MaxExtensions      int
}

// FlapConfig parameterizes flapping detection, an observability-only
// signal layered on top of every breaker's state-change history.
type FlapConfig struct {
	Threshold int
	Window    time.Duration
}
