package orchestrator

import (
	"time"

	"github.com/tdd-orchestrator/core/orchestrator/breaker"
)

type (
	BreakerConfig       = breaker.Config
	SystemBreakerConfig = breaker.SystemConfig
)

// Config holds the pool's recognized configuration options (see
// the admin configuration surface). Build one with Apply(...) and the With* functional
// options below.
type Config struct {
	MaxWorkers                int
	MaxInvocationsPerSession  int
	BudgetWarningThresholdPct int

	HeartbeatInterval        time.Duration
	ClaimTimeout             time.Duration
	StaleWorkerThreshold     time.Duration
	PollInterval             time.Duration
	ShutdownGrace            time.Duration
	MaxStageAttempts         int

	Stage  BreakerConfig
	Worker BreakerConfig
	System SystemBreakerConfig

	FlapThreshold int
	FlapWindow    time.Duration
}

// DefaultConfig returns the pool's recognized configuration defaults.
func DefaultConfig() Config {
	return Config{
		MaxWorkers:                2,
		MaxInvocationsPerSession:  100,
		BudgetWarningThresholdPct: 80,
		HeartbeatInterval:         30 * time.Second,
		ClaimTimeout:              300 * time.Second,
		StaleWorkerThreshold:      10 * time.Minute,
		PollInterval:              1 * time.Second,
		ShutdownGrace:             30 * time.Second,
		MaxStageAttempts:          3,
		Stage: BreakerConfig{
			FailureThreshold:  5,
			Cooldown:          60 * time.Second,
			RecoverySuccesses: 1,
			MaxExtensions:     5,
		},
		Worker: BreakerConfig{
			FailureThreshold:  5,
			Cooldown:          120 * time.Second,
			RecoverySuccesses: 1,
			MaxExtensions:     5,
		},
		System: SystemBreakerConfig{
			FailureRatePercent: 20,
			WindowSize:         30,
			Cooldown:           300 * time.Second,
			RecoverySuccesses:  3,
			MaxExtensions:      5,
		},
		FlapThreshold: 5,
		FlapWindow:    5 * time.Minute,
	}
}

// Option configures a Config in place, a non-error-returning variant of
// the functional-options convention since every field here is
// unconditionally valid; range validation happens once in Config.Validate.
type Option func(*Config)

// Apply builds a Config from DefaultConfig with opts applied in order.
func Apply(opts ...Option) Config {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

func WithMaxWorkers(n int) Option {
	return func(c *Config) { c.MaxWorkers = n }
}

func WithMaxInvocations(n int) Option {
	return func(c *Config) { c.MaxInvocationsPerSession = n }
}

func WithBudgetWarningThresholdPct(pct int) Option {
	return func(c *Config) { c.BudgetWarningThresholdPct = pct }
}

func WithHeartbeatInterval(d time.Duration) Option {
	return func(c *Config) { c.HeartbeatInterval = d }
}

func WithClaimTimeout(d time.Duration) Option {
	return func(c *Config) { c.ClaimTimeout = d }
}

func WithStaleWorkerThreshold(d time.Duration) Option {
	return func(c *Config) { c.StaleWorkerThreshold = d }
}

func WithPollInterval(d time.Duration) Option {
	return func(c *Config) { c.PollInterval = d }
}

func WithShutdownGrace(d time.Duration) Option {
	return func(c *Config) { c.ShutdownGrace = d }
}

func WithMaxStageAttempts(n int) Option {
	return func(c *Config) { c.MaxStageAttempts = n }
}

func WithFlapDetection(threshold int, window time.Duration) Option {
	return func(c *Config) {
		c.FlapThreshold = threshold
		c.FlapWindow = window
	}
}

// Validate reports a configuration error if any recognized option is out
// of its documented range.
func (c Config) Validate() error {
	if c.MaxWorkers < 1 {
		return &OrchestratorError{Classification: InvariantViolated, Cause: errConfig("max_workers must be >= 1")}
	}
	if c.MaxInvocationsPerSession < 0 {
		return &OrchestratorError{Classification: InvariantViolated, Cause: errConfig("max_invocations_per_session must be >= 0")}
	}
	if c.BudgetWarningThresholdPct < 0 || c.BudgetWarningThresholdPct > 100 {
		return &OrchestratorError{Classification: InvariantViolated, Cause: errConfig("budget_warning_threshold_pct must be 0-100")}
	}
	return nil
}

type configError string

func (e configError) Error() string { return string(e) }

func errConfig(msg string) error { return configError(msg) }
