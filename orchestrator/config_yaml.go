package orchestrator

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// yamlConfig mirrors Config with yaml tags and pointer/zero-value fields so
// LoadConfigFile can tell "not set in the file" from "set to zero" and only
// apply overrides the operator actually wrote. Secrets (provider API keys)
// are deliberately absent here; those stay on -api-key / an environment
// variable per the CLI's own convention.
type yamlConfig struct {
	MaxWorkers                *int    `yaml:"max_workers"`
	MaxInvocationsPerSession  *int    `yaml:"max_invocations_per_session"`
	BudgetWarningThresholdPct *int    `yaml:"budget_warning_threshold_pct"`
	HeartbeatInterval         *string `yaml:"heartbeat_interval"`
	ClaimTimeout              *string `yaml:"claim_timeout"`
	StaleWorkerThreshold      *string `yaml:"stale_worker_threshold"`
	PollInterval              *string `yaml:"poll_interval"`
	ShutdownGrace             *string `yaml:"shutdown_grace"`
	MaxStageAttempts          *int    `yaml:"max_stage_attempts"`

	Stage  *yamlBreakerConfig `yaml:"stage_breaker"`
	Worker *yamlBreakerConfig `yaml:"worker_breaker"`
	System *yamlSystemConfig  `yaml:"system_breaker"`

	FlapThreshold *int    `yaml:"flap_threshold"`
	FlapWindow    *string `yaml:"flap_window"`
}

type yamlBreakerConfig struct {
	FailureThreshold  *int    `yaml:"failure_threshold"`
	Cooldown          *string `yaml:"cooldown"`
	RecoverySuccesses *int    `yaml:"recovery_successes"`
	MaxExtensions     *int    `yaml:"max_extensions"`
}

type yamlSystemConfig struct {
	FailureRatePercent *int    `yaml:"failure_rate_percent"`
	WindowSize         *int    `yaml:"window_size"`
	Cooldown           *string `yaml:"cooldown"`
	RecoverySuccesses  *int    `yaml:"recovery_successes"`
	MaxExtensions      *int    `yaml:"max_extensions"`
}

// LoadConfigFile reads a YAML configuration file and returns an Option that
// applies every field the file sets on top of whatever Config it's given,
// leaving fields the file is silent on untouched.
func LoadConfigFile(path string) (Option, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var y yamlConfig
	if err := yaml.Unmarshal(data, &y); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	return func(cfg *Config) {
		applyYAMLConfig(cfg, y)
	}, nil
}

func applyYAMLConfig(cfg *Config, y yamlConfig) {
	if y.MaxWorkers != nil {
		cfg.MaxWorkers = *y.MaxWorkers
	}
	if y.MaxInvocationsPerSession != nil {
		cfg.MaxInvocationsPerSession = *y.MaxInvocationsPerSession
	}
	if y.BudgetWarningThresholdPct != nil {
		cfg.BudgetWarningThresholdPct = *y.BudgetWarningThresholdPct
	}
	if d, ok := parseYAMLDuration(y.HeartbeatInterval); ok {
		cfg.HeartbeatInterval = d
	}
	if d, ok := parseYAMLDuration(y.ClaimTimeout); ok {
		cfg.ClaimTimeout = d
	}
	if d, ok := parseYAMLDuration(y.StaleWorkerThreshold); ok {
		cfg.StaleWorkerThreshold = d
	}
	if d, ok := parseYAMLDuration(y.PollInterval); ok {
		cfg.PollInterval = d
	}
	if d, ok := parseYAMLDuration(y.ShutdownGrace); ok {
		cfg.ShutdownGrace = d
	}
	if y.MaxStageAttempts != nil {
		cfg.MaxStageAttempts = *y.MaxStageAttempts
	}
	if y.FlapThreshold != nil {
		cfg.FlapThreshold = *y.FlapThreshold
	}
	if d, ok := parseYAMLDuration(y.FlapWindow); ok {
		cfg.FlapWindow = d
	}

	applyYAMLBreakerConfig(&cfg.Stage, y.Stage)
	applyYAMLBreakerConfig(&cfg.Worker, y.Worker)
	if y.System != nil {
		if y.System.FailureRatePercent != nil {
			cfg.System.FailureRatePercent = *y.System.FailureRatePercent
		}
		if y.System.WindowSize != nil {
			cfg.System.WindowSize = *y.System.WindowSize
		}
		if d, ok := parseYAMLDuration(y.System.Cooldown); ok {
			cfg.System.Cooldown = d
		}
		if y.System.RecoverySuccesses != nil {
			cfg.System.RecoverySuccesses = *y.System.RecoverySuccesses
		}
		if y.System.MaxExtensions != nil {
			cfg.System.MaxExtensions = *y.System.MaxExtensions
		}
	}
}

func applyYAMLBreakerConfig(dst *BreakerConfig, src *yamlBreakerConfig) {
	if src == nil {
		return
	}
	if src.FailureThreshold != nil {
		dst.FailureThreshold = *src.FailureThreshold
	}
	if d, ok := parseYAMLDuration(src.Cooldown); ok {
		dst.Cooldown = d
	}
	if src.RecoverySuccesses != nil {
		dst.RecoverySuccesses = *src.RecoverySuccesses
	}
	if src.MaxExtensions != nil {
		dst.MaxExtensions = *src.MaxExtensions
	}
}

func parseYAMLDuration(raw *string) (time.Duration, bool) {
	if raw == nil {
		return 0, false
	}
	d, err := time.ParseDuration(*raw)
	if err != nil {
		return 0, false
	}
	return d, true
}
