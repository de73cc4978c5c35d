package orchestrator

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config file: %v", err)
	}
	return path
}

func TestLoadConfigFileOverridesOnlySetFields(t *testing.T) {
	path := writeConfigFile(t, `
max_workers: 8
claim_timeout: 45s
stage_breaker:
  failure_threshold: 10
`)

	opt, err := LoadConfigFile(path)
	if err != nil {
		t.Fatalf("LoadConfigFile: %v", err)
	}

	cfg := Apply(opt)

	if cfg.MaxWorkers != 8 {
		t.Errorf("expected MaxWorkers 8, got %d", cfg.MaxWorkers)
	}
	if cfg.ClaimTimeout != 45*time.Second {
		t.Errorf("expected ClaimTimeout 45s, got %v", cfg.ClaimTimeout)
	}
	if cfg.Stage.FailureThreshold != 10 {
		t.Errorf("expected stage failure threshold 10, got %d", cfg.Stage.FailureThreshold)
	}

	def := DefaultConfig()
	if cfg.MaxInvocationsPerSession != def.MaxInvocationsPerSession {
		t.Errorf("expected fields absent from the file to keep their default, got %d", cfg.MaxInvocationsPerSession)
	}
	if cfg.Worker.FailureThreshold != def.Worker.FailureThreshold {
		t.Errorf("expected the worker breaker config untouched by a stage-only override")
	}
}

func TestLoadConfigFileAppliesSystemBreakerOverrides(t *testing.T) {
	path := writeConfigFile(t, `
system_breaker:
  failure_rate_percent: 60
  window_size: 50
`)

	opt, err := LoadConfigFile(path)
	if err != nil {
		t.Fatalf("LoadConfigFile: %v", err)
	}
	cfg := Apply(opt)

	if cfg.System.FailureRatePercent != 60 {
		t.Errorf("expected FailureRatePercent 60, got %d", cfg.System.FailureRatePercent)
	}
	if cfg.System.WindowSize != 50 {
		t.Errorf("expected WindowSize 50, got %d", cfg.System.WindowSize)
	}
}

func TestLoadConfigFileRejectsMissingFile(t *testing.T) {
	if _, err := LoadConfigFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected an error for a missing config file")
	}
}

func TestLoadConfigFileRejectsMalformedYAML(t *testing.T) {
	path := writeConfigFile(t, "max_workers: [this is not an int\n")
	if _, err := LoadConfigFile(path); err == nil {
		t.Fatalf("expected an error for malformed YAML")
	}
}

func TestLoadConfigFileIgnoresUnparseableDurations(t *testing.T) {
	path := writeConfigFile(t, `
claim_timeout: "not a duration"
`)
	opt, err := LoadConfigFile(path)
	if err != nil {
		t.Fatalf("LoadConfigFile: %v", err)
	}
	cfg := Apply(opt)

	if cfg.ClaimTimeout != DefaultConfig().ClaimTimeout {
		t.Errorf("expected an unparseable duration to leave the default untouched, got %v", cfg.ClaimTimeout)
	}
}
