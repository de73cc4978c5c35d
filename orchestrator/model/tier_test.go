package model

import (
	"testing"

	"github.com/tdd-orchestrator/core/orchestrator/store"
)

func TestTierForKnownComplexities(t *testing.T) {
	cases := []struct {
		complexity store.Complexity
		want       Tier
	}{
		{store.ComplexityLow, TierFast},
		{store.ComplexityMedium, TierDefault},
		{store.ComplexityHigh, TierDeep},
	}
	for _, c := range cases {
		if got := TierFor(c.complexity); got != c.want {
			t.Errorf("TierFor(%s) = %s, want %s", c.complexity, got, c.want)
		}
	}
}

func TestTierForUnrecognizedComplexityDefaults(t *testing.T) {
	if got := TierFor(store.Complexity("unknown")); got != TierDefault {
		t.Errorf("TierFor(unknown) = %s, want %s", got, TierDefault)
	}
}

func TestRetryableClassifiesTransientErrors(t *testing.T) {
	if !Retryable(ErrRateLimited) {
		t.Errorf("expected ErrRateLimited to be retryable")
	}
	if !Retryable(ErrTimeout) {
		t.Errorf("expected ErrTimeout to be retryable")
	}
	if Retryable(ErrAuth) {
		t.Errorf("expected ErrAuth to not be retryable")
	}
	if Retryable(ErrMalformed) {
		t.Errorf("expected ErrMalformed to not be retryable")
	}
}
