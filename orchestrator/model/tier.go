package model

import "github.com/tdd-orchestrator/core/orchestrator/store"

// Tier is a model-selection hint, not a specific model name. Concrete
// adapters map a Tier onto one of their provider's model identifiers.
type Tier string

const (
	TierFast   Tier = "fast"
	TierDefault Tier = "default"
	TierDeep   Tier = "deep"
)

// TierPolicy is the small static policy table the model-selection contract permits
// as the system's entire model-selection logic (Non-goals: "language-model
// selection logic beyond a small policy table"). It is a lookup, not a
// decision procedure.
var TierPolicy = map[store.Complexity]Tier{
	store.ComplexityLow:    TierFast,
	store.ComplexityMedium: TierDefault,
	store.ComplexityHigh:   TierDeep,
}

// TierFor returns the configured tier for a task complexity, defaulting
// to TierDefault for an unrecognized value rather than panicking.
func TierFor(c store.Complexity) Tier {
	if t, ok := TierPolicy[c]; ok {
		return t
	}
	return TierDefault
}
