// Package prompt builds the LLM prompt for one TDD pipeline stage. Build
// is pure and deterministic: the same task, stage, and hints always
// produce the same Prompt, so attempt retries can compare prompt
// fingerprints to detect a collaborator drifting between retries.
package prompt

import (
	"fmt"
	"sort"
	"strings"

	"github.com/tdd-orchestrator/core/orchestrator/model"
	"github.com/tdd-orchestrator/core/orchestrator/store"
)

// Hints carries the mutable, stage-specific context a worker gathers
// before building a prompt: prior attempt output, verifier failures, and
// static-review violations from the previous iteration.
type Hints struct {
	PriorAttempt     *store.Attempt
	VerifierStdout   string
	VerifierStderr   string
	StaticViolations []string
}

// Builder constructs Prompts for the fixed pipeline stages.
type Builder struct{}

func New() *Builder {
	return &Builder{}
}

// Build assembles a model.Prompt for one (task, stage) pair. The system
// message is fixed per-stage guidance; the user message carries the
// task's concrete goal, acceptance criteria, and any hints gathered from
// a prior attempt.
func (b *Builder) Build(task store.Task, stage store.Stage, hints Hints) model.Prompt {
	var body strings.Builder

	fmt.Fprintf(&body, "Task: %s\n", task.Title)
	fmt.Fprintf(&body, "Goal: %s\n", task.Goal)
	if task.TestFile != "" {
		fmt.Fprintf(&body, "Test file: %s\n", task.TestFile)
	}
	if task.ImplFile != "" {
		fmt.Fprintf(&body, "Implementation file: %s\n", task.ImplFile)
	}
	if len(task.AcceptanceCriteria) > 0 {
		body.WriteString("Acceptance criteria:\n")
		for _, c := range task.AcceptanceCriteria {
			fmt.Fprintf(&body, "- %s\n", c)
		}
	}
	if task.ImplHints != "" {
		fmt.Fprintf(&body, "Implementation hints: %s\n", task.ImplHints)
	}
	if len(task.ModuleExports) > 0 {
		sorted := append([]string(nil), task.ModuleExports...)
		sort.Strings(sorted)
		fmt.Fprintf(&body, "Exports expected: %s\n", strings.Join(sorted, ", "))
	}

	writeHints(&body, hints)

	return model.Prompt{
		System:    systemPrompt(stage),
		Messages:  []model.Message{{Role: model.RoleUser, Content: body.String()}},
		ModelTier: model.TierFor(task.Complexity),
	}
}

func writeHints(body *strings.Builder, hints Hints) {
	if hints.PriorAttempt != nil && !hints.PriorAttempt.Success {
		fmt.Fprintf(body, "\nPrevious attempt %d failed: %s\n", hints.PriorAttempt.AttemptNumber, hints.PriorAttempt.ErrorMessage)
	}
	if hints.VerifierStdout != "" {
		fmt.Fprintf(body, "\nVerifier stdout:\n%s\n", hints.VerifierStdout)
	}
	if hints.VerifierStderr != "" {
		fmt.Fprintf(body, "\nVerifier stderr:\n%s\n", hints.VerifierStderr)
	}
	if len(hints.StaticViolations) > 0 {
		body.WriteString("\nStatic review violations:\n")
		for _, v := range hints.StaticViolations {
			fmt.Fprintf(body, "- %s\n", v)
		}
	}
}

// systemPrompt returns the fixed system instruction for stage; it does not
// depend on the task.
func systemPrompt(stage store.Stage) string {
	switch stage {
	case store.StageRed:
		return "Write a failing test that captures the task's acceptance criteria. Do not implement the feature."
	case store.StageRedFix:
		return "The test you wrote does not compile or does not fail for the expected reason. Fix the test only."
	case store.StageGreen:
		return "Write the minimal implementation that makes the failing test pass. Do not modify the test."
	case store.StageVerify:
		return "Review the implementation and test together for correctness, style, and completeness against the acceptance criteria."
	case store.StageFix:
		return "The verifier or static review found a problem. Fix the implementation to address it without weakening the test."
	case store.StageReVerify:
		return "Re-review the fixed implementation and confirm the original problem is resolved with no regressions."
	default:
		return "Complete the requested stage of the task."
	}
}
