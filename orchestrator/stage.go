package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/tdd-orchestrator/core/orchestrator/astcheck"
	"github.com/tdd-orchestrator/core/orchestrator/emit"
	"github.com/tdd-orchestrator/core/orchestrator/model"
	"github.com/tdd-orchestrator/core/orchestrator/prompt"
	"github.com/tdd-orchestrator/core/orchestrator/store"
	"github.com/tdd-orchestrator/core/orchestrator/verifier"
)

// StageExecutor runs one TDD pipeline stage by delegating to its
// collaborators and returns an Attempt row. It holds no pipeline logic of
// its own; the design value is in the contracts it enforces on
// collaborators, not in its own control flow.
type StageExecutor struct {
	Prompt   *prompt.Builder
	LLM      model.ChatModel
	Verifier *verifier.CodeVerifier
	AST      *astcheck.ASTChecker
	Emitter  emit.Emitter
	now      func() time.Time
}

func NewStageExecutor(llm model.ChatModel, v *verifier.CodeVerifier, ast *astcheck.ASTChecker, emitter emit.Emitter) *StageExecutor {
	return &StageExecutor{
		Prompt:   prompt.New(),
		LLM:      llm,
		Verifier: v,
		AST:      ast,
		Emitter:  emitter,
		now:      time.Now,
	}
}

// Execute runs stage attemptNumber for task, returning the Attempt it
// produced and any error that should be classified by the caller. A
// collaborator failure classified as retryable (model.Retryable) is
// returned as an error alongside a failed, fully-populated Attempt. The
// caller decides whether to retry, not this method.
func (s *StageExecutor) Execute(ctx context.Context, task Task, stage Stage, attemptNumber int, hints prompt.Hints) (Attempt, error) {
	started := s.now()
	attempt := Attempt{
		TaskID:        task.ID,
		Stage:         stage,
		AttemptNumber: attemptNumber,
		StartedAt:     started,
	}

	p := s.Prompt.Build(task, stage, hints)
	attempt.PromptFingerprint = fingerprint(p)

	resp, err := s.LLM.Chat(ctx, p)
	if err != nil {
		attempt.CompletedAt = s.now()
		attempt.Duration = attempt.CompletedAt.Sub(started)
		attempt.Success = false
		attempt.ErrorMessage = err.Error()
		s.emit(task.Key, stage, "stage_collaborator_error", map[string]any{"error": err.Error()})
		return attempt, err
	}

	if stage == store.StageGreen || stage == store.StageRedFix || stage == store.StageFix {
		if len(task.VerifyCommand) > 0 && s.Verifier != nil {
			result, verr := s.Verifier.Run(ctx, task.VerifyCommand)
			if verr != nil {
				attempt.CompletedAt = s.now()
				attempt.Duration = attempt.CompletedAt.Sub(started)
				attempt.Success = false
				attempt.ErrorMessage = verr.Error()
				return attempt, verr
			}
			attempt.VerifierExit = result.ExitCode
			attempt.VerifierStdout = store.TruncateTail(result.StdoutTail)
			attempt.VerifierStderr = store.TruncateTail(result.StderrTail)
		}
	}

	if stage == store.StageVerify || stage == store.StageReVerify {
		if s.AST != nil && task.ImplFile != "" {
			violations, verr := s.AST.Analyze(task.ImplFile)
			if verr == nil && len(violations) > 0 {
				attempt.ErrorMessage = fmt.Sprintf("static review found %d violation(s)", len(violations))
			}
		}
	}

	attempt.CompletedAt = s.now()
	attempt.Duration = attempt.CompletedAt.Sub(started)
	attempt.Success = attempt.VerifierExit == 0 && attempt.ErrorMessage == ""

	s.emit(task.Key, stage, "stage_executed", map[string]any{
		"success":       attempt.Success,
		"attempt":       attemptNumber,
		"tokens":        resp.TokenCount,
		"verifier_exit": attempt.VerifierExit,
	})

	return attempt, nil
}

func (s *StageExecutor) emit(taskKey string, stage Stage, kind string, meta map[string]any) {
	if s.Emitter == nil {
		return
	}
	s.Emitter.Emit(emit.Event{
		TaskKey: taskKey,
		Stage:   string(stage),
		Kind:    kind,
		Meta:    meta,
		At:      s.now(),
	})
}

// fingerprint hashes a prompt's full content so two attempts of the same
// stage can be compared for drift without storing the prompt verbatim.
func fingerprint(p model.Prompt) string {
	h := sha256.New()
	h.Write([]byte(p.System))
	for _, m := range p.Messages {
		h.Write([]byte(m.Role))
		h.Write([]byte(m.Content))
	}
	return hex.EncodeToString(h.Sum(nil))
}
