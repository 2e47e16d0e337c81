package engine

import (
	"context"
	"fmt"

	"github.com/studio-ai/studio/workflow"
)

// LoopExecutor re-runs the loop body until the loop's exit condition is
// met or max_iterations is exhausted. Iteration progress is checkpointed
// so a resumed thread continues counting where it left off.
type LoopExecutor struct{}

// Type implements Executor.
func (e *LoopExecutor) Type() workflow.StepType {
	return workflow.StepTypeLoop
}

// Execute implements Executor.
func (e *LoopExecutor) Execute(ctx context.Context, rt *Runtime, step *workflow.Step) (string, error) {
	body := step.LoopBody

	for i := rt.Iteration(step.ID); i < step.MaxIterations; i++ {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}

		if step.LoopType == workflow.LoopTypeWhile {
			result, err := rt.EvalCondition(step.LoopCondition)
			if err != nil {
				return "", fmt.Errorf("evaluate loop condition: %w", err)
			}
			if !result.Value {
				return rt.Output(body), nil
			}
		}

		// Re-arm the body so the dispatcher treats it as a fresh run.
		rt.Transition(ctx, body, workflow.StepPending)
		rt.ExecuteStep(ctx, body)
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		rt.SetIteration(ctx, step.ID, i+1)

		status := rt.Status(body)
		switch step.LoopType {
		case workflow.LoopTypeRetry:
			if status == workflow.StepSuccess {
				return rt.Output(body), nil
			}
			// Failed attempt; keep retrying until the budget runs out.
		default:
			if status != workflow.StepSuccess {
				return "", fmt.Errorf("loop body %q ended %s on iteration %d", body, status, i+1)
			}
		}
	}

	if step.LoopType == workflow.LoopTypeRetry && rt.Status(body) != workflow.StepSuccess {
		return "", fmt.Errorf("loop body %q still failing after %d attempts", body, step.MaxIterations)
	}
	return rt.Output(body), nil
}
