package engine

import (
	"context"
	"fmt"
	"strconv"

	"github.com/studio-ai/studio/events"
	"github.com/studio-ai/studio/workflow"
)

// ConditionalExecutor evaluates a step's condition and routes execution:
// the chosen branch becomes runnable, the other branch and everything
// downstream of it is skipped.
type ConditionalExecutor struct{}

// Type implements Executor.
func (e *ConditionalExecutor) Type() workflow.StepType {
	return workflow.StepTypeConditional
}

// Execute implements Executor.
func (e *ConditionalExecutor) Execute(ctx context.Context, rt *Runtime, step *workflow.Step) (string, error) {
	result, err := rt.EvalCondition(step.Condition)
	if err != nil {
		return "", fmt.Errorf("evaluate condition: %w", err)
	}

	chosen, other := step.TrueBranch, step.FalseBranch
	if !result.Value {
		chosen, other = step.FalseBranch, step.TrueBranch
	}

	rt.logger().Debug("Condition evaluated",
		"step_id", step.ID,
		"result", result.Value,
		"chosen", chosen,
		"skipped", other)
	rt.Emit(events.WorkflowStepCompleted, map[string]any{
		"step_id": step.ID,
		"result":  result.Value,
		"trace":   result.Trace,
	})

	// The chosen branch needs no action here: its implicit dependency on
	// this step is now satisfied and the scheduler will pick it up.
	if other != "" {
		rt.skipSubtree(ctx, other)
	}

	return strconv.FormatBool(result.Value), nil
}

// skipSubtree marks a step and its transitive dependents skipped. Only
// pending steps change; anything already terminal keeps its status.
func (rt *Runtime) skipSubtree(ctx context.Context, root string) {
	// Reverse the effective dependency edges once per call; definitions
	// are small.
	dependents := make(map[string][]string)
	for id, deps := range rt.effectiveDeps {
		for _, dep := range deps {
			dependents[dep] = append(dependents[dep], id)
		}
	}

	queue := []string{root}
	seen := map[string]bool{root: true}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		if rt.Status(id) == workflow.StepPending {
			rt.Transition(ctx, id, workflow.StepSkipped)
		}

		for _, next := range dependents[id] {
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
}
