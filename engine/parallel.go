package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/studio-ai/studio/workflow"
)

// ParallelExecutor fans out to the referenced steps, joins, and aggregates
// their outputs under the parallel step's id.
type ParallelExecutor struct{}

// Type implements Executor.
func (e *ParallelExecutor) Type() workflow.StepType {
	return workflow.StepTypeParallel
}

// Execute implements Executor.
func (e *ParallelExecutor) Execute(ctx context.Context, rt *Runtime, step *workflow.Step) (string, error) {
	var wg sync.WaitGroup
	for _, child := range step.ParallelSteps {
		if rt.Status(child).Terminal() {
			continue // already done on a previous run
		}
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			rt.ExecuteStep(ctx, id)
		}(child)
	}
	wg.Wait()

	if ctx.Err() != nil {
		return "", ctx.Err()
	}

	var b strings.Builder
	var failed []string
	for _, child := range step.ParallelSteps {
		switch rt.Status(child) {
		case workflow.StepSuccess:
			fmt.Fprintf(&b, "%s: %s\n", child, rt.Output(child))
		case workflow.StepSkipped:
			// Skipped children contribute nothing.
		default:
			failed = append(failed, child)
		}
	}

	if len(failed) > 0 {
		return "", fmt.Errorf("parallel steps did not complete: %s", strings.Join(failed, ", "))
	}
	return b.String(), nil
}
