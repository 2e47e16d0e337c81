package engine

import (
	"context"
	"log/slog"

	"github.com/studio-ai/studio/events"
	"github.com/studio-ai/studio/workflow"
)

// DefaultMaxConcurrency bounds concurrently running leaf steps per thread.
const DefaultMaxConcurrency = 8

// Engine schedules one workflow thread at a time: it repeatedly launches
// every step whose dependencies are satisfied, waits for completions, and
// stops when nothing is runnable.
type Engine struct {
	registry       *Registry
	maxConcurrency int
	logger         *slog.Logger
}

// New creates an engine. A nil registry gets the default executor set;
// maxConcurrency values below 1 use the default.
func New(registry *Registry, maxConcurrency int, logger *slog.Logger) *Engine {
	if registry == nil {
		registry = DefaultRegistry()
	}
	if maxConcurrency < 1 {
		maxConcurrency = DefaultMaxConcurrency
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		registry:       registry,
		maxConcurrency: maxConcurrency,
		logger:         logger,
	}
}

// Run executes the thread to quiescence and returns its final status.
// Resumable: steps already terminal in the checkpoint are not re-executed,
// and steps caught mid-flight by a previous crash are re-armed.
func (e *Engine) Run(ctx context.Context, rt *Runtime) workflow.RunStatus {
	if rt.Registry == nil {
		rt.Registry = e.registry
	}
	if rt.Logger == nil {
		rt.Logger = e.logger
	}

	resumed := len(rt.State.StatusChanges) > 0
	e.rearm(ctx, rt)

	rt.Emit(events.WorkflowStarted, map[string]any{
		"resumed": resumed,
		"steps":   len(rt.State.Definition),
	})

	done := make(chan string)
	launched := make(map[string]bool)
	inflight := 0

	for {
		if ctx.Err() != nil {
			break
		}

		ready := e.readySteps(ctx, rt, launched)
		for _, id := range ready {
			launched[id] = true
			inflight++
			go func(stepID string) {
				rt.ExecuteStep(ctx, stepID)
				done <- stepID
			}(id)
		}

		if inflight == 0 {
			break
		}

		select {
		case <-done:
			inflight--
		case <-ctx.Done():
		}
	}

	// Let in-flight steps observe the cancellation and park themselves
	// before the final status is derived.
	for inflight > 0 {
		<-done
		inflight--
	}

	return e.finish(ctx, rt)
}

// rearm resets steps a previous run left mid-flight. Running steps lost
// their goroutine in the crash; awaiting steps re-enter the human executor,
// which picks up the stored approval instead of opening a new one.
func (e *Engine) rearm(ctx context.Context, rt *Runtime) {
	for i := range rt.State.Definition {
		id := rt.State.Definition[i].ID
		switch rt.Status(id) {
		case workflow.StepRunning, workflow.StepAwaitingApproval:
			rt.Transition(ctx, id, workflow.StepPending)
		}
	}
}

// readySteps finds pending frontier steps whose dependencies are all
// settled, propagating blocked status where a dependency went wrong.
// Driven steps (parallel children, loop bodies) are their parent's job.
func (e *Engine) readySteps(ctx context.Context, rt *Runtime, launched map[string]bool) []string {
	var ready []string
	for i := range rt.State.Definition {
		id := rt.State.Definition[i].ID
		if launched[id] || rt.driven[id] || rt.Status(id) != workflow.StepPending {
			continue
		}

		runnable := true
		for _, dep := range rt.effectiveDeps[id] {
			switch rt.Status(dep) {
			case workflow.StepFailed, workflow.StepBlocked:
				rt.RecordError(ctx, id, "dependency "+dep+" did not succeed")
				rt.Transition(ctx, id, workflow.StepBlocked)
				runnable = false
			case workflow.StepSuccess, workflow.StepSkipped:
				// Satisfied. A skipped dependency contributes an empty
				// output but does not block its dependents.
			default:
				runnable = false
			}
			if !runnable {
				break
			}
		}
		if runnable {
			ready = append(ready, id)
		}
	}
	return ready
}

// finish derives and persists the thread's final status.
func (e *Engine) finish(ctx context.Context, rt *Runtime) workflow.RunStatus {
	var status workflow.RunStatus
	switch {
	case ctx.Err() != nil:
		status = workflow.RunAborted
	case e.anyAwaiting(rt):
		status = workflow.RunSuspended
	default:
		status = rt.State.OverallStatus()
	}

	rt.mu.Lock()
	rt.State.Status = status
	rt.State.Touch()
	rt.mu.Unlock()
	rt.persist(ctx)

	switch status {
	case workflow.RunAborted:
		rt.Emit(events.WorkflowAborted, nil)
	case workflow.RunSuspended:
		// Suspension events were emitted by the waiting steps.
	default:
		rt.Emit(events.WorkflowCompleted, map[string]any{"status": string(status)})
	}

	e.logger.Info("Workflow finished",
		"thread_id", rt.State.ThreadID,
		"status", status)
	return status
}

func (e *Engine) anyAwaiting(rt *Runtime) bool {
	for i := range rt.State.Definition {
		if rt.Status(rt.State.Definition[i].ID) == workflow.StepAwaitingApproval {
			return true
		}
	}
	return false
}
