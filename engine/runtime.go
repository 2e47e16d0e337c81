// Package engine executes workflow threads: a registry of per-type step
// executors plus the scheduler that walks the dependency graph, checkpoints
// after every transition, and emits progress events.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/studio-ai/studio/agent"
	"github.com/studio-ai/studio/approval"
	"github.com/studio-ai/studio/condition"
	"github.com/studio-ai/studio/events"
	"github.com/studio-ai/studio/llm"
	"github.com/studio-ai/studio/operator"
	"github.com/studio-ai/studio/storage"
	"github.com/studio-ai/studio/workflow"
)

// ErrSuspended signals that a step is parked waiting on an external
// decision. The scheduler leaves the step in awaiting_approval and the
// thread resumes on a later invoke.
var ErrSuspended = errors.New("step suspended")

// Runtime is the per-thread execution context. It owns all writes to the
// thread's state: executors mutate state only through Runtime methods, and
// every transition is persisted before its event is emitted.
type Runtime struct {
	State     *workflow.State
	Store     storage.Store
	Bus       *events.Bus
	LLM       llm.Invoker
	Operator  operator.Operator
	Approvals *approval.Orchestrator
	Agents    *agent.Registry
	Registry  *Registry
	Logger    *slog.Logger

	// StartNewConversation drops stored session ids so every task step
	// opens a fresh LLM conversation.
	StartNewConversation bool

	// effectiveDeps is the dependency map the scheduler runs on: declared
	// deps plus the implicit edge from a conditional to its branches.
	effectiveDeps map[string][]string

	// driven marks steps executed by a parent control step (parallel
	// children, loop bodies) rather than by the frontier.
	driven map[string]bool

	mu       sync.Mutex
	sem      chan struct{}
	attempts map[string]int
}

// NewRuntime prepares a runtime for one thread. maxConcurrency bounds
// concurrently running non-control steps; values below 1 mean 1.
func NewRuntime(state *workflow.State, store storage.Store, maxConcurrency int) *Runtime {
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	rt := &Runtime{
		State:    state,
		Store:    store,
		Logger:   slog.Default(),
		sem:      make(chan struct{}, maxConcurrency),
		attempts: make(map[string]int),
	}
	rt.buildGraph()
	return rt
}

// buildGraph derives the scheduling structures from the definition.
func (rt *Runtime) buildGraph() {
	rt.effectiveDeps = make(map[string][]string, len(rt.State.Definition))
	rt.driven = make(map[string]bool)

	for i := range rt.State.Definition {
		s := &rt.State.Definition[i]
		rt.effectiveDeps[s.ID] = append([]string(nil), s.Deps...)

		switch s.EffectiveType() {
		case workflow.StepTypeConditional:
			// Branches run only after the conditional has chosen.
			for _, branch := range []string{s.TrueBranch, s.FalseBranch} {
				if branch != "" {
					rt.effectiveDeps[branch] = append(rt.effectiveDeps[branch], s.ID)
				}
			}
		case workflow.StepTypeParallel:
			for _, child := range s.ParallelSteps {
				rt.driven[child] = true
			}
		case workflow.StepTypeLoop:
			rt.driven[s.LoopBody] = true
		}
	}
}

// Status returns the step's current status.
func (rt *Runtime) Status(stepID string) workflow.StepStatus {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.State.StepStatus[stepID]
}

// Output returns the step's recorded output.
func (rt *Runtime) Output(stepID string) string {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.State.StepOutputs[stepID]
}

// Outputs returns a snapshot of all step outputs for template and
// condition evaluation.
func (rt *Runtime) Outputs() map[string]string {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	out := make(map[string]string, len(rt.State.StepOutputs))
	for k, v := range rt.State.StepOutputs {
		out[k] = v
	}
	return out
}

// TemplateContext builds the resolution context from the current state.
func (rt *Runtime) TemplateContext() workflow.TemplateContext {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	statuses := make(map[string]workflow.StepStatus, len(rt.State.StepStatus))
	for k, v := range rt.State.StepStatus {
		statuses[k] = v
	}
	return workflow.TemplateContext{
		ThreadID:   rt.State.ThreadID,
		ProjectID:  rt.State.ProjectID,
		StepStatus: statuses,
	}
}

// Resolve substitutes template variables against the current outputs.
func (rt *Runtime) Resolve(s string) string {
	return workflow.ResolveTemplate(s, rt.Outputs(), rt.TemplateContext())
}

// EvalCondition parses and evaluates a condition document against the
// current outputs.
func (rt *Runtime) EvalCondition(raw json.RawMessage) (condition.Result, error) {
	cond, err := condition.Parse(raw)
	if err != nil {
		return condition.Result{}, err
	}
	return condition.Evaluate(cond, rt.Outputs(), rt.TemplateContext()), nil
}

// SessionID returns the stored LLM session for a step, honoring
// StartNewConversation.
func (rt *Runtime) SessionID(stepID string) string {
	if rt.StartNewConversation {
		return ""
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.State.SessionIDs[stepID]
}

// SetSessionID records the LLM session handle for a step.
func (rt *Runtime) SetSessionID(ctx context.Context, stepID, sessionID string) {
	rt.mu.Lock()
	rt.State.SessionIDs[stepID] = sessionID
	rt.mu.Unlock()
	rt.persist(ctx)
}

// Iteration returns the checkpointed loop iteration for a step.
func (rt *Runtime) Iteration(stepID string) int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.State.CurrentIteration[stepID]
}

// SetIteration checkpoints loop progress.
func (rt *Runtime) SetIteration(ctx context.Context, stepID string, n int) {
	rt.mu.Lock()
	rt.State.CurrentIteration[stepID] = n
	rt.mu.Unlock()
	rt.persist(ctx)
}

// ApprovalID returns the approval reference stored for a human step.
func (rt *Runtime) ApprovalID(stepID string) string {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.State.ApprovalIDs[stepID]
}

// SetApprovalID records the approval reference for a human step.
func (rt *Runtime) SetApprovalID(ctx context.Context, stepID, approvalID string) {
	rt.mu.Lock()
	rt.State.ApprovalIDs[stepID] = approvalID
	rt.mu.Unlock()
	rt.persist(ctx)
}

// Attempt increments and returns the in-process execution count for a
// step. Used by the mock executor to script flaky behavior.
func (rt *Runtime) Attempt(stepID string) int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.attempts[stepID]++
	return rt.attempts[stepID]
}

// Transition moves a step to a new status, persists the checkpoint, and
// touches the heartbeat. State is durable before any observer can react.
func (rt *Runtime) Transition(ctx context.Context, stepID string, status workflow.StepStatus) {
	rt.mu.Lock()
	rt.State.SetStepStatus(stepID, status)
	rt.State.Touch()
	rt.mu.Unlock()
	rt.persist(ctx)
}

// RecordOutput stores a step's output without changing status.
func (rt *Runtime) RecordOutput(ctx context.Context, stepID, output string) {
	rt.mu.Lock()
	rt.State.StepOutputs[stepID] = output
	rt.mu.Unlock()
	rt.persist(ctx)
}

// RecordError stores a step's failure message.
func (rt *Runtime) RecordError(ctx context.Context, stepID, msg string) {
	rt.mu.Lock()
	rt.State.StepErrors[stepID] = msg
	rt.mu.Unlock()
	rt.persist(ctx)
}

// persist saves the checkpoint. Persistence survives an in-flight abort so
// a later resume sees the latest transitions.
func (rt *Runtime) persist(ctx context.Context) {
	if rt.Store == nil {
		return
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if err := rt.Store.Save(context.WithoutCancel(ctx), rt.State); err != nil {
		rt.logger().Error("Failed to persist checkpoint",
			"thread_id", rt.State.ThreadID,
			"error", err)
	}
}

// Emit publishes a thread event. Fire and forget.
func (rt *Runtime) Emit(typ events.Type, payload map[string]any) {
	if rt.Bus == nil {
		return
	}
	rt.Bus.Publish(events.Event{
		Type:     typ,
		ThreadID: rt.State.ThreadID,
		Payload:  payload,
	})
}

// ExecuteStep dispatches one step through its registered executor,
// handling the generic transitions around the call. Control executors use
// it to drive their children.
func (rt *Runtime) ExecuteStep(ctx context.Context, stepID string) {
	step := rt.State.Step(stepID)
	if step == nil {
		rt.logger().Error("Unknown step", "step_id", stepID)
		return
	}

	exec, ok := rt.Registry.Get(step.EffectiveType())
	if !ok {
		rt.Transition(ctx, stepID, workflow.StepFailed)
		rt.RecordError(ctx, stepID, fmt.Sprintf("no executor for step type %q", step.EffectiveType()))
		rt.Emit(events.WorkflowStepFailed, map[string]any{"step_id": stepID, "error": "no executor"})
		return
	}

	// Control steps coordinate children and never hold a concurrency
	// slot; only leaf steps count against maxConcurrency.
	if !step.IsControl() {
		select {
		case rt.sem <- struct{}{}:
			defer func() { <-rt.sem }()
		case <-ctx.Done():
			return
		}
	}

	rt.Transition(ctx, stepID, workflow.StepRunning)
	rt.Emit(events.WorkflowStepStarted, map[string]any{"step_id": stepID, "type": string(step.EffectiveType())})

	output, err := exec.Execute(ctx, rt, step)
	switch {
	case err == nil:
		rt.RecordOutput(ctx, stepID, output)
		rt.Transition(ctx, stepID, workflow.StepSuccess)
		rt.Emit(events.WorkflowStepCompleted, map[string]any{"step_id": stepID})

	case errors.Is(err, ErrSuspended):
		// Status was already set by the executor; nothing to finalize.

	case ctx.Err() != nil:
		// Aborted mid-step. Park the step back at pending so a resume
		// re-executes it; partial output, if any, was already recorded.
		rt.Transition(ctx, stepID, workflow.StepPending)

	default:
		var blockedErr *BlockedError
		if errors.As(err, &blockedErr) {
			rt.RecordOutput(ctx, stepID, blockedErr.Output)
			rt.RecordError(ctx, stepID, blockedErr.Reason)
			rt.Transition(ctx, stepID, workflow.StepBlocked)
			rt.Emit(events.WorkflowStepFailed, map[string]any{
				"step_id": stepID, "status": "blocked", "error": blockedErr.Reason,
			})
			return
		}
		rt.RecordError(ctx, stepID, err.Error())
		rt.Transition(ctx, stepID, workflow.StepFailed)
		rt.Emit(events.WorkflowStepFailed, map[string]any{"step_id": stepID, "error": err.Error()})
	}
}

// BlockedError marks a step as blocked rather than failed: the work is
// sound but needs something external before it can finish.
type BlockedError struct {
	Reason string
	Output string
}

func (e *BlockedError) Error() string {
	return "step blocked: " + e.Reason
}

func (rt *Runtime) logger() *slog.Logger {
	if rt.Logger == nil {
		return slog.Default()
	}
	return rt.Logger
}
