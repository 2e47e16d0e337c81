// Package orchestrator is the front door for workflow execution: it
// validates definitions, resolves agents, creates or rehydrates the
// thread, and drives the engine. The heartbeat monitor re-enters through
// the same path when it resumes a stalled thread.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/studio-ai/studio/agent"
	"github.com/studio-ai/studio/approval"
	"github.com/studio-ai/studio/engine"
	"github.com/studio-ai/studio/events"
	"github.com/studio-ai/studio/llm"
	"github.com/studio-ai/studio/monitor"
	"github.com/studio-ai/studio/operator"
	"github.com/studio-ai/studio/registry"
	"github.com/studio-ai/studio/storage"
	"github.com/studio-ai/studio/workflow"
)

// InvokeRequest is one workflow invocation. Workflow accepts a single
// step object or an array of steps; an empty workflow with a ThreadID is
// a pure resume.
type InvokeRequest struct {
	Workflow             json.RawMessage `json:"workflow,omitempty"`
	ProjectID            string          `json:"projectId,omitempty"`
	ThreadID             string          `json:"threadId,omitempty"`
	StartNewConversation bool            `json:"startNewConversation,omitempty"`
}

// Response is the invocation result.
type Response struct {
	ThreadID   string             `json:"threadId"`
	Status     workflow.RunStatus `json:"status"`
	Results    map[string]string  `json:"results"`
	SessionIDs map[string]string  `json:"sessionIds,omitempty"`
	Summary    string             `json:"summary"`
}

// Orchestrator wires the execution services together.
type Orchestrator struct {
	Store     storage.Store
	Registry  *registry.Registry
	Agents    *agent.Registry
	Approvals *approval.Orchestrator
	Bus       *events.Bus
	LLM       llm.Invoker
	Operator  operator.Operator
	Monitor   *monitor.Monitor
	Engine    *engine.Engine

	MaxConcurrency int
	Logger         *slog.Logger
}

// Invoke runs a workflow to quiescence and returns the outcome. With a
// ThreadID the checkpoint is rehydrated first, so completed steps are not
// re-executed. Cancelling ctx aborts the thread; state is persisted
// before return either way.
func (o *Orchestrator) Invoke(ctx context.Context, req InvokeRequest) (*Response, error) {
	steps, err := parseWorkflow(req.Workflow)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", workflow.ErrValidation, err)
	}

	state, err := o.loadOrCreate(ctx, req, steps)
	if err != nil {
		return nil, err
	}

	if err := o.resolveAgents(state); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if o.Registry != nil {
		if err := o.Registry.RegisterLive(state.ThreadID, state.ProjectID, cancel); err != nil {
			return nil, err
		}
		defer o.Registry.UnregisterLive(state.ThreadID)
	}
	if o.Monitor != nil {
		o.Monitor.Watch(state.ThreadID)
		defer o.Monitor.Unwatch(state.ThreadID)
	}

	rt := engine.NewRuntime(state, o.Store, o.MaxConcurrency)
	rt.Bus = o.Bus
	rt.LLM = o.LLM
	rt.Operator = o.Operator
	rt.Approvals = o.Approvals
	rt.Agents = o.Agents
	rt.Logger = o.logger()
	rt.StartNewConversation = req.StartNewConversation

	status := o.eng().Run(runCtx, rt)

	return buildResponse(state, status), nil
}

// Resume re-invokes a thread from its checkpoint. Used by the heartbeat
// monitor and the status endpoint's resume action.
func (o *Orchestrator) Resume(ctx context.Context, threadID string) error {
	_, err := o.Invoke(ctx, InvokeRequest{ThreadID: threadID})
	return err
}

// RecoverStalled watches every thread the store still marks running.
// Called once at process start so threads orphaned by a crash get picked
// up by the monitor's next scan.
func (o *Orchestrator) RecoverStalled(ctx context.Context) error {
	if o.Monitor == nil {
		return nil
	}
	summaries, err := o.Store.List(ctx, storage.ListFilter{Status: workflow.RunRunning})
	if err != nil {
		return fmt.Errorf("list running threads: %w", err)
	}
	for _, s := range summaries {
		o.Monitor.Watch(s.ThreadID)
	}
	if len(summaries) > 0 {
		o.logger().Info("Watching orphaned threads", "count", len(summaries))
	}
	return nil
}

// loadOrCreate rehydrates an existing thread or starts a fresh one.
func (o *Orchestrator) loadOrCreate(ctx context.Context, req InvokeRequest, steps []workflow.Step) (*workflow.State, error) {
	if req.ThreadID != "" {
		state, err := o.Store.Load(ctx, req.ThreadID)
		if err == nil {
			// The definition snapshot is immutable across resumes.
			state.EnsureMaps()
			state.Status = workflow.RunRunning
			return state, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("load thread %s: %w", req.ThreadID, err)
		}
		// Unknown id: treat the invoke as creating that thread.
		if len(steps) == 0 {
			return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, req.ThreadID)
		}
		if err := workflow.ValidateSteps(steps); err != nil {
			return nil, err
		}
		return workflow.NewState(req.ThreadID, req.ProjectID, steps), nil
	}

	if len(steps) == 0 {
		return nil, fmt.Errorf("%w: workflow has no steps", workflow.ErrValidation)
	}
	if err := workflow.ValidateSteps(steps); err != nil {
		return nil, err
	}
	return workflow.NewState(workflow.NewThreadID(), req.ProjectID, steps), nil
}

// resolveAgents fails fast when any task step references an unknown agent
// so the caller gets the error before anything runs.
func (o *Orchestrator) resolveAgents(state *workflow.State) error {
	if o.Agents == nil {
		return nil
	}
	for i := range state.Definition {
		s := &state.Definition[i]
		if s.EffectiveType() != workflow.StepTypeTask {
			continue
		}
		var err error
		if s.AgentID != "" {
			_, err = o.Agents.ResolveID(s.AgentID, state.ProjectID)
		} else {
			_, err = o.Agents.ResolveRole(s.Role, state.ProjectID)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) eng() *engine.Engine {
	if o.Engine != nil {
		return o.Engine
	}
	return engine.New(nil, o.MaxConcurrency, o.logger())
}

func (o *Orchestrator) logger() *slog.Logger {
	if o.Logger == nil {
		return slog.Default()
	}
	return o.Logger
}

// parseWorkflow accepts a step object, a step array, or nothing.
func parseWorkflow(raw json.RawMessage) ([]workflow.Step, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	var steps []workflow.Step
	if err := json.Unmarshal(raw, &steps); err == nil {
		return steps, nil
	}

	var single workflow.Step
	if err := json.Unmarshal(raw, &single); err != nil {
		return nil, fmt.Errorf("workflow must be a step or an array of steps: %w", err)
	}
	return []workflow.Step{single}, nil
}

func buildResponse(state *workflow.State, status workflow.RunStatus) *Response {
	results := make(map[string]string, len(state.StepOutputs))
	for k, v := range state.StepOutputs {
		results[k] = v
	}
	sessions := make(map[string]string, len(state.SessionIDs))
	for k, v := range state.SessionIDs {
		sessions[k] = v
	}
	return &Response{
		ThreadID:   state.ThreadID,
		Status:     status,
		Results:    results,
		SessionIDs: sessions,
		Summary:    summarize(state, status),
	}
}

// summarize renders the one-line outcome description.
func summarize(state *workflow.State, status workflow.RunStatus) string {
	var succeeded, failed, blocked, skipped, awaiting int
	for _, s := range state.Definition {
		switch state.StepStatus[s.ID] {
		case workflow.StepSuccess:
			succeeded++
		case workflow.StepFailed:
			failed++
		case workflow.StepBlocked:
			blocked++
		case workflow.StepSkipped:
			skipped++
		case workflow.StepAwaitingApproval:
			awaiting++
		}
	}

	parts := []string{fmt.Sprintf("%d/%d steps succeeded", succeeded, len(state.Definition))}
	if failed > 0 {
		parts = append(parts, fmt.Sprintf("%d failed", failed))
	}
	if blocked > 0 {
		parts = append(parts, fmt.Sprintf("%d blocked", blocked))
	}
	if skipped > 0 {
		parts = append(parts, fmt.Sprintf("%d skipped", skipped))
	}
	if awaiting > 0 {
		parts = append(parts, fmt.Sprintf("%d awaiting approval", awaiting))
	}
	return fmt.Sprintf("%s: %s", status, strings.Join(parts, ", "))
}
