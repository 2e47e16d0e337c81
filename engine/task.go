package engine

import (
	"context"
	"fmt"

	"github.com/studio-ai/studio/agent"
	"github.com/studio-ai/studio/events"
	"github.com/studio-ai/studio/llm"
	"github.com/studio-ai/studio/operator"
	"github.com/studio-ai/studio/workflow"
)

// TaskExecutor runs LLM-backed steps: resolve the agent, render the task
// prompt, stream the completion, then let the operator judge whether the
// agent actually did the work.
type TaskExecutor struct{}

// Type implements Executor.
func (e *TaskExecutor) Type() workflow.StepType {
	return workflow.StepTypeTask
}

// Execute implements Executor.
func (e *TaskExecutor) Execute(ctx context.Context, rt *Runtime, step *workflow.Step) (string, error) {
	cfg, err := e.resolveAgent(rt, step)
	if err != nil {
		return "", err
	}

	task := rt.Resolve(step.Task)

	req := llm.InvokeRequest{
		SystemPrompt: cfg.SystemPrompt,
		UserPrompt:   task,
		SessionID:    rt.SessionID(step.ID),
		Model:        cfg.Model,
		MaxTokens:    cfg.MaxTokens,
		Temperature:  cfg.Temperature,
		OnToken: func(token string) {
			rt.Emit(events.AgentTokenEmitted, map[string]any{
				"step_id": step.ID,
				"agent":   cfg.ID,
				"token":   token,
			})
		},
	}

	result, err := rt.LLM.Invoke(ctx, req)
	if err != nil {
		return "", fmt.Errorf("invoke agent %q: %w", cfg.ID, err)
	}
	rt.SetSessionID(ctx, step.ID, result.SessionID)

	// Partial output is durable before assessment so an abort or operator
	// outage never loses the response.
	rt.RecordOutput(ctx, step.ID, result.Text)

	if rt.Operator == nil {
		return result.Text, nil
	}

	verdict := rt.Operator.Assess(ctx, operator.Assessment{
		Response: result.Text,
		Role:     step.Role,
		Task:     task,
	})
	switch verdict.Verdict {
	case operator.VerdictBlocked:
		return "", &BlockedError{Reason: verdict.Reason, Output: result.Text}
	case operator.VerdictFailed:
		return "", fmt.Errorf("agent response judged failed: %s", verdict.Reason)
	default:
		return result.Text, nil
	}
}

func (e *TaskExecutor) resolveAgent(rt *Runtime, step *workflow.Step) (*agent.Config, error) {
	if rt.Agents == nil {
		return nil, fmt.Errorf("no agent registry configured")
	}
	if step.AgentID != "" {
		return rt.Agents.ResolveID(step.AgentID, rt.State.ProjectID)
	}
	return rt.Agents.ResolveRole(step.Role, rt.State.ProjectID)
}
