package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/studio-ai/studio/approval"
	"github.com/studio-ai/studio/events"
	"github.com/studio-ai/studio/workflow"
)

// approvalPollInterval bounds how stale the executor's view of an approval
// can get when resolution events are missed.
const approvalPollInterval = 2 * time.Second

// HumanExecutor gates a step on an external human decision. The step
// suspends in awaiting_approval until the approval resolves; an aborted
// thread leaves the approval pending for a later resume to pick up.
type HumanExecutor struct{}

// Type implements Executor.
func (e *HumanExecutor) Type() workflow.StepType {
	return workflow.StepTypeHuman
}

// Execute implements Executor.
func (e *HumanExecutor) Execute(ctx context.Context, rt *Runtime, step *workflow.Step) (string, error) {
	if rt.Approvals == nil {
		return "", fmt.Errorf("no approval orchestrator configured")
	}

	prompt := rt.Resolve(step.Prompt)

	// Notifications inform without waiting for a decision.
	if step.InteractionType == workflow.InteractionNotification {
		rt.Emit(events.ApprovalCreated, map[string]any{
			"step_id":      step.ID,
			"notification": true,
			"prompt":       prompt,
		})
		return prompt, nil
	}

	a, err := e.findOrCreate(ctx, rt, step, prompt)
	if err != nil {
		return "", err
	}

	if a.Status.Terminal() {
		return e.outcome(step, a)
	}

	rt.Transition(ctx, step.ID, workflow.StepAwaitingApproval)
	rt.Emit(events.WorkflowSuspended, map[string]any{
		"step_id":     step.ID,
		"approval_id": a.ID,
	})

	return e.await(ctx, rt, step, a)
}

// findOrCreate reuses the approval from a previous run of this step when
// one exists; otherwise it opens a new one.
func (e *HumanExecutor) findOrCreate(ctx context.Context, rt *Runtime, step *workflow.Step, prompt string) (*approval.Approval, error) {
	if id := rt.ApprovalID(step.ID); id != "" {
		a, err := rt.Approvals.Get(ctx, id)
		if err == nil {
			return a, nil
		}
		if !errors.Is(err, approval.ErrNotFound) {
			return nil, fmt.Errorf("load approval %s: %w", id, err)
		}
		// Record points at a deleted approval; fall through and recreate.
	}

	a, err := rt.Approvals.Create(ctx, approval.CreateRequest{
		ThreadID:        rt.State.ThreadID,
		StepID:          step.ID,
		ProjectID:       rt.State.ProjectID,
		Prompt:          prompt,
		RiskLevel:       riskFromConfig(step.Config),
		TimeoutSeconds:  step.TimeoutSeconds,
		TimeoutBehavior: step.TimeoutBehavior,
		ContextData:     contextFromConfig(step.Config),
	})
	if err != nil {
		return nil, fmt.Errorf("create approval: %w", err)
	}
	rt.SetApprovalID(ctx, step.ID, a.ID)
	return a, nil
}

// await blocks until the approval resolves. Resolution normally arrives on
// the event bus; a poll ticker covers missed events, and a deadline timer
// forces the expiry sweep in case no sweeper is running.
func (e *HumanExecutor) await(ctx context.Context, rt *Runtime, step *workflow.Step, a *approval.Approval) (string, error) {
	var resolved <-chan events.Event
	if rt.Bus != nil {
		ch, cancel := rt.Bus.Subscribe(rt.State.ThreadID)
		defer cancel()
		resolved = ch
	}

	ticker := time.NewTicker(approvalPollInterval)
	defer ticker.Stop()

	var deadline <-chan time.Time
	if !a.ExpiresAt.IsZero() {
		timer := time.NewTimer(time.Until(a.ExpiresAt))
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		// Re-read first: the approval may already be terminal by the
		// time we subscribed.
		current, err := rt.Approvals.Get(ctx, a.ID)
		if err != nil {
			return "", fmt.Errorf("load approval %s: %w", a.ID, err)
		}
		if current.Status.Terminal() {
			return e.outcome(step, current)
		}

		select {
		case <-ctx.Done():
			return "", ErrSuspended

		case ev, ok := <-resolved:
			if !ok {
				resolved = nil
				continue
			}
			if ev.Payload["approval_id"] != a.ID {
				continue
			}
			// Loop around and re-read the record.

		case <-ticker.C:

		case <-deadline:
			deadline = nil
			if _, err := rt.Approvals.ProcessExpired(ctx); err != nil {
				rt.logger().Warn("Expiry sweep from waiting step failed",
					"approval_id", a.ID,
					"error", err)
			}
		}
	}
}

// outcome maps a terminal approval onto the step result.
func (e *HumanExecutor) outcome(step *workflow.Step, a *approval.Approval) (string, error) {
	switch a.Status {
	case approval.StatusApproved:
		if step.InteractionType == workflow.InteractionInput {
			return a.DecisionComment, nil
		}
		if a.DecisionComment != "" {
			return a.DecisionComment, nil
		}
		return "approved", nil
	case approval.StatusRejected:
		return "", fmt.Errorf("approval rejected by %s: %s", a.ResolvedBy, a.DecisionComment)
	case approval.StatusExpired:
		return "", fmt.Errorf("approval timed out after waiting until %s", a.ExpiresAt.Format(time.RFC3339))
	case approval.StatusCancelled:
		return "", fmt.Errorf("approval cancelled by %s", a.ResolvedBy)
	default:
		return "", fmt.Errorf("approval %s in unexpected status %q", a.ID, a.Status)
	}
}

func riskFromConfig(config map[string]any) approval.RiskLevel {
	if v, ok := config["riskLevel"].(string); ok {
		return approval.RiskLevel(v)
	}
	if v, ok := config["risk_level"].(string); ok {
		return approval.RiskLevel(v)
	}
	return ""
}

func contextFromConfig(config map[string]any) map[string]string {
	raw, ok := config["context"].(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}
