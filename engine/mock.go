package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/studio-ai/studio/workflow"
)

// MockExecutor returns scripted responses without touching an LLM. Used in
// tests and for dry-running workflow definitions.
//
// Config keys:
//   - response: output text (template-resolved)
//   - responses: map of task-substring to output; first match wins
//   - responses_by_attempt: list of outputs indexed by execution count,
//     sticking on the last entry
//   - mockDelay: artificial latency in milliseconds (delay_ms also accepted)
//   - error: fail with this message
//   - succeed_on_attempt: fail until the Nth execution of this step
type MockExecutor struct{}

// Type implements Executor.
func (e *MockExecutor) Type() workflow.StepType {
	return workflow.StepTypeMock
}

// Execute implements Executor.
func (e *MockExecutor) Execute(ctx context.Context, rt *Runtime, step *workflow.Step) (string, error) {
	attempt := rt.Attempt(step.ID)

	delay, ok := configInt(step.Config, "mockDelay")
	if !ok {
		delay, ok = configInt(step.Config, "delay_ms")
	}
	if ok && delay > 0 {
		select {
		case <-time.After(time.Duration(delay) * time.Millisecond):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	if n, ok := configInt(step.Config, "succeed_on_attempt"); ok && attempt < n {
		return "", fmt.Errorf("mock failure on attempt %d", attempt)
	}

	if msg, ok := step.Config["error"].(string); ok && msg != "" {
		return "", fmt.Errorf("%s", msg)
	}

	task := rt.Resolve(step.Task)

	if seq, ok := step.Config["responses_by_attempt"].([]any); ok && len(seq) > 0 {
		idx := attempt - 1
		if idx >= len(seq) {
			idx = len(seq) - 1
		}
		if text, ok := seq[idx].(string); ok {
			return rt.Resolve(text), nil
		}
	}

	if responses, ok := step.Config["responses"].(map[string]any); ok {
		for needle, response := range responses {
			if strings.Contains(task, needle) {
				if text, ok := response.(string); ok {
					return rt.Resolve(text), nil
				}
			}
		}
	}

	if response, ok := step.Config["response"].(string); ok {
		return rt.Resolve(response), nil
	}
	return task, nil
}

// configInt reads a numeric config value. JSON decoding delivers numbers
// as float64.
func configInt(config map[string]any, key string) (int, bool) {
	switch v := config[key].(type) {
	case int:
		return v, true
	case float64:
		return int(v), true
	}
	return 0, false
}
