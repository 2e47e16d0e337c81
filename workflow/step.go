// Package workflow defines the core workflow data model: steps, per-thread
// state, validation, template resolution, and the execution graph view.
package workflow

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// StepType identifies how a step is executed.
type StepType string

const (
	StepTypeTask        StepType = "task"
	StepTypeConditional StepType = "conditional"
	StepTypeParallel    StepType = "parallel"
	StepTypeLoop        StepType = "loop"
	StepTypeHuman       StepType = "human"
	StepTypeMock        StepType = "mock"
)

// LoopType identifies the termination rule of a loop step.
type LoopType string

const (
	LoopTypeWhile LoopType = "while"
	LoopTypeFor   LoopType = "for"
	LoopTypeRetry LoopType = "retry"
)

// InteractionType identifies what a human step asks of the approver.
type InteractionType string

const (
	InteractionApproval     InteractionType = "approval"
	InteractionNotification InteractionType = "notification"
	InteractionInput        InteractionType = "input"
)

// TimeoutBehavior controls what happens when a human step times out.
type TimeoutBehavior string

const (
	TimeoutFail        TimeoutBehavior = "fail"
	TimeoutAutoApprove TimeoutBehavior = "auto-approve"
	TimeoutInfinite    TimeoutBehavior = "infinite"
)

// Step is one node in the workflow DAG.
//
// Non-control steps (task, mock) bind to an agent via exactly one of Role or
// AgentID. Control steps (conditional, parallel, loop, human) carry no agent
// binding. Dependencies reference other step IDs and must form a DAG.
type Step struct {
	// ID uniquely identifies the step within the workflow.
	ID string `json:"id"`

	// Type selects the executor. Empty defaults to "task".
	Type StepType `json:"type,omitempty"`

	// Role is the agent role to resolve (e.g. "developer"). Mutually
	// exclusive with AgentID.
	Role string `json:"role,omitempty"`

	// AgentID directly names an agent configuration.
	AgentID string `json:"agentId,omitempty"`

	// Task is the prompt sent to the agent. May contain template
	// variables like {step1.output}.
	Task string `json:"task,omitempty"`

	// Deps lists step IDs that must reach a terminal status before this
	// step becomes ready.
	Deps []string `json:"deps,omitempty"`

	// Condition holds the branch condition for conditional steps. Either
	// a legacy string expression or a structured v2.0 rule tree.
	Condition json.RawMessage `json:"condition,omitempty"`

	// TrueBranch and FalseBranch name the steps activated by a
	// conditional outcome.
	TrueBranch  string `json:"trueBranch,omitempty"`
	FalseBranch string `json:"falseBranch,omitempty"`

	// ParallelSteps lists the child steps a parallel step fans out to.
	ParallelSteps []string `json:"parallelSteps,omitempty"`

	// Loop configuration.
	LoopType      LoopType        `json:"loopType,omitempty"`
	MaxIterations int             `json:"maxIterations,omitempty"`
	LoopCondition json.RawMessage `json:"loopCondition,omitempty"`
	LoopBody      string          `json:"loopBody,omitempty"`

	// Human step configuration.
	Prompt          string          `json:"prompt,omitempty"`
	InteractionType InteractionType `json:"interactionType,omitempty"`
	TimeoutBehavior TimeoutBehavior `json:"timeoutBehavior,omitempty"`
	TimeoutSeconds  int             `json:"timeoutSeconds,omitempty"`

	// Config is an executor-specific free-form bag (e.g. mockDelay,
	// response patterns for the mock executor).
	Config map[string]any `json:"config,omitempty"`
}

// EffectiveType returns the step type, defaulting empty to task.
func (s *Step) EffectiveType() StepType {
	if s.Type == "" {
		return StepTypeTask
	}
	return s.Type
}

// IsControl reports whether the step is a control-flow node that carries no
// agent binding.
func (s *Step) IsControl() bool {
	switch s.EffectiveType() {
	case StepTypeConditional, StepTypeParallel, StepTypeLoop, StepTypeHuman:
		return true
	}
	return false
}

// NewThreadID generates a thread identifier (format: wf-{uuid8}).
func NewThreadID() string {
	return fmt.Sprintf("wf-%s", uuid.New().String()[:8])
}
