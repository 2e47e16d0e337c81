package engine

import (
	"context"
	"sync"

	"github.com/studio-ai/studio/workflow"
)

// Executor runs steps of one type. Execute returns the step's output;
// a nil error means success. Returning ErrSuspended leaves the step
// parked, a *BlockedError marks it blocked, any other error fails it.
type Executor interface {
	Type() workflow.StepType
	Execute(ctx context.Context, rt *Runtime, step *workflow.Step) (string, error)
}

// Registry maps step types to executors.
type Registry struct {
	mu        sync.RWMutex
	executors map[workflow.StepType]Executor
}

// NewRegistry creates an empty executor registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[workflow.StepType]Executor)}
}

// Register adds an executor, replacing any prior one for the same type.
func (r *Registry) Register(e Executor) {
	r.mu.Lock()
	r.executors[e.Type()] = e
	r.mu.Unlock()
}

// Get returns the executor for a step type.
func (r *Registry) Get(t workflow.StepType) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[t]
	return e, ok
}

// Types lists the registered step types.
func (r *Registry) Types() []workflow.StepType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]workflow.StepType, 0, len(r.executors))
	for t := range r.executors {
		out = append(out, t)
	}
	return out
}

// DefaultRegistry wires the standard executor set: task, mock, and the
// four control types.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(&TaskExecutor{})
	r.Register(&MockExecutor{})
	r.Register(&ConditionalExecutor{})
	r.Register(&ParallelExecutor{})
	r.Register(&LoopExecutor{})
	r.Register(&HumanExecutor{})
	return r
}
