package workflow

import (
	"errors"
	"fmt"
)

// ErrValidation marks request-boundary validation failures. Callers map it
// to HTTP 400 and never retry.
var ErrValidation = errors.New("workflow validation failed")

// ValidateSteps checks the structural invariants of a workflow definition:
// unique IDs, acyclic dependencies, existing branch and parallel targets,
// and exactly one agent binding on non-control steps.
func ValidateSteps(steps []Step) error {
	if len(steps) == 0 {
		return fmt.Errorf("%w: workflow has no steps", ErrValidation)
	}

	byID := make(map[string]*Step, len(steps))
	for i := range steps {
		s := &steps[i]
		if s.ID == "" {
			return fmt.Errorf("%w: step %d has no id", ErrValidation, i)
		}
		if _, dup := byID[s.ID]; dup {
			return fmt.Errorf("%w: duplicate step id %q", ErrValidation, s.ID)
		}
		byID[s.ID] = s
	}

	for i := range steps {
		if err := validateStep(&steps[i], byID); err != nil {
			return err
		}
	}

	if cycle := findCycle(steps, byID); len(cycle) > 0 {
		return fmt.Errorf("%w: dependency cycle involving %v", ErrValidation, cycle)
	}
	return nil
}

func validateStep(s *Step, byID map[string]*Step) error {
	for _, dep := range s.Deps {
		if _, ok := byID[dep]; !ok {
			return fmt.Errorf("%w: step %q depends on unknown step %q", ErrValidation, s.ID, dep)
		}
		if dep == s.ID {
			return fmt.Errorf("%w: step %q depends on itself", ErrValidation, s.ID)
		}
	}

	switch s.EffectiveType() {
	case StepTypeTask:
		if err := validateAgentBinding(s); err != nil {
			return err
		}
	case StepTypeMock:
		// Mock steps may run without an agent binding, but never with two.
		if s.Role != "" && s.AgentID != "" {
			return fmt.Errorf("%w: step %q sets both role and agentId", ErrValidation, s.ID)
		}
	case StepTypeConditional:
		if err := validateControl(s); err != nil {
			return err
		}
		if len(s.Condition) == 0 {
			return fmt.Errorf("%w: conditional step %q has no condition", ErrValidation, s.ID)
		}
		if s.TrueBranch == "" && s.FalseBranch == "" {
			return fmt.Errorf("%w: conditional step %q has no branches", ErrValidation, s.ID)
		}
		for _, branch := range []string{s.TrueBranch, s.FalseBranch} {
			if branch == "" {
				continue
			}
			if _, ok := byID[branch]; !ok {
				return fmt.Errorf("%w: conditional step %q references unknown branch %q", ErrValidation, s.ID, branch)
			}
		}
	case StepTypeParallel:
		if err := validateControl(s); err != nil {
			return err
		}
		if len(s.ParallelSteps) == 0 {
			return fmt.Errorf("%w: parallel step %q references no steps", ErrValidation, s.ID)
		}
		for _, child := range s.ParallelSteps {
			if _, ok := byID[child]; !ok {
				return fmt.Errorf("%w: parallel step %q references unknown step %q", ErrValidation, s.ID, child)
			}
		}
	case StepTypeLoop:
		if err := validateControl(s); err != nil {
			return err
		}
		switch s.LoopType {
		case LoopTypeWhile, LoopTypeFor, LoopTypeRetry:
		case "":
			return fmt.Errorf("%w: loop step %q has no loopType", ErrValidation, s.ID)
		default:
			return fmt.Errorf("%w: loop step %q has unknown loopType %q", ErrValidation, s.ID, s.LoopType)
		}
		if s.MaxIterations < 1 {
			return fmt.Errorf("%w: loop step %q requires maxIterations >= 1", ErrValidation, s.ID)
		}
		if s.LoopBody == "" {
			return fmt.Errorf("%w: loop step %q has no loopBody", ErrValidation, s.ID)
		}
		if _, ok := byID[s.LoopBody]; !ok {
			return fmt.Errorf("%w: loop step %q references unknown body step %q", ErrValidation, s.ID, s.LoopBody)
		}
		if s.LoopType == LoopTypeWhile && len(s.LoopCondition) == 0 {
			return fmt.Errorf("%w: while loop %q has no loopCondition", ErrValidation, s.ID)
		}
	case StepTypeHuman:
		if err := validateControl(s); err != nil {
			return err
		}
		if s.Prompt == "" {
			return fmt.Errorf("%w: human step %q has no prompt", ErrValidation, s.ID)
		}
		switch s.TimeoutBehavior {
		case "", TimeoutFail, TimeoutAutoApprove, TimeoutInfinite:
		default:
			return fmt.Errorf("%w: human step %q has unknown timeoutBehavior %q", ErrValidation, s.ID, s.TimeoutBehavior)
		}
	default:
		return fmt.Errorf("%w: step %q has unknown type %q", ErrValidation, s.ID, s.Type)
	}
	return nil
}

func validateAgentBinding(s *Step) error {
	if s.Role == "" && s.AgentID == "" {
		return fmt.Errorf("%w: step %q needs role or agentId", ErrValidation, s.ID)
	}
	if s.Role != "" && s.AgentID != "" {
		return fmt.Errorf("%w: step %q sets both role and agentId", ErrValidation, s.ID)
	}
	return nil
}

func validateControl(s *Step) error {
	if s.Role != "" || s.AgentID != "" {
		return fmt.Errorf("%w: control step %q must not bind an agent", ErrValidation, s.ID)
	}
	return nil
}

// findCycle runs Kahn's algorithm over the dependency edges and returns the
// IDs left unprocessed when a cycle exists. Branch, parallel, and loop-body
// references are activation edges, not dependency edges, so they do not
// participate.
func findCycle(steps []Step, byID map[string]*Step) []string {
	indegree := make(map[string]int, len(steps))
	dependents := make(map[string][]string, len(steps))
	for _, s := range steps {
		indegree[s.ID] += 0
		for _, dep := range s.Deps {
			indegree[s.ID]++
			dependents[dep] = append(dependents[dep], s.ID)
		}
	}

	var queue []string
	for _, s := range steps {
		if indegree[s.ID] == 0 {
			queue = append(queue, s.ID)
		}
	}

	processed := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		processed++
		for _, dep := range dependents[id] {
			indegree[dep]--
			if indegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if processed == len(steps) {
		return nil
	}
	var cycle []string
	for id, deg := range indegree {
		if deg > 0 {
			cycle = append(cycle, id)
		}
	}
	return cycle
}

// TransitiveDependents returns every step that transitively depends on root,
// following dependency edges plus conditional branch and parallel child
// activation edges.
func TransitiveDependents(steps []Step, root string) map[string]bool {
	forward := make(map[string][]string, len(steps))
	for _, s := range steps {
		for _, dep := range s.Deps {
			forward[dep] = append(forward[dep], s.ID)
		}
	}

	seen := make(map[string]bool)
	stack := []string{root}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, next := range forward[id] {
			if !seen[next] {
				seen[next] = true
				stack = append(stack, next)
			}
		}
	}
	return seen
}
