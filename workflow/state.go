package workflow

import "time"

// StepStatus is the per-step execution status.
type StepStatus string

const (
	StepPending          StepStatus = "pending"
	StepRunning          StepStatus = "running"
	StepSuccess          StepStatus = "success"
	StepBlocked          StepStatus = "blocked"
	StepFailed           StepStatus = "failed"
	StepSkipped          StepStatus = "skipped"
	StepAwaitingApproval StepStatus = "awaiting_approval"
)

// Terminal reports whether the status is final for scheduling purposes.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepSuccess, StepFailed, StepBlocked, StepSkipped:
		return true
	}
	return false
}

// RunStatus is the overall status of a workflow thread.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunPartial   RunStatus = "partial"
	RunFailed    RunStatus = "failed"
	RunAborted   RunStatus = "aborted"
	RunSuspended RunStatus = "suspended"
)

// StatusChange records one step status transition for the audit trail.
type StatusChange struct {
	StepID    string     `json:"stepId"`
	From      StepStatus `json:"from"`
	To        StepStatus `json:"to"`
	Timestamp time.Time  `json:"timestamp"`
}

// State is the durable per-thread checkpoint. It is created by the
// orchestrator on first invoke, mutated only by the thread's executor, and
// persisted after every transition.
type State struct {
	// ThreadID is stable across resumes.
	ThreadID string `json:"threadId"`

	// ProjectID scopes agent resolution and approval listings.
	ProjectID string `json:"projectId,omitempty"`

	// Definition is the immutable snapshot of the workflow steps.
	Definition []Step `json:"definition"`

	// StepOutputs maps step ID to the step's final response text.
	StepOutputs map[string]string `json:"stepOutputs"`

	// StepStatus maps step ID to its current status.
	StepStatus map[string]StepStatus `json:"stepStatus"`

	// StepErrors maps step ID to an error message for failed steps.
	StepErrors map[string]string `json:"stepErrors,omitempty"`

	// SessionIDs maps step ID to the opaque LLM session handle so a
	// resumed thread reuses the prior conversation.
	SessionIDs map[string]string `json:"sessionIds,omitempty"`

	// CurrentIteration tracks loop progress per loop step.
	CurrentIteration map[string]int `json:"currentIteration,omitempty"`

	// ApprovalIDs maps human step IDs to their approval references. The
	// approval records themselves are owned by the approval store.
	ApprovalIDs map[string]string `json:"approvalIds,omitempty"`

	// StatusChanges is the append-only transition audit trail.
	StatusChanges []StatusChange `json:"statusChanges,omitempty"`

	Status        RunStatus `json:"status"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// NewState creates a fresh running state for the given definition.
func NewState(threadID, projectID string, steps []Step) *State {
	now := time.Now().UTC()
	st := &State{
		ThreadID:         threadID,
		ProjectID:        projectID,
		Definition:       steps,
		StepOutputs:      make(map[string]string),
		StepStatus:       make(map[string]StepStatus),
		StepErrors:       make(map[string]string),
		SessionIDs:       make(map[string]string),
		CurrentIteration: make(map[string]int),
		ApprovalIDs:      make(map[string]string),
		Status:           RunRunning,
		LastHeartbeat:    now,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	for _, s := range steps {
		st.StepStatus[s.ID] = StepPending
	}
	return st
}

// Step returns the definition of a step by ID, or nil if absent.
func (st *State) Step(id string) *Step {
	for i := range st.Definition {
		if st.Definition[i].ID == id {
			return &st.Definition[i]
		}
	}
	return nil
}

// SetStepStatus records a transition, appending to the audit trail.
func (st *State) SetStepStatus(stepID string, status StepStatus) {
	from := st.StepStatus[stepID]
	if from == status {
		return
	}
	st.StepStatus[stepID] = status
	st.StatusChanges = append(st.StatusChanges, StatusChange{
		StepID:    stepID,
		From:      from,
		To:        status,
		Timestamp: time.Now().UTC(),
	})
	st.UpdatedAt = time.Now().UTC()
}

// Touch updates the heartbeat timestamp.
func (st *State) Touch() {
	st.LastHeartbeat = time.Now().UTC()
	st.UpdatedAt = st.LastHeartbeat
}

// EnsureMaps initializes nil maps after JSON rehydration. Older checkpoints
// may omit maps that were empty at save time.
func (st *State) EnsureMaps() {
	if st.StepOutputs == nil {
		st.StepOutputs = make(map[string]string)
	}
	if st.StepStatus == nil {
		st.StepStatus = make(map[string]StepStatus)
	}
	if st.StepErrors == nil {
		st.StepErrors = make(map[string]string)
	}
	if st.SessionIDs == nil {
		st.SessionIDs = make(map[string]string)
	}
	if st.CurrentIteration == nil {
		st.CurrentIteration = make(map[string]int)
	}
	if st.ApprovalIDs == nil {
		st.ApprovalIDs = make(map[string]string)
	}
}

// OverallStatus derives the final run status from step statuses: completed
// when every non-skipped step succeeded, failed when nothing succeeded,
// partial when some succeeded and some were blocked or failed.
func (st *State) OverallStatus() RunStatus {
	var succeeded, failed, blocked int
	for _, s := range st.Definition {
		switch st.StepStatus[s.ID] {
		case StepSuccess:
			succeeded++
		case StepFailed:
			failed++
		case StepBlocked:
			blocked++
		}
	}
	switch {
	case failed == 0 && blocked == 0:
		return RunCompleted
	case succeeded == 0:
		return RunFailed
	default:
		return RunPartial
	}
}

// ThreadSummary is the lightweight listing projection of a thread.
type ThreadSummary struct {
	ThreadID     string                `json:"threadId"`
	ProjectID    string                `json:"projectId,omitempty"`
	Status       RunStatus             `json:"status"`
	StepStatuses map[string]StepStatus `json:"stepStatuses"`
	StartedAt    time.Time             `json:"startedAt"`
	LastUpdate   time.Time             `json:"lastUpdate"`
}

// Summary builds the listing projection of the state.
func (st *State) Summary() ThreadSummary {
	statuses := make(map[string]StepStatus, len(st.StepStatus))
	for k, v := range st.StepStatus {
		statuses[k] = v
	}
	return ThreadSummary{
		ThreadID:     st.ThreadID,
		ProjectID:    st.ProjectID,
		Status:       st.Status,
		StepStatuses: statuses,
		StartedAt:    st.CreatedAt,
		LastUpdate:   st.UpdatedAt,
	}
}
