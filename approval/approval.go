// Package approval manages human approval requests: creation, resolution,
// assignment, and timeout processing. Approvals gate workflow steps that
// require an external human decision before the thread can continue.
package approval

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/studio-ai/studio/workflow"
)

// ApprovalsBucket is the KV bucket name for storing approvals.
const ApprovalsBucket = "STUDIO_APPROVALS"

// Timeout bounds. Requests outside the bounds are clamped.
const (
	DefaultTimeoutSeconds = 3600
	MinTimeoutSeconds     = 60
	MaxTimeoutSeconds     = 86400
)

// Status is the approval lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status can never change again.
func (s Status) Terminal() bool {
	return s != StatusPending
}

// RiskLevel indicates how consequential the gated action is.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// ValidRiskLevel reports whether r is a known risk level.
func ValidRiskLevel(r RiskLevel) bool {
	switch r {
	case RiskLow, RiskMedium, RiskHigh, RiskCritical:
		return true
	}
	return false
}

// Approval is one pending or resolved human decision.
type Approval struct {
	// ID uniquely identifies this approval (format: appr-{uuid8}).
	ID string `json:"id"`

	// ThreadID is the workflow thread waiting on this decision.
	ThreadID string `json:"threadId"`

	// StepID is the human step that created the approval.
	StepID string `json:"stepId"`

	// ProjectID scopes the approval for listing. Optional.
	ProjectID string `json:"projectId,omitempty"`

	// Prompt is the question shown to the approver.
	Prompt string `json:"prompt"`

	// RiskLevel defaults to medium.
	RiskLevel RiskLevel `json:"riskLevel"`

	// TimeoutBehavior decides what the sweep does when the approval
	// expires: fail the step, auto-approve, or wait forever.
	TimeoutBehavior workflow.TimeoutBehavior `json:"timeoutBehavior"`

	// ContextData is requester-supplied context for enriched views.
	ContextData map[string]string `json:"contextData,omitempty"`

	Status Status `json:"status"`

	RequestedAt time.Time `json:"requestedAt"`

	// ExpiresAt is RequestedAt plus the effective timeout. Zero when
	// TimeoutBehavior is infinite.
	ExpiresAt time.Time `json:"expiresAt,omitempty"`

	// AssignedTo is the approver assigned to this request (optional).
	AssignedTo string `json:"assignedTo,omitempty"`
	AssignedAt time.Time `json:"assignedAt,omitempty"`

	ResolvedBy      string     `json:"resolvedBy,omitempty"`
	ResolvedAt      *time.Time `json:"resolvedAt,omitempty"`
	DecisionComment string     `json:"decisionComment,omitempty"`
}

// CreateRequest carries the fields a caller supplies when opening an
// approval. Zero values take defaults.
type CreateRequest struct {
	ThreadID        string                   `json:"threadId"`
	StepID          string                   `json:"stepId"`
	ProjectID       string                   `json:"projectId,omitempty"`
	Prompt          string                   `json:"prompt"`
	RiskLevel       RiskLevel                `json:"riskLevel,omitempty"`
	TimeoutSeconds  int                      `json:"timeoutSeconds,omitempty"`
	TimeoutBehavior workflow.TimeoutBehavior `json:"timeoutBehavior,omitempty"`
	ContextData     map[string]string        `json:"contextData,omitempty"`
}

// Validate checks required fields.
func (r *CreateRequest) Validate() error {
	if r.ThreadID == "" {
		return fmt.Errorf("threadId is required")
	}
	if r.StepID == "" {
		return fmt.Errorf("stepId is required")
	}
	if r.Prompt == "" {
		return fmt.Errorf("prompt is required")
	}
	if r.RiskLevel != "" && !ValidRiskLevel(r.RiskLevel) {
		return fmt.Errorf("unknown risk level %q", r.RiskLevel)
	}
	return nil
}

// Decision resolves an approval.
type Decision struct {
	// Decision is "approved" or "rejected".
	Decision  Status `json:"decision"`
	DecidedBy string `json:"decidedBy"`
	Comment   string `json:"comment,omitempty"`
}

// Validate checks the decision is one of the two allowed outcomes.
func (d *Decision) Validate() error {
	if d.Decision != StatusApproved && d.Decision != StatusRejected {
		return fmt.Errorf("decision must be %q or %q, got %q", StatusApproved, StatusRejected, d.Decision)
	}
	if d.DecidedBy == "" {
		return fmt.Errorf("decidedBy is required")
	}
	return nil
}

// NewApprovalID generates an approval identifier.
func NewApprovalID() string {
	return fmt.Sprintf("appr-%s", uuid.New().String()[:8])
}

// effectiveTimeout clamps the requested timeout into bounds, applying the
// default when unset.
func effectiveTimeout(seconds int) time.Duration {
	if seconds == 0 {
		seconds = DefaultTimeoutSeconds
	}
	if seconds < MinTimeoutSeconds {
		seconds = MinTimeoutSeconds
	}
	if seconds > MaxTimeoutSeconds {
		seconds = MaxTimeoutSeconds
	}
	return time.Duration(seconds) * time.Second
}
