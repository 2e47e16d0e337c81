package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/studio-ai/studio/events"
	"github.com/studio-ai/studio/workflow"
)

// ErrAlreadyResolved is returned when a decision targets an approval that
// has already reached a terminal status. The first decision wins.
var ErrAlreadyResolved = errors.New("approval already resolved")

// SystemTimeoutActor is recorded as the resolver when the expiry sweep
// auto-approves an approval.
const SystemTimeoutActor = "system:timeout"

// Notifier delivers approval notifications to an external channel.
// Delivery is best-effort; failures are logged and never block.
type Notifier interface {
	Notify(ctx context.Context, a *Approval) error
}

// Orchestrator owns the approval lifecycle. All status transitions go
// through it; the store only sees whole documents.
type Orchestrator struct {
	store    Store
	bus      *events.Bus
	notifier Notifier
	logger   *slog.Logger

	// now is swappable for tests.
	now func() time.Time

	// locks serializes transitions per approval id. Two concurrent
	// decisions for the same id never interleave; the second sees the
	// first one's terminal status.
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewOrchestrator creates the approval orchestrator. bus and notifier may
// be nil.
func NewOrchestrator(store Store, bus *events.Bus, notifier Notifier, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:    store,
		bus:      bus,
		notifier: notifier,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		locks:    make(map[string]*sync.Mutex),
	}
}

func (o *Orchestrator) lockFor(id string) *sync.Mutex {
	o.locksMu.Lock()
	defer o.locksMu.Unlock()
	mu, ok := o.locks[id]
	if !ok {
		mu = &sync.Mutex{}
		o.locks[id] = mu
	}
	return mu
}

// Create opens a new approval in pending status and emits approval:created.
func (o *Orchestrator) Create(ctx context.Context, req CreateRequest) (*Approval, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	risk := req.RiskLevel
	if risk == "" {
		risk = RiskMedium
	}
	behavior := req.TimeoutBehavior
	if behavior == "" {
		behavior = workflow.TimeoutFail
	}

	now := o.now()
	a := &Approval{
		ID:              NewApprovalID(),
		ThreadID:        req.ThreadID,
		StepID:          req.StepID,
		ProjectID:       req.ProjectID,
		Prompt:          req.Prompt,
		RiskLevel:       risk,
		TimeoutBehavior: behavior,
		ContextData:     req.ContextData,
		Status:          StatusPending,
		RequestedAt:     now,
	}
	if behavior != workflow.TimeoutInfinite {
		a.ExpiresAt = now.Add(effectiveTimeout(req.TimeoutSeconds))
	}

	if err := o.store.Save(ctx, a); err != nil {
		return nil, fmt.Errorf("save approval: %w", err)
	}

	o.emit(events.ApprovalCreated, a)
	o.notify(ctx, a)

	o.logger.Info("Approval created",
		"approval_id", a.ID,
		"thread_id", a.ThreadID,
		"step_id", a.StepID,
		"risk_level", a.RiskLevel)
	return a, nil
}

// Decide resolves a pending approval as approved or rejected. A terminal
// approval returns ErrAlreadyResolved.
func (o *Orchestrator) Decide(ctx context.Context, id string, d Decision) (*Approval, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}

	mu := o.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	a, err := o.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrAlreadyResolved, id, a.Status)
	}

	now := o.now()
	a.Status = d.Decision
	a.ResolvedBy = d.DecidedBy
	a.ResolvedAt = &now
	a.DecisionComment = d.Comment

	if err := o.store.Save(ctx, a); err != nil {
		return nil, fmt.Errorf("save approval: %w", err)
	}

	o.emit(events.ApprovalResolved, a)

	o.logger.Info("Approval resolved",
		"approval_id", a.ID,
		"decision", a.Status,
		"decided_by", a.ResolvedBy)
	return a, nil
}

// Cancel withdraws a pending approval, typically because the waiting
// thread was aborted or the request is obsolete.
func (o *Orchestrator) Cancel(ctx context.Context, id, by string) (*Approval, error) {
	mu := o.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	a, err := o.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrAlreadyResolved, id, a.Status)
	}

	now := o.now()
	a.Status = StatusCancelled
	a.ResolvedBy = by
	a.ResolvedAt = &now

	if err := o.store.Save(ctx, a); err != nil {
		return nil, fmt.Errorf("save approval: %w", err)
	}

	o.emit(events.ApprovalResolved, a)

	o.logger.Info("Approval cancelled", "approval_id", a.ID, "by", by)
	return a, nil
}

// Assign records who is expected to decide. Assignment does not change
// status and may be repeated.
func (o *Orchestrator) Assign(ctx context.Context, id, assignee string) (*Approval, error) {
	if assignee == "" {
		return nil, fmt.Errorf("assignee is required")
	}

	mu := o.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	a, err := o.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrAlreadyResolved, id, a.Status)
	}

	a.AssignedTo = assignee
	a.AssignedAt = o.now()

	if err := o.store.Save(ctx, a); err != nil {
		return nil, fmt.Errorf("save approval: %w", err)
	}

	o.notify(ctx, a)
	return a, nil
}

// Get retrieves one approval.
func (o *Orchestrator) Get(ctx context.Context, id string) (*Approval, error) {
	return o.store.Get(ctx, id)
}

// ListFilter narrows a listing. Zero values match everything.
type ListFilter struct {
	ProjectID string
	Statuses  []Status
	RiskLevel RiskLevel
	// Search matches case-insensitively against prompt and step id.
	Search string
}

// Page selects one page of results. Page numbers start at 1.
type Page struct {
	Page     int
	PageSize int
}

// ListResult is one page of approvals plus the total match count.
type ListResult struct {
	Approvals []*Approval `json:"approvals"`
	Total     int         `json:"total"`
	Page      int         `json:"page"`
	PageSize  int         `json:"pageSize"`
}

const defaultPageSize = 50

// List returns approvals matching the filter, newest first.
func (o *Orchestrator) List(ctx context.Context, filter ListFilter, page Page) (*ListResult, error) {
	all, err := o.store.List(ctx)
	if err != nil {
		return nil, err
	}

	var matched []*Approval
	for _, a := range all {
		if !filter.matches(a) {
			continue
		}
		matched = append(matched, a)
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].RequestedAt.After(matched[j].RequestedAt)
	})

	if page.Page < 1 {
		page.Page = 1
	}
	if page.PageSize < 1 {
		page.PageSize = defaultPageSize
	}

	total := len(matched)
	start := (page.Page - 1) * page.PageSize
	if start > total {
		start = total
	}
	end := start + page.PageSize
	if end > total {
		end = total
	}

	return &ListResult{
		Approvals: matched[start:end],
		Total:     total,
		Page:      page.Page,
		PageSize:  page.PageSize,
	}, nil
}

func (f *ListFilter) matches(a *Approval) bool {
	if f.ProjectID != "" && a.ProjectID != f.ProjectID {
		return false
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if a.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.RiskLevel != "" && a.RiskLevel != f.RiskLevel {
		return false
	}
	if f.Search != "" {
		needle := strings.ToLower(f.Search)
		if !strings.Contains(strings.ToLower(a.Prompt), needle) &&
			!strings.Contains(strings.ToLower(a.StepID), needle) {
			return false
		}
	}
	return true
}

// ProcessExpired sweeps pending approvals past their deadline. Behavior
// per approval: fail marks it expired, auto-approve resolves it approved
// on behalf of the system, infinite is never swept. The sweep is
// idempotent; approvals already terminal are skipped. Returns the number
// of approvals transitioned.
func (o *Orchestrator) ProcessExpired(ctx context.Context) (int, error) {
	all, err := o.store.List(ctx)
	if err != nil {
		return 0, err
	}

	now := o.now()
	processed := 0
	for _, listed := range all {
		if listed.Status != StatusPending {
			continue
		}
		if listed.TimeoutBehavior == workflow.TimeoutInfinite {
			continue
		}
		if listed.ExpiresAt.IsZero() || now.Before(listed.ExpiresAt) {
			continue
		}

		if err := o.expireOne(ctx, listed.ID); err != nil {
			if errors.Is(err, ErrAlreadyResolved) || errors.Is(err, ErrNotFound) {
				continue
			}
			o.logger.Warn("Failed to expire approval", "approval_id", listed.ID, "error", err)
			continue
		}
		processed++
	}
	return processed, nil
}

// expireOne re-reads under the per-approval lock so a decision racing the
// sweep wins cleanly.
func (o *Orchestrator) expireOne(ctx context.Context, id string) error {
	mu := o.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	a, err := o.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if a.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrAlreadyResolved, id, a.Status)
	}

	now := o.now()
	switch a.TimeoutBehavior {
	case workflow.TimeoutAutoApprove:
		a.Status = StatusApproved
		a.ResolvedBy = SystemTimeoutActor
		a.ResolvedAt = &now
		a.DecisionComment = "auto-approved on timeout"
	default:
		a.Status = StatusExpired
		a.ResolvedAt = &now
	}

	if err := o.store.Save(ctx, a); err != nil {
		return fmt.Errorf("save approval: %w", err)
	}

	if a.Status == StatusApproved {
		o.emit(events.ApprovalResolved, a)
	} else {
		o.emit(events.ApprovalExpired, a)
	}

	o.logger.Info("Approval expired",
		"approval_id", a.ID,
		"timeout_behavior", a.TimeoutBehavior,
		"status", a.Status)
	return nil
}

func (o *Orchestrator) emit(typ events.Type, a *Approval) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(events.Event{
		Type:     typ,
		ThreadID: a.ThreadID,
		Payload: map[string]any{
			"approval_id": a.ID,
			"step_id":     a.StepID,
			"status":      string(a.Status),
			"risk_level":  string(a.RiskLevel),
			"resolved_by": a.ResolvedBy,
		},
	})
}

func (o *Orchestrator) notify(ctx context.Context, a *Approval) {
	if o.notifier == nil {
		return
	}
	if err := o.notifier.Notify(ctx, a); err != nil {
		o.logger.Warn("Approval notification failed", "approval_id", a.ID, "error", err)
	}
}
