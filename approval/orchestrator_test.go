package approval

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/studio-ai/studio/events"
	"github.com/studio-ai/studio/workflow"
)

func newTestOrchestrator() (*Orchestrator, *MemoryStore) {
	store := NewMemoryStore()
	return NewOrchestrator(store, nil, nil, nil), store
}

func TestCreateDefaults(t *testing.T) {
	o, _ := newTestOrchestrator()

	a, err := o.Create(context.Background(), CreateRequest{
		ThreadID: "wf-1",
		StepID:   "deploy",
		Prompt:   "Deploy to production?",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if a.Status != StatusPending {
		t.Errorf("status = %q, want pending", a.Status)
	}
	if a.RiskLevel != RiskMedium {
		t.Errorf("risk level = %q, want medium", a.RiskLevel)
	}
	if a.TimeoutBehavior != workflow.TimeoutFail {
		t.Errorf("timeout behavior = %q, want fail", a.TimeoutBehavior)
	}
	wantExpiry := a.RequestedAt.Add(DefaultTimeoutSeconds * time.Second)
	if !a.ExpiresAt.Equal(wantExpiry) {
		t.Errorf("expires at = %v, want %v", a.ExpiresAt, wantExpiry)
	}
}

func TestCreateTimeoutBounds(t *testing.T) {
	tests := []struct {
		name        string
		seconds     int
		wantSeconds int
	}{
		{"default", 0, 3600},
		{"below minimum clamped", 10, 60},
		{"above maximum clamped", 200000, 86400},
		{"in range kept", 300, 300},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o, _ := newTestOrchestrator()
			a, err := o.Create(context.Background(), CreateRequest{
				ThreadID:       "wf-1",
				StepID:         "s1",
				Prompt:         "ok?",
				TimeoutSeconds: tt.seconds,
			})
			if err != nil {
				t.Fatalf("Create: %v", err)
			}
			got := a.ExpiresAt.Sub(a.RequestedAt)
			if got != time.Duration(tt.wantSeconds)*time.Second {
				t.Errorf("timeout = %v, want %ds", got, tt.wantSeconds)
			}
		})
	}
}

func TestCreateInfiniteHasNoExpiry(t *testing.T) {
	o, _ := newTestOrchestrator()
	a, err := o.Create(context.Background(), CreateRequest{
		ThreadID:        "wf-1",
		StepID:          "s1",
		Prompt:          "ok?",
		TimeoutBehavior: workflow.TimeoutInfinite,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !a.ExpiresAt.IsZero() {
		t.Errorf("infinite approval should have zero expiry, got %v", a.ExpiresAt)
	}
}

func TestCreateValidation(t *testing.T) {
	o, _ := newTestOrchestrator()

	_, err := o.Create(context.Background(), CreateRequest{StepID: "s1", Prompt: "ok?"})
	if err == nil {
		t.Error("expected error for missing thread_id")
	}

	_, err = o.Create(context.Background(), CreateRequest{
		ThreadID: "wf-1", StepID: "s1", Prompt: "ok?", RiskLevel: "extreme",
	})
	if err == nil {
		t.Error("expected error for unknown risk level")
	}
}

func TestDecideOnceOnly(t *testing.T) {
	o, _ := newTestOrchestrator()
	a, err := o.Create(context.Background(), CreateRequest{
		ThreadID: "wf-1", StepID: "s1", Prompt: "ok?",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	resolved, err := o.Decide(context.Background(), a.ID, Decision{
		Decision: StatusApproved, DecidedBy: "alice", Comment: "looks good",
	})
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if resolved.Status != StatusApproved || resolved.ResolvedBy != "alice" {
		t.Errorf("resolved = %+v", resolved)
	}
	if resolved.ResolvedAt == nil {
		t.Error("resolved_at not set")
	}

	_, err = o.Decide(context.Background(), a.ID, Decision{
		Decision: StatusRejected, DecidedBy: "bob",
	})
	if !errors.Is(err, ErrAlreadyResolved) {
		t.Errorf("second decide error = %v, want ErrAlreadyResolved", err)
	}

	// First decision persisted
	got, err := o.Get(context.Background(), a.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusApproved {
		t.Errorf("status = %q, want approved", got.Status)
	}
}

func TestDecideConcurrentSingleWinner(t *testing.T) {
	o, _ := newTestOrchestrator()
	a, err := o.Create(context.Background(), CreateRequest{
		ThreadID: "wf-1", StepID: "s1", Prompt: "ok?",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = o.Decide(context.Background(), a.ID, Decision{
				Decision: StatusApproved, DecidedBy: "racer",
			})
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
		} else if !errors.Is(err, ErrAlreadyResolved) {
			t.Errorf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Errorf("winners = %d, want exactly 1", wins)
	}
}

func TestDecideRejectsInvalidDecision(t *testing.T) {
	o, _ := newTestOrchestrator()
	_, err := o.Decide(context.Background(), "appr-x", Decision{
		Decision: StatusExpired, DecidedBy: "alice",
	})
	if err == nil {
		t.Error("expected error for non approve/reject decision")
	}
}

func TestCancel(t *testing.T) {
	o, _ := newTestOrchestrator()
	a, _ := o.Create(context.Background(), CreateRequest{
		ThreadID: "wf-1", StepID: "s1", Prompt: "ok?",
	})

	cancelled, err := o.Cancel(context.Background(), a.ID, "alice")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if cancelled.Status != StatusCancelled {
		t.Errorf("status = %q, want cancelled", cancelled.Status)
	}

	if _, err := o.Cancel(context.Background(), a.ID, "bob"); !errors.Is(err, ErrAlreadyResolved) {
		t.Errorf("second cancel error = %v, want ErrAlreadyResolved", err)
	}
}

func TestAssign(t *testing.T) {
	o, _ := newTestOrchestrator()
	a, _ := o.Create(context.Background(), CreateRequest{
		ThreadID: "wf-1", StepID: "s1", Prompt: "ok?",
	})

	assigned, err := o.Assign(context.Background(), a.ID, "team/security")
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if assigned.AssignedTo != "team/security" {
		t.Errorf("assigned_to = %q", assigned.AssignedTo)
	}
	if assigned.Status != StatusPending {
		t.Errorf("assignment changed status to %q", assigned.Status)
	}
}

func TestListFilterAndPagination(t *testing.T) {
	o, _ := newTestOrchestrator()
	ctx := context.Background()

	mk := func(project string, risk RiskLevel, prompt string) *Approval {
		a, err := o.Create(ctx, CreateRequest{
			ThreadID: "wf-1", StepID: "s1", ProjectID: project,
			Prompt: prompt, RiskLevel: risk,
		})
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		return a
	}

	mk("p1", RiskLow, "deploy service a")
	mk("p1", RiskHigh, "delete database")
	mk("p2", RiskHigh, "rotate keys")
	resolved := mk("p1", RiskLow, "archived request")
	if _, err := o.Decide(ctx, resolved.ID, Decision{Decision: StatusRejected, DecidedBy: "x"}); err != nil {
		t.Fatalf("Decide: %v", err)
	}

	t.Run("by project", func(t *testing.T) {
		res, err := o.List(ctx, ListFilter{ProjectID: "p1"}, Page{})
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if res.Total != 3 {
			t.Errorf("total = %d, want 3", res.Total)
		}
	})

	t.Run("by status", func(t *testing.T) {
		res, err := o.List(ctx, ListFilter{Statuses: []Status{StatusRejected}}, Page{})
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if res.Total != 1 {
			t.Errorf("total = %d, want 1", res.Total)
		}
	})

	t.Run("by risk and search", func(t *testing.T) {
		res, err := o.List(ctx, ListFilter{RiskLevel: RiskHigh, Search: "database"}, Page{})
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if res.Total != 1 {
			t.Errorf("total = %d, want 1", res.Total)
		}
	})

	t.Run("pagination", func(t *testing.T) {
		res, err := o.List(ctx, ListFilter{}, Page{Page: 2, PageSize: 3})
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if res.Total != 4 {
			t.Errorf("total = %d, want 4", res.Total)
		}
		if len(res.Approvals) != 1 {
			t.Errorf("page 2 size = %d, want 1", len(res.Approvals))
		}
	})
}

func TestProcessExpired(t *testing.T) {
	o, _ := newTestOrchestrator()
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	o.now = func() time.Time { return base }

	failOnTimeout, _ := o.Create(ctx, CreateRequest{
		ThreadID: "wf-1", StepID: "a", Prompt: "ok?",
		TimeoutSeconds: 60, TimeoutBehavior: workflow.TimeoutFail,
	})
	autoApprove, _ := o.Create(ctx, CreateRequest{
		ThreadID: "wf-1", StepID: "b", Prompt: "ok?",
		TimeoutSeconds: 60, TimeoutBehavior: workflow.TimeoutAutoApprove,
	})
	waitForever, _ := o.Create(ctx, CreateRequest{
		ThreadID: "wf-1", StepID: "c", Prompt: "ok?",
		TimeoutBehavior: workflow.TimeoutInfinite,
	})
	notYetDue, _ := o.Create(ctx, CreateRequest{
		ThreadID: "wf-1", StepID: "d", Prompt: "ok?",
		TimeoutSeconds: 3600,
	})

	// Advance past the 60s deadlines but not the 1h one.
	o.now = func() time.Time { return base.Add(2 * time.Minute) }

	n, err := o.ProcessExpired(ctx)
	if err != nil {
		t.Fatalf("ProcessExpired: %v", err)
	}
	if n != 2 {
		t.Errorf("processed = %d, want 2", n)
	}

	check := func(id string, want Status, wantBy string) {
		t.Helper()
		a, err := o.Get(ctx, id)
		if err != nil {
			t.Fatalf("Get %s: %v", id, err)
		}
		if a.Status != want {
			t.Errorf("%s status = %q, want %q", id, a.Status, want)
		}
		if wantBy != "" && a.ResolvedBy != wantBy {
			t.Errorf("%s resolved_by = %q, want %q", id, a.ResolvedBy, wantBy)
		}
	}
	check(failOnTimeout.ID, StatusExpired, "")
	check(autoApprove.ID, StatusApproved, SystemTimeoutActor)
	check(waitForever.ID, StatusPending, "")
	check(notYetDue.ID, StatusPending, "")

	// Sweep again: nothing new to do.
	n, err = o.ProcessExpired(ctx)
	if err != nil {
		t.Fatalf("second ProcessExpired: %v", err)
	}
	if n != 0 {
		t.Errorf("second sweep processed = %d, want 0", n)
	}
}

func TestEventsEmitted(t *testing.T) {
	bus := events.NewBus(nil)
	o := NewOrchestrator(NewMemoryStore(), bus, nil, nil)

	ch, cancel := bus.Subscribe("wf-1")
	defer cancel()

	a, err := o.Create(context.Background(), CreateRequest{
		ThreadID: "wf-1", StepID: "s1", Prompt: "ok?",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := o.Decide(context.Background(), a.ID, Decision{Decision: StatusApproved, DecidedBy: "alice"}); err != nil {
		t.Fatalf("Decide: %v", err)
	}

	expect := func(want events.Type) {
		t.Helper()
		select {
		case ev := <-ch:
			if ev.Type != want {
				t.Errorf("event = %q, want %q", ev.Type, want)
			}
			if ev.Payload["approval_id"] != a.ID {
				t.Errorf("payload approval_id = %v, want %s", ev.Payload["approval_id"], a.ID)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %q", want)
		}
	}
	expect(events.ApprovalCreated)
	expect(events.ApprovalResolved)
}

type recordingNotifier struct {
	mu   sync.Mutex
	seen []string
	fail bool
}

func (n *recordingNotifier) Notify(_ context.Context, a *Approval) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.seen = append(n.seen, a.ID)
	if n.fail {
		return errors.New("channel down")
	}
	return nil
}

func TestNotifierBestEffort(t *testing.T) {
	notifier := &recordingNotifier{fail: true}
	o := NewOrchestrator(NewMemoryStore(), nil, notifier, nil)

	// Notification failure must not fail the create.
	a, err := o.Create(context.Background(), CreateRequest{
		ThreadID: "wf-1", StepID: "s1", Prompt: "ok?",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if len(notifier.seen) != 1 || notifier.seen[0] != a.ID {
		t.Errorf("notifier calls = %v", notifier.seen)
	}
}
