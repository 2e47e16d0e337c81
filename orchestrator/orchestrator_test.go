package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/studio-ai/studio/agent"
	"github.com/studio-ai/studio/approval"
	"github.com/studio-ai/studio/events"
	"github.com/studio-ai/studio/monitor"
	"github.com/studio-ai/studio/registry"
	"github.com/studio-ai/studio/storage"
	"github.com/studio-ai/studio/workflow"
)

func newOrchestrator(agents ...agent.Config) (*Orchestrator, *storage.MemoryStore) {
	store := storage.NewMemoryStore()
	bus := events.NewBus(nil)
	reg := registry.New(store, nil)

	o := &Orchestrator{
		Store:          store,
		Registry:       reg,
		Agents:         agent.NewRegistry(agents...),
		Approvals:      approval.NewOrchestrator(approval.NewMemoryStore(), bus, nil, nil),
		Bus:            bus,
		MaxConcurrency: 4,
	}
	o.Monitor = monitor.New(store, reg, o.Resume, monitor.Config{}, nil)
	return o, store
}

func rawSteps(t *testing.T, steps []workflow.Step) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(steps)
	if err != nil {
		t.Fatalf("marshal steps: %v", err)
	}
	return b
}

func TestInvokeRunsWorkflow(t *testing.T) {
	o, store := newOrchestrator()

	resp, err := o.Invoke(context.Background(), InvokeRequest{
		ProjectID: "p1",
		Workflow: rawSteps(t, []workflow.Step{
			{ID: "a", Type: workflow.StepTypeMock, Config: map[string]any{"response": "one"}},
			{ID: "b", Type: workflow.StepTypeMock, Deps: []string{"a"}, Task: "got: {a.output}"},
		}),
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}

	if resp.Status != workflow.RunCompleted {
		t.Errorf("status = %q, want completed", resp.Status)
	}
	if resp.Results["a"] != "one" {
		t.Errorf("result a = %q", resp.Results["a"])
	}
	if resp.Results["b"] != "got: one" {
		t.Errorf("result b = %q, template not resolved", resp.Results["b"])
	}
	if !strings.Contains(resp.Summary, "2/2 steps succeeded") {
		t.Errorf("summary = %q", resp.Summary)
	}

	// The checkpoint outlives the run.
	st, err := store.Load(context.Background(), resp.ThreadID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if st.Status != workflow.RunCompleted {
		t.Errorf("persisted status = %q", st.Status)
	}

	// Run finished, so nothing is live or watched anymore.
	if o.Registry.IsLive(resp.ThreadID) {
		t.Error("thread still live after run")
	}
	if o.Monitor.Watched() != 0 {
		t.Error("thread still watched after run")
	}
}

func TestInvokeAcceptsSingleStepObject(t *testing.T) {
	o, _ := newOrchestrator()

	resp, err := o.Invoke(context.Background(), InvokeRequest{
		Workflow: json.RawMessage(`{"id": "solo", "type": "mock", "config": {"response": "done"}}`),
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if resp.Results["solo"] != "done" {
		t.Errorf("result = %q, want done", resp.Results["solo"])
	}
}

func TestInvokeRejectsInvalidWorkflow(t *testing.T) {
	o, _ := newOrchestrator()

	cases := []struct {
		name     string
		workflow json.RawMessage
	}{
		{"empty", nil},
		{"malformed", json.RawMessage(`42`)},
		{"duplicate ids", rawSteps(t, []workflow.Step{
			{ID: "a", Type: workflow.StepTypeMock},
			{ID: "a", Type: workflow.StepTypeMock},
		})},
		{"cycle", rawSteps(t, []workflow.Step{
			{ID: "a", Type: workflow.StepTypeMock, Deps: []string{"b"}},
			{ID: "b", Type: workflow.StepTypeMock, Deps: []string{"a"}},
		})},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := o.Invoke(context.Background(), InvokeRequest{Workflow: tc.workflow})
			if !errors.Is(err, workflow.ErrValidation) {
				t.Errorf("error = %v, want ErrValidation", err)
			}
		})
	}
}

func TestInvokeRejectsUnknownAgent(t *testing.T) {
	o, _ := newOrchestrator(agent.Config{ID: "dev-1", Role: "developer"})

	_, err := o.Invoke(context.Background(), InvokeRequest{
		Workflow: rawSteps(t, []workflow.Step{
			{ID: "t", Type: workflow.StepTypeTask, Role: "ghost", Task: "do it"},
		}),
	})
	if !errors.Is(err, agent.ErrUnresolved) {
		t.Errorf("error = %v, want ErrUnresolved", err)
	}
}

func TestInvokeResumesExistingThread(t *testing.T) {
	o, store := newOrchestrator()

	// A checkpoint with the first step already done and the second pending.
	st := workflow.NewState(workflow.NewThreadID(), "p1", []workflow.Step{
		{ID: "a", Type: workflow.StepTypeMock, Config: map[string]any{"response": "first"}},
		{ID: "b", Type: workflow.StepTypeMock, Deps: []string{"a"}, Task: "after {a.output}"},
	})
	st.SetStepStatus("a", workflow.StepSuccess)
	st.StepOutputs["a"] = "original output"
	if err := store.Save(context.Background(), st); err != nil {
		t.Fatalf("Save: %v", err)
	}

	resp, err := o.Invoke(context.Background(), InvokeRequest{ThreadID: st.ThreadID})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}

	if resp.ThreadID != st.ThreadID {
		t.Errorf("thread id changed on resume: %s", resp.ThreadID)
	}
	if resp.Status != workflow.RunCompleted {
		t.Errorf("status = %q, want completed", resp.Status)
	}
	// The completed step kept its checkpointed output instead of re-running.
	if resp.Results["a"] != "original output" {
		t.Errorf("result a = %q, step was re-executed", resp.Results["a"])
	}
	if resp.Results["b"] != "after original output" {
		t.Errorf("result b = %q", resp.Results["b"])
	}
}

func TestInvokeCreatesThreadWithCallerID(t *testing.T) {
	o, _ := newOrchestrator()

	resp, err := o.Invoke(context.Background(), InvokeRequest{
		ThreadID: "wf-caller01",
		Workflow: rawSteps(t, []workflow.Step{
			{ID: "a", Type: workflow.StepTypeMock, Config: map[string]any{"response": "x"}},
		}),
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if resp.ThreadID != "wf-caller01" {
		t.Errorf("thread id = %q, want caller-supplied id", resp.ThreadID)
	}
}

func TestResumeUnknownThread(t *testing.T) {
	o, _ := newOrchestrator()

	err := o.Resume(context.Background(), "wf-missing")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestRecoverStalledWatchesRunningThreads(t *testing.T) {
	o, store := newOrchestrator()

	running := workflow.NewState(workflow.NewThreadID(), "p1", []workflow.Step{
		{ID: "a", Type: workflow.StepTypeMock},
	})
	if err := store.Save(context.Background(), running); err != nil {
		t.Fatalf("Save: %v", err)
	}

	finished := workflow.NewState(workflow.NewThreadID(), "p1", []workflow.Step{
		{ID: "a", Type: workflow.StepTypeMock},
	})
	finished.Status = workflow.RunCompleted
	if err := store.Save(context.Background(), finished); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if err := o.RecoverStalled(context.Background()); err != nil {
		t.Fatalf("RecoverStalled: %v", err)
	}
	if o.Monitor.Watched() != 1 {
		t.Errorf("watched = %d, want 1", o.Monitor.Watched())
	}
}
