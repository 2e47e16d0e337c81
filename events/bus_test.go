package events

import (
	"testing"
	"time"
)

func TestBusPublishSubscribe(t *testing.T) {
	bus := NewBus(nil)

	ch, cancel := bus.Subscribe("wf-1")
	defer cancel()

	bus.Publish(Event{Type: WorkflowStarted, ThreadID: "wf-1"})
	bus.Publish(Event{Type: WorkflowStarted, ThreadID: "wf-other"})

	select {
	case ev := <-ch:
		if ev.ThreadID != "wf-1" {
			t.Errorf("got event for thread %q", ev.ThreadID)
		}
		if ev.TS.IsZero() {
			t.Error("timestamp not stamped")
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}

	// The other thread's event must not arrive.
	select {
	case ev := <-ch:
		t.Errorf("unexpected event: %+v", ev)
	default:
	}
}

func TestBusAllThreadsSubscription(t *testing.T) {
	bus := NewBus(nil)

	ch, cancel := bus.Subscribe("")
	defer cancel()

	bus.Publish(Event{Type: WorkflowStarted, ThreadID: "wf-1"})
	bus.Publish(Event{Type: WorkflowCompleted, ThreadID: "wf-2"})
	bus.Publish(Event{Type: ApprovalCreated})

	for i := 0; i < 3; i++ {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatalf("event %d not delivered", i)
		}
	}
}

func TestBusDropsWhenSubscriberFull(t *testing.T) {
	bus := NewBus(nil)

	_, cancel := bus.Subscribe("wf-1")
	defer cancel()

	// Fill the buffer without draining, then overflow it.
	for i := 0; i < subscriberBuffer+10; i++ {
		bus.Publish(Event{Type: AgentTokenEmitted, ThreadID: "wf-1"})
	}

	if got := bus.dropped.Load(); got != 10 {
		t.Errorf("dropped = %d, want 10", got)
	}
}

func TestBusCancelClosesChannel(t *testing.T) {
	bus := NewBus(nil)

	ch, cancel := bus.Subscribe("wf-1")
	if bus.SubscriberCount() != 1 {
		t.Fatalf("subscribers = %d", bus.SubscriberCount())
	}

	cancel()
	cancel() // idempotent

	if bus.SubscriberCount() != 0 {
		t.Errorf("subscribers after cancel = %d", bus.SubscriberCount())
	}
	if _, open := <-ch; open {
		t.Error("channel not closed after cancel")
	}

	// Publishing after cancel must not panic.
	bus.Publish(Event{Type: WorkflowStarted, ThreadID: "wf-1"})
}

func TestSubject(t *testing.T) {
	cases := []struct {
		ev   Event
		want string
	}{
		{Event{Type: WorkflowStepCompleted, ThreadID: "wf-1"}, "studio.events.workflow.step-completed.wf-1"},
		{Event{Type: ApprovalCreated, ThreadID: "wf-2"}, "studio.events.approval.created.wf-2"},
		{Event{Type: AgentTokenEmitted}, "studio.events.agent.token-emitted._"},
	}
	for _, c := range cases {
		if got := Subject(c.ev); got != c.want {
			t.Errorf("Subject(%s) = %q, want %q", c.ev.Type, got, c.want)
		}
	}
}
