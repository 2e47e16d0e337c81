// Package events provides the workflow event channel: an in-process
// broadcast bus with optional cross-process fan-out over NATS JetStream and
// an SSE endpoint for external observers.
//
// Delivery is fire-and-forget. A slow subscriber loses events rather than
// blocking the executor; per-thread emission order is preserved for every
// subscriber that keeps up.
package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Type is a typed event name, "domain:action".
type Type string

const (
	WorkflowStarted       Type = "workflow:started"
	WorkflowStepStarted   Type = "workflow:step-started"
	WorkflowStepCompleted Type = "workflow:step-completed"
	WorkflowStepFailed    Type = "workflow:step-failed"
	WorkflowSuspended     Type = "workflow:suspended"
	WorkflowCompleted     Type = "workflow:completed"
	WorkflowAborted       Type = "workflow:aborted"

	ApprovalCreated  Type = "approval:created"
	ApprovalResolved Type = "approval:resolved"
	ApprovalExpired  Type = "approval:expired"

	AgentTokenEmitted Type = "agent:token-emitted"
	AgentToolInvoked  Type = "agent:tool-invoked"
)

// Event is one frame on the channel.
type Event struct {
	Type     Type           `json:"event"`
	ThreadID string         `json:"threadId,omitempty"`
	Payload  map[string]any `json:"payload,omitempty"`
	TS       time.Time      `json:"ts"`
}

// subscriberBuffer is the per-subscriber channel depth. Token streams are
// chatty, so the buffer is generous before drops begin.
const subscriberBuffer = 256

type subscriber struct {
	ch       chan Event
	threadID string // empty subscribes to all threads
}

// Bus is the in-process broadcast hub. The zero value is not usable; use
// NewBus.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]*subscriber
	nextID  int
	logger  *slog.Logger
	dropped atomic.Int64
}

// NewBus creates an event bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:   make(map[int]*subscriber),
		logger: logger,
	}
}

// Publish delivers an event to every matching subscriber. Never blocks: a
// subscriber whose buffer is full misses the event.
func (b *Bus) Publish(ev Event) {
	if ev.TS.IsZero() {
		ev.TS = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.threadID != "" && sub.threadID != ev.ThreadID {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			b.dropped.Add(1)
			b.logger.Debug("Dropping event for slow subscriber",
				"event", ev.Type,
				"thread_id", ev.ThreadID)
		}
	}
}

// Subscribe registers a subscriber. An empty threadID receives events for
// every thread. The returned cancel function must be called to release the
// subscription; after cancel the channel is closed.
func (b *Bus) Subscribe(threadID string) (<-chan Event, func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	sub := &subscriber{
		ch:       make(chan Event, subscriberBuffer),
		threadID: threadID,
	}
	b.subs[id] = sub
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub.ch)
		}
	}
	return sub.ch, cancel
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
