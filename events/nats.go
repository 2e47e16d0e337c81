package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nats-io/nats.go/jetstream"
)

// StreamName is the JetStream stream carrying workflow events.
const StreamName = "STUDIO_EVENTS"

// SubjectPrefix roots every event subject.
const SubjectPrefix = "studio.events"

// Subject builds the NATS subject for an event:
// studio.events.<domain>.<action>.<threadId>. Events without a thread use
// "_" as the final token so subject depth stays uniform for wildcards.
func Subject(ev Event) string {
	typ := strings.ReplaceAll(string(ev.Type), ":", ".")
	thread := ev.ThreadID
	if thread == "" {
		thread = "_"
	}
	return fmt.Sprintf("%s.%s.%s", SubjectPrefix, typ, thread)
}

// Forwarder republishes bus events to JetStream so observers in other
// processes can subscribe. Publish failures are logged and dropped; the
// event channel contract is fire-and-forget.
type Forwarder struct {
	js     jetstream.JetStream
	logger *slog.Logger
}

// NewForwarder ensures the event stream exists and returns a forwarder.
func NewForwarder(ctx context.Context, js jetstream.JetStream, logger *slog.Logger) (*Forwarder, error) {
	if logger == nil {
		logger = slog.Default()
	}

	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     StreamName,
		Subjects: []string{SubjectPrefix + ".>"},
		Storage:  jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("create event stream: %w", err)
	}

	return &Forwarder{js: js, logger: logger}, nil
}

// Run consumes the bus until ctx is cancelled, republishing every event.
func (f *Forwarder) Run(ctx context.Context, bus *Bus) {
	ch, cancel := bus.Subscribe("")
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			f.forward(ctx, ev)
		}
	}
}

func (f *Forwarder) forward(ctx context.Context, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		f.logger.Warn("Failed to marshal event", "event", ev.Type, "error", err)
		return
	}
	if _, err := f.js.Publish(ctx, Subject(ev), data); err != nil {
		f.logger.Warn("Failed to forward event",
			"event", ev.Type,
			"thread_id", ev.ThreadID,
			"error", err)
	}
}
