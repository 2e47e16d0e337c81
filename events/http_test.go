package events

import (
	"bufio"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestStreamHandlerDeliversEvents(t *testing.T) {
	bus := NewBus(nil)
	mux := http.NewServeMux()
	NewStreamHandler(bus, nil).RegisterHTTPHandlers("/api/events", mux)

	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/events/stream?threadId=wf-1")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	readEvent := func() (string, string) {
		t.Helper()
		var event, data string
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				t.Fatalf("read stream: %v", err)
			}
			line = strings.TrimRight(line, "\n")
			switch {
			case strings.HasPrefix(line, "event: "):
				event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				data = strings.TrimPrefix(line, "data: ")
			case line == "" && event != "":
				return event, data
			}
		}
	}

	if event, _ := readEvent(); event != "connected" {
		t.Fatalf("first frame = %q, want connected", event)
	}

	// Wait for the subscription before publishing.
	deadline := time.Now().Add(time.Second)
	for bus.SubscriberCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	bus.Publish(Event{Type: WorkflowStepCompleted, ThreadID: "wf-1", Payload: map[string]any{"step": "a"}})

	event, data := readEvent()
	if event != string(WorkflowStepCompleted) {
		t.Errorf("event = %q", event)
	}
	if !strings.Contains(data, `"threadId":"wf-1"`) {
		t.Errorf("data = %q", data)
	}
}

func TestStreamHandlerReleasesSubscription(t *testing.T) {
	bus := NewBus(nil)
	mux := http.NewServeMux()
	NewStreamHandler(bus, nil).RegisterHTTPHandlers("/api/events", mux)

	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/events/stream")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	resp.Body.Close()

	deadline := time.Now().Add(2 * time.Second)
	for bus.SubscriberCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if n := bus.SubscriberCount(); n != 0 {
		t.Errorf("subscribers after disconnect = %d", n)
	}
}
