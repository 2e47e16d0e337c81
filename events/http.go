package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// StreamHandler serves the push event channel over SSE.
// Query parameters:
//   - threadId: deliver only events for one thread (optional)
type StreamHandler struct {
	bus    *Bus
	logger *slog.Logger
}

// NewStreamHandler creates the SSE handler.
func NewStreamHandler(bus *Bus, logger *slog.Logger) *StreamHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamHandler{bus: bus, logger: logger}
}

// RegisterHTTPHandlers registers the stream endpoint under prefix
// (e.g. "/api/events").
func (h *StreamHandler) RegisterHTTPHandlers(prefix string, mux *http.ServeMux) {
	mux.HandleFunc("GET "+prefix+"/stream", h.handleStream)
}

func (h *StreamHandler) handleStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, `{"error":"streaming not supported"}`, http.StatusInternalServerError)
		return
	}
	flusher.Flush()

	threadID := r.URL.Query().Get("threadId")
	ch, cancel := h.bus.Subscribe(threadID)
	defer cancel()

	if err := h.sendSSE(w, flusher, 0, "connected", map[string]string{"status": "connected"}); err != nil {
		return
	}

	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	var eventID uint64
	for {
		select {
		case <-ctx.Done():
			return

		case <-heartbeat.C:
			eventID++
			if err := h.sendSSE(w, flusher, eventID, "heartbeat", map[string]any{}); err != nil {
				h.logger.Debug("Client disconnected during heartbeat", "error", err)
				return
			}

		case ev, ok := <-ch:
			if !ok {
				return
			}
			eventID++
			if err := h.sendSSE(w, flusher, eventID, string(ev.Type), ev); err != nil {
				h.logger.Debug("Client disconnected during event", "error", err)
				return
			}
		}
	}
}

func (h *StreamHandler) sendSSE(w http.ResponseWriter, flusher http.Flusher, id uint64, event string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal SSE payload: %w", err)
	}
	if id > 0 {
		if _, err := fmt.Fprintf(w, "id: %d\n", id); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
