package orchestrator

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/studio-ai/studio/agent"
	"github.com/studio-ai/studio/storage"
	"github.com/studio-ai/studio/workflow"
)

// maxBodySize limits request body size to prevent DoS.
const maxBodySize = 1 << 20 // 1 MB

// HTTPHandler provides the workflow REST endpoints.
type HTTPHandler struct {
	orchestrator *Orchestrator
	logger       *slog.Logger
}

// NewHTTPHandler creates the HTTP handler for workflow invocation.
func NewHTTPHandler(orchestrator *Orchestrator, logger *slog.Logger) *HTTPHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPHandler{
		orchestrator: orchestrator,
		logger:       logger,
	}
}

// RegisterHTTPHandlers registers the workflow API endpoints.
// The prefix should be "/api" (without trailing slash).
func (h *HTTPHandler) RegisterHTTPHandlers(prefix string, mux *http.ServeMux) {
	prefix = strings.TrimSuffix(prefix, "/")

	mux.HandleFunc("POST "+prefix+"/invoke", h.handleInvoke)
	// Status is a read, but the documented method is POST; GET works too.
	mux.HandleFunc("POST "+prefix+"/invoke/status/{threadId}", h.handleStatus)
	mux.HandleFunc("GET "+prefix+"/invoke/status/{threadId}", h.handleStatus)
	mux.HandleFunc("GET "+prefix+"/workflow-graph/{threadId}", h.handleGraph)
	mux.HandleFunc("GET "+prefix+"/threads", h.handleListThreads)
	mux.HandleFunc("DELETE "+prefix+"/threads/{threadId}", h.handleDeleteThread)
	mux.HandleFunc("POST "+prefix+"/threads/{threadId}/abort", h.handleAbortThread)
	mux.HandleFunc("POST "+prefix+"/threads/{threadId}/resume", h.handleResumeThread)
}

// handleInvoke handles POST /api/invoke. The run executes synchronously;
// the response carries the final or suspended outcome.
func (h *HTTPHandler) handleInvoke(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)

	var req InvokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	resp, err := h.orchestrator.Invoke(r.Context(), req)
	if err != nil {
		if r.Context().Err() != nil {
			return
		}
		h.writeInvokeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// StatusResponse is the thread status projection.
type StatusResponse struct {
	ThreadID      string                         `json:"threadId"`
	ProjectID     string                         `json:"projectId,omitempty"`
	Status        workflow.RunStatus             `json:"status"`
	Live          bool                           `json:"live"`
	StepStatus    map[string]workflow.StepStatus `json:"stepStatus"`
	Results       map[string]string              `json:"results"`
	StepErrors    map[string]string              `json:"stepErrors,omitempty"`
	ApprovalIDs   map[string]string              `json:"approvalIds,omitempty"`
	LastHeartbeat time.Time                      `json:"lastHeartbeat"`
	CreatedAt     time.Time                      `json:"createdAt"`
	UpdatedAt     time.Time                      `json:"updatedAt"`
}

// handleStatus handles POST (and GET) /api/invoke/status/{threadId}.
func (h *HTTPHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("threadId")

	st, err := h.orchestrator.Store.Load(r.Context(), threadID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "thread not found")
			return
		}
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	live := false
	if h.orchestrator.Registry != nil {
		live = h.orchestrator.Registry.IsLive(threadID)
	}

	h.writeJSON(w, http.StatusOK, &StatusResponse{
		ThreadID:      st.ThreadID,
		ProjectID:     st.ProjectID,
		Status:        st.Status,
		Live:          live,
		StepStatus:    st.StepStatus,
		Results:       st.StepOutputs,
		StepErrors:    st.StepErrors,
		ApprovalIDs:   st.ApprovalIDs,
		LastHeartbeat: st.LastHeartbeat,
		CreatedAt:     st.CreatedAt,
		UpdatedAt:     st.UpdatedAt,
	})
}

// handleGraph handles GET /api/workflow-graph/{threadId}.
func (h *HTTPHandler) handleGraph(w http.ResponseWriter, r *http.Request) {
	if h.orchestrator.Registry == nil {
		h.writeError(w, http.StatusNotFound, "thread registry unavailable")
		return
	}

	view, err := h.orchestrator.Registry.Graph(r.Context(), r.PathValue("threadId"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "thread not found")
			return
		}
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, view)
}

// handleListThreads handles GET /api/threads.
// Query parameters:
//   - projectId: filter by project
//   - status: filter by run status
func (h *HTTPHandler) handleListThreads(w http.ResponseWriter, r *http.Request) {
	if h.orchestrator.Registry == nil {
		h.writeError(w, http.StatusNotFound, "thread registry unavailable")
		return
	}

	filter := storage.ListFilter{ProjectID: r.URL.Query().Get("projectId")}
	if s := r.URL.Query().Get("status"); s != "" {
		filter.Status = workflow.RunStatus(s)
	}

	threads, err := h.orchestrator.Registry.List(r.Context(), filter)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"threads": threads,
		"total":   len(threads),
	})
}

// handleDeleteThread handles DELETE /api/threads/{threadId}.
func (h *HTTPHandler) handleDeleteThread(w http.ResponseWriter, r *http.Request) {
	if h.orchestrator.Registry == nil {
		h.writeError(w, http.StatusNotFound, "thread registry unavailable")
		return
	}

	threadID := r.PathValue("threadId")
	if err := h.orchestrator.Registry.Delete(r.Context(), threadID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "thread not found")
			return
		}
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"threadId": threadID, "status": "deleted"})
}

// handleAbortThread handles POST /api/threads/{threadId}/abort.
func (h *HTTPHandler) handleAbortThread(w http.ResponseWriter, r *http.Request) {
	if h.orchestrator.Registry == nil {
		h.writeError(w, http.StatusNotFound, "thread registry unavailable")
		return
	}

	threadID := r.PathValue("threadId")
	if !h.orchestrator.Registry.Abort(threadID) {
		h.writeError(w, http.StatusConflict, "thread is not running in this process")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"threadId": threadID, "status": "aborting"})
}

// handleResumeThread handles POST /api/threads/{threadId}/resume. Unlike
// invoke this refuses to create a thread, so a typoed id is a 404.
func (h *HTTPHandler) handleResumeThread(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("threadId")

	resp, err := h.orchestrator.Invoke(r.Context(), InvokeRequest{ThreadID: threadID})
	if err != nil {
		if r.Context().Err() != nil {
			return
		}
		h.writeInvokeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// writeInvokeError maps invocation errors to status codes.
func (h *HTTPHandler) writeInvokeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, workflow.ErrValidation):
		h.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, agent.ErrUnresolved):
		h.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, storage.ErrNotFound):
		h.writeError(w, http.StatusNotFound, err.Error())
	default:
		h.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// writeJSON writes a JSON response.
func (h *HTTPHandler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (h *HTTPHandler) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, map[string]string{"error": msg})
}
