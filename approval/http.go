package approval

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
)

// maxBodySize limits request body size to prevent DoS.
const maxBodySize = 1 << 20 // 1 MB

// HTTPHandler provides the approval REST endpoints.
type HTTPHandler struct {
	orchestrator *Orchestrator
	logger       *slog.Logger
}

// NewHTTPHandler creates the HTTP handler for approvals.
func NewHTTPHandler(orchestrator *Orchestrator, logger *slog.Logger) *HTTPHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPHandler{
		orchestrator: orchestrator,
		logger:       logger,
	}
}

// RegisterHTTPHandlers registers the approval API endpoints.
// The prefix should be "/api/approvals" (without trailing slash).
func (h *HTTPHandler) RegisterHTTPHandlers(prefix string, mux *http.ServeMux) {
	prefix = strings.TrimSuffix(prefix, "/")

	mux.HandleFunc("POST "+prefix, h.handleCreate)
	mux.HandleFunc("GET "+prefix, h.handleList)
	mux.HandleFunc("POST "+prefix+"/process-expired", h.handleProcessExpired)
	mux.HandleFunc("GET "+prefix+"/{id}", h.handleGet)
	mux.HandleFunc("POST "+prefix+"/{id}/decide", h.handleDecide)
	mux.HandleFunc("POST "+prefix+"/{id}/cancel", h.handleCancel)
	mux.HandleFunc("POST "+prefix+"/{id}/assign", h.handleAssign)
}

// handleCreate handles POST /api/approvals.
func (h *HTTPHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)

	var req CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	a, err := h.orchestrator.Create(r.Context(), req)
	if err != nil {
		if r.Context().Err() != nil {
			return
		}
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.writeJSON(w, http.StatusCreated, a)
}

// ListResponse is the response for GET /api/approvals.
type ListResponse struct {
	Approvals []*Approval `json:"approvals"`
	Total     int         `json:"total"`
	Page      int         `json:"page"`
	PageSize  int         `json:"pageSize"`
}

// handleList handles GET /api/approvals with optional query parameters.
// Query parameters:
//   - projectId: filter by project
//   - status: comma-separated status list (default: all)
//   - riskLevel: filter by risk level
//   - search: substring match on prompt and step id
//   - page, pageSize: pagination (defaults 1, 50)
func (h *HTTPHandler) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := ListFilter{
		ProjectID: q.Get("projectId"),
		RiskLevel: RiskLevel(q.Get("riskLevel")),
		Search:    q.Get("search"),
	}
	if filter.RiskLevel != "" && !ValidRiskLevel(filter.RiskLevel) {
		h.writeError(w, http.StatusBadRequest, "invalid riskLevel: must be low, medium, high, or critical")
		return
	}
	if statusParam := q.Get("status"); statusParam != "" {
		for _, s := range strings.Split(statusParam, ",") {
			status := Status(strings.TrimSpace(s))
			switch status {
			case StatusPending, StatusApproved, StatusRejected, StatusExpired, StatusCancelled:
				filter.Statuses = append(filter.Statuses, status)
			default:
				h.writeError(w, http.StatusBadRequest, "invalid status: "+string(status))
				return
			}
		}
	}

	page := Page{Page: 1, PageSize: defaultPageSize}
	if p := q.Get("page"); p != "" {
		parsed, err := strconv.Atoi(p)
		if err != nil || parsed < 1 {
			h.writeError(w, http.StatusBadRequest, "invalid page: must be >= 1")
			return
		}
		page.Page = parsed
	}
	if ps := q.Get("pageSize"); ps != "" {
		parsed, err := strconv.Atoi(ps)
		if err != nil || parsed < 1 || parsed > 1000 {
			h.writeError(w, http.StatusBadRequest, "invalid pageSize: must be 1-1000")
			return
		}
		page.PageSize = parsed
	}

	result, err := h.orchestrator.List(r.Context(), filter, page)
	if err != nil {
		h.logger.Error("Failed to list approvals", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to list approvals")
		return
	}

	approvals := result.Approvals
	if approvals == nil {
		approvals = []*Approval{}
	}
	h.writeJSON(w, http.StatusOK, ListResponse{
		Approvals: approvals,
		Total:     result.Total,
		Page:      result.Page,
		PageSize:  result.PageSize,
	})
}

// handleGet handles GET /api/approvals/{id}. The enriched=true query
// includes requester-supplied context data; the plain view omits it.
func (h *HTTPHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		h.writeError(w, http.StatusBadRequest, "approval ID required")
		return
	}

	a, err := h.orchestrator.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "approval not found")
			return
		}
		h.logger.Error("Failed to get approval", "id", id, "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to get approval")
		return
	}

	if r.URL.Query().Get("enriched") != "true" {
		a.ContextData = nil
	}
	h.writeJSON(w, http.StatusOK, a)
}

// DecideRequest is the request body for POST /api/approvals/{id}/decide.
type DecideRequest struct {
	Decision  string `json:"decision"`
	DecidedBy string `json:"decidedBy,omitempty"`
	Comment   string `json:"comment,omitempty"`
}

// handleDecide handles POST /api/approvals/{id}/decide.
func (h *HTTPHandler) handleDecide(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		h.writeError(w, http.StatusBadRequest, "approval ID required")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)

	var req DecideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	decidedBy := req.DecidedBy
	if decidedBy == "" {
		decidedBy = r.Header.Get("X-User-ID")
	}
	if decidedBy == "" {
		decidedBy = "anonymous"
	}

	a, err := h.orchestrator.Decide(r.Context(), id, Decision{
		Decision:  Status(req.Decision),
		DecidedBy: decidedBy,
		Comment:   req.Comment,
	})
	if err != nil {
		h.writeActionError(w, id, err)
		return
	}

	h.writeJSON(w, http.StatusOK, a)
}

// handleCancel handles POST /api/approvals/{id}/cancel.
func (h *HTTPHandler) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		h.writeError(w, http.StatusBadRequest, "approval ID required")
		return
	}

	by := r.Header.Get("X-User-ID")
	if by == "" {
		by = "anonymous"
	}

	a, err := h.orchestrator.Cancel(r.Context(), id, by)
	if err != nil {
		h.writeActionError(w, id, err)
		return
	}

	h.writeJSON(w, http.StatusOK, a)
}

// AssignRequest is the request body for POST /api/approvals/{id}/assign.
type AssignRequest struct {
	AssignedTo string `json:"assignedTo"`
}

// handleAssign handles POST /api/approvals/{id}/assign.
func (h *HTTPHandler) handleAssign(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		h.writeError(w, http.StatusBadRequest, "approval ID required")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)

	var req AssignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.AssignedTo == "" {
		h.writeError(w, http.StatusBadRequest, "assignedTo is required")
		return
	}

	a, err := h.orchestrator.Assign(r.Context(), id, req.AssignedTo)
	if err != nil {
		h.writeActionError(w, id, err)
		return
	}

	h.writeJSON(w, http.StatusOK, a)
}

// ProcessExpiredResponse is the response for the sweep endpoint.
type ProcessExpiredResponse struct {
	Processed int `json:"processed"`
}

// handleProcessExpired handles POST /api/approvals/process-expired.
// Safe to call repeatedly; approvals already terminal are skipped.
func (h *HTTPHandler) handleProcessExpired(w http.ResponseWriter, r *http.Request) {
	n, err := h.orchestrator.ProcessExpired(r.Context())
	if err != nil {
		h.logger.Error("Failed to process expired approvals", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to process expired approvals")
		return
	}

	h.writeJSON(w, http.StatusOK, ProcessExpiredResponse{Processed: n})
}

// writeActionError maps orchestrator errors for the mutation endpoints.
func (h *HTTPHandler) writeActionError(w http.ResponseWriter, id string, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		h.writeError(w, http.StatusNotFound, "approval not found")
	case errors.Is(err, ErrAlreadyResolved):
		h.writeError(w, http.StatusConflict, err.Error())
	default:
		h.logger.Error("Approval action failed", "id", id, "error", err)
		h.writeError(w, http.StatusBadRequest, err.Error())
	}
}

func (h *HTTPHandler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Warn("Failed to write JSON response", "error", err)
	}
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
