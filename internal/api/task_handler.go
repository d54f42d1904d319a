package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/opencanvas/genstudio-api/internal/api/shared"
	"github.com/opencanvas/genstudio-api/internal/domain"
	"github.com/opencanvas/genstudio-api/internal/service"
)

// TaskHandler handles task-related HTTP requests
type TaskHandler struct {
	orchestrator *service.Orchestrator
}

// NewTaskHandler creates a new TaskHandler
func NewTaskHandler(orchestrator *service.Orchestrator) *TaskHandler {
	return &TaskHandler{
		orchestrator: orchestrator,
	}
}

// RegisterRoutes mounts the task endpoints on the given router. The router
// must already run the identity middleware.
func (h *TaskHandler) RegisterRoutes(r chi.Router) {
	r.Post("/tasks", h.SubmitTask)
	r.Get("/tasks", h.ListTasks)
	r.Get("/tasks/{id}", h.GetTask)
	r.Post("/tasks/{id}/cancel", h.CancelTask)
	r.Get("/nodes/{nodeID}/task", h.GetActiveForNode)
	r.Post("/nodes/resolve", h.ResolveNodes)
}

// SubmitTask handles POST /tasks requests. Processing is asynchronous, so a
// fresh submission answers 202 Accepted; a replayed idempotency key answers
// 200 with the original task.
func (h *TaskHandler) SubmitTask(w http.ResponseWriter, r *http.Request) {
	userID, ok := getUserIDFromContext(r)
	if !ok {
		shared.RespondWithError(w, r, http.StatusUnauthorized, "Caller identity required")
		return
	}

	var req SubmitTaskRequest
	if err := shared.DecodeJSON(r, &req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid request format")
		return
	}

	if err := shared.ValidateRequest(&req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, SanitizeValidationError(err))
		return
	}

	spec := &domain.JobSpec{
		OwnerID:           userID,
		Kind:              domain.TaskKind(req.Kind),
		ProviderID:        req.ProviderID,
		Prompt:            req.Prompt,
		ReferenceInputs:   req.ReferenceInputs,
		CorrelationNodeID: req.CorrelationNodeID,
		IdempotencyKey:    req.IdempotencyKey,
		Metadata:          req.Metadata,
	}

	result, err := h.orchestrator.Submit(r.Context(), spec)
	if err != nil {
		HandleAPIError(w, r, err, "Failed to submit task")
		return
	}

	status := http.StatusAccepted
	if result.AlreadyExists {
		status = http.StatusOK
	}

	shared.RespondWithJSON(w, r, status, taskToResponse(result.Task))
}

// GetTask handles GET /tasks/{id} requests.
func (h *TaskHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	userID, taskID, ok := requireUserAndTaskID(w, r)
	if !ok {
		return
	}

	t, err := h.orchestrator.GetStatus(r.Context(), userID, taskID)
	if err != nil {
		HandleAPIError(w, r, err, "Failed to get task")
		return
	}

	shared.RespondWithJSON(w, r, http.StatusOK, taskToResponse(t))
}

// ListTasks handles GET /tasks requests. The optional limit query parameter
// caps the page size.
func (h *TaskHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	userID, ok := getUserIDFromContext(r)
	if !ok {
		shared.RespondWithError(w, r, http.StatusUnauthorized, "Caller identity required")
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 200 {
			shared.RespondWithError(w, r, http.StatusBadRequest, "limit must be between 1 and 200")
			return
		}
		limit = parsed
	}

	summaries, err := h.orchestrator.ListTasks(r.Context(), userID, limit)
	if err != nil {
		HandleAPIError(w, r, err, "Failed to list tasks")
		return
	}

	responses := make([]TaskSummaryResponse, 0, len(summaries))
	for _, s := range summaries {
		responses = append(responses, summaryToResponse(s))
	}

	shared.RespondWithJSON(w, r, http.StatusOK, responses)
}

// CancelTask handles POST /tasks/{id}/cancel requests.
func (h *TaskHandler) CancelTask(w http.ResponseWriter, r *http.Request) {
	userID, taskID, ok := requireUserAndTaskID(w, r)
	if !ok {
		return
	}

	t, err := h.orchestrator.Cancel(r.Context(), userID, taskID)
	if err != nil {
		HandleAPIError(w, r, err, "Failed to cancel task")
		return
	}

	shared.RespondWithJSON(w, r, http.StatusOK, taskToResponse(t))
}

// GetActiveForNode handles GET /nodes/{nodeID}/task requests. A node with
// no active task answers 204 No Content rather than 404: the absence of
// work is an ordinary answer, not an error.
func (h *TaskHandler) GetActiveForNode(w http.ResponseWriter, r *http.Request) {
	userID, ok := getUserIDFromContext(r)
	if !ok {
		shared.RespondWithError(w, r, http.StatusUnauthorized, "Caller identity required")
		return
	}

	nodeID := chi.URLParam(r, "nodeID")
	if nodeID == "" {
		shared.RespondWithError(w, r, http.StatusBadRequest, "nodeID is required")
		return
	}

	t, err := h.orchestrator.GetActiveForNode(r.Context(), userID, nodeID)
	if err != nil {
		HandleAPIError(w, r, err, "Failed to resolve node")
		return
	}
	if t == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	shared.RespondWithJSON(w, r, http.StatusOK, taskToResponse(t))
}

// ResolveNodes handles POST /nodes/resolve requests, mapping a batch of
// node ids to their active task ids.
func (h *TaskHandler) ResolveNodes(w http.ResponseWriter, r *http.Request) {
	userID, ok := getUserIDFromContext(r)
	if !ok {
		shared.RespondWithError(w, r, http.StatusUnauthorized, "Caller identity required")
		return
	}

	var req ResolveNodesRequest
	if err := shared.DecodeJSON(r, &req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid request format")
		return
	}

	if err := shared.ValidateRequest(&req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, SanitizeValidationError(err))
		return
	}

	resolved, err := h.orchestrator.ResolveNodes(r.Context(), userID, req.NodeIDs)
	if err != nil {
		HandleAPIError(w, r, err, "Failed to resolve nodes")
		return
	}

	response := ResolveNodesResponse{Nodes: make(map[string]string, len(resolved))}
	for nodeID, taskID := range resolved {
		response.Nodes[nodeID] = taskID.String()
	}

	shared.RespondWithJSON(w, r, http.StatusOK, response)
}
