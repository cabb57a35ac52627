package handlers

import (
	"context"
	"errors"
	"net/http"

	"workflow-orchestrator/core/executor"
	"workflow-orchestrator/core/models"

	"github.com/bytedance/sonic"
	"github.com/duke-git/lancet/v2/slice"
	"github.com/gorilla/mux"
)

// Executor is the workflow lifecycle the handlers expose
type Executor interface {
	Execute(ctx context.Context, req executor.Request) (string, error)
	Get(id string) (*models.Workflow, error)
	List() []*models.Workflow
	Cancel(id string) error
	Remove(ctx context.Context, id string) error
}

// WorkflowHandler handles workflow-related HTTP requests
type WorkflowHandler struct {
	executor Executor
}

// NewWorkflowHandler creates a new workflow handler
func NewWorkflowHandler(exec Executor) *WorkflowHandler {
	return &WorkflowHandler{executor: exec}
}

// SubmitWorkflowRequest represents the request to run a workflow
type SubmitWorkflowRequest struct {
	ID           string   `json:"workflow_id"`
	Name         string   `json:"workflow_name"`
	WorkflowFile string   `json:"workflow_file"`
	InputImages  []string `json:"input_images"`
	OutputDir    string   `json:"output_dir"`
}

// SubmitWorkflowResponse represents the response after accepting a workflow
type SubmitWorkflowResponse struct {
	ID     string                `json:"workflow_id"`
	Status models.WorkflowStatus `json:"status"`
}

// SubmitWorkflow handles POST /v1/workflows
func (h *WorkflowHandler) SubmitWorkflow(w http.ResponseWriter, r *http.Request) {
	var req SubmitWorkflowRequest
	if err := sonic.ConfigStd.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.WorkflowFile == "" {
		http.Error(w, "workflow_file is required", http.StatusBadRequest)
		return
	}

	id, err := h.executor.Execute(r.Context(), executor.Request{
		ID:           req.ID,
		Name:         req.Name,
		WorkflowFile: req.WorkflowFile,
		InputImages:  req.InputImages,
		OutputDir:    req.OutputDir,
	})
	switch {
	case errors.Is(err, models.ErrValidation):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, models.ErrDuplicateWorkflow):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		http.Error(w, "Failed to start workflow: "+err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusAccepted, SubmitWorkflowResponse{ID: id, Status: models.WorkflowStatusQueued})
}

// GetWorkflow handles GET /v1/workflows/{id}
func (h *WorkflowHandler) GetWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, ok := h.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

// ListWorkflows handles GET /v1/workflows, optionally filtered by ?status=
func (h *WorkflowHandler) ListWorkflows(w http.ResponseWriter, r *http.Request) {
	workflows := h.executor.List()
	if status := r.URL.Query().Get("status"); status != "" {
		workflows = slice.Filter(workflows, func(_ int, wf *models.Workflow) bool {
			return string(wf.Status) == status
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"workflows": workflows,
		"count":     len(workflows),
	})
}

// CancelWorkflow handles POST /v1/workflows/{id}/cancel
func (h *WorkflowHandler) CancelWorkflow(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.executor.Cancel(id); err != nil {
		writeError(w, err)
		return
	}
	wf, err := h.executor.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, SubmitWorkflowResponse{ID: id, Status: wf.Status})
}

// DeleteWorkflow handles DELETE /v1/workflows/{id}
func (h *WorkflowHandler) DeleteWorkflow(w http.ResponseWriter, r *http.Request) {
	if err := h.executor.Remove(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetWorkflowOutputs handles GET /v1/workflows/{id}/outputs
func (h *WorkflowHandler) GetWorkflowOutputs(w http.ResponseWriter, r *http.Request) {
	wf, ok := h.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"workflow_id": wf.ID,
		"output_dir":  wf.OutputDir,
		"outputs":     wf.Outputs,
	})
}

func (h *WorkflowHandler) lookup(w http.ResponseWriter, r *http.Request) (*models.Workflow, bool) {
	wf, err := h.executor.Get(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return nil, false
	}
	return wf, true
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrWorkflowNotFound):
		http.Error(w, "Workflow not found", http.StatusNotFound)
	case errors.Is(err, models.ErrIllegalTransition):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	data, err := sonic.ConfigStd.Marshal(v)
	if err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}
