package routes

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"workflow-orchestrator/core/executor"
	"workflow-orchestrator/core/models"

	"github.com/bytedance/sonic"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeExecutor struct {
	mu        sync.Mutex
	workflows map[string]*models.Workflow
	requests  []executor.Request
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{workflows: map[string]*models.Workflow{}}
}

func (f *fakeExecutor) Execute(_ context.Context, req executor.Request) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if strings.HasSuffix(req.WorkflowFile, ".txt") {
		return "", models.Validationf("unsupported workflow file %s", req.WorkflowFile)
	}
	if w, ok := f.workflows[req.ID]; ok && !w.IsTerminal() {
		return "", fmt.Errorf("%w: %s", models.ErrDuplicateWorkflow, req.ID)
	}
	f.requests = append(f.requests, req)
	f.workflows[req.ID] = models.NewWorkflow(req.ID, req.Name, []models.NodeState{
		{NodeID: "1", NodeType: "LoadImage", Status: models.NodeStatusPending},
	})
	return req.ID, nil
}

func (f *fakeExecutor) Get(id string) (*models.Workflow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.workflows[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrWorkflowNotFound, id)
	}
	return w.Clone(), nil
}

func (f *fakeExecutor) List() []*models.Workflow {
	f.mu.Lock()
	defer f.mu.Unlock()
	var all []*models.Workflow
	for _, w := range f.workflows {
		all = append(all, w.Clone())
	}
	return all
}

func (f *fakeExecutor) Cancel(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.workflows[id]
	if !ok {
		return fmt.Errorf("%w: %s", models.ErrWorkflowNotFound, id)
	}
	if !w.IsTerminal() {
		return w.Cancel()
	}
	return nil
}

func (f *fakeExecutor) Remove(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.workflows[id]
	if !ok {
		return fmt.Errorf("%w: %s", models.ErrWorkflowNotFound, id)
	}
	if !w.IsTerminal() {
		return fmt.Errorf("%w: workflow %s is still %s", models.ErrIllegalTransition, id, w.Status)
	}
	delete(f.workflows, id)
	return nil
}

type staticMetrics string

func (s staticMetrics) GetPrometheusMetrics() string { return string(s) }

func newRouter(exec *fakeExecutor) *mux.Router {
	r := mux.NewRouter()
	SetupRoutes(r, exec, staticMetrics("workflow_jobs{status=\"queued\"} 1\n"))
	return r
}

func do(t *testing.T, r http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestSubmitWorkflow(t *testing.T) {
	exec := newFakeExecutor()
	r := newRouter(exec)

	rec := do(t, r, http.MethodPost, "/v1/workflows",
		`{"workflow_id":"wf-1","workflow_name":"portrait","workflow_file":"/defs/portrait.json","input_images":["/in/face.png"]}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp map[string]string
	require.NoError(t, sonic.ConfigStd.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "wf-1", resp["workflow_id"])
	assert.Equal(t, "queued", resp["status"])

	require.Len(t, exec.requests, 1)
	assert.Equal(t, []string{"/in/face.png"}, exec.requests[0].InputImages)

	rec = do(t, r, http.MethodPost, "/v1/workflows", `{"workflow_id":"wf-1","workflow_file":"/defs/portrait.json"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestSubmitWorkflowRejectsBadInput(t *testing.T) {
	r := newRouter(newFakeExecutor())

	assert.Equal(t, http.StatusBadRequest, do(t, r, http.MethodPost, "/v1/workflows", `{`).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, r, http.MethodPost, "/v1/workflows", `{}`).Code)

	rec := do(t, r, http.MethodPost, "/v1/workflows", `{"workflow_id":"wf-2","workflow_file":"/defs/notes.txt"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "unsupported workflow file")
}

func TestGetAndListWorkflows(t *testing.T) {
	exec := newFakeExecutor()
	r := newRouter(exec)
	do(t, r, http.MethodPost, "/v1/workflows", `{"workflow_id":"wf-1","workflow_file":"/defs/a.json"}`)
	do(t, r, http.MethodPost, "/v1/workflows", `{"workflow_id":"wf-2","workflow_file":"/defs/b.json"}`)
	require.NoError(t, exec.Cancel("wf-2"))

	rec := do(t, r, http.MethodGet, "/v1/workflows/wf-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	got, err := models.UnmarshalSnapshot(rec.Body.Bytes())
	require.NoError(t, err)
	assert.Equal(t, "wf-1", got.ID)
	assert.Equal(t, models.WorkflowStatusQueued, got.Status)
	assert.Equal(t, 1, got.Progress.TotalNodes)

	assert.Equal(t, http.StatusNotFound, do(t, r, http.MethodGet, "/v1/workflows/missing", "").Code)

	var list struct {
		Workflows []map[string]interface{} `json:"workflows"`
		Count     int                      `json:"count"`
	}
	rec = do(t, r, http.MethodGet, "/v1/workflows?status=cancelled", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, sonic.ConfigStd.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, 1, list.Count)
	assert.Equal(t, "wf-2", list.Workflows[0]["workflow_id"])

	rec = do(t, r, http.MethodGet, "/v1/workflows", "")
	require.NoError(t, sonic.ConfigStd.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, 2, list.Count)
}

func TestCancelAndDeleteWorkflow(t *testing.T) {
	exec := newFakeExecutor()
	r := newRouter(exec)
	do(t, r, http.MethodPost, "/v1/workflows", `{"workflow_id":"wf-1","workflow_file":"/defs/a.json"}`)

	assert.Equal(t, http.StatusConflict, do(t, r, http.MethodDelete, "/v1/workflows/wf-1", "").Code)

	rec := do(t, r, http.MethodPost, "/v1/workflows/wf-1/cancel", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"cancelled"`)

	assert.Equal(t, http.StatusNotFound, do(t, r, http.MethodPost, "/v1/workflows/nope/cancel", "").Code)
	assert.Equal(t, http.StatusNoContent, do(t, r, http.MethodDelete, "/v1/workflows/wf-1", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, r, http.MethodDelete, "/v1/workflows/wf-1", "").Code)
}

func TestWorkflowOutputs(t *testing.T) {
	exec := newFakeExecutor()
	r := newRouter(exec)
	do(t, r, http.MethodPost, "/v1/workflows", `{"workflow_id":"wf-1","workflow_file":"/defs/a.json"}`)
	exec.mu.Lock()
	exec.workflows["wf-1"].OutputDir = "/out/wf-1"
	exec.workflows["wf-1"].RecordOutput("result.png", "images", "/remote/result.png")
	exec.mu.Unlock()

	rec := do(t, r, http.MethodGet, "/v1/workflows/wf-1/outputs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"filename":"result.png"`)
	assert.Contains(t, rec.Body.String(), `"output_dir":"/out/wf-1"`)
}

func TestMetricsAndHealth(t *testing.T) {
	r := newRouter(newFakeExecutor())

	rec := do(t, r, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
	assert.Contains(t, rec.Body.String(), `workflow_jobs{status="queued"} 1`)

	rec = do(t, r, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}
