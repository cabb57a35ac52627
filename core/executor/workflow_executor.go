package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"workflow-orchestrator/core/definition"
	"workflow-orchestrator/core/models"
	"workflow-orchestrator/core/monitoring"
	"workflow-orchestrator/core/remote"
	"workflow-orchestrator/core/repository"
	"workflow-orchestrator/core/resource_manager"
	"workflow-orchestrator/storage"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Tunnels hands out live tunnels to the remote service
type Tunnels interface {
	Acquire(ctx context.Context, target resource_manager.Target) (*resource_manager.Tunnel, error)
}

// Service is the remote job service reached through a tunnel
type Service interface {
	monitoring.Service
	Submit(ctx context.Context, prompt []byte) (*remote.Submission, error)
	Interrupt(ctx context.Context) error
	DeleteQueued(ctx context.Context, promptID string) error
}

// ServiceFactory builds a service client for a tunnel endpoint; clientID scopes the event channel
type ServiceFactory func(endpoint, clientID string) Service

// RemoteServiceFactory builds HTTP clients for the remote job service
func RemoteServiceFactory(timeout time.Duration) ServiceFactory {
	return func(endpoint, clientID string) Service {
		return remote.NewClient(endpoint, clientID, timeout)
	}
}

// Config holds executor settings
type Config struct {
	Connection          models.Connection
	ServicePort         int
	RemoteInputDir      string
	RemoteWorkDir       string
	OutputDir           string
	DownloadConcurrency int
	CommandTimeout      time.Duration
	Monitor             monitoring.Config
}

// Request describes one workflow to execute
type Request struct {
	ID           string
	Name         string
	WorkflowFile string
	InputImages  []string
	OutputDir    string
}

// job is the executor's bookkeeping for one workflow
type job struct {
	mu        sync.Mutex
	workflow  *models.Workflow
	def       *definition.Definition
	cancelled atomic.Bool
	cancel    context.CancelFunc
	done      chan struct{}
	removed   bool // snapshot deleted; guarded by mu
}

// WorkflowExecutor runs workflows on the remote host, one worker goroutine per workflow
type WorkflowExecutor struct {
	cfg      Config
	access   RemoteAccess
	tunnels  Tunnels
	services ServiceFactory
	repo     repository.SnapshotRepository
	outputs  *storage.OutputManager
	log      *zap.Logger

	mu   sync.Mutex
	jobs map[string]*job

	ctx    context.Context
	cancel context.CancelFunc
}

// NewWorkflowExecutor creates a new workflow executor
func NewWorkflowExecutor(
	cfg Config,
	access RemoteAccess,
	tunnels Tunnels,
	services ServiceFactory,
	repo repository.SnapshotRepository,
	log *zap.Logger,
) *WorkflowExecutor {
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &WorkflowExecutor{
		cfg:      cfg,
		access:   access,
		tunnels:  tunnels,
		services: services,
		repo:     repo,
		outputs:  storage.NewOutputManager(access, cfg.DownloadConcurrency, log),
		log:      log,
		jobs:     make(map[string]*job),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Execute validates the request, records a QUEUED workflow and starts its worker.
// Validation failures wrap models.ErrValidation and leave no state behind.
func (e *WorkflowExecutor) Execute(ctx context.Context, req Request) (string, error) {
	def, err := definition.ParseFile(req.WorkflowFile)
	if err != nil {
		return "", err
	}
	if def.Len() == 0 {
		return "", models.Validationf("workflow has no nodes")
	}
	if err := definition.ValidateInputs(req.InputImages); err != nil {
		return "", err
	}
	if err := e.resolveImageReferences(ctx, def, req.InputImages); err != nil {
		return "", err
	}

	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	name := req.Name
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(req.WorkflowFile), filepath.Ext(req.WorkflowFile))
	}
	outputDir := req.OutputDir
	if outputDir == "" {
		outputDir = filepath.Join(e.cfg.OutputDir, id)
	}

	w := models.NewWorkflow(id, name, def.NodeStates())
	w.SSHConnection = e.cfg.Connection.String()
	w.WorkflowFile = req.WorkflowFile
	w.InputImages = append(w.InputImages, req.InputImages...)
	w.OutputDir = outputDir

	e.mu.Lock()
	defer e.mu.Unlock()

	if existing, ok := e.jobs[id]; ok {
		existing.mu.Lock()
		running := !existing.workflow.IsTerminal()
		existing.mu.Unlock()
		if running {
			return "", fmt.Errorf("%w: %s", models.ErrDuplicateWorkflow, id)
		}
	}
	if err := e.repo.Put(ctx, w); err != nil {
		return "", fmt.Errorf("failed to persist workflow: %w", err)
	}

	jobCtx, cancel := context.WithCancel(e.ctx)
	j := &job{
		workflow: w,
		def:      def,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	e.jobs[id] = j

	e.log.Info("Workflow queued",
		zap.String("workflow_id", id),
		zap.String("workflow_name", name),
		zap.Int("nodes", def.Len()),
		zap.Int("input_images", len(req.InputImages)))

	go e.run(jobCtx, j)
	return id, nil
}

// resolveImageReferences checks that every image named by a loader node is either
// supplied with the request (by base name or path) or already in the remote input directory
func (e *WorkflowExecutor) resolveImageReferences(ctx context.Context, def *definition.Definition, inputs []string) error {
	supplied := make(map[string]bool, 2*len(inputs))
	for _, p := range inputs {
		supplied[p] = true
		supplied[filepath.Base(p)] = true
	}
	for _, ref := range def.ImageReferences() {
		if supplied[ref] {
			continue
		}
		remotePath := path.Join(e.cfg.RemoteInputDir, ref)
		ok, err := e.access.FileExists(ctx, remotePath)
		if err != nil {
			return models.Validationf("cannot check image %s on the remote host: %v", ref, err)
		}
		if !ok {
			return models.Validationf("image %s is neither supplied nor present at %s", ref, remotePath)
		}
	}
	return nil
}

// run is the worker for one workflow
func (e *WorkflowExecutor) run(ctx context.Context, j *job) {
	id := j.workflow.ID
	log := e.log.With(zap.String("workflow_id", id))

	defer close(j.done)
	defer j.cancel()
	defer func() {
		if r := recover(); r != nil {
			log.Error("Workflow worker panicked", zap.Any("panic", r))
			e.fail(j, fmt.Sprintf("internal error: %v", r), "")
		}
	}()

	if e.stopped(ctx, j) {
		return
	}
	prompt, uploaded, err := e.upload(ctx, j)
	if err != nil {
		e.abort(ctx, j, err)
		return
	}

	if e.stopped(ctx, j) {
		return
	}
	target := resource_manager.Target{
		Host:         e.cfg.Connection.Host,
		Port:         e.cfg.Connection.Port,
		User:         e.cfg.Connection.User,
		IdentityFile: e.cfg.Connection.IdentityFile,
		RemotePort:   e.cfg.ServicePort,
	}
	tunnel, err := e.tunnels.Acquire(ctx, target)
	if err != nil {
		e.abort(ctx, j, err)
		return
	}
	log.Debug("Tunnel ready", zap.String("tunnel", target.Key()), zap.Int("local_port", tunnel.LocalPort))

	if e.stopped(ctx, j) {
		return
	}
	svc := e.services(tunnel.Endpoint(), id)
	sub, err := svc.Submit(ctx, prompt)
	if err != nil {
		e.abort(ctx, j, err)
		return
	}
	e.mutate(j, func(w *models.Workflow) error {
		w.SetPromptID(sub.PromptID)
		w.SetQueuePosition(sub.QueuePosition)
		return nil
	})
	log = log.With(zap.String("prompt_id", sub.PromptID))
	log.Info("Workflow submitted", zap.Int("number", sub.Number))

	if e.stopped(ctx, j) {
		e.cancelRemote(svc, sub.PromptID, log)
		return
	}
	monitor := monitoring.NewProgressMonitor(svc, e.cfg.Monitor, log)
	if err := monitor.Watch(ctx, sub.PromptID, e.updater(j)); err != nil {
		switch {
		case errors.Is(err, models.ErrCancelled):
			e.cancelRemote(svc, sub.PromptID, log)
			e.finishCancelled(j)
		case monitoring.IsFinalError(err):
			log.Warn("Workflow did not finish remotely", zap.Error(err))
			e.cleanup(ctx, j, uploaded)
		default:
			e.abort(ctx, j, err)
		}
		return
	}

	if e.stopped(ctx, j) {
		return
	}
	if err := e.download(ctx, j); err != nil {
		e.abort(ctx, j, err)
		return
	}

	if e.stopped(ctx, j) {
		return
	}
	e.cleanup(ctx, j, uploaded)

	if e.stopped(ctx, j) {
		return
	}
	e.mutate(j, func(w *models.Workflow) error {
		if w.IsTerminal() {
			return nil
		}
		if err := w.Start(); err != nil {
			return err
		}
		return w.Complete()
	})
	log.Info("Workflow completed")
}

// upload sends the input images and the rewritten definition; it returns the prompt body
// and the remote paths written
func (e *WorkflowExecutor) upload(ctx context.Context, j *job) ([]byte, []string, error) {
	id := j.workflow.ID
	var uploaded []string

	renames := make(map[string]string, len(j.workflow.InputImages))
	for _, local := range j.workflow.InputImages {
		base := filepath.Base(local)
		name := id + "_" + base
		remotePath := path.Join(e.cfg.RemoteInputDir, name)
		if err := e.access.UploadFile(ctx, local, remotePath); err != nil {
			return nil, uploaded, fmt.Errorf("%w: failed to upload %s: %v", models.ErrTransfer, local, err)
		}
		uploaded = append(uploaded, remotePath)
		renames[base] = name
		renames[local] = name
	}
	if n := j.def.RewriteImages(renames); n > 0 {
		e.log.Debug("Rewrote image inputs", zap.String("workflow_id", id), zap.Int("count", n))
	}

	prompt, err := j.def.MarshalPrompt()
	if err != nil {
		return nil, uploaded, err
	}

	tmp, err := os.CreateTemp("", "workflow-*.json")
	if err != nil {
		return nil, uploaded, fmt.Errorf("failed to stage workflow: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(prompt); err != nil {
		tmp.Close()
		return nil, uploaded, fmt.Errorf("failed to stage workflow: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, uploaded, fmt.Errorf("failed to stage workflow: %w", err)
	}

	remoteDef := path.Join(e.cfg.RemoteWorkDir, id+"_workflow.json")
	if err := e.access.UploadFile(ctx, tmp.Name(), remoteDef); err != nil {
		return nil, uploaded, fmt.Errorf("%w: failed to upload workflow: %v", models.ErrTransfer, err)
	}
	uploaded = append(uploaded, remoteDef)
	return prompt, uploaded, nil
}

// download fetches every recorded output and persists each downloaded mark
func (e *WorkflowExecutor) download(ctx context.Context, j *job) error {
	j.mu.Lock()
	pending := j.workflow.PendingOutputs()
	dir := j.workflow.OutputDir
	j.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: failed to create output directory: %v", models.ErrTransfer, err)
	}
	return e.outputs.DownloadAll(ctx, pending, dir, func(remotePath, localPath string, size int64) {
		e.mutate(j, func(w *models.Workflow) error {
			w.MarkOutputDownloaded(remotePath, localPath, size)
			return nil
		})
	})
}

// cleanup removes the uploaded files from the remote host; failures are only logged
func (e *WorkflowExecutor) cleanup(ctx context.Context, j *job, remotePaths []string) {
	if len(remotePaths) == 0 {
		return
	}
	quoted := make([]string, len(remotePaths))
	for i, p := range remotePaths {
		quoted[i] = shellQuote(p)
	}
	_, stderr, err := e.access.ExecRemoteCommand(context.WithoutCancel(ctx), "rm -f "+strings.Join(quoted, " "), e.cfg.CommandTimeout)
	if err != nil {
		e.log.Warn("Remote cleanup failed",
			zap.String("workflow_id", j.workflow.ID),
			zap.String("stderr", stderr),
			zap.Error(err))
	}
}

// cancelRemote removes the prompt from the remote queue, or interrupts it when it is running
func (e *WorkflowExecutor) cancelRemote(svc Service, promptID string, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.CommandTimeout)
	defer cancel()

	queue, err := svc.QueueStatus(ctx)
	if err != nil {
		log.Warn("Failed to read remote queue on cancel", zap.Error(err))
		return
	}
	pos, ok := queue.Position(promptID)
	switch {
	case !ok:
		return
	case pos == 0:
		err = svc.Interrupt(ctx)
	default:
		err = svc.DeleteQueued(ctx, promptID)
	}
	if err != nil {
		log.Warn("Failed to cancel remote prompt", zap.Error(err))
	}
}

// stopped reports whether the worker must stop; a cancelled job is moved to CANCELLED
func (e *WorkflowExecutor) stopped(ctx context.Context, j *job) bool {
	if !j.cancelled.Load() && ctx.Err() == nil {
		return false
	}
	e.finishCancelled(j)
	return true
}

// abort fails the workflow unless the error came from a cancellation
func (e *WorkflowExecutor) abort(ctx context.Context, j *job, err error) {
	if j.cancelled.Load() || ctx.Err() != nil {
		e.finishCancelled(j)
		return
	}
	e.log.Error("Workflow failed", zap.String("workflow_id", j.workflow.ID), zap.Error(err))
	e.fail(j, err.Error(), "")
}

func (e *WorkflowExecutor) fail(j *job, message, node string) {
	e.mutate(j, func(w *models.Workflow) error {
		if w.IsTerminal() {
			return nil
		}
		return w.Fail(message, node)
	})
}

func (e *WorkflowExecutor) finishCancelled(j *job) {
	e.mutate(j, func(w *models.Workflow) error {
		if w.IsTerminal() {
			return nil
		}
		return w.Cancel()
	})
	e.log.Info("Workflow cancelled", zap.String("workflow_id", j.workflow.ID))
}

// updater applies monitor mutations under the job lock
func (e *WorkflowExecutor) updater(j *job) monitoring.Updater {
	return func(apply func(w *models.Workflow)) {
		e.mutate(j, func(w *models.Workflow) error {
			apply(w)
			return nil
		})
	}
}

// mutate changes the workflow and persists the result in the same critical section.
// Every change advances last_update, so an unchanged timestamp means nothing to persist.
func (e *WorkflowExecutor) mutate(j *job, fn func(w *models.Workflow) error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	before := j.workflow.Timing.LastUpdate
	if err := fn(j.workflow); err != nil {
		e.log.Warn("Workflow update rejected", zap.String("workflow_id", j.workflow.ID), zap.Error(err))
		return
	}
	if j.removed || !j.workflow.Timing.LastUpdate.After(before) {
		return
	}
	if err := e.repo.Put(context.Background(), j.workflow); err != nil {
		e.log.Error("Failed to persist workflow", zap.String("workflow_id", j.workflow.ID), zap.Error(err))
	}
}

func (e *WorkflowExecutor) lookup(id string) (*job, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	j, ok := e.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrWorkflowNotFound, id)
	}
	return j, nil
}

// Cancel requests cancellation. Terminal workflows are left unchanged.
func (e *WorkflowExecutor) Cancel(id string) error {
	j, err := e.lookup(id)
	if err != nil {
		return err
	}
	j.mu.Lock()
	terminal := j.workflow.IsTerminal()
	j.mu.Unlock()
	if terminal {
		return nil
	}
	j.cancelled.Store(true)
	if j.cancel != nil {
		j.cancel()
	}
	e.log.Info("Workflow cancellation requested", zap.String("workflow_id", id))
	return nil
}

// Get returns a copy of the workflow state
func (e *WorkflowExecutor) Get(id string) (*models.Workflow, error) {
	j, err := e.lookup(id)
	if err != nil {
		return nil, err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.workflow.Clone(), nil
}

// List returns copies of every known workflow, oldest first
func (e *WorkflowExecutor) List() []*models.Workflow {
	e.mu.Lock()
	jobs := make([]*job, 0, len(e.jobs))
	for _, j := range e.jobs {
		jobs = append(jobs, j)
	}
	e.mu.Unlock()

	workflows := make([]*models.Workflow, 0, len(jobs))
	for _, j := range jobs {
		j.mu.Lock()
		workflows = append(workflows, j.workflow.Clone())
		j.mu.Unlock()
	}
	sort.Slice(workflows, func(i, k int) bool {
		if workflows[i].Timing.QueueTime.Equal(workflows[k].Timing.QueueTime) {
			return workflows[i].ID < workflows[k].ID
		}
		return workflows[i].Timing.QueueTime.Before(workflows[k].Timing.QueueTime)
	})
	return workflows
}

// Done returns a channel closed once the workflow's worker has exited
func (e *WorkflowExecutor) Done(id string) (<-chan struct{}, error) {
	j, err := e.lookup(id)
	if err != nil {
		return nil, err
	}
	return j.done, nil
}

// Remove forgets a terminal workflow and deletes its snapshot
func (e *WorkflowExecutor) Remove(ctx context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	j, ok := e.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", models.ErrWorkflowNotFound, id)
	}
	j.mu.Lock()
	status := j.workflow.Status
	j.removed = status.IsTerminal()
	j.mu.Unlock()
	if !status.IsTerminal() {
		return fmt.Errorf("%w: workflow %s is still %s", models.ErrIllegalTransition, id, status)
	}
	if err := e.repo.Delete(ctx, id); err != nil {
		j.mu.Lock()
		j.removed = false
		j.mu.Unlock()
		return err
	}
	delete(e.jobs, id)
	return nil
}

// PurgeExpired removes terminal workflows that ended more than window ago
func (e *WorkflowExecutor) PurgeExpired(ctx context.Context, window time.Duration) int {
	cutoff := time.Now().Add(-window)

	var expired []string
	e.mu.Lock()
	for id, j := range e.jobs {
		j.mu.Lock()
		end := j.workflow.Timing.EndTime
		if j.workflow.IsTerminal() && end != nil && end.Before(cutoff) {
			expired = append(expired, id)
		}
		j.mu.Unlock()
	}
	e.mu.Unlock()

	purged := 0
	for _, id := range expired {
		if err := e.Remove(ctx, id); err != nil {
			e.log.Warn("Failed to purge workflow", zap.String("workflow_id", id), zap.Error(err))
			continue
		}
		purged++
	}
	if purged > 0 {
		e.log.Info("Purged expired workflows", zap.Int("count", purged))
	}
	return purged
}

// Restore loads persisted workflows. Workflows that were still running when the
// process stopped are failed, since their workers are gone.
func (e *WorkflowExecutor) Restore(ctx context.Context) error {
	workflows, err := e.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to restore workflows: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, w := range workflows {
		if _, ok := e.jobs[w.ID]; ok {
			continue
		}
		if !w.IsTerminal() {
			if err := w.Fail("orchestrator restarted before the workflow finished", ""); err != nil {
				return err
			}
			if err := e.repo.Put(ctx, w); err != nil {
				return fmt.Errorf("failed to persist restored workflow: %w", err)
			}
			e.log.Warn("Failed interrupted workflow", zap.String("workflow_id", w.ID))
		}
		done := make(chan struct{})
		close(done)
		e.jobs[w.ID] = &job{workflow: w, done: done}
	}
	e.log.Info("Restored workflows", zap.Int("count", len(workflows)))
	return nil
}

// Shutdown cancels every running worker and waits for them to exit
func (e *WorkflowExecutor) Shutdown(ctx context.Context) error {
	e.cancel()

	e.mu.Lock()
	waiting := make([]chan struct{}, 0, len(e.jobs))
	for _, j := range e.jobs {
		waiting = append(waiting, j.done)
	}
	e.mu.Unlock()

	for _, done := range waiting {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
