package monitoring

import (
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"workflow-orchestrator/core/models"
	"workflow-orchestrator/core/remote"

	"go.uber.org/zap"
)

// Service is the part of the remote job service the monitor reads from
type Service interface {
	QueueStatus(ctx context.Context) (*remote.QueueStatus, error)
	History(ctx context.Context, promptID string) (*remote.History, error)
	Events(ctx context.Context) (remote.EventStream, error)
}

// Updater applies a mutation to the watched workflow. The caller owns locking and persistence.
type Updater func(apply func(w *models.Workflow))

// Config holds monitoring settings
type Config struct {
	PollInterval       time.Duration
	Timeout            time.Duration
	PlaceholderPercent float64
	RemoteOutputDir    string
	DisableEvents      bool
}

// DefaultConfig returns the default monitoring settings
func DefaultConfig() Config {
	return Config{
		PollInterval:       2 * time.Second,
		Timeout:            3600 * time.Second,
		PlaceholderPercent: 50,
	}
}

// ProgressMonitor watches one remote execution, preferring the event channel
// and falling back to polling for good once the channel fails
type ProgressMonitor struct {
	svc Service
	cfg Config
	log *zap.Logger
}

// NewProgressMonitor creates a new progress monitor
func NewProgressMonitor(svc Service, cfg Config, log *zap.Logger) *ProgressMonitor {
	defaults := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaults.PollInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}
	return &ProgressMonitor{svc: svc, cfg: cfg, log: log}
}

// session is the per-watch state
type session struct {
	pm        *ProgressMonitor
	promptID  string
	update    Updater
	log       *zap.Logger
	current   string
	nodeStart map[string]time.Time
}

// Watch blocks until the prompt completes, fails, times out or ctx is cancelled.
// It returns nil once the remote reports completion and the outputs are recorded;
// a remote failure returns *models.ExecutionError after failing the workflow;
// a timeout fails the workflow and returns an error wrapping models.ErrTimeout;
// cancellation returns an error wrapping models.ErrCancelled and leaves the state to the caller.
func (pm *ProgressMonitor) Watch(ctx context.Context, promptID string, update Updater) error {
	s := &session{
		pm:        pm,
		promptID:  promptID,
		update:    update,
		log:       pm.log.With(zap.String("prompt_id", promptID)),
		nodeStart: make(map[string]time.Time),
	}
	timeout := time.NewTimer(pm.cfg.Timeout)
	defer timeout.Stop()

	if !pm.cfg.DisableEvents {
		done, err := s.watchEvents(ctx, timeout.C)
		if done || err != nil {
			return err
		}
	}
	return s.watchPolling(ctx, timeout.C)
}

// errSwitchToPolling hands the rest of the watch to the poll loop
var errSwitchToPolling = errors.New("switch to polling")

type streamItem struct {
	ev  remote.Event
	err error
}

// watchEvents reports done=false with a nil error when the caller should continue by polling
func (s *session) watchEvents(ctx context.Context, timeout <-chan time.Time) (bool, error) {
	stream, err := s.pm.svc.Events(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return true, s.cancelled(ctx)
		}
		s.log.Warn("Event channel unavailable, polling instead", zap.Error(err))
		return false, nil
	}
	defer stream.Close()

	items := make(chan streamItem)
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			ev, err := stream.Next()
			select {
			case items <- streamItem{ev: ev, err: err}:
			case <-stop:
				return
			}
			if err != nil {
				return
			}
		}
	}()

	// the prompt may have finished before the channel was connected
	if done, err := s.pollOnce(ctx); done || err != nil {
		return true, err
	}

	for {
		select {
		case <-ctx.Done():
			return true, s.cancelled(ctx)
		case <-timeout:
			return true, s.timedOut()
		case item := <-items:
			if item.err != nil {
				if ctx.Err() != nil {
					return true, s.cancelled(ctx)
				}
				s.log.Warn("Event channel failed, switching to polling", zap.Error(item.err))
				return false, nil
			}
			done, err := s.handle(ctx, item.ev)
			if errors.Is(err, errSwitchToPolling) {
				return false, nil
			}
			if done || err != nil {
				return true, err
			}
		}
	}
}

func (s *session) watchPolling(ctx context.Context, timeout <-chan time.Time) error {
	ticker := time.NewTicker(s.pm.cfg.PollInterval)
	defer ticker.Stop()

	for {
		done, err := s.pollOnce(ctx)
		if done || err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return s.cancelled(ctx)
		case <-timeout:
			return s.timedOut()
		case <-ticker.C:
		}
	}
}

// handle applies one event; done is true once the prompt finished and outputs were recorded
func (s *session) handle(ctx context.Context, ev remote.Event) (bool, error) {
	switch e := ev.(type) {
	case remote.StatusEvent:
		s.refreshQueuePosition(ctx)
	case remote.ExecutionStartEvent:
		if !s.mine(e.PromptID) {
			return false, nil
		}
		s.update(func(w *models.Workflow) { _ = w.Start() })
	case remote.NodeStartedEvent:
		if !s.mine(e.PromptID) {
			return false, nil
		}
		s.nodeStarted(e.NodeID)
	case remote.NodeProgressEvent:
		if !s.mine(e.PromptID) || e.Max <= 0 {
			return false, nil
		}
		nodeID := e.NodeID
		if nodeID == "" {
			nodeID = s.current
		}
		pct := e.Value / e.Max * 100
		s.update(func(w *models.Workflow) {
			s.setNode(w, nodeID, models.NodeStatusExecuting, models.WithNodeProgress(pct))
		})
	case remote.NodeFinishedEvent:
		if !s.mine(e.PromptID) {
			return false, nil
		}
		s.update(func(w *models.Workflow) {
			s.finishNode(w, e.NodeID)
			w.AdvanceNodeProgress(w.FinishedNodeCount(), "")
		})
	case remote.NodeCachedEvent:
		if !s.mine(e.PromptID) {
			return false, nil
		}
		s.update(func(w *models.Workflow) {
			_ = w.Start()
			for _, id := range e.NodeIDs {
				s.setNode(w, id, models.NodeStatusCached)
			}
			w.AdvanceNodeProgress(w.FinishedNodeCount(), "")
		})
	case remote.ExecutionErrorEvent:
		if !s.mine(e.PromptID) {
			return false, nil
		}
		return true, s.failed(&models.ExecutionError{NodeID: e.NodeID, NodeType: e.NodeType, Message: e.Message})
	case remote.ExecutionCompleteEvent:
		if !s.mine(e.PromptID) {
			return false, nil
		}
		s.update(func(w *models.Workflow) { s.finishNode(w, s.current) })
		hist, err := s.pm.svc.History(ctx, s.promptID)
		if err != nil || hist == nil {
			s.log.Warn("History unavailable after completion event", zap.Error(err))
			return false, errSwitchToPolling
		}
		if hist.Error != nil {
			return true, s.failed(hist.Error)
		}
		s.completed(hist)
		return true, nil
	}
	return false, nil
}

func (s *session) mine(promptID string) bool {
	return promptID == "" || promptID == s.promptID
}

// nodeStarted treats the start of a node as the end of the one before it
func (s *session) nodeStarted(nodeID string) {
	prev := s.current
	s.current = nodeID
	s.nodeStart[nodeID] = time.Now()
	s.update(func(w *models.Workflow) {
		_ = w.Start()
		if prev != "" && prev != nodeID {
			s.finishNode(w, prev)
		}
		s.setNode(w, nodeID, models.NodeStatusExecuting)
		w.AdvanceNodeProgress(w.FinishedNodeCount(), nodeID)
	})
}

func (s *session) finishNode(w *models.Workflow, nodeID string) {
	if nodeID == "" {
		return
	}
	if n := w.Node(nodeID); n != nil && n.Status.IsFinished() {
		return
	}
	var updates []models.NodeUpdate
	if started, ok := s.nodeStart[nodeID]; ok {
		updates = append(updates, models.WithExecutionTime(time.Since(started)))
	}
	s.setNode(w, nodeID, models.NodeStatusExecuted, updates...)
}

func (s *session) setNode(w *models.Workflow, nodeID string, status models.NodeStatus, updates ...models.NodeUpdate) {
	if err := w.SetNodeStatus(nodeID, status, updates...); err != nil {
		s.log.Debug("Node update ignored",
			zap.String("node_id", nodeID),
			zap.String("status", string(status)),
			zap.Error(err))
	}
}

func (s *session) refreshQueuePosition(ctx context.Context) {
	queue, err := s.pm.svc.QueueStatus(ctx)
	if err != nil {
		s.log.Debug("Queue status unavailable", zap.Error(err))
		return
	}
	s.applyQueue(queue)
}

func (s *session) applyQueue(queue *remote.QueueStatus) {
	pos, ok := queue.Position(s.promptID)
	if !ok {
		return
	}
	s.update(func(w *models.Workflow) {
		if pos == 0 {
			_ = w.Start()
			return
		}
		if w.Status == models.WorkflowStatusQueued {
			w.SetQueuePosition(&pos)
		}
	})
}

// pollOnce reads the queue and the history once
func (s *session) pollOnce(ctx context.Context) (bool, error) {
	if queue, err := s.pm.svc.QueueStatus(ctx); err != nil {
		if ctx.Err() == nil {
			s.log.Warn("Failed to read queue", zap.Error(err))
		}
	} else {
		s.applyQueue(queue)
	}

	hist, err := s.pm.svc.History(ctx, s.promptID)
	if err != nil {
		if ctx.Err() == nil {
			s.log.Warn("Failed to read history", zap.Error(err))
		}
		return false, nil
	}
	if hist == nil {
		s.update(func(w *models.Workflow) {
			if w.Status == models.WorkflowStatusExecuting {
				w.ShowAdvisoryProgress(s.pm.cfg.PlaceholderPercent)
			}
		})
		return false, nil
	}
	if hist.Error != nil {
		return true, s.failed(hist.Error)
	}
	if !hist.Done() {
		return false, nil
	}
	s.completed(hist)
	return true, nil
}

// completed records the outputs and closes out node progress
func (s *session) completed(hist *remote.History) {
	s.update(func(w *models.Workflow) {
		_ = w.Start()
		for _, out := range hist.Outputs {
			if out.File.Type == "temp" {
				continue
			}
			remotePath := path.Join(s.pm.cfg.RemoteOutputDir, out.File.Subfolder, out.File.Filename)
			w.RecordOutput(out.File.Filename, out.Kind, remotePath)
		}
		w.FinishOpenNodes()
		w.AdvanceNodeProgress(w.Progress.TotalNodes, "")
	})
	s.log.Info("Remote execution completed", zap.Int("outputs", len(hist.Outputs)))
}

func (s *session) failed(execErr *models.ExecutionError) error {
	s.update(func(w *models.Workflow) {
		_ = w.Fail(execErr.Error(), execErr.NodeID)
	})
	s.log.Warn("Remote execution failed",
		zap.String("node_id", execErr.NodeID),
		zap.String("error", execErr.Message))
	return execErr
}

func (s *session) timedOut() error {
	msg := fmt.Sprintf("monitoring timed out after %s", s.pm.cfg.Timeout)
	s.update(func(w *models.Workflow) { _ = w.Fail(msg, "") })
	s.log.Warn("Monitoring timed out", zap.Duration("timeout", s.pm.cfg.Timeout))
	return fmt.Errorf("%w: %s", models.ErrTimeout, msg)
}

func (s *session) cancelled(ctx context.Context) error {
	return fmt.Errorf("%w: %w", models.ErrCancelled, ctx.Err())
}

// IsFinalError reports whether err already moved the workflow to a terminal state
func IsFinalError(err error) bool {
	var execErr *models.ExecutionError
	return errors.As(err, &execErr) || errors.Is(err, models.ErrTimeout)
}
