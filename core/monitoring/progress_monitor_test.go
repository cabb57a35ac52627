package monitoring

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"workflow-orchestrator/core/models"
	"workflow-orchestrator/core/remote"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeStream struct {
	mu     sync.Mutex
	events []remote.Event
	endErr error
	closed chan struct{}
	once   sync.Once
}

func newFakeStream(endErr error, events ...remote.Event) *fakeStream {
	return &fakeStream{events: events, endErr: endErr, closed: make(chan struct{})}
}

func (s *fakeStream) Next() (remote.Event, error) {
	s.mu.Lock()
	if len(s.events) > 0 {
		ev := s.events[0]
		s.events = s.events[1:]
		s.mu.Unlock()
		return ev, nil
	}
	s.mu.Unlock()
	if s.endErr != nil {
		return nil, s.endErr
	}
	<-s.closed
	return nil, errors.New("use of closed connection")
}

func (s *fakeStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeStream) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

type fakeService struct {
	mu           sync.Mutex
	queue        *remote.QueueStatus
	history      *remote.History
	readyAfter   int
	historyCalls int
	stream       *fakeStream
	dialErr      error
	dials        int
}

func (f *fakeService) QueueStatus(context.Context) (*remote.QueueStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.queue == nil {
		return &remote.QueueStatus{}, nil
	}
	return f.queue, nil
}

func (f *fakeService) History(context.Context, string) (*remote.History, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.historyCalls++
	if f.historyCalls <= f.readyAfter {
		return nil, nil
	}
	return f.history, nil
}

func (f *fakeService) Events(context.Context) (remote.EventStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dials++
	if f.dialErr != nil {
		return nil, f.dialErr
	}
	return f.stream, nil
}

type tracked struct {
	mu        sync.Mutex
	w         *models.Workflow
	completed []int
}

func newTracked(nodeIDs ...string) *tracked {
	nodes := make([]models.NodeState, 0, len(nodeIDs))
	for _, id := range nodeIDs {
		nodes = append(nodes, models.NodeState{NodeID: id, NodeType: "Node", Status: models.NodeStatusPending})
	}
	return &tracked{w: models.NewWorkflow("wf-1", "test", nodes)}
}

func (tr *tracked) update(apply func(w *models.Workflow)) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	apply(tr.w)
	tr.completed = append(tr.completed, tr.w.Progress.CompletedNodes)
}

func (tr *tracked) snapshot() *models.Workflow {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.w.Clone()
}

func testConfig() Config {
	return Config{
		PollInterval:       10 * time.Millisecond,
		Timeout:            5 * time.Second,
		PlaceholderPercent: 50,
		RemoteOutputDir:    "/workspace/ComfyUI/output",
	}
}

func oneOutputHistory() *remote.History {
	return &remote.History{
		Completed: true,
		Outputs: []remote.HistoryOutput{
			{NodeID: "3", Kind: "images", File: remote.FileRef{Filename: "result_00001_.png", Type: "output"}},
			{NodeID: "3", Kind: "images", File: remote.FileRef{Filename: "preview.png", Type: "temp"}},
		},
	}
}

func successEvents() []remote.Event {
	return []remote.Event{
		remote.StatusEvent{QueueRemaining: 1},
		remote.ExecutionStartEvent{PromptID: "p-1"},
		remote.NodeStartedEvent{PromptID: "p-1", NodeID: "1"},
		remote.NodeStartedEvent{PromptID: "p-1", NodeID: "2"},
		remote.NodeProgressEvent{PromptID: "p-1", NodeID: "2", Value: 5, Max: 20},
		remote.NodeStartedEvent{PromptID: "p-1", NodeID: "3"},
		remote.NodeFinishedEvent{PromptID: "p-1", NodeID: "3"},
		remote.ExecutionCompleteEvent{PromptID: "p-1"},
	}
}

func assertMonotonic(t *testing.T, values []int) {
	t.Helper()
	for i := 1; i < len(values); i++ {
		require.GreaterOrEqual(t, values[i], values[i-1], "completed_nodes decreased at update %d", i)
	}
}

func TestWatchPollingCompletes(t *testing.T) {
	svc := &fakeService{
		readyAfter: 3,
		history: &remote.History{
			Completed: true,
			Outputs: []remote.HistoryOutput{
				{NodeID: "3", Kind: "images", File: remote.FileRef{Filename: "a.png", Type: "output"}},
				{NodeID: "3", Kind: "images", File: remote.FileRef{Filename: "b.png", Subfolder: "batch", Type: "output"}},
			},
		},
	}
	cfg := testConfig()
	cfg.DisableEvents = true
	tr := newTracked("1", "2", "3")

	err := NewProgressMonitor(svc, cfg, zap.NewNop()).Watch(context.Background(), "p-1", tr.update)
	require.NoError(t, err)

	w := tr.snapshot()
	assert.Equal(t, models.WorkflowStatusExecuting, w.Status)
	assert.Equal(t, 3, w.Progress.CompletedNodes)
	assert.Equal(t, 100.0, w.Progress.ProgressPercent)
	require.Len(t, w.Outputs, 2)
	assert.Equal(t, "/workspace/ComfyUI/output/a.png", w.Outputs[0].RemotePath)
	assert.Equal(t, "/workspace/ComfyUI/output/batch/b.png", w.Outputs[1].RemotePath)
	assert.False(t, w.Outputs[0].Downloaded)
	assert.Equal(t, 4, svc.historyCalls)
	assert.Equal(t, 0, svc.dials)
	assertMonotonic(t, tr.completed)
}

func TestWatchEventsCompletes(t *testing.T) {
	stream := newFakeStream(nil, successEvents()...)
	svc := &fakeService{readyAfter: 1, history: oneOutputHistory(), stream: stream}
	tr := newTracked("1", "2", "3")

	err := NewProgressMonitor(svc, testConfig(), zap.NewNop()).Watch(context.Background(), "p-1", tr.update)
	require.NoError(t, err)

	w := tr.snapshot()
	assert.Equal(t, 3, w.Progress.CompletedNodes)
	assert.Equal(t, 100.0, w.Progress.ProgressPercent)
	for _, n := range w.Nodes {
		assert.Equal(t, models.NodeStatusExecuted, n.Status, "node %s", n.NodeID)
		assert.NotNil(t, n.ExecutionTime, "node %s", n.NodeID)
	}
	require.Len(t, w.Outputs, 1)
	assert.Equal(t, "result_00001_.png", w.Outputs[0].Filename)
	assert.True(t, stream.isClosed())
	assertMonotonic(t, tr.completed)
}

func TestWatchFallbackParity(t *testing.T) {
	run := func(svc *fakeService) *models.Workflow {
		tr := newTracked("1", "2", "3")
		err := NewProgressMonitor(svc, testConfig(), zap.NewNop()).Watch(context.Background(), "p-1", tr.update)
		require.NoError(t, err)
		tr.update(func(w *models.Workflow) { require.NoError(t, w.Complete()) })
		return tr.snapshot()
	}

	viaEvents := run(&fakeService{readyAfter: 1, history: oneOutputHistory(), stream: newFakeStream(nil, successEvents()...)})
	viaPolling := run(&fakeService{readyAfter: 3, history: oneOutputHistory(), dialErr: errors.New("connection refused")})

	assert.Equal(t, viaEvents.Status, viaPolling.Status)
	assert.Equal(t, models.WorkflowStatusCompleted, viaPolling.Status)
	assert.Equal(t, viaEvents.Progress.CompletedNodes, viaPolling.Progress.CompletedNodes)
	assert.Equal(t, viaEvents.Progress.ProgressPercent, viaPolling.Progress.ProgressPercent)
	assert.Equal(t, viaEvents.Outputs, viaPolling.Outputs)
}

func TestWatchStreamFailureSwitchesToPolling(t *testing.T) {
	stream := newFakeStream(errors.New("unexpected EOF"),
		remote.ExecutionStartEvent{PromptID: "p-1"},
		remote.NodeStartedEvent{PromptID: "p-1", NodeID: "1"},
	)
	svc := &fakeService{readyAfter: 4, history: oneOutputHistory(), stream: stream}
	tr := newTracked("1", "2", "3")

	err := NewProgressMonitor(svc, testConfig(), zap.NewNop()).Watch(context.Background(), "p-1", tr.update)
	require.NoError(t, err)

	w := tr.snapshot()
	assert.Equal(t, 3, w.Progress.CompletedNodes)
	assert.Len(t, w.Outputs, 1)
	assert.Equal(t, 1, svc.dials)
	assert.True(t, stream.isClosed())
}

func TestWatchExecutionErrorEvent(t *testing.T) {
	stream := newFakeStream(nil,
		remote.ExecutionStartEvent{PromptID: "p-1"},
		remote.NodeStartedEvent{PromptID: "p-1", NodeID: "1"},
		remote.NodeStartedEvent{PromptID: "p-1", NodeID: "2"},
		remote.ExecutionErrorEvent{PromptID: "p-1", NodeID: "2", NodeType: "KSampler", Message: "CUDA out of memory"},
	)
	svc := &fakeService{readyAfter: 100, stream: stream}
	tr := newTracked("1", "2", "3")

	err := NewProgressMonitor(svc, testConfig(), zap.NewNop()).Watch(context.Background(), "p-1", tr.update)
	var execErr *models.ExecutionError
	require.True(t, errors.As(err, &execErr))
	assert.True(t, IsFinalError(err))

	w := tr.snapshot()
	assert.Equal(t, models.WorkflowStatusFailed, w.Status)
	require.NotNil(t, w.Error)
	assert.Equal(t, "2", w.Error.FailedNode)
	assert.Contains(t, w.Error.Message, "CUDA out of memory")
	assert.Equal(t, models.NodeStatusFailed, w.Node("2").Status)
	assert.Empty(t, w.Outputs)
	assert.True(t, stream.isClosed())
}

func TestWatchPollingHistoryError(t *testing.T) {
	svc := &fakeService{
		readyAfter: 1,
		history: &remote.History{
			StatusStr: "error",
			Error:     &models.ExecutionError{NodeID: "2", NodeType: "VAEDecode", Message: "bad tensor"},
		},
	}
	cfg := testConfig()
	cfg.DisableEvents = true
	tr := newTracked("1", "2", "3")

	err := NewProgressMonitor(svc, cfg, zap.NewNop()).Watch(context.Background(), "p-1", tr.update)
	assert.ErrorIs(t, err, models.ErrExecution)

	w := tr.snapshot()
	assert.Equal(t, models.WorkflowStatusFailed, w.Status)
	assert.Equal(t, "2", w.Error.FailedNode)
}

func TestWatchTimeout(t *testing.T) {
	svc := &fakeService{readyAfter: 1 << 30}
	cfg := testConfig()
	cfg.DisableEvents = true
	cfg.Timeout = 50 * time.Millisecond
	tr := newTracked("1")

	err := NewProgressMonitor(svc, cfg, zap.NewNop()).Watch(context.Background(), "p-1", tr.update)
	assert.ErrorIs(t, err, models.ErrTimeout)
	assert.True(t, IsFinalError(err))

	w := tr.snapshot()
	assert.Equal(t, models.WorkflowStatusFailed, w.Status)
	assert.Contains(t, w.Error.Message, "timed out")
}

func TestWatchCancelled(t *testing.T) {
	stream := newFakeStream(nil, remote.ExecutionStartEvent{PromptID: "p-1"})
	svc := &fakeService{readyAfter: 1 << 30, stream: stream}
	tr := newTracked("1", "2")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()
	err := NewProgressMonitor(svc, testConfig(), zap.NewNop()).Watch(ctx, "p-1", tr.update)
	assert.ErrorIs(t, err, models.ErrCancelled)
	assert.False(t, IsFinalError(err))

	w := tr.snapshot()
	assert.False(t, w.IsTerminal())
	assert.True(t, stream.isClosed())
}

func TestWatchQueuePositionAndPlaceholder(t *testing.T) {
	svc := &fakeService{
		readyAfter: 1 << 30,
		queue: &remote.QueueStatus{
			Running: []remote.QueueEntry{{Number: 1, PromptID: "other"}},
			Pending: []remote.QueueEntry{{Number: 2, PromptID: "ahead"}, {Number: 3, PromptID: "p-1"}},
		},
	}
	cfg := testConfig()
	cfg.DisableEvents = true
	cfg.Timeout = 40 * time.Millisecond
	tr := newTracked()

	_ = NewProgressMonitor(svc, cfg, zap.NewNop()).Watch(context.Background(), "p-1", tr.update)
	w := tr.snapshot()
	require.NotNil(t, w.Progress.QueuePosition)
	assert.Equal(t, 2, *w.Progress.QueuePosition)
	assert.Equal(t, 0.0, w.Progress.ProgressPercent)

	// once running with no node counts, the advisory placeholder shows
	svc.mu.Lock()
	svc.queue = &remote.QueueStatus{Running: []remote.QueueEntry{{Number: 3, PromptID: "p-1"}}}
	svc.mu.Unlock()
	tr = newTracked()
	_ = NewProgressMonitor(svc, cfg, zap.NewNop()).Watch(context.Background(), "p-1", tr.update)
	w = tr.snapshot()
	assert.Equal(t, models.WorkflowStatusFailed, w.Status)
	assert.Equal(t, 50.0, w.Progress.ProgressPercent)
}

func TestWatchNodeProgressAndCache(t *testing.T) {
	stream := newFakeStream(nil,
		remote.ExecutionStartEvent{PromptID: "p-1"},
		remote.NodeCachedEvent{PromptID: "p-1", NodeIDs: []string{"1"}},
		remote.NodeStartedEvent{PromptID: "p-1", NodeID: "2"},
		remote.NodeProgressEvent{PromptID: "p-1", NodeID: "2", Value: 5, Max: 20},
		remote.NodeProgressEvent{PromptID: "other", NodeID: "2", Value: 19, Max: 20},
	)
	svc := &fakeService{readyAfter: 1 << 30, stream: stream}
	tr := newTracked("1", "2", "3")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errs := make(chan error, 1)
	go func() {
		errs <- NewProgressMonitor(svc, testConfig(), zap.NewNop()).Watch(ctx, "p-1", tr.update)
	}()

	assert.Eventually(t, func() bool {
		n := tr.snapshot().Node("2")
		return n.Status == models.NodeStatusExecuting && n.Progress == 25
	}, time.Second, 5*time.Millisecond)

	w := tr.snapshot()
	assert.Equal(t, models.NodeStatusCached, w.Node("1").Status)
	assert.Equal(t, 1, w.Progress.CompletedNodes)
	assert.Equal(t, "2", w.Progress.CurrentNode)
	assert.InDelta(t, 33.33, w.Progress.ProgressPercent, 0.01)

	cancel()
	assert.ErrorIs(t, <-errs, models.ErrCancelled)
}
