package models

import (
	"fmt"
	"time"

	"github.com/duke-git/lancet/v2/slice"
)

// WorkflowStatus represents the lifecycle status of a workflow
type WorkflowStatus string

const (
	WorkflowStatusQueued    WorkflowStatus = "queued"
	WorkflowStatusExecuting WorkflowStatus = "executing"
	WorkflowStatusCompleted WorkflowStatus = "completed"
	WorkflowStatusFailed    WorkflowStatus = "failed"
	WorkflowStatusCancelled WorkflowStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are allowed
func (s WorkflowStatus) IsTerminal() bool {
	return s == WorkflowStatusCompleted || s == WorkflowStatusFailed || s == WorkflowStatusCancelled
}

// NodeStatus represents the status of a single node in the graph
type NodeStatus string

const (
	NodeStatusPending   NodeStatus = "pending"
	NodeStatusExecuting NodeStatus = "executing"
	NodeStatusExecuted  NodeStatus = "executed"
	NodeStatusCached    NodeStatus = "cached"
	NodeStatusFailed    NodeStatus = "failed"
)

func (s NodeStatus) rank() int {
	switch s {
	case NodeStatusPending:
		return 0
	case NodeStatusExecuting:
		return 1
	case NodeStatusExecuted, NodeStatusCached, NodeStatusFailed:
		return 2
	}
	return -1
}

// IsFinished reports whether the node produced (or reused) its result
func (s NodeStatus) IsFinished() bool {
	return s == NodeStatusExecuted || s == NodeStatusCached
}

// Workflow is the state of one remote execution request.
// Field names and JSON tags define the persisted snapshot format.
type Workflow struct {
	ID            string         `json:"workflow_id"`
	Name          string         `json:"workflow_name"`
	PromptID      string         `json:"prompt_id"`
	SSHConnection string         `json:"ssh_connection"`
	WorkflowFile  string         `json:"workflow_file"`
	Status        WorkflowStatus `json:"status"`
	Progress      Progress       `json:"progress"`
	Nodes         []NodeState    `json:"nodes"`
	Timing        Timing         `json:"timing"`
	Outputs       []OutputFile   `json:"outputs"`
	Error         *ErrorInfo     `json:"error"`
	InputImages   []string       `json:"input_images"`
	OutputDir     string         `json:"output_dir"`
}

// Progress holds queue and node-count progress
type Progress struct {
	QueuePosition   *int    `json:"queue_position"`
	CurrentNode     string  `json:"current_node"`
	TotalNodes      int     `json:"total_nodes"`
	CompletedNodes  int     `json:"completed_nodes"`
	ProgressPercent float64 `json:"progress_percent"`
}

// NodeState is the status of one node of the graph
type NodeState struct {
	NodeID        string     `json:"node_id"`
	NodeType      string     `json:"node_type"`
	Status        NodeStatus `json:"status"`
	Progress      float64    `json:"progress"`
	Message       string     `json:"message"`
	Error         string     `json:"error"`
	ExecutionTime *float64   `json:"execution_time"` // seconds
}

// Timing holds workflow timestamps (UTC)
type Timing struct {
	QueueTime           time.Time  `json:"queue_time"`
	StartTime           *time.Time `json:"start_time"`
	EndTime             *time.Time `json:"end_time"`
	LastUpdate          time.Time  `json:"last_update"`
	EstimatedCompletion *time.Time `json:"estimated_completion"`
}

// OutputFile is a file produced by the remote execution
type OutputFile struct {
	Filename   string `json:"filename"`
	Type       string `json:"type"`
	RemotePath string `json:"remote_path"`
	LocalPath  string `json:"local_path"`
	Downloaded bool   `json:"downloaded"`
	SizeBytes  *int64 `json:"size_bytes"`
}

// ErrorInfo describes why a workflow failed
type ErrorInfo struct {
	Message    string `json:"message"`
	FailedNode string `json:"failed_node"`
}

// now is replaced in tests
var now = func() time.Time {
	return time.Now().UTC()
}

// NewWorkflow creates a workflow in QUEUED state
func NewWorkflow(id, name string, nodes []NodeState) *Workflow {
	t := now()
	if nodes == nil {
		nodes = []NodeState{}
	}
	return &Workflow{
		ID:     id,
		Name:   name,
		Status: WorkflowStatusQueued,
		Progress: Progress{
			TotalNodes: len(nodes),
		},
		Nodes: nodes,
		Timing: Timing{
			QueueTime:  t,
			LastUpdate: t,
		},
		Outputs:     []OutputFile{},
		InputImages: []string{},
	}
}

// IsTerminal reports whether the workflow reached COMPLETED, FAILED or CANCELLED
func (w *Workflow) IsTerminal() bool {
	return w.Status.IsTerminal()
}

// touch advances LastUpdate, keeping it strictly increasing
func (w *Workflow) touch() time.Time {
	t := now()
	if !t.After(w.Timing.LastUpdate) {
		t = w.Timing.LastUpdate.Add(time.Nanosecond)
	}
	w.Timing.LastUpdate = t
	return t
}

// Start moves a QUEUED workflow to EXECUTING
func (w *Workflow) Start() error {
	switch w.Status {
	case WorkflowStatusExecuting:
		return nil
	case WorkflowStatusQueued:
	default:
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, w.Status, WorkflowStatusExecuting)
	}
	t := w.touch()
	w.Status = WorkflowStatusExecuting
	w.Timing.StartTime = &t
	zero := 0
	w.Progress.QueuePosition = &zero
	return nil
}

// SetPromptID records the id the remote service assigned to the submission
func (w *Workflow) SetPromptID(id string) {
	if w.PromptID == id {
		return
	}
	w.PromptID = id
	w.touch()
}

// SetQueuePosition records the position in the remote queue (nil when unknown)
func (w *Workflow) SetQueuePosition(pos *int) {
	if w.IsTerminal() {
		return
	}
	if pos != nil {
		p := *pos
		pos = &p
	}
	w.Progress.QueuePosition = pos
	w.touch()
}

// AdvanceNodeProgress records the number of finished nodes and the node currently running.
// completed never moves backwards and never exceeds TotalNodes.
func (w *Workflow) AdvanceNodeProgress(completed int, currentNode string) {
	if w.IsTerminal() {
		return
	}
	if completed < w.Progress.CompletedNodes {
		completed = w.Progress.CompletedNodes
	}
	if completed > w.Progress.TotalNodes {
		completed = w.Progress.TotalNodes
	}
	w.Progress.CompletedNodes = completed
	if currentNode != "" {
		w.Progress.CurrentNode = currentNode
	}
	if w.Progress.TotalNodes > 0 {
		w.Progress.ProgressPercent = clampPercent(float64(completed) / float64(w.Progress.TotalNodes) * 100)
	}
	t := w.touch()
	w.estimateCompletion(t)
}

func (w *Workflow) estimateCompletion(t time.Time) {
	if w.Timing.StartTime == nil || w.Progress.CompletedNodes == 0 || w.Progress.TotalNodes == 0 {
		return
	}
	elapsed := t.Sub(*w.Timing.StartTime)
	perNode := elapsed / time.Duration(w.Progress.CompletedNodes)
	eta := w.Timing.StartTime.Add(perNode * time.Duration(w.Progress.TotalNodes))
	w.Timing.EstimatedCompletion = &eta
}

// ShowAdvisoryProgress sets a placeholder percent while no node counts are known.
// It has no effect once TotalNodes > 0.
func (w *Workflow) ShowAdvisoryProgress(percent float64) {
	if w.IsTerminal() || w.Progress.TotalNodes > 0 {
		return
	}
	w.Progress.ProgressPercent = clampPercent(percent)
	w.touch()
}

// NodeUpdate customizes a node status change
type NodeUpdate func(n *NodeState)

// WithNodeProgress sets the node progress (clamped to 0–100)
func WithNodeProgress(p float64) NodeUpdate {
	return func(n *NodeState) { n.Progress = clampPercent(p) }
}

// WithNodeMessage sets the node message
func WithNodeMessage(msg string) NodeUpdate {
	return func(n *NodeState) { n.Message = msg }
}

// WithNodeError sets the node error
func WithNodeError(msg string) NodeUpdate {
	return func(n *NodeState) { n.Error = msg }
}

// WithExecutionTime sets the node execution time
func WithExecutionTime(d time.Duration) NodeUpdate {
	return func(n *NodeState) {
		secs := d.Seconds()
		n.ExecutionTime = &secs
	}
}

// Node returns the node with the given id, or nil
func (w *Workflow) Node(id string) *NodeState {
	for i := range w.Nodes {
		if w.Nodes[i].NodeID == id {
			return &w.Nodes[i]
		}
	}
	return nil
}

// SetNodeStatus mutates the matching node in place. Node statuses only move forward.
func (w *Workflow) SetNodeStatus(id string, status NodeStatus, updates ...NodeUpdate) error {
	if w.IsTerminal() {
		return fmt.Errorf("%w: workflow %s is %s", ErrIllegalTransition, w.ID, w.Status)
	}
	node := w.Node(id)
	if node == nil {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	if status.rank() < 0 {
		return fmt.Errorf("%w: unknown node status %q", ErrIllegalTransition, status)
	}
	if status != node.Status && status.rank() <= node.Status.rank() {
		return fmt.Errorf("%w: node %s %s -> %s", ErrIllegalTransition, id, node.Status, status)
	}
	node.Status = status
	if status.IsFinished() {
		node.Progress = 100
	}
	for _, u := range updates {
		u(node)
	}
	w.touch()
	return nil
}

// FinishedNodeCount counts nodes that are executed or cached
func (w *Workflow) FinishedNodeCount() int {
	return len(slice.Filter(w.Nodes, func(_ int, n NodeState) bool {
		return n.Status.IsFinished()
	}))
}

// FinishOpenNodes marks every pending or executing node as executed
func (w *Workflow) FinishOpenNodes() {
	if w.IsTerminal() {
		return
	}
	for i := range w.Nodes {
		if w.Nodes[i].Status.rank() < 2 {
			w.Nodes[i].Status = NodeStatusExecuted
			w.Nodes[i].Progress = 100
		}
	}
	w.touch()
}

// RecordOutput registers an output file reported by the remote service.
// Outputs are de-duplicated by remote path, so equal filenames from different
// subfolders stay separate. A pending entry is refreshed, a downloaded one is kept.
func (w *Workflow) RecordOutput(filename, kind, remotePath string) *OutputFile {
	for i := range w.Outputs {
		out := &w.Outputs[i]
		if out.RemotePath != remotePath {
			continue
		}
		if !out.Downloaded && (out.Filename != filename || out.Type != kind) {
			out.Filename = filename
			out.Type = kind
			w.touch()
		}
		return out
	}
	w.Outputs = append(w.Outputs, OutputFile{
		Filename:   filename,
		Type:       kind,
		RemotePath: remotePath,
	})
	w.touch()
	return &w.Outputs[len(w.Outputs)-1]
}

// MarkOutputDownloaded flags the output fetched from remotePath as transferred to localPath
func (w *Workflow) MarkOutputDownloaded(remotePath, localPath string, size int64) bool {
	for i := range w.Outputs {
		out := &w.Outputs[i]
		if out.RemotePath != remotePath {
			continue
		}
		out.LocalPath = localPath
		out.Downloaded = true
		s := size
		out.SizeBytes = &s
		w.touch()
		return true
	}
	return false
}

// PendingOutputs returns outputs not yet downloaded
func (w *Workflow) PendingOutputs() []OutputFile {
	return slice.Filter(w.Outputs, func(_ int, o OutputFile) bool {
		return !o.Downloaded
	})
}

// Fail moves the workflow to FAILED. An empty message is replaced by a generic one.
func (w *Workflow) Fail(message, failedNode string) error {
	if w.IsTerminal() {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, w.Status, WorkflowStatusFailed)
	}
	if message == "" {
		message = "workflow failed"
	}
	if failedNode != "" {
		if node := w.Node(failedNode); node != nil && node.Status.rank() < 2 {
			node.Status = NodeStatusFailed
			node.Error = message
		}
	}
	w.Error = &ErrorInfo{Message: message, FailedNode: failedNode}
	w.end(WorkflowStatusFailed)
	return nil
}

// Complete moves an EXECUTING workflow to COMPLETED and forces progress to 100
func (w *Workflow) Complete() error {
	if w.Status != WorkflowStatusExecuting {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, w.Status, WorkflowStatusCompleted)
	}
	w.Progress.CompletedNodes = w.Progress.TotalNodes
	w.Progress.ProgressPercent = 100
	w.Progress.CurrentNode = ""
	w.end(WorkflowStatusCompleted)
	return nil
}

// Cancel moves a non-terminal workflow to CANCELLED
func (w *Workflow) Cancel() error {
	if w.IsTerminal() {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, w.Status, WorkflowStatusCancelled)
	}
	w.end(WorkflowStatusCancelled)
	return nil
}

func (w *Workflow) end(status WorkflowStatus) {
	t := w.touch()
	w.Status = status
	w.Timing.EndTime = &t
	w.Timing.EstimatedCompletion = nil
}

// Clone returns a deep copy safe to hand to readers
func (w *Workflow) Clone() *Workflow {
	c := *w
	c.Progress.QueuePosition = clonePtr(w.Progress.QueuePosition)
	if w.Nodes != nil {
		c.Nodes = make([]NodeState, len(w.Nodes))
		for i, n := range w.Nodes {
			n.ExecutionTime = clonePtr(n.ExecutionTime)
			c.Nodes[i] = n
		}
	}
	c.Timing.StartTime = clonePtr(w.Timing.StartTime)
	c.Timing.EndTime = clonePtr(w.Timing.EndTime)
	c.Timing.EstimatedCompletion = clonePtr(w.Timing.EstimatedCompletion)
	if w.Outputs != nil {
		c.Outputs = make([]OutputFile, len(w.Outputs))
		for i, o := range w.Outputs {
			o.SizeBytes = clonePtr(o.SizeBytes)
			c.Outputs[i] = o
		}
	}
	if w.Error != nil {
		e := *w.Error
		c.Error = &e
	}
	if w.InputImages != nil {
		c.InputImages = append([]string{}, w.InputImages...)
	}
	return &c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func clampPercent(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
