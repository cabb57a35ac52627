package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"time"

	"workflow-orchestrator/core/models"

	"github.com/bytedance/sonic"
	"github.com/gofiber/fiber/v2"
	"github.com/gorilla/websocket"
)

// FileRef identifies a file produced by the remote service
type FileRef struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// Submission is the result of queueing a prompt
type Submission struct {
	PromptID      string
	Number        int
	QueuePosition *int // nil when the queue could not be read right after submitting
}

// QueueEntry is one prompt in the remote queue
type QueueEntry struct {
	Number   int
	PromptID string
}

// QueueStatus is a snapshot of the remote queue
type QueueStatus struct {
	Running []QueueEntry
	Pending []QueueEntry
}

// Position returns 0 for a running prompt, 1..n for pending ones
func (q *QueueStatus) Position(promptID string) (int, bool) {
	for _, e := range q.Running {
		if e.PromptID == promptID {
			return 0, true
		}
	}
	pending := append([]QueueEntry(nil), q.Pending...)
	sort.SliceStable(pending, func(i, j int) bool { return pending[i].Number < pending[j].Number })
	for i, e := range pending {
		if e.PromptID == promptID {
			return i + 1, true
		}
	}
	return 0, false
}

// HistoryOutput is one file listed in a prompt's history
type HistoryOutput struct {
	NodeID string
	Kind   string // images, gifs, audio, ...
	File   FileRef
}

// History is the remote record of a prompt
type History struct {
	Outputs   []HistoryOutput
	Completed bool
	StatusStr string
	Error     *models.ExecutionError
}

// Done reports the completion predicate: explicit flag or any outputs
func (h *History) Done() bool {
	return h.Completed || len(h.Outputs) > 0
}

// Client talks to the remote job service through a tunnel endpoint
type Client struct {
	baseURL  string
	wsURL    string
	clientID string
	timeout  time.Duration
	agent    *fiber.Client
	dialer   *websocket.Dialer
}

// NewClient creates a client for the service listening on endpoint (host:port)
func NewClient(endpoint, clientID string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:  "http://" + endpoint,
		wsURL:    fmt.Sprintf("ws://%s/ws?clientId=%s", endpoint, url.QueryEscape(clientID)),
		clientID: clientID,
		timeout:  timeout,
		agent:    &fiber.Client{},
		dialer:   &websocket.Dialer{HandshakeTimeout: timeout},
	}
}

type promptRequest struct {
	Prompt   json.RawMessage `json:"prompt"`
	ClientID string          `json:"client_id"`
}

type promptResponse struct {
	PromptID   string                       `json:"prompt_id"`
	Number     int                          `json:"number"`
	NodeErrors map[string]nodeErrorResponse `json:"node_errors"`
	Error      *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
		Details string `json:"details"`
	} `json:"error"`
}

type nodeErrorResponse struct {
	ClassType string `json:"class_type"`
	Errors    []struct {
		Message string `json:"message"`
		Details string `json:"details"`
	} `json:"errors"`
}

// Submit queues a prompt and looks up its initial queue position
func (c *Client) Submit(ctx context.Context, prompt []byte) (*Submission, error) {
	body, err := sonic.ConfigStd.Marshal(promptRequest{Prompt: prompt, ClientID: c.clientID})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to encode prompt: %v", models.ErrSubmission, err)
	}

	req := c.agent.Post(c.baseURL + "/prompt")
	req.Body(body)
	req.Set("Content-Type", "application/json")
	status, respBody, err := c.do(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrSubmission, err)
	}

	var resp promptResponse
	if err := sonic.ConfigStd.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("%w: status %d: failed to parse response: %v", models.ErrSubmission, status, err)
	}
	if msg := submissionError(&resp); msg != "" || status != fiber.StatusOK {
		if msg == "" {
			msg = fmt.Sprintf("unexpected status %d", status)
		}
		return nil, fmt.Errorf("%w: %s", models.ErrSubmission, msg)
	}
	if resp.PromptID == "" {
		return nil, fmt.Errorf("%w: response carried no prompt_id", models.ErrSubmission)
	}

	sub := &Submission{PromptID: resp.PromptID, Number: resp.Number}
	if queue, err := c.QueueStatus(ctx); err == nil {
		if pos, ok := queue.Position(resp.PromptID); ok {
			sub.QueuePosition = &pos
		}
	}
	return sub, nil
}

func submissionError(resp *promptResponse) string {
	if len(resp.NodeErrors) > 0 {
		ids := make([]string, 0, len(resp.NodeErrors))
		for id := range resp.NodeErrors {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		nodeErr := resp.NodeErrors[ids[0]]
		msg := "validation failed"
		if len(nodeErr.Errors) > 0 {
			msg = nodeErr.Errors[0].Message
			if d := nodeErr.Errors[0].Details; d != "" {
				msg += ": " + d
			}
		}
		return fmt.Sprintf("node %s (%s): %s", ids[0], nodeErr.ClassType, msg)
	}
	if resp.Error != nil {
		if resp.Error.Message != "" {
			return resp.Error.Message
		}
		return resp.Error.Type
	}
	return ""
}

type queueResponse struct {
	Running [][]interface{} `json:"queue_running"`
	Pending [][]interface{} `json:"queue_pending"`
}

// QueueStatus fetches the running and pending prompts
func (c *Client) QueueStatus(ctx context.Context) (*QueueStatus, error) {
	status, body, err := c.do(ctx, c.agent.Get(c.baseURL+"/queue"))
	if err != nil {
		return nil, err
	}
	if status != fiber.StatusOK {
		return nil, fmt.Errorf("queue request failed with status %d", status)
	}
	var resp queueResponse
	if err := sonic.ConfigStd.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse queue: %w", err)
	}
	return &QueueStatus{
		Running: queueEntries(resp.Running),
		Pending: queueEntries(resp.Pending),
	}, nil
}

func queueEntries(items [][]interface{}) []QueueEntry {
	entries := make([]QueueEntry, 0, len(items))
	for _, item := range items {
		if len(item) < 2 {
			continue
		}
		var e QueueEntry
		if n, ok := item[0].(float64); ok {
			e.Number = int(n)
		}
		e.PromptID, _ = item[1].(string)
		if e.PromptID != "" {
			entries = append(entries, e)
		}
	}
	return entries
}

type historyEntry struct {
	Outputs map[string]map[string]json.RawMessage `json:"outputs"`
	Status  struct {
		StatusStr string          `json:"status_str"`
		Completed bool            `json:"completed"`
		Messages  [][]interface{} `json:"messages"`
	} `json:"status"`
}

// History fetches the record of a prompt; it returns nil while the prompt has none yet
func (c *Client) History(ctx context.Context, promptID string) (*History, error) {
	status, body, err := c.do(ctx, c.agent.Get(c.baseURL+"/history/"+url.PathEscape(promptID)))
	if err != nil {
		return nil, err
	}
	if status != fiber.StatusOK {
		return nil, fmt.Errorf("history request failed with status %d", status)
	}
	var resp map[string]historyEntry
	if err := sonic.ConfigStd.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse history: %w", err)
	}
	entry, ok := resp[promptID]
	if !ok {
		return nil, nil
	}

	h := &History{
		Completed: entry.Status.Completed,
		StatusStr: entry.Status.StatusStr,
	}
	nodeIDs := make([]string, 0, len(entry.Outputs))
	for id := range entry.Outputs {
		nodeIDs = append(nodeIDs, id)
	}
	sort.Strings(nodeIDs)
	for _, nodeID := range nodeIDs {
		kinds := entry.Outputs[nodeID]
		kindNames := make([]string, 0, len(kinds))
		for k := range kinds {
			kindNames = append(kindNames, k)
		}
		sort.Strings(kindNames)
		for _, kind := range kindNames {
			var files []FileRef
			// non-file outputs (text, numbers) are skipped
			if err := sonic.ConfigStd.Unmarshal(kinds[kind], &files); err != nil {
				continue
			}
			for _, f := range files {
				if f.Filename == "" {
					continue
				}
				h.Outputs = append(h.Outputs, HistoryOutput{NodeID: nodeID, Kind: kind, File: f})
			}
		}
	}
	h.Error = historyError(entry.Status.Messages)
	return h, nil
}

func historyError(messages [][]interface{}) *models.ExecutionError {
	for _, m := range messages {
		if len(m) < 2 {
			continue
		}
		if name, _ := m[0].(string); name != "execution_error" {
			continue
		}
		data, _ := m[1].(map[string]interface{})
		e := &models.ExecutionError{}
		e.NodeID, _ = data["node_id"].(string)
		e.NodeType, _ = data["node_type"].(string)
		e.Message, _ = data["exception_message"].(string)
		if e.Message == "" {
			e.Message = "execution error"
		}
		return e
	}
	return nil
}

// Interrupt stops whatever the remote service is currently running
func (c *Client) Interrupt(ctx context.Context) error {
	status, _, err := c.do(ctx, c.agent.Post(c.baseURL+"/interrupt"))
	if err != nil {
		return err
	}
	if status != fiber.StatusOK {
		return fmt.Errorf("interrupt failed with status %d", status)
	}
	return nil
}

// DeleteQueued removes a pending prompt from the remote queue
func (c *Client) DeleteQueued(ctx context.Context, promptID string) error {
	body, err := sonic.ConfigStd.Marshal(map[string][]string{"delete": {promptID}})
	if err != nil {
		return err
	}
	req := c.agent.Post(c.baseURL + "/queue")
	req.Body(body)
	req.Set("Content-Type", "application/json")
	status, _, err := c.do(ctx, req)
	if err != nil {
		return err
	}
	if status != fiber.StatusOK {
		return fmt.Errorf("queue delete failed with status %d", status)
	}
	return nil
}

// Events opens the event channel for this client id
func (c *Client) Events(ctx context.Context) (EventStream, error) {
	conn, _, err := c.dialer.DialContext(ctx, c.wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("event channel dial failed: %w", err)
	}
	return newWSStream(conn), nil
}

// do sends the request, bounding it by both the client timeout and the context deadline
func (c *Client) do(ctx context.Context, req *fiber.Agent) (int, []byte, error) {
	if err := ctx.Err(); err != nil {
		return 0, nil, err
	}
	timeout := c.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	if timeout <= 0 {
		return 0, nil, context.DeadlineExceeded
	}
	req.Timeout(timeout)
	status, body, errs := req.Bytes()
	if len(errs) > 0 {
		return 0, nil, fmt.Errorf("request failed: %w", errs[0])
	}
	return status, body, nil
}
