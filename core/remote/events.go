package remote

import (
	"fmt"

	"github.com/bytedance/sonic"
)

// Event is a message received on the event channel.
// The set of implementations is closed; consumers switch on the concrete type.
type Event interface {
	isEvent()
}

// StatusEvent reports the remote queue size
type StatusEvent struct {
	QueueRemaining int
}

// ExecutionStartEvent signals that a prompt left the queue
type ExecutionStartEvent struct {
	PromptID string
}

// NodeStartedEvent signals that a node began executing
type NodeStartedEvent struct {
	PromptID string
	NodeID   string
}

// NodeProgressEvent reports step progress inside a node
type NodeProgressEvent struct {
	PromptID string
	NodeID   string
	Value    float64
	Max      float64
}

// NodeFinishedEvent signals that an output node produced its result
type NodeFinishedEvent struct {
	PromptID string
	NodeID   string
}

// NodeCachedEvent lists nodes whose results were reused
type NodeCachedEvent struct {
	PromptID string
	NodeIDs  []string
}

// ExecutionErrorEvent reports a failed node
type ExecutionErrorEvent struct {
	PromptID string
	NodeID   string
	NodeType string
	Message  string
}

// ExecutionCompleteEvent signals the end of a prompt
type ExecutionCompleteEvent struct {
	PromptID string
}

func (StatusEvent) isEvent()            {}
func (ExecutionStartEvent) isEvent()    {}
func (NodeStartedEvent) isEvent()       {}
func (NodeProgressEvent) isEvent()      {}
func (NodeFinishedEvent) isEvent()      {}
func (NodeCachedEvent) isEvent()        {}
func (ExecutionErrorEvent) isEvent()    {}
func (ExecutionCompleteEvent) isEvent() {}

type wireMessage struct {
	Type string `json:"type"`
	Data struct {
		PromptID string   `json:"prompt_id"`
		Node     *string  `json:"node"`
		NodeID   string   `json:"node_id"`
		NodeType string   `json:"node_type"`
		Nodes    []string `json:"nodes"`
		Value    float64  `json:"value"`
		Max      float64  `json:"max"`

		ExceptionMessage string `json:"exception_message"`

		Status *struct {
			ExecInfo struct {
				QueueRemaining int `json:"queue_remaining"`
			} `json:"exec_info"`
		} `json:"status"`
	} `json:"data"`
}

// DecodeEvent parses one text frame. Unknown message types decode to (nil, nil).
func DecodeEvent(raw []byte) (Event, error) {
	var msg wireMessage
	if err := sonic.ConfigStd.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("failed to decode event: %w", err)
	}
	d := msg.Data
	switch msg.Type {
	case "status":
		ev := StatusEvent{}
		if d.Status != nil {
			ev.QueueRemaining = d.Status.ExecInfo.QueueRemaining
		}
		return ev, nil
	case "execution_start":
		return ExecutionStartEvent{PromptID: d.PromptID}, nil
	case "executing":
		// a null node marks the end of the prompt
		if d.Node == nil {
			return ExecutionCompleteEvent{PromptID: d.PromptID}, nil
		}
		return NodeStartedEvent{PromptID: d.PromptID, NodeID: *d.Node}, nil
	case "progress":
		ev := NodeProgressEvent{PromptID: d.PromptID, Value: d.Value, Max: d.Max}
		if d.Node != nil {
			ev.NodeID = *d.Node
		}
		return ev, nil
	case "executed":
		ev := NodeFinishedEvent{PromptID: d.PromptID}
		if d.Node != nil {
			ev.NodeID = *d.Node
		}
		return ev, nil
	case "execution_cached":
		return NodeCachedEvent{PromptID: d.PromptID, NodeIDs: d.Nodes}, nil
	case "execution_error":
		return ExecutionErrorEvent{
			PromptID: d.PromptID,
			NodeID:   d.NodeID,
			NodeType: d.NodeType,
			Message:  d.ExceptionMessage,
		}, nil
	case "execution_success":
		return ExecutionCompleteEvent{PromptID: d.PromptID}, nil
	case "":
		return nil, fmt.Errorf("failed to decode event: missing type")
	}
	return nil, nil
}
