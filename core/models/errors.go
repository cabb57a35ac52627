package models

import (
	"errors"
	"fmt"
)

// Error taxonomy for workflow execution. Only ErrValidation is ever returned
// synchronously to a caller; the rest end up in the workflow's error field.
var (
	ErrValidation = errors.New("invalid workflow request")
	ErrTransfer   = errors.New("file transfer failed")
	ErrTunnel     = errors.New("tunnel unavailable")
	ErrSubmission = errors.New("remote submission failed")
	ErrExecution  = errors.New("remote execution failed")
	ErrTimeout    = errors.New("workflow monitoring timed out")

	// ErrCancelled marks a cooperative stop. It yields CANCELLED, not FAILED.
	ErrCancelled = errors.New("workflow cancelled")

	ErrIllegalTransition = errors.New("illegal state transition")
	ErrNodeNotFound      = errors.New("node not found")
	ErrWorkflowNotFound  = errors.New("workflow not found")
	ErrDuplicateWorkflow = errors.New("workflow id already running")
)

// ExecutionError is a failure reported by the remote service while running the graph.
type ExecutionError struct {
	NodeID   string
	NodeType string
	Message  string
}

func (e *ExecutionError) Error() string {
	if e.NodeID == "" {
		return fmt.Sprintf("remote execution failed: %s", e.Message)
	}
	if e.NodeType == "" {
		return fmt.Sprintf("remote execution failed at node %s: %s", e.NodeID, e.Message)
	}
	return fmt.Sprintf("remote execution failed at node %s (%s): %s", e.NodeID, e.NodeType, e.Message)
}

func (e *ExecutionError) Unwrap() error {
	return ErrExecution
}

// Validationf builds an error wrapping ErrValidation.
func Validationf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
