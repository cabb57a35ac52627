package models

import (
	"fmt"

	"github.com/bytedance/sonic"
)

var snapshotAPI = sonic.ConfigStd

// MarshalSnapshot encodes a workflow in the persisted snapshot format
func MarshalSnapshot(w *Workflow) ([]byte, error) {
	data, err := snapshotAPI.MarshalIndent(w, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot %s: %w", w.ID, err)
	}
	return data, nil
}

// UnmarshalSnapshot decodes a persisted snapshot
func UnmarshalSnapshot(data []byte) (*Workflow, error) {
	var w Workflow
	if err := snapshotAPI.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	if w.ID == "" {
		return nil, fmt.Errorf("failed to decode snapshot: missing workflow_id")
	}
	return &w, nil
}
