package repository

import (
	"context"

	"workflow-orchestrator/core/models"
)

// SnapshotRepository persists workflow snapshots. Put overwrites (last write wins).
// Get returns an error wrapping models.ErrWorkflowNotFound for unknown ids.
type SnapshotRepository interface {
	Get(ctx context.Context, id string) (*models.Workflow, error)
	Put(ctx context.Context, w *models.Workflow) error
	List(ctx context.Context) ([]*models.Workflow, error)
	Delete(ctx context.Context, id string) error
}
