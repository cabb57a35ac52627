package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"workflow-orchestrator/core/models"
)

const createSnapshotsTable = `
	CREATE TABLE IF NOT EXISTS workflow_snapshots (
		workflow_id TEXT PRIMARY KEY,
		status      TEXT NOT NULL,
		snapshot    JSONB NOT NULL,
		updated_at  TIMESTAMPTZ NOT NULL
	)
`

// PostgresRepository stores snapshots in a jsonb column
type PostgresRepository struct {
	db *DB
}

// NewPostgresRepository creates a new Postgres snapshot repository
func NewPostgresRepository(db *DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Migrate creates the snapshot table
func (r *PostgresRepository) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createSnapshotsTable); err != nil {
		return fmt.Errorf("failed to create workflow_snapshots: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (*models.Workflow, error) {
	query := `SELECT snapshot FROM workflow_snapshots WHERE workflow_id = $1`

	var data []byte
	err := r.db.QueryRowContext(ctx, query, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", models.ErrWorkflowNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}
	return models.UnmarshalSnapshot(data)
}

func (r *PostgresRepository) Put(ctx context.Context, w *models.Workflow) error {
	query := `
		INSERT INTO workflow_snapshots (workflow_id, status, snapshot, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (workflow_id) DO UPDATE
		SET status = EXCLUDED.status, snapshot = EXCLUDED.snapshot, updated_at = EXCLUDED.updated_at
	`
	data, err := models.MarshalSnapshot(w)
	if err != nil {
		return err
	}
	if _, err := r.db.ExecContext(ctx, query, w.ID, string(w.Status), string(data), w.Timing.LastUpdate); err != nil {
		return fmt.Errorf("failed to put snapshot: %w", err)
	}
	return nil
}

func (r *PostgresRepository) List(ctx context.Context) ([]*models.Workflow, error) {
	query := `SELECT snapshot FROM workflow_snapshots ORDER BY workflow_id`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	defer rows.Close()

	var workflows []*models.Workflow
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		w, err := models.UnmarshalSnapshot(data)
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, w)
	}
	return workflows, rows.Err()
}

func (r *PostgresRepository) Delete(ctx context.Context, id string) error {
	query := `DELETE FROM workflow_snapshots WHERE workflow_id = $1`
	if _, err := r.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}
	return nil
}
