package storage

import (
	"context"
	"fmt"

	"conceptmap/internal/models"
)

type RunRepo struct {
	db *DB
}

func NewRunRepo(db *DB) *RunRepo {
	return &RunRepo{db: db}
}

func (r *RunRepo) CreateRun(ctx context.Context, run models.MappingRun) error {
	_, err := r.db.Pool.Exec(ctx, `
INSERT INTO mapping_runs (run_id, status, total_terms)
VALUES ($1::uuid, $2, $3)`,
		run.RunID, run.Status, run.TotalTerms)
	if err != nil {
		return fmt.Errorf("insert mapping run: %w", err)
	}
	return nil
}

func (r *RunRepo) UpdateStatus(ctx context.Context, runID, status string) error {
	tag, err := r.db.Pool.Exec(ctx, `
UPDATE mapping_runs SET status = $2, updated_at = now() WHERE run_id = $1::uuid`,
		runID, status)
	if err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update run status: run %s not found", runID)
	}
	return nil
}

func (r *RunRepo) GetRun(ctx context.Context, runID string) (models.MappingRun, error) {
	var run models.MappingRun
	err := r.db.Pool.QueryRow(ctx, `
SELECT run_id::text, status, total_terms, created_at, updated_at
FROM mapping_runs WHERE run_id = $1::uuid`, runID).
		Scan(&run.RunID, &run.Status, &run.TotalTerms, &run.CreatedAt, &run.UpdatedAt)
	if err != nil {
		return models.MappingRun{}, fmt.Errorf("get run %s: %w", runID, err)
	}
	return run, nil
}
