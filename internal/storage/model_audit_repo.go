package storage

import (
	"context"
	"fmt"
)

type ModelCallRecord struct {
	CallID       string
	Operation    string
	RunID        string
	SourceTerm   string
	ProviderName string
	Model        string
	Status       string
	ErrorType    string
}

type ModelAuditRepo struct {
	db *DB
}

func NewModelAuditRepo(db *DB) *ModelAuditRepo {
	return &ModelAuditRepo{db: db}
}

func (r *ModelAuditRepo) Insert(ctx context.Context, rec ModelCallRecord) error {
	_, err := r.db.Pool.Exec(ctx, `
INSERT INTO model_calls(call_id, operation, run_id, source_term, provider_name, model, status, error_type)
VALUES (COALESCE(NULLIF($1,'')::uuid, gen_random_uuid()), $2, NULLIF($3,'')::uuid, NULLIF($4,''), $5, $6, $7, NULLIF($8,''))`,
		rec.CallID, rec.Operation, rec.RunID, rec.SourceTerm, rec.ProviderName, rec.Model, rec.Status, rec.ErrorType)
	if err != nil {
		return fmt.Errorf("insert model call: %w", err)
	}
	return nil
}
