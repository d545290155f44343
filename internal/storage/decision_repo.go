package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"conceptmap/internal/models"
)

type DecisionRepo struct {
	db *DB
}

func NewDecisionRepo(db *DB) *DecisionRepo {
	return &DecisionRepo{db: db}
}

// InsertDecision persists one immutable decision for a run. The candidate
// shortlist rides along as JSONB for audit queries.
func (r *DecisionRepo) InsertDecision(ctx context.Context, runID string, d models.MappingDecision) error {
	candidates, err := json.Marshal(d.Candidates)
	if err != nil {
		return fmt.Errorf("marshal candidates: %w", err)
	}
	_, err = r.db.Pool.Exec(ctx, `
INSERT INTO mapping_decisions
    (run_id, source_code, source_term, concept_id, concept_name, confidence, stage, reason, rationale, candidates)
VALUES ($1::uuid, NULLIF($2,''), $3, NULLIF($4, 0), NULLIF($5,''), $6, $7, NULLIF($8,''), NULLIF($9,''), $10::jsonb)`,
		runID, d.Term.Code, d.Term.Text, d.ConceptID, d.ConceptName,
		d.Confidence, d.Stage, d.Reason, d.Rationale, candidates)
	if err != nil {
		return fmt.Errorf("insert mapping decision: %w", err)
	}
	return nil
}

func (r *DecisionRepo) ListDecisions(ctx context.Context, runID string) ([]models.MappingDecision, error) {
	rows, err := r.db.Pool.Query(ctx, `
SELECT COALESCE(source_code, ''),
       source_term,
       COALESCE(concept_id, 0),
       COALESCE(concept_name, ''),
       confidence,
       stage,
       COALESCE(reason, ''),
       COALESCE(rationale, ''),
       candidates
FROM mapping_decisions
WHERE run_id = $1::uuid
ORDER BY decision_id`, runID)
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	defer rows.Close()

	out := make([]models.MappingDecision, 0)
	for rows.Next() {
		var d models.MappingDecision
		var candidates []byte
		if err := rows.Scan(&d.Term.Code, &d.Term.Text, &d.ConceptID, &d.ConceptName,
			&d.Confidence, &d.Stage, &d.Reason, &d.Rationale, &candidates); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		if len(candidates) > 0 {
			if err := json.Unmarshal(candidates, &d.Candidates); err != nil {
				return nil, fmt.Errorf("unmarshal candidates: %w", err)
			}
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate decisions: %w", err)
	}
	return out, nil
}
