package storage

import (
	"context"
	"fmt"

	"conceptmap/internal/models"
	"conceptmap/internal/util"
)

type ConceptRepo struct {
	db *DB
}

func NewConceptRepo(db *DB) *ConceptRepo {
	return &ConceptRepo{db: db}
}

// ListConcepts loads the full standard vocabulary with synonyms aggregated
// per concept. The pipeline keeps the result in memory for the life of a run.
func (r *ConceptRepo) ListConcepts(ctx context.Context) ([]models.StandardConcept, error) {
	rows, err := r.db.Pool.Query(ctx, `
SELECT c.concept_id,
       c.concept_name,
       c.domain_id,
       c.concept_class_id,
       c.vocabulary_id,
       COALESCE(array_agg(s.concept_synonym_name) FILTER (WHERE s.concept_synonym_name IS NOT NULL), '{}') AS synonyms
FROM concepts c
LEFT JOIN concept_synonyms s ON s.concept_id = c.concept_id
GROUP BY c.concept_id, c.concept_name, c.domain_id, c.concept_class_id, c.vocabulary_id
ORDER BY c.concept_id`)
	if err != nil {
		return nil, fmt.Errorf("%w: query concepts: %v", util.ErrVocabularyLoad, err)
	}
	defer rows.Close()

	out := make([]models.StandardConcept, 0)
	for rows.Next() {
		var c models.StandardConcept
		if err := rows.Scan(&c.ConceptID, &c.Name, &c.DomainID, &c.ConceptClassID, &c.VocabularyID, &c.Synonyms); err != nil {
			return nil, fmt.Errorf("%w: scan concept: %v", util.ErrVocabularyLoad, err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate concepts: %v", util.ErrVocabularyLoad, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: vocabulary is empty", util.ErrVocabularyLoad)
	}
	return out, nil
}

func (r *ConceptRepo) CountConcepts(ctx context.Context) (int, error) {
	var n int
	if err := r.db.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM concepts`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count concepts: %w", err)
	}
	return n, nil
}
