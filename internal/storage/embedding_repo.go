package storage

import (
	"context"
	"fmt"
)

type ConceptEmbeddingRecord struct {
	ConceptID        int64
	SynonymText      string
	EmbeddingVersion string
	EmbeddingVector  *string
}

type EmbeddingRepo struct {
	db *DB
}

func NewEmbeddingRepo(db *DB) *EmbeddingRepo {
	return &EmbeddingRepo{db: db}
}

// UpsertEmbeddings stores one embedding per concept synonym. Re-embedding an
// existing synonym under the same version replaces the vector.
func (r *EmbeddingRepo) UpsertEmbeddings(ctx context.Context, records []ConceptEmbeddingRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx upsert embeddings: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	for _, rec := range records {
		_, err := tx.Exec(ctx, `
INSERT INTO concept_embeddings (concept_id, synonym_text, embedding_version, embedding)
VALUES ($1, $2, $3, CASE WHEN $4::text IS NULL THEN NULL ELSE $4::vector END)
ON CONFLICT (concept_id, synonym_text, embedding_version)
DO UPDATE SET embedding = COALESCE(EXCLUDED.embedding, concept_embeddings.embedding)`,
			rec.ConceptID, rec.SynonymText, rec.EmbeddingVersion, rec.EmbeddingVector,
		)
		if err != nil {
			return fmt.Errorf("upsert embedding for concept %d: %w", rec.ConceptID, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit embeddings tx: %w", err)
	}
	return nil
}

// CountEmbeddings reports how many synonym vectors exist for a version, used
// to decide whether the vocabulary needs (re)embedding.
func (r *EmbeddingRepo) CountEmbeddings(ctx context.Context, version string) (int, error) {
	var n int
	err := r.db.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM concept_embeddings WHERE embedding_version = $1 AND embedding IS NOT NULL`,
		version).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count embeddings: %w", err)
	}
	return n, nil
}
