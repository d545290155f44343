package vector

import (
	"context"
	"fmt"
	"strings"

	"conceptmap/internal/models"
	"conceptmap/internal/util"

	"github.com/jackc/pgx/v5"
)

// ConceptSearcher retrieves the concepts whose embeddings are closest to a
// query vector. Implementations must deduplicate synonyms so each concept
// appears at most once, ordered by descending score.
type ConceptSearcher interface {
	Search(ctx context.Context, queryVec []float32, topK int) ([]models.Candidate, error)
}

type Queryer interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Searcher runs similarity search against pgvector. Concepts are embedded
// per synonym, so the inner query over-fetches and the outer query collapses
// rows to one per concept keeping the best distance.
type Searcher struct {
	q       Queryer
	version string
}

func NewSearcher(q Queryer, embeddingVersion string) *Searcher {
	return &Searcher{q: q, version: embeddingVersion}
}

func (s *Searcher) Search(ctx context.Context, queryVec []float32, topK int) ([]models.Candidate, error) {
	if topK <= 0 {
		topK = 25
	}
	vecLiteral := ToLiteral(queryVec)

	query := `
SELECT sub.concept_id,
       c.concept_name,
       1 - MIN(sub.distance) AS score
FROM (
    SELECT e.concept_id,
           e.embedding <=> $1::vector AS distance
    FROM concept_embeddings e
    WHERE e.embedding IS NOT NULL
      AND e.embedding_version = $2
    ORDER BY distance
    LIMIT $3
) sub
JOIN concepts c ON c.concept_id = sub.concept_id
GROUP BY sub.concept_id, c.concept_name
ORDER BY MIN(sub.distance)
LIMIT $4`

	// Over-fetch so synonym duplicates do not crowd out distinct concepts.
	rows, err := s.q.Query(ctx, query, vecLiteral, s.version, topK*4, topK)
	if err != nil {
		return nil, fmt.Errorf("%w: query concept search: %v", util.ErrRetrieval, err)
	}
	defer rows.Close()

	results := make([]models.Candidate, 0, topK)
	for rows.Next() {
		var cand models.Candidate
		if err := rows.Scan(&cand.ConceptID, &cand.ConceptName, &cand.Score); err != nil {
			return nil, fmt.Errorf("scan concept result: %w", err)
		}
		cand.Score = clamp01(cand.Score)
		cand.Stages = []string{models.StageSemantic}
		results = append(results, cand)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate search rows: %w", err)
	}
	return results, nil
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}

func ToLiteral(v []float32) string {
	parts := make([]string, 0, len(v))
	for _, x := range v {
		parts = append(parts, fmt.Sprintf("%f", x))
	}
	return "[" + strings.Join(parts, ",") + "]"
}
