package vector

import (
	"context"
	"math"
	"sort"
	"sync"

	"conceptmap/internal/models"
)

type memoryEntry struct {
	conceptID int64
	name      string
	vec       []float32
}

// MemoryIndex is a brute-force cosine index over concept embeddings. It
// backs small vocabularies and tests where Postgres is not available.
type MemoryIndex struct {
	mu      sync.RWMutex
	entries []memoryEntry
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{}
}

// Add indexes one embedding for a concept. A concept may be added several
// times, once per synonym; Search collapses them.
func (m *MemoryIndex) Add(conceptID int64, name string, vec []float32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, memoryEntry{conceptID: conceptID, name: name, vec: vec})
}

func (m *MemoryIndex) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

func (m *MemoryIndex) Search(ctx context.Context, queryVec []float32, topK int) ([]models.Candidate, error) {
	if topK <= 0 {
		topK = 25
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	best := make(map[int64]models.Candidate, len(m.entries))
	for _, e := range m.entries {
		score := clamp01(cosine(queryVec, e.vec))
		prev, ok := best[e.conceptID]
		if !ok || score > prev.Score {
			best[e.conceptID] = models.Candidate{
				ConceptID:   e.conceptID,
				ConceptName: e.name,
				Score:       score,
				Stages:      []string{models.StageSemantic},
			}
		}
	}
	m.mu.RUnlock()

	results := make([]models.Candidate, 0, len(best))
	for _, c := range best {
		results = append(results, c)
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ConceptID < results[j].ConceptID
	})
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
