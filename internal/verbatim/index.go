package verbatim

import (
	"sort"

	"conceptmap/internal/models"
	"conceptmap/internal/normalize"

	"github.com/agnivade/levenshtein"
)

// Index maps normalized concept names and synonyms to concept IDs for
// high-precision string matching. It is built once from the vocabulary and
// read concurrently afterwards.
type Index struct {
	normalizer *normalize.Normalizer
	entries    map[string][]int64
	keys       []string
	names      map[int64]string
}

// Build normalizes every concept name and synonym and indexes them. A
// normalized string that maps to several concepts keeps all of them; the
// matcher reports the collision rather than guessing.
func Build(normalizer *normalize.Normalizer, concepts []models.StandardConcept) (*Index, error) {
	idx := &Index{
		normalizer: normalizer,
		entries:    make(map[string][]int64, len(concepts)*2),
		names:      make(map[int64]string, len(concepts)),
	}
	for _, c := range concepts {
		idx.names[c.ConceptID] = c.Name
		if err := idx.add(c.Name, c.ConceptID); err != nil {
			return nil, err
		}
		for _, syn := range c.Synonyms {
			if err := idx.add(syn, c.ConceptID); err != nil {
				return nil, err
			}
		}
	}
	idx.keys = make([]string, 0, len(idx.entries))
	for k := range idx.entries {
		idx.keys = append(idx.keys, k)
	}
	sort.Strings(idx.keys)
	return idx, nil
}

func (idx *Index) add(text string, conceptID int64) error {
	nt, err := idx.normalizer.Normalize(text)
	if err != nil {
		return err
	}
	if nt.IsEmpty() {
		return nil
	}
	for _, id := range idx.entries[nt.Normalized] {
		if id == conceptID {
			return nil
		}
	}
	idx.entries[nt.Normalized] = append(idx.entries[nt.Normalized], conceptID)
	return nil
}

// Size reports the number of distinct normalized strings in the index.
func (idx *Index) Size() int { return len(idx.entries) }

// Match looks up a normalized term. Exact hits score 1.0. When there is no
// exact hit and maxDistance > 0, near matches within the given edit distance
// score 1 - distance/maxLen. An empty term or a miss returns an empty slice.
func (idx *Index) Match(term models.NormalizedTerm, maxDistance int) []models.Candidate {
	if term.IsEmpty() {
		return nil
	}
	if ids, ok := idx.entries[term.Normalized]; ok {
		out := make([]models.Candidate, 0, len(ids))
		for _, id := range ids {
			out = append(out, models.Candidate{
				ConceptID:   id,
				ConceptName: idx.names[id],
				Score:       1.0,
				Stages:      []string{models.StageVerbatim},
			})
		}
		return out
	}
	if maxDistance <= 0 {
		return nil
	}
	return idx.nearMatches(term.Normalized, maxDistance)
}

func (idx *Index) nearMatches(s string, maxDistance int) []models.Candidate {
	best := map[int64]float64{}
	for _, key := range idx.keys {
		// Length difference is a lower bound on edit distance.
		if diff := len(key) - len(s); diff > maxDistance || diff < -maxDistance {
			continue
		}
		dist := levenshtein.ComputeDistance(s, key)
		if dist > maxDistance {
			continue
		}
		maxLen := len(s)
		if len(key) > maxLen {
			maxLen = len(key)
		}
		score := 1.0
		if maxLen > 0 {
			score = 1.0 - float64(dist)/float64(maxLen)
		}
		for _, id := range idx.entries[key] {
			if score > best[id] {
				best[id] = score
			}
		}
	}
	if len(best) == 0 {
		return nil
	}
	out := make([]models.Candidate, 0, len(best))
	for id, score := range best {
		out = append(out, models.Candidate{
			ConceptID:   id,
			ConceptName: idx.names[id],
			Score:       score,
			Stages:      []string{models.StageVerbatim},
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ConceptID < out[j].ConceptID
	})
	return out
}
