package arbiter

import (
	"encoding/json"
	"fmt"
	"strings"

	"conceptmap/internal/models"
)

const systemPrompt = "You are a clinical terminology mapping assistant. " +
	"You select the single best standard concept for a source term, or report that none fits. " +
	"Answer with one JSON object and nothing else."

const promptHeader = `Map the source term below to exactly one of the candidate concepts, or report no match.

Rules:
- You may only pick a concept_id that appears in the candidate list.
- Pick a concept only when it denotes the same clinical entity as the term. Broader, narrower or merely related concepts are not a match.
- If no candidate fits, set match_found to false and concept_id to 0.

Respond with a single JSON object:
{"match_found": <bool>, "concept_id": <int>, "confidence": <float 0..1>, "justification": "<one sentence>"}`

type promptCandidate struct {
	ConceptID int64    `json:"concept_id"`
	Name      string   `json:"name"`
	Domain    string   `json:"domain,omitempty"`
	Synonyms  []string `json:"synonyms,omitempty"`
	Score     float64  `json:"score"`
}

// buildPrompt renders the term and its shortlist as one JSON object per line,
// so the model sees ids and names without markdown table ambiguity.
func buildPrompt(term string, shortlist []models.Candidate, concepts map[int64]models.StandardConcept) (string, error) {
	var b strings.Builder
	b.WriteString(promptHeader)
	b.WriteString("\n\nSource term: ")
	b.WriteString(term)
	b.WriteString("\n\nCandidates:\n")
	for _, cand := range shortlist {
		pc := promptCandidate{
			ConceptID: cand.ConceptID,
			Name:      cand.ConceptName,
			Score:     cand.Score,
		}
		if c, ok := concepts[cand.ConceptID]; ok {
			pc.Domain = c.DomainID
			pc.Synonyms = c.Synonyms
			if pc.Name == "" {
				pc.Name = c.Name
			}
		}
		line, err := json.Marshal(pc)
		if err != nil {
			return "", fmt.Errorf("marshal candidate %d: %w", cand.ConceptID, err)
		}
		b.Write(line)
		b.WriteByte('\n')
	}
	return b.String(), nil
}
