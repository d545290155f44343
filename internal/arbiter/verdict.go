package arbiter

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Verdict is the parsed model answer for one arbitration call.
type Verdict struct {
	MatchFound    bool    `json:"match_found"`
	ConceptID     int64   `json:"concept_id"`
	Confidence    float64 `json:"confidence"`
	Justification string  `json:"justification"`
}

// parseVerdict extracts the JSON verdict from a model response. Models
// sometimes wrap the object in a markdown code fence or lead with prose, so
// the parser tolerates both before requiring strict JSON.
func parseVerdict(text string) (Verdict, error) {
	s := stripCodeFence(strings.TrimSpace(text))
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return Verdict{}, fmt.Errorf("no JSON object in response")
	}
	var v Verdict
	dec := json.NewDecoder(strings.NewReader(s[start : end+1]))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		return Verdict{}, fmt.Errorf("decode verdict: %w", err)
	}
	if v.Confidence < 0 {
		v.Confidence = 0
	}
	if v.Confidence > 1 {
		v.Confidence = 1
	}
	return v, nil
}

func stripCodeFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	if i := strings.LastIndex(s, "```"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
