// Package eval scores mapping decisions against a gold standard of trusted
// term-to-concept pairs.
package eval

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"conceptmap/internal/models"
)

// Report summarizes how a set of decisions compares to the gold standard.
// Only terms present in both sets contribute to the metrics; the gap lists
// name what was dropped on each side.
type Report struct {
	Evaluated        int      `json:"evaluated"`
	Correct          int      `json:"correct"`
	MappedCount      int      `json:"mapped_count"`
	Accuracy         float64  `json:"accuracy"`
	Precision        float64  `json:"precision"`
	Coverage         float64  `json:"coverage"`
	ShortlistRecall  float64  `json:"shortlist_recall"`
	InsufficientData bool     `json:"insufficient_data"`
	MissingFromGold  []string `json:"missing_from_gold,omitempty"`
	MissingFromRun   []string `json:"missing_from_run,omitempty"`
}

// decisionKey identifies a decision for joining against gold. Source codes
// win when present; otherwise the raw term text is the key.
func decisionKey(term models.SourceTerm) string {
	if term.Code != "" {
		return term.Code
	}
	return strings.ToLower(strings.TrimSpace(term.Text))
}

func goldKey(g models.GoldMapping) string {
	if g.SourceCode != "" {
		return g.SourceCode
	}
	return strings.ToLower(strings.TrimSpace(g.SourceTerm))
}

// Evaluate joins decisions with gold mappings and computes accuracy over all
// joined terms, precision over mapped terms, coverage of gold, and shortlist
// recall (whether the gold concept appeared among a decision's candidates).
// An empty join sets InsufficientData instead of reporting zeros as signal.
func Evaluate(decisions []models.MappingDecision, gold []models.GoldMapping) Report {
	goldByKey := make(map[string]models.GoldMapping, len(gold))
	for _, g := range gold {
		k := goldKey(g)
		if _, dup := goldByKey[k]; !dup {
			goldByKey[k] = g
		}
	}

	var r Report
	seen := make(map[string]bool, len(decisions))
	shortlistHits := 0
	for _, d := range decisions {
		k := decisionKey(d.Term)
		g, ok := goldByKey[k]
		if !ok {
			r.MissingFromGold = append(r.MissingFromGold, k)
			continue
		}
		seen[k] = true
		r.Evaluated++
		if !d.Unmapped() {
			r.MappedCount++
			if d.ConceptID == g.ConceptID {
				r.Correct++
			}
		}
		for _, cand := range d.Candidates {
			if cand.ConceptID == g.ConceptID {
				shortlistHits++
				break
			}
		}
	}
	for k := range goldByKey {
		if !seen[k] {
			r.MissingFromRun = append(r.MissingFromRun, k)
		}
	}

	if r.Evaluated == 0 {
		r.InsufficientData = true
		return r
	}
	r.Accuracy = float64(r.Correct) / float64(r.Evaluated)
	if r.MappedCount > 0 {
		r.Precision = float64(r.Correct) / float64(r.MappedCount)
	}
	r.Coverage = float64(r.Evaluated) / float64(len(goldByKey))
	r.ShortlistRecall = float64(shortlistHits) / float64(r.Evaluated)
	return r
}

// LoadGoldCSV reads gold mappings from a CSV with a "code,term,concept_id"
// header. Duplicate codes keep the first row; malformed rows fail the load.
func LoadGoldCSV(path string) ([]models.GoldMapping, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open gold csv: %w", err)
	}
	defer f.Close()
	return ReadGold(f)
}

func ReadGold(r io.Reader) ([]models.GoldMapping, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = 3

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read gold header: %w", err)
	}
	if len(header) != 3 || strings.TrimSpace(header[0]) != "code" ||
		strings.TrimSpace(header[1]) != "term" || strings.TrimSpace(header[2]) != "concept_id" {
		return nil, fmt.Errorf("unexpected gold header %v, want code,term,concept_id", header)
	}

	var out []models.GoldMapping
	seen := map[string]bool{}
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read gold row %d: %w", line, err)
		}
		id, err := strconv.ParseInt(strings.TrimSpace(rec[2]), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("gold row %d: bad concept_id %q: %w", line, rec[2], err)
		}
		g := models.GoldMapping{
			SourceCode: strings.TrimSpace(rec[0]),
			SourceTerm: strings.TrimSpace(rec[1]),
			ConceptID:  id,
		}
		k := goldKey(g)
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, g)
	}
	return out, nil
}
