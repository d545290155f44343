package models

import "time"

// SourceTerm is a raw terminology entry to be mapped onto the standard
// vocabulary. Code is the identifier in the source coding system, when known.
type SourceTerm struct {
	Code   string `json:"code,omitempty"`
	Text   string `json:"text"`
	Domain string `json:"domain,omitempty"`
}

// StandardConcept is one entry of the target vocabulary. Loaded once per run
// and read-only afterwards.
type StandardConcept struct {
	ConceptID      int64    `json:"concept_id"`
	Name           string   `json:"name"`
	Synonyms       []string `json:"synonyms,omitempty"`
	DomainID       string   `json:"domain_id,omitempty"`
	ConceptClassID string   `json:"concept_class_id,omitempty"`
	VocabularyID   string   `json:"vocabulary_id,omitempty"`
}

// NormalizedTerm is the cleaned form of a source term. Recomputed per term,
// never persisted.
type NormalizedTerm struct {
	Original   string   `json:"original"`
	Normalized string   `json:"normalized"`
	Tokens     []string `json:"tokens,omitempty"`
}

// IsEmpty reports whether normalization removed everything; downstream stages
// treat this as "no match possible".
func (n NormalizedTerm) IsEmpty() bool {
	return n.Normalized == ""
}

// Mapping stages, in pipeline priority order.
const (
	StageVerbatim = "verbatim"
	StageSemantic = "semantic"
	StageLLM      = "llm"
	StageNone     = "none"
)

// Decision reason codes for unmapped terms.
const (
	ReasonInvalidInput      = "invalid_input"
	ReasonEmptyTerm         = "empty_term"
	ReasonNoMatch           = "no_match"
	ReasonArbitrationFailed = "arbitration_failed"
)

// Candidate is a scored concept proposal from one or more stages. Score is
// always normalized to [0,1] before candidates from different stages are
// merged.
type Candidate struct {
	ConceptID   int64    `json:"concept_id"`
	ConceptName string   `json:"concept_name"`
	Score       float64  `json:"score"`
	Stages      []string `json:"stages"`
}

// MappingDecision is the final, immutable output for one source term.
// ConceptID 0 means unmapped, with Reason holding the reason code.
type MappingDecision struct {
	Term        SourceTerm  `json:"term"`
	ConceptID   int64       `json:"concept_id"`
	ConceptName string      `json:"concept_name,omitempty"`
	Confidence  float64     `json:"confidence"`
	Stage       string      `json:"stage"`
	Reason      string      `json:"reason,omitempty"`
	Rationale   string      `json:"rationale,omitempty"`
	Candidates  []Candidate `json:"candidates,omitempty"`
}

// Unmapped reports whether no concept was chosen.
func (d MappingDecision) Unmapped() bool {
	return d.ConceptID == 0
}

// GoldMapping is a trusted source-term-to-concept pair used only for
// evaluation.
type GoldMapping struct {
	SourceCode string `json:"source_code"`
	SourceTerm string `json:"source_term"`
	ConceptID  int64  `json:"concept_id"`
}

// MappingRun tracks one batch mapping run.
type MappingRun struct {
	RunID      string    `json:"run_id"`
	Status     string    `json:"status"`
	TotalTerms int       `json:"total_terms"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}
