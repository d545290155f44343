package activities

import (
	"conceptmap/internal/eval"
	"conceptmap/internal/models"
	"conceptmap/internal/pipeline"
)

type LoadTermsInput struct {
	TermsPath string `json:"terms_path"`
}

type LoadTermsOutput struct {
	Terms []models.SourceTerm `json:"terms"`
}

type EnsureVocabularyInput struct {
	EmbedProviderIndex int `json:"embed_provider_index"`
}

type EnsureVocabularyOutput struct {
	Concepts         int    `json:"concepts"`
	EmbeddedSynonyms int    `json:"embedded_synonyms"`
	ProviderName     string `json:"provider_name"`
	Model            string `json:"model"`
}

type MapTermInput struct {
	RunID              string            `json:"run_id"`
	Term               models.SourceTerm `json:"term"`
	EmbedProviderIndex int               `json:"embed_provider_index"`
	LLMProviderIndex   int               `json:"llm_provider_index"`
}

type MapTermOutput struct {
	Decision      models.MappingDecision `json:"decision"`
	EmbedProvider string                 `json:"embed_provider"`
	LLMProvider   string                 `json:"llm_provider"`
}

type PersistDecisionInput struct {
	RunID    string                 `json:"run_id"`
	Decision models.MappingDecision `json:"decision"`
}

type UpsertRunInput struct {
	RunID      string `json:"run_id"`
	Status     string `json:"status"`
	TotalTerms int    `json:"total_terms"`
	Create     bool   `json:"create"`
}

type EvaluateRunInput struct {
	RunID    string `json:"run_id"`
	GoldPath string `json:"gold_path"`
}

type EvaluateRunOutput struct {
	Report eval.Report `json:"report"`
}

type WriteRunReportInput struct {
	RunID     string                 `json:"run_id"`
	Stats     pipeline.StatsSnapshot `json:"stats"`
	Report    *eval.Report           `json:"report,omitempty"`
	Providers []string               `json:"providers"`
}

type WriteRunReportOutput struct {
	Path string `json:"path"`
}

type WriteDecisionsArtifactInput struct {
	RunID string `json:"run_id"`
}

type WriteDecisionsArtifactOutput struct {
	Path  string `json:"path"`
	Count int    `json:"count"`
}

type LogModelCallInput struct {
	Operation    string `json:"operation"`
	RunID        string `json:"run_id"`
	SourceTerm   string `json:"source_term,omitempty"`
	ProviderName string `json:"provider_name"`
	Model        string `json:"model,omitempty"`
	Status       string `json:"status"`
	ErrorType    string `json:"error_type,omitempty"`
}
