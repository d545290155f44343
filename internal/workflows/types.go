package workflows

type BatchMapInput struct {
	RunID            string `json:"run_id"`
	TermsPath        string `json:"terms_path"`
	GoldPath         string `json:"gold_path,omitempty"`
	EmbedProviders   int    `json:"embed_providers"`
	LLMProviders     int    `json:"llm_providers"`
	CooldownSeconds  int    `json:"cooldown_seconds"`
	MaxParallelTerms int    `json:"max_parallel_terms"`
}

type BatchMapProgress struct {
	RunID    string         `json:"run_id"`
	Total    int            `json:"total"`
	Done     int            `json:"done"`
	Mapped   int            `json:"mapped"`
	Unmapped int            `json:"unmapped"`
	Failed   int            `json:"failed"`
	PerStage map[string]int `json:"per_stage"`
}

type VocabularyEmbedInput struct {
	EmbedProviders  int `json:"embed_providers"`
	CooldownSeconds int `json:"cooldown_seconds"`
}
