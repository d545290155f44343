// Package pipeline runs the staged mapping of source terms onto the standard
// vocabulary: normalize, verbatim match, semantic retrieval, LLM arbitration.
package pipeline

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"

	"conceptmap/internal/arbiter"
	"conceptmap/internal/cleanup"
	"conceptmap/internal/models"
	"conceptmap/internal/normalize"
	"conceptmap/internal/providers"
	"conceptmap/internal/vector"
	"conceptmap/internal/verbatim"
)

const operationEmbedQuery = "embed_query"

// Options tunes the pipeline stages. Zero values fall back to the defaults
// below, which match the service configuration defaults.
type Options struct {
	RetrievalTopK        int
	ShortlistSize        int
	VerbatimBypassScore  float64
	NearMatchMaxDistance int
	MaxParallelTerms     int
	EmbedDim             int
	EnableTermCleanup    bool
}

func (o Options) withDefaults() Options {
	if o.RetrievalTopK <= 0 {
		o.RetrievalTopK = 25
	}
	if o.ShortlistSize <= 0 {
		o.ShortlistSize = 10
	}
	if o.VerbatimBypassScore <= 0 {
		o.VerbatimBypassScore = 0.95
	}
	if o.MaxParallelTerms <= 0 {
		o.MaxParallelTerms = 4
	}
	if o.EmbedDim <= 0 {
		o.EmbedDim = 1536
	}
	return o
}

// Engine maps source terms. All fields are read-only after construction, so
// one Engine serves concurrent MapTerm calls.
type Engine struct {
	opts       Options
	normalizer *normalize.Normalizer
	index      *verbatim.Index
	searcher   vector.ConceptSearcher
	embedder   providers.EmbeddingProvider
	arb        *arbiter.Arbiter
	cleaner    *cleanup.Cleaner
	concepts   map[int64]models.StandardConcept
}

func NewEngine(
	opts Options,
	normalizer *normalize.Normalizer,
	concepts map[int64]models.StandardConcept,
	index *verbatim.Index,
	searcher vector.ConceptSearcher,
	embedder providers.EmbeddingProvider,
	arb *arbiter.Arbiter,
	cleaner *cleanup.Cleaner,
) *Engine {
	return &Engine{
		opts:       opts.withDefaults(),
		normalizer: normalizer,
		index:      index,
		searcher:   searcher,
		embedder:   embedder,
		arb:        arb,
		cleaner:    cleaner,
		concepts:   concepts,
	}
}

// Stats counts per-stage outcomes across a batch. Degraded stages (a failed
// embedding call, a failed arbitration) are counted, never fatal for the
// batch.
type Stats struct {
	mu                  sync.Mutex
	TermsTotal          int
	Mapped              int
	Unmapped            int
	VerbatimBypasses    int
	CleanupFailures     int
	SemanticFailures    int
	ArbitrationFailures int
}

func (s *Stats) record(d models.MappingDecision) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.TermsTotal++
	if d.Unmapped() {
		s.Unmapped++
	} else {
		s.Mapped++
	}
	if d.Stage == models.StageVerbatim {
		s.VerbatimBypasses++
	}
	if d.Reason == models.ReasonArbitrationFailed {
		s.ArbitrationFailures++
	}
}

// Snapshot returns a copy safe to serialize.
func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StatsSnapshot{
		TermsTotal:          s.TermsTotal,
		Mapped:              s.Mapped,
		Unmapped:            s.Unmapped,
		VerbatimBypasses:    s.VerbatimBypasses,
		CleanupFailures:     s.CleanupFailures,
		SemanticFailures:    s.SemanticFailures,
		ArbitrationFailures: s.ArbitrationFailures,
	}
}

type StatsSnapshot struct {
	TermsTotal          int `json:"terms_total"`
	Mapped              int `json:"mapped"`
	Unmapped            int `json:"unmapped"`
	VerbatimBypasses    int `json:"verbatim_bypasses"`
	CleanupFailures     int `json:"cleanup_failures"`
	SemanticFailures    int `json:"semantic_failures"`
	ArbitrationFailures int `json:"arbitration_failures"`
}

// MapTerm maps one source term to a decision. It only returns an error when
// the context is cancelled; every other failure degrades to an unmapped
// decision or a skipped stage, recorded in stats when one is passed.
func (e *Engine) MapTerm(ctx context.Context, term models.SourceTerm, stats *Stats) (models.MappingDecision, error) {
	decision, err := e.mapTerm(ctx, term, stats)
	if err != nil {
		return models.MappingDecision{}, err
	}
	if stats != nil {
		stats.record(decision)
	}
	return decision, nil
}

func (e *Engine) mapTerm(ctx context.Context, term models.SourceTerm, stats *Stats) (models.MappingDecision, error) {
	if err := ctx.Err(); err != nil {
		return models.MappingDecision{}, err
	}

	text := term.Text
	if e.opts.EnableTermCleanup && e.cleaner != nil {
		cleaned, err := e.cleaner.Clean(ctx, text)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return models.MappingDecision{}, err
			}
			log.Printf("term cleanup failed, using raw term term=%q err=%v", text, err)
			if stats != nil {
				stats.mu.Lock()
				stats.CleanupFailures++
				stats.mu.Unlock()
			}
		} else {
			text = cleaned
		}
	}

	nt, err := e.normalizer.Normalize(text)
	if err != nil {
		return models.MappingDecision{
			Term:   term,
			Stage:  models.StageNone,
			Reason: models.ReasonInvalidInput,
		}, nil
	}
	if nt.IsEmpty() {
		return models.MappingDecision{
			Term:   term,
			Stage:  models.StageNone,
			Reason: models.ReasonEmptyTerm,
		}, nil
	}

	verbatimHits := e.index.Match(nt, e.opts.NearMatchMaxDistance)
	if len(verbatimHits) == 1 && verbatimHits[0].Score >= e.opts.VerbatimBypassScore {
		hit := verbatimHits[0]
		return models.MappingDecision{
			Term:        term,
			ConceptID:   hit.ConceptID,
			ConceptName: hit.ConceptName,
			Confidence:  hit.Score,
			Stage:       models.StageVerbatim,
			Candidates:  verbatimHits,
		}, nil
	}

	semanticHits := e.semanticCandidates(ctx, nt, stats)
	if err := ctx.Err(); err != nil {
		return models.MappingDecision{}, err
	}

	shortlist := mergeCandidates(verbatimHits, semanticHits, e.opts.ShortlistSize)
	if len(shortlist) == 0 {
		return models.MappingDecision{
			Term:   term,
			Stage:  models.StageNone,
			Reason: models.ReasonNoMatch,
		}, nil
	}

	res, err := e.arb.Decide(ctx, term.Text, shortlist, e.concepts)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return models.MappingDecision{}, ctxErr
		}
		log.Printf("arbitration failed term=%q err=%v", term.Text, err)
		return models.MappingDecision{
			Term:       term,
			Stage:      models.StageNone,
			Reason:     models.ReasonArbitrationFailed,
			Rationale:  err.Error(),
			Candidates: shortlist,
		}, nil
	}
	if !res.MatchFound {
		return models.MappingDecision{
			Term:       term,
			Stage:      models.StageNone,
			Reason:     models.ReasonNoMatch,
			Rationale:  res.Justification,
			Candidates: shortlist,
		}, nil
	}
	return models.MappingDecision{
		Term:        term,
		ConceptID:   res.ConceptID,
		ConceptName: res.ConceptName,
		Confidence:  res.Confidence,
		Stage:       models.StageLLM,
		Rationale:   res.Justification,
		Candidates:  shortlist,
	}, nil
}

// semanticCandidates embeds the normalized term and queries the concept
// index. Any failure skips the stage: verbatim candidates may still carry the
// term, and an unmapped decision is better than a failed batch.
func (e *Engine) semanticCandidates(ctx context.Context, nt models.NormalizedTerm, stats *Stats) []models.Candidate {
	vecs, _, err := e.embedder.Embed(ctx, providers.EmbedRequest{
		Operation: operationEmbedQuery,
		Inputs:    []string{nt.Normalized},
		Dimension: e.opts.EmbedDim,
	})
	if err != nil || len(vecs) == 0 {
		log.Printf("embedding failed, skipping semantic stage term=%q err=%v", nt.Original, err)
		if stats != nil {
			stats.mu.Lock()
			stats.SemanticFailures++
			stats.mu.Unlock()
		}
		return nil
	}
	hits, err := e.searcher.Search(ctx, vecs[0], e.opts.RetrievalTopK)
	if err != nil {
		log.Printf("concept search failed, skipping semantic stage term=%q err=%v", nt.Original, err)
		if stats != nil {
			stats.mu.Lock()
			stats.SemanticFailures++
			stats.mu.Unlock()
		}
		return nil
	}
	return hits
}

// mergeCandidates unions candidates from both stages, one entry per concept
// with the best score and the union of contributing stages, ordered by
// descending score then ascending concept ID, truncated to limit.
func mergeCandidates(verbatimHits, semanticHits []models.Candidate, limit int) []models.Candidate {
	merged := make(map[int64]models.Candidate, len(verbatimHits)+len(semanticHits))
	for _, c := range append(append([]models.Candidate{}, verbatimHits...), semanticHits...) {
		prev, ok := merged[c.ConceptID]
		if !ok {
			cand := c
			cand.Stages = append([]string{}, c.Stages...)
			merged[c.ConceptID] = cand
			continue
		}
		if c.Score > prev.Score {
			prev.Score = c.Score
		}
		if c.ConceptName != "" && prev.ConceptName == "" {
			prev.ConceptName = c.ConceptName
		}
		for _, st := range c.Stages {
			if !containsStage(prev.Stages, st) {
				prev.Stages = append(prev.Stages, st)
			}
		}
		merged[c.ConceptID] = prev
	}

	out := make([]models.Candidate, 0, len(merged))
	for _, c := range merged {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ConceptID < out[j].ConceptID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func containsStage(stages []string, s string) bool {
	for _, st := range stages {
		if st == s {
			return true
		}
	}
	return false
}

// MapBatch maps terms with a bounded worker pool, preserving input order in
// the result slice. Cancellation stops scheduling and returns the context
// error.
func (e *Engine) MapBatch(ctx context.Context, terms []models.SourceTerm) ([]models.MappingDecision, StatsSnapshot, error) {
	stats := &Stats{}
	decisions := make([]models.MappingDecision, len(terms))

	sem := make(chan struct{}, e.opts.MaxParallelTerms)
	var wg sync.WaitGroup
	var firstErr error
	var errOnce sync.Once

	for i, term := range terms {
		if err := ctx.Err(); err != nil {
			errOnce.Do(func() { firstErr = err })
			break
		}
		sem <- struct{}{}
		wg.Add(1)
		go func(i int, term models.SourceTerm) {
			defer wg.Done()
			defer func() { <-sem }()
			d, err := e.MapTerm(ctx, term, stats)
			if err != nil {
				errOnce.Do(func() { firstErr = err })
				return
			}
			decisions[i] = d
		}(i, term)
	}
	wg.Wait()

	if firstErr != nil {
		return nil, stats.Snapshot(), firstErr
	}
	return decisions, stats.Snapshot(), nil
}
