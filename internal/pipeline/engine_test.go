package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"conceptmap/internal/arbiter"
	"conceptmap/internal/models"
	"conceptmap/internal/normalize"
	"conceptmap/internal/providers"
	"conceptmap/internal/vector"
	"conceptmap/internal/verbatim"

	"github.com/stretchr/testify/require"
)

type fakeEmbedder struct {
	vec   []float32
	err   error
	calls int
}

func (f *fakeEmbedder) Embed(ctx context.Context, req providers.EmbedRequest) ([][]float32, providers.ProviderInfo, error) {
	f.calls++
	if f.err != nil {
		return nil, providers.ProviderInfo{Name: "fake"}, f.err
	}
	out := make([][]float32, len(req.Inputs))
	for i := range req.Inputs {
		out[i] = f.vec
	}
	return out, providers.ProviderInfo{Name: "fake"}, nil
}

type countingLLM struct {
	response string
	calls    int
}

func (c *countingLLM) Generate(ctx context.Context, req providers.GenerateRequest) (providers.GenerateResponse, providers.ProviderInfo, error) {
	c.calls++
	return providers.GenerateResponse{Text: c.response}, providers.ProviderInfo{Name: "counting"}, nil
}

func vocabulary() []models.StandardConcept {
	return []models.StandardConcept{
		{ConceptID: 201826, Name: "Type 2 diabetes mellitus", Synonyms: []string{"Diabetes mellitus type 2"}, DomainID: "Condition"},
		{ConceptID: 316866, Name: "Hypertensive disorder", Synonyms: []string{"High blood pressure"}, DomainID: "Condition"},
		{ConceptID: 4212540, Name: "Liver disorder", DomainID: "Condition"},
	}
}

func conceptsByID(concepts []models.StandardConcept) map[int64]models.StandardConcept {
	m := make(map[int64]models.StandardConcept, len(concepts))
	for _, c := range concepts {
		m[c.ConceptID] = c
	}
	return m
}

func newTestEngine(t *testing.T, embedder providers.EmbeddingProvider, llm providers.LLMProvider) *Engine {
	t.Helper()
	concepts := vocabulary()
	normalizer := normalize.New(nil)
	idx, err := verbatim.Build(normalizer, concepts)
	require.NoError(t, err)

	mem := vector.NewMemoryIndex()
	mem.Add(201826, "Type 2 diabetes mellitus", []float32{1, 0, 0})
	mem.Add(316866, "Hypertensive disorder", []float32{0, 1, 0})
	mem.Add(4212540, "Liver disorder", []float32{0, 0, 1})

	arb := arbiter.New(llm, arbiter.RetryPolicy{MaxAttempts: 2, InitialInterval: 1})
	return NewEngine(Options{ShortlistSize: 10, NearMatchMaxDistance: 2}, normalizer, conceptsByID(concepts), idx, mem, embedder, arb, nil)
}

func TestMapTermVerbatimBypassSkipsModel(t *testing.T) {
	embedder := &fakeEmbedder{vec: []float32{1, 0, 0}}
	llm := &countingLLM{}
	eng := newTestEngine(t, embedder, llm)

	d, err := eng.MapTerm(context.Background(), models.SourceTerm{Code: "E11.9", Text: "Type 2 Diabetes Mellitus NOS"}, nil)
	require.NoError(t, err)
	require.Equal(t, int64(201826), d.ConceptID)
	require.Equal(t, models.StageVerbatim, d.Stage)
	require.Equal(t, 1.0, d.Confidence)
	require.Zero(t, llm.calls, "exact match must not call the model")
	require.Zero(t, embedder.calls, "exact match must not embed")
}

func TestMapTermSemanticThenArbitration(t *testing.T) {
	embedder := &fakeEmbedder{vec: []float32{0.95, 0.05, 0}}
	llm := &countingLLM{response: `{"match_found": true, "concept_id": 201826, "confidence": 0.82, "justification": "colloquial name for diabetes"}`}
	eng := newTestEngine(t, embedder, llm)

	d, err := eng.MapTerm(context.Background(), models.SourceTerm{Text: "sugar sickness"}, nil)
	require.NoError(t, err)
	require.Equal(t, int64(201826), d.ConceptID)
	require.Equal(t, models.StageLLM, d.Stage)
	require.InDelta(t, 0.82, d.Confidence, 1e-9)
	require.NotEmpty(t, d.Candidates)
	require.Equal(t, 1, llm.calls)
}

func TestMapTermEmbeddingFailureDegradesToUnmapped(t *testing.T) {
	embedder := &fakeEmbedder{err: errors.New("temporarily unavailable")}
	llm := &countingLLM{}
	eng := newTestEngine(t, embedder, llm)

	stats := &Stats{}
	d, err := eng.MapTerm(context.Background(), models.SourceTerm{Text: "sugar sickness"}, stats)
	require.NoError(t, err)
	require.True(t, d.Unmapped())
	require.Equal(t, models.ReasonNoMatch, d.Reason)
	require.Zero(t, llm.calls, "empty shortlist must not call the model")
	require.Equal(t, 1, stats.Snapshot().SemanticFailures)
}

func TestMapTermEmptyAfterNormalization(t *testing.T) {
	eng := newTestEngine(t, &fakeEmbedder{vec: []float32{1, 0, 0}}, &countingLLM{})
	d, err := eng.MapTerm(context.Background(), models.SourceTerm{Text: "unspecified NOS"}, nil)
	require.NoError(t, err)
	require.True(t, d.Unmapped())
	require.Equal(t, models.ReasonEmptyTerm, d.Reason)
}

func TestMapTermNoMatchVerdict(t *testing.T) {
	embedder := &fakeEmbedder{vec: []float32{0.5, 0.5, 0.5}}
	llm := &countingLLM{response: `{"match_found": false, "concept_id": 0, "confidence": 0.1, "justification": "nothing denotes this"}`}
	eng := newTestEngine(t, embedder, llm)

	d, err := eng.MapTerm(context.Background(), models.SourceTerm{Text: "green fatigue"}, nil)
	require.NoError(t, err)
	require.True(t, d.Unmapped())
	require.Equal(t, models.ReasonNoMatch, d.Reason)
	require.Equal(t, "nothing denotes this", d.Rationale)
	require.NotEmpty(t, d.Candidates)
}

func TestMergeCandidatesUnionsStages(t *testing.T) {
	verbatimHits := []models.Candidate{
		{ConceptID: 1, ConceptName: "A", Score: 0.9, Stages: []string{models.StageVerbatim}},
	}
	semanticHits := []models.Candidate{
		{ConceptID: 1, ConceptName: "A", Score: 0.7, Stages: []string{models.StageSemantic}},
		{ConceptID: 2, ConceptName: "B", Score: 0.8, Stages: []string{models.StageSemantic}},
	}
	got := mergeCandidates(verbatimHits, semanticHits, 10)
	require.Len(t, got, 2)
	require.Equal(t, int64(1), got[0].ConceptID)
	require.Equal(t, 0.9, got[0].Score)
	require.ElementsMatch(t, []string{models.StageVerbatim, models.StageSemantic}, got[0].Stages)
	require.Equal(t, int64(2), got[1].ConceptID)
}

func TestMergeCandidatesTruncatesAndOrders(t *testing.T) {
	var hits []models.Candidate
	for i := 1; i <= 5; i++ {
		hits = append(hits, models.Candidate{ConceptID: int64(i), Score: 0.5, Stages: []string{models.StageSemantic}})
	}
	got := mergeCandidates(nil, hits, 3)
	require.Len(t, got, 3)
	// Equal scores break ties by ascending concept ID.
	require.Equal(t, int64(1), got[0].ConceptID)
	require.Equal(t, int64(2), got[1].ConceptID)
	require.Equal(t, int64(3), got[2].ConceptID)
}

func TestMapBatchPreservesOrder(t *testing.T) {
	embedder := &fakeEmbedder{vec: []float32{0.95, 0.05, 0}}
	llm := &countingLLM{response: `{"match_found": true, "concept_id": 201826, "confidence": 0.8, "justification": "ok"}`}
	eng := newTestEngine(t, embedder, llm)

	terms := []models.SourceTerm{
		{Code: "1", Text: "Type 2 Diabetes Mellitus NOS"},
		{Code: "2", Text: "sugar sickness"},
		{Code: "3", Text: "unspecified"},
	}
	decisions, stats, err := eng.MapBatch(context.Background(), terms)
	require.NoError(t, err)
	require.Len(t, decisions, 3)
	for i := range terms {
		require.Equal(t, terms[i].Code, decisions[i].Term.Code)
	}
	require.Equal(t, 3, stats.TermsTotal)
	require.Equal(t, 2, stats.Mapped)
	require.Equal(t, 1, stats.Unmapped)
	require.Equal(t, 1, stats.VerbatimBypasses)
}

func TestMapBatchStopsOnCancel(t *testing.T) {
	eng := newTestEngine(t, &fakeEmbedder{vec: []float32{1, 0, 0}}, &countingLLM{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	terms := make([]models.SourceTerm, 50)
	for i := range terms {
		terms[i] = models.SourceTerm{Text: fmt.Sprintf("term %d", i)}
	}
	_, _, err := eng.MapBatch(ctx, terms)
	require.ErrorIs(t, err, context.Canceled)
}
