package arbiter

import (
	"context"
	"errors"
	"testing"
	"time"

	"conceptmap/internal/models"
	"conceptmap/internal/providers"
	"conceptmap/internal/util"

	"github.com/stretchr/testify/require"
)

type scriptedLLM struct {
	responses []string
	errs      []error
	calls     int
}

func (s *scriptedLLM) Generate(ctx context.Context, req providers.GenerateRequest) (providers.GenerateResponse, providers.ProviderInfo, error) {
	i := s.calls
	s.calls++
	if i < len(s.errs) && s.errs[i] != nil {
		return providers.GenerateResponse{}, providers.ProviderInfo{Name: "scripted"}, s.errs[i]
	}
	resp := ""
	if i < len(s.responses) {
		resp = s.responses[i]
	}
	return providers.GenerateResponse{Text: resp}, providers.ProviderInfo{Name: "scripted"}, nil
}

func fastPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}
}

func shortlist() []models.Candidate {
	return []models.Candidate{
		{ConceptID: 201826, ConceptName: "Type 2 diabetes mellitus", Score: 0.91, Stages: []string{models.StageSemantic}},
		{ConceptID: 316866, ConceptName: "Hypertensive disorder", Score: 0.55, Stages: []string{models.StageSemantic}},
	}
}

func TestDecideAcceptsShortlistConcept(t *testing.T) {
	llm := &scriptedLLM{responses: []string{
		`{"match_found": true, "concept_id": 201826, "confidence": 0.88, "justification": "same clinical entity"}`,
	}}
	res, err := New(llm, fastPolicy()).Decide(context.Background(), "sugar sickness", shortlist(), nil)
	require.NoError(t, err)
	require.True(t, res.MatchFound)
	require.Equal(t, int64(201826), res.ConceptID)
	require.Equal(t, "Type 2 diabetes mellitus", res.ConceptName)
	require.InDelta(t, 0.88, res.Confidence, 1e-9)
	require.Equal(t, 1, llm.calls)
}

func TestDecideToleratesCodeFence(t *testing.T) {
	llm := &scriptedLLM{responses: []string{
		"```json\n{\"match_found\": true, \"concept_id\": 316866, \"confidence\": 0.7, \"justification\": \"ok\"}\n```",
	}}
	res, err := New(llm, fastPolicy()).Decide(context.Background(), "high blood pressure", shortlist(), nil)
	require.NoError(t, err)
	require.True(t, res.MatchFound)
	require.Equal(t, int64(316866), res.ConceptID)
}

func TestDecideDowngradesHallucinatedConcept(t *testing.T) {
	llm := &scriptedLLM{responses: []string{
		`{"match_found": true, "concept_id": 999999, "confidence": 0.99, "justification": "made up"}`,
	}}
	res, err := New(llm, fastPolicy()).Decide(context.Background(), "sugar sickness", shortlist(), nil)
	require.NoError(t, err)
	require.False(t, res.MatchFound)
	require.Zero(t, res.ConceptID)
	require.Contains(t, res.Justification, "999999")
	require.Equal(t, 1, llm.calls)
}

func TestDecideEmptyShortlistSkipsModel(t *testing.T) {
	llm := &scriptedLLM{}
	res, err := New(llm, fastPolicy()).Decide(context.Background(), "anything", nil, nil)
	require.NoError(t, err)
	require.False(t, res.MatchFound)
	require.Zero(t, llm.calls)
}

func TestDecideRetriesMalformedThenSucceeds(t *testing.T) {
	llm := &scriptedLLM{responses: []string{
		"sorry, I cannot help with that",
		`{"match_found": false, "concept_id": 0, "confidence": 0.2, "justification": "nothing fits"}`,
	}}
	res, err := New(llm, fastPolicy()).Decide(context.Background(), "sugar sickness", shortlist(), nil)
	require.NoError(t, err)
	require.False(t, res.MatchFound)
	require.Equal(t, 2, res.Attempts)
}

func TestDecideExhaustsRetries(t *testing.T) {
	llm := &scriptedLLM{errs: []error{
		errors.New("timeout"),
		errors.New("timeout"),
		errors.New("timeout"),
	}}
	_, err := New(llm, fastPolicy()).Decide(context.Background(), "sugar sickness", shortlist(), nil)
	require.ErrorIs(t, err, util.ErrArbitration)
	require.Equal(t, 3, llm.calls)
}

func TestDecideStopsOnPermanentError(t *testing.T) {
	llm := &scriptedLLM{errs: []error{errors.New("invalid api key")}}
	_, err := New(llm, fastPolicy()).Decide(context.Background(), "sugar sickness", shortlist(), nil)
	require.ErrorIs(t, err, util.ErrArbitration)
	require.Equal(t, 1, llm.calls)
}
