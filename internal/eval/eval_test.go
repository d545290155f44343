package eval

import (
	"strings"
	"testing"

	"conceptmap/internal/models"

	"github.com/stretchr/testify/require"
)

func decision(code string, conceptID int64, candidates ...int64) models.MappingDecision {
	d := models.MappingDecision{
		Term:      models.SourceTerm{Code: code, Text: "term " + code},
		ConceptID: conceptID,
	}
	if conceptID != 0 {
		d.Stage = models.StageLLM
	} else {
		d.Stage = models.StageNone
		d.Reason = models.ReasonNoMatch
	}
	for _, id := range candidates {
		d.Candidates = append(d.Candidates, models.Candidate{ConceptID: id, Score: 0.5})
	}
	return d
}

func TestEvaluateMetrics(t *testing.T) {
	gold := []models.GoldMapping{
		{SourceCode: "a", ConceptID: 1},
		{SourceCode: "b", ConceptID: 2},
		{SourceCode: "c", ConceptID: 3},
		{SourceCode: "d", ConceptID: 4},
	}
	decisions := []models.MappingDecision{
		decision("a", 1, 1, 9),   // correct, gold in shortlist
		decision("b", 9, 9),      // wrong concept
		decision("c", 0, 3, 7),   // unmapped but gold was shortlisted
		decision("zz", 5, 5),     // not in gold
	}

	r := Evaluate(decisions, gold)
	require.False(t, r.InsufficientData)
	require.Equal(t, 3, r.Evaluated)
	require.Equal(t, 1, r.Correct)
	require.Equal(t, 2, r.MappedCount)
	require.InDelta(t, 1.0/3.0, r.Accuracy, 1e-9)
	require.InDelta(t, 0.5, r.Precision, 1e-9)
	require.InDelta(t, 0.75, r.Coverage, 1e-9)
	require.InDelta(t, 2.0/3.0, r.ShortlistRecall, 1e-9)
	require.Equal(t, []string{"zz"}, r.MissingFromGold)
	require.ElementsMatch(t, []string{"d"}, r.MissingFromRun)
}

func TestEvaluateEmptyJoinFlagsInsufficientData(t *testing.T) {
	r := Evaluate(nil, nil)
	require.True(t, r.InsufficientData)
	require.Zero(t, r.Accuracy)

	r = Evaluate([]models.MappingDecision{decision("x", 1)}, []models.GoldMapping{{SourceCode: "y", ConceptID: 2}})
	require.True(t, r.InsufficientData)
}

func TestEvaluateJoinsByTermWhenCodeMissing(t *testing.T) {
	gold := []models.GoldMapping{{SourceTerm: "Sugar Sickness", ConceptID: 201826}}
	decisions := []models.MappingDecision{{
		Term:      models.SourceTerm{Text: "sugar sickness"},
		ConceptID: 201826,
		Stage:     models.StageLLM,
	}}
	r := Evaluate(decisions, gold)
	require.Equal(t, 1, r.Correct)
	require.InDelta(t, 1.0, r.Accuracy, 1e-9)
}

func TestReadGold(t *testing.T) {
	csv := strings.Join([]string{
		"code,term,concept_id",
		"E11.9,Type 2 diabetes mellitus without complications,201826",
		"I10,Essential hypertension,316866",
		"E11.9,duplicate row kept first,999",
	}, "\n")
	gold, err := ReadGold(strings.NewReader(csv))
	require.NoError(t, err)
	require.Len(t, gold, 2)
	require.Equal(t, int64(201826), gold[0].ConceptID)
}

func TestReadGoldRejectsBadHeaderAndBadID(t *testing.T) {
	_, err := ReadGold(strings.NewReader("foo,bar,baz\nx,y,1"))
	require.Error(t, err)

	_, err = ReadGold(strings.NewReader("code,term,concept_id\nx,y,notanumber"))
	require.Error(t, err)
}
