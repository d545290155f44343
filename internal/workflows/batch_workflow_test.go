package workflows

import (
	"context"
	"errors"
	"testing"

	"conceptmap/internal/activities"
	"conceptmap/internal/models"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/testsuite"
)

func registerActivityName[T any](env *testsuite.TestWorkflowEnvironment, name string, fn T) {
	env.RegisterActivityWithOptions(fn, activity.RegisterOptions{Name: name})
}

func registerBatchActivities(env *testsuite.TestWorkflowEnvironment) {
	registerActivityName(env, "LoadTermsActivity", func(context.Context, activities.LoadTermsInput) (activities.LoadTermsOutput, error) {
		return activities.LoadTermsOutput{}, nil
	})
	registerActivityName(env, "UpsertRunActivity", func(context.Context, activities.UpsertRunInput) error { return nil })
	registerActivityName(env, "EnsureVocabularyActivity", func(context.Context, activities.EnsureVocabularyInput) (activities.EnsureVocabularyOutput, error) {
		return activities.EnsureVocabularyOutput{}, nil
	})
	registerActivityName(env, "MapTermActivity", func(context.Context, activities.MapTermInput) (activities.MapTermOutput, error) {
		return activities.MapTermOutput{}, nil
	})
	registerActivityName(env, "PersistDecisionActivity", func(context.Context, activities.PersistDecisionInput) error { return nil })
	registerActivityName(env, "WriteDecisionsArtifactActivity", func(context.Context, activities.WriteDecisionsArtifactInput) (activities.WriteDecisionsArtifactOutput, error) {
		return activities.WriteDecisionsArtifactOutput{}, nil
	})
	registerActivityName(env, "EvaluateRunActivity", func(context.Context, activities.EvaluateRunInput) (activities.EvaluateRunOutput, error) {
		return activities.EvaluateRunOutput{}, nil
	})
	registerActivityName(env, "WriteRunReportActivity", func(context.Context, activities.WriteRunReportInput) (activities.WriteRunReportOutput, error) {
		return activities.WriteRunReportOutput{}, nil
	})
	registerActivityName(env, "LogModelCallActivity", func(context.Context, activities.LogModelCallInput) error { return nil })
}

func TestBatchMapWorkflowSuccess(t *testing.T) {
	var ts testsuite.WorkflowTestSuite
	env := ts.NewTestWorkflowEnvironment()
	env.RegisterWorkflow(BatchMapWorkflow)
	registerBatchActivities(env)

	terms := []models.SourceTerm{
		{Code: "E11.9", Text: "Type 2 Diabetes Mellitus NOS"},
		{Code: "X1", Text: "sugar sickness"},
	}
	env.OnActivity("LoadTermsActivity", mock.Anything, mock.Anything).Return(activities.LoadTermsOutput{Terms: terms}, nil)
	env.OnActivity("UpsertRunActivity", mock.Anything, mock.Anything).Return(nil)
	env.OnActivity("EnsureVocabularyActivity", mock.Anything, mock.Anything).Return(activities.EnsureVocabularyOutput{Concepts: 3}, nil)
	env.OnActivity("MapTermActivity", mock.Anything, mock.MatchedBy(func(in activities.MapTermInput) bool { return in.Term.Code == "E11.9" })).
		Return(activities.MapTermOutput{Decision: models.MappingDecision{
			Term: terms[0], ConceptID: 201826, ConceptName: "Type 2 diabetes mellitus", Confidence: 1, Stage: models.StageVerbatim,
		}, EmbedProvider: "mock", LLMProvider: "mock"}, nil)
	env.OnActivity("MapTermActivity", mock.Anything, mock.MatchedBy(func(in activities.MapTermInput) bool { return in.Term.Code == "X1" })).
		Return(activities.MapTermOutput{Decision: models.MappingDecision{
			Term: terms[1], ConceptID: 201826, ConceptName: "Type 2 diabetes mellitus", Confidence: 0.82, Stage: models.StageLLM,
		}, EmbedProvider: "mock", LLMProvider: "mock"}, nil)
	env.OnActivity("PersistDecisionActivity", mock.Anything, mock.Anything).Return(nil)
	env.OnActivity("WriteDecisionsArtifactActivity", mock.Anything, mock.Anything).Return(activities.WriteDecisionsArtifactOutput{Count: 2}, nil)
	env.OnActivity("WriteRunReportActivity", mock.Anything, mock.Anything).Return(activities.WriteRunReportOutput{Path: "/tmp/report.json"}, nil)
	env.OnActivity("LogModelCallActivity", mock.Anything, mock.Anything).Return(nil)

	env.ExecuteWorkflow(BatchMapWorkflow, BatchMapInput{RunID: "run-1", TermsPath: "/tmp/terms.csv", LLMProviders: 1, EmbedProviders: 1, CooldownSeconds: 10})
	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var out string
	require.NoError(t, env.GetWorkflowResult(&out))
	require.Equal(t, "/tmp/report.json", out)
}

func TestBatchMapWorkflowTermFailureDoesNotFailRun(t *testing.T) {
	var ts testsuite.WorkflowTestSuite
	env := ts.NewTestWorkflowEnvironment()
	env.RegisterWorkflow(BatchMapWorkflow)
	registerBatchActivities(env)

	terms := []models.SourceTerm{{Code: "X1", Text: "sugar sickness"}}
	env.OnActivity("LoadTermsActivity", mock.Anything, mock.Anything).Return(activities.LoadTermsOutput{Terms: terms}, nil)
	env.OnActivity("UpsertRunActivity", mock.Anything, mock.Anything).Return(nil)
	env.OnActivity("EnsureVocabularyActivity", mock.Anything, mock.Anything).Return(activities.EnsureVocabularyOutput{Concepts: 3}, nil)
	env.OnActivity("MapTermActivity", mock.Anything, mock.Anything).Return(activities.MapTermOutput{}, errors.New("invalid api key"))
	env.OnActivity("PersistDecisionActivity", mock.Anything, mock.MatchedBy(func(in activities.PersistDecisionInput) bool {
		return in.Decision.Unmapped() && in.Decision.Reason == models.ReasonArbitrationFailed
	})).Return(nil)
	env.OnActivity("WriteDecisionsArtifactActivity", mock.Anything, mock.Anything).Return(activities.WriteDecisionsArtifactOutput{Count: 1}, nil)
	env.OnActivity("WriteRunReportActivity", mock.Anything, mock.Anything).Return(activities.WriteRunReportOutput{Path: "/tmp/report.json"}, nil)
	env.OnActivity("LogModelCallActivity", mock.Anything, mock.Anything).Return(nil)

	env.ExecuteWorkflow(BatchMapWorkflow, BatchMapInput{RunID: "run-2", TermsPath: "/tmp/terms.csv", LLMProviders: 1, EmbedProviders: 1, CooldownSeconds: 10})
	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())
}

func TestVocabularyEmbedWorkflow(t *testing.T) {
	var ts testsuite.WorkflowTestSuite
	env := ts.NewTestWorkflowEnvironment()
	env.RegisterWorkflow(VocabularyEmbedWorkflow)
	registerActivityName(env, "EnsureVocabularyActivity", func(context.Context, activities.EnsureVocabularyInput) (activities.EnsureVocabularyOutput, error) {
		return activities.EnsureVocabularyOutput{}, nil
	})
	registerActivityName(env, "LogModelCallActivity", func(context.Context, activities.LogModelCallInput) error { return nil })

	env.OnActivity("EnsureVocabularyActivity", mock.Anything, mock.Anything).
		Return(activities.EnsureVocabularyOutput{Concepts: 10, EmbeddedSynonyms: 24, ProviderName: "mock", Model: "mock"}, nil)
	env.OnActivity("LogModelCallActivity", mock.Anything, mock.Anything).Return(nil)

	env.ExecuteWorkflow(VocabularyEmbedWorkflow, VocabularyEmbedInput{EmbedProviders: 1, CooldownSeconds: 10})
	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var out string
	require.NoError(t, env.GetWorkflowResult(&out))
	require.Equal(t, "embedded 24 synonyms across 10 concepts", out)
}
