package workflows

import (
	"fmt"
	"sort"
	"time"

	"conceptmap/internal/activities"
	"conceptmap/internal/models"
	"conceptmap/internal/pipeline"
	"conceptmap/internal/providers"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

const (
	QueryGetRunProgress = "GetRunProgress"
)

type providerState struct {
	disabledUntil map[int]time.Time
	retries       map[string]int
}

func newProviderState() providerState {
	return providerState{disabledUntil: map[int]time.Time{}, retries: map[string]int{}}
}

// BatchMapWorkflow maps every term of a batch onto the standard vocabulary.
// Terms are processed with bounded concurrency; a term that keeps failing is
// recorded as unmapped rather than failing the run.
func BatchMapWorkflow(ctx workflow.Context, input BatchMapInput) (string, error) {
	progress := BatchMapProgress{RunID: input.RunID, PerStage: map[string]int{}}
	if err := workflow.SetQueryHandler(ctx, QueryGetRunProgress, func() (BatchMapProgress, error) {
		return progress, nil
	}); err != nil {
		return "", err
	}

	ao := workflow.ActivityOptions{
		StartToCloseTimeout: 5 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    2 * time.Second,
			BackoffCoefficient: 2,
			MaximumInterval:    20 * time.Second,
			MaximumAttempts:    2,
		},
	}
	ctx = workflow.WithActivityOptions(ctx, ao)

	var listOut activities.LoadTermsOutput
	if err := workflow.ExecuteActivity(ctx, "LoadTermsActivity", activities.LoadTermsInput{TermsPath: input.TermsPath}).Get(ctx, &listOut); err != nil {
		return "", err
	}
	terms := listOut.Terms
	progress.Total = len(terms)

	if err := workflow.ExecuteActivity(ctx, "UpsertRunActivity", activities.UpsertRunInput{
		RunID: input.RunID, Status: "running", TotalTerms: len(terms), Create: true,
	}).Get(ctx, nil); err != nil {
		return "", err
	}

	cooldown := durationOrDefault(input.CooldownSeconds, 900)
	embedCount := defaultCount(input.EmbedProviders)
	llmCount := defaultCount(input.LLMProviders)
	embedState := newProviderState()
	llmState := newProviderState()

	if _, err := callEnsureVocabularyWithFailover(ctx, &embedState, embedCount, cooldown, input.RunID); err != nil {
		_ = workflow.ExecuteActivity(ctx, "UpsertRunActivity", activities.UpsertRunInput{RunID: input.RunID, Status: "failed"}).Get(ctx, nil)
		return "", err
	}

	maxParallel := input.MaxParallelTerms
	if maxParallel <= 0 {
		maxParallel = 4
	}

	providersUsed := map[string]bool{}
	for start := 0; start < len(terms); start += maxParallel {
		end := start + maxParallel
		if end > len(terms) {
			end = len(terms)
		}
		batch := terms[start:end]
		results := workflow.NewChannel(ctx)
		for _, term := range batch {
			term := term
			workflow.Go(ctx, func(gctx workflow.Context) {
				out, err := callMapTermWithFailover(gctx, &llmState, llmCount, embedCount, cooldown, activities.MapTermInput{
					RunID: input.RunID,
					Term:  term,
				}, llmState.retries)
				if err != nil {
					// Terminal failure for this term only.
					out.Decision = models.MappingDecision{
						Term:      term,
						Stage:     models.StageNone,
						Reason:    models.ReasonArbitrationFailed,
						Rationale: err.Error(),
					}
				}
				results.Send(gctx, out)
			})
		}
		for range batch {
			var out activities.MapTermOutput
			results.Receive(ctx, &out)
			progress.Done++
			if out.Decision.Unmapped() {
				progress.Unmapped++
			} else {
				progress.Mapped++
			}
			if out.Decision.Reason == models.ReasonArbitrationFailed {
				progress.Failed++
			}
			progress.PerStage[out.Decision.Stage]++
			if out.LLMProvider != "" {
				providersUsed[out.LLMProvider] = true
			}
			if out.EmbedProvider != "" {
				providersUsed[out.EmbedProvider] = true
			}
			if err := workflow.ExecuteActivity(ctx, "PersistDecisionActivity", activities.PersistDecisionInput{
				RunID:    input.RunID,
				Decision: out.Decision,
			}).Get(ctx, nil); err != nil {
				return "", err
			}
		}
	}

	_ = workflow.ExecuteActivity(ctx, "WriteDecisionsArtifactActivity", activities.WriteDecisionsArtifactInput{RunID: input.RunID}).Get(ctx, nil)

	var evalReport *activities.EvaluateRunOutput
	if input.GoldPath != "" {
		var evalOut activities.EvaluateRunOutput
		if err := workflow.ExecuteActivity(ctx, "EvaluateRunActivity", activities.EvaluateRunInput{
			RunID:    input.RunID,
			GoldPath: input.GoldPath,
		}).Get(ctx, &evalOut); err == nil {
			evalReport = &evalOut
		}
	}

	reportIn := activities.WriteRunReportInput{
		RunID: input.RunID,
		Stats: pipeline.StatsSnapshot{
			TermsTotal:          progress.Total,
			Mapped:              progress.Mapped,
			Unmapped:            progress.Unmapped,
			VerbatimBypasses:    progress.PerStage[models.StageVerbatim],
			ArbitrationFailures: progress.Failed,
		},
		Providers: sortedKeys(providersUsed),
	}
	if evalReport != nil {
		reportIn.Report = &evalReport.Report
	}
	var reportOut activities.WriteRunReportOutput
	if err := workflow.ExecuteActivity(ctx, "WriteRunReportActivity", reportIn).Get(ctx, &reportOut); err != nil {
		return "", err
	}

	if err := workflow.ExecuteActivity(ctx, "UpsertRunActivity", activities.UpsertRunInput{
		RunID: input.RunID, Status: "completed",
	}).Get(ctx, nil); err != nil {
		return "", err
	}
	return reportOut.Path, nil
}

// VocabularyEmbedWorkflow (re)embeds the standard vocabulary on its own, for
// bootstrap and for embedding version migrations.
func VocabularyEmbedWorkflow(ctx workflow.Context, input VocabularyEmbedInput) (string, error) {
	ao := workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    2 * time.Second,
			BackoffCoefficient: 2,
			MaximumInterval:    30 * time.Second,
			MaximumAttempts:    2,
		},
	}
	ctx = workflow.WithActivityOptions(ctx, ao)

	state := newProviderState()
	out, err := callEnsureVocabularyWithFailover(ctx, &state, defaultCount(input.EmbedProviders), durationOrDefault(input.CooldownSeconds, 900), "")
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("embedded %d synonyms across %d concepts", out.EmbeddedSynonyms, out.Concepts), nil
}

func callEnsureVocabularyWithFailover(ctx workflow.Context, state *providerState, providerCount int, cooldown time.Duration, runID string) (activities.EnsureVocabularyOutput, error) {
	var lastErr error
	for attempt := 0; attempt < providerCount*4; attempt++ {
		idx := attempt % providerCount
		if isProviderDisabled(ctx, state, idx) {
			continue
		}
		var out activities.EnsureVocabularyOutput
		err := workflow.ExecuteActivity(ctx, "EnsureVocabularyActivity", activities.EnsureVocabularyInput{EmbedProviderIndex: idx}).Get(ctx, &out)
		if err == nil {
			if out.EmbeddedSynonyms > 0 {
				_ = workflow.ExecuteActivity(ctx, "LogModelCallActivity", activities.LogModelCallInput{
					Operation: "embed_vocabulary", RunID: runID, ProviderName: out.ProviderName, Model: out.Model, Status: "ok",
				}).Get(ctx, nil)
			}
			return out, nil
		}
		lastErr = err
		errType := providers.ClassifyError(err)
		_ = workflow.ExecuteActivity(ctx, "LogModelCallActivity", activities.LogModelCallInput{
			Operation: "embed_vocabulary", RunID: runID, ProviderName: fmt.Sprintf("provider-%d", idx), Status: "failed", ErrorType: string(errType),
		}).Get(ctx, nil)
		key := fmt.Sprintf("vocab-%d", idx)
		state.retries[key]++
		switch errType {
		case providers.ErrorQuota:
			disableProviderUntil(ctx, state, idx, cooldown)
		case providers.ErrorRate, providers.ErrorTransient:
			if state.retries[key] <= 2 {
				workflow.Sleep(ctx, time.Duration(state.retries[key]*2)*time.Second)
				attempt--
			} else {
				disableProviderUntil(ctx, state, idx, 2*time.Minute)
			}
		default:
			disableProviderUntil(ctx, state, idx, time.Minute)
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("all embed providers exhausted")
	}
	return activities.EnsureVocabularyOutput{}, lastErr
}

func callMapTermWithFailover(ctx workflow.Context, state *providerState, llmCount, embedCount int, cooldown time.Duration, input activities.MapTermInput, retryCounts map[string]int) (activities.MapTermOutput, error) {
	if retryCounts == nil {
		retryCounts = map[string]int{}
	}
	var lastErr error
	for attempt := 0; attempt < llmCount*4; attempt++ {
		idx := attempt % llmCount
		if isProviderDisabled(ctx, state, idx) {
			continue
		}
		input.LLMProviderIndex = idx
		input.EmbedProviderIndex = attempt % embedCount
		var out activities.MapTermOutput
		err := workflow.ExecuteActivity(ctx, "MapTermActivity", input).Get(ctx, &out)
		if err == nil {
			if out.Decision.Stage == models.StageLLM || out.Decision.Reason == models.ReasonNoMatch {
				_ = workflow.ExecuteActivity(ctx, "LogModelCallActivity", activities.LogModelCallInput{
					Operation: "arbitrate_mapping", RunID: input.RunID, SourceTerm: input.Term.Text,
					ProviderName: out.LLMProvider, Status: "ok",
				}).Get(ctx, nil)
			}
			return out, nil
		}
		lastErr = err
		errType := providers.ClassifyError(err)
		_ = workflow.ExecuteActivity(ctx, "LogModelCallActivity", activities.LogModelCallInput{
			Operation: "arbitrate_mapping", RunID: input.RunID, SourceTerm: input.Term.Text,
			ProviderName: fmt.Sprintf("provider-%d", idx), Status: "failed", ErrorType: string(errType),
		}).Get(ctx, nil)
		key := fmt.Sprintf("map-%d", idx)
		retryCounts[key]++
		switch errType {
		case providers.ErrorQuota:
			disableProviderUntil(ctx, state, idx, cooldown)
		case providers.ErrorRate:
			if retryCounts[key] <= 2 {
				workflow.Sleep(ctx, time.Duration(retryCounts[key]*2)*time.Second)
				attempt--
			} else {
				disableProviderUntil(ctx, state, idx, 2*time.Minute)
			}
		case providers.ErrorTransient:
			if retryCounts[key] <= 2 {
				workflow.Sleep(ctx, time.Duration(retryCounts[key])*time.Second)
				attempt--
			}
		default:
			disableProviderUntil(ctx, state, idx, time.Minute)
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("all llm providers exhausted")
	}
	return activities.MapTermOutput{}, lastErr
}

func isProviderDisabled(ctx workflow.Context, state *providerState, idx int) bool {
	until, ok := state.disabledUntil[idx]
	if !ok {
		return false
	}
	return workflow.Now(ctx).Before(until)
}

func disableProviderUntil(ctx workflow.Context, state *providerState, idx int, d time.Duration) {
	state.disabledUntil[idx] = workflow.Now(ctx).Add(d)
}

func durationOrDefault(seconds int, fallback int) time.Duration {
	if seconds <= 0 {
		seconds = fallback
	}
	return time.Duration(seconds) * time.Second
}

func defaultCount(n int) int {
	if n <= 0 {
		return 1
	}
	return n
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
