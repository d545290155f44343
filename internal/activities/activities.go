package activities

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"conceptmap/internal/arbiter"
	"conceptmap/internal/cleanup"
	"conceptmap/internal/config"
	"conceptmap/internal/eval"
	"conceptmap/internal/models"
	"conceptmap/internal/normalize"
	"conceptmap/internal/pipeline"
	"conceptmap/internal/providers"
	"conceptmap/internal/storage"
	"conceptmap/internal/util"
	"conceptmap/internal/vector"
	"conceptmap/internal/verbatim"
)

type Activities struct {
	cfg          config.Config
	conceptRepo  *storage.ConceptRepo
	embedRepo    *storage.EmbeddingRepo
	runRepo      *storage.RunRepo
	decisionRepo *storage.DecisionRepo
	auditRepo    *storage.ModelAuditRepo
	searcher     vector.ConceptSearcher
	providers    *providers.Manager

	baseOnce   sync.Once
	baseErr    error
	normalizer *normalize.Normalizer
	concepts   []models.StandardConcept
	byID       map[int64]models.StandardConcept
	index      *verbatim.Index
}

func New(cfg config.Config, db *storage.DB) (*Activities, error) {
	pm, err := providers.NewManager(cfg)
	if err != nil {
		return nil, err
	}
	return &Activities{
		cfg:          cfg,
		conceptRepo:  storage.NewConceptRepo(db),
		embedRepo:    storage.NewEmbeddingRepo(db),
		runRepo:      storage.NewRunRepo(db),
		decisionRepo: storage.NewDecisionRepo(db),
		auditRepo:    storage.NewModelAuditRepo(db),
		searcher:     vector.NewSearcher(db.Pool, cfg.EmbedVersion),
		providers:    pm,
	}, nil
}

// ensureBase loads the vocabulary and builds the verbatim index once per
// worker process. Every term activity shares the result read-only.
func (a *Activities) ensureBase(ctx context.Context) error {
	a.baseOnce.Do(func() {
		a.normalizer = normalize.FromSpec(a.cfg.StripQualifiers)
		concepts, err := a.conceptRepo.ListConcepts(ctx)
		if err != nil {
			a.baseErr = err
			return
		}
		idx, err := verbatim.Build(a.normalizer, concepts)
		if err != nil {
			a.baseErr = fmt.Errorf("build verbatim index: %w", err)
			return
		}
		byID := make(map[int64]models.StandardConcept, len(concepts))
		for _, c := range concepts {
			byID[c.ConceptID] = c
		}
		a.concepts = concepts
		a.byID = byID
		a.index = idx
	})
	return a.baseErr
}

func (a *Activities) LoadTermsActivity(ctx context.Context, in LoadTermsInput) (LoadTermsOutput, error) {
	_ = ctx
	f, err := os.Open(in.TermsPath)
	if err != nil {
		return LoadTermsOutput{}, fmt.Errorf("open terms file: %w", err)
	}
	defer f.Close()

	cr := csv.NewReader(f)
	cr.FieldsPerRecord = -1
	header, err := cr.Read()
	if err != nil {
		return LoadTermsOutput{}, fmt.Errorf("read terms header: %w", err)
	}
	if len(header) < 2 || strings.TrimSpace(header[0]) != "code" || strings.TrimSpace(header[1]) != "term" {
		return LoadTermsOutput{}, fmt.Errorf("unexpected terms header %v, want code,term[,domain]", header)
	}

	out := LoadTermsOutput{Terms: make([]models.SourceTerm, 0)}
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return LoadTermsOutput{}, fmt.Errorf("read terms row %d: %w", line, err)
		}
		if len(rec) < 2 {
			continue
		}
		term := models.SourceTerm{
			Code: strings.TrimSpace(rec[0]),
			Text: util.SanitizeText(rec[1]),
		}
		if len(rec) > 2 {
			term.Domain = strings.TrimSpace(rec[2])
		}
		if term.Text == "" {
			continue
		}
		out.Terms = append(out.Terms, term)
	}
	return out, nil
}

// EnsureVocabularyActivity makes sure every concept name and synonym has an
// embedding for the configured version, embedding the missing remainder in
// batches. Safe to run repeatedly.
func (a *Activities) EnsureVocabularyActivity(ctx context.Context, in EnsureVocabularyInput) (EnsureVocabularyOutput, error) {
	if err := a.ensureBase(ctx); err != nil {
		return EnsureVocabularyOutput{}, err
	}

	type synonymRow struct {
		conceptID int64
		text      string
	}
	rows := make([]synonymRow, 0, len(a.concepts)*2)
	for _, c := range a.concepts {
		rows = append(rows, synonymRow{conceptID: c.ConceptID, text: c.Name})
		for _, s := range c.Synonyms {
			rows = append(rows, synonymRow{conceptID: c.ConceptID, text: s})
		}
	}

	existing, err := a.embedRepo.CountEmbeddings(ctx, a.cfg.EmbedVersion)
	if err != nil {
		return EnsureVocabularyOutput{}, err
	}
	out := EnsureVocabularyOutput{Concepts: len(a.concepts)}
	if existing >= len(rows) {
		return out, nil
	}

	embedder, ref := a.providers.EmbedProviderByIndex(in.EmbedProviderIndex)
	const batchSize = 64
	for start := 0; start < len(rows); start += batchSize {
		end := start + batchSize
		if end > len(rows) {
			end = len(rows)
		}
		inputs := make([]string, 0, end-start)
		for _, r := range rows[start:end] {
			nt, err := a.normalizer.Normalize(r.text)
			if err != nil || nt.IsEmpty() {
				inputs = append(inputs, strings.ToLower(r.text))
				continue
			}
			inputs = append(inputs, nt.Normalized)
		}
		vecs, info, err := embedder.Embed(ctx, providers.EmbedRequest{
			Operation: "embed_vocabulary",
			Inputs:    inputs,
			Dimension: a.cfg.EmbedDim,
		})
		if err != nil {
			return EnsureVocabularyOutput{}, fmt.Errorf("embed vocabulary batch (%s): %w", ref.Raw, err)
		}
		if len(vecs) != end-start {
			return EnsureVocabularyOutput{}, fmt.Errorf("embed vocabulary batch: got %d vectors for %d inputs", len(vecs), end-start)
		}
		records := make([]storage.ConceptEmbeddingRecord, 0, end-start)
		for i, r := range rows[start:end] {
			lit := vector.ToLiteral(vecs[i])
			records = append(records, storage.ConceptEmbeddingRecord{
				ConceptID:        r.conceptID,
				SynonymText:      r.text,
				EmbeddingVersion: a.cfg.EmbedVersion,
				EmbeddingVector:  &lit,
			})
		}
		if err := a.embedRepo.UpsertEmbeddings(ctx, records); err != nil {
			return EnsureVocabularyOutput{}, err
		}
		out.EmbeddedSynonyms += len(records)
		out.ProviderName = info.Name
		out.Model = info.Model
	}
	return out, nil
}

func (a *Activities) MapTermActivity(ctx context.Context, in MapTermInput) (MapTermOutput, error) {
	if err := a.ensureBase(ctx); err != nil {
		return MapTermOutput{}, err
	}

	embedder, embedRef := a.providers.EmbedProviderByIndex(in.EmbedProviderIndex)
	llm, llmRef := a.providers.LLMProviderByIndex(in.LLMProviderIndex)

	arb := arbiter.New(llm, arbiter.RetryPolicy{MaxAttempts: a.cfg.ArbiterMaxAttempts})
	var cleaner *cleanup.Cleaner
	if a.cfg.EnableTermCleanup {
		cleaner = cleanup.New(llm)
	}
	eng := pipeline.NewEngine(pipeline.Options{
		RetrievalTopK:        a.cfg.RetrievalTopK,
		ShortlistSize:        a.cfg.ShortlistSize,
		VerbatimBypassScore:  a.cfg.VerbatimBypassScore,
		NearMatchMaxDistance: a.cfg.NearMatchMaxDistance,
		EmbedDim:             a.cfg.EmbedDim,
		EnableTermCleanup:    a.cfg.EnableTermCleanup,
	}, a.normalizer, a.byID, a.index, a.searcher, embedder, arb, cleaner)

	callCtx := ctx
	if a.cfg.CallTimeoutSecs > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, time.Duration(a.cfg.CallTimeoutSecs)*time.Second)
		defer cancel()
	}

	decision, err := eng.MapTerm(callCtx, in.Term, nil)
	if err != nil {
		return MapTermOutput{}, err
	}
	if decision.Reason == models.ReasonArbitrationFailed {
		// Surface the provider failure so the workflow can fail over.
		return MapTermOutput{}, fmt.Errorf("arbitration failed for term %q: %s", in.Term.Text, decision.Rationale)
	}
	return MapTermOutput{
		Decision:      decision,
		EmbedProvider: embedRef.Raw,
		LLMProvider:   llmRef.Raw,
	}, nil
}

func (a *Activities) PersistDecisionActivity(ctx context.Context, in PersistDecisionInput) error {
	return a.decisionRepo.InsertDecision(ctx, in.RunID, in.Decision)
}

func (a *Activities) UpsertRunActivity(ctx context.Context, in UpsertRunInput) error {
	if in.Create {
		return a.runRepo.CreateRun(ctx, models.MappingRun{
			RunID:      in.RunID,
			Status:     in.Status,
			TotalTerms: in.TotalTerms,
		})
	}
	return a.runRepo.UpdateStatus(ctx, in.RunID, in.Status)
}

func (a *Activities) EvaluateRunActivity(ctx context.Context, in EvaluateRunInput) (EvaluateRunOutput, error) {
	gold, err := eval.LoadGoldCSV(in.GoldPath)
	if err != nil {
		return EvaluateRunOutput{}, err
	}
	decisions, err := a.decisionRepo.ListDecisions(ctx, in.RunID)
	if err != nil {
		return EvaluateRunOutput{}, err
	}
	return EvaluateRunOutput{Report: eval.Evaluate(decisions, gold)}, nil
}

func (a *Activities) WriteRunReportActivity(ctx context.Context, in WriteRunReportInput) (WriteRunReportOutput, error) {
	_ = ctx
	path := filepath.Join(a.cfg.DataOutRoot, "runs", in.RunID, "report.json")
	payload := map[string]any{
		"run_id":    in.RunID,
		"stats":     in.Stats,
		"providers": in.Providers,
	}
	if in.Report != nil {
		payload["evaluation"] = in.Report
	}
	if err := util.WriteJSONAtomic(path, payload); err != nil {
		return WriteRunReportOutput{}, err
	}
	return WriteRunReportOutput{Path: path}, nil
}

func (a *Activities) WriteDecisionsArtifactActivity(ctx context.Context, in WriteDecisionsArtifactInput) (WriteDecisionsArtifactOutput, error) {
	decisions, err := a.decisionRepo.ListDecisions(ctx, in.RunID)
	if err != nil {
		return WriteDecisionsArtifactOutput{}, err
	}
	rows := make([]any, 0, len(decisions))
	for _, d := range decisions {
		rows = append(rows, d)
	}
	path := filepath.Join(a.cfg.DataOutRoot, "runs", in.RunID, "decisions.jsonl")
	if err := util.WriteJSONLinesAtomic(path, rows); err != nil {
		return WriteDecisionsArtifactOutput{}, err
	}
	return WriteDecisionsArtifactOutput{Path: path, Count: len(rows)}, nil
}

func (a *Activities) LogModelCallActivity(ctx context.Context, in LogModelCallInput) error {
	err := a.auditRepo.Insert(ctx, storage.ModelCallRecord{
		Operation:    in.Operation,
		RunID:        in.RunID,
		SourceTerm:   in.SourceTerm,
		ProviderName: in.ProviderName,
		Model:        in.Model,
		Status:       in.Status,
		ErrorType:    in.ErrorType,
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
