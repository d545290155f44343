package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
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
	"conceptmap/internal/vector"
	"conceptmap/internal/verbatim"
	"conceptmap/internal/workflows"

	"github.com/google/uuid"
	enumspb "go.temporal.io/api/enums/v1"
	tclient "go.temporal.io/sdk/client"
)

type Server struct {
	cfg          config.Config
	db           *storage.DB
	conceptRepo  *storage.ConceptRepo
	embedRepo    *storage.EmbeddingRepo
	runRepo      *storage.RunRepo
	decisionRepo *storage.DecisionRepo
	searcher     vector.ConceptSearcher
	providers    *providers.Manager
	temporal     tclient.Client

	engineOnce sync.Once
	engineErr  error
	engine     *pipeline.Engine
}

func NewServer(cfg config.Config) *Server {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	db, err := storage.NewDB(ctx, cfg.PostgresURL)
	if err != nil {
		panic(err)
	}
	pm, err := providers.NewManager(cfg)
	if err != nil {
		panic(err)
	}
	tc, err := tclient.Dial(tclient.Options{HostPort: cfg.TemporalAddress})
	if err != nil {
		panic(err)
	}
	return &Server{
		cfg:          cfg,
		db:           db,
		conceptRepo:  storage.NewConceptRepo(db),
		embedRepo:    storage.NewEmbeddingRepo(db),
		runRepo:      storage.NewRunRepo(db),
		decisionRepo: storage.NewDecisionRepo(db),
		searcher:     vector.NewSearcher(db.Pool, cfg.EmbedVersion),
		providers:    pm,
		temporal:     tc,
	}
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/vocabulary", s.handleVocabulary)
	mux.HandleFunc("/map", s.handleMap)
	mux.HandleFunc("/runs", s.handleRuns)
	mux.HandleFunc("/runs/", s.handleRunScoped)
	mux.HandleFunc("/evaluate", s.handleEvaluate)
	return withCORS(mux)
}

// ensureEngine builds the in-process mapping engine on first use, so /map can
// answer synchronously without going through Temporal.
func (s *Server) ensureEngine(ctx context.Context) (*pipeline.Engine, error) {
	s.engineOnce.Do(func() {
		normalizer := normalize.FromSpec(s.cfg.StripQualifiers)
		concepts, err := s.conceptRepo.ListConcepts(ctx)
		if err != nil {
			s.engineErr = err
			return
		}
		idx, err := verbatim.Build(normalizer, concepts)
		if err != nil {
			s.engineErr = fmt.Errorf("build verbatim index: %w", err)
			return
		}
		byID := make(map[int64]models.StandardConcept, len(concepts))
		for _, c := range concepts {
			byID[c.ConceptID] = c
		}
		llm := s.providers.FirstLLMProvider()
		var cleaner *cleanup.Cleaner
		if s.cfg.EnableTermCleanup {
			cleaner = cleanup.New(llm)
		}
		s.engine = pipeline.NewEngine(pipeline.Options{
			RetrievalTopK:        s.cfg.RetrievalTopK,
			ShortlistSize:        s.cfg.ShortlistSize,
			VerbatimBypassScore:  s.cfg.VerbatimBypassScore,
			NearMatchMaxDistance: s.cfg.NearMatchMaxDistance,
			MaxParallelTerms:     s.cfg.MaxParallelTerms,
			EmbedDim:             s.cfg.EmbedDim,
			EnableTermCleanup:    s.cfg.EnableTermCleanup,
		}, normalizer, byID, idx, s.searcher, s.providers.FirstEmbedProvider(),
			arbiter.New(llm, arbiter.RetryPolicy{MaxAttempts: s.cfg.ArbiterMaxAttempts}), cleaner)
	})
	return s.engine, s.engineErr
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleVocabulary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeErr(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return
	}
	concepts, err := s.conceptRepo.CountConcepts(r.Context())
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	embedded, err := s.embedRepo.CountEmbeddings(r.Context(), s.cfg.EmbedVersion)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"concepts":          concepts,
		"embedded_synonyms": embedded,
		"embed_version":     s.cfg.EmbedVersion,
	})
}

func (s *Server) handleMap(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErr(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return
	}
	var req struct {
		Code string `json:"code,omitempty"`
		Term string `json:"term"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid json: %w", err))
		return
	}
	if strings.TrimSpace(req.Term) == "" {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("term is required"))
		return
	}
	eng, err := s.ensureEngine(r.Context())
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	decision, err := eng.MapTerm(r.Context(), models.SourceTerm{Code: req.Code, Text: req.Term}, nil)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErr(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return
	}
	var req struct {
		TermsPath string `json:"terms_path"`
		GoldPath  string `json:"gold_path,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid json: %w", err))
		return
	}
	if strings.TrimSpace(req.TermsPath) == "" {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("terms_path is required"))
		return
	}

	runID := uuid.NewString()
	we, err := s.temporal.ExecuteWorkflow(r.Context(), tclient.StartWorkflowOptions{
		ID:                                       "map-run-" + runID,
		TaskQueue:                                s.cfg.TemporalTaskQueue,
		WorkflowIDReusePolicy:                    enumspb.WORKFLOW_ID_REUSE_POLICY_ALLOW_DUPLICATE,
		WorkflowExecutionErrorWhenAlreadyStarted: true,
	}, workflows.BatchMapWorkflow, workflows.BatchMapInput{
		RunID:            runID,
		TermsPath:        req.TermsPath,
		GoldPath:         req.GoldPath,
		EmbedProviders:   s.providers.EmbedCount(),
		LLMProviders:     s.providers.LLMCount(),
		CooldownSeconds:  s.cfg.ProviderCooldownSecs,
		MaxParallelTerms: s.cfg.MaxParallelTerms,
	})
	if err != nil {
		writeErr(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"run_id":      runID,
		"workflow_id": we.GetID(),
	})
}

func (s *Server) handleRunScoped(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeErr(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return
	}
	runID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/runs/"), "/")
	if runID == "" {
		writeErr(w, http.StatusNotFound, fmt.Errorf("not found"))
		return
	}

	run, err := s.runRepo.GetRun(r.Context(), runID)
	if err != nil {
		writeErr(w, http.StatusNotFound, err)
		return
	}
	out := map[string]any{"run": run}
	var prog workflows.BatchMapProgress
	resp, qErr := s.temporal.QueryWorkflow(r.Context(), "map-run-"+runID, "", workflows.QueryGetRunProgress)
	if qErr == nil {
		if err := resp.Get(&prog); err == nil {
			out["progress"] = prog
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErr(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return
	}
	var req struct {
		RunID    string `json:"run_id"`
		GoldPath string `json:"gold_path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid json: %w", err))
		return
	}
	if strings.TrimSpace(req.RunID) == "" || strings.TrimSpace(req.GoldPath) == "" {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("run_id and gold_path are required"))
		return
	}
	gold, err := eval.LoadGoldCSV(req.GoldPath)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	decisions, err := s.decisionRepo.ListDecisions(r.Context(), req.RunID)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, eval.Evaluate(decisions, gold))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, err error) {
	apiErr := toAPIError(code, err)
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"code":    apiErr.Code,
			"message": apiErr.Message,
		},
	})
}

type apiError struct {
	Code    string
	Message string
}

func toAPIError(status int, err error) apiError {
	msg := "Request failed."
	code := "CM-API-4000"
	raw := ""
	if err != nil {
		raw = strings.ToLower(err.Error())
	}

	switch {
	case status >= 500:
		switch {
		case strings.Contains(raw, "relation") && strings.Contains(raw, "does not exist"):
			return apiError{
				Code:    "CM-DB-5001",
				Message: "Database schema is not initialized. Run migrations and retry.",
			}
		case strings.Contains(raw, "connect"), strings.Contains(raw, "dial tcp"), strings.Contains(raw, "connection refused"):
			return apiError{
				Code:    "CM-DB-5002",
				Message: "Database connection is unavailable. Check local services and retry.",
			}
		case strings.Contains(raw, "vocabulary"):
			return apiError{
				Code:    "CM-VOC-5003",
				Message: "Standard vocabulary could not be loaded. Check the concepts tables.",
			}
		default:
			return apiError{
				Code:    "CM-API-5000",
				Message: "Internal server error. Please retry or check service logs.",
			}
		}
	case status == http.StatusBadRequest:
		code = "CM-API-4001"
		msg = "Invalid request. Check inputs and retry."
	case status == http.StatusNotFound:
		code = "CM-API-4004"
		msg = "Requested resource was not found."
	case status == http.StatusConflict:
		code = "CM-API-4009"
		msg = "Operation conflicts with current state. Retry after checking status."
	case status == http.StatusMethodNotAllowed:
		code = "CM-API-4005"
		msg = "This endpoint does not support the requested method."
	}

	if status >= 400 && status < 500 && err != nil {
		low := strings.ToLower(err.Error())
		switch {
		case strings.Contains(low, "term is required"):
			msg = "A term to map is required."
		case strings.Contains(low, "terms_path is required"):
			msg = "A path to the terms CSV is required."
		case strings.Contains(low, "run_id and gold_path are required"):
			msg = "Both run and gold standard path are required."
		case strings.Contains(low, "invalid json"):
			msg = "Malformed JSON request body."
		case strings.Contains(low, "gold header"), strings.Contains(low, "gold row"), strings.Contains(low, "gold csv"):
			msg = "Gold standard CSV could not be parsed."
		}
	}

	return apiError{Code: code, Message: msg}
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
