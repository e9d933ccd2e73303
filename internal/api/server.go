package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/golang-jwt/jwt/v5"
	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	tclient "go.temporal.io/sdk/client"

	"litingest/internal/config"
	"litingest/internal/ingest"
	"litingest/internal/models"
	"litingest/internal/storage"
	"litingest/internal/util"
	"litingest/internal/workflows"
)

// Workflows starts and queries ingestion workflows.
type Workflows interface {
	Start(ctx context.Context, id string, workflow any, args ...any) (runID string, err error)
	Query(ctx context.Context, id, queryType string, out any) error
}

type ProjectStore interface {
	GetOrCreateProject(ctx context.Context, name, description string) (models.Project, error)
	GetProject(ctx context.Context, name string) (models.Project, error)
}

type PaperLister interface {
	ListPapersByProject(ctx context.Context, projectID int64) ([]storage.PaperRow, error)
}

type RegistrySearcher interface {
	Search(ctx context.Context, database, query, sort string, max int) ([]models.ExternalRef, error)
}

type RelevanceScorer interface {
	Relevance(ctx context.Context, description string, abstracts []string) ([]float64, error)
}

type Deps struct {
	Workflows Workflows
	Projects  ProjectStore
	Papers    PaperLister
	Registry  RegistrySearcher
	Scorer    RelevanceScorer
	Logger    *slog.Logger
}

type Server struct {
	cfg       config.Config
	workflows Workflows
	projects  ProjectStore
	papers    PaperLister
	registry  RegistrySearcher
	scorer    RelevanceScorer
	log       *slog.Logger
}

func NewServer(cfg config.Config, d Deps) *Server {
	if d.Logger == nil {
		d.Logger = util.DiscardLogger()
	}
	return &Server{
		cfg:       cfg,
		workflows: d.Workflows,
		projects:  d.Projects,
		papers:    d.Papers,
		registry:  d.Registry,
		scorer:    d.Scorer,
		log:       d.Logger,
	}
}

// TemporalWorkflows adapts a Temporal client to Workflows.
type TemporalWorkflows struct {
	Client    tclient.Client
	TaskQueue string
}

func (t TemporalWorkflows) Start(ctx context.Context, id string, workflow any, args ...any) (string, error) {
	run, err := t.Client.ExecuteWorkflow(ctx, tclient.StartWorkflowOptions{
		ID:                                       id,
		TaskQueue:                                t.TaskQueue,
		WorkflowIDReusePolicy:                    enumspb.WORKFLOW_ID_REUSE_POLICY_ALLOW_DUPLICATE,
		WorkflowExecutionErrorWhenAlreadyStarted: true,
	}, workflow, args...)
	if err != nil {
		return "", err
	}
	return run.GetRunID(), nil
}

func (t TemporalWorkflows) Query(ctx context.Context, id, queryType string, out any) error {
	resp, err := t.Client.QueryWorkflow(ctx, id, "", queryType)
	if err != nil {
		return err
	}
	return resp.Get(out)
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.handleHealthz)
	r.Group(func(pr chi.Router) {
		if s.cfg.JWTSecret != "" {
			pr.Use(s.requireJWT)
		}
		pr.Post("/projects", s.handleCreateProject)
		pr.Get("/projects/{name}", s.handleGetProject)
		pr.Get("/projects/{name}/papers", s.handleListPapers)
		pr.Post("/projects/{name}/ingest", s.handleIngest)
		pr.Post("/projects/{name}/backfill", s.handleBackfill)
		pr.Get("/runs/{workflowID}/progress", s.handleRunProgress)
		pr.Get("/runs/{workflowID}/paper", s.handlePaperStatus)
		pr.Get("/registry/search", s.handleSearch)
		pr.Post("/relevance", s.handleRelevance)
	})
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Info("http request", "method", r.Method, "path", r.URL.Path, "status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(), "request_id", middleware.GetReqID(r.Context()))
	})
}

// requireJWT accepts HS256 bearer tokens signed with the configured secret.
func (s *Server) requireJWT(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			writeErr(w, http.StatusUnauthorized, fmt.Errorf("missing bearer token"))
			return
		}
		token, err := jwt.Parse(strings.TrimPrefix(auth, "Bearer "), func(t *jwt.Token) (any, error) {
			return []byte(s.cfg.JWTSecret), nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil || !token.Valid {
			writeErr(w, http.StatusUnauthorized, fmt.Errorf("invalid token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid json: %w", err))
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("name is required"))
		return
	}
	p, err := s.projects.GetOrCreateProject(r.Context(), req.Name, req.Description)
	if err != nil {
		writeErr(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	p, err := s.projects.GetProject(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeErr(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleListPapers(w http.ResponseWriter, r *http.Request) {
	p, err := s.projects.GetProject(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeErr(w, statusFor(err), err)
		return
	}
	papers, err := s.papers.ListPapersByProject(r.Context(), p.ID)
	if err != nil {
		writeErr(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"project": p.Name, "papers": papers})
}

type ingestRequest struct {
	Description           string   `json:"description"`
	Roots                 []string `json:"roots"`
	MaxDepth              *int     `json:"max_depth"`
	MaxPapers             *int     `json:"max_papers"`
	MaxConcurrentChildren int      `json:"max_concurrent_children"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(chi.URLParam(r, "name"))
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid json: %w", err))
		return
	}
	if len(req.Roots) == 0 {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("roots are required"))
		return
	}
	for _, raw := range req.Roots {
		ref, err := models.ParseRef(raw)
		if err != nil {
			writeErr(w, http.StatusBadRequest, err)
			return
		}
		if !ingest.Supported(ref.Type) {
			writeErr(w, http.StatusBadRequest, util.Errorf(util.KindUnsupportedSource, "ingest", "unsupported id type %q", ref.Type))
			return
		}
	}

	in := workflows.CitationClosureInput{
		Project:               name,
		Description:           req.Description,
		Roots:                 req.Roots,
		MaxDepth:              s.cfg.ClosureMaxDepth,
		MaxPapers:             s.cfg.ClosureMaxPapers,
		MaxConcurrentChildren: req.MaxConcurrentChildren,
	}
	if req.MaxDepth != nil {
		in.MaxDepth = *req.MaxDepth
	}
	if req.MaxPapers != nil {
		in.MaxPapers = *req.MaxPapers
	}
	if in.MaxConcurrentChildren <= 0 {
		in.MaxConcurrentChildren = s.cfg.IngestMaxChildren
	}

	wfID := "ingest-" + workflowToken(name)
	runID, err := s.workflows.Start(r.Context(), wfID, workflows.CitationClosureWorkflow, in)
	if err != nil {
		writeErr(w, startStatus(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"workflow_id": wfID, "run_id": runID})
}

func (s *Server) handleBackfill(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(chi.URLParam(r, "name"))
	p, err := s.projects.GetProject(r.Context(), name)
	if err != nil {
		writeErr(w, statusFor(err), err)
		return
	}
	wfID := "backfill-" + workflowToken(p.Name)
	runID, err := s.workflows.Start(r.Context(), wfID, workflows.EmbeddingBackfillWorkflow, workflows.EmbeddingBackfillInput{Project: p.Name})
	if err != nil {
		writeErr(w, startStatus(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"workflow_id": wfID, "run_id": runID})
}

func (s *Server) handleRunProgress(w http.ResponseWriter, r *http.Request) {
	var progress workflows.ClosureProgress
	if err := s.workflows.Query(r.Context(), chi.URLParam(r, "workflowID"), workflows.QueryGetProgress, &progress); err != nil {
		writeErr(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, progress)
}

func (s *Server) handlePaperStatus(w http.ResponseWriter, r *http.Request) {
	var status workflows.PaperStatus
	if err := s.workflows.Query(r.Context(), chi.URLParam(r, "workflowID"), workflows.QueryGetPaperStatus, &status); err != nil {
		writeErr(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := strings.TrimSpace(q.Get("q"))
	if query == "" {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("q is required"))
		return
	}
	database := q.Get("db")
	if database == "" {
		database = "pubmed"
	}
	limit := 20
	if raw := q.Get("max"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeErr(w, http.StatusBadRequest, fmt.Errorf("max must be a positive integer"))
			return
		}
		limit = n
	}
	refs, err := s.registry.Search(r.Context(), database, query, q.Get("sort"), limit)
	if err != nil {
		writeErr(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"database": database, "results": refs})
}

func (s *Server) handleRelevance(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Description string   `json:"description"`
		Abstracts   []string `json:"abstracts"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid json: %w", err))
		return
	}
	if strings.TrimSpace(req.Description) == "" || len(req.Abstracts) == 0 {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("description and abstracts are required"))
		return
	}
	scores, err := s.scorer.Relevance(r.Context(), req.Description, req.Abstracts)
	if err != nil {
		writeErr(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"scores": scores})
}

func workflowToken(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.NewReplacer(" ", "-", "/", "-", ":", "-", "_", "-").Replace(s)
}

func startStatus(err error) int {
	var started *serviceerror.WorkflowExecutionAlreadyStarted
	if errors.As(err, &started) {
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func statusFor(err error) int {
	if errors.Is(err, util.ErrNotFound) {
		return http.StatusNotFound
	}
	switch util.KindOf(err) {
	case util.KindValidation, util.KindUnsupportedSource:
		return http.StatusBadRequest
	case util.KindDuplicateIdentity:
		return http.StatusConflict
	case util.KindTransientFetch, util.KindEmbeddingUnavailable, util.KindCaptionUnavailable, util.KindMetadataShape:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
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
	code := "LI-API-4000"
	raw := ""
	if err != nil {
		raw = strings.ToLower(err.Error())
	}

	switch {
	case status == http.StatusBadGateway:
		return apiError{Code: "LI-API-5020", Message: "Upstream registry or model provider unavailable. Retry shortly."}
	case status >= 500:
		switch {
		case strings.Contains(raw, "relation") && strings.Contains(raw, "does not exist"):
			return apiError{
				Code:    "LI-DB-5001",
				Message: "Database schema is not initialized. Run migrations and retry.",
			}
		case strings.Contains(raw, "connect"), strings.Contains(raw, "dial tcp"), strings.Contains(raw, "connection refused"):
			return apiError{
				Code:    "LI-DB-5002",
				Message: "Database connection is unavailable. Check local services and retry.",
			}
		default:
			return apiError{
				Code:    "LI-API-5000",
				Message: "Internal server error. Please retry or check service logs.",
			}
		}
	case status == http.StatusBadRequest:
		code = "LI-API-4001"
		msg = "Invalid request. Check inputs and retry."
	case status == http.StatusUnauthorized:
		code = "LI-API-4010"
		msg = "Missing or invalid credentials."
	case status == http.StatusNotFound:
		code = "LI-API-4004"
		msg = "Requested resource was not found."
	case status == http.StatusConflict:
		code = "LI-API-4009"
		msg = "Operation conflicts with current state. Retry after checking status."
	}

	// For 4xx, keep user-safe validation context only.
	if status >= 400 && status < 500 && err != nil {
		switch {
		case strings.Contains(raw, "name is required"):
			msg = "Project name is required."
		case strings.Contains(raw, "roots are required"):
			msg = "At least one root reference is required."
		case strings.Contains(raw, "unsupported id type"):
			msg = "Root references must be pubmed, arxiv, openalex, doi or pmcid ids."
		case strings.Contains(raw, "must look like type:id"):
			msg = "References must look like type:id."
		case strings.Contains(raw, "q is required"):
			msg = "A search query is required."
		case strings.Contains(raw, "description and abstracts are required"):
			msg = "Both description and abstracts are required."
		case strings.Contains(raw, "invalid json"):
			msg = "Malformed JSON request body."
		}
	}

	return apiError{Code: code, Message: msg}
}
