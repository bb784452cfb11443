package main

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/medplan/rules/leaves"
	"github.com/medplan/rules/rules"
)

type server struct {
	engine          *rules.Engine
	versioning      *rules.VersioningService
	detector        *rules.Detector
	simulator       *rules.Simulator
	recommendations *leaves.RecommendationService
	router          *chi.Mux
}

func newServer(
	engine *rules.Engine,
	versioning *rules.VersioningService,
	detector *rules.Detector,
	simulator *rules.Simulator,
	recommendations *leaves.RecommendationService,
) *server {
	s := &server{
		engine:          engine,
		versioning:      versioning,
		detector:        detector,
		simulator:       simulator,
		recommendations: recommendations,
	}
	s.setupRoutes()
	return s
}

func (s *server) setupRoutes() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Post("/evaluate", s.handleEvaluate)

		r.Route("/rules", func(r chi.Router) {
			r.Post("/", s.handleCreateRule)
			r.Get("/", s.handleListRules)
			r.Post("/conflicts", s.handleDetectConflicts)

			r.Route("/{ruleId}", func(r chi.Router) {
				r.Get("/", s.handleGetRule)
				r.Put("/", s.handleUpdateRule)
				r.Post("/archive", s.handleArchiveRule)
				r.Get("/versions", s.handleListVersions)
				r.Post("/revert", s.handleRevert)
			})
		})

		r.Post("/conflicts/resolve", s.handleResolveConflict)
		r.Post("/leaves/conflicts/analyze", s.handleAnalyzeLeaveConflicts)
		r.Post("/simulate", s.handleSimulate)
		r.Post("/simulate/compare", s.handleCompare)
	})

	s.router = r
}

func (s *server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap, err := s.engine.Snapshot()
	if err != nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":      "healthy",
		"activeRules": snap.Len(),
	})
}

func (s *server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Context map[string]any `json:"context"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.Context == nil {
		respondError(w, http.StatusBadRequest, "context is required", nil)
		return
	}

	result, err := s.engine.Evaluate(req.Context)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "evaluation failed", err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (s *server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Rule    rules.Rule `json:"rule"`
		ActorID string     `json:"actorId"`
		Note    string     `json:"note"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	created, err := s.versioning.CreateRule(&req.Rule, req.ActorID, req.Note)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, created)
}

func (s *server) handleListRules(w http.ResponseWriter, r *http.Request) {
	f := rules.Filter{
		Status: rules.RuleStatus(r.URL.Query().Get("status")),
		Type:   rules.RuleType(r.URL.Query().Get("type")),
		Search: r.URL.Query().Get("search"),
	}
	if tags, ok := r.URL.Query()["tag"]; ok {
		f.Tags = tags
	}

	list, err := s.versioning.ListRules(f)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list rules", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"rules": list})
}

func (s *server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := s.versioning.GetRule(chi.URLParam(r, "ruleId"))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rule)
}

func (s *server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Rule            rules.Rule `json:"rule"`
		ExpectedVersion int        `json:"expectedVersion"`
		ActorID         string     `json:"actorId"`
		Note            string     `json:"note"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	req.Rule.ID = chi.URLParam(r, "ruleId")

	updated, err := s.versioning.UpdateRule(&req.Rule, req.ExpectedVersion, req.ActorID, req.Note)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, updated)
}

func (s *server) handleArchiveRule(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ActorID string `json:"actorId"`
	}
	// Body is optional for archive.
	_ = json.NewDecoder(r.Body).Decode(&req)

	archived, err := s.versioning.ArchiveRule(chi.URLParam(r, "ruleId"), req.ActorID)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, archived)
}

func (s *server) handleListVersions(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid limit", err)
			return
		}
		limit = parsed
	}

	history, err := s.versioning.GetVersionHistory(chi.URLParam(r, "ruleId"), limit)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"versions": history})
}

func (s *server) handleRevert(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Version int    `json:"version"`
		ActorID string `json:"actorId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	reverted, err := s.versioning.RevertToVersion(chi.URLParam(r, "ruleId"), req.Version, req.ActorID)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, reverted)
}

func (s *server) handleDetectConflicts(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Candidate rules.Rule `json:"candidate"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	conflicts, err := s.detector.DetectConflicts(&req.Candidate)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "conflict detection failed", err)
		return
	}
	if conflicts == nil {
		conflicts = []rules.Conflict{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"conflicts": conflicts})
}

func (s *server) handleResolveConflict(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Conflict rules.Conflict `json:"conflict"`
		Strategy string         `json:"strategy"`
		Input    *rules.Rule    `json:"input,omitempty"`
		ActorID  string         `json:"actorId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	resolution, err := s.detector.ResolveConflict(&req.Conflict, req.Strategy, req.Input, req.ActorID)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, resolution)
}

func (s *server) handleAnalyzeLeaveConflicts(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Conflicts []rules.Conflict     `json:"conflicts"`
		Request   *leaves.LeaveRequest `json:"request"`
		User      *leaves.User         `json:"user"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	result := s.recommendations.AnalyzeConflicts(req.Conflicts, req.Request, req.User)
	respondJSON(w, http.StatusOK, result)
}

func (s *server) handleSimulate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Rule    rules.Rule `json:"rule"`
		Start   time.Time  `json:"start"`
		End     time.Time  `json:"end"`
		Context string     `json:"context,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	report, err := s.simulator.SimulateRule(r.Context(), &req.Rule, req.Start, req.End,
		rules.SyntheticSource{Context: req.Context})
	if err != nil {
		respondError(w, http.StatusBadRequest, "simulation failed", err)
		return
	}
	respondJSON(w, http.StatusOK, report)
}

func (s *server) handleCompare(w http.ResponseWriter, r *http.Request) {
	var req struct {
		A       rules.Rule `json:"a"`
		B       rules.Rule `json:"b"`
		Start   time.Time  `json:"start"`
		End     time.Time  `json:"end"`
		Context string     `json:"context,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	cmp, err := s.simulator.CompareRules(r.Context(), &req.A, &req.B, req.Start, req.End,
		rules.SyntheticSource{Context: req.Context})
	if err != nil {
		respondError(w, http.StatusBadRequest, "comparison failed", err)
		return
	}
	respondJSON(w, http.StatusOK, cmp)
}

// respondDomainError maps typed domain errors onto HTTP statuses.
func respondDomainError(w http.ResponseWriter, err error) {
	switch {
	case rules.IsValidationError(err):
		respondError(w, http.StatusBadRequest, "validation failed", err)
	case rules.IsVersionConflict(err):
		respondError(w, http.StatusConflict, "version conflict", err)
	case rules.IsNotFound(err):
		respondError(w, http.StatusNotFound, "not found", err)
	default:
		respondError(w, http.StatusInternalServerError, "internal error", err)
	}
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string, err error) {
	response := map[string]string{"error": message}
	if err != nil {
		response["details"] = err.Error()
	}
	respondJSON(w, status, response)
}
