package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	appaudits "github.com/bryanwahyu/automaton-audit/internal/application/audits"
	domai "github.com/bryanwahyu/automaton-audit/internal/domain/ai"
	domain "github.com/bryanwahyu/automaton-audit/internal/domain/audits"
	"github.com/bryanwahyu/automaton-audit/internal/middleware"
)

// AuditService is the part of the audit service the router exposes.
type AuditService interface {
	Start(ctx context.Context, userID string, cmd appaudits.StartCommand) (*domain.Audit, error)
	Status(ctx context.Context, userID string, id domain.AuditID) (appaudits.StatusView, error)
	List(ctx context.Context, userID string, projectID domain.ProjectID, limit int) ([]appaudits.StatusView, error)
	Report(ctx context.Context, userID string, id domain.AuditID) (domain.Report, error)
	NotifyOwner(ctx context.Context, userID string, id domain.AuditID) (appaudits.NotifyResult, error)
	Delete(ctx context.Context, userID string, id domain.AuditID) error
	Publish(ctx context.Context, userID string, id domain.AuditID, public bool) error
	UpdateFindingStatus(ctx context.Context, userID string, auditID domain.AuditID, findingID domain.FindingID, status domain.FindingStatus) error
	Estimate(ctx context.Context, projectID domain.ProjectID, depth domain.Depth, scope []string) (appaudits.EstimateView, error)
	CreateProject(ctx context.Context, cmd appaudits.CreateProjectCommand) (*domain.Project, error)
	GetProject(ctx context.Context, id domain.ProjectID) (*domain.Project, error)
	AddOwner(ctx context.Context, projectID domain.ProjectID, userID string) error
}

type Options struct {
	Logger         zerolog.Logger
	APIKeys        map[string]string
	Admins         []string
	AllowAnonymous bool
	CORSOrigins    []string
	RateCapacity   int
	RateRefill     float64
	Metrics        *middleware.Metrics
	Health         map[string]middleware.HealthChecker
}

type Router struct {
	svc AuditService
}

func NewRouter(svc AuditService, opt Options) http.Handler {
	r := &Router{svc: svc}
	mux := chi.NewRouter()

	mux.Use(chimw.RequestID)
	mux.Use(middleware.Logging(opt.Logger))
	mux.Use(chimw.Recoverer)
	if len(opt.CORSOrigins) > 0 {
		mux.Use(cors.Handler(cors.Options{
			AllowedOrigins:   opt.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Authorization", "Content-Type"},
			ExposedHeaders:   []string{"Location", "Retry-After"},
			AllowCredentials: false,
			MaxAge:           300,
		}))
	}
	if opt.Metrics != nil {
		mux.Use(opt.Metrics.Middleware)
		mux.Get("/metrics", opt.Metrics.Handler)
	}

	mux.Get("/health", middleware.HealthHandler(opt.Health))
	mux.Get("/healthz", middleware.LivenessHandler)

	limit := func(next http.Handler) http.Handler { return next }
	if opt.RateCapacity > 0 {
		limit = middleware.RateLimit(opt.RateCapacity, opt.RateRefill)
	}

	mux.Route("/v1", func(rt chi.Router) {
		rt.Use(middleware.ViewerAuth(opt.APIKeys, opt.Admins, opt.AllowAnonymous))

		rt.With(middleware.RequireAdmin).Post("/projects", r.wrap(r.handleCreateProject))
		rt.Get("/projects/{projectID}", r.wrap(r.handleGetProject))
		rt.With(middleware.RequireAdmin).Post("/projects/{projectID}/owners", r.wrap(r.handleAddOwner))
		rt.Get("/projects/{projectID}/audits", r.wrap(r.handleListAudits))
		rt.With(limit).Get("/projects/{projectID}/estimate", r.wrap(r.handleEstimate))

		rt.With(limit).Post("/audits", r.wrap(r.handleStart))
		rt.Get("/audits/{id}", r.wrap(r.handleStatus))
		rt.Delete("/audits/{id}", r.wrap(r.handleDelete))
		rt.Get("/audits/{id}/report", r.wrap(r.handleReport))
		rt.Post("/audits/{id}/notify-owner", r.wrap(r.handleNotifyOwner))
		rt.Post("/audits/{id}/publish", r.wrap(r.handlePublish))
		rt.Patch("/audits/{id}/findings/{findingID}", r.wrap(r.handleFindingStatus))
	})

	return mux
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

// wrap maps service errors onto status codes.
func (r *Router) wrap(h handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		err := h(w, req)
		if err == nil {
			return
		}
		code := http.StatusInternalServerError
		switch {
		case errors.Is(err, domain.ErrNotFound):
			code = http.StatusNotFound
		case errors.Is(err, domain.ErrInvalidRequest):
			code = http.StatusBadRequest
		case errors.Is(err, domain.ErrForbidden):
			code = http.StatusForbidden
		case errors.Is(err, domain.ErrConflict):
			code = http.StatusConflict
		case errors.Is(err, domai.ErrQuotaExceeded):
			code = http.StatusTooManyRequests
		}
		msg := err.Error()
		if code == http.StatusInternalServerError {
			zerolog.Ctx(req.Context()).Error().Err(err).Msg("request failed")
			msg = "internal error"
		}
		writeJSON(w, code, map[string]string{"error": msg})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	return json.NewEncoder(w).Encode(v)
}

// decode reads a JSON body of at most 1 MiB.
func decode(w http.ResponseWriter, req *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, req.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: malformed body: %v", domain.ErrInvalidRequest, err)
	}
	return nil
}

func user(req *http.Request) string {
	return middleware.UserFromContext(req.Context())
}

func auditID(req *http.Request) (domain.AuditID, error) {
	id := chi.URLParam(req, "id")
	if err := middleware.ValidateID("audit", id); err != nil {
		return "", err
	}
	return domain.AuditID(id), nil
}

func projectID(req *http.Request) (domain.ProjectID, error) {
	id := chi.URLParam(req, "projectID")
	if err := middleware.ValidateID("project", id); err != nil {
		return "", err
	}
	return domain.ProjectID(id), nil
}

// POST /v1/projects
// Body: {"name": "...", "github_org": "...", "repos": [{"name": "...", "url": "...", "branch": "..."}]}
func (r *Router) handleCreateProject(w http.ResponseWriter, req *http.Request) error {
	var body struct {
		Name      string `json:"name"`
		GitHubOrg string `json:"github_org"`
		Repos     []struct {
			Name   string `json:"name"`
			URL    string `json:"url"`
			Branch string `json:"branch"`
		} `json:"repos"`
	}
	if err := decode(w, req, &body); err != nil {
		return err
	}
	cmd := appaudits.CreateProjectCommand{
		Name:      middleware.SanitizeString(body.Name),
		GitHubOrg: middleware.SanitizeString(body.GitHubOrg),
	}
	for _, rp := range body.Repos {
		if err := middleware.ValidateRepoURL(rp.URL); err != nil {
			return err
		}
		cmd.Repos = append(cmd.Repos, domain.ProjectRepo{
			Name:   middleware.SanitizeString(rp.Name),
			URL:    strings.TrimSpace(rp.URL),
			Branch: strings.TrimSpace(rp.Branch),
		})
	}
	p, err := r.svc.CreateProject(req.Context(), cmd)
	if err != nil {
		return err
	}
	w.Header().Set("Location", "/v1/projects/"+string(p.ID))
	return writeJSON(w, http.StatusCreated, p)
}

// GET /v1/projects/{projectID}
func (r *Router) handleGetProject(w http.ResponseWriter, req *http.Request) error {
	id, err := projectID(req)
	if err != nil {
		return err
	}
	p, err := r.svc.GetProject(req.Context(), id)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, p)
}

// POST /v1/projects/{projectID}/owners
// Body: {"user_id": "..."}
func (r *Router) handleAddOwner(w http.ResponseWriter, req *http.Request) error {
	id, err := projectID(req)
	if err != nil {
		return err
	}
	var body struct {
		UserID string `json:"user_id"`
	}
	if err := decode(w, req, &body); err != nil {
		return err
	}
	if err := middleware.ValidateUserID(body.UserID); err != nil {
		return err
	}
	if err := r.svc.AddOwner(req.Context(), id, body.UserID); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

// GET /v1/projects/{projectID}/audits?limit=20
func (r *Router) handleListAudits(w http.ResponseWriter, req *http.Request) error {
	id, err := projectID(req)
	if err != nil {
		return err
	}
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	list, err := r.svc.List(req.Context(), user(req), id, middleware.ValidateLimit(limit))
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, list)
}

// GET /v1/projects/{projectID}/estimate?depth=thorough&scope=src/**,lib/**
func (r *Router) handleEstimate(w http.ResponseWriter, req *http.Request) error {
	id, err := projectID(req)
	if err != nil {
		return err
	}
	q := req.URL.Query()
	depth, err := middleware.ParseDepth(q.Get("depth"), true)
	if err != nil {
		return err
	}
	var scope []string
	if raw := q.Get("scope"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			if s = strings.TrimSpace(s); s != "" {
				scope = append(scope, s)
			}
		}
	}
	view, err := r.svc.Estimate(req.Context(), id, depth, scope)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, view)
}

// POST /v1/audits
// Body: {"project_id": "...", "depth": "thorough", "incremental": false, "base_audit_id": "", "component_scope": []}
func (r *Router) handleStart(w http.ResponseWriter, req *http.Request) error {
	var body struct {
		ProjectID      string   `json:"project_id"`
		Depth          string   `json:"depth"`
		Incremental    bool     `json:"incremental"`
		BaseAuditID    string   `json:"base_audit_id"`
		ComponentScope []string `json:"component_scope"`
	}
	if err := decode(w, req, &body); err != nil {
		return err
	}
	depth, err := middleware.ParseDepth(body.Depth, false)
	if err != nil {
		return err
	}
	if body.BaseAuditID != "" {
		if err := middleware.ValidateID("base audit", body.BaseAuditID); err != nil {
			return err
		}
	}

	a, err := r.svc.Start(req.Context(), user(req), appaudits.StartCommand{
		ProjectID:      domain.ProjectID(strings.TrimSpace(body.ProjectID)),
		Depth:          depth,
		Incremental:    body.Incremental,
		BaseAuditID:    domain.AuditID(body.BaseAuditID),
		ComponentScope: body.ComponentScope,
	})
	if err != nil {
		return err
	}

	// 🔙 langsung balikin respons, pipeline jalan di background
	w.Header().Set("Location", "/v1/audits/"+string(a.ID))
	return writeJSON(w, http.StatusAccepted, map[string]any{
		"audit_id":   a.ID,
		"status":     a.Status,
		"created_at": a.CreatedAt,
	})
}

// GET /v1/audits/{id}
func (r *Router) handleStatus(w http.ResponseWriter, req *http.Request) error {
	id, err := auditID(req)
	if err != nil {
		return err
	}
	view, err := r.svc.Status(req.Context(), user(req), id)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, view)
}

// GET /v1/audits/{id}/report
func (r *Router) handleReport(w http.ResponseWriter, req *http.Request) error {
	id, err := auditID(req)
	if err != nil {
		return err
	}
	rep, err := r.svc.Report(req.Context(), user(req), id)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, rep)
}

// POST /v1/audits/{id}/notify-owner
func (r *Router) handleNotifyOwner(w http.ResponseWriter, req *http.Request) error {
	id, err := auditID(req)
	if err != nil {
		return err
	}
	res, err := r.svc.NotifyOwner(req.Context(), user(req), id)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, res)
}

// POST /v1/audits/{id}/publish
// Body: {"public": true}
func (r *Router) handlePublish(w http.ResponseWriter, req *http.Request) error {
	id, err := auditID(req)
	if err != nil {
		return err
	}
	var body struct {
		Public *bool `json:"public"`
	}
	if err := decode(w, req, &body); err != nil {
		return err
	}
	public := true
	if body.Public != nil {
		public = *body.Public
	}
	if err := r.svc.Publish(req.Context(), user(req), id, public); err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, map[string]any{"audit_id": id, "public": public})
}

// DELETE /v1/audits/{id}
func (r *Router) handleDelete(w http.ResponseWriter, req *http.Request) error {
	id, err := auditID(req)
	if err != nil {
		return err
	}
	if err := r.svc.Delete(req.Context(), user(req), id); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

// PATCH /v1/audits/{id}/findings/{findingID}
// Body: {"status": "false_positive"}
func (r *Router) handleFindingStatus(w http.ResponseWriter, req *http.Request) error {
	id, err := auditID(req)
	if err != nil {
		return err
	}
	fid := chi.URLParam(req, "findingID")
	if err := middleware.ValidateID("finding", fid); err != nil {
		return err
	}
	var body struct {
		Status string `json:"status"`
	}
	if err := decode(w, req, &body); err != nil {
		return err
	}
	status := domain.FindingStatus(strings.ToLower(strings.TrimSpace(body.Status)))
	if err := r.svc.UpdateFindingStatus(req.Context(), user(req), id, domain.FindingID(fid), status); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}
