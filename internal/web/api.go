// Package web maps the external wire protocol onto the run engine and
// the stores: chat completions (JSON and SSE), the model catalog,
// hosted tools, versions, deployments, run lookup and search, and
// unauthenticated feedback submission.
package web

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/workflowai/gateway/internal/catalog"
	"github.com/workflowai/gateway/internal/engine"
	"github.com/workflowai/gateway/internal/feedback"
	"github.com/workflowai/gateway/internal/observability"
	"github.com/workflowai/gateway/internal/ratelimit"
	"github.com/workflowai/gateway/internal/router"
	"github.com/workflowai/gateway/internal/store"
	"github.com/workflowai/gateway/internal/tools"
	"github.com/workflowai/gateway/pkg/models"
)

// Config wires the server's collaborators.
type Config struct {
	Engine   *engine.Engine
	Catalog  *catalog.Catalog
	Registry *tools.Registry
	Feedback *feedback.Service

	Runs        store.RunStore
	Versions    store.VersionStore
	Deployments store.DeploymentStore

	// APIKeys maps bearer keys to tenant names.
	APIKeys map[string]string

	// Policies carries per-tenant routing policy overrides.
	Policies map[string]*router.TenantPolicy

	Limiter *ratelimit.TenantLimiter

	Logger  *observability.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
}

// Server is the gateway HTTP API.
type Server struct {
	cfg Config
	mux *http.ServeMux
}

// NewServer builds the server and registers all routes.
func NewServer(cfg Config) *Server {
	s := &Server{cfg: cfg, mux: http.NewServeMux()}
	s.routes()
	return s
}

func (s *Server) routes() {
	// Unauthenticated surface.
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.Handle("GET /metrics", promhttp.Handler())
	s.mux.HandleFunc("GET /v1/tools/hosted", s.handleHostedTools)
	s.mux.HandleFunc("POST /v1/feedback", s.handleFeedback)

	// Authenticated surface.
	s.mux.HandleFunc("POST /v1/chat/completions", s.authed(s.handleChatCompletions))
	s.mux.HandleFunc("GET /v1/models", s.authed(s.handleModels))
	s.mux.HandleFunc("POST /v1/{tenant}/agents/{agent_id}/schemas/{schema_id}/versions", s.tenantScoped(s.handleCreateVersion))
	s.mux.HandleFunc("POST /v1/{tenant}/agents/{agent_id}/versions/{version_id}/deploy", s.tenantScoped(s.handleDeploy))
	s.mux.HandleFunc("GET /v1/{tenant}/agents/{agent_id}/runs/{run_id}", s.tenantScoped(s.handleGetRun))
	s.mux.HandleFunc("POST /v1/{tenant}/agents/{agent_id}/runs/search", s.tenantScoped(s.handleSearchRuns))
}

// Handler returns the server with logging and metrics middleware
// applied.
func (s *Server) Handler() http.Handler {
	return s.instrument(s.requestID(s.mux))
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request, tenant string) {
	list := s.cfg.Catalog.List(nil)
	writeJSON(w, http.StatusOK, map[string]any{
		"object": "list",
		"data":   list,
	})
}

func (s *Server) handleHostedTools(w http.ResponseWriter, r *http.Request) {
	type entry struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	descs := s.cfg.Registry.AllDescriptors()
	out := make([]entry, 0, len(descs))
	for _, d := range descs {
		out = append(out, entry{Name: d.Name, Description: d.Description})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var req feedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, models.NewRunError(models.ErrInvalidRequest, "malformed request body"))
		return
	}
	if req.FeedbackToken == "" {
		s.writeError(w, r, models.NewRunError(models.ErrInvalidRequest, "feedback_token is required"))
		return
	}
	err := s.cfg.Feedback.Record(r.Context(), req.FeedbackToken, req.Outcome, req.Comment, req.UserID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
	case err == feedback.ErrInvalidToken:
		s.writeError(w, r, models.NewRunError(models.ErrInvalidRequest, "invalid feedback token"))
	case err == feedback.ErrInvalidOutcome:
		s.writeError(w, r, models.NewRunError(models.ErrInvalidRequest, "outcome must be positive or negative"))
	default:
		s.cfg.Logger.Error(r.Context(), "feedback write failed", "error", err)
		s.writeError(w, r, models.NewRunError(models.ErrInternal, "feedback write failed"))
	}
}

// writeError renders the single error object shape.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, rerr *models.RunError) {
	writeJSON(w, rerr.Kind.HTTPStatus(), errorEnvelope{Error: errorBody{
		Kind:      string(rerr.Kind),
		Message:   rerr.Message,
		Provider:  rerr.Provider,
		Model:     rerr.Model,
		RequestID: observability.GetRequestID(r.Context()),
	}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// requestID assigns each request an id carried through logs and error
// envelopes.
func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r.WithContext(observability.AddRequestID(r.Context(), id)))
	})
}
