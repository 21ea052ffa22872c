package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/workflowai/gateway/internal/assembler"
	"github.com/workflowai/gateway/internal/store"
	"github.com/workflowai/gateway/internal/template"
	"github.com/workflowai/gateway/pkg/models"
)

// handleCreateVersion saves an immutable version snapshot under the
// next (major, minor) for the schema.
func (s *Server) handleCreateVersion(w http.ResponseWriter, r *http.Request, tenant string) {
	agentID := r.PathValue("agent_id")
	schemaID, err := strconv.Atoi(r.PathValue("schema_id"))
	if err != nil || schemaID <= 0 {
		s.writeError(w, r, models.NewRunError(models.ErrInvalidRequest, "schema_id must be a positive integer"))
		return
	}

	var req versionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, models.NewRunError(models.ErrInvalidRequest, "malformed request body"))
		return
	}
	if req.Model == "" {
		s.writeError(w, r, models.NewRunError(models.ErrInvalidRequest, "model is required"))
		return
	}
	if len(req.Messages) == 0 {
		s.writeError(w, r, models.NewRunError(models.ErrInvalidRequest, "messages are required"))
		return
	}
	if _, _, ok := s.cfg.Catalog.Resolve(req.Model); !ok {
		s.writeError(w, r, models.NewRunError(models.ErrUnknownModel, "unknown model %q", req.Model))
		return
	}
	messages, err := decodeMessages(req.Messages)
	if err != nil {
		s.writeError(w, r, models.NewRunError(models.ErrInvalidRequest, "%s", err.Error()))
		return
	}
	if len(req.OutputSchema) > 0 {
		if _, err := jsonschema.CompileString("output_schema.json", string(req.OutputSchema)); err != nil {
			s.writeError(w, r, models.NewRunError(models.ErrInvalidRequest, "invalid output schema: %s", err.Error()))
			return
		}
	}

	inputKeys, rerr := templateInputKeys(messages)
	if rerr != nil {
		s.writeError(w, r, rerr)
		return
	}

	major, minor, err := s.cfg.Versions.NextVersionNumbers(r.Context(), tenant, agentID, schemaID)
	if err != nil {
		s.cfg.Logger.Error(r.Context(), "version numbering failed", "error", err)
		s.writeError(w, r, models.NewRunError(models.ErrInternal, "version numbering failed"))
		return
	}

	version := &models.Version{
		ID:           uuid.NewString(),
		Tenant:       tenant,
		AgentID:      agentID,
		SchemaID:     schemaID,
		Major:        major,
		Minor:        minor,
		Messages:     messages,
		Model:        req.Model,
		Sampling:     req.Sampling,
		Tools:        req.Tools,
		InputKeys:    inputKeys,
		OutputSchema: req.OutputSchema,
		CreatedAt:    time.Now(),
	}
	if err := s.cfg.Versions.PutVersion(r.Context(), version); err != nil {
		s.cfg.Logger.Error(r.Context(), "version write failed", "error", err)
		s.writeError(w, r, models.NewRunError(models.ErrInternal, "version write failed"))
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":          version.ID,
		"schema_id":   version.SchemaID,
		"major":       version.Major,
		"minor":       version.Minor,
		"input_keys":  version.InputKeys,
		"fingerprint": assembler.Fingerprint(inputKeys, req.OutputSchema),
	})
}

// handleDeploy swaps a deployment to the version named in the path.
func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request, tenant string) {
	agentID := r.PathValue("agent_id")
	versionID := r.PathValue("version_id")

	var req deployRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, models.NewRunError(models.ErrInvalidRequest, "malformed request body"))
		return
	}
	if !models.ValidEnvironment(req.Environment) {
		s.writeError(w, r, models.NewRunError(models.ErrInvalidRequest, "environment must be development, staging or production"))
		return
	}

	version, err := s.cfg.Versions.GetVersion(r.Context(), tenant, agentID, versionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, r, models.NewRunError(models.ErrInvalidRequest, "unknown version %q", versionID))
			return
		}
		s.cfg.Logger.Error(r.Context(), "version lookup failed", "error", err)
		s.writeError(w, r, models.NewRunError(models.ErrInternal, "version lookup failed"))
		return
	}
	schemaID := req.SchemaID
	if schemaID == 0 {
		schemaID = version.SchemaID
	}
	if schemaID != version.SchemaID {
		s.writeError(w, r, models.NewRunError(models.ErrInvalidRequest, "version %s belongs to schema %d", versionID, version.SchemaID))
		return
	}

	deployment := &models.Deployment{
		Tenant:      tenant,
		AgentID:     agentID,
		SchemaID:    schemaID,
		Environment: models.Environment(req.Environment),
		VersionID:   versionID,
		DeployedAt:  time.Now(),
	}
	if err := s.cfg.Deployments.Deploy(r.Context(), deployment); err != nil {
		s.cfg.Logger.Error(r.Context(), "deploy failed", "error", err)
		s.writeError(w, r, models.NewRunError(models.ErrInternal, "deploy failed"))
		return
	}
	writeJSON(w, http.StatusOK, deployment)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request, tenant string) {
	run, err := s.cfg.Runs.GetRun(r.Context(), tenant, r.PathValue("agent_id"), r.PathValue("run_id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, r, models.NewRunError(models.ErrInvalidRequest, "unknown run"))
			return
		}
		s.cfg.Logger.Error(r.Context(), "run lookup failed", "error", err)
		s.writeError(w, r, models.NewRunError(models.ErrInternal, "run lookup failed"))
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// handleSearchRuns accepts a conjunction of field queries and returns
// one page of summaries, newest first.
func (s *Server) handleSearchRuns(w http.ResponseWriter, r *http.Request, tenant string) {
	var queries []store.FieldQuery
	if err := json.NewDecoder(r.Body).Decode(&queries); err != nil {
		s.writeError(w, r, models.NewRunError(models.ErrInvalidRequest, "body must be an array of field queries"))
		return
	}
	for _, q := range queries {
		if err := q.Validate(); err != nil {
			s.writeError(w, r, models.NewRunError(models.ErrInvalidRequest, "%s", err.Error()))
			return
		}
	}

	page := store.PageRequest{}
	if v := r.URL.Query().Get("limit"); v != "" {
		page.Limit, _ = strconv.Atoi(v)
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		page.Offset, _ = strconv.Atoi(v)
	}

	result, err := s.cfg.Runs.SearchRuns(r.Context(), tenant, r.PathValue("agent_id"), queries, page)
	if err != nil {
		s.cfg.Logger.Error(r.Context(), "run search failed", "error", err)
		s.writeError(w, r, models.NewRunError(models.ErrInternal, "run search failed"))
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// templateInputKeys collects the sorted union of root template
// variables across the stored prompt.
func templateInputKeys(messages []models.Message) ([]string, *models.RunError) {
	seen := make(map[string]bool)
	for _, msg := range messages {
		sources := []string{msg.Content}
		for _, part := range msg.Parts {
			if part.Type == "text" {
				sources = append(sources, part.Text)
			}
		}
		for _, src := range sources {
			if src == "" {
				continue
			}
			vars, err := template.ExtractVariables(src)
			if err != nil {
				return nil, models.NewRunError(models.ErrTemplateInvalid, "%s", err.Error())
			}
			for _, v := range vars {
				seen[v] = true
			}
		}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}
