// Package assembler turns an inbound chat request into a fully
// materialized prompt: deployment aliases resolved, stored prompts
// rendered, reply history attached and hosted tools expanded.
package assembler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/workflowai/gateway/internal/store"
	"github.com/workflowai/gateway/internal/template"
	"github.com/workflowai/gateway/internal/tools"
	"github.com/workflowai/gateway/pkg/models"
)

// Request is the normalized inbound request before assembly.
type Request struct {
	Tenant  string
	AgentID string

	// Model is either a concrete model id or a deployment alias of the
	// form "agent/#schema/env".
	Model string

	Messages []models.Message

	// Input holds the template variables.
	Input map[string]any

	// ReplyToRunID continues a prior run's conversation.
	ReplyToRunID string

	// HostedTools names hosted tools the caller enables explicitly, in
	// addition to any @tool-name references found in system messages.
	HostedTools []string

	// ClientTools are caller-defined tools, streamed back rather than
	// executed server-side.
	ClientTools []models.ToolDescriptor

	Sampling       models.SamplingParams
	ResponseSchema json.RawMessage
}

// Prompt is the assembled request handed to the router and engine.
type Prompt struct {
	Model    string
	Messages []models.Message
	Sampling models.SamplingParams

	HostedTools []models.ToolDescriptor
	ClientTools []models.ToolDescriptor

	ResponseSchema json.RawMessage

	// VersionID and SchemaID are set when the request resolved through a
	// deployment alias.
	VersionID string
	SchemaID  int

	// Fingerprint identifies the input/output schema shape of the prompt.
	Fingerprint string
}

// Assembler resolves deployments and renders prompts.
type Assembler struct {
	versions    store.VersionStore
	deployments store.DeploymentStore
	runs        store.RunStore
	registry    *tools.Registry
}

// New builds an assembler over the stores and the hosted tool registry.
func New(versions store.VersionStore, deployments store.DeploymentStore, runs store.RunStore, registry *tools.Registry) *Assembler {
	return &Assembler{
		versions:    versions,
		deployments: deployments,
		runs:        runs,
		registry:    registry,
	}
}

// Assemble materializes the prompt. All failures are *models.RunError.
func (a *Assembler) Assemble(ctx context.Context, req *Request) (*Prompt, error) {
	out := &Prompt{
		Model:          req.Model,
		Sampling:       req.Sampling,
		ClientTools:    req.ClientTools,
		ResponseSchema: req.ResponseSchema,
	}
	messages := req.Messages
	hostedNames := req.HostedTools

	if alias, ok := models.ParseDeploymentAlias(req.Model); ok {
		version, err := a.resolveAlias(ctx, req.Tenant, alias)
		if err != nil {
			return nil, err
		}
		out.Model = version.Model
		out.VersionID = version.ID
		out.SchemaID = version.SchemaID
		out.Sampling = version.Sampling
		hostedNames = append(hostedNames, version.Tools...)
		if len(version.OutputSchema) > 0 {
			out.ResponseSchema = version.OutputSchema
		}
		// On the reply path the history already contains the rendered
		// stored prompt; re-applying it would duplicate it.
		if req.ReplyToRunID == "" {
			messages = version.Messages
		}
	}

	if req.ReplyToRunID != "" {
		history, err := a.loadHistory(ctx, req.Tenant, req.AgentID, req.ReplyToRunID)
		if err != nil {
			return nil, err
		}
		rendered, err := a.renderMessages(messages, req.Input)
		if err != nil {
			return nil, err
		}
		out.Messages = append(history, rendered...)
	} else {
		rendered, err := a.renderMessages(messages, req.Input)
		if err != nil {
			return nil, err
		}
		out.Messages = rendered
	}

	hosted := a.expandHostedTools(out.Messages, hostedNames)
	out.HostedTools = hosted

	keys, err := referencedInputKeys(messages)
	if err != nil {
		return nil, err
	}
	out.Fingerprint = Fingerprint(keys, out.ResponseSchema)
	return out, nil
}

func (a *Assembler) resolveAlias(ctx context.Context, tenant string, alias models.DeploymentAlias) (*models.Version, error) {
	dep, err := a.deployments.GetDeployment(ctx, tenant, alias.AgentID, alias.SchemaID, alias.Environment)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, models.NewRunError(models.ErrUnknownDeployment, "no deployment for %s", alias)
		}
		return nil, &models.RunError{Kind: models.ErrInternal, Message: "deployment lookup failed", Cause: err}
	}
	version, err := a.versions.GetVersion(ctx, tenant, alias.AgentID, dep.VersionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, models.NewRunError(models.ErrUnknownDeployment, "deployment %s points at missing version %s", alias, dep.VersionID)
		}
		return nil, &models.RunError{Kind: models.ErrInternal, Message: "version lookup failed", Cause: err}
	}
	return version, nil
}

func (a *Assembler) loadHistory(ctx context.Context, tenant, agentID, runID string) ([]models.Message, error) {
	prior, err := a.runs.GetRun(ctx, tenant, agentID, runID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, models.NewRunError(models.ErrInvalidRequest, "unknown reply_to_run_id %s", runID)
		}
		return nil, &models.RunError{Kind: models.ErrInternal, Message: "run lookup failed", Cause: err}
	}
	history := make([]models.Message, 0, len(prior.RequestMessages)+len(prior.ResponseMessages))
	history = append(history, prior.RequestMessages...)
	history = append(history, prior.ResponseMessages...)
	return history, nil
}

// renderMessages runs every message's text through the template
// renderer and enforces that required inputs are present.
func (a *Assembler) renderMessages(msgs []models.Message, input map[string]any) ([]models.Message, error) {
	out := make([]models.Message, len(msgs))
	for i, msg := range msgs {
		rendered := msg
		if msg.Content != "" {
			content, err := renderText(msg.Content, input)
			if err != nil {
				return nil, err
			}
			rendered.Content = content
		}
		if len(msg.Parts) > 0 {
			parts := make([]models.ContentPart, len(msg.Parts))
			copy(parts, msg.Parts)
			for j, part := range parts {
				if part.Type != "text" || part.Text == "" {
					continue
				}
				text, err := renderText(part.Text, input)
				if err != nil {
					return nil, err
				}
				parts[j].Text = text
			}
			rendered.Parts = parts
		}
		out[i] = rendered
	}
	return out, nil
}

func renderText(source string, input map[string]any) (string, error) {
	tmpl, err := template.Parse(source)
	if err != nil {
		return "", &models.RunError{Kind: models.ErrTemplateInvalid, Message: err.Error(), Cause: err}
	}
	for _, name := range tmpl.RequiredVariables() {
		if _, ok := input[name]; !ok {
			return "", models.NewRunError(models.ErrMissingInput, "missing template input %q", name)
		}
	}
	rendered, err := tmpl.Render(input)
	if err != nil {
		return "", &models.RunError{Kind: models.ErrTemplateInvalid, Message: err.Error(), Cause: err}
	}
	return rendered, nil
}

var hostedToolRef = regexp.MustCompile(`@([a-z][a-z0-9-]*[a-z0-9])`)

// expandHostedTools rewrites @tool-name references in system messages
// into descriptive text and returns the descriptors for every hosted
// tool the prompt enables, whether referenced inline or declared on
// the version.
func (a *Assembler) expandHostedTools(msgs []models.Message, declared []string) []models.ToolDescriptor {
	enabled := make(map[string]bool)
	for _, name := range declared {
		if _, ok := a.registry.Get(name); ok {
			enabled[name] = true
		}
	}
	for i := range msgs {
		if msgs[i].Role != models.RoleSystem {
			continue
		}
		msgs[i].Content = hostedToolRef.ReplaceAllStringFunc(msgs[i].Content, func(ref string) string {
			name := strings.TrimPrefix(ref, "@")
			tool, ok := a.registry.Get(name)
			if !ok {
				return ref
			}
			enabled[name] = true
			return fmt.Sprintf("the %s tool (%s)", tool.Name(), tool.Description())
		})
	}
	names := make([]string, 0, len(enabled))
	for name := range enabled {
		names = append(names, name)
	}
	sort.Strings(names)
	return a.registry.Descriptors(names)
}

// referencedInputKeys collects the sorted union of root template
// variables across all pre-render message bodies.
func referencedInputKeys(msgs []models.Message) ([]string, error) {
	seen := make(map[string]bool)
	for _, msg := range msgs {
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
				return nil, &models.RunError{Kind: models.ErrTemplateInvalid, Message: err.Error(), Cause: err}
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

// Fingerprint hashes the sorted input keys together with the canonical
// output schema. Two prompts with the same fingerprint share a schema.
func Fingerprint(inputKeys []string, outputSchema json.RawMessage) string {
	h := sha256.New()
	for _, key := range inputKeys {
		h.Write([]byte(key))
		h.Write([]byte{0})
	}
	h.Write([]byte{0xff})
	if len(outputSchema) > 0 {
		var compact json.RawMessage
		if canon, err := canonicalJSON(outputSchema); err == nil {
			compact = canon
		} else {
			compact = outputSchema
		}
		h.Write(compact)
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// canonicalJSON re-marshals the schema so key order and whitespace do
// not change the fingerprint.
func canonicalJSON(raw json.RawMessage) (json.RawMessage, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}
