package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Environment is a deployment target.
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvStaging     Environment = "staging"
	EnvProduction  Environment = "production"
)

// ValidEnvironment reports whether s names a known environment.
func ValidEnvironment(s string) bool {
	switch Environment(s) {
	case EnvDevelopment, EnvStaging, EnvProduction:
		return true
	}
	return false
}

// Agent is a tenant-scoped collection of versions and runs.
type Agent struct {
	Tenant    string    `json:"tenant"`
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
}

// SamplingParams are the generation parameters stored with a version.
type SamplingParams struct {
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
}

// Version is an immutable snapshot of prompt, model, parameters and
// tool set for an agent. A new save produces a new minor; an
// incompatible input/output schema change produces a new schema id.
type Version struct {
	ID       string `json:"id"`
	Tenant   string `json:"tenant"`
	AgentID  string `json:"agent_id"`
	SchemaID int    `json:"schema_id"`
	Major    int    `json:"major"`
	Minor    int    `json:"minor"`

	// Messages is the stored prompt with template placeholders.
	Messages []Message `json:"messages"`

	Model    string         `json:"model"`
	Sampling SamplingParams `json:"sampling,omitempty"`

	// Tools lists hosted-tool names enabled for this version.
	Tools []string `json:"tools,omitempty"`

	// InputKeys is the sorted set of root template variables the prompt
	// references; part of the schema fingerprint.
	InputKeys []string `json:"input_keys,omitempty"`

	// OutputSchema is the declared JSON schema for structured output.
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Deployment maps (agent, schema, environment) to a version. Exactly
// one version per triple; updates are atomic swaps.
type Deployment struct {
	Tenant      string      `json:"tenant"`
	AgentID     string      `json:"agent_id"`
	SchemaID    int         `json:"schema_id"`
	Environment Environment `json:"environment"`
	VersionID   string      `json:"version_id"`
	DeployedAt  time.Time   `json:"deployed_at"`
}

// DeploymentAlias is a parsed "agent/#schema/env" model reference.
type DeploymentAlias struct {
	AgentID     string
	SchemaID    int
	Environment Environment
}

// ParseDeploymentAlias parses "agent/#schema/env". The second segment
// must start with '#'; anything else is treated as a concrete model id
// and returns ok=false.
func ParseDeploymentAlias(model string) (DeploymentAlias, bool) {
	parts := strings.Split(model, "/")
	if len(parts) != 3 || !strings.HasPrefix(parts[1], "#") {
		return DeploymentAlias{}, false
	}
	schema, err := strconv.Atoi(strings.TrimPrefix(parts[1], "#"))
	if err != nil || schema <= 0 || parts[0] == "" {
		return DeploymentAlias{}, false
	}
	if !ValidEnvironment(parts[2]) {
		return DeploymentAlias{}, false
	}
	return DeploymentAlias{
		AgentID:     parts[0],
		SchemaID:    schema,
		Environment: Environment(parts[2]),
	}, true
}

// String renders the alias back to its wire form.
func (a DeploymentAlias) String() string {
	return fmt.Sprintf("%s/#%d/%s", a.AgentID, a.SchemaID, a.Environment)
}
