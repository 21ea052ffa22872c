package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/workflowai/gateway/pkg/models"
)

// Memory is an in-process store used in tests and development mode.
type Memory struct {
	mu          sync.RWMutex
	runs        map[string]*models.Run
	versions    map[string]*models.Version
	deployments map[deployKey]*models.Deployment
	feedback    map[feedbackKey]*models.Feedback
}

type deployKey struct {
	tenant   string
	agentID  string
	schemaID int
	env      models.Environment
}

type feedbackKey struct {
	runID  string
	userID string
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		runs:        make(map[string]*models.Run),
		versions:    make(map[string]*models.Version),
		deployments: make(map[deployKey]*models.Deployment),
		feedback:    make(map[feedbackKey]*models.Feedback),
	}
}

// PutRun implements RunStore.
func (m *Memory) PutRun(ctx context.Context, run *models.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.runs[run.ID]; exists {
		return ErrAlreadyExists
	}
	cp := *run
	m.runs[run.ID] = &cp
	return nil
}

// GetRun implements RunStore.
func (m *Memory) GetRun(ctx context.Context, tenant, agentID, runID string) (*models.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[runID]
	if !ok || run.Tenant != tenant || run.AgentID != agentID {
		return nil, ErrNotFound
	}
	cp := *run
	return &cp, nil
}

// GetRunByID implements RunStore.
func (m *Memory) GetRunByID(ctx context.Context, runID string) (*models.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[runID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *run
	return &cp, nil
}

// SearchRuns implements RunStore.
func (m *Memory) SearchRuns(ctx context.Context, tenant, agentID string, queries []FieldQuery, page PageRequest) (*RunPage, error) {
	for _, q := range queries {
		if err := q.Validate(); err != nil {
			return nil, err
		}
	}

	m.mu.RLock()
	var matched []models.RunSummary
	for _, run := range m.runs {
		if run.Tenant != tenant {
			continue
		}
		if agentID != "" && run.AgentID != agentID {
			continue
		}
		s := run.Summary()
		ok := true
		for _, q := range queries {
			if !matchQuery(s, q) {
				ok = false
				break
			}
		}
		if ok {
			matched = append(matched, s)
		}
	}
	m.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID > matched[j].ID
	})

	limit := page.limit()
	start := page.Offset
	if start > len(matched) {
		start = len(matched)
	}
	end := start + limit
	if end > len(matched) {
		end = len(matched)
	}
	return &RunPage{Items: matched[start:end], HasMore: end < len(matched)}, nil
}

// PutVersion implements VersionStore.
func (m *Memory) PutVersion(ctx context.Context, v *models.Version) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.versions[v.ID]; exists {
		return ErrAlreadyExists
	}
	cp := *v
	m.versions[v.ID] = &cp
	return nil
}

// GetVersion implements VersionStore.
func (m *Memory) GetVersion(ctx context.Context, tenant, agentID, versionID string) (*models.Version, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.versions[versionID]
	if !ok || v.Tenant != tenant || v.AgentID != agentID {
		return nil, ErrNotFound
	}
	cp := *v
	return &cp, nil
}

// NextVersionNumbers implements VersionStore.
func (m *Memory) NextVersionNumbers(ctx context.Context, tenant, agentID string, schemaID int) (int, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	major, minor := 0, 0
	for _, v := range m.versions {
		if v.Tenant != tenant || v.AgentID != agentID || v.SchemaID != schemaID {
			continue
		}
		if v.Major > major || (v.Major == major && v.Minor > minor) {
			major, minor = v.Major, v.Minor
		}
	}
	if major == 0 {
		return 1, 1, nil
	}
	return major, minor + 1, nil
}

// Deploy implements DeploymentStore.
func (m *Memory) Deploy(ctx context.Context, d *models.Deployment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *d
	if cp.DeployedAt.IsZero() {
		cp.DeployedAt = time.Now()
	}
	m.deployments[deployKey{d.Tenant, d.AgentID, d.SchemaID, d.Environment}] = &cp
	return nil
}

// GetDeployment implements DeploymentStore.
func (m *Memory) GetDeployment(ctx context.Context, tenant, agentID string, schemaID int, env models.Environment) (*models.Deployment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.deployments[deployKey{tenant, agentID, schemaID, env}]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

// PutFeedback implements FeedbackStore. Last writer wins per
// (run_id, user_id).
func (m *Memory) PutFeedback(ctx context.Context, f *models.Feedback) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *f
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	m.feedback[feedbackKey{f.RunID, f.UserID}] = &cp
	return nil
}

// ListFeedback implements FeedbackStore.
func (m *Memory) ListFeedback(ctx context.Context, runID string) ([]models.Feedback, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Feedback
	for key, f := range m.feedback {
		if key.runID == runID {
			out = append(out, *f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

// Close implements Store.
func (m *Memory) Close() error { return nil }
