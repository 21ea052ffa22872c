package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/workflowai/gateway/pkg/models"
)

// Blob kind bytes prefixed to content digests.
const (
	blobKindRunBody byte = 0x01
)

// runBody holds the large run fields kept in the blob store; the run
// row carries only hot columns plus the body digest.
type runBody struct {
	RequestMessages  []models.Message        `json:"request_messages"`
	ResponseMessages []models.Message        `json:"response_messages,omitempty"`
	ToolCalls        []models.ToolCallRecord `json:"tool_calls,omitempty"`
	Completions      []models.Completion     `json:"completions,omitempty"`
	Attempts         []models.AttemptError   `json:"attempts,omitempty"`
	Usage            models.Usage            `json:"usage"`
	Error            string                  `json:"error,omitempty"`
	FeedbackToken    string                  `json:"feedback_token,omitempty"`
}

// blobDigest addresses a payload by kind byte plus sha256.
func blobDigest(kind byte, payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(append([]byte{kind}, sum[:]...))
}

// SQLStore implements Store over database/sql. Postgres and sqlite
// share it; the placeholder style differs per driver.
type SQLStore struct {
	db       *sql.DB
	postgres bool

	stmtPutRun        *sql.Stmt
	stmtPutMetadata   *sql.Stmt
	stmtPutBlob       *sql.Stmt
	stmtGetRun        *sql.Stmt
	stmtPutVersion    *sql.Stmt
	stmtGetVersion    *sql.Stmt
	stmtMaxVersion    *sql.Stmt
	stmtDeploy        *sql.Stmt
	stmtGetDeployment *sql.Stmt
	stmtPutFeedback   *sql.Stmt
	stmtListFeedback  *sql.Stmt
}

// rebind rewrites $N placeholders to ? for drivers that want them.
func (s *SQLStore) rebind(query string) string {
	if s.postgres {
		return query
	}
	out := query
	for n := 20; n >= 1; n-- {
		out = strings.ReplaceAll(out, "$"+strconv.Itoa(n), "?")
	}
	return out
}

func newSQLStore(db *sql.DB, postgres bool, schema string) (*SQLStore, error) {
	s := &SQLStore{db: db, postgres: postgres}

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("store: init schema: %w", err)
	}
	if err := s.prepareStatements(); err != nil {
		return nil, fmt.Errorf("store: prepare statements: %w", err)
	}
	return s, nil
}

func (s *SQLStore) prepareStatements() error {
	prep := func(dst **sql.Stmt, query string) error {
		stmt, err := s.db.Prepare(s.rebind(query))
		if err != nil {
			return err
		}
		*dst = stmt
		return nil
	}

	if err := prep(&s.stmtPutRun, `
		INSERT INTO runs (id, tenant, agent_id, schema_id, version_id, model, provider,
			status, error_kind, cost, input_tokens, output_tokens,
			context_window_usage_percent, duration_ms, created_at, body_digest)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (id) DO NOTHING
	`); err != nil {
		return err
	}
	if err := prep(&s.stmtPutMetadata, `
		INSERT INTO run_metadata (run_id, tenant, agent_id, key, value)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (run_id, key) DO UPDATE SET value = excluded.value
	`); err != nil {
		return err
	}
	if err := prep(&s.stmtPutBlob, `
		INSERT INTO blobs (digest, payload) VALUES ($1, $2)
		ON CONFLICT (digest) DO NOTHING
	`); err != nil {
		return err
	}
	if err := prep(&s.stmtGetRun, `
		SELECT r.id, r.tenant, r.agent_id, r.schema_id, r.version_id, r.model, r.provider,
			r.status, r.error_kind, r.cost, r.input_tokens, r.output_tokens,
			r.context_window_usage_percent, r.duration_ms, r.created_at, b.payload
		FROM runs r JOIN blobs b ON b.digest = r.body_digest
		WHERE r.id = $1
	`); err != nil {
		return err
	}
	if err := prep(&s.stmtPutVersion, `
		INSERT INTO versions (id, tenant, agent_id, schema_id, major, minor, body, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING
	`); err != nil {
		return err
	}
	if err := prep(&s.stmtGetVersion, `
		SELECT body FROM versions WHERE id = $1 AND tenant = $2 AND agent_id = $3
	`); err != nil {
		return err
	}
	if err := prep(&s.stmtMaxVersion, `
		SELECT major, minor FROM versions
		WHERE tenant = $1 AND agent_id = $2 AND schema_id = $3
		ORDER BY major DESC, minor DESC LIMIT 1
	`); err != nil {
		return err
	}
	if err := prep(&s.stmtDeploy, `
		INSERT INTO deployments (tenant, agent_id, schema_id, environment, version_id, deployed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (tenant, agent_id, schema_id, environment)
		DO UPDATE SET version_id = excluded.version_id, deployed_at = excluded.deployed_at
	`); err != nil {
		return err
	}
	if err := prep(&s.stmtGetDeployment, `
		SELECT version_id, deployed_at FROM deployments
		WHERE tenant = $1 AND agent_id = $2 AND schema_id = $3 AND environment = $4
	`); err != nil {
		return err
	}
	if err := prep(&s.stmtPutFeedback, `
		INSERT INTO feedback (run_id, user_id, outcome, comment, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (run_id, user_id)
		DO UPDATE SET outcome = excluded.outcome, comment = excluded.comment, created_at = excluded.created_at
	`); err != nil {
		return err
	}
	return prep(&s.stmtListFeedback, `
		SELECT run_id, user_id, outcome, comment, created_at
		FROM feedback WHERE run_id = $1 ORDER BY user_id
	`)
}

// PutRun implements RunStore. The blob write and row write share one
// transaction so a run is never visible without its body.
func (s *SQLStore) PutRun(ctx context.Context, run *models.Run) error {
	body := runBody{
		RequestMessages:  run.RequestMessages,
		ResponseMessages: run.ResponseMessages,
		ToolCalls:        run.ToolCalls,
		Completions:      run.Completions,
		Attempts:         run.Attempts,
		Usage:            run.Usage,
		Error:            run.Error,
		FeedbackToken:    run.FeedbackToken,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("store: marshal run body: %w", err)
	}
	digest := blobDigest(blobKindRunBody, payload)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.StmtContext(ctx, s.stmtPutBlob).ExecContext(ctx, digest, payload); err != nil {
		return fmt.Errorf("store: put blob: %w", err)
	}
	res, err := tx.StmtContext(ctx, s.stmtPutRun).ExecContext(ctx,
		run.ID, run.Tenant, run.AgentID, run.SchemaID, run.VersionID,
		run.Model, run.Provider, string(run.Status), string(run.ErrorKind),
		run.CostUSD, run.Usage.InputTokens, run.Usage.OutputTokens,
		run.ContextWindowUsagePercent, run.Duration.Milliseconds(),
		run.CreatedAt.UTC(), digest)
	if err != nil {
		return fmt.Errorf("store: put run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrAlreadyExists
	}
	for key, value := range run.Metadata {
		if _, err := tx.StmtContext(ctx, s.stmtPutMetadata).ExecContext(ctx,
			run.ID, run.Tenant, run.AgentID, key, value); err != nil {
			return fmt.Errorf("store: put metadata: %w", err)
		}
	}
	return tx.Commit()
}

// GetRun implements RunStore.
func (s *SQLStore) GetRun(ctx context.Context, tenant, agentID, runID string) (*models.Run, error) {
	run, err := s.GetRunByID(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Tenant != tenant || run.AgentID != agentID {
		return nil, ErrNotFound
	}
	return run, nil
}

// GetRunByID implements RunStore.
func (s *SQLStore) GetRunByID(ctx context.Context, runID string) (*models.Run, error) {
	var (
		run        models.Run
		status     string
		errorKind  string
		durationMS int64
		payload    []byte
	)
	err := s.stmtGetRun.QueryRowContext(ctx, runID).Scan(
		&run.ID, &run.Tenant, &run.AgentID, &run.SchemaID, &run.VersionID,
		&run.Model, &run.Provider, &status, &errorKind, &run.CostUSD,
		&run.Usage.InputTokens, &run.Usage.OutputTokens,
		&run.ContextWindowUsagePercent, &durationMS, &run.CreatedAt, &payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	run.Status = models.RunStatus(status)
	run.ErrorKind = models.ErrorKind(errorKind)
	run.Duration = time.Duration(durationMS) * time.Millisecond

	var body runBody
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, fmt.Errorf("store: decode run body: %w", err)
	}
	run.RequestMessages = body.RequestMessages
	run.ResponseMessages = body.ResponseMessages
	run.ToolCalls = body.ToolCalls
	run.Completions = body.Completions
	run.Attempts = body.Attempts
	run.Usage = body.Usage
	run.Error = body.Error
	run.FeedbackToken = body.FeedbackToken

	run.Metadata, err = s.loadMetadata(ctx, runID)
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func (s *SQLStore) loadMetadata(ctx context.Context, runID string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx,
		s.rebind(`SELECT key, value FROM run_metadata WHERE run_id = $1`), runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var meta map[string]string
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		if meta == nil {
			meta = make(map[string]string)
		}
		meta[k] = v
	}
	return meta, rows.Err()
}

// SearchRuns implements RunStore. Hot-column predicates hit the runs
// table directly; metadata predicates go through EXISTS subqueries on
// the key/value index.
func (s *SQLStore) SearchRuns(ctx context.Context, tenant, agentID string, queries []FieldQuery, page PageRequest) (*RunPage, error) {
	for _, q := range queries {
		if err := q.Validate(); err != nil {
			return nil, err
		}
	}

	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	where = append(where, "r.tenant = "+arg(tenant))
	if agentID != "" {
		where = append(where, "r.agent_id = "+arg(agentID))
	}
	for _, q := range queries {
		clause, err := sqlClause(q, arg)
		if err != nil {
			return nil, err
		}
		where = append(where, clause)
	}

	limit := page.limit()
	query := `
		SELECT r.id, r.tenant, r.agent_id, r.version_id, r.model, r.provider, r.status,
			r.cost, r.input_tokens, r.output_tokens, r.context_window_usage_percent, r.created_at
		FROM runs r
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY r.created_at DESC, r.id DESC
		LIMIT ` + arg(limit+1) + ` OFFSET ` + arg(page.Offset)

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []models.RunSummary
	for rows.Next() {
		var (
			item   models.RunSummary
			status string
		)
		if err := rows.Scan(&item.ID, &item.Tenant, &item.AgentID, &item.VersionID,
			&item.Model, &item.Provider, &status, &item.CostUSD,
			&item.InputTokens, &item.OutputTokens,
			&item.ContextWindowUsagePercent, &item.CreatedAt); err != nil {
			return nil, err
		}
		item.Status = models.RunStatus(status)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	hasMore := len(items) > limit
	if hasMore {
		items = items[:limit]
	}
	for i := range items {
		items[i].Metadata, err = s.loadMetadata(ctx, items[i].ID)
		if err != nil {
			return nil, err
		}
	}
	return &RunPage{Items: items, HasMore: hasMore}, nil
}

// sqlClause renders one field query as a WHERE conjunct.
func sqlClause(q FieldQuery, arg func(any) string) (string, error) {
	if key := q.MetadataKey(); key != "" {
		inner, err := valueClause("m.value", q, arg)
		if err != nil {
			return "", err
		}
		return "EXISTS (SELECT 1 FROM run_metadata m WHERE m.run_id = r.id AND m.key = " +
			arg(key) + " AND " + inner + ")", nil
	}
	return valueClause("r."+q.Field, q, arg)
}

func valueClause(column string, q FieldQuery, arg func(any) string) (string, error) {
	switch q.Op {
	case OpEq, OpNe, OpLt, OpLte, OpGt, OpGte:
		op := string(q.Op)
		if q.Op == OpNe {
			op = "<>"
		}
		return column + " " + op + " " + arg(sqlValue(q.Value)), nil
	case OpContains:
		return column + " LIKE " + arg("%" + asString(q.Value) + "%"), nil
	case OpIn:
		list := asList(q.Value)
		if len(list) == 0 {
			return "1 = 0", nil
		}
		places := make([]string, len(list))
		for i, v := range list {
			places[i] = arg(sqlValue(v))
		}
		return column + " IN (" + strings.Join(places, ", ") + ")", nil
	}
	return "", fmt.Errorf("unknown operator %q", q.Op)
}

// sqlValue normalizes query values for binding; RFC3339 strings become
// timestamps so created_at comparisons work.
func sqlValue(v any) any {
	if s, ok := v.(string); ok {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return t.UTC()
		}
	}
	return v
}

// PutVersion implements VersionStore.
func (s *SQLStore) PutVersion(ctx context.Context, v *models.Version) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("store: marshal version: %w", err)
	}
	res, err := s.stmtPutVersion.ExecContext(ctx,
		v.ID, v.Tenant, v.AgentID, v.SchemaID, v.Major, v.Minor, body, v.CreatedAt.UTC())
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrAlreadyExists
	}
	return nil
}

// GetVersion implements VersionStore.
func (s *SQLStore) GetVersion(ctx context.Context, tenant, agentID, versionID string) (*models.Version, error) {
	var body []byte
	err := s.stmtGetVersion.QueryRowContext(ctx, versionID, tenant, agentID).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var v models.Version
	if err := json.Unmarshal(body, &v); err != nil {
		return nil, fmt.Errorf("store: decode version: %w", err)
	}
	return &v, nil
}

// NextVersionNumbers implements VersionStore.
func (s *SQLStore) NextVersionNumbers(ctx context.Context, tenant, agentID string, schemaID int) (int, int, error) {
	var major, minor int
	err := s.stmtMaxVersion.QueryRowContext(ctx, tenant, agentID, schemaID).Scan(&major, &minor)
	if err == sql.ErrNoRows {
		return 1, 1, nil
	}
	if err != nil {
		return 0, 0, err
	}
	return major, minor + 1, nil
}

// Deploy implements DeploymentStore.
func (s *SQLStore) Deploy(ctx context.Context, d *models.Deployment) error {
	at := d.DeployedAt
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.stmtDeploy.ExecContext(ctx,
		d.Tenant, d.AgentID, d.SchemaID, string(d.Environment), d.VersionID, at.UTC())
	return err
}

// GetDeployment implements DeploymentStore.
func (s *SQLStore) GetDeployment(ctx context.Context, tenant, agentID string, schemaID int, env models.Environment) (*models.Deployment, error) {
	d := &models.Deployment{Tenant: tenant, AgentID: agentID, SchemaID: schemaID, Environment: env}
	err := s.stmtGetDeployment.QueryRowContext(ctx, tenant, agentID, schemaID, string(env)).
		Scan(&d.VersionID, &d.DeployedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return d, nil
}

// PutFeedback implements FeedbackStore.
func (s *SQLStore) PutFeedback(ctx context.Context, f *models.Feedback) error {
	at := f.CreatedAt
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.stmtPutFeedback.ExecContext(ctx,
		f.RunID, f.UserID, string(f.Outcome), f.Comment, at.UTC())
	return err
}

// ListFeedback implements FeedbackStore.
func (s *SQLStore) ListFeedback(ctx context.Context, runID string) ([]models.Feedback, error) {
	rows, err := s.stmtListFeedback.QueryContext(ctx, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Feedback
	for rows.Next() {
		var (
			f       models.Feedback
			outcome string
		)
		if err := rows.Scan(&f.RunID, &f.UserID, &outcome, &f.Comment, &f.CreatedAt); err != nil {
			return nil, err
		}
		f.Outcome = models.FeedbackOutcome(outcome)
		out = append(out, f)
	}
	return out, rows.Err()
}

// Close implements Store.
func (s *SQLStore) Close() error {
	return s.db.Close()
}
