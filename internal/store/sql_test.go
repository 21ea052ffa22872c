package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/workflowai/gateway/pkg/models"
)

func newMockStore(t *testing.T) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	mock.ExpectPrepare("INSERT INTO runs")
	mock.ExpectPrepare("INSERT INTO run_metadata")
	mock.ExpectPrepare("INSERT INTO blobs")
	mock.ExpectPrepare("SELECT (.+) FROM runs r JOIN blobs")
	mock.ExpectPrepare("INSERT INTO versions")
	mock.ExpectPrepare("SELECT body FROM versions")
	mock.ExpectPrepare("SELECT major, minor FROM versions")
	mock.ExpectPrepare("INSERT INTO deployments")
	mock.ExpectPrepare("SELECT version_id, deployed_at FROM deployments")
	mock.ExpectPrepare("INSERT INTO feedback")
	mock.ExpectPrepare("SELECT (.+) FROM feedback")

	s := &SQLStore{db: db, postgres: true}
	if err := s.prepareStatements(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return s, mock
}

func TestSQLPutRunTransaction(t *testing.T) {
	s, mock := newMockStore(t)

	run := &models.Run{
		ID:      "run-1",
		Tenant:  "acme",
		AgentID: "support-bot",
		Model:   "gpt-4o",
		Status:  models.RunSuccess,
		Usage:   models.Usage{InputTokens: 10, OutputTokens: 5},
		Metadata: map[string]string{
			"env": "prod",
		},
		CreatedAt: time.Now(),
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO blobs").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO runs").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO run_metadata").
		WithArgs("run-1", "acme", "support-bot", "env", "prod").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := s.PutRun(context.Background(), run); err != nil {
		t.Fatal(err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestSQLPutRunDuplicate(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO blobs").WillReturnResult(sqlmock.NewResult(0, 1))
	// ON CONFLICT DO NOTHING reports zero rows affected.
	mock.ExpectExec("INSERT INTO runs").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := s.PutRun(context.Background(), &models.Run{ID: "run-1", Tenant: "acme", AgentID: "a"})
	if err != ErrAlreadyExists {
		t.Fatalf("err = %v, want ErrAlreadyExists", err)
	}
}

func TestSQLGetRunByID(t *testing.T) {
	s, mock := newMockStore(t)

	body, _ := json.Marshal(runBody{
		RequestMessages: []models.Message{{Role: models.RoleUser, Content: "hi"}},
		Usage:           models.Usage{InputTokens: 10, OutputTokens: 5, ReasoningTokens: 2},
		FeedbackToken:   "tok",
	})
	created := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT (.+) FROM runs r JOIN blobs").
		WithArgs("run-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "tenant", "agent_id", "schema_id", "version_id", "model", "provider",
			"status", "error_kind", "cost", "input_tokens", "output_tokens",
			"context_window_usage_percent", "duration_ms", "created_at", "payload",
		}).AddRow("run-1", "acme", "support-bot", 0, "", "gpt-4o", "openai",
			"success", "", 0.01, 10, 5, 1, 1500, created, body))
	mock.ExpectQuery("SELECT key, value FROM run_metadata").
		WithArgs("run-1").
		WillReturnRows(sqlmock.NewRows([]string{"key", "value"}).AddRow("env", "prod"))

	run, err := s.GetRunByID(context.Background(), "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != models.RunSuccess || run.Usage.ReasoningTokens != 2 {
		t.Errorf("run = %+v", run)
	}
	if run.Duration != 1500*time.Millisecond {
		t.Errorf("duration = %v", run.Duration)
	}
	if run.Metadata["env"] != "prod" || run.FeedbackToken != "tok" {
		t.Errorf("body/metadata lost: %+v", run)
	}
}

func TestSQLSearchRunsQueryShape(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT (.+) FROM runs r\s+WHERE r.tenant = \$1 AND r.agent_id = \$2 AND r.model = \$3 AND EXISTS \(SELECT 1 FROM run_metadata m`).
		WithArgs("acme", "support-bot", "gpt-4o", "env", "prod", 51, 0).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "tenant", "agent_id", "version_id", "model", "provider", "status",
			"cost", "input_tokens", "output_tokens", "context_window_usage_percent", "created_at",
		}).AddRow("run-1", "acme", "support-bot", "", "gpt-4o", "openai", "success",
			0.01, 10, 5, 1, time.Now()))
	mock.ExpectQuery("SELECT key, value FROM run_metadata").
		WithArgs("run-1").
		WillReturnRows(sqlmock.NewRows([]string{"key", "value"}))

	page, err := s.SearchRuns(context.Background(), "acme", "support-bot", []FieldQuery{
		{Field: "model", Op: OpEq, Value: "gpt-4o"},
		{Field: "metadata.env", Op: OpEq, Value: "prod"},
	}, PageRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Items) != 1 || page.HasMore {
		t.Errorf("page = %+v", page)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestSQLFeedbackUpsert(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO feedback").
		WillReturnResult(sqlmock.NewResult(0, 1))
	err := s.PutFeedback(context.Background(), &models.Feedback{
		RunID: "run-1", UserID: "u1", Outcome: models.FeedbackPositive,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestSQLNextVersionNumbers(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT major, minor FROM versions").
		WithArgs("acme", "support-bot", 1).
		WillReturnRows(sqlmock.NewRows([]string{"major", "minor"}).AddRow(2, 7))
	major, minor, err := s.NextVersionNumbers(context.Background(), "acme", "support-bot", 1)
	if err != nil || major != 2 || minor != 8 {
		t.Fatalf("numbers = %d.%d, %v", major, minor, err)
	}

	mock.ExpectQuery("SELECT major, minor FROM versions").
		WithArgs("acme", "support-bot", 2).
		WillReturnRows(sqlmock.NewRows([]string{"major", "minor"}))
	major, minor, err = s.NextVersionNumbers(context.Background(), "acme", "support-bot", 2)
	if err != nil || major != 1 || minor != 1 {
		t.Fatalf("empty schema numbers = %d.%d, %v", major, minor, err)
	}
}

func TestRebindForSQLite(t *testing.T) {
	s := &SQLStore{postgres: false}
	got := s.rebind("SELECT * FROM t WHERE a = $1 AND b = $2 AND c = $12")
	want := "SELECT * FROM t WHERE a = ? AND b = ? AND c = ?"
	if got != want {
		t.Errorf("rebind = %q", got)
	}
}

func TestBlobDigestStable(t *testing.T) {
	a := blobDigest(blobKindRunBody, []byte("payload"))
	b := blobDigest(blobKindRunBody, []byte("payload"))
	if a != b {
		t.Error("digest not deterministic")
	}
	if a[:2] != "01" {
		t.Errorf("kind prefix = %s", a[:2])
	}
	if c := blobDigest(blobKindRunBody, []byte("other")); c == a {
		t.Error("distinct payloads collide")
	}
}
