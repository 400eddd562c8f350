package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvloznov/deal-confidence/internal/config"
	"github.com/dvloznov/deal-confidence/internal/deals"
	"github.com/dvloznov/deal-confidence/internal/domain"
	"github.com/dvloznov/deal-confidence/internal/ingestion"
	"github.com/dvloznov/deal-confidence/internal/jobs/inmemory"
	"github.com/dvloznov/deal-confidence/internal/metrics"
	"github.com/dvloznov/deal-confidence/internal/pipeline"
	"github.com/dvloznov/deal-confidence/internal/store/memory"
)

const (
	alice = "alice"
	bob   = "bob"
)

type testServer struct {
	*httptest.Server
	t *testing.T
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	log := zerolog.Nop()
	repo := memory.New()
	m, err := metrics.New()
	require.NoError(t, err)

	jobStore := inmemory.NewStore()
	queue := inmemory.NewQueue(inmemory.Options{Workers: 2, RetryBackoff: time.Millisecond, Logger: log, Metrics: m}, jobStore)

	engine, err := pipeline.NewEngine(config.DefaultEngineConfig(), log)
	require.NoError(t, err)
	svc := deals.NewService(repo, engine, deals.Options{Publisher: queue, Metrics: m, Logger: log})
	ing := ingestion.NewService(repo, queue, m, log)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, queue.Start(ctx, svc.HandleRecompute))

	srv := httptest.NewServer(NewRouter(Deps{
		Deals:          svc,
		Ingester:       ing,
		Jobs:           jobStore,
		Metrics:        m,
		Logger:         log,
		RequestTimeout: 10 * time.Second,
	}))
	t.Cleanup(func() {
		srv.Close()
		stopCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		require.NoError(t, queue.Stop(stopCtx))
		cancel()
	})
	return &testServer{Server: srv, t: t}
}

// do sends a request as user and decodes a JSON response into out.
func (s *testServer) do(method, path, user string, body interface{}, out interface{}) int {
	s.t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(s.t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, s.URL+path, rd)
	require.NoError(s.t, err)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	resp, err := s.Client().Do(req)
	require.NoError(s.t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(s.t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

// seed creates a deal for alice with one ingested document.
func (s *testServer) seed() (*domain.Deal, *domain.Document) {
	s.t.Helper()
	var deal domain.Deal
	require.Equal(s.t, http.StatusCreated, s.do(http.MethodPost, "/v1/deals", alice,
		map[string]interface{}{"name": "Acme", "currency": "USD"}, &deal))

	var doc domain.Document
	require.Equal(s.t, http.StatusCreated, s.do(http.MethodPost, "/v1/deals/"+deal.ID+"/documents", alice,
		map[string]string{"filename": "jan.csv", "file_type": "csv"}, &doc))

	rows := map[string]interface{}{"rows": []map[string]interface{}{
		{"account_id": "current", "txn_date": "2024-01-05", "signed_amount_cents": 500000, "raw_descriptor": "CLIENT PAYMENT ACME LTD", "txn_id": "1"},
		{"account_id": "current", "txn_date": "2024-01-25", "signed_amount_cents": -50000, "raw_descriptor": "JOHN DOE", "txn_id": "2"},
	}}
	var res ingestion.Result
	require.Equal(s.t, http.StatusCreated, s.do(http.MethodPost, "/v1/documents/"+doc.ID+"/transactions", alice, rows, &res))
	require.Equal(s.t, 2, res.RowsCount)
	return &deal, &doc
}

func TestHealthEndpoints(t *testing.T) {
	s := newTestServer(t)

	var health map[string]string
	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/health", "", nil, &health))
	assert.Equal(t, "healthy", health["status"])

	var sys deals.SystemInfo
	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/v1/system/health", "", nil, &sys))
	assert.Equal(t, pipeline.SchemaVersion, sys.SchemaVersion)
	assert.NotEmpty(t, sys.ConfigVersion)
	assert.NotEmpty(t, sys.RoleVersion)
}

func TestAuthRequired(t *testing.T) {
	s := newTestServer(t)

	var body map[string]string
	assert.Equal(t, http.StatusUnauthorized, s.do(http.MethodGet, "/v1/deals", "", nil, &body))
	assert.Equal(t, "unauthenticated", body["code"])
}

func TestDealLifecycle(t *testing.T) {
	s := newTestServer(t)
	deal, doc := s.seed()

	var gotDoc domain.Document
	require.Equal(t, http.StatusOK, s.do(http.MethodGet, "/v1/documents/"+doc.ID, alice, nil, &gotDoc))
	assert.Equal(t, domain.DocumentStatusCompleted, gotDoc.Status)

	var export deals.ExportResult
	require.Equal(t, http.StatusOK, s.do(http.MethodPost, "/v1/deals/"+deal.ID+"/export", alice, nil, &export))
	require.NotNil(t, export.Snapshot)
	assert.Equal(t, export.Run.ID, export.Snapshot.AnalysisRunID)
	assert.NotEmpty(t, export.Entities)
	assert.NotEmpty(t, export.TxnEntityMap)

	var sn domain.Snapshot
	require.Equal(t, http.StatusOK, s.do(http.MethodGet, "/v1/snapshots/"+export.Snapshot.ID, alice, nil, &sn))
	assert.Equal(t, export.Snapshot.SHA256Hash, sn.SHA256Hash)

	var snaps struct {
		Snapshots []domain.Snapshot `json:"snapshots"`
		Count     int               `json:"count"`
	}
	require.Equal(t, http.StatusOK, s.do(http.MethodGet, "/v1/deals/"+deal.ID+"/snapshots", alice, nil, &snaps))
	assert.Equal(t, 1, snaps.Count)

	var latest domain.AnalysisRun
	require.Eventually(t, func() bool {
		return s.do(http.MethodGet, "/v1/deals/"+deal.ID+"/runs/latest", alice, nil, &latest) == http.StatusOK
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, deal.ID, latest.DealID)
}

func TestOwnershipIsolation(t *testing.T) {
	s := newTestServer(t)
	deal, doc := s.seed()

	paths := []string{
		"/v1/deals/" + deal.ID,
		"/v1/deals/" + deal.ID + "/documents",
		"/v1/deals/" + deal.ID + "/overrides",
		"/v1/deals/" + deal.ID + "/runs",
		"/v1/documents/" + doc.ID,
	}
	for _, p := range paths {
		var body map[string]string
		assert.Equal(t, http.StatusNotFound, s.do(http.MethodGet, p, bob, nil, &body), p)
		assert.Equal(t, "not_found", body["code"], p)
	}

	var list struct {
		Count int `json:"count"`
	}
	require.Equal(t, http.StatusOK, s.do(http.MethodGet, "/v1/deals", bob, nil, &list))
	assert.Zero(t, list.Count)
	require.Equal(t, http.StatusOK, s.do(http.MethodGet, "/v1/jobs", bob, nil, &list))
	assert.Zero(t, list.Count)
}

func TestIngestFailureIsReported(t *testing.T) {
	s := newTestServer(t)

	var deal domain.Deal
	require.Equal(t, http.StatusCreated, s.do(http.MethodPost, "/v1/deals", alice,
		map[string]interface{}{"name": "Acme", "currency": "USD"}, &deal))
	var doc domain.Document
	require.Equal(t, http.StatusCreated, s.do(http.MethodPost, "/v1/deals/"+deal.ID+"/documents", alice,
		map[string]string{"filename": "jan.csv", "file_type": "csv"}, &doc))

	rows := map[string]interface{}{"rows": []map[string]interface{}{
		{"account_id": "current", "txn_date": "2024-01-05", "signed_amount_cents": 500000, "txn_id": "1", "currency": "EUR"},
	}}
	var failure map[string]string
	require.Equal(t, http.StatusUnprocessableEntity, s.do(http.MethodPost, "/v1/documents/"+doc.ID+"/transactions", alice, rows, &failure))
	assert.Equal(t, domain.ErrorTypeCurrencyMismatch, failure["error_type"])
	assert.Equal(t, domain.NextActionFixCurrency, failure["next_action"])

	var got domain.Document
	require.Equal(t, http.StatusOK, s.do(http.MethodGet, "/v1/documents/"+doc.ID, alice, nil, &got))
	assert.Equal(t, domain.DocumentStatusFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, domain.ErrorTypeCurrencyMismatch, got.Error.Type)
}

func TestExportRefusals(t *testing.T) {
	s := newTestServer(t)

	var deal domain.Deal
	require.Equal(t, http.StatusCreated, s.do(http.MethodPost, "/v1/deals", alice,
		map[string]interface{}{"name": "Acme", "currency": "USD"}, &deal))

	var body map[string]string
	assert.Equal(t, http.StatusConflict, s.do(http.MethodPost, "/v1/deals/"+deal.ID+"/export", alice, nil, &body))
	assert.Equal(t, "no_transactions", body["code"])

	require.Equal(t, http.StatusCreated, s.do(http.MethodPost, "/v1/deals/"+deal.ID+"/documents", alice,
		map[string]string{"filename": "jan.csv", "file_type": "csv"}, nil))
	assert.Equal(t, http.StatusConflict, s.do(http.MethodPost, "/v1/deals/"+deal.ID+"/export", alice, nil, &body))
	assert.Equal(t, "documents_not_ready", body["code"])
}

func TestRequestRerunRunsOnQueue(t *testing.T) {
	s := newTestServer(t)
	deal, _ := s.seed()

	var accepted map[string]string
	require.Equal(t, http.StatusAccepted, s.do(http.MethodPost, "/v1/deals/"+deal.ID+"/runs", alice, nil, &accepted))
	jobID := accepted["job_id"]
	require.NotEmpty(t, jobID)

	var job struct {
		Status string `json:"status"`
		RunID  string `json:"run_id"`
	}
	require.Eventually(t, func() bool {
		s.do(http.MethodGet, "/v1/jobs/"+jobID, alice, nil, &job)
		return job.Status == "completed"
	}, 5*time.Second, 10*time.Millisecond)
	assert.NotEmpty(t, job.RunID)

	var body map[string]string
	assert.Equal(t, http.StatusNotFound, s.do(http.MethodGet, "/v1/jobs/"+jobID, bob, nil, &body))
}

func TestBadRequests(t *testing.T) {
	s := newTestServer(t)

	req, err := http.NewRequest(http.MethodPost, s.URL+"/v1/deals", strings.NewReader(`{"name":`))
	require.NoError(t, err)
	req.Header.Set("X-User-ID", alice)
	resp, err := s.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var body map[string]string
	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodPost, "/v1/deals", alice,
		map[string]interface{}{"name": "Acme", "currency": "USD", "extra": true}, &body))
	assert.Equal(t, "invalid_input", body["code"])

	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodGet, "/v1/jobs?limit=0", alice, nil, &body))
	assert.Equal(t, http.StatusNotFound, s.do(http.MethodGet, "/v1/nope", alice, nil, &body))
}

func TestMetricsUseRoutePatterns(t *testing.T) {
	s := newTestServer(t)
	deal, _ := s.seed()
	s.do(http.MethodGet, "/v1/deals/"+deal.ID, alice, nil, nil)

	resp, err := s.Client().Get(s.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	out := string(b)
	assert.Contains(t, out, `route="/v1/deals/{dealID}`)
	assert.NotContains(t, out, deal.ID)
}
