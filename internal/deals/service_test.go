package deals

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvloznov/deal-confidence/internal/config"
	"github.com/dvloznov/deal-confidence/internal/domain"
	"github.com/dvloznov/deal-confidence/internal/jobs"
	"github.com/dvloznov/deal-confidence/internal/pipeline"
	"github.com/dvloznov/deal-confidence/internal/store"
	"github.com/dvloznov/deal-confidence/internal/store/memory"
)

const (
	owner    = "alice"
	stranger = "mallory"
)

// mockPublisher records published jobs.
type mockPublisher struct {
	mu        sync.Mutex
	published []*jobs.RecomputeJob

	PublishRecomputeFunc func(ctx context.Context, job *jobs.RecomputeJob) error
}

func (m *mockPublisher) PublishRecompute(ctx context.Context, job *jobs.RecomputeJob) error {
	if m.PublishRecomputeFunc != nil {
		if err := m.PublishRecomputeFunc(ctx, job); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if job.JobID == "" {
		job.JobID = "job-" + string(rune('a'+len(m.published)))
	}
	m.published = append(m.published, job)
	return nil
}

func (m *mockPublisher) Close() error { return nil }

func (m *mockPublisher) recorded() []*jobs.RecomputeJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*jobs.RecomputeJob(nil), m.published...)
}

type mockArchiver struct {
	PutFunc   func(ctx context.Context, s *domain.Snapshot) (string, error)
	FetchFunc func(ctx context.Context, uri string) ([]byte, error)
}

func (m *mockArchiver) Put(ctx context.Context, s *domain.Snapshot) (string, error) {
	return m.PutFunc(ctx, s)
}

func (m *mockArchiver) Fetch(ctx context.Context, uri string) ([]byte, error) {
	return m.FetchFunc(ctx, uri)
}

func (m *mockArchiver) URI(s *domain.Snapshot) string {
	return "gs://archive/" + s.SHA256Hash + ".json"
}

type mockRecorder struct {
	mu   sync.Mutex
	runs []*domain.AnalysisRun

	RecordRunFunc func(ctx context.Context, run *domain.AnalysisRun) error
}

func (m *mockRecorder) RecordRun(ctx context.Context, run *domain.AnalysisRun) error {
	m.mu.Lock()
	m.runs = append(m.runs, run)
	m.mu.Unlock()
	if m.RecordRunFunc != nil {
		return m.RecordRunFunc(ctx, run)
	}
	return nil
}

func newTestService(t *testing.T, repo store.Repository, opts Options) *Service {
	t.Helper()
	engine, err := pipeline.NewEngine(config.DefaultEngineConfig(), zerolog.Nop())
	require.NoError(t, err)
	opts.Logger = zerolog.Nop()
	return NewService(repo, engine, opts)
}

// seedDeal creates a deal with one completed document holding client
// revenue and a contractor payment.
func seedDeal(t *testing.T, svc *Service, repo *memory.Store) *domain.Deal {
	t.Helper()
	ctx := context.Background()
	deal, err := svc.CreateDeal(ctx, owner, CreateDealInput{Name: "Acme", Currency: "usd"})
	require.NoError(t, err)

	doc, err := svc.UploadDocument(ctx, owner, deal.ID, UploadDocumentInput{Filename: "jan.csv", FileType: "CSV"})
	require.NoError(t, err)

	rows := []*domain.RawTransaction{
		{ID: "r1", TxnID: "1", TxnDate: "2024-01-05", SignedAmountCents: 500000, RawDescriptor: "CLIENT PAYMENT ACME LTD"},
		{ID: "r2", TxnID: "2", TxnDate: "2024-01-25", SignedAmountCents: -50000, RawDescriptor: "JOHN DOE"},
		{ID: "r3", TxnID: "3", TxnDate: "2024-02-05", SignedAmountCents: 400000, RawDescriptor: "CLIENT PAYMENT ACME LTD"},
	}
	for _, r := range rows {
		r.ID = deal.ID + "-" + r.ID
		r.DealID = deal.ID
		r.DocumentID = doc.ID
		r.AccountID = "current"
	}
	err = repo.WithinDeal(ctx, deal.ID, func(ctx context.Context, tx store.DealTx) error {
		if err := tx.InsertTransactions(ctx, rows); err != nil {
			return err
		}
		return tx.SetDocumentStatus(ctx, doc.ID, domain.DocumentStatusCompleted, nil)
	})
	require.NoError(t, err)
	return deal
}

func TestCreateDeal(t *testing.T) {
	svc := newTestService(t, memory.New(), Options{})
	ctx := context.Background()

	deal, err := svc.CreateDeal(ctx, owner, CreateDealInput{Name: "  Acme  ", Currency: "gbp"})
	require.NoError(t, err)
	assert.Equal(t, "Acme", deal.Name)
	assert.Equal(t, "GBP", deal.Currency)
	assert.Equal(t, owner, deal.CreatedBy)

	_, err = svc.CreateDeal(ctx, owner, CreateDealInput{Name: "Acme", Currency: "POUNDS"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = svc.CreateDeal(ctx, "", CreateDealInput{Name: "Acme", Currency: "GBP"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = svc.GetDeal(ctx, stranger, deal.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestUploadDocument_Validation(t *testing.T) {
	repo := memory.New()
	svc := newTestService(t, repo, Options{})
	ctx := context.Background()
	deal, err := svc.CreateDeal(ctx, owner, CreateDealInput{Name: "Acme", Currency: "USD"})
	require.NoError(t, err)

	_, err = svc.UploadDocument(ctx, owner, deal.ID, UploadDocumentInput{Filename: "a.doc", FileType: "doc"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = svc.UploadDocument(ctx, stranger, deal.ID, UploadDocumentInput{Filename: "a.csv", FileType: "csv"})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	doc, err := svc.UploadDocument(ctx, owner, deal.ID, UploadDocumentInput{Filename: "a.pdf", FileType: " PDF "})
	require.NoError(t, err)
	assert.Equal(t, "pdf", doc.FileType)
	assert.Equal(t, domain.DocumentStatusUploaded, doc.Status)
}

func TestRerun_RecordsRunInWarehouse(t *testing.T) {
	repo := memory.New()
	rec := &mockRecorder{RecordRunFunc: func(ctx context.Context, run *domain.AnalysisRun) error {
		return errors.New("bigquery unavailable")
	}}
	svc := newTestService(t, repo, Options{Warehouse: rec})
	deal := seedDeal(t, svc, repo)

	res, err := svc.Rerun(context.Background(), owner, deal.ID, domain.TriggerManualRerun)
	require.NoError(t, err, "warehouse failures do not fail the run")
	assert.Equal(t, domain.TriggerManualRerun, res.Run.RunTrigger)
	assert.Nil(t, res.Snapshot)
	require.Len(t, rec.runs, 1)
	assert.Equal(t, res.Run.ID, rec.runs[0].ID)

	_, err = svc.Rerun(context.Background(), stranger, deal.ID, domain.TriggerManualRerun)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRequestRerun(t *testing.T) {
	repo := memory.New()
	pub := &mockPublisher{}
	svc := newTestService(t, repo, Options{Publisher: pub})
	deal := seedDeal(t, svc, repo)

	jobID, err := svc.RequestRerun(context.Background(), owner, deal.ID)
	require.NoError(t, err)
	published := pub.recorded()
	require.Len(t, published, 1)
	assert.Equal(t, jobID, published[0].JobID)
	assert.Equal(t, domain.TriggerManualRerun, published[0].Trigger)
	assert.Equal(t, owner, published[0].Owner)

	noQueue := newTestService(t, repo, Options{})
	_, err = noQueue.RequestRerun(context.Background(), owner, deal.ID)
	assert.ErrorIs(t, err, domain.ErrQueueClosed)
}

func TestHandleRecompute(t *testing.T) {
	repo := memory.New()
	svc := newTestService(t, repo, Options{})
	deal := seedDeal(t, svc, repo)
	ctx := context.Background()

	job := &jobs.RecomputeJob{DealID: deal.ID, Owner: owner, Trigger: domain.TriggerParseComplete}
	require.NoError(t, svc.HandleRecompute(ctx, job))
	require.NotEmpty(t, job.RunID)

	latest, err := svc.GetLatestRun(ctx, owner, deal.ID)
	require.NoError(t, err)
	assert.Equal(t, job.RunID, latest.ID)
	assert.Equal(t, domain.TriggerParseComplete, latest.RunTrigger)

	foreign := &jobs.RecomputeJob{DealID: deal.ID, Owner: stranger, Trigger: domain.TriggerManualRerun}
	err = svc.HandleRecompute(ctx, foreign)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.False(t, jobs.Retryable(err))
}

func TestApplyOverride_RoleChange(t *testing.T) {
	repo := memory.New()
	pub := &mockPublisher{}
	svc := newTestService(t, repo, Options{Publisher: pub})
	deal := seedDeal(t, svc, repo)
	ctx := context.Background()

	_, err := svc.Rerun(ctx, owner, deal.ID, domain.TriggerManualRerun)
	require.NoError(t, err)
	entities, err := svc.ListEntities(ctx, owner, deal.ID)
	require.NoError(t, err)
	var john *domain.Entity
	for _, e := range entities {
		if strings.Contains(strings.ToUpper(e.DisplayName), "JOHN") {
			john = e
		}
	}
	require.NotNil(t, john)

	res, err := svc.ApplyOverride(ctx, owner, deal.ID, ApplyOverrideInput{
		EntityID: john.ID,
		Field:    domain.OverrideFieldRole,
		NewValue: string(domain.RolePayroll),
		Weight:   "1.0",
		Reason:   "employee per contract",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.WeightFullBP, res.Override.WeightBP)
	assert.Equal(t, owner, res.Override.CreatedBy)
	assert.NotEmpty(t, res.JobID)

	published := pub.recorded()
	require.Len(t, published, 1)
	assert.Equal(t, domain.TriggerOverrideApplied, published[0].Trigger)

	second, err := svc.ApplyOverride(ctx, owner, deal.ID, ApplyOverrideInput{
		EntityID: john.ID,
		Field:    domain.OverrideFieldRole,
		NewValue: string(domain.RoleSupplier),
		Weight:   "0.5",
		Reason:   "actually a contractor",
	})
	require.NoError(t, err)
	require.NotNil(t, second.Override.OldValue)
	assert.Equal(t, string(domain.RolePayroll), *second.Override.OldValue)
	assert.Greater(t, second.Override.Seq, res.Override.Seq)

	ledger, err := svc.ListOverrides(ctx, owner, deal.ID)
	require.NoError(t, err)
	require.Len(t, ledger, 2)
	assert.Equal(t, string(domain.RolePayroll), ledger[0].NewValue, "earlier overrides are kept")
}

func TestApplyOverride_Rejections(t *testing.T) {
	repo := memory.New()
	svc := newTestService(t, repo, Options{})
	deal := seedDeal(t, svc, repo)
	ctx := context.Background()
	_, err := svc.Rerun(ctx, owner, deal.ID, domain.TriggerManualRerun)
	require.NoError(t, err)
	entities, err := svc.ListEntities(ctx, owner, deal.ID)
	require.NoError(t, err)
	require.NotEmpty(t, entities)
	id := entities[0].ID

	tests := []struct {
		name    string
		in      ApplyOverrideInput
		user    string
		wantErr error
	}{
		{"missing reason", ApplyOverrideInput{EntityID: id, Field: domain.OverrideFieldRole, NewValue: "payroll"}, owner, domain.ErrInvalidInput},
		{"bad weight", ApplyOverrideInput{EntityID: id, Field: domain.OverrideFieldRole, NewValue: "payroll", Weight: "0.7", Reason: "x"}, owner, domain.ErrInvalidInput},
		{"unknown role", ApplyOverrideInput{EntityID: id, Field: domain.OverrideFieldRole, NewValue: "wizard", Reason: "x"}, owner, domain.ErrInvalidInput},
		{"transfer role", ApplyOverrideInput{EntityID: id, Field: domain.OverrideFieldRole, NewValue: "transfer", Reason: "x"}, owner, domain.ErrInvalidInput},
		{"unknown entity", ApplyOverrideInput{EntityID: "nope", Field: domain.OverrideFieldRole, NewValue: "payroll", Reason: "x"}, owner, domain.ErrNotFound},
		{"self merge", ApplyOverrideInput{EntityID: id, Field: domain.OverrideFieldEntity, NewValue: id, Reason: "x"}, owner, domain.ErrInvalidInput},
		{"foreign deal", ApplyOverrideInput{EntityID: id, Field: domain.OverrideFieldRole, NewValue: "payroll", Reason: "x"}, stranger, domain.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.ApplyOverride(ctx, tt.user, deal.ID, tt.in)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	ledger, err := svc.ListOverrides(ctx, owner, deal.ID)
	require.NoError(t, err)
	assert.Empty(t, ledger)
}

func TestExport(t *testing.T) {
	repo := memory.New()
	var archived []string
	arch := &mockArchiver{PutFunc: func(ctx context.Context, s *domain.Snapshot) (string, error) {
		archived = append(archived, s.SHA256Hash)
		return "gs://archive/" + s.SHA256Hash + ".json", nil
	}}
	svc := newTestService(t, repo, Options{Archive: arch})
	deal := seedDeal(t, svc, repo)
	ctx := context.Background()

	first, err := svc.Export(ctx, owner, deal.ID)
	require.NoError(t, err)
	require.NotNil(t, first.Snapshot)
	assert.Equal(t, first.Run.ID, first.Snapshot.AnalysisRunID)
	assert.NotEmpty(t, first.ArchiveURI)
	require.NotNil(t, first.Snapshot.FinancialStateHash)

	require.Len(t, first.Entities, 2)
	entityIDs := make(map[string]bool)
	for _, e := range first.Entities {
		assert.Equal(t, deal.ID, e.DealID)
		entityIDs[e.ID] = true
	}
	require.Len(t, first.TxnEntityMap, 3)
	for _, m := range first.TxnEntityMap {
		assert.Contains(t, []string{deal.ID + "-r1", deal.ID + "-r2", deal.ID + "-r3"}, m.TxnID)
		assert.True(t, entityIDs[m.EntityID], "mapping %s points at an exported entity", m.TxnID)
		assert.NotEmpty(t, m.Role)
	}

	second, err := svc.Export(ctx, owner, deal.ID)
	require.NoError(t, err)
	assert.Equal(t, first.Snapshot.ID, second.Snapshot.ID, "unchanged state reuses the snapshot")
	assert.Equal(t, first.Snapshot.SHA256Hash, second.Snapshot.SHA256Hash)
	assert.NotEqual(t, first.Run.ID, second.Run.ID)

	snaps, err := svc.ListSnapshots(ctx, owner, deal.ID)
	require.NoError(t, err)
	assert.Len(t, snaps, 1)
	assert.Len(t, archived, 2)
}

func TestExport_Readiness(t *testing.T) {
	repo := memory.New()
	svc := newTestService(t, repo, Options{})
	ctx := context.Background()

	empty, err := svc.CreateDeal(ctx, owner, CreateDealInput{Name: "Empty", Currency: "USD"})
	require.NoError(t, err)
	_, err = svc.Export(ctx, owner, empty.ID)
	assert.ErrorIs(t, err, domain.ErrNoTransactions)

	deal := seedDeal(t, svc, repo)
	_, err = svc.UploadDocument(ctx, owner, deal.ID, UploadDocumentInput{Filename: "feb.csv", FileType: "csv"})
	require.NoError(t, err)
	_, err = svc.Export(ctx, owner, deal.ID)
	assert.ErrorIs(t, err, domain.ErrDocumentsNotReady)

	runs, err := svc.ListRuns(ctx, owner, deal.ID)
	require.NoError(t, err)
	assert.Empty(t, runs, "refused exports leave no run behind")
}

func TestExport_ArchiveCollisionFails(t *testing.T) {
	repo := memory.New()
	arch := &mockArchiver{PutFunc: func(ctx context.Context, s *domain.Snapshot) (string, error) {
		return "", domain.ErrHashCollision
	}}
	svc := newTestService(t, repo, Options{Archive: arch})
	deal := seedDeal(t, svc, repo)

	_, err := svc.Export(context.Background(), owner, deal.ID)
	assert.ErrorIs(t, err, domain.ErrHashCollision)
}

func TestExport_ArchiveOutageIsLogged(t *testing.T) {
	repo := memory.New()
	arch := &mockArchiver{PutFunc: func(ctx context.Context, s *domain.Snapshot) (string, error) {
		return "", errors.New("gcs down")
	}}
	svc := newTestService(t, repo, Options{Archive: arch})
	deal := seedDeal(t, svc, repo)

	res, err := svc.Export(context.Background(), owner, deal.ID)
	require.NoError(t, err)
	assert.Empty(t, res.ArchiveURI)
}

func TestRerunAll(t *testing.T) {
	repo := memory.New()
	svc := newTestService(t, repo, Options{})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		seedDeal(t, svc, repo)
	}

	summary, err := svc.RerunAll(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Deals)
	assert.Equal(t, 3, summary.Succeeded)
	assert.Empty(t, summary.Failed)

	deals, err := svc.ListDeals(ctx, owner)
	require.NoError(t, err)
	for _, d := range deals {
		runs, err := svc.ListRuns(ctx, owner, d.ID)
		require.NoError(t, err)
		assert.Len(t, runs, 1)
	}
}

func TestBackfillFinancialHashes(t *testing.T) {
	ctx := context.Background()
	source := memory.New()
	svc := newTestService(t, source, Options{})
	deal := seedDeal(t, svc, source)
	exported, err := svc.Export(ctx, owner, deal.ID)
	require.NoError(t, err)
	want := *exported.Snapshot.FinancialStateHash

	// A store holding the same snapshot from before financial hashes existed.
	legacy := memory.New()
	require.NoError(t, legacy.CreateDeal(ctx, deal))
	old := *exported.Snapshot
	old.FinancialStateHash = nil
	err = legacy.WithinDeal(ctx, deal.ID, func(ctx context.Context, tx store.DealTx) error {
		_, err := tx.PutSnapshot(ctx, &old)
		return err
	})
	require.NoError(t, err)

	legacySvc := newTestService(t, legacy, Options{})
	summary, err := legacySvc.BackfillFinancialHashes(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Updated)

	got, err := legacy.GetSnapshot(ctx, owner, old.ID)
	require.NoError(t, err)
	require.NotNil(t, got.FinancialStateHash)
	assert.Equal(t, want, *got.FinancialStateHash)

	summary, err = legacySvc.BackfillFinancialHashes(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, summary.Updated)
}

func TestVerifySnapshot(t *testing.T) {
	repo := memory.New()
	ctx := context.Background()
	var stored []byte
	arch := &mockArchiver{
		PutFunc: func(ctx context.Context, s *domain.Snapshot) (string, error) {
			stored = []byte(s.CanonicalJSON)
			return "gs://archive/x.json", nil
		},
		FetchFunc: func(ctx context.Context, uri string) ([]byte, error) {
			return stored, nil
		},
	}
	svc := newTestService(t, repo, Options{Archive: arch})
	deal := seedDeal(t, svc, repo)
	exported, err := svc.Export(ctx, owner, deal.ID)
	require.NoError(t, err)

	res, err := svc.VerifySnapshot(ctx, owner, exported.Snapshot.ID)
	require.NoError(t, err)
	assert.True(t, res.ArchiveChecked)
	assert.Equal(t, exported.Snapshot.SHA256Hash, res.SHA256Hash)
	assert.Equal(t, *exported.Snapshot.FinancialStateHash, res.FinancialStateHash)

	stored = []byte(`{"tampered":true}`)
	_, err = svc.VerifySnapshot(ctx, owner, exported.Snapshot.ID)
	assert.ErrorIs(t, err, domain.ErrHashCollision)

	_, err = svc.VerifySnapshot(ctx, stranger, exported.Snapshot.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
