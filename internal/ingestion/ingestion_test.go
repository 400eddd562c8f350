package ingestion

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvloznov/deal-confidence/internal/domain"
	"github.com/dvloznov/deal-confidence/internal/jobs"
	"github.com/dvloznov/deal-confidence/internal/store"
	"github.com/dvloznov/deal-confidence/internal/store/memory"
)

const (
	dealID = "deal-1"
	owner  = "alice"
	docID  = "doc-1"
)

type fakePublisher struct {
	PublishRecomputeFunc func(ctx context.Context, job *jobs.RecomputeJob) error
	published            []*jobs.RecomputeJob
}

func (f *fakePublisher) PublishRecompute(ctx context.Context, job *jobs.RecomputeJob) error {
	if f.PublishRecomputeFunc != nil {
		if err := f.PublishRecomputeFunc(ctx, job); err != nil {
			return err
		}
	}
	job.JobID = "job-" + string(job.Trigger)
	f.published = append(f.published, job)
	return nil
}

func (f *fakePublisher) Close() error { return nil }

func setup(t *testing.T) (*Service, *memory.Store, *fakePublisher) {
	t.Helper()
	ctx := context.Background()
	repo := memory.New()
	require.NoError(t, repo.CreateDeal(ctx, &domain.Deal{ID: dealID, Name: "Acme", Currency: "USD", CreatedBy: owner}))
	require.NoError(t, repo.CreateDocument(ctx, &domain.Document{ID: docID, DealID: dealID, Filename: "jan.csv", FileType: "csv", Status: domain.DocumentStatusUploaded, CreatedBy: owner}))
	pub := &fakePublisher{}
	return NewService(repo, pub, nil, zerolog.Nop()), repo, pub
}

func validRows() []ParsedRow {
	return []ParsedRow{
		{AccountID: "current", TxnDate: "2024-01-05", SignedAmountCents: 500000, RawDescriptor: "CLIENT PAYMENT ACME LTD", TxnID: "1", Currency: "USD"},
		{AccountID: "current", TxnDate: "2024-01-25", SignedAmountCents: -50000, RawDescriptor: "JOHN DOE", TxnID: "2"},
	}
}

func transactions(t *testing.T, repo *memory.Store) []*domain.RawTransaction {
	t.Helper()
	var out []*domain.RawTransaction
	err := repo.WithinDeal(context.Background(), dealID, func(ctx context.Context, tx store.DealTx) error {
		var err error
		out, err = tx.Transactions(ctx)
		return err
	})
	require.NoError(t, err)
	return out
}

func TestIngest_CompletesDocumentAndPublishes(t *testing.T) {
	svc, repo, pub := setup(t)

	res, err := svc.Ingest(context.Background(), owner, docID, validRows())
	require.NoError(t, err)
	assert.Equal(t, 2, res.RowsCount)
	assert.Equal(t, dealID, res.DealID)
	assert.Len(t, res.RawTransactionHash, 64)
	assert.Equal(t, "job-parse_complete", res.JobID)

	doc, err := repo.GetDocument(context.Background(), owner, docID)
	require.NoError(t, err)
	assert.Equal(t, domain.DocumentStatusCompleted, doc.Status)
	assert.Nil(t, doc.Error)

	txns := transactions(t, repo)
	require.Len(t, txns, 2)
	for _, txn := range txns {
		assert.Equal(t, docID, txn.DocumentID)
		assert.NotEmpty(t, txn.ID)
	}

	require.Len(t, pub.published, 1)
	assert.Equal(t, domain.TriggerParseComplete, pub.published[0].Trigger)
	assert.Equal(t, owner, pub.published[0].Owner)
}

func TestIngest_FailuresMarkDocument(t *testing.T) {
	tests := []struct {
		name       string
		mutate     func([]ParsedRow) []ParsedRow
		wantType   string
		wantStage  string
		wantAction string
	}{
		{
			name:       "no rows",
			mutate:     func([]ParsedRow) []ParsedRow { return nil },
			wantType:   domain.ErrorTypeDataValidation,
			wantStage:  domain.StageParseStart,
			wantAction: domain.NextActionFixData,
		},
		{
			name:       "zero amount",
			mutate:     func(r []ParsedRow) []ParsedRow { r[1].SignedAmountCents = 0; return r },
			wantType:   domain.ErrorTypeSchemaValidation,
			wantStage:  domain.StageSchemaValidated,
			wantAction: domain.NextActionFixData,
		},
		{
			name:       "bad date",
			mutate:     func(r []ParsedRow) []ParsedRow { r[0].TxnDate = "05/01/2024"; return r },
			wantType:   domain.ErrorTypeSchemaValidation,
			wantStage:  domain.StageSchemaValidated,
			wantAction: domain.NextActionFixData,
		},
		{
			name:       "currency mismatch",
			mutate:     func(r []ParsedRow) []ParsedRow { r[1].Currency = "eur"; return r },
			wantType:   domain.ErrorTypeCurrencyMismatch,
			wantStage:  domain.StageSchemaValidated,
			wantAction: domain.NextActionFixCurrency,
		},
		{
			name:       "blank account id",
			mutate:     func(r []ParsedRow) []ParsedRow { r[0].AccountID = "   "; return r },
			wantType:   domain.ErrorTypeDataValidation,
			wantStage:  domain.StageSchemaValidated,
			wantAction: domain.NextActionFixData,
		},
		{
			name:       "duplicate txn id",
			mutate:     func(r []ParsedRow) []ParsedRow { r[1].TxnID = r[0].TxnID; return r },
			wantType:   domain.ErrorTypeDataValidation,
			wantStage:  domain.StageSchemaValidated,
			wantAction: domain.NextActionFixData,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, repo, pub := setup(t)

			_, err := svc.Ingest(context.Background(), owner, docID, tt.mutate(validRows()))
			var ingErr *domain.IngestionError
			require.True(t, errors.As(err, &ingErr), "got %v", err)
			assert.Equal(t, tt.wantType, ingErr.Type)
			assert.Equal(t, tt.wantStage, ingErr.Stage)
			assert.Equal(t, tt.wantAction, ingErr.NextAction)

			doc, err := repo.GetDocument(context.Background(), owner, docID)
			require.NoError(t, err)
			assert.Equal(t, domain.DocumentStatusFailed, doc.Status)
			require.NotNil(t, doc.Error)
			assert.Equal(t, *ingErr, *doc.Error)

			assert.Empty(t, transactions(t, repo))
			assert.Empty(t, pub.published)
		})
	}
}

func TestIngest_TerminalDocumentRejected(t *testing.T) {
	svc, _, _ := setup(t)
	_, err := svc.Ingest(context.Background(), owner, docID, validRows())
	require.NoError(t, err)

	_, err = svc.Ingest(context.Background(), owner, docID, validRows())
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestIngest_ForeignOwnerSeesNotFound(t *testing.T) {
	svc, repo, _ := setup(t)

	_, err := svc.Ingest(context.Background(), "mallory", docID, validRows())
	assert.ErrorIs(t, err, domain.ErrNotFound)

	doc, err := repo.GetDocument(context.Background(), owner, docID)
	require.NoError(t, err)
	assert.Equal(t, domain.DocumentStatusUploaded, doc.Status)
}

func TestIngest_PublishFailureKeepsRows(t *testing.T) {
	svc, repo, pub := setup(t)
	pub.PublishRecomputeFunc = func(ctx context.Context, job *jobs.RecomputeJob) error {
		return domain.ErrQueueClosed
	}

	res, err := svc.Ingest(context.Background(), owner, docID, validRows())
	require.NoError(t, err)
	assert.Empty(t, res.JobID)
	assert.Len(t, transactions(t, repo), 2)
}

func TestFail_RecordsParserFailure(t *testing.T) {
	svc, _, pub := setup(t)

	doc, err := svc.Fail(context.Background(), owner, docID, FailureReport{Message: "encrypted PDF"})
	require.NoError(t, err)
	assert.Equal(t, domain.DocumentStatusFailed, doc.Status)
	require.NotNil(t, doc.Error)
	assert.Equal(t, domain.IngestionError{
		Type:       domain.ErrorTypeParse,
		Stage:      domain.StageParseStart,
		Message:    "encrypted PDF",
		NextAction: domain.NextActionRetryUpload,
	}, *doc.Error)
	assert.Empty(t, pub.published)

	_, err = svc.Fail(context.Background(), owner, docID, FailureReport{Message: "again"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestFail_ValidatesReport(t *testing.T) {
	svc, _, _ := setup(t)

	_, err := svc.Fail(context.Background(), owner, docID, FailureReport{})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = svc.Fail(context.Background(), owner, docID, FailureReport{Message: "x", NextAction: "call_mom"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}
