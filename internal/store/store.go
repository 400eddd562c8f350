// Package store defines persistence for deals and everything scoped to
// them. Reads that take an owner enforce the tenant chain rooted at
// Deal.CreatedBy and report rows outside it as domain.ErrNotFound.
package store

import (
	"context"

	"github.com/dvloznov/deal-confidence/internal/domain"
)

// DealRef identifies a deal and its owner.
type DealRef struct {
	ID        string `db:"id"`
	CreatedBy string `db:"created_by"`
}

// Repository is the top-level store.
type Repository interface {
	CreateDeal(ctx context.Context, deal *domain.Deal) error
	GetDeal(ctx context.Context, owner, dealID string) (*domain.Deal, error)
	ListDeals(ctx context.Context, owner string) ([]*domain.Deal, error)
	// ListDealRefs lists every deal across tenants, for batch jobs only.
	ListDealRefs(ctx context.Context) ([]DealRef, error)

	CreateDocument(ctx context.Context, doc *domain.Document) error
	GetDocument(ctx context.Context, owner, documentID string) (*domain.Document, error)
	ListDocuments(ctx context.Context, owner, dealID string) ([]*domain.Document, error)
	UpdateDocumentStatus(ctx context.Context, documentID string, status domain.DocumentStatus, ingErr *domain.IngestionError) error

	ListOverrides(ctx context.Context, owner, dealID string) ([]*domain.Override, error)
	ListEntities(ctx context.Context, owner, dealID string) ([]*domain.Entity, error)
	ListMappings(ctx context.Context, owner, dealID string) ([]domain.TxnEntityMap, error)
	ListRuns(ctx context.Context, owner, dealID string) ([]*domain.AnalysisRun, error)
	GetLatestRun(ctx context.Context, owner, dealID string) (*domain.AnalysisRun, error)
	ListSnapshots(ctx context.Context, owner, dealID string) ([]*domain.Snapshot, error)
	GetSnapshot(ctx context.Context, owner, snapshotID string) (*domain.Snapshot, error)

	// ListSnapshotsMissingFinancialHash returns up to limit snapshots whose
	// financial_state_hash is still null, oldest first.
	ListSnapshotsMissingFinancialHash(ctx context.Context, limit int) ([]*domain.Snapshot, error)
	// BackfillFinancialStateHash sets a null financial_state_hash. Any
	// other change to a snapshot is rejected with domain.ErrImmutable.
	BackfillFinancialStateHash(ctx context.Context, snapshotID, hash string) error

	// WithinDeal runs fn in one transaction holding the deal's lock, so
	// everything fn reads is a consistent view and everything it writes
	// commits together or not at all.
	WithinDeal(ctx context.Context, dealID string, fn func(ctx context.Context, tx DealTx) error) error

	Close() error
}

// DealTx is the view of one deal inside WithinDeal.
type DealTx interface {
	Deal() *domain.Deal

	Documents(ctx context.Context) ([]*domain.Document, error)
	SetDocumentStatus(ctx context.Context, documentID string, status domain.DocumentStatus, ingErr *domain.IngestionError) error

	Transactions(ctx context.Context) ([]*domain.RawTransaction, error)
	InsertTransactions(ctx context.Context, txns []*domain.RawTransaction) error

	Entities(ctx context.Context) ([]*domain.Entity, error)
	InsertEntities(ctx context.Context, entities []*domain.Entity) error

	// CurrentMappings returns the latest mapping row per transaction for roleVersion.
	CurrentMappings(ctx context.Context, roleVersion string) ([]domain.TxnEntityMap, error)
	InsertMappings(ctx context.Context, rows []domain.TxnEntityMap) error

	TransferLinks(ctx context.Context) ([]domain.TransferLink, error)
	// ReplaceTransferLinks swaps the deal's links for links.
	ReplaceTransferLinks(ctx context.Context, links []domain.TransferLink) error

	Overrides(ctx context.Context) ([]*domain.Override, error)
	// AppendOverride appends o and assigns its Seq.
	AppendOverride(ctx context.Context, o *domain.Override) error

	InsertRun(ctx context.Context, run *domain.AnalysisRun) error
	LatestRun(ctx context.Context) (*domain.AnalysisRun, error)

	// PutSnapshot inserts s unless a snapshot with the same SHA256Hash
	// exists, in which case the stored one is returned. An existing hash
	// over different canonical JSON is domain.ErrHashCollision.
	PutSnapshot(ctx context.Context, s *domain.Snapshot) (*domain.Snapshot, error)
}
