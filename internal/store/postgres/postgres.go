package postgres

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/dvloznov/deal-confidence/internal/domain"
	"github.com/dvloznov/deal-confidence/internal/store"
)

// Store is a PostgreSQL-backed store.Repository.
type Store struct {
	db *sqlx.DB
}

// New wraps an open database handle.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Close implements store.Repository.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateDeal implements store.Repository.
func (s *Store) CreateDeal(ctx context.Context, deal *domain.Deal) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO deals (id, name, currency, created_by, created_at, accrual_revenue_cents,
			accrual_period_start, accrual_period_end)
		VALUES (:id, :name, :currency, :created_by, :created_at, :accrual_revenue_cents,
			:accrual_period_start, :accrual_period_end)`, deal)
	return mapErr("postgres.CreateDeal", err)
}

// GetDeal implements store.Repository.
func (s *Store) GetDeal(ctx context.Context, owner, dealID string) (*domain.Deal, error) {
	var d domain.Deal
	err := s.db.GetContext(ctx, &d, `SELECT `+dealColumns+` FROM deals WHERE id = $1 AND created_by = $2`, dealID, owner)
	if err != nil {
		return nil, mapErr("postgres.GetDeal", err)
	}
	return &d, nil
}

// ListDeals implements store.Repository.
func (s *Store) ListDeals(ctx context.Context, owner string) ([]*domain.Deal, error) {
	var rows []domain.Deal
	err := s.db.SelectContext(ctx, &rows, `SELECT `+dealColumns+` FROM deals WHERE created_by = $1 ORDER BY created_at, id`, owner)
	if err != nil {
		return nil, mapErr("postgres.ListDeals", err)
	}
	return ptrs(rows), nil
}

// ListDealRefs implements store.Repository.
func (s *Store) ListDealRefs(ctx context.Context) ([]store.DealRef, error) {
	var refs []store.DealRef
	if err := s.db.SelectContext(ctx, &refs, `SELECT id, created_by FROM deals ORDER BY id`); err != nil {
		return nil, mapErr("postgres.ListDealRefs", err)
	}
	return refs, nil
}

// CreateDocument implements store.Repository. The deal must belong to doc.CreatedBy.
func (s *Store) CreateDocument(ctx context.Context, doc *domain.Document) error {
	et, es, em, na := errorColumns(doc.Error)
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (id, deal_id, filename, file_type, status, error_type, error_stage,
			error_message, next_action, created_by, created_at, updated_at)
		SELECT $1, d.id, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12
		FROM deals d WHERE d.id = $2 AND d.created_by = $10`,
		doc.ID, doc.DealID, doc.Filename, doc.FileType, doc.Status, et, es, em, na,
		doc.CreatedBy, doc.CreatedAt, doc.UpdatedAt)
	if err != nil {
		return mapErr("postgres.CreateDocument", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("postgres.CreateDocument: deal %s: %w", doc.DealID, domain.ErrNotFound)
	}
	return nil
}

// GetDocument implements store.Repository.
func (s *Store) GetDocument(ctx context.Context, owner, documentID string) (*domain.Document, error) {
	var row documentRow
	err := s.db.GetContext(ctx, &row, `
		SELECT `+documentColumns+` FROM documents
		WHERE id = $1 AND deal_id IN (SELECT id FROM deals WHERE created_by = $2)`, documentID, owner)
	if err != nil {
		return nil, mapErr("postgres.GetDocument", err)
	}
	return row.toDomain(), nil
}

// ListDocuments implements store.Repository.
func (s *Store) ListDocuments(ctx context.Context, owner, dealID string) ([]*domain.Document, error) {
	if err := s.checkOwner(ctx, owner, dealID); err != nil {
		return nil, mapErr("postgres.ListDocuments", err)
	}
	return listDocuments(ctx, s.db, dealID)
}

func listDocuments(ctx context.Context, q sqlx.QueryerContext, dealID string) ([]*domain.Document, error) {
	var rows []documentRow
	err := sqlx.SelectContext(ctx, q, &rows, `SELECT `+documentColumns+` FROM documents WHERE deal_id = $1 ORDER BY created_at, id`, dealID)
	if err != nil {
		return nil, mapErr("postgres.ListDocuments", err)
	}
	return documentsFromRows(rows), nil
}

// UpdateDocumentStatus implements store.Repository.
func (s *Store) UpdateDocumentStatus(ctx context.Context, documentID string, status domain.DocumentStatus, ingErr *domain.IngestionError) error {
	return updateDocumentStatus(ctx, s.db, "", documentID, status, ingErr)
}

func updateDocumentStatus(ctx context.Context, e sqlx.ExecerContext, dealID, documentID string, status domain.DocumentStatus, ingErr *domain.IngestionError) error {
	et, es, em, na := errorColumns(ingErr)
	res, err := e.ExecContext(ctx, `
		UPDATE documents SET status = $2, error_type = $3, error_stage = $4, error_message = $5,
			next_action = $6, updated_at = now()
		WHERE id = $1 AND ($7 = '' OR deal_id::text = $7)`,
		documentID, status, et, es, em, na, dealID)
	if err != nil {
		return mapErr("postgres.UpdateDocumentStatus", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("postgres.UpdateDocumentStatus: document %s: %w", documentID, domain.ErrNotFound)
	}
	return nil
}

func (s *Store) checkOwner(ctx context.Context, owner, dealID string) error {
	var exists bool
	err := s.db.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM deals WHERE id = $1 AND created_by = $2)`, dealID, owner)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("deal %s: %w", dealID, domain.ErrNotFound)
	}
	return nil
}

// ListOverrides implements store.Repository.
func (s *Store) ListOverrides(ctx context.Context, owner, dealID string) ([]*domain.Override, error) {
	if err := s.checkOwner(ctx, owner, dealID); err != nil {
		return nil, mapErr("postgres.ListOverrides", err)
	}
	return listOverrides(ctx, s.db, dealID)
}

func listOverrides(ctx context.Context, q sqlx.QueryerContext, dealID string) ([]*domain.Override, error) {
	var rows []domain.Override
	if err := sqlx.SelectContext(ctx, q, &rows, `SELECT `+overrideColumns+` FROM overrides WHERE deal_id = $1 ORDER BY seq`, dealID); err != nil {
		return nil, mapErr("postgres.ListOverrides", err)
	}
	return ptrs(rows), nil
}

// ListEntities implements store.Repository.
func (s *Store) ListEntities(ctx context.Context, owner, dealID string) ([]*domain.Entity, error) {
	if err := s.checkOwner(ctx, owner, dealID); err != nil {
		return nil, mapErr("postgres.ListEntities", err)
	}
	return listEntities(ctx, s.db, dealID)
}

func listEntities(ctx context.Context, q sqlx.QueryerContext, dealID string) ([]*domain.Entity, error) {
	var rows []entityRow
	if err := sqlx.SelectContext(ctx, q, &rows, `SELECT `+entityColumns+` FROM entities WHERE deal_id = $1 ORDER BY id`, dealID); err != nil {
		return nil, mapErr("postgres.ListEntities", err)
	}
	return entitiesFromRows(rows), nil
}

// ListMappings implements store.Repository.
func (s *Store) ListMappings(ctx context.Context, owner, dealID string) ([]domain.TxnEntityMap, error) {
	if err := s.checkOwner(ctx, owner, dealID); err != nil {
		return nil, mapErr("postgres.ListMappings", err)
	}
	rows := []domain.TxnEntityMap{}
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+mappingColumns+` FROM txn_entity_map WHERE deal_id = $1 ORDER BY seq`, dealID); err != nil {
		return nil, mapErr("postgres.ListMappings", err)
	}
	return rows, nil
}

// ListRuns implements store.Repository.
func (s *Store) ListRuns(ctx context.Context, owner, dealID string) ([]*domain.AnalysisRun, error) {
	if err := s.checkOwner(ctx, owner, dealID); err != nil {
		return nil, mapErr("postgres.ListRuns", err)
	}
	var rows []runRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+runColumns+` FROM analysis_runs WHERE deal_id = $1 ORDER BY created_at, id`, dealID); err != nil {
		return nil, mapErr("postgres.ListRuns", err)
	}
	return runsFromRows(rows), nil
}

// GetLatestRun implements store.Repository.
func (s *Store) GetLatestRun(ctx context.Context, owner, dealID string) (*domain.AnalysisRun, error) {
	if err := s.checkOwner(ctx, owner, dealID); err != nil {
		return nil, mapErr("postgres.GetLatestRun", err)
	}
	return latestRun(ctx, s.db, dealID)
}

func latestRun(ctx context.Context, q sqlx.QueryerContext, dealID string) (*domain.AnalysisRun, error) {
	var row runRow
	err := sqlx.GetContext(ctx, q, &row, `SELECT `+runColumns+` FROM analysis_runs WHERE deal_id = $1
		ORDER BY created_at DESC, id DESC LIMIT 1`, dealID)
	if err != nil {
		return nil, mapErr("postgres.LatestRun", err)
	}
	return row.toDomain(), nil
}

// ListSnapshots implements store.Repository.
func (s *Store) ListSnapshots(ctx context.Context, owner, dealID string) ([]*domain.Snapshot, error) {
	if err := s.checkOwner(ctx, owner, dealID); err != nil {
		return nil, mapErr("postgres.ListSnapshots", err)
	}
	var rows []domain.Snapshot
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+snapshotColumns+` FROM snapshots WHERE deal_id = $1 ORDER BY created_at, id`, dealID); err != nil {
		return nil, mapErr("postgres.ListSnapshots", err)
	}
	return ptrs(rows), nil
}

// GetSnapshot implements store.Repository.
func (s *Store) GetSnapshot(ctx context.Context, owner, snapshotID string) (*domain.Snapshot, error) {
	var sn domain.Snapshot
	err := s.db.GetContext(ctx, &sn, `
		SELECT `+snapshotColumns+` FROM snapshots
		WHERE id = $1 AND deal_id IN (SELECT id FROM deals WHERE created_by = $2)`, snapshotID, owner)
	if err != nil {
		return nil, mapErr("postgres.GetSnapshot", err)
	}
	return &sn, nil
}

// ListSnapshotsMissingFinancialHash implements store.Repository.
func (s *Store) ListSnapshotsMissingFinancialHash(ctx context.Context, limit int) ([]*domain.Snapshot, error) {
	query := `SELECT ` + snapshotColumns + ` FROM snapshots WHERE financial_state_hash IS NULL ORDER BY created_at, id`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}
	var rows []domain.Snapshot
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, mapErr("postgres.ListSnapshotsMissingFinancialHash", err)
	}
	return ptrs(rows), nil
}

// BackfillFinancialStateHash implements store.Repository.
func (s *Store) BackfillFinancialStateHash(ctx context.Context, snapshotID, hash string) error {
	const op = "postgres.BackfillFinancialStateHash"

	res, err := s.db.ExecContext(ctx, `UPDATE snapshots SET financial_state_hash = $2
		WHERE id = $1 AND financial_state_hash IS NULL`, snapshotID, hash)
	if err != nil {
		return mapErr(op, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 1 {
		return nil
	}

	var current *string
	if err := s.db.GetContext(ctx, &current, `SELECT financial_state_hash FROM snapshots WHERE id = $1`, snapshotID); err != nil {
		return mapErr(op, err)
	}
	if current != nil && *current == hash {
		return nil
	}
	return fmt.Errorf("%s: snapshot %s already has a financial state hash: %w", op, snapshotID, domain.ErrImmutable)
}

// WithinDeal implements store.Repository. The deal's transaction-scoped
// advisory lock serializes concurrent writers of the same deal.
func (s *Store) WithinDeal(ctx context.Context, dealID string, fn func(ctx context.Context, tx store.DealTx) error) (err error) {
	const op = "postgres.WithinDeal"

	sqlTx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return mapErr(op, err)
	}
	defer func() {
		if err != nil {
			_ = sqlTx.Rollback()
		}
	}()

	if _, err = sqlTx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, dealID); err != nil {
		return mapErr(op, err)
	}

	var deal domain.Deal
	if err = sqlTx.GetContext(ctx, &deal, `SELECT `+dealColumns+` FROM deals WHERE id = $1`, dealID); err != nil {
		return mapErr(op, err)
	}

	if err = fn(ctx, &dealTx{tx: sqlTx, deal: &deal}); err != nil {
		return err
	}
	if err = sqlTx.Commit(); err != nil {
		return mapErr(op, err)
	}
	return nil
}

var (
	_ store.Repository = (*Store)(nil)
	_ store.DealTx     = (*dealTx)(nil)
)
