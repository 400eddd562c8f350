package postgres

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/dvloznov/deal-confidence/internal/domain"
)

type dealTx struct {
	tx   *sqlx.Tx
	deal *domain.Deal
}

func (t *dealTx) Deal() *domain.Deal {
	d := *t.deal
	return &d
}

func (t *dealTx) Documents(ctx context.Context) ([]*domain.Document, error) {
	return listDocuments(ctx, t.tx, t.deal.ID)
}

func (t *dealTx) SetDocumentStatus(ctx context.Context, documentID string, status domain.DocumentStatus, ingErr *domain.IngestionError) error {
	return updateDocumentStatus(ctx, t.tx, t.deal.ID, documentID, status, ingErr)
}

func (t *dealTx) Transactions(ctx context.Context) ([]*domain.RawTransaction, error) {
	var rows []domain.RawTransaction
	err := t.tx.SelectContext(ctx, &rows, `SELECT `+txnColumns+` FROM raw_transactions
		WHERE deal_id = $1 ORDER BY txn_date, document_id, txn_id`, t.deal.ID)
	if err != nil {
		return nil, mapErr("postgres.Transactions", err)
	}
	return ptrs(rows), nil
}

func (t *dealTx) InsertTransactions(ctx context.Context, txns []*domain.RawTransaction) error {
	const op = "postgres.InsertTransactions"
	for _, r := range txns {
		if r.DealID != t.deal.ID {
			return fmt.Errorf("%s: txn %s belongs to deal %s: %w", op, r.TxnID, r.DealID, domain.ErrInvalidInput)
		}
		res, err := t.tx.ExecContext(ctx, `
			INSERT INTO raw_transactions (id, deal_id, document_id, txn_id, account_id, txn_date,
				signed_amount_cents, raw_descriptor, created_at)
			SELECT $1, $2, d.id, $4, $5, $6, $7, $8, $9
			FROM documents d WHERE d.id = $3 AND d.deal_id = $2`,
			r.ID, r.DealID, r.DocumentID, r.TxnID, r.AccountID, r.TxnDate,
			r.SignedAmountCents, r.RawDescriptor, r.CreatedAt)
		if err != nil {
			return mapErr(op, err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return fmt.Errorf("%s: document %s: %w", op, r.DocumentID, domain.ErrNotFound)
		}
	}
	return nil
}

func (t *dealTx) Entities(ctx context.Context) ([]*domain.Entity, error) {
	return listEntities(ctx, t.tx, t.deal.ID)
}

func (t *dealTx) InsertEntities(ctx context.Context, entities []*domain.Entity) error {
	for _, e := range entities {
		_, err := t.tx.ExecContext(ctx, `
			INSERT INTO entities (id, deal_id, normalized_name, display_name, strong_identifiers, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			e.ID, t.deal.ID, e.NormalizedName, e.DisplayName, pq.StringArray(e.StrongIdentifiers), e.CreatedAt)
		if err != nil {
			return mapErr("postgres.InsertEntities", err)
		}
	}
	return nil
}

func (t *dealTx) CurrentMappings(ctx context.Context, roleVersion string) ([]domain.TxnEntityMap, error) {
	rows := []domain.TxnEntityMap{}
	err := t.tx.SelectContext(ctx, &rows, `
		SELECT DISTINCT ON (txn_id) `+mappingColumns+`
		FROM txn_entity_map WHERE deal_id = $1 AND role_version = $2
		ORDER BY txn_id, seq DESC`, t.deal.ID, roleVersion)
	if err != nil {
		return nil, mapErr("postgres.CurrentMappings", err)
	}
	return rows, nil
}

func (t *dealTx) InsertMappings(ctx context.Context, rows []domain.TxnEntityMap) error {
	for _, m := range rows {
		if m.DealID != t.deal.ID {
			return fmt.Errorf("postgres.InsertMappings: mapping for txn %s belongs to deal %s: %w", m.TxnID, m.DealID, domain.ErrInvalidInput)
		}
		_, err := t.tx.NamedExecContext(ctx, `
			INSERT INTO txn_entity_map (deal_id, txn_id, entity_id, role, role_version, created_at)
			VALUES (:deal_id, :txn_id, :entity_id, :role, :role_version, :created_at)`, m)
		if err != nil {
			return mapErr("postgres.InsertMappings", err)
		}
	}
	return nil
}

func (t *dealTx) TransferLinks(ctx context.Context) ([]domain.TransferLink, error) {
	links := []domain.TransferLink{}
	err := t.tx.SelectContext(ctx, &links, `SELECT `+linkColumns+` FROM transfer_links
		WHERE deal_id = $1 ORDER BY txn_out_id, txn_in_id`, t.deal.ID)
	if err != nil {
		return nil, mapErr("postgres.TransferLinks", err)
	}
	return links, nil
}

func (t *dealTx) ReplaceTransferLinks(ctx context.Context, links []domain.TransferLink) error {
	const op = "postgres.ReplaceTransferLinks"
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM transfer_links WHERE deal_id = $1`, t.deal.ID); err != nil {
		return mapErr(op, err)
	}
	for _, l := range links {
		l.DealID = t.deal.ID
		_, err := t.tx.NamedExecContext(ctx, `
			INSERT INTO transfer_links (id, deal_id, txn_out_id, txn_in_id, abs_amount_cents, match_rule_version)
			VALUES (:id, :deal_id, :txn_out_id, :txn_in_id, :abs_amount_cents, :match_rule_version)`, l)
		if err != nil {
			return mapErr(op, err)
		}
	}
	return nil
}

func (t *dealTx) Overrides(ctx context.Context) ([]*domain.Override, error) {
	return listOverrides(ctx, t.tx, t.deal.ID)
}

// AppendOverride relies on the deal lock held by WithinDeal for a gap-free Seq.
func (t *dealTx) AppendOverride(ctx context.Context, o *domain.Override) error {
	const op = "postgres.AppendOverride"
	if o.DealID != t.deal.ID {
		return fmt.Errorf("%s: override belongs to deal %s: %w", op, o.DealID, domain.ErrInvalidInput)
	}
	if err := t.tx.GetContext(ctx, &o.Seq, `SELECT COALESCE(MAX(seq), 0) + 1 FROM overrides WHERE deal_id = $1`, t.deal.ID); err != nil {
		return mapErr(op, err)
	}
	_, err := t.tx.NamedExecContext(ctx, `
		INSERT INTO overrides (id, seq, deal_id, entity_id, field, old_value, new_value, weight_bp,
			reason, created_by, created_at)
		VALUES (:id, :seq, :deal_id, :entity_id, :field, :old_value, :new_value, :weight_bp,
			:reason, :created_by, :created_at)`, o)
	return mapErr(op, err)
}

func (t *dealTx) InsertRun(ctx context.Context, run *domain.AnalysisRun) error {
	if run.DealID != t.deal.ID {
		return fmt.Errorf("postgres.InsertRun: run belongs to deal %s: %w", run.DealID, domain.ErrInvalidInput)
	}
	row := runRow{AnalysisRun: *run, CapReasons: pq.StringArray(run.TierCapReasons)}
	if row.CapReasons == nil {
		row.CapReasons = pq.StringArray{}
	}
	_, err := t.tx.NamedExecContext(ctx, `
		INSERT INTO analysis_runs (`+runColumns+`)
		VALUES (:id, :deal_id, :run_trigger, :schema_version, :config_version, :role_version,
			:match_rule_version, :non_transfer_abs_total_cents, :classified_abs_total_cents,
			:bank_operational_inflow_cents, :coverage_pct_bp, :missing_month_count, :missing_month_penalty_bp,
			:override_penalty_bp, :base_confidence_bp, :reconciliation_status, :reconciliation_pct_bp,
			:final_confidence_bp, :tier, :tier_capped, :tier_cap_reasons, :raw_transaction_hash,
			:transfer_links_hash, :entities_hash, :overrides_hash, :created_by, :created_at)`, row)
	return mapErr("postgres.InsertRun", err)
}

func (t *dealTx) LatestRun(ctx context.Context) (*domain.AnalysisRun, error) {
	return latestRun(ctx, t.tx, t.deal.ID)
}

func (t *dealTx) PutSnapshot(ctx context.Context, sn *domain.Snapshot) (*domain.Snapshot, error) {
	const op = "postgres.PutSnapshot"
	if sn.DealID != t.deal.ID {
		return nil, fmt.Errorf("%s: snapshot belongs to deal %s: %w", op, sn.DealID, domain.ErrInvalidInput)
	}

	res, err := t.tx.NamedExecContext(ctx, `
		INSERT INTO snapshots (`+snapshotColumns+`)
		VALUES (:id, :deal_id, :analysis_run_id, :schema_version, :config_version,
			:canonical_json, :sha256_hash, :financial_state_hash, :created_by, :created_at)
		ON CONFLICT (sha256_hash) DO NOTHING`, sn)
	if err != nil {
		return nil, mapErr(op, err)
	}

	var stored domain.Snapshot
	if err := t.tx.GetContext(ctx, &stored, `SELECT `+snapshotColumns+` FROM snapshots WHERE sha256_hash = $1`, sn.SHA256Hash); err != nil {
		return nil, mapErr(op, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 && stored.CanonicalJSON != sn.CanonicalJSON {
		return nil, fmt.Errorf("%s: hash %s: %w", op, sn.SHA256Hash, domain.ErrHashCollision)
	}
	return &stored, nil
}
