package postgres

import (
	"database/sql"

	"github.com/lib/pq"

	"github.com/dvloznov/deal-confidence/internal/domain"
)

const dealColumns = `id, name, currency, created_by, created_at, accrual_revenue_cents,
	to_char(accrual_period_start, 'YYYY-MM-DD') AS accrual_period_start,
	to_char(accrual_period_end, 'YYYY-MM-DD') AS accrual_period_end`

const documentColumns = `id, deal_id, filename, file_type, status, error_type, error_stage,
	error_message, next_action, created_by, created_at, updated_at`

const txnColumns = `id, deal_id, document_id, txn_id, account_id,
	to_char(txn_date, 'YYYY-MM-DD') AS txn_date, signed_amount_cents, raw_descriptor, created_at`

const entityColumns = `id, deal_id, normalized_name, display_name, strong_identifiers, created_at`

const mappingColumns = `deal_id, txn_id, entity_id, role, role_version, created_at`

const linkColumns = `id, deal_id, txn_out_id, txn_in_id, abs_amount_cents, match_rule_version`

const overrideColumns = `id, seq, deal_id, entity_id, field, old_value, new_value, weight_bp,
	reason, created_by, created_at`

const runColumns = `id, deal_id, run_trigger, schema_version, config_version, role_version,
	match_rule_version, non_transfer_abs_total_cents, classified_abs_total_cents,
	bank_operational_inflow_cents, coverage_pct_bp, missing_month_count, missing_month_penalty_bp,
	override_penalty_bp, base_confidence_bp, reconciliation_status, reconciliation_pct_bp,
	final_confidence_bp, tier, tier_capped, tier_cap_reasons, raw_transaction_hash,
	transfer_links_hash, entities_hash, overrides_hash, created_by, created_at`

const snapshotColumns = `id, deal_id, analysis_run_id, schema_version, config_version,
	canonical_json, sha256_hash, financial_state_hash, created_by, created_at`

type documentRow struct {
	domain.Document
	ErrorType    sql.NullString `db:"error_type"`
	ErrorStage   sql.NullString `db:"error_stage"`
	ErrorMessage sql.NullString `db:"error_message"`
	NextAction   sql.NullString `db:"next_action"`
}

func (r *documentRow) toDomain() *domain.Document {
	d := r.Document
	if r.ErrorType.Valid {
		d.Error = &domain.IngestionError{
			Type:       r.ErrorType.String,
			Stage:      r.ErrorStage.String,
			Message:    r.ErrorMessage.String,
			NextAction: r.NextAction.String,
		}
	}
	return &d
}

func errorColumns(e *domain.IngestionError) (sql.NullString, sql.NullString, sql.NullString, sql.NullString) {
	if e == nil {
		return sql.NullString{}, sql.NullString{}, sql.NullString{}, sql.NullString{}
	}
	return sql.NullString{String: e.Type, Valid: true},
		sql.NullString{String: e.Stage, Valid: true},
		sql.NullString{String: e.Message, Valid: true},
		sql.NullString{String: e.NextAction, Valid: true}
}

type entityRow struct {
	domain.Entity
	Identifiers pq.StringArray `db:"strong_identifiers"`
}

func (r *entityRow) toDomain() *domain.Entity {
	e := r.Entity
	e.StrongIdentifiers = append([]string{}, r.Identifiers...)
	return &e
}

type runRow struct {
	domain.AnalysisRun
	CapReasons pq.StringArray `db:"tier_cap_reasons"`
}

func (r *runRow) toDomain() *domain.AnalysisRun {
	run := r.AnalysisRun
	run.TierCapReasons = append([]string{}, r.CapReasons...)
	return &run
}

func documentsFromRows(rows []documentRow) []*domain.Document {
	out := make([]*domain.Document, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toDomain())
	}
	return out
}

func entitiesFromRows(rows []entityRow) []*domain.Entity {
	out := make([]*domain.Entity, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toDomain())
	}
	return out
}

func runsFromRows(rows []runRow) []*domain.AnalysisRun {
	out := make([]*domain.AnalysisRun, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toDomain())
	}
	return out
}

func ptrs[T any](rows []T) []*T {
	out := make([]*T, 0, len(rows))
	for i := range rows {
		out = append(out, &rows[i])
	}
	return out
}
