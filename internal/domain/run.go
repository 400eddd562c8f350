package domain

import "time"

// RunTrigger is the event class that caused an analysis run.
type RunTrigger string

const (
	TriggerParseComplete   RunTrigger = "parse_complete"
	TriggerOverrideApplied RunTrigger = "override_applied"
	TriggerManualRerun     RunTrigger = "manual_rerun"
)

// Valid reports whether t is a known trigger.
func (t RunTrigger) Valid() bool {
	return t == TriggerParseComplete || t == TriggerOverrideApplied || t == TriggerManualRerun
}

// ReconciliationStatus is the outcome of the accrual reconciliation step.
type ReconciliationStatus string

const (
	ReconciliationOK            ReconciliationStatus = "OK"
	ReconciliationNotRun        ReconciliationStatus = "NOT_RUN"
	ReconciliationFailedOverlap ReconciliationStatus = "FAILED_OVERLAP"
)

// Tier is the coarse confidence bucket.
type Tier string

const (
	TierHigh   Tier = "High"
	TierMedium Tier = "Medium"
	TierLow    Tier = "Low"
)

// Rank orders tiers, Low lowest.
func (t Tier) Rank() int {
	switch t {
	case TierHigh:
		return 2
	case TierMedium:
		return 1
	}
	return 0
}

// AnalysisRun is the immutable result of one scoring pass over a deal.
type AnalysisRun struct {
	ID               string     `json:"id" db:"id"`
	DealID           string     `json:"deal_id" db:"deal_id"`
	RunTrigger       RunTrigger `json:"run_trigger" db:"run_trigger"`
	SchemaVersion    string     `json:"schema_version" db:"schema_version"`
	ConfigVersion    string     `json:"config_version" db:"config_version"`
	RoleVersion      string     `json:"role_version" db:"role_version"`
	MatchRuleVersion string     `json:"match_rule_version" db:"match_rule_version"`

	NonTransferAbsTotalCents   Cents `json:"non_transfer_abs_total_cents" db:"non_transfer_abs_total_cents"`
	ClassifiedAbsTotalCents    Cents `json:"classified_abs_total_cents" db:"classified_abs_total_cents"`
	BankOperationalInflowCents Cents `json:"bank_operational_inflow_cents" db:"bank_operational_inflow_cents"`

	CoveragePctBP         BasisPoints          `json:"coverage_pct_bp" db:"coverage_pct_bp"`
	MissingMonthCount     int64                `json:"missing_month_count" db:"missing_month_count"`
	MissingMonthPenaltyBP BasisPoints          `json:"missing_month_penalty_bp" db:"missing_month_penalty_bp"`
	OverridePenaltyBP     BasisPoints          `json:"override_penalty_bp" db:"override_penalty_bp"`
	BaseConfidenceBP      BasisPoints          `json:"base_confidence_bp" db:"base_confidence_bp"`
	ReconciliationStatus  ReconciliationStatus `json:"reconciliation_status" db:"reconciliation_status"`
	ReconciliationPctBP   *BasisPoints         `json:"reconciliation_pct_bp" db:"reconciliation_pct_bp"`
	FinalConfidenceBP     BasisPoints          `json:"final_confidence_bp" db:"final_confidence_bp"`
	Tier                  Tier                 `json:"tier" db:"tier"`
	TierCapped            bool                 `json:"tier_capped" db:"tier_capped"`
	TierCapReasons        []string             `json:"tier_cap_reasons" db:"-"`

	RawTransactionHash string `json:"raw_transaction_hash" db:"raw_transaction_hash"`
	TransferLinksHash  string `json:"transfer_links_hash" db:"transfer_links_hash"`
	EntitiesHash       string `json:"entities_hash" db:"entities_hash"`
	OverridesHash      string `json:"overrides_hash" db:"overrides_hash"`

	CreatedBy string    `json:"created_by" db:"created_by"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Snapshot is the immutable canonical export of one analysis run.
// FinancialStateHash may be backfilled exactly once from nil.
type Snapshot struct {
	ID                 string    `json:"id" db:"id"`
	DealID             string    `json:"deal_id" db:"deal_id"`
	AnalysisRunID      string    `json:"analysis_run_id" db:"analysis_run_id"`
	SchemaVersion      string    `json:"schema_version" db:"schema_version"`
	ConfigVersion      string    `json:"config_version" db:"config_version"`
	CanonicalJSON      string    `json:"canonical_json" db:"canonical_json"`
	SHA256Hash         string    `json:"sha256_hash" db:"sha256_hash"`
	FinancialStateHash *string   `json:"financial_state_hash" db:"financial_state_hash"`
	CreatedBy          string    `json:"created_by" db:"created_by"`
	CreatedAt          time.Time `json:"created_at" db:"created_at"`
}
