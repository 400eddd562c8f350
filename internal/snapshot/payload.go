// Package snapshot canonicalizes the resolved state of an analysis run and
// computes its two hashes. The financial-state hash covers the outcome
// only; the provenance hash additionally covers the override trail.
package snapshot

import (
	"sort"

	"github.com/dvloznov/deal-confidence/internal/domain"
	"github.com/dvloznov/deal-confidence/internal/entity"
	"github.com/dvloznov/deal-confidence/internal/ledger"
)

// Transaction is the canonical projection of a RawTransaction.
type Transaction struct {
	ID                   string       `json:"id"`
	DocumentID           string       `json:"document_id"`
	TxnID                string       `json:"txn_id"`
	AccountID            string       `json:"account_id"`
	TxnDate              string       `json:"txn_date"`
	SignedAmountCents    domain.Cents `json:"signed_amount_cents"`
	AbsAmountCents       domain.Cents `json:"abs_amount_cents"`
	RawDescriptor        string       `json:"raw_descriptor"`
	NormalizedDescriptor string       `json:"normalized_descriptor"`
	IsTransfer           bool         `json:"is_transfer"`
}

// TransferLink is the canonical projection of a link; row IDs are excluded
// because links are regenerated on every run.
type TransferLink struct {
	TxnOutID         string       `json:"txn_out_id"`
	TxnInID          string       `json:"txn_in_id"`
	AbsAmountCents   domain.Cents `json:"abs_amount_cents"`
	MatchRuleVersion string       `json:"match_rule_version"`
}

// Entity is the canonical projection of an entity.
type Entity struct {
	EntityID          string   `json:"entity_id"`
	NormalizedName    string   `json:"normalized_name"`
	DisplayName       string   `json:"display_name"`
	StrongIdentifiers []string `json:"strong_identifiers"`
}

// Mapping is the effective entity and role of one transaction.
type Mapping struct {
	TxnID       string      `json:"txn_id"`
	EntityID    string      `json:"entity_id"`
	Role        domain.Role `json:"role"`
	RoleVersion string      `json:"role_version"`
}

// Override is the canonical projection of one ledger entry.
type Override struct {
	ID        string             `json:"id"`
	Seq       int64              `json:"seq"`
	EntityID  string             `json:"entity_id"`
	Field     string             `json:"field"`
	OldValue  *string            `json:"old_value"`
	NewValue  string             `json:"new_value"`
	Weight    string             `json:"weight"`
	WeightBP  domain.BasisPoints `json:"weight_bp"`
	Reason    string             `json:"reason"`
	CreatedBy string             `json:"created_by"`
}

// Metrics is the score breakdown block.
type Metrics struct {
	NonTransferAbsTotalCents   domain.Cents                `json:"non_transfer_abs_total_cents"`
	ClassifiedAbsTotalCents    domain.Cents                `json:"classified_abs_total_cents"`
	BankOperationalInflowCents domain.Cents                `json:"bank_operational_inflow_cents"`
	CoverageBP                 domain.BasisPoints          `json:"coverage_bp"`
	MissingMonthCount          int64                       `json:"missing_month_count"`
	MissingMonthPenaltyBP      domain.BasisPoints          `json:"missing_month_penalty_bp"`
	BaseConfidenceBP           domain.BasisPoints          `json:"base_confidence_bp"`
	ReconciliationStatus       domain.ReconciliationStatus `json:"reconciliation_status"`
	ReconciliationBP           *domain.BasisPoints         `json:"reconciliation_bp"`
}

// Confidence is the final confidence block.
type Confidence struct {
	FinalConfidenceBP domain.BasisPoints `json:"final_confidence_bp"`
	Tier              domain.Tier        `json:"tier"`
	TierCapped        bool               `json:"tier_capped"`
	TierCapReasons    []string           `json:"tier_cap_reasons"`
	OverridePenaltyBP domain.BasisPoints `json:"override_penalty_bp"`
}

// FinancialState is the outcome-only view hashed into financial_state_hash.
type FinancialState struct {
	SchemaVersion      string         `json:"schema_version"`
	ConfigVersion      string         `json:"config_version"`
	DealID             string         `json:"deal_id"`
	Currency           string         `json:"currency"`
	RoleVersion        string         `json:"role_version"`
	MatchRuleVersion   string         `json:"match_rule_version"`
	RawTransactionHash string         `json:"raw_transaction_hash"`
	Transactions       []Transaction  `json:"transactions"`
	TransferLinks      []TransferLink `json:"transfer_links"`
	Entities           []Entity       `json:"entities"`
	TxnEntityMap       []Mapping      `json:"txn_entity_map"`
	Metrics            Metrics        `json:"metrics"`
	Confidence         Confidence     `json:"confidence"`
}

// Payload is the full snapshot document: the financial state plus its hash
// and the override trail.
type Payload struct {
	FinancialState
	FinancialStateHash string     `json:"financial_state_hash"`
	OverridesApplied   []Override `json:"overrides_applied"`
}

// State is the resolved run state a payload is built from.
type State struct {
	Deal          *domain.Deal
	Run           *domain.AnalysisRun
	Transactions  []*domain.RawTransaction
	TransferLinks []domain.TransferLink
	Entities      []*domain.Entity
	Mappings      []domain.TxnEntityMap
	Overrides     []domain.Override
}

// Transactions projects and sorts transactions by date, account, amount,
// normalized descriptor and txn_id.
func Transactions(txns []*domain.RawTransaction, links []domain.TransferLink) []Transaction {
	linked := make(map[string]bool, 2*len(links))
	for _, l := range links {
		linked[l.TxnOutID] = true
		linked[l.TxnInID] = true
	}

	out := make([]Transaction, 0, len(txns))
	for _, t := range txns {
		out = append(out, Transaction{
			ID:                   t.ID,
			DocumentID:           t.DocumentID,
			TxnID:                t.TxnID,
			AccountID:            t.AccountID,
			TxnDate:              t.TxnDate,
			SignedAmountCents:    t.SignedAmountCents,
			AbsAmountCents:       t.AbsAmount(),
			RawDescriptor:        t.RawDescriptor,
			NormalizedDescriptor: entity.Normalize(t.RawDescriptor),
			IsTransfer:           linked[t.ID],
		})
	}
	sortTransactions(out)
	return out
}

func sortTransactions(out []Transaction) {
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		switch {
		case a.TxnDate != b.TxnDate:
			return a.TxnDate < b.TxnDate
		case a.AccountID != b.AccountID:
			return a.AccountID < b.AccountID
		case a.SignedAmountCents != b.SignedAmountCents:
			return a.SignedAmountCents < b.SignedAmountCents
		case a.NormalizedDescriptor != b.NormalizedDescriptor:
			return a.NormalizedDescriptor < b.NormalizedDescriptor
		case a.TxnID != b.TxnID:
			return a.TxnID < b.TxnID
		}
		return a.ID < b.ID
	})
}

// TransferLinks projects and sorts links by (txn_out_id, txn_in_id).
func TransferLinks(links []domain.TransferLink) []TransferLink {
	out := make([]TransferLink, 0, len(links))
	for _, l := range links {
		out = append(out, TransferLink{
			TxnOutID:         l.TxnOutID,
			TxnInID:          l.TxnInID,
			AbsAmountCents:   l.AbsAmountCents,
			MatchRuleVersion: l.MatchRuleVersion,
		})
	}
	sortLinks(out)
	return out
}

func sortLinks(out []TransferLink) {
	sort.Slice(out, func(i, j int) bool {
		if out[i].TxnOutID != out[j].TxnOutID {
			return out[i].TxnOutID < out[j].TxnOutID
		}
		return out[i].TxnInID < out[j].TxnInID
	})
}

// Entities projects and sorts entities by ID.
func Entities(entities []*domain.Entity) []Entity {
	out := make([]Entity, 0, len(entities))
	for _, e := range entities {
		ids := append([]string{}, e.StrongIdentifiers...)
		sort.Strings(ids)
		out = append(out, Entity{
			EntityID:          e.ID,
			NormalizedName:    e.NormalizedName,
			DisplayName:       e.DisplayName,
			StrongIdentifiers: ids,
		})
	}
	sortEntities(out)
	return out
}

func sortEntities(out []Entity) {
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
}

// Mappings projects and sorts mappings by txn_id.
func Mappings(rows []domain.TxnEntityMap) []Mapping {
	out := make([]Mapping, 0, len(rows))
	for _, m := range rows {
		out = append(out, Mapping{TxnID: m.TxnID, EntityID: m.EntityID, Role: m.Role, RoleVersion: m.RoleVersion})
	}
	sortMappings(out)
	return out
}

func sortMappings(out []Mapping) {
	sort.Slice(out, func(i, j int) bool {
		if out[i].TxnID != out[j].TxnID {
			return out[i].TxnID < out[j].TxnID
		}
		return out[i].RoleVersion < out[j].RoleVersion
	})
}

// Overrides projects ledger entries in ledger order. Duplicates are kept.
func Overrides(entries []domain.Override) []Override {
	out := make([]Override, 0, len(entries))
	for _, o := range entries {
		out = append(out, Override{
			ID:        o.ID,
			Seq:       o.Seq,
			EntityID:  o.EntityID,
			Field:     string(o.Field),
			OldValue:  o.OldValue,
			NewValue:  o.NewValue,
			Weight:    ledger.FormatWeight(o.WeightBP),
			WeightBP:  o.WeightBP,
			Reason:    o.Reason,
			CreatedBy: o.CreatedBy,
		})
	}
	sortOverrides(out)
	return out
}

func sortOverrides(out []Override) {
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Seq != out[j].Seq {
			return out[i].Seq < out[j].Seq
		}
		return out[i].ID < out[j].ID
	})
}

// MetricsOf extracts the metrics block of a run.
func MetricsOf(run *domain.AnalysisRun) Metrics {
	return Metrics{
		NonTransferAbsTotalCents:   run.NonTransferAbsTotalCents,
		ClassifiedAbsTotalCents:    run.ClassifiedAbsTotalCents,
		BankOperationalInflowCents: run.BankOperationalInflowCents,
		CoverageBP:                 run.CoveragePctBP,
		MissingMonthCount:          run.MissingMonthCount,
		MissingMonthPenaltyBP:      run.MissingMonthPenaltyBP,
		BaseConfidenceBP:           run.BaseConfidenceBP,
		ReconciliationStatus:       run.ReconciliationStatus,
		ReconciliationBP:           run.ReconciliationPctBP,
	}
}

// ConfidenceOf extracts the confidence block of a run.
func ConfidenceOf(run *domain.AnalysisRun) Confidence {
	reasons := append([]string{}, run.TierCapReasons...)
	return Confidence{
		FinalConfidenceBP: run.FinalConfidenceBP,
		Tier:              run.Tier,
		TierCapped:        run.TierCapped,
		TierCapReasons:    reasons,
		OverridePenaltyBP: run.OverridePenaltyBP,
	}
}
