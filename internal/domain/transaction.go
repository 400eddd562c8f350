package domain

import "time"

// RawTransaction is one normalized bank line. AbsAmount is derived from
// SignedAmountCents and never stored on its own.
type RawTransaction struct {
	ID                string    `json:"id" db:"id"`
	DealID            string    `json:"deal_id" db:"deal_id"`
	DocumentID        string    `json:"document_id" db:"document_id"`
	TxnID             string    `json:"txn_id" db:"txn_id"`
	AccountID         string    `json:"account_id" db:"account_id"`
	TxnDate           string    `json:"txn_date" db:"txn_date"`
	SignedAmountCents Cents     `json:"signed_amount_cents" db:"signed_amount_cents"`
	RawDescriptor     string    `json:"raw_descriptor" db:"raw_descriptor"`
	CreatedAt         time.Time `json:"created_at" db:"created_at"`
}

// AbsAmount returns the absolute amount in cents.
func (t *RawTransaction) AbsAmount() Cents {
	return AbsCents(t.SignedAmountCents)
}

// IsDebit reports whether money left the account.
func (t *RawTransaction) IsDebit() bool {
	return t.SignedAmountCents < 0
}

// Date parses TxnDate. Rows are validated on ingestion so the error is
// only reachable for corrupted storage.
func (t *RawTransaction) Date() (time.Time, error) {
	return time.Parse(DateLayout, t.TxnDate)
}

// TransferLink pairs one outbound and one inbound transaction of the same
// deal. TxnOutID and TxnInID reference RawTransaction.ID.
type TransferLink struct {
	ID               string `json:"id" db:"id"`
	DealID           string `json:"deal_id" db:"deal_id"`
	TxnOutID         string `json:"txn_out_id" db:"txn_out_id"`
	TxnInID          string `json:"txn_in_id" db:"txn_in_id"`
	AbsAmountCents   Cents  `json:"abs_amount_cents" db:"abs_amount_cents"`
	MatchRuleVersion string `json:"match_rule_version" db:"match_rule_version"`
}
