package domain

import "time"

// Role is the economic role assigned to a transaction.
type Role string

const (
	RoleRevenueOperational    Role = "revenue_operational"
	RoleRevenueNonOperational Role = "revenue_non_operational"
	RolePayroll               Role = "payroll"
	RoleSupplier              Role = "supplier"
	RoleTransfer              Role = "transfer"
	RoleOther                 Role = "other"
)

// Valid reports whether r is one of the fixed roles.
func (r Role) Valid() bool {
	switch r {
	case RoleRevenueOperational, RoleRevenueNonOperational, RolePayroll,
		RoleSupplier, RoleTransfer, RoleOther:
		return true
	}
	return false
}

// IsRevenue reports whether r counts as revenue.
func (r Role) IsRevenue() bool {
	return r == RoleRevenueOperational || r == RoleRevenueNonOperational
}

// Entity is the canonical counterparty of a deal, unique by NormalizedName.
// ID, DealID and NormalizedName never change after creation.
type Entity struct {
	ID                string    `json:"entity_id" db:"id"`
	DealID            string    `json:"deal_id" db:"deal_id"`
	NormalizedName    string    `json:"normalized_name" db:"normalized_name"`
	DisplayName       string    `json:"display_name" db:"display_name"`
	StrongIdentifiers []string  `json:"strong_identifiers" db:"-"`
	CreatedAt         time.Time `json:"-" db:"created_at"`
}

// TxnEntityMap records which entity and role a rule version assigned to a
// transaction. TxnID references RawTransaction.ID. Rows are appended, never
// rewritten; the latest row for a transaction and role version is current.
type TxnEntityMap struct {
	DealID      string    `json:"deal_id" db:"deal_id"`
	TxnID       string    `json:"txn_id" db:"txn_id"`
	EntityID    string    `json:"entity_id" db:"entity_id"`
	Role        Role      `json:"role" db:"role"`
	RoleVersion string    `json:"role_version" db:"role_version"`
	CreatedAt   time.Time `json:"-" db:"created_at"`
}
