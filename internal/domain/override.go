package domain

import "time"

// OverrideField names the corrected attribute of an entity.
type OverrideField string

const (
	// OverrideFieldRole replaces the role of every non-transfer transaction of the entity.
	OverrideFieldRole OverrideField = "role"
	// OverrideFieldEntity re-points the entity's transactions at another entity (alias merge).
	OverrideFieldEntity OverrideField = "entity"
)

// Valid reports whether f is a supported override field.
func (f OverrideField) Valid() bool {
	return f == OverrideFieldRole || f == OverrideFieldEntity
}

// Override weights in basis points.
const (
	WeightPartialBP BasisPoints = 5000
	WeightFullBP    BasisPoints = 10000
)

// Override is one manual correction. Overrides are appended and never
// updated or deleted; Seq is the position in the deal's ledger.
type Override struct {
	ID        string        `json:"id" db:"id"`
	Seq       int64         `json:"seq" db:"seq"`
	DealID    string        `json:"deal_id" db:"deal_id"`
	EntityID  string        `json:"entity_id" db:"entity_id"`
	Field     OverrideField `json:"field" db:"field"`
	OldValue  *string       `json:"old_value" db:"old_value"`
	NewValue  string        `json:"new_value" db:"new_value"`
	WeightBP  BasisPoints   `json:"weight_bp" db:"weight_bp"`
	Reason    string        `json:"reason" db:"reason"`
	CreatedBy string        `json:"created_by" db:"created_by"`
	CreatedAt time.Time     `json:"created_at" db:"created_at"`
}

// FullWeight reports whether the override carries the full confidence penalty.
func (o *Override) FullWeight() bool {
	return o.WeightBP >= WeightFullBP
}
