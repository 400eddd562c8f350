package domain

import (
	"fmt"
	"time"
)

// DateLayout is the only date format accepted and emitted by the engine.
const DateLayout = "2006-01-02"

// Deal is an investment deal whose bank data is analysed. Only its owner
// (CreatedBy) may read or mutate it or anything hanging off it.
type Deal struct {
	ID        string    `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	Currency  string    `json:"currency" db:"currency"`
	CreatedBy string    `json:"created_by" db:"created_by"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`

	// Accrual inputs for reconciliation. Start and End are both nil or both set.
	AccrualRevenueCents *Cents  `json:"accrual_revenue_cents,omitempty" db:"accrual_revenue_cents"`
	AccrualPeriodStart  *string `json:"accrual_period_start,omitempty" db:"accrual_period_start"`
	AccrualPeriodEnd    *string `json:"accrual_period_end,omitempty" db:"accrual_period_end"`
}

// ValidateAccrual enforces the accrual period invariant.
func (d *Deal) ValidateAccrual() error {
	if (d.AccrualPeriodStart == nil) != (d.AccrualPeriodEnd == nil) {
		return fmt.Errorf("%w: accrual period start and end must both be set or both be empty", ErrInvalidInput)
	}
	if d.AccrualPeriodStart == nil {
		return nil
	}
	start, err := time.Parse(DateLayout, *d.AccrualPeriodStart)
	if err != nil {
		return fmt.Errorf("%w: accrual_period_start: %v", ErrInvalidInput, err)
	}
	end, err := time.Parse(DateLayout, *d.AccrualPeriodEnd)
	if err != nil {
		return fmt.Errorf("%w: accrual_period_end: %v", ErrInvalidInput, err)
	}
	if end.Before(start) {
		return fmt.Errorf("%w: accrual period end precedes start", ErrInvalidInput)
	}
	if d.AccrualRevenueCents != nil && *d.AccrualRevenueCents < 0 {
		return fmt.Errorf("%w: accrual revenue must not be negative", ErrInvalidInput)
	}
	return nil
}
