// Package scoring turns classified transactions, transfer exclusions,
// overrides and reconciliation inputs into a confidence score and tier.
// All arithmetic is integer cents and basis points.
package scoring

import (
	"fmt"

	"github.com/dvloznov/deal-confidence/internal/domain"
	"github.com/dvloznov/deal-confidence/internal/ledger"
)

// Hard bounds no policy may exceed.
const (
	MissingMonthCapBP = 5000
	OverrideCapBP     = ledger.PenaltyCapBP
)

// Policy holds every scoring coefficient. The stock values come from
// DefaultPolicy; deployments override them through configuration.
type Policy struct {
	MissingMonthUnitBP domain.BasisPoints
	MissingMonthCapBP  domain.BasisPoints

	Penalty ledger.PenaltyParams

	MinOverlapBP           domain.BasisPoints
	NotRunPenaltyBP        domain.BasisPoints
	FailedOverlapPenaltyBP domain.BasisPoints

	HighThresholdBP   domain.BasisPoints
	MediumThresholdBP domain.BasisPoints

	// Hard tier caps. Each lowers a High tier to Medium.
	CapOnReconciliationNotOK bool
	CapOnFullWeightOverride  bool
}

// DefaultPolicy returns the stock coefficients.
func DefaultPolicy() Policy {
	return Policy{
		MissingMonthUnitBP:       1000,
		MissingMonthCapBP:        MissingMonthCapBP,
		Penalty:                  ledger.DefaultPenaltyParams(),
		MinOverlapBP:             6000,
		NotRunPenaltyBP:          500,
		FailedOverlapPenaltyBP:   2000,
		HighThresholdBP:          8500,
		MediumThresholdBP:        7000,
		CapOnReconciliationNotOK: true,
		CapOnFullWeightOverride:  true,
	}
}

// Validate rejects policies that would break the score's range guarantees.
func (p Policy) Validate() error {
	inRange := func(name string, v domain.BasisPoints) error {
		if v < 0 || v > domain.MaxBP {
			return fmt.Errorf("scoring: %s=%d outside [0, %d]: %w", name, v, domain.MaxBP, domain.ErrInvalidInput)
		}
		return nil
	}
	checks := []struct {
		name string
		v    domain.BasisPoints
	}{
		{"missing_month_unit_bp", p.MissingMonthUnitBP},
		{"missing_month_cap_bp", p.MissingMonthCapBP},
		{"min_overlap_bp", p.MinOverlapBP},
		{"not_run_penalty_bp", p.NotRunPenaltyBP},
		{"failed_overlap_penalty_bp", p.FailedOverlapPenaltyBP},
		{"high_threshold_bp", p.HighThresholdBP},
		{"medium_threshold_bp", p.MediumThresholdBP},
	}
	for _, c := range checks {
		if err := inRange(c.name, c.v); err != nil {
			return err
		}
	}
	if p.MissingMonthCapBP > MissingMonthCapBP {
		return fmt.Errorf("scoring: missing month cap above %d: %w", MissingMonthCapBP, domain.ErrInvalidInput)
	}
	if p.MediumThresholdBP > p.HighThresholdBP {
		return fmt.Errorf("scoring: medium threshold above high threshold: %w", domain.ErrInvalidInput)
	}
	if err := p.Penalty.Validate(); err != nil {
		return fmt.Errorf("scoring: %w", err)
	}
	return nil
}
