package ledger

import (
	"fmt"

	"github.com/dvloznov/deal-confidence/internal/domain"
)

// PenaltyMode selects how overrides translate into a confidence penalty.
type PenaltyMode string

const (
	// PenaltyModeUnit charges weight × unit penalty for every effective
	// entry. Superseded entries stay in the trail but cost nothing.
	PenaltyModeUnit PenaltyMode = "unit"
	// PenaltyModeValueShare charges, per entity, the share of non-transfer
	// value it carries times the highest weight among its effective entries.
	PenaltyModeValueShare PenaltyMode = "value_share"
)

// Default penalty coefficients.
const (
	DefaultUnitPenaltyBP domain.BasisPoints = 1000
	PenaltyCapBP         domain.BasisPoints = 7000
)

// PenaltyParams configures the penalty model.
type PenaltyParams struct {
	Mode          PenaltyMode
	UnitPenaltyBP domain.BasisPoints
	CapBP         domain.BasisPoints
}

// DefaultPenaltyParams returns the unit model with the stock coefficients.
func DefaultPenaltyParams() PenaltyParams {
	return PenaltyParams{Mode: PenaltyModeUnit, UnitPenaltyBP: DefaultUnitPenaltyBP, CapBP: PenaltyCapBP}
}

// Validate checks the coefficients.
func (p PenaltyParams) Validate() error {
	if p.Mode != PenaltyModeUnit && p.Mode != PenaltyModeValueShare {
		return fmt.Errorf("ledger: unknown penalty mode %q: %w", p.Mode, domain.ErrInvalidInput)
	}
	if p.UnitPenaltyBP < 0 || p.UnitPenaltyBP > domain.MaxBP {
		return fmt.Errorf("ledger: unit penalty out of range: %w", domain.ErrInvalidInput)
	}
	if p.CapBP < 0 || p.CapBP > PenaltyCapBP {
		return fmt.Errorf("ledger: penalty cap must be within [0, %d]: %w", PenaltyCapBP, domain.ErrInvalidInput)
	}
	return nil
}

// Exposure is the non-transfer value behind each entity, used by the
// value-share mode.
type Exposure struct {
	EntityAbsCents      map[string]domain.Cents
	NonTransferAbsCents domain.Cents
}

// PenaltyBP returns the aggregate override penalty, capped. Only the
// effective entries count, so two histories that end in the same state
// cost the same.
func (l *Log) PenaltyBP(p PenaltyParams, exp Exposure) domain.BasisPoints {
	effective := l.Effective()
	var total int64
	switch p.Mode {
	case PenaltyModeValueShare:
		if exp.NonTransferAbsCents <= 0 {
			return 0
		}
		weights := make(map[string]domain.BasisPoints)
		for _, o := range effective {
			if o.WeightBP > weights[o.EntityID] {
				weights[o.EntityID] = o.WeightBP
			}
		}
		for id, w := range weights {
			share := exp.EntityAbsCents[id] * domain.MaxBP / exp.NonTransferAbsCents
			total += share * w / domain.MaxBP
		}
	default:
		for _, o := range effective {
			total += o.WeightBP * p.UnitPenaltyBP / domain.MaxBP
		}
	}

	if total > p.CapBP {
		return p.CapBP
	}
	return total
}
