package scoring

import (
	"fmt"
	"sort"
	"time"

	"github.com/dvloznov/deal-confidence/internal/domain"
	"github.com/dvloznov/deal-confidence/internal/ledger"
)

// Tier cap reasons recorded on a run.
const (
	CapReasonReconciliationNotRun        = "reconciliation_not_run"
	CapReasonReconciliationFailedOverlap = "reconciliation_failed_overlap"
	CapReasonFullWeightOverride          = "full_weight_override"
)

// Line is one transaction as the scorer sees it: effective role and entity
// already resolved.
type Line struct {
	TxnID             string
	DocumentID        string
	AccountID         string
	TxnDate           string
	SignedAmountCents domain.Cents
	IsTransfer        bool
	Role              domain.Role
	EntityID          string
}

// Accrual is the declared revenue of the deal over a period.
type Accrual struct {
	RevenueCents domain.Cents
	PeriodStart  string
	PeriodEnd    string
}

// AccrualFromDeal returns the deal's accrual inputs, or nil when incomplete.
func AccrualFromDeal(d *domain.Deal) *Accrual {
	if d.AccrualRevenueCents == nil || d.AccrualPeriodStart == nil || d.AccrualPeriodEnd == nil {
		return nil
	}
	return &Accrual{
		RevenueCents: *d.AccrualRevenueCents,
		PeriodStart:  *d.AccrualPeriodStart,
		PeriodEnd:    *d.AccrualPeriodEnd,
	}
}

// Input is everything one scoring pass consumes.
type Input struct {
	Lines     []Line
	Overrides *ledger.Log
	Accrual   *Accrual
}

// Result is the full score breakdown of one pass.
type Result struct {
	NonTransferAbsTotalCents   domain.Cents
	ClassifiedAbsTotalCents    domain.Cents
	BankOperationalInflowCents domain.Cents

	CoveragePctBP         domain.BasisPoints
	MissingMonthCount     int64
	MissingMonthPenaltyBP domain.BasisPoints
	OverridePenaltyBP     domain.BasisPoints
	BaseConfidenceBP      domain.BasisPoints

	ReconciliationStatus domain.ReconciliationStatus
	ReconciliationPctBP  *domain.BasisPoints

	FinalConfidenceBP domain.BasisPoints
	Tier              domain.Tier
	TierCapped        bool
	TierCapReasons    []string
}

// Apply copies the breakdown onto run.
func (r Result) Apply(run *domain.AnalysisRun) {
	run.NonTransferAbsTotalCents = r.NonTransferAbsTotalCents
	run.ClassifiedAbsTotalCents = r.ClassifiedAbsTotalCents
	run.BankOperationalInflowCents = r.BankOperationalInflowCents
	run.CoveragePctBP = r.CoveragePctBP
	run.MissingMonthCount = r.MissingMonthCount
	run.MissingMonthPenaltyBP = r.MissingMonthPenaltyBP
	run.OverridePenaltyBP = r.OverridePenaltyBP
	run.BaseConfidenceBP = r.BaseConfidenceBP
	run.ReconciliationStatus = r.ReconciliationStatus
	run.ReconciliationPctBP = r.ReconciliationPctBP
	run.FinalConfidenceBP = r.FinalConfidenceBP
	run.Tier = r.Tier
	run.TierCapped = r.TierCapped
	run.TierCapReasons = r.TierCapReasons
}

// Score runs the whole scoring state machine over one input set.
func Score(in Input, p Policy) (Result, error) {
	var res Result

	entityAbs := make(map[string]domain.Cents)
	for _, l := range in.Lines {
		if l.IsTransfer {
			continue
		}
		abs := domain.AbsCents(l.SignedAmountCents)
		res.NonTransferAbsTotalCents += abs
		entityAbs[l.EntityID] += abs
		if l.Role != domain.RoleOther {
			res.ClassifiedAbsTotalCents += abs
		}
		if l.SignedAmountCents > 0 && l.Role == domain.RoleRevenueOperational {
			res.BankOperationalInflowCents += l.SignedAmountCents
		}
	}

	if res.NonTransferAbsTotalCents > 0 {
		res.CoveragePctBP = domain.ClampBP(res.ClassifiedAbsTotalCents * domain.MaxBP / res.NonTransferAbsTotalCents)
	}

	missing, err := MissingMonths(in.Lines)
	if err != nil {
		return Result{}, fmt.Errorf("scoring.Score: %w", err)
	}
	res.MissingMonthCount = missing
	res.MissingMonthPenaltyBP = missing * p.MissingMonthUnitBP
	if res.MissingMonthPenaltyBP > p.MissingMonthCapBP {
		res.MissingMonthPenaltyBP = p.MissingMonthCapBP
	}

	overrides := in.Overrides
	if overrides == nil {
		overrides = ledger.NewLog(nil)
	}
	res.OverridePenaltyBP = overrides.PenaltyBP(p.Penalty, ledger.Exposure{
		EntityAbsCents:      entityAbs,
		NonTransferAbsCents: res.NonTransferAbsTotalCents,
	})

	res.BaseConfidenceBP = domain.ClampBP(res.CoveragePctBP - res.MissingMonthPenaltyBP - res.OverridePenaltyBP)

	rec, err := Reconcile(in.Lines, in.Accrual, res.BankOperationalInflowCents, p)
	if err != nil {
		return Result{}, fmt.Errorf("scoring.Score: %w", err)
	}
	res.ReconciliationStatus = rec.Status
	res.ReconciliationPctBP = rec.PctBP

	res.FinalConfidenceBP = finalConfidence(res.BaseConfidenceBP, rec, p)
	res.Tier, res.TierCapped, res.TierCapReasons = tier(res.FinalConfidenceBP, rec.Status, overrides.HasFullWeight(), p)
	return res, nil
}

func finalConfidence(base domain.BasisPoints, rec Reconciliation, p Policy) domain.BasisPoints {
	switch rec.Status {
	case domain.ReconciliationOK:
		if rec.PctBP != nil && *rec.PctBP < base {
			return *rec.PctBP
		}
		return base
	case domain.ReconciliationFailedOverlap:
		return domain.ClampBP(base - p.FailedOverlapPenaltyBP)
	default:
		return domain.ClampBP(base - p.NotRunPenaltyBP)
	}
}

// ThresholdTier maps a score onto a tier without caps.
func ThresholdTier(bp domain.BasisPoints, p Policy) domain.Tier {
	switch {
	case bp >= p.HighThresholdBP:
		return domain.TierHigh
	case bp >= p.MediumThresholdBP:
		return domain.TierMedium
	}
	return domain.TierLow
}

// tier applies the hard caps. capped is true only when a cap actually
// lowered the tier; reasons lists every cap that did so.
func tier(final domain.BasisPoints, status domain.ReconciliationStatus, fullWeight bool, p Policy) (domain.Tier, bool, []string) {
	t := ThresholdTier(final, p)
	reasons := []string{}
	if t.Rank() <= domain.TierMedium.Rank() {
		return t, false, reasons
	}

	if p.CapOnReconciliationNotOK {
		switch status {
		case domain.ReconciliationNotRun:
			reasons = append(reasons, CapReasonReconciliationNotRun)
		case domain.ReconciliationFailedOverlap:
			reasons = append(reasons, CapReasonReconciliationFailedOverlap)
		}
	}
	if p.CapOnFullWeightOverride && fullWeight {
		reasons = append(reasons, CapReasonFullWeightOverride)
	}
	if len(reasons) == 0 {
		return t, false, reasons
	}
	return domain.TierMedium, true, reasons
}

// MissingMonths counts calendar months between the first and last
// transaction month, inclusive, in which no transaction occurred.
func MissingMonths(lines []Line) (int64, error) {
	if len(lines) == 0 {
		return 0, nil
	}
	seen := make(map[int]bool)
	for _, l := range lines {
		d, err := time.Parse(domain.DateLayout, l.TxnDate)
		if err != nil {
			return 0, fmt.Errorf("MissingMonths: txn %s: invalid date %q: %w", l.TxnID, l.TxnDate, domain.ErrInvalidInput)
		}
		seen[monthIndex(d)] = true
	}

	months := make([]int, 0, len(seen))
	for m := range seen {
		months = append(months, m)
	}
	sort.Ints(months)
	span := months[len(months)-1] - months[0] + 1
	return int64(span - len(months)), nil
}

func monthIndex(t time.Time) int {
	return t.Year()*12 + int(t.Month()) - 1
}
