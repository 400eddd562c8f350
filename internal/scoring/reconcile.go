package scoring

import (
	"fmt"
	"sort"
	"time"

	"github.com/dvloznov/deal-confidence/internal/domain"
)

// Reconciliation is the outcome of comparing bank data against declared
// accrual revenue and against itself.
type Reconciliation struct {
	Status domain.ReconciliationStatus
	PctBP  *domain.BasisPoints
	// Conflict names the documents whose overlapping totals disagree.
	Conflict *DocumentConflict
}

// DocumentConflict describes two statements of one account that cover the
// same days with different totals.
type DocumentConflict struct {
	AccountID    string
	DocumentA    string
	DocumentB    string
	OverlapStart string
	OverlapEnd   string
}

// Reconcile decides the reconciliation status. Conflicting overlapping
// documents fail first; otherwise the accrual period must overlap the
// active transaction period by at least MinOverlapBP before bank
// operational inflow is compared with declared revenue.
func Reconcile(lines []Line, accrual *Accrual, bankInflow domain.Cents, p Policy) (Reconciliation, error) {
	conflict, err := FindDocumentConflict(lines)
	if err != nil {
		return Reconciliation{}, err
	}
	if conflict != nil {
		return Reconciliation{Status: domain.ReconciliationFailedOverlap, Conflict: conflict}, nil
	}

	notRun := Reconciliation{Status: domain.ReconciliationNotRun}
	if accrual == nil || accrual.RevenueCents <= 0 || len(lines) == 0 {
		return notRun, nil
	}

	accStart, err := time.Parse(domain.DateLayout, accrual.PeriodStart)
	if err != nil {
		return Reconciliation{}, fmt.Errorf("Reconcile: accrual start: %w", domain.ErrInvalidInput)
	}
	accEnd, err := time.Parse(domain.DateLayout, accrual.PeriodEnd)
	if err != nil {
		return Reconciliation{}, fmt.Errorf("Reconcile: accrual end: %w", domain.ErrInvalidInput)
	}
	accrualDays := days(accStart, accEnd)
	if accrualDays <= 0 {
		return Reconciliation{Status: domain.ReconciliationFailedOverlap}, nil
	}

	activeStart, activeEnd := lines[0].TxnDate, lines[0].TxnDate
	for _, l := range lines[1:] {
		if l.TxnDate < activeStart {
			activeStart = l.TxnDate
		}
		if l.TxnDate > activeEnd {
			activeEnd = l.TxnDate
		}
	}
	aStart, err := time.Parse(domain.DateLayout, activeStart)
	if err != nil {
		return Reconciliation{}, fmt.Errorf("Reconcile: %w", domain.ErrInvalidInput)
	}
	aEnd, err := time.Parse(domain.DateLayout, activeEnd)
	if err != nil {
		return Reconciliation{}, fmt.Errorf("Reconcile: %w", domain.ErrInvalidInput)
	}

	overlapDays := days(later(aStart, accStart), earlier(aEnd, accEnd))
	if overlapDays < 0 {
		overlapDays = 0
	}
	if overlapDays*domain.MaxBP/accrualDays < p.MinOverlapBP {
		return Reconciliation{Status: domain.ReconciliationFailedOverlap}, nil
	}

	if bankInflow <= 0 {
		return notRun, nil
	}

	diff := domain.AbsCents(accrual.RevenueCents - bankInflow)
	pct := domain.ClampBP(domain.MaxBP - diff*domain.MaxBP/accrual.RevenueCents)
	return Reconciliation{Status: domain.ReconciliationOK, PctBP: &pct}, nil
}

// FindDocumentConflict looks for two documents of the same account whose
// date ranges overlap and whose signed totals over the shared days differ.
// Pairs are examined in sorted order so the reported conflict is stable.
func FindDocumentConflict(lines []Line) (*DocumentConflict, error) {
	type docRange struct {
		id         string
		account    string
		start, end string
	}

	ranges := make(map[string]*docRange)
	for _, l := range lines {
		if l.DocumentID == "" {
			continue
		}
		if _, err := time.Parse(domain.DateLayout, l.TxnDate); err != nil {
			return nil, fmt.Errorf("FindDocumentConflict: txn %s: %w", l.TxnID, domain.ErrInvalidInput)
		}
		key := l.AccountID + "\x00" + l.DocumentID
		r, ok := ranges[key]
		if !ok {
			ranges[key] = &docRange{id: l.DocumentID, account: l.AccountID, start: l.TxnDate, end: l.TxnDate}
			continue
		}
		if l.TxnDate < r.start {
			r.start = l.TxnDate
		}
		if l.TxnDate > r.end {
			r.end = l.TxnDate
		}
	}

	sorted := make([]*docRange, 0, len(ranges))
	for _, r := range ranges {
		sorted = append(sorted, r)
	}
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].account != sorted[j].account {
			return sorted[i].account < sorted[j].account
		}
		return sorted[i].id < sorted[j].id
	})

	for i := 0; i < len(sorted); i++ {
		for j := i + 1; j < len(sorted) && sorted[j].account == sorted[i].account; j++ {
			a, b := sorted[i], sorted[j]
			start, end := maxString(a.start, b.start), minString(a.end, b.end)
			if start > end {
				continue
			}
			var sumA, sumB domain.Cents
			for _, l := range lines {
				if l.AccountID != a.account || l.TxnDate < start || l.TxnDate > end {
					continue
				}
				switch l.DocumentID {
				case a.id:
					sumA += l.SignedAmountCents
				case b.id:
					sumB += l.SignedAmountCents
				}
			}
			if sumA != sumB {
				return &DocumentConflict{
					AccountID:    a.account,
					DocumentA:    a.id,
					DocumentB:    b.id,
					OverlapStart: start,
					OverlapEnd:   end,
				}, nil
			}
		}
	}
	return nil, nil
}

// days counts calendar days from a to b inclusive.
func days(a, b time.Time) int64 {
	return int64(b.Sub(a).Hours()/24) + 1
}

func later(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

func earlier(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}

func maxString(a, b string) string {
	if a > b {
		return a
	}
	return b
}

func minString(a, b string) string {
	if a < b {
		return a
	}
	return b
}
