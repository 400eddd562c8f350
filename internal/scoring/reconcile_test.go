package scoring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvloznov/deal-confidence/internal/domain"
)

func docLine(id, doc, account, date string, cents domain.Cents) Line {
	return Line{TxnID: id, DocumentID: doc, AccountID: account, TxnDate: date, SignedAmountCents: cents, Role: domain.RoleSupplier}
}

func TestReconcile(t *testing.T) {
	jan := []Line{
		docLine("a", "d1", "acc", "2024-01-01", 100),
		docLine("b", "d1", "acc", "2024-01-31", 100),
	}
	p := DefaultPolicy()

	tests := []struct {
		name       string
		lines      []Line
		accrual    *Accrual
		inflow     domain.Cents
		wantStatus domain.ReconciliationStatus
		wantPct    *domain.BasisPoints
	}{
		{"no accrual", jan, nil, 1000, domain.ReconciliationNotRun, nil},
		{"zero accrual", jan, &Accrual{RevenueCents: 0, PeriodStart: "2024-01-01", PeriodEnd: "2024-01-31"}, 1000, domain.ReconciliationNotRun, nil},
		{"no lines", nil, &Accrual{RevenueCents: 10, PeriodStart: "2024-01-01", PeriodEnd: "2024-01-31"}, 0, domain.ReconciliationNotRun, nil},
		{"insufficient overlap", jan, &Accrual{RevenueCents: 1000, PeriodStart: "2024-01-01", PeriodEnd: "2024-03-31"}, 1000, domain.ReconciliationFailedOverlap, nil},
		{"no inflow", jan, &Accrual{RevenueCents: 1000, PeriodStart: "2024-01-01", PeriodEnd: "2024-01-31"}, 0, domain.ReconciliationNotRun, nil},
		{"exact", jan, &Accrual{RevenueCents: 1000, PeriodStart: "2024-01-01", PeriodEnd: "2024-01-31"}, 1000, domain.ReconciliationOK, bp(10000)},
		{"under", jan, &Accrual{RevenueCents: 1000, PeriodStart: "2024-01-01", PeriodEnd: "2024-01-31"}, 750, domain.ReconciliationOK, bp(7500)},
		{"over floors at zero", jan, &Accrual{RevenueCents: 1000, PeriodStart: "2024-01-01", PeriodEnd: "2024-01-31"}, 5000, domain.ReconciliationOK, bp(0)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := Reconcile(tt.lines, tt.accrual, tt.inflow, p)
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, rec.Status)
			assert.Equal(t, tt.wantPct, rec.PctBP)
		})
	}
}

func TestReconcileOverlapThreshold(t *testing.T) {
	lines := []Line{
		docLine("a", "d1", "acc", "2024-01-01", 100),
		docLine("b", "d1", "acc", "2024-01-06", 100),
	}
	// 6 of 10 accrual days covered is exactly 6000bp.
	rec, err := Reconcile(lines, &Accrual{RevenueCents: 100, PeriodStart: "2024-01-01", PeriodEnd: "2024-01-10"}, 100, DefaultPolicy())
	require.NoError(t, err)
	assert.Equal(t, domain.ReconciliationOK, rec.Status)

	// 1 of 10 is not enough.
	rec, err = Reconcile(lines[:1], &Accrual{RevenueCents: 100, PeriodStart: "2023-12-28", PeriodEnd: "2024-01-06"}, 100, DefaultPolicy())
	require.NoError(t, err)
	assert.Equal(t, domain.ReconciliationFailedOverlap, rec.Status)
}

func TestFindDocumentConflict(t *testing.T) {
	t.Run("same statement twice agrees", func(t *testing.T) {
		lines := []Line{
			docLine("a", "d1", "acc", "2024-01-05", 100),
			docLine("b", "d1", "acc", "2024-01-20", -40),
			docLine("a", "d2", "acc", "2024-01-05", 100),
			docLine("b", "d2", "acc", "2024-01-20", -40),
		}
		c, err := FindDocumentConflict(lines)
		require.NoError(t, err)
		assert.Nil(t, c)
	})

	t.Run("disjoint ranges", func(t *testing.T) {
		lines := []Line{
			docLine("a", "d1", "acc", "2024-01-05", 100),
			docLine("b", "d2", "acc", "2024-02-05", 999),
		}
		c, err := FindDocumentConflict(lines)
		require.NoError(t, err)
		assert.Nil(t, c)
	})

	t.Run("different accounts", func(t *testing.T) {
		lines := []Line{
			docLine("a", "d1", "acc-1", "2024-01-05", 100),
			docLine("b", "d2", "acc-2", "2024-01-05", 999),
		}
		c, err := FindDocumentConflict(lines)
		require.NoError(t, err)
		assert.Nil(t, c)
	})

	t.Run("overlap disagrees", func(t *testing.T) {
		lines := []Line{
			docLine("a", "d2", "acc", "2024-01-01", 100),
			docLine("b", "d2", "acc", "2024-01-31", 200),
			docLine("c", "d1", "acc", "2024-01-15", 50),
			docLine("d", "d1", "acc", "2024-02-15", 50),
		}
		c, err := FindDocumentConflict(lines)
		require.NoError(t, err)
		require.NotNil(t, c)
		assert.Equal(t, &DocumentConflict{
			AccountID:    "acc",
			DocumentA:    "d1",
			DocumentB:    "d2",
			OverlapStart: "2024-01-15",
			OverlapEnd:   "2024-01-31",
		}, c)
	})
}

func TestScoreFailedOverlapFromDocuments(t *testing.T) {
	lines := []Line{
		docLine("a", "d1", "acc", "2024-01-01", 100),
		docLine("b", "d1", "acc", "2024-01-31", 100),
		docLine("c", "d2", "acc", "2024-01-10", 7),
	}
	res, err := Score(Input{Lines: lines}, DefaultPolicy())
	require.NoError(t, err)

	assert.Equal(t, domain.ReconciliationFailedOverlap, res.ReconciliationStatus)
	assert.Equal(t, domain.BasisPoints(10000), res.BaseConfidenceBP)
	assert.Equal(t, domain.BasisPoints(8000), res.FinalConfidenceBP)
	assert.Equal(t, domain.TierMedium, res.Tier)
	assert.False(t, res.TierCapped)
}
