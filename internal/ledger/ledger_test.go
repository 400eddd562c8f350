package ledger

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvloznov/deal-confidence/internal/domain"
)

func ov(entity string, field domain.OverrideField, value string, weight domain.BasisPoints) domain.Override {
	return domain.Override{EntityID: entity, Field: field, NewValue: value, WeightBP: weight}
}

func TestLogAppendNeverMerges(t *testing.T) {
	l := NewLog(nil)
	a := l.Append(ov("e1", domain.OverrideFieldRole, "payroll", domain.WeightFullBP))
	b := l.Append(ov("e1", domain.OverrideFieldRole, "payroll", domain.WeightFullBP))

	assert.Equal(t, int64(1), a.Seq)
	assert.Equal(t, int64(2), b.Seq)
	assert.Equal(t, 2, l.Len())
	assert.Len(t, l.ForEntity("e1"), 2)
}

func TestNewLogOrdersBySeq(t *testing.T) {
	l := NewLog([]*domain.Override{
		{Seq: 3, EntityID: "e1", Field: domain.OverrideFieldRole, NewValue: "supplier"},
		{Seq: 1, EntityID: "e1", Field: domain.OverrideFieldRole, NewValue: "payroll"},
		{Seq: 2, EntityID: "e2", Field: domain.OverrideFieldEntity, NewValue: "e1"},
	})

	latest, ok := l.Latest("e1", domain.OverrideFieldRole)
	require.True(t, ok)
	assert.Equal(t, "supplier", latest.NewValue)

	next := l.Append(ov("e3", domain.OverrideFieldRole, "other", domain.WeightPartialBP))
	assert.Equal(t, int64(4), next.Seq)

	_, ok = l.Latest("e2", domain.OverrideFieldRole)
	assert.False(t, ok)
}

func TestEffective(t *testing.T) {
	l := NewLog(nil)
	l.Append(ov("b", domain.OverrideFieldRole, "payroll", domain.WeightPartialBP))
	l.Append(ov("a", domain.OverrideFieldRole, "supplier", domain.WeightPartialBP))
	l.Append(ov("a", domain.OverrideFieldRole, "other", domain.WeightPartialBP))
	l.Append(ov("a", domain.OverrideFieldEntity, "b", domain.WeightPartialBP))

	eff := l.Effective()
	require.Len(t, eff, 3)
	assert.Equal(t, "a", eff[0].EntityID)
	assert.Equal(t, domain.OverrideFieldEntity, eff[0].Field)
	assert.Equal(t, "other", eff[1].NewValue)
	assert.Equal(t, "b", eff[2].EntityID)
}

func TestEntriesIsCopy(t *testing.T) {
	l := NewLog(nil)
	l.Append(ov("e1", domain.OverrideFieldRole, "payroll", domain.WeightPartialBP))

	entries := l.Entries()
	entries[0].NewValue = "tampered"

	assert.Equal(t, "payroll", l.Entries()[0].NewValue)
}

func TestParseWeight(t *testing.T) {
	tests := []struct {
		in      string
		want    domain.BasisPoints
		wantErr bool
	}{
		{"0.5", 5000, false},
		{"0.50", 5000, false},
		{"1.0", 10000, false},
		{"1", 10000, false},
		{"0.75", 0, true},
		{"abc", 0, true},
		{"", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseWeight(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, domain.ErrInvalidInput)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFormatWeight(t *testing.T) {
	assert.Equal(t, "0.5", FormatWeight(domain.WeightPartialBP))
	assert.Equal(t, "1.0", FormatWeight(domain.WeightFullBP))
}

func TestSuggestWeight(t *testing.T) {
	assert.Equal(t, domain.WeightFullBP, SuggestWeight(domain.RoleRevenueOperational, domain.RoleSupplier))
	assert.Equal(t, domain.WeightFullBP, SuggestWeight(domain.RolePayroll, domain.RoleRevenueNonOperational))
	assert.Equal(t, domain.WeightPartialBP, SuggestWeight(domain.RolePayroll, domain.RoleSupplier))
	assert.Equal(t, domain.WeightPartialBP, SuggestWeight(domain.RoleRevenueOperational, domain.RoleRevenueNonOperational))
}

func TestPenaltyUnit(t *testing.T) {
	l := NewLog(nil)
	p := DefaultPenaltyParams()

	assert.Equal(t, domain.BasisPoints(0), l.PenaltyBP(p, Exposure{}))

	l.Append(ov("e1", domain.OverrideFieldRole, "payroll", domain.WeightFullBP))
	assert.Equal(t, domain.BasisPoints(1000), l.PenaltyBP(p, Exposure{}))

	l.Append(ov("e1", domain.OverrideFieldRole, "payroll", domain.WeightFullBP))
	assert.Equal(t, domain.BasisPoints(1000), l.PenaltyBP(p, Exposure{}), "a repeated correction supersedes the first")

	l.Append(ov("e2", domain.OverrideFieldRole, "supplier", domain.WeightPartialBP))
	assert.Equal(t, domain.BasisPoints(1500), l.PenaltyBP(p, Exposure{}))

	l.Append(ov("e2", domain.OverrideFieldEntity, "e1", domain.WeightPartialBP))
	assert.Equal(t, domain.BasisPoints(2000), l.PenaltyBP(p, Exposure{}), "each field of an entity counts")

	for i := 0; i < 10; i++ {
		l.Append(ov(fmt.Sprintf("e%d", i+3), domain.OverrideFieldRole, "other", domain.WeightFullBP))
	}
	assert.Equal(t, PenaltyCapBP, l.PenaltyBP(p, Exposure{}))
}

func TestPenaltyDependsOnEffectiveStateOnly(t *testing.T) {
	exp := Exposure{EntityAbsCents: map[string]domain.Cents{"e1": 4000}, NonTransferAbsCents: 10000}

	corrected := NewLog(nil)
	corrected.Append(ov("e1", domain.OverrideFieldRole, "payroll", domain.WeightFullBP))
	corrected.Append(ov("e1", domain.OverrideFieldRole, "payroll", domain.WeightPartialBP))

	direct := NewLog(nil)
	direct.Append(ov("e1", domain.OverrideFieldRole, "payroll", domain.WeightPartialBP))

	for _, mode := range []PenaltyMode{PenaltyModeUnit, PenaltyModeValueShare} {
		p := DefaultPenaltyParams()
		p.Mode = mode
		assert.Equal(t, direct.PenaltyBP(p, exp), corrected.PenaltyBP(p, exp), string(mode))
	}
	assert.False(t, corrected.HasFullWeight(), "a superseded full-weight entry does not cap the tier")
	assert.Equal(t, direct.HasFullWeight(), corrected.HasFullWeight())
}

func TestPenaltyValueShare(t *testing.T) {
	l := NewLog(nil)
	l.Append(ov("e1", domain.OverrideFieldRole, "payroll", domain.WeightPartialBP))
	l.Append(ov("e1", domain.OverrideFieldRole, "supplier", domain.WeightFullBP))
	l.Append(ov("e2", domain.OverrideFieldRole, "other", domain.WeightPartialBP))

	p := PenaltyParams{Mode: PenaltyModeValueShare, CapBP: PenaltyCapBP}
	exp := Exposure{
		EntityAbsCents:      map[string]domain.Cents{"e1": 2500, "e2": 5000},
		NonTransferAbsCents: 10000,
	}

	// e1: 2500bp share at full weight, e2: 5000bp share at half weight.
	assert.Equal(t, domain.BasisPoints(5000), l.PenaltyBP(p, exp))
	assert.Equal(t, domain.BasisPoints(0), l.PenaltyBP(p, Exposure{}))

	exp.EntityAbsCents["e2"] = 10000
	exp.EntityAbsCents["e1"] = 10000
	assert.Equal(t, PenaltyCapBP, l.PenaltyBP(p, exp))
}

func TestPenaltyParamsValidate(t *testing.T) {
	require.NoError(t, DefaultPenaltyParams().Validate())

	bad := []PenaltyParams{
		{Mode: "linear", CapBP: 7000},
		{Mode: PenaltyModeUnit, UnitPenaltyBP: -1, CapBP: 7000},
		{Mode: PenaltyModeUnit, UnitPenaltyBP: 1000, CapBP: 8000},
	}
	for _, p := range bad {
		assert.ErrorIs(t, p.Validate(), domain.ErrInvalidInput)
	}
}
