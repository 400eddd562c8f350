package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dvloznov/deal-confidence/internal/domain"
	"github.com/dvloznov/deal-confidence/internal/ledger"
)

func TestOverlay(t *testing.T) {
	log := ledger.NewLog(nil)
	add := func(entityID string, field domain.OverrideField, value string) {
		log.Append(domain.Override{EntityID: entityID, Field: field, NewValue: value, WeightBP: domain.WeightPartialBP})
	}
	add("a", domain.OverrideFieldEntity, "b")
	add("b", domain.OverrideFieldEntity, "c")
	add("c", domain.OverrideFieldEntity, "a") // cycle
	add("d", domain.OverrideFieldEntity, "ghost")
	add("a", domain.OverrideFieldRole, "payroll")
	add("a", domain.OverrideFieldRole, "supplier") // latest wins
	add("c", domain.OverrideFieldRole, "transfer") // never assignable by hand
	add("e", domain.OverrideFieldRole, "payroll")

	ov := newOverlay(log, map[string]bool{"a": true, "b": true, "c": true, "d": true, "e": true})

	tests := []struct {
		name       string
		entity     string
		wantEntity string
		base       domain.Role
		wantRole   domain.Role
	}{
		{name: "merge chain stops before cycle", entity: "a", wantEntity: "c", base: domain.RoleOther, wantRole: domain.RoleSupplier},
		{name: "unknown target ignored", entity: "d", wantEntity: "d", base: domain.RoleOther, wantRole: domain.RoleOther},
		{name: "role on entity", entity: "e", wantEntity: "e", base: domain.RoleSupplier, wantRole: domain.RolePayroll},
		{name: "no overrides", entity: "z", wantEntity: "z", base: domain.RolePayroll, wantRole: domain.RolePayroll},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			merged := ov.entity(tt.entity)
			assert.Equal(t, tt.wantEntity, merged)
			assert.Equal(t, tt.wantRole, ov.role(tt.entity, merged, tt.base))
		})
	}
}
