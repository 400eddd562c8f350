package pipeline

import (
	"github.com/dvloznov/deal-confidence/internal/domain"
	"github.com/dvloznov/deal-confidence/internal/ledger"
)

// overlay is the effective view of the override ledger: the latest entity
// merge and role correction per entity.
type overlay struct {
	mergeInto map[string]string
	roles     map[string]domain.Role
}

// newOverlay ignores merges into unknown entities and roles that are not
// valid; the service layer rejects both before they reach the ledger.
func newOverlay(log *ledger.Log, known map[string]bool) overlay {
	ov := overlay{
		mergeInto: make(map[string]string),
		roles:     make(map[string]domain.Role),
	}
	for _, o := range log.Effective() {
		switch o.Field {
		case domain.OverrideFieldEntity:
			if known[o.NewValue] && o.NewValue != o.EntityID {
				ov.mergeInto[o.EntityID] = o.NewValue
			}
		case domain.OverrideFieldRole:
			if r := domain.Role(o.NewValue); r.Valid() && r != domain.RoleTransfer {
				ov.roles[o.EntityID] = r
			}
		}
	}
	return ov
}

// entity follows merges from id. A cycle stops at the last entity before
// it would repeat.
func (ov overlay) entity(id string) string {
	seen := map[string]bool{id: true}
	for i := 0; i < maxMergeHops; i++ {
		next, ok := ov.mergeInto[id]
		if !ok || seen[next] {
			return id
		}
		seen[next] = true
		id = next
	}
	return id
}

// role prefers a correction on the merged entity, then one on the
// original entity, then the classifier's role.
func (ov overlay) role(originalID, mergedID string, base domain.Role) domain.Role {
	if r, ok := ov.roles[mergedID]; ok {
		return r
	}
	if r, ok := ov.roles[originalID]; ok {
		return r
	}
	return base
}
