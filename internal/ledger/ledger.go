// Package ledger holds the append-only override log and its penalty model.
package ledger

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/dvloznov/deal-confidence/internal/domain"
)

// Log is a write-once arena of overrides for one deal. Entries are only
// ever appended; lookups go through positional indexes into the arena.
// A Log is not safe for concurrent use.
type Log struct {
	entries  []domain.Override
	byEntity map[string][]int
}

// NewLog builds a log from stored overrides, ordered by Seq.
func NewLog(overrides []*domain.Override) *Log {
	sorted := append([]*domain.Override(nil), overrides...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Seq < sorted[j].Seq })

	l := &Log{byEntity: make(map[string][]int)}
	for _, o := range sorted {
		l.insert(*o)
	}
	return l
}

// Append adds o at the end of the log and returns it with Seq assigned.
func (l *Log) Append(o domain.Override) domain.Override {
	o.Seq = 1
	if n := len(l.entries); n > 0 {
		o.Seq = l.entries[n-1].Seq + 1
	}
	l.insert(o)
	return o
}

func (l *Log) insert(o domain.Override) {
	l.entries = append(l.entries, o)
	l.byEntity[o.EntityID] = append(l.byEntity[o.EntityID], len(l.entries)-1)
}

// Len returns the number of entries.
func (l *Log) Len() int {
	return len(l.entries)
}

// Entries returns a copy of every entry in ledger order.
func (l *Log) Entries() []domain.Override {
	return append([]domain.Override(nil), l.entries...)
}

// ForEntity returns the entity's entries in ledger order.
func (l *Log) ForEntity(entityID string) []domain.Override {
	idx := l.byEntity[entityID]
	out := make([]domain.Override, 0, len(idx))
	for _, i := range idx {
		out = append(out, l.entries[i])
	}
	return out
}

// Latest returns the most recent entry for (entityID, field).
func (l *Log) Latest(entityID string, field domain.OverrideField) (domain.Override, bool) {
	idx := l.byEntity[entityID]
	for k := len(idx) - 1; k >= 0; k-- {
		if o := l.entries[idx[k]]; o.Field == field {
			return o, true
		}
	}
	return domain.Override{}, false
}

// Effective returns the latest entry of every (entity, field) pair, sorted
// by entity ID then field.
func (l *Log) Effective() []domain.Override {
	entityIDs := make([]string, 0, len(l.byEntity))
	for id := range l.byEntity {
		entityIDs = append(entityIDs, id)
	}
	sort.Strings(entityIDs)

	var out []domain.Override
	for _, id := range entityIDs {
		for _, f := range []domain.OverrideField{domain.OverrideFieldEntity, domain.OverrideFieldRole} {
			if o, ok := l.Latest(id, f); ok {
				out = append(out, o)
			}
		}
	}
	return out
}

// HasFullWeight reports whether any effective entry carries the full
// penalty weight.
func (l *Log) HasFullWeight() bool {
	for _, o := range l.Effective() {
		if o.FullWeight() {
			return true
		}
	}
	return false
}

var (
	weightPartial = decimal.RequireFromString("0.5")
	weightFull    = decimal.RequireFromString("1")
)

// ParseWeight converts a decimal weight ("0.5" or "1.0") to basis points.
func ParseWeight(s string) (domain.BasisPoints, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("ledger.ParseWeight: %q: %w", s, domain.ErrInvalidInput)
	}
	switch {
	case d.Equal(weightPartial):
		return domain.WeightPartialBP, nil
	case d.Equal(weightFull):
		return domain.WeightFullBP, nil
	}
	return 0, fmt.Errorf("ledger.ParseWeight: weight must be 0.5 or 1.0, got %s: %w", s, domain.ErrInvalidInput)
}

// FormatWeight renders a weight in basis points as a decimal string.
func FormatWeight(bp domain.BasisPoints) string {
	return decimal.New(bp, -4).StringFixed(1)
}

// SuggestWeight returns the full weight when a role correction crosses the
// revenue boundary and the partial weight otherwise.
func SuggestWeight(oldRole, newRole domain.Role) domain.BasisPoints {
	if oldRole.IsRevenue() != newRole.IsRevenue() {
		return domain.WeightFullBP
	}
	return domain.WeightPartialBP
}
