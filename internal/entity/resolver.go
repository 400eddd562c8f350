// Package entity maps raw counterparty descriptors to canonical entities.
package entity

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/dvloznov/deal-confidence/internal/domain"
)

// UnknownName is the normalized name used for blank descriptors.
const UnknownName = "unknown"

var (
	accountNumberRE = regexp.MustCompile(`\d(?:[ -]?\d){7,}`)
	ibanRE          = regexp.MustCompile(`\b[A-Z]{2}\d{2}[A-Z0-9]{10,30}\b`)
)

// Normalize case-folds a descriptor and collapses punctuation and whitespace.
func Normalize(descriptor string) string {
	mapped := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return unicode.ToLower(r)
		}
		return ' '
	}, descriptor)
	name := strings.Join(strings.Fields(mapped), " ")
	if name == "" {
		return UnknownName
	}
	return name
}

// ExtractStrongIdentifiers returns the account numbers and IBANs found in a
// descriptor, separators removed, sorted and de-duplicated.
func ExtractStrongIdentifiers(descriptor string) []string {
	seen := make(map[string]bool)
	var ids []string
	add := func(id string) {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	for _, m := range ibanRE.FindAllString(strings.ToUpper(descriptor), -1) {
		add(m)
	}
	for _, m := range accountNumberRE.FindAllString(descriptor, -1) {
		add(strings.NewReplacer(" ", "", "-", "").Replace(m))
	}
	sort.Strings(ids)
	return ids
}

// EntityID derives the stable identifier of an entity from its deal and normalized name.
func EntityID(dealID, normalizedName string) string {
	sum := sha256.Sum256([]byte(dealID + "|" + normalizedName))
	return hex.EncodeToString(sum[:])
}

// Resolver resolves descriptors for one deal. It is seeded with the deal's
// existing entities and only ever creates new ones; identity fields of an
// existing entity are never touched. A Resolver is not safe for concurrent use.
type Resolver struct {
	dealID       string
	byName       map[string]*domain.Entity
	byIdentifier map[string]*domain.Entity
	byID         map[string]*domain.Entity
	used         map[string]*domain.Entity
	created      []*domain.Entity
	now          func() time.Time
}

// NewResolver creates a resolver over the deal's existing entities.
func NewResolver(dealID string, existing []*domain.Entity) *Resolver {
	r := &Resolver{
		dealID:       dealID,
		byName:       make(map[string]*domain.Entity),
		byIdentifier: make(map[string]*domain.Entity),
		byID:         make(map[string]*domain.Entity),
		used:         make(map[string]*domain.Entity),
		now:          time.Now,
	}

	sorted := append([]*domain.Entity(nil), existing...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	for _, e := range sorted {
		r.register(e, e.NormalizedName, e.StrongIdentifiers)
	}
	return r
}

// Resolve returns the entity for a descriptor, creating it when neither its
// normalized name nor any of its strong identifiers is known yet.
func (r *Resolver) Resolve(rawDescriptor string, identifiers []string) *domain.Entity {
	name := Normalize(rawDescriptor)
	if e, ok := r.byName[name]; ok {
		r.used[e.ID] = e
		return e
	}

	ids := append([]string(nil), identifiers...)
	sort.Strings(ids)
	for _, id := range ids {
		if e, ok := r.byIdentifier[id]; ok {
			r.byName[name] = e
			r.used[e.ID] = e
			return e
		}
	}

	e := &domain.Entity{
		ID:                EntityID(r.dealID, name),
		DealID:            r.dealID,
		NormalizedName:    name,
		DisplayName:       strings.Join(strings.Fields(rawDescriptor), " "),
		StrongIdentifiers: ids,
		CreatedAt:         r.now(),
	}
	if e.DisplayName == "" {
		e.DisplayName = name
	}
	if e.StrongIdentifiers == nil {
		e.StrongIdentifiers = []string{}
	}
	r.register(e, name, ids)
	r.created = append(r.created, e)
	r.used[e.ID] = e
	return e
}

// Lookup returns a known entity by ID.
func (r *Resolver) Lookup(entityID string) (*domain.Entity, bool) {
	e, ok := r.byID[entityID]
	return e, ok
}

// Created returns the entities created by this resolver, in creation order.
func (r *Resolver) Created() []*domain.Entity {
	return r.created
}

// Used returns every entity returned by Resolve, sorted by ID.
func (r *Resolver) Used() []*domain.Entity {
	out := make([]*domain.Entity, 0, len(r.used))
	for _, e := range r.used {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Resolver) register(e *domain.Entity, name string, identifiers []string) {
	r.byID[e.ID] = e
	if _, ok := r.byName[name]; !ok {
		r.byName[name] = e
	}
	for _, id := range identifiers {
		if _, ok := r.byIdentifier[id]; !ok {
			r.byIdentifier[id] = e
		}
	}
}
