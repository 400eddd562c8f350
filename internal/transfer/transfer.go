// Package transfer pairs outbound and inbound legs of movements between a
// deal's own accounts. Each matching policy is versioned and every link it
// produces records that version.
package transfer

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dvloznov/deal-confidence/internal/domain"
	"github.com/dvloznov/deal-confidence/internal/entity"
)

// Policy versions.
const (
	VersionV1TransferRule = "v1_transfer_rule"
	VersionV2NearestDate  = "v2_nearest_date"
)

// DefaultMaxDateDiffDays is the default date window for both policies.
const DefaultMaxDateDiffDays = 2

// Params tunes a policy. Zero MinDescriptorSimilarityBP disables the
// descriptor check.
type Params struct {
	MaxDateDiffDays           int
	MinDescriptorSimilarityBP domain.BasisPoints
}

// DefaultParams returns the stock matching window.
func DefaultParams() Params {
	return Params{MaxDateDiffDays: DefaultMaxDateDiffDays}
}

// Policy matches the transactions of one deal into transfer links.
// Implementations must be deterministic in their input set, independent of
// input order, and never let a transaction appear in two links.
type Policy interface {
	Version() string
	Match(txns []*domain.RawTransaction) ([]domain.TransferLink, error)
}

// NewPolicy builds the policy registered under version.
func NewPolicy(version string, params Params) (Policy, error) {
	if params.MaxDateDiffDays < 0 {
		return nil, fmt.Errorf("transfer.NewPolicy: negative date window: %w", domain.ErrInvalidInput)
	}
	if params.MinDescriptorSimilarityBP < 0 || params.MinDescriptorSimilarityBP > domain.MaxBP {
		return nil, fmt.Errorf("transfer.NewPolicy: similarity threshold out of range: %w", domain.ErrInvalidInput)
	}

	switch version {
	case VersionV1TransferRule:
		return &uniqueCandidate{params: params}, nil
	case VersionV2NearestDate:
		return &nearestDate{params: params}, nil
	default:
		return nil, fmt.Errorf("transfer.NewPolicy: unknown match rule version %q: %w", version, domain.ErrInvalidInput)
	}
}

// Linked returns the set of transaction IDs claimed by links.
func Linked(links []domain.TransferLink) map[string]bool {
	out := make(map[string]bool, 2*len(links))
	for _, l := range links {
		out[l.TxnOutID] = true
		out[l.TxnInID] = true
	}
	return out
}

// leg is a transaction with its parsed date and normalized descriptor tokens.
type leg struct {
	txn    *domain.RawTransaction
	day    time.Time
	tokens map[string]bool
}

type edge struct {
	out, in  *leg
	dateDiff int
}

func prepare(txns []*domain.RawTransaction) (outs, ins map[domain.Cents][]*leg, err error) {
	outs = make(map[domain.Cents][]*leg)
	ins = make(map[domain.Cents][]*leg)
	for _, t := range txns {
		if t.SignedAmountCents == 0 {
			continue
		}
		day, err := t.Date()
		if err != nil {
			return nil, nil, fmt.Errorf("transfer: txn %s: invalid date %q: %w", t.ID, t.TxnDate, domain.ErrInvalidInput)
		}
		l := &leg{txn: t, day: day, tokens: tokenSet(t.RawDescriptor)}
		if t.IsDebit() {
			outs[t.AbsAmount()] = append(outs[t.AbsAmount()], l)
		} else {
			ins[t.AbsAmount()] = append(ins[t.AbsAmount()], l)
		}
	}
	return outs, ins, nil
}

// candidates returns every admissible (out, in) pair, sorted by date
// distance, then out txn_id, then in txn_id.
func candidates(txns []*domain.RawTransaction, p Params) ([]edge, error) {
	outs, ins, err := prepare(txns)
	if err != nil {
		return nil, err
	}

	var edges []edge
	for amount, outLegs := range outs {
		for _, o := range outLegs {
			for _, i := range ins[amount] {
				if o.txn.AccountID == i.txn.AccountID {
					continue
				}
				diff := daysBetween(o.day, i.day)
				if diff > p.MaxDateDiffDays {
					continue
				}
				if p.MinDescriptorSimilarityBP > 0 && similarityBP(o.tokens, i.tokens) < p.MinDescriptorSimilarityBP {
					continue
				}
				edges = append(edges, edge{out: o, in: i, dateDiff: diff})
			}
		}
	}

	sort.Slice(edges, func(a, b int) bool {
		ea, eb := edges[a], edges[b]
		if ea.dateDiff != eb.dateDiff {
			return ea.dateDiff < eb.dateDiff
		}
		if ea.out.txn.TxnID != eb.out.txn.TxnID {
			return ea.out.txn.TxnID < eb.out.txn.TxnID
		}
		if ea.in.txn.TxnID != eb.in.txn.TxnID {
			return ea.in.txn.TxnID < eb.in.txn.TxnID
		}
		if ea.out.txn.ID != eb.out.txn.ID {
			return ea.out.txn.ID < eb.out.txn.ID
		}
		return ea.in.txn.ID < eb.in.txn.ID
	})
	return edges, nil
}

func link(e edge, version string) domain.TransferLink {
	return domain.TransferLink{
		DealID:           e.out.txn.DealID,
		TxnOutID:         e.out.txn.ID,
		TxnInID:          e.in.txn.ID,
		AbsAmountCents:   e.out.txn.AbsAmount(),
		MatchRuleVersion: version,
	}
}

func sortLinks(links []domain.TransferLink) {
	sort.Slice(links, func(a, b int) bool {
		if links[a].TxnOutID != links[b].TxnOutID {
			return links[a].TxnOutID < links[b].TxnOutID
		}
		return links[a].TxnInID < links[b].TxnInID
	})
}

// nearestDate claims edges greedily in candidate order.
type nearestDate struct {
	params Params
}

func (p *nearestDate) Version() string { return VersionV2NearestDate }

func (p *nearestDate) Match(txns []*domain.RawTransaction) ([]domain.TransferLink, error) {
	edges, err := candidates(txns, p.params)
	if err != nil {
		return nil, fmt.Errorf("nearestDate.Match: %w", err)
	}

	claimed := make(map[*leg]bool)
	links := []domain.TransferLink{}
	for _, e := range edges {
		if claimed[e.out] || claimed[e.in] {
			continue
		}
		claimed[e.out] = true
		claimed[e.in] = true
		links = append(links, link(e, p.Version()))
	}
	sortLinks(links)
	return links, nil
}

// uniqueCandidate links a pair only when each leg is the other's sole
// candidate; ambiguous legs stay unmatched.
type uniqueCandidate struct {
	params Params
}

func (p *uniqueCandidate) Version() string { return VersionV1TransferRule }

func (p *uniqueCandidate) Match(txns []*domain.RawTransaction) ([]domain.TransferLink, error) {
	edges, err := candidates(txns, p.params)
	if err != nil {
		return nil, fmt.Errorf("uniqueCandidate.Match: %w", err)
	}

	degree := make(map[*leg]int)
	for _, e := range edges {
		degree[e.out]++
		degree[e.in]++
	}

	links := []domain.TransferLink{}
	for _, e := range edges {
		if degree[e.out] == 1 && degree[e.in] == 1 {
			links = append(links, link(e, p.Version()))
		}
	}
	sortLinks(links)
	return links, nil
}

func daysBetween(a, b time.Time) int {
	d := int(a.Sub(b).Hours() / 24)
	if d < 0 {
		return -d
	}
	return d
}

func tokenSet(descriptor string) map[string]bool {
	out := make(map[string]bool)
	for _, tok := range strings.Fields(entity.Normalize(descriptor)) {
		out[tok] = true
	}
	return out
}

// similarityBP is the Jaccard index of two token sets in basis points.
func similarityBP(a, b map[string]bool) domain.BasisPoints {
	if len(a) == 0 && len(b) == 0 {
		return domain.MaxBP
	}
	inter := 0
	for tok := range a {
		if b[tok] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return domain.BasisPoints(inter) * domain.MaxBP / domain.BasisPoints(union)
}
