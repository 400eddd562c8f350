// Package classify assigns roles to transactions. Every rule set is tagged
// with the role version that produced it and classification is a pure
// function of the transaction, its entity and that version.
package classify

import (
	"fmt"
	"sort"
	"strings"

	"github.com/dvloznov/deal-confidence/internal/domain"
	"github.com/dvloznov/deal-confidence/internal/entity"
)

// Input is everything a rule set may look at.
type Input struct {
	Transaction *domain.RawTransaction
	Entity      *domain.Entity
	IsTransfer  bool
}

// RuleSet is one immutable version of the classification rules.
type RuleSet interface {
	Version() string
	Classify(in Input) domain.Role
}

var registry = map[string]RuleSet{
	VersionV1Rules: v1Rules{},
}

// Lookup returns the rule set registered for version.
func Lookup(version string) (RuleSet, error) {
	rs, ok := registry[version]
	if !ok {
		return nil, fmt.Errorf("classify.Lookup: unknown role version %q: %w", version, domain.ErrInvalidInput)
	}
	return rs, nil
}

// Versions lists the registered role versions in sorted order.
func Versions() []string {
	out := make([]string, 0, len(registry))
	for v := range registry {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// Classify looks up version and classifies in with it.
func Classify(version string, in Input) (domain.Role, error) {
	rs, err := Lookup(version)
	if err != nil {
		return "", err
	}
	return rs.Classify(in), nil
}

// VersionV1Rules is the keyword rule set.
const VersionV1Rules = "v1_rules"

// Keyword groups are checked in order. Loan keywords come before operational
// revenue so that "loan repayment" is not read as a customer payment.
var (
	loanKeywords      = []string{"loan", "facility", "credit", "disbursement"}
	capitalKeywords   = []string{"capital", "director", "owner", "shareholder", "investment", "equity"}
	refundKeywords    = []string{"reversal", "refund", "chargeback"}
	revenueOpKeywords = []string{"sale", "pos", "mpesa", "payment", "client", "receipt"}
	payrollKeywords   = []string{"salary", "payroll", "wages", "staff"}
	taxKeywords       = []string{"tax", "kra", "vat", "paye"}
)

type v1Rules struct{}

func (v1Rules) Version() string { return VersionV1Rules }

func (v1Rules) Classify(in Input) domain.Role {
	if in.IsTransfer {
		return domain.RoleTransfer
	}

	amount := in.Transaction.SignedAmountCents
	descriptor := entity.Normalize(in.Transaction.RawDescriptor)

	signed := func() domain.Role {
		if amount > 0 {
			return domain.RoleRevenueNonOperational
		}
		return domain.RoleSupplier
	}

	switch {
	case containsAny(descriptor, loanKeywords),
		containsAny(descriptor, capitalKeywords),
		containsAny(descriptor, refundKeywords):
		return signed()
	case containsAny(descriptor, revenueOpKeywords):
		return domain.RoleRevenueOperational
	case containsAny(descriptor, payrollKeywords):
		return domain.RolePayroll
	case containsAny(descriptor, taxKeywords):
		return domain.RoleSupplier
	}

	switch {
	case amount > 0:
		return domain.RoleRevenueOperational
	case amount < 0:
		return domain.RoleSupplier
	default:
		return domain.RoleOther
	}
}

// containsAny does plain substring matching, so "pos" also hits "deposit".
func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}
