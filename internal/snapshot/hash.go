package snapshot

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/dvloznov/deal-confidence/internal/canonical"
	"github.com/dvloznov/deal-confidence/internal/domain"
)

// ComponentHashes are the per-input hashes recorded on every run.
type ComponentHashes struct {
	RawTransactions string
	TransferLinks   string
	Entities        string
	Overrides       string
}

// Components hashes each input projection separately.
func Components(txns []Transaction, links []TransferLink, entities []Entity, overrides []Override) (ComponentHashes, error) {
	var h ComponentHashes
	var err error
	if h.RawTransactions, err = canonical.Hash(txns); err != nil {
		return h, fmt.Errorf("snapshot.Components: transactions: %w", err)
	}
	if h.TransferLinks, err = canonical.Hash(links); err != nil {
		return h, fmt.Errorf("snapshot.Components: transfer links: %w", err)
	}
	if h.Entities, err = canonical.Hash(entities); err != nil {
		return h, fmt.Errorf("snapshot.Components: entities: %w", err)
	}
	if h.Overrides, err = canonical.Hash(overrides); err != nil {
		return h, fmt.Errorf("snapshot.Components: overrides: %w", err)
	}
	return h, nil
}

// Apply copies the hashes onto run.
func (h ComponentHashes) Apply(run *domain.AnalysisRun) {
	run.RawTransactionHash = h.RawTransactions
	run.TransferLinksHash = h.TransferLinks
	run.EntitiesHash = h.Entities
	run.OverridesHash = h.Overrides
}

// BuildFinancialState assembles the outcome-only view of a run.
func BuildFinancialState(s State) (FinancialState, error) {
	txns := Transactions(s.Transactions, s.TransferLinks)
	rawHash, err := canonical.Hash(txns)
	if err != nil {
		return FinancialState{}, fmt.Errorf("snapshot.BuildFinancialState: %w", err)
	}
	return FinancialState{
		SchemaVersion:      s.Run.SchemaVersion,
		ConfigVersion:      s.Run.ConfigVersion,
		DealID:             s.Deal.ID,
		Currency:           s.Deal.Currency,
		RoleVersion:        s.Run.RoleVersion,
		MatchRuleVersion:   s.Run.MatchRuleVersion,
		RawTransactionHash: rawHash,
		Transactions:       txns,
		TransferLinks:      TransferLinks(s.TransferLinks),
		Entities:           Entities(s.Entities),
		TxnEntityMap:       Mappings(s.Mappings),
		Metrics:            MetricsOf(s.Run),
		Confidence:         ConfidenceOf(s.Run),
	}, nil
}

// FinancialStateHash hashes the outcome-only view. It never sees the
// override trail.
func FinancialStateHash(fs FinancialState) (string, error) {
	h, err := canonical.Hash(fs)
	if err != nil {
		return "", fmt.Errorf("snapshot.FinancialStateHash: %w", err)
	}
	return h, nil
}

// ProvenanceHash hashes the full payload, override trail included.
func ProvenanceHash(p Payload) (string, error) {
	h, err := canonical.Hash(p)
	if err != nil {
		return "", fmt.Errorf("snapshot.ProvenanceHash: %w", err)
	}
	return h, nil
}

// Build assembles the full payload for a run.
func Build(s State) (Payload, error) {
	fs, err := BuildFinancialState(s)
	if err != nil {
		return Payload{}, err
	}
	fsHash, err := FinancialStateHash(fs)
	if err != nil {
		return Payload{}, err
	}
	return Payload{
		FinancialState:     fs,
		FinancialStateHash: fsHash,
		OverridesApplied:   Overrides(s.Overrides),
	}, nil
}

// Canonicalize renders p canonically and returns the document with its
// provenance hash.
func Canonicalize(p Payload) (canonicalJSON string, sha256Hash string, err error) {
	b, err := canonical.Marshal(p)
	if err != nil {
		return "", "", fmt.Errorf("snapshot.Canonicalize: %w", err)
	}
	return string(b), canonical.HashBytes(b), nil
}

// Parse decodes a stored canonical document back into a payload.
func Parse(canonicalJSON string) (Payload, error) {
	var p Payload
	dec := json.NewDecoder(bytes.NewReader([]byte(canonicalJSON)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return Payload{}, fmt.Errorf("snapshot.Parse: %w", err)
	}
	return p, nil
}

// FinancialStateHashFromCanonicalJSON recomputes the financial-state hash
// of a stored snapshot. Collections are re-sorted before hashing so the
// result does not depend on stored order. Used to backfill old rows.
func FinancialStateHashFromCanonicalJSON(canonicalJSON string) (string, error) {
	p, err := Parse(canonicalJSON)
	if err != nil {
		return "", err
	}
	fs := p.FinancialState
	sortTransactions(fs.Transactions)
	sortLinks(fs.TransferLinks)
	sortEntities(fs.Entities)
	sortMappings(fs.TxnEntityMap)
	return FinancialStateHash(fs)
}

// Verify recomputes both hashes of a stored snapshot and checks them
// against the stored values and against the canonical form itself.
func Verify(s *domain.Snapshot) error {
	normalized, err := canonical.Normalize([]byte(s.CanonicalJSON))
	if err != nil {
		return fmt.Errorf("snapshot.Verify: %w", err)
	}
	if string(normalized) != s.CanonicalJSON {
		return fmt.Errorf("snapshot.Verify: snapshot %s: stored document is not canonical: %w", s.ID, domain.ErrHashCollision)
	}
	if got := canonical.HashBytes(normalized); got != s.SHA256Hash {
		return fmt.Errorf("snapshot.Verify: snapshot %s: sha256 %s does not match stored %s: %w", s.ID, got, s.SHA256Hash, domain.ErrHashCollision)
	}

	p, err := Parse(s.CanonicalJSON)
	if err != nil {
		return fmt.Errorf("snapshot.Verify: %w", err)
	}
	fsHash, err := FinancialStateHashFromCanonicalJSON(s.CanonicalJSON)
	if err != nil {
		return fmt.Errorf("snapshot.Verify: %w", err)
	}
	if fsHash != p.FinancialStateHash {
		return fmt.Errorf("snapshot.Verify: snapshot %s: embedded financial state hash is stale: %w", s.ID, domain.ErrHashCollision)
	}
	if s.FinancialStateHash != nil && *s.FinancialStateHash != fsHash {
		return fmt.Errorf("snapshot.Verify: snapshot %s: financial state hash mismatch: %w", s.ID, domain.ErrHashCollision)
	}
	return nil
}
