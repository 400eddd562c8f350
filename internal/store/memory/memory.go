// Package memory is an in-process store.Repository. Insert-only rows live
// in write-once arenas; every read returns copies so callers can never
// mutate stored state.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/dvloznov/deal-confidence/internal/domain"
	"github.com/dvloznov/deal-confidence/internal/ledger"
	"github.com/dvloznov/deal-confidence/internal/store"
)

// Store is safe for concurrent use. WithinDeal serializes per deal; other
// deals proceed in parallel.
type Store struct {
	mu sync.RWMutex

	deals     map[string]*domain.Deal
	documents map[string]*domain.Document

	txns      map[string][]domain.RawTransaction
	txnKeys   map[string]bool
	entities  map[string][]domain.Entity
	names     map[string]bool
	mappings  map[string][]domain.TxnEntityMap
	links     map[string][]domain.TransferLink
	overrides map[string]*ledger.Log
	runs      map[string][]domain.AnalysisRun

	snapshots      []domain.Snapshot
	snapshotByID   map[string]int
	snapshotByHash map[string]int

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// New creates an empty store.
func New() *Store {
	return &Store{
		deals:          make(map[string]*domain.Deal),
		documents:      make(map[string]*domain.Document),
		txns:           make(map[string][]domain.RawTransaction),
		txnKeys:        make(map[string]bool),
		entities:       make(map[string][]domain.Entity),
		names:          make(map[string]bool),
		mappings:       make(map[string][]domain.TxnEntityMap),
		links:          make(map[string][]domain.TransferLink),
		overrides:      make(map[string]*ledger.Log),
		runs:           make(map[string][]domain.AnalysisRun),
		snapshotByID:   make(map[string]int),
		snapshotByHash: make(map[string]int),
		locks:          make(map[string]*sync.Mutex),
	}
}

// Close implements store.Repository.
func (s *Store) Close() error { return nil }

func copyDeal(d *domain.Deal) *domain.Deal {
	c := *d
	if d.AccrualRevenueCents != nil {
		v := *d.AccrualRevenueCents
		c.AccrualRevenueCents = &v
	}
	if d.AccrualPeriodStart != nil {
		v := *d.AccrualPeriodStart
		c.AccrualPeriodStart = &v
	}
	if d.AccrualPeriodEnd != nil {
		v := *d.AccrualPeriodEnd
		c.AccrualPeriodEnd = &v
	}
	return &c
}

func copyDocument(d *domain.Document) *domain.Document {
	c := *d
	if d.Error != nil {
		e := *d.Error
		c.Error = &e
	}
	return &c
}

func copyEntity(e domain.Entity) *domain.Entity {
	e.StrongIdentifiers = append([]string{}, e.StrongIdentifiers...)
	return &e
}

func copyRun(r domain.AnalysisRun) *domain.AnalysisRun {
	r.TierCapReasons = append([]string{}, r.TierCapReasons...)
	if r.ReconciliationPctBP != nil {
		v := *r.ReconciliationPctBP
		r.ReconciliationPctBP = &v
	}
	return &r
}

func copySnapshot(sn domain.Snapshot) *domain.Snapshot {
	if sn.FinancialStateHash != nil {
		v := *sn.FinancialStateHash
		sn.FinancialStateHash = &v
	}
	return &sn
}

func copyOverride(o domain.Override) *domain.Override {
	if o.OldValue != nil {
		v := *o.OldValue
		o.OldValue = &v
	}
	return &o
}

// CreateDeal implements store.Repository.
func (s *Store) CreateDeal(ctx context.Context, deal *domain.Deal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.deals[deal.ID]; exists {
		return fmt.Errorf("memory.CreateDeal: deal %s already exists: %w", deal.ID, domain.ErrInvalidInput)
	}
	s.deals[deal.ID] = copyDeal(deal)
	return nil
}

// ownedDeal must be called with s.mu held.
func (s *Store) ownedDeal(owner, dealID string) (*domain.Deal, error) {
	d, ok := s.deals[dealID]
	if !ok || d.CreatedBy != owner {
		return nil, fmt.Errorf("deal %s: %w", dealID, domain.ErrNotFound)
	}
	return d, nil
}

// GetDeal implements store.Repository.
func (s *Store) GetDeal(ctx context.Context, owner, dealID string) (*domain.Deal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, err := s.ownedDeal(owner, dealID)
	if err != nil {
		return nil, fmt.Errorf("memory.GetDeal: %w", err)
	}
	return copyDeal(d), nil
}

// ListDeals implements store.Repository.
func (s *Store) ListDeals(ctx context.Context, owner string) ([]*domain.Deal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []*domain.Deal{}
	for _, d := range s.deals {
		if d.CreatedBy == owner {
			out = append(out, copyDeal(d))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// ListDealRefs implements store.Repository.
func (s *Store) ListDealRefs(ctx context.Context) ([]store.DealRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]store.DealRef, 0, len(s.deals))
	for _, d := range s.deals {
		out = append(out, store.DealRef{ID: d.ID, CreatedBy: d.CreatedBy})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// CreateDocument implements store.Repository.
func (s *Store) CreateDocument(ctx context.Context, doc *domain.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.deals[doc.DealID]
	if !ok || d.CreatedBy != doc.CreatedBy {
		return fmt.Errorf("memory.CreateDocument: deal %s: %w", doc.DealID, domain.ErrNotFound)
	}
	if _, exists := s.documents[doc.ID]; exists {
		return fmt.Errorf("memory.CreateDocument: document %s already exists: %w", doc.ID, domain.ErrInvalidInput)
	}
	s.documents[doc.ID] = copyDocument(doc)
	return nil
}

// GetDocument implements store.Repository.
func (s *Store) GetDocument(ctx context.Context, owner, documentID string) (*domain.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.documents[documentID]
	if !ok {
		return nil, fmt.Errorf("memory.GetDocument: document %s: %w", documentID, domain.ErrNotFound)
	}
	if _, err := s.ownedDeal(owner, doc.DealID); err != nil {
		return nil, fmt.Errorf("memory.GetDocument: document %s: %w", documentID, domain.ErrNotFound)
	}
	return copyDocument(doc), nil
}

// ListDocuments implements store.Repository.
func (s *Store) ListDocuments(ctx context.Context, owner, dealID string) ([]*domain.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, err := s.ownedDeal(owner, dealID); err != nil {
		return nil, fmt.Errorf("memory.ListDocuments: %w", err)
	}
	return s.documentsOf(dealID), nil
}

func (s *Store) documentsOf(dealID string) []*domain.Document {
	out := []*domain.Document{}
	for _, doc := range s.documents {
		if doc.DealID == dealID {
			out = append(out, copyDocument(doc))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// UpdateDocumentStatus implements store.Repository.
func (s *Store) UpdateDocumentStatus(ctx context.Context, documentID string, status domain.DocumentStatus, ingErr *domain.IngestionError) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setDocumentStatus(documentID, status, ingErr)
}

func (s *Store) setDocumentStatus(documentID string, status domain.DocumentStatus, ingErr *domain.IngestionError) error {
	doc, ok := s.documents[documentID]
	if !ok {
		return fmt.Errorf("memory.UpdateDocumentStatus: document %s: %w", documentID, domain.ErrNotFound)
	}
	applyDocumentStatus(doc, status, ingErr)
	return nil
}

func applyDocumentStatus(doc *domain.Document, status domain.DocumentStatus, ingErr *domain.IngestionError) {
	doc.Status = status
	doc.Error = nil
	if ingErr != nil {
		e := *ingErr
		doc.Error = &e
	}
	doc.UpdatedAt = now()
}

// ListOverrides implements store.Repository.
func (s *Store) ListOverrides(ctx context.Context, owner, dealID string) ([]*domain.Override, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, err := s.ownedDeal(owner, dealID); err != nil {
		return nil, fmt.Errorf("memory.ListOverrides: %w", err)
	}
	return s.overridesOf(dealID), nil
}

func (s *Store) overridesOf(dealID string) []*domain.Override {
	out := []*domain.Override{}
	if log, ok := s.overrides[dealID]; ok {
		for _, o := range log.Entries() {
			out = append(out, copyOverride(o))
		}
	}
	return out
}

// ListEntities implements store.Repository.
func (s *Store) ListEntities(ctx context.Context, owner, dealID string) ([]*domain.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, err := s.ownedDeal(owner, dealID); err != nil {
		return nil, fmt.Errorf("memory.ListEntities: %w", err)
	}
	out := []*domain.Entity{}
	for _, e := range s.entities[dealID] {
		out = append(out, copyEntity(e))
	}
	return out, nil
}

// ListMappings implements store.Repository.
func (s *Store) ListMappings(ctx context.Context, owner, dealID string) ([]domain.TxnEntityMap, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, err := s.ownedDeal(owner, dealID); err != nil {
		return nil, fmt.Errorf("memory.ListMappings: %w", err)
	}
	return append([]domain.TxnEntityMap{}, s.mappings[dealID]...), nil
}

// ListRuns implements store.Repository.
func (s *Store) ListRuns(ctx context.Context, owner, dealID string) ([]*domain.AnalysisRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, err := s.ownedDeal(owner, dealID); err != nil {
		return nil, fmt.Errorf("memory.ListRuns: %w", err)
	}
	out := []*domain.AnalysisRun{}
	for _, r := range s.runs[dealID] {
		out = append(out, copyRun(r))
	}
	return out, nil
}

// GetLatestRun implements store.Repository.
func (s *Store) GetLatestRun(ctx context.Context, owner, dealID string) (*domain.AnalysisRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, err := s.ownedDeal(owner, dealID); err != nil {
		return nil, fmt.Errorf("memory.GetLatestRun: %w", err)
	}
	runs := s.runs[dealID]
	if len(runs) == 0 {
		return nil, fmt.Errorf("memory.GetLatestRun: deal %s has no runs: %w", dealID, domain.ErrNotFound)
	}
	return copyRun(runs[len(runs)-1]), nil
}

// ListSnapshots implements store.Repository.
func (s *Store) ListSnapshots(ctx context.Context, owner, dealID string) ([]*domain.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, err := s.ownedDeal(owner, dealID); err != nil {
		return nil, fmt.Errorf("memory.ListSnapshots: %w", err)
	}
	out := []*domain.Snapshot{}
	for _, sn := range s.snapshots {
		if sn.DealID == dealID {
			out = append(out, copySnapshot(sn))
		}
	}
	return out, nil
}

// GetSnapshot implements store.Repository.
func (s *Store) GetSnapshot(ctx context.Context, owner, snapshotID string) (*domain.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i, ok := s.snapshotByID[snapshotID]
	if !ok {
		return nil, fmt.Errorf("memory.GetSnapshot: snapshot %s: %w", snapshotID, domain.ErrNotFound)
	}
	if _, err := s.ownedDeal(owner, s.snapshots[i].DealID); err != nil {
		return nil, fmt.Errorf("memory.GetSnapshot: snapshot %s: %w", snapshotID, domain.ErrNotFound)
	}
	return copySnapshot(s.snapshots[i]), nil
}

// ListSnapshotsMissingFinancialHash implements store.Repository.
func (s *Store) ListSnapshotsMissingFinancialHash(ctx context.Context, limit int) ([]*domain.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []*domain.Snapshot{}
	for _, sn := range s.snapshots {
		if limit > 0 && len(out) >= limit {
			break
		}
		if sn.FinancialStateHash == nil {
			out = append(out, copySnapshot(sn))
		}
	}
	return out, nil
}

// BackfillFinancialStateHash implements store.Repository.
func (s *Store) BackfillFinancialStateHash(ctx context.Context, snapshotID, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.snapshotByID[snapshotID]
	if !ok {
		return fmt.Errorf("memory.BackfillFinancialStateHash: snapshot %s: %w", snapshotID, domain.ErrNotFound)
	}
	if cur := s.snapshots[i].FinancialStateHash; cur != nil {
		if *cur == hash {
			return nil
		}
		return fmt.Errorf("memory.BackfillFinancialStateHash: snapshot %s already has a financial state hash: %w", snapshotID, domain.ErrImmutable)
	}
	h := hash
	s.snapshots[i].FinancialStateHash = &h
	return nil
}

func (s *Store) dealLock(dealID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	l, ok := s.locks[dealID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[dealID] = l
	}
	return l
}

// WithinDeal implements store.Repository. Writes are staged on the
// transaction and applied atomically when fn returns nil.
func (s *Store) WithinDeal(ctx context.Context, dealID string, fn func(ctx context.Context, tx store.DealTx) error) error {
	lock := s.dealLock(dealID)
	lock.Lock()
	defer lock.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.RLock()
	d, ok := s.deals[dealID]
	var deal *domain.Deal
	if ok {
		deal = copyDeal(d)
	}
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("memory.WithinDeal: deal %s: %w", dealID, domain.ErrNotFound)
	}

	tx := newTx(s, deal)
	if err := fn(ctx, tx); err != nil {
		return err
	}
	return tx.commit()
}

var (
	_ store.Repository = (*Store)(nil)
	_ store.DealTx     = (*dealTx)(nil)
)
