package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/dvloznov/deal-confidence/internal/domain"
	"github.com/dvloznov/deal-confidence/internal/ledger"
)

var now = func() time.Time { return time.Now().UTC() }

type statusChange struct {
	documentID string
	status     domain.DocumentStatus
	ingErr     *domain.IngestionError
}

// dealTx stages writes until commit. Reads see committed rows plus the
// transaction's own staged rows.
type dealTx struct {
	s    *Store
	deal *domain.Deal

	statuses  []statusChange
	txns      []domain.RawTransaction
	txnKeys   map[string]bool
	entities  []domain.Entity
	names     map[string]bool
	mappings  []domain.TxnEntityMap
	links     []domain.TransferLink
	linksSet  bool
	log       *ledger.Log
	overrides []domain.Override
	runs      []domain.AnalysisRun
	snapshots []domain.Snapshot
}

func newTx(s *Store, deal *domain.Deal) *dealTx {
	return &dealTx{
		s:       s,
		deal:    deal,
		txnKeys: make(map[string]bool),
		names:   make(map[string]bool),
	}
}

func (tx *dealTx) Deal() *domain.Deal {
	return copyDeal(tx.deal)
}

func (tx *dealTx) Documents(ctx context.Context) ([]*domain.Document, error) {
	tx.s.mu.RLock()
	docs := tx.s.documentsOf(tx.deal.ID)
	tx.s.mu.RUnlock()

	for _, ch := range tx.statuses {
		for _, d := range docs {
			if d.ID == ch.documentID {
				d.Status = ch.status
				d.Error = ch.ingErr
			}
		}
	}
	return docs, nil
}

func (tx *dealTx) SetDocumentStatus(ctx context.Context, documentID string, status domain.DocumentStatus, ingErr *domain.IngestionError) error {
	tx.s.mu.RLock()
	doc, ok := tx.s.documents[documentID]
	belongs := ok && doc.DealID == tx.deal.ID
	tx.s.mu.RUnlock()
	if !belongs {
		return fmt.Errorf("memory.SetDocumentStatus: document %s: %w", documentID, domain.ErrNotFound)
	}

	var e *domain.IngestionError
	if ingErr != nil {
		c := *ingErr
		e = &c
	}
	tx.statuses = append(tx.statuses, statusChange{documentID: documentID, status: status, ingErr: e})
	return nil
}

func (tx *dealTx) Transactions(ctx context.Context) ([]*domain.RawTransaction, error) {
	tx.s.mu.RLock()
	committed := tx.s.txns[tx.deal.ID]
	out := make([]*domain.RawTransaction, 0, len(committed)+len(tx.txns))
	for _, t := range committed {
		c := t
		out = append(out, &c)
	}
	tx.s.mu.RUnlock()

	for _, t := range tx.txns {
		c := t
		out = append(out, &c)
	}
	return out, nil
}

func txnKey(t *domain.RawTransaction) string {
	return t.DocumentID + "\x00" + t.TxnID
}

func (tx *dealTx) InsertTransactions(ctx context.Context, txns []*domain.RawTransaction) error {
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()

	for _, t := range txns {
		if t.DealID != tx.deal.ID {
			return fmt.Errorf("memory.InsertTransactions: txn %s belongs to deal %s: %w", t.TxnID, t.DealID, domain.ErrInvalidInput)
		}
		if t.SignedAmountCents == 0 {
			return fmt.Errorf("memory.InsertTransactions: txn %s: zero amount: %w", t.TxnID, domain.ErrInvalidInput)
		}
		doc, ok := tx.s.documents[t.DocumentID]
		if !ok || doc.DealID != tx.deal.ID {
			return fmt.Errorf("memory.InsertTransactions: document %s: %w", t.DocumentID, domain.ErrNotFound)
		}
		key := txnKey(t)
		if tx.s.txnKeys[key] || tx.txnKeys[key] {
			return fmt.Errorf("memory.InsertTransactions: duplicate txn_id %s in document %s: %w", t.TxnID, t.DocumentID, domain.ErrInvalidInput)
		}
		tx.txnKeys[key] = true
		tx.txns = append(tx.txns, *t)
	}
	return nil
}

func (tx *dealTx) Entities(ctx context.Context) ([]*domain.Entity, error) {
	tx.s.mu.RLock()
	out := make([]*domain.Entity, 0, len(tx.s.entities[tx.deal.ID])+len(tx.entities))
	for _, e := range tx.s.entities[tx.deal.ID] {
		out = append(out, copyEntity(e))
	}
	tx.s.mu.RUnlock()

	for _, e := range tx.entities {
		out = append(out, copyEntity(e))
	}
	return out, nil
}

func (tx *dealTx) InsertEntities(ctx context.Context, entities []*domain.Entity) error {
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()

	for _, e := range entities {
		key := tx.deal.ID + "\x00" + e.NormalizedName
		if tx.s.names[key] || tx.names[key] {
			return fmt.Errorf("memory.InsertEntities: entity %q exists: %w", e.NormalizedName, domain.ErrInvalidInput)
		}
		tx.names[key] = true
		tx.entities = append(tx.entities, *copyEntity(*e))
	}
	return nil
}

func (tx *dealTx) CurrentMappings(ctx context.Context, roleVersion string) ([]domain.TxnEntityMap, error) {
	tx.s.mu.RLock()
	rows := append([]domain.TxnEntityMap{}, tx.s.mappings[tx.deal.ID]...)
	tx.s.mu.RUnlock()
	rows = append(rows, tx.mappings...)

	latest := make(map[string]int)
	var order []string
	for i, m := range rows {
		if m.RoleVersion != roleVersion {
			continue
		}
		if _, seen := latest[m.TxnID]; !seen {
			order = append(order, m.TxnID)
		}
		latest[m.TxnID] = i
	}

	out := make([]domain.TxnEntityMap, 0, len(order))
	for _, id := range order {
		out = append(out, rows[latest[id]])
	}
	return out, nil
}

func (tx *dealTx) InsertMappings(ctx context.Context, rows []domain.TxnEntityMap) error {
	for _, m := range rows {
		if m.DealID != tx.deal.ID {
			return fmt.Errorf("memory.InsertMappings: mapping for txn %s belongs to deal %s: %w", m.TxnID, m.DealID, domain.ErrInvalidInput)
		}
		tx.mappings = append(tx.mappings, m)
	}
	return nil
}

func (tx *dealTx) TransferLinks(ctx context.Context) ([]domain.TransferLink, error) {
	if tx.linksSet {
		return append([]domain.TransferLink{}, tx.links...), nil
	}
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	return append([]domain.TransferLink{}, tx.s.links[tx.deal.ID]...), nil
}

func (tx *dealTx) ReplaceTransferLinks(ctx context.Context, links []domain.TransferLink) error {
	outs := make(map[string]bool, len(links))
	ins := make(map[string]bool, len(links))
	for _, l := range links {
		if outs[l.TxnOutID] || ins[l.TxnInID] {
			return fmt.Errorf("memory.ReplaceTransferLinks: transaction linked twice: %w", domain.ErrInvalidInput)
		}
		outs[l.TxnOutID] = true
		ins[l.TxnInID] = true
	}
	tx.links = append([]domain.TransferLink{}, links...)
	tx.linksSet = true
	return nil
}

func (tx *dealTx) overrideLog() *ledger.Log {
	if tx.log == nil {
		tx.s.mu.RLock()
		tx.log = ledger.NewLog(tx.s.overridesOf(tx.deal.ID))
		tx.s.mu.RUnlock()
	}
	return tx.log
}

func (tx *dealTx) Overrides(ctx context.Context) ([]*domain.Override, error) {
	entries := tx.overrideLog().Entries()
	out := make([]*domain.Override, 0, len(entries))
	for _, o := range entries {
		out = append(out, copyOverride(o))
	}
	return out, nil
}

func (tx *dealTx) AppendOverride(ctx context.Context, o *domain.Override) error {
	if o.DealID != tx.deal.ID {
		return fmt.Errorf("memory.AppendOverride: override belongs to deal %s: %w", o.DealID, domain.ErrInvalidInput)
	}
	stored := tx.overrideLog().Append(*copyOverride(*o))
	o.Seq = stored.Seq
	tx.overrides = append(tx.overrides, stored)
	return nil
}

func (tx *dealTx) InsertRun(ctx context.Context, run *domain.AnalysisRun) error {
	if run.DealID != tx.deal.ID {
		return fmt.Errorf("memory.InsertRun: run belongs to deal %s: %w", run.DealID, domain.ErrInvalidInput)
	}
	tx.runs = append(tx.runs, *copyRun(*run))
	return nil
}

func (tx *dealTx) LatestRun(ctx context.Context) (*domain.AnalysisRun, error) {
	if n := len(tx.runs); n > 0 {
		return copyRun(tx.runs[n-1]), nil
	}
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	runs := tx.s.runs[tx.deal.ID]
	if len(runs) == 0 {
		return nil, fmt.Errorf("memory.LatestRun: deal %s has no runs: %w", tx.deal.ID, domain.ErrNotFound)
	}
	return copyRun(runs[len(runs)-1]), nil
}

func (tx *dealTx) PutSnapshot(ctx context.Context, sn *domain.Snapshot) (*domain.Snapshot, error) {
	existing := func(cand domain.Snapshot) (*domain.Snapshot, error) {
		if cand.CanonicalJSON != sn.CanonicalJSON {
			return nil, fmt.Errorf("memory.PutSnapshot: hash %s: %w", sn.SHA256Hash, domain.ErrHashCollision)
		}
		return copySnapshot(cand), nil
	}

	for _, staged := range tx.snapshots {
		if staged.SHA256Hash == sn.SHA256Hash {
			return existing(staged)
		}
	}
	tx.s.mu.RLock()
	i, ok := tx.s.snapshotByHash[sn.SHA256Hash]
	var committed domain.Snapshot
	if ok {
		committed = tx.s.snapshots[i]
	}
	tx.s.mu.RUnlock()
	if ok {
		return existing(committed)
	}

	if sn.DealID != tx.deal.ID {
		return nil, fmt.Errorf("memory.PutSnapshot: snapshot belongs to deal %s: %w", sn.DealID, domain.ErrInvalidInput)
	}
	stored := *copySnapshot(*sn)
	tx.snapshots = append(tx.snapshots, stored)
	return copySnapshot(stored), nil
}

func (tx *dealTx) commit() error {
	s := tx.s
	s.mu.Lock()
	defer s.mu.Unlock()

	dealID := tx.deal.ID

	// Every check runs before the first write so a failed commit leaves
	// the store untouched.
	docs := make([]*domain.Document, len(tx.statuses))
	for i, ch := range tx.statuses {
		doc, ok := s.documents[ch.documentID]
		if !ok || doc.DealID != dealID {
			return fmt.Errorf("memory.commit: document %s: %w", ch.documentID, domain.ErrNotFound)
		}
		docs[i] = doc
	}

	for i, ch := range tx.statuses {
		applyDocumentStatus(docs[i], ch.status, ch.ingErr)
	}
	s.txns[dealID] = append(s.txns[dealID], tx.txns...)
	for k := range tx.txnKeys {
		s.txnKeys[k] = true
	}
	s.entities[dealID] = append(s.entities[dealID], tx.entities...)
	for k := range tx.names {
		s.names[k] = true
	}
	s.mappings[dealID] = append(s.mappings[dealID], tx.mappings...)
	if tx.linksSet {
		s.links[dealID] = tx.links
	}
	if len(tx.overrides) > 0 {
		log, ok := s.overrides[dealID]
		if !ok {
			log = ledger.NewLog(nil)
			s.overrides[dealID] = log
		}
		for _, o := range tx.overrides {
			log.Append(o)
		}
	}
	s.runs[dealID] = append(s.runs[dealID], tx.runs...)
	for _, sn := range tx.snapshots {
		s.snapshots = append(s.snapshots, sn)
		s.snapshotByID[sn.ID] = len(s.snapshots) - 1
		s.snapshotByHash[sn.SHA256Hash] = len(s.snapshots) - 1
	}
	return nil
}
