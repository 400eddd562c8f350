package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dvloznov/deal-confidence/internal/classify"
	"github.com/dvloznov/deal-confidence/internal/domain"
	"github.com/dvloznov/deal-confidence/internal/entity"
	"github.com/dvloznov/deal-confidence/internal/ledger"
	"github.com/dvloznov/deal-confidence/internal/scoring"
	"github.com/dvloznov/deal-confidence/internal/snapshot"
	"github.com/dvloznov/deal-confidence/internal/store"
	"github.com/dvloznov/deal-confidence/internal/transfer"
)

// PipelineStep represents a single step of an analysis run.
type PipelineStep interface {
	Name() string
	Execute(ctx context.Context, state *PipelineState) error
}

// PipelineState holds the shared state across all steps of one run. Every
// read and write goes through Tx, so the run sees one consistent input set.
type PipelineState struct {
	Tx      store.DealTx
	Deal    *domain.Deal
	Trigger domain.RunTrigger
	Actor   string
	Now     time.Time

	Transactions []*domain.RawTransaction
	Links        []domain.TransferLink
	Linked       map[string]bool
	Entities     []*domain.Entity
	Resolver     *entity.Resolver
	TxnEntity    map[string]*domain.Entity
	Mappings     map[string]domain.TxnEntityMap
	Overrides    *ledger.Log

	Effective []domain.TxnEntityMap
	Lines     []scoring.Line
	Score     scoring.Result
	Hashes    snapshot.ComponentHashes

	Run      *domain.AnalysisRun
	Snapshot *domain.Snapshot
}

// LoadInputsStep reads transactions, entities and the override ledger.
type LoadInputsStep struct{}

func (s *LoadInputsStep) Name() string { return "load_inputs" }

func (s *LoadInputsStep) Execute(ctx context.Context, state *PipelineState) error {
	txns, err := state.Tx.Transactions(ctx)
	if err != nil {
		return fmt.Errorf("loading transactions: %w", err)
	}
	sortTransactions(txns)
	state.Transactions = txns

	entities, err := state.Tx.Entities(ctx)
	if err != nil {
		return fmt.Errorf("loading entities: %w", err)
	}
	state.Entities = entities

	overrides, err := state.Tx.Overrides(ctx)
	if err != nil {
		return fmt.Errorf("loading overrides: %w", err)
	}
	state.Overrides = ledger.NewLog(overrides)
	return nil
}

// MatchTransfersStep pairs internal transfers with the configured policy.
// Stored links are only replaced when the pairing changed.
type MatchTransfersStep struct {
	Policy transfer.Policy
}

func (s *MatchTransfersStep) Name() string { return "match_transfers" }

func (s *MatchTransfersStep) Execute(ctx context.Context, state *PipelineState) error {
	links, err := s.Policy.Match(state.Transactions)
	if err != nil {
		return err
	}

	stored, err := state.Tx.TransferLinks(ctx)
	if err != nil {
		return fmt.Errorf("loading transfer links: %w", err)
	}
	if sameLinks(stored, links) {
		state.Links = stored
	} else {
		for i := range links {
			links[i].ID = uuid.NewString()
			links[i].DealID = state.Deal.ID
		}
		if err := state.Tx.ReplaceTransferLinks(ctx, links); err != nil {
			return fmt.Errorf("storing transfer links: %w", err)
		}
		state.Links = links
	}
	state.Linked = transfer.Linked(state.Links)
	return nil
}

func sameLinks(a, b []domain.TransferLink) bool {
	if len(a) != len(b) {
		return false
	}
	type pair struct{ out, in, version string }
	seen := make(map[pair]domain.Cents, len(a))
	for _, l := range a {
		seen[pair{l.TxnOutID, l.TxnInID, l.MatchRuleVersion}] = l.AbsAmountCents
	}
	for _, l := range b {
		amt, ok := seen[pair{l.TxnOutID, l.TxnInID, l.MatchRuleVersion}]
		if !ok || amt != l.AbsAmountCents {
			return false
		}
	}
	return true
}

// ResolveEntitiesStep maps every transaction to its canonical entity and
// stores entities seen for the first time.
type ResolveEntitiesStep struct{}

func (s *ResolveEntitiesStep) Name() string { return "resolve_entities" }

func (s *ResolveEntitiesStep) Execute(ctx context.Context, state *PipelineState) error {
	state.Resolver = entity.NewResolver(state.Deal.ID, state.Entities)
	state.TxnEntity = make(map[string]*domain.Entity, len(state.Transactions))
	for _, t := range state.Transactions {
		ids := entity.ExtractStrongIdentifiers(t.RawDescriptor)
		state.TxnEntity[t.ID] = state.Resolver.Resolve(t.RawDescriptor, ids)
	}

	created := state.Resolver.Created()
	if len(created) == 0 {
		return nil
	}
	if err := state.Tx.InsertEntities(ctx, created); err != nil {
		return fmt.Errorf("storing entities: %w", err)
	}
	state.Entities = append(state.Entities, created...)
	return nil
}

// ClassifyStep assigns each transaction a role under one rule version and
// appends a mapping row wherever the outcome differs from the current one.
type ClassifyStep struct {
	Rules classify.RuleSet
}

func (s *ClassifyStep) Name() string { return "classify" }

func (s *ClassifyStep) Execute(ctx context.Context, state *PipelineState) error {
	version := s.Rules.Version()
	current, err := state.Tx.CurrentMappings(ctx, version)
	if err != nil {
		return fmt.Errorf("loading mappings: %w", err)
	}
	byTxn := make(map[string]domain.TxnEntityMap, len(current))
	for _, m := range current {
		byTxn[m.TxnID] = m
	}

	state.Mappings = make(map[string]domain.TxnEntityMap, len(state.Transactions))
	var fresh []domain.TxnEntityMap
	for _, t := range state.Transactions {
		e := state.TxnEntity[t.ID]
		role := s.Rules.Classify(classify.Input{Transaction: t, Entity: e, IsTransfer: state.Linked[t.ID]})

		m, ok := byTxn[t.ID]
		if !ok || m.EntityID != e.ID || m.Role != role {
			m = domain.TxnEntityMap{
				DealID:      state.Deal.ID,
				TxnID:       t.ID,
				EntityID:    e.ID,
				Role:        role,
				RoleVersion: version,
				CreatedAt:   state.Now,
			}
			fresh = append(fresh, m)
		}
		state.Mappings[t.ID] = m
	}

	if len(fresh) == 0 {
		return nil
	}
	if err := state.Tx.InsertMappings(ctx, fresh); err != nil {
		return fmt.Errorf("storing mappings: %w", err)
	}
	return nil
}

// ApplyOverridesStep folds the latest correction per entity and field onto
// the classifier output and builds the scorer's lines.
type ApplyOverridesStep struct{}

func (s *ApplyOverridesStep) Name() string { return "apply_overrides" }

func (s *ApplyOverridesStep) Execute(ctx context.Context, state *PipelineState) error {
	known := make(map[string]bool, len(state.Entities))
	for _, e := range state.Entities {
		known[e.ID] = true
	}
	ov := newOverlay(state.Overrides, known)

	state.Effective = make([]domain.TxnEntityMap, 0, len(state.Transactions))
	state.Lines = make([]scoring.Line, 0, len(state.Transactions))
	for _, t := range state.Transactions {
		m := state.Mappings[t.ID]
		isTransfer := state.Linked[t.ID]

		entityID := ov.entity(m.EntityID)
		role := m.Role
		if !isTransfer {
			role = ov.role(m.EntityID, entityID, role)
		}

		state.Effective = append(state.Effective, domain.TxnEntityMap{
			DealID:      state.Deal.ID,
			TxnID:       t.ID,
			EntityID:    entityID,
			Role:        role,
			RoleVersion: m.RoleVersion,
		})
		state.Lines = append(state.Lines, scoring.Line{
			TxnID:             t.ID,
			DocumentID:        t.DocumentID,
			AccountID:         t.AccountID,
			TxnDate:           t.TxnDate,
			SignedAmountCents: t.SignedAmountCents,
			IsTransfer:        isTransfer,
			Role:              role,
			EntityID:          entityID,
		})
	}
	return nil
}

// ScoreStep runs the confidence scorer.
type ScoreStep struct {
	Policy scoring.Policy
}

func (s *ScoreStep) Name() string { return "score" }

func (s *ScoreStep) Execute(ctx context.Context, state *PipelineState) error {
	res, err := scoring.Score(scoring.Input{
		Lines:     state.Lines,
		Overrides: state.Overrides,
		Accrual:   scoring.AccrualFromDeal(state.Deal),
	}, s.Policy)
	if err != nil {
		return err
	}
	state.Score = res
	return nil
}

// HashInputsStep computes the four component hashes.
type HashInputsStep struct{}

func (s *HashInputsStep) Name() string { return "hash_inputs" }

func (s *HashInputsStep) Execute(ctx context.Context, state *PipelineState) error {
	h, err := snapshot.Components(
		snapshot.Transactions(state.Transactions, state.Links),
		snapshot.TransferLinks(state.Links),
		snapshot.Entities(state.Entities),
		snapshot.Overrides(state.Overrides.Entries()),
	)
	if err != nil {
		return err
	}
	state.Hashes = h
	return nil
}

// PersistRunStep writes the immutable AnalysisRun row.
type PersistRunStep struct {
	ConfigVersion    string
	RoleVersion      string
	MatchRuleVersion string
}

func (s *PersistRunStep) Name() string { return "persist_run" }

func (s *PersistRunStep) Execute(ctx context.Context, state *PipelineState) error {
	run := &domain.AnalysisRun{
		ID:               uuid.NewString(),
		DealID:           state.Deal.ID,
		RunTrigger:       state.Trigger,
		SchemaVersion:    SchemaVersion,
		ConfigVersion:    s.ConfigVersion,
		RoleVersion:      s.RoleVersion,
		MatchRuleVersion: s.MatchRuleVersion,
		CreatedBy:        state.Actor,
		CreatedAt:        state.Now,
	}
	state.Score.Apply(run)
	state.Hashes.Apply(run)

	if err := state.Tx.InsertRun(ctx, run); err != nil {
		return fmt.Errorf("storing run: %w", err)
	}
	state.Run = run
	return nil
}

// SnapshotStep canonicalizes the run state and stores the snapshot. An
// identical earlier snapshot is reused.
type SnapshotStep struct{}

func (s *SnapshotStep) Name() string { return "snapshot" }

func (s *SnapshotStep) Execute(ctx context.Context, state *PipelineState) error {
	payload, err := snapshot.Build(snapshot.State{
		Deal:          state.Deal,
		Run:           state.Run,
		Transactions:  state.Transactions,
		TransferLinks: state.Links,
		Entities:      state.Entities,
		Mappings:      state.Effective,
		Overrides:     state.Overrides.Entries(),
	})
	if err != nil {
		return err
	}
	canonicalJSON, sha, err := snapshot.Canonicalize(payload)
	if err != nil {
		return err
	}

	fsHash := payload.FinancialStateHash
	stored, err := state.Tx.PutSnapshot(ctx, &domain.Snapshot{
		ID:                 uuid.NewString(),
		DealID:             state.Deal.ID,
		AnalysisRunID:      state.Run.ID,
		SchemaVersion:      state.Run.SchemaVersion,
		ConfigVersion:      state.Run.ConfigVersion,
		CanonicalJSON:      canonicalJSON,
		SHA256Hash:         sha,
		FinancialStateHash: &fsHash,
		CreatedBy:          state.Actor,
		CreatedAt:          state.Now,
	})
	if err != nil {
		return fmt.Errorf("storing snapshot: %w", err)
	}
	state.Snapshot = stored
	return nil
}
