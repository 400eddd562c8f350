// Package pipeline runs one full analysis of a deal: every trigger
// recomputes over the deal's whole transaction set inside a single store
// transaction and writes one immutable AnalysisRun.
package pipeline

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/dvloznov/deal-confidence/internal/classify"
	"github.com/dvloznov/deal-confidence/internal/config"
	"github.com/dvloznov/deal-confidence/internal/domain"
	"github.com/dvloznov/deal-confidence/internal/logger"
	"github.com/dvloznov/deal-confidence/internal/scoring"
	"github.com/dvloznov/deal-confidence/internal/store"
	"github.com/dvloznov/deal-confidence/internal/transfer"
)

// Pipeline executes a sequence of steps in order.
type Pipeline struct {
	steps []PipelineStep
}

// NewPipeline creates a new pipeline with the given steps.
func NewPipeline(steps ...PipelineStep) *Pipeline {
	return &Pipeline{steps: steps}
}

// Execute runs all steps sequentially and stops at the first failure.
func (p *Pipeline) Execute(ctx context.Context, state *PipelineState) error {
	log := logger.FromContext(ctx)
	for i, step := range p.steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		start := time.Now()
		if err := step.Execute(ctx, state); err != nil {
			return fmt.Errorf("pipeline step %d (%s) failed: %w", i+1, step.Name(), err)
		}
		log.Debug().Str("step", step.Name()).Dur("elapsed", time.Since(start)).Msg("pipeline step done")
	}
	return nil
}

// RunRequest describes one recomputation.
type RunRequest struct {
	Trigger  domain.RunTrigger
	Actor    string
	Snapshot bool
}

// RunResult is what a run produced.
type RunResult struct {
	Run      *domain.AnalysisRun
	Snapshot *domain.Snapshot

	// Entities and TxnEntityMap are the deal's entities and the effective
	// mapping the run scored.
	Entities     []*domain.Entity
	TxnEntityMap []domain.TxnEntityMap
}

// Engine builds and runs analysis pipelines for one engine configuration.
// It holds no per-deal state and is safe for concurrent use.
type Engine struct {
	rules         classify.RuleSet
	matcher       transfer.Policy
	policy        scoring.Policy
	configVersion string
	log           zerolog.Logger
	now           func() time.Time
}

// NewEngine validates cfg and resolves its rule versions.
func NewEngine(cfg config.EngineConfig, log zerolog.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("pipeline.NewEngine: %w", err)
	}
	rules, err := classify.Lookup(cfg.RoleVersion)
	if err != nil {
		return nil, fmt.Errorf("pipeline.NewEngine: %w", err)
	}
	matcher, err := transfer.NewPolicy(cfg.MatchRuleVersion, cfg.TransferParams())
	if err != nil {
		return nil, fmt.Errorf("pipeline.NewEngine: %w", err)
	}
	configVersion, err := cfg.ConfigVersion()
	if err != nil {
		return nil, fmt.Errorf("pipeline.NewEngine: %w", err)
	}
	return &Engine{
		rules:         rules,
		matcher:       matcher,
		policy:        cfg.ScoringPolicy(),
		configVersion: configVersion,
		log:           log,
		now:           func() time.Time { return time.Now().UTC() },
	}, nil
}

// ConfigVersion is the version stamped on every run.
func (e *Engine) ConfigVersion() string { return e.configVersion }

// RoleVersion is the active classification rule version.
func (e *Engine) RoleVersion() string { return e.rules.Version() }

// MatchRuleVersion is the active transfer matching policy version.
func (e *Engine) MatchRuleVersion() string { return e.matcher.Version() }

// NewAnalysisPipeline creates the standard analysis pipeline.
func (e *Engine) NewAnalysisPipeline(withSnapshot bool) *Pipeline {
	steps := []PipelineStep{
		&LoadInputsStep{},
		&MatchTransfersStep{Policy: e.matcher},
		&ResolveEntitiesStep{},
		&ClassifyStep{Rules: e.rules},
		&ApplyOverridesStep{},
		&ScoreStep{Policy: e.policy},
		&HashInputsStep{},
		&PersistRunStep{
			ConfigVersion:    e.configVersion,
			RoleVersion:      e.rules.Version(),
			MatchRuleVersion: e.matcher.Version(),
		},
	}
	if withSnapshot {
		steps = append(steps, &SnapshotStep{})
	}
	return NewPipeline(steps...)
}

// RunInTx runs the analysis inside an already open deal transaction.
func (e *Engine) RunInTx(ctx context.Context, tx store.DealTx, req RunRequest) (*RunResult, error) {
	if !req.Trigger.Valid() {
		return nil, fmt.Errorf("pipeline.Run: trigger %q: %w", req.Trigger, domain.ErrInvalidInput)
	}
	deal := tx.Deal()
	log := logger.ForDeal(e.log, deal.ID).With().Str("trigger", string(req.Trigger)).Logger()
	ctx = logger.WithContext(ctx, log)

	actor := req.Actor
	if actor == "" {
		actor = deal.CreatedBy
	}
	state := &PipelineState{
		Tx:      tx,
		Deal:    deal,
		Trigger: req.Trigger,
		Actor:   actor,
		Now:     e.now(),
	}
	if err := e.NewAnalysisPipeline(req.Snapshot).Execute(ctx, state); err != nil {
		return nil, fmt.Errorf("pipeline.Run: deal %s: %w", deal.ID, err)
	}

	log.Info().
		Str("run_id", state.Run.ID).
		Int64("final_confidence_bp", state.Run.FinalConfidenceBP).
		Str("tier", string(state.Run.Tier)).
		Bool("tier_capped", state.Run.TierCapped).
		Int("transactions", len(state.Transactions)).
		Msg("analysis run persisted")
	return &RunResult{
		Run:          state.Run,
		Snapshot:     state.Snapshot,
		Entities:     state.Entities,
		TxnEntityMap: state.Effective,
	}, nil
}

// Run opens the deal's transaction and runs the analysis in it.
func (e *Engine) Run(ctx context.Context, repo store.Repository, dealID string, req RunRequest) (*RunResult, error) {
	var res *RunResult
	err := repo.WithinDeal(ctx, dealID, func(ctx context.Context, tx store.DealTx) error {
		var err error
		res, err = e.RunInTx(ctx, tx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func sortTransactions(txns []*domain.RawTransaction) {
	sort.Slice(txns, func(i, j int) bool {
		a, b := txns[i], txns[j]
		if a.TxnDate != b.TxnDate {
			return a.TxnDate < b.TxnDate
		}
		if a.DocumentID != b.DocumentID {
			return a.DocumentID < b.DocumentID
		}
		if a.TxnID != b.TxnID {
			return a.TxnID < b.TxnID
		}
		return a.ID < b.ID
	})
}
