package deals

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dvloznov/deal-confidence/internal/domain"
	"github.com/dvloznov/deal-confidence/internal/jobs"
	"github.com/dvloznov/deal-confidence/internal/pipeline"
	"github.com/dvloznov/deal-confidence/internal/store"
)

// RequestRerun publishes a manual_rerun recomputation and returns its job ID.
func (s *Service) RequestRerun(ctx context.Context, owner, dealID string) (string, error) {
	if _, err := s.repo.GetDeal(ctx, owner, dealID); err != nil {
		return "", fmt.Errorf("deals.RequestRerun: %w", err)
	}
	if s.publisher == nil {
		return "", fmt.Errorf("deals.RequestRerun: no job queue: %w", domain.ErrQueueClosed)
	}
	job := &jobs.RecomputeJob{DealID: dealID, Owner: owner, Trigger: domain.TriggerManualRerun}
	if err := s.publisher.PublishRecompute(ctx, job); err != nil {
		return "", fmt.Errorf("deals.RequestRerun: %w", err)
	}
	return job.JobID, nil
}

// Rerun recomputes a deal synchronously.
func (s *Service) Rerun(ctx context.Context, owner, dealID string, trigger domain.RunTrigger) (*pipeline.RunResult, error) {
	if _, err := s.repo.GetDeal(ctx, owner, dealID); err != nil {
		return nil, fmt.Errorf("deals.Rerun: %w", err)
	}
	res, err := s.recompute(ctx, dealID, pipeline.RunRequest{Trigger: trigger, Actor: owner})
	if err != nil {
		return nil, fmt.Errorf("deals.Rerun: %w", err)
	}
	return res, nil
}

// HandleRecompute is the job handler of the recomputation queue.
func (s *Service) HandleRecompute(ctx context.Context, job *jobs.RecomputeJob) error {
	if job.Owner != "" {
		if _, err := s.repo.GetDeal(ctx, job.Owner, job.DealID); err != nil {
			return fmt.Errorf("deals.HandleRecompute: %w", err)
		}
	}
	res, err := s.recompute(ctx, job.DealID, pipeline.RunRequest{
		Trigger:  job.Trigger,
		Actor:    job.Owner,
		Snapshot: job.Snapshot,
	})
	if err != nil {
		return fmt.Errorf("deals.HandleRecompute: %w", err)
	}
	job.RunID = res.Run.ID
	return nil
}

var _ jobs.JobHandler = (*Service)(nil).HandleRecompute

// recompute runs the engine and feeds the result to the warehouse.
func (s *Service) recompute(ctx context.Context, dealID string, req pipeline.RunRequest) (*pipeline.RunResult, error) {
	start := time.Now()
	res, err := s.engine.Run(ctx, s.repo, dealID, req)
	var final int64
	if err == nil {
		final = res.Run.FinalConfidenceBP
	}
	s.metrics.ObserveRun(string(req.Trigger), time.Since(start), final, err)
	if err != nil {
		return nil, err
	}
	s.afterRun(ctx, res)
	return res, nil
}

func (s *Service) afterRun(ctx context.Context, res *pipeline.RunResult) {
	if res.Snapshot != nil {
		s.metrics.SnapshotStored(res.Snapshot.AnalysisRunID == res.Run.ID)
	}
	if s.warehouse == nil {
		return
	}
	if err := s.warehouse.RecordRun(context.WithoutCancel(ctx), res.Run); err != nil {
		s.log.Warn().Err(err).Str("deal_id", res.Run.DealID).Str("run_id", res.Run.ID).Msg("failed to record run in warehouse")
	}
}

// ExportResult is an exported snapshot, the run it was built from and the
// deal's entities and transaction mapping as that run resolved them.
type ExportResult struct {
	Run          *domain.AnalysisRun   `json:"run"`
	Snapshot     *domain.Snapshot      `json:"snapshot"`
	Entities     []*domain.Entity      `json:"entities"`
	TxnEntityMap []domain.TxnEntityMap `json:"txn_entity_map"`
	ArchiveURI   string                `json:"archive_uri,omitempty"`
}

// Export recomputes the deal and stores a canonical snapshot of the
// result. It refuses while documents are still being ingested and for a
// deal without transactions.
func (s *Service) Export(ctx context.Context, owner, dealID string) (*ExportResult, error) {
	if _, err := s.repo.GetDeal(ctx, owner, dealID); err != nil {
		return nil, fmt.Errorf("deals.Export: %w", err)
	}

	start := time.Now()
	var res *pipeline.RunResult
	err := s.repo.WithinDeal(ctx, dealID, func(ctx context.Context, tx store.DealTx) error {
		docs, err := tx.Documents(ctx)
		if err != nil {
			return err
		}
		for _, d := range docs {
			if d.Status == domain.DocumentStatusUploaded || d.Status == domain.DocumentStatusProcessing {
				return fmt.Errorf("document %s is %s: %w", d.ID, d.Status, domain.ErrDocumentsNotReady)
			}
		}
		txns, err := tx.Transactions(ctx)
		if err != nil {
			return err
		}
		if len(txns) == 0 {
			return fmt.Errorf("deal %s: %w", dealID, domain.ErrNoTransactions)
		}
		res, err = s.engine.RunInTx(ctx, tx, pipeline.RunRequest{
			Trigger:  domain.TriggerManualRerun,
			Actor:    owner,
			Snapshot: true,
		})
		return err
	})
	var final int64
	if err == nil {
		final = res.Run.FinalConfidenceBP
	}
	s.metrics.ObserveRun(string(domain.TriggerManualRerun), time.Since(start), final, err)
	if err != nil {
		return nil, fmt.Errorf("deals.Export: %w", err)
	}
	s.afterRun(ctx, res)

	out := &ExportResult{
		Run:          res.Run,
		Snapshot:     res.Snapshot,
		Entities:     res.Entities,
		TxnEntityMap: res.TxnEntityMap,
	}
	if s.archive != nil {
		uri, err := s.archive.Put(ctx, res.Snapshot)
		switch {
		case err == nil:
			out.ArchiveURI = uri
		case domain.IsIntegrityViolation(err):
			return nil, fmt.Errorf("deals.Export: %w", err)
		default:
			s.log.Warn().Err(err).Str("deal_id", dealID).Str("snapshot_id", res.Snapshot.ID).Msg("snapshot archive failed")
		}
	}
	s.log.Info().
		Str("deal_id", dealID).
		Str("snapshot_id", res.Snapshot.ID).
		Str("sha256_hash", res.Snapshot.SHA256Hash).
		Msg("snapshot exported")
	return out, nil
}

// DealFailure is one deal a batch recomputation could not finish.
type DealFailure struct {
	DealID string `json:"deal_id"`
	Error  string `json:"error"`
}

// RerunAllSummary reports a batch recomputation.
type RerunAllSummary struct {
	Deals     int           `json:"deals"`
	Succeeded int           `json:"succeeded"`
	Failed    []DealFailure `json:"failed"`
}

// RerunAll recomputes every deal with at most parallelism runs in flight.
// Deals are independent, so one failing deal does not stop the others; an
// integrity violation stops the batch.
func (s *Service) RerunAll(ctx context.Context, parallelism int) (*RerunAllSummary, error) {
	refs, err := s.repo.ListDealRefs(ctx)
	if err != nil {
		return nil, fmt.Errorf("deals.RerunAll: %w", err)
	}
	if parallelism < 1 {
		parallelism = 1
	}

	summary := &RerunAllSummary{Deals: len(refs), Failed: []DealFailure{}}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)
	for _, ref := range refs {
		g.Go(func() error {
			_, err := s.recompute(gctx, ref.ID, pipeline.RunRequest{
				Trigger: domain.TriggerManualRerun,
				Actor:   ref.CreatedBy,
			})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				summary.Succeeded++
				return nil
			}
			summary.Failed = append(summary.Failed, DealFailure{DealID: ref.ID, Error: err.Error()})
			if domain.IsIntegrityViolation(err) || errors.Is(err, context.Canceled) {
				return fmt.Errorf("deal %s: %w", ref.ID, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return summary, fmt.Errorf("deals.RerunAll: %w", err)
	}
	s.log.Info().Int("deals", summary.Deals).Int("succeeded", summary.Succeeded).Int("failed", len(summary.Failed)).Msg("rerun-all finished")
	return summary, nil
}
