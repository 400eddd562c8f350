package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dvloznov/deal-confidence/internal/domain"
	"github.com/dvloznov/deal-confidence/internal/ingestion"
)

func (c *cli) ingestCmd() *cobra.Command {
	var owner, documentID, file string
	var noRerun bool
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Ingest parsed rows for an uploaded document",
		Long: `ingest reads parser output from a JSON file, either an array of rows
or an object with a "rows" array, and stores it for the document. The deal
is then recomputed with the parse_complete trigger unless --no-rerun is set.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			rows, err := readRows(file)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			res, err := c.app.Ingestion.Ingest(ctx, owner, documentID, rows)
			if err != nil {
				var ingErr *domain.IngestionError
				if errors.As(err, &ingErr) {
					c.print(ingErr)
				}
				return err
			}
			out := map[string]interface{}{"ingestion": res}
			if !noRerun {
				run, err := c.app.Deals.Rerun(ctx, owner, res.DealID, domain.TriggerParseComplete)
				if err != nil {
					return err
				}
				out["run"] = run.Run
			}
			return c.print(out)
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "Acting user (deal owner)")
	cmd.Flags().StringVar(&documentID, "document", "", "Document ID")
	cmd.Flags().StringVar(&file, "file", "", "Path to the parsed rows JSON")
	cmd.Flags().BoolVar(&noRerun, "no-rerun", false, "Skip the parse_complete recomputation")
	for _, f := range []string{"owner", "document", "file"} {
		cmd.MarkFlagRequired(f)
	}
	return cmd
}

func readRows(path string) ([]ingestion.ParsedRow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var rows []ingestion.ParsedRow
	if err := json.Unmarshal(data, &rows); err == nil {
		return rows, nil
	}
	var wrapped struct {
		Rows []ingestion.ParsedRow `json:"rows"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return wrapped.Rows, nil
}

func (c *cli) rerunCmd() *cobra.Command {
	var owner, dealID string
	cmd := &cobra.Command{
		Use:   "rerun",
		Short: "Recompute one deal (manual_rerun)",
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := c.app.Deals.Rerun(cmd.Context(), owner, dealID, domain.TriggerManualRerun)
			if err != nil {
				return err
			}
			return c.print(res.Run)
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "Acting user (deal owner)")
	cmd.Flags().StringVar(&dealID, "deal", "", "Deal ID")
	cmd.MarkFlagRequired("owner")
	cmd.MarkFlagRequired("deal")
	return cmd
}

func (c *cli) rerunAllCmd() *cobra.Command {
	var parallelism int
	cmd := &cobra.Command{
		Use:   "rerun-all",
		Short: "Recompute every deal, e.g. after a rule or config change",
		RunE: func(cmd *cobra.Command, args []string) error {
			summary, err := c.app.Deals.RerunAll(cmd.Context(), parallelism)
			if summary != nil {
				c.print(summary)
			}
			if err != nil {
				return err
			}
			if len(summary.Failed) > 0 {
				return fmt.Errorf("%d of %d deals failed", len(summary.Failed), summary.Deals)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&parallelism, "parallelism", 4, "Deals recomputed concurrently")
	return cmd
}

func (c *cli) exportCmd() *cobra.Command {
	var owner, dealID string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Recompute a deal and store a canonical snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := c.app.Deals.Export(cmd.Context(), owner, dealID)
			if err != nil {
				return err
			}
			return c.print(map[string]interface{}{
				"run_id":               res.Run.ID,
				"snapshot_id":          res.Snapshot.ID,
				"sha256_hash":          res.Snapshot.SHA256Hash,
				"financial_state_hash": res.Snapshot.FinancialStateHash,
				"archive_uri":          res.ArchiveURI,
				"entities":             res.Entities,
				"txn_entity_map":       res.TxnEntityMap,
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "Acting user (deal owner)")
	cmd.Flags().StringVar(&dealID, "deal", "", "Deal ID")
	cmd.MarkFlagRequired("owner")
	cmd.MarkFlagRequired("deal")
	return cmd
}

func (c *cli) backfillCmd() *cobra.Command {
	var batch int
	cmd := &cobra.Command{
		Use:   "backfill-financial-hash",
		Short: "Fill financial_state_hash on snapshots that predate it",
		RunE: func(cmd *cobra.Command, args []string) error {
			summary, err := c.app.Deals.BackfillFinancialHashes(cmd.Context(), batch)
			if summary != nil {
				c.print(summary)
			}
			return err
		},
	}
	cmd.Flags().IntVar(&batch, "batch", 100, "Snapshots read per batch")
	return cmd
}

func (c *cli) verifyCmd() *cobra.Command {
	var owner, snapshotID string
	cmd := &cobra.Command{
		Use:   "verify-snapshot",
		Short: "Recompute a snapshot's hashes and compare the archived copy",
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := c.app.Deals.VerifySnapshot(cmd.Context(), owner, snapshotID)
			if err != nil {
				return err
			}
			return c.print(res)
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "Acting user (deal owner)")
	cmd.Flags().StringVar(&snapshotID, "snapshot", "", "Snapshot ID")
	cmd.MarkFlagRequired("owner")
	cmd.MarkFlagRequired("snapshot")
	return cmd
}

func (c *cli) historyCmd() *cobra.Command {
	var owner, dealID string
	var limit int
	cmd := &cobra.Command{
		Use:   "run-history",
		Short: "List a deal's runs from the BigQuery warehouse",
		RunE: func(cmd *cobra.Command, args []string) error {
			if c.app.Warehouse == nil {
				return errors.New("warehouse is not configured (set warehouse.project_id)")
			}
			if _, err := c.app.Deals.GetDeal(cmd.Context(), owner, dealID); err != nil {
				return err
			}
			rows, err := c.app.Warehouse.RunHistory(cmd.Context(), dealID, limit)
			if err != nil {
				return err
			}
			return c.print(rows)
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "Acting user (deal owner)")
	cmd.Flags().StringVar(&dealID, "deal", "", "Deal ID")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum runs returned")
	cmd.MarkFlagRequired("owner")
	cmd.MarkFlagRequired("deal")
	return cmd
}
