// Package warehouse streams analysis runs into BigQuery for reporting and
// reads the run history back.
package warehouse

import (
	"context"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/bigquery"
	"google.golang.org/api/iterator"

	"github.com/dvloznov/deal-confidence/internal/domain"
)

// RunRow is one analysis run as stored in the warehouse table.
type RunRow struct {
	RunID            string    `bigquery:"run_id"`   // REQUIRED
	DealID           string    `bigquery:"deal_id"`  // REQUIRED
	RunTrigger       string    `bigquery:"run_trigger"`
	SchemaVersion    string    `bigquery:"schema_version"`
	ConfigVersion    string    `bigquery:"config_version"`
	RoleVersion      string    `bigquery:"role_version"`
	MatchRuleVersion string    `bigquery:"match_rule_version"`
	CreatedTS        time.Time `bigquery:"created_ts"` // REQUIRED

	NonTransferAbsTotalCents   int64 `bigquery:"non_transfer_abs_total_cents"`
	ClassifiedAbsTotalCents    int64 `bigquery:"classified_abs_total_cents"`
	BankOperationalInflowCents int64 `bigquery:"bank_operational_inflow_cents"`

	CoveragePctBP         int64              `bigquery:"coverage_pct_bp"`
	MissingMonthCount     int64              `bigquery:"missing_month_count"`
	MissingMonthPenaltyBP int64              `bigquery:"missing_month_penalty_bp"`
	OverridePenaltyBP     int64              `bigquery:"override_penalty_bp"`
	BaseConfidenceBP      int64              `bigquery:"base_confidence_bp"`
	ReconciliationStatus  string             `bigquery:"reconciliation_status"`
	ReconciliationPctBP   bigquery.NullInt64 `bigquery:"reconciliation_pct_bp"` // NULLABLE
	FinalConfidenceBP     int64              `bigquery:"final_confidence_bp"`
	Tier                  string             `bigquery:"tier"`
	TierCapped            bool               `bigquery:"tier_capped"`
	TierCapReasons        []string           `bigquery:"tier_cap_reasons"` // REPEATED

	RawTransactionHash string `bigquery:"raw_transaction_hash"`
	TransferLinksHash  string `bigquery:"transfer_links_hash"`
	EntitiesHash       string `bigquery:"entities_hash"`
	OverridesHash      string `bigquery:"overrides_hash"`
}

// RowFromRun converts a persisted run.
func RowFromRun(run *domain.AnalysisRun) *RunRow {
	row := &RunRow{
		RunID:            run.ID,
		DealID:           run.DealID,
		RunTrigger:       string(run.RunTrigger),
		SchemaVersion:    run.SchemaVersion,
		ConfigVersion:    run.ConfigVersion,
		RoleVersion:      run.RoleVersion,
		MatchRuleVersion: run.MatchRuleVersion,
		CreatedTS:        run.CreatedAt,

		NonTransferAbsTotalCents:   run.NonTransferAbsTotalCents,
		ClassifiedAbsTotalCents:    run.ClassifiedAbsTotalCents,
		BankOperationalInflowCents: run.BankOperationalInflowCents,

		CoveragePctBP:         run.CoveragePctBP,
		MissingMonthCount:     run.MissingMonthCount,
		MissingMonthPenaltyBP: run.MissingMonthPenaltyBP,
		OverridePenaltyBP:     run.OverridePenaltyBP,
		BaseConfidenceBP:      run.BaseConfidenceBP,
		ReconciliationStatus:  string(run.ReconciliationStatus),
		FinalConfidenceBP:     run.FinalConfidenceBP,
		Tier:                  string(run.Tier),
		TierCapped:            run.TierCapped,
		TierCapReasons:        append([]string{}, run.TierCapReasons...),

		RawTransactionHash: run.RawTransactionHash,
		TransferLinksHash:  run.TransferLinksHash,
		EntitiesHash:       run.EntitiesHash,
		OverridesHash:      run.OverridesHash,
	}
	if run.ReconciliationPctBP != nil {
		row.ReconciliationPctBP = bigquery.NullInt64{Int64: *run.ReconciliationPctBP, Valid: true}
	}
	return row
}

// Warehouse is a BigQuery run table.
type Warehouse struct {
	client    *bigquery.Client
	projectID string
	datasetID string
	tableID   string
}

// New creates a warehouse client for projectID.dataset.table.
func New(ctx context.Context, projectID, datasetID, tableID string) (*Warehouse, error) {
	client, err := bigquery.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("warehouse.New: creating client: %w", err)
	}
	return &Warehouse{client: client, projectID: projectID, datasetID: datasetID, tableID: tableID}, nil
}

// Close closes the BigQuery client connection.
func (w *Warehouse) Close() error {
	if w.client != nil {
		return w.client.Close()
	}
	return nil
}

// Schema is the table schema inferred from RunRow.
func Schema() (bigquery.Schema, error) {
	schema, err := bigquery.InferSchema(RunRow{})
	if err != nil {
		return nil, fmt.Errorf("warehouse.Schema: %w", err)
	}
	return schema, nil
}

// EnsureTable creates the run table, partitioned by day on created_ts, if
// it does not exist yet.
func (w *Warehouse) EnsureTable(ctx context.Context) error {
	table := w.client.DatasetInProject(w.projectID, w.datasetID).Table(w.tableID)
	if _, err := table.Metadata(ctx); err == nil {
		return nil
	}
	schema, err := Schema()
	if err != nil {
		return err
	}
	meta := &bigquery.TableMetadata{
		Schema:           schema,
		TimePartitioning: &bigquery.TimePartitioning{Field: "created_ts"},
		Clustering:       &bigquery.Clustering{Fields: []string{"deal_id"}},
	}
	if err := table.Create(ctx, meta); err != nil && !strings.Contains(err.Error(), "Already Exists") {
		return fmt.Errorf("warehouse.EnsureTable: %w", err)
	}
	return nil
}

// RecordRun streams one run. The run ID is the insert ID, so a retried
// insert of the same run is deduplicated by BigQuery.
func (w *Warehouse) RecordRun(ctx context.Context, run *domain.AnalysisRun) error {
	table := w.client.DatasetInProject(w.projectID, w.datasetID).Table(w.tableID)
	saver := &bigquery.StructSaver{Struct: RowFromRun(run), InsertID: run.ID}
	if err := table.Inserter().Put(ctx, saver); err != nil {
		return fmt.Errorf("warehouse.RecordRun: inserting run %s: %w", run.ID, err)
	}
	return nil
}

func historyQuery(projectID, datasetID, tableID string) string {
	return fmt.Sprintf(`
		SELECT *
		FROM `+"`%s.%s.%s`"+`
		WHERE deal_id = @deal_id
		ORDER BY created_ts DESC, run_id
		LIMIT @limit
	`, projectID, datasetID, tableID)
}

// RunHistory returns the newest runs of a deal, newest first.
func (w *Warehouse) RunHistory(ctx context.Context, dealID string, limit int) ([]*RunRow, error) {
	if limit <= 0 {
		limit = 100
	}
	q := w.client.Query(historyQuery(w.projectID, w.datasetID, w.tableID))
	q.Parameters = []bigquery.QueryParameter{
		{Name: "deal_id", Value: dealID},
		{Name: "limit", Value: limit},
	}

	it, err := q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("warehouse.RunHistory: query read: %w", err)
	}

	var rows []*RunRow
	for {
		var r RunRow
		err := it.Next(&r)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("warehouse.RunHistory: iter next: %w", err)
		}
		rows = append(rows, &r)
	}
	return rows, nil
}
