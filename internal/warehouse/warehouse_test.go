package warehouse

import (
	"strings"
	"testing"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvloznov/deal-confidence/internal/domain"
)

func TestRowFromRun(t *testing.T) {
	pct := domain.BasisPoints(8800)
	run := &domain.AnalysisRun{
		ID:                   "run-1",
		DealID:               "deal-1",
		RunTrigger:           domain.TriggerOverrideApplied,
		ConfigVersion:        "cfg-1",
		ReconciliationStatus: domain.ReconciliationOK,
		ReconciliationPctBP:  &pct,
		FinalConfidenceBP:    9100,
		Tier:                 domain.TierMedium,
		TierCapped:           true,
		TierCapReasons:       []string{"full_weight_override"},
		CreatedAt:            time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}

	row := RowFromRun(run)
	assert.Equal(t, "run-1", row.RunID)
	assert.Equal(t, "override_applied", row.RunTrigger)
	assert.Equal(t, bigquery.NullInt64{Int64: 8800, Valid: true}, row.ReconciliationPctBP)
	assert.Equal(t, []string{"full_weight_override"}, row.TierCapReasons)
	assert.Equal(t, run.CreatedAt, row.CreatedTS)

	run.ReconciliationPctBP = nil
	run.TierCapReasons = nil
	row = RowFromRun(run)
	assert.False(t, row.ReconciliationPctBP.Valid)
	assert.NotNil(t, row.TierCapReasons)
}

func TestSchema(t *testing.T) {
	schema, err := Schema()
	require.NoError(t, err)

	byName := map[string]*bigquery.FieldSchema{}
	for _, f := range schema {
		byName[f.Name] = f
	}
	require.Contains(t, byName, "run_id")
	assert.Equal(t, bigquery.TimestampFieldType, byName["created_ts"].Type)
	assert.Equal(t, bigquery.IntegerFieldType, byName["final_confidence_bp"].Type)
	assert.True(t, byName["tier_cap_reasons"].Repeated)
	assert.False(t, byName["reconciliation_pct_bp"].Required)
}

func TestHistoryQuery(t *testing.T) {
	q := historyQuery("proj", "ds", "runs")
	assert.True(t, strings.Contains(q, "`proj.ds.runs`"))
	assert.True(t, strings.Contains(q, "@deal_id"))
	assert.True(t, strings.Contains(q, "@limit"))
}
