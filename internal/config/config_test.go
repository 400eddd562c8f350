package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvloznov/deal-confidence/internal/domain"
	"github.com/dvloznov/deal-confidence/internal/ledger"
	"github.com/dvloznov/deal-confidence/internal/scoring"
	"github.com/dvloznov/deal-confidence/internal/transfer"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "memory", cfg.Database.Backend)
	assert.Equal(t, 5, cfg.Jobs.Workers)
	assert.Equal(t, time.Second, cfg.Jobs.RetryBackoff)
	assert.Equal(t, "v1_rules", cfg.Engine.RoleVersion)
	assert.Equal(t, transfer.VersionV2NearestDate, cfg.Engine.MatchRuleVersion)
	assert.Equal(t, scoring.DefaultPolicy(), cfg.Engine.ScoringPolicy())
	assert.Equal(t, transfer.DefaultParams(), cfg.Engine.TransferParams())
	assert.Equal(t, DefaultEngineConfig(), cfg.Engine)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("DCE_JOBS_WORKERS", "9")
	t.Setenv("DCE_ENGINE_OVERRIDE_PENALTY_MODE", "value_share")
	t.Setenv("DCE_ENGINE_MATCH_RULE_VERSION", "v1_transfer_rule")
	t.Setenv("DCE_SERVER_SHUTDOWN_TIMEOUT", "5s")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 9, cfg.Jobs.Workers)
	assert.Equal(t, ledger.PenaltyModeValueShare, cfg.Engine.ScoringPolicy().Penalty.Mode)
	assert.Equal(t, transfer.VersionV1TransferRule, cfg.Engine.MatchRuleVersion)
	assert.Equal(t, 5*time.Second, cfg.Server.ShutdownTimeout)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dce.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database:
  backend: postgres
  url: postgres://dce@localhost/dce?sslmode=disable
engine:
  high_threshold_bp: 9000
warehouse:
  project_id: acme
  dataset: dce
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Database.Backend)
	assert.Equal(t, int64(9000), cfg.Engine.HighThresholdBP)
	assert.Equal(t, "analysis_runs", cfg.Warehouse.Table)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Run("postgres without url", func(t *testing.T) {
		t.Setenv("DCE_DATABASE_BACKEND", "postgres")
		_, err := Load("")
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})
	t.Run("unknown backend", func(t *testing.T) {
		t.Setenv("DCE_DATABASE_BACKEND", "sqlite")
		_, err := Load("")
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})
	t.Run("unknown role version", func(t *testing.T) {
		t.Setenv("DCE_ENGINE_ROLE_VERSION", "v9")
		_, err := Load("")
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})
	t.Run("bad threshold", func(t *testing.T) {
		t.Setenv("DCE_ENGINE_MEDIUM_THRESHOLD_BP", "9900")
		_, err := Load("")
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})
}

func TestConfigVersion(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	v1, err := cfg.Engine.ConfigVersion()
	require.NoError(t, err)
	again, err := cfg.Engine.ConfigVersion()
	require.NoError(t, err)
	assert.Equal(t, v1, again)
	assert.Len(t, v1, len("cfg-")+12)

	changed := cfg.Engine
	changed.NotRunPenaltyBP++
	v2, err := changed.ConfigVersion()
	require.NoError(t, err)
	assert.NotEqual(t, v1, v2)
}
